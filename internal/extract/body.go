package extract

import (
	"github.com/mailpipe/mailpipe/internal/normalize"
)

// Body normalizes the email body itself: one text artifact with the
// HTML-derived plain text and one link artifact with the harvested URLs.
type Body struct{}

// Name implements Extractor.
func (b *Body) Name() string { return "email_body" }

// Extensions implements Extractor. Nil: the body extractor claims the email
// body, never attachments.
func (b *Body) Extensions() []string { return nil }

// Extract implements Extractor.
func (b *Body) Extract(in Input) (Result, error) {
	text := in.BodyText
	if in.BodyHTML != "" {
		if normalized := normalize.HTMLToText(in.BodyHTML); normalized != "" {
			text = normalized
		}
	}
	links := normalize.Links(in.BodyText, in.BodyHTML)

	return Result{
		Artifacts: []Artifact{
			{Type: "text", Text: text},
			{Type: "link", Payload: map[string]any{"links": links}},
		},
		Metrics: map[string]any{"link_count": len(links)},
	}, nil
}

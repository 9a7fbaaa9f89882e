package extract

import (
	"bytes"
	"fmt"
	"strings"

	"github.com/ledongthuc/pdf"
)

// PDF extracts page text from PDF attachments.
type PDF struct{}

// Name implements Extractor.
func (p *PDF) Name() string { return "pdf" }

// Extensions implements Extractor.
func (p *PDF) Extensions() []string { return []string{"pdf"} }

// Extract implements Extractor.
func (p *PDF) Extract(in Input) (Result, error) {
	if len(in.AttachmentBytes) == 0 {
		return Result{}, nil
	}

	reader, err := pdf.NewReader(bytes.NewReader(in.AttachmentBytes), int64(len(in.AttachmentBytes)))
	if err != nil {
		return Result{}, fmt.Errorf("failed to open pdf: %w", err)
	}

	var chunks []string
	pages := reader.NumPage()
	for i := 1; i <= pages; i++ {
		page := reader.Page(i)
		if page.V.IsNull() {
			continue
		}
		text, err := page.GetPlainText(nil)
		if err != nil {
			continue
		}
		if text = strings.TrimSpace(text); text != "" {
			chunks = append(chunks, text)
		}
	}

	return Result{
		Artifacts: []Artifact{{Type: "text", Text: strings.Join(chunks, "\n")}},
		Metrics:   map[string]any{"pages": pages},
	}, nil
}

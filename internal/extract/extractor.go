// Package extract defines the extractor contract and the extension-based
// router that picks which extractor handles an attachment. Extractors are
// fallible collaborators: the pipeline catches their failures per
// invocation, so one bad extractor never blocks its siblings.
package extract

import (
	"strings"
	"time"
)

// Input is the uniform bundle handed to every extractor. Attachment fields
// are zero for body-level extraction.
type Input struct {
	EmailID    string
	Subject    string
	BodyText   string
	BodyHTML   string
	IsCalendar bool
	ReceivedAt *time.Time

	AttachmentID        string
	AttachmentName      string
	AttachmentExt       string
	AttachmentBytes     []byte
	AttachmentContentID string
}

// Artifact is one unit of extracted information.
type Artifact struct {
	Type     string
	Text     string
	Payload  map[string]any
	FilePath string
	Metadata map[string]any
}

// Result is the outcome of one extractor invocation.
type Result struct {
	Artifacts []Artifact
	Metrics   map[string]any
}

// Extractor turns an input bundle into zero or more artifacts.
// Extensions lists the file extensions it claims; nil means it claims the
// email body, not attachments.
type Extractor interface {
	Name() string
	Extensions() []string
	Extract(in Input) (Result, error)
}

// Registry is an ordered set of extractors. Routing returns the first
// registered extractor claiming an extension.
type Registry struct {
	extractors []Extractor
}

// NewRegistry builds a registry preserving registration order.
func NewRegistry(extractors ...Extractor) *Registry {
	return &Registry{extractors: extractors}
}

// DefaultRegistry returns the built-in attachment extractors in their
// standard precedence order.
func DefaultRegistry() *Registry {
	return NewRegistry(
		&DOCX{},
		&PPTX{},
		&PDF{},
		&Image{},
		&Msg{},
		&Calendar{},
	)
}

// RouteByExtension returns the first extractor claiming ext, or nil when the
// extension is unclaimed. Matching is case-insensitive and tolerates a
// leading dot. Unsupported formats are expected, not an error.
func (r *Registry) RouteByExtension(ext string) Extractor {
	ext = strings.ToLower(strings.TrimPrefix(ext, "."))
	if ext == "" {
		return nil
	}
	for _, e := range r.extractors {
		for _, claimed := range e.Extensions() {
			if claimed == ext {
				return e
			}
		}
	}
	return nil
}

// ExtensionOf returns the lowercased extension of a filename, without the
// dot, or "" when the name has none.
func ExtensionOf(filename string) string {
	i := strings.LastIndex(filename, ".")
	if i < 0 || i == len(filename)-1 {
		return ""
	}
	return strings.ToLower(filename[i+1:])
}

package extract

import (
	"archive/zip"
	"bytes"
	"encoding/xml"
	"fmt"
	"io"
	"sort"
	"strings"
)

// PPTX extracts slide and speaker-notes text from PowerPoint attachments.
// Slide bodies live in ppt/slides/slideN.xml, notes in
// ppt/notesSlides/notesSlideN.xml; visible text sits in a:t runs.
type PPTX struct{}

// Name implements Extractor.
func (p *PPTX) Name() string { return "pptx" }

// Extensions implements Extractor.
func (p *PPTX) Extensions() []string { return []string{"pptx"} }

// Extract implements Extractor.
func (p *PPTX) Extract(in Input) (Result, error) {
	if len(in.AttachmentBytes) == 0 {
		return Result{}, nil
	}

	archive, err := zip.NewReader(bytes.NewReader(in.AttachmentBytes), int64(len(in.AttachmentBytes)))
	if err != nil {
		return Result{}, fmt.Errorf("failed to open pptx archive: %w", err)
	}

	var slideParts, noteParts []string
	for _, f := range archive.File {
		switch {
		case strings.HasPrefix(f.Name, "ppt/slides/slide") && strings.HasSuffix(f.Name, ".xml"):
			slideParts = append(slideParts, f.Name)
		case strings.HasPrefix(f.Name, "ppt/notesSlides/notesSlide") && strings.HasSuffix(f.Name, ".xml"):
			noteParts = append(noteParts, f.Name)
		}
	}
	// Archive order is not guaranteed; keep extraction deterministic.
	sort.Strings(slideParts)
	sort.Strings(noteParts)

	var chunks []string
	for _, name := range append(slideParts, noteParts...) {
		text, err := drawingText(archive, name)
		if err != nil {
			return Result{}, err
		}
		if text != "" {
			chunks = append(chunks, text)
		}
	}

	return Result{
		Artifacts: []Artifact{{Type: "text", Text: strings.Join(chunks, "\n")}},
		Metrics:   map[string]any{"slides": len(slideParts)},
	}, nil
}

// drawingText joins the a:t runs of one DrawingML part, one line per
// a:p paragraph.
func drawingText(archive *zip.Reader, name string) (string, error) {
	part, err := openPart(archive, name)
	if err != nil {
		return "", err
	}
	defer part.Close()

	decoder := xml.NewDecoder(part)
	var (
		sb    strings.Builder
		inRun bool
	)
	for {
		token, err := decoder.Token()
		if err == io.EOF {
			break
		}
		if err != nil {
			return "", fmt.Errorf("failed to decode %s: %w", name, err)
		}
		switch t := token.(type) {
		case xml.StartElement:
			if t.Name.Local == "t" {
				inRun = true
			}
		case xml.EndElement:
			switch t.Name.Local {
			case "t":
				inRun = false
			case "p":
				sb.WriteByte('\n')
			}
		case xml.CharData:
			if inRun {
				sb.Write(t)
			}
		}
	}
	return strings.TrimSpace(sb.String()), nil
}

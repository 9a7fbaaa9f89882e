package extract

import (
	"archive/zip"
	"bytes"
	"encoding/xml"
	"fmt"
	"io"
	"strings"
)

// DOCX extracts paragraph and table text from Word attachments. OOXML is a
// zip of XML parts; the document body lives in word/document.xml and all
// visible text sits in w:t runs.
type DOCX struct{}

// Name implements Extractor.
func (d *DOCX) Name() string { return "docx" }

// Extensions implements Extractor.
func (d *DOCX) Extensions() []string { return []string{"docx"} }

// Extract implements Extractor.
func (d *DOCX) Extract(in Input) (Result, error) {
	if len(in.AttachmentBytes) == 0 {
		return Result{}, nil
	}

	archive, err := zip.NewReader(bytes.NewReader(in.AttachmentBytes), int64(len(in.AttachmentBytes)))
	if err != nil {
		return Result{}, fmt.Errorf("failed to open docx archive: %w", err)
	}

	part, err := openPart(archive, "word/document.xml")
	if err != nil {
		return Result{}, err
	}
	defer part.Close()

	text, paragraphs, err := wordText(part)
	if err != nil {
		return Result{}, err
	}

	return Result{
		Artifacts: []Artifact{{Type: "text", Text: text}},
		Metrics:   map[string]any{"paragraphs": paragraphs},
	}, nil
}

func openPart(archive *zip.Reader, name string) (io.ReadCloser, error) {
	for _, f := range archive.File {
		if f.Name == name {
			rc, err := f.Open()
			if err != nil {
				return nil, fmt.Errorf("failed to open %s: %w", name, err)
			}
			return rc, nil
		}
	}
	return nil, fmt.Errorf("missing archive part %s", name)
}

// wordText streams the WordprocessingML tokens, joining w:t runs, breaking
// lines at paragraph ends and separating table cells with tabs.
func wordText(r io.Reader) (string, int, error) {
	decoder := xml.NewDecoder(r)
	var (
		sb         strings.Builder
		inRun      bool
		paragraphs int
	)
	for {
		token, err := decoder.Token()
		if err == io.EOF {
			break
		}
		if err != nil {
			return "", 0, fmt.Errorf("failed to decode document xml: %w", err)
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
				paragraphs++
				sb.WriteByte('\n')
			case "tc":
				sb.WriteByte('\t')
			}
		case xml.CharData:
			if inRun {
				sb.Write(t)
			}
		}
	}
	return strings.TrimSpace(sb.String()), paragraphs, nil
}

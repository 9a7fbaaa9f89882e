package extract

// Image records image attachments as metadata-only artifacts. No OCR: the
// artifact marks the image's presence and inline reference for downstream
// consumers.
type Image struct{}

// Name implements Extractor.
func (i *Image) Name() string { return "image" }

// Extensions implements Extractor.
func (i *Image) Extensions() []string {
	return []string{"png", "jpg", "jpeg", "gif", "tif", "tiff", "bmp"}
}

// Extract implements Extractor.
func (i *Image) Extract(in Input) (Result, error) {
	return Result{
		Artifacts: []Artifact{{
			Type: "image",
			Metadata: map[string]any{
				"filename":   in.AttachmentName,
				"content_id": in.AttachmentContentID,
			},
		}},
	}, nil
}

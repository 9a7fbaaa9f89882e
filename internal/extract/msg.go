package extract

import (
	"bytes"
	"fmt"
	"io"
	"strings"
	"unicode/utf16"

	"github.com/richardlehane/mscfb"
)

// MAPI property tags of the string streams we read out of a .msg file.
// Streams are named __substg1.0_<tag><type>; type 001F is UTF-16LE,
// 001E is 8-bit.
const (
	msgTagSubject     = "0037"
	msgTagSenderName  = "0C1A"
	msgTagSenderEmail = "0C1F"
	msgTagDisplayTo   = "0E04"
	msgTagDisplayCc   = "0E03"
	msgTagBody        = "1000"
)

// Msg extracts the embedded message from Outlook .msg attachments. A .msg
// file is a CFB compound document whose string properties live in dedicated
// streams.
type Msg struct{}

// Name implements Extractor.
func (m *Msg) Name() string { return "msg" }

// Extensions implements Extractor.
func (m *Msg) Extensions() []string { return []string{"msg"} }

// Extract implements Extractor.
func (m *Msg) Extract(in Input) (Result, error) {
	if len(in.AttachmentBytes) == 0 {
		return Result{}, nil
	}

	doc, err := mscfb.New(bytes.NewReader(in.AttachmentBytes))
	if err != nil {
		return Result{}, fmt.Errorf("failed to open msg compound file: %w", err)
	}

	props := make(map[string]string)
	for entry, err := doc.Next(); err == nil; entry, err = doc.Next() {
		tag, unicode, ok := parseStreamName(entry.Name)
		if !ok {
			continue
		}
		raw, err := io.ReadAll(entry)
		if err != nil {
			continue
		}
		if unicode {
			props[tag] = decodeUTF16LE(raw)
		} else {
			props[tag] = strings.TrimRight(string(raw), "\x00")
		}
	}

	sender := props[msgTagSenderEmail]
	if sender == "" {
		sender = props[msgTagSenderName]
	}
	payload := map[string]any{
		"subject": props[msgTagSubject],
		"sender":  sender,
		"to":      props[msgTagDisplayTo],
		"cc":      props[msgTagDisplayCc],
	}

	return Result{
		Artifacts: []Artifact{{
			Type:    "msg_embedded",
			Payload: payload,
			Text:    props[msgTagBody],
		}},
	}, nil
}

// parseStreamName recognizes top-level string property streams.
func parseStreamName(name string) (tag string, unicode bool, ok bool) {
	const prefix = "__substg1.0_"
	if !strings.HasPrefix(name, prefix) || len(name) != len(prefix)+8 {
		return "", false, false
	}
	tag = name[len(prefix) : len(prefix)+4]
	switch name[len(prefix)+4:] {
	case "001F":
		return tag, true, true
	case "001E":
		return tag, false, true
	}
	return "", false, false
}

func decodeUTF16LE(raw []byte) string {
	if len(raw) < 2 {
		return ""
	}
	units := make([]uint16, 0, len(raw)/2)
	for i := 0; i+1 < len(raw); i += 2 {
		units = append(units, uint16(raw[i])|uint16(raw[i+1])<<8)
	}
	return strings.TrimRight(string(utf16.Decode(units)), "\x00")
}

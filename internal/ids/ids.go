// Package ids derives stable identifiers from immutable source facts.
//
// Every identifier is a sha256 hex digest over a canonical colon-joined
// string, so re-deriving from the same inputs always yields the same id.
// The whole idempotency story of the pipeline rests on these functions
// being pure and total.
package ids

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
)

// Hash returns the sha256 hex digest of data.
func Hash(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// HashString returns the sha256 hex digest of s.
func HashString(s string) string {
	return Hash([]byte(s))
}

// EmailID derives the identifier of a logical message from its source-native
// identifiers. Content is deliberately excluded: flag flips or body edits at
// the source must not mint a new row.
func EmailID(sourceSystem, storeID, entryID string) string {
	return HashString(fmt.Sprintf("%s:%s:%s", sourceSystem, storeID, entryID))
}

// AttachmentID derives the identifier of one attachment row. Namespacing by
// emailID keeps bit-identical attachments on different emails distinct, and
// contentID keeps distinct inline references on the same email distinct.
// contentID and filename may be empty.
func AttachmentID(emailID, contentHash, contentID, filename string) string {
	return HashString(fmt.Sprintf("%s:%s:%s:%s", emailID, contentHash, contentID, filename))
}

// ArtifactID derives the identifier of one extracted artifact.
// attachmentID and extractorName may be empty for message-level artifacts.
// payloadHash must come from PayloadHash so that semantically identical
// artifacts collide to the same id.
func ArtifactID(emailID, attachmentID, extractorName, artifactType, payloadHash string) string {
	return HashString(fmt.Sprintf("%s:%s:%s:%s:%s", emailID, attachmentID, extractorName, artifactType, payloadHash))
}

// PayloadHash computes the canonical content hash of an artifact's text,
// structured payload and file path. The payload map is serialized with
// encoding/json, which emits map keys in sorted order, so field ordering
// never changes the hash. Marshal failures are impossible for the
// JSON-safe payloads extractors produce; a non-marshalable value falls
// back to its Go string form rather than failing, keeping the function
// total.
func PayloadHash(text string, payload map[string]any, filePath string) string {
	var combined string
	if text != "" {
		combined += HashString(text)
	}
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			raw = []byte(fmt.Sprintf("%v", payload))
		}
		combined += Hash(raw)
	}
	if filePath != "" {
		combined += HashString(filePath)
	}
	return combined
}

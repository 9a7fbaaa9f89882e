package models

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"
)

// StringList is a []string stored as a JSON TEXT column.
type StringList []string

// Value implements driver.Valuer.
func (l StringList) Value() (driver.Value, error) {
	if l == nil {
		return nil, nil
	}
	raw, err := json.Marshal([]string(l))
	if err != nil {
		return nil, fmt.Errorf("failed to marshal string list: %w", err)
	}
	return string(raw), nil
}

// Scan implements sql.Scanner.
func (l *StringList) Scan(src any) error {
	return scanJSON(src, l)
}

// NullString is a string stored as NULL when empty. Attachment content-ids
// use it so absent values never collide under the uniqueness index.
type NullString string

// Value implements driver.Valuer.
func (s NullString) Value() (driver.Value, error) {
	if s == "" {
		return nil, nil
	}
	return string(s), nil
}

// Scan implements sql.Scanner.
func (s *NullString) Scan(src any) error {
	switch v := src.(type) {
	case nil:
		*s = ""
	case string:
		*s = NullString(v)
	case []byte:
		*s = NullString(v)
	default:
		return fmt.Errorf("cannot scan %T into string column", src)
	}
	return nil
}

// JSONMap is a map[string]any stored as a JSON TEXT column.
type JSONMap map[string]any

// Value implements driver.Valuer.
func (m JSONMap) Value() (driver.Value, error) {
	if m == nil {
		return nil, nil
	}
	raw, err := json.Marshal(map[string]any(m))
	if err != nil {
		return nil, fmt.Errorf("failed to marshal json map: %w", err)
	}
	return string(raw), nil
}

// Scan implements sql.Scanner.
func (m *JSONMap) Scan(src any) error {
	return scanJSON(src, m)
}

func scanJSON(src, dst any) error {
	switch v := src.(type) {
	case nil:
		return nil
	case []byte:
		return json.Unmarshal(v, dst)
	case string:
		return json.Unmarshal([]byte(v), dst)
	default:
		return fmt.Errorf("cannot scan %T into JSON column", src)
	}
}

// IngestionRun is one execution instance of the pipeline.
type IngestionRun struct {
	RunID      string     `db:"run_id"`
	StartedAt  time.Time  `db:"started_at"`
	FinishedAt *time.Time `db:"finished_at"`
	Host       string     `db:"host"`
	Stats      JSONMap    `db:"stats"`
}

// Email is a logical message keyed by a deterministic id derived from its
// source-native identifiers.
type Email struct {
	EmailID            string     `db:"email_id"`
	SourceSystem       string     `db:"source_system"`
	SourceEntryID      string     `db:"source_entry_id"`
	SourceStoreID      string     `db:"source_store_id"`
	ReceivedAt         *time.Time `db:"received_at"`
	SentAt             *time.Time `db:"sent_at"`
	Subject            string     `db:"subject"`
	SenderName         string     `db:"sender_name"`
	SenderEmail        string     `db:"sender_email"`
	ToRecipients       StringList `db:"to_recipients"`
	CcRecipients       StringList `db:"cc_recipients"`
	BccRecipients      StringList `db:"bcc_recipients"`
	ConversationID     string     `db:"conversation_id"`
	BodyTextRaw        string     `db:"body_text_raw"`
	BodyTextNormalized string     `db:"body_text_normalized"`
	BodyHTML           string     `db:"body_html"`
	Links              StringList `db:"links"`
	IsCalendar         bool       `db:"is_calendar"`
	CalendarStart      *time.Time `db:"calendar_start"`
	CalendarEnd        *time.Time `db:"calendar_end"`
	CalendarTimezone   string     `db:"calendar_timezone"`
	CalendarLocation   string     `db:"calendar_location"`
	Organizer          string     `db:"organizer"`
	Attendees          StringList `db:"attendees"`
	ProcessingState    string     `db:"processing_state"`
}

// Attachment is one file owned by exactly one email.
type Attachment struct {
	AttachmentID string     `db:"attachment_id"`
	EmailID      string     `db:"email_id"`
	Filename     string     `db:"filename"`
	Ext          string     `db:"ext"`
	MIME         string     `db:"mime"`
	SHA256       string     `db:"sha256"`
	SizeBytes    int64      `db:"size_bytes"`
	SavedPath    string     `db:"saved_path"`
	IsInline     bool       `db:"is_inline"`
	ContentID    NullString `db:"content_id"`
}

// Artifact is the output of one extractor invocation on a body or
// attachment. Artifacts are immutable once derived: the id already encodes
// their content, so they are only ever inserted, never updated.
type Artifact struct {
	ArtifactID   string  `db:"artifact_id"`
	EmailID      string  `db:"email_id"`
	AttachmentID string  `db:"attachment_id"`
	Extractor    string  `db:"extractor"`
	ArtifactType string  `db:"artifact_type"`
	Payload      JSONMap `db:"payload"`
	Text         string  `db:"text"`
	FilePath     string  `db:"file_path"`
	Metadata     JSONMap `db:"metadata"`
}

// ProcessingEvent is the audit record of one extractor or message-level
// invocation outcome.
type ProcessingEvent struct {
	EventID      string    `db:"event_id"`
	RunID        string    `db:"run_id"`
	EmailID      string    `db:"email_id"`
	AttachmentID string    `db:"attachment_id"`
	Extractor    string    `db:"extractor"`
	Status       string    `db:"status"`
	ErrorMessage string    `db:"error_message"`
	Metrics      JSONMap   `db:"metrics"`
	CreatedAt    time.Time `db:"created_at"`
}

// Event statuses.
const (
	StatusSuccess = "success"
	StatusError   = "error"
)

// Checkpoint is a singleton-per-name cursor value.
type Checkpoint struct {
	Name  string `db:"name"`
	Value string `db:"value"`
}

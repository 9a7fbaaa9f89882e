// Package source defines the mail-source connector contract: a connector
// yields message records one at a time for the pipeline to consume. The
// pipeline does not depend on fetch order; it only needs each message's
// timestamp to advance its watermark.
package source

import (
	"context"
	"time"
)

// Attachment is one file carried by a message.
type Attachment struct {
	Filename  string
	MIME      string
	Data      []byte
	ContentID string
	IsInline  bool
}

// Meeting carries the calendar fields of a meeting message.
type Meeting struct {
	Start      *time.Time
	End        *time.Time
	Timezone   string
	Location   string
	Organizer  string
	Recipients []string
}

// Message is one message record as produced by a connector. EntryID and
// StoreID are the source-native identifiers the email id derives from;
// To/Cc/Bcc are raw address-list strings, normalized later by the pipeline.
type Message struct {
	EntryID        string
	StoreID        string
	ReceivedAt     *time.Time
	SentAt         *time.Time
	Subject        string
	SenderName     string
	SenderEmail    string
	To             string
	Cc             string
	Bcc            string
	ConversationID string
	BodyText       string
	BodyHTML       string
	IsMeeting      bool
	Meeting        Meeting
	Attachments    []Attachment
}

// Query bounds one fetch: a mailbox/folder, an optional lower timestamp
// and an optional message count limit (0 means unbounded).
type Query struct {
	Mailbox string
	Folder  string
	Since   *time.Time
	Limit   int
}

// Source produces message records. Messages calls fn once per message and
// stops early when fn returns an error; that error propagates unwrapped so
// the caller can distinguish its own failures from connector ones.
type Source interface {
	// System identifies the source system; it prefixes every derived
	// email id, so it must stay stable for the lifetime of a store.
	System() string
	Messages(ctx context.Context, q Query, fn func(Message) error) error
}

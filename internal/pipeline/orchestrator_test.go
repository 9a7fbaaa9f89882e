package pipeline

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mailpipe/mailpipe/internal/cas"
	"github.com/mailpipe/mailpipe/internal/database"
	"github.com/mailpipe/mailpipe/internal/extract"
	"github.com/mailpipe/mailpipe/internal/ids"
	"github.com/mailpipe/mailpipe/internal/source"
	"github.com/mailpipe/mailpipe/internal/testutil"
	"github.com/mailpipe/mailpipe/pkg/models"
)

// fakeSource replays canned messages, honoring Since and Limit the way a
// real connector would.
type fakeSource struct {
	system    string
	messages  []source.Message
	fetchErr  error
	lastQuery source.Query
}

func (f *fakeSource) System() string {
	if f.system == "" {
		return "outlook"
	}
	return f.system
}

func (f *fakeSource) Messages(ctx context.Context, q source.Query, fn func(source.Message) error) error {
	f.lastQuery = q
	yielded := 0
	for _, m := range f.messages {
		if q.Since != nil && m.ReceivedAt != nil && !m.ReceivedAt.After(*q.Since) {
			continue
		}
		if q.Limit > 0 && yielded >= q.Limit {
			break
		}
		if err := fn(m); err != nil {
			return err
		}
		yielded++
	}
	return f.fetchErr
}

// fakeTextExtractor claims one extension and yields a fixed text artifact.
type fakeTextExtractor struct {
	name string
	ext  string
	text string
	err  error
}

func (f *fakeTextExtractor) Name() string         { return f.name }
func (f *fakeTextExtractor) Extensions() []string { return []string{f.ext} }
func (f *fakeTextExtractor) Extract(in extract.Input) (extract.Result, error) {
	if f.err != nil {
		return extract.Result{}, f.err
	}
	return extract.Result{
		Artifacts: []extract.Artifact{{Type: "text", Text: f.text}},
		Metrics:   map[string]any{"bytes": len(in.AttachmentBytes)},
	}, nil
}

type env struct {
	db    *database.DB
	blobs *cas.Store
	orc   *Orchestrator
	src   *fakeSource
}

func newEnv(t *testing.T, src *fakeSource, registry *extract.Registry) *env {
	t.Helper()
	db := testutil.NewTestDB(t)
	blobs, err := cas.New(filepath.Join(t.TempDir(), "blobs"))
	require.NoError(t, err)
	orc := New(Deps{
		Source:   src,
		DB:       db,
		Blobs:    blobs,
		Registry: registry,
		Logger:   slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	return &env{db: db, blobs: blobs, orc: orc, src: src}
}

func received(t time.Time) *time.Time { return &t }

func syntheticMessage() source.Message {
	return source.Message{
		EntryID:     "E1",
		StoreID:     "S1",
		ReceivedAt:  received(time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)),
		Subject:     "budget review",
		SenderName:  "Alice",
		SenderEmail: "alice@example.com",
		To:          "Bob <bob@example.com>",
		BodyText:    "numbers attached, see https://example.com/budget",
		BodyHTML:    "<p>numbers attached, see https://example.com/budget</p>",
		Attachments: []source.Attachment{
			{Filename: "report.pdf", Data: []byte("%PDF-fake-bytes")},
		},
	}
}

func TestEndToEndSyntheticMessage(t *testing.T) {
	pdf := &fakeTextExtractor{name: "pdf", ext: "pdf", text: "extracted report text"}
	e := newEnv(t, &fakeSource{messages: []source.Message{syntheticMessage()}}, extract.NewRegistry(pdf))
	ctx := context.Background()

	summary, err := e.orc.Run(ctx, Options{Mailbox: "shared", Folder: "Inbox"})
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Processed)
	assert.Equal(t, 0, summary.Failed)

	// Email row keyed by sha256("outlook:S1:E1").
	emailID := ids.EmailID("outlook", "S1", "E1")
	email, err := e.db.GetEmail(ctx, emailID)
	require.NoError(t, err)
	assert.Equal(t, "budget review", email.Subject)
	assert.Equal(t, models.StringList{"bob@example.com"}, email.ToRecipients)
	assert.Equal(t, models.StringList{"https://example.com/budget"}, email.Links)
	assert.Equal(t, "ingested", email.ProcessingState)

	// Attachment row keyed by (email id, content hash, no content-id, name).
	contentHash := ids.Hash([]byte("%PDF-fake-bytes"))
	attID := ids.AttachmentID(emailID, contentHash, "", "report.pdf")
	atts, err := e.db.ListAttachments(ctx, emailID)
	require.NoError(t, err)
	require.Len(t, atts, 1)
	assert.Equal(t, attID, atts[0].AttachmentID)
	assert.Equal(t, "pdf", atts[0].Ext)
	assert.FileExists(t, atts[0].SavedPath)

	// At least one text artifact from the pdf extractor.
	arts, err := e.db.ListArtifacts(ctx, emailID)
	require.NoError(t, err)
	var pdfTexts int
	for _, a := range arts {
		if a.Extractor == "pdf" && a.ArtifactType == "text" {
			pdfTexts++
			assert.Equal(t, "extracted report text", a.Text)
		}
	}
	assert.Equal(t, 1, pdfTexts)

	// Checkpoint equals the message's received timestamp.
	value, err := e.db.GetCheckpoint(ctx, "shared/Inbox")
	require.NoError(t, err)
	assert.Equal(t, "2024-03-01T12:00:00Z", value)
	assert.Equal(t, value, summary.Checkpoint)

	// Run finalized with stats.
	run, err := e.db.GetRun(ctx, summary.RunID)
	require.NoError(t, err)
	require.NotNil(t, run.FinishedAt)
	assert.EqualValues(t, 1, run.Stats["processed"])
}

func TestIdempotentReplay(t *testing.T) {
	pdf := &fakeTextExtractor{name: "pdf", ext: "pdf", text: "extracted report text"}
	e := newEnv(t, &fakeSource{messages: []source.Message{syntheticMessage()}}, extract.NewRegistry(pdf))
	ctx := context.Background()

	_, err := e.orc.Run(ctx, Options{Mailbox: "shared", Folder: "Inbox"})
	require.NoError(t, err)

	emailID := ids.EmailID("outlook", "S1", "E1")
	firstArts, err := e.db.ListArtifacts(ctx, emailID)
	require.NoError(t, err)
	require.NotEmpty(t, firstArts)

	// Same window again, no checkpoint: the full message replays.
	_, err = e.orc.Run(ctx, Options{Mailbox: "shared", Folder: "Inbox"})
	require.NoError(t, err)

	n, err := e.db.CountEmails(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n, "replay must not duplicate the email row")

	atts, err := e.db.ListAttachments(ctx, emailID)
	require.NoError(t, err)
	assert.Len(t, atts, 1, "replay must not duplicate attachment rows")

	secondArts, err := e.db.ListArtifacts(ctx, emailID)
	require.NoError(t, err)
	assert.Equal(t, len(firstArts), len(secondArts), "replay must not duplicate artifacts")
}

func TestCheckpointMonotonicity(t *testing.T) {
	t1 := time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)
	t2 := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)
	t3 := time.Date(2024, 3, 1, 11, 0, 0, 0, time.UTC)
	src := &fakeSource{messages: []source.Message{
		{EntryID: "E1", StoreID: "S", ReceivedAt: received(t2)}, // out of order on purpose
		{EntryID: "E2", StoreID: "S", ReceivedAt: received(t3)},
		{EntryID: "E3", StoreID: "S", ReceivedAt: received(t1)},
	}}
	e := newEnv(t, src, extract.NewRegistry())
	ctx := context.Background()

	summary, err := e.orc.Run(ctx, Options{Mailbox: "m", Folder: "f"})
	require.NoError(t, err)
	assert.Equal(t, 3, summary.Processed)
	assert.Equal(t, t3.Format(time.RFC3339Nano), summary.Checkpoint)

	// A follow-up incremental run observes none of the three again.
	summary2, err := e.orc.Run(ctx, Options{Mailbox: "m", Folder: "f", UseCheckpoint: true})
	require.NoError(t, err)
	assert.Equal(t, 0, summary2.Processed)
	require.NotNil(t, src.lastQuery.Since)
	assert.True(t, src.lastQuery.Since.Equal(t3))
}

func TestExplicitSinceWinsOverCheckpoint(t *testing.T) {
	src := &fakeSource{}
	e := newEnv(t, src, extract.NewRegistry())
	ctx := context.Background()

	require.NoError(t, e.db.SetCheckpoint(ctx, "m/f", "2024-03-01T11:00:00Z"))

	explicit := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	_, err := e.orc.Run(ctx, Options{Mailbox: "m", Folder: "f", Since: &explicit, UseCheckpoint: true})
	require.NoError(t, err)
	require.NotNil(t, src.lastQuery.Since)
	assert.True(t, src.lastQuery.Since.Equal(explicit))
}

func TestFailureIsolationAcrossExtractors(t *testing.T) {
	t1 := time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)
	t2 := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)
	t3 := time.Date(2024, 3, 1, 11, 0, 0, 0, time.UTC)
	boom := &fakeTextExtractor{name: "boom", ext: "boom", err: errors.New("extractor exploded")}
	src := &fakeSource{messages: []source.Message{
		{EntryID: "E1", StoreID: "S", ReceivedAt: received(t1), BodyText: "one"},
		{EntryID: "E2", StoreID: "S", ReceivedAt: received(t2), BodyText: "two",
			Attachments: []source.Attachment{{Filename: "bad.boom", Data: []byte("xx")}}},
		{EntryID: "E3", StoreID: "S", ReceivedAt: received(t3), BodyText: "three"},
	}}
	e := newEnv(t, src, extract.NewRegistry(boom))
	ctx := context.Background()

	summary, err := e.orc.Run(ctx, Options{Mailbox: "m", Folder: "f"})
	require.NoError(t, err)

	// Extraction failure is extractor-scoped: all three messages processed.
	assert.Equal(t, 3, summary.Processed)
	assert.Equal(t, 0, summary.Failed)

	n, err := e.db.CountEmails(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	// The failing message keeps its email and attachment rows.
	failedID := ids.EmailID("outlook", "S", "E2")
	atts, err := e.db.ListAttachments(ctx, failedID)
	require.NoError(t, err)
	assert.Len(t, atts, 1)

	// Exactly one error event, scoped to the failing extractor.
	events, err := e.db.ListEvents(ctx, summary.RunID)
	require.NoError(t, err)
	var errorEvents []models.ProcessingEvent
	for _, ev := range events {
		if ev.Status == models.StatusError {
			errorEvents = append(errorEvents, ev)
		}
	}
	require.Len(t, errorEvents, 1)
	assert.Equal(t, "boom", errorEvents[0].Extractor)
	assert.Contains(t, errorEvents[0].ErrorMessage, "extractor exploded")

	// Watermark still advanced past the failing extractor's message.
	assert.Equal(t, t3.Format(time.RFC3339Nano), summary.Checkpoint)
}

func TestMessageLevelFailureSkipsAndContinues(t *testing.T) {
	t1 := time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)
	t2 := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)
	poison := []byte("poison pill")
	src := &fakeSource{messages: []source.Message{
		{EntryID: "E1", StoreID: "S", ReceivedAt: received(t2),
			Attachments: []source.Attachment{{Filename: "bad.bin", Data: poison}}},
		{EntryID: "E2", StoreID: "S", ReceivedAt: received(t1), BodyText: "fine"},
	}}
	e := newEnv(t, src, extract.NewRegistry())
	ctx := context.Background()

	// Occupy the blob's fan-out directory with a plain file so storing the
	// poison attachment fails at the filesystem level.
	hash := ids.Hash(poison)
	require.NoError(t, os.WriteFile(filepath.Join(e.blobs.Root(), hash[:2]), []byte("in the way"), 0o644))

	summary, err := e.orc.Run(ctx, Options{Mailbox: "m", Folder: "f"})
	require.NoError(t, err, "a failing message must not abort the run")
	assert.Equal(t, 1, summary.Processed)
	assert.Equal(t, 1, summary.Failed)

	// The watermark only reflects fully processed messages, so the failed
	// (newer) message is retried by the next incremental run.
	assert.Equal(t, t1.Format(time.RFC3339Nano), summary.Checkpoint)

	events, err := e.db.ListEvents(ctx, summary.RunID)
	require.NoError(t, err)
	var found bool
	for _, ev := range events {
		if ev.Extractor == "message" && ev.Status == models.StatusError {
			found = true
		}
	}
	assert.True(t, found, "expected a message-level error event")
}

func TestRunFinalizedWhenFetchFails(t *testing.T) {
	t1 := time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)
	src := &fakeSource{
		messages: []source.Message{{EntryID: "E1", StoreID: "S", ReceivedAt: received(t1)}},
		fetchErr: errors.New("connection dropped"),
	}
	e := newEnv(t, src, extract.NewRegistry())
	ctx := context.Background()

	summary, err := e.orc.Run(ctx, Options{Mailbox: "m", Folder: "f"})
	require.Error(t, err)
	assert.Equal(t, 1, summary.Processed)

	// Even a failed fetch finalizes the run and flushes the watermark.
	run, getErr := e.db.GetRun(ctx, summary.RunID)
	require.NoError(t, getErr)
	assert.NotNil(t, run.FinishedAt)

	value, getErr := e.db.GetCheckpoint(ctx, "m/f")
	require.NoError(t, getErr)
	assert.Equal(t, t1.Format(time.RFC3339Nano), value)
}

func TestDistinctContentIDsStayDistinct(t *testing.T) {
	msg := source.Message{
		EntryID:    "E1",
		StoreID:    "S1",
		ReceivedAt: received(time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)),
		Attachments: []source.Attachment{
			{Filename: "logo.png", Data: []byte("same bytes"), ContentID: "cid-1", IsInline: true},
			{Filename: "logo.png", Data: []byte("same bytes"), ContentID: "cid-2", IsInline: true},
		},
	}
	e := newEnv(t, &fakeSource{messages: []source.Message{msg}}, extract.NewRegistry())
	ctx := context.Background()

	_, err := e.orc.Run(ctx, Options{Mailbox: "m", Folder: "f"})
	require.NoError(t, err)

	emailID := ids.EmailID("outlook", "S1", "E1")
	atts, err := e.db.ListAttachments(ctx, emailID)
	require.NoError(t, err)
	require.Len(t, atts, 2)
	assert.NotEqual(t, atts[0].AttachmentID, atts[1].AttachmentID)
	assert.Equal(t, atts[0].SHA256, atts[1].SHA256, "identical bytes share one blob")
}

func TestDuplicateBytesWithoutContentIDs(t *testing.T) {
	msg := source.Message{
		EntryID:    "E1",
		StoreID:    "S1",
		ReceivedAt: received(time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)),
		Attachments: []source.Attachment{
			{Filename: "report.pdf", Data: []byte("same bytes")},
			{Filename: "report-copy.pdf", Data: []byte("same bytes")},
		},
	}
	e := newEnv(t, &fakeSource{messages: []source.Message{msg}}, extract.NewRegistry())
	ctx := context.Background()

	summary, err := e.orc.Run(ctx, Options{Mailbox: "m", Folder: "f"})
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Processed)
	assert.Equal(t, 0, summary.Failed, "duplicate bytes without content-ids must not fail the message")

	atts, err := e.db.ListAttachments(ctx, ids.EmailID("outlook", "S1", "E1"))
	require.NoError(t, err)
	require.Len(t, atts, 2)
	assert.NotEqual(t, atts[0].AttachmentID, atts[1].AttachmentID)

	// The same run replayed keeps the same two rows.
	_, err = e.orc.Run(ctx, Options{Mailbox: "m", Folder: "f"})
	require.NoError(t, err)
	atts, err = e.db.ListAttachments(ctx, ids.EmailID("outlook", "S1", "E1"))
	require.NoError(t, err)
	assert.Len(t, atts, 2)
}

func TestFirstICSWins(t *testing.T) {
	first := `BEGIN:VCALENDAR
VERSION:2.0
PRODID:-//t//EN
BEGIN:VEVENT
UID:1
DTSTAMP:20240301T080000Z
DTSTART:20240301T100000Z
LOCATION:Room A
END:VEVENT
END:VCALENDAR
`
	second := `BEGIN:VCALENDAR
VERSION:2.0
PRODID:-//t//EN
BEGIN:VEVENT
UID:2
DTSTAMP:20240301T080000Z
DTSTART:20240301T100000Z
LOCATION:Room B
END:VEVENT
END:VCALENDAR
`
	crlf := func(s string) []byte {
		return []byte(strings.ReplaceAll(s, "\n", "\r\n"))
	}
	msg := source.Message{
		EntryID:    "E1",
		StoreID:    "S1",
		ReceivedAt: received(time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)),
		IsMeeting:  true,
		Attachments: []source.Attachment{
			{Filename: "first.ics", Data: crlf(first)},
			{Filename: "second.ics", Data: crlf(second)},
		},
	}
	e := newEnv(t, &fakeSource{messages: []source.Message{msg}}, extract.DefaultRegistry())
	ctx := context.Background()

	_, err := e.orc.Run(ctx, Options{Mailbox: "m", Folder: "f"})
	require.NoError(t, err)

	email, err := e.db.GetEmail(ctx, ids.EmailID("outlook", "S1", "E1"))
	require.NoError(t, err)
	assert.True(t, email.IsCalendar)
	assert.Equal(t, "Room A", email.CalendarLocation, "only the first .ics feeds the email row")
}

func TestUnclaimedExtensionSkippedSilently(t *testing.T) {
	msg := source.Message{
		EntryID:    "E1",
		StoreID:    "S1",
		ReceivedAt: received(time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)),
		Attachments: []source.Attachment{
			{Filename: "data.xyz", Data: []byte("mystery format")},
		},
	}
	e := newEnv(t, &fakeSource{messages: []source.Message{msg}}, extract.NewRegistry())
	ctx := context.Background()

	summary, err := e.orc.Run(ctx, Options{Mailbox: "m", Folder: "f"})
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Processed)

	events, err := e.db.ListEvents(ctx, summary.RunID)
	require.NoError(t, err)
	for _, ev := range events {
		assert.Equal(t, models.StatusSuccess, ev.Status,
			"an unsupported format is expected, not an error")
	}
}

func TestLimitPassedToSource(t *testing.T) {
	src := &fakeSource{messages: []source.Message{
		{EntryID: "E1", StoreID: "S"},
		{EntryID: "E2", StoreID: "S"},
		{EntryID: "E3", StoreID: "S"},
	}}
	e := newEnv(t, src, extract.NewRegistry())

	summary, err := e.orc.Run(context.Background(), Options{Mailbox: "m", Folder: "f", Limit: 2})
	require.NoError(t, err)
	assert.Equal(t, 2, summary.Processed)
	assert.Equal(t, 2, src.lastQuery.Limit)
	assert.Empty(t, summary.Checkpoint, "messages without timestamps advance no watermark")
}

// Package pipeline drives one ingestion run: pull messages from the source
// connector, derive identities, store blobs, upsert rows, route extractors
// and advance the checkpoint. All collaborators are passed in explicitly;
// the orchestrator holds no global state.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/mailpipe/mailpipe/internal/cas"
	"github.com/mailpipe/mailpipe/internal/database"
	"github.com/mailpipe/mailpipe/internal/extract"
	"github.com/mailpipe/mailpipe/internal/ids"
	"github.com/mailpipe/mailpipe/internal/normalize"
	"github.com/mailpipe/mailpipe/internal/source"
	"github.com/mailpipe/mailpipe/pkg/models"
)

// Deps are the orchestrator's collaborators.
type Deps struct {
	Source   source.Source
	DB       *database.DB
	Blobs    *cas.Store
	Registry *extract.Registry
	Body     extract.Extractor
	Logger   *slog.Logger
}

// Options select the window of one run.
type Options struct {
	Mailbox string
	Folder  string
	// Since is an explicit lower bound; it wins over the checkpoint.
	Since *time.Time
	// UseCheckpoint resumes from the stored cursor when Since is unset.
	UseCheckpoint bool
	// CheckpointName overrides the default "<mailbox>/<folder>" cursor name.
	CheckpointName string
	Limit          int
}

// Summary is what a run reports, partial failures included.
type Summary struct {
	RunID      string
	Processed  int
	Failed     int
	Checkpoint string
}

// Orchestrator runs the ingestion pipeline.
type Orchestrator struct {
	src      source.Source
	db       *database.DB
	blobs    *cas.Store
	registry *extract.Registry
	body     extract.Extractor
	logger   *slog.Logger
}

// New creates an orchestrator. Registry and Body default to the built-in
// extractors when unset.
func New(deps Deps) *Orchestrator {
	registry := deps.Registry
	if registry == nil {
		registry = extract.DefaultRegistry()
	}
	body := deps.Body
	if body == nil {
		body = &extract.Body{}
	}
	return &Orchestrator{
		src:      deps.Source,
		db:       deps.DB,
		blobs:    deps.Blobs,
		registry: registry,
		body:     body,
		logger:   deps.Logger,
	}
}

// Run executes one ingestion run. Per-message failures are recorded and
// skipped; the run is always finalized with its summary stats and the
// checkpoint is advanced to the maximum observed timestamp, even when the
// fetch itself fails partway. The results are named so the deferred
// finalize can fill Summary.Checkpoint after the return statement runs.
func (o *Orchestrator) Run(ctx context.Context, opts Options) (summary Summary, err error) {
	runID, err := o.db.StartRun(ctx)
	if err != nil {
		return summary, err
	}
	summary.RunID = runID

	checkpointName := opts.CheckpointName
	if checkpointName == "" {
		checkpointName = fmt.Sprintf("%s/%s", opts.Mailbox, opts.Folder)
	}

	since := opts.Since
	if since == nil && opts.UseCheckpoint {
		value, err := o.db.GetCheckpoint(ctx, checkpointName)
		switch {
		case errors.Is(err, database.ErrNotFound):
			// First run: no lower bound.
		case err != nil:
			return summary, err
		default:
			parsed, err := time.Parse(time.RFC3339Nano, value)
			if err != nil {
				return summary, fmt.Errorf("failed to parse checkpoint %q: %w", value, err)
			}
			since = &parsed
		}
	}

	var watermark *time.Time

	// The run must be finalized even when the fetch aborts: the checkpoint
	// reflects whatever was fully processed, and the next run replays the
	// unflushed tail safely.
	finalize := func() {
		if watermark != nil {
			value := watermark.UTC().Format(time.RFC3339Nano)
			if err := o.db.SetCheckpoint(ctx, checkpointName, value); err != nil {
				o.logger.Error("failed to persist checkpoint", "name", checkpointName, "error", err)
			} else {
				summary.Checkpoint = value
			}
		}
		stats := models.JSONMap{"processed": summary.Processed, "failed": summary.Failed}
		if err := o.db.FinishRun(ctx, runID, stats); err != nil {
			o.logger.Error("failed to finalize run", "run_id", runID, "error", err)
		}
	}
	defer finalize()

	query := source.Query{
		Mailbox: opts.Mailbox,
		Folder:  opts.Folder,
		Since:   since,
		Limit:   opts.Limit,
	}
	srcErr := o.src.Messages(ctx, query, func(msg source.Message) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := o.processMessage(ctx, runID, msg); err != nil {
			// One bad message never aborts the run.
			summary.Failed++
			o.logger.Error("failed to process message",
				"entry_id", msg.EntryID, "subject", msg.Subject, "error", err)
			o.recordEvent(ctx, runID, "", "", "message", models.StatusError, err.Error(), nil)
			return nil
		}
		summary.Processed++
		if msg.ReceivedAt != nil && (watermark == nil || msg.ReceivedAt.After(*watermark)) {
			watermark = msg.ReceivedAt
		}
		return nil
	})
	if srcErr != nil {
		return summary, fmt.Errorf("failed to fetch messages: %w", srcErr)
	}

	o.logger.Info("run complete",
		"run_id", runID, "processed", summary.Processed, "failed", summary.Failed)
	return summary, nil
}

func (o *Orchestrator) processMessage(ctx context.Context, runID string, msg source.Message) error {
	emailID := ids.EmailID(o.src.System(), msg.StoreID, msg.EntryID)

	normalized := normalize.HTMLToText(msg.BodyHTML)
	if normalized == "" {
		normalized = msg.BodyText
	}

	calendar := o.calendarDetails(msg)

	email := &models.Email{
		EmailID:            emailID,
		SourceSystem:       o.src.System(),
		SourceEntryID:      msg.EntryID,
		SourceStoreID:      msg.StoreID,
		ReceivedAt:         msg.ReceivedAt,
		SentAt:             msg.SentAt,
		Subject:            msg.Subject,
		SenderName:         msg.SenderName,
		SenderEmail:        msg.SenderEmail,
		ToRecipients:       normalize.Addresses(msg.To),
		CcRecipients:       normalize.Addresses(msg.Cc),
		BccRecipients:      normalize.Addresses(msg.Bcc),
		ConversationID:     msg.ConversationID,
		BodyTextRaw:        msg.BodyText,
		BodyTextNormalized: normalized,
		BodyHTML:           msg.BodyHTML,
		Links:              normalize.Links(msg.BodyText, msg.BodyHTML),
		IsCalendar:         msg.IsMeeting || calendar.Start != nil || calendar.End != nil,
		CalendarStart:      calendar.Start,
		CalendarEnd:        calendar.End,
		CalendarTimezone:   calendar.Timezone,
		CalendarLocation:   calendar.Location,
		Organizer:          calendar.Organizer,
		Attendees:          calendar.Attendees,
		ProcessingState:    "ingested",
	}
	if err := o.db.UpsertEmail(ctx, email); err != nil {
		return err
	}

	type storedAttachment struct {
		src source.Attachment
		row *models.Attachment
	}
	var stored []storedAttachment
	for _, att := range msg.Attachments {
		ext := extract.ExtensionOf(att.Filename)
		blob, err := o.blobs.Store(att.Data, ext)
		if err != nil {
			return fmt.Errorf("failed to store attachment %q: %w", att.Filename, err)
		}
		row := &models.Attachment{
			AttachmentID: ids.AttachmentID(emailID, blob.SHA256, att.ContentID, att.Filename),
			EmailID:      emailID,
			Filename:     att.Filename,
			Ext:          ext,
			MIME:         att.MIME,
			SHA256:       blob.SHA256,
			SizeBytes:    blob.Size,
			SavedPath:    blob.Path,
			IsInline:     att.IsInline,
			ContentID:    models.NullString(att.ContentID),
		}
		if err := o.db.UpsertAttachment(ctx, row); err != nil {
			return err
		}
		stored = append(stored, storedAttachment{src: att, row: row})
	}

	// Body extraction.
	o.runExtractor(ctx, runID, emailID, "", o.body, extract.Input{
		EmailID:    emailID,
		Subject:    msg.Subject,
		BodyText:   msg.BodyText,
		BodyHTML:   msg.BodyHTML,
		IsCalendar: msg.IsMeeting,
		ReceivedAt: msg.ReceivedAt,
	})

	// Meeting messages get a message-level calendar artifact.
	if msg.IsMeeting {
		o.storeCalendarArtifact(ctx, runID, emailID, calendar)
	}

	// Attachment extraction; unclaimed extensions are skipped silently.
	for _, sa := range stored {
		extractor := o.registry.RouteByExtension(sa.row.Ext)
		if extractor == nil {
			continue
		}
		o.runExtractor(ctx, runID, emailID, sa.row.AttachmentID, extractor, extract.Input{
			EmailID:             emailID,
			Subject:             msg.Subject,
			BodyText:            msg.BodyText,
			BodyHTML:            msg.BodyHTML,
			IsCalendar:          msg.IsMeeting,
			ReceivedAt:          msg.ReceivedAt,
			AttachmentID:        sa.row.AttachmentID,
			AttachmentName:      sa.row.Filename,
			AttachmentExt:       sa.row.Ext,
			AttachmentBytes:     sa.src.Data,
			AttachmentContentID: sa.src.ContentID,
		})
	}

	return nil
}

// calendarDetails merges the first .ics attachment's parsed fields with the
// message-level meeting fields. Only the first .ics is consulted; later
// invites on the same message are left to the attachment extractors.
func (o *Orchestrator) calendarDetails(msg source.Message) extract.CalendarDetails {
	var details extract.CalendarDetails
	for _, att := range msg.Attachments {
		if extract.ExtensionOf(att.Filename) != "ics" {
			continue
		}
		parsed, err := extract.ParseICS(att.Data)
		if err != nil {
			o.logger.Warn("failed to parse .ics attachment",
				"filename", att.Filename, "error", err)
		} else {
			details = parsed
		}
		break
	}
	fallback := extract.CalendarDetails{
		Start:     msg.Meeting.Start,
		End:       msg.Meeting.End,
		Timezone:  msg.Meeting.Timezone,
		Location:  msg.Meeting.Location,
		Organizer: msg.Meeting.Organizer,
		Attendees: normalize.AddressList(msg.Meeting.Recipients),
	}
	if fallback.Organizer != "" {
		if addr := normalize.FirstAddress(fallback.Organizer); addr != "" {
			fallback.Organizer = addr
		}
	}
	if fallback.Attendees == nil {
		fallback.Attendees = msg.Meeting.Recipients
	}
	return details.Merge(fallback)
}

// runExtractor isolates one extractor invocation: a failure records an
// error event scoped to that extractor and never propagates.
func (o *Orchestrator) runExtractor(ctx context.Context, runID, emailID, attachmentID string, extractor extract.Extractor, in extract.Input) {
	result, err := extractor.Extract(in)
	if err == nil {
		err = o.storeArtifacts(ctx, emailID, attachmentID, extractor.Name(), result.Artifacts)
	}
	if err != nil {
		o.logger.Error("extractor failed",
			"extractor", extractor.Name(), "email_id", emailID, "error", err)
		o.recordEvent(ctx, runID, emailID, attachmentID, extractor.Name(), models.StatusError, err.Error(), nil)
		return
	}
	o.recordEvent(ctx, runID, emailID, attachmentID, extractor.Name(), models.StatusSuccess, "", result.Metrics)
}

func (o *Orchestrator) storeCalendarArtifact(ctx context.Context, runID, emailID string, details extract.CalendarDetails) {
	const name = "calendar_meeting"
	artifacts := []extract.Artifact{{Type: "calendar", Payload: details.Payload()}}
	if err := o.storeArtifacts(ctx, emailID, "", name, artifacts); err != nil {
		o.logger.Error("failed to store calendar artifact", "email_id", emailID, "error", err)
		o.recordEvent(ctx, runID, emailID, "", name, models.StatusError, err.Error(), nil)
		return
	}
	o.recordEvent(ctx, runID, emailID, "", name, models.StatusSuccess, "", nil)
}

func (o *Orchestrator) storeArtifacts(ctx context.Context, emailID, attachmentID, extractorName string, artifacts []extract.Artifact) error {
	for _, art := range artifacts {
		payloadHash := ids.PayloadHash(art.Text, art.Payload, art.FilePath)
		artifactID := ids.ArtifactID(emailID, attachmentID, extractorName, art.Type, payloadHash)
		row := &models.Artifact{
			ArtifactID:   artifactID,
			EmailID:      emailID,
			AttachmentID: attachmentID,
			Extractor:    extractorName,
			ArtifactType: art.Type,
			Payload:      models.JSONMap(art.Payload),
			Text:         art.Text,
			FilePath:     art.FilePath,
			Metadata:     models.JSONMap(art.Metadata),
		}
		if err := o.db.AddArtifact(ctx, row); err != nil {
			return err
		}
	}
	return nil
}

func (o *Orchestrator) recordEvent(ctx context.Context, runID, emailID, attachmentID, extractorName, status, errorMessage string, metrics map[string]any) {
	ev := &models.ProcessingEvent{
		EventID:      uuid.New().String(),
		RunID:        runID,
		EmailID:      emailID,
		AttachmentID: attachmentID,
		Extractor:    extractorName,
		Status:       status,
		ErrorMessage: errorMessage,
		Metrics:      models.JSONMap(metrics),
	}
	if err := o.db.AddProcessingEvent(ctx, ev); err != nil {
		o.logger.Error("failed to record processing event",
			"extractor", extractorName, "error", err)
	}
}

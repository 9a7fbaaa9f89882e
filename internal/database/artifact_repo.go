package database

import (
	"context"
	"fmt"
	"time"

	"github.com/mailpipe/mailpipe/pkg/models"
)

// AddArtifact inserts an artifact if absent. Artifacts are never updated:
// the artifact id already encodes the content, so re-running extraction on
// unchanged input is a no-op.
func (db *DB) AddArtifact(ctx context.Context, art *models.Artifact) error {
	query := `
		INSERT INTO extracted_artifacts (
			artifact_id, email_id, attachment_id, extractor,
			artifact_type, payload, text, file_path, metadata
		) VALUES (
			:artifact_id, :email_id, :attachment_id, :extractor,
			:artifact_type, :payload, :text, :file_path, :metadata
		)
		ON CONFLICT(artifact_id) DO NOTHING
	`
	if _, err := db.NamedExecContext(ctx, query, art); err != nil {
		return fmt.Errorf("failed to add artifact: %w", err)
	}
	return nil
}

// ListArtifacts returns the artifacts of one email.
func (db *DB) ListArtifacts(ctx context.Context, emailID string) ([]models.Artifact, error) {
	var arts []models.Artifact
	query := `SELECT * FROM extracted_artifacts WHERE email_id = ? ORDER BY artifact_id`
	if err := db.SelectContext(ctx, &arts, query, emailID); err != nil {
		return nil, fmt.Errorf("failed to list artifacts: %w", err)
	}
	return arts, nil
}

// AttachmentText is one attachment-scoped artifact text with its labels,
// used by the plain-text exporter.
type AttachmentText struct {
	Text      string `db:"text"`
	Extractor string `db:"extractor"`
	Filename  string `db:"filename"`
}

// AttachmentTexts returns the non-empty attachment-level artifact texts of
// one email, joined to the owning attachment's filename.
func (db *DB) AttachmentTexts(ctx context.Context, emailID string) ([]AttachmentText, error) {
	var rows []AttachmentText
	query := `
		SELECT ar.text, ar.extractor, COALESCE(at.filename, '') AS filename
		FROM extracted_artifacts ar
		LEFT JOIN attachments at ON ar.attachment_id = at.attachment_id
		WHERE ar.email_id = ?
		  AND ar.attachment_id != ''
		  AND ar.text != ''
		ORDER BY ar.artifact_id
	`
	if err := db.SelectContext(ctx, &rows, query, emailID); err != nil {
		return nil, fmt.Errorf("failed to query attachment texts: %w", err)
	}
	return rows, nil
}

// AddProcessingEvent inserts or replaces an audit event keyed by event id.
func (db *DB) AddProcessingEvent(ctx context.Context, ev *models.ProcessingEvent) error {
	if ev.CreatedAt.IsZero() {
		ev.CreatedAt = time.Now().UTC()
	}
	query := `
		INSERT INTO processing_events (
			event_id, run_id, email_id, attachment_id, extractor,
			status, error_message, metrics, created_at
		) VALUES (
			:event_id, :run_id, :email_id, :attachment_id, :extractor,
			:status, :error_message, :metrics, :created_at
		)
		ON CONFLICT(event_id) DO UPDATE SET
			run_id = excluded.run_id,
			email_id = excluded.email_id,
			attachment_id = excluded.attachment_id,
			extractor = excluded.extractor,
			status = excluded.status,
			error_message = excluded.error_message,
			metrics = excluded.metrics,
			created_at = excluded.created_at
	`
	if _, err := db.NamedExecContext(ctx, query, ev); err != nil {
		return fmt.Errorf("failed to add processing event: %w", err)
	}
	return nil
}

// ListEvents returns the processing events of one run in creation order.
func (db *DB) ListEvents(ctx context.Context, runID string) ([]models.ProcessingEvent, error) {
	var evs []models.ProcessingEvent
	query := `SELECT * FROM processing_events WHERE run_id = ? ORDER BY created_at, event_id`
	if err := db.SelectContext(ctx, &evs, query, runID); err != nil {
		return nil, fmt.Errorf("failed to list events: %w", err)
	}
	return evs, nil
}

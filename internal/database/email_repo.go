package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/mailpipe/mailpipe/pkg/models"
)

// UpsertEmail inserts or fully replaces an email row keyed by its
// deterministic id. Re-ingesting the same source message overwrites the row,
// never duplicates it.
func (db *DB) UpsertEmail(ctx context.Context, email *models.Email) error {
	query := `
		INSERT INTO emails (
			email_id, source_system, source_entry_id, source_store_id,
			received_at, sent_at, subject, sender_name, sender_email,
			to_recipients, cc_recipients, bcc_recipients, conversation_id,
			body_text_raw, body_text_normalized, body_html, links,
			is_calendar, calendar_start, calendar_end, calendar_timezone,
			calendar_location, organizer, attendees, processing_state
		) VALUES (
			:email_id, :source_system, :source_entry_id, :source_store_id,
			:received_at, :sent_at, :subject, :sender_name, :sender_email,
			:to_recipients, :cc_recipients, :bcc_recipients, :conversation_id,
			:body_text_raw, :body_text_normalized, :body_html, :links,
			:is_calendar, :calendar_start, :calendar_end, :calendar_timezone,
			:calendar_location, :organizer, :attendees, :processing_state
		)
		ON CONFLICT(email_id) DO UPDATE SET
			source_system = excluded.source_system,
			source_entry_id = excluded.source_entry_id,
			source_store_id = excluded.source_store_id,
			received_at = excluded.received_at,
			sent_at = excluded.sent_at,
			subject = excluded.subject,
			sender_name = excluded.sender_name,
			sender_email = excluded.sender_email,
			to_recipients = excluded.to_recipients,
			cc_recipients = excluded.cc_recipients,
			bcc_recipients = excluded.bcc_recipients,
			conversation_id = excluded.conversation_id,
			body_text_raw = excluded.body_text_raw,
			body_text_normalized = excluded.body_text_normalized,
			body_html = excluded.body_html,
			links = excluded.links,
			is_calendar = excluded.is_calendar,
			calendar_start = excluded.calendar_start,
			calendar_end = excluded.calendar_end,
			calendar_timezone = excluded.calendar_timezone,
			calendar_location = excluded.calendar_location,
			organizer = excluded.organizer,
			attendees = excluded.attendees,
			processing_state = excluded.processing_state
	`
	if _, err := db.NamedExecContext(ctx, query, email); err != nil {
		return fmt.Errorf("failed to upsert email: %w", err)
	}
	return nil
}

// GetEmail returns one email by id.
func (db *DB) GetEmail(ctx context.Context, emailID string) (*models.Email, error) {
	var email models.Email
	err := db.GetContext(ctx, &email, `SELECT * FROM emails WHERE email_id = ?`, emailID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get email: %w", err)
	}
	return &email, nil
}

// ListEmails returns emails ordered by received time then id, optionally
// bounded by a lower timestamp and a row limit.
func (db *DB) ListEmails(ctx context.Context, since *time.Time, limit int) ([]models.Email, error) {
	query := `SELECT * FROM emails`
	args := []any{}
	if since != nil {
		query += ` WHERE received_at >= ?`
		args = append(args, *since)
	}
	query += ` ORDER BY received_at, email_id`
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	var emails []models.Email
	if err := db.SelectContext(ctx, &emails, query, args...); err != nil {
		return nil, fmt.Errorf("failed to list emails: %w", err)
	}
	return emails, nil
}

// CountEmails returns the number of email rows.
func (db *DB) CountEmails(ctx context.Context) (int, error) {
	var n int
	if err := db.GetContext(ctx, &n, `SELECT COUNT(*) FROM emails`); err != nil {
		return 0, fmt.Errorf("failed to count emails: %w", err)
	}
	return n, nil
}

// UpsertAttachment inserts or fully replaces an attachment row keyed by its
// deterministic id.
func (db *DB) UpsertAttachment(ctx context.Context, att *models.Attachment) error {
	query := `
		INSERT INTO attachments (
			attachment_id, email_id, filename, ext, mime,
			sha256, size_bytes, saved_path, is_inline, content_id
		) VALUES (
			:attachment_id, :email_id, :filename, :ext, :mime,
			:sha256, :size_bytes, :saved_path, :is_inline, :content_id
		)
		ON CONFLICT(attachment_id) DO UPDATE SET
			email_id = excluded.email_id,
			filename = excluded.filename,
			ext = excluded.ext,
			mime = excluded.mime,
			sha256 = excluded.sha256,
			size_bytes = excluded.size_bytes,
			saved_path = excluded.saved_path,
			is_inline = excluded.is_inline,
			content_id = excluded.content_id
	`
	if _, err := db.NamedExecContext(ctx, query, att); err != nil {
		return fmt.Errorf("failed to upsert attachment: %w", err)
	}
	return nil
}

// ListAttachments returns the attachments of one email.
func (db *DB) ListAttachments(ctx context.Context, emailID string) ([]models.Attachment, error) {
	var atts []models.Attachment
	query := `SELECT * FROM attachments WHERE email_id = ? ORDER BY attachment_id`
	if err := db.SelectContext(ctx, &atts, query, emailID); err != nil {
		return nil, fmt.Errorf("failed to list attachments: %w", err)
	}
	return atts, nil
}

// DeleteEmail removes an email row; attachments and artifacts cascade.
func (db *DB) DeleteEmail(ctx context.Context, emailID string) error {
	if _, err := db.ExecContext(ctx, `DELETE FROM emails WHERE email_id = ?`, emailID); err != nil {
		return fmt.Errorf("failed to delete email: %w", err)
	}
	return nil
}

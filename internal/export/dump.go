// Package export writes ingested emails back out as plain-text dump files,
// chunked by size so downstream consumers get bounded documents.
package export

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/mailpipe/mailpipe/internal/database"
	"github.com/mailpipe/mailpipe/pkg/models"
)

// Options configure one dump.
type Options struct {
	Dir      string
	MaxBytes int
	Limit    int
	Since    *time.Time
}

// Stats summarize one dump.
type Stats struct {
	Emails int
	Files  int
}

// Dump writes emails ordered by received time into numbered text files, each
// at most MaxBytes (an email block larger than MaxBytes gets its own file).
func Dump(ctx context.Context, db *database.DB, logger *slog.Logger, opts Options) (Stats, error) {
	if opts.MaxBytes <= 0 {
		return Stats{}, fmt.Errorf("max bytes must be positive, got %d", opts.MaxBytes)
	}
	if err := os.MkdirAll(opts.Dir, 0o755); err != nil {
		return Stats{}, fmt.Errorf("failed to create output directory: %w", err)
	}

	emails, err := db.ListEmails(ctx, opts.Since, opts.Limit)
	if err != nil {
		return Stats{}, err
	}

	var (
		stats     Stats
		buffer    strings.Builder
		fileIndex = 1
	)
	flush := func() error {
		if buffer.Len() == 0 {
			return nil
		}
		name := filepath.Join(opts.Dir, fmt.Sprintf("email_dump_%05d.txt", fileIndex))
		if err := os.WriteFile(name, []byte(buffer.String()), 0o644); err != nil {
			return fmt.Errorf("failed to write dump file: %w", err)
		}
		stats.Files++
		fileIndex++
		buffer.Reset()
		return nil
	}

	for _, email := range emails {
		block, err := formatEmail(ctx, db, &email)
		if err != nil {
			return stats, err
		}
		if buffer.Len() > 0 && buffer.Len()+len(block) > opts.MaxBytes {
			if err := flush(); err != nil {
				return stats, err
			}
		}
		buffer.WriteString(block)
		stats.Emails++
		if buffer.Len() > opts.MaxBytes {
			if err := flush(); err != nil {
				return stats, err
			}
		}
	}
	if err := flush(); err != nil {
		return stats, err
	}

	logger.Info("dump complete", "emails", stats.Emails, "files", stats.Files)
	return stats, nil
}

func formatEmail(ctx context.Context, db *database.DB, email *models.Email) (string, error) {
	var sb strings.Builder
	sb.WriteString("Email-ID: " + email.EmailID + "\n")
	if email.ReceivedAt != nil {
		sb.WriteString("Received: " + email.ReceivedAt.UTC().Format(time.RFC3339) + "\n")
	}
	if email.Subject != "" {
		sb.WriteString("Subject: " + email.Subject + "\n")
	}
	sb.WriteString("\n")

	body := email.BodyTextNormalized
	if body == "" {
		body = email.BodyTextRaw
	}
	if body = strings.TrimSpace(body); body != "" {
		sb.WriteString(body + "\n")
	}

	texts, err := db.AttachmentTexts(ctx, email.EmailID)
	if err != nil {
		return "", err
	}
	if len(texts) > 0 {
		sb.WriteString("\nAttachment Text:\n")
		for i, at := range texts {
			if i > 0 {
				sb.WriteString("\n")
			}
			var labels []string
			if at.Filename != "" {
				labels = append(labels, "file="+at.Filename)
			}
			if at.Extractor != "" {
				labels = append(labels, "extractor="+at.Extractor)
			}
			label := "attachment"
			if len(labels) > 0 {
				label = strings.Join(labels, ", ")
			}
			sb.WriteString("[" + label + "]\n" + strings.TrimSpace(at.Text) + "\n")
		}
	}

	sb.WriteString("\n" + strings.Repeat("-", 72) + "\n\n")
	return sb.String(), nil
}

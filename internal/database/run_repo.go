package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"

	"github.com/mailpipe/mailpipe/pkg/models"
)

// StartRun records a new ingestion run and returns its id. Run ids are
// random, one per execution, never derived from content.
func (db *DB) StartRun(ctx context.Context) (string, error) {
	runID := uuid.New().String()
	host, _ := os.Hostname()

	query := `
		INSERT INTO ingestion_runs (run_id, started_at, host)
		VALUES (?, ?, ?)
	`
	if _, err := db.ExecContext(ctx, query, runID, time.Now().UTC(), host); err != nil {
		return "", fmt.Errorf("failed to start run: %w", err)
	}
	return runID, nil
}

// FinishRun finalizes a run with its summary stats. Calling it again for the
// same run replaces the stats, so a deferred finalize replaying after an
// early one is harmless.
func (db *DB) FinishRun(ctx context.Context, runID string, stats models.JSONMap) error {
	query := `UPDATE ingestion_runs SET finished_at = ?, stats = ? WHERE run_id = ?`
	if _, err := db.ExecContext(ctx, query, time.Now().UTC(), stats, runID); err != nil {
		return fmt.Errorf("failed to finish run: %w", err)
	}
	return nil
}

// GetRun returns one ingestion run by id.
func (db *DB) GetRun(ctx context.Context, runID string) (*models.IngestionRun, error) {
	var run models.IngestionRun
	err := db.GetContext(ctx, &run, `SELECT * FROM ingestion_runs WHERE run_id = ?`, runID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get run: %w", err)
	}
	return &run, nil
}

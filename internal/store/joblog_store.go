package store

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/google/uuid"

	"github.com/nhle/mail-archiver/internal/model"
)

// AppendJobLog records the terminal state of a job.
func (s *SQLiteStore) AppendJobLog(ctx context.Context, entry model.JobLogEntry) error {
	if entry.ID == "" {
		entry.ID = uuid.New().String()
	}

	var started sql.NullTime
	if !entry.StartedAt.IsZero() {
		started = sql.NullTime{Time: entry.StartedAt.UTC(), Valid: true}
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO job_log (
			id, job_id, family, account_id, status,
			processed, succeeded, failed, retry_count, message,
			started_at, finished_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		entry.ID, entry.JobID, entry.Family, entry.AccountID, entry.Status,
		entry.Processed, entry.Succeeded, entry.Failed, entry.RetryCount, entry.Message,
		started, entry.FinishedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("appending job log for %s: %w", entry.JobID, err)
	}
	return nil
}

// GetJobLog returns every entry recorded for a job, oldest first.
func (s *SQLiteStore) GetJobLog(
	ctx context.Context,
	jobID string,
) ([]model.JobLogEntry, error) {
	return s.queryJobLog(ctx, `
		SELECT id, job_id, family, account_id, status,
			processed, succeeded, failed, retry_count, message,
			started_at, finished_at
		FROM job_log WHERE job_id = ? ORDER BY finished_at`, jobID)
}

// GetRecentJobLog returns the latest entries, optionally for one account.
func (s *SQLiteStore) GetRecentJobLog(
	ctx context.Context,
	accountID string,
	limit int,
) ([]model.JobLogEntry, error) {
	if limit <= 0 {
		limit = 20
	}
	query := `
		SELECT id, job_id, family, account_id, status,
			processed, succeeded, failed, retry_count, message,
			started_at, finished_at
		FROM job_log`
	var args []interface{}
	if accountID != "" {
		query += " WHERE account_id = ?"
		args = append(args, accountID)
	}
	query += " ORDER BY finished_at DESC LIMIT ?"
	args = append(args, limit)

	return s.queryJobLog(ctx, query, args...)
}

func (s *SQLiteStore) queryJobLog(
	ctx context.Context,
	query string,
	args ...interface{},
) ([]model.JobLogEntry, error) {
	rows, err := s.db.QueryxContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying job log: %w", err)
	}
	defer rows.Close()

	var entries []model.JobLogEntry
	for rows.Next() {
		var (
			e       model.JobLogEntry
			started sql.NullTime
		)
		if err := rows.Scan(
			&e.ID, &e.JobID, &e.Family, &e.AccountID, &e.Status,
			&e.Processed, &e.Succeeded, &e.Failed, &e.RetryCount, &e.Message,
			&started, &e.FinishedAt,
		); err != nil {
			return nil, fmt.Errorf("scanning job log row: %w", err)
		}
		if started.Valid {
			e.StartedAt = started.Time
		}
		entries = append(entries, e)
	}

	return entries, rows.Err()
}

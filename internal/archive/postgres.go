package archive

import (
	"context"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"agent-ingest/internal/models"
)

// Archive persists terminal jobs and their audit trail in Postgres so
// history survives Redis retention. It is optional: a nil *Archive is safe
// to call and does nothing.
type Archive struct {
	pool *pgxpool.Pool
}

// New creates a pooled connection to Postgres.
func New(ctx context.Context, dsn string) (*Archive, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return &Archive{pool: pool}, nil
}

func (a *Archive) Close() {
	if a != nil && a.pool != nil {
		a.pool.Close()
	}
}

//go:embed migrations/*.sql
var migrationFiles embed.FS

// RunMigrations executes the embedded SQL migrations in order.
func (a *Archive) RunMigrations(ctx context.Context) error {
	if a == nil {
		return nil
	}
	entries, err := migrationFiles.ReadDir("migrations")
	if err != nil {
		return fmt.Errorf("read migrations dir: %w", err)
	}
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		content, err := migrationFiles.ReadFile("migrations/" + e.Name())
		if err != nil {
			return fmt.Errorf("read migration %s: %w", e.Name(), err)
		}
		sql := strings.TrimSpace(string(content))
		if sql == "" {
			continue
		}
		if _, err := a.pool.Exec(ctx, sql); err != nil {
			return fmt.Errorf("exec migration %s: %w", e.Name(), err)
		}
	}
	return nil
}

// ArchiveJob upserts one terminal job row.
func (a *Archive) ArchiveJob(ctx context.Context, job models.Job) error {
	if a == nil {
		return nil
	}
	if !models.IsTerminal(job.Status) {
		return fmt.Errorf("refusing to archive non-terminal job %s (%s)", job.ID, job.Status)
	}

	var resultJSON []byte
	if job.Result != nil {
		b, err := json.Marshal(job.Result)
		if err != nil {
			return fmt.Errorf("marshal result: %w", err)
		}
		resultJSON = b
	}

	_, err := a.pool.Exec(ctx, `
		INSERT INTO ingest_jobs (id, source_url, status, result, last_error, enqueued_at, started_at, ended_at, archived_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, NOW())
		ON CONFLICT (id) DO UPDATE
		SET status = EXCLUDED.status, result = EXCLUDED.result, last_error = EXCLUDED.last_error,
		    started_at = EXCLUDED.started_at, ended_at = EXCLUDED.ended_at, archived_at = NOW()
	`, job.ID, job.SourceURL, job.Status, resultJSON, job.Error, job.EnqueuedAt, job.StartedAt, job.EndedAt)
	if err != nil {
		return fmt.Errorf("archive job %s: %w", job.ID, err)
	}
	return nil
}

// AppendAudit adds one audit row for a job.
func (a *Archive) AppendAudit(ctx context.Context, jobID, event, detail string) error {
	if a == nil {
		return nil
	}
	_, err := a.pool.Exec(ctx, `
		INSERT INTO ingest_audit (job_id, event, detail, ts)
		VALUES ($1, $2, $3, NOW())
	`, jobID, event, detail)
	return err
}

// ArchivedJob is one archived row as served by the API.
type ArchivedJob struct {
	ID         string         `json:"job_id"`
	SourceURL  string         `json:"source_url"`
	Status     string         `json:"status"`
	Result     map[string]any `json:"result,omitempty"`
	LastError  *string        `json:"error,omitempty"`
	EnqueuedAt time.Time      `json:"enqueued_at"`
	EndedAt    *time.Time     `json:"ended_at,omitempty"`
	ArchivedAt time.Time      `json:"archived_at"`
}

// Recent returns the most recently archived jobs, newest first.
func (a *Archive) Recent(ctx context.Context, limit int) ([]ArchivedJob, error) {
	if a == nil {
		return nil, nil
	}
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	rows, err := a.pool.Query(ctx, `
		SELECT id, source_url, status, result, last_error, enqueued_at, ended_at, archived_at
		FROM ingest_jobs
		ORDER BY archived_at DESC
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("query archive: %w", err)
	}
	defer rows.Close()

	out := make([]ArchivedJob, 0, limit)
	for rows.Next() {
		var (
			job        ArchivedJob
			resultJSON []byte
			lastErr    pgtype.Text
			endedAt    pgtype.Timestamptz
		)
		if err := rows.Scan(&job.ID, &job.SourceURL, &job.Status, &resultJSON, &lastErr, &job.EnqueuedAt, &endedAt, &job.ArchivedAt); err != nil {
			return nil, fmt.Errorf("scan archive row: %w", err)
		}
		if len(resultJSON) > 0 {
			if err := json.Unmarshal(resultJSON, &job.Result); err != nil {
				return nil, fmt.Errorf("unmarshal archived result: %w", err)
			}
		}
		if lastErr.Valid {
			job.LastError = &lastErr.String
		}
		if endedAt.Valid {
			t := endedAt.Time
			job.EndedAt = &t
		}
		out = append(out, job)
	}
	return out, rows.Err()
}

// Get fetches one archived job.
func (a *Archive) Get(ctx context.Context, id string) (ArchivedJob, bool, error) {
	if a == nil {
		return ArchivedJob{}, false, nil
	}
	row := a.pool.QueryRow(ctx, `
		SELECT id, source_url, status, result, last_error, enqueued_at, ended_at, archived_at
		FROM ingest_jobs WHERE id = $1
	`, id)

	var (
		job        ArchivedJob
		resultJSON []byte
		lastErr    pgtype.Text
		endedAt    pgtype.Timestamptz
	)
	err := row.Scan(&job.ID, &job.SourceURL, &job.Status, &resultJSON, &lastErr, &job.EnqueuedAt, &endedAt, &job.ArchivedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return ArchivedJob{}, false, nil
	}
	if err != nil {
		return ArchivedJob{}, false, fmt.Errorf("scan archived job: %w", err)
	}
	if len(resultJSON) > 0 {
		if err := json.Unmarshal(resultJSON, &job.Result); err != nil {
			return ArchivedJob{}, false, fmt.Errorf("unmarshal archived result: %w", err)
		}
	}
	if lastErr.Valid {
		job.LastError = &lastErr.String
	}
	if endedAt.Valid {
		t := endedAt.Time
		job.EndedAt = &t
	}
	return job, true, nil
}

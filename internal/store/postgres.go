package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/pilar-systems/autopilot/internal/models"
)

// ErrNotFound is returned for lookups of absent events or jobs.
var ErrNotFound = errors.New("store: not found")

// Postgres implements Store on a pgx connection pool.
type Postgres struct {
	pool *pgxpool.Pool
}

// NewPostgres creates a pooled connection to Postgres.
func NewPostgres(ctx context.Context, dsn string) (*Postgres, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return &Postgres{pool: pool}, nil
}

func (s *Postgres) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

// AcquireLock claims a lock row in a single upsert. The conditional DO UPDATE
// only fires when the existing row is expired or already owned by the caller,
// so concurrent acquirers cannot both win.
func (s *Postgres) AcquireLock(ctx context.Context, resource, owner string, ttl time.Duration, requestedBy string) (*models.Lock, error) {
	now := time.Now().UTC()
	expires := now.Add(ttl)

	var lock models.Lock
	var ttlMs int64
	err := s.pool.QueryRow(ctx, `
		INSERT INTO processing_locks (resource_name, owner, requested_by, acquired_at, expires_at, ttl_ms)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (resource_name) DO UPDATE
		SET owner = EXCLUDED.owner,
		    requested_by = EXCLUDED.requested_by,
		    acquired_at = EXCLUDED.acquired_at,
		    expires_at = EXCLUDED.expires_at,
		    ttl_ms = EXCLUDED.ttl_ms
		WHERE processing_locks.expires_at <= $4 OR processing_locks.owner = EXCLUDED.owner
		RETURNING resource_name, owner, requested_by, acquired_at, expires_at, ttl_ms
	`, resource, owner, requestedBy, now, expires, ttl.Milliseconds()).
		Scan(&lock.ResourceName, &lock.Owner, &lock.RequestedBy, &lock.AcquiredAt, &lock.ExpiresAt, &ttlMs)
	if errors.Is(err, pgx.ErrNoRows) {
		// Conflict row is live and foreign: expected contention.
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("acquire lock %q: %w", resource, err)
	}
	lock.TTL = time.Duration(ttlMs) * time.Millisecond
	return &lock, nil
}

func (s *Postgres) ReleaseLock(ctx context.Context, resource, owner string) error {
	_, err := s.pool.Exec(ctx, `
		DELETE FROM processing_locks WHERE resource_name = $1 AND owner = $2
	`, resource, owner)
	if err != nil {
		return fmt.Errorf("release lock %q: %w", resource, err)
	}
	return nil
}

func (s *Postgres) IsLocked(ctx context.Context, resource string) (bool, error) {
	var n int
	err := s.pool.QueryRow(ctx, `
		SELECT COUNT(*) FROM processing_locks
		WHERE resource_name = $1 AND expires_at > NOW()
	`, resource).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("check lock %q: %w", resource, err)
	}
	return n > 0, nil
}

func (s *Postgres) DeleteExpiredLocks(ctx context.Context) (int, error) {
	tag, err := s.pool.Exec(ctx, `DELETE FROM processing_locks WHERE expires_at <= NOW()`)
	if err != nil {
		return 0, fmt.Errorf("delete expired locks: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

func (s *Postgres) BudgetConsumed(ctx context.Context, workspaceID, resourceType string, periodStart time.Time) (int, error) {
	var consumed int
	err := s.pool.QueryRow(ctx, `
		SELECT consumed FROM budget_counters
		WHERE workspace_id = $1 AND resource_type = $2 AND period_start = $3
	`, workspaceID, resourceType, periodStart).Scan(&consumed)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("query budget counter: %w", err)
	}
	return consumed, nil
}

func (s *Postgres) AddBudgetConsumption(ctx context.Context, workspaceID, resourceType string, amount, limit int, periodStart, periodEnd time.Time) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO budget_counters (workspace_id, resource_type, period_start, period_end, consumed, "limit")
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (workspace_id, resource_type, period_start) DO UPDATE
		SET consumed = budget_counters.consumed + EXCLUDED.consumed,
		    "limit" = EXCLUDED."limit"
	`, workspaceID, resourceType, periodStart, periodEnd, amount, limit)
	if err != nil {
		return fmt.Errorf("add budget consumption: %w", err)
	}
	return nil
}

func (s *Postgres) InsertEvent(ctx context.Context, evt models.Event) error {
	payloadJSON, err := json.Marshal(evt.Payload)
	if err != nil {
		return fmt.Errorf("marshal event payload: %w", err)
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO autopilot_events (id, workspace_id, type, payload, status, attempts, max_attempts, scheduled_at, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $9)
	`, evt.ID, evt.WorkspaceID, evt.Type, payloadJSON, evt.Status, evt.Attempts, evt.MaxAttempts, evt.ScheduledAt, evt.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert event: %w", err)
	}
	return nil
}

const eventColumns = `id, workspace_id, type, payload, status, attempts, max_attempts, scheduled_at, created_at, updated_at, last_error`

func (s *Postgres) GetEvent(ctx context.Context, id string) (models.Event, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+eventColumns+` FROM autopilot_events WHERE id = $1`, id)
	evt, err := scanEvent(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Event{}, ErrNotFound
	}
	return evt, err
}

// ClaimDueEvents uses FOR UPDATE SKIP LOCKED so concurrent processors claim
// disjoint batches.
func (s *Postgres) ClaimDueEvents(ctx context.Context, limit int, now time.Time) ([]models.Event, error) {
	rows, err := s.pool.Query(ctx, `
		UPDATE autopilot_events
		SET status = $1, updated_at = NOW()
		WHERE id IN (
			SELECT id FROM autopilot_events
			WHERE status = $2 AND scheduled_at <= $3
			ORDER BY scheduled_at ASC
			LIMIT $4
			FOR UPDATE SKIP LOCKED
		)
		RETURNING `+eventColumns,
		models.EventProcessing, models.EventPending, now, limit)
	if err != nil {
		return nil, fmt.Errorf("claim due events: %w", err)
	}
	defer rows.Close()

	var out []models.Event
	for rows.Next() {
		evt, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, evt)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("claim due events: %w", err)
	}
	// RETURNING does not guarantee order; the caller sorts by scheduled_at.
	return out, nil
}

func (s *Postgres) CompleteEvent(ctx context.Context, id string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE autopilot_events
		SET status = $2, last_error = NULL, updated_at = NOW()
		WHERE id = $1
	`, id, models.EventCompleted)
	return err
}

func (s *Postgres) RetryEvent(ctx context.Context, id string, attempts int, nextRun time.Time, lastErr string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE autopilot_events
		SET status = $2, attempts = $3, scheduled_at = $4, last_error = $5, updated_at = NOW()
		WHERE id = $1
	`, id, models.EventPending, attempts, nextRun, lastErr)
	return err
}

func (s *Postgres) FailEvent(ctx context.Context, id string, attempts int, lastErr string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE autopilot_events
		SET status = $2, attempts = $3, last_error = $4, updated_at = NOW()
		WHERE id = $1
	`, id, models.EventFailed, attempts, lastErr)
	return err
}

func (s *Postgres) ReleaseStaleEvents(ctx context.Context, cutoff time.Time) (int, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE autopilot_events
		SET status = $1, attempts = attempts + 1, updated_at = NOW()
		WHERE status = $2 AND updated_at < $3
	`, models.EventPending, models.EventProcessing, cutoff)
	if err != nil {
		return 0, fmt.Errorf("release stale events: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

func (s *Postgres) CountEventsByStatus(ctx context.Context, workspaceID string) (models.StatusCounts, error) {
	return s.countByStatus(ctx, "autopilot_events", workspaceID)
}

func (s *Postgres) InsertJob(ctx context.Context, job models.Job) error {
	payloadJSON, err := json.Marshal(job.Payload)
	if err != nil {
		return fmt.Errorf("marshal job payload: %w", err)
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO autopilot_jobs (id, workspace_id, type, payload, priority, status, progress, attempts, max_attempts, scheduled_at, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, 0, $7, $8, $9, $10, $10)
	`, job.ID, job.WorkspaceID, job.Type, payloadJSON, job.Priority, job.Status, job.Attempts, job.MaxAttempts, job.ScheduledAt, job.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert job: %w", err)
	}
	return nil
}

const jobColumns = `id, workspace_id, type, payload, priority, status, progress, attempts, max_attempts, scheduled_at, created_at, updated_at, locked_by, locked_at, result, last_error`

func (s *Postgres) GetJob(ctx context.Context, id string) (models.Job, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+jobColumns+` FROM autopilot_jobs WHERE id = $1`, id)
	job, err := scanJob(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Job{}, ErrNotFound
	}
	return job, err
}

// ClaimDueJobs is the optimistic-concurrency claim: the inner select only
// sees rows still pending, SKIP LOCKED keeps concurrent workers off each
// other's batches, and the update stamps the claim in the same statement.
func (s *Postgres) ClaimDueJobs(ctx context.Context, limit int, workerID string, now time.Time) ([]models.Job, error) {
	rows, err := s.pool.Query(ctx, `
		UPDATE autopilot_jobs
		SET status = $1, locked_by = $2, locked_at = $3, updated_at = NOW()
		WHERE id IN (
			SELECT id FROM autopilot_jobs
			WHERE status = $4 AND scheduled_at <= $3
			ORDER BY priority DESC, scheduled_at ASC
			LIMIT $5
			FOR UPDATE SKIP LOCKED
		)
		RETURNING `+jobColumns,
		models.JobInProgress, workerID, now, models.JobPending, limit)
	if err != nil {
		return nil, fmt.Errorf("claim due jobs: %w", err)
	}
	defer rows.Close()

	var out []models.Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, job)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("claim due jobs: %w", err)
	}
	return out, nil
}

func (s *Postgres) SetJobProgress(ctx context.Context, id string, progress int) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE autopilot_jobs SET progress = $2, updated_at = NOW() WHERE id = $1
	`, id, progress)
	return err
}

func (s *Postgres) CompleteJob(ctx context.Context, id string, result map[string]any) error {
	resultJSON, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("marshal job result: %w", err)
	}
	_, err = s.pool.Exec(ctx, `
		UPDATE autopilot_jobs
		SET status = $2, progress = 100, result = $3, last_error = NULL,
		    locked_by = NULL, locked_at = NULL, updated_at = NOW()
		WHERE id = $1
	`, id, models.JobCompleted, resultJSON)
	return err
}

func (s *Postgres) RetryJob(ctx context.Context, id string, attempts int, nextRun time.Time, lastErr string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE autopilot_jobs
		SET status = $2, attempts = $3, scheduled_at = $4, last_error = $5,
		    locked_by = NULL, locked_at = NULL, updated_at = NOW()
		WHERE id = $1
	`, id, models.JobPending, attempts, nextRun, lastErr)
	return err
}

func (s *Postgres) FailJob(ctx context.Context, id string, attempts int, lastErr string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE autopilot_jobs
		SET status = $2, attempts = $3, last_error = $4,
		    locked_by = NULL, locked_at = NULL, updated_at = NOW()
		WHERE id = $1
	`, id, models.JobFailed, attempts, lastErr)
	return err
}

func (s *Postgres) ReleaseStuckJobs(ctx context.Context, cutoff time.Time) (int, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE autopilot_jobs
		SET status = $1, attempts = attempts + 1,
		    locked_by = NULL, locked_at = NULL, updated_at = NOW()
		WHERE status = $2 AND locked_at < $3
	`, models.JobPending, models.JobInProgress, cutoff)
	if err != nil {
		return 0, fmt.Errorf("release stuck jobs: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

func (s *Postgres) QueueDepth(ctx context.Context, workspaceID string) (int, error) {
	query := `SELECT COUNT(*) FROM autopilot_jobs WHERE status = $1`
	args := []any{models.JobPending}
	if workspaceID != "" {
		query += ` AND workspace_id = $2`
		args = append(args, workspaceID)
	}
	var n int
	if err := s.pool.QueryRow(ctx, query, args...).Scan(&n); err != nil {
		return 0, fmt.Errorf("count pending jobs: %w", err)
	}
	return n, nil
}

func (s *Postgres) CountJobsByStatus(ctx context.Context, workspaceID string) (models.StatusCounts, error) {
	return s.countByStatus(ctx, "autopilot_jobs", workspaceID)
}

func (s *Postgres) countByStatus(ctx context.Context, table, workspaceID string) (models.StatusCounts, error) {
	query := `SELECT status, COUNT(*) FROM ` + table
	var args []any
	if workspaceID != "" {
		query += ` WHERE workspace_id = $1`
		args = append(args, workspaceID)
	}
	query += ` GROUP BY status`

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("count %s by status: %w", table, err)
	}
	defer rows.Close()

	counts := models.StatusCounts{}
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("scan status count: %w", err)
		}
		counts[status] = n
	}
	return counts, rows.Err()
}

func scanEvent(row pgx.Row) (models.Event, error) {
	var evt models.Event
	var payloadJSON []byte
	var lastErr pgtype.Text

	if err := row.Scan(&evt.ID, &evt.WorkspaceID, &evt.Type, &payloadJSON, &evt.Status,
		&evt.Attempts, &evt.MaxAttempts, &evt.ScheduledAt, &evt.CreatedAt, &evt.UpdatedAt, &lastErr); err != nil {
		return models.Event{}, err
	}
	if err := json.Unmarshal(payloadJSON, &evt.Payload); err != nil {
		return models.Event{}, fmt.Errorf("unmarshal event payload: %w", err)
	}
	evt.LastError = textPtr(lastErr)
	return evt, nil
}

func scanJob(row pgx.Row) (models.Job, error) {
	var job models.Job
	var payloadJSON, resultJSON []byte
	var lastErr, lockedBy pgtype.Text
	var lockedAt pgtype.Timestamptz

	if err := row.Scan(&job.ID, &job.WorkspaceID, &job.Type, &payloadJSON, &job.Priority,
		&job.Status, &job.Progress, &job.Attempts, &job.MaxAttempts, &job.ScheduledAt,
		&job.CreatedAt, &job.UpdatedAt, &lockedBy, &lockedAt, &resultJSON, &lastErr); err != nil {
		return models.Job{}, err
	}
	if err := json.Unmarshal(payloadJSON, &job.Payload); err != nil {
		return models.Job{}, fmt.Errorf("unmarshal job payload: %w", err)
	}
	if len(resultJSON) > 0 {
		if err := json.Unmarshal(resultJSON, &job.Result); err != nil {
			return models.Job{}, fmt.Errorf("unmarshal job result: %w", err)
		}
	}
	job.LastError = textPtr(lastErr)
	job.LockedBy = textPtr(lockedBy)
	if lockedAt.Valid {
		t := lockedAt.Time
		job.LockedAt = &t
	}
	return job, nil
}

func textPtr(t pgtype.Text) *string {
	if t.Valid {
		return &t.String
	}
	return nil
}

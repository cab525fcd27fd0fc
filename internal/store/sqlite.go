package store

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"insight-pipeline/internal/models"
	"insight-pipeline/internal/queue"
)

//go:embed sqlite_schema.sql
var sqliteSchema string

// SQLiteStore is an embedded job store for single-node deployments. Every transition is
// one UPDATE statement; SQLite serializes writers, which makes the claim atomic.
type SQLiteStore struct {
	db *sql.DB
}

var _ queue.JobStore = (*SQLiteStore)(nil)

// OpenSQLite opens (creating if needed) the database file at path and applies the schema.
func OpenSQLite(path string) (*SQLiteStore, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create database directory: %w", err)
		}
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// One connection: writers queue inside the process instead of racing for the file lock.
	db.SetMaxOpenConns(1)

	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA busy_timeout = 5000",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("set pragma: %w", err)
		}
	}
	if _, err := db.Exec(sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("init schema: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

// Close releases the database handle.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

const sqliteJobColumns = `id, name, payload, status, priority, attempts, max_attempts, scheduled_at,
	started_at, completed_at, lock_expiry, result, error, created_at, updated_at`

// Insert persists a new pending job.
func (s *SQLiteStore) Insert(ctx context.Context, job models.Job) (models.Job, error) {
	now := time.Now().UTC()
	job.ID = uuid.New().String()
	job.Status = models.StatusPending
	job.Attempts = 0
	job.CreatedAt, job.UpdatedAt = now, now
	if len(job.Payload) == 0 {
		job.Payload = json.RawMessage(`{}`)
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO jobs (id, name, payload, status, priority, attempts, max_attempts, scheduled_at, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, 0, ?, ?, ?, ?)
	`, job.ID, job.Name, string(job.Payload), job.Status, job.Priority, job.MaxAttempts,
		millis(job.ScheduledAt), millis(now), millis(now))
	if err != nil {
		return models.Job{}, fmt.Errorf("insert job: %w", err)
	}
	job.ScheduledAt = fromMillis(millis(job.ScheduledAt))
	job.CreatedAt = fromMillis(millis(now))
	job.UpdatedAt = job.CreatedAt
	return job, nil
}

// Claim selects and locks the next due job in a single UPDATE ... RETURNING.
func (s *SQLiteStore) Claim(ctx context.Context, now time.Time, lease time.Duration) (*models.Job, error) {
	at := millis(now)
	row := s.db.QueryRowContext(ctx, `
		UPDATE jobs
		SET status = 'processing', started_at = ?, lock_expiry = ?, attempts = attempts + 1, updated_at = ?
		WHERE status = 'pending' AND id = (
			SELECT id FROM jobs
			WHERE status = 'pending'
			  AND scheduled_at <= ?
			  AND (lock_expiry IS NULL OR lock_expiry <= ?)
			  AND attempts < max_attempts
			ORDER BY priority DESC, scheduled_at ASC
			LIMIT 1
		)
		RETURNING `+sqliteJobColumns, at, millis(now.Add(lease)), at, at, at)

	job, err := scanSQLiteJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("claim job: %w", err)
	}
	return &job, nil
}

// ReleaseStale moves expired processing jobs back to pending, or to failed when the
// expired lease belonged to the final attempt. The failed jobs are returned.
func (s *SQLiteStore) ReleaseStale(ctx context.Context, now time.Time) (int64, []models.Job, error) {
	at := millis(now)
	rows, err := s.db.QueryContext(ctx, `
		UPDATE jobs
		SET status = CASE WHEN attempts >= max_attempts THEN 'failed' ELSE 'pending' END,
		    error = CASE WHEN attempts >= max_attempts THEN ? ELSE error END,
		    completed_at = CASE WHEN attempts >= max_attempts THEN ? ELSE completed_at END,
		    lock_expiry = NULL,
		    updated_at = ?
		WHERE status = 'processing' AND lock_expiry <= ?
		RETURNING `+sqliteJobColumns, queue.ErrLeaseExpiredOnFinalAttempt.Error(), at, at, at)
	if err != nil {
		return 0, nil, fmt.Errorf("release stale jobs: %w", err)
	}
	defer rows.Close()

	var requeued int64
	var failed []models.Job
	for rows.Next() {
		job, err := scanSQLiteJob(rows)
		if err != nil {
			return 0, nil, fmt.Errorf("scan released job: %w", err)
		}
		if job.Status == models.StatusFailed {
			failed = append(failed, job)
		} else {
			requeued++
		}
	}
	if err := rows.Err(); err != nil {
		return 0, nil, fmt.Errorf("release stale jobs: %w", err)
	}
	return requeued, failed, nil
}

// Complete marks a processing job completed.
func (s *SQLiteStore) Complete(ctx context.Context, id string, attempt int, result json.RawMessage, now time.Time) error {
	at := millis(now)
	res, err := s.db.ExecContext(ctx, `
		UPDATE jobs
		SET status = 'completed', result = ?, completed_at = ?, lock_expiry = NULL, updated_at = ?
		WHERE id = ? AND status = 'processing' AND attempts = ?
	`, nullableJSON(result), at, at, id, attempt)
	return fenced(res, err, "complete job")
}

// Retry returns a processing job to pending with a new scheduled time.
func (s *SQLiteStore) Retry(ctx context.Context, id string, attempt int, errMsg string, runAt time.Time) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE jobs
		SET status = 'pending', error = ?, lock_expiry = NULL, scheduled_at = ?, updated_at = ?
		WHERE id = ? AND status = 'processing' AND attempts = ?
	`, errMsg, millis(runAt), millis(time.Now()), id, attempt)
	return fenced(res, err, "retry job")
}

// Fail marks a processing job failed.
func (s *SQLiteStore) Fail(ctx context.Context, id string, attempt int, errMsg string, now time.Time, exhaust bool) error {
	at := millis(now)
	exhaustFlag := 0
	if exhaust {
		exhaustFlag = 1
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE jobs
		SET status = 'failed', error = ?, completed_at = ?, lock_expiry = NULL, updated_at = ?,
		    attempts = CASE WHEN ? = 1 THEN max_attempts ELSE attempts END
		WHERE id = ? AND status = 'processing' AND attempts = ?
	`, errMsg, at, at, exhaustFlag, id, attempt)
	return fenced(res, err, "fail job")
}

// Get fetches a job by id.
func (s *SQLiteStore) Get(ctx context.Context, id string) (models.Job, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+sqliteJobColumns+` FROM jobs WHERE id = ?`, id)
	job, err := scanSQLiteJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Job{}, fmt.Errorf("job %s: %w", id, queue.ErrJobNotFound)
	}
	if err != nil {
		return models.Job{}, fmt.Errorf("scan job: %w", err)
	}
	return job, nil
}

// CountByStatus groups jobs by status.
func (s *SQLiteStore) CountByStatus(ctx context.Context) (map[string]int64, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM jobs GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("count jobs: %w", err)
	}
	defer rows.Close()

	counts := make(map[string]int64, len(models.Statuses))
	for rows.Next() {
		var status string
		var n int64
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("scan count: %w", err)
		}
		counts[status] = n
	}
	return counts, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSQLiteJob(row rowScanner) (models.Job, error) {
	var (
		job                                models.Job
		payload                            string
		scheduledAt, createdAt, updatedAt  int64
		startedAt, completedAt, lockExpiry sql.NullInt64
		result, lastErr                    sql.NullString
	)
	if err := row.Scan(&job.ID, &job.Name, &payload, &job.Status, &job.Priority, &job.Attempts, &job.MaxAttempts,
		&scheduledAt, &startedAt, &completedAt, &lockExpiry, &result, &lastErr, &createdAt, &updatedAt); err != nil {
		return models.Job{}, err
	}
	job.Payload = json.RawMessage(payload)
	job.ScheduledAt = fromMillis(scheduledAt)
	job.StartedAt = nullMillis(startedAt)
	job.CompletedAt = nullMillis(completedAt)
	job.LockExpiry = nullMillis(lockExpiry)
	if result.Valid {
		job.Result = json.RawMessage(result.String)
	}
	job.Error = lastErr.String
	job.CreatedAt = fromMillis(createdAt)
	job.UpdatedAt = fromMillis(updatedAt)
	return job, nil
}

func fenced(res sql.Result, err error, op string) error {
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	if n == 0 {
		return queue.ErrLeaseLost
	}
	return nil
}

func millis(t time.Time) int64 {
	return t.UnixMilli()
}

func fromMillis(ms int64) time.Time {
	return time.UnixMilli(ms).UTC()
}

func nullMillis(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := fromMillis(v.Int64)
	return &t
}

func nullableJSON(raw json.RawMessage) any {
	if len(raw) == 0 {
		return nil
	}
	return string(raw)
}

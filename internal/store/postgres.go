package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/pgtype"

	"insight-pipeline/internal/models"
	"insight-pipeline/internal/queue"
)

// ErrNotFound is returned when a pipeline, data source or report row does not exist.
var ErrNotFound = errors.New("not found")

// Store wraps pgxpool for Postgres persistence. It is the job store, the pipeline
// repository and the usage sink of a Postgres deployment.
type Store struct {
	pool *pgxpool.Pool
}

var _ queue.JobStore = (*Store)(nil)

// New creates a pooled connection to Postgres.
func New(ctx context.Context, dsn string) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return &Store{pool: pool}, nil
}

func (s *Store) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

// Ping checks connectivity.
func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

const jobColumns = `id, name, payload, status, priority, attempts, max_attempts, scheduled_at,
	started_at, completed_at, lock_expiry, result, error, created_at, updated_at`

// Insert persists a new pending job.
func (s *Store) Insert(ctx context.Context, job models.Job) (models.Job, error) {
	if len(job.Payload) == 0 {
		job.Payload = json.RawMessage(`{}`)
	}
	row := s.pool.QueryRow(ctx, `
		INSERT INTO jobs (id, name, payload, status, priority, attempts, max_attempts, scheduled_at, created_at, updated_at)
		VALUES ($1, $2, $3, 'pending', $4, 0, $5, $6, NOW(), NOW())
		RETURNING `+jobColumns,
		uuid.New().String(), job.Name, []byte(job.Payload), job.Priority, job.MaxAttempts, job.ScheduledAt)
	created, err := scanJob(row)
	if err != nil {
		return models.Job{}, fmt.Errorf("insert job: %w", err)
	}
	return created, nil
}

// Claim locks the next due job. SKIP LOCKED lets concurrent pollers pass over a row
// another transaction is already claiming instead of waiting on it.
func (s *Store) Claim(ctx context.Context, now time.Time, lease time.Duration) (*models.Job, error) {
	row := s.pool.QueryRow(ctx, `
		UPDATE jobs
		SET status = 'processing', started_at = $1, lock_expiry = $2, attempts = attempts + 1, updated_at = $1
		WHERE id = (
			SELECT id FROM jobs
			WHERE status = 'pending'
			  AND scheduled_at <= $1
			  AND (lock_expiry IS NULL OR lock_expiry <= $1)
			  AND attempts < max_attempts
			ORDER BY priority DESC, scheduled_at ASC
			LIMIT 1
			FOR UPDATE SKIP LOCKED
		)
		RETURNING `+jobColumns, now, now.Add(lease))

	job, err := scanJob(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("claim job: %w", err)
	}
	return &job, nil
}

// ReleaseStale sweeps expired leases in one statement and returns the jobs it failed.
func (s *Store) ReleaseStale(ctx context.Context, now time.Time) (int64, []models.Job, error) {
	rows, err := s.pool.Query(ctx, `
		UPDATE jobs
		SET status = CASE WHEN attempts >= max_attempts THEN 'failed' ELSE 'pending' END,
		    error = CASE WHEN attempts >= max_attempts THEN $2 ELSE error END,
		    completed_at = CASE WHEN attempts >= max_attempts THEN $1 ELSE completed_at END,
		    lock_expiry = NULL,
		    updated_at = $1
		WHERE status = 'processing' AND lock_expiry <= $1
		RETURNING `+jobColumns, now, queue.ErrLeaseExpiredOnFinalAttempt.Error())
	if err != nil {
		return 0, nil, fmt.Errorf("release stale jobs: %w", err)
	}
	defer rows.Close()

	var requeued int64
	var failed []models.Job
	for rows.Next() {
		job, err := scanJob(rows)
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
func (s *Store) Complete(ctx context.Context, id string, attempt int, result json.RawMessage, now time.Time) error {
	var resultJSON []byte
	if len(result) > 0 {
		resultJSON = []byte(result)
	}
	tag, err := s.pool.Exec(ctx, `
		UPDATE jobs
		SET status = 'completed', result = $3, completed_at = $4, lock_expiry = NULL, updated_at = $4
		WHERE id = $1 AND status = 'processing' AND attempts = $2
	`, id, attempt, resultJSON, now)
	return fencedTag(tag, err, "complete job")
}

// Retry returns a processing job to pending with a new scheduled time.
func (s *Store) Retry(ctx context.Context, id string, attempt int, errMsg string, runAt time.Time) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE jobs
		SET status = 'pending', error = $3, lock_expiry = NULL, scheduled_at = $4, updated_at = NOW()
		WHERE id = $1 AND status = 'processing' AND attempts = $2
	`, id, attempt, errMsg, runAt)
	return fencedTag(tag, err, "retry job")
}

// Fail marks a processing job failed. With exhaust set the attempt counter is raised to
// max_attempts so a refused retry still reads as exhausted.
func (s *Store) Fail(ctx context.Context, id string, attempt int, errMsg string, now time.Time, exhaust bool) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE jobs
		SET status = 'failed', error = $3, completed_at = $4, lock_expiry = NULL, updated_at = $4,
		    attempts = CASE WHEN $5::boolean THEN max_attempts ELSE attempts END
		WHERE id = $1 AND status = 'processing' AND attempts = $2
	`, id, attempt, errMsg, now, exhaust)
	return fencedTag(tag, err, "fail job")
}

// Get fetches a job by id.
func (s *Store) Get(ctx context.Context, id string) (models.Job, error) {
	if _, err := uuid.Parse(id); err != nil {
		return models.Job{}, fmt.Errorf("job %s: %w", id, queue.ErrJobNotFound)
	}
	row := s.pool.QueryRow(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = $1`, id)
	job, err := scanJob(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Job{}, fmt.Errorf("job %s: %w", id, queue.ErrJobNotFound)
	}
	if err != nil {
		return models.Job{}, fmt.Errorf("scan job: %w", err)
	}
	return job, nil
}

// CountByStatus groups jobs by status.
func (s *Store) CountByStatus(ctx context.Context) (map[string]int64, error) {
	rows, err := s.pool.Query(ctx, `SELECT status, COUNT(*) FROM jobs GROUP BY status`)
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

func scanJob(row pgx.Row) (models.Job, error) {
	var job models.Job
	var payload, result []byte
	var lastErr pgtype.Text

	if err := row.Scan(&job.ID, &job.Name, &payload, &job.Status, &job.Priority, &job.Attempts, &job.MaxAttempts,
		&job.ScheduledAt, &job.StartedAt, &job.CompletedAt, &job.LockExpiry, &result, &lastErr,
		&job.CreatedAt, &job.UpdatedAt); err != nil {
		return models.Job{}, err
	}
	job.Payload = json.RawMessage(payload)
	if len(result) > 0 {
		job.Result = json.RawMessage(result)
	}
	job.Error = lastErr.String
	return job, nil
}

func fencedTag(tag pgconn.CommandTag, err error, op string) error {
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	if tag.RowsAffected() == 0 {
		return queue.ErrLeaseLost
	}
	return nil
}

// GetPipeline loads a pipeline by id.
func (s *Store) GetPipeline(ctx context.Context, id string) (models.Pipeline, error) {
	if _, err := uuid.Parse(id); err != nil {
		return models.Pipeline{}, fmt.Errorf("pipeline %s: %w", id, ErrNotFound)
	}
	var p models.Pipeline
	var config []byte
	err := s.pool.QueryRow(ctx, `
		SELECT id, workspace_id, name, data_source_id, schedule, status, last_run_at, next_run_at, config
		FROM pipelines WHERE id = $1
	`, id).Scan(&p.ID, &p.WorkspaceID, &p.Name, &p.DataSourceID, &p.Schedule, &p.Status, &p.LastRunAt, &p.NextRunAt, &config)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Pipeline{}, fmt.Errorf("pipeline %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return models.Pipeline{}, fmt.Errorf("scan pipeline: %w", err)
	}
	if len(config) > 0 {
		if err := json.Unmarshal(config, &p.Config); err != nil {
			return models.Pipeline{}, fmt.Errorf("unmarshal pipeline config: %w", err)
		}
	}
	return p, nil
}

// GetDataSource loads a data source by id.
func (s *Store) GetDataSource(ctx context.Context, id string) (models.DataSource, error) {
	if _, err := uuid.Parse(id); err != nil {
		return models.DataSource{}, fmt.Errorf("data source %s: %w", id, ErrNotFound)
	}
	var ds models.DataSource
	var config []byte
	err := s.pool.QueryRow(ctx, `
		SELECT id, workspace_id, name, type, config, status, last_sync_at
		FROM data_sources WHERE id = $1
	`, id).Scan(&ds.ID, &ds.WorkspaceID, &ds.Name, &ds.Type, &config, &ds.Status, &ds.LastSyncAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.DataSource{}, fmt.Errorf("data source %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return models.DataSource{}, fmt.Errorf("scan data source: %w", err)
	}
	ds.Config = json.RawMessage(config)
	return ds, nil
}

// TouchDataSource records a successful sync.
func (s *Store) TouchDataSource(ctx context.Context, id string, syncedAt time.Time) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE data_sources SET last_sync_at = $2, updated_at = NOW() WHERE id = $1
	`, id, syncedAt)
	if err != nil {
		return fmt.Errorf("touch data source: %w", err)
	}
	return nil
}

// CreateReport inserts a report row. Reports are never updated afterwards.
func (s *Store) CreateReport(ctx context.Context, r models.Report) (models.Report, error) {
	data, err := json.Marshal(r.Data)
	if err != nil {
		return models.Report{}, fmt.Errorf("marshal report data: %w", err)
	}
	r.ID = uuid.New().String()
	if r.Status == "" {
		r.Status = models.ReportPublished
	}

	err = s.pool.QueryRow(ctx, `
		INSERT INTO reports (id, workspace_id, pipeline_id, title, data, summary, kpis, trends, anomalies, status, archive_url, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, NOW())
		RETURNING created_at
	`, r.ID, r.WorkspaceID, r.PipelineID, r.Title, data, r.Insights.Summary,
		rawOrNil(r.Insights.KPIs), rawOrNil(r.Insights.Trends), rawOrNil(r.Insights.Anomalies),
		r.Status, emptyToNil(r.ArchiveURL)).Scan(&r.CreatedAt)
	if err != nil {
		return models.Report{}, fmt.Errorf("insert report: %w", err)
	}
	return r, nil
}

// MarkPipelineRun stores the outcome of a run.
func (s *Store) MarkPipelineRun(ctx context.Context, id, status string, ranAt time.Time) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE pipelines
		SET status = $2, last_run_at = $3, updated_at = NOW()
		WHERE id = $1
	`, id, status, ranAt)
	if err != nil {
		return fmt.Errorf("update pipeline: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("pipeline %s: %w", id, ErrNotFound)
	}
	return nil
}

// SetSchedule replaces a pipeline's schedule and next run slot. next is nil for manual
// pipelines.
func (s *Store) SetSchedule(ctx context.Context, id, schedule string, next *time.Time) error {
	if _, err := uuid.Parse(id); err != nil {
		return fmt.Errorf("pipeline %s: %w", id, ErrNotFound)
	}
	tag, err := s.pool.Exec(ctx, `
		UPDATE pipelines
		SET schedule = $2, next_run_at = $3, updated_at = NOW()
		WHERE id = $1
	`, id, schedule, next)
	if err != nil {
		return fmt.Errorf("set pipeline schedule: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("pipeline %s: %w", id, ErrNotFound)
	}
	return nil
}

// AdvanceSchedule moves next_run_at from one slot to the next as a compare-and-set. It
// reports false when the slot had already moved.
func (s *Store) AdvanceSchedule(ctx context.Context, id string, from time.Time, next *time.Time) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE pipelines
		SET next_run_at = $3, updated_at = NOW()
		WHERE id = $1 AND next_run_at = $2
	`, id, from, next)
	if err != nil {
		return false, fmt.Errorf("advance pipeline schedule: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// InsertUsage appends one usage row.
func (s *Store) InsertUsage(ctx context.Context, ev models.UsageEvent) error {
	var metadata []byte
	if len(ev.Metadata) > 0 {
		b, err := json.Marshal(ev.Metadata)
		if err != nil {
			return fmt.Errorf("marshal usage metadata: %w", err)
		}
		metadata = b
	}
	if ev.ID == "" {
		ev.ID = uuid.New().String()
	}
	if ev.CreatedAt.IsZero() {
		ev.CreatedAt = time.Now().UTC()
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO usage_logs (id, workspace_id, type, quantity, metadata, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, ev.ID, ev.WorkspaceID, ev.Type, ev.Quantity, metadata, ev.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert usage: %w", err)
	}
	return nil
}

// UsageTotals sums quantities per usage type for a workspace since the given time.
func (s *Store) UsageTotals(ctx context.Context, workspaceID string, since time.Time) (map[string]int64, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT type, COALESCE(SUM(quantity), 0)
		FROM usage_logs
		WHERE workspace_id = $1 AND created_at >= $2
		GROUP BY type
	`, workspaceID, since)
	if err != nil {
		return nil, fmt.Errorf("query usage: %w", err)
	}
	defer rows.Close()

	totals := map[string]int64{}
	for rows.Next() {
		var kind string
		var n int64
		if err := rows.Scan(&kind, &n); err != nil {
			return nil, fmt.Errorf("scan usage: %w", err)
		}
		totals[kind] = n
	}
	return totals, rows.Err()
}

func rawOrNil(raw json.RawMessage) []byte {
	if len(raw) == 0 {
		return nil
	}
	return []byte(raw)
}

func emptyToNil(v string) *string {
	if v == "" {
		return nil
	}
	return &v
}

package store

import (
	"context"
	"encoding/json"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"insight-pipeline/internal/models"
	"insight-pipeline/internal/queue"
)

// newPostgres connects to POSTGRES_TEST_DSN, applies migrations and empties every table.
func newPostgres(t *testing.T) *Store {
	t.Helper()
	dsn := os.Getenv("POSTGRES_TEST_DSN")
	if dsn == "" {
		t.Skip("POSTGRES_TEST_DSN not set")
	}
	ctx := context.Background()
	s, err := New(ctx, dsn)
	require.NoError(t, err)
	t.Cleanup(s.Close)

	require.NoError(t, s.RunMigrations(ctx))
	_, err = s.pool.Exec(ctx, `TRUNCATE jobs, usage_logs, reports, pipelines, data_sources`)
	require.NoError(t, err)
	return s
}

func insertPostgresJob(t *testing.T, s *Store, name string, priority int, at time.Time) models.Job {
	t.Helper()
	job, err := s.Insert(context.Background(), models.Job{Name: name, Priority: priority, MaxAttempts: 3, ScheduledAt: at})
	require.NoError(t, err)
	return job
}

// insertPipeline seeds a data source and a pipeline scheduled for next.
func insertPipeline(t *testing.T, s *Store, workspace string, next *time.Time) string {
	t.Helper()
	ctx := context.Background()
	dsID, plID := uuid.New().String(), uuid.New().String()
	_, err := s.pool.Exec(ctx, `
		INSERT INTO data_sources (id, workspace_id, name, type) VALUES ($1, $2, 'sales', 'csv')
	`, dsID, workspace)
	require.NoError(t, err)
	_, err = s.pool.Exec(ctx, `
		INSERT INTO pipelines (id, workspace_id, name, data_source_id, schedule, next_run_at)
		VALUES ($1, $2, 'daily sales', $3, 'daily', $4)
	`, plID, workspace, dsID, next)
	require.NoError(t, err)
	return plID
}

func TestRunMigrationsIsRepeatable(t *testing.T) {
	s := newPostgres(t)
	ctx := context.Background()

	require.NoError(t, s.RunMigrations(ctx))

	var n int
	require.NoError(t, s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM schema_migrations WHERE version = '001_init'`).Scan(&n))
	assert.Equal(t, 1, n)
}

func TestPostgresConcurrentClaimsAreExclusive(t *testing.T) {
	s := newPostgres(t)
	ctx := context.Background()
	now := time.Now().UTC()

	const jobs = 20
	for i := 0; i < jobs; i++ {
		insertPostgresJob(t, s, "work", i%3, now)
	}

	var mu sync.Mutex
	seen := map[string]int{}
	var wg sync.WaitGroup
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				job, err := s.Claim(ctx, now, time.Minute)
				if err != nil {
					t.Errorf("claim: %v", err)
					return
				}
				if job == nil {
					return
				}
				mu.Lock()
				seen[job.ID]++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Len(t, seen, jobs)
	for id, n := range seen {
		assert.Equal(t, 1, n, "job %s claimed %d times", id, n)
	}
}

func TestPostgresReleaseStale(t *testing.T) {
	s := newPostgres(t)
	ctx := context.Background()
	now := time.Now().UTC()

	stale := insertPostgresJob(t, s, "stale", 10, now)
	once, err := s.Insert(ctx, models.Job{Name: "once", Priority: 5, MaxAttempts: 1, ScheduledAt: now})
	require.NoError(t, err)

	_, err = s.Claim(ctx, now, time.Second)
	require.NoError(t, err)
	_, err = s.Claim(ctx, now, time.Second)
	require.NoError(t, err)

	n, failed, err := s.ReleaseStale(ctx, now.Add(time.Minute))
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)
	require.Len(t, failed, 1)
	assert.Equal(t, once.ID, failed[0].ID)
	assert.Equal(t, models.StatusFailed, failed[0].Status)
	assert.Equal(t, queue.ErrLeaseExpiredOnFinalAttempt.Error(), failed[0].Error)

	got, err := s.Get(ctx, stale.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusPending, got.Status)
	assert.Nil(t, got.LockExpiry)
}

func TestPostgresFencedTransitions(t *testing.T) {
	s := newPostgres(t)
	ctx := context.Background()
	now := time.Now().UTC()
	insertPostgresJob(t, s, "A", 0, now)

	job, err := s.Claim(ctx, now, time.Minute)
	require.NoError(t, err)
	require.NotNil(t, job)

	err = s.Complete(ctx, job.ID, job.Attempts+1, nil, now)
	assert.ErrorIs(t, err, queue.ErrLeaseLost)

	require.NoError(t, s.Complete(ctx, job.ID, job.Attempts, json.RawMessage(`{"ok":true}`), now))
	got, err := s.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusCompleted, got.Status)
	assert.JSONEq(t, `{"ok":true}`, string(got.Result))

	err = s.Fail(ctx, job.ID, job.Attempts, "late", now, false)
	assert.ErrorIs(t, err, queue.ErrLeaseLost)

	counts, err := s.CountByStatus(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 1, counts[models.StatusCompleted])
}

func TestPostgresAdvanceScheduleIsCompareAndSet(t *testing.T) {
	s := newPostgres(t)
	ctx := context.Background()
	slot := time.Now().UTC().Truncate(time.Second)
	next := slot.Add(24 * time.Hour)
	id := insertPipeline(t, s, "ws-1", &slot)

	ok, err := s.AdvanceSchedule(ctx, id, slot, &next)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = s.AdvanceSchedule(ctx, id, slot, &next)
	require.NoError(t, err)
	assert.False(t, ok, "stale slot must not advance")

	pl, err := s.GetPipeline(ctx, id)
	require.NoError(t, err)
	require.NotNil(t, pl.NextRunAt)
	assert.True(t, pl.NextRunAt.Equal(next))

	require.NoError(t, s.SetSchedule(ctx, id, "manual", nil))
	pl, err = s.GetPipeline(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "manual", pl.Schedule)
	assert.Nil(t, pl.NextRunAt)

	assert.ErrorIs(t, s.SetSchedule(ctx, uuid.New().String(), "daily", nil), ErrNotFound)
	assert.ErrorIs(t, s.SetSchedule(ctx, "nope", "daily", nil), ErrNotFound)
}

func TestPostgresReportsAndUsage(t *testing.T) {
	s := newPostgres(t)
	ctx := context.Background()
	id := insertPipeline(t, s, "ws-1", nil)

	report, err := s.CreateReport(ctx, models.Report{
		WorkspaceID: "ws-1",
		PipelineID:  id,
		Title:       "daily sales",
		Data:        []models.Row{{"sales": 10.0}},
	})
	require.NoError(t, err)
	assert.NotEmpty(t, report.ID)
	assert.Equal(t, models.ReportPublished, report.Status)
	assert.False(t, report.CreatedAt.IsZero())

	since := time.Now().UTC().Add(-time.Minute)
	require.NoError(t, s.InsertUsage(ctx, models.UsageEvent{WorkspaceID: "ws-1", Type: models.UsageRowProcessed, Quantity: 40}))
	require.NoError(t, s.InsertUsage(ctx, models.UsageEvent{WorkspaceID: "ws-1", Type: models.UsageRowProcessed, Quantity: 2}))
	require.NoError(t, s.InsertUsage(ctx, models.UsageEvent{WorkspaceID: "ws-2", Type: models.UsageAIRequest, Quantity: 1}))

	totals, err := s.UsageTotals(ctx, "ws-1", since)
	require.NoError(t, err)
	assert.Equal(t, map[string]int64{models.UsageRowProcessed: 42}, totals)
}

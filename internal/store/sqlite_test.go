package store

import (
	"context"
	"encoding/json"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"insight-pipeline/internal/models"
	"insight-pipeline/internal/queue"
)

func newSQLite(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := OpenSQLite(filepath.Join(t.TempDir(), "jobs.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func insertJob(t *testing.T, s *SQLiteStore, name string, priority int, at time.Time) models.Job {
	t.Helper()
	job, err := s.Insert(context.Background(), models.Job{
		Name:        name,
		Payload:     json.RawMessage(`{"n":1}`),
		Priority:    priority,
		MaxAttempts: 3,
		ScheduledAt: at,
	})
	require.NoError(t, err)
	return job
}

func TestSQLiteClaimOrdersByPriorityThenSchedule(t *testing.T) {
	s := newSQLite(t)
	ctx := context.Background()
	now := time.Now().UTC()

	a := insertJob(t, s, "A", 5, now)
	b := insertJob(t, s, "B", 10, now)

	first, err := s.Claim(ctx, now, time.Minute)
	require.NoError(t, err)
	require.NotNil(t, first)
	assert.Equal(t, b.ID, first.ID)

	second, err := s.Claim(ctx, now, time.Minute)
	require.NoError(t, err)
	require.NotNil(t, second)
	assert.Equal(t, a.ID, second.ID)

	none, err := s.Claim(ctx, now, time.Minute)
	require.NoError(t, err)
	assert.Nil(t, none)
}

func TestSQLiteClaimSetsLease(t *testing.T) {
	s := newSQLite(t)
	ctx := context.Background()
	now := time.Now().UTC()
	insertJob(t, s, "A", 0, now)

	job, err := s.Claim(ctx, now, 5*time.Minute)
	require.NoError(t, err)
	require.NotNil(t, job)

	assert.Equal(t, models.StatusProcessing, job.Status)
	assert.Equal(t, 1, job.Attempts)
	require.NotNil(t, job.StartedAt)
	require.NotNil(t, job.LockExpiry)
	assert.WithinDuration(t, now.Add(5*time.Minute), *job.LockExpiry, time.Millisecond)
	assert.JSONEq(t, `{"n":1}`, string(job.Payload))
}

func TestSQLiteClaimSkipsFutureJobs(t *testing.T) {
	s := newSQLite(t)
	ctx := context.Background()
	now := time.Now().UTC()
	insertJob(t, s, "later", 100, now.Add(time.Hour))

	job, err := s.Claim(ctx, now, time.Minute)
	require.NoError(t, err)
	assert.Nil(t, job)

	job, err = s.Claim(ctx, now.Add(2*time.Hour), time.Minute)
	require.NoError(t, err)
	require.NotNil(t, job)
	assert.Equal(t, "later", job.Name)
}

func TestSQLiteConcurrentClaimsAreExclusive(t *testing.T) {
	s := newSQLite(t)
	ctx := context.Background()
	now := time.Now().UTC()

	const jobs = 20
	for i := 0; i < jobs; i++ {
		insertJob(t, s, "work", i%3, now)
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

func TestSQLiteReleaseStale(t *testing.T) {
	s := newSQLite(t)
	ctx := context.Background()
	now := time.Now().UTC()

	stale := insertJob(t, s, "stale", 10, now)
	fresh := insertJob(t, s, "fresh", 5, now)
	untouched := insertJob(t, s, "pending", 0, now.Add(time.Hour))

	_, err := s.Claim(ctx, now, time.Second)
	require.NoError(t, err)
	_, err = s.Claim(ctx, now, time.Hour)
	require.NoError(t, err)

	n, failed, err := s.ReleaseStale(ctx, now.Add(time.Minute))
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)
	assert.Empty(t, failed)

	got, err := s.Get(ctx, stale.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusPending, got.Status)
	assert.Nil(t, got.LockExpiry)
	assert.Equal(t, 1, got.Attempts)

	got, err = s.Get(ctx, fresh.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusProcessing, got.Status)

	got, err = s.Get(ctx, untouched.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusPending, got.Status)
	assert.Equal(t, 0, got.Attempts)
}

func TestSQLiteReleaseStaleFailsFinalAttempt(t *testing.T) {
	s := newSQLite(t)
	ctx := context.Background()
	now := time.Now().UTC()

	job, err := s.Insert(ctx, models.Job{Name: "once", MaxAttempts: 1, ScheduledAt: now})
	require.NoError(t, err)
	_, err = s.Claim(ctx, now, time.Second)
	require.NoError(t, err)

	n, failed, err := s.ReleaseStale(ctx, now.Add(time.Minute))
	require.NoError(t, err)
	assert.EqualValues(t, 0, n)
	require.Len(t, failed, 1)
	assert.Equal(t, job.ID, failed[0].ID)
	assert.Equal(t, models.StatusFailed, failed[0].Status)

	got, err := s.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusFailed, got.Status)
	assert.Equal(t, 1, got.Attempts)
	assert.Equal(t, queue.ErrLeaseExpiredOnFinalAttempt.Error(), got.Error)
	assert.Nil(t, got.LockExpiry)
}

func TestSQLiteFencedTransitions(t *testing.T) {
	s := newSQLite(t)
	ctx := context.Background()
	now := time.Now().UTC()
	insertJob(t, s, "A", 0, now)

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
	assert.Nil(t, got.LockExpiry)
	require.NotNil(t, got.CompletedAt)

	err = s.Fail(ctx, job.ID, job.Attempts, "late", now, false)
	assert.ErrorIs(t, err, queue.ErrLeaseLost)
}

func TestSQLiteRetryAndExhaust(t *testing.T) {
	s := newSQLite(t)
	ctx := context.Background()
	now := time.Now().UTC()
	insertJob(t, s, "A", 0, now)

	job, err := s.Claim(ctx, now, time.Minute)
	require.NoError(t, err)
	require.NoError(t, s.Retry(ctx, job.ID, job.Attempts, "boom", now.Add(2*time.Second)))

	got, err := s.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusPending, got.Status)
	assert.Equal(t, "boom", got.Error)
	assert.Nil(t, got.LockExpiry)

	none, err := s.Claim(ctx, now, time.Minute)
	require.NoError(t, err)
	assert.Nil(t, none, "retry must not be claimable before its backoff")

	job, err = s.Claim(ctx, now.Add(3*time.Second), time.Minute)
	require.NoError(t, err)
	require.NotNil(t, job)
	assert.Equal(t, 2, job.Attempts)

	require.NoError(t, s.Fail(ctx, job.ID, job.Attempts, "permanent", now, true))
	got, err = s.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusFailed, got.Status)
	assert.Equal(t, 3, got.Attempts)
	assert.Equal(t, "permanent", got.Error)
}

func TestSQLiteCountByStatusAndGet(t *testing.T) {
	s := newSQLite(t)
	ctx := context.Background()
	now := time.Now().UTC()
	insertJob(t, s, "A", 0, now)
	insertJob(t, s, "B", 0, now)
	_, err := s.Claim(ctx, now, time.Minute)
	require.NoError(t, err)

	counts, err := s.CountByStatus(ctx)
	require.NoError(t, err)
	stats := models.StatsFromCounts(counts)
	assert.EqualValues(t, 1, stats.Pending)
	assert.EqualValues(t, 1, stats.Processing)
	assert.EqualValues(t, 2, stats.Total)

	_, err = s.Get(ctx, "missing")
	assert.ErrorIs(t, err, queue.ErrJobNotFound)
}

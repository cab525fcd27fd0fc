package queue

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"insight-pipeline/internal/models"
	"insight-pipeline/internal/telemetry"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newTestScheduler(t *testing.T, opts Options) (*Scheduler, *fakeClock) {
	t.Helper()
	clock := newFakeClock()
	opts.Now = clock.Now
	return New(newRedisStore(t), opts, telemetry.Discard()), clock
}

func TestSchedulerDispatchesByPriority(t *testing.T) {
	s, _ := newTestScheduler(t, Options{})
	ctx := context.Background()

	var ran []string
	require.NoError(t, s.Register("record", func(_ context.Context, job models.Job) (any, error) {
		ran = append(ran, string(job.Payload))
		return nil, nil
	}))

	_, err := s.Enqueue(ctx, "record", map[string]string{"job": "A"}, EnqueueOptions{Priority: 5})
	require.NoError(t, err)
	_, err = s.Enqueue(ctx, "record", map[string]string{"job": "B"}, EnqueueOptions{Priority: 10})
	require.NoError(t, err)

	for i := 0; i < 2; i++ {
		processed, err := s.ProcessNext(ctx)
		require.NoError(t, err)
		assert.True(t, processed)
	}
	processed, err := s.ProcessNext(ctx)
	require.NoError(t, err)
	assert.False(t, processed)

	assert.Equal(t, []string{`{"job":"B"}`, `{"job":"A"}`}, ran)
}

func TestSchedulerCompleteStoresResult(t *testing.T) {
	s, _ := newTestScheduler(t, Options{})
	ctx := context.Background()
	require.NoError(t, s.Register("sum", func(context.Context, models.Job) (any, error) {
		return map[string]int{"total": 42}, nil
	}))

	job, err := s.Enqueue(ctx, "sum", nil, EnqueueOptions{})
	require.NoError(t, err)
	assert.JSONEq(t, `{}`, string(job.Payload))

	_, err = s.ProcessNext(ctx)
	require.NoError(t, err)

	got, err := s.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusCompleted, got.Status)
	assert.JSONEq(t, `{"total":42}`, string(got.Result))
	assert.Nil(t, got.LockExpiry)
	require.NotNil(t, got.CompletedAt)
}

func TestSchedulerRetriesThenFails(t *testing.T) {
	s, clock := newTestScheduler(t, Options{BackoffBase: time.Second})
	ctx := context.Background()

	calls := 0
	require.NoError(t, s.Register("flaky", func(context.Context, models.Job) (any, error) {
		calls++
		return nil, errors.New("upstream unavailable")
	}))
	job, err := s.Enqueue(ctx, "flaky", nil, EnqueueOptions{MaxAttempts: 3})
	require.NoError(t, err)

	_, err = s.ProcessNext(ctx)
	require.NoError(t, err)
	got, err := s.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusPending, got.Status)
	assert.Equal(t, 1, got.Attempts)
	assert.Equal(t, clock.Now().Add(2*time.Second), got.ScheduledAt)

	processed, err := s.ProcessNext(ctx)
	require.NoError(t, err)
	assert.False(t, processed, "retry is not due yet")

	clock.Advance(2 * time.Second)
	_, err = s.ProcessNext(ctx)
	require.NoError(t, err)
	clock.Advance(4 * time.Second)
	_, err = s.ProcessNext(ctx)
	require.NoError(t, err)

	got, err = s.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusFailed, got.Status)
	assert.Equal(t, 3, got.Attempts)
	assert.Equal(t, "upstream unavailable", got.Error)
	assert.Equal(t, 3, calls)

	clock.Advance(time.Hour)
	processed, err = s.ProcessNext(ctx)
	require.NoError(t, err)
	assert.False(t, processed)
}

func TestSchedulerRetryPolicyRefusal(t *testing.T) {
	permanent := errors.New("bad config")
	var hooked models.Job
	s, _ := newTestScheduler(t, Options{
		RetryPolicy: func(_ models.Job, err error) bool { return !errors.Is(err, permanent) },
		OnFailed:    func(_ context.Context, job models.Job, _ error) { hooked = job },
	})
	ctx := context.Background()
	require.NoError(t, s.Register("strict", func(context.Context, models.Job) (any, error) {
		return nil, permanent
	}))
	job, err := s.Enqueue(ctx, "strict", nil, EnqueueOptions{})
	require.NoError(t, err)

	_, err = s.ProcessNext(ctx)
	require.NoError(t, err)

	got, err := s.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusFailed, got.Status)
	assert.Equal(t, got.MaxAttempts, got.Attempts)
	assert.Equal(t, job.ID, hooked.ID)
	assert.Equal(t, models.StatusFailed, hooked.Status)
}

func TestSchedulerUnknownJobFailsWithoutRetry(t *testing.T) {
	s, _ := newTestScheduler(t, Options{})
	ctx := context.Background()
	require.NoError(t, s.Register("known", func(context.Context, models.Job) (any, error) { return nil, nil }))

	job, err := s.Enqueue(ctx, "mystery", nil, EnqueueOptions{})
	require.NoError(t, err)

	_, err = s.ProcessNext(ctx)
	require.NoError(t, err)

	got, err := s.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusFailed, got.Status)
	assert.Equal(t, 1, got.Attempts)
	assert.Contains(t, got.Error, `no handler registered for "mystery"`)
	assert.Contains(t, got.Error, "known")
}

func TestSchedulerRecoversHandlerPanic(t *testing.T) {
	s, _ := newTestScheduler(t, Options{})
	ctx := context.Background()
	require.NoError(t, s.Register("explode", func(context.Context, models.Job) (any, error) {
		panic("kaboom")
	}))
	job, err := s.Enqueue(ctx, "explode", nil, EnqueueOptions{MaxAttempts: 1})
	require.NoError(t, err)

	_, err = s.ProcessNext(ctx)
	require.NoError(t, err)

	got, err := s.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusFailed, got.Status)
	assert.Contains(t, got.Error, "kaboom")
}

func TestSchedulerSweepsStaleLeases(t *testing.T) {
	s, clock := newTestScheduler(t, Options{LeaseDuration: time.Minute})
	ctx := context.Background()

	job, err := s.Enqueue(ctx, "slow", nil, EnqueueOptions{})
	require.NoError(t, err)

	claimed, err := s.ClaimNext(ctx)
	require.NoError(t, err)
	require.NotNil(t, claimed)

	clock.Advance(2 * time.Minute)
	n, err := s.ReleaseStale(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)

	got, err := s.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusPending, got.Status)
	assert.Nil(t, got.LockExpiry)

	err = s.Complete(ctx, *claimed, "late")
	assert.ErrorIs(t, err, ErrLeaseLost)
}

func TestSchedulerSweepFailureRunsHooks(t *testing.T) {
	var fromOptions, fromRegistered []string
	var cause error
	s, clock := newTestScheduler(t, Options{
		LeaseDuration: time.Minute,
		OnFailed:      func(_ context.Context, job models.Job, _ error) { fromOptions = append(fromOptions, job.ID) },
	})
	s.OnFailed(func(_ context.Context, job models.Job, err error) {
		fromRegistered = append(fromRegistered, job.ID)
		cause = err
	})
	ctx := context.Background()

	job, err := s.Enqueue(ctx, "hang", nil, EnqueueOptions{MaxAttempts: 1})
	require.NoError(t, err)
	_, err = s.Enqueue(ctx, "hang", nil, EnqueueOptions{MaxAttempts: 2, ScheduledAt: clock.Now().Add(time.Second)})
	require.NoError(t, err)

	claimed, err := s.ClaimNext(ctx)
	require.NoError(t, err)
	require.NotNil(t, claimed)
	clock.Advance(time.Second)
	second, err := s.ClaimNext(ctx)
	require.NoError(t, err)
	require.NotNil(t, second)

	clock.Advance(2 * time.Minute)
	n, err := s.ReleaseStale(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 2, n)

	assert.Equal(t, []string{job.ID}, fromOptions)
	assert.Equal(t, []string{job.ID}, fromRegistered)
	assert.ErrorIs(t, cause, ErrLeaseExpiredOnFinalAttempt)

	got, err := s.Get(ctx, second.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusPending, got.Status)
}

func TestSchedulerStats(t *testing.T) {
	s, _ := newTestScheduler(t, Options{})
	ctx := context.Background()
	require.NoError(t, s.Register("ok", func(context.Context, models.Job) (any, error) { return nil, nil }))

	_, err := s.Enqueue(ctx, "ok", nil, EnqueueOptions{})
	require.NoError(t, err)
	_, err = s.Enqueue(ctx, "ok", nil, EnqueueOptions{})
	require.NoError(t, err)
	_, err = s.ProcessNext(ctx)
	require.NoError(t, err)

	stats, err := s.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, models.QueueStats{Pending: 1, Completed: 1, Total: 2}, stats)
}

func TestSchedulerRegisterValidation(t *testing.T) {
	s, _ := newTestScheduler(t, Options{})
	assert.ErrorIs(t, s.Register("", func(context.Context, models.Job) (any, error) { return nil, nil }), ErrEmptyJobName)
	assert.ErrorIs(t, s.Register("x", nil), ErrNilHandler)

	require.NoError(t, s.Register("b", func(context.Context, models.Job) (any, error) { return nil, nil }))
	require.NoError(t, s.Register("a", func(context.Context, models.Job) (any, error) { return nil, nil }))
	require.NoError(t, s.Register("a", func(context.Context, models.Job) (any, error) { return "v2", nil }))
	assert.Equal(t, []string{"a", "b"}, s.Handlers())

	_, err := s.Enqueue(context.Background(), "", nil, EnqueueOptions{})
	assert.ErrorIs(t, err, ErrEmptyJobName)
}

func TestSchedulerStartStop(t *testing.T) {
	s := New(newRedisStore(t), Options{PollInterval: 10 * time.Millisecond}, telemetry.Discard())
	ctx := context.Background()

	done := make(chan string, 1)
	require.NoError(t, s.Register("ping", func(_ context.Context, job models.Job) (any, error) {
		done <- job.ID
		return "pong", nil
	}))

	s.Start(ctx)
	s.Start(ctx)

	job, err := s.Enqueue(ctx, "ping", nil, EnqueueOptions{})
	require.NoError(t, err)

	select {
	case id := <-done:
		assert.Equal(t, job.ID, id)
	case <-time.After(5 * time.Second):
		t.Fatal("job was not processed")
	}

	require.Eventually(t, func() bool {
		got, err := s.Get(ctx, job.ID)
		return err == nil && got.Status == models.StatusCompleted
	}, 5*time.Second, 10*time.Millisecond)

	s.Stop()
	s.Stop()

	s.Start(ctx)
	s.Stop()
}

func TestUnsupportedJobErrorListsHandlers(t *testing.T) {
	err := &UnsupportedJobError{Name: "x", Available: []string{"b", "a"}}
	assert.Equal(t, `no handler registered for "x" (available: a, b)`, err.Error())
}

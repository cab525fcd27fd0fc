package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"insight-pipeline/internal/models"
	"insight-pipeline/internal/telemetry"
)

// Handler executes a claimed job. The returned value is JSON encoded into job.result.
type Handler func(ctx context.Context, job models.Job) (any, error)

// FailureHook observes jobs that reached the terminal failed state.
type FailureHook func(ctx context.Context, job models.Job, err error)

// Options tunes a Scheduler. Zero values fall back to DefaultOptions.
type Options struct {
	PollInterval  time.Duration
	LeaseDuration time.Duration
	BackoffBase   time.Duration
	// BackoffMax caps the retry delay; zero leaves it uncapped.
	BackoffMax  time.Duration
	MaxAttempts int
	RetryPolicy RetryPolicy
	OnFailed    FailureHook
	Now         func() time.Time
}

// DefaultOptions mirrors the production defaults: 3s polls, 5 minute leases, 1s backoff base.
func DefaultOptions() Options {
	return Options{
		PollInterval:  3 * time.Second,
		LeaseDuration: 5 * time.Minute,
		BackoffBase:   time.Second,
		MaxAttempts:   models.DefaultMaxAttempts,
		RetryPolicy:   RetryAlways,
		Now:           time.Now,
	}
}

func (o Options) withDefaults() Options {
	def := DefaultOptions()
	if o.PollInterval <= 0 {
		o.PollInterval = def.PollInterval
	}
	if o.LeaseDuration <= 0 {
		o.LeaseDuration = def.LeaseDuration
	}
	if o.BackoffBase <= 0 {
		o.BackoffBase = def.BackoffBase
	}
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = def.MaxAttempts
	}
	if o.RetryPolicy == nil {
		o.RetryPolicy = def.RetryPolicy
	}
	if o.Now == nil {
		o.Now = def.Now
	}
	return o
}

// EnqueueOptions are the producer-controlled job attributes.
type EnqueueOptions struct {
	Priority    int
	MaxAttempts int
	ScheduledAt time.Time
}

// Scheduler polls a JobStore, claims due jobs and dispatches them to registered handlers.
// Any number of schedulers may run against the same store.
type Scheduler struct {
	store  JobStore
	opts   Options
	logger *slog.Logger

	mu       sync.RWMutex
	handlers map[string]Handler

	hooksMu sync.RWMutex
	hooks   []FailureHook

	lifecycle sync.Mutex
	cancel    context.CancelFunc
	done      chan struct{}
}

// New constructs a scheduler bound to store.
func New(store JobStore, opts Options, logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Scheduler{
		store:    store,
		opts:     opts.withDefaults(),
		logger:   logger.With("component", "queue"),
		handlers: make(map[string]Handler),
	}
	if s.opts.OnFailed != nil {
		s.hooks = append(s.hooks, s.opts.OnFailed)
	}
	return s
}

// OnFailed adds a hook that runs after a job reaches the failed state, whether a handler
// failed it or the stale sweep did. Hooks run in registration order.
func (s *Scheduler) OnFailed(hook FailureHook) {
	if hook == nil {
		return
	}
	s.hooksMu.Lock()
	s.hooks = append(s.hooks, hook)
	s.hooksMu.Unlock()
}

func (s *Scheduler) failed(ctx context.Context, job models.Job, cause error) {
	telemetry.JobsFailed.WithLabelValues(job.Name).Inc()
	s.hooksMu.RLock()
	hooks := append([]FailureHook(nil), s.hooks...)
	s.hooksMu.RUnlock()
	for _, hook := range hooks {
		hook(ctx, job, cause)
	}
}

// Register binds a handler to a job name, replacing any previous one.
func (s *Scheduler) Register(name string, handler Handler) error {
	if name == "" {
		return ErrEmptyJobName
	}
	if handler == nil {
		return ErrNilHandler
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.handlers[name]; ok {
		s.logger.Warn("overwriting job handler", "job_name", name)
	}
	s.handlers[name] = handler
	s.logger.Info("job handler registered", "job_name", name)
	return nil
}

// Handlers lists registered job names in sorted order.
func (s *Scheduler) Handlers() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	names := make([]string, 0, len(s.handlers))
	for name := range s.handlers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (s *Scheduler) handler(name string) (Handler, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	h, ok := s.handlers[name]
	return h, ok
}

// Enqueue inserts a pending job. The name is not checked against registered handlers;
// that happens when the job is claimed.
func (s *Scheduler) Enqueue(ctx context.Context, name string, payload any, opts EnqueueOptions) (models.Job, error) {
	if name == "" {
		return models.Job{}, ErrEmptyJobName
	}
	raw, err := encode(payload)
	if err != nil {
		return models.Job{}, fmt.Errorf("marshal payload: %w", err)
	}
	if raw == nil {
		raw = json.RawMessage(`{}`)
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = s.opts.MaxAttempts
	}
	if opts.ScheduledAt.IsZero() {
		opts.ScheduledAt = s.opts.Now()
	}

	job, err := s.store.Insert(ctx, models.Job{
		Name:        name,
		Payload:     raw,
		Status:      models.StatusPending,
		Priority:    opts.Priority,
		MaxAttempts: opts.MaxAttempts,
		ScheduledAt: opts.ScheduledAt.UTC(),
	})
	if err != nil {
		return models.Job{}, fmt.Errorf("insert job: %w", err)
	}
	telemetry.JobsEnqueued.WithLabelValues(name).Inc()
	s.logger.Info("job enqueued", "job_id", job.ID, "job_name", name, "priority", job.Priority, "scheduled_at", job.ScheduledAt)
	return job, nil
}

// ClaimNext atomically takes ownership of the next due job, or returns nil.
func (s *Scheduler) ClaimNext(ctx context.Context) (*models.Job, error) {
	return s.store.Claim(ctx, s.opts.Now(), s.opts.LeaseDuration)
}

// ReleaseStale sweeps jobs whose lease expired and reports how many it moved. Jobs that
// expired on their final attempt are failed and passed to the failure hooks.
func (s *Scheduler) ReleaseStale(ctx context.Context) (int64, error) {
	requeued, failed, err := s.store.ReleaseStale(ctx, s.opts.Now())
	if err != nil {
		return 0, fmt.Errorf("release stale jobs: %w", err)
	}
	n := requeued + int64(len(failed))
	if n > 0 {
		telemetry.StaleReleased.Add(float64(n))
		s.logger.Warn("released stale jobs", "requeued", requeued, "failed", len(failed))
	}
	for _, job := range failed {
		s.logger.Error("job failed", "job_id", job.ID, "job_name", job.Name, "attempt", job.Attempts,
			"error", ErrLeaseExpiredOnFinalAttempt.Error())
		s.failed(ctx, job, ErrLeaseExpiredOnFinalAttempt)
	}
	return n, nil
}

// Complete records a successful attempt.
func (s *Scheduler) Complete(ctx context.Context, job models.Job, result any) error {
	raw, err := encode(result)
	if err != nil {
		return s.Fail(ctx, job, fmt.Errorf("marshal result: %w", err))
	}
	if err := s.store.Complete(ctx, job.ID, job.Attempts, raw, s.opts.Now()); err != nil {
		return s.outcomeError(job, "complete", err)
	}
	telemetry.JobsCompleted.WithLabelValues(job.Name).Inc()
	s.logger.Info("job completed", "job_id", job.ID, "job_name", job.Name, "attempt", job.Attempts)
	return nil
}

// Fail records a failed attempt: terminal once attempts reach max_attempts or the retry
// policy refuses, otherwise rescheduled at now + Backoff(attempts).
func (s *Scheduler) Fail(ctx context.Context, job models.Job, cause error) error {
	now := s.opts.Now()
	msg := cause.Error()

	if job.Attempts < job.MaxAttempts && s.opts.RetryPolicy(job, cause) {
		runAt := now.Add(Backoff(s.opts.BackoffBase, s.opts.BackoffMax, job.Attempts))
		if err := s.store.Retry(ctx, job.ID, job.Attempts, msg, runAt); err != nil {
			return s.outcomeError(job, "retry", err)
		}
		telemetry.JobsRetried.WithLabelValues(job.Name).Inc()
		s.logger.Warn("job failed, retry scheduled", "job_id", job.ID, "job_name", job.Name,
			"attempt", job.Attempts, "max_attempts", job.MaxAttempts, "run_at", runAt, "error", msg)
		return nil
	}

	exhaust := job.Attempts < job.MaxAttempts
	return s.failTerminal(ctx, job, cause, now, exhaust)
}

func (s *Scheduler) failTerminal(ctx context.Context, job models.Job, cause error, now time.Time, exhaust bool) error {
	if err := s.store.Fail(ctx, job.ID, job.Attempts, cause.Error(), now, exhaust); err != nil {
		return s.outcomeError(job, "fail", err)
	}
	s.logger.Error("job failed", "job_id", job.ID, "job_name", job.Name, "attempt", job.Attempts, "error", cause.Error())

	job.Status = models.StatusFailed
	job.Error = cause.Error()
	job.CompletedAt = &now
	job.LockExpiry = nil
	if exhaust {
		job.Attempts = job.MaxAttempts
	}
	s.failed(ctx, job, cause)
	return nil
}

func (s *Scheduler) outcomeError(job models.Job, op string, err error) error {
	if errors.Is(err, ErrLeaseLost) {
		telemetry.LeasesLost.Inc()
		s.logger.Warn("job outcome dropped, lease lost", "job_id", job.ID, "job_name", job.Name, "attempt", job.Attempts, "op", op)
	}
	return fmt.Errorf("%s job %s: %w", op, job.ID, err)
}

// Get returns a job by id.
func (s *Scheduler) Get(ctx context.Context, id string) (models.Job, error) {
	return s.store.Get(ctx, id)
}

// Stats returns the count of jobs per status.
func (s *Scheduler) Stats(ctx context.Context) (models.QueueStats, error) {
	counts, err := s.store.CountByStatus(ctx)
	if err != nil {
		return models.QueueStats{}, fmt.Errorf("count jobs: %w", err)
	}
	for _, status := range models.Statuses {
		telemetry.QueueJobs.WithLabelValues(status).Set(float64(counts[status]))
	}
	return models.StatsFromCounts(counts), nil
}

// ProcessNext runs one poll cycle: stale sweep, claim, dispatch. It reports whether a job
// was claimed.
func (s *Scheduler) ProcessNext(ctx context.Context) (bool, error) {
	if _, err := s.ReleaseStale(ctx); err != nil {
		s.logger.Error("stale sweep failed", "error", err)
	}
	job, err := s.ClaimNext(ctx)
	if err != nil {
		return false, fmt.Errorf("claim job: %w", err)
	}
	if job == nil {
		return false, nil
	}
	s.dispatch(ctx, *job)
	return true, nil
}

// dispatch runs the handler to completion. A claimed job is never cancelled mid-flight:
// the handler and the outcome write run detached from ctx, and the lease is the only timeout.
func (s *Scheduler) dispatch(ctx context.Context, job models.Job) {
	ctx = context.WithoutCancel(ctx)
	log := s.logger.With("job_id", job.ID, "job_name", job.Name, "attempt", job.Attempts)

	handler, ok := s.handler(job.Name)
	if !ok {
		cause := &UnsupportedJobError{Name: job.Name, Available: s.Handlers()}
		log.Warn("no handler for job")
		if err := s.failTerminal(ctx, job, cause, s.opts.Now(), false); err != nil {
			log.Error("record unsupported job", "error", err)
		}
		return
	}

	log.Info("processing job")
	start := time.Now()
	result, err := invoke(ctx, handler, job)
	telemetry.JobDuration.WithLabelValues(job.Name).Observe(time.Since(start).Seconds())

	if err != nil {
		err = s.Fail(ctx, job, err)
	} else {
		err = s.Complete(ctx, job, result)
	}
	if err != nil {
		log.Error("record job outcome", "error", err)
	}
}

func invoke(ctx context.Context, handler Handler, job models.Job) (result any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return handler(ctx, job)
}

// Run drains the queue until ctx is cancelled. It sleeps PollInterval only when no job
// was available and loops immediately after each processed job.
func (s *Scheduler) Run(ctx context.Context) error {
	s.logger.Info("scheduler started", "poll_interval", s.opts.PollInterval, "lease", s.opts.LeaseDuration)
	for {
		if err := ctx.Err(); err != nil {
			s.logger.Info("scheduler stopped")
			return err
		}

		processed, err := s.ProcessNext(ctx)
		if err != nil && ctx.Err() == nil {
			s.logger.Error("poll failed", "error", err)
		}
		if processed {
			continue
		}

		select {
		case <-ctx.Done():
			s.logger.Info("scheduler stopped")
			return ctx.Err()
		case <-time.After(s.opts.PollInterval):
		}
	}
}

// Start launches Run in the background. Calling Start on a running scheduler is a no-op.
func (s *Scheduler) Start(ctx context.Context) {
	s.lifecycle.Lock()
	defer s.lifecycle.Unlock()
	if s.cancel != nil {
		return
	}
	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	s.cancel, s.done = cancel, done
	go func() {
		defer close(done)
		_ = s.Run(runCtx)
	}()
}

// Stop cancels the polling loop and waits for the in-flight job, if any, to finish.
// Stopping a stopped scheduler is a no-op.
func (s *Scheduler) Stop() {
	s.lifecycle.Lock()
	cancel, done := s.cancel, s.done
	s.cancel, s.done = nil, nil
	s.lifecycle.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
}

func encode(v any) (json.RawMessage, error) {
	switch t := v.(type) {
	case nil:
		return nil, nil
	case json.RawMessage:
		return t, nil
	case []byte:
		if !json.Valid(t) {
			return nil, errors.New("payload bytes are not valid JSON")
		}
		return json.RawMessage(t), nil
	default:
		return json.Marshal(v)
	}
}

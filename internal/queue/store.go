package queue

import (
	"context"
	"encoding/json"
	"time"

	"insight-pipeline/internal/models"
)

// JobStore is the persistence contract the scheduler coordinates through.
//
// Every method that changes a job must be a single atomic operation against the
// backend. Claim in particular must select and lock a job in one step so that
// concurrent pollers never observe the same job.
type JobStore interface {
	// Insert persists a new pending job. ID, CreatedAt and UpdatedAt are assigned by the store.
	Insert(ctx context.Context, job models.Job) (models.Job, error)

	// Claim picks the highest-priority, oldest due job that is pending and unlocked,
	// marks it processing with lockExpiry = now+lease and increments attempts.
	// It returns nil when no job is available.
	Claim(ctx context.Context, now time.Time, lease time.Duration) (*models.Job, error)

	// ReleaseStale returns processing jobs whose lease expired to pending, or to failed
	// when they already used their final attempt. It reports how many jobs went back to
	// pending and returns the jobs it failed.
	ReleaseStale(ctx context.Context, now time.Time) (requeued int64, failed []models.Job, err error)

	// Complete, Retry and Fail are fenced on (id, attempt): they only apply while the job
	// is still processing under the attempt that claimed it, and return ErrLeaseLost otherwise.
	Complete(ctx context.Context, id string, attempt int, result json.RawMessage, now time.Time) error
	Retry(ctx context.Context, id string, attempt int, errMsg string, runAt time.Time) error
	// Fail terminally fails the job. When exhaust is set attempts is raised to max_attempts.
	Fail(ctx context.Context, id string, attempt int, errMsg string, now time.Time, exhaust bool) error

	Get(ctx context.Context, id string) (models.Job, error)
	CountByStatus(ctx context.Context) (map[string]int64, error)
}

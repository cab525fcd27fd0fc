package models

import (
	"encoding/json"
	"time"
)

// JobStatus enumerates lifecycle states persisted by every job store backend.
const (
	StatusPending    = "pending"
	StatusProcessing = "processing"
	StatusCompleted  = "completed"
	StatusFailed     = "failed"
)

// Statuses lists every job status in lifecycle order.
var Statuses = []string{StatusPending, StatusProcessing, StatusCompleted, StatusFailed}

// DefaultMaxAttempts applies when a producer does not set one.
const DefaultMaxAttempts = 3

// Job is a unit of deferred work. Only the queue scheduler mutates it after creation.
type Job struct {
	ID          string          `json:"id"`
	Name        string          `json:"name"`
	Payload     json.RawMessage `json:"payload"`
	Status      string          `json:"status"`
	Priority    int             `json:"priority"`
	Attempts    int             `json:"attempts"`
	MaxAttempts int             `json:"max_attempts"`
	ScheduledAt time.Time       `json:"scheduled_at"`
	StartedAt   *time.Time      `json:"started_at,omitempty"`
	CompletedAt *time.Time      `json:"completed_at,omitempty"`
	LockExpiry  *time.Time      `json:"lock_expiry,omitempty"`
	Result      json.RawMessage `json:"result,omitempty"`
	Error       string          `json:"error,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
	UpdatedAt   time.Time       `json:"updated_at"`
}

// Terminal reports whether the job reached completed or failed.
func (j Job) Terminal() bool {
	return j.Status == StatusCompleted || j.Status == StatusFailed
}

// QueueStats is the count-by-status snapshot of the job table.
type QueueStats struct {
	Pending    int64 `json:"pending"`
	Processing int64 `json:"processing"`
	Completed  int64 `json:"completed"`
	Failed     int64 `json:"failed"`
	Total      int64 `json:"total"`
}

// StatsFromCounts folds a status->count map into QueueStats.
func StatsFromCounts(counts map[string]int64) QueueStats {
	s := QueueStats{
		Pending:    counts[StatusPending],
		Processing: counts[StatusProcessing],
		Completed:  counts[StatusCompleted],
		Failed:     counts[StatusFailed],
	}
	s.Total = s.Pending + s.Processing + s.Completed + s.Failed
	return s
}

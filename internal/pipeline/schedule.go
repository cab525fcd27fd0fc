package pipeline

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/robfig/cron/v3"

	"insight-pipeline/internal/models"
	"insight-pipeline/internal/queue"
)

var cronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// ErrInvalidSchedule rejects schedules NextRun cannot parse.
var ErrInvalidSchedule = errors.New("invalid schedule")

// NextRun returns when a pipeline with the given schedule should run after from. Manual
// pipelines return nil. Named schedules are fixed intervals; anything else must be a
// five-field cron expression or a descriptor such as "@every 15m". Results are truncated
// to whole seconds.
func NextRun(schedule string, from time.Time) (*time.Time, error) {
	var next time.Time
	switch s := strings.TrimSpace(schedule); s {
	case "", models.ScheduleManual:
		return nil, nil
	case models.ScheduleHourly:
		next = from.Add(time.Hour)
	case models.ScheduleDaily:
		next = from.Add(24 * time.Hour)
	case models.ScheduleWeekly:
		next = from.Add(7 * 24 * time.Hour)
	default:
		sched, err := cronParser.Parse(s)
		if err != nil {
			return nil, fmt.Errorf("%w %q: %v", ErrInvalidSchedule, schedule, err)
		}
		next = sched.Next(from)
		if next.IsZero() {
			return nil, fmt.Errorf("%w %q: never fires", ErrInvalidSchedule, schedule)
		}
	}
	next = next.UTC().Truncate(time.Second)
	return &next, nil
}

// ValidateSchedule reports whether NextRun accepts schedule.
func ValidateSchedule(schedule string) error {
	_, err := NextRun(schedule, time.Now())
	return err
}

// ScheduleStore is the persistence Schedule needs.
type ScheduleStore interface {
	GetPipeline(ctx context.Context, id string) (models.Pipeline, error)
	SetSchedule(ctx context.Context, id, schedule string, next *time.Time) error
}

// Schedule sets a pipeline's schedule and enqueues its first scheduled run. The new
// next_run_at slot supersedes any earlier one, so runs queued for an older slot skip.
// A manual schedule clears the slot and enqueues nothing.
func Schedule(ctx context.Context, repo ScheduleStore, enq Enqueuer, pipelineID, workspaceID, schedule string, now time.Time) (models.Pipeline, error) {
	if err := ValidateSchedule(schedule); err != nil {
		return models.Pipeline{}, err
	}
	pl, err := repo.GetPipeline(ctx, pipelineID)
	if err != nil {
		return models.Pipeline{}, fmt.Errorf("load pipeline: %w", err)
	}
	if pl.WorkspaceID != workspaceID {
		return models.Pipeline{}, fmt.Errorf("%w: pipeline %s, workspace %s", ErrWorkspaceMismatch, pl.ID, workspaceID)
	}

	next, err := NextRun(schedule, now)
	if err != nil {
		return models.Pipeline{}, err
	}
	if next != nil {
		p := Payload{PipelineID: pl.ID, WorkspaceID: workspaceID, RunAt: next}
		if _, err := enq.Enqueue(ctx, JobName, p, queue.EnqueueOptions{ScheduledAt: *next}); err != nil {
			return models.Pipeline{}, fmt.Errorf("enqueue first run: %w", err)
		}
	}
	if err := repo.SetSchedule(ctx, pl.ID, schedule, next); err != nil {
		return models.Pipeline{}, fmt.Errorf("set schedule: %w", err)
	}
	pl.Schedule = strings.TrimSpace(schedule)
	pl.NextRunAt = next
	return pl, nil
}

// Package pipeline runs data pipelines as queue jobs: fetch rows through a connector,
// analyze them, ask the LLM for a narrative, persist a report and meter the work.
package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"insight-pipeline/internal/connector"
	"insight-pipeline/internal/insight"
	"insight-pipeline/internal/llm"
	"insight-pipeline/internal/models"
	"insight-pipeline/internal/notify"
	"insight-pipeline/internal/queue"
	"insight-pipeline/internal/telemetry"
)

// JobName is the queue name the orchestrator is registered under.
const JobName = "pipeline-process"

const (
	DefaultReportSampleRows = 200
	DefaultPromptSampleRows = insight.DefaultSampleRows
)

var (
	// ErrInvalidPayload rejects jobs without a pipeline or workspace id.
	ErrInvalidPayload = errors.New("invalid pipeline job payload")
	// ErrWorkspaceMismatch rejects jobs whose workspace does not own the pipeline.
	ErrWorkspaceMismatch = errors.New("pipeline does not belong to workspace")
)

// Payload is the job payload of JobName.
type Payload struct {
	PipelineID  string `json:"pipelineId"`
	WorkspaceID string `json:"workspaceId"`
	// RunAt is set on scheduled runs to the next_run_at slot they were enqueued for.
	// Manual runs leave it nil and never enqueue a successor.
	RunAt *time.Time `json:"runAt,omitempty"`
}

func (p Payload) scheduled() bool { return p.RunAt != nil }

// Result is stored as the job result of a finished run.
type Result struct {
	ReportID   string     `json:"reportId,omitempty"`
	Rows       int        `json:"rows"`
	ArchiveURL string     `json:"archiveUrl,omitempty"`
	NextRunAt  *time.Time `json:"nextRunAt,omitempty"`
	Skipped    bool       `json:"skipped,omitempty"`
}

// Repository is the persistence the orchestrator needs.
type Repository interface {
	GetPipeline(ctx context.Context, id string) (models.Pipeline, error)
	GetDataSource(ctx context.Context, id string) (models.DataSource, error)
	TouchDataSource(ctx context.Context, id string, syncedAt time.Time) error
	CreateReport(ctx context.Context, r models.Report) (models.Report, error)
	MarkPipelineRun(ctx context.Context, id, status string, ranAt time.Time) error
	// AdvanceSchedule sets next_run_at to next only while it still equals from, and
	// reports whether it did.
	AdvanceSchedule(ctx context.Context, id string, from time.Time, next *time.Time) (bool, error)
}

// Connectors builds connectors from stored data source configs.
type Connectors interface {
	Create(typ string, raw json.RawMessage) (connector.Connector, error)
}

// Tracker records usage without reporting failures.
type Tracker interface {
	Track(ctx context.Context, workspaceID, typ string, quantity int64, metadata map[string]any)
}

// Enqueuer schedules follow-up runs.
type Enqueuer interface {
	Enqueue(ctx context.Context, name string, payload any, opts queue.EnqueueOptions) (models.Job, error)
}

// Archiver stores the full dataset of a run.
type Archiver interface {
	Archive(ctx context.Context, workspaceID, pipelineID string, at time.Time, ds models.Dataset) (string, error)
}

// Deps are the orchestrator's collaborators. Archiver, Events and Enqueuer are optional.
type Deps struct {
	Repo       Repository
	Connectors Connectors
	LLM        llm.Chatter
	Usage      Tracker
	Archiver   Archiver
	Events     notify.Publisher
	Enqueuer   Enqueuer
}

// Config bounds how much data is copied into prompts and reports.
type Config struct {
	ReportSampleRows int
	PromptSampleRows int
}

// Orchestrator is the JobName handler.
type Orchestrator struct {
	deps Deps
	cfg  Config
	log  *slog.Logger
	now  func() time.Time
}

// New wires an orchestrator. Zero config values select the defaults.
func New(deps Deps, cfg Config, logger *slog.Logger) *Orchestrator {
	if cfg.ReportSampleRows <= 0 {
		cfg.ReportSampleRows = DefaultReportSampleRows
	}
	if cfg.PromptSampleRows <= 0 {
		cfg.PromptSampleRows = DefaultPromptSampleRows
	}
	if deps.Events == nil {
		deps.Events = notify.Noop{}
	}
	if logger == nil {
		logger = telemetry.Discard()
	}
	return &Orchestrator{deps: deps, cfg: cfg, log: logger, now: time.Now}
}

// Register installs the orchestrator on a scheduler, together with the failure hook that
// keeps a schedule alive when one of its runs fails for good.
func (o *Orchestrator) Register(s *queue.Scheduler) error {
	if err := s.Register(JobName, o.Handle); err != nil {
		return err
	}
	s.OnFailed(o.HandleFailure)
	return nil
}

// Handle runs one pipeline. Every error is returned to the scheduler, which owns the retry
// decision; usage tracking and event publishing never fail a run.
func (o *Orchestrator) Handle(ctx context.Context, job models.Job) (any, error) {
	var p Payload
	if err := json.Unmarshal(job.Payload, &p); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	if p.PipelineID == "" || p.WorkspaceID == "" {
		return nil, fmt.Errorf("%w: pipelineId and workspaceId are required", ErrInvalidPayload)
	}
	log := o.log.With("job_id", job.ID, "pipeline_id", p.PipelineID, "workspace_id", p.WorkspaceID)
	log.Info("pipeline run starting", "attempt", job.Attempts)

	pl, err := o.deps.Repo.GetPipeline(ctx, p.PipelineID)
	if err != nil {
		return nil, fmt.Errorf("load pipeline: %w", err)
	}
	if pl.WorkspaceID != p.WorkspaceID {
		return nil, fmt.Errorf("%w: pipeline %s, workspace %s", ErrWorkspaceMismatch, pl.ID, p.WorkspaceID)
	}
	if p.scheduled() && !ownsSlot(pl, *p.RunAt) {
		log.Info("schedule slot already taken, skipping run", "run_at", *p.RunAt)
		return Result{Skipped: true}, nil
	}
	if pl.Status == models.PipelinePaused {
		log.Info("pipeline paused, skipping run")
		var next *time.Time
		if p.scheduled() {
			next = o.advance(ctx, log, pl, p, o.now().UTC())
		}
		return Result{Skipped: true, NextRunAt: next}, nil
	}

	src, err := o.deps.Repo.GetDataSource(ctx, pl.DataSourceID)
	if err != nil {
		return nil, fmt.Errorf("load data source: %w", err)
	}
	if src.WorkspaceID != "" && src.WorkspaceID != p.WorkspaceID {
		return nil, fmt.Errorf("%w: data source %s", ErrWorkspaceMismatch, src.ID)
	}

	conn, err := o.deps.Connectors.Create(src.Type, src.Config)
	if err != nil {
		return nil, fmt.Errorf("create connector: %w", err)
	}
	ds, err := connector.Execute(ctx, conn)
	if err != nil {
		return nil, err
	}
	log.Info("fetched rows", "connector", src.Type, "rows", ds.Len())

	runAt := o.now().UTC()
	if err := o.deps.Repo.TouchDataSource(ctx, src.ID, runAt); err != nil {
		log.Warn("failed to record data source sync", "error", err)
	}
	o.track(ctx, p, models.UsageRowProcessed, int64(ds.Len()), nil)

	analysis := insight.BuildPayload(ds, o.cfg.PromptSampleRows)
	prompt, err := insight.BuildPrompt(analysis, pl.Config.AIPrompt)
	if err != nil {
		return nil, fmt.Errorf("build prompt: %w", err)
	}

	reply, err := o.deps.LLM.Chat(ctx, []llm.Message{
		{Role: "system", Content: prompt.System},
		{Role: "user", Content: prompt.User},
	})
	if err != nil {
		return nil, fmt.Errorf("llm chat: %w", err)
	}
	o.track(ctx, p, models.UsageAIRequest, 1, map[string]any{
		"promptTokens":     reply.PromptTokens,
		"completionTokens": reply.CompletionTokens,
		"fromCache":        reply.FromCache,
	})

	var archiveURL string
	if o.deps.Archiver != nil {
		archiveURL, err = o.deps.Archiver.Archive(ctx, p.WorkspaceID, pl.ID, runAt, ds)
		if err != nil {
			return nil, err
		}
	}

	insights, err := reportInsights(reply.Content, analysis)
	if err != nil {
		return nil, err
	}
	report, err := o.deps.Repo.CreateReport(ctx, models.Report{
		WorkspaceID: p.WorkspaceID,
		PipelineID:  pl.ID,
		Title:       fmt.Sprintf("Report: %s - %s", pl.Name, runAt.Format("2006-01-02")),
		Data:        ds.Head(o.cfg.ReportSampleRows),
		Insights:    insights,
		Status:      models.ReportPublished,
		ArchiveURL:  archiveURL,
	})
	if err != nil {
		return nil, fmt.Errorf("create report: %w", err)
	}
	o.track(ctx, p, models.UsagePipelineRun, 1, nil)

	if err := o.deps.Repo.MarkPipelineRun(ctx, pl.ID, models.PipelineActive, runAt); err != nil {
		return nil, fmt.Errorf("mark pipeline run: %w", err)
	}

	o.publish(ctx, log, notify.Event{
		Type:        notify.EventReportPublished,
		JobID:       job.ID,
		JobName:     job.Name,
		WorkspaceID: p.WorkspaceID,
		PipelineID:  pl.ID,
		ReportID:    report.ID,
		OccurredAt:  runAt,
	})
	var next *time.Time
	if p.scheduled() {
		next = o.advance(ctx, log, pl, p, runAt)
	}

	log.Info("pipeline run completed", "report_id", report.ID)
	return Result{ReportID: report.ID, Rows: ds.Len(), ArchiveURL: archiveURL, NextRunAt: next}, nil
}

func reportInsights(summary string, analysis insight.Payload) (models.ReportInsights, error) {
	kpis, err := json.Marshal(analysis.KPIs)
	if err != nil {
		return models.ReportInsights{}, fmt.Errorf("marshal kpis: %w", err)
	}
	trends, err := json.Marshal(analysis.Trends)
	if err != nil {
		return models.ReportInsights{}, fmt.Errorf("marshal trends: %w", err)
	}
	anomalies, err := json.Marshal(analysis.Anomalies)
	if err != nil {
		return models.ReportInsights{}, fmt.Errorf("marshal anomalies: %w", err)
	}
	return models.ReportInsights{Summary: summary, KPIs: kpis, Trends: trends, Anomalies: anomalies}, nil
}

func (o *Orchestrator) track(ctx context.Context, p Payload, typ string, qty int64, extra map[string]any) {
	if o.deps.Usage == nil {
		return
	}
	metadata := map[string]any{"pipelineId": p.PipelineID}
	for k, v := range extra {
		metadata[k] = v
	}
	o.deps.Usage.Track(ctx, p.WorkspaceID, typ, qty, metadata)
}

func (o *Orchestrator) publish(ctx context.Context, log *slog.Logger, ev notify.Event) {
	if err := o.deps.Events.Publish(ctx, ev); err != nil {
		log.Warn("failed to publish event", "event", ev.Type, "error", err)
	}
}

// HandleFailure keeps the schedule of a scheduled run that failed for good: the slot the
// run owned is advanced and the successor enqueued, as after a successful run.
func (o *Orchestrator) HandleFailure(ctx context.Context, job models.Job, cause error) {
	if job.Name != JobName {
		return
	}
	var p Payload
	if err := json.Unmarshal(job.Payload, &p); err != nil || !p.scheduled() {
		return
	}
	log := o.log.With("job_id", job.ID, "pipeline_id", p.PipelineID, "workspace_id", p.WorkspaceID)
	pl, err := o.deps.Repo.GetPipeline(ctx, p.PipelineID)
	if err != nil {
		log.Warn("cannot reschedule failed run", "error", err)
		return
	}
	if pl.WorkspaceID != p.WorkspaceID || !ownsSlot(pl, *p.RunAt) {
		return
	}
	log.Warn("scheduled run failed, moving to next slot", "error", cause)
	o.advance(ctx, log, pl, p, o.now().UTC())
}

func ownsSlot(pl models.Pipeline, slot time.Time) bool {
	return pl.NextRunAt != nil && pl.NextRunAt.Equal(slot)
}

// advance moves the pipeline from the slot p ran for to the next one and enqueues the run
// for it. The successor is enqueued before the slot moves: if the move then loses, the
// successor finds the slot taken and skips. Errors are logged, never returned.
func (o *Orchestrator) advance(ctx context.Context, log *slog.Logger, pl models.Pipeline, p Payload, from time.Time) *time.Time {
	next, err := NextRun(pl.Schedule, from)
	if err != nil {
		log.Warn("not rescheduling pipeline", "schedule", pl.Schedule, "error", err)
	}
	if next != nil && o.deps.Enqueuer != nil {
		succ := Payload{PipelineID: p.PipelineID, WorkspaceID: p.WorkspaceID, RunAt: next}
		job, err := o.deps.Enqueuer.Enqueue(ctx, JobName, succ, queue.EnqueueOptions{ScheduledAt: *next})
		if err != nil {
			log.Error("failed to schedule next run", "next_run_at", *next, "error", err)
			return nil
		}
		log.Info("next run scheduled", "next_job_id", job.ID, "next_run_at", *next)
	}
	moved, err := o.deps.Repo.AdvanceSchedule(ctx, pl.ID, *p.RunAt, next)
	if err != nil {
		log.Error("failed to advance schedule", "error", err)
		return nil
	}
	if !moved {
		log.Warn("schedule slot moved concurrently", "run_at", *p.RunAt)
		return nil
	}
	return next
}

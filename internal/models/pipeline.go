package models

import (
	"encoding/json"
	"time"
)

// Data source types understood by the connector registry.
const (
	SourceCSV          = "csv"
	SourceGoogleSheets = "google_sheets"
	SourceRESTAPI      = "rest_api"
)

// Pipeline schedule modes. Any other value is treated as a cron expression.
const (
	ScheduleManual = "manual"
	ScheduleHourly = "hourly"
	ScheduleDaily  = "daily"
	ScheduleWeekly = "weekly"
)

// Pipeline statuses.
const (
	PipelineActive  = "active"
	PipelinePaused  = "paused"
	PipelineRunning = "running"
	PipelineFailed  = "failed"
)

// ReportPublished is the status every pipeline-generated report carries.
const ReportPublished = "published"

// DataSource describes where a pipeline reads its rows from. Config is connector specific.
type DataSource struct {
	ID          string          `json:"id"`
	WorkspaceID string          `json:"workspace_id"`
	Name        string          `json:"name"`
	Type        string          `json:"type"`
	Config      json.RawMessage `json:"config"`
	Status      string          `json:"status"`
	LastSyncAt  *time.Time      `json:"last_sync_at,omitempty"`
}

// PipelineConfig is the free-form pipeline configuration.
type PipelineConfig struct {
	AIPrompt            string          `json:"aiPrompt,omitempty"`
	TransformationRules json.RawMessage `json:"transformationRules,omitempty"`
}

// Pipeline binds one data source to a schedule.
type Pipeline struct {
	ID           string         `json:"id"`
	WorkspaceID  string         `json:"workspace_id"`
	Name         string         `json:"name"`
	DataSourceID string         `json:"data_source_id"`
	Schedule     string         `json:"schedule"`
	Status       string         `json:"status"`
	LastRunAt    *time.Time     `json:"last_run_at,omitempty"`
	NextRunAt    *time.Time     `json:"next_run_at,omitempty"`
	Config       PipelineConfig `json:"config"`
}

// ReportInsights holds the LLM summary next to the computed analysis.
type ReportInsights struct {
	Summary   string          `json:"summary"`
	KPIs      json.RawMessage `json:"kpis"`
	Trends    json.RawMessage `json:"trends"`
	Anomalies json.RawMessage `json:"anomalies"`
}

// Report is the immutable output of one successful pipeline run.
type Report struct {
	ID          string         `json:"id"`
	WorkspaceID string         `json:"workspace_id"`
	PipelineID  string         `json:"pipeline_id"`
	Title       string         `json:"title"`
	Data        []Row          `json:"data"`
	Insights    ReportInsights `json:"insights"`
	Status      string         `json:"status"`
	ArchiveURL  string         `json:"archive_url,omitempty"`
	CreatedAt   time.Time      `json:"created_at"`
}

// Usage event kinds.
const (
	UsageRowProcessed = "row_processed"
	UsageAIRequest    = "ai_request"
	UsagePipelineRun  = "pipeline_run"
)

// UsageEvent is one metered unit of workspace consumption.
type UsageEvent struct {
	ID          string         `json:"id"`
	WorkspaceID string         `json:"workspace_id"`
	Type        string         `json:"type"`
	Quantity    int64          `json:"quantity"`
	Metadata    map[string]any `json:"metadata,omitempty"`
	CreatedAt   time.Time      `json:"created_at"`
}

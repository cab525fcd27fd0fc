// Package usage records metered workspace consumption.
package usage

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"insight-pipeline/internal/models"
	"insight-pipeline/internal/telemetry"
)

// Sink persists usage events and aggregates them.
type Sink interface {
	InsertUsage(ctx context.Context, ev models.UsageEvent) error
	UsageTotals(ctx context.Context, workspaceID string, since time.Time) (map[string]int64, error)
}

// Types lists every usage kind reported by CurrentUsage.
var Types = []string{models.UsageAIRequest, models.UsageRowProcessed, models.UsagePipelineRun}

// Meter is a fire-and-forget front for a Sink.
type Meter struct {
	sink Sink
	log  *slog.Logger
	now  func() time.Time
}

// NewMeter returns a meter writing to sink.
func NewMeter(sink Sink, logger *slog.Logger) *Meter {
	if logger == nil {
		logger = telemetry.Discard()
	}
	return &Meter{sink: sink, log: logger, now: time.Now}
}

// Track records one event. Failures are logged and counted, never returned.
func (m *Meter) Track(ctx context.Context, workspaceID, typ string, quantity int64, metadata map[string]any) {
	ev := models.UsageEvent{
		WorkspaceID: workspaceID,
		Type:        typ,
		Quantity:    quantity,
		Metadata:    metadata,
		CreatedAt:   m.now().UTC(),
	}
	if err := m.sink.InsertUsage(ctx, ev); err != nil {
		telemetry.UsageFailures.Inc()
		m.log.Error("failed to track usage", "workspace_id", workspaceID, "type", typ, "error", err)
		return
	}
	telemetry.UsageEvents.WithLabelValues(typ).Add(float64(quantity))
	m.log.Debug("usage tracked", "workspace_id", workspaceID, "type", typ, "quantity", quantity)
}

// CurrentUsage totals the workspace's usage for the current calendar month (UTC). Every
// known type is present, defaulting to zero.
func (m *Meter) CurrentUsage(ctx context.Context, workspaceID string) (map[string]int64, error) {
	totals, err := m.sink.UsageTotals(ctx, workspaceID, StartOfMonth(m.now()))
	if err != nil {
		return nil, fmt.Errorf("usage totals: %w", err)
	}
	usage := make(map[string]int64, len(Types))
	for _, typ := range Types {
		usage[typ] = 0
	}
	for typ, n := range totals {
		usage[typ] = n
	}
	return usage, nil
}

// StartOfMonth returns midnight UTC on the first day of t's month.
func StartOfMonth(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, time.UTC)
}

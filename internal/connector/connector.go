// Package connector adapts heterogeneous data sources to one four-stage contract:
// Connect, Fetch, Validate and Transform. Each stage fails independently and Execute
// reports which one did.
package connector

import (
	"context"
	"sort"

	"insight-pipeline/internal/models"
	"insight-pipeline/internal/telemetry"
)

// Stage names reported by StageError.
const (
	StageConnect   = "connect"
	StageFetch     = "fetch"
	StageValidate  = "validate"
	StageTransform = "transform"
)

// Connector is implemented once per data source kind.
type Connector interface {
	// Type is the registry key, matching DataSource.Type.
	Type() string
	// Connect checks config shape and credentials before any I/O.
	Connect(ctx context.Context) error
	// Fetch retrieves the raw payload.
	Fetch(ctx context.Context) (any, error)
	// Validate checks the raw payload's structure.
	Validate(raw any) error
	// Transform normalizes the raw payload into rows sharing one column set.
	Transform(raw any) (models.Dataset, error)
}

// Execute runs the four stages in order and stops at the first failure.
func Execute(ctx context.Context, c Connector) (models.Dataset, error) {
	fail := func(stage string, err error) (models.Dataset, error) {
		telemetry.ConnectorErrors.WithLabelValues(c.Type(), stage).Inc()
		return models.Dataset{}, &StageError{Stage: stage, Connector: c.Type(), Err: err}
	}

	if err := c.Connect(ctx); err != nil {
		return fail(StageConnect, err)
	}
	raw, err := c.Fetch(ctx)
	if err != nil {
		return fail(StageFetch, err)
	}
	if err := c.Validate(raw); err != nil {
		return fail(StageValidate, err)
	}
	ds, err := c.Transform(raw)
	if err != nil {
		return fail(StageTransform, err)
	}
	telemetry.ConnectorRows.WithLabelValues(c.Type()).Add(float64(ds.Len()))
	return ds, nil
}

// normalize builds a dataset whose rows all carry every column. Columns keep first-seen
// order; keys new to a row are taken in sorted order since maps carry none.
func normalize(records []map[string]any) models.Dataset {
	var columns []string
	seen := map[string]struct{}{}
	for _, rec := range records {
		keys := make([]string, 0, len(rec))
		for k := range rec {
			if _, ok := seen[k]; !ok {
				keys = append(keys, k)
			}
		}
		sort.Strings(keys)
		for _, k := range keys {
			seen[k] = struct{}{}
			columns = append(columns, k)
		}
	}

	rows := make([]models.Row, len(records))
	for i, rec := range records {
		row := make(models.Row, len(columns))
		for _, col := range columns {
			row[col] = rec[col]
		}
		rows[i] = row
	}
	return models.Dataset{Columns: columns, Rows: rows}
}

// Package insight computes a statistical summary of a dataset (column types, KPIs, trends
// and anomalies) and renders it into an LLM prompt. Everything here is pure computation.
package insight

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/araddon/dateparse"

	"insight-pipeline/internal/models"
)

// ColumnType is the inferred kind of a column.
type ColumnType string

const (
	Numeric     ColumnType = "numeric"
	Date        ColumnType = "date"
	Categorical ColumnType = "categorical"
)

// classifyThreshold is the share of non-null values that must coerce for a type to win.
const classifyThreshold = 0.6

// ColumnMeta describes one column.
type ColumnMeta struct {
	Name        string     `json:"name"`
	Type        ColumnType `json:"type"`
	NonNull     int        `json:"nonNull"`
	UniqueCount int        `json:"uniqueCount"`
	NullCount   int        `json:"nullCount"`
}

// ClassifyColumns labels each column numeric when more than 60% of its non-null values
// are numbers, otherwise date when more than 60% parse as dates, otherwise categorical.
func ClassifyColumns(rows []models.Row, columns []string) []ColumnMeta {
	meta := make([]ColumnMeta, 0, len(columns))
	for _, col := range columns {
		values := present(rows, col)

		numeric, dates := 0, 0
		unique := make(map[string]struct{}, len(values))
		for _, v := range values {
			if _, ok := toNumber(v); ok {
				numeric++
			}
			if isDate(v) {
				dates++
			}
			unique[valueKey(v)] = struct{}{}
		}

		threshold := float64(len(values)) * classifyThreshold
		typ := Categorical
		switch {
		case float64(numeric) > threshold:
			typ = Numeric
		case float64(dates) > threshold:
			typ = Date
		}
		meta = append(meta, ColumnMeta{
			Name:        col,
			Type:        typ,
			NonNull:     len(values),
			UniqueCount: len(unique),
			NullCount:   len(rows) - len(values),
		})
	}
	return meta
}

// present returns the column's non-null, non-empty values in row order.
func present(rows []models.Row, col string) []any {
	values := make([]any, 0, len(rows))
	for _, row := range rows {
		v, ok := row[col]
		if !ok || isNull(v) {
			continue
		}
		values = append(values, v)
	}
	return values
}

func isNull(v any) bool {
	switch t := v.(type) {
	case nil:
		return true
	case string:
		return t == ""
	}
	return false
}

// indexedValue is a numeric cell with its row position.
type indexedValue struct {
	row   int
	value float64
}

// numericSeries returns the coercible numeric values of col with their row indexes.
func numericSeries(rows []models.Row, col string) []indexedValue {
	series := make([]indexedValue, 0, len(rows))
	for i, row := range rows {
		v, ok := row[col]
		if !ok || isNull(v) {
			continue
		}
		if n, ok := toNumber(v); ok {
			series = append(series, indexedValue{row: i, value: n})
		}
	}
	return series
}

// toNumber coerces JSON numbers, Go numeric types and numeric strings. NaN and infinities
// are rejected.
func toNumber(v any) (float64, bool) {
	var f float64
	switch t := v.(type) {
	case float64:
		f = t
	case float32:
		f = float64(t)
	case int:
		f = float64(t)
	case int32:
		f = float64(t)
	case int64:
		f = float64(t)
	case uint:
		f = float64(t)
	case uint32:
		f = float64(t)
	case uint64:
		f = float64(t)
	case json.Number:
		parsed, err := t.Float64()
		if err != nil {
			return 0, false
		}
		f = parsed
	case string:
		s := strings.TrimSpace(t)
		if s == "" {
			return 0, false
		}
		parsed, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return 0, false
		}
		f = parsed
	default:
		return 0, false
	}
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, false
	}
	return f, true
}

func isDate(v any) bool {
	switch t := v.(type) {
	case time.Time:
		return !t.IsZero()
	case string:
		s := strings.TrimSpace(t)
		if s == "" {
			return false
		}
		_, err := dateparse.ParseAny(s)
		return err == nil
	}
	return false
}

func valueKey(v any) string {
	if s, ok := v.(string); ok {
		return s
	}
	if n, ok := toNumber(v); ok {
		return strconv.FormatFloat(n, 'f', -1, 64)
	}
	return fmt.Sprint(v)
}

func round(v float64, places int) float64 {
	p := math.Pow(10, float64(places))
	return math.Round(v*p) / p
}

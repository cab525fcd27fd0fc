package insight

import (
	"math"
	"sort"

	"insight-pipeline/internal/models"
)

const topValueCount = 5

// NumericSummary holds descriptive statistics for a numeric column.
type NumericSummary struct {
	Min    float64 `json:"min"`
	Max    float64 `json:"max"`
	Avg    float64 `json:"avg"`
	Median float64 `json:"median"`
	Sum    float64 `json:"sum"`
	StdDev float64 `json:"stdDev"`
}

// ValueCount is one entry of a frequency table.
type ValueCount struct {
	Value string `json:"value"`
	Count int    `json:"count"`
}

// CategorySummary holds the frequency profile of a categorical or date column.
type CategorySummary struct {
	UniqueCount int          `json:"uniqueCount"`
	TopValues   []ValueCount `json:"topValues"`
}

// KPI is the per-column summary. Exactly one of the embedded summaries is set.
type KPI struct {
	*NumericSummary
	*CategorySummary
}

// ExtractKPIs summarizes every classified column. Numeric columns with no coercible values
// are skipped.
func ExtractKPIs(rows []models.Row, columns []ColumnMeta) map[string]KPI {
	kpis := make(map[string]KPI, len(columns))
	for _, col := range columns {
		if col.Type == Numeric {
			series := numericSeries(rows, col.Name)
			if len(series) == 0 {
				continue
			}
			values := make([]float64, len(series))
			for i, s := range series {
				values[i] = s.value
			}
			kpis[col.Name] = KPI{NumericSummary: summarize(values)}
			continue
		}
		kpis[col.Name] = KPI{CategorySummary: frequencies(present(rows, col.Name))}
	}
	return kpis
}

func summarize(values []float64) *NumericSummary {
	sorted := append([]float64(nil), values...)
	sort.Float64s(sorted)

	var sum float64
	for _, v := range values {
		sum += v
	}
	n := float64(len(values))
	avg := sum / n

	var sq float64
	for _, v := range values {
		sq += (v - avg) * (v - avg)
	}

	return &NumericSummary{
		Min:    sorted[0],
		Max:    sorted[len(sorted)-1],
		Avg:    round(avg, 2),
		Median: median(sorted),
		Sum:    round(sum, 2),
		StdDev: round(math.Sqrt(sq/n), 2),
	}
}

// median expects sorted input. An even-length median is the rounded mean of the middle pair.
func median(sorted []float64) float64 {
	mid := len(sorted) / 2
	if len(sorted)%2 == 0 {
		return round((sorted[mid-1]+sorted[mid])/2, 2)
	}
	return sorted[mid]
}

func frequencies(values []any) *CategorySummary {
	counts := make(map[string]int, len(values))
	var order []string
	for _, v := range values {
		key := valueKey(v)
		if _, seen := counts[key]; !seen {
			order = append(order, key)
		}
		counts[key]++
	}

	top := make([]ValueCount, 0, len(order))
	for _, key := range order {
		top = append(top, ValueCount{Value: key, Count: counts[key]})
	}
	sort.SliceStable(top, func(i, j int) bool { return top[i].Count > top[j].Count })
	if len(top) > topValueCount {
		top = top[:topValueCount]
	}
	return &CategorySummary{UniqueCount: len(order), TopValues: top}
}

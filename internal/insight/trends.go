package insight

import (
	"math"
	"sort"

	"insight-pipeline/internal/models"
)

const (
	minTrendPoints   = 5
	trendThreshold   = 0.005
	minAnomalyPoints = 10
	zScoreThreshold  = 2.5
	maxAnomalies     = 20
)

// Direction of a detected trend.
const (
	Increasing = "increasing"
	Decreasing = "decreasing"
)

// Trend is a significant linear drift in a numeric column.
type Trend struct {
	Column          string  `json:"column"`
	Direction       string  `json:"direction"`
	Slope           float64 `json:"slope"`
	NormalizedSlope float64 `json:"normalizedSlope"`
}

// Anomaly is a single value far from its column mean.
type Anomaly struct {
	Column   string  `json:"column"`
	RowIndex int     `json:"rowIndex"`
	Value    float64 `json:"value"`
	ZScore   float64 `json:"zScore"`
}

// DetectTrends fits a least-squares line of value against row index for every numeric
// column with at least five values, and reports it when |slope / mean| exceeds 0.5%.
func DetectTrends(rows []models.Row, columns []ColumnMeta) []Trend {
	trends := []Trend{}
	for _, col := range columns {
		if col.Type != Numeric {
			continue
		}
		series := numericSeries(rows, col.Name)
		if len(series) < minTrendPoints {
			continue
		}

		n := float64(len(series))
		var sumX, sumY, sumXY, sumXX float64
		for _, p := range series {
			x := float64(p.row)
			sumX += x
			sumY += p.value
			sumXY += x * p.value
			sumXX += x * x
		}
		denom := n*sumXX - sumX*sumX
		if denom == 0 {
			continue
		}
		slope := (n*sumXY - sumX*sumY) / denom
		avgY := sumY / n
		if avgY == 0 {
			continue
		}
		normalized := slope / avgY
		if math.Abs(normalized) <= trendThreshold {
			continue
		}

		direction := Increasing
		if slope < 0 {
			direction = Decreasing
		}
		trends = append(trends, Trend{
			Column:          col.Name,
			Direction:       direction,
			Slope:           slope,
			NormalizedSlope: round(normalized, 4),
		})
	}
	return trends
}

// DetectAnomalies flags values whose population z-score exceeds 2.5 in numeric columns
// with at least ten values. The result is ordered by |z| descending and capped at 20.
func DetectAnomalies(rows []models.Row, columns []ColumnMeta) []Anomaly {
	type candidate struct {
		Anomaly
		z float64
	}
	var found []candidate
	for _, col := range columns {
		if col.Type != Numeric {
			continue
		}
		series := numericSeries(rows, col.Name)
		if len(series) < minAnomalyPoints {
			continue
		}

		n := float64(len(series))
		var sum float64
		for _, p := range series {
			sum += p.value
		}
		mean := sum / n
		var sq float64
		for _, p := range series {
			sq += (p.value - mean) * (p.value - mean)
		}
		std := math.Sqrt(sq / n)
		if std == 0 {
			continue
		}

		for _, p := range series {
			z := (p.value - mean) / std
			if math.Abs(z) > zScoreThreshold {
				found = append(found, candidate{
					Anomaly: Anomaly{Column: col.Name, RowIndex: p.row, Value: p.value},
					z:       z,
				})
			}
		}
	}

	// Rank on the unrounded score.
	sort.SliceStable(found, func(i, j int) bool {
		return math.Abs(found[i].z) > math.Abs(found[j].z)
	})
	if len(found) > maxAnomalies {
		found = found[:maxAnomalies]
	}
	anomalies := make([]Anomaly, 0, len(found))
	for _, c := range found {
		c.Anomaly.ZScore = round(c.z, 2)
		anomalies = append(anomalies, c.Anomaly)
	}
	return anomalies
}

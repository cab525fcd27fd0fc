package insight

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"insight-pipeline/internal/models"
)

// DefaultSampleRows is the number of rows embedded in the prompt when none is configured.
const DefaultSampleRows = 5

// SystemInstruction is the fixed instruction sent with every analysis prompt.
const SystemInstruction = "You are a senior data analyst. Analyze the structured dataset summary below and respond " +
	"STRICTLY in JSON with keys: summary, key_findings (array), recommendations (array), " +
	"suggested_charts (array of {type, title, x_axis, y_axis})."

const defaultQuestion = "Provide a comprehensive analysis with key insights, trends, and actionable recommendations."

// Payload is the analysis handed to the LLM and persisted with the report.
type Payload struct {
	RowCount    int            `json:"rowCount"`
	ColumnCount int            `json:"columnCount"`
	Columns     []ColumnMeta   `json:"columns"`
	KPIs        map[string]KPI `json:"kpis"`
	Trends      []Trend        `json:"trends"`
	Anomalies   []Anomaly      `json:"anomalies"`
	SampleRows  []models.Row   `json:"sampleRows"`
}

// BuildPayload runs every analysis over ds. sampleRows <= 0 selects DefaultSampleRows.
func BuildPayload(ds models.Dataset, sampleRows int) Payload {
	if ds.Len() == 0 {
		return Payload{
			Columns:    []ColumnMeta{},
			KPIs:       map[string]KPI{},
			Trends:     []Trend{},
			Anomalies:  []Anomaly{},
			SampleRows: []models.Row{},
		}
	}
	if sampleRows <= 0 {
		sampleRows = DefaultSampleRows
	}

	columns := ClassifyColumns(ds.Rows, ds.Columns)
	return Payload{
		RowCount:    ds.Len(),
		ColumnCount: len(ds.Columns),
		Columns:     columns,
		KPIs:        ExtractKPIs(ds.Rows, columns),
		Trends:      DetectTrends(ds.Rows, columns),
		Anomalies:   DetectAnomalies(ds.Rows, columns),
		SampleRows:  ds.Head(sampleRows),
	}
}

// Prompt is the system/user message pair for one analysis request.
type Prompt struct {
	System string
	User   string
}

// BuildPrompt renders the payload as markdown sections followed by the question. An empty
// question asks for a general analysis.
func BuildPrompt(p Payload, question string) (Prompt, error) {
	kpis, err := json.MarshalIndent(p.KPIs, "", "  ")
	if err != nil {
		return Prompt{}, fmt.Errorf("marshal kpis: %w", err)
	}
	sample, err := json.MarshalIndent(p.SampleRows, "", "  ")
	if err != nil {
		return Prompt{}, fmt.Errorf("marshal sample rows: %w", err)
	}

	sections := []string{
		fmt.Sprintf("## Dataset Overview\n- Rows: %d\n- Columns: %d", p.RowCount, p.ColumnCount),
		"## KPIs\n" + string(kpis),
	}

	if len(p.Trends) > 0 {
		lines := make([]string, len(p.Trends))
		for i, t := range p.Trends {
			lines[i] = fmt.Sprintf("- %s: %s (slope: %.4f)", t.Column, t.Direction, t.Slope)
		}
		sections = append(sections, "## Detected Trends\n"+strings.Join(lines, "\n"))
	}

	if len(p.Anomalies) > 0 {
		lines := make([]string, len(p.Anomalies))
		for i, a := range p.Anomalies {
			lines[i] = fmt.Sprintf("- %s row %d: value %s (z-score: %.2f)",
				a.Column, a.RowIndex, strconv.FormatFloat(a.Value, 'f', -1, 64), a.ZScore)
		}
		sections = append(sections, "## Anomalies Detected\n"+strings.Join(lines, "\n"))
	}

	sections = append(sections, "## Sample Data\n```json\n"+string(sample)+"\n```")

	q := strings.TrimSpace(question)
	if q == "" {
		q = defaultQuestion
	} else {
		q = "User Question: " + q
	}

	return Prompt{
		System: SystemInstruction,
		User:   strings.Join(sections, "\n\n") + "\n\n" + q,
	}, nil
}

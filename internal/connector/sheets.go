package connector

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"insight-pipeline/internal/models"
)

// DefaultSheetsBaseURL is the Google Sheets values API root.
const DefaultSheetsBaseURL = "https://sheets.googleapis.com/v4/spreadsheets"

// Sheets reads a spreadsheet range as a 2-D array whose first row is the header.
type Sheets struct {
	cfg  SheetsConfig
	opts Options
}

// NewSheets builds a spreadsheet connector.
func NewSheets(cfg SheetsConfig, opts Options) *Sheets {
	if cfg.Range == "" {
		cfg.Range = "Sheet1"
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultSheetsBaseURL
	}
	return &Sheets{cfg: cfg, opts: opts.withDefaults()}
}

func (s *Sheets) Type() string { return models.SourceGoogleSheets }

func (s *Sheets) Connect(context.Context) error {
	if s.cfg.Sheet() == "" {
		return &ConfigurationError{Connector: s.Type(), Msg: "spreadsheet id is required"}
	}
	if s.cfg.APIKey == "" && s.cfg.AccessToken == "" {
		return &ConfigurationError{Connector: s.Type(), Msg: "either apiKey or accessToken is required"}
	}
	if _, err := url.ParseRequestURI(s.cfg.BaseURL); err != nil {
		return &ConfigurationError{Connector: s.Type(), Msg: "invalid base url", Err: err}
	}
	return nil
}

// Fetch returns the range values as [][]any; an absent values field yields an empty grid.
func (s *Sheets) Fetch(ctx context.Context) (any, error) {
	ctx, cancel := context.WithTimeout(ctx, s.opts.Timeout)
	defer cancel()

	endpoint := fmt.Sprintf("%s/%s/values/%s",
		strings.TrimRight(s.cfg.BaseURL, "/"), url.PathEscape(s.cfg.Sheet()), url.PathEscape(s.cfg.Range))
	if s.cfg.APIKey != "" {
		endpoint += "?" + url.Values{"key": {s.cfg.APIKey}}.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, &FetchError{Connector: s.Type(), Err: fmt.Errorf("build request: %w", err)}
	}
	req.Header.Set("Content-Type", "application/json")
	if s.cfg.AccessToken != "" {
		req.Header.Set("Authorization", "Bearer "+s.cfg.AccessToken)
	}

	body, err := readJSON(s.opts.HTTPClient, req, s.Type(), s.opts.MaxBytes)
	if err != nil {
		return nil, err
	}
	values, _ := lookupPath(body, "values").([]any)
	grid := make([][]any, 0, len(values))
	for _, v := range values {
		row, _ := v.([]any)
		grid = append(grid, row)
	}
	return grid, nil
}

func (s *Sheets) Validate(raw any) error {
	grid, ok := raw.([][]any)
	if !ok {
		return &ValidationError{Connector: s.Type(), Msg: fmt.Sprintf("unexpected raw type %T", raw)}
	}
	if len(grid) < 2 {
		return &ValidationError{Connector: s.Type(), Msg: "sheet is empty or has no data rows (needs header + at least 1 row)"}
	}
	return nil
}

// Transform zips each row with the trimmed header row; missing cells become nil.
func (s *Sheets) Transform(raw any) (models.Dataset, error) {
	grid, ok := raw.([][]any)
	if !ok || len(grid) == 0 {
		return models.Dataset{}, &ValidationError{Connector: s.Type(), Msg: "no rows"}
	}
	headerCells := make([]string, len(grid[0]))
	for i, cell := range grid[0] {
		if cell != nil {
			headerCells[i] = fmt.Sprint(cell)
		}
	}
	headers := trimHeaders(headerCells)

	rows := make([]models.Row, 0, len(grid)-1)
	for _, cells := range grid[1:] {
		row := make(models.Row, len(headers.names))
		for i, name := range headers.names {
			idx := headers.index[i]
			if idx < len(cells) {
				row[name] = cells[idx]
			} else {
				row[name] = nil
			}
		}
		rows = append(rows, row)
	}
	return models.Dataset{Columns: headers.names, Rows: rows}, nil
}

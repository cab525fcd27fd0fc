package connector

import (
	"bytes"
	"context"
	"encoding/csv"
	"fmt"
	"strings"
	"unicode/utf8"

	"insight-pipeline/internal/models"
)

// CSV parses an in-memory delimited-text buffer. Values stay strings.
type CSV struct {
	cfg CSVConfig
}

// NewCSV builds a CSV connector.
func NewCSV(cfg CSVConfig) *CSV {
	return &CSV{cfg: cfg}
}

func (c *CSV) Type() string { return models.SourceCSV }

func (c *CSV) Connect(context.Context) error {
	if len(c.cfg.Data) == 0 {
		return &ConfigurationError{Connector: c.Type(), Msg: "no CSV data provided"}
	}
	if c.cfg.Delimiter != "" && utf8.RuneCountInString(c.cfg.Delimiter) != 1 {
		return &ConfigurationError{Connector: c.Type(), Msg: fmt.Sprintf("delimiter %q must be a single character", c.cfg.Delimiter)}
	}
	return nil
}

// Fetch parses the buffer into records; the first record is the header.
func (c *CSV) Fetch(context.Context) (any, error) {
	data := bytes.TrimPrefix(c.cfg.Data, []byte("\ufeff"))
	r := csv.NewReader(bytes.NewReader(data))
	r.FieldsPerRecord = -1
	r.LazyQuotes = true
	if c.cfg.Delimiter != "" {
		r.Comma, _ = utf8.DecodeRuneInString(c.cfg.Delimiter)
	}
	records, err := r.ReadAll()
	if err != nil {
		return nil, &FetchError{Connector: c.Type(), Err: fmt.Errorf("parse csv: %w", err)}
	}
	return records, nil
}

func (c *CSV) Validate(raw any) error {
	records, ok := raw.([][]string)
	if !ok {
		return &ValidationError{Connector: c.Type(), Msg: fmt.Sprintf("unexpected raw type %T", raw)}
	}
	if len(records) < 2 {
		return &ValidationError{Connector: c.Type(), Msg: "invalid or empty CSV data"}
	}
	return nil
}

// Transform keys each record by the trimmed header. Short records are padded with nil and
// cells past the header are dropped.
func (c *CSV) Transform(raw any) (models.Dataset, error) {
	records, ok := raw.([][]string)
	if !ok || len(records) == 0 {
		return models.Dataset{}, &ValidationError{Connector: c.Type(), Msg: "no records"}
	}
	headers := trimHeaders(records[0])

	rows := make([]models.Row, 0, len(records)-1)
	for _, rec := range records[1:] {
		row := make(models.Row, len(headers.names))
		for _, name := range headers.names {
			row[name] = nil
		}
		for i, idx := range headers.index {
			if idx < len(rec) {
				row[headers.names[i]] = rec[idx]
			}
		}
		rows = append(rows, row)
	}
	return models.Dataset{Columns: headers.names, Rows: rows}, nil
}

// headerSet maps unique trimmed header names to the column index that feeds them. A
// repeated header takes the value of its last occurrence.
type headerSet struct {
	names []string
	index []int
}

func trimHeaders(raw []string) headerSet {
	var h headerSet
	pos := map[string]int{}
	for i, cell := range raw {
		name := strings.TrimSpace(cell)
		if p, ok := pos[name]; ok {
			h.index[p] = i
			continue
		}
		pos[name] = len(h.names)
		h.names = append(h.names, name)
		h.index = append(h.index, i)
	}
	return h
}

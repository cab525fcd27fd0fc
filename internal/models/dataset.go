package models

// Row is one flat record produced by a connector.
type Row map[string]any

// Dataset is a normalized table: every row carries exactly the keys in Columns.
type Dataset struct {
	Columns []string `json:"columns"`
	Rows    []Row    `json:"rows"`
}

// Len returns the number of rows.
func (d Dataset) Len() int {
	return len(d.Rows)
}

// Head returns at most n rows from the start of the dataset.
func (d Dataset) Head(n int) []Row {
	if n < 0 || n >= len(d.Rows) {
		return d.Rows
	}
	return d.Rows[:n]
}

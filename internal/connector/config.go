package connector

import (
	"encoding/json"
	"time"
)

// CSVConfig configures the delimited-text connector. Data is stored base64 encoded in the
// data source row; encoding/json decodes it into bytes.
type CSVConfig struct {
	Data      []byte `json:"data"`
	FileName  string `json:"fileName,omitempty"`
	Delimiter string `json:"delimiter,omitempty"`
}

// SheetsConfig configures the spreadsheet range connector. SourceID and SpreadsheetID are
// aliases; SourceID wins when both are set.
type SheetsConfig struct {
	SourceID      string `json:"sourceId,omitempty"`
	SpreadsheetID string `json:"spreadsheetId,omitempty"`
	Range         string `json:"range,omitempty"`
	APIKey        string `json:"apiKey,omitempty"`
	AccessToken   string `json:"accessToken,omitempty"`
	BaseURL       string `json:"baseUrl,omitempty"`
}

// Sheet returns the spreadsheet id to read.
func (c SheetsConfig) Sheet() string {
	if c.SourceID != "" {
		return c.SourceID
	}
	return c.SpreadsheetID
}

// Pagination modes for the REST connector.
const (
	PaginationOffset = "offset"
	PaginationCursor = "cursor"
)

// PaginationConfig drives paginated REST fetches.
type PaginationConfig struct {
	Type       string `json:"type"`
	PageParam  string `json:"pageParam,omitempty"`
	LimitParam string `json:"limitParam,omitempty"`
	Limit      int    `json:"limit,omitempty"`
	CursorPath string `json:"cursorPath,omitempty"`
	MaxPages   int    `json:"maxPages,omitempty"`
}

// RESTConfig configures the generic HTTP connector. TimeoutMS is per request.
type RESTConfig struct {
	URL        string            `json:"url"`
	Method     string            `json:"method,omitempty"`
	Headers    map[string]string `json:"headers,omitempty"`
	Body       json.RawMessage   `json:"body,omitempty"`
	DataPath   string            `json:"dataPath,omitempty"`
	Pagination *PaginationConfig `json:"pagination,omitempty"`
	TimeoutMS  int               `json:"timeout,omitempty"`
}

func (c RESTConfig) timeout(def time.Duration) time.Duration {
	if c.TimeoutMS > 0 {
		return time.Duration(c.TimeoutMS) * time.Millisecond
	}
	return def
}

// decodeConfig unmarshals a data source's stored config into the variant for sourceType.
func decodeConfig[T any](sourceType string, raw json.RawMessage) (T, error) {
	var cfg T
	if len(raw) == 0 {
		return cfg, nil
	}
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return cfg, &ConfigurationError{Connector: sourceType, Msg: "decode config", Err: err}
	}
	return cfg, nil
}

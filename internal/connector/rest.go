package connector

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"insight-pipeline/internal/models"
)

const defaultPageLimit = 100

// REST pulls a JSON array from an HTTP endpoint, optionally across pages.
type REST struct {
	cfg  RESTConfig
	opts Options
}

// NewREST builds a REST connector.
func NewREST(cfg RESTConfig, opts Options) *REST {
	cfg.Method = strings.ToUpper(strings.TrimSpace(cfg.Method))
	if cfg.Method == "" {
		cfg.Method = http.MethodGet
	}
	return &REST{cfg: cfg, opts: opts.withDefaults()}
}

func (r *REST) Type() string { return models.SourceRESTAPI }

func (r *REST) Connect(context.Context) error {
	if r.cfg.URL == "" {
		return &ConfigurationError{Connector: r.Type(), Msg: "url is required"}
	}
	u, err := url.ParseRequestURI(r.cfg.URL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return &ConfigurationError{Connector: r.Type(), Msg: fmt.Sprintf("invalid url %q", r.cfg.URL), Err: err}
	}
	if p := r.cfg.Pagination; p != nil {
		switch p.Type {
		case PaginationOffset:
		case PaginationCursor:
			if p.CursorPath == "" {
				return &ConfigurationError{Connector: r.Type(), Msg: "cursor pagination requires cursorPath"}
			}
		default:
			return &ConfigurationError{Connector: r.Type(), Msg: fmt.Sprintf("unknown pagination type %q", p.Type)}
		}
	}
	return nil
}

// Fetch returns the extracted array ([]any) from one request or from every page.
func (r *REST) Fetch(ctx context.Context) (any, error) {
	if r.cfg.Pagination != nil {
		return r.fetchPaginated(ctx)
	}
	body, err := r.request(ctx, nil)
	if err != nil {
		return nil, err
	}
	return r.extract(body), nil
}

func (r *REST) fetchPaginated(ctx context.Context) (any, error) {
	p := r.cfg.Pagination
	limit := p.Limit
	if limit <= 0 {
		limit = defaultPageLimit
	}
	maxPages := p.MaxPages
	if maxPages <= 0 || maxPages > r.opts.MaxPages {
		maxPages = r.opts.MaxPages
	}

	var all []any
	var cursor string
	for page := 0; page < maxPages; page++ {
		params := url.Values{}
		switch p.Type {
		case PaginationOffset:
			params.Set(orDefault(p.PageParam, "offset"), strconv.Itoa(page*limit))
			params.Set(orDefault(p.LimitParam, "limit"), strconv.Itoa(limit))
		case PaginationCursor:
			if cursor != "" {
				params.Set(orDefault(p.PageParam, "cursor"), cursor)
			}
		}

		body, err := r.request(ctx, params)
		if err != nil {
			return nil, err
		}
		items, ok := r.extract(body).([]any)
		if !ok || len(items) == 0 {
			break
		}
		all = append(all, items...)

		if p.Type == PaginationCursor {
			cursor = cursorString(lookupPath(body, p.CursorPath))
			if cursor == "" {
				break
			}
		}
		if len(items) < limit {
			break
		}
	}
	if all == nil {
		all = []any{}
	}
	return all, nil
}

func (r *REST) request(ctx context.Context, params url.Values) (any, error) {
	ctx, cancel := context.WithTimeout(ctx, r.cfg.timeout(r.opts.Timeout))
	defer cancel()

	u, err := url.Parse(r.cfg.URL)
	if err != nil {
		return nil, &FetchError{Connector: r.Type(), Err: err}
	}
	if len(params) > 0 {
		q := u.Query()
		for k, vs := range params {
			q[k] = vs
		}
		u.RawQuery = q.Encode()
	}

	var body io.Reader
	if len(r.cfg.Body) > 0 && string(r.cfg.Body) != "null" {
		body = bytes.NewReader(r.cfg.Body)
	}
	req, err := http.NewRequestWithContext(ctx, r.cfg.Method, u.String(), body)
	if err != nil {
		return nil, &FetchError{Connector: r.Type(), Err: fmt.Errorf("build request: %w", err)}
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	for k, v := range r.cfg.Headers {
		req.Header.Set(k, v)
	}
	return readJSON(r.opts.HTTPClient, req, r.Type(), r.opts.MaxBytes)
}

// extract applies DataPath; a path that resolves to nothing yields an empty array.
func (r *REST) extract(body any) any {
	if r.cfg.DataPath == "" {
		return body
	}
	v := lookupPath(body, r.cfg.DataPath)
	if v == nil {
		return []any{}
	}
	return v
}

func (r *REST) Validate(raw any) error {
	items, ok := raw.([]any)
	if !ok {
		return &ValidationError{Connector: r.Type(), Msg: "response did not return an array; set dataPath to point to the array field"}
	}
	if len(items) == 0 {
		return &ValidationError{Connector: r.Type(), Msg: "response returned an empty dataset"}
	}
	for i, item := range items {
		if _, ok := item.(map[string]any); !ok {
			return &ValidationError{Connector: r.Type(), Msg: fmt.Sprintf("element %d is not an object", i)}
		}
	}
	return nil
}

// Transform flattens nested objects one level ({k: {a, b}} becomes k_a, k_b). Arrays and
// deeper objects are kept as values.
func (r *REST) Transform(raw any) (models.Dataset, error) {
	items, ok := raw.([]any)
	if !ok {
		return models.Dataset{}, &ValidationError{Connector: r.Type(), Msg: fmt.Sprintf("unexpected raw type %T", raw)}
	}
	records := make([]map[string]any, 0, len(items))
	for _, item := range items {
		obj, _ := item.(map[string]any)
		flat := make(map[string]any, len(obj))
		for k, v := range obj {
			if nested, ok := v.(map[string]any); ok {
				for nk, nv := range nested {
					flat[k+"_"+nk] = nv
				}
				continue
			}
			flat[k] = v
		}
		records = append(records, flat)
	}
	return normalize(records), nil
}

func cursorString(v any) string {
	switch c := v.(type) {
	case nil:
		return ""
	case string:
		return c
	case float64:
		return strconv.FormatFloat(c, 'f', -1, 64)
	case bool:
		if !c {
			return ""
		}
		return "true"
	default:
		return fmt.Sprint(c)
	}
}

func orDefault(v, def string) string {
	if v == "" {
		return def
	}
	return v
}

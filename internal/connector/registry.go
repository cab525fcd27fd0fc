package connector

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"sort"
	"sync"
	"time"

	"insight-pipeline/internal/models"
)

// Options are the shared dependencies handed to every factory.
type Options struct {
	HTTPClient *http.Client
	Timeout    time.Duration
	MaxPages   int
	MaxBytes   int64
	Logger     *slog.Logger
}

func (o Options) withDefaults() Options {
	if o.Timeout <= 0 {
		o.Timeout = 30 * time.Second
	}
	if o.HTTPClient == nil {
		o.HTTPClient = &http.Client{}
	}
	if o.MaxPages <= 0 {
		o.MaxPages = 50
	}
	if o.MaxBytes <= 0 {
		o.MaxBytes = 50 * 1024 * 1024
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	return o
}

// Factory builds a connector from a data source's stored config.
type Factory func(raw json.RawMessage, opts Options) (Connector, error)

// Registry maps data source types to factories. It is safe for concurrent use.
type Registry struct {
	opts Options

	mu        sync.RWMutex
	factories map[string]Factory
}

// NewRegistry creates an empty registry.
func NewRegistry(opts Options) *Registry {
	return &Registry{
		opts:      opts.withDefaults(),
		factories: make(map[string]Factory),
	}
}

// NewDefaultRegistry creates a registry with the csv, google_sheets and rest_api connectors.
func NewDefaultRegistry(opts Options) *Registry {
	r := NewRegistry(opts)
	r.Register(models.SourceCSV, func(raw json.RawMessage, _ Options) (Connector, error) {
		cfg, err := decodeConfig[CSVConfig](models.SourceCSV, raw)
		if err != nil {
			return nil, err
		}
		return NewCSV(cfg), nil
	})
	r.Register(models.SourceGoogleSheets, func(raw json.RawMessage, o Options) (Connector, error) {
		cfg, err := decodeConfig[SheetsConfig](models.SourceGoogleSheets, raw)
		if err != nil {
			return nil, err
		}
		return NewSheets(cfg, o), nil
	})
	r.Register(models.SourceRESTAPI, func(raw json.RawMessage, o Options) (Connector, error) {
		cfg, err := decodeConfig[RESTConfig](models.SourceRESTAPI, raw)
		if err != nil {
			return nil, err
		}
		return NewREST(cfg, o), nil
	})
	return r
}

// Register binds a factory to a type. Overwriting an existing type is allowed and logged.
func (r *Registry) Register(sourceType string, factory Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.factories[sourceType]; ok {
		r.opts.Logger.Warn("overwriting connector type", "connector", sourceType)
	}
	r.factories[sourceType] = factory
	r.opts.Logger.Debug("connector registered", "connector", sourceType)
}

// Create builds a connector for sourceType from its raw config.
func (r *Registry) Create(sourceType string, raw json.RawMessage) (Connector, error) {
	r.mu.RLock()
	factory, ok := r.factories[sourceType]
	r.mu.RUnlock()
	if !ok {
		return nil, &UnsupportedTypeError{Type: sourceType, Available: r.Types()}
	}
	return factory(raw, r.opts)
}

// Types lists registered types in sorted order.
func (r *Registry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	types := make([]string, 0, len(r.factories))
	for t := range r.factories {
		types = append(types, t)
	}
	sort.Strings(types)
	return types
}

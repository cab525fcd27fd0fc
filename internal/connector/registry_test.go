package connector

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"insight-pipeline/internal/models"
	"insight-pipeline/internal/telemetry"
)

type staticConnector struct {
	rows []models.Row
}

func (s staticConnector) Type() string { return "static" }

func (s staticConnector) Connect(context.Context) error { return nil }

func (s staticConnector) Fetch(context.Context) (any, error) {
	return s.rows, nil
}

func (s staticConnector) Validate(any) error { return nil }

func (s staticConnector) Transform(raw any) (models.Dataset, error) {
	return models.Dataset{Columns: []string{"v"}, Rows: raw.([]models.Row)}, nil
}

func TestDefaultRegistryTypes(t *testing.T) {
	r := NewDefaultRegistry(Options{Logger: telemetry.Discard()})
	assert.Equal(t, []string{models.SourceCSV, models.SourceGoogleSheets, models.SourceRESTAPI}, r.Types())
}

func TestRegistryUnsupportedType(t *testing.T) {
	r := NewDefaultRegistry(Options{Logger: telemetry.Discard()})
	_, err := r.Create("mongodb", nil)

	var typeErr *UnsupportedTypeError
	require.ErrorAs(t, err, &typeErr)
	assert.Equal(t, "mongodb", typeErr.Type)
	assert.Equal(t, `unsupported connector type "mongodb" (available: csv, google_sheets, rest_api)`, err.Error())
	assert.True(t, IsPermanent(err))
}

func TestRegistryOverwriteAndCustomFactory(t *testing.T) {
	r := NewRegistry(Options{Logger: telemetry.Discard()})
	r.Register("static", func(json.RawMessage, Options) (Connector, error) {
		return staticConnector{rows: []models.Row{{"v": 1}}}, nil
	})
	r.Register("static", func(json.RawMessage, Options) (Connector, error) {
		return staticConnector{rows: []models.Row{{"v": 2}, {"v": 3}}}, nil
	})

	c, err := r.Create("static", nil)
	require.NoError(t, err)
	ds, err := Execute(context.Background(), c)
	require.NoError(t, err)
	assert.Equal(t, 2, ds.Len())
}

func TestRegistryBadConfigJSON(t *testing.T) {
	r := NewDefaultRegistry(Options{Logger: telemetry.Discard()})
	_, err := r.Create(models.SourceRESTAPI, json.RawMessage(`{"url": 5}`))
	var cfgErr *ConfigurationError
	require.ErrorAs(t, err, &cfgErr)
	assert.Equal(t, models.SourceRESTAPI, cfgErr.Connector)
}

func TestIsPermanent(t *testing.T) {
	assert.False(t, IsPermanent(errors.New("dial tcp: connection refused")))
	assert.False(t, IsPermanent(&FetchError{Connector: "x", Err: errors.New("timeout")}))
	assert.False(t, IsPermanent(&FetchError{Connector: "x", StatusCode: 429, Err: errors.New("slow down")}))
	assert.True(t, IsPermanent(&StageError{Stage: StageValidate, Connector: "x", Err: &ValidationError{Connector: "x", Msg: "empty"}}))
}

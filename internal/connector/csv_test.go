package connector

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"insight-pipeline/internal/models"
)

func TestCSVTrimsHeaderKeys(t *testing.T) {
	c := NewCSV(CSVConfig{Data: []byte("Name, Age\nAda,36\nLinus,28\n")})

	ds, err := Execute(context.Background(), c)
	require.NoError(t, err)

	assert.Equal(t, []string{"Name", "Age"}, ds.Columns)
	require.Len(t, ds.Rows, 2)
	assert.Equal(t, models.Row{"Name": "Ada", "Age": "36"}, ds.Rows[0])
	assert.Equal(t, models.Row{"Name": "Linus", "Age": "28"}, ds.Rows[1])
}

func TestCSVPadsShortRecordsAndStripsBOM(t *testing.T) {
	c := NewCSV(CSVConfig{Data: []byte("\ufeffid,city,score\n1,Oslo\n2,Lima,9,extra\n")})

	ds, err := Execute(context.Background(), c)
	require.NoError(t, err)

	assert.Equal(t, []string{"id", "city", "score"}, ds.Columns)
	assert.Equal(t, models.Row{"id": "1", "city": "Oslo", "score": nil}, ds.Rows[0])
	assert.Equal(t, models.Row{"id": "2", "city": "Lima", "score": "9"}, ds.Rows[1])
}

func TestCSVCustomDelimiter(t *testing.T) {
	c := NewCSV(CSVConfig{Data: []byte("a;b\n1;2\n"), Delimiter: ";"})
	ds, err := Execute(context.Background(), c)
	require.NoError(t, err)
	assert.Equal(t, models.Row{"a": "1", "b": "2"}, ds.Rows[0])
}

func TestCSVStageFailures(t *testing.T) {
	_, err := Execute(context.Background(), NewCSV(CSVConfig{}))
	var stageErr *StageError
	require.ErrorAs(t, err, &stageErr)
	assert.Equal(t, StageConnect, stageErr.Stage)
	var cfgErr *ConfigurationError
	assert.ErrorAs(t, err, &cfgErr)
	assert.True(t, IsPermanent(err))

	_, err = Execute(context.Background(), NewCSV(CSVConfig{Data: []byte("only,headers\n")}))
	require.ErrorAs(t, err, &stageErr)
	assert.Equal(t, StageValidate, stageErr.Stage)
	var valErr *ValidationError
	assert.ErrorAs(t, err, &valErr)
}

func TestCSVConfigDecodesBase64Data(t *testing.T) {
	raw, err := json.Marshal(map[string]string{
		"data":     base64.StdEncoding.EncodeToString([]byte("x,y\n1,2\n")),
		"fileName": "points.csv",
	})
	require.NoError(t, err)

	c, err := NewDefaultRegistry(Options{}).Create(models.SourceCSV, raw)
	require.NoError(t, err)

	ds, err := Execute(context.Background(), c)
	require.NoError(t, err)
	assert.Equal(t, models.Row{"x": "1", "y": "2"}, ds.Rows[0])
}

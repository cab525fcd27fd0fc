package store

import (
	"path/filepath"
	"testing"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"insight-pipeline/internal/config"
	"insight-pipeline/internal/queue"
)

func TestOpenJobStore(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})

	js, closeFn, err := OpenJobStore(config.Config{QueueBackend: config.BackendRedis}, nil, rdb)
	require.NoError(t, err)
	assert.IsType(t, &queue.RedisStore{}, js)
	assert.NoError(t, closeFn())

	path := filepath.Join(t.TempDir(), "nested", "queue.db")
	js, closeFn, err = OpenJobStore(config.Config{QueueBackend: config.BackendSQLite, SQLitePath: path}, nil, nil)
	require.NoError(t, err)
	assert.IsType(t, &SQLiteStore{}, js)
	assert.FileExists(t, path)
	assert.NoError(t, closeFn())

	_, _, err = OpenJobStore(config.Config{QueueBackend: "mongodb"}, nil, nil)
	assert.ErrorContains(t, err, `unknown queue backend "mongodb"`)
}

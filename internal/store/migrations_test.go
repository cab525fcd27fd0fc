package store

import (
	"testing"
	"testing/fstest"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadMigrationsOrdersByVersion(t *testing.T) {
	fsys := fstest.MapFS{
		"migrations/002_usage.sql": {Data: []byte("CREATE TABLE usage_logs ();\n")},
		"migrations/001_init.sql":  {Data: []byte("  CREATE TABLE jobs ();  ")},
		"migrations/003_empty.sql": {Data: []byte("\n\n")},
		"migrations/README.md":     {Data: []byte("notes")},
	}

	all, err := loadMigrations(fsys)
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, migration{Version: "001_init", SQL: "CREATE TABLE jobs ();"}, all[0])
	assert.Equal(t, "002_usage", all[1].Version)

	left := pending(all, map[string]bool{"001_init": true})
	require.Len(t, left, 1)
	assert.Equal(t, "002_usage", left[0].Version)
	assert.Empty(t, pending(all, map[string]bool{"001_init": true, "002_usage": true}))
}

func TestEmbeddedMigrationsLoad(t *testing.T) {
	all, err := loadMigrations(migrationFiles)
	require.NoError(t, err)
	require.NotEmpty(t, all)
	assert.Equal(t, "001_init", all[0].Version)
	assert.Contains(t, all[0].SQL, "CREATE TABLE IF NOT EXISTS jobs")
}

func TestLoadMigrationsMissingDir(t *testing.T) {
	_, err := loadMigrations(fstest.MapFS{})
	assert.ErrorContains(t, err, "read migrations dir")
}

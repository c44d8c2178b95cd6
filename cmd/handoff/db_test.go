package main

import (
	"bytes"
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jingkaihe/handoff/pkg/config"
	"github.com/jingkaihe/handoff/pkg/db"
	"github.com/jingkaihe/handoff/pkg/db/migrations"
	"github.com/jingkaihe/handoff/pkg/usage"
)

func TestDatabasePath(t *testing.T) {
	previous := appConfig
	t.Cleanup(func() { appConfig = previous })

	t.Setenv("HANDOFF_BASE_PATH", t.TempDir())
	want, err := db.DefaultDBPath()
	require.NoError(t, err)

	appConfig = nil
	got, err := databasePath()
	require.NoError(t, err)
	assert.Equal(t, want, got)

	appConfig = &config.Config{Store: usage.Config{Type: usage.StoreTypeJSONL, Path: "/tmp/usage.jsonl"}}
	got, err = databasePath()
	require.NoError(t, err)
	assert.Equal(t, want, got, "a jsonl path is not a database")

	appConfig = &config.Config{Store: usage.Config{Type: usage.StoreTypeSQLite, Path: "/tmp/custom.db"}}
	got, err = databasePath()
	require.NoError(t, err)
	assert.Equal(t, "/tmp/custom.db", got)
}

func TestPrintMigrationStatus(t *testing.T) {
	all := migrations.All()
	require.GreaterOrEqual(t, len(all), 2)

	var buf bytes.Buffer
	printMigrationStatus(&buf, "/tmp/usage.db", []int64{all[0].Version}, all)

	out := buf.String()
	assert.Contains(t, out, "Database: /tmp/usage.db")
	assert.Contains(t, out, "[✓] ")
	assert.Contains(t, out, "[ ] ")
	assert.Contains(t, out, "Applied: 1/")
}

func TestMigrationDescription(t *testing.T) {
	all := migrations.All()
	assert.Equal(t, all[0].Description, migrationDescription(all[0].Version, all))
	assert.Equal(t, "unknown migration", migrationDescription(1, all))
}

func TestMigrationStatusAfterStoreOpen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "usage.db")
	store, err := usage.NewSQLiteStore(context.Background(), path)
	require.NoError(t, err)
	require.NoError(t, store.Close())

	applied, err := db.GetMigrationStatus(context.Background(), path)
	require.NoError(t, err)
	assert.Len(t, applied, len(migrations.All()))
}

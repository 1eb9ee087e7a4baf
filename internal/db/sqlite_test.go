package db

import (
	"path/filepath"
	"strings"
	"testing"

	_ "github.com/mattn/go-sqlite3"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDSN(t *testing.T) {
	t.Parallel()

	write := dsn("/tmp/meta.sqlite", ModeWrite)
	read := dsn("/tmp/meta.sqlite", ModeRead)

	for _, d := range []string{write, read} {
		assert.True(t, strings.HasPrefix(d, "/tmp/meta.sqlite?"))
		assert.Contains(t, d, "_journal_mode=WAL")
		assert.Contains(t, d, "_busy_timeout=5000")
		assert.Contains(t, d, "_synchronous=NORMAL")
		assert.Contains(t, d, "_foreign_keys=on")
	}
	assert.Contains(t, write, "_txlock=immediate")
	assert.NotContains(t, read, "_txlock")
}

func TestOpen_InvalidMode(t *testing.T) {
	t.Parallel()

	_, err := Open(filepath.Join(t.TempDir(), "x.db"), Mode("rw"), 0)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid SQLite mode")
}

func TestOpenPair_PoolSizes(t *testing.T) {
	t.Parallel()

	writeDB, readDB, err := OpenPair(filepath.Join(t.TempDir(), "x.db"), 0)
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = readDB.Close()
		_ = writeDB.Close()
	})

	assert.Equal(t, 1, writeDB.Stats().MaxOpenConnections)
	assert.Equal(t, defaultReadConns, readDB.Stats().MaxOpenConnections)

	var journal string
	require.NoError(t, writeDB.QueryRow("PRAGMA journal_mode").Scan(&journal))
	assert.Equal(t, "wal", strings.ToLower(journal))
}

func TestMigrate_CreatesSchema(t *testing.T) {
	t.Parallel()

	writeDB, readDB := OpenTestSQLite(t)

	for _, table := range []string{"sync_cursors", "departments", "access_grants", "access_events", "graph_nodes", "graph_edges"} {
		var name string
		err := readDB.QueryRow(`SELECT name FROM sqlite_master WHERE type='table' AND name=?`, table).Scan(&name)
		require.NoError(t, err, table)
	}

	version, err := MigrationVersion(writeDB)
	require.NoError(t, err)
	assert.Equal(t, int64(2), version)

	// Re-running is a no-op.
	require.NoError(t, Migrate(writeDB))
}

func TestMigrate_ActiveGrantKeyIsUnique(t *testing.T) {
	t.Parallel()

	writeDB, _ := OpenTestSQLite(t)

	insert := `INSERT INTO access_grants (id, grant_key, kind, principal_id, permissions, assignment_kind, duration_ms, granted_at, expires_at, state)
		VALUES (?, 'u1', 'temporary', 'u1', '[]', 'directory', 1000, 't', 't', ?)`

	_, err := writeDB.Exec(insert, "g1", "active")
	require.NoError(t, err)
	_, err = writeDB.Exec(insert, "g2", "revoked")
	require.NoError(t, err)
	_, err = writeDB.Exec(insert, "g3", "active")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "UNIQUE constraint failed")
}

package db

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOpen_MemorySharesOneDatabase(t *testing.T) {
	database, err := Open()
	require.NoError(t, err)
	defer database.Close()

	_, err = database.Exec("CREATE TABLE t (id INTEGER PRIMARY KEY, v TEXT)")
	require.NoError(t, err)

	// a second statement must see the table created by the first
	var n int
	require.NoError(t, database.Get(&n, "SELECT COUNT(*) FROM t"))
	assert.Zero(t, n)
}

func TestOpen_FileCreatesParent(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "nested", "nusbot.db")

	database, err := Open(WithPath(dbPath))
	require.NoError(t, err)
	defer database.Close()

	assert.DirExists(t, filepath.Dir(dbPath))
}

func TestOpen_ReadOnly(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "nusbot.db")

	rw, err := Open(WithPath(dbPath))
	require.NoError(t, err)
	_, err = rw.Exec("CREATE TABLE t (id INTEGER PRIMARY KEY)")
	require.NoError(t, err)
	require.NoError(t, rw.Close())

	ro, err := Open(WithPath(dbPath), WithReadOnly())
	require.NoError(t, err)
	defer ro.Close()

	var n int
	require.NoError(t, ro.Get(&n, "SELECT COUNT(*) FROM t"))
	_, err = ro.Exec("INSERT INTO t (id) VALUES (1)")
	assert.Error(t, err)
}

func TestMigrate(t *testing.T) {
	database, err := Open(WithPragmas(""))
	require.NoError(t, err)
	defer database.Close()

	ctx := context.Background()
	schema := []string{
		"CREATE TABLE IF NOT EXISTS a (id INTEGER PRIMARY KEY)",
		"CREATE INDEX IF NOT EXISTS idx_a ON a(id)",
	}
	require.NoError(t, Migrate(ctx, database, schema...))
	require.NoError(t, Migrate(ctx, database, schema...))

	err = Migrate(ctx, database, "CREATE TABLE b (id INTEGER)", "NOT SQL")
	assert.Error(t, err)

	var n int
	require.NoError(t, database.Get(&n, "SELECT COUNT(*) FROM sqlite_master WHERE name = 'b'"))
	assert.Zero(t, n)
}

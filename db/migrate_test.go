package db

import (
	"database/sql"
	"testing"

	_ "github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openMemoryDB(t *testing.T) *sql.DB {
	t.Helper()
	conn, err := sql.Open("sqlite3", ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func TestMigrate_CreatesSchema(t *testing.T) {
	conn := openMemoryDB(t)

	require.NoError(t, Migrate(conn, nil))

	for _, table := range []string{"schema_migrations", "scheduled_jobs", "job_executions"} {
		var name string
		err := conn.QueryRow(
			"SELECT name FROM sqlite_master WHERE type = 'table' AND name = ?", table).Scan(&name)
		assert.NoError(t, err, "table %s missing", table)
	}
}

func TestMigrate_Idempotent(t *testing.T) {
	conn := openMemoryDB(t)

	require.NoError(t, Migrate(conn, nil))
	require.NoError(t, Migrate(conn, nil))

	// Each migration recorded exactly once
	rows, err := conn.Query("SELECT version, COUNT(*) FROM schema_migrations GROUP BY version")
	require.NoError(t, err)
	defer rows.Close()

	count := 0
	for rows.Next() {
		var version string
		var n int
		require.NoError(t, rows.Scan(&version, &n))
		assert.Equal(t, 1, n, "migration %s applied more than once", version)
		count++
	}
	require.NoError(t, rows.Err())
	assert.GreaterOrEqual(t, count, 2)
}

func TestIsDatabaseClosed(t *testing.T) {
	assert.False(t, IsDatabaseClosed(nil))
	assert.True(t, IsDatabaseClosed(ErrDatabaseClosed))

	conn := openMemoryDB(t)
	require.NoError(t, conn.Close())
	err := conn.Ping()
	assert.True(t, IsDatabaseClosed(err))
}

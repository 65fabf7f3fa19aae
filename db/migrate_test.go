package db

import (
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/derivkit/jobhub/errors"
)

func TestOpenWithMigrations(t *testing.T) {
	t.Run("creates jobs and workers tables", func(t *testing.T) {
		dbPath := filepath.Join(t.TempDir(), "test.db")

		db, err := OpenWithMigrations(dbPath, nil)
		require.NoError(t, err)
		require.NotNil(t, db)
		defer db.Close()

		for _, table := range []string{"schema_migrations", "jobs", "workers"} {
			var count int
			err = db.QueryRow("SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name=?", table).Scan(&count)
			require.NoError(t, err)
			assert.Equal(t, 1, count, "%s table should exist after migrations", table)
		}
	})

	t.Run("every pooled connection is configured", func(t *testing.T) {
		db, err := OpenWithMigrations(filepath.Join(t.TempDir(), "test.db"), nil)
		require.NoError(t, err)
		defer db.Close()

		db.SetMaxIdleConns(4)
		ctx := t.Context()
		for i := 0; i < 3; i++ {
			conn, err := db.Conn(ctx)
			require.NoError(t, err)
			defer conn.Close()

			var timeout int
			require.NoError(t, conn.QueryRowContext(ctx, "PRAGMA busy_timeout").Scan(&timeout))
			assert.Equal(t, 5000, timeout)

			var fk int
			require.NoError(t, conn.QueryRowContext(ctx, "PRAGMA foreign_keys").Scan(&fk))
			assert.Equal(t, 1, fk)
		}
	})

	t.Run("open errors include stack traces", func(t *testing.T) {
		tmpDir := t.TempDir()
		dbPath := filepath.Join(tmpDir, "test.db")

		// Read-only directory: sqlite cannot create the database file
		require.NoError(t, os.Chmod(tmpDir, 0555))
		defer os.Chmod(tmpDir, 0755)
		if os.Geteuid() == 0 {
			t.Skip("root ignores directory permissions")
		}

		db, err := OpenWithMigrations(dbPath, nil)
		require.Error(t, err)
		assert.Nil(t, db)

		assert.NotNil(t, errors.GetStack(err), "open errors should have stack traces")
		detailed := fmt.Sprintf("%+v", err)
		assert.Contains(t, detailed, "connection.go", "stack should reference source file")
	})
}

func TestMigrate(t *testing.T) {
	t.Run("records every migration", func(t *testing.T) {
		db, err := Open(filepath.Join(t.TempDir(), "test.db"), nil)
		require.NoError(t, err)
		defer db.Close()

		require.NoError(t, Migrate(db, nil))

		var count int
		require.NoError(t, db.QueryRow("SELECT COUNT(*) FROM schema_migrations").Scan(&count))
		entries, err := migrations.ReadDir("sqlite/migrations")
		require.NoError(t, err)
		assert.Equal(t, len(entries), count)
	})

	t.Run("is idempotent", func(t *testing.T) {
		db, err := Open(filepath.Join(t.TempDir(), "test.db"), nil)
		require.NoError(t, err)
		defer db.Close()

		require.NoError(t, Migrate(db, nil))
		require.NoError(t, Migrate(db, nil), "running migrations multiple times should be safe")
	})

	t.Run("closed database fails", func(t *testing.T) {
		db, err := Open(filepath.Join(t.TempDir(), "test.db"), nil)
		require.NoError(t, err)
		db.Close()

		err = Migrate(db, nil)
		require.Error(t, err)
		assert.True(t, IsDatabaseClosed(err))
	})
}

func TestListMigrations(t *testing.T) {
	list, err := listMigrations()
	require.NoError(t, err)
	require.NotEmpty(t, list)
	assert.Equal(t, "000", list[0].version)
	for i := 1; i < len(list); i++ {
		assert.Less(t, list[i-1].version, list[i].version, "migrations run in version order")
	}
}

func TestDSN(t *testing.T) {
	assert.Equal(t, "file:/tmp/a.db?"+connParams, DSN("/tmp/a.db"))
	assert.Equal(t, "file:/tmp/a.db?cache=shared&"+connParams, DSN("file:/tmp/a.db?cache=shared"))
}

func TestIsDatabaseClosed(t *testing.T) {
	assert.False(t, IsDatabaseClosed(nil))
	assert.True(t, IsDatabaseClosed(errors.Wrap(ErrDatabaseClosed, "claim")))
	assert.True(t, IsDatabaseClosed(errors.New("sql: database is closed")))
	assert.False(t, IsDatabaseClosed(errors.New("no such table: jobs")))
}

package database

import (
	"context"
	"errors"
	"io/fs"
	"path/filepath"
	"testing"
	"testing/fstest"

	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func embeddedMigrations(t *testing.T) fs.FS {
	t.Helper()
	sub, err := fs.Sub(EmbeddedMigrations, "migrations")
	require.NoError(t, err)
	return sub
}

func TestNewAppliesMigrationsOnce(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "attend.db")

	db, err := New(path, embeddedMigrations(t))
	require.NoError(t, err)

	var classes int
	require.NoError(t, db.Conn.Get(&classes, "SELECT COUNT(*) FROM classes"))
	assert.Equal(t, 3, classes)
	require.NoError(t, db.Close())

	db, err = New(path, embeddedMigrations(t))
	require.NoError(t, err)
	defer db.Close()

	var applied int
	require.NoError(t, db.Conn.Get(&applied, "SELECT COUNT(*) FROM schema_migrations"))
	assert.Equal(t, 2, applied)
}

func TestFailedMigrationRollsBack(t *testing.T) {
	migrations := fstest.MapFS{
		"001_bad.sql": {Data: []byte("CREATE TABLE t (id TEXT); INSERT INTO nope VALUES (1);")},
	}
	_, err := New(filepath.Join(t.TempDir(), "bad.db"), migrations)
	require.Error(t, err)
}

func TestWithTx(t *testing.T) {
	db, err := New(filepath.Join(t.TempDir(), "tx.db"), embeddedMigrations(t))
	require.NoError(t, err)
	defer db.Close()
	ctx := context.Background()

	boom := errors.New("boom")
	err = WithTx(ctx, db.Conn, func(tx *sqlx.Tx) error {
		_, err := tx.ExecContext(ctx, "INSERT INTO classes (id, name, roster_size) VALUES ('X1', 'x', 1)")
		require.NoError(t, err)
		return boom
	})
	assert.ErrorIs(t, err, boom)

	var n int
	require.NoError(t, db.Conn.Get(&n, "SELECT COUNT(*) FROM classes WHERE id = 'X1'"))
	assert.Zero(t, n, "rolled back")

	assert.Panics(t, func() {
		_ = WithTx(ctx, db.Conn, func(tx *sqlx.Tx) error { panic("bad") })
	})
}

func TestSplitStatements(t *testing.T) {
	got := splitStatements(`-- header; with semicolon
CREATE TABLE a (x TEXT);
INSERT INTO a VALUES ('it''s; fine');
SELECT 1`)
	require.Len(t, got, 3)
	assert.Equal(t, "CREATE TABLE a (x TEXT)", got[0])
	assert.Equal(t, "INSERT INTO a VALUES ('it''s; fine')", got[1])
	assert.Equal(t, "SELECT 1", got[2])
}

package repository

import (
	"context"
	"io/fs"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/akinalp/qrattend/database"
	"github.com/akinalp/qrattend/models"
	"github.com/akinalp/qrattend/pkg"
)

func newTestDB(t *testing.T) *database.DB {
	t.Helper()
	migrations, err := fs.Sub(database.EmbeddedMigrations, "migrations")
	require.NoError(t, err)
	db, err := database.New(filepath.Join(t.TempDir(), "test.db"), migrations)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func TestSessionRepository(t *testing.T) {
	db := newTestDB(t)
	repo := NewSQLiteSessionRepo(db.Conn)
	ctx := context.Background()
	start := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)

	require.NoError(t, repo.Create(ctx, &models.Session{
		ID: "s1", ClassID: "CS101", State: models.SessionActive, StartedBy: "prof@uni.edu", StartedAt: start,
	}))

	got, err := repo.GetByID(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, "CS101", got.ClassID)
	assert.Equal(t, models.SessionActive, got.State)
	assert.True(t, start.Equal(got.StartedAt))
	assert.Nil(t, got.EndedAt)

	end := start.Add(time.Hour)
	require.NoError(t, repo.MarkEnded(ctx, "s1", end))
	got, err = repo.GetByID(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, models.SessionEnded, got.State)
	require.NotNil(t, got.EndedAt)
	assert.True(t, end.Equal(*got.EndedAt))

	err = repo.MarkEnded(ctx, "s1", end)
	assert.ErrorIs(t, err, pkg.ErrNotFound, "already ended")

	_, err = repo.GetByID(ctx, "missing")
	assert.ErrorIs(t, err, pkg.ErrNotFound)
}

func TestSessionRepositoryUnknownClass(t *testing.T) {
	db := newTestDB(t)
	repo := NewSQLiteSessionRepo(db.Conn)
	err := repo.Create(context.Background(), &models.Session{
		ID: "s1", ClassID: "NOPE", State: models.SessionActive, StartedAt: time.Now(),
	})
	assert.Error(t, err)
}

func TestEndStale(t *testing.T) {
	db := newTestDB(t)
	repo := NewSQLiteSessionRepo(db.Conn)
	ctx := context.Background()

	for _, id := range []string{"a", "b"} {
		require.NoError(t, repo.Create(ctx, &models.Session{
			ID: id, ClassID: "CS101", State: models.SessionActive, StartedAt: time.Now(),
		}))
	}
	require.NoError(t, repo.MarkEnded(ctx, "a", time.Now()))

	n, err := repo.EndStale(ctx, time.Now())
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}

func TestAttendanceRepository(t *testing.T) {
	db := newTestDB(t)
	sessions := NewSQLiteSessionRepo(db.Conn)
	repo := NewSQLiteAttendanceRepo(db.Conn)
	ctx := context.Background()
	start := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)

	require.NoError(t, sessions.Create(ctx, &models.Session{
		ID: "s1", ClassID: "CS101", State: models.SessionActive, StartedAt: start,
	}))

	first := &models.AttendanceRecord{ID: "r1", SessionID: "s1", Email: "a@uni.edu", DeviceFingerprint: "dA", Timestamp: start.Add(time.Second)}
	second := &models.AttendanceRecord{ID: "r2", SessionID: "s1", Email: "b@uni.edu", DeviceFingerprint: "dB", Timestamp: start.Add(2 * time.Second)}
	require.NoError(t, repo.Create(ctx, first))
	require.NoError(t, repo.Create(ctx, second))

	dup := &models.AttendanceRecord{ID: "r3", SessionID: "s1", Email: "c@uni.edu", DeviceFingerprint: "dA", Timestamp: start}
	assert.ErrorIs(t, repo.Create(ctx, dup), pkg.ErrDuplicateDevice)

	records, err := repo.ListBySession(ctx, "s1")
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.Equal(t, "a@uni.edu", records[0].Email)
	assert.Equal(t, "dA", records[0].DeviceFingerprint)
	assert.Equal(t, "b@uni.edu", records[1].Email)

	history, err := repo.ListByEmail(ctx, "A@uni.edu")
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, "CS101", history[0].ClassID)
	assert.Equal(t, "Introduction to Computer Science", history[0].ClassName)

	empty, err := repo.ListBySession(ctx, "none")
	require.NoError(t, err)
	assert.Empty(t, empty)
}

func TestClassRepository(t *testing.T) {
	db := newTestDB(t)
	repo := NewSQLiteClassRepo(db.Conn)
	ctx := context.Background()

	class, err := repo.GetByID(ctx, "CS101")
	require.NoError(t, err)
	assert.Equal(t, 30, class.RosterSize)

	_, err = repo.GetByID(ctx, "NOPE")
	assert.ErrorIs(t, err, pkg.ErrNotFound)

	all, err := repo.List(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 3)
}

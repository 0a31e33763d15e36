package services

import (
	"bytes"
	"context"
	"encoding/csv"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/akinalp/qrattend/models"
	"github.com/akinalp/qrattend/pkg"
	"github.com/akinalp/qrattend/pkg/email"
)

type memStorage struct {
	mu      sync.Mutex
	objects map[string]string
}

func (m *memStorage) Upload(_ context.Context, name, _ string, r io.Reader, _ int64) (string, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return "", err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.objects == nil {
		m.objects = make(map[string]string)
	}
	m.objects[name] = string(data)
	return name, nil
}

type memSender struct {
	mu      sync.Mutex
	to      []string
	reports []email.SessionReport
}

func (m *memSender) SendSessionReport(_ context.Context, to string, report email.SessionReport) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.to = append(m.to, to)
	m.reports = append(m.reports, report)
	return nil
}

func TestExportCSV(t *testing.T) {
	env := newTestEnv(t, 0)
	ctx := context.Background()
	storage := &memStorage{}
	export := NewExportService(env.registry, storage)
	env.fanout.OnSessionEnded("archive", export.Archive)

	s := env.start(t, "CS101")
	_, err := env.engine.Commit(ctx, attempt(s.ID, s.CurrentToken, "fpA"), "a@uni.edu")
	require.NoError(t, err)

	var buf bytes.Buffer
	require.NoError(t, export.WriteCSV(ctx, s.ID, &buf))
	rows, err := csv.NewReader(&buf).ReadAll()
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, []string{"email", "device_fingerprint", "timestamp"}, rows[0])
	assert.Equal(t, "a@uni.edu", rows[1][0])
	assert.NotEqual(t, "fpA", rows[1][1])
	_, err = time.Parse(time.RFC3339Nano, rows[1][2])
	assert.NoError(t, err)

	_, err = env.registry.End(ctx, s.ID)
	require.NoError(t, err)
	require.NoError(t, env.fanout.WaitHooks(ctx))

	storage.mu.Lock()
	archived := storage.objects["sessions/CS101/"+s.ID+".csv"]
	storage.mu.Unlock()
	assert.True(t, strings.HasPrefix(archived, "email,device_fingerprint,timestamp\n"))
	assert.Contains(t, archived, "a@uni.edu")

	assert.ErrorIs(t, export.WriteCSV(ctx, "missing", io.Discard), pkg.ErrSessionNotFound)
	assert.Equal(t, "attendance-abc.csv", ExportFilename("abc"))

	// Without storage archiving is skipped.
	assert.NoError(t, NewExportService(env.registry, nil).Archive(ctx, s))
}

func TestReportOnEnd(t *testing.T) {
	env := newTestEnv(t, 0)
	ctx := context.Background()
	sender := &memSender{}
	reports := NewReportService(env.classes, sender)
	env.fanout.OnSessionEnded("report", reports.Send)

	s := env.start(t, "CS101")
	_, err := env.engine.Commit(ctx, attempt(s.ID, s.CurrentToken, "fpA"), "a@uni.edu")
	require.NoError(t, err)
	_, err = env.registry.End(ctx, s.ID)
	require.NoError(t, err)
	require.NoError(t, env.fanout.WaitHooks(ctx))

	sender.mu.Lock()
	defer sender.mu.Unlock()
	require.Len(t, sender.reports, 1)
	assert.Equal(t, []string{"prof@uni.edu"}, sender.to)
	report := sender.reports[0]
	assert.Equal(t, "Intro to CS", report.ClassName)
	assert.Equal(t, 1, report.Present)
	assert.Equal(t, 30, report.Total)
	require.Len(t, report.Students, 1)
	assert.False(t, report.EndedAt.IsZero())

	assert.NoError(t, NewReportService(env.classes, nil).Send(ctx, s))
}

func TestHistory(t *testing.T) {
	env := newTestEnv(t, 0)
	ctx := context.Background()
	history := NewHistoryService(env.records)

	items, err := history.ForStudent(ctx, "nobody@uni.edu")
	require.NoError(t, err)
	assert.NotNil(t, items)
	assert.Empty(t, items)

	for _, class := range []string{"CS101", "CS201"} {
		s := env.start(t, class)
		_, err := env.engine.Commit(ctx, attempt(s.ID, s.CurrentToken, "phone"), "a@uni.edu")
		require.NoError(t, err, "one device may attend different sessions")
	}

	items, err = history.ForStudent(ctx, " A@uni.edu ")
	require.NoError(t, err)
	assert.Len(t, items, 2)
}

func TestClassDirectoryCaches(t *testing.T) {
	repo := newMemClassRepo(testClasses...)
	dir := NewClassDirectory(repo, time.Minute)
	defer dir.Close()
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		c, err := dir.Get(ctx, "CS101")
		require.NoError(t, err)
		assert.Equal(t, 30, c.RosterSize)
	}
	assert.Equal(t, 1, repo.gets)

	_, err := dir.Get(ctx, "NOPE")
	assert.ErrorIs(t, err, pkg.ErrNotFound)

	list, err := dir.List(ctx)
	require.NoError(t, err)
	assert.Len(t, list, 2)
	_, err = dir.Get(ctx, "CS201")
	require.NoError(t, err)
	assert.Equal(t, 2, repo.gets, "List warms the cache")
}

func TestAuthService(t *testing.T) {
	auth := NewAuthService("secret")

	token, err := auth.IssueAccessToken(models.Principal{UserID: "u1", Email: "Prof@Uni.edu", Role: models.RoleInstructor}, time.Hour)
	require.NoError(t, err)

	p, err := auth.ValidateAccessToken(token)
	require.NoError(t, err)
	assert.Equal(t, &models.Principal{UserID: "u1", Email: "prof@uni.edu", Role: models.RoleInstructor}, p)

	t.Run("wrong secret", func(t *testing.T) {
		_, err := NewAuthService("other").ValidateAccessToken(token)
		assert.ErrorIs(t, err, pkg.ErrUnauthorized)
	})

	t.Run("expired", func(t *testing.T) {
		expired, err := auth.IssueAccessToken(models.Principal{Email: "a@uni.edu", Role: models.RoleStudent}, -time.Minute)
		require.NoError(t, err)
		_, err = auth.ValidateAccessToken(expired)
		assert.ErrorIs(t, err, pkg.ErrUnauthorized)
	})

	t.Run("unknown role", func(t *testing.T) {
		bad, err := auth.IssueAccessToken(models.Principal{Email: "a@uni.edu", Role: "admin"}, time.Hour)
		require.NoError(t, err)
		_, err = auth.ValidateAccessToken(bad)
		assert.ErrorIs(t, err, pkg.ErrUnauthorized)
	})

	t.Run("alg none", func(t *testing.T) {
		unsigned, err := jwt.NewWithClaims(jwt.SigningMethodNone, models.TokenClaims{
			Email: "a@uni.edu", Role: models.RoleStudent,
		}).SignedString(jwt.UnsafeAllowNoneSignatureType)
		require.NoError(t, err)
		_, err = auth.ValidateAccessToken(unsigned)
		assert.ErrorIs(t, err, pkg.ErrUnauthorized)
	})
}

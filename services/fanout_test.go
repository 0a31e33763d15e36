package services

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/akinalp/qrattend/models"
	"github.com/akinalp/qrattend/pkg"
	"github.com/akinalp/qrattend/ws"
)

func TestPushRouting(t *testing.T) {
	env := newTestEnv(t, 0)
	ctx := context.Background()
	s := env.start(t, "CS101")

	started := env.pub.find("user:prof@uni.edu", ws.OpSessionStarted)
	require.Len(t, started, 1)
	assert.Equal(t, s.CurrentToken, started[0].event.Data.(ws.SessionStartedData).Token)
	assert.Empty(t, env.pub.find("role:instructor", ws.OpSessionStarted), "other instructors never see the token")

	studentStarted := env.pub.find("role:student", ws.OpSessionStarted)
	require.Len(t, studentStarted, 1)
	assert.Empty(t, studentStarted[0].event.Data.(ws.SessionStartedData).Token, "students never get the token")

	_, err := env.engine.Commit(ctx, attempt(s.ID, s.CurrentToken, "fpA"), "Alice@Uni.edu")
	require.NoError(t, err)

	confirmed := env.pub.find("user:alice@uni.edu", ws.OpScanConfirmed)
	require.Len(t, confirmed, 1)
	assert.Equal(t, s.ID, confirmed[0].event.Data.(ws.ScanConfirmedData).SessionID)

	rosters := env.pub.find("session:"+s.ID, ws.OpAttendanceUpdate)
	require.Len(t, rosters, 1)
	assert.Equal(t, []string{"instructor"}, rosters[0].roles)

	// Rejections push nothing.
	_, err = env.engine.Commit(ctx, attempt(s.ID, s.CurrentToken, "fpA"), "alice@uni.edu")
	require.Error(t, err)
	assert.Len(t, env.pub.find("session:"+s.ID, ws.OpAttendanceUpdate), 1)

	_, err = env.registry.End(ctx, s.ID)
	require.NoError(t, err)

	ended := env.pub.find("session:"+s.ID, ws.OpSessionEnded)
	require.Len(t, ended, 1)
	assert.Empty(t, ended[0].roles, "every subscriber learns the session ended")
	assert.Equal(t, models.SessionEnded, env.pub.lastRoster(t, s.ID).State)
}

func TestResync(t *testing.T) {
	env := newTestEnv(t, 0)
	s := env.start(t, "CS101")

	instructor := env.fanout.Resync(ws.ClientInfo{UserID: "prof@uni.edu", Role: "instructor"}, s.ID)
	require.Len(t, instructor, 2)
	assert.Equal(t, ws.OpQRUpdate, instructor[0].Op)
	assert.Equal(t, s.CurrentToken, instructor[0].Data.(ws.QRUpdateData).Token)
	assert.Equal(t, ws.OpAttendanceUpdate, instructor[1].Op)

	student := env.fanout.Resync(ws.ClientInfo{UserID: "a@uni.edu", Role: "student"}, s.ID)
	require.Len(t, student, 1)
	assert.Equal(t, ws.OpSessionStarted, student[0].Op)
	assert.Empty(t, student[0].Data.(ws.SessionStartedData).Token)

	_, err := env.registry.End(context.Background(), s.ID)
	require.NoError(t, err)

	instructor = env.fanout.Resync(ws.ClientInfo{Role: "instructor"}, s.ID)
	require.Len(t, instructor, 1, "no token for an ended session")
	assert.Equal(t, ws.OpAttendanceUpdate, instructor[0].Op)

	student = env.fanout.Resync(ws.ClientInfo{Role: "student"}, s.ID)
	assert.Equal(t, ws.OpSessionEnded, student[0].Op)

	missing := env.fanout.Resync(ws.ClientInfo{Role: "student"}, "nope")
	require.Len(t, missing, 1)
	assert.Equal(t, ws.OpError, missing[0].Op)
}

func TestAuthorizeSubscribe(t *testing.T) {
	env := newTestEnv(t, 0)
	s := env.start(t, "CS101")

	tests := []struct {
		name    string
		client  ws.ClientInfo
		wantErr error
	}{
		{"owner", ws.ClientInfo{UserID: "prof@uni.edu", Role: "instructor"}, nil},
		{"owner in other case", ws.ClientInfo{UserID: "Prof@Uni.edu", Role: "instructor"}, nil},
		{"other instructor", ws.ClientInfo{UserID: "other@uni.edu", Role: "instructor"}, pkg.ErrForbidden},
		{"student", ws.ClientInfo{UserID: "a@uni.edu", Role: "student"}, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := env.fanout.AuthorizeSubscribe(tt.client, s.ID)
			if tt.wantErr == nil {
				assert.NoError(t, err)
				return
			}
			assert.ErrorIs(t, err, tt.wantErr)
		})
	}

	err := env.fanout.AuthorizeSubscribe(ws.ClientInfo{UserID: "a@uni.edu", Role: "student"}, "nope")
	assert.ErrorIs(t, err, pkg.ErrSessionNotFound)
}

func TestEndedHooks(t *testing.T) {
	env := newTestEnv(t, 0)

	var (
		mu   sync.Mutex
		seen []string
	)
	release := make(chan struct{})
	env.fanout.OnSessionEnded("record", func(_ context.Context, s *models.Session) error {
		<-release
		mu.Lock()
		seen = append(seen, s.ID)
		mu.Unlock()
		return nil
	})
	env.fanout.OnSessionEnded("failing", func(context.Context, *models.Session) error {
		return errors.New("boom")
	})

	s := env.start(t, "CS101")
	_, err := env.registry.End(context.Background(), s.ID)
	require.NoError(t, err)

	short, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.Error(t, env.fanout.WaitHooks(short), "hook is still blocked")

	close(release)
	require.NoError(t, env.fanout.WaitHooks(context.Background()))

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{s.ID}, seen)
}

func TestShutdownNotice(t *testing.T) {
	f := NewFanout(&recordingPublisher{}, 5*time.Second, nil)
	e := f.ShutdownNotice("restarting")
	assert.Equal(t, ws.OpServerShutdown, e.Op)
	assert.Equal(t, ws.ServerShutdownData{Message: "restarting", RetryAfterMS: 5000}, e.Data)
}

func TestBuildRoster(t *testing.T) {
	at := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	s := &models.Session{
		ID: "s1", ClassID: "CS101", State: models.SessionActive, RosterSize: 3,
		Records: []models.AttendanceRecord{
			{Email: "a@uni.edu", Timestamp: at},
			{Email: "b@uni.edu", Timestamp: at.Add(time.Second)},
		},
	}

	snap := BuildRoster(s)
	assert.Equal(t, models.RosterSnapshot{
		SessionID: "s1", ClassID: "CS101", State: models.SessionActive,
		Revision: 2, Present: 2, Absent: 1, Total: 3,
		ScannedStudents: []models.ScannedStudent{
			{Email: "a@uni.edu", Timestamp: at},
			{Email: "b@uni.edu", Timestamp: at.Add(time.Second)},
		},
	}, snap)

	empty := BuildRoster(&models.Session{ID: "s2"})
	assert.NotNil(t, empty.ScannedStudents)
	assert.Zero(t, empty.Present)
}

package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/akinalp/qrattend/models"
	"github.com/akinalp/qrattend/pkg"
	"github.com/akinalp/qrattend/pkg/logger"
	"github.com/akinalp/qrattend/pkg/metrics"
	"github.com/akinalp/qrattend/ws"
)

// SessionReader is the read side of the registry used by pull queries.
type SessionReader interface {
	View(ctx context.Context, sessionID string, fn func(s *models.Session) error) error
}

// EndedHook runs after a session ended, outside the session lock.
type EndedHook func(ctx context.Context, s *models.Session) error

// Fanout delivers registry changes to viewers over push and answers the
// matching pull queries. Both channels build rosters with BuildRoster.
//
// Push is best effort: frames are only queued here. Viewers that miss
// frames converge on their next pull.
type Fanout struct {
	hub    ws.EventPublisher
	reader SessionReader

	hooks       []namedHook
	hookTimeout time.Duration
	hookWG      sync.WaitGroup

	retryAfter time.Duration
	metrics    *metrics.Metrics
	log        zerolog.Logger
}

type namedHook struct {
	name string
	fn   EndedHook
}

// NewFanout creates the coordinator. retryAfter is advertised in the
// shutdown notice. m may be nil.
func NewFanout(hub ws.EventPublisher, retryAfter time.Duration, m *metrics.Metrics) *Fanout {
	return &Fanout{
		hub:         hub,
		hookTimeout: 30 * time.Second,
		retryAfter:  retryAfter,
		metrics:     m,
		log:         logger.Component("fanout"),
	}
}

// BindReader sets the registry used by pull queries. The registry itself
// needs the fanout as its notifier, so the two are wired after construction.
func (f *Fanout) BindReader(r SessionReader) {
	f.reader = r
}

// OnSessionEnded registers a hook run asynchronously for every ended
// session. Register hooks before the first session starts.
func (f *Fanout) OnSessionEnded(name string, fn EndedHook) {
	f.hooks = append(f.hooks, namedHook{name: name, fn: fn})
}

// ─── Push (SessionNotifier) ───

// SessionStarted announces a session. The token goes only to the
// instructor who started it; students learn the session exists.
func (f *Fanout) SessionStarted(s *models.Session) {
	issuedAt := s.TokenIssuedAt
	f.hub.BroadcastToUser(strings.ToLower(s.StartedBy), ws.Event{Op: ws.OpSessionStarted, Data: ws.SessionStartedData{
		SessionID: s.ID,
		ClassID:   s.ClassID,
		Token:     s.CurrentToken,
		IssuedAt:  &issuedAt,
		StartedAt: s.StartedAt,
	}})
	f.metrics.PushEvent(ws.OpSessionStarted)
	f.publishRole(string(models.RoleStudent), stateEvent(s))
}

// TokenRotated pushes the new token to the session's instructors. Only the
// owner can subscribe as an instructor (AuthorizeSubscribe).
func (f *Fanout) TokenRotated(info models.TokenInfo) {
	f.publishSession(info.SessionID, qrUpdate(info), string(models.RoleInstructor))
}

// ScanRecorded pushes the new roster to the session's instructors and a
// confirmation to the student who scanned. Rosters carry emails, so
// students never receive them.
func (f *Fanout) ScanRecorded(s *models.Session, rec models.AttendanceRecord) {
	f.publishSession(s.ID, rosterEvent(BuildRoster(s)), string(models.RoleInstructor))

	f.hub.BroadcastToUser(rec.Email, ws.Event{Op: ws.OpScanConfirmed, Data: ws.ScanConfirmedData{
		SessionID: rec.SessionID,
		Email:     rec.Email,
		Timestamp: rec.Timestamp,
	}})
	f.metrics.PushEvent(ws.OpScanConfirmed)
}

// SessionEnded pushes session_ended to every subscriber and the final
// roster to instructors, then starts the ended hooks.
func (f *Fanout) SessionEnded(s *models.Session, forced bool) {
	f.publishSession(s.ID, stateEvent(s))
	f.publishSession(s.ID, rosterEvent(BuildRoster(s)), string(models.RoleInstructor))

	for _, h := range f.hooks {
		f.hookWG.Add(1)
		go f.runHook(h, s)
	}
}

func (f *Fanout) runHook(h namedHook, s *models.Session) {
	defer f.hookWG.Done()

	ctx, cancel := context.WithTimeout(context.Background(), f.hookTimeout)
	defer cancel()

	if err := h.fn(ctx, s); err != nil {
		f.log.Error().Err(err).Str("hook", h.name).Str("session_id", s.ID).Msg("ended hook failed")
		return
	}
	f.log.Debug().Str("hook", h.name).Str("session_id", s.ID).Msg("ended hook done")
}

// WaitHooks waits for running ended hooks until ctx is done.
func (f *Fanout) WaitHooks(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		f.hookWG.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("ended hooks still running: %w", ctx.Err())
	}
}

// ShutdownNotice is the last frame every viewer receives before the hub
// closes. Viewers wait retry_after_ms before reconnecting.
func (f *Fanout) ShutdownNotice(message string) ws.Event {
	f.metrics.PushEvent(ws.OpServerShutdown)
	return ws.Event{Op: ws.OpServerShutdown, Data: ws.ServerShutdownData{
		Message:      message,
		RetryAfterMS: f.retryAfter.Milliseconds(),
	}}
}

func (f *Fanout) publishSession(sessionID string, e ws.Event, roles ...string) {
	f.hub.BroadcastToSession(sessionID, e, roles...)
	f.metrics.PushEvent(e.Op)
}

func (f *Fanout) publishRole(role string, e ws.Event) {
	f.hub.BroadcastToRole(role, e)
	f.metrics.PushEvent(e.Op)
}

// ─── Pull ───

// Roster returns the current roster of a session, active or ended.
func (f *Fanout) Roster(ctx context.Context, sessionID string) (models.RosterSnapshot, error) {
	var snap models.RosterSnapshot
	err := f.reader.View(ctx, sessionID, func(s *models.Session) error {
		snap = BuildRoster(s)
		return nil
	})
	return snap, err
}

// CurrentToken returns the token in effect. Ended sessions have none and
// yield ErrSessionEnded.
func (f *Fanout) CurrentToken(ctx context.Context, sessionID string) (models.TokenInfo, error) {
	var info models.TokenInfo
	err := f.reader.View(ctx, sessionID, func(s *models.Session) error {
		if !s.IsActive() {
			return fmt.Errorf("%w: %s", pkg.ErrSessionEnded, s.ID)
		}
		info = models.TokenInfo{SessionID: s.ID, Token: s.CurrentToken, IssuedAt: s.TokenIssuedAt}
		return nil
	})
	return info, err
}

// AuthorizeSubscribe lets students follow any session, since they only
// receive its state, and instructors only the sessions they started.
func (f *Fanout) AuthorizeSubscribe(client ws.ClientInfo, sessionID string) error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	return f.reader.View(ctx, sessionID, func(s *models.Session) error {
		if client.Role == string(models.RoleInstructor) && !strings.EqualFold(s.StartedBy, client.UserID) {
			return fmt.Errorf("%w: session %s belongs to another instructor", pkg.ErrForbidden, s.ID)
		}
		return nil
	})
}

// Resync answers a websocket subscribe with the current state so the
// viewer does not wait for the next change. Instructors get the token of
// an active session and the roster; students get the session's state.
func (f *Fanout) Resync(client ws.ClientInfo, sessionID string) []ws.Event {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var events []ws.Event
	err := f.reader.View(ctx, sessionID, func(s *models.Session) error {
		if client.Role != string(models.RoleInstructor) {
			events = append(events, stateEvent(s))
			return nil
		}
		if s.IsActive() {
			events = append(events, qrUpdate(models.TokenInfo{
				SessionID: s.ID, Token: s.CurrentToken, IssuedAt: s.TokenIssuedAt,
			}))
		}
		events = append(events, rosterEvent(BuildRoster(s)))
		return nil
	})
	if err != nil {
		msg := "session unavailable"
		if errors.Is(err, pkg.ErrSessionNotFound) {
			msg = "session not found"
		} else {
			f.log.Error().Err(err).Str("session_id", sessionID).Msg("resync failed")
		}
		return []ws.Event{{Op: ws.OpError, Data: ws.ErrorData{Op: ws.OpSubscribe, Message: msg}}}
	}
	return events
}

func qrUpdate(info models.TokenInfo) ws.Event {
	return ws.Event{Op: ws.OpQRUpdate, Data: ws.QRUpdateData{
		SessionID: info.SessionID,
		Token:     info.Token,
		IssuedAt:  info.IssuedAt,
	}}
}

// stateEvent describes a session's lifecycle state without its token.
func stateEvent(s *models.Session) ws.Event {
	if s.IsActive() {
		return ws.Event{Op: ws.OpSessionStarted, Data: ws.SessionStartedData{
			SessionID: s.ID,
			ClassID:   s.ClassID,
			StartedAt: s.StartedAt,
		}}
	}
	var endedAt time.Time
	if s.EndedAt != nil {
		endedAt = *s.EndedAt
	}
	return ws.Event{Op: ws.OpSessionEnded, Data: ws.SessionEndedData{
		SessionID: s.ID,
		ClassID:   s.ClassID,
		EndedAt:   endedAt,
	}}
}

func rosterEvent(snap models.RosterSnapshot) ws.Event {
	return ws.Event{Op: ws.OpAttendanceUpdate, Data: snap}
}

// Package services holds the attendance protocol and the features built
// around it.
//
// The protocol core is four pieces:
//   - SessionRegistry: the authoritative per-session state machine
//   - TokenRotator: replaces each active session's token on a timer
//   - ValidationEngine: the accept/reject decision for a scan
//   - Fanout: pushes changes to viewers and answers pull queries
//
// Services never see http.Request or SQL; they take domain models and talk
// to repositories through interfaces.
package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/akinalp/qrattend/models"
	"github.com/akinalp/qrattend/pkg"
	"github.com/akinalp/qrattend/pkg/logger"
	"github.com/akinalp/qrattend/pkg/metrics"
	"github.com/akinalp/qrattend/repository"
)

// SessionNotifier receives every registry transition and accepted scan.
//
// Methods are called while the session's lock is held so that viewers see
// changes in the order they happened. Implementations must not block and
// must not call back into the registry for the same session.
type SessionNotifier interface {
	SessionStarted(s *models.Session)
	TokenRotated(info models.TokenInfo)
	ScanRecorded(s *models.Session, rec models.AttendanceRecord)
	SessionEnded(s *models.Session, forced bool)
}

// ScanApprover is the validation step run inside a session's critical
// section right before a record is appended. A non-nil error rejects the
// scan and leaves the session untouched.
type ScanApprover func(s *models.Session) error

// liveSession is a session held in memory together with its lock.
type liveSession struct {
	mu      sync.Mutex
	session *models.Session
}

// SessionRegistry owns every session of this process.
//
// Lifecycle of a session:
//  1. Start reserves the class, persists the row and starts rotation
//  2. RecordScan and token rotation mutate it under its own lock
//  3. End (or Shutdown) marks it ended and stops rotation
//  4. The janitor evicts it after the retention period; later reads load
//     it back from the repository
//
// The map lookup is guarded by one RWMutex; everything about a single
// session is guarded by that session's own mutex, so unrelated sessions
// never wait for each other. Notifier calls happen under the session
// lock and must only enqueue.
type SessionRegistry struct {
	mu            sync.RWMutex
	sessions      map[string]*liveSession
	activeByClass map[string]string
	closed        bool

	sessionRepo    repository.SessionRepository
	attendanceRepo repository.AttendanceRepository
	classes        ClassDirectory
	rotator        *TokenRotator
	notifier       SessionNotifier

	retention time.Duration
	now       func() time.Time
	metrics   *metrics.Metrics
	log       zerolog.Logger
}

// NewSessionRegistry creates a registry. Ended sessions stay in memory for
// retention, then lookups fall back to the repositories. m may be nil.
func NewSessionRegistry(
	sessionRepo repository.SessionRepository,
	attendanceRepo repository.AttendanceRepository,
	classes ClassDirectory,
	rotator *TokenRotator,
	retention time.Duration,
	m *metrics.Metrics,
) *SessionRegistry {
	return &SessionRegistry{
		sessions:       make(map[string]*liveSession),
		activeByClass:  make(map[string]string),
		sessionRepo:    sessionRepo,
		attendanceRepo: attendanceRepo,
		classes:        classes,
		rotator:        rotator,
		notifier:       nopNotifier{},
		retention:      retention,
		now:            func() time.Time { return time.Now().UTC() },
		metrics:        m,
		log:            logger.Component("registry"),
	}
}

// SetNotifier wires the fan-out. Call before the first Start.
func (r *SessionRegistry) SetNotifier(n SessionNotifier) {
	r.notifier = n
}

// Start opens a session for classID, issues its first token and starts
// rotation. It fails with ErrAlreadyActive if the class already has an
// active session.
func (r *SessionRegistry) Start(ctx context.Context, classID, startedBy string) (*models.Session, error) {
	class, err := r.classes.Get(ctx, classID)
	if err != nil {
		return nil, err
	}

	id := uuid.NewString()
	startedBy = strings.ToLower(strings.TrimSpace(startedBy))

	// Reserve the class before touching the database so two concurrent
	// starts cannot both succeed.
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil, pkg.ErrShuttingDown
	}
	if active, ok := r.activeByClass[classID]; ok {
		r.mu.Unlock()
		return nil, fmt.Errorf("%w: class %s, session %s", pkg.ErrAlreadyActive, classID, active)
	}
	r.activeByClass[classID] = id
	r.mu.Unlock()

	now := r.now()
	s := &models.Session{
		ID:             id,
		ClassID:        class.ID,
		State:          models.SessionActive,
		StartedBy:      startedBy,
		StartedAt:      now,
		RosterSize:     class.RosterSize,
		CurrentToken:   r.rotator.Issue(""),
		TokenIssuedAt:  now,
		ScannedDevices: make(map[string]struct{}),
		Records:        []models.AttendanceRecord{},
	}

	if err := r.sessionRepo.Create(ctx, s); err != nil {
		r.releaseClass(classID, id)
		return nil, fmt.Errorf("failed to persist session: %w", err)
	}

	ls := &liveSession{session: s}
	ls.mu.Lock()
	defer ls.mu.Unlock()

	r.mu.Lock()
	if r.closed {
		// Shutdown began while the row was being written.
		delete(r.activeByClass, classID)
		r.mu.Unlock()
		if err := r.sessionRepo.MarkEnded(ctx, id, r.now()); err != nil {
			r.log.Error().Err(err).Str("session_id", id).Msg("failed to end session refused on shutdown")
		}
		return nil, pkg.ErrShuttingDown
	}
	r.sessions[id] = ls
	r.mu.Unlock()

	r.rotator.Start(id, s.CurrentToken, func(token string, issuedAt time.Time) bool {
		return r.applyToken(ls, token, issuedAt)
	})

	r.notifier.SessionStarted(s.Clone())
	r.metrics.SessionStarted()
	r.log.Info().Str("session_id", id).Str("class_id", classID).Str("started_by", startedBy).Msg("session started")

	return s.Clone(), nil
}

// applyToken is the rotator's write path.
func (r *SessionRegistry) applyToken(ls *liveSession, token string, issuedAt time.Time) bool {
	ls.mu.Lock()
	defer ls.mu.Unlock()

	s := ls.session
	if !s.IsActive() {
		return false
	}
	s.CurrentToken = token
	s.TokenIssuedAt = issuedAt

	r.notifier.TokenRotated(models.TokenInfo{SessionID: s.ID, Token: token, IssuedAt: issuedAt})
	return true
}

// End closes an active session and returns its final roster. It fails with
// ErrSessionNotFound for unknown ids and ErrAlreadyEnded if the session has
// already ended.
func (r *SessionRegistry) End(ctx context.Context, sessionID string) (models.RosterSnapshot, error) {
	ls := r.live(sessionID)
	if ls == nil {
		if _, err := r.load(ctx, sessionID); err != nil {
			return models.RosterSnapshot{}, err
		}
		return models.RosterSnapshot{}, fmt.Errorf("%w: %s", pkg.ErrAlreadyEnded, sessionID)
	}

	ls.mu.Lock()
	defer ls.mu.Unlock()

	s, err := r.endLocked(ctx, ls, false)
	if err != nil {
		return models.RosterSnapshot{}, err
	}
	return BuildRoster(s), nil
}

// endLocked performs the Active → Ended transition. ls.mu must be held.
func (r *SessionRegistry) endLocked(ctx context.Context, ls *liveSession, forced bool) (*models.Session, error) {
	s := ls.session
	if !s.IsActive() {
		return nil, fmt.Errorf("%w: %s", pkg.ErrAlreadyEnded, s.ID)
	}

	now := r.now()
	if err := r.sessionRepo.MarkEnded(ctx, s.ID, now); err != nil {
		return nil, fmt.Errorf("failed to persist session end: %w", err)
	}

	s.State = models.SessionEnded
	s.CurrentToken = ""
	s.EndedAt = &now

	r.rotator.Stop(s.ID)
	r.releaseClass(s.ClassID, s.ID)

	snapshot := s.Clone()
	r.notifier.SessionEnded(snapshot, forced)
	r.metrics.SessionEnded(forced)
	r.log.Info().Str("session_id", s.ID).Str("class_id", s.ClassID).
		Int("present", len(s.Records)).Bool("forced", forced).Msg("session ended")

	return snapshot, nil
}

// RecordScan appends a record for email and deviceDigest if approve accepts
// the session as it is inside the critical section. The registry re-checks
// the device set itself and fails with ErrDuplicateDevice on a repeat.
func (r *SessionRegistry) RecordScan(ctx context.Context, sessionID, email, deviceDigest string, approve ScanApprover) (*models.AttendanceRecord, error) {
	ls := r.live(sessionID)
	if ls == nil {
		// Not live: either unknown or ended and evicted. Either way the
		// approver rejects it, which yields the right reason.
		s, err := r.load(ctx, sessionID)
		if err != nil {
			return nil, err
		}
		if err := approve(s); err != nil {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %s", pkg.ErrSessionEnded, sessionID)
	}

	ls.mu.Lock()
	defer ls.mu.Unlock()

	s := ls.session
	if err := approve(s); err != nil {
		return nil, err
	}
	if !s.IsActive() {
		return nil, fmt.Errorf("%w: %s", pkg.ErrSessionEnded, sessionID)
	}
	if deviceDigest == "" {
		return nil, pkg.ErrMissingFingerprint
	}
	if s.HasDevice(deviceDigest) {
		return nil, pkg.ErrDuplicateDevice
	}

	rec := models.AttendanceRecord{
		ID:                uuid.NewString(),
		SessionID:         s.ID,
		Email:             email,
		DeviceFingerprint: deviceDigest,
		Timestamp:         r.now(),
	}
	if err := r.attendanceRepo.Create(ctx, &rec); err != nil {
		return nil, err
	}

	s.ScannedDevices[deviceDigest] = struct{}{}
	s.Records = append(s.Records, rec)

	r.notifier.ScanRecorded(s.Clone(), rec)
	return &rec, nil
}

// View runs fn on the session while its lock is held. fn must not keep s
// or call back into the registry. Sessions no longer in memory are loaded
// from the repositories and can only be read.
func (r *SessionRegistry) View(ctx context.Context, sessionID string, fn func(s *models.Session) error) error {
	ls := r.live(sessionID)
	if ls == nil {
		s, err := r.load(ctx, sessionID)
		if err != nil {
			return err
		}
		return fn(s)
	}

	ls.mu.Lock()
	defer ls.mu.Unlock()
	return fn(ls.session)
}

// Authorize checks that the instructor identified by email started the
// session. Unknown sessions yield ErrSessionNotFound, sessions started by
// someone else ErrForbidden.
func (r *SessionRegistry) Authorize(ctx context.Context, sessionID, email string) error {
	email = strings.TrimSpace(email)
	return r.View(ctx, sessionID, func(s *models.Session) error {
		if email == "" || !strings.EqualFold(s.StartedBy, email) {
			return fmt.Errorf("%w: session %s belongs to another instructor", pkg.ErrForbidden, s.ID)
		}
		return nil
	})
}

// Get returns a copy of the session.
func (r *SessionRegistry) Get(ctx context.Context, sessionID string) (*models.Session, error) {
	var out *models.Session
	err := r.View(ctx, sessionID, func(s *models.Session) error {
		out = s.Clone()
		return nil
	})
	return out, err
}

// ActiveSessionID returns the active session of a class, if any.
func (r *SessionRegistry) ActiveSessionID(classID string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	id, ok := r.activeByClass[classID]
	if !ok {
		return "", false
	}
	// A reserved but not yet created session is not visible.
	if _, live := r.sessions[id]; !live {
		return "", false
	}
	return id, true
}

// Recover finalizes sessions a previous process left active. Their tokens
// and timers died with that process, so they cannot be resumed.
func (r *SessionRegistry) Recover(ctx context.Context) error {
	n, err := r.sessionRepo.EndStale(ctx, r.now())
	if err != nil {
		return fmt.Errorf("failed to end stale sessions: %w", err)
	}
	if n > 0 {
		r.log.Warn().Int64("sessions", n).Msg("ended sessions left active by a previous run")
	}
	return nil
}

// RunJanitor evicts ended sessions older than the retention period until
// ctx is cancelled.
func (r *SessionRegistry) RunJanitor(ctx context.Context) {
	interval := r.retention / 2
	if interval < time.Second {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := r.evict(); n > 0 {
				r.log.Debug().Int("sessions", n).Msg("evicted ended sessions")
			}
		}
	}
}

// evict drops ended sessions whose retention has passed.
func (r *SessionRegistry) evict() int {
	cutoff := r.now().Add(-r.retention)

	r.mu.RLock()
	candidates := make(map[string]*liveSession, len(r.sessions))
	for id, ls := range r.sessions {
		candidates[id] = ls
	}
	r.mu.RUnlock()

	var expired []string
	for id, ls := range candidates {
		ls.mu.Lock()
		s := ls.session
		if !s.IsActive() && s.EndedAt != nil && !s.EndedAt.After(cutoff) {
			expired = append(expired, id)
		}
		ls.mu.Unlock()
	}

	if len(expired) == 0 {
		return 0
	}
	r.mu.Lock()
	for _, id := range expired {
		delete(r.sessions, id)
	}
	r.mu.Unlock()
	return len(expired)
}

// Shutdown refuses new sessions, force-ends every active one and waits for
// all rotations to stop.
func (r *SessionRegistry) Shutdown(ctx context.Context) {
	r.mu.Lock()
	r.closed = true
	live := make([]*liveSession, 0, len(r.sessions))
	for _, ls := range r.sessions {
		live = append(live, ls)
	}
	r.mu.Unlock()

	ended := 0
	for _, ls := range live {
		ls.mu.Lock()
		if ls.session.IsActive() {
			if _, err := r.endLocked(ctx, ls, true); err != nil {
				r.log.Error().Err(err).Str("session_id", ls.session.ID).Msg("failed to end session on shutdown")
			} else {
				ended++
			}
		}
		ls.mu.Unlock()
	}

	r.rotator.StopAll()
	r.log.Info().Int("sessions", ended).Msg("registry shut down")
}

func (r *SessionRegistry) live(sessionID string) *liveSession {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.sessions[sessionID]
}

func (r *SessionRegistry) releaseClass(classID, sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.activeByClass[classID] == sessionID {
		delete(r.activeByClass, classID)
	}
}

// load rebuilds a session that is not in memory from the repositories.
// Only ended sessions are served this way; an active row without a live
// session is still being created and is reported as not found.
func (r *SessionRegistry) load(ctx context.Context, sessionID string) (*models.Session, error) {
	s, err := r.sessionRepo.GetByID(ctx, sessionID)
	if err != nil {
		if errors.Is(err, pkg.ErrNotFound) {
			return nil, fmt.Errorf("%w: %s", pkg.ErrSessionNotFound, sessionID)
		}
		return nil, err
	}
	if s.IsActive() {
		return nil, fmt.Errorf("%w: %s", pkg.ErrSessionNotFound, sessionID)
	}

	records, err := r.attendanceRepo.ListBySession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	s.Records = records
	s.ScannedDevices = make(map[string]struct{}, len(records))
	for _, rec := range records {
		s.ScannedDevices[rec.DeviceFingerprint] = struct{}{}
	}

	if class, err := r.classes.Get(ctx, s.ClassID); err == nil {
		s.RosterSize = class.RosterSize
	} else {
		r.log.Warn().Err(err).Str("class_id", s.ClassID).Msg("roster size unavailable")
	}
	return s, nil
}

type nopNotifier struct{}

func (nopNotifier) SessionStarted(*models.Session)                         {}
func (nopNotifier) TokenRotated(models.TokenInfo)                          {}
func (nopNotifier) ScanRecorded(*models.Session, models.AttendanceRecord) {}
func (nopNotifier) SessionEnded(*models.Session, bool)                     {}

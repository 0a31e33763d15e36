package services

import (
	"context"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/akinalp/qrattend/models"
	"github.com/akinalp/qrattend/pkg"
	"github.com/akinalp/qrattend/pkg/fingerprint"
	"github.com/akinalp/qrattend/ws"
)

// ─── In-memory repositories ───

type memSessionRepo struct {
	mu        sync.Mutex
	rows      map[string]models.Session
	createErr error
}

func newMemSessionRepo() *memSessionRepo {
	return &memSessionRepo{rows: make(map[string]models.Session)}
}

func (r *memSessionRepo) Create(_ context.Context, s *models.Session) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.createErr != nil {
		return r.createErr
	}
	r.rows[s.ID] = models.Session{ID: s.ID, ClassID: s.ClassID, State: s.State, StartedBy: s.StartedBy, StartedAt: s.StartedAt}
	return nil
}

func (r *memSessionRepo) MarkEnded(_ context.Context, id string, endedAt time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	row, ok := r.rows[id]
	if !ok || row.State != models.SessionActive {
		return pkg.ErrNotFound
	}
	row.State = models.SessionEnded
	row.EndedAt = &endedAt
	r.rows[id] = row
	return nil
}

func (r *memSessionRepo) GetByID(_ context.Context, id string) (*models.Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	row, ok := r.rows[id]
	if !ok {
		return nil, pkg.ErrNotFound
	}
	return &row, nil
}

func (r *memSessionRepo) EndStale(_ context.Context, endedAt time.Time) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var n int64
	for id, row := range r.rows {
		if row.State == models.SessionActive {
			row.State = models.SessionEnded
			row.EndedAt = &endedAt
			r.rows[id] = row
			n++
		}
	}
	return n, nil
}

func (r *memSessionRepo) state(id string) models.SessionState {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.rows[id].State
}

type memAttendanceRepo struct {
	mu   sync.Mutex
	rows []models.AttendanceRecord
}

func (r *memAttendanceRepo) Create(_ context.Context, rec *models.AttendanceRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, row := range r.rows {
		if row.SessionID == rec.SessionID && row.DeviceFingerprint == rec.DeviceFingerprint {
			return pkg.ErrDuplicateDevice
		}
	}
	r.rows = append(r.rows, *rec)
	return nil
}

func (r *memAttendanceRepo) ListBySession(_ context.Context, sessionID string) ([]models.AttendanceRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := []models.AttendanceRecord{}
	for _, row := range r.rows {
		if row.SessionID == sessionID {
			out = append(out, row)
		}
	}
	return out, nil
}

func (r *memAttendanceRepo) ListByEmail(_ context.Context, email string) ([]models.StudentAttendance, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []models.StudentAttendance
	for _, row := range r.rows {
		if strings.EqualFold(row.Email, email) {
			out = append(out, models.StudentAttendance{SessionID: row.SessionID, Timestamp: row.Timestamp})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Timestamp.After(out[j].Timestamp) })
	return out, nil
}

func (r *memAttendanceRepo) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.rows)
}

type memClassRepo struct {
	mu      sync.Mutex
	classes map[string]models.Class
	gets    int
}

func newMemClassRepo(classes ...models.Class) *memClassRepo {
	r := &memClassRepo{classes: make(map[string]models.Class)}
	for _, c := range classes {
		r.classes[c.ID] = c
	}
	return r
}

func (r *memClassRepo) GetByID(_ context.Context, id string) (*models.Class, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.gets++
	c, ok := r.classes[id]
	if !ok {
		return nil, pkg.ErrNotFound
	}
	return &c, nil
}

func (r *memClassRepo) List(_ context.Context) ([]models.Class, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]models.Class, 0, len(r.classes))
	for _, c := range r.classes {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// ─── Recording publisher ───

type published struct {
	target string // "all", "role:<r>", "session:<id>", "user:<id>"
	roles  []string
	event  ws.Event
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []published
}

func (p *recordingPublisher) add(target string, e ws.Event, roles []string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, published{target: target, roles: roles, event: e})
}

func (p *recordingPublisher) BroadcastToAll(e ws.Event) { p.add("all", e, nil) }
func (p *recordingPublisher) BroadcastToRole(role string, e ws.Event) {
	p.add("role:"+role, e, nil)
}
func (p *recordingPublisher) BroadcastToSession(id string, e ws.Event, roles ...string) {
	p.add("session:"+id, e, roles)
}
func (p *recordingPublisher) BroadcastToUser(id string, e ws.Event) { p.add("user:"+id, e, nil) }
func (p *recordingPublisher) ConnectionCount() int                   { return 0 }

// find returns the events sent to target with op, in order.
func (p *recordingPublisher) find(target, op string) []published {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []published
	for _, e := range p.events {
		if e.target == target && e.event.Op == op {
			out = append(out, e)
		}
	}
	return out
}

// lastRoster is the most recent pushed roster of a session.
func (p *recordingPublisher) lastRoster(t *testing.T, sessionID string) models.RosterSnapshot {
	t.Helper()
	events := p.find("session:"+sessionID, ws.OpAttendanceUpdate)
	require.NotEmpty(t, events, "no roster pushed")
	return events[len(events)-1].event.Data.(models.RosterSnapshot)
}

// ─── Test environment ───

var testClasses = []models.Class{
	{ID: "CS101", Name: "Intro to CS", RosterSize: 30},
	{ID: "CS201", Name: "Data Structures", RosterSize: 2},
}

type testEnv struct {
	sessions  *memSessionRepo
	records   *memAttendanceRepo
	classRepo *memClassRepo
	classes   *CachedClassDirectory
	rotator   *TokenRotator
	registry  *SessionRegistry
	engine    *ValidationEngine
	fanout    *Fanout
	pub       *recordingPublisher
}

// newTestEnv wires the protocol core over in-memory repositories. With a
// zero interval rotation never ticks on its own; tests call rotate.
func newTestEnv(t *testing.T, interval time.Duration) *testEnv {
	t.Helper()
	if interval == 0 {
		interval = time.Hour
	}

	env := &testEnv{
		sessions:  newMemSessionRepo(),
		records:   &memAttendanceRepo{},
		classRepo: newMemClassRepo(testClasses...),
		pub:       &recordingPublisher{},
	}
	env.classes = NewClassDirectory(env.classRepo, time.Minute)
	env.rotator = NewTokenRotator(interval, nil)
	env.registry = NewSessionRegistry(env.sessions, env.records, env.classes, env.rotator, time.Minute, nil)
	env.fanout = NewFanout(env.pub, 5*time.Second, nil)
	env.fanout.BindReader(env.registry)
	env.registry.SetNotifier(env.fanout)

	hasher, err := fingerprint.NewHasher("test-key")
	require.NoError(t, err)
	env.engine = NewValidationEngine(env.registry, hasher, nil)

	t.Cleanup(func() {
		env.rotator.StopAll()
		env.classes.Close()
	})
	return env
}

func (env *testEnv) start(t *testing.T, classID string) *models.Session {
	t.Helper()
	s, err := env.registry.Start(context.Background(), classID, "prof@uni.edu")
	require.NoError(t, err)
	return s
}

// rotate performs one rotation tick synchronously and returns the new token.
func (env *testEnv) rotate(t *testing.T, sessionID string) string {
	t.Helper()
	ls := env.registry.live(sessionID)
	require.NotNil(t, ls)

	ls.mu.Lock()
	prev := ls.session.CurrentToken
	ls.mu.Unlock()

	token := env.rotator.Issue(prev)
	require.True(t, env.registry.applyToken(ls, token, time.Now().UTC()))
	return token
}

func (env *testEnv) token(t *testing.T, sessionID string) string {
	t.Helper()
	info, err := env.fanout.CurrentToken(context.Background(), sessionID)
	require.NoError(t, err)
	return info.Token
}

func attempt(sessionID, token, fp string) models.ScanAttempt {
	return models.ScanAttempt{SessionID: sessionID, Token: token, DeviceFingerprint: fp, PresentedAt: time.Now()}
}

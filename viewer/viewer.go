// Package viewer is a client that follows one session the way an
// instructor dashboard does.
//
// It keeps two channels to the server:
//   - push: a websocket subscribed to the session (qr_update, attendance_update, session_ended)
//   - pull: periodic GET of the roster and token, and one right after every reconnect
//
// Either channel alone converges; together, a missed push is repaired by
// the next pull. Stale data never overwrites newer data: rosters are
// ordered by revision, tokens by issue time. Frame sequence numbers only
// detect gaps, which trigger an immediate pull.
//
// After a server_shutdown notice the viewer waits the advertised delay
// before reconnecting. After a network fault it backs off exponentially.
package viewer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand/v2"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/akinalp/qrattend/models"
	"github.com/akinalp/qrattend/pkg/logger"
	"github.com/akinalp/qrattend/ws"
)

// Config configures a Viewer.
type Config struct {
	BaseURL   string // e.g. http://localhost:9090
	Token     string // instructor bearer token
	SessionID string

	// PollInterval is used until the server's ready frame advertises one.
	PollInterval time.Duration
	MinBackoff   time.Duration
	MaxBackoff   time.Duration

	HTTPClient *http.Client
	Dialer     *websocket.Dialer
}

func (c *Config) withDefaults() {
	if c.PollInterval <= 0 {
		c.PollInterval = 15 * time.Second
	}
	if c.MinBackoff <= 0 {
		c.MinBackoff = 500 * time.Millisecond
	}
	if c.MaxBackoff <= 0 {
		c.MaxBackoff = 30 * time.Second
	}
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: 10 * time.Second}
	}
	if c.Dialer == nil {
		c.Dialer = websocket.DefaultDialer
	}
}

// State is what the viewer currently believes about the session.
type State struct {
	Roster    models.RosterSnapshot
	Token     models.TokenInfo
	Ended     bool
	Connected bool
}

// errShutdown ends a connection that received server_shutdown or a 1012 close.
type errShutdown struct {
	retryAfter time.Duration
}

func (e *errShutdown) Error() string {
	return fmt.Sprintf("server restarting, retry in %s", e.retryAfter)
}

// Viewer follows one session.
//
// Two goroutines feed the same State:
//   - Run keeps a websocket open and applies every pushed frame
//   - pollLoop pulls roster and token every poll interval, and at once
//     after a reconnect or a missed frame
//
// Updates are merged, never replaced blindly: a roster is applied only if
// its revision is not older than the one held, a token only if it was not
// issued earlier. Either source may lag without rolling the state back.
//
// mu guards state, hasRoster, pollInterval and lastSeq. onChange is read
// without it because it is set before Run.
type Viewer struct {
	cfg Config

	mu           sync.Mutex
	state        State
	hasRoster    bool
	pollInterval time.Duration
	lastSeq      int64
	onChange     func(State)

	pollNow chan struct{}
	log     zerolog.Logger
}

// New creates a viewer.
func New(cfg Config) *Viewer {
	cfg.withDefaults()
	return &Viewer{
		cfg:          cfg,
		pollInterval: cfg.PollInterval,
		pollNow:      make(chan struct{}, 1),
		log:          logger.Component("viewer").With().Str("session_id", cfg.SessionID).Logger(),
	}
}

// OnChange registers a callback run after every accepted update. Set it
// before Run. It is called without the viewer's lock held.
func (v *Viewer) OnChange(fn func(State)) {
	v.onChange = fn
}

// State returns a copy of the current state.
func (v *Viewer) State() State {
	v.mu.Lock()
	defer v.mu.Unlock()
	s := v.state
	s.Roster.ScannedStudents = append([]models.ScannedStudent(nil), v.state.Roster.ScannedStudents...)
	return s
}

// Run follows the session until ctx is cancelled and then returns nil.
//
// Connection failures never end Run. After server_shutdown or a 1012
// close it waits the advertised retry delay; after anything else it backs
// off exponentially from MinBackoff to MaxBackoff, resetting once a
// handshake succeeds. Polling continues the whole time.
func (v *Viewer) Run(ctx context.Context) error {
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		v.pollLoop(ctx)
	}()
	defer wg.Wait()

	backoff := v.cfg.MinBackoff
	for {
		connected, err := v.connect(ctx)
		v.setConnected(false)
		if ctx.Err() != nil {
			return nil
		}

		var delay time.Duration
		var shutdown *errShutdown
		switch {
		case errors.As(err, &shutdown):
			delay = shutdown.retryAfter
			backoff = v.cfg.MinBackoff
		default:
			if connected {
				backoff = v.cfg.MinBackoff
			}
			delay = backoff
			backoff = min(backoff*2, v.cfg.MaxBackoff)
		}
		v.log.Debug().Err(err).Dur("delay", delay).Msg("push channel down, polling meanwhile")

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(jitter(delay)):
		}
	}
}

// connect runs one websocket connection until it ends. connected reports
// whether the handshake succeeded.
func (v *Viewer) connect(ctx context.Context) (connected bool, err error) {
	wsURL, err := v.wsURL()
	if err != nil {
		return false, err
	}

	conn, resp, err := v.cfg.Dialer.DialContext(ctx, wsURL, nil)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if err != nil {
		if resp != nil && resp.StatusCode == http.StatusServiceUnavailable {
			return false, &errShutdown{retryAfter: retryAfterHeader(resp, v.cfg.MinBackoff)}
		}
		return false, err
	}
	defer conn.Close()

	stopWatch := context.AfterFunc(ctx, func() { conn.Close() })
	defer stopWatch()

	v.mu.Lock()
	v.lastSeq = 0 // sequence numbers are per connection
	v.mu.Unlock()
	v.setConnected(true)
	v.triggerPoll()

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			var closeErr *websocket.CloseError
			if errors.As(err, &closeErr) && closeErr.Code == websocket.CloseServiceRestart {
				return true, &errShutdown{retryAfter: v.cfg.MinBackoff}
			}
			return true, err
		}

		var event ws.Event
		if err := json.Unmarshal(raw, &event); err != nil {
			v.log.Debug().Err(err).Msg("invalid frame")
			continue
		}
		if err := v.handleEvent(event); err != nil {
			return true, err
		}
	}
}

func (v *Viewer) handleEvent(event ws.Event) error {
	// Seq only detects missed frames. Every frame is applied; rosters and
	// tokens carry their own ordering.
	if v.trackSeq(event.Seq) {
		v.triggerPoll()
	}

	switch event.Op {
	case ws.OpReady:
		var data ws.ReadyData
		if decode(event.Data, &data) && data.PollIntervalMS > 0 {
			v.mu.Lock()
			v.pollInterval = time.Duration(data.PollIntervalMS) * time.Millisecond
			v.mu.Unlock()
		}

	case ws.OpQRUpdate:
		var data ws.QRUpdateData
		if decode(event.Data, &data) && data.SessionID == v.cfg.SessionID {
			v.applyToken(models.TokenInfo{SessionID: data.SessionID, Token: data.Token, IssuedAt: data.IssuedAt})
		}

	case ws.OpAttendanceUpdate:
		var snap models.RosterSnapshot
		if decode(event.Data, &snap) && snap.SessionID == v.cfg.SessionID {
			v.applyRoster(snap)
		}

	case ws.OpSessionEnded:
		var data ws.SessionEndedData
		if decode(event.Data, &data) && data.SessionID == v.cfg.SessionID {
			v.markEnded()
		}

	case ws.OpServerShutdown:
		var data ws.ServerShutdownData
		retry := v.cfg.MinBackoff
		if decode(event.Data, &data) && data.RetryAfterMS > 0 {
			retry = time.Duration(data.RetryAfterMS) * time.Millisecond
		}
		return &errShutdown{retryAfter: retry}

	case ws.OpError:
		var data ws.ErrorData
		decode(event.Data, &data)
		v.log.Warn().Str("message", data.Message).Msg("server refused request")
	}
	return nil
}

// trackSeq records seq and reports whether it is not the successor of the
// previous frame on this connection.
func (v *Viewer) trackSeq(seq int64) (gap bool) {
	if seq == 0 {
		return false
	}
	v.mu.Lock()
	defer v.mu.Unlock()

	gap = seq != v.lastSeq+1
	if seq > v.lastSeq {
		v.lastSeq = seq
	}
	if gap {
		v.log.Debug().Int64("seq", seq).Int64("last_seq", v.lastSeq).Msg("frame gap, pulling")
	}
	return gap
}

// ─── Pull ───

func (v *Viewer) pollLoop(ctx context.Context) {
	for {
		v.mu.Lock()
		interval := v.pollInterval
		v.mu.Unlock()

		timer := time.NewTimer(interval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		case <-v.pollNow:
			timer.Stop()
		}

		if err := v.Pull(ctx); err != nil && ctx.Err() == nil {
			v.log.Debug().Err(err).Msg("pull failed")
		}
	}
}

func (v *Viewer) triggerPoll() {
	select {
	case v.pollNow <- struct{}{}:
	default:
	}
}

// Pull reads the roster and, while the session is active, the token.
func (v *Viewer) Pull(ctx context.Context) error {
	var snap models.RosterSnapshot
	if err := v.get(ctx, "/roster", &snap); err != nil {
		return err
	}
	v.applyRoster(snap)
	if snap.State == models.SessionEnded {
		v.markEnded()
		return nil
	}

	var info models.TokenInfo
	if err := v.get(ctx, "/token", &info); err != nil {
		return err
	}
	v.applyToken(info)
	return nil
}

type envelope struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data"`
	Error   string          `json:"error"`
}

func (v *Viewer) get(ctx context.Context, suffix string, dst any) error {
	endpoint := strings.TrimRight(v.cfg.BaseURL, "/") + "/api/sessions/" + url.PathEscape(v.cfg.SessionID) + suffix
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+v.cfg.Token)

	resp, err := v.cfg.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	var env envelope
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		return fmt.Errorf("GET %s: %w", suffix, err)
	}
	if !env.Success {
		return fmt.Errorf("GET %s: %d %s", suffix, resp.StatusCode, env.Error)
	}
	return json.Unmarshal(env.Data, dst)
}

// ─── State ───

// applyRoster keeps the newest roster. Equal revisions are accepted so an
// end of session is seen, but an ended roster is never replaced by an
// active one of the same revision.
func (v *Viewer) applyRoster(snap models.RosterSnapshot) {
	v.mu.Lock()
	cur := v.state.Roster
	if v.hasRoster {
		if snap.Revision < cur.Revision {
			v.mu.Unlock()
			return
		}
		if snap.Revision == cur.Revision && cur.State == models.SessionEnded && snap.State != models.SessionEnded {
			v.mu.Unlock()
			return
		}
	}
	v.state.Roster = snap
	v.hasRoster = true
	if snap.State == models.SessionEnded {
		v.state.Ended = true
		v.state.Token = models.TokenInfo{}
	}
	v.mu.Unlock()
	v.changed()
}

func (v *Viewer) applyToken(info models.TokenInfo) {
	v.mu.Lock()
	if v.state.Ended || info.IssuedAt.Before(v.state.Token.IssuedAt) || info.Token == v.state.Token.Token {
		v.mu.Unlock()
		return
	}
	v.state.Token = info
	v.mu.Unlock()
	v.changed()
}

func (v *Viewer) markEnded() {
	v.mu.Lock()
	if v.state.Ended {
		v.mu.Unlock()
		return
	}
	v.state.Ended = true
	v.state.Token = models.TokenInfo{}
	v.mu.Unlock()
	v.changed()
	v.triggerPoll()
}

func (v *Viewer) setConnected(connected bool) {
	v.mu.Lock()
	changed := v.state.Connected != connected
	v.state.Connected = connected
	v.mu.Unlock()
	if changed {
		v.changed()
	}
}

func (v *Viewer) changed() {
	if v.onChange != nil {
		v.onChange(v.State())
	}
}

// ─── Helpers ───

func (v *Viewer) wsURL() (string, error) {
	u, err := url.Parse(v.cfg.BaseURL)
	if err != nil {
		return "", fmt.Errorf("invalid base url: %w", err)
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/ws"
	q := url.Values{}
	q.Set("token", v.cfg.Token)
	q.Set("session_id", v.cfg.SessionID)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

func decode(data any, dst any) bool {
	raw, err := json.Marshal(data)
	if err != nil {
		return false
	}
	return json.Unmarshal(raw, dst) == nil
}

func retryAfterHeader(resp *http.Response, fallback time.Duration) time.Duration {
	var secs int
	if _, err := fmt.Sscanf(resp.Header.Get("Retry-After"), "%d", &secs); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	return fallback
}

// jitter spreads reconnects of many viewers over ±20% of d.
func jitter(d time.Duration) time.Duration {
	if d <= 0 {
		return 0
	}
	spread := int64(d) / 5
	if spread == 0 {
		return d
	}
	return d - time.Duration(spread) + time.Duration(rand.Int64N(2*spread))
}

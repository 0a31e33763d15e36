package services

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/akinalp/qrattend/pkg/logger"
	"github.com/akinalp/qrattend/pkg/metrics"
)

// ApplyTokenFunc writes a freshly issued token into its session. It returns
// false when the session is no longer active, which stops the rotation.
type ApplyTokenFunc func(token string, issuedAt time.Time) bool

// TokenRotator replaces each active session's token on a fixed interval.
// Every session has its own goroutine and ticker; the rotator holds no
// session state beyond the last token it issued.
type TokenRotator struct {
	interval time.Duration
	now      func() time.Time

	mu      sync.Mutex
	running map[string]*rotation
	wg      sync.WaitGroup

	metrics *metrics.Metrics
	log     zerolog.Logger
}

type rotation struct {
	stop chan struct{}
	once sync.Once
}

func (r *rotation) cancel() {
	r.once.Do(func() { close(r.stop) })
}

// NewTokenRotator creates a rotator ticking every interval. m may be nil.
func NewTokenRotator(interval time.Duration, m *metrics.Metrics) *TokenRotator {
	return &TokenRotator{
		interval: interval,
		now:      time.Now,
		running:  make(map[string]*rotation),
		metrics:  m,
		log:      logger.Component("rotator"),
	}
}

// Issue returns a random UUIDv4 token (122 random bits) different from prev.
func (r *TokenRotator) Issue(prev string) string {
	for {
		token := uuid.NewString()
		if token != prev {
			return token
		}
	}
}

// Start begins rotating sessionID's token. current is the token already in
// effect so the first tick never repeats it. Starting a running session is
// a no-op.
func (r *TokenRotator) Start(sessionID, current string, apply ApplyTokenFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.running[sessionID]; ok {
		return
	}
	rot := &rotation{stop: make(chan struct{})}
	r.running[sessionID] = rot

	r.wg.Add(1)
	go r.loop(sessionID, current, rot, apply)
}

func (r *TokenRotator) loop(sessionID, prev string, rot *rotation, apply ApplyTokenFunc) {
	defer r.wg.Done()
	defer r.forget(sessionID, rot)

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-rot.stop:
			return
		case <-ticker.C:
			// A tick racing with Stop must not write.
			select {
			case <-rot.stop:
				return
			default:
			}

			token := r.Issue(prev)
			if !apply(token, r.now().UTC()) {
				r.log.Debug().Str("session_id", sessionID).Msg("session inactive, rotation stopped")
				return
			}
			prev = token
			r.metrics.TokenRotated()
		}
	}
}

// forget removes rot from the running set unless it was already replaced.
func (r *TokenRotator) forget(sessionID string, rot *rotation) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.running[sessionID] == rot {
		delete(r.running, sessionID)
	}
}

// Stop cancels a session's rotation. It does not wait for the goroutine,
// so it is safe to call while holding the session's lock. Stopping a
// session that is not rotating is a no-op.
func (r *TokenRotator) Stop(sessionID string) {
	r.mu.Lock()
	rot, ok := r.running[sessionID]
	delete(r.running, sessionID)
	r.mu.Unlock()

	if ok {
		rot.cancel()
	}
}

// StopAll cancels every rotation and waits for their goroutines to exit.
func (r *TokenRotator) StopAll() {
	r.mu.Lock()
	for id, rot := range r.running {
		rot.cancel()
		delete(r.running, id)
	}
	r.mu.Unlock()

	r.wg.Wait()
}

// Running reports whether sessionID is currently rotating.
func (r *TokenRotator) Running(sessionID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.running[sessionID]
	return ok
}

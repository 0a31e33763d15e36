package ws

import (
	"fmt"
	"sync"

	"github.com/rs/zerolog"

	"github.com/akinalp/qrattend/pkg"
	"github.com/akinalp/qrattend/pkg/logger"
	"github.com/akinalp/qrattend/pkg/metrics"
)

// EventPublisher is what services use to push events. Every method is
// non-blocking: frames are queued, and clients whose buffer is full are
// dropped instead of waited for.
//
// Services depend on this interface rather than *Hub so they can be tested
// with a recording fake.
type EventPublisher interface {
	BroadcastToAll(event Event)
	BroadcastToRole(role string, event Event)
	// BroadcastToSession sends to clients subscribed to sessionID. With
	// roles given, only clients holding one of them receive it.
	BroadcastToSession(sessionID string, event Event, roles ...string)
	BroadcastToUser(userID string, event Event)
	ConnectionCount() int
}

// ClientInfo identifies a connection to hub callbacks.
type ClientInfo struct {
	UserID string
	Role   string
}

// SubscribeFunc returns the events a client needs right after subscribing
// to a session so it does not wait for the next change.
type SubscribeFunc func(client ClientInfo, sessionID string) []Event

// AuthorizeFunc decides whether a client may follow a session. A non-nil
// error refuses the subscription; its text is sent back in an error frame.
type AuthorizeFunc func(client ClientInfo, sessionID string) error

// Hub tracks connections by user and by subscribed session.
//
// Locking:
//   - mu guards both maps, closed, and every client's send channel. Senders
//     hold it for reading, removal and Shutdown hold it for writing, so a
//     frame is never queued on a closed channel.
//   - Each client serializes its own queueing (Client.queue), which is what
//     keeps its Seq numbers in write order when broadcasts run concurrently.
//
// Disconnects go through the unregister channel and are applied by Run, so
// a read pump that fails never blocks on mu while a broadcast is running.
type Hub struct {
	// clients: userID → connections (a user may have several tabs open).
	clients map[string]map[*Client]bool
	// sessions: sessionID → subscribed connections.
	sessions map[string]map[*Client]bool
	mu       sync.RWMutex
	closed   bool

	unregister chan *Client
	done       chan struct{}

	onSubscribe SubscribeFunc
	authorize   AuthorizeFunc
	metrics     *metrics.Metrics
	log         zerolog.Logger
}

// NewHub creates a hub. m may be nil.
func NewHub(m *metrics.Metrics) *Hub {
	return &Hub{
		clients:    make(map[string]map[*Client]bool),
		sessions:   make(map[string]map[*Client]bool),
		unregister: make(chan *Client),
		done:       make(chan struct{}),
		metrics:    m,
		log:        logger.Component("ws"),
	}
}

// OnSubscribe sets the resync callback. Call before Run.
func (h *Hub) OnSubscribe(fn SubscribeFunc) {
	h.onSubscribe = fn
}

// OnAuthorize sets the subscription check. Without one every subscription
// is accepted. Call before Run.
func (h *Hub) OnAuthorize(fn AuthorizeFunc) {
	h.authorize = fn
}

// Run processes disconnects until Shutdown. Start it with `go hub.Run()`.
func (h *Hub) Run() {
	for {
		select {
		case client := <-h.unregister:
			h.removeClient(client)
		case <-h.done:
			return
		}
	}
}

// Register adds a connection. It fails with ErrTransportUnavailable once
// the hub is shutting down.
//
// Registration is synchronous so the handler knows the outcome before it
// starts the pumps; a refused client is closed with 1012 right away.
func (h *Hub) Register(client *Client) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		return fmt.Errorf("%w: hub closed", pkg.ErrTransportUnavailable)
	}

	if _, ok := h.clients[client.userID]; !ok {
		h.clients[client.userID] = make(map[*Client]bool)
	}
	h.clients[client.userID][client] = true
	h.metrics.ConnectionOpened()

	h.log.Debug().Str("user_id", client.userID).Str("role", client.role).
		Int("user_connections", len(h.clients[client.userID])).Msg("client connected")
	return nil
}

// Closed reports whether Shutdown has been called.
func (h *Hub) Closed() bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.closed
}

// removeClient drops a connection and closes its send channel. Closing the
// channel is what makes the client's WritePump send a close frame and exit.
// A client already removed (dropped and then leaving, or vice versa) is
// ignored, so the channel is closed exactly once.
func (h *Hub) removeClient(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	clients, ok := h.clients[client.userID]
	if !ok || !clients[client] {
		return
	}

	delete(clients, client)
	if len(clients) == 0 {
		delete(h.clients, client.userID)
	}
	for sessionID := range client.subscriptions {
		h.unsubscribeLocked(client, sessionID)
	}
	close(client.send)
	h.metrics.ConnectionClosed()

	h.log.Debug().Str("user_id", client.userID).Msg("client disconnected")
}

// drop schedules removal of a slow client. Called with h.mu held for
// reading, so the removal runs in its own goroutine.
func (h *Hub) drop(client *Client) {
	h.metrics.ClientDropped()
	go func() {
		select {
		case h.unregister <- client:
		case <-h.done:
		}
	}()
}

// leave is called by a client's read pump when its connection ends.
func (h *Hub) leave(client *Client) {
	select {
	case h.unregister <- client:
	case <-h.done:
	}
}

// subscribe adds client to a session's audience.
func (h *Hub) subscribe(client *Client, sessionID string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()

	if !h.clients[client.userID][client] {
		return false
	}
	if _, ok := h.sessions[sessionID]; !ok {
		h.sessions[sessionID] = make(map[*Client]bool)
	}
	h.sessions[sessionID][client] = true
	client.subscriptions[sessionID] = true
	return true
}

func (h *Hub) unsubscribe(client *Client, sessionID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.unsubscribeLocked(client, sessionID)
}

func (h *Hub) unsubscribeLocked(client *Client, sessionID string) {
	delete(client.subscriptions, sessionID)
	if subs, ok := h.sessions[sessionID]; ok {
		delete(subs, client)
		if len(subs) == 0 {
			delete(h.sessions, sessionID)
		}
	}
}

// encode marshals the event payload once for all recipients.
func (h *Hub) encode(event Event) (frame, bool) {
	f, err := newFrame(event)
	if err != nil {
		h.log.Error().Err(err).Str("op", event.Op).Msg("failed to marshal event")
		return frame{}, false
	}
	return f, true
}

// enqueue must be called with h.mu held (read or write).
func (h *Hub) enqueue(client *Client, f frame) {
	if !client.queue(f) {
		h.log.Warn().Str("user_id", client.userID).Msg("send buffer full, dropping client")
		h.drop(client)
	}
}

// BroadcastToAll sends to every connection.
func (h *Hub) BroadcastToAll(event Event) {
	f, ok := h.encode(event)
	if !ok {
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()

	for _, clients := range h.clients {
		for client := range clients {
			h.enqueue(client, f)
		}
	}
}

// BroadcastToRole sends to every connection of the given role.
func (h *Hub) BroadcastToRole(role string, event Event) {
	f, ok := h.encode(event)
	if !ok {
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()

	for _, clients := range h.clients {
		for client := range clients {
			if client.role == role {
				h.enqueue(client, f)
			}
		}
	}
}

// BroadcastToSession sends to a session's subscribers, optionally filtered by role.
func (h *Hub) BroadcastToSession(sessionID string, event Event, roles ...string) {
	f, ok := h.encode(event)
	if !ok {
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()

	for client := range h.sessions[sessionID] {
		if len(roles) == 0 || hasRole(roles, client.role) {
			h.enqueue(client, f)
		}
	}
}

// BroadcastToUser sends to every connection of one user.
func (h *Hub) BroadcastToUser(userID string, event Event) {
	f, ok := h.encode(event)
	if !ok {
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()

	for client := range h.clients[userID] {
		h.enqueue(client, f)
	}
}

// sendTo sends to a single connection if it is still registered.
func (h *Hub) sendTo(client *Client, event Event) {
	f, ok := h.encode(event)
	if !ok {
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()

	if h.clients[client.userID][client] {
		h.enqueue(client, f)
	}
}

// ConnectionCount returns the number of open connections.
func (h *Hub) ConnectionCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()

	n := 0
	for _, clients := range h.clients {
		n += len(clients)
	}
	return n
}

// Shutdown queues notice on every connection, then closes them all. The
// write pumps flush the notice and send a 1012 (service restart) close
// frame. Later calls are no-ops.
//
// A client whose buffer is already full does not get the notice; it still
// gets the 1012 close, which viewers treat the same way.
func (h *Hub) Shutdown(notice Event) {
	f, ok := h.encode(notice)

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return
	}
	h.closed = true

	count := 0
	for _, clients := range h.clients {
		for client := range clients {
			if ok {
				client.queue(f)
			}
			close(client.send)
			h.metrics.ConnectionClosed()
			count++
		}
	}
	h.clients = make(map[string]map[*Client]bool)
	h.sessions = make(map[string]map[*Client]bool)
	h.mu.Unlock()

	close(h.done)
	h.log.Info().Int("connections", count).Msg("hub shut down")
}

func hasRole(roles []string, role string) bool {
	for _, r := range roles {
		if r == role {
			return true
		}
	}
	return false
}

package ws

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	// writeWait bounds a single socket write.
	writeWait = 10 * time.Second

	// pongWait is how long the connection may stay silent. Client heartbeats
	// (every ~30s) and pongs to our pings both extend it.
	pongWait = 90 * time.Second

	// pingPeriod must be shorter than pongWait.
	pingPeriod = 30 * time.Second

	// heartbeatInterval is advertised to clients in the ready frame.
	heartbeatInterval = 30 * time.Second

	// maxMessageSize caps inbound frames; clients only send small control frames.
	maxMessageSize = 4096

	// sendBufferSize is the per-client queue; a full queue drops the client.
	sendBufferSize = 256
)

// Client is one websocket connection.
//
// Lifecycle:
//  1. The handler creates it and queues the ready frame (Seq 1)
//  2. Hub.Register makes it reachable by broadcasts
//  3. WritePump drains send; ReadPump handles heartbeats and subscriptions
//  4. When the read fails, ReadPump asks the hub to remove it; the hub
//     closes send and WritePump answers with a close frame
//
// ReadPump and WritePump run in separate goroutines because gorilla/websocket
// supports one concurrent reader and one concurrent writer.
type Client struct {
	hub    *Hub
	conn   *websocket.Conn
	userID string
	role   string
	send   chan []byte
	mu     sync.Mutex // serializes conn writes

	// queueMu makes stamping seq and queueing one step, so frames sit in
	// send in Seq order even when several broadcasts target this client.
	queueMu sync.Mutex
	seq     int64

	// subscriptions is guarded by hub.mu.
	subscriptions map[string]bool
}

func newClient(hub *Hub, conn *websocket.Conn, userID, role string) *Client {
	return &Client{
		hub:           hub,
		conn:          conn,
		userID:        userID,
		role:          role,
		send:          make(chan []byte, sendBufferSize),
		subscriptions: make(map[string]bool),
	}
}

// queue stamps the next Seq and queues the frame without blocking. It
// reports false when the buffer is full; the caller then drops the client,
// so a connection never sees a gap it cannot detect. Callers hold hub.mu
// (except the handler, before Register).
func (c *Client) queue(f frame) bool {
	c.queueMu.Lock()
	defer c.queueMu.Unlock()

	msg, err := json.Marshal(wireEvent{Op: f.op, Data: f.data, Seq: c.seq + 1})
	if err != nil {
		c.hub.log.Error().Err(err).Str("op", f.op).Msg("failed to encode frame")
		return true
	}

	select {
	case c.send <- msg:
		c.seq++
		return true
	default:
		return false
	}
}

// Info returns the identity handed to hub callbacks.
func (c *Client) Info() ClientInfo {
	return ClientInfo{UserID: c.userID, Role: c.role}
}

// ReadPump reads client frames until the connection fails, then
// unregisters the client.
//
// The read deadline is pushed forward by pongs and by client heartbeats;
// a connection silent for pongWait is considered dead.
func (c *Client) ReadPump() {
	defer func() {
		c.hub.leave(c)
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	if err := c.conn.SetReadDeadline(time.Now().Add(pongWait)); err != nil {
		return
	}
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.hub.log.Debug().Err(err).Str("user_id", c.userID).Msg("unexpected close")
			}
			return
		}

		var event Event
		if err := json.Unmarshal(raw, &event); err != nil {
			c.hub.log.Debug().Err(err).Str("user_id", c.userID).Msg("invalid frame")
			continue
		}

		c.handleEvent(event)
	}
}

func (c *Client) handleEvent(event Event) {
	switch event.Op {
	case OpHeartbeat:
		if err := c.conn.SetReadDeadline(time.Now().Add(pongWait)); err != nil {
			return
		}
		c.hub.sendTo(c, Event{Op: OpHeartbeatAck})

	case OpSubscribe:
		var data SubscribeData
		if !decodeData(event, &data) || data.SessionID == "" {
			c.hub.sendTo(c, Event{Op: OpError, Data: ErrorData{Op: event.Op, Message: "session_id required"}})
			return
		}
		c.Subscribe(data.SessionID)

	case OpUnsubscribe:
		var data SubscribeData
		if decodeData(event, &data) && data.SessionID != "" {
			c.hub.unsubscribe(c, data.SessionID)
		}

	default:
		c.hub.log.Debug().Str("user_id", c.userID).Str("op", event.Op).Msg("unknown op")
	}
}

// Subscribe follows a session and triggers the resync callback. The
// callback runs in its own goroutine so it never holds up the read pump.
//
// The authorization check runs first: a refused client is never added to
// the session's audience, so it cannot see even one broadcast.
func (c *Client) Subscribe(sessionID string) {
	if c.hub.authorize != nil {
		if err := c.hub.authorize(c.Info(), sessionID); err != nil {
			c.hub.sendTo(c, Event{Op: OpError, Data: ErrorData{Op: OpSubscribe, Message: err.Error()}})
			return
		}
	}
	if !c.hub.subscribe(c, sessionID) {
		return
	}
	if c.hub.onSubscribe == nil {
		return
	}
	go func() {
		for _, e := range c.hub.onSubscribe(c.Info(), sessionID) {
			c.hub.sendTo(c, e)
		}
	}()
}

// WritePump writes queued frames and keeps the connection alive with pings.
// When the hub closes the send channel it sends a close frame: 1012 during
// server shutdown, 1000 otherwise.
//
// Frames leave in the order they were queued, which is Seq order. A write
// error ends the pump; ReadPump then fails too and unregisters the client.
func (c *Client) WritePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			if !ok {
				code, text := websocket.CloseNormalClosure, ""
				if c.hub.Closed() {
					code, text = websocket.CloseServiceRestart, "server restarting"
				}
				_ = c.writeMessage(websocket.CloseMessage, websocket.FormatCloseMessage(code, text))
				return
			}
			if err := c.writeMessage(websocket.TextMessage, message); err != nil {
				return
			}

		case <-ticker.C:
			if err := c.writeMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (c *Client) writeMessage(messageType int, data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		return err
	}
	return c.conn.WriteMessage(messageType, data)
}

// decodeData re-decodes the generic Data field into dst.
func decodeData(event Event, dst any) bool {
	raw, err := json.Marshal(event.Data)
	if err != nil {
		return false
	}
	return json.Unmarshal(raw, dst) == nil
}

package session

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/blockshare/backend/internal/v1/bus"
	"github.com/blockshare/backend/internal/v1/logging"
	"github.com/blockshare/backend/internal/v1/metrics"
)

const (
	writeWait     = 10 * time.Second
	sendQueueSize = 256
)

// wsConnection defines the interface for WebSocket connection operations.
type wsConnection interface {
	ReadMessage() (messageType int, p []byte, err error) // Read the next message from the connection
	WriteMessage(messageType int, data []byte) error     // Write a message to the connection
	Close() error                                        // Close the connection
	SetWriteDeadline(t time.Time) error
}

// State tracks a session's position in its lifecycle. Messages are only
// processed in StateActive; cleanup runs on every exit from it.
type State int32

const (
	StateConnecting State = iota
	StateActive
	StateRejected
	StateClosing
	StateClosed
)

// Client represents a single user's connection to a workspace room.
type Client struct {
	conn wsConnection
	hub  *Hub

	id       string // Server-assigned, unique across all live sessions of a room
	nickname string
	color    string
	roomID   string

	state atomic.Int32

	mu        sync.RWMutex // Protects closed
	closed    bool
	closeOnce sync.Once

	send chan []byte // Bounded outbound queue; the write pump is the single writer

	// ctx scopes the bus subscription; cancel tears it down on disconnect.
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func newClient(conn wsConnection, hub *Hub, roomID, clientID, nickname, color string) *Client {
	c := &Client{
		conn:     conn,
		hub:      hub,
		id:       clientID,
		nickname: nickname,
		color:    color,
		roomID:   roomID,
		send:     make(chan []byte, sendQueueSize),
	}
	c.ctx, c.cancel = context.WithCancel(context.Background())
	return c
}

// ID returns the server-assigned client id.
func (c *Client) ID() string { return c.id }

// State returns the current lifecycle state.
func (c *Client) State() State {
	return State(c.state.Load())
}

func (c *Client) setState(s State) {
	c.state.Store(int32(s))
}

// transition moves from one state to another atomically, reporting whether
// the move happened. Used to make disconnect idempotent.
func (c *Client) transition(from, to State) bool {
	return c.state.CompareAndSwap(int32(from), int32(to))
}

// readPump continuously processes incoming WebSocket frames from the client.
// Inbound frames are dispatched in arrival order; one message is fully
// handled before the next begins. Any transport error ends the session and
// the deferred cleanup runs.
func (c *Client) readPump() {
	defer func() {
		c.hub.disconnect(c)
		_ = c.conn.Close()
		metrics.DecConnection()
	}()

	for {
		messageType, data, err := c.conn.ReadMessage()
		if err != nil {
			break
		}
		if messageType != websocket.TextMessage {
			continue
		}

		env, ok := decodeEnvelope(data)
		if !ok {
			metrics.MessagesDropped.WithLabelValues("malformed").Inc()
			continue
		}

		c.hub.route(c, env)
	}
}

// writePump is the sole writer to the connection, draining the send queue.
func (c *Client) writePump() {
	defer func() { _ = c.conn.Close() }()

	for message := range c.send {
		_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
			logging.Error(c.ctx, "error writing message",
				zap.String("clientId", c.id), zap.Error(err))
			return
		}
	}

	// Queue closed: session is over, say goodbye.
	_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
}

// sendMessage encodes and enqueues a message for this connection only.
func (c *Client) sendMessage(msgType string, payload any) {
	data, err := encodeMessage(msgType, payload)
	if err != nil {
		logging.Error(c.ctx, "Failed to encode outbound message",
			zap.String("clientId", c.id), zap.String("type", msgType), zap.Error(err))
		return
	}
	c.enqueue(data)
}

// enqueue hands a pre-serialized frame to the write pump. A full queue
// drops the frame rather than blocking the publisher.
func (c *Client) enqueue(data []byte) {
	c.mu.RLock()
	if c.closed {
		c.mu.RUnlock()
		logging.GetLogger().Debug("Skipping send to closed client", zap.String("clientId", c.id))
		return
	}
	c.mu.RUnlock()

	// The queue can close concurrently with a bus delivery; recover instead
	// of taking the whole subscription down.
	defer func() {
		if r := recover(); r != nil {
			logging.Warn(c.ctx, "Recovered from send to closed queue",
				zap.String("clientId", c.id), zap.Any("panic", r))
		}
	}()

	select {
	case c.send <- data:
	default:
		metrics.SendQueueDrops.Inc()
		logging.Warn(c.ctx, "Client send queue full, dropping message", zap.String("clientId", c.id))
	}
}

// closeSend marks the client closed and shuts the send queue, letting the
// write pump drain and emit the close frame.
func (c *Client) closeSend() {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.closed = true
		c.mu.Unlock()
		close(c.send)
	})
}

// reject closes the handshake with a specific close code before the pumps
// ever start. No state was mutated for this session yet.
func (c *Client) reject(code int, reason string) {
	c.setState(StateRejected)
	msg := websocket.FormatCloseMessage(code, reason)
	_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	_ = c.conn.WriteMessage(websocket.CloseMessage, msg)
	_ = c.conn.Close()
}

// handleBusEvent is this connection's sink on the room's broadcast channel.
// Join/leave events are filtered when self-originated; everything else is
// forwarded verbatim.
func (c *Client) handleBusEvent(event bus.Event) {
	switch event.Type {
	case TypeUserJoined, TypeUserLeft:
		if event.SenderID == c.id {
			return
		}
	}

	data, err := json.Marshal(Envelope{Type: event.Type, Payload: event.Payload})
	if err != nil {
		logging.Error(c.ctx, "Failed to encode bus event",
			zap.String("clientId", c.id), zap.String("type", event.Type), zap.Error(err))
		return
	}
	c.enqueue(data)
}

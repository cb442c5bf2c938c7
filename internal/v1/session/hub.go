// Package session implements the per-connection coordinator for the
// collaborative workspace: handshake, init-state snapshot, message
// dispatch, the commit pipeline, and disconnect cleanup.
package session

import (
	"context"
	"fmt"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/blockshare/backend/internal/v1/bus"
	"github.com/blockshare/backend/internal/v1/locks"
	"github.com/blockshare/backend/internal/v1/logging"
	"github.com/blockshare/backend/internal/v1/metrics"
	"github.com/blockshare/backend/internal/v1/presence"
)

// LockService is the lock manager surface the coordinator drives.
type LockService interface {
	Acquire(ctx context.Context, roomID, blockID, clientID string, ttl time.Duration) (bool, string, error)
	Release(ctx context.Context, roomID, blockID, clientID string) (bool, error)
	ReleaseAll(ctx context.Context, roomID, clientID string) ([]string, error)
	Owner(ctx context.Context, roomID, blockID string) (string, bool, error)
	TTL(ctx context.Context, roomID, blockID string) time.Duration
	AllLocks(ctx context.Context, roomID string) map[string]string
}

// PresenceService is the presence registry surface the coordinator drives.
type PresenceService interface {
	Add(ctx context.Context, roomID, clientID, nickname, color string) error
	Touch(ctx context.Context, roomID, clientID, nickname, color string) error
	Remove(ctx context.Context, roomID, clientID string) error
	Count(ctx context.Context, roomID string) (int, error)
	List(ctx context.Context, roomID string) (map[string]presence.Entry, error)
}

// RoomService resolves room metadata and the workspace snapshot. The
// coordinator only consumes lookups; it never creates or destroys rooms.
type RoomService interface {
	Lookup(ctx context.Context, roomID string) (exists bool, maxUsers int, err error)
	Snapshot(ctx context.Context, roomID string) (string, bool, error)
	SetSnapshot(ctx context.Context, roomID, workspaceXML string) error
}

// BusService is the per-room fan-out channel.
type BusService interface {
	Publish(ctx context.Context, roomID, eventType string, payload any, senderID string) error
	Subscribe(ctx context.Context, roomID string, wg *sync.WaitGroup, handler func(bus.Event))
}

// ConnectionLimiter gates new WebSocket connections by caller IP.
type ConnectionLimiter interface {
	CheckWebSocket(c *gin.Context) bool
}

// Hub wires every session to the shared collaborators. One hub per process;
// all cross-connection state lives behind the services.
type Hub struct {
	locks          LockService
	presence       PresenceService
	rooms          RoomService
	bus            BusService
	limiter        ConnectionLimiter
	allowedOrigins []string
}

// NewHub creates a Hub with its dependencies. limiter may be nil to disable
// rate limiting (tests, development).
func NewHub(lockSvc LockService, presenceSvc PresenceService, roomSvc RoomService, busSvc BusService, limiter ConnectionLimiter, allowedOrigins []string) *Hub {
	return &Hub{
		locks:          lockSvc,
		presence:       presenceSvc,
		rooms:          roomSvc,
		bus:            busSvc,
		limiter:        limiter,
		allowedOrigins: allowedOrigins,
	}
}

// ServeWs upgrades the HTTP request and runs the session handshake.
// Route: GET /ws/workspace/:roomId/?nickname={url-encoded}
func (h *Hub) ServeWs(c *gin.Context) {
	if h.limiter != nil && !h.limiter.CheckWebSocket(c) {
		return // Response already written by the limiter
	}

	roomID := c.Param("roomId")
	nickname := c.Query("nickname") // Gin URL-decodes query values
	if nickname == "" {
		nickname = fmt.Sprintf("User%d", 1000+rand.IntN(9000))
	}

	conn, err := h.upgradeWebSocket(c)
	if err != nil {
		return // upgradeWebSocket already logged and replied
	}

	h.HandleConnection(conn, roomID, nickname)
}

// HandleConnection takes an established WebSocket connection and drives the
// handshake: identity assignment, room validation, presence registration,
// INIT_STATE, join fan-out, and finally the message pumps.
func (h *Hub) HandleConnection(conn wsConnection, roomID, nickname string) {
	clientID := uuid.New().String()
	color := colorPalette[rand.IntN(len(colorPalette))]

	client := newClient(conn, h, roomID, clientID, nickname, color)
	ctx := h.sessionContext(client)

	logging.Info(ctx, "Session connecting", zap.String("nickname", nickname))

	exists, maxUsers, err := h.rooms.Lookup(ctx, roomID)
	if err != nil {
		logging.Error(ctx, "Room lookup failed", zap.Error(err))
		client.reject(CloseCodeRoomNotFound, "room not found")
		return
	}
	if !exists {
		logging.Warn(ctx, "Room not found, closing connection")
		client.reject(CloseCodeRoomNotFound, "room not found")
		return
	}

	// Count prunes stale presence entries first, so ghosts never hold seats.
	count, err := h.presence.Count(ctx, roomID)
	if err != nil {
		logging.Error(ctx, "Occupancy check failed", zap.Error(err))
		client.reject(CloseCodeRoomFull, "room unavailable")
		return
	}
	if count >= maxUsers {
		logging.Warn(ctx, "Room full, closing connection",
			zap.Int("current", count), zap.Int("max", maxUsers))
		client.reject(CloseCodeRoomFull, "room full")
		return
	}

	client.setState(StateActive)
	metrics.IncConnection()
	metrics.OnlineUsers.WithLabelValues(roomID).Inc()

	// Subscribe before announcing so no event for this room is missed.
	h.bus.Subscribe(client.ctx, roomID, &client.wg, client.handleBusEvent)

	if err := h.presence.Add(ctx, roomID, clientID, nickname, color); err != nil {
		logging.Error(ctx, "Presence registration failed", zap.Error(err))
	}

	// The write pump must be running before INIT_STATE is queued so it is
	// the first frame the client observes.
	go client.writePump()

	h.sendInitState(ctx, client)

	if err := h.bus.Publish(ctx, roomID, TypeUserJoined, UserInfo{
		ClientID: clientID,
		Nickname: nickname,
		Color:    color,
	}, clientID); err != nil {
		logging.Error(ctx, "USER_JOINED publish failed", zap.Error(err))
	}

	go client.readPump()

	logging.Info(ctx, "Session active")
}

// sendInitState snapshots the room for a joining client: its own id, the
// other online users, the current lock map, and the workspace document.
func (h *Hub) sendInitState(ctx context.Context, client *Client) {
	users := make([]UserInfo, 0)
	entries, err := h.presence.List(ctx, client.roomID)
	if err != nil {
		logging.Error(ctx, "Presence list failed for INIT_STATE", zap.Error(err))
	}
	for clientID, entry := range entries {
		if clientID == client.id {
			continue
		}
		users = append(users, UserInfo{
			ClientID: clientID,
			Nickname: entry.Nickname,
			Color:    entry.Color,
		})
	}

	lockSnapshot := h.locks.AllLocks(ctx, client.roomID)
	if lockSnapshot == nil {
		lockSnapshot = map[string]string{}
	}

	payload := InitStatePayload{
		ClientID: client.id,
		Users:    users,
		Locks:    lockSnapshot,
	}

	if xml, found, err := h.rooms.Snapshot(ctx, client.roomID); err != nil {
		logging.Error(ctx, "Workspace snapshot read failed", zap.Error(err))
	} else if found {
		payload.WorkspaceXML = xml
	}

	logging.Info(ctx, "Sending INIT_STATE",
		zap.Int("users", len(users)), zap.Int("locks", len(lockSnapshot)))
	client.sendMessage(TypeInitState, payload)
}

// disconnect runs the cleanup pipeline on any transport termination, clean
// or abrupt. Idempotent; a session leaves no locks or presence behind.
func (h *Hub) disconnect(client *Client) {
	if !client.transition(StateActive, StateClosing) {
		return
	}
	ctx := h.sessionContext(client)
	logging.Info(ctx, "Session closing")

	released, err := h.locks.ReleaseAll(ctx, client.roomID, client.id)
	if err != nil {
		logging.Error(ctx, "Lock cleanup failed on disconnect", zap.Error(err))
	}
	for _, blockID := range released {
		metrics.LocksReleased.WithLabelValues("disconnect").Inc()
		if err := h.bus.Publish(ctx, client.roomID, TypeLockUpdate,
			LockUpdatePayload{BlockID: blockID, Owner: nil}, client.id); err != nil {
			logging.Error(ctx, "LOCK_UPDATE publish failed on disconnect",
				zap.String("blockId", blockID), zap.Error(err))
		}
	}

	if err := h.presence.Remove(ctx, client.roomID, client.id); err != nil {
		logging.Error(ctx, "Presence removal failed on disconnect", zap.Error(err))
	}

	if err := h.bus.Publish(ctx, client.roomID, TypeUserLeft,
		UserLeftPayload{ClientID: client.id}, client.id); err != nil {
		logging.Error(ctx, "USER_LEFT publish failed", zap.Error(err))
	}

	// Tear down the bus subscription, then the write pump.
	client.cancel()
	client.wg.Wait()
	client.closeSend()

	metrics.OnlineUsers.WithLabelValues(client.roomID).Dec()
	client.setState(StateClosed)
	logging.Info(ctx, "Session closed")
}

// sessionContext carries the session identifiers for structured logging.
func (h *Hub) sessionContext(client *Client) context.Context {
	ctx := context.WithValue(context.Background(), logging.RoomIDKey, client.roomID)
	return context.WithValue(ctx, logging.ClientIDKey, client.id)
}

// DefaultLockTTL is re-exported so handlers and tests share one value.
const DefaultLockTTL = locks.DefaultTTL

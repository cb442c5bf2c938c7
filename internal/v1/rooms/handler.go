package rooms

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/blockshare/backend/internal/v1/logging"
)

// PresenceCounter reports the live occupancy of a room.
type PresenceCounter interface {
	Count(ctx context.Context, roomID string) (int, error)
}

// Handler serves the room metadata HTTP surface.
type Handler struct {
	registry *Registry
	presence PresenceCounter
}

// NewHandler creates a room HTTP handler.
func NewHandler(registry *Registry, presence PresenceCounter) *Handler {
	return &Handler{registry: registry, presence: presence}
}

// RoomResponse is the GET /room/:roomId/ payload.
type RoomResponse struct {
	RoomID       string `json:"room_id"`
	Title        string `json:"title"`
	MaxUsers     int    `json:"max_users"`
	CurrentUsers int    `json:"current_users"`
	Created      bool   `json:"created"`
}

// GetRoom handles GET /room/:roomId/. The record is created lazily on
// first reference.
func (h *Handler) GetRoom(c *gin.Context) {
	roomID := c.Param("roomId")
	ctx := c.Request.Context()

	room, created, err := h.registry.GetOrCreate(ctx, roomID)
	if err != nil {
		logging.Error(ctx, "Room lookup failed", zap.String("roomId", roomID), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "room lookup failed"})
		return
	}

	currentUsers, err := h.presence.Count(ctx, roomID)
	if err != nil {
		logging.Error(ctx, "Occupancy lookup failed", zap.String("roomId", roomID), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "occupancy lookup failed"})
		return
	}

	c.JSON(http.StatusOK, RoomResponse{
		RoomID:       room.RoomID,
		Title:        room.Title,
		MaxUsers:     room.MaxUsers,
		CurrentUsers: currentUsers,
		Created:      created,
	})
}

// Package rooms manages workspace room metadata and the latest document
// snapshot. Records are created lazily on first reference and never
// destroyed by the coordinator.
package rooms

import (
	"context"
	"fmt"
	"strconv"
	"time"
)

// DefaultMaxUsers caps occupancy for lazily created rooms.
const DefaultMaxUsers = 10

// Store abstracts the handful of state-store calls this package needs,
// so tests can run against miniredis through the real store client.
type Store interface {
	HSetNX(ctx context.Context, key, field, value string) (bool, error)
	HSet(ctx context.Context, key, field, value string) error
	HGet(ctx context.Context, key, field string) (string, bool, error)
	HGetAll(ctx context.Context, key string) (map[string]string, error)
	Get(ctx context.Context, key string) (string, bool, error)
	Set(ctx context.Context, key, value string) error
}

// Room is a workspace metadata record.
type Room struct {
	RoomID    string
	Title     string
	MaxUsers  int
	CreatedAt time.Time
}

// Registry reads and lazily creates room records in room:{roomId} hashes.
type Registry struct {
	store Store
	now   func() time.Time
}

// NewRegistry creates a room registry over the given store.
func NewRegistry(s Store) *Registry {
	return &Registry{store: s, now: time.Now}
}

func roomKey(roomID string) string {
	return fmt.Sprintf("room:%s", roomID)
}

func snapshotKey(roomID string) string {
	return fmt.Sprintf("blocks:%s", roomID)
}

// GetOrCreate returns the room record, creating it with defaults on first
// reference. The second return reports whether the record was created.
func (r *Registry) GetOrCreate(ctx context.Context, roomID string) (Room, bool, error) {
	key := roomKey(roomID)

	// HSETNX on the id field decides the create race; the loser reads back
	// whatever the winner wrote.
	created, err := r.store.HSetNX(ctx, key, "room_id", roomID)
	if err != nil {
		return Room{}, false, fmt.Errorf("create room record: %w", err)
	}

	if created {
		room := Room{
			RoomID:    roomID,
			Title:     fmt.Sprintf("Room %s", roomID),
			MaxUsers:  DefaultMaxUsers,
			CreatedAt: r.now().UTC(),
		}
		fields := map[string]string{
			"title":      room.Title,
			"max_users":  strconv.Itoa(room.MaxUsers),
			"created_at": room.CreatedAt.Format(time.RFC3339),
		}
		for field, value := range fields {
			if err := r.store.HSet(ctx, key, field, value); err != nil {
				return Room{}, false, fmt.Errorf("write room record: %w", err)
			}
		}
		return room, true, nil
	}

	room, ok, err := r.get(ctx, roomID)
	if err != nil {
		return Room{}, false, err
	}
	if !ok {
		return Room{}, false, fmt.Errorf("room record %s vanished after create race", roomID)
	}
	return room, false, nil
}

func (r *Registry) get(ctx context.Context, roomID string) (Room, bool, error) {
	raw, err := r.store.HGetAll(ctx, roomKey(roomID))
	if err != nil {
		return Room{}, false, fmt.Errorf("read room record: %w", err)
	}
	if len(raw) == 0 {
		return Room{}, false, nil
	}

	room := Room{
		RoomID:   roomID,
		Title:    raw["title"],
		MaxUsers: DefaultMaxUsers,
	}
	if v, ok := raw["max_users"]; ok {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			room.MaxUsers = n
		}
	}
	if v, ok := raw["created_at"]; ok {
		if t, err := time.Parse(time.RFC3339, v); err == nil {
			room.CreatedAt = t
		}
	}
	return room, true, nil
}

// Lookup reports whether the room exists and its occupancy cap. The
// coordinator consumes exactly this during the handshake; it never creates.
func (r *Registry) Lookup(ctx context.Context, roomID string) (exists bool, maxUsers int, err error) {
	room, ok, err := r.get(ctx, roomID)
	if err != nil {
		return false, 0, err
	}
	if !ok {
		return false, 0, nil
	}
	return true, room.MaxUsers, nil
}

// Snapshot reads the latest serialized workspace document for a room.
func (r *Registry) Snapshot(ctx context.Context, roomID string) (string, bool, error) {
	return r.store.Get(ctx, snapshotKey(roomID))
}

// SetSnapshot overwrites the workspace document. Never versioned; late
// joiners see the latest snapshot, nothing more.
func (r *Registry) SetSnapshot(ctx context.Context, roomID, workspaceXML string) error {
	return r.store.Set(ctx, snapshotKey(roomID), workspaceXML)
}

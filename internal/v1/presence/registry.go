// Package presence tracks which clients are online in each room.
//
// One hash per room, online:{roomId}, maps clientId to a small JSON entry
// carrying the nickname, color, and last-seen timestamp. Liveness is
// heartbeat driven: entries older than the TTL are pruned before any read.
package presence

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/blockshare/backend/internal/v1/logging"
	"github.com/blockshare/backend/internal/v1/store"
)

// TTL is the upper bound for a ghost user after its session stops heartbeating.
const TTL = 30 * time.Second

// Entry is the stored per-client presence record.
type Entry struct {
	Nickname string  `json:"nickname"`
	Color    string  `json:"color"`
	LastSeen float64 `json:"lastSeen"`
}

// Registry maintains the online:{roomId} hashes.
type Registry struct {
	store *store.Store
	now   func() time.Time
}

// NewRegistry creates a presence registry over the given store.
func NewRegistry(s *store.Store) *Registry {
	return &Registry{store: s, now: time.Now}
}

func onlineKey(roomID string) string {
	return fmt.Sprintf("online:%s", roomID)
}

func (r *Registry) write(ctx context.Context, roomID, clientID, nickname, color string) error {
	entry := Entry{
		Nickname: nickname,
		Color:    color,
		LastSeen: float64(r.now().UnixMilli()) / 1000,
	}
	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("marshal presence entry: %w", err)
	}
	return r.store.HSet(ctx, onlineKey(roomID), clientID, string(data))
}

// Add registers a client as online with a fresh last-seen timestamp.
func (r *Registry) Add(ctx context.Context, roomID, clientID, nickname, color string) error {
	return r.write(ctx, roomID, clientID, nickname, color)
}

// Touch refreshes a client's last-seen timestamp on heartbeat.
func (r *Registry) Touch(ctx context.Context, roomID, clientID, nickname, color string) error {
	return r.write(ctx, roomID, clientID, nickname, color)
}

// Remove deletes a client's presence entry on clean disconnect.
func (r *Registry) Remove(ctx context.Context, roomID, clientID string) error {
	return r.store.HDel(ctx, onlineKey(roomID), clientID)
}

// Count returns the number of online users after pruning stale entries.
func (r *Registry) Count(ctx context.Context, roomID string) (int, error) {
	if err := r.Prune(ctx, roomID); err != nil {
		return 0, err
	}
	n, err := r.store.HLen(ctx, onlineKey(roomID))
	if err != nil {
		return 0, err
	}
	return int(n), nil
}

// List returns all live presence entries keyed by clientId, after pruning.
func (r *Registry) List(ctx context.Context, roomID string) (map[string]Entry, error) {
	if err := r.Prune(ctx, roomID); err != nil {
		return nil, err
	}

	raw, err := r.store.HGetAll(ctx, onlineKey(roomID))
	if err != nil {
		return nil, err
	}

	entries := make(map[string]Entry, len(raw))
	for clientID, data := range raw {
		var entry Entry
		if err := json.Unmarshal([]byte(data), &entry); err != nil {
			// Unparseable entries were pruned already; tolerate stragglers.
			continue
		}
		entries[clientID] = entry
	}
	return entries, nil
}

// Prune removes entries whose last-seen timestamp is older than the TTL,
// plus any entry that does not parse.
func (r *Registry) Prune(ctx context.Context, roomID string) error {
	raw, err := r.store.HGetAll(ctx, onlineKey(roomID))
	if err != nil {
		return err
	}
	if len(raw) == 0 {
		return nil
	}

	now := float64(r.now().UnixMilli()) / 1000
	var stale []string
	for clientID, data := range raw {
		var entry Entry
		if err := json.Unmarshal([]byte(data), &entry); err != nil {
			stale = append(stale, clientID)
			continue
		}
		if now-entry.LastSeen > TTL.Seconds() {
			stale = append(stale, clientID)
		}
	}

	if len(stale) > 0 {
		logging.Info(ctx, "Pruning stale presence entries",
			zap.String("roomId", roomID), zap.Int("count", len(stale)))
		return r.store.HDel(ctx, onlineKey(roomID), stale...)
	}
	return nil
}

// Package locks implements the per-block edit lock protocol on top of the
// shared state store.
//
// Key layout:
//   - locks:{roomId}:{blockId} → owning clientId (string with TTL)
//   - clientlocks:{roomId}:{clientId} → set of held blockIds (reverse index)
//
// The reverse index makes disconnect cleanup O(held locks) instead of a
// full keyspace scan.
package locks

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"k8s.io/utils/set"

	"github.com/blockshare/backend/internal/v1/logging"
	"github.com/blockshare/backend/internal/v1/store"
)

// DefaultTTL bounds zombie ownership after a pathological disconnect.
const DefaultTTL = 10 * time.Second

// releaseScript deletes a lock and its reverse-index entry only when the
// caller still owns it.
var releaseScript = redis.NewScript(`
local lock_key = KEYS[1]
local client_locks_key = KEYS[2]
local client_id = ARGV[1]
local block_id = ARGV[2]

local owner = redis.call('GET', lock_key)
if owner == client_id then
    redis.call('DEL', lock_key)
    redis.call('SREM', client_locks_key, block_id)
    return 1
else
    return 0
end
`)

// acquireGroupScript takes every requested lock or none: a single foreign
// owner fails the whole group without mutation.
var acquireGroupScript = redis.NewScript(`
local client_locks_key = KEYS[1]
local client_id = ARGV[1]
local ttl_ms = ARGV[2]

for i = 2, #KEYS do
    local owner = redis.call('GET', KEYS[i])
    if owner and owner ~= client_id then
        local conflict_block_id = ARGV[i + 1]
        return {0, owner, conflict_block_id}
    end
end

for i = 2, #KEYS do
    redis.call('SET', KEYS[i], client_id, 'PX', ttl_ms)
    local block_id = ARGV[i + 1]
    redis.call('SADD', client_locks_key, block_id)
end

return {1, '', ''}
`)

// releaseGroupScript compare-and-deletes each requested lock, returning the
// subset actually released.
var releaseGroupScript = redis.NewScript(`
local client_locks_key = KEYS[1]
local client_id = ARGV[1]

local released = {}
for i = 2, #KEYS do
    local owner = redis.call('GET', KEYS[i])
    if owner == client_id then
        redis.call('DEL', KEYS[i])
        local block_id = ARGV[i]
        redis.call('SREM', client_locks_key, block_id)
        table.insert(released, block_id)
    end
end
return released
`)

// refreshScript extends a lock's TTL only for its current owner.
var refreshScript = redis.NewScript(`
local lock_key = KEYS[1]
local client_id = ARGV[1]
local ttl_ms = ARGV[2]

local owner = redis.call('GET', lock_key)
if owner == client_id then
    redis.call('PEXPIRE', lock_key, ttl_ms)
    return 1
else
    return 0
end
`)

// Manager coordinates block locks for every room sharing the store.
type Manager struct {
	store *store.Store
}

// NewManager creates a lock manager over the given store.
func NewManager(s *store.Store) *Manager {
	return &Manager{store: s}
}

func lockKey(roomID, blockID string) string {
	return fmt.Sprintf("locks:%s:%s", roomID, blockID)
}

func clientLocksKey(roomID, clientID string) string {
	return fmt.Sprintf("clientlocks:%s:%s", roomID, clientID)
}

// normalizeBlocks filters blank ids and duplicates while preserving order.
func normalizeBlocks(blockIDs []string) []string {
	seen := set.New[string]()
	out := make([]string, 0, len(blockIDs))
	for _, b := range blockIDs {
		if b == "" || seen.Has(b) {
			continue
		}
		seen.Insert(b)
		out = append(out, b)
	}
	return out
}

// Acquire attempts to take the lock on a single block. It returns whether
// the lock was granted and, on denial, the current owner. The owner may
// read as empty if the lock expired between the failed SET and the GET;
// callers tolerate that.
func (m *Manager) Acquire(ctx context.Context, roomID, blockID, clientID string, ttl time.Duration) (bool, string, error) {
	granted, err := m.store.SetIfAbsent(ctx, lockKey(roomID, blockID), clientID, ttl)
	if err != nil {
		return false, "", fmt.Errorf("acquire lock: %w", err)
	}

	if granted {
		if err := m.store.SAdd(ctx, clientLocksKey(roomID, clientID), blockID); err != nil {
			return true, "", fmt.Errorf("acquire lock reverse index: %w", err)
		}
		return true, "", nil
	}

	owner, _, err := m.store.Get(ctx, lockKey(roomID, blockID))
	if err != nil {
		return false, "", fmt.Errorf("acquire lock owner lookup: %w", err)
	}
	return false, owner, nil
}

// AcquireGroup atomically takes locks on every requested block, or none.
// On conflict it returns the foreign owner and the first conflicting block.
// An empty block list is granted trivially; a blank client is denied.
func (m *Manager) AcquireGroup(ctx context.Context, roomID string, blockIDs []string, clientID string, ttl time.Duration) (bool, string, string, error) {
	if clientID == "" {
		return false, "", "", nil
	}
	blockIDs = normalizeBlocks(blockIDs)
	if len(blockIDs) == 0 {
		return true, "", "", nil
	}

	keys := make([]string, 0, len(blockIDs)+1)
	keys = append(keys, clientLocksKey(roomID, clientID))
	args := make([]any, 0, len(blockIDs)+2)
	args = append(args, clientID, ttl.Milliseconds())
	for _, b := range blockIDs {
		keys = append(keys, lockKey(roomID, b))
		args = append(args, b)
	}

	res, err := m.store.Eval(ctx, acquireGroupScript, keys, args...)
	if err != nil {
		return false, "", "", fmt.Errorf("acquire lock group: %w", err)
	}

	row, ok := res.([]any)
	if !ok || len(row) < 3 {
		return false, "", "", fmt.Errorf("acquire lock group: unexpected script result %v", res)
	}
	if granted, _ := row[0].(int64); granted == 1 {
		return true, "", "", nil
	}
	owner, _ := row[1].(string)
	conflictBlock, _ := row[2].(string)
	return false, owner, conflictBlock, nil
}

// Release deletes the lock on a block only if clientID still owns it.
// Non-owners and already-expired locks return false without side effects.
func (m *Manager) Release(ctx context.Context, roomID, blockID, clientID string) (bool, error) {
	res, err := m.store.Eval(ctx, releaseScript,
		[]string{lockKey(roomID, blockID), clientLocksKey(roomID, clientID)},
		clientID, blockID)
	if err != nil {
		return false, fmt.Errorf("release lock: %w", err)
	}
	n, _ := res.(int64)
	return n == 1, nil
}

// ReleaseGroup atomically releases every requested block still owned by
// clientID, returning the subset actually released.
func (m *Manager) ReleaseGroup(ctx context.Context, roomID string, blockIDs []string, clientID string) ([]string, error) {
	if clientID == "" {
		return nil, nil
	}
	blockIDs = normalizeBlocks(blockIDs)
	if len(blockIDs) == 0 {
		return nil, nil
	}

	keys := make([]string, 0, len(blockIDs)+1)
	keys = append(keys, clientLocksKey(roomID, clientID))
	args := make([]any, 0, len(blockIDs)+1)
	args = append(args, clientID)
	for _, b := range blockIDs {
		keys = append(keys, lockKey(roomID, b))
		args = append(args, b)
	}

	res, err := m.store.Eval(ctx, releaseGroupScript, keys, args...)
	if err != nil {
		return nil, fmt.Errorf("release lock group: %w", err)
	}

	row, _ := res.([]any)
	released := make([]string, 0, len(row))
	for _, v := range row {
		if s, ok := v.(string); ok && s != "" {
			released = append(released, s)
		}
	}
	return released, nil
}

// ReleaseAll releases every lock held by a client and drops the reverse
// index. Used at disconnect; an empty reverse set is a clean no-op.
func (m *Manager) ReleaseAll(ctx context.Context, roomID, clientID string) ([]string, error) {
	reverseKey := clientLocksKey(roomID, clientID)

	blockIDs, err := m.store.SMembers(ctx, reverseKey)
	if err != nil {
		return nil, fmt.Errorf("release all locks: %w", err)
	}
	if len(blockIDs) == 0 {
		return nil, nil
	}

	released := make([]string, 0, len(blockIDs))
	for _, blockID := range blockIDs {
		ok, err := m.Release(ctx, roomID, blockID, clientID)
		if err != nil {
			return released, err
		}
		if ok {
			released = append(released, blockID)
		}
	}

	if _, err := m.store.Delete(ctx, reverseKey); err != nil {
		return released, fmt.Errorf("release all locks reverse index: %w", err)
	}
	return released, nil
}

// RefreshTTL extends a held lock's expiry. A no-op returning false when the
// caller is not the owner.
func (m *Manager) RefreshTTL(ctx context.Context, roomID, blockID, clientID string, ttl time.Duration) (bool, error) {
	res, err := m.store.Eval(ctx, refreshScript,
		[]string{lockKey(roomID, blockID)},
		clientID, ttl.Milliseconds())
	if err != nil {
		return false, fmt.Errorf("refresh lock ttl: %w", err)
	}
	n, _ := res.(int64)
	return n == 1, nil
}

// RefreshAll extends every lock a client holds, returning how many were
// actually refreshed.
func (m *Manager) RefreshAll(ctx context.Context, roomID, clientID string, ttl time.Duration) (int, error) {
	blockIDs, err := m.store.SMembers(ctx, clientLocksKey(roomID, clientID))
	if err != nil {
		return 0, fmt.Errorf("refresh all locks: %w", err)
	}

	refreshed := 0
	for _, blockID := range blockIDs {
		ok, err := m.RefreshTTL(ctx, roomID, blockID, clientID, ttl)
		if err != nil {
			return refreshed, err
		}
		if ok {
			refreshed++
		}
	}
	return refreshed, nil
}

// Owner returns the current lock owner of a block, if any.
func (m *Manager) Owner(ctx context.Context, roomID, blockID string) (string, bool, error) {
	return m.store.Get(ctx, lockKey(roomID, blockID))
}

// TTL reports the remaining lifetime of a held lock, 0 when unknown.
func (m *Manager) TTL(ctx context.Context, roomID, blockID string) time.Duration {
	ttl, err := m.store.PTTL(ctx, lockKey(roomID, blockID))
	if err != nil {
		return 0
	}
	return ttl
}

// AllLocks returns a best-effort {blockId → owner} snapshot for a room.
// Entries may expire mid-scan and are simply omitted; store errors yield an
// empty map so a joining session is never killed by a scan hiccup.
func (m *Manager) AllLocks(ctx context.Context, roomID string) map[string]string {
	prefix := fmt.Sprintf("locks:%s:", roomID)
	result := map[string]string{}

	keys, err := m.store.ScanKeys(ctx, prefix)
	if err != nil {
		logging.Error(ctx, "Lock scan failed, returning empty snapshot",
			zap.String("roomId", roomID), zap.Error(err))
		return result
	}

	for _, key := range keys {
		blockID := key[strings.LastIndex(key, ":")+1:]
		owner, found, err := m.store.Get(ctx, key)
		if err != nil {
			logging.Error(ctx, "Lock owner fetch failed, returning empty snapshot",
				zap.String("roomId", roomID), zap.Error(err))
			return map[string]string{}
		}
		if found && owner != "" {
			result[blockID] = owner
		}
	}
	return result
}

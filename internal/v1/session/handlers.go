package session

import (
	"context"
	"encoding/json"
	"time"

	"go.uber.org/zap"

	"github.com/blockshare/backend/internal/v1/logging"
	"github.com/blockshare/backend/internal/v1/metrics"
)

// route dispatches one inbound message. Messages are processed only while
// the session is active; an error inside a handler terminates only that
// handler, never the session.
func (h *Hub) route(client *Client, env Envelope) {
	if client.State() != StateActive {
		return
	}

	ctx := h.sessionContext(client)
	start := time.Now()

	switch env.Type {
	case TypeLockAcquire:
		h.handleLockAcquire(ctx, client, env.Payload)
	case TypeCommit:
		h.handleCommit(ctx, client, env.Payload)
	case TypeHeartbeat:
		h.handleHeartbeat(ctx, client)
	default:
		metrics.MessagesDropped.WithLabelValues("unknown_type").Inc()
		return
	}

	metrics.MessageProcessingDuration.WithLabelValues(env.Type).Observe(time.Since(start).Seconds())
}

// handleLockAcquire attempts to lock a block for the requester. Success is
// fanned out to the room; denial is answered to this connection only.
func (h *Hub) handleLockAcquire(ctx context.Context, client *Client, raw json.RawMessage) {
	var payload LockAcquirePayload
	if err := json.Unmarshal(raw, &payload); err != nil || payload.BlockID == "" {
		metrics.MessagesDropped.WithLabelValues("bad_payload").Inc()
		return
	}

	granted, owner, err := h.locks.Acquire(ctx, client.roomID, payload.BlockID, client.id, DefaultLockTTL)
	if err != nil {
		logging.Error(ctx, "Lock acquire failed",
			zap.String("blockId", payload.BlockID), zap.Error(err))
		return
	}

	if granted {
		metrics.LockAcquisitions.WithLabelValues("granted").Inc()
		ownerID := client.id
		if err := h.bus.Publish(ctx, client.roomID, TypeLockUpdate,
			LockUpdatePayload{BlockID: payload.BlockID, Owner: &ownerID}, client.id); err != nil {
			logging.Error(ctx, "LOCK_UPDATE publish failed",
				zap.String("blockId", payload.BlockID), zap.Error(err))
		}
		return
	}

	metrics.LockAcquisitions.WithLabelValues("denied").Inc()
	ttl := h.locks.TTL(ctx, client.roomID, payload.BlockID)
	client.sendMessage(TypeLockDenied, LockDeniedPayload{
		BlockID: payload.BlockID,
		Owner:   owner,
		TTLMs:   ttl.Milliseconds(),
	})
}

// handleCommit applies a client-authored block mutation: verify ownership,
// release the lock if requested, persist the snapshot, then fan out.
// Lock release precedes commit fan-out so recipients observe a consistent
// (document, lock) state transition.
func (h *Hub) handleCommit(ctx context.Context, client *Client, raw json.RawMessage) {
	var payload CommitPayload
	if err := json.Unmarshal(raw, &payload); err != nil || payload.BlockID == "" {
		metrics.MessagesDropped.WithLabelValues("bad_payload").Inc()
		return
	}

	releaseLock := true
	if payload.ReleaseLock != nil {
		releaseLock = *payload.ReleaseLock
	}

	// A still-locked block only accepts commits from its owner; anything
	// else is a stale client and is dropped silently.
	owner, held, err := h.locks.Owner(ctx, client.roomID, payload.BlockID)
	if err != nil {
		logging.Error(ctx, "Commit owner check failed",
			zap.String("blockId", payload.BlockID), zap.Error(err))
		return
	}
	if held && owner != client.id {
		metrics.MessagesDropped.WithLabelValues("stale_commit").Inc()
		logging.Warn(ctx, "Dropping commit from non-owner",
			zap.String("blockId", payload.BlockID), zap.String("owner", owner))
		return
	}

	if releaseLock {
		released, err := h.locks.Release(ctx, client.roomID, payload.BlockID, client.id)
		if err != nil {
			logging.Error(ctx, "Commit lock release failed",
				zap.String("blockId", payload.BlockID), zap.Error(err))
		} else if released {
			metrics.LocksReleased.WithLabelValues("commit").Inc()
		}
	}

	if payload.WorkspaceXML != "" {
		if err := h.rooms.SetSnapshot(ctx, client.roomID, payload.WorkspaceXML); err != nil {
			logging.Error(ctx, "Workspace snapshot write failed", zap.Error(err))
		}
	}

	events := payload.Events
	if len(events) == 0 {
		events = json.RawMessage("[]")
	}

	if err := h.bus.Publish(ctx, client.roomID, TypeCommitApply, CommitApplyPayload{
		BlockID:      payload.BlockID,
		Events:       events,
		By:           client.id,
		WorkspaceXML: payload.WorkspaceXML,
	}, client.id); err != nil {
		logging.Error(ctx, "COMMIT_APPLY publish failed",
			zap.String("blockId", payload.BlockID), zap.Error(err))
	}
	metrics.CommitsApplied.Inc()

	if releaseLock {
		if err := h.bus.Publish(ctx, client.roomID, TypeLockUpdate,
			LockUpdatePayload{BlockID: payload.BlockID, Owner: nil}, client.id); err != nil {
			logging.Error(ctx, "LOCK_UPDATE publish failed after commit",
				zap.String("blockId", payload.BlockID), zap.Error(err))
		}
	}
}

// handleHeartbeat refreshes the client's presence entry.
func (h *Hub) handleHeartbeat(ctx context.Context, client *Client) {
	if err := h.presence.Touch(ctx, client.roomID, client.id, client.nickname, client.color); err != nil {
		logging.Error(ctx, "Presence touch failed", zap.Error(err))
	}
}

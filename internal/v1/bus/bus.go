// Package bus fans out room events across every server process via Redis
// pub/sub. A message published to a room's channel is received by every
// connection currently subscribed to that room, local or on peer pods.
package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sony/gobreaker"

	"github.com/blockshare/backend/internal/v1/metrics"
)

// Event is the standardized container for moving room events between pods.
type Event struct {
	RoomID   string          `json:"roomId"`
	Type     string          `json:"t"`        // Wire message type (LOCK_UPDATE, USER_JOINED, ...)
	Payload  json.RawMessage `json:"payload"`  // The typed payload, already encoded
	SenderID string          `json:"senderId"` // Originating client; sinks filter self-origin joins/leaves
}

// Service handles all pub/sub interaction with the Redis cluster.
type Service struct {
	client *redis.Client
	cb     *gobreaker.CircuitBreaker
}

// NewService wraps an existing Redis client for pub/sub use.
func NewService(client *redis.Client) *Service {
	st := gobreaker.Settings{
		Name:        "bus",
		MaxRequests: 5,
		Interval:    1 * time.Minute,
		Timeout:     15 * time.Second,
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			var stateVal float64
			switch to {
			case gobreaker.StateClosed:
				stateVal = 0
			case gobreaker.StateOpen:
				stateVal = 1
			case gobreaker.StateHalfOpen:
				stateVal = 2
			}
			metrics.CircuitBreakerState.WithLabelValues(name).Set(stateVal)
		},
	}
	return &Service{client: client, cb: gobreaker.NewCircuitBreaker(st)}
}

// channelFor returns the pub/sub channel for a room.
// Channel schema: "workspace:room:{id}"
func channelFor(roomID string) string {
	return fmt.Sprintf("workspace:room:%s", roomID)
}

// Publish broadcasts an event to every subscriber of the room, including
// the sender's own sink. Publishes from one connection reach each
// subscriber in the order issued.
func (s *Service) Publish(ctx context.Context, roomID, eventType string, payload any, senderID string) error {
	if s == nil || s.client == nil {
		return nil
	}

	_, err := s.cb.Execute(func() (interface{}, error) {
		innerBytes, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal event payload: %w", err)
		}

		event := Event{
			RoomID:   roomID,
			Type:     eventType,
			Payload:  innerBytes,
			SenderID: senderID,
		}

		data, err := json.Marshal(event)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal event envelope: %w", err)
		}

		return nil, s.client.Publish(ctx, channelFor(roomID), data).Err()
	})

	if err != nil {
		if err == gobreaker.ErrOpenState {
			metrics.CircuitBreakerFailures.WithLabelValues("bus").Inc()
			slog.Warn("Bus circuit breaker open: dropping publish", "roomID", roomID, "event", eventType)
			return nil // Graceful degradation: drop event, don't crash caller
		}
		slog.Error("Bus publish failed", "roomID", roomID, "event", eventType, "error", err)
		return err
	}

	return nil
}

// Subscribe starts a background goroutine delivering every event for the
// room to handler until ctx is cancelled. Each sink runs in its own
// goroutine so a slow receiver never blocks publishers.
func (s *Service) Subscribe(ctx context.Context, roomID string, wg *sync.WaitGroup, handler func(Event)) {
	if s == nil || s.client == nil {
		return
	}

	channel := channelFor(roomID)
	pubsub := s.client.Subscribe(ctx, channel)

	if wg != nil {
		wg.Add(1)
	}
	go func() {
		defer func() { _ = pubsub.Close() }()
		if wg != nil {
			defer wg.Done()
		}

		slog.Debug("Subscribed to room channel", "channel", channel)

		ch := pubsub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					slog.Warn("Room subscription channel closed", "channel", channel)
					return
				}

				var event Event
				if err := json.Unmarshal([]byte(msg.Payload), &event); err != nil {
					slog.Error("Failed to unmarshal bus event", "error", err, "raw", msg.Payload)
					continue
				}

				handler(event)
			}
		}
	}()
}

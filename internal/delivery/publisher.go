package delivery

import (
	"context"
	"encoding/json"

	"go.uber.org/zap"

	"github.com/draftmate/draftmate-server/internal/session"
)

// Transport delivers an event to a live connection. Implemented by the
// websocket gateway; any error means delivery is uncertain and the event
// must be queued instead.
type Transport interface {
	Send(ctx context.Context, connID, eventType string, payload json.RawMessage) error
}

// Publisher implements the at-least-once delivery policy: try the player's
// current connection, and on any uncertainty queue under the stable session
// id so the event survives the reconnect that assigns a new connection id.
type Publisher struct {
	registry  *session.Registry
	queue     *Queue
	transport Transport
	logger    *zap.Logger
}

// NewPublisher wires the delivery policy together.
func NewPublisher(registry *session.Registry, queue *Queue, transport Transport, logger *zap.Logger) *Publisher {
	return &Publisher{
		registry:  registry,
		queue:     queue,
		transport: transport,
		logger:    logger,
	}
}

// Publish pushes an event to a player. Returns true when the event was
// either delivered directly or durably queued for replay.
func (p *Publisher) Publish(ctx context.Context, rawKey, eventType string, payload json.RawMessage) bool {
	playerKey := session.NormalizePlayerKey(rawKey)
	if playerKey == "" || eventType == "" {
		return false
	}
	stableID := session.StableSessionID(playerKey)

	connID, ok := p.registry.ResolveConnectionByPlayer(ctx, playerKey)
	if ok {
		err := p.transport.Send(ctx, connID, eventType, payload)
		if err == nil {
			return true
		}
		p.logger.Debug("direct delivery failed, queueing",
			zap.String("player", playerKey),
			zap.String("conn_id", connID),
			zap.String("event_type", eventType),
			zap.Error(err),
		)
	}

	return p.queue.QueueEvent(ctx, stableID, eventType, payload)
}

// ReplayPending delivers every buffered event for a player in enqueue order
// over the given connection, then clears the queue. The queue is cleared
// only after every send succeeded; on a partial failure the retry count of
// the failing event is bumped and the whole list stays for the next replay.
func (p *Publisher) ReplayPending(ctx context.Context, rawKey, connID string) int {
	playerKey := session.NormalizePlayerKey(rawKey)
	if playerKey == "" || connID == "" {
		return 0
	}
	stableID := session.StableSessionID(playerKey)

	events := p.queue.GetPendingEvents(ctx, stableID)
	if len(events) == 0 {
		return 0
	}

	for i, event := range events {
		if err := p.transport.Send(ctx, connID, event.EventType, event.Payload); err != nil {
			p.logger.Warn("replay interrupted",
				zap.String("player", playerKey),
				zap.String("conn_id", connID),
				zap.Int("delivered", i),
				zap.Int("pending", len(events)-i),
				zap.Error(err),
			)
			p.queue.IncrementRetryCount(ctx, stableID, i)
			return i
		}
	}

	p.queue.ClearPendingEvents(ctx, stableID)
	p.logger.Info("pending events replayed",
		zap.String("player", playerKey),
		zap.String("conn_id", connID),
		zap.Int("count", len(events)),
	)
	return len(events)
}

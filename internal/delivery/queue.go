package delivery

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const keyEvents = "queue:events:" // targetID -> FIFO list of PendingEvent JSON

// Queue buffers outbound events for targets that cannot be reached right
// now and replays them on reconnect, in enqueue order. Targets are keyed by
// stable session id so a buffered event survives the reconnect that assigns
// a new connection id.
type Queue struct {
	rdb       *redis.Client
	retention time.Duration
	logger    *zap.Logger
}

// NewQueue creates the pending event queue. retention bounds how long an
// event is worth holding for a disconnected target before discarding.
func NewQueue(rdb *redis.Client, retention time.Duration, logger *zap.Logger) *Queue {
	return &Queue{
		rdb:       rdb,
		retention: retention,
		logger:    logger,
	}
}

// QueueEvent appends an event to the target's FIFO list and refreshes the
// retention window. Blank ids are rejected with no side effect.
func (q *Queue) QueueEvent(ctx context.Context, targetID, eventType string, payload json.RawMessage) bool {
	targetID = strings.TrimSpace(targetID)
	eventType = strings.TrimSpace(eventType)
	if targetID == "" || eventType == "" {
		return false
	}

	event := PendingEvent{
		EventType:  eventType,
		Payload:    payload,
		EnqueuedAt: time.Now().UTC(),
	}
	data, err := json.Marshal(event)
	if err != nil {
		q.logger.Error("marshal pending event",
			zap.String("event_type", eventType),
			zap.Error(err),
		)
		return false
	}

	if err := q.rdb.RPush(ctx, keyEvents+targetID, data).Err(); err != nil {
		q.logger.Error("queue pending event",
			zap.String("target", targetID),
			zap.String("event_type", eventType),
			zap.Error(err),
		)
		return false
	}
	q.rdb.Expire(ctx, keyEvents+targetID, q.retention)

	q.logger.Debug("event queued",
		zap.String("target", targetID),
		zap.String("event_type", eventType),
	)
	return true
}

// GetPendingEvents returns all buffered events for a target in FIFO order.
// The list is left intact; deletion is a separate step so the caller can
// confirm a successful replay first.
func (q *Queue) GetPendingEvents(ctx context.Context, targetID string) []PendingEvent {
	if targetID == "" {
		return nil
	}

	raw, err := q.rdb.LRange(ctx, keyEvents+targetID, 0, -1).Result()
	if err != nil {
		q.logger.Error("read pending events",
			zap.String("target", targetID),
			zap.Error(err),
		)
		return nil
	}

	events := make([]PendingEvent, 0, len(raw))
	for _, item := range raw {
		var event PendingEvent
		if err := json.Unmarshal([]byte(item), &event); err != nil {
			q.logger.Error("unmarshal pending event",
				zap.String("target", targetID),
				zap.Error(err),
			)
			continue
		}
		events = append(events, event)
	}
	return events
}

// ClearPendingEvents deletes the target's queue after a confirmed replay.
func (q *Queue) ClearPendingEvents(ctx context.Context, targetID string) bool {
	if targetID == "" {
		return false
	}
	if err := q.rdb.Del(ctx, keyEvents+targetID).Err(); err != nil {
		q.logger.Error("clear pending events",
			zap.String("target", targetID),
			zap.Error(err),
		)
		return false
	}
	return true
}

// IncrementRetryCount marks the event at index as retried. Purely for
// observability; order is never changed.
func (q *Queue) IncrementRetryCount(ctx context.Context, targetID string, index int) bool {
	if targetID == "" || index < 0 {
		return false
	}

	key := keyEvents + targetID
	item, err := q.rdb.LIndex(ctx, key, int64(index)).Result()
	if err == redis.Nil {
		return false
	}
	if err != nil {
		q.logger.Error("read pending event for retry",
			zap.String("target", targetID),
			zap.Int("index", index),
			zap.Error(err),
		)
		return false
	}

	var event PendingEvent
	if err := json.Unmarshal([]byte(item), &event); err != nil {
		q.logger.Error("unmarshal pending event",
			zap.String("target", targetID),
			zap.Error(err),
		)
		return false
	}
	event.RetryCount++

	data, err := json.Marshal(event)
	if err != nil {
		q.logger.Error("marshal pending event", zap.Error(err))
		return false
	}
	if err := q.rdb.LSet(ctx, key, int64(index), data).Err(); err != nil {
		q.logger.Error("update pending event retry count",
			zap.String("target", targetID),
			zap.Int("index", index),
			zap.Error(err),
		)
		return false
	}
	return true
}

package delivery

import (
	"encoding/json"
	"time"
)

// PendingEvent is a buffered server-to-client notification. The payload is
// opaque to this layer; the queue only transports it.
type PendingEvent struct {
	EventType  string          `json:"event_type"`
	Payload    json.RawMessage `json:"payload,omitempty"`
	EnqueuedAt time.Time       `json:"enqueued_at"`
	RetryCount int             `json:"retry_count"`
}

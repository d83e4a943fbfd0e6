package gateway

import "encoding/json"

// Envelope is the JSON frame exchanged over the websocket. Type selects the
// handler; the payload stays opaque until a handler decodes it. Buffered
// events are re-sent with the same envelope, so a replay is
// indistinguishable from a live push.
type Envelope struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Reserved frame types; anything else is treated as a match-scoped command.
const (
	frameIdentify    = "identify"
	frameIdentified  = "identified"
	frameHeartbeat   = "heartbeat"
	frameRPCRequest  = "rpc_request"
	frameRPCResponse = "rpc_response"
	frameError       = "error"
)

type identifyPayload struct {
	PlayerKey string `json:"player_key"`
	UserAgent string `json:"user_agent,omitempty"`
}

type identifiedPayload struct {
	Result          string `json:"result"`
	StableSessionID string `json:"stable_session_id"`
	ReplayedEvents  int    `json:"replayed_events"`
}

type rpcRequestPayload struct {
	RequestID string          `json:"request_id"`
	Endpoint  string          `json:"endpoint"`
	Method    string          `json:"method"`
	Body      json.RawMessage `json:"body,omitempty"`
}

type rpcResponsePayload struct {
	RequestID string          `json:"request_id"`
	Status    string          `json:"status"`
	Body      json.RawMessage `json:"body,omitempty"`
}

type errorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

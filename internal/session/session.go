package session

import "time"

// RegisterResult reports how a registration was applied.
type RegisterResult int

const (
	// RegisterFailed covers malformed input and store unavailability.
	RegisterFailed RegisterResult = iota
	// RegisterNew means no prior registration existed for the player.
	RegisterNew
	// RegisterTakeover means a newer connection superseded a live one.
	RegisterTakeover
	// RegisterRefresh means the same connection re-registered.
	RegisterRefresh
)

func (r RegisterResult) String() string {
	switch r {
	case RegisterNew:
		return "NEW"
	case RegisterTakeover:
		return "TAKEOVER"
	case RegisterRefresh:
		return "REFRESH"
	default:
		return "FAILED"
	}
}

// Metadata carries connection attributes supplied by the transport.
type Metadata struct {
	Address   string
	UserAgent string
}

// ConnectionIdentity is the unified session record stored per live
// connection. Its lifetime is independent of any server process; the
// registry TTL is the backstop collector.
type ConnectionIdentity struct {
	ConnID          string            `json:"conn_id"`
	PlayerKey       string            `json:"player_key"`
	Address         string            `json:"address"`
	UserAgent       string            `json:"user_agent"`
	ConnectedAt     time.Time         `json:"connected_at"`
	LastActivity    time.Time         `json:"last_activity"`
	StableSessionID string            `json:"stable_session_id"`
	Attributes      map[string]string `json:"attributes,omitempty"`
}

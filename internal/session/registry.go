package session

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const (
	keyConn      = "sess:conn:"       // connID -> ConnectionIdentity JSON
	keyPlayer    = "sess:player:"     // playerKey -> connID
	keyStable    = "sess:stable:"     // stableSessionID -> connID
	keyStableRev = "sess:stable:rev:" // connID -> stableSessionID
)

// Registry maps live connections to players and maintains the durable
// stable-session index in the shared store. All state lives in Redis so a
// registration survives server restarts and is visible to every replica.
//
// Store failures are logged and reported as empty/false results; callers
// never see a transport error from this layer.
type Registry struct {
	rdb    *redis.Client
	ttl    time.Duration
	logger *zap.Logger
}

// NewRegistry creates a session registry. ttl is the backstop lifetime of
// every session key; heartbeats keep refreshing it.
func NewRegistry(rdb *redis.Client, ttl time.Duration, logger *zap.Logger) *Registry {
	return &Registry{
		rdb:    rdb,
		ttl:    ttl,
		logger: logger,
	}
}

// Register binds connID to the player identified by rawKey. A reconnect that
// races the old connection's cleanup resolves as a takeover: the old index
// entries are retired before the new ones are written, and the original
// connected-at plus player attributes carry over.
func (r *Registry) Register(ctx context.Context, connID, rawKey string, meta Metadata) RegisterResult {
	connID = strings.TrimSpace(connID)
	playerKey := NormalizePlayerKey(rawKey)
	if connID == "" || playerKey == "" {
		r.logger.Warn("register rejected: blank connection or player id",
			zap.String("conn_id", connID),
			zap.String("raw_key", rawKey),
		)
		return RegisterFailed
	}

	now := time.Now().UTC()
	current, err := r.rdb.Get(ctx, keyPlayer+playerKey).Result()
	if err != nil && err != redis.Nil {
		r.logger.Error("register: reverse mapping lookup failed",
			zap.String("player", playerKey),
			zap.Error(err),
		)
		return RegisterFailed
	}

	switch {
	case err == redis.Nil:
		rec := ConnectionIdentity{
			ConnID:          connID,
			PlayerKey:       playerKey,
			Address:         meta.Address,
			UserAgent:       meta.UserAgent,
			ConnectedAt:     now,
			LastActivity:    now,
			StableSessionID: StableSessionID(playerKey),
		}
		if !r.writeRegistration(ctx, rec) {
			return RegisterFailed
		}
		r.logger.Info("session registered",
			zap.String("player", playerKey),
			zap.String("conn_id", connID),
		)
		return RegisterNew

	case current == connID:
		rec, ok := r.record(ctx, connID)
		if !ok {
			// Record expired under us; rebuild it from scratch.
			rec = ConnectionIdentity{
				ConnID:          connID,
				PlayerKey:       playerKey,
				ConnectedAt:     now,
				StableSessionID: StableSessionID(playerKey),
			}
		}
		rec.Address = meta.Address
		rec.UserAgent = meta.UserAgent
		rec.LastActivity = now
		if !r.writeRegistration(ctx, rec) {
			return RegisterFailed
		}
		return RegisterRefresh

	default:
		old, hadOld := r.record(ctx, current)

		// Retire the superseded connection's index entries before writing
		// the new ones so repeated reconnects never accumulate orphans.
		r.CleanupStaleMapping(ctx, current)
		if err := r.rdb.Del(ctx, keyConn+current).Err(); err != nil {
			r.logger.Warn("register: failed to delete superseded record",
				zap.String("conn_id", current),
				zap.Error(err),
			)
		}

		rec := ConnectionIdentity{
			ConnID:          connID,
			PlayerKey:       playerKey,
			Address:         meta.Address,
			UserAgent:       meta.UserAgent,
			ConnectedAt:     now,
			LastActivity:    now,
			StableSessionID: StableSessionID(playerKey),
		}
		if hadOld {
			rec.ConnectedAt = old.ConnectedAt
			rec.Attributes = old.Attributes
		}
		if !r.writeRegistration(ctx, rec) {
			return RegisterFailed
		}
		r.logger.Info("session taken over",
			zap.String("player", playerKey),
			zap.String("old_conn_id", current),
			zap.String("conn_id", connID),
		)
		return RegisterTakeover
	}
}

// writeRegistration stores the record and both index directions. The reverse
// mapping (player -> conn) is written last: once it points at the new
// connection, a late unregister for the old one becomes a no-op.
func (r *Registry) writeRegistration(ctx context.Context, rec ConnectionIdentity) bool {
	data, err := json.Marshal(rec)
	if err != nil {
		r.logger.Error("marshal session record", zap.Error(err))
		return false
	}
	if err := r.rdb.Set(ctx, keyConn+rec.ConnID, data, r.ttl).Err(); err != nil {
		r.logger.Error("write session record",
			zap.String("conn_id", rec.ConnID),
			zap.Error(err),
		)
		return false
	}
	if !r.StoreSessionMapping(ctx, rec.StableSessionID, rec.ConnID) {
		return false
	}
	if err := r.rdb.Set(ctx, keyPlayer+rec.PlayerKey, rec.ConnID, r.ttl).Err(); err != nil {
		r.logger.Error("write player mapping",
			zap.String("player", rec.PlayerKey),
			zap.Error(err),
		)
		return false
	}
	return true
}

// UpdatePlayerData merges player attributes into an existing registration
// without touching session bookkeeping. Logged no-op when the player has no
// live registration.
func (r *Registry) UpdatePlayerData(ctx context.Context, rawKey string, fields map[string]string) bool {
	playerKey := NormalizePlayerKey(rawKey)
	if playerKey == "" || len(fields) == 0 {
		return false
	}

	connID, ok := r.ResolveConnectionByPlayer(ctx, playerKey)
	if !ok {
		r.logger.Info("update player data skipped: no registration",
			zap.String("player", playerKey),
		)
		return false
	}
	rec, ok := r.record(ctx, connID)
	if !ok {
		r.logger.Info("update player data skipped: record missing",
			zap.String("player", playerKey),
			zap.String("conn_id", connID),
		)
		return false
	}

	if rec.Attributes == nil {
		rec.Attributes = make(map[string]string, len(fields))
	}
	for k, v := range fields {
		rec.Attributes[k] = v
	}

	data, err := json.Marshal(rec)
	if err != nil {
		r.logger.Error("marshal session record", zap.Error(err))
		return false
	}
	if err := r.rdb.Set(ctx, keyConn+connID, data, redis.KeepTTL).Err(); err != nil {
		r.logger.Error("write session record",
			zap.String("conn_id", connID),
			zap.Error(err),
		)
		return false
	}
	return true
}

// ResolvePlayerByConnection returns the player key bound to connID. When the
// record is missing it falls back to a full scan of the reverse mappings;
// that path is degraded-mode recovery only and is logged as such. The scan
// runs only for connections that once completed a registration: a miss for a
// connection that never registered stays O(1).
func (r *Registry) ResolvePlayerByConnection(ctx context.Context, connID string) (string, bool) {
	if connID == "" {
		return "", false
	}
	if rec, ok := r.record(ctx, connID); ok {
		return rec.PlayerKey, true
	}

	// The stable reverse entry is the proof a registration existed for
	// this connection. Without it there is nothing to recover.
	if err := r.rdb.Get(ctx, keyStableRev+connID).Err(); err != nil {
		if err != redis.Nil {
			r.logger.Error("resolve player by connection",
				zap.String("conn_id", connID),
				zap.Error(err),
			)
		}
		return "", false
	}

	// Degraded mode: the O(1) record is gone but a reverse mapping may
	// still point here.
	iter := r.rdb.Scan(ctx, 0, keyPlayer+"*", 100).Iterator()
	for iter.Next(ctx) {
		key := iter.Val()
		val, err := r.rdb.Get(ctx, key).Result()
		if err != nil {
			continue
		}
		if val == connID {
			player := strings.TrimPrefix(key, keyPlayer)
			r.logger.Warn("resolved connection via degraded full scan",
				zap.String("conn_id", connID),
				zap.String("player", player),
			)
			return player, true
		}
	}
	if err := iter.Err(); err != nil {
		r.logger.Error("degraded scan failed", zap.Error(err))
	}
	return "", false
}

// ResolveConnectionByPlayer returns the live connection id for a player.
func (r *Registry) ResolveConnectionByPlayer(ctx context.Context, rawKey string) (string, bool) {
	playerKey := NormalizePlayerKey(rawKey)
	if playerKey == "" {
		return "", false
	}
	connID, err := r.rdb.Get(ctx, keyPlayer+playerKey).Result()
	if err == redis.Nil {
		return "", false
	}
	if err != nil {
		r.logger.Error("resolve connection by player",
			zap.String("player", playerKey),
			zap.Error(err),
		)
		return "", false
	}
	return connID, true
}

// Heartbeat refreshes last-activity and every session TTL for connID. No-op
// if the record was already reaped.
func (r *Registry) Heartbeat(ctx context.Context, connID string) bool {
	rec, ok := r.record(ctx, connID)
	if !ok {
		return false
	}

	rec.LastActivity = time.Now().UTC()
	data, err := json.Marshal(rec)
	if err != nil {
		r.logger.Error("marshal session record", zap.Error(err))
		return false
	}
	if err := r.rdb.Set(ctx, keyConn+connID, data, r.ttl).Err(); err != nil {
		r.logger.Error("heartbeat: write session record",
			zap.String("conn_id", connID),
			zap.Error(err),
		)
		return false
	}
	r.rdb.Expire(ctx, keyPlayer+rec.PlayerKey, r.ttl)
	r.rdb.Expire(ctx, keyStable+rec.StableSessionID, r.ttl)
	r.rdb.Expire(ctx, keyStableRev+connID, r.ttl)
	return true
}

// Unregister deletes the registration for connID, but only while the reverse
// mapping still points at it. A late unregister for a connection that was
// superseded by a takeover is a harmless no-op.
func (r *Registry) Unregister(ctx context.Context, connID string) bool {
	rec, ok := r.record(ctx, connID)
	if !ok {
		// Already reaped or taken over; clear any leftover index entries.
		r.CleanupStaleMapping(ctx, connID)
		return false
	}

	current, err := r.rdb.Get(ctx, keyPlayer+rec.PlayerKey).Result()
	if err != nil && err != redis.Nil {
		r.logger.Error("unregister: reverse mapping lookup failed",
			zap.String("conn_id", connID),
			zap.Error(err),
		)
		return false
	}
	if current != connID {
		r.logger.Debug("unregister skipped: connection superseded",
			zap.String("conn_id", connID),
			zap.String("current_conn_id", current),
			zap.String("player", rec.PlayerKey),
		)
		return false
	}

	r.rdb.Del(ctx, keyConn+connID)
	r.rdb.Del(ctx, keyPlayer+rec.PlayerKey)
	r.CleanupStaleMapping(ctx, connID)

	r.logger.Info("session unregistered",
		zap.String("player", rec.PlayerKey),
		zap.String("conn_id", connID),
	)
	return true
}

// StoreSessionMapping writes both directions of the stable-session index.
func (r *Registry) StoreSessionMapping(ctx context.Context, stableID, connID string) bool {
	if stableID == "" || connID == "" {
		return false
	}
	if err := r.rdb.Set(ctx, keyStable+stableID, connID, r.ttl).Err(); err != nil {
		r.logger.Error("write stable mapping",
			zap.String("stable_id", stableID),
			zap.Error(err),
		)
		return false
	}
	if err := r.rdb.Set(ctx, keyStableRev+connID, stableID, r.ttl).Err(); err != nil {
		r.logger.Error("write stable reverse mapping",
			zap.String("conn_id", connID),
			zap.Error(err),
		)
		return false
	}
	return true
}

// ResolveByStableSessionID returns the live connection currently bound to a
// stable session id.
func (r *Registry) ResolveByStableSessionID(ctx context.Context, stableID string) (string, bool) {
	if stableID == "" {
		return "", false
	}
	connID, err := r.rdb.Get(ctx, keyStable+stableID).Result()
	if err == redis.Nil {
		return "", false
	}
	if err != nil {
		r.logger.Error("resolve by stable session id",
			zap.String("stable_id", stableID),
			zap.Error(err),
		)
		return "", false
	}
	return connID, true
}

// CleanupStaleMapping removes the stable-session index entries for connID.
// The forward entry is deleted only if it still points at connID, so a
// cleanup racing a fresh takeover never destroys the newer mapping.
func (r *Registry) CleanupStaleMapping(ctx context.Context, connID string) {
	if connID == "" {
		return
	}
	stableID, err := r.rdb.Get(ctx, keyStableRev+connID).Result()
	if err == redis.Nil {
		return
	}
	if err != nil {
		r.logger.Error("cleanup stale mapping: reverse lookup failed",
			zap.String("conn_id", connID),
			zap.Error(err),
		)
		return
	}

	forward, err := r.rdb.Get(ctx, keyStable+stableID).Result()
	if err == nil && forward == connID {
		r.rdb.Del(ctx, keyStable+stableID)
	}
	r.rdb.Del(ctx, keyStableRev+connID)
}

func (r *Registry) record(ctx context.Context, connID string) (ConnectionIdentity, bool) {
	var rec ConnectionIdentity
	data, err := r.rdb.Get(ctx, keyConn+connID).Bytes()
	if err == redis.Nil {
		return rec, false
	}
	if err != nil {
		r.logger.Error("read session record",
			zap.String("conn_id", connID),
			zap.Error(err),
		)
		return rec, false
	}
	if err := json.Unmarshal(data, &rec); err != nil {
		r.logger.Error("unmarshal session record",
			zap.String("conn_id", connID),
			zap.Error(err),
		)
		return rec, false
	}
	return rec, true
}

package rpc

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const (
	keyRequest = "rpc:req:"  // requestID -> Request JSON
	keyIndex   = "rpc:index" // set of outstanding request ids, swept
)

// Status of a correlated request.
type Status string

const (
	StatusPending Status = "PENDING"
	StatusSuccess Status = "SUCCESS"
	StatusTimeout Status = "TIMEOUT"
	StatusError   Status = "ERROR"
)

// Request correlates one outstanding server-to-client call over the
// unreliable channel. It is mutated exactly once by the responder (or by
// the sweep marking TIMEOUT), read once by the initiator, then deleted.
type Request struct {
	RequestID     string          `json:"request_id"`
	TargetSession string          `json:"target_session"`
	Endpoint      string          `json:"endpoint"`
	Method        string          `json:"method"`
	Body          json.RawMessage `json:"body,omitempty"`
	ResponseBody  json.RawMessage `json:"response_body,omitempty"`
	Status        Status          `json:"status"`
	CreatedAt     time.Time       `json:"created_at"`
	RespondedAt   *time.Time      `json:"responded_at,omitempty"`
}

// Correlator matches asynchronous request/response exchanges via a shared
// request id in the store. Records are short-lived: this is a synchronous
// pattern with a bounded wait, not a durability queue.
type Correlator struct {
	rdb    *redis.Client
	ttl    time.Duration
	window time.Duration
	logger *zap.Logger
}

// NewCorrelator creates the RPC correlation service. ttl is the store
// lifetime of a record; window is the logical response deadline after which
// the sweep marks a still-PENDING record as TIMEOUT. window must be shorter
// than ttl so initiators observe the TIMEOUT before the record vanishes.
func NewCorrelator(rdb *redis.Client, ttl, window time.Duration, logger *zap.Logger) *Correlator {
	return &Correlator{
		rdb:    rdb,
		ttl:    ttl,
		window: window,
		logger: logger,
	}
}

// RegisterRequest creates a PENDING record for a new call.
func (c *Correlator) RegisterRequest(ctx context.Context, requestID, targetSession, endpoint, method string, body json.RawMessage) bool {
	requestID = strings.TrimSpace(requestID)
	if requestID == "" || targetSession == "" || endpoint == "" {
		return false
	}

	req := Request{
		RequestID:     requestID,
		TargetSession: targetSession,
		Endpoint:      endpoint,
		Method:        method,
		Body:          body,
		Status:        StatusPending,
		CreatedAt:     time.Now().UTC(),
	}
	if !c.write(ctx, req, c.ttl) {
		return false
	}
	if err := c.rdb.SAdd(ctx, keyIndex, requestID).Err(); err != nil {
		c.logger.Error("index rpc request",
			zap.String("request_id", requestID),
			zap.Error(err),
		)
	}
	return true
}

// UpdateResponse resolves a PENDING record exactly once. Writing to an
// expired or already-resolved record is a logged no-op.
func (c *Correlator) UpdateResponse(ctx context.Context, requestID string, responseBody json.RawMessage, status Status) bool {
	if status != StatusSuccess && status != StatusError {
		return false
	}

	req, ok := c.GetRequest(ctx, requestID)
	if !ok {
		c.logger.Info("rpc response for unknown request",
			zap.String("request_id", requestID),
		)
		return false
	}
	if req.Status != StatusPending {
		c.logger.Info("rpc response for already-resolved request",
			zap.String("request_id", requestID),
			zap.String("status", string(req.Status)),
		)
		return false
	}

	now := time.Now().UTC()
	req.ResponseBody = responseBody
	req.Status = status
	req.RespondedAt = &now
	return c.write(ctx, req, redis.KeepTTL)
}

// GetRequest reads a record for the initiator.
func (c *Correlator) GetRequest(ctx context.Context, requestID string) (Request, bool) {
	var req Request
	if requestID == "" {
		return req, false
	}

	data, err := c.rdb.Get(ctx, keyRequest+requestID).Bytes()
	if err == redis.Nil {
		return req, false
	}
	if err != nil {
		c.logger.Error("read rpc request",
			zap.String("request_id", requestID),
			zap.Error(err),
		)
		return req, false
	}
	if err := json.Unmarshal(data, &req); err != nil {
		c.logger.Error("unmarshal rpc request",
			zap.String("request_id", requestID),
			zap.Error(err),
		)
		return req, false
	}
	return req, true
}

// RemoveRequest deletes a consumed record instead of waiting out the TTL.
func (c *Correlator) RemoveRequest(ctx context.Context, requestID string) {
	if requestID == "" {
		return
	}
	c.rdb.Del(ctx, keyRequest+requestID)
	c.rdb.SRem(ctx, keyIndex, requestID)
}

// CleanupExpiredRequests transitions PENDING records older than the response
// window to TIMEOUT and prunes index entries whose records expired. It is
// idempotent and safe to run concurrently on multiple replicas.
func (c *Correlator) CleanupExpiredRequests(ctx context.Context) int {
	ids, err := c.rdb.SMembers(ctx, keyIndex).Result()
	if err != nil {
		c.logger.Error("read rpc index", zap.Error(err))
		return 0
	}

	cutoff := time.Now().UTC().Add(-c.window)
	timedOut := 0
	for _, id := range ids {
		req, ok := c.GetRequest(ctx, id)
		if !ok {
			// Record TTL already collected it.
			c.rdb.SRem(ctx, keyIndex, id)
			continue
		}
		if req.Status != StatusPending {
			c.rdb.SRem(ctx, keyIndex, id)
			continue
		}
		if req.CreatedAt.After(cutoff) {
			continue
		}

		now := time.Now().UTC()
		req.Status = StatusTimeout
		req.RespondedAt = &now
		if c.write(ctx, req, redis.KeepTTL) {
			c.rdb.SRem(ctx, keyIndex, id)
			timedOut++
		}
	}

	if timedOut > 0 {
		c.logger.Info("stale rpc requests timed out", zap.Int("count", timedOut))
	}
	return timedOut
}

func (c *Correlator) write(ctx context.Context, req Request, ttl time.Duration) bool {
	data, err := json.Marshal(req)
	if err != nil {
		c.logger.Error("marshal rpc request", zap.Error(err))
		return false
	}
	if err := c.rdb.Set(ctx, keyRequest+req.RequestID, data, ttl).Err(); err != nil {
		c.logger.Error("write rpc request",
			zap.String("request_id", req.RequestID),
			zap.Error(err),
		)
		return false
	}
	return true
}

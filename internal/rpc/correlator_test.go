package rpc

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTestCorrelator(t *testing.T, ttl, window time.Duration) (*Correlator, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })
	return NewCorrelator(rdb, ttl, window, zap.NewNop()), mr
}

func TestRegisterAndGetRequest(t *testing.T) {
	c, _ := newTestCorrelator(t, 30*time.Second, 10*time.Second)
	ctx := context.Background()

	body := json.RawMessage(`{"queue":"ranked"}`)
	require.True(t, c.RegisterRequest(ctx, "req-1", "ssn-abc", "/lol-lobby/v2/lobby", "POST", body))

	req, ok := c.GetRequest(ctx, "req-1")
	require.True(t, ok)
	assert.Equal(t, StatusPending, req.Status)
	assert.Equal(t, "ssn-abc", req.TargetSession)
	assert.Equal(t, "/lol-lobby/v2/lobby", req.Endpoint)
	assert.Equal(t, "POST", req.Method)
	assert.JSONEq(t, string(body), string(req.Body))
	assert.Nil(t, req.RespondedAt)
}

func TestRegisterRequestRejectsBlank(t *testing.T) {
	c, _ := newTestCorrelator(t, 30*time.Second, 10*time.Second)
	ctx := context.Background()

	assert.False(t, c.RegisterRequest(ctx, "", "ssn-abc", "/x", "GET", nil))
	assert.False(t, c.RegisterRequest(ctx, "req-1", "", "/x", "GET", nil))
	assert.False(t, c.RegisterRequest(ctx, "req-1", "ssn-abc", "", "GET", nil))
}

func TestUpdateResponseIsOneShot(t *testing.T) {
	c, _ := newTestCorrelator(t, 30*time.Second, 10*time.Second)
	ctx := context.Background()

	c.RegisterRequest(ctx, "req-1", "ssn-abc", "/x", "GET", nil)
	require.True(t, c.UpdateResponse(ctx, "req-1", json.RawMessage(`{"ok":true}`), StatusSuccess))

	// A second resolution attempt is a no-op.
	assert.False(t, c.UpdateResponse(ctx, "req-1", json.RawMessage(`{"ok":false}`), StatusError))

	req, ok := c.GetRequest(ctx, "req-1")
	require.True(t, ok)
	assert.Equal(t, StatusSuccess, req.Status)
	assert.JSONEq(t, `{"ok":true}`, string(req.ResponseBody))
	assert.NotNil(t, req.RespondedAt)
}

func TestUpdateResponseUnknownRequest(t *testing.T) {
	c, _ := newTestCorrelator(t, 30*time.Second, 10*time.Second)
	ctx := context.Background()

	assert.False(t, c.UpdateResponse(ctx, "req-missing", nil, StatusSuccess))
}

func TestUpdateResponseRejectsNonTerminalStatus(t *testing.T) {
	c, _ := newTestCorrelator(t, 30*time.Second, 10*time.Second)
	ctx := context.Background()

	c.RegisterRequest(ctx, "req-1", "ssn-abc", "/x", "GET", nil)
	assert.False(t, c.UpdateResponse(ctx, "req-1", nil, StatusPending))
	assert.False(t, c.UpdateResponse(ctx, "req-1", nil, StatusTimeout))
}

func TestRemoveRequest(t *testing.T) {
	c, _ := newTestCorrelator(t, 30*time.Second, 10*time.Second)
	ctx := context.Background()

	c.RegisterRequest(ctx, "req-1", "ssn-abc", "/x", "GET", nil)
	c.RemoveRequest(ctx, "req-1")

	_, ok := c.GetRequest(ctx, "req-1")
	assert.False(t, ok)
	assert.Zero(t, c.CleanupExpiredRequests(ctx))
}

func TestCleanupMarksStalePendingAsTimeout(t *testing.T) {
	c, mr := newTestCorrelator(t, time.Hour, 10*time.Second)
	ctx := context.Background()

	c.RegisterRequest(ctx, "req-stale", "ssn-abc", "/x", "GET", nil)

	// Not yet past the window.
	assert.Zero(t, c.CleanupExpiredRequests(ctx))

	// Age the record past the window by rewriting its created-at.
	req, ok := c.GetRequest(ctx, "req-stale")
	require.True(t, ok)
	req.CreatedAt = time.Now().UTC().Add(-time.Minute)
	data, err := json.Marshal(req)
	require.NoError(t, err)
	require.NoError(t, mr.Set(keyRequest+"req-stale", string(data)))

	assert.Equal(t, 1, c.CleanupExpiredRequests(ctx))

	got, ok := c.GetRequest(ctx, "req-stale")
	require.True(t, ok)
	assert.Equal(t, StatusTimeout, got.Status)
	assert.NotNil(t, got.RespondedAt)

	// Sweeping again is idempotent.
	assert.Zero(t, c.CleanupExpiredRequests(ctx))
	got, ok = c.GetRequest(ctx, "req-stale")
	require.True(t, ok)
	assert.Equal(t, StatusTimeout, got.Status)
}

func TestCleanupSkipsResolvedAndFreshRequests(t *testing.T) {
	c, _ := newTestCorrelator(t, time.Hour, 10*time.Second)
	ctx := context.Background()

	c.RegisterRequest(ctx, "req-fresh", "ssn-abc", "/x", "GET", nil)
	c.RegisterRequest(ctx, "req-done", "ssn-abc", "/y", "GET", nil)
	c.UpdateResponse(ctx, "req-done", nil, StatusSuccess)

	assert.Zero(t, c.CleanupExpiredRequests(ctx))

	fresh, ok := c.GetRequest(ctx, "req-fresh")
	require.True(t, ok)
	assert.Equal(t, StatusPending, fresh.Status)
}

func TestRecordExpiresViaTTL(t *testing.T) {
	c, mr := newTestCorrelator(t, 30*time.Second, 10*time.Second)
	ctx := context.Background()

	c.RegisterRequest(ctx, "req-1", "ssn-abc", "/x", "GET", nil)
	mr.FastForward(time.Minute)

	// The record vanished; a caller treats this exactly like TIMEOUT.
	_, ok := c.GetRequest(ctx, "req-1")
	assert.False(t, ok)

	// The sweep prunes the orphaned index entry.
	assert.Zero(t, c.CleanupExpiredRequests(ctx))
}

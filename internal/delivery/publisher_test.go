package delivery

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/draftmate/draftmate-server/internal/match"
	"github.com/draftmate/draftmate-server/internal/session"
)

type sentEvent struct {
	ConnID    string
	EventType string
	Payload   json.RawMessage
}

// fakeTransport records sends and fails for connection ids marked down.
type fakeTransport struct {
	sent []sentEvent
	down map[string]bool
}

func (f *fakeTransport) Send(_ context.Context, connID, eventType string, payload json.RawMessage) error {
	if f.down[connID] {
		return errors.New("connection stale")
	}
	f.sent = append(f.sent, sentEvent{ConnID: connID, EventType: eventType, Payload: payload})
	return nil
}

func newPublisherFixture(t *testing.T) (*Publisher, *session.Registry, *Queue, *fakeTransport) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })

	logger := zap.NewNop()
	registry := session.NewRegistry(rdb, time.Hour, logger)
	queue := NewQueue(rdb, time.Hour, logger)
	transport := &fakeTransport{down: make(map[string]bool)}
	return NewPublisher(registry, queue, transport, logger), registry, queue, transport
}

func TestPublishDeliversDirectly(t *testing.T) {
	pub, registry, queue, transport := newPublisherFixture(t)
	ctx := context.Background()

	registry.Register(ctx, "conn-1", "alice#1234", session.Metadata{})
	require.True(t, pub.Publish(ctx, "alice#1234", "draft_update", json.RawMessage(`{"turn":1}`)))

	require.Len(t, transport.sent, 1)
	assert.Equal(t, "conn-1", transport.sent[0].ConnID)
	assert.Equal(t, "draft_update", transport.sent[0].EventType)
	assert.Empty(t, queue.GetPendingEvents(ctx, session.StableSessionID("alice#1234")))
}

func TestPublishQueuesWhenOffline(t *testing.T) {
	pub, _, queue, transport := newPublisherFixture(t)
	ctx := context.Background()

	require.True(t, pub.Publish(ctx, "alice#1234", "draft_update", nil))

	assert.Empty(t, transport.sent)
	events := queue.GetPendingEvents(ctx, session.StableSessionID("alice#1234"))
	require.Len(t, events, 1)
	assert.Equal(t, "draft_update", events[0].EventType)
}

func TestPublishQueuesOnSendFailure(t *testing.T) {
	pub, registry, queue, transport := newPublisherFixture(t)
	ctx := context.Background()

	registry.Register(ctx, "conn-1", "alice#1234", session.Metadata{})
	transport.down["conn-1"] = true

	require.True(t, pub.Publish(ctx, "alice#1234", "draft_update", nil))
	require.Len(t, queue.GetPendingEvents(ctx, session.StableSessionID("alice#1234")), 1)
}

func TestReplayPendingInOrderThenClears(t *testing.T) {
	pub, _, queue, transport := newPublisherFixture(t)
	ctx := context.Background()

	stableID := session.StableSessionID("alice#1234")
	for _, name := range []string{"e1", "e2", "e3"} {
		queue.QueueEvent(ctx, stableID, name, nil)
	}

	replayed := pub.ReplayPending(ctx, "alice#1234", "conn-2")
	assert.Equal(t, 3, replayed)

	require.Len(t, transport.sent, 3)
	assert.Equal(t, "e1", transport.sent[0].EventType)
	assert.Equal(t, "e2", transport.sent[1].EventType)
	assert.Equal(t, "e3", transport.sent[2].EventType)
	assert.Empty(t, queue.GetPendingEvents(ctx, stableID))
}

func TestReplayPendingPartialFailureKeepsQueue(t *testing.T) {
	pub, _, queue, transport := newPublisherFixture(t)
	ctx := context.Background()

	stableID := session.StableSessionID("alice#1234")
	queue.QueueEvent(ctx, stableID, "e1", nil)
	transport.down["conn-2"] = true

	replayed := pub.ReplayPending(ctx, "alice#1234", "conn-2")
	assert.Equal(t, 0, replayed)

	events := queue.GetPendingEvents(ctx, stableID)
	require.Len(t, events, 1)
	assert.Equal(t, 1, events[0].RetryCount)
}

// TestDisconnectReconnectScenario walks the full coordination flow: connect,
// match start, missed push while stale, reconnect takeover, ordered replay,
// ownership intact throughout.
func TestDisconnectReconnectScenario(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })

	logger := zap.NewNop()
	registry := session.NewRegistry(rdb, time.Hour, logger)
	binding := match.NewBindingService(rdb, time.Hour, logger)
	queue := NewQueue(rdb, time.Hour, logger)
	transport := &fakeTransport{down: make(map[string]bool)}
	pub := NewPublisher(registry, queue, transport, logger)
	ctx := context.Background()

	// Nyx connects.
	require.Equal(t, session.RegisterNew, registry.Register(ctx, "connA", "Nyx#BR1", session.Metadata{}))

	// Match 99 starts.
	require.True(t, binding.RegisterPlayerMatch(ctx, "Nyx#BR1", "99"))
	require.True(t, binding.ValidateOwnership(ctx, "Nyx#BR1", "99"))

	// The draft update can't reach the stale connection; it gets queued
	// under the stable id.
	transport.down["connA"] = true
	require.True(t, pub.Publish(ctx, "Nyx#BR1", "draft_update", json.RawMessage(`{"pick":"jinx"}`)))

	// Reconnect lands on a fresh connection before the old cleanup ran.
	require.Equal(t, session.RegisterTakeover, registry.Register(ctx, "connB", "Nyx#BR1", session.Metadata{}))

	events := queue.GetPendingEvents(ctx, session.StableSessionID(session.NormalizePlayerKey("Nyx#BR1")))
	require.Len(t, events, 1)
	assert.Equal(t, "draft_update", events[0].EventType)

	replayed := pub.ReplayPending(ctx, "Nyx#BR1", "connB")
	assert.Equal(t, 1, replayed)
	require.Len(t, transport.sent, 1)
	assert.Equal(t, "connB", transport.sent[0].ConnID)
	assert.Empty(t, queue.GetPendingEvents(ctx, session.StableSessionID(session.NormalizePlayerKey("Nyx#BR1"))))

	// The late cleanup of connA does not disturb the fresh registration.
	registry.Unregister(ctx, "connA")
	connID, ok := registry.ResolveConnectionByPlayer(ctx, "Nyx#BR1")
	require.True(t, ok)
	assert.Equal(t, "connB", connID)

	// Ownership held the whole time.
	assert.True(t, binding.ValidateOwnership(ctx, "Nyx#BR1", "99"))
}

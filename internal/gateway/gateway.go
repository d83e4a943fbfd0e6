package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	cmap "github.com/orcaman/concurrent-map/v2"
	"github.com/tidwall/gjson"
	"go.uber.org/zap"

	"github.com/draftmate/draftmate-server/internal/config"
	"github.com/draftmate/draftmate-server/internal/delivery"
	"github.com/draftmate/draftmate-server/internal/match"
	"github.com/draftmate/draftmate-server/internal/rpc"
	"github.com/draftmate/draftmate-server/internal/session"
)

var (
	// ErrNotConnected means the target has no live connection on this
	// replica; callers queue the event instead.
	ErrNotConnected = errors.New("gateway: connection not found")
	// ErrCallTimeout means no answer arrived within the call window. A
	// vanished correlation record reports the same error.
	ErrCallTimeout = errors.New("gateway: call timed out")
)

// Dispatcher receives match-scoped commands after the ownership check has
// passed. Payloads are opaque to the gateway.
type Dispatcher interface {
	Dispatch(ctx context.Context, playerKey, matchID, command string, payload json.RawMessage) error
}

// Gateway is the websocket transport collaborator: it drives the session
// registry from connection lifecycle events, gates match-scoped commands on
// ownership, pushes server-originated events (queueing on uncertainty), and
// bridges server-to-client RPC over the same channel.
type Gateway struct {
	cfg        config.ServerConfig
	registry   *session.Registry
	binding    *match.BindingService
	correlator *rpc.Correlator
	publisher  *delivery.Publisher
	dispatcher Dispatcher
	logger     *zap.Logger

	callTimeout time.Duration

	conns   cmap.ConcurrentMap[string, *conn]
	waiters cmap.ConcurrentMap[string, chan rpc.Request]

	upgrader websocket.Upgrader
	server   *http.Server
}

// New creates the gateway. It constructs its own delivery publisher since
// the gateway is the Transport the publisher sends through.
func New(
	cfg config.ServerConfig,
	registry *session.Registry,
	binding *match.BindingService,
	queue *delivery.Queue,
	correlator *rpc.Correlator,
	callTimeout time.Duration,
	dispatcher Dispatcher,
	logger *zap.Logger,
) *Gateway {
	g := &Gateway{
		cfg:         cfg,
		registry:    registry,
		binding:     binding,
		correlator:  correlator,
		dispatcher:  dispatcher,
		logger:      logger,
		callTimeout: callTimeout,
		conns:       cmap.New[*conn](),
		waiters:     cmap.New[chan rpc.Request](),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
	}
	g.publisher = delivery.NewPublisher(registry, queue, g, logger)
	return g
}

// Handler returns the HTTP handler serving the websocket endpoint.
func (g *Gateway) Handler(ctx context.Context) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc(g.cfg.Path, func(w http.ResponseWriter, r *http.Request) {
		g.handleWebSocket(ctx, w, r)
	})
	return mux
}

// Start runs the websocket listener until the server is shut down.
func (g *Gateway) Start(ctx context.Context) error {
	g.server = &http.Server{
		Addr:    g.cfg.Address,
		Handler: g.Handler(ctx),
	}

	g.logger.Info("websocket gateway listening",
		zap.String("address", g.cfg.Address),
		zap.String("path", g.cfg.Path),
	)
	if err := g.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("websocket listener: %w", err)
	}
	return nil
}

// Shutdown closes every live connection and stops the listener.
func (g *Gateway) Shutdown(ctx context.Context) error {
	for item := range g.conns.IterBuffered() {
		item.Val.close()
	}
	if g.server != nil {
		return g.server.Shutdown(ctx)
	}
	return nil
}

func (g *Gateway) handleWebSocket(ctx context.Context, w http.ResponseWriter, r *http.Request) {
	ws, err := g.upgrader.Upgrade(w, r, nil)
	if err != nil {
		g.logger.Warn("websocket upgrade failed",
			zap.String("remote_addr", r.RemoteAddr),
			zap.Error(err),
		)
		return
	}

	connID := uuid.NewString()
	c := newConn(connID, ws, g.cfg.WriteTimeout)
	g.conns.Set(connID, c)

	g.logger.Info("connection opened",
		zap.String("conn_id", connID),
		zap.String("remote_addr", r.RemoteAddr),
	)

	pingerDone := make(chan struct{})
	go g.pinger(c, pingerDone)

	g.readLoop(ctx, c, r)

	close(pingerDone)
	g.conns.Remove(connID)
	c.close()

	// A fresh registration for the same player may already own the reverse
	// mapping; Unregister is check-then-delete so that case is a no-op.
	g.registry.Unregister(ctx, connID)

	g.logger.Info("connection closed", zap.String("conn_id", connID))
}

func (g *Gateway) pinger(c *conn, done <-chan struct{}) {
	ticker := time.NewTicker(g.cfg.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			if err := c.ping(); err != nil {
				return
			}
		}
	}
}

func (g *Gateway) readLoop(ctx context.Context, c *conn, r *http.Request) {
	c.ws.SetReadLimit(g.cfg.ReadLimit)
	c.ws.SetReadDeadline(time.Now().Add(g.cfg.PongTimeout))
	c.ws.SetPongHandler(func(string) error {
		c.ws.SetReadDeadline(time.Now().Add(g.cfg.PongTimeout))
		return nil
	})

	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				g.logger.Debug("read error",
					zap.String("conn_id", c.id),
					zap.Error(err),
				)
			}
			return
		}
		c.ws.SetReadDeadline(time.Now().Add(g.cfg.PongTimeout))
		g.route(ctx, c, r, data)
	}
}

// route dispatches one inbound frame. Handler panics (malformed payloads
// hitting a decoding bug) must not tear down the connection loop.
func (g *Gateway) route(ctx context.Context, c *conn, r *http.Request, data []byte) {
	defer func() {
		if rec := recover(); rec != nil {
			g.logger.Error("frame handler panic",
				zap.String("conn_id", c.id),
				zap.Any("panic", rec),
			)
		}
	}()

	frameType := gjson.GetBytes(data, "type").String()
	payload := json.RawMessage(gjson.GetBytes(data, "payload").Raw)

	switch frameType {
	case frameIdentify:
		g.handleIdentify(ctx, c, r, payload)
	case frameHeartbeat:
		g.registry.Heartbeat(ctx, c.id)
	case frameRPCResponse:
		g.handleRPCResponse(ctx, c, payload)
	case "":
		g.sendError(c, "bad_frame", "missing frame type")
	default:
		g.handleCommand(ctx, c, frameType, payload)
	}
}

func (g *Gateway) handleIdentify(ctx context.Context, c *conn, r *http.Request, payload json.RawMessage) {
	var ident identifyPayload
	if err := json.Unmarshal(payload, &ident); err != nil {
		g.sendError(c, "bad_frame", "malformed identify payload")
		return
	}

	meta := session.Metadata{
		Address:   r.RemoteAddr,
		UserAgent: ident.UserAgent,
	}
	// Resolve before registering: a takeover retires the old mapping, after
	// which the superseded connection can no longer be looked up.
	prevConnID, _ := g.registry.ResolveConnectionByPlayer(ctx, ident.PlayerKey)

	result := g.registry.Register(ctx, c.id, ident.PlayerKey, meta)
	if result == session.RegisterFailed {
		g.sendError(c, "register_failed", "registration rejected")
		return
	}

	replayed := 0
	if result == session.RegisterTakeover {
		// The superseded connection may still be live on this replica.
		if prevConnID != "" && prevConnID != c.id {
			if other, ok := g.conns.Get(prevConnID); ok {
				other.close()
			}
		}
		replayed = g.publisher.ReplayPending(ctx, ident.PlayerKey, c.id)
	}

	ack, _ := json.Marshal(identifiedPayload{
		Result:          result.String(),
		StableSessionID: session.StableSessionID(session.NormalizePlayerKey(ident.PlayerKey)),
		ReplayedEvents:  replayed,
	})
	c.writeJSON(Envelope{Type: frameIdentified, Payload: ack})
}

// handleCommand gates a match-scoped command on ownership before handing it
// to the application dispatcher.
func (g *Gateway) handleCommand(ctx context.Context, c *conn, command string, payload json.RawMessage) {
	playerKey, ok := g.registry.ResolvePlayerByConnection(ctx, c.id)
	if !ok {
		g.sendError(c, "unidentified", "identify before sending commands")
		return
	}

	matchID := gjson.GetBytes(payload, "match_id").String()
	if matchID == "" {
		g.sendError(c, "bad_frame", "match_id is required")
		return
	}
	if !g.binding.ValidateOwnership(ctx, playerKey, matchID) {
		g.sendError(c, "forbidden", "not a participant of this match")
		return
	}

	if g.dispatcher == nil {
		return
	}
	if err := g.dispatcher.Dispatch(ctx, playerKey, matchID, command, payload); err != nil {
		g.logger.Warn("command dispatch failed",
			zap.String("player", playerKey),
			zap.String("match_id", matchID),
			zap.String("command", command),
			zap.Error(err),
		)
		g.sendError(c, "dispatch_failed", err.Error())
	}
}

func (g *Gateway) handleRPCResponse(ctx context.Context, c *conn, payload json.RawMessage) {
	var resp rpcResponsePayload
	if err := json.Unmarshal(payload, &resp); err != nil {
		g.sendError(c, "bad_frame", "malformed rpc response")
		return
	}

	status := rpc.StatusSuccess
	if resp.Status == "error" {
		status = rpc.StatusError
	}
	g.correlator.UpdateResponse(ctx, resp.RequestID, resp.Body, status)

	// Wake a local waiter if the call originated on this replica.
	if ch, ok := g.waiters.Get(resp.RequestID); ok {
		if req, found := g.correlator.GetRequest(ctx, resp.RequestID); found {
			select {
			case ch <- req:
			default:
			}
		}
	}
}

func (g *Gateway) sendError(c *conn, code, message string) {
	payload, _ := json.Marshal(errorPayload{Code: code, Message: message})
	c.writeJSON(Envelope{Type: frameError, Payload: payload})
}

// Send delivers one event to a live connection on this replica. It is the
// delivery.Transport implementation the publisher sends through.
func (g *Gateway) Send(ctx context.Context, connID, eventType string, payload json.RawMessage) error {
	c, ok := g.conns.Get(connID)
	if !ok {
		return ErrNotConnected
	}
	return c.writeJSON(Envelope{Type: eventType, Payload: payload})
}

// Publish pushes a server-originated event to a player with at-least-once
// semantics: direct delivery when possible, durable queueing on uncertainty.
func (g *Gateway) Publish(ctx context.Context, playerKey, eventType string, payload json.RawMessage) bool {
	return g.publisher.Publish(ctx, playerKey, eventType, payload)
}

// Call asks a player's client to perform an operation and waits for the
// typed answer with a bounded timeout. TIMEOUT and a vanished correlation
// record are reported identically as ErrCallTimeout.
func (g *Gateway) Call(ctx context.Context, playerKey, endpoint, method string, body json.RawMessage) (rpc.Request, error) {
	connID, ok := g.registry.ResolveConnectionByPlayer(ctx, playerKey)
	if !ok {
		return rpc.Request{}, ErrNotConnected
	}

	requestID := uuid.NewString()
	stableID := session.StableSessionID(session.NormalizePlayerKey(playerKey))
	if !g.correlator.RegisterRequest(ctx, requestID, stableID, endpoint, method, body) {
		return rpc.Request{}, fmt.Errorf("gateway: register rpc request %s", requestID)
	}

	ch := make(chan rpc.Request, 1)
	g.waiters.Set(requestID, ch)
	defer func() {
		g.waiters.Remove(requestID)
		g.correlator.RemoveRequest(ctx, requestID)
	}()

	framePayload, _ := json.Marshal(rpcRequestPayload{
		RequestID: requestID,
		Endpoint:  endpoint,
		Method:    method,
		Body:      body,
	})
	if err := g.Send(ctx, connID, frameRPCRequest, framePayload); err != nil {
		return rpc.Request{}, err
	}

	deadline := time.NewTimer(g.callTimeout)
	defer deadline.Stop()

	// The channel covers responses arriving on this replica; the poll
	// covers responses that landed on another one.
	poll := time.NewTicker(500 * time.Millisecond)
	defer poll.Stop()

	for {
		select {
		case req := <-ch:
			return req, nil
		case <-poll.C:
			req, found := g.correlator.GetRequest(ctx, requestID)
			if !found {
				return rpc.Request{}, ErrCallTimeout
			}
			switch req.Status {
			case rpc.StatusSuccess, rpc.StatusError:
				return req, nil
			case rpc.StatusTimeout:
				return rpc.Request{}, ErrCallTimeout
			}
		case <-deadline.C:
			return rpc.Request{}, ErrCallTimeout
		case <-ctx.Done():
			return rpc.Request{}, ctx.Err()
		}
	}
}

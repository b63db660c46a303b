package gateway

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/latticehq/lattice/internal/events"
	"github.com/latticehq/lattice/internal/sessions"
)

// Conn is one gateway connection. A single reader goroutine parses inbound
// frames and a single writer drains the send queue, so outbound frames are
// delivered in enqueue order.
type Conn struct {
	id     string
	server *Server
	ws     *websocket.Conn
	send   chan []byte
	logger *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	ready    atomic.Bool
	protocol int
	identity Identity
	eventSeq atomic.Int64

	mu       sync.Mutex
	subs     map[string]*events.Subscription
	idem     map[string]any
	idemKeys []string
	closing  bool
}

// idemCacheMax bounds the per-connection replayed-result cache.
const idemCacheMax = 128

// idemGet returns the cached result for an idempotency key, if any.
func (c *Conn) idemGet(key string) (any, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	result, ok := c.idem[key]
	return result, ok
}

// idemPut caches a result under an idempotency key, evicting the oldest
// entry when the cache is full.
func (c *Conn) idemPut(key string, result any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.idem == nil {
		c.idem = make(map[string]any)
	}
	if _, exists := c.idem[key]; exists {
		return
	}
	if len(c.idemKeys) >= idemCacheMax {
		oldest := c.idemKeys[0]
		c.idemKeys = c.idemKeys[1:]
		delete(c.idem, oldest)
	}
	c.idem[key] = result
	c.idemKeys = append(c.idemKeys, key)
}

func newConn(s *Server, ws *websocket.Conn) *Conn {
	id := uuid.NewString()
	return &Conn{
		id:     id,
		server: s,
		ws:     ws,
		send:   make(chan []byte, s.config.SendQueue),
		logger: s.logger.With("conn", id),
		subs:   make(map[string]*events.Subscription),
	}
}

// Identity returns the principal bound at handshake. Zero when auth is off.
func (c *Conn) Identity() Identity { return c.identity }

func (c *Conn) run(parent context.Context) {
	c.ctx, c.cancel = context.WithCancel(parent)
	defer c.cancel()
	defer c.teardown()

	go c.writeLoop()
	c.readLoop()
}

func (c *Conn) readLoop() {
	c.ws.SetReadLimit(maxFrameBytes)
	_ = c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.logger.Debug("connection dropped", "error", err)
			}
			return
		}
		var frame Frame
		if err := json.Unmarshal(data, &frame); err != nil {
			c.respond("", nil, errorf(CodeInvalidRequest, "malformed frame: %v", err))
			continue
		}

		if !c.ready.Load() {
			if frame.Type != FrameHello {
				c.respond(frame.ID, nil, errorf(CodeInvalidRequest, "handshake required"))
				c.close(websocket.ClosePolicyViolation, "handshake required")
				return
			}
			if !c.handshake(&frame) {
				return
			}
			continue
		}

		switch frame.Type {
		case FrameRequest:
			c.dispatch(&frame)
		case FrameHello:
			c.respond(frame.ID, nil, errorf(CodeInvalidRequest, "already connected"))
		default:
			c.respond(frame.ID, nil, errorf(CodeInvalidRequest, "unexpected frame type %q", frame.Type))
		}
	}
}

func (c *Conn) writeLoop() {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-c.ctx.Done():
			return
		case data := <-c.send:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.TextMessage, data); err != nil {
				c.cancel()
				return
			}
		case <-ticker.C:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.cancel()
				return
			}
		}
	}
}

// handshake negotiates the protocol version and binds the client identity.
// Returns false when the connection must close.
func (c *Conn) handshake(frame *Frame) bool {
	minP, maxP := frame.MinProtocol, frame.MaxProtocol
	if minP <= 0 {
		minP = 1
	}
	if maxP < minP {
		maxP = minP
	}
	srvMin, srvMax := c.server.config.ProtocolMin, c.server.config.ProtocolMax
	lo, hi := minP, maxP
	if srvMin > lo {
		lo = srvMin
	}
	if srvMax < hi {
		hi = srvMax
	}
	if lo > hi {
		c.respond("", nil, errorf(CodeInvalidRequest,
			"no common protocol version: client %d-%d, server %d-%d", minP, maxP, srvMin, srvMax))
		c.close(websocket.CloseProtocolError, "protocol version mismatch")
		return false
	}

	if c.server.verifier != nil {
		id, err := c.server.verifier.Verify(frame.Auth)
		if err != nil {
			if c.server.config.RequireAuth {
				c.respond("", nil, errorf(CodeNotLinked, "authentication required"))
				c.close(websocket.ClosePolicyViolation, "not linked")
				return false
			}
		} else {
			c.identity = id
		}
	} else if c.server.config.RequireAuth {
		c.respond("", nil, errorf(CodeNotLinked, "authentication required"))
		c.close(websocket.ClosePolicyViolation, "not linked")
		return false
	}

	c.protocol = hi
	c.ready.Store(true)
	c.enqueue(Frame{
		Type:     FrameHelloOK,
		Protocol: hi,
		ServerInfo: map[string]any{
			"name":    c.server.config.ServerName,
			"version": c.server.config.Version,
		},
		Features: &Features{
			Methods: c.server.methodNames(),
			Events:  eventNames(),
		},
		Snapshot: c.buildSnapshot(),
	})
	c.logger.Info("client connected",
		"protocol", hi, "principal", c.identity.Principal, "tenant", c.identity.TenantID)
	return true
}

func (c *Conn) buildSnapshot() map[string]any {
	snapshot := map[string]any{
		"time": c.server.now().UTC().Format(time.RFC3339),
	}
	if c.server.deps.Sessions == nil {
		return snapshot
	}
	list, err := c.server.deps.Sessions.List(c.ctx, sessions.Filter{TenantID: c.identity.TenantID})
	if err != nil {
		c.logger.Warn("snapshot listing failed", "error", err)
		return snapshot
	}
	keys := make([]string, 0, len(list))
	for _, sess := range list {
		keys = append(keys, sess.Key)
	}
	snapshot["sessions"] = keys
	return snapshot
}

// dispatch runs the method for a request frame. Every request gets exactly
// one response: the handler's, or AGENT_TIMEOUT when the deadline passes
// first.
func (c *Conn) dispatch(frame *Frame) {
	if frame.ID == "" {
		c.respond("", nil, errorf(CodeInvalidRequest, "request id required"))
		return
	}
	method := frame.Method
	fn, ok := c.server.lookupMethod(method)
	if !ok {
		c.server.countRequest(method, CodeMethodNotFound)
		c.respond(frame.ID, nil, errorf(CodeMethodNotFound, "unknown method %q", method))
		return
	}

	params := frame.Params
	go func() {
		ctx, cancel := context.WithTimeout(c.ctx, c.server.config.RequestTimeout)
		defer cancel()

		type outcome struct {
			result any
			ferr   *FrameError
		}
		done := make(chan outcome, 1)
		go func() {
			defer func() {
				if r := recover(); r != nil {
					c.logger.Error("method panicked", "method", method, "panic", r)
					done <- outcome{ferr: errorf(CodeInternalError, "internal error")}
				}
			}()
			result, ferr := fn(ctx, c, params)
			done <- outcome{result: result, ferr: ferr}
		}()

		select {
		case out := <-done:
			code := "ok"
			if out.ferr != nil {
				code = out.ferr.Code
			}
			c.server.countRequest(method, code)
			c.respond(frame.ID, out.result, out.ferr)
		case <-ctx.Done():
			c.server.countRequest(method, CodeAgentTimeout)
			c.respond(frame.ID, nil, errorf(CodeAgentTimeout, "deadline exceeded for %q", method))
		}
	}()
}

func (c *Conn) respond(id string, result any, ferr *FrameError) {
	c.enqueue(Frame{Type: FrameResponse, ID: id, Result: result, Error: ferr})
}

func (c *Conn) sendEvent(ev events.Event) {
	seq := c.eventSeq.Add(1)
	c.enqueue(Frame{
		Type:       FrameEvent,
		Event:      ev.Name,
		SessionKey: ev.SessionKey,
		Payload:    ev.Payload,
		Seq:        &seq,
	})
}

// enqueue serializes a frame onto the send queue. When the queue is full,
// stream-token events are dropped first; any other frame closes the
// connection with UNAVAILABLE instead of buffering without bound.
func (c *Conn) enqueue(frame Frame) {
	data, err := json.Marshal(frame)
	if err != nil {
		c.logger.Error("frame marshal failed", "error", err)
		return
	}
	select {
	case c.send <- data:
	default:
		if frame.Type == FrameEvent && frame.Event == events.SessionStreamToken {
			if c.server.metrics != nil {
				c.server.metrics.GatewayEventsDropped.Inc()
			}
			return
		}
		c.logger.Warn("send queue full, closing connection")
		c.close(websocket.CloseTryAgainLater, CodeUnavailable)
	}
}

// addSubscription bridges a bus subscription onto this connection.
func (c *Conn) addSubscription(filter events.Filter) (string, *FrameError) {
	if c.server.deps.Bus == nil {
		return "", errorf(CodeUnavailable, "event bus unavailable")
	}
	sub := c.server.deps.Bus.Subscribe(filter)
	id := uuid.NewString()

	c.mu.Lock()
	if c.closing {
		c.mu.Unlock()
		sub.Close()
		return "", errorf(CodeUnavailable, "connection closing")
	}
	c.subs[id] = sub
	c.mu.Unlock()

	go func() {
		for ev := range sub.C {
			c.sendEvent(ev)
		}
		// The bus closes the channel when it drops a slow subscriber;
		// tell the client so it can resubscribe and resync.
		if sub.Dropped() {
			c.enqueue(Frame{Type: FrameEvent, Event: "subscription.dropped", Payload: map[string]any{
				"subscription_id": id,
			}})
		}
		c.mu.Lock()
		delete(c.subs, id)
		c.mu.Unlock()
	}()
	return id, nil
}

func (c *Conn) removeSubscription(id string) bool {
	c.mu.Lock()
	sub, ok := c.subs[id]
	delete(c.subs, id)
	c.mu.Unlock()
	if ok {
		sub.Close()
	}
	return ok
}

func (c *Conn) close(code int, reason string) {
	c.mu.Lock()
	if c.closing {
		c.mu.Unlock()
		return
	}
	c.closing = true
	c.mu.Unlock()

	msg := websocket.FormatCloseMessage(code, reason)
	_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
	_ = c.ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait))
	c.cancel()
	_ = c.ws.Close()
}

func (c *Conn) teardown() {
	c.close(websocket.CloseNormalClosure, "")
	c.mu.Lock()
	subs := make([]*events.Subscription, 0, len(c.subs))
	for _, sub := range c.subs {
		subs = append(subs, sub)
	}
	c.subs = make(map[string]*events.Subscription)
	c.mu.Unlock()
	for _, sub := range subs {
		sub.Close()
	}
}

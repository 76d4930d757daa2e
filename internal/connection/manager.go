// ABOUTME: WebSocket connection manager: accept, handshake, read/write loops
// ABOUTME: Owns connection registry, idle sweep, and graceful drain on shutdown

// Package connection accepts protocol connections over WebSocket, enforces
// the auth handshake, pumps envelopes in both directions, and retires
// connections that go idle or misbehave.
package connection

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"

	"github.com/Afee2019/openclaw/internal/auth"
	"github.com/Afee2019/openclaw/internal/config"
	"github.com/Afee2019/openclaw/internal/events"
	"github.com/Afee2019/openclaw/internal/protocol"
)

const (
	handshakeTimeout  = 10 * time.Second
	writeTimeout      = 10 * time.Second
	idleSweepInterval = 30 * time.Second
)

// MethodHandler serves the domain methods the manager doesn't handle itself
// (send, agents.list, sessions.list, bindings.list). Returning a non-nil
// protocol.Error produces an error response; otherwise the result is
// marshaled into a success response. Each request runs in its own goroutine,
// so HandleRequest may be called concurrently for one connection.
type MethodHandler interface {
	HandleRequest(ctx context.Context, c *Conn, env *protocol.Envelope) (any, *protocol.Error)
}

// Options configures a Manager.
type Options struct {
	Verifier    auth.Verifier
	Broadcaster *events.Broadcaster
	Handler     MethodHandler
	ServerID    string
	QueueSize   int
	DrainGrace  time.Duration
	IdleTimeout time.Duration
	OnClose     func(*Conn)
	Logger      *slog.Logger
}

// Manager owns all live protocol connections.
type Manager struct {
	verifier    auth.Verifier
	broadcaster *events.Broadcaster
	handler     MethodHandler
	serverID    string
	queueSize   int
	drainGrace  time.Duration
	idleTimeout time.Duration
	onClose     func(*Conn)
	logger      *slog.Logger

	mu    sync.Mutex
	conns map[string]*Conn
}

// NewManager creates a connection manager.
func NewManager(opts Options) *Manager {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = config.DefaultQueueSize
	}
	if opts.DrainGrace <= 0 {
		opts.DrainGrace = config.DefaultDrainGrace
	}
	if opts.IdleTimeout <= 0 {
		opts.IdleTimeout = config.DefaultIdleTimeout
	}
	return &Manager{
		verifier:    opts.Verifier,
		broadcaster: opts.Broadcaster,
		handler:     opts.Handler,
		serverID:    opts.ServerID,
		queueSize:   opts.QueueSize,
		drainGrace:  opts.DrainGrace,
		idleTimeout: opts.IdleTimeout,
		onClose:     opts.OnClose,
		logger:      logger.With("component", "connection"),
	}
}

// HandleWS upgrades the request and runs the connection to completion.
func (m *Manager) HandleWS(w http.ResponseWriter, r *http.Request) {
	ws, err := websocket.Accept(w, r, nil)
	if err != nil {
		m.logger.Debug("websocket accept failed", "error", err)
		return
	}

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	c, err := m.handshake(ctx, ws)
	if err != nil {
		m.logger.Info("handshake rejected", "remote", r.RemoteAddr, "error", err)
		return
	}

	m.register(c)
	m.logger.Info("connection established",
		"connection_id", c.ID, "identity", c.Identity, "remote", r.RemoteAddr)
	defer func() {
		m.unregister(c)
		c.close(protocol.CloseNormal, "")
		if m.onClose != nil {
			m.onClose(c)
		}
		m.logger.Info("connection closed", "connection_id", c.ID)
	}()

	go m.writeLoop(ctx, c)
	m.readLoop(ctx, c)
}

// handshake enforces that the first client envelope is an auth request with
// a valid token. Any failure yields a terminal error response and close code
// 4001 (or 1002 for malformed framing).
func (m *Manager) handshake(ctx context.Context, ws *websocket.Conn) (*Conn, error) {
	hctx, cancel := context.WithTimeout(ctx, handshakeTimeout)
	defer cancel()

	_, data, err := ws.Read(hctx)
	if err != nil {
		_ = ws.Close(protocol.CloseAuthFailure, "handshake timeout")
		return nil, fmt.Errorf("reading handshake: %w", err)
	}

	env, err := protocol.Decode(data)
	if err != nil {
		_ = ws.Close(protocol.CloseProtocolError, "malformed envelope")
		return nil, err
	}
	if env.Kind != protocol.KindRequest || env.Method != protocol.MethodAuth {
		m.rejectHandshake(hctx, ws, env.ID, "first request must be auth")
		return nil, errors.New("first envelope was not an auth request")
	}

	var req protocol.AuthRequest
	if err := protocol.DecodePayload(env, &req); err != nil {
		m.rejectHandshake(hctx, ws, env.ID, "auth payload missing token")
		return nil, err
	}

	identity, err := m.verifier.Verify(req.Token)
	if err != nil {
		m.rejectHandshake(hctx, ws, env.ID, "invalid token")
		return nil, fmt.Errorf("verifying token: %w", err)
	}

	c := newConn(uuid.New().String(), identity, ws, m.queueSize, m.logger)

	resp, err := protocol.NewResponse(env.ID, protocol.AuthResponse{
		ConnectionID: c.ID,
		Identity:     identity,
		ServerID:     m.serverID,
	})
	if err != nil {
		_ = ws.Close(protocol.CloseAuthFailure, "internal error")
		return nil, err
	}
	if err := m.write(hctx, ws, resp); err != nil {
		return nil, fmt.Errorf("writing auth response: %w", err)
	}
	return c, nil
}

func (m *Manager) rejectHandshake(ctx context.Context, ws *websocket.Conn, id, msg string) {
	if id != "" {
		_ = m.write(ctx, ws, protocol.NewErrorResponse(id, protocol.CodeAuthFailure, msg))
	}
	_ = ws.Close(protocol.CloseAuthFailure, msg)
}

func (m *Manager) readLoop(ctx context.Context, c *Conn) {
	for {
		_, data, err := c.ws.Read(ctx)
		if err != nil {
			return
		}
		c.touch()

		env, err := protocol.Decode(data)
		if err != nil {
			c.logger.Warn("malformed envelope, closing connection", "error", err)
			c.close(protocol.CloseProtocolError, "malformed envelope")
			return
		}
		m.handleEnvelope(ctx, c, env)
	}
}

func (m *Manager) writeLoop(ctx context.Context, c *Conn) {
	for {
		env, ok := c.queue.Pop(ctx)
		if !ok {
			return
		}
		if err := m.write(ctx, c.ws, env); err != nil {
			c.logger.Debug("write failed", "error", err)
			return
		}
	}
}

func (m *Manager) write(ctx context.Context, ws *websocket.Conn, env *protocol.Envelope) error {
	data, err := protocol.Encode(env)
	if err != nil {
		return err
	}
	wctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	return ws.Write(wctx, websocket.MessageText, data)
}

// handleEnvelope serves one client request. Unknown methods get an error
// response; only malformed framing is fatal to the connection.
func (m *Manager) handleEnvelope(ctx context.Context, c *Conn, env *protocol.Envelope) {
	if env.Kind != protocol.KindRequest {
		if env.ID != "" {
			c.Enqueue(protocol.NewErrorResponse(env.ID, protocol.CodeBadRequest,
				"clients send only requests"))
		}
		return
	}

	switch env.Method {
	case protocol.MethodAuth:
		c.Enqueue(protocol.NewErrorResponse(env.ID, protocol.CodeBadRequest,
			"already authenticated"))

	case protocol.MethodPing:
		var payload any
		if len(env.Payload) > 0 {
			payload = env.Payload
		}
		resp, err := protocol.NewResponse(env.ID, payload)
		if err != nil {
			c.Enqueue(protocol.NewErrorResponse(env.ID, protocol.CodeInternal, err.Error()))
			return
		}
		c.Enqueue(resp)

	case protocol.MethodSubscribe, protocol.MethodUnsubscribe:
		m.handleSubscription(c, env)

	default:
		if m.handler == nil {
			c.Enqueue(protocol.NewErrorResponse(env.ID, protocol.CodeUnknownMethod,
				fmt.Sprintf("unknown method %q", env.Method)))
			return
		}
		// Domain methods can block (a send dispatch runs a full agent
		// invocation), so they run off the read loop. The loop keeps
		// pumping frames and touching the idle clock meanwhile.
		c.inflight.Add(1)
		go func() {
			defer func() {
				c.touch()
				c.inflight.Add(-1)
			}()
			result, perr := m.handler.HandleRequest(ctx, c, env)
			if perr != nil {
				c.Enqueue(protocol.NewErrorResponse(env.ID, perr.Code, perr.Message))
				return
			}
			resp, err := protocol.NewResponse(env.ID, result)
			if err != nil {
				c.Enqueue(protocol.NewErrorResponse(env.ID, protocol.CodeInternal, err.Error()))
				return
			}
			c.Enqueue(resp)
		}()
	}
}

func (m *Manager) handleSubscription(c *Conn, env *protocol.Envelope) {
	var req protocol.SubscribeRequest
	if err := protocol.DecodePayload(env, &req); err != nil || len(req.Topics) == 0 {
		c.Enqueue(protocol.NewErrorResponse(env.ID, protocol.CodeBadRequest,
			"topics list is required"))
		return
	}
	for _, topic := range req.Topics {
		if !validTopic(topic) {
			c.Enqueue(protocol.NewErrorResponse(env.ID, protocol.CodeBadRequest,
				fmt.Sprintf("unknown topic %q", topic)))
			return
		}
	}

	for _, topic := range req.Topics {
		if env.Method == protocol.MethodSubscribe {
			c.Subscribe(m.broadcaster, topic)
		} else {
			c.Unsubscribe(topic)
		}
	}

	resp, err := protocol.NewResponse(env.ID, map[string][]string{"topics": req.Topics})
	if err != nil {
		c.Enqueue(protocol.NewErrorResponse(env.ID, protocol.CodeInternal, err.Error()))
		return
	}
	c.Enqueue(resp)
}

func validTopic(topic string) bool {
	switch topic {
	case protocol.TopicMessage, protocol.TopicSession, protocol.TopicProfile, protocol.TopicRoute:
		return true
	}
	return false
}

func (m *Manager) register(c *Conn) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.conns == nil {
		m.conns = make(map[string]*Conn)
	}
	m.conns[c.ID] = c
}

func (m *Manager) unregister(c *Conn) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.conns, c.ID)
}

// Len reports the number of live connections.
func (m *Manager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.conns)
}

// Run sweeps idle connections until ctx is canceled.
func (m *Manager) Run(ctx context.Context) {
	ticker := time.NewTicker(idleSweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.sweepIdle(time.Now().Add(-m.idleTimeout))
		}
	}
}

func (m *Manager) sweepIdle(cutoff time.Time) {
	m.mu.Lock()
	var idle []*Conn
	for _, c := range m.conns {
		if c.inflight.Load() > 0 {
			continue
		}
		if c.LastActivity().Before(cutoff) {
			idle = append(idle, c)
		}
	}
	m.mu.Unlock()

	for _, c := range idle {
		c.logger.Info("closing idle connection")
		c.close(protocol.CloseIdleTimeout, "idle timeout")
	}
}

// Shutdown lets each connection drain its outbound queue for the grace
// period, then closes everything with the server-shutdown code.
func (m *Manager) Shutdown(ctx context.Context) {
	m.mu.Lock()
	conns := make([]*Conn, 0, len(m.conns))
	for _, c := range m.conns {
		conns = append(conns, c)
	}
	m.mu.Unlock()

	var wg sync.WaitGroup
	for _, c := range conns {
		wg.Add(1)
		go func(c *Conn) {
			defer wg.Done()
			m.drain(ctx, c)
			c.close(protocol.CloseServerShutdown, "server shutting down")
		}(c)
	}
	wg.Wait()
}

func (m *Manager) drain(ctx context.Context, c *Conn) {
	deadline := time.NewTimer(m.drainGrace)
	defer deadline.Stop()
	poll := time.NewTicker(20 * time.Millisecond)
	defer poll.Stop()

	for {
		if c.queue.Len() == 0 {
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-deadline.C:
			return
		case <-poll.C:
		}
	}
}

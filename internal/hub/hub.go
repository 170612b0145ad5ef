// ABOUTME: RPC hub accepting authenticated agent connections on a unix socket.
// ABOUTME: Dispatches signed JSON-RPC frames to method handlers and relays messages.

package hub

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"sync"

	"github.com/teamwire/teamwire/internal/auth"
	"github.com/teamwire/teamwire/internal/wire"
)

// maxFrameSize caps one newline-delimited frame on the socket.
const maxFrameSize = 1 << 20 // 1 MiB

// Hub errors
var (
	// ErrHubClosed indicates an operation after Destroy.
	ErrHubClosed = errors.New("hub closed")

	// ErrAgentNotConnected indicates a relay target with no live connection.
	ErrAgentNotConnected = errors.New("agent not connected")
)

// Handler serves one RPC method. The returned value becomes the response
// result for requests; it is discarded for notifications.
type Handler func(c *ClientConn, params json.RawMessage) (any, error)

// Event is one agent-originated activity the hub re-emits to listeners.
type Event struct {
	Method  string
	AgentID string
	Params  json.RawMessage
}

// EventFunc observes hub events. Called synchronously; keep it fast.
type EventFunc func(Event)

// Config configures a Hub.
type Config struct {
	// SocketPath is where the unix socket is created.
	SocketPath string

	// Secret is the shared HMAC key every frame is signed with.
	Secret []byte

	// Verifier, when set, requires a valid join token at registration.
	Verifier auth.TokenVerifier
}

// Hub owns the session socket. Every inbound frame is signature-checked
// before any handler sees it.
type Hub struct {
	socketPath string
	secret     []byte
	verifier   auth.TokenVerifier
	logger     *slog.Logger

	mu        sync.Mutex
	handlers  map[string]Handler
	clients   map[string]*ClientConn
	conns     map[*ClientConn]struct{}
	listeners []EventFunc
	listener  net.Listener
	closed    bool

	wg sync.WaitGroup
}

// New creates a hub. Call Start to begin accepting connections.
func New(cfg Config, logger *slog.Logger) *Hub {
	h := &Hub{
		socketPath: cfg.SocketPath,
		secret:     cfg.Secret,
		verifier:   cfg.Verifier,
		logger:     logger,
		handlers:   make(map[string]Handler),
		clients:    make(map[string]*ClientConn),
		conns:      make(map[*ClientConn]struct{}),
	}
	h.registerBuiltins()
	return h
}

// Start binds the unix socket and begins serving. A stale socket file from a
// crashed previous run is removed first.
func (h *Hub) Start() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return ErrHubClosed
	}
	if h.listener != nil {
		return fmt.Errorf("hub already started on %s", h.socketPath)
	}

	if err := os.Remove(h.socketPath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("removing stale socket: %w", err)
	}
	ln, err := net.Listen("unix", h.socketPath)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", h.socketPath, err)
	}
	if err := os.Chmod(h.socketPath, 0700); err != nil {
		ln.Close()
		return fmt.Errorf("restricting socket permissions: %w", err)
	}
	h.listener = ln

	h.wg.Add(1)
	go h.acceptLoop(ln)

	h.logger.Info("hub listening", "socket", h.socketPath, "auth_tokens", h.verifier != nil)
	return nil
}

// SocketPath returns where the hub listens.
func (h *Hub) SocketPath() string {
	return h.socketPath
}

// OnMethod installs or replaces the handler for an RPC method.
func (h *Hub) OnMethod(method string, handler Handler) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.handlers[method] = handler
}

// OnEvent adds a listener for agent activity events.
func (h *Hub) OnEvent(fn EventFunc) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.listeners = append(h.listeners, fn)
}

func (h *Hub) emit(ev Event) {
	h.mu.Lock()
	listeners := append([]EventFunc(nil), h.listeners...)
	h.mu.Unlock()
	for _, fn := range listeners {
		fn(ev)
	}
}

func (h *Hub) acceptLoop(ln net.Listener) {
	defer h.wg.Done()
	for {
		conn, err := ln.Accept()
		if err != nil {
			h.mu.Lock()
			closed := h.closed
			h.mu.Unlock()
			if closed {
				return
			}
			h.logger.Error("accept failed", "error", err)
			return
		}

		c := &ClientConn{hub: h, conn: conn}
		h.mu.Lock()
		if h.closed {
			h.mu.Unlock()
			conn.Close()
			return
		}
		h.conns[c] = struct{}{}
		h.mu.Unlock()

		h.wg.Add(1)
		go h.serveConn(c)
	}
}

func (h *Hub) serveConn(c *ClientConn) {
	defer h.wg.Done()
	defer h.dropConn(c)

	scanner := bufio.NewScanner(c.conn)
	scanner.Buffer(make([]byte, 64*1024), maxFrameSize)

	for scanner.Scan() {
		h.handleFrame(c, scanner.Bytes())
	}
	if err := scanner.Err(); err != nil {
		if errors.Is(err, bufio.ErrTooLong) {
			h.logger.Warn("closing connection, frame exceeds limit", "agent_id", c.AgentID(), "limit", maxFrameSize)
		} else {
			h.logger.Debug("connection read ended", "agent_id", c.AgentID(), "error", err)
		}
	}
}

func (h *Hub) dropConn(c *ClientConn) {
	c.Close()

	h.mu.Lock()
	delete(h.conns, c)
	agentID := c.AgentID()
	var disconnected bool
	if agentID != "" && h.clients[agentID] == c {
		delete(h.clients, agentID)
		disconnected = true
	}
	h.mu.Unlock()

	if disconnected {
		h.logger.Info("agent disconnected", "agent_id", agentID)
		h.emit(Event{Method: "hub.disconnected", AgentID: agentID})
	}
}

// handleFrame verifies, validates, and dispatches one frame. Signature
// failures are answered with an auth error and never reach a handler.
func (h *Hub) handleFrame(c *ClientConn, frame []byte) {
	msg, err := wire.Open(h.secret, frame)
	if err != nil {
		switch {
		case errors.Is(err, wire.ErrBadSignature):
			h.logger.Warn("rejecting frame with bad signature", "agent_id", c.AgentID())
			h.respondError(c, nil, wire.CodeAuthFailed, "invalid signature")
		default:
			h.respondError(c, nil, wire.CodeParseError, "parse error")
		}
		return
	}

	if msg.IsResponse() {
		h.logger.Debug("dropping unexpected response frame", "agent_id", c.AgentID())
		return
	}
	if msg.JSONRPC != wire.Version || msg.Method == "" {
		h.respondError(c, msg.ID, wire.CodeInvalidRequest, "invalid request")
		return
	}

	h.mu.Lock()
	handler, ok := h.handlers[msg.Method]
	h.mu.Unlock()
	if !ok {
		h.logger.Debug("unknown method", "method", msg.Method, "agent_id", c.AgentID())
		if msg.ID != nil {
			h.respondError(c, msg.ID, wire.CodeMethodNotFound, fmt.Sprintf("method not found: %s", msg.Method))
		}
		return
	}

	result, err := h.invoke(handler, c, msg.Params)
	if err != nil {
		h.logger.Warn("handler failed", "method", msg.Method, "agent_id", c.AgentID(), "error", err)
		if msg.ID != nil {
			h.respondError(c, msg.ID, wire.CodeInternalError, err.Error())
		}
		return
	}
	if msg.ID == nil {
		return
	}

	resp, err := wire.NewResponse(*msg.ID, result)
	if err != nil {
		h.respondError(c, msg.ID, wire.CodeInternalError, "marshaling result")
		return
	}
	if err := c.Send(resp); err != nil {
		h.logger.Debug("failed to write response", "agent_id", c.AgentID(), "error", err)
	}
}

// invoke runs a handler, converting panics into internal errors.
func (h *Hub) invoke(handler Handler, c *ClientConn, params json.RawMessage) (result any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panicked: %v", r)
		}
	}()
	return handler(c, params)
}

func (h *Hub) respondError(c *ClientConn, id *uint64, code int, message string) {
	if err := c.Send(wire.NewErrorResponse(id, code, message)); err != nil {
		h.logger.Debug("failed to write error response", "error", err)
	}
}

// registerBuiltins installs the core method table.
func (h *Hub) registerBuiltins() {
	h.handlers[wire.MethodRegister] = h.handleRegister
	h.handlers[wire.MethodHeartbeat] = h.handleHeartbeat
	h.handlers[wire.MethodStreamChunk] = h.handleStreamChunk
	h.handlers[wire.MethodTaskUpdate] = h.handleTaskUpdate
	h.handlers[wire.MethodMessage] = h.handleMessage
	h.handlers[wire.MethodTaskAssign] = h.handleTaskAssign
	h.handlers[wire.MethodShutdown] = h.handleShutdown
}

func (h *Hub) handleRegister(c *ClientConn, params json.RawMessage) (any, error) {
	var p wire.RegisterParams
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, fmt.Errorf("decoding register params: %w", err)
	}
	if p.AgentID == "" || p.AgentName == "" {
		return nil, errors.New("agentId and agentName are required")
	}

	if h.verifier != nil {
		if p.Token == "" {
			return nil, errors.New("join token required")
		}
		subject, err := h.verifier.Verify(p.Token)
		if err != nil {
			return nil, fmt.Errorf("join token rejected: %w", err)
		}
		if subject != p.AgentID {
			return nil, fmt.Errorf("join token issued for %q, not %q", subject, p.AgentID)
		}
	}

	if err := h.RegisterClientSocket(p.AgentID, p.AgentName, c); err != nil {
		return nil, err
	}
	h.emit(Event{Method: wire.MethodRegister, AgentID: p.AgentID, Params: params})
	return wire.RegisterResult{OK: true, AgentID: p.AgentID}, nil
}

// RegisterClientSocket binds a live connection to an agent id. Called by the
// built-in agent.register handler; exported so assemblies can pre-bind.
func (h *Hub) RegisterClientSocket(agentID, agentName string, c *ClientConn) error {
	c.setIdentity(agentID, agentName)

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return ErrHubClosed
	}
	prev := h.clients[agentID]
	h.clients[agentID] = c
	h.mu.Unlock()

	// A reconnect replaces the stale connection for the same agent.
	if prev != nil && prev != c {
		h.logger.Info("replacing stale connection", "agent_id", agentID)
		prev.Close()
	}

	h.logger.Info("agent registered", "agent_id", agentID, "agent_name", agentName)
	return nil
}

func (h *Hub) handleHeartbeat(c *ClientConn, params json.RawMessage) (any, error) {
	c.touch()
	return wire.OKResult{OK: true}, nil
}

func (h *Hub) handleStreamChunk(c *ClientConn, params json.RawMessage) (any, error) {
	h.emit(Event{Method: wire.MethodStreamChunk, AgentID: c.AgentID(), Params: params})
	return wire.OKResult{OK: true}, nil
}

func (h *Hub) handleTaskUpdate(c *ClientConn, params json.RawMessage) (any, error) {
	h.emit(Event{Method: wire.MethodTaskUpdate, AgentID: c.AgentID(), Params: params})
	return wire.OKResult{OK: true}, nil
}

// handleMessage relays an inter-agent message to the target's connection.
// From is stamped from the sending connection, never trusted from params.
func (h *Hub) handleMessage(c *ClientConn, params json.RawMessage) (any, error) {
	var p wire.MessageParams
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, fmt.Errorf("decoding message params: %w", err)
	}
	if p.To == "" {
		return nil, errors.New("to is required")
	}
	p.From = c.AgentID()

	h.emit(Event{Method: wire.MethodMessage, AgentID: p.From, Params: params})

	notif, err := wire.NewNotification(wire.MethodMessage, p)
	if err != nil {
		return nil, err
	}
	if err := h.SendToClient(p.To, notif); err != nil {
		h.logger.Debug("message relay failed", "to", p.To, "from", p.From, "error", err)
		return wire.MessageResult{Delivered: false}, nil
	}
	return wire.MessageResult{Delivered: true}, nil
}

func (h *Hub) handleTaskAssign(c *ClientConn, params json.RawMessage) (any, error) {
	var p wire.TaskAssignParams
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, fmt.Errorf("decoding task assign params: %w", err)
	}
	if p.AgentID == "" || p.TaskID == "" {
		return nil, errors.New("agentId and taskId are required")
	}

	notif, err := wire.NewNotification(wire.MethodTaskAssign, p)
	if err != nil {
		return nil, err
	}
	if err := h.SendToClient(p.AgentID, notif); err != nil {
		return nil, err
	}
	h.emit(Event{Method: wire.MethodTaskAssign, AgentID: p.AgentID, Params: params})
	return wire.OKResult{OK: true}, nil
}

func (h *Hub) handleShutdown(c *ClientConn, params json.RawMessage) (any, error) {
	var p wire.ShutdownParams
	if len(params) > 0 {
		if err := json.Unmarshal(params, &p); err != nil {
			return nil, fmt.Errorf("decoding shutdown params: %w", err)
		}
	}

	notif, err := wire.NewNotification(wire.MethodShutdown, p)
	if err != nil {
		return nil, err
	}
	if p.AgentID != "" {
		if err := h.SendToClient(p.AgentID, notif); err != nil {
			return nil, err
		}
	} else {
		h.Broadcast(notif, c.AgentID())
	}
	return wire.OKResult{OK: true}, nil
}

// SendToClient delivers a message to one registered agent's connection.
func (h *Hub) SendToClient(agentID string, msg *wire.Message) error {
	h.mu.Lock()
	c, ok := h.clients[agentID]
	h.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrAgentNotConnected, agentID)
	}
	return c.Send(msg)
}

// Broadcast sends a message to every registered agent except excludeID.
func (h *Hub) Broadcast(msg *wire.Message, excludeID string) {
	h.mu.Lock()
	targets := make([]*ClientConn, 0, len(h.clients))
	for id, c := range h.clients {
		if id == excludeID {
			continue
		}
		targets = append(targets, c)
	}
	h.mu.Unlock()

	for _, c := range targets {
		if err := c.Send(msg); err != nil {
			h.logger.Debug("broadcast write failed", "agent_id", c.AgentID(), "error", err)
		}
	}
}

// ConnectedAgents lists the ids of registered, live connections.
func (h *Hub) ConnectedAgents() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	ids := make([]string, 0, len(h.clients))
	for id := range h.clients {
		ids = append(ids, id)
	}
	return ids
}

// Destroy notifies connected agents, closes every connection, and removes
// the socket file. Safe to call more than once.
func (h *Hub) Destroy() error {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil
	}
	h.closed = true
	ln := h.listener
	conns := make([]*ClientConn, 0, len(h.conns))
	for c := range h.conns {
		conns = append(conns, c)
	}
	h.mu.Unlock()

	if notif, err := wire.NewNotification(wire.MethodShutdown, wire.ShutdownParams{Reason: "hub shutting down"}); err == nil {
		for _, c := range conns {
			c.Send(notif)
		}
	}

	var errs []error
	if ln != nil {
		errs = appendCloseError(errs, "listener", ln.Close())
	}
	for _, c := range conns {
		c.Close()
	}
	h.wg.Wait()

	if err := os.Remove(h.socketPath); err != nil && !os.IsNotExist(err) {
		errs = appendCloseError(errs, "socket file", err)
	}

	h.logger.Info("hub stopped", "socket", h.socketPath)
	return errors.Join(errs...)
}

func appendCloseError(errs []error, name string, err error) []error {
	if err != nil {
		return append(errs, fmt.Errorf("closing %s: %w", name, err))
	}
	return errs
}

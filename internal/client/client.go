// ABOUTME: Agent-side client for the hub's session socket.
// ABOUTME: Correlates requests with responses and reconnects on unexpected drops.

package client

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/teamwire/teamwire/internal/bus"
	"github.com/teamwire/teamwire/internal/wire"
)

// Connection and retry defaults.
const (
	DefaultRequestTimeout    = 30 * time.Second
	DefaultHeartbeatInterval = 15 * time.Second

	connectAttempts  = 5
	connectBackoff   = 200 * time.Millisecond
	reconnectTries   = 3
	reconnectBackoff = 500 * time.Millisecond

	maxFrameSize = 1 << 20 // 1 MiB, matches the hub
)

// Client errors
var (
	// ErrClientClosed indicates the client was disconnected, by Disconnect or
	// by reconnect exhaustion.
	ErrClientClosed = errors.New("client closed")

	// ErrRequestTimeout indicates no response arrived in time.
	ErrRequestTimeout = errors.New("request timed out")

	// ErrNotConnected indicates an operation before Connect succeeded.
	ErrNotConnected = errors.New("not connected")

	// ErrNotDelivered indicates the hub could not relay the message.
	ErrNotDelivered = errors.New("message not delivered")
)

// MessageHandler consumes a hub-originated notification's params.
type MessageHandler func(params json.RawMessage)

// Config configures a Client.
type Config struct {
	SocketPath string
	Secret     []byte
	AgentID    string
	AgentName  string
	// Token is the optional join token presented at registration.
	Token string

	// RequestTimeout bounds each request; zero means DefaultRequestTimeout.
	RequestTimeout time.Duration
	// HeartbeatInterval spaces liveness pings; zero means DefaultHeartbeatInterval.
	HeartbeatInterval time.Duration
}

// Client is one agent's connection to the hub. Safe for concurrent use.
type Client struct {
	cfg    Config
	logger *slog.Logger

	writeMu sync.Mutex

	mu        sync.Mutex
	conn      net.Conn
	nextID    uint64
	pending   map[uint64]chan *wire.Message
	handlers  map[string]map[int]MessageHandler
	nextSub   int
	connected bool
	disposed  bool
	done      chan struct{}
}

// New creates a client. Call Connect before issuing requests.
func New(cfg Config, logger *slog.Logger) *Client {
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = DefaultRequestTimeout
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = DefaultHeartbeatInterval
	}
	return &Client{
		cfg:      cfg,
		logger:   logger,
		pending:  make(map[uint64]chan *wire.Message),
		handlers: make(map[string]map[int]MessageHandler),
		done:     make(chan struct{}),
	}
}

// Connect dials the hub, retrying briefly while the socket appears, then
// registers and starts the heartbeat.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.disposed {
		c.mu.Unlock()
		return ErrClientClosed
	}
	if c.conn != nil {
		c.mu.Unlock()
		return nil
	}
	c.mu.Unlock()

	var conn net.Conn
	var err error
	for attempt := 1; attempt <= connectAttempts; attempt++ {
		conn, err = net.Dial("unix", c.cfg.SocketPath)
		if err == nil {
			break
		}
		if attempt == connectAttempts {
			return fmt.Errorf("connecting to %s: %w", c.cfg.SocketPath, err)
		}
		select {
		case <-time.After(connectBackoff):
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()
	go c.readLoop(conn)

	if err := c.register(ctx); err != nil {
		c.teardown(err)
		return err
	}
	c.mu.Lock()
	c.connected = true
	c.mu.Unlock()

	go c.heartbeatLoop()
	c.logger.Info("connected to hub", "socket", c.cfg.SocketPath, "agent_id", c.cfg.AgentID)
	return nil
}

func (c *Client) register(ctx context.Context) error {
	_, err := c.Request(ctx, wire.MethodRegister, wire.RegisterParams{
		AgentID:   c.cfg.AgentID,
		AgentName: c.cfg.AgentName,
		Token:     c.cfg.Token,
	})
	if err != nil {
		return fmt.Errorf("registering agent: %w", err)
	}
	return nil
}

// Request sends a correlated request and blocks for the response, the
// configured timeout, or ctx, whichever comes first.
func (c *Client) Request(ctx context.Context, method string, params any) (json.RawMessage, error) {
	c.mu.Lock()
	if c.disposed {
		c.mu.Unlock()
		return nil, ErrClientClosed
	}
	if c.conn == nil {
		c.mu.Unlock()
		return nil, ErrNotConnected
	}
	c.nextID++
	id := c.nextID
	ch := make(chan *wire.Message, 1)
	c.pending[id] = ch
	c.mu.Unlock()

	msg, err := wire.NewRequest(id, method, params)
	if err != nil {
		c.dropPending(id)
		return nil, err
	}
	if err := c.write(msg); err != nil {
		c.dropPending(id)
		return nil, err
	}

	select {
	case resp, ok := <-ch:
		if !ok {
			return nil, ErrClientClosed
		}
		if resp.Error != nil {
			return nil, resp.Error
		}
		return resp.Result, nil
	case <-time.After(c.cfg.RequestTimeout):
		c.dropPending(id)
		return nil, fmt.Errorf("%w: %s after %s", ErrRequestTimeout, method, c.cfg.RequestTimeout)
	case <-ctx.Done():
		c.dropPending(id)
		return nil, ctx.Err()
	}
}

// Notify sends a fire-and-forget notification.
func (c *Client) Notify(method string, params any) error {
	msg, err := wire.NewNotification(method, params)
	if err != nil {
		return err
	}
	return c.write(msg)
}

func (c *Client) write(msg *wire.Message) error {
	c.mu.Lock()
	conn := c.conn
	disposed := c.disposed
	c.mu.Unlock()
	if disposed {
		return ErrClientClosed
	}
	if conn == nil {
		return ErrNotConnected
	}

	frame, err := wire.Seal(c.cfg.Secret, msg)
	if err != nil {
		return err
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_, err = conn.Write(frame)
	return err
}

func (c *Client) dropPending(id uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.pending, id)
}

func (c *Client) readLoop(conn net.Conn) {
	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 64*1024), maxFrameSize)

	for scanner.Scan() {
		msg, err := wire.Open(c.cfg.Secret, scanner.Bytes())
		if err != nil {
			c.logger.Warn("discarding bad frame from hub", "error", err)
			continue
		}
		if msg.IsResponse() {
			c.routeResponse(msg)
			continue
		}
		c.dispatch(msg)
	}

	c.mu.Lock()
	stale := c.conn != conn
	disposed := c.disposed
	if !stale && !disposed {
		c.connected = false
	}
	c.mu.Unlock()
	if stale || disposed {
		return
	}
	c.logger.Warn("hub connection lost, reconnecting", "socket", c.cfg.SocketPath)
	c.reconnect()
}

func (c *Client) routeResponse(msg *wire.Message) {
	if msg.ID == nil {
		// Parse and auth errors from the hub arrive uncorrelated.
		if msg.Error != nil {
			c.logger.Warn("hub reported frame error", "code", msg.Error.Code, "message", msg.Error.Message)
		}
		return
	}
	c.mu.Lock()
	ch, ok := c.pending[*msg.ID]
	if ok {
		delete(c.pending, *msg.ID)
	}
	c.mu.Unlock()
	if ok {
		ch <- msg
	}
}

func (c *Client) dispatch(msg *wire.Message) {
	c.mu.Lock()
	var handlers []MessageHandler
	for _, h := range c.handlers[msg.Method] {
		handlers = append(handlers, h)
	}
	c.mu.Unlock()

	if len(handlers) == 0 {
		c.logger.Debug("no handler for notification", "method", msg.Method)
		return
	}
	for _, h := range handlers {
		c.invoke(h, msg.Params)
	}
}

func (c *Client) invoke(h MessageHandler, params json.RawMessage) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("notification handler panicked", "panic", r)
		}
	}()
	h(params)
}

// reconnect redials and re-registers. Exhaustion closes the client so
// callers blocked in Request fail instead of hanging.
func (c *Client) reconnect() {
	for attempt := 1; attempt <= reconnectTries; attempt++ {
		select {
		case <-time.After(reconnectBackoff):
		case <-c.done:
			return
		}

		conn, err := net.Dial("unix", c.cfg.SocketPath)
		if err != nil {
			c.logger.Warn("reconnect attempt failed", "attempt", attempt, "error", err)
			continue
		}

		c.mu.Lock()
		if c.disposed {
			c.mu.Unlock()
			conn.Close()
			return
		}
		c.conn = conn
		c.mu.Unlock()
		go c.readLoop(conn)

		if err := c.register(context.Background()); err != nil {
			c.logger.Warn("re-registration failed", "attempt", attempt, "error", err)
			// Detach before closing so the conn's readLoop exits as stale
			// instead of starting a rival reconnect loop.
			c.mu.Lock()
			if c.conn == conn {
				c.conn = nil
			}
			c.mu.Unlock()
			conn.Close()
			continue
		}
		c.mu.Lock()
		c.connected = true
		c.mu.Unlock()
		c.logger.Info("reconnected to hub", "attempt", attempt)
		return
	}

	c.logger.Error("reconnect attempts exhausted, closing client", "attempts", reconnectTries)
	c.teardown(ErrClientClosed)
}

func (c *Client) heartbeatLoop() {
	ticker := time.NewTicker(c.cfg.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			// Paused while disconnected or mid-registration; resumes once
			// the reconnect re-registers.
			c.mu.Lock()
			ready := c.connected && c.conn != nil
			c.mu.Unlock()
			if !ready {
				continue
			}
			if err := c.Notify(wire.MethodHeartbeat, wire.HeartbeatParams{AgentID: c.cfg.AgentID}); err != nil {
				c.logger.Debug("heartbeat failed", "error", err)
			}
		case <-c.done:
			return
		}
	}
}

// OnMessage registers a handler for a hub-originated notification method and
// returns an unsubscribe function.
func (c *Client) OnMessage(method string, handler MessageHandler) func() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.handlers[method] == nil {
		c.handlers[method] = make(map[int]MessageHandler)
	}
	id := c.nextSub
	c.nextSub++
	c.handlers[method][id] = handler
	return func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		delete(c.handlers[method], id)
	}
}

// SendStreamChunk forwards a fragment of live model output to the hub.
func (c *Client) SendStreamChunk(ctx context.Context, model, content string) error {
	_, err := c.Request(ctx, wire.MethodStreamChunk, wire.StreamChunkParams{AgentID: c.cfg.AgentID, Model: model, Content: content})
	return err
}

// SendTaskUpdate reports a task status change to the hub.
func (c *Client) SendTaskUpdate(ctx context.Context, taskID, status string) error {
	_, err := c.Request(ctx, wire.MethodTaskUpdate, wire.TaskUpdateParams{AgentID: c.cfg.AgentID, TaskID: taskID, Status: status})
	return err
}

// SendMessage relays an inter-agent message through the hub and reports
// whether it reached the target.
func (c *Client) SendMessage(ctx context.Context, params wire.MessageParams) (bool, error) {
	raw, err := c.Request(ctx, wire.MethodMessage, params)
	if err != nil {
		return false, err
	}
	var result wire.MessageResult
	if err := json.Unmarshal(raw, &result); err != nil {
		return false, fmt.Errorf("decoding message result: %w", err)
	}
	return result.Delivered, nil
}

// SubmitPlan proposes a plan for the session leader's review and returns the
// request id the eventual decision will carry.
func (c *Client) SubmitPlan(ctx context.Context, plan string) (string, error) {
	raw, err := c.Request(ctx, wire.MethodPlanSubmit, wire.PlanSubmitParams{Plan: plan})
	if err != nil {
		return "", err
	}
	var result wire.PlanSubmitResult
	if err := json.Unmarshal(raw, &result); err != nil {
		return "", fmt.Errorf("decoding plan submit result: %w", err)
	}
	return result.RequestID, nil
}

// ApprovePlan resolves a pending plan with approval. Returns false when the
// request id matches no outstanding plan.
func (c *Client) ApprovePlan(ctx context.Context, requestID string) (bool, error) {
	return c.decidePlan(ctx, wire.MethodPlanApprove, requestID, "")
}

// RejectPlan resolves a pending plan with rejection feedback.
func (c *Client) RejectPlan(ctx context.Context, requestID, feedback string) (bool, error) {
	return c.decidePlan(ctx, wire.MethodPlanReject, requestID, feedback)
}

func (c *Client) decidePlan(ctx context.Context, method, requestID, feedback string) (bool, error) {
	raw, err := c.Request(ctx, method, wire.PlanDecisionParams{RequestID: requestID, Feedback: feedback})
	if err != nil {
		return false, err
	}
	var result wire.PlanDecisionResult
	if err := json.Unmarshal(raw, &result); err != nil {
		return false, fmt.Errorf("decoding plan decision result: %w", err)
	}
	return result.Handled, nil
}

// Deliver implements bus.Transport, bridging local bus messages to remote
// agents through the hub.
func (c *Client) Deliver(msg *bus.Message) error {
	ctx, cancel := context.WithTimeout(context.Background(), c.cfg.RequestTimeout)
	defer cancel()

	delivered, err := c.SendMessage(ctx, wire.MessageParams{
		To:        msg.RecipientID,
		Type:      string(msg.Type),
		Content:   msg.Content,
		Summary:   msg.Summary,
		RequestID: msg.RequestID,
		Approve:   msg.Approve,
	})
	if err != nil {
		return err
	}
	if !delivered {
		return fmt.Errorf("%w: %s", ErrNotDelivered, msg.RecipientID)
	}
	return nil
}

// teardown closes the connection and fails every pending request.
func (c *Client) teardown(cause error) {
	c.mu.Lock()
	if c.disposed {
		c.mu.Unlock()
		return
	}
	c.disposed = true
	conn := c.conn
	c.conn = nil
	c.connected = false
	pending := c.pending
	c.pending = make(map[uint64]chan *wire.Message)
	close(c.done)
	c.mu.Unlock()

	if conn != nil {
		conn.Close()
	}
	for _, ch := range pending {
		close(ch)
	}
	if !errors.Is(cause, ErrClientClosed) {
		c.logger.Warn("client closed", "cause", cause)
	}
}

// Disconnect closes the connection. Pending requests fail with
// ErrClientClosed. Safe to call more than once.
func (c *Client) Disconnect() {
	c.teardown(ErrClientClosed)
}

// ABOUTME: In-process message bus routing agent messages by busy/idle state.
// ABOUTME: Queues for busy agents, drains FIFO on idle, bridges to remote transports.

package bus

import (
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MessageType identifies the kind of inter-agent message.
type MessageType string

const (
	TypeDM                   MessageType = "dm"
	TypeBroadcast            MessageType = "broadcast"
	TypeShutdown             MessageType = "shutdown"
	TypePlanApprovalRequest  MessageType = "plan_approval_request"
	TypePlanApprovalResponse MessageType = "plan_approval_response"
	TypeTaskUpdate           MessageType = "task_update"
)

// AgentStatus is the busy/idle state driving delivery decisions.
type AgentStatus string

const (
	StatusIdle   AgentStatus = "idle"
	StatusActive AgentStatus = "active"
)

// ErrBusDestroyed indicates an operation was attempted after Destroy.
var ErrBusDestroyed = errors.New("message bus destroyed")

// Message is a transient envelope between agents. It is never persisted;
// undeliverable messages wait in memory or are dropped.
type Message struct {
	Type        MessageType `json:"type"`
	SenderID    string      `json:"senderId"`
	RecipientID string      `json:"recipientId,omitempty"`
	Content     string      `json:"content"`
	Summary     string      `json:"summary,omitempty"`
	RequestID   string      `json:"requestId"`
	Approve     *bool       `json:"approve,omitempty"`
	Timestamp   time.Time   `json:"timestamp"`
}

// Handler consumes messages delivered to one agent.
type Handler func(msg *Message)

// Transport forwards messages to agents reachable through a remote hub.
// The bus falls back to it when a recipient has no local handlers.
type Transport interface {
	Deliver(msg *Message) error
}

// Events receives bus activity for display layers. Implementations must not
// mutate bus state.
type Events interface {
	AgentMessage(msg *Message)
}

// NopEvents discards all events.
type NopEvents struct{}

func (NopEvents) AgentMessage(*Message) {}

// MessageOption customizes a message built by CreateAndSend.
type MessageOption func(*Message)

// WithSummary attaches a short human-readable summary.
func WithSummary(summary string) MessageOption {
	return func(m *Message) { m.Summary = summary }
}

// WithRequestID pins the correlation id instead of generating one.
func WithRequestID(id string) MessageOption {
	return func(m *Message) { m.RequestID = id }
}

// WithApprove sets the plan-approval decision flag.
func WithApprove(ok bool) MessageOption {
	return func(m *Message) { m.Approve = &ok }
}

type agentState struct {
	status   AgentStatus
	handlers map[int]Handler
	nextSub  int
	queue    []*Message
}

// Bus routes messages to registered consumers, honoring each agent's
// busy/idle state. Safe for concurrent use.
type Bus struct {
	mu        sync.Mutex
	agents    map[string]*agentState
	transport Transport
	events    Events
	logger    *slog.Logger
	destroyed bool
}

// New creates a message bus. events may be nil.
func New(logger *slog.Logger, events Events) *Bus {
	if events == nil {
		events = NopEvents{}
	}
	return &Bus{
		agents: make(map[string]*agentState),
		events: events,
		logger: logger,
	}
}

// RegisterAgent creates the per-agent handler set and queue. Registering an
// already-registered agent is a no-op.
func (b *Bus) RegisterAgent(agentID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.destroyed {
		return
	}
	if _, ok := b.agents[agentID]; ok {
		return
	}
	b.agents[agentID] = &agentState{
		status:   StatusIdle,
		handlers: make(map[int]Handler),
	}
	b.logger.Debug("agent registered on bus", "agent_id", agentID)
}

// UnregisterAgent drops the agent's handlers, queue, and status.
func (b *Bus) UnregisterAgent(agentID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.agents, agentID)
}

// Subscribe adds a local handler for an agent's messages and returns an
// unsubscribe function. Subscribing an unknown agent registers it.
func (b *Bus) Subscribe(agentID string, handler Handler) func() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.destroyed {
		return func() {}
	}
	state, ok := b.agents[agentID]
	if !ok {
		state = &agentState{status: StatusIdle, handlers: make(map[int]Handler)}
		b.agents[agentID] = state
	}
	id := state.nextSub
	state.nextSub++
	state.handlers[id] = handler
	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if s, ok := b.agents[agentID]; ok {
			delete(s.handlers, id)
		}
	}
}

// delivery is one resolved routing decision, executed after the lock drops.
type delivery struct {
	handlers []Handler
	remote   bool
	msg      *Message
}

// Send routes a message. Broadcasts go to every registered agent except the
// sender; anything else requires a RecipientID. Returns whether delivery was
// attempted, where queueing counts as attempted.
func (b *Bus) Send(msg *Message) bool {
	b.mu.Lock()
	if b.destroyed {
		b.mu.Unlock()
		return false
	}

	var deliveries []delivery
	attempted := false

	if msg.Type == TypeBroadcast {
		for agentID, state := range b.agents {
			if agentID == msg.SenderID {
				continue
			}
			copied := *msg
			copied.RecipientID = agentID
			if d, ok := b.routeLocked(agentID, state, &copied); ok {
				deliveries = append(deliveries, d)
			}
			attempted = true
		}
	} else {
		if msg.RecipientID == "" {
			b.mu.Unlock()
			b.logger.Warn("dropping message without recipient", "type", msg.Type, "sender", msg.SenderID)
			return false
		}
		state, ok := b.agents[msg.RecipientID]
		if !ok {
			b.mu.Unlock()
			b.logger.Warn("dropping message for unknown agent", "recipient", msg.RecipientID, "type", msg.Type)
			return false
		}
		if d, ok := b.routeLocked(msg.RecipientID, state, msg); ok {
			deliveries = append(deliveries, d)
		}
		attempted = true
	}
	transport := b.transport
	b.mu.Unlock()

	for _, d := range deliveries {
		if d.remote {
			if err := transport.Deliver(d.msg); err != nil {
				b.logger.Warn("remote delivery failed", "recipient", d.msg.RecipientID, "error", err)
			}
			continue
		}
		for _, h := range d.handlers {
			b.invoke(h, d.msg)
		}
	}
	if attempted {
		b.events.AgentMessage(msg)
	}
	return attempted
}

// routeLocked decides how one recipient gets the message. Priority: queue if
// busy, invoke local handlers, forward to the transport, queue as last resort.
// Must be called with mu held; handler/transport work is returned, not done.
func (b *Bus) routeLocked(agentID string, state *agentState, msg *Message) (delivery, bool) {
	if state.status == StatusActive {
		state.queue = append(state.queue, msg)
		return delivery{}, false
	}
	if len(state.handlers) > 0 {
		handlers := make([]Handler, 0, len(state.handlers))
		for _, h := range state.handlers {
			handlers = append(handlers, h)
		}
		return delivery{handlers: handlers, msg: msg}, true
	}
	if b.transport != nil {
		return delivery{remote: true, msg: msg}, true
	}
	state.queue = append(state.queue, msg)
	b.logger.Debug("queued message, no consumer available", "recipient", agentID, "queue_size", len(state.queue))
	return delivery{}, false
}

// invoke runs one handler, containing panics so a faulty subscriber cannot
// block delivery to others.
func (b *Bus) invoke(h Handler, msg *Message) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("message handler panicked", "recipient", msg.RecipientID, "type", msg.Type, "panic", r)
		}
	}()
	h(msg)
}

// CreateAndSend builds a well-formed message, generating a request id when
// none is pinned, sends it, and returns the constructed message.
func (b *Bus) CreateAndSend(t MessageType, senderID, recipientID, content string, opts ...MessageOption) *Message {
	msg := &Message{
		Type:        t,
		SenderID:    senderID,
		RecipientID: recipientID,
		Content:     content,
		Timestamp:   time.Now().UTC(),
	}
	for _, opt := range opts {
		opt(msg)
	}
	if msg.RequestID == "" {
		msg.RequestID = uuid.New().String()
	}
	b.Send(msg)
	return msg
}

// SetAgentStatus updates an agent's busy/idle state. An active-to-idle
// transition drains the agent's queue to its handlers in FIFO order. With no
// handlers subscribed the queue is kept for a later drain.
func (b *Bus) SetAgentStatus(agentID string, status AgentStatus) {
	b.mu.Lock()
	state, ok := b.agents[agentID]
	if !ok || b.destroyed {
		b.mu.Unlock()
		return
	}
	prev := state.status
	state.status = status

	var drained []*Message
	var handlers []Handler
	if prev == StatusActive && status == StatusIdle && len(state.queue) > 0 && len(state.handlers) > 0 {
		drained = state.queue
		state.queue = nil
		handlers = make([]Handler, 0, len(state.handlers))
		for _, h := range state.handlers {
			handlers = append(handlers, h)
		}
	}
	b.mu.Unlock()

	if len(drained) > 0 {
		b.logger.Debug("draining agent queue", "agent_id", agentID, "count", len(drained))
		for _, msg := range drained {
			for _, h := range handlers {
				b.invoke(h, msg)
			}
		}
	}
}

// AgentStatusOf returns the agent's current status.
func (b *Bus) AgentStatusOf(agentID string) (AgentStatus, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	state, ok := b.agents[agentID]
	if !ok {
		return "", false
	}
	return state.status, true
}

// QueueSize returns the number of messages queued for an agent.
func (b *Bus) QueueSize(agentID string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	if state, ok := b.agents[agentID]; ok {
		return len(state.queue)
	}
	return 0
}

// QueueSizes returns every agent's queue depth, for accumulation monitoring.
func (b *Bus) QueueSizes() map[string]int {
	b.mu.Lock()
	defer b.mu.Unlock()
	sizes := make(map[string]int, len(b.agents))
	for id, state := range b.agents {
		sizes[id] = len(state.queue)
	}
	return sizes
}

// RegisteredAgents lists the ids of all registered agents.
func (b *Bus) RegisteredAgents() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	ids := make([]string, 0, len(b.agents))
	for id := range b.agents {
		ids = append(ids, id)
	}
	return ids
}

// AttachTransport sets the remote fallback used when a recipient has no
// local handlers. Pass nil to detach.
func (b *Bus) AttachTransport(t Transport) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.transport = t
}

// Destroy detaches the transport and clears all state. The bus cannot be
// restarted afterwards.
func (b *Bus) Destroy() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.destroyed {
		return
	}
	b.destroyed = true
	b.transport = nil
	b.agents = make(map[string]*agentState)
}

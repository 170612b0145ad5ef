// ABOUTME: Plan approval handshake giving submitters an awaitable leader decision.
// ABOUTME: First terminal transition (approve, reject, timeout, cancel) wins.

package approval

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/teamwire/teamwire/internal/bus"
)

// DefaultTimeout bounds how long a submitted plan waits for a decision.
const DefaultTimeout = 5 * time.Minute

// Approval errors
var (
	// ErrManagerDestroyed indicates Submit was called after Destroy, or an
	// outstanding plan was discarded by Destroy.
	ErrManagerDestroyed = errors.New("plan approval manager destroyed")

	// ErrPlanTimeout indicates no decision arrived before the deadline.
	ErrPlanTimeout = errors.New("plan approval timed out")

	// ErrPlanCancelled indicates the submitter gave up waiting.
	ErrPlanCancelled = errors.New("plan approval cancelled")
)

// Decision is the leader's verdict on a plan.
type Decision struct {
	Approved    bool
	ResponderID string
	Feedback    string
}

type outcome struct {
	decision Decision
	err      error
}

// Pending is one outstanding plan awaiting a decision.
type Pending struct {
	RequestID   string
	AgentID     string
	Plan        string
	SubmittedAt time.Time

	done chan outcome // buffered; exactly one terminal transition writes
}

// Wait blocks until a terminal transition fires or ctx is done.
func (p *Pending) Wait(ctx context.Context) (Decision, error) {
	select {
	case o := <-p.done:
		return o.decision, o.err
	case <-ctx.Done():
		return Decision{}, ctx.Err()
	}
}

// MessageSender is the slice of the message bus the approval flow uses.
type MessageSender interface {
	CreateAndSend(t bus.MessageType, senderID, recipientID, content string, opts ...bus.MessageOption) *bus.Message
}

// Manager tracks outstanding plan requests for one session. The decision may
// arrive as a direct Approve/Reject call or as a plan_approval_response
// message bridged from the bus.
type Manager struct {
	sender   MessageSender
	leaderID string
	timeout  time.Duration
	logger   *slog.Logger

	mu        sync.Mutex
	pending   map[string]*Pending
	timers    map[string]*time.Timer
	destroyed bool
}

// Config configures a Manager.
type Config struct {
	// Sender delivers the request/response messages; required.
	Sender MessageSender

	// LeaderID is the agent whose explicit decision gates plans.
	LeaderID string

	// Timeout bounds each plan's wait. Zero means DefaultTimeout.
	Timeout time.Duration
}

// New creates a plan approval manager.
func New(cfg Config, logger *slog.Logger) *Manager {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Manager{
		sender:   cfg.Sender,
		leaderID: cfg.LeaderID,
		timeout:  timeout,
		logger:   logger,
		pending:  make(map[string]*Pending),
		timers:   make(map[string]*time.Timer),
	}
}

// Submit registers a plan, sends the approval request to the leader, and
// returns the pending entry whose Wait yields the decision.
func (m *Manager) Submit(agentID, plan string) (*Pending, error) {
	m.mu.Lock()
	if m.destroyed {
		m.mu.Unlock()
		return nil, ErrManagerDestroyed
	}
	p := &Pending{
		RequestID:   uuid.New().String(),
		AgentID:     agentID,
		Plan:        plan,
		SubmittedAt: time.Now().UTC(),
		done:        make(chan outcome, 1),
	}
	m.pending[p.RequestID] = p
	m.timers[p.RequestID] = time.AfterFunc(m.timeout, func() { m.expire(p.RequestID) })
	m.mu.Unlock()

	m.logger.Debug("plan submitted", "request_id", p.RequestID, "agent_id", agentID, "leader_id", m.leaderID)
	m.sender.CreateAndSend(bus.TypePlanApprovalRequest, agentID, m.leaderID, plan,
		bus.WithRequestID(p.RequestID))
	return p, nil
}

// take removes and returns the pending entry, disarming its timer. The
// caller that gets ok=true owns the terminal transition.
func (m *Manager) take(requestID string) (*Pending, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.pending[requestID]
	if !ok {
		return nil, false
	}
	delete(m.pending, requestID)
	if timer, ok := m.timers[requestID]; ok {
		timer.Stop()
		delete(m.timers, requestID)
	}
	return p, true
}

// Approve resolves a pending plan with approval and notifies the submitter.
// Returns false, with no side effects, for unknown or already-resolved ids.
func (m *Manager) Approve(requestID, responderID string) bool {
	p, ok := m.take(requestID)
	if !ok {
		return false
	}
	m.sender.CreateAndSend(bus.TypePlanApprovalResponse, responderID, p.AgentID, "",
		bus.WithRequestID(requestID), bus.WithApprove(true))
	p.done <- outcome{decision: Decision{Approved: true, ResponderID: responderID}}
	m.logger.Debug("plan approved", "request_id", requestID, "responder_id", responderID)
	return true
}

// Reject resolves a pending plan with rejection feedback and notifies the
// submitter. Returns false for unknown or already-resolved ids.
func (m *Manager) Reject(requestID, responderID, feedback string) bool {
	p, ok := m.take(requestID)
	if !ok {
		return false
	}
	m.sender.CreateAndSend(bus.TypePlanApprovalResponse, responderID, p.AgentID, feedback,
		bus.WithRequestID(requestID), bus.WithApprove(false))
	p.done <- outcome{decision: Decision{Approved: false, ResponderID: responderID, Feedback: feedback}}
	m.logger.Debug("plan rejected", "request_id", requestID, "responder_id", responderID)
	return true
}

// HandleResponse resolves a pending plan from a plan_approval_response
// message that traveled over the bus instead of a direct call. No response
// message is sent back; one already made the round trip.
func (m *Manager) HandleResponse(msg *bus.Message) bool {
	if msg.Type != bus.TypePlanApprovalResponse {
		return false
	}
	p, ok := m.take(msg.RequestID)
	if !ok {
		return false
	}
	approved := msg.Approve != nil && *msg.Approve
	p.done <- outcome{decision: Decision{
		Approved:    approved,
		ResponderID: msg.SenderID,
		Feedback:    msg.Content,
	}}
	return true
}

// BusHandler adapts HandleResponse for bus subscription.
func (m *Manager) BusHandler() bus.Handler {
	return func(msg *bus.Message) { m.HandleResponse(msg) }
}

// Cancel rejects a specific pending plan on behalf of a submitter that gave
// up waiting. Returns false for unknown or already-resolved ids.
func (m *Manager) Cancel(requestID string) bool {
	p, ok := m.take(requestID)
	if !ok {
		return false
	}
	p.done <- outcome{err: ErrPlanCancelled}
	return true
}

func (m *Manager) expire(requestID string) {
	p, ok := m.take(requestID)
	if !ok {
		return
	}
	m.logger.Warn("plan approval timed out", "request_id", requestID, "agent_id", p.AgentID, "timeout", m.timeout)
	p.done <- outcome{err: fmt.Errorf("%w after %s", ErrPlanTimeout, m.timeout)}
}

// PendingPlans returns the outstanding plans, oldest first, for a leader's
// review queue.
func (m *Manager) PendingPlans() []*Pending {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*Pending, 0, len(m.pending))
	for _, p := range m.pending {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SubmittedAt.Before(out[j].SubmittedAt) })
	return out
}

// PendingCount returns the number of outstanding plans.
func (m *Manager) PendingCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.pending)
}

// Destroy rejects every outstanding plan and refuses further submissions.
func (m *Manager) Destroy() {
	m.mu.Lock()
	if m.destroyed {
		m.mu.Unlock()
		return
	}
	m.destroyed = true
	discarded := m.pending
	m.pending = make(map[string]*Pending)
	for _, timer := range m.timers {
		timer.Stop()
	}
	m.timers = make(map[string]*time.Timer)
	m.mu.Unlock()

	for _, p := range discarded {
		p.done <- outcome{err: ErrManagerDestroyed}
	}
}

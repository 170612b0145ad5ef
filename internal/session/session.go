// ABOUTME: Serve-time assembly binding the hub socket to the bus, task graph,
// ABOUTME: and plan approval flow, with plan RPCs for submitters and the leader.

package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/teamwire/teamwire/internal/approval"
	"github.com/teamwire/teamwire/internal/auth"
	"github.com/teamwire/teamwire/internal/bus"
	"github.com/teamwire/teamwire/internal/hub"
	"github.com/teamwire/teamwire/internal/orchestrator"
	"github.com/teamwire/teamwire/internal/wire"
)

// Config configures a Session.
type Config struct {
	// SocketPath is where the hub listens.
	SocketPath string

	// Secret is the shared HMAC key for the session socket.
	Secret []byte

	// Verifier, when set, gates registration on a join token.
	Verifier auth.TokenVerifier

	// LeaderID is the agent whose decision gates submitted plans.
	LeaderID string

	// PlanTimeout bounds each plan's wait; zero means approval.DefaultTimeout.
	PlanTimeout time.Duration

	// GraphEvents receives task graph changes; nil discards them.
	GraphEvents orchestrator.Events
}

// Session wires one team's hub, message bus, task graph, and plan approval
// flow together. Messages relayed over the socket travel through the bus, so
// busy-agent queueing and plan responses apply to remote agents too.
type Session struct {
	Hub       *hub.Hub
	Bus       *bus.Bus
	Graph     *orchestrator.Graph
	Approvals *approval.Manager

	leaderID string
	logger   *slog.Logger
}

// New assembles a session. Call Start to begin accepting agents.
func New(cfg Config, logger *slog.Logger) *Session {
	b := bus.New(logger.With("component", "bus"), nil)
	s := &Session{
		Hub: hub.New(hub.Config{
			SocketPath: cfg.SocketPath,
			Secret:     cfg.Secret,
			Verifier:   cfg.Verifier,
		}, logger.With("component", "hub")),
		Bus:   b,
		Graph: orchestrator.New(logger.With("component", "orchestrator"), cfg.GraphEvents),
		Approvals: approval.New(approval.Config{
			Sender:   b,
			LeaderID: cfg.LeaderID,
			Timeout:  cfg.PlanTimeout,
		}, logger.With("component", "approval")),
		leaderID: cfg.LeaderID,
		logger:   logger,
	}
	b.AttachTransport(&socketTransport{hub: s.Hub})
	s.wire()
	return s
}

// Start binds the session socket.
func (s *Session) Start() error {
	return s.Hub.Start()
}

// Destroy stops the hub and tears down the bus and approval flow.
func (s *Session) Destroy() error {
	err := s.Hub.Destroy()
	s.Approvals.Destroy()
	s.Bus.Destroy()
	return err
}

// socketTransport is the bus's remote fallback: messages for agents without
// local handlers go out on their hub connection as agent.message notifications.
type socketTransport struct {
	hub *hub.Hub
}

func (t *socketTransport) Deliver(msg *bus.Message) error {
	notif, err := wire.NewNotification(wire.MethodMessage, wire.MessageParams{
		To:        msg.RecipientID,
		From:      msg.SenderID,
		Type:      string(msg.Type),
		Content:   msg.Content,
		Summary:   msg.Summary,
		RequestID: msg.RequestID,
		Approve:   msg.Approve,
	})
	if err != nil {
		return err
	}
	return t.hub.SendToClient(msg.RecipientID, notif)
}

func (s *Session) wire() {
	s.Hub.OnEvent(func(ev hub.Event) {
		switch ev.Method {
		case wire.MethodRegister:
			s.Bus.RegisterAgent(ev.AgentID)

		case wire.MethodTaskUpdate:
			var p wire.TaskUpdateParams
			if err := json.Unmarshal(ev.Params, &p); err != nil {
				s.logger.Warn("bad task update payload", "agent_id", ev.AgentID, "error", err)
				return
			}
			if _, err := s.Graph.UpdateStatus(p.TaskID, orchestrator.Status(p.Status)); err != nil {
				s.logger.Warn("task update rejected", "task_id", p.TaskID, "error", err)
			}

		case wire.MethodTaskAssign:
			var p wire.TaskAssignParams
			if err := json.Unmarshal(ev.Params, &p); err != nil {
				return
			}
			if _, err := s.Graph.AssignTask(p.TaskID, p.AgentID, ""); err != nil {
				s.logger.Warn("task assignment rejected", "task_id", p.TaskID, "error", err)
			}
		}
	})

	s.Hub.OnMethod(wire.MethodMessage, s.handleMessage)
	s.Hub.OnMethod(wire.MethodPlanSubmit, s.handlePlanSubmit)
	s.Hub.OnMethod(wire.MethodPlanApprove, s.handlePlanApprove)
	s.Hub.OnMethod(wire.MethodPlanReject, s.handlePlanReject)
}

// handleMessage replaces the hub's direct relay: messages go through the bus,
// so queueing for busy agents and plan decision routing both apply. The bus
// falls back to the socket transport for agents with no local handlers.
func (s *Session) handleMessage(c *hub.ClientConn, params json.RawMessage) (any, error) {
	var p wire.MessageParams
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, fmt.Errorf("decoding message params: %w", err)
	}
	if p.To == "" {
		return nil, errors.New("to is required")
	}
	sender := c.AgentID()
	if sender == "" {
		return nil, errors.New("not registered")
	}

	msg := &bus.Message{
		Type:        bus.MessageType(p.Type),
		SenderID:    sender,
		RecipientID: p.To,
		Content:     p.Content,
		Summary:     p.Summary,
		RequestID:   p.RequestID,
		Approve:     p.Approve,
		Timestamp:   time.Now().UTC(),
	}

	// A decision sent as a message resolves the pending plan; the approval
	// manager answers the submitter itself.
	if msg.Type == bus.TypePlanApprovalResponse && msg.RequestID != "" {
		if s.resolveDecision(msg.RequestID, sender, msg.Approve, msg.Content) {
			return wire.MessageResult{Delivered: true}, nil
		}
	}

	return wire.MessageResult{Delivered: s.Bus.Send(msg)}, nil
}

func (s *Session) resolveDecision(requestID, responderID string, approve *bool, feedback string) bool {
	if approve != nil && *approve {
		return s.Approvals.Approve(requestID, responderID)
	}
	return s.Approvals.Reject(requestID, responderID, feedback)
}

func (s *Session) handlePlanSubmit(c *hub.ClientConn, params json.RawMessage) (any, error) {
	var p wire.PlanSubmitParams
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, fmt.Errorf("decoding plan submit params: %w", err)
	}
	if p.Plan == "" {
		return nil, errors.New("plan is required")
	}
	agentID := c.AgentID()
	if agentID == "" {
		return nil, errors.New("not registered")
	}

	pending, err := s.Approvals.Submit(agentID, p.Plan)
	if err != nil {
		return nil, err
	}

	// Approve and Reject notify the submitter over the bus; timeouts and
	// cancellations resolve silently, so relay those outcomes here.
	go func() {
		if _, err := pending.Wait(context.Background()); err != nil {
			s.Bus.CreateAndSend(bus.TypePlanApprovalResponse, s.leaderID, agentID, err.Error(),
				bus.WithRequestID(pending.RequestID), bus.WithApprove(false))
		}
	}()

	return wire.PlanSubmitResult{RequestID: pending.RequestID}, nil
}

func (s *Session) handlePlanApprove(c *hub.ClientConn, params json.RawMessage) (any, error) {
	p, err := decodeDecision(params, c)
	if err != nil {
		return nil, err
	}
	return wire.PlanDecisionResult{Handled: s.Approvals.Approve(p.RequestID, c.AgentID())}, nil
}

func (s *Session) handlePlanReject(c *hub.ClientConn, params json.RawMessage) (any, error) {
	p, err := decodeDecision(params, c)
	if err != nil {
		return nil, err
	}
	return wire.PlanDecisionResult{Handled: s.Approvals.Reject(p.RequestID, c.AgentID(), p.Feedback)}, nil
}

func decodeDecision(params json.RawMessage, c *hub.ClientConn) (wire.PlanDecisionParams, error) {
	var p wire.PlanDecisionParams
	if err := json.Unmarshal(params, &p); err != nil {
		return p, fmt.Errorf("decoding plan decision params: %w", err)
	}
	if p.RequestID == "" {
		return p, errors.New("requestId is required")
	}
	if c.AgentID() == "" {
		return p, errors.New("not registered")
	}
	return p, nil
}

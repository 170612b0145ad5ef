// ABOUTME: End-to-end tests for the assembled session over a real socket.
// ABOUTME: Covers bus-routed relay, plan RPCs, decisions as messages, timeouts.

package session

import (
	"context"
	"encoding/json"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/teamwire/teamwire/internal/client"
	"github.com/teamwire/teamwire/internal/orchestrator"
	"github.com/teamwire/teamwire/internal/wire"
)

var testSecret = []byte("0123456789abcdef0123456789abcdef")

func startSession(t *testing.T, leaderID string, planTimeout time.Duration) *Session {
	t.Helper()
	s := New(Config{
		SocketPath:  filepath.Join(t.TempDir(), "hub.sock"),
		Secret:      testSecret,
		LeaderID:    leaderID,
		PlanTimeout: planTimeout,
	}, slog.Default())
	require.NoError(t, s.Start())
	t.Cleanup(func() { s.Destroy() })
	return s
}

func connect(t *testing.T, s *Session, agentID string) *client.Client {
	t.Helper()
	c := client.New(client.Config{
		SocketPath: s.Hub.SocketPath(),
		Secret:     testSecret,
		AgentID:    agentID,
		AgentName:  agentID + "-name",
	}, slog.Default())
	require.NoError(t, c.Connect(context.Background()))
	t.Cleanup(c.Disconnect)
	return c
}

// inbox collects agent.message notifications for one client.
func inbox(t *testing.T, c *client.Client) chan wire.MessageParams {
	t.Helper()
	ch := make(chan wire.MessageParams, 8)
	c.OnMessage(wire.MethodMessage, func(params json.RawMessage) {
		var p wire.MessageParams
		if err := json.Unmarshal(params, &p); err == nil {
			ch <- p
		}
	})
	return ch
}

func recv(t *testing.T, ch chan wire.MessageParams) wire.MessageParams {
	t.Helper()
	select {
	case p := <-ch:
		return p
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for message")
		return wire.MessageParams{}
	}
}

func TestRelayTravelsThroughBus(t *testing.T) {
	s := startSession(t, "lead", 0)
	a1 := connect(t, s, "a1")
	a2 := connect(t, s, "a2")
	got := inbox(t, a2)

	delivered, err := a1.SendMessage(context.Background(), wire.MessageParams{To: "a2", Type: "dm", Content: "hi"})
	require.NoError(t, err)
	assert.True(t, delivered)

	p := recv(t, got)
	assert.Equal(t, "hi", p.Content)
	assert.Equal(t, "a1", p.From)
	assert.Equal(t, "dm", p.Type)

	// Both ends are registered on the bus by the socket handshake.
	assert.ElementsMatch(t, []string{"a1", "a2"}, s.Bus.RegisteredAgents())
}

func TestRelayToUnknownAgent(t *testing.T) {
	s := startSession(t, "lead", 0)
	a1 := connect(t, s, "a1")

	delivered, err := a1.SendMessage(context.Background(), wire.MessageParams{To: "ghost", Type: "dm", Content: "anyone"})
	require.NoError(t, err)
	assert.False(t, delivered)
}

func TestPlanApprovalRoundTrip(t *testing.T) {
	s := startSession(t, "lead", 0)
	lead := connect(t, s, "lead")
	worker := connect(t, s, "worker")
	leadInbox := inbox(t, lead)
	workerInbox := inbox(t, worker)

	requestID, err := worker.SubmitPlan(context.Background(), "refactor the parser")
	require.NoError(t, err)
	require.NotEmpty(t, requestID)

	req := recv(t, leadInbox)
	assert.Equal(t, "plan_approval_request", req.Type)
	assert.Equal(t, "worker", req.From)
	assert.Equal(t, requestID, req.RequestID)
	assert.Equal(t, "refactor the parser", req.Content)

	handled, err := lead.ApprovePlan(context.Background(), requestID)
	require.NoError(t, err)
	assert.True(t, handled)

	resp := recv(t, workerInbox)
	assert.Equal(t, "plan_approval_response", resp.Type)
	assert.Equal(t, requestID, resp.RequestID)
	require.NotNil(t, resp.Approve)
	assert.True(t, *resp.Approve)

	assert.Equal(t, 0, s.Approvals.PendingCount())
}

func TestPlanRejectCarriesFeedback(t *testing.T) {
	s := startSession(t, "lead", 0)
	lead := connect(t, s, "lead")
	worker := connect(t, s, "worker")
	workerInbox := inbox(t, worker)

	requestID, err := worker.SubmitPlan(context.Background(), "rewrite everything")
	require.NoError(t, err)

	handled, err := lead.RejectPlan(context.Background(), requestID, "too broad, split it up")
	require.NoError(t, err)
	assert.True(t, handled)

	resp := recv(t, workerInbox)
	assert.Equal(t, "plan_approval_response", resp.Type)
	require.NotNil(t, resp.Approve)
	assert.False(t, *resp.Approve)
	assert.Equal(t, "too broad, split it up", resp.Content)
}

func TestPlanDecisionAsMessage(t *testing.T) {
	s := startSession(t, "lead", 0)
	lead := connect(t, s, "lead")
	worker := connect(t, s, "worker")
	workerInbox := inbox(t, worker)

	requestID, err := worker.SubmitPlan(context.Background(), "add retry logic")
	require.NoError(t, err)

	approve := true
	delivered, err := lead.SendMessage(context.Background(), wire.MessageParams{
		To:        "worker",
		Type:      "plan_approval_response",
		RequestID: requestID,
		Approve:   &approve,
	})
	require.NoError(t, err)
	assert.True(t, delivered)

	resp := recv(t, workerInbox)
	assert.Equal(t, requestID, resp.RequestID)
	require.NotNil(t, resp.Approve)
	assert.True(t, *resp.Approve)

	assert.Equal(t, 0, s.Approvals.PendingCount())
}

func TestUnknownDecisionNotHandled(t *testing.T) {
	s := startSession(t, "lead", 0)
	lead := connect(t, s, "lead")

	handled, err := lead.ApprovePlan(context.Background(), "no-such-request")
	require.NoError(t, err)
	assert.False(t, handled)
}

func TestPlanTimeoutNotifiesSubmitter(t *testing.T) {
	s := startSession(t, "lead", 100*time.Millisecond)
	connect(t, s, "lead")
	worker := connect(t, s, "worker")
	workerInbox := inbox(t, worker)

	requestID, err := worker.SubmitPlan(context.Background(), "slow plan")
	require.NoError(t, err)

	resp := recv(t, workerInbox)
	assert.Equal(t, "plan_approval_response", resp.Type)
	assert.Equal(t, requestID, resp.RequestID)
	require.NotNil(t, resp.Approve)
	assert.False(t, *resp.Approve)
	assert.Contains(t, resp.Content, "timed out")
}

func TestTaskUpdatesReachGraph(t *testing.T) {
	s := startSession(t, "lead", 0)
	worker := connect(t, s, "worker")

	task, err := s.Graph.CreateTask("build it", "", orchestrator.CreateOptions{})
	require.NoError(t, err)

	require.NoError(t, worker.SendTaskUpdate(context.Background(), task.ID, "in_progress"))

	got, err := s.Graph.GetTask(task.ID)
	require.NoError(t, err)
	assert.Equal(t, orchestrator.StatusInProgress, got.Status)
}

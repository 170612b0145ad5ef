// ABOUTME: Parameter and result payloads for the session socket RPC methods.
// ABOUTME: Shared by hub and client so both ends agree on field names.

package wire

// Method names on the session socket. Agent-prefixed methods flow from
// agents to the hub; hub-prefixed methods flow from the hub to agents.
const (
	MethodRegister    = "agent.register"
	MethodHeartbeat   = "agent.heartbeat"
	MethodStreamChunk = "agent.streamChunk"
	MethodTaskUpdate  = "agent.taskUpdate"
	MethodMessage     = "agent.message"
	MethodPlanSubmit  = "agent.planSubmit"
	MethodPlanApprove = "agent.planApprove"
	MethodPlanReject  = "agent.planReject"
	MethodTaskAssign  = "hub.taskAssign"
	MethodShutdown    = "hub.shutdown"
)

// RegisterParams announces an agent on a fresh connection.
type RegisterParams struct {
	AgentID   string `json:"agentId"`
	AgentName string `json:"agentName"`
	Token     string `json:"token,omitempty"`
}

// RegisterResult acknowledges a successful registration.
type RegisterResult struct {
	OK      bool   `json:"ok"`
	AgentID string `json:"agentId"`
}

// HeartbeatParams is the periodic liveness ping.
type HeartbeatParams struct {
	AgentID string `json:"agentId"`
}

// StreamChunkParams carries a fragment of an agent's live model output.
type StreamChunkParams struct {
	AgentID string `json:"agentId"`
	Model   string `json:"model,omitempty"`
	Content string `json:"content"`
}

// TaskUpdateParams reports a task status change observed by an agent.
type TaskUpdateParams struct {
	AgentID string `json:"agentId"`
	TaskID  string `json:"taskId"`
	Status  string `json:"status"`
}

// MessageParams is an inter-agent message relayed through the hub. From is
// filled in by the hub from the sending connection's identity.
type MessageParams struct {
	To      string `json:"to"`
	From    string `json:"from,omitempty"`
	Type    string `json:"type"`
	Content string `json:"content"`
	Summary string `json:"summary,omitempty"`
	// RequestID correlates plan approval round trips.
	RequestID string `json:"requestId,omitempty"`
	Approve   *bool  `json:"approve,omitempty"`
}

// MessageResult reports whether the relay reached the target agent.
type MessageResult struct {
	Delivered bool `json:"delivered"`
}

// PlanSubmitParams proposes a plan for the session leader's review.
type PlanSubmitParams struct {
	Plan string `json:"plan"`
}

// PlanSubmitResult carries the correlation id the eventual decision will use.
type PlanSubmitResult struct {
	RequestID string `json:"requestId"`
}

// PlanDecisionParams resolves a submitted plan by request id. Feedback is
// only meaningful on rejection.
type PlanDecisionParams struct {
	RequestID string `json:"requestId"`
	Feedback  string `json:"feedback,omitempty"`
}

// PlanDecisionResult reports whether the decision matched a pending plan.
type PlanDecisionResult struct {
	Handled bool `json:"handled"`
}

// TaskAssignParams tells an agent it now owns a task.
type TaskAssignParams struct {
	AgentID     string `json:"agentId"`
	TaskID      string `json:"taskId"`
	Subject     string `json:"subject"`
	Description string `json:"description,omitempty"`
}

// ShutdownParams asks one agent, or all when AgentID is empty, to stop.
type ShutdownParams struct {
	AgentID string `json:"agentId,omitempty"`
	Reason  string `json:"reason,omitempty"`
}

// OKResult is the generic acknowledgement payload.
type OKResult struct {
	OK bool `json:"ok"`
}

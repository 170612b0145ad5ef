// ABOUTME: Tests for the plan approval manager covering decisions and timeouts.
// ABOUTME: Validates idempotent resolution and the bus-bridged response path.

package approval

import (
	"context"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/teamwire/teamwire/internal/bus"
)

// fakeSender records every message the manager emits.
type fakeSender struct {
	mu   sync.Mutex
	sent []*bus.Message
}

func (f *fakeSender) CreateAndSend(t bus.MessageType, senderID, recipientID, content string, opts ...bus.MessageOption) *bus.Message {
	msg := &bus.Message{
		Type:        t,
		SenderID:    senderID,
		RecipientID: recipientID,
		Content:     content,
		Timestamp:   time.Now().UTC(),
	}
	for _, opt := range opts {
		opt(msg)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, msg)
	return msg
}

func (f *fakeSender) messages() []*bus.Message {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]*bus.Message, len(f.sent))
	copy(out, f.sent)
	return out
}

func newTestManager(t *testing.T, timeout time.Duration) (*Manager, *fakeSender) {
	t.Helper()
	sender := &fakeSender{}
	m := New(Config{Sender: sender, LeaderID: "leader", Timeout: timeout}, slog.Default())
	t.Cleanup(m.Destroy)
	return m, sender
}

func TestSubmitSendsRequestToLeader(t *testing.T) {
	m, sender := newTestManager(t, time.Minute)

	p, err := m.Submit("worker", "refactor the codec")
	require.NoError(t, err)
	assert.NotEmpty(t, p.RequestID)
	assert.Equal(t, 1, m.PendingCount())

	msgs := sender.messages()
	require.Len(t, msgs, 1)
	assert.Equal(t, bus.TypePlanApprovalRequest, msgs[0].Type)
	assert.Equal(t, "worker", msgs[0].SenderID)
	assert.Equal(t, "leader", msgs[0].RecipientID)
	assert.Equal(t, "refactor the codec", msgs[0].Content)
	assert.Equal(t, p.RequestID, msgs[0].RequestID)
}

func TestApproveResolvesWaiter(t *testing.T) {
	m, sender := newTestManager(t, time.Minute)
	p, err := m.Submit("worker", "plan")
	require.NoError(t, err)

	require.True(t, m.Approve(p.RequestID, "leader"))

	d, err := p.Wait(context.Background())
	require.NoError(t, err)
	assert.True(t, d.Approved)
	assert.Equal(t, "leader", d.ResponderID)
	assert.Equal(t, 0, m.PendingCount())

	msgs := sender.messages()
	require.Len(t, msgs, 2)
	assert.Equal(t, bus.TypePlanApprovalResponse, msgs[1].Type)
	assert.Equal(t, "worker", msgs[1].RecipientID)
	require.NotNil(t, msgs[1].Approve)
	assert.True(t, *msgs[1].Approve)
}

func TestRejectCarriesFeedback(t *testing.T) {
	m, _ := newTestManager(t, time.Minute)
	p, err := m.Submit("worker", "plan")
	require.NoError(t, err)

	require.True(t, m.Reject(p.RequestID, "leader", "split into smaller steps"))

	d, err := p.Wait(context.Background())
	require.NoError(t, err)
	assert.False(t, d.Approved)
	assert.Equal(t, "split into smaller steps", d.Feedback)
}

func TestResolutionIsIdempotent(t *testing.T) {
	m, sender := newTestManager(t, time.Minute)
	p, err := m.Submit("worker", "plan")
	require.NoError(t, err)

	require.True(t, m.Approve(p.RequestID, "leader"))
	assert.False(t, m.Approve(p.RequestID, "leader"), "second approve is a no-op")
	assert.False(t, m.Reject(p.RequestID, "leader", "too late"))
	assert.False(t, m.Cancel(p.RequestID))

	// Only the request and the single response went out.
	assert.Len(t, sender.messages(), 2)
}

func TestUnknownRequestID(t *testing.T) {
	m, _ := newTestManager(t, time.Minute)
	assert.False(t, m.Approve("no-such-request", "leader"))
	assert.False(t, m.Reject("no-such-request", "leader", ""))
	assert.False(t, m.Cancel("no-such-request"))
}

func TestTimeoutRejectsPlan(t *testing.T) {
	m, _ := newTestManager(t, 50*time.Millisecond)
	p, err := m.Submit("worker", "plan")
	require.NoError(t, err)

	start := time.Now()
	_, err = p.Wait(context.Background())
	require.ErrorIs(t, err, ErrPlanTimeout)
	assert.Contains(t, err.Error(), "50ms")
	assert.GreaterOrEqual(t, time.Since(start), 50*time.Millisecond)
	assert.Equal(t, 0, m.PendingCount())
}

func TestCancel(t *testing.T) {
	m, _ := newTestManager(t, time.Minute)
	p, err := m.Submit("worker", "plan")
	require.NoError(t, err)

	require.True(t, m.Cancel(p.RequestID))
	_, err = p.Wait(context.Background())
	assert.ErrorIs(t, err, ErrPlanCancelled)
}

func TestWaitHonorsContext(t *testing.T) {
	m, _ := newTestManager(t, time.Minute)
	p, err := m.Submit("worker", "plan")
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = p.Wait(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestHandleResponseFromBus(t *testing.T) {
	m, _ := newTestManager(t, time.Minute)
	p, err := m.Submit("worker", "plan")
	require.NoError(t, err)

	approve := true
	handled := m.HandleResponse(&bus.Message{
		Type:      bus.TypePlanApprovalResponse,
		SenderID:  "leader",
		RequestID: p.RequestID,
		Content:   "looks good",
		Approve:   &approve,
	})
	require.True(t, handled)

	d, err := p.Wait(context.Background())
	require.NoError(t, err)
	assert.True(t, d.Approved)
	assert.Equal(t, "leader", d.ResponderID)
	assert.Equal(t, "looks good", d.Feedback)
}

func TestHandleResponseIgnoresOtherTypes(t *testing.T) {
	m, _ := newTestManager(t, time.Minute)
	p, err := m.Submit("worker", "plan")
	require.NoError(t, err)

	assert.False(t, m.HandleResponse(&bus.Message{Type: bus.TypeDM, RequestID: p.RequestID}))
	assert.Equal(t, 1, m.PendingCount())
}

func TestPendingPlansOldestFirst(t *testing.T) {
	m, _ := newTestManager(t, time.Minute)
	first, err := m.Submit("w1", "plan one")
	require.NoError(t, err)
	second, err := m.Submit("w2", "plan two")
	require.NoError(t, err)

	plans := m.PendingPlans()
	require.Len(t, plans, 2)
	assert.Equal(t, first.RequestID, plans[0].RequestID)
	assert.Equal(t, second.RequestID, plans[1].RequestID)
}

func TestDestroyRejectsOutstanding(t *testing.T) {
	sender := &fakeSender{}
	m := New(Config{Sender: sender, LeaderID: "leader"}, slog.Default())
	p, err := m.Submit("worker", "plan")
	require.NoError(t, err)

	m.Destroy()

	_, err = p.Wait(context.Background())
	assert.ErrorIs(t, err, ErrManagerDestroyed)

	_, err = m.Submit("worker", "another")
	assert.ErrorIs(t, err, ErrManagerDestroyed)

	// Second destroy is a no-op.
	m.Destroy()
}

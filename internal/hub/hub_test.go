// ABOUTME: Tests for the hub against real unix socket connections.
// ABOUTME: Validates signature rejection, the method table, and message relay.

package hub

import (
	"bufio"
	"encoding/json"
	"log/slog"
	"net"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/teamwire/teamwire/internal/auth"
	"github.com/teamwire/teamwire/internal/wire"
)

var testSecret = []byte("0123456789abcdef0123456789abcdef")

func startHub(t *testing.T, verifier auth.TokenVerifier) *Hub {
	t.Helper()
	socket := filepath.Join(t.TempDir(), "hub.sock")
	h := New(Config{SocketPath: socket, Secret: testSecret, Verifier: verifier}, slog.Default())
	require.NoError(t, h.Start())
	t.Cleanup(func() { h.Destroy() })
	return h
}

// testConn is one raw agent-side connection speaking sealed frames.
type testConn struct {
	t      *testing.T
	conn   net.Conn
	reader *bufio.Reader
	nextID uint64
}

func dialHub(t *testing.T, h *Hub) *testConn {
	t.Helper()
	conn, err := net.Dial("unix", h.SocketPath())
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return &testConn{t: t, conn: conn, reader: bufio.NewReader(conn)}
}

func (c *testConn) sendRaw(frame []byte) {
	c.t.Helper()
	_, err := c.conn.Write(frame)
	require.NoError(c.t, err)
}

func (c *testConn) send(secret []byte, msg *wire.Message) {
	c.t.Helper()
	frame, err := wire.Seal(secret, msg)
	require.NoError(c.t, err)
	c.sendRaw(frame)
}

func (c *testConn) request(method string, params any) uint64 {
	c.t.Helper()
	c.nextID++
	msg, err := wire.NewRequest(c.nextID, method, params)
	require.NoError(c.t, err)
	c.send(testSecret, msg)
	return c.nextID
}

func (c *testConn) recv() *wire.Message {
	c.t.Helper()
	require.NoError(c.t, c.conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	line, err := c.reader.ReadBytes('\n')
	require.NoError(c.t, err)
	msg, err := wire.Open(testSecret, line)
	require.NoError(c.t, err)
	return msg
}

func (c *testConn) register(agentID, agentName, token string) {
	c.t.Helper()
	c.request(wire.MethodRegister, wire.RegisterParams{AgentID: agentID, AgentName: agentName, Token: token})
	resp := c.recv()
	require.Nil(c.t, resp.Error, "register must succeed")
	var result wire.RegisterResult
	require.NoError(c.t, json.Unmarshal(resp.Result, &result))
	require.True(c.t, result.OK)
}

func TestRegisterFlow(t *testing.T) {
	h := startHub(t, nil)
	c := dialHub(t, h)
	c.register("a1", "analyst", "")

	assert.Equal(t, []string{"a1"}, h.ConnectedAgents())
}

func TestBadSignatureNeverReachesHandler(t *testing.T) {
	h := startHub(t, nil)
	var invoked atomic.Int32
	h.OnMethod("test.probe", func(*ClientConn, json.RawMessage) (any, error) {
		invoked.Add(1)
		return wire.OKResult{OK: true}, nil
	})

	c := dialHub(t, h)
	id := uint64(1)
	msg, err := wire.NewRequest(id, "test.probe", nil)
	require.NoError(t, err)
	c.send([]byte("the-wrong-secret-entirely-000000"), msg)

	resp := c.recv()
	require.NotNil(t, resp.Error)
	assert.Equal(t, wire.CodeAuthFailed, resp.Error.Code)
	assert.Nil(t, resp.ID, "no trusted id to correlate with")
	assert.Equal(t, int32(0), invoked.Load(), "unauthenticated frame must not reach any handler")

	// The same frame correctly signed goes through.
	c.send(testSecret, msg)
	resp = c.recv()
	require.Nil(t, resp.Error)
	assert.Equal(t, int32(1), invoked.Load())
}

func TestParseError(t *testing.T) {
	h := startHub(t, nil)
	c := dialHub(t, h)
	c.sendRaw([]byte("this is not json\n"))

	resp := c.recv()
	require.NotNil(t, resp.Error)
	assert.Equal(t, wire.CodeParseError, resp.Error.Code)
}

func TestInvalidRequest(t *testing.T) {
	h := startHub(t, nil)
	c := dialHub(t, h)

	id := uint64(7)
	c.send(testSecret, &wire.Message{JSONRPC: "1.0", Method: "agent.heartbeat", ID: &id})
	resp := c.recv()
	require.NotNil(t, resp.Error)
	assert.Equal(t, wire.CodeInvalidRequest, resp.Error.Code)

	c.send(testSecret, &wire.Message{JSONRPC: wire.Version, ID: &id})
	resp = c.recv()
	require.NotNil(t, resp.Error)
	assert.Equal(t, wire.CodeInvalidRequest, resp.Error.Code)
}

func TestMethodNotFound(t *testing.T) {
	h := startHub(t, nil)
	c := dialHub(t, h)
	c.request("agent.teleport", nil)

	resp := c.recv()
	require.NotNil(t, resp.Error)
	assert.Equal(t, wire.CodeMethodNotFound, resp.Error.Code)
	assert.Contains(t, resp.Error.Message, "agent.teleport")
}

func TestHandlerErrorBecomesInternalError(t *testing.T) {
	h := startHub(t, nil)
	h.OnMethod("test.fail", func(*ClientConn, json.RawMessage) (any, error) {
		panic("boom")
	})

	c := dialHub(t, h)
	c.request("test.fail", nil)
	resp := c.recv()
	require.NotNil(t, resp.Error)
	assert.Equal(t, wire.CodeInternalError, resp.Error.Code)
}

func TestMessageRelay(t *testing.T) {
	h := startHub(t, nil)
	a1 := dialHub(t, h)
	a2 := dialHub(t, h)
	a1.register("a1", "sender", "")
	a2.register("a2", "receiver", "")

	a1.request(wire.MethodMessage, wire.MessageParams{To: "a2", Type: "dm", Content: "hi"})
	resp := a1.recv()
	require.Nil(t, resp.Error)
	var result wire.MessageResult
	require.NoError(t, json.Unmarshal(resp.Result, &result))
	assert.True(t, result.Delivered)

	notif := a2.recv()
	assert.Equal(t, wire.MethodMessage, notif.Method)
	assert.Nil(t, notif.ID)
	var relayed wire.MessageParams
	require.NoError(t, json.Unmarshal(notif.Params, &relayed))
	assert.Equal(t, "hi", relayed.Content)
	assert.Equal(t, "a1", relayed.From, "sender identity is stamped by the hub")
}

func TestMessageRelayToAbsentAgent(t *testing.T) {
	h := startHub(t, nil)
	a1 := dialHub(t, h)
	a1.register("a1", "sender", "")

	a1.request(wire.MethodMessage, wire.MessageParams{To: "ghost", Type: "dm", Content: "anyone there"})
	resp := a1.recv()
	require.Nil(t, resp.Error)
	var result wire.MessageResult
	require.NoError(t, json.Unmarshal(resp.Result, &result))
	assert.False(t, result.Delivered)
}

func TestTaskAssignForwarding(t *testing.T) {
	h := startHub(t, nil)
	worker := dialHub(t, h)
	worker.register("worker", "builder", "")

	lead := dialHub(t, h)
	lead.register("lead", "coordinator", "")
	lead.request(wire.MethodTaskAssign, wire.TaskAssignParams{AgentID: "worker", TaskID: "t-1", Subject: "build it"})
	resp := lead.recv()
	require.Nil(t, resp.Error)

	notif := worker.recv()
	assert.Equal(t, wire.MethodTaskAssign, notif.Method)
	var assigned wire.TaskAssignParams
	require.NoError(t, json.Unmarshal(notif.Params, &assigned))
	assert.Equal(t, "t-1", assigned.TaskID)
}

func TestJoinTokenGate(t *testing.T) {
	verifier := auth.NewJoinVerifier([]byte("invite-secret"))
	h := startHub(t, verifier)

	t.Run("missing token rejected", func(t *testing.T) {
		c := dialHub(t, h)
		c.request(wire.MethodRegister, wire.RegisterParams{AgentID: "a1", AgentName: "x"})
		resp := c.recv()
		require.NotNil(t, resp.Error)
		assert.Equal(t, wire.CodeInternalError, resp.Error.Code)
	})

	t.Run("token for another agent rejected", func(t *testing.T) {
		token, err := verifier.Generate("someone-else", time.Hour)
		require.NoError(t, err)
		c := dialHub(t, h)
		c.request(wire.MethodRegister, wire.RegisterParams{AgentID: "a1", AgentName: "x", Token: token})
		resp := c.recv()
		require.NotNil(t, resp.Error)
	})

	t.Run("matching token accepted", func(t *testing.T) {
		token, err := verifier.Generate("a1", time.Hour)
		require.NoError(t, err)
		c := dialHub(t, h)
		c.register("a1", "x", token)
	})
}

func TestHeartbeatTouchesConnection(t *testing.T) {
	h := startHub(t, nil)
	c := dialHub(t, h)
	c.register("a1", "x", "")

	c.request(wire.MethodHeartbeat, wire.HeartbeatParams{AgentID: "a1"})
	resp := c.recv()
	require.Nil(t, resp.Error)
	var result wire.OKResult
	require.NoError(t, json.Unmarshal(resp.Result, &result))
	assert.True(t, result.OK)
}

func TestEventReEmission(t *testing.T) {
	h := startHub(t, nil)
	events := make(chan Event, 8)
	h.OnEvent(func(ev Event) { events <- ev })

	c := dialHub(t, h)
	c.register("a1", "x", "")
	c.request(wire.MethodStreamChunk, wire.StreamChunkParams{Content: "partial output"})
	resp := c.recv()
	require.Nil(t, resp.Error)

	var methods []string
	for len(methods) < 2 {
		select {
		case ev := <-events:
			methods = append(methods, ev.Method)
		case <-time.After(2 * time.Second):
			t.Fatal("timed out waiting for events")
		}
	}
	assert.Contains(t, methods, wire.MethodRegister)
	assert.Contains(t, methods, wire.MethodStreamChunk)
}

func TestShutdownBroadcast(t *testing.T) {
	h := startHub(t, nil)
	a1 := dialHub(t, h)
	a2 := dialHub(t, h)
	a1.register("a1", "x", "")
	a2.register("a2", "y", "")

	a1.request(wire.MethodShutdown, wire.ShutdownParams{})
	resp := a1.recv()
	require.Nil(t, resp.Error)

	notif := a2.recv()
	assert.Equal(t, wire.MethodShutdown, notif.Method)
}

func TestDestroyIsIdempotent(t *testing.T) {
	socket := filepath.Join(t.TempDir(), "hub.sock")
	h := New(Config{SocketPath: socket, Secret: testSecret}, slog.Default())
	require.NoError(t, h.Start())

	require.NoError(t, h.Destroy())
	require.NoError(t, h.Destroy())

	_, err := net.Dial("unix", socket)
	assert.Error(t, err, "socket is gone after destroy")
}

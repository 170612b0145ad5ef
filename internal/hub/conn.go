// ABOUTME: Per-connection state for one agent attached to the hub socket.
// ABOUTME: Serializes frame writes and tracks identity plus liveness.

package hub

import (
	"net"
	"sync"
	"time"

	"github.com/teamwire/teamwire/internal/wire"
)

// ClientConn is one accepted connection on the session socket. It starts
// anonymous; agent.register gives it an identity.
type ClientConn struct {
	hub  *Hub
	conn net.Conn

	writeMu sync.Mutex

	mu            sync.Mutex
	agentID       string
	agentName     string
	registeredAt  time.Time
	lastHeartbeat time.Time
}

// AgentID returns the registered agent id, or "" before registration.
func (c *ClientConn) AgentID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.agentID
}

// AgentName returns the registered display name.
func (c *ClientConn) AgentName() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.agentName
}

// LastHeartbeat returns when the agent last pinged, zero if never.
func (c *ClientConn) LastHeartbeat() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastHeartbeat
}

func (c *ClientConn) setIdentity(agentID, agentName string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.agentID = agentID
	c.agentName = agentName
	c.registeredAt = time.Now().UTC()
	c.lastHeartbeat = c.registeredAt
}

func (c *ClientConn) touch() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lastHeartbeat = time.Now().UTC()
}

// Send seals msg with the session secret and writes one frame. Safe for
// concurrent use; frames never interleave.
func (c *ClientConn) Send(msg *wire.Message) error {
	frame, err := wire.Seal(c.hub.secret, msg)
	if err != nil {
		return err
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_, err = c.conn.Write(frame)
	return err
}

// Close tears down the underlying connection.
func (c *ClientConn) Close() error {
	return c.conn.Close()
}

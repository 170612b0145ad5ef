// ABOUTME: Tests for config loading, env var expansion, and duration parsing
// ABOUTME: Covers validation failures for missing socket path and bad secrets

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

func TestLoadFullConfig(t *testing.T) {
	path := writeConfig(t, `
session:
  name: release-team
  socket_path: /tmp/teamwire.sock
  secret: deadbeef
  join_secret: invite-key
  leader_id: lead
  heartbeat_interval: 15s
  request_timeout: 30s
  plan_timeout: 5m
database:
  path: /tmp/teamwire.db
logging:
  level: debug
  format: text
`)

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "release-team", cfg.Session.Name)
	assert.Equal(t, "/tmp/teamwire.sock", cfg.Session.SocketPath)
	assert.Equal(t, "lead", cfg.Session.LeaderID)
	assert.Equal(t, 15*time.Second, cfg.Session.HeartbeatInterval)
	assert.Equal(t, 30*time.Second, cfg.Session.RequestTimeout)
	assert.Equal(t, 5*time.Minute, cfg.Session.PlanTimeout)
	assert.Equal(t, "/tmp/teamwire.db", cfg.Database.Path)
	assert.Equal(t, "debug", cfg.Logging.Level)

	secret, err := cfg.SecretBytes()
	require.NoError(t, err)
	assert.Equal(t, []byte{0xde, 0xad, 0xbe, 0xef}, secret)
}

func TestLoadExpandsEnvVars(t *testing.T) {
	t.Setenv("TEAMWIRE_TEST_SOCKET", "/run/teamwire.sock")
	path := writeConfig(t, `
session:
  socket_path: ${TEAMWIRE_TEST_SOCKET}
`)

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "/run/teamwire.sock", cfg.Session.SocketPath)
}

func TestLoadUnsetEnvVarBecomesEmpty(t *testing.T) {
	path := writeConfig(t, `
session:
  socket_path: ${TEAMWIRE_DEFINITELY_UNSET_VAR}
`)

	_, err := Load(path)
	assert.ErrorContains(t, err, "socket_path is required")
}

func TestLoadMissingSocketPath(t *testing.T) {
	path := writeConfig(t, `
session:
  name: no-socket
`)
	_, err := Load(path)
	assert.ErrorContains(t, err, "socket_path is required")
}

func TestLoadBadSecret(t *testing.T) {
	path := writeConfig(t, `
session:
  socket_path: /tmp/t.sock
  secret: not-hex!
`)
	_, err := Load(path)
	assert.ErrorContains(t, err, "hex encoded")
}

func TestLoadBadDuration(t *testing.T) {
	path := writeConfig(t, `
session:
  socket_path: /tmp/t.sock
  heartbeat_interval: soon
`)
	_, err := Load(path)
	assert.ErrorContains(t, err, "heartbeat_interval")
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	assert.Error(t, err)
}

func TestSecretBytesEmpty(t *testing.T) {
	cfg := &Config{}
	secret, err := cfg.SecretBytes()
	require.NoError(t, err)
	assert.Nil(t, secret)
}

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/joelkehle/ucsbridge/internal/ucs"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultsResolveAndValidate(t *testing.T) {
	cfg := Default()
	cfg.Resolve()
	require.NoError(t, cfg.Validate())

	assert.Equal(t, "http://localhost:8080/messages", cfg.SendMessageURL)
	assert.Equal(t, "http://localhost:8080/commands/alerting", cfg.Endpoint(ucs.InterfaceAlerting).CommandURL)
	assert.Equal(t, 8899, cfg.Endpoint(ucs.InterfaceClient).ListenPort)
	assert.Equal(t, 8897, cfg.Endpoint(ucs.InterfaceAlerting).ListenPort)
	assert.Equal(t, 8900, cfg.Endpoint(ucs.InterfaceManagement).ListenPort)
	assert.Equal(t, 8901, cfg.Endpoint(ucs.InterfaceConversation).ListenPort)
	assert.Equal(t, 10*time.Second, cfg.ReplyTimeout)
	assert.Equal(t, "localhost:8899", cfg.Client.ListenAddr())
}

func TestLoadYAMLAndEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ucs.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
backend_url: http://backend:9000
reply_timeout: 3s
client:
  listen_port: 0
conversation:
  command_url: http://elsewhere:7000/conv
backend:
  store_backend: sqlite
  db_path: /tmp/ucs.db
`), 0o644))
	t.Setenv("UCS_REPLY_TIMEOUT", "4s")
	t.Setenv("UCS_LOG_LEVEL", "debug")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 4*time.Second, cfg.ReplyTimeout)
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, "http://backend:9000/commands/client", cfg.Client.CommandURL)
	assert.Equal(t, "http://elsewhere:7000/conv", cfg.Conversation.CommandURL)
	assert.Equal(t, 0, cfg.Client.ListenPort)
	assert.Equal(t, "sqlite", cfg.Backend.StoreBackend)
}

func TestValidateRejectsBadConfig(t *testing.T) {
	cfg := Default()
	cfg.Resolve()
	cfg.Scheme = "gopher"
	cfg.ReplyTimeout = 0
	cfg.Alerting.ListenPort = cfg.Client.ListenPort
	cfg.Backend.StoreBackend = "cassandra"

	err := cfg.Validate()
	require.Error(t, err)
	assert.True(t, ucs.IsKind(err, ucs.KindValidation))
	assert.Contains(t, err.Error(), "scheme")
	assert.Contains(t, err.Error(), "reply_timeout")
	assert.Contains(t, err.Error(), "already used")
	assert.Contains(t, err.Error(), "cassandra")
}

func TestLoadRejectsBadEnvDuration(t *testing.T) {
	t.Setenv("UCS_REPLY_TIMEOUT", "soon")
	_, err := Load("")
	assert.True(t, ucs.IsKind(err, ucs.KindValidation))
}

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultsAreValid(t *testing.T) {
	c := Default()
	require.NoError(t, c.Validate())
	assert.Equal(t, 5000, c.Server.Port)
	assert.Equal(t, "0.0.0.0:5000", c.Addr())
	assert.Equal(t, 100, c.Broadcast.SubscriberBuffer)
	assert.Equal(t, 10*time.Second, c.Ingest.Timeout)
	assert.Equal(t, "sqlite:///tiwatcher.db", c.Database.URL)
}

func TestLoadFileKeepsDefaultsForMissingKeys(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
server:
  port: 8080
auth:
  agent_token: s3cret
broadcast:
  subscriber_buffer: 8
`), 0o600))

	c, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 8080, c.Server.Port)
	assert.Equal(t, "s3cret", c.Auth.AgentToken)
	assert.Equal(t, 8, c.Broadcast.SubscriberBuffer)
	assert.Equal(t, "info", c.Logging.Level)
}

func TestApplyEnv(t *testing.T) {
	env := map[string]string{
		"AGENT_TOKEN":  "from-env",
		"DATABASE_URL": "postgres://u:p@db/tiwatcher",
		"BIND_ADDR":    "127.0.0.1:9000",
	}
	c := Default()
	require.NoError(t, c.ApplyEnv(func(k string) string { return env[k] }))
	assert.Equal(t, "from-env", c.Auth.AgentToken)
	assert.Equal(t, "postgres://u:p@db/tiwatcher", c.Database.URL)
	assert.Equal(t, "127.0.0.1:9000", c.Addr())

	env = map[string]string{"PORT": "7000"}
	require.NoError(t, c.ApplyEnv(func(k string) string { return env[k] }))
	assert.Equal(t, "127.0.0.1:7000", c.Addr())

	env = map[string]string{"BIND_ADDR": "nonsense"}
	assert.Error(t, c.ApplyEnv(func(k string) string { return env[k] }))
}

func TestValidateRejectsInconsistentKafka(t *testing.T) {
	c := Default()
	c.Kafka.Enabled = true
	assert.Error(t, c.Validate())

	c.Kafka.Brokers = []string{"localhost:9092"}
	require.NoError(t, c.Validate())

	c = Default()
	c.Kafka.Consumer.Enabled = true
	assert.Error(t, c.Validate())

	c = Default()
	c.SnapshotCache.Backend = "memcached"
	assert.Error(t, c.Validate())
}

package configs

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	cfg := Load()

	assert.Equal(t, 10000.0, cfg.Rules.HighAmountThreshold)
	assert.Equal(t, 5, cfg.Rules.VelocityLimit)
	assert.Equal(t, 500.0, cfg.Rules.LocationRadiusKm)
	assert.Equal(t, 0.7, cfg.Model.Threshold)
	assert.Equal(t, "transactions", cfg.Kafka.InputTopic)
	assert.Equal(t, "fraud_alerts", cfg.Kafka.OutputTopic)
	assert.Equal(t, "fraud-detector", cfg.Kafka.ConsumerGroup)
	assert.Equal(t, "auto", cfg.Redis.Backend)
	assert.False(t, cfg.Database.Enabled)
	require.NoError(t, cfg.Validate())
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("RULES_HIGH_AMOUNT", "2500")
	t.Setenv("RULES_VELOCITY_LIMIT", "9")
	t.Setenv("MODEL_THRESHOLD", "0.55")
	t.Setenv("KAFKA_BOOTSTRAP_SERVERS", "k1:9092, k2:9092")
	t.Setenv("REDIS_OP_TIMEOUT", "750ms")
	t.Setenv("ARCHIVE_ENABLED", "true")

	cfg := Load()

	assert.Equal(t, 2500.0, cfg.Rules.HighAmountThreshold)
	assert.Equal(t, 9, cfg.Rules.VelocityLimit)
	assert.Equal(t, 0.55, cfg.Model.Threshold)
	assert.Equal(t, []string{"k1:9092", "k2:9092"}, cfg.Kafka.Brokers)
	assert.Equal(t, 750*time.Millisecond, cfg.Redis.OpTimeout)
	assert.True(t, cfg.Database.Enabled)
}

func TestLoad_InvalidNumbersFallBack(t *testing.T) {
	t.Setenv("RULES_VELOCITY_LIMIT", "lots")
	t.Setenv("MODEL_THRESHOLD", "high")

	cfg := Load()
	assert.Equal(t, 5, cfg.Rules.VelocityLimit)
	assert.Equal(t, 0.7, cfg.Model.Threshold)
}

func TestParseClients(t *testing.T) {
	clients := parseClients("svc-a:scorer:$2a$04$abc, broken ,admin-b:admin:$2a$04$def")
	require.Len(t, clients, 2)
	assert.Equal(t, APIClient{ID: "svc-a", Role: "scorer", KeyHash: "$2a$04$abc"}, clients[0])
	assert.Equal(t, "admin", clients[1].Role)
}

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	content := `
environment: production
redis:
  url: redis://cache:6380/1
kafka:
  bootstrap_servers: ["b1:9092"]
  output_topic: alerts
model:
  threshold: 0.8
rules:
  high_amount_threshold: 5000
  velocity_limit: 3
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	cfg, err := LoadFile(path)
	require.NoError(t, err)

	assert.Equal(t, "production", cfg.Server.Environment)
	assert.Equal(t, "redis://cache:6380/1", cfg.Redis.URL)
	assert.Equal(t, []string{"b1:9092"}, cfg.Kafka.Brokers)
	assert.Equal(t, "alerts", cfg.Kafka.OutputTopic)
	assert.Equal(t, "transactions", cfg.Kafka.InputTopic)
	assert.Equal(t, 0.8, cfg.Model.Threshold)
	assert.Equal(t, 5000.0, cfg.Rules.HighAmountThreshold)
	assert.Equal(t, 3, cfg.Rules.VelocityLimit)
	assert.Equal(t, 500.0, cfg.Rules.LocationRadiusKm)
}

func TestLoadFile_Errors(t *testing.T) {
	_, err := LoadFile(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)

	path := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(path, []byte("model:\n  threshold: 3\n"), 0o600))
	_, err = LoadFile(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "threshold")
}

func TestValidate_Backend(t *testing.T) {
	cfg := Load()
	cfg.Redis.Backend = "etcd"
	assert.Error(t, cfg.Validate())
}

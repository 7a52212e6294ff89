package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openchainlab/eventpipe/internal/domain/model"
)

func TestLoad_Defaults(t *testing.T) {
	t.Setenv("RPC_URL_ETHEREUM", "https://eth.example.com")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, []string{"localhost:9092"}, cfg.Kafka.Brokers)
	assert.Equal(t, 30*time.Second, cfg.Task.HeartbeatInterval)
	assert.Equal(t, 5*time.Minute, cfg.Task.SweepInterval)
	assert.Equal(t, 60*time.Minute, cfg.Task.StaleThreshold)
	assert.Equal(t, 25, cfg.DB.MaxOpenConns)
	assert.Equal(t, "info", cfg.Log.Level)
	assert.True(t, cfg.Redis.Enabled)

	eth, ok := cfg.Chains[model.ChainEthereum]
	require.True(t, ok)
	assert.Equal(t, "https://eth.example.com", eth.RPCURL)
	assert.Equal(t, float64(20), eth.RateLimit)
}

func TestLoad_Overrides(t *testing.T) {
	t.Setenv("RPC_URL_BASE", "https://base.example.com")
	t.Setenv("KAFKA_BROKERS", "k1:9092, k2:9092")
	t.Setenv("TASK_HEARTBEAT_SEC", "10")
	t.Setenv("LOG_LEVEL", "debug")
	t.Setenv("REDIS_ENABLED", "false")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, []string{"k1:9092", "k2:9092"}, cfg.Kafka.Brokers)
	assert.Equal(t, 10*time.Second, cfg.Task.HeartbeatInterval)
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.False(t, cfg.Redis.Enabled)
	assert.Contains(t, cfg.Chains, model.ChainBase)
	assert.NotContains(t, cfg.Chains, model.ChainEthereum)
}

func TestLoad_Validation(t *testing.T) {
	// No RPC endpoints configured.
	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "RPC_URL_")

	t.Setenv("RPC_URL_ETHEREUM", "https://eth.example.com")
	t.Setenv("LOG_LEVEL", "loud")
	_, err = Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "LOG_LEVEL")
}

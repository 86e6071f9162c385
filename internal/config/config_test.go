package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	t.Setenv("REDIS_URL", "redis://localhost:6379")
	t.Setenv("API_TOKEN", "secret-token")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "development", cfg.AppEnv)
	assert.Equal(t, "8080", cfg.Port)
	assert.Equal(t, 30*time.Second, cfg.HeartbeatInterval)
	assert.Equal(t, time.Second, cfg.ReconnectBaseDelay)
	assert.Equal(t, 5, cfg.ReconnectMaxAttempts)
	assert.Equal(t, 5*time.Second, cfg.AckTimeout)
	assert.Equal(t, 1024, cfg.QueueCapacity)
	assert.Equal(t, 3, cfg.QueueMaxRetries)
	assert.Equal(t, 50, cfg.RoomHistorySize)
	assert.Equal(t, "taskpulse:events", cfg.BusChannel)
	assert.True(t, cfg.IsDevelopment())
}

func TestLoad_MissingRedisURL(t *testing.T) {
	t.Setenv("REDIS_URL", "")
	t.Setenv("API_TOKEN", "secret-token")

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "REDIS_URL")
}

func TestLoad_MissingAPIToken(t *testing.T) {
	t.Setenv("REDIS_URL", "redis://localhost:6379")
	t.Setenv("API_TOKEN", "")

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "API_TOKEN")
}

func TestValidate_RejectsBadValues(t *testing.T) {
	base := func() *Config {
		return &Config{
			RedisURL:             "redis://localhost:6379",
			APIToken:             "token",
			HeartbeatInterval:    30 * time.Second,
			ReconnectMaxAttempts: 5,
			QueueCapacity:        1024,
			RoomHistorySize:      50,
		}
	}

	cfg := base()
	cfg.HeartbeatInterval = 0
	assert.ErrorContains(t, validate(cfg), "HEARTBEAT_INTERVAL")

	cfg = base()
	cfg.ReconnectMaxAttempts = 0
	assert.ErrorContains(t, validate(cfg), "RECONNECT_MAX_ATTEMPTS")

	cfg = base()
	cfg.QueueCapacity = 0
	assert.ErrorContains(t, validate(cfg), "QUEUE_CAPACITY")

	cfg = base()
	cfg.RoomHistorySize = -1
	assert.ErrorContains(t, validate(cfg), "ROOM_HISTORY_SIZE")

	assert.NoError(t, validate(base()))
}

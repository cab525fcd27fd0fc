package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("QUEUE_BACKEND", "")
	t.Setenv("LEASE_DURATION", "")
	t.Setenv("MAX_ATTEMPTS", "")

	cfg := Load()
	assert.Equal(t, BackendPostgres, cfg.QueueBackend)
	assert.Equal(t, 5*time.Minute, cfg.LeaseDuration)
	assert.Equal(t, 3*time.Second, cfg.PollInterval)
	assert.Equal(t, 3, cfg.MaxAttempts)
	assert.Equal(t, time.Duration(0), cfg.BackoffMax)
	assert.True(t, cfg.RetryPermanentErrors)
	assert.Equal(t, 200, cfg.ReportSampleRows)
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("QUEUE_BACKEND", "Redis")
	t.Setenv("LEASE_DURATION", "90s")
	t.Setenv("MAX_ATTEMPTS", "7")
	t.Setenv("RETRY_PERMANENT_ERRORS", "false")
	t.Setenv("RATE_LIMIT_REFILL_PER_SEC", "2.5")

	cfg := Load()
	assert.Equal(t, BackendRedis, cfg.QueueBackend)
	assert.Equal(t, 90*time.Second, cfg.LeaseDuration)
	assert.Equal(t, 7, cfg.MaxAttempts)
	assert.False(t, cfg.RetryPermanentErrors)
	assert.InDelta(t, 2.5, cfg.RateLimitRefill, 1e-9)
}

func TestLoadIgnoresMalformedValues(t *testing.T) {
	t.Setenv("POLL_INTERVAL", "soon")
	t.Setenv("REDIS_DB", "x")

	cfg := Load()
	assert.Equal(t, 3*time.Second, cfg.PollInterval)
	assert.Equal(t, 0, cfg.RedisDB)
}

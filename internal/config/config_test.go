package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, DefaultPort, cfg.Port)
	assert.Equal(t, DefaultEvalDeadline, cfg.EvalDeadline)
	assert.Equal(t, DefaultCollectorTimeout, cfg.CollectorTimeout)
	assert.Equal(t, int64(DefaultVelocityLimit), cfg.VelocityThreshold)
	assert.Equal(t, DefaultSLATargetP95, cfg.SLATargetP95)
	assert.Empty(t, cfg.Blocklist)
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("EVAL_DEADLINE", "150ms")
	t.Setenv("COLLECTOR_TIMEOUT", "20ms")
	t.Setenv("VELOCITY_WINDOW", "10m")
	t.Setenv("VELOCITY_THRESHOLD", "3")
	t.Setenv("BLOCKLIST", "ip:203.0.113.9, domain:evil.example")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 150*time.Millisecond, cfg.EvalDeadline)
	assert.Equal(t, 20*time.Millisecond, cfg.CollectorTimeout)
	assert.Equal(t, 10*time.Minute, cfg.VelocityWindow)
	assert.Equal(t, int64(3), cfg.VelocityThreshold)
	assert.Equal(t, []string{"ip:203.0.113.9", "domain:evil.example"}, cfg.Blocklist)
}

func TestValidateRejectsTimeoutLongerThanDeadline(t *testing.T) {
	t.Setenv("EVAL_DEADLINE", "50ms")
	t.Setenv("COLLECTOR_TIMEOUT", "60ms")

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "COLLECTOR_TIMEOUT")
}

func TestValidateRejectsMalformedListEntry(t *testing.T) {
	t.Setenv("BLOCKLIST", "203.0.113.9")

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "kind:value")
}

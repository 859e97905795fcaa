package coordinator

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/teranos/genq/errors"
	"github.com/teranos/genq/queue"
)

func TestDefaultConfigValid(t *testing.T) {
	cfg := DefaultConfig()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, 5*cfg.HeartbeatInterval, cfg.StalenessThreshold)
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"heartbeat too slow", func(c *Config) { c.HeartbeatInterval = 15 * time.Second }, "twice the heartbeat"},
		{"zero heartbeat", func(c *Config) { c.HeartbeatInterval = 0 }, "heartbeat interval must be positive"},
		{"zero poll", func(c *Config) { c.PollInterval = 0 }, "poll interval"},
		{"unknown rule", func(c *Config) { c.ConflictRule = "gpu" }, "unknown conflict rule"},
		{"negative rate", func(c *Config) { c.MaxCyclesPerSecond = -1 }, "must not be negative"},
		{"negative drain", func(c *Config) { c.DrainTimeout = -time.Second }, "drain timeout"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(&cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
			assert.True(t, errors.IsInvalidRequestError(err))
		})
	}
}

func TestNewFillsDefaults(t *testing.T) {
	f := newFixture(t)
	c, err := New(f.store, nil, newGate(), Config{}, nil)
	require.NoError(t, err)

	cfg := c.Config()
	assert.Equal(t, DefaultConfig().HeartbeatInterval, cfg.HeartbeatInterval)
	assert.Equal(t, 10*time.Minute, cfg.DrainTimeout)
	assert.NotEmpty(t, cfg.WorkerID)
	assert.Equal(t, cfg.WorkerID, c.WorkerID())
	assert.Equal(t, cfg.WorkerID, c.Status().WorkerID)
}

func TestNewRejectsInvalidConfig(t *testing.T) {
	f := newFixture(t)
	_, err := New(f.store, nil, newGate(), Config{HeartbeatInterval: time.Minute}, nil)
	assert.ErrorContains(t, err, "invalid coordinator config")
}

func TestSetTimings(t *testing.T) {
	f := newFixture(t)
	c := newCoordinator(t, f.store, nil, newGate(), testConfig(queue.ConflictRuleModels))

	err := c.SetTimings(Timings{
		HeartbeatInterval:  2 * time.Second,
		StalenessThreshold: 10 * time.Second,
		PollInterval:       time.Second,
		ConflictRule:       queue.ConflictRuleAny,
	})
	require.NoError(t, err)
	assert.Equal(t, 10*time.Second, c.Config().StalenessThreshold)
	assert.Equal(t, queue.ConflictRuleAny, c.Config().ConflictRule)

	err = c.SetTimings(Timings{HeartbeatInterval: time.Minute, StalenessThreshold: time.Minute, PollInterval: time.Second})
	require.Error(t, err)
	assert.Equal(t, 10*time.Second, c.Config().StalenessThreshold, "rejected reload keeps the previous timings")
}

func TestNewWorkerIDUnique(t *testing.T) {
	assert.NotEqual(t, NewWorkerID(), NewWorkerID())
}

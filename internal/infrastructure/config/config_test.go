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

	assert.Equal(t, "development", cfg.Environment)
	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, "USD", cfg.Purchase.Currency)
	assert.Equal(t, 20*time.Minute, cfg.Purchase.RentalWindow)
	assert.Equal(t, 20, cfg.Health.WindowSize)
	assert.Equal(t, 0.5, cfg.Health.FailureRateThreshold)
	assert.Equal(t, 5*time.Minute, cfg.Health.Cooldown)
	assert.Equal(t, 3*time.Second, cfg.Orchestrator.TickInterval)
	assert.Equal(t, 60, cfg.Providers.DefaultRequestsPerMin)
	assert.Empty(t, cfg.Notifications.WebhookURL)
}

func TestLoadEnvironmentOverrides(t *testing.T) {
	t.Setenv("SMSA_ENVIRONMENT", "production")
	t.Setenv("SMSA_SERVER_PORT", "9090")
	t.Setenv("SMSA_PURCHASE_CURRENCY", "EUR")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "production", cfg.Environment)
	assert.Equal(t, 9090, cfg.Server.Port)
	assert.Equal(t, "EUR", cfg.Purchase.Currency)

	// Untouched keys keep their defaults.
	assert.Equal(t, 30*time.Second, cfg.Server.ReadTimeout)
}

package billing

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setRequiredEnv(t *testing.T) {
	t.Helper()
	t.Setenv("BILLING_SERVICE_KEY", "svc_key")
	t.Setenv("STRIPE_WEBHOOK_SECRET", "whsec_x")
}

func TestLoadConfigDefaults(t *testing.T) {
	setRequiredEnv(t)

	cfg, err := LoadConfig()
	require.NoError(t, err)
	assert.Equal(t, 8090, cfg.Port)
	assert.Equal(t, "0.0.0.0", cfg.BindAddress)
	assert.Equal(t, time.Hour, cfg.SweepInterval)
	assert.False(t, cfg.PublicMetrics, "metrics should be private by default")
}

func TestLoadConfigOverrides(t *testing.T) {
	setRequiredEnv(t)
	t.Setenv("BILLING_PORT", "9999")
	t.Setenv("BILLING_SWEEP_INTERVAL", "15m")
	t.Setenv("BILLING_PUBLIC_METRICS", "true")
	t.Setenv("BILLING_DATA_DIR", "/tmp/billing-test")

	cfg, err := LoadConfig()
	require.NoError(t, err)
	assert.Equal(t, 9999, cfg.Port)
	assert.Equal(t, 15*time.Minute, cfg.SweepInterval)
	assert.True(t, cfg.PublicMetrics)
	assert.Equal(t, "/tmp/billing-test", cfg.DataDir)
}

func TestLoadConfigMissingRequired(t *testing.T) {
	t.Setenv("BILLING_SERVICE_KEY", "")
	t.Setenv("STRIPE_WEBHOOK_SECRET", "")

	_, err := LoadConfig()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "BILLING_SERVICE_KEY")
	assert.Contains(t, err.Error(), "STRIPE_WEBHOOK_SECRET")
}

func TestLoadConfigValidation(t *testing.T) {
	setRequiredEnv(t)

	t.Setenv("BILLING_PORT", "70000")
	_, err := LoadConfig()
	assert.Error(t, err, "out-of-range port")

	t.Setenv("BILLING_PORT", "not-a-number")
	_, err = LoadConfig()
	assert.Error(t, err, "non-numeric port")
	t.Setenv("BILLING_PORT", "8090")

	t.Setenv("BILLING_SWEEP_INTERVAL", "5s")
	_, err = LoadConfig()
	assert.Error(t, err, "sub-minute sweep interval")
}

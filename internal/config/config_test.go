package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func defaults(t *testing.T) Config {
	t.Helper()
	t.Setenv("DOORPOST_SCORER_MOCK", "true")
	cfg, err := Load("")
	require.NoError(t, err)
	return cfg
}

func TestLoadDefaults(t *testing.T) {
	cfg := defaults(t)

	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, "serialized", cfg.Limits.Implementation)
	assert.Equal(t, 10, cfg.Limits.IPPerMinute)
	assert.Equal(t, 5, cfg.Limits.EmailPerMinute)
	assert.Equal(t, 15*time.Second, cfg.NavTimeout())
	assert.Equal(t, time.Hour, cfg.JobTTL())
	assert.Equal(t, 48*time.Hour, cfg.ReportCacheTTL())
	assert.Equal(t, 2, cfg.Webhook.MaxRetries)
	assert.Equal(t, 5, cfg.Webhook.TimeoutSeconds)
	assert.True(t, cfg.Safety.EnableDoH)
	assert.Equal(t, "memory", cfg.Storage.Provider)
	assert.Equal(t, "noop", cfg.DB.Provider)
	assert.Equal(t, "memory", cfg.Queue.Provider)
}

func TestEnvOverride(t *testing.T) {
	t.Setenv("DOORPOST_SCORER_MOCK", "true")
	t.Setenv("DOORPOST_SERVER_PORT", "9999")
	t.Setenv("DOORPOST_LIMITS_IMPLEMENTATION", "kv")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, 9999, cfg.Server.Port)
	assert.Equal(t, "kv", cfg.Limits.Implementation)
}

func TestValidateRejectsMissingScorerKeys(t *testing.T) {
	cfg := defaults(t)
	cfg.Scorer.Mock = false
	cfg.Scorer.APIKeys = nil
	assert.Error(t, cfg.Validate())
}

func TestValidateRejectsBadLimiterImplementation(t *testing.T) {
	cfg := defaults(t)
	cfg.Limits.Implementation = "redis"
	assert.Error(t, cfg.Validate())
}

func TestValidateRequiresAuthKeyWhenEnabled(t *testing.T) {
	cfg := defaults(t)
	cfg.Auth.Enabled = true
	cfg.Auth.APIKey = ""
	assert.Error(t, cfg.Validate())
}

func TestValidateRequiresBucketForGCS(t *testing.T) {
	cfg := defaults(t)
	cfg.Storage.Provider = "gcs"
	cfg.Storage.GCSBucket = ""
	assert.Error(t, cfg.Validate())
}

func TestValidateRequiresDSNForPostgres(t *testing.T) {
	cfg := defaults(t)
	cfg.DB.Provider = "postgres"
	assert.Error(t, cfg.Validate())
}

func TestValidateRequiresPubsubIdentifiers(t *testing.T) {
	cfg := defaults(t)
	cfg.Queue.Provider = "pubsub"
	assert.Error(t, cfg.Validate())
}

package config_test

import (
	"encoding/base64"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/parametricportal/trustplane/internal/config"
)

func validKey() string {
	return base64.StdEncoding.EncodeToString(make([]byte, 32))
}

func TestLoad_FailsWithoutEncryptionKey(t *testing.T) {
	t.Setenv("ENCRYPTION_KEY", "")
	_, err := config.Load()
	require.Error(t, err)
}

func TestLoad_FailsOnMalformedEncryptionKey(t *testing.T) {
	t.Setenv("ENCRYPTION_KEY", "not-base64!!")
	_, err := config.Load()
	require.Error(t, err)
}

func TestLoad_FailsOnWrongLengthEncryptionKey(t *testing.T) {
	t.Setenv("ENCRYPTION_KEY", base64.StdEncoding.EncodeToString(make([]byte, 16)))
	_, err := config.Load()
	require.Error(t, err)
}

func TestLoad_AppliesDevelopmentDefaults(t *testing.T) {
	t.Setenv("ENCRYPTION_KEY", validKey())

	cfg, err := config.Load()
	require.NoError(t, err)
	assert.Equal(t, "development", cfg.Env)
	assert.Equal(t, "memory", cfg.CacheBackend)
	assert.Equal(t, "memory", cfg.RateLimitBackend)
	assert.False(t, cfg.HTTPSBaseURL())
}

func TestLoad_CollectsConfiguredOAuthProvidersOnly(t *testing.T) {
	t.Setenv("ENCRYPTION_KEY", validKey())
	t.Setenv("OAUTH_GOOGLE_CLIENT_ID", "google-id")
	t.Setenv("OAUTH_GOOGLE_CLIENT_SECRET", "google-secret")
	t.Setenv("OAUTH_APPLE_CLIENT_ID", "apple-id")
	t.Setenv("OAUTH_APPLE_TEAM_ID", "team-1")
	t.Setenv("OAUTH_APPLE_KEY_ID", "key-1")

	cfg, err := config.Load()
	require.NoError(t, err)

	google, ok := cfg.OAuth["google"]
	require.True(t, ok)
	assert.Equal(t, "google-id", google.ClientID)
	assert.Equal(t, "google-secret", google.ClientSecret)

	apple, ok := cfg.OAuth["apple"]
	require.True(t, ok)
	assert.Equal(t, "team-1", apple.TeamID)
	assert.Equal(t, "key-1", apple.KeyID)

	_, ok = cfg.OAuth["microsoft"]
	assert.False(t, ok, "microsoft was never given a CLIENT_ID, should be absent")
	_, ok = cfg.OAuth["github"]
	assert.False(t, ok)
}

func TestLoad_CollectsWebhookVerifyPrefixedVars(t *testing.T) {
	t.Setenv("ENCRYPTION_KEY", validKey())
	t.Setenv("WEBHOOK_VERIFY_SLACK", "slack-secret")
	t.Setenv("WEBHOOK_VERIFY_STRIPE", "stripe-secret")

	cfg, err := config.Load()
	require.NoError(t, err)
	assert.Equal(t, "slack-secret", cfg.WebhookVerify["SLACK"])
	assert.Equal(t, "stripe-secret", cfg.WebhookVerify["STRIPE"])
}

func TestHTTPSBaseURL_ReflectsScheme(t *testing.T) {
	t.Setenv("ENCRYPTION_KEY", validKey())
	t.Setenv("API_BASE_URL", "https://auth.example.com")

	cfg, err := config.Load()
	require.NoError(t, err)
	assert.True(t, cfg.HTTPSBaseURL())
	assert.True(t, strings.HasPrefix(cfg.APIBaseURL, "https://"))
}

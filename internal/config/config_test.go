package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	t.Setenv("AUTH_BASE_URL", "https://auth.example.com/")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, BackendHosted, cfg.GetBackend())
	assert.Equal(t, "https://auth.example.com", cfg.GetBaseURL())
	assert.Equal(t, StoreMemory, cfg.GetTokenStore())
	assert.Equal(t, BroadcastNone, cfg.GetBroadcast())
	assert.Equal(t, "auth-compat", cfg.GetBroadcastChannel())
	assert.True(t, cfg.GetEnableTokenRefreshDetection())
	assert.Equal(t, 30*time.Second, cfg.GetTokenRefreshCheckInterval())
	assert.Equal(t, 90*time.Second, cfg.GetTokenRefreshThreshold())
	assert.Equal(t, 2, cfg.GetHTTPRetryMax())
	assert.Equal(t, "DEV", cfg.GetEnv())
	assert.Empty(t, cfg.GetAllowedOrigins())
}

func TestLoad_Overrides(t *testing.T) {
	t.Setenv("AUTH_BACKEND", "SelfHosted")
	t.Setenv("AUTH_BASE_URL", "http://localhost:3000")
	t.Setenv("AUTH_TOKEN_STORE", "bolt")
	t.Setenv("AUTH_TOKEN_STORE_PATH", "/tmp/auth.db")
	t.Setenv("AUTH_ENABLE_TOKEN_REFRESH_DETECTION", "false")
	t.Setenv("AUTH_TOKEN_REFRESH_CHECK_INTERVAL", "5s")
	t.Setenv("AUTH_BROADCAST", "redis")
	t.Setenv("REDIS_URL", "redis://localhost:6379/0")
	t.Setenv("RELAY_ALLOWED_ORIGINS", "app.example.com, *.example.org")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, BackendSelfHosted, cfg.GetBackend())
	assert.Equal(t, StoreBolt, cfg.GetTokenStore())
	assert.Equal(t, "/tmp/auth.db", cfg.GetTokenStorePath())
	assert.False(t, cfg.GetEnableTokenRefreshDetection())
	assert.Equal(t, 5*time.Second, cfg.GetTokenRefreshCheckInterval())
	assert.Equal(t, BroadcastRedis, cfg.GetBroadcast())
	assert.Equal(t, AllowedOrigins{"app.example.com", "*.example.org"}, cfg.GetAllowedOrigins())
}

func TestValidate(t *testing.T) {
	valid := func() *Values {
		return &Values{
			Backend:                   BackendHosted,
			BaseURL:                   "https://auth.example.com",
			TokenStore:                StoreMemory,
			Broadcast:                 BroadcastNone,
			TokenRefreshCheckInterval: time.Second,
			TokenRefreshThreshold:     time.Second,
		}
	}

	tests := []struct {
		name    string
		mutate  func(*Values)
		wantErr string
	}{
		{"valid", func(*Values) {}, ""},
		{"unknown backend", func(v *Values) { v.Backend = "firebase" }, "AUTH_BACKEND"},
		{"missing base url", func(v *Values) { v.BaseURL = "" }, "AUTH_BASE_URL is required"},
		{"relative base url", func(v *Values) { v.BaseURL = "/auth" }, "absolute URL"},
		{"unknown store", func(v *Values) { v.TokenStore = "sqlite" }, "AUTH_TOKEN_STORE"},
		{"bolt without path", func(v *Values) { v.TokenStore = StoreBolt }, "AUTH_TOKEN_STORE_PATH"},
		{"unknown broadcast", func(v *Values) { v.Broadcast = "kafka" }, "AUTH_BROADCAST"},
		{"redis without url", func(v *Values) { v.Broadcast = BroadcastRedis }, "REDIS_URL"},
		{"websocket without relay", func(v *Values) { v.Broadcast = BroadcastWebSocket }, "AUTH_RELAY_URL"},
		{"zero interval", func(v *Values) { v.TokenRefreshCheckInterval = 0 }, "INTERVAL"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v := valid()
			tt.mutate(v)
			err := v.Validate()
			if tt.wantErr == "" {
				require.NoError(t, err)
				return
			}
			require.ErrorContains(t, err, tt.wantErr)
		})
	}
}

func TestLoadRelay_IgnoresBackendSettings(t *testing.T) {
	t.Setenv("AUTH_BACKEND", "")
	t.Setenv("AUTH_BASE_URL", "")
	t.Setenv("RELAY_ADDR", ":9100")
	t.Setenv("RELAY_ALLOWED_ORIGINS", "app.example.com")

	cfg, err := LoadRelay()
	require.NoError(t, err)
	assert.Equal(t, ":9100", cfg.GetRelayAddr())
	assert.Equal(t, AllowedOrigins{"app.example.com"}, cfg.GetAllowedOrigins())

	_, err = Load()
	assert.Error(t, err)
}

package config

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

// Backend kinds.
const (
	BackendHosted     = "hosted"
	BackendSelfHosted = "selfhosted"
)

// Token store kinds.
const (
	StoreMemory = "memory"
	StoreBolt   = "bolt"
)

// Broadcast transport kinds.
const (
	BroadcastNone      = "none"
	BroadcastMemory    = "memory"
	BroadcastRedis     = "redis"
	BroadcastWebSocket = "websocket"
)

type Config interface {
	BackendConfig
	StateConfig
	BroadcastConfig
	StoreConfig
	HTTPConfig
	EnvConfig
	CorsConfig
}

type BackendConfig interface {
	GetBackend() string
	GetBaseURL() string
	GetProjectID() string
	GetClientID() string
	GetClientSecret() string
	GetOIDCIssuer() string
	GetRedirectURL() string
}

type StateConfig interface {
	GetEnableTokenRefreshDetection() bool
	GetTokenRefreshCheckInterval() time.Duration
	GetTokenRefreshThreshold() time.Duration
}

type BroadcastConfig interface {
	GetBroadcast() string
	GetBroadcastChannel() string
	GetRedisURL() string
	GetRedisPassword() string
	GetRelayURL() string
}

type StoreConfig interface {
	GetTokenStore() string
	GetTokenStorePath() string
}

type HTTPConfig interface {
	GetHTTPRetryMax() int
	GetHTTPTimeout() time.Duration
}

type EnvConfig interface {
	GetAppName() string
	GetEnv() string
	GetLogLevel() string
	GetRelayAddr() string
}

// Values is the environment backed configuration.
type Values struct {
	Backend      string `env:"AUTH_BACKEND" envDefault:"hosted"`
	BaseURL      string `env:"AUTH_BASE_URL"`
	ProjectID    string `env:"AUTH_PROJECT_ID"`
	ClientID     string `env:"AUTH_CLIENT_ID"`
	ClientSecret string `env:"AUTH_CLIENT_SECRET"`
	OIDCIssuer   string `env:"AUTH_OIDC_ISSUER"`
	RedirectURL  string `env:"AUTH_REDIRECT_URL"`

	TokenStore     string `env:"AUTH_TOKEN_STORE" envDefault:"memory"`
	TokenStorePath string `env:"AUTH_TOKEN_STORE_PATH" envDefault:"./data/auth.db"`

	EnableTokenRefreshDetection bool          `env:"AUTH_ENABLE_TOKEN_REFRESH_DETECTION" envDefault:"true"`
	TokenRefreshCheckInterval   time.Duration `env:"AUTH_TOKEN_REFRESH_CHECK_INTERVAL" envDefault:"30s"`
	TokenRefreshThreshold       time.Duration `env:"AUTH_TOKEN_REFRESH_THRESHOLD" envDefault:"90s"`

	Broadcast        string `env:"AUTH_BROADCAST" envDefault:"none"`
	BroadcastChannel string `env:"AUTH_BROADCAST_CHANNEL" envDefault:"auth-compat"`
	RedisURL         string `env:"REDIS_URL"`
	RedisPassword    string `env:"REDIS_PASSWORD"`
	RelayURL         string `env:"AUTH_RELAY_URL"`

	HTTPRetryMax int           `env:"AUTH_HTTP_RETRY_MAX" envDefault:"2"`
	HTTPTimeout  time.Duration `env:"AUTH_HTTP_TIMEOUT" envDefault:"15s"`

	RelayAddr      string   `env:"RELAY_ADDR" envDefault:":8089"`
	AllowedOrigins []string `env:"RELAY_ALLOWED_ORIGINS" envSeparator:","`
	LogLevel       string   `env:"LOG_LEVEL" envDefault:"info"`
	Env            string   `env:"ENV" envDefault:"DEV"`
	AppName        string   `env:"APP_NAME" envDefault:"Auth Compat"`
}

var _ Config = (*Values)(nil)

// Load reads a .env file when present, then the environment, and validates the result.
func Load() (*Values, error) {
	_ = godotenv.Load()

	cfg := &Values{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}
	return cfg, nil
}

// LoadRelay reads the settings the broadcast relay needs. Auth backend settings are not validated.
func LoadRelay() (*Values, error) {
	_ = godotenv.Load()

	cfg := &Values{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}
	if cfg.RelayAddr == "" {
		return nil, fmt.Errorf("RELAY_ADDR is required")
	}
	return cfg, nil
}

// Validate rejects unknown enum values and settings the chosen modes cannot run without.
func (c *Values) Validate() error {
	c.Backend = strings.ToLower(strings.TrimSpace(c.Backend))
	c.TokenStore = strings.ToLower(strings.TrimSpace(c.TokenStore))
	c.Broadcast = strings.ToLower(strings.TrimSpace(c.Broadcast))

	switch c.Backend {
	case BackendHosted, BackendSelfHosted:
	default:
		return fmt.Errorf("AUTH_BACKEND must be %q or %q, got %q", BackendHosted, BackendSelfHosted, c.Backend)
	}
	if c.BaseURL == "" {
		return fmt.Errorf("AUTH_BASE_URL is required")
	}
	if u, err := url.Parse(c.BaseURL); err != nil || u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("AUTH_BASE_URL must be an absolute URL, got %q", c.BaseURL)
	}

	switch c.TokenStore {
	case StoreMemory:
	case StoreBolt:
		if c.TokenStorePath == "" {
			return fmt.Errorf("AUTH_TOKEN_STORE_PATH is required for the bolt token store")
		}
	default:
		return fmt.Errorf("AUTH_TOKEN_STORE must be %q or %q, got %q", StoreMemory, StoreBolt, c.TokenStore)
	}

	switch c.Broadcast {
	case BroadcastNone, BroadcastMemory:
	case BroadcastRedis:
		if c.RedisURL == "" {
			return fmt.Errorf("REDIS_URL is required for redis broadcast")
		}
	case BroadcastWebSocket:
		if c.RelayURL == "" {
			return fmt.Errorf("AUTH_RELAY_URL is required for websocket broadcast")
		}
	default:
		return fmt.Errorf("AUTH_BROADCAST must be one of none, memory, redis, websocket, got %q", c.Broadcast)
	}

	if c.TokenRefreshCheckInterval <= 0 {
		return fmt.Errorf("AUTH_TOKEN_REFRESH_CHECK_INTERVAL must be positive")
	}
	if c.TokenRefreshThreshold <= 0 {
		return fmt.Errorf("AUTH_TOKEN_REFRESH_THRESHOLD must be positive")
	}
	return nil
}

func (c *Values) GetBackend() string      { return c.Backend }
func (c *Values) GetBaseURL() string      { return strings.TrimRight(c.BaseURL, "/") }
func (c *Values) GetProjectID() string    { return c.ProjectID }
func (c *Values) GetClientID() string     { return c.ClientID }
func (c *Values) GetClientSecret() string { return c.ClientSecret }
func (c *Values) GetOIDCIssuer() string   { return c.OIDCIssuer }
func (c *Values) GetRedirectURL() string  { return c.RedirectURL }

func (c *Values) GetEnableTokenRefreshDetection() bool {
	return c.EnableTokenRefreshDetection
}

func (c *Values) GetTokenRefreshCheckInterval() time.Duration {
	return c.TokenRefreshCheckInterval
}

func (c *Values) GetTokenRefreshThreshold() time.Duration {
	return c.TokenRefreshThreshold
}

func (c *Values) GetBroadcast() string        { return c.Broadcast }
func (c *Values) GetBroadcastChannel() string { return c.BroadcastChannel }
func (c *Values) GetRedisURL() string         { return c.RedisURL }
func (c *Values) GetRedisPassword() string    { return c.RedisPassword }
func (c *Values) GetRelayURL() string         { return c.RelayURL }

func (c *Values) GetTokenStore() string     { return c.TokenStore }
func (c *Values) GetTokenStorePath() string { return c.TokenStorePath }

func (c *Values) GetHTTPRetryMax() int          { return c.HTTPRetryMax }
func (c *Values) GetHTTPTimeout() time.Duration { return c.HTTPTimeout }

func (c *Values) GetAppName() string   { return c.AppName }
func (c *Values) GetLogLevel() string  { return c.LogLevel }
func (c *Values) GetRelayAddr() string { return c.RelayAddr }

func (c *Values) GetEnv() string {
	if c.Env == "" {
		return "DEV"
	}
	return c.Env
}

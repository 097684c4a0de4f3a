// Package client builds a configured auth.Client: it picks the backend adapter, the token store,
// the cross instance broadcast transport and the HTTP client from a config.Config.
package client

import (
	"context"
	"net/http"
	"sync"

	"github.com/jrsteele09/go-auth-compat/auth"
	"github.com/jrsteele09/go-auth-compat/broadcast"
	"github.com/jrsteele09/go-auth-compat/hosted"
	"github.com/jrsteele09/go-auth-compat/internal/config"
	"github.com/jrsteele09/go-auth-compat/internal/httpclient"
	"github.com/jrsteele09/go-auth-compat/internal/metrics"
	"github.com/jrsteele09/go-auth-compat/selfhosted"
	"github.com/jrsteele09/go-auth-compat/tokenstore"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// processHub connects every client of this process configured for memory broadcast.
var processHub = broadcast.NewMemoryHub()

// hubStores holds one memory token store per memory hub, so clients synced through a hub also see
// the same session token.
var hubStores sync.Map // *broadcast.MemoryHub -> *tokenstore.Memory

// Client is an auth.Client that also owns the resources it was built with.
type Client struct {
	auth.Client
	State *auth.StateManager

	closeOnce sync.Once
	closers   []func() error
}

// Close closes the adapter, then the transport resources.
func (c *Client) Close() error {
	var err error
	c.closeOnce.Do(func() {
		err = c.Client.Close()
		for _, closeFn := range c.closers {
			if cerr := closeFn(); cerr != nil && err == nil {
				err = auth.Failure(cerr)
			}
		}
	})
	return err
}

type options struct {
	logger     zerolog.Logger
	registerer prometheus.Registerer
	hub        *broadcast.MemoryHub
	transport  http.RoundTripper
	store      tokenstore.Store
	skipInit   bool
}

// Option defines a function type to modify how New builds the client.
type Option func(*options)

func WithLogger(logger zerolog.Logger) Option {
	return func(o *options) {
		o.logger = logger
	}
}

// WithRegisterer registers the client's metrics on reg.
func WithRegisterer(reg prometheus.Registerer) Option {
	return func(o *options) {
		o.registerer = reg
	}
}

// WithMemoryHub replaces the process wide hub used by memory broadcast.
func WithMemoryHub(hub *broadcast.MemoryHub) Option {
	return func(o *options) {
		o.hub = hub
	}
}

// WithHTTPTransport sets the round tripper under the retrying HTTP client.
func WithHTTPTransport(transport http.RoundTripper) Option {
	return func(o *options) {
		o.transport = transport
	}
}

// WithTokenStore overrides the configured token store.
func WithTokenStore(store tokenstore.Store) Option {
	return func(o *options) {
		o.store = store
	}
}

// WithoutInitialize skips restoring the persisted session in New.
func WithoutInitialize() Option {
	return func(o *options) {
		o.skipInit = true
	}
}

// FromEnv loads the configuration from the environment and builds a client from it.
func FromEnv(ctx context.Context, opts ...Option) (*Client, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, errors.Wrap(err, "[FromEnv] load config")
	}
	return New(ctx, cfg, opts...)
}

// New builds and initializes the client described by cfg.
func New(ctx context.Context, cfg config.Config, opts ...Option) (*Client, error) {
	o := options{
		logger: log.Logger.With().Str("component", "auth-client").Logger(),
		hub:    processHub,
	}
	for _, opt := range opts {
		opt(&o)
	}

	c := &Client{}
	fail := func(err error) (*Client, error) {
		for _, closeFn := range c.closers {
			_ = closeFn()
		}
		return nil, err
	}

	httpClient := httpclient.New(httpclient.Options{
		RetryMax:  cfg.GetHTTPRetryMax(),
		Timeout:   cfg.GetHTTPTimeout(),
		Transport: o.transport,
		Logger:    o.logger.With().Str("component", "http").Logger(),
	})

	store := o.store
	if store == nil {
		var err error
		if store, err = openStore(cfg, o.hub); err != nil {
			return fail(err)
		}
	}

	transport, closeTransport, err := openTransport(cfg, o.hub)
	if err != nil {
		_ = store.Close()
		return fail(err)
	}
	if closeTransport != nil {
		c.closers = append(c.closers, closeTransport)
	}

	stateOptions := []auth.StateOption{
		auth.WithMetrics(metrics.New(o.registerer, cfg.GetBackend())),
		auth.WithBroadcast(transport, cfg.GetBroadcastChannel()),
		auth.WithTokenRefreshDetection(cfg.GetEnableTokenRefreshDetection(), cfg.GetTokenRefreshCheckInterval(), cfg.GetTokenRefreshThreshold()),
	}

	switch cfg.GetBackend() {
	case config.BackendHosted:
		a := hosted.New(cfg.GetBaseURL(),
			hosted.WithProjectID(cfg.GetProjectID()),
			hosted.WithOAuthClient(cfg.GetClientID(), cfg.GetClientSecret(), cfg.GetRedirectURL()),
			hosted.WithIssuer(cfg.GetOIDCIssuer()),
			hosted.WithHTTPClient(httpClient),
			hosted.WithTokenStore(store),
			hosted.WithLogger(o.logger.With().Str("backend", config.BackendHosted).Logger()),
			hosted.WithStateOptions(stateOptions...))
		c.Client, c.State = a, a.State()
	case config.BackendSelfHosted:
		a := selfhosted.New(cfg.GetBaseURL(),
			selfhosted.WithCallbackURL(cfg.GetRedirectURL()),
			selfhosted.WithHTTPClient(httpClient),
			selfhosted.WithTokenStore(store),
			selfhosted.WithLogger(o.logger.With().Str("backend", config.BackendSelfHosted).Logger()),
			selfhosted.WithStateOptions(stateOptions...))
		c.Client, c.State = a, a.State()
	default:
		_ = store.Close()
		return fail(errors.Errorf("[New] unknown backend %q", cfg.GetBackend()))
	}

	if !o.skipInit {
		if err := c.Initialize(ctx); err != nil {
			_ = c.Close()
			return nil, err
		}
	}
	o.logger.Info().
		Str("backend", cfg.GetBackend()).
		Str("broadcast", cfg.GetBroadcast()).
		Str("token_store", cfg.GetTokenStore()).
		Msg("auth client ready")
	return c, nil
}

// openStore returns the configured token store. Memory stores of clients sharing a memory hub
// are shared as well.
func openStore(cfg config.Config, hub *broadcast.MemoryHub) (tokenstore.Store, error) {
	switch {
	case cfg.GetTokenStore() == config.StoreBolt:
		store, err := tokenstore.OpenBolt(cfg.GetTokenStorePath())
		if err != nil {
			return nil, errors.Wrap(err, "[openStore] bolt")
		}
		return store, nil
	case cfg.GetBroadcast() == config.BroadcastMemory && hub != nil:
		store, _ := hubStores.LoadOrStore(hub, tokenstore.NewMemory())
		return store.(*tokenstore.Memory), nil
	default:
		return tokenstore.NewMemory(), nil
	}
}

// openTransport returns the broadcast transport and, when it holds a connection, its close func.
func openTransport(cfg config.BroadcastConfig, hub *broadcast.MemoryHub) (broadcast.Transport, func() error, error) {
	switch cfg.GetBroadcast() {
	case config.BroadcastMemory:
		return hub, nil, nil
	case config.BroadcastRedis:
		redisOpts, err := redis.ParseURL(cfg.GetRedisURL())
		if err != nil {
			return nil, nil, errors.Wrap(err, "[openTransport] parse redis url")
		}
		if cfg.GetRedisPassword() != "" {
			redisOpts.Password = cfg.GetRedisPassword()
		}
		rdb := redis.NewClient(redisOpts)
		return broadcast.NewRedisTransport(rdb, "authcompat:"), rdb.Close, nil
	case config.BroadcastWebSocket:
		return broadcast.NewWebSocketTransport(cfg.GetRelayURL()), nil, nil
	default:
		return broadcast.Unavailable{}, nil, nil
	}
}

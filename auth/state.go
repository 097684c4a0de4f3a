package auth

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jrsteele09/go-auth-compat/broadcast"
	"github.com/jrsteele09/go-auth-compat/events"
	"github.com/jrsteele09/go-auth-compat/inflight"
	"github.com/jrsteele09/go-auth-compat/internal/metrics"
	"github.com/jrsteele09/go-auth-compat/sessions"
	"github.com/jrsteele09/go-auth-compat/watchdog"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// GetSessionKey is the coordinator key shared by every session fetch.
const GetSessionKey = "getSession"

// SessionFetcher reads the current session from the backend. It returns nil, nil when no user is
// signed in.
type SessionFetcher func(ctx context.Context) (*sessions.Session, error)

// StateManager owns the session cache, the in-flight coordinator, the subscriber registry, the
// broadcast bridge and the refresh watchdog of one adapter instance.
type StateManager struct {
	fetch    SessionFetcher
	cache    *sessions.Cache
	group    *inflight.Group[*sessions.Session]
	registry *events.Registry
	bridge   *broadcast.Bridge
	watchdog *watchdog.Watchdog
	metrics  *metrics.Metrics
	logger   zerolog.Logger
	nowFunc  func() time.Time

	transport        broadcast.Transport
	channelName      string
	refreshDetection bool
	checkInterval    time.Duration
	refreshThreshold time.Duration

	signingOut atomic.Int32

	lifecycleMu sync.Mutex
	running     bool
	closed      bool
	pending     sync.WaitGroup
}

// StateOption defines a function type to modify the StateManager instance.
type StateOption func(*StateManager)

func WithLogger(logger zerolog.Logger) StateOption {
	return func(m *StateManager) {
		m.logger = logger
	}
}

func WithMetrics(mt *metrics.Metrics) StateOption {
	return func(m *StateManager) {
		if mt != nil {
			m.metrics = mt
		}
	}
}

func WithNowFunc(nowFunc func() time.Time) StateOption {
	return func(m *StateManager) {
		m.nowFunc = nowFunc
	}
}

// WithBroadcast sets the cross instance transport and channel name. A nil transport disables it.
func WithBroadcast(transport broadcast.Transport, channelName string) StateOption {
	return func(m *StateManager) {
		m.transport = transport
		m.channelName = channelName
	}
}

// WithTokenRefreshDetection configures the watchdog. Zero durations keep the defaults.
func WithTokenRefreshDetection(enabled bool, interval, threshold time.Duration) StateOption {
	return func(m *StateManager) {
		m.refreshDetection = enabled
		m.checkInterval = interval
		m.refreshThreshold = threshold
	}
}

// NewStateManager wires the state components around fetch.
func NewStateManager(fetch SessionFetcher, options ...StateOption) *StateManager {
	m := &StateManager{
		fetch:            fetch,
		group:            inflight.NewGroup[*sessions.Session](),
		logger:           log.Logger.With().Str("component", "auth-state").Logger(),
		nowFunc:          time.Now,
		refreshDetection: true,
	}
	for _, opt := range options {
		opt(m)
	}
	if m.metrics == nil {
		m.metrics = metrics.New(nil, "unknown")
	}

	m.cache = sessions.NewCache(sessions.WithNowFunc(m.nowFunc))
	m.registry = events.NewRegistry(events.WithLogger(m.logger))
	m.bridge = broadcast.NewBridge(m.transport, m.channelName, m.HandleBroadcast,
		broadcast.WithLogger(m.logger),
		broadcast.WithNowFunc(m.nowFunc),
		broadcast.WithErrorHook(func(error) { m.metrics.BroadcastErrors.Inc() }))
	if m.refreshDetection {
		m.watchdog = watchdog.New(m.GetSession, m.emitFromWatchdog,
			watchdog.WithInterval(m.checkInterval),
			watchdog.WithThreshold(m.refreshThreshold),
			watchdog.WithNowFunc(m.nowFunc),
			watchdog.WithLogger(m.logger),
			watchdog.WithTickHook(m.metrics.WatchdogTicks.Inc))
	}
	return m
}

// Cache exposes the session cache.
func (m *StateManager) Cache() *sessions.Cache {
	return m.cache
}

// Now returns the manager's clock reading.
func (m *StateManager) Now() time.Time {
	return m.nowFunc()
}

// GetSession returns the cached session, or fetches it through the coordinator on a miss. A fetch
// that raced a Clear is discarded and reported as no session.
func (m *StateManager) GetSession(ctx context.Context) (*sessions.Session, error) {
	if m.signingOut.Load() > 0 {
		return nil, nil
	}
	if s := m.cache.Get(); s != nil {
		// The slot may have been cleared between the read and here.
		if m.cache.IsInvalidated() {
			return nil, nil
		}
		m.metrics.CacheHits.Inc()
		return s, nil
	}
	m.metrics.CacheMisses.Inc()

	// The shared fetch outlives any single caller's cancellation.
	fetchCtx := context.WithoutCancel(ctx)
	s, shared, err := m.group.Do(ctx, GetSessionKey, func() (*sessions.Session, error) {
		epoch := m.cache.Epoch()
		m.metrics.BackendFetches.Inc()
		s, err := m.fetch(fetchCtx)
		if err != nil {
			return nil, errors.Wrap(err, "[StateManager.GetSession] fetch")
		}
		if !s.Valid() {
			return nil, nil
		}
		if !m.cache.SetIfEpoch(epoch, s, s.TTL(m.nowFunc())) {
			m.metrics.StaleDiscards.Inc()
			return nil, nil
		}
		return s, nil
	})
	if shared {
		m.metrics.SharedFetches.Inc()
	}
	if err != nil {
		return nil, err
	}
	if s == nil || m.cache.IsInvalidated() || m.signingOut.Load() > 0 {
		return nil, nil
	}
	return s, nil
}

// Reload discards the cached session and any fetch in flight, then fetches a fresh one.
func (m *StateManager) Reload(ctx context.Context) (*sessions.Session, error) {
	m.Invalidate()
	return m.GetSession(ctx)
}

// Invalidate clears the cache and detaches from any fetch in flight so it cannot repopulate it.
func (m *StateManager) Invalidate() {
	m.cache.Clear()
	m.group.Forget(GetSessionKey)
}

// BeginSignOut invalidates the session and keeps GetSession reporting no session until the
// returned function is called, which clears once more.
func (m *StateManager) BeginSignOut() (done func()) {
	m.signingOut.Add(1)
	m.Invalidate()
	var once sync.Once
	return func() {
		once.Do(func() {
			m.Invalidate()
			m.signingOut.Add(-1)
		})
	}
}

// Establish re-reads the session through the coordinator after a backend call changed it and
// commits it under event. fallback is committed when the re-read fails or comes back empty.
func (m *StateManager) Establish(ctx context.Context, event events.Event, fallback *sessions.Session) *sessions.Session {
	s, err := m.Reload(ctx)
	if err != nil {
		m.logger.Warn().Err(err).Str("event", string(event)).Msg("re-reading session failed, using the call's own session")
	}
	if !s.Valid() {
		s = fallback
	}
	m.Commit(ctx, event, s)
	if !s.Valid() {
		return nil
	}
	return s
}

// Commit records the outcome of a session changing call and notifies local subscribers and other
// instances. A SIGNED_OUT event or a nil session clears the cache.
func (m *StateManager) Commit(ctx context.Context, event events.Event, s *sessions.Session) {
	if event == events.SignedOut || !s.Valid() {
		m.Invalidate()
		s = nil
	} else {
		m.cache.Set(s, s.TTL(m.nowFunc()))
	}
	m.Notify(ctx, event, s, true)
}

// Notify posts the event to other instances when broadcast is set, then delivers it to every local
// subscriber and waits for them.
func (m *StateManager) Notify(ctx context.Context, event events.Event, s *sessions.Session, broadcast bool) {
	m.notify(ctx, event, s, broadcast, metrics.SourceLocal)
}

func (m *StateManager) notify(ctx context.Context, event events.Event, s *sessions.Session, post bool, source string) {
	if post {
		m.bridge.Post(ctx, event, s)
	}
	m.metrics.Events.WithLabelValues(string(event), source).Inc()
	m.registry.Notify(ctx, event, s)
}

// HandleBroadcast applies an event received from another instance. It never re-posts.
func (m *StateManager) HandleBroadcast(ctx context.Context, msg broadcast.Message) {
	if msg.Session.Valid() {
		m.cache.Set(msg.Session, msg.Session.TTL(m.nowFunc()))
	} else {
		m.Invalidate()
	}
	m.logger.Debug().Str("event", string(msg.Event)).Str("origin", msg.Origin).Msg("applied broadcast")
	m.notify(ctx, msg.Event, msg.Session, false, metrics.SourceBroadcast)
}

// emitFromWatchdog reports a watchdog finding locally and to other instances. An expired session
// leaves the cache like any other sign-out, so every instance drops it at the same time.
func (m *StateManager) emitFromWatchdog(ctx context.Context, event events.Event, s *sessions.Session) {
	if event == events.SignedOut {
		m.Invalidate()
		s = nil
	}
	m.notify(ctx, event, s, true, metrics.SourceWatchdog)
}

// OnAuthStateChange subscribes cb. The first subscriber starts the broadcast bridge and the
// watchdog; the last unsubscribe stops them. cb receives INITIAL_SESSION asynchronously.
func (m *StateManager) OnAuthStateChange(cb events.Callback) *events.Subscription {
	sub, _ := m.registry.Add(cb, func(bool) {
		m.metrics.Subscribers.Set(float64(m.registry.Len()))
		m.syncBackground()
	})
	m.metrics.Subscribers.Set(float64(m.registry.Len()))
	m.syncBackground()

	m.pending.Add(1)
	go func() {
		defer m.pending.Done()
		ctx := context.Background()
		s, err := m.GetSession(ctx)
		if err != nil {
			m.logger.Warn().Err(err).Msg("initial session unavailable")
			s = nil
		}
		if !m.registry.Has(sub.ID) {
			return
		}
		_ = m.registry.NotifyOne(ctx, sub, events.InitialSession, s)
	}()
	return sub
}

// Subscribers returns the number of active subscriptions.
func (m *StateManager) Subscribers() int {
	return m.registry.Len()
}

// BroadcastActive reports whether the bridge channel is open.
func (m *StateManager) BroadcastActive() bool {
	return m.bridge.Active()
}

// WatchdogRunning reports whether the refresh watchdog is ticking.
func (m *StateManager) WatchdogRunning() bool {
	return m.watchdog != nil && m.watchdog.Running()
}

// CheckNow runs one watchdog check immediately. It returns "" when detection is disabled.
func (m *StateManager) CheckNow(ctx context.Context) events.Event {
	if m.watchdog == nil {
		return ""
	}
	return m.watchdog.Check(ctx)
}

// syncBackground starts or stops the bridge and watchdog to match the subscriber count.
func (m *StateManager) syncBackground() {
	m.lifecycleMu.Lock()
	defer m.lifecycleMu.Unlock()
	want := m.registry.Len() > 0 && !m.closed
	switch {
	case want && !m.running:
		m.bridge.Start(context.Background())
		if m.watchdog != nil {
			m.watchdog.Start()
		}
		m.running = true
	case !want && m.running:
		if m.watchdog != nil {
			m.watchdog.Stop()
		}
		m.bridge.Stop()
		m.running = false
	}
}

// Close stops background work and waits for pending INITIAL_SESSION deliveries.
func (m *StateManager) Close() {
	m.lifecycleMu.Lock()
	m.closed = true
	m.lifecycleMu.Unlock()
	m.syncBackground()
	m.pending.Wait()
}

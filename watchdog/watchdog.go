// Package watchdog infers out-of-band token refreshes and expiries by polling the current session.
//
// The backend refreshes tokens on its own. A session that is still fetchable while close to its
// old expiry is taken to have been refreshed silently, and a session past its expiry is taken to
// have been signed out.
package watchdog

import (
	"context"
	"sync"
	"time"

	"github.com/jrsteele09/go-auth-compat/events"
	"github.com/jrsteele09/go-auth-compat/sessions"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const (
	DefaultInterval  = 30 * time.Second
	DefaultThreshold = 90 * time.Second
)

// SessionSource returns the current session through the normal cached path.
type SessionSource func(ctx context.Context) (*sessions.Session, error)

// Emitter delivers a synthetic auth event.
type Emitter func(ctx context.Context, event events.Event, session *sessions.Session)

// Watchdog periodically inspects the session expiry while it is running.
type Watchdog struct {
	interval  time.Duration
	threshold time.Duration
	source    SessionSource
	emit      Emitter
	nowFunc   func() time.Time
	logger    zerolog.Logger
	onTick    func()

	mu     sync.Mutex
	cancel context.CancelFunc

	lastMu    sync.Mutex
	lastEvent events.Event
	lastToken string
}

// Option defines a function type to modify the Watchdog instance.
type Option func(*Watchdog)

// WithInterval sets the tick interval. Non-positive values keep the default.
func WithInterval(d time.Duration) Option {
	return func(w *Watchdog) {
		if d > 0 {
			w.interval = d
		}
	}
}

// WithThreshold sets how close to expiry a session must be to count as refreshed.
func WithThreshold(d time.Duration) Option {
	return func(w *Watchdog) {
		if d > 0 {
			w.threshold = d
		}
	}
}

func WithNowFunc(nowFunc func() time.Time) Option {
	return func(w *Watchdog) {
		w.nowFunc = nowFunc
	}
}

func WithLogger(logger zerolog.Logger) Option {
	return func(w *Watchdog) {
		w.logger = logger
	}
}

// WithTickHook registers a function run at the start of every check.
func WithTickHook(hook func()) Option {
	return func(w *Watchdog) {
		w.onTick = hook
	}
}

// New creates a stopped watchdog.
func New(source SessionSource, emit Emitter, options ...Option) *Watchdog {
	w := &Watchdog{
		interval:  DefaultInterval,
		threshold: DefaultThreshold,
		source:    source,
		emit:      emit,
		nowFunc:   time.Now,
		logger:    log.Logger.With().Str("component", "watchdog").Logger(),
	}
	for _, opt := range options {
		opt(w)
	}
	return w
}

// Interval returns the configured tick interval.
func (w *Watchdog) Interval() time.Duration {
	return w.interval
}

// Running reports whether the ticker is active.
func (w *Watchdog) Running() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.cancel != nil
}

// Start begins ticking. Calling Start on a running watchdog does nothing.
func (w *Watchdog) Start() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.cancel != nil {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	w.cancel = cancel
	go w.run(ctx)
	w.logger.Debug().Dur("interval", w.interval).Dur("threshold", w.threshold).Msg("watchdog started")
}

// Stop halts the ticker and forgets the last emission. It does not wait for an in-progress check,
// so an emitter may call it.
func (w *Watchdog) Stop() {
	w.mu.Lock()
	cancel := w.cancel
	w.cancel = nil
	w.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	w.remember("", "")
	w.logger.Debug().Msg("watchdog stopped")
}

func (w *Watchdog) run(ctx context.Context) {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.Check(ctx)
		}
	}
}

// Check performs one inspection and returns the event it emitted, or "" if none.
// A failing session fetch is logged and produces no event.
func (w *Watchdog) Check(ctx context.Context) events.Event {
	if w.onTick != nil {
		w.onTick()
	}
	session, err := w.source(ctx)
	if err != nil {
		w.logger.Warn().Err(errors.Wrap(err, "[Watchdog.Check] get session")).Msg("watchdog check failed")
		return ""
	}
	if session == nil {
		w.remember("", "")
		return ""
	}

	secondsToExpiry := session.SecondsToExpiry(w.nowFunc())
	var (
		event   events.Event
		payload *sessions.Session
	)
	switch {
	case secondsToExpiry <= 0:
		event = events.SignedOut
	case secondsToExpiry <= int64(w.threshold/time.Second):
		event, payload = events.TokenRefreshed, session
	default:
		w.remember("", "")
		return ""
	}

	// A session that has not actually been replaced would otherwise produce the same event on
	// every tick until it expires.
	if !w.remember(event, session.AccessToken) {
		return ""
	}
	w.logger.Debug().Str("event", string(event)).Int64("seconds_to_expiry", secondsToExpiry).Msg("watchdog emitting")
	w.emit(ctx, event, payload)
	return event
}

// remember records the emission and reports whether it differs from the previous one.
func (w *Watchdog) remember(event events.Event, token string) bool {
	w.lastMu.Lock()
	defer w.lastMu.Unlock()
	if event != "" && event == w.lastEvent && token == w.lastToken {
		return false
	}
	w.lastEvent, w.lastToken = event, token
	return true
}

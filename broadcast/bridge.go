package broadcast

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jrsteele09/go-auth-compat/events"
	ierrors "github.com/jrsteele09/go-auth-compat/internal/errors"
	"github.com/jrsteele09/go-auth-compat/sessions"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// DefaultChannelName is the channel shared by every instance unless configured otherwise.
const DefaultChannelName = "auth-compat"

// DefaultOpenTimeout bounds how long Start waits for the transport to attach.
const DefaultOpenTimeout = 5 * time.Second

const receiveRetryDelay = 100 * time.Millisecond

// Handler receives messages posted by other bridges on the same channel.
type Handler func(ctx context.Context, msg Message)

// Bridge relays auth events between instances attached to the same named channel.
// Cross-instance sync is best effort: open, post and decode failures are logged and dropped.
type Bridge struct {
	transport Transport
	name      string
	origin    string
	handler   Handler
	logger    zerolog.Logger
	nowFunc   func() time.Time
	onError   func(error)

	openTimeout time.Duration

	mu         sync.Mutex
	channel    Channel
	cancel     context.CancelFunc
	opening    chan struct{}
	openCancel context.CancelFunc
}

// BridgeOption defines a function type to modify the Bridge instance.
type BridgeOption func(*Bridge)

// WithLogger sets the bridge logger.
func WithLogger(logger zerolog.Logger) BridgeOption {
	return func(b *Bridge) {
		b.logger = logger
	}
}

// WithNowFunc sets the clock used to stamp outgoing messages.
func WithNowFunc(nowFunc func() time.Time) BridgeOption {
	return func(b *Bridge) {
		b.nowFunc = nowFunc
	}
}

// WithErrorHook registers a function called for every swallowed failure.
func WithErrorHook(hook func(error)) BridgeOption {
	return func(b *Bridge) {
		b.onError = hook
	}
}

// WithOpenTimeout bounds each attempt to attach to the channel.
func WithOpenTimeout(timeout time.Duration) BridgeOption {
	return func(b *Bridge) {
		if timeout > 0 {
			b.openTimeout = timeout
		}
	}
}

// NewBridge creates a stopped bridge. A nil transport behaves like Unavailable.
func NewBridge(transport Transport, name string, handler Handler, options ...BridgeOption) *Bridge {
	if name == "" {
		name = DefaultChannelName
	}
	b := &Bridge{
		transport: transport,
		name:      name,
		origin:    uuid.NewString(),
		handler:   handler,
		logger:    log.Logger.With().Str("component", "broadcast").Logger(),
		nowFunc:   time.Now,

		openTimeout: DefaultOpenTimeout,
	}
	for _, opt := range options {
		opt(b)
	}
	return b
}

// Origin identifies messages posted by this bridge.
func (b *Bridge) Origin() string {
	return b.origin
}

// Active reports whether the channel is open.
func (b *Bridge) Active() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.channel != nil
}

// Start attaches to the channel in the background and returns a channel closed once the attempt
// has finished, successfully or not. It does nothing when the bridge is already running or the
// transport is not available in this runtime. The lock is never held while the transport dials.
func (b *Bridge) Start(ctx context.Context) <-chan struct{} {
	done := make(chan struct{})
	if !available(b.transport) {
		close(done)
		return done
	}
	b.mu.Lock()
	switch {
	case b.channel != nil:
		b.mu.Unlock()
		close(done)
		return done
	case b.opening != nil:
		opening := b.opening
		b.mu.Unlock()
		return opening
	}
	openCtx, cancel := context.WithTimeout(ctx, b.openTimeout)
	b.opening, b.openCancel = done, cancel
	b.mu.Unlock()

	go b.open(openCtx, cancel, done)
	return done
}

func (b *Bridge) open(ctx context.Context, cancel context.CancelFunc, done chan struct{}) {
	defer close(done)
	defer cancel()

	channel, err := b.transport.Open(ctx, b.name)

	b.mu.Lock()
	current := b.opening == done
	if current {
		b.opening, b.openCancel = nil, nil
	}
	if err != nil || !current {
		b.mu.Unlock()
		switch {
		case err != nil && current:
			b.fail(errors.Wrap(err, "[Bridge.Start] open channel"))
		case err == nil:
			// Stopped while dialing.
			_ = channel.Close()
		}
		return
	}
	loopCtx, loopCancel := context.WithCancel(context.Background())
	b.channel, b.cancel = channel, loopCancel
	b.mu.Unlock()

	go b.receive(loopCtx, channel)
	b.logger.Debug().Str("channel", b.name).Str("origin", b.origin).Msg("broadcast bridge started")
}

// Stop closes the channel and abandons an attach still in progress. The receive loop exits on its
// own; Stop does not wait for it, so it is safe to call from inside a handler.
func (b *Bridge) Stop() {
	b.mu.Lock()
	channel, cancel, openCancel := b.channel, b.cancel, b.openCancel
	b.channel, b.cancel = nil, nil
	b.opening, b.openCancel = nil, nil
	b.mu.Unlock()

	if openCancel != nil {
		openCancel()
	}
	if channel == nil {
		return
	}
	cancel()
	if err := channel.Close(); err != nil {
		b.fail(errors.Wrap(err, "[Bridge.Stop] close channel"))
	}
	b.logger.Debug().Str("channel", b.name).Msg("broadcast bridge stopped")
}

// Post publishes an event to the other instances. It is a no-op while the bridge is stopped.
func (b *Bridge) Post(ctx context.Context, event events.Event, session *sessions.Session) {
	b.mu.Lock()
	channel := b.channel
	b.mu.Unlock()
	if channel == nil {
		return
	}

	payload, err := Message{
		Event:     event,
		Session:   session,
		Timestamp: b.nowFunc().UnixMilli(),
		Origin:    b.origin,
	}.encode()
	if err != nil {
		b.fail(errors.Wrap(err, "[Bridge.Post] encode"))
		return
	}
	if err := channel.Post(ctx, payload); err != nil {
		b.fail(errors.Wrapf(err, "[Bridge.Post] %s", event))
	}
}

func (b *Bridge) receive(ctx context.Context, channel Channel) {
	for {
		data, err := channel.Receive(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, ierrors.ErrChannelClosed) {
				return
			}
			b.fail(errors.Wrap(err, "[Bridge.receive]"))
			select {
			case <-ctx.Done():
				return
			case <-time.After(receiveRetryDelay):
			}
			continue
		}

		msg, err := decodeMessage(data)
		if err != nil {
			b.fail(errors.Wrap(err, "[Bridge.receive] decode"))
			continue
		}
		if msg.Origin == b.origin {
			continue
		}
		if !msg.Event.Valid() {
			b.logger.Warn().Str("event", string(msg.Event)).Msg("dropping broadcast with unknown event")
			continue
		}
		if b.handler != nil {
			b.handler(ctx, msg)
		}
	}
}

func (b *Bridge) fail(err error) {
	b.logger.Warn().Err(err).Str("channel", b.name).Msg("broadcast failure")
	if b.onError != nil {
		b.onError(err)
	}
}

package events

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/jrsteele09/go-auth-compat/sessions"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
)

// Registry maps subscriber ids to callbacks.
type Registry struct {
	mu          sync.RWMutex
	subscribers map[string]*Subscription
	order       []string
	logger      zerolog.Logger
}

// RegistryOption defines a function type to modify the Registry instance.
type RegistryOption func(*Registry)

// WithLogger sets the logger used for subscriber failures.
func WithLogger(logger zerolog.Logger) RegistryOption {
	return func(r *Registry) {
		r.logger = logger
	}
}

// NewRegistry creates an empty registry.
func NewRegistry(options ...RegistryOption) *Registry {
	r := &Registry{
		subscribers: make(map[string]*Subscription),
		logger:      log.Logger.With().Str("component", "events").Logger(),
	}
	for _, opt := range options {
		opt(r)
	}
	return r
}

// Add registers cb. first reports whether the registry was empty before the call. onRemove runs
// once when the returned subscription is unsubscribed and receives whether it was the last one.
func (r *Registry) Add(cb Callback, onRemove func(last bool)) (sub *Subscription, first bool) {
	sub = &Subscription{
		ID:       uuid.New().String(),
		callback: cb,
	}
	sub.remove = func() {
		removed, last := r.Remove(sub.ID)
		if removed && onRemove != nil {
			onRemove(last)
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	first = len(r.subscribers) == 0
	r.subscribers[sub.ID] = sub
	r.order = append(r.order, sub.ID)
	return sub, first
}

// Remove deletes the subscription with id. last reports whether the registry is now empty.
func (r *Registry) Remove(id string) (removed bool, last bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.subscribers[id]; !ok {
		return false, len(r.subscribers) == 0
	}
	delete(r.subscribers, id)
	for i, v := range r.order {
		if v == id {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
	return true, len(r.subscribers) == 0
}

// Has reports whether id is still subscribed.
func (r *Registry) Has(id string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.subscribers[id]
	return ok
}

// Len returns the number of subscribers.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.subscribers)
}

// Notify delivers the event to every subscriber concurrently and waits for all of them. A failing
// or panicking callback is logged and reported in the returned slice; it never stops delivery to
// the others.
func (r *Registry) Notify(ctx context.Context, event Event, session *sessions.Session) []error {
	r.mu.RLock()
	subs := make([]*Subscription, 0, len(r.order))
	for _, id := range r.order {
		subs = append(subs, r.subscribers[id])
	}
	r.mu.RUnlock()

	return r.deliver(ctx, subs, event, session)
}

// NotifyOne delivers the event to a single subscription.
func (r *Registry) NotifyOne(ctx context.Context, sub *Subscription, event Event, session *sessions.Session) error {
	if errs := r.deliver(ctx, []*Subscription{sub}, event, session); len(errs) > 0 {
		return errs[0]
	}
	return nil
}

func (r *Registry) deliver(ctx context.Context, subs []*Subscription, event Event, session *sessions.Session) []error {
	var (
		g    errgroup.Group
		mu   sync.Mutex
		errs []error
	)
	for _, sub := range subs {
		g.Go(func() error {
			if err := invoke(ctx, sub, event, session); err != nil {
				r.logger.Error().Err(err).Str("subscription", sub.ID).Str("event", string(event)).Msg("subscriber callback failed")
				mu.Lock()
				errs = append(errs, err)
				mu.Unlock()
			}
			// Never fail the group, every callback must run to completion.
			return nil
		})
	}
	_ = g.Wait()
	return errs
}

func invoke(ctx context.Context, sub *Subscription, event Event, session *sessions.Session) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("subscriber panicked: %v", rec)
		}
	}()
	if sub.callback == nil {
		return nil
	}
	if err := sub.callback(ctx, event, session); err != nil {
		return errors.Wrapf(err, "[Registry.Notify] subscription %s", sub.ID)
	}
	return nil
}

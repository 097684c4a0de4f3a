// Package inflight coalesces concurrent calls for the same key into a single execution.
//
// Group wraps golang.org/x/sync/singleflight with a typed result, a waiter count per key and
// context aware waiting. The key is forgotten as soon as the operation settles so every call
// after that starts a fresh execution; nothing is memoized.
package inflight

import (
	"context"
	"fmt"
	"sync"

	"golang.org/x/sync/singleflight"
)

// Group deduplicates operations keyed by name.
type Group[T any] struct {
	sf      singleflight.Group
	mu      sync.Mutex
	waiters map[string]int
}

// NewGroup returns an empty Group.
func NewGroup[T any]() *Group[T] {
	return &Group[T]{waiters: make(map[string]int)}
}

// PanicError is returned to every joiner when the shared operation panics.
type PanicError struct {
	Key   string
	Value any
}

func (p *PanicError) Error() string {
	return fmt.Sprintf("inflight %q: operation panicked: %v", p.Key, p.Value)
}

// Do runs fn once for all concurrent callers of key. shared reports whether the result was handed
// to more than one caller. If ctx ends first the caller gets ctx.Err() while fn keeps running for
// the remaining joiners.
func (g *Group[T]) Do(ctx context.Context, key string, fn func() (T, error)) (result T, shared bool, err error) {
	ch := g.sf.DoChan(key, func() (v any, err error) {
		defer func() {
			if r := recover(); r != nil {
				err = &PanicError{Key: key, Value: r}
			}
		}()
		return fn()
	})
	// Counted only once attached, so Waiters never reports a caller that could still start a new run.
	g.join(key)
	defer g.leave(key)

	select {
	case <-ctx.Done():
		var zero T
		return zero, false, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			var zero T
			return zero, res.Shared, res.Err
		}
		v, _ := res.Val.(T)
		return v, res.Shared, nil
	}
}

// Waiters returns the number of callers currently attached to key.
func (g *Group[T]) Waiters(key string) int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.waiters[key]
}

// Forget makes the next call for key start a new execution even if one is still running.
func (g *Group[T]) Forget(key string) {
	g.sf.Forget(key)
}

func (g *Group[T]) join(key string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.waiters == nil {
		g.waiters = make(map[string]int)
	}
	g.waiters[key]++
}

func (g *Group[T]) leave(key string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.waiters[key]--
	if g.waiters[key] <= 0 {
		delete(g.waiters, key)
	}
}

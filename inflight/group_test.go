package inflight_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jrsteele09/go-auth-compat/inflight"
	"github.com/stretchr/testify/require"
)

type result struct {
	value string
}

// startJoiners launches n callers of key and waits until all of them are attached.
func startJoiners(t *testing.T, g *inflight.Group[*result], key string, n int, fn func() (*result, error)) ([]*result, []error, *sync.WaitGroup) {
	t.Helper()
	results := make([]*result, n)
	errs := make([]error, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], _, errs[i] = g.Do(context.Background(), key, fn)
		}(i)
	}
	require.Eventually(t, func() bool { return g.Waiters(key) == n }, time.Second, time.Millisecond)
	return results, errs, &wg
}

func TestDo_ConcurrentCallersShareOneExecution(t *testing.T) {
	g := inflight.NewGroup[*result]()
	release := make(chan struct{})
	var calls atomic.Int32

	fn := func() (*result, error) {
		calls.Add(1)
		<-release
		return &result{value: "session"}, nil
	}

	results, errs, wg := startJoiners(t, g, "getSession", 10, fn)
	close(release)
	wg.Wait()

	require.Equal(t, int32(1), calls.Load())
	for i := range results {
		require.NoError(t, errs[i])
		require.Same(t, results[0], results[i])
	}
	require.Equal(t, 0, g.Waiters("getSession"))
}

func TestDo_ErrorSharedByAllJoiners(t *testing.T) {
	g := inflight.NewGroup[*result]()
	release := make(chan struct{})
	boom := errors.New("backend down")
	var calls atomic.Int32

	fn := func() (*result, error) {
		calls.Add(1)
		<-release
		return nil, boom
	}

	_, errs, wg := startJoiners(t, g, "getSession", 5, fn)
	close(release)
	wg.Wait()

	require.Equal(t, int32(1), calls.Load())
	for _, err := range errs {
		require.Same(t, boom, err)
	}
}

func TestDo_NoMemoizationAfterSettle(t *testing.T) {
	g := inflight.NewGroup[*result]()
	var calls atomic.Int32
	fn := func() (*result, error) {
		n := calls.Add(1)
		return &result{value: string(rune('a' + n))}, nil
	}

	first, _, err := g.Do(context.Background(), "k", fn)
	require.NoError(t, err)
	second, _, err := g.Do(context.Background(), "k", fn)
	require.NoError(t, err)

	require.Equal(t, int32(2), calls.Load())
	require.NotEqual(t, first.value, second.value)
}

func TestDo_FailureClearsKeyForRetry(t *testing.T) {
	g := inflight.NewGroup[*result]()

	_, _, err := g.Do(context.Background(), "k", func() (*result, error) {
		return nil, errors.New("transient")
	})
	require.Error(t, err)

	res, _, err := g.Do(context.Background(), "k", func() (*result, error) {
		return &result{value: "ok"}, nil
	})
	require.NoError(t, err)
	require.Equal(t, "ok", res.value)
}

func TestDo_DifferentKeysRunIndependently(t *testing.T) {
	g := inflight.NewGroup[*result]()
	var calls atomic.Int32
	fn := func() (*result, error) {
		calls.Add(1)
		return &result{}, nil
	}

	_, _, _ = g.Do(context.Background(), "a", fn)
	_, _, _ = g.Do(context.Background(), "b", fn)

	require.Equal(t, int32(2), calls.Load())
}

func TestDo_ContextCancelLeavesOperationRunning(t *testing.T) {
	g := inflight.NewGroup[*result]()
	release := make(chan struct{})
	var calls atomic.Int32
	fn := func() (*result, error) {
		calls.Add(1)
		<-release
		return &result{value: "done"}, nil
	}

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() {
		_, _, err := g.Do(ctx, "k", fn)
		errCh <- err
	}()
	require.Eventually(t, func() bool { return calls.Load() == 1 }, time.Second, time.Millisecond)

	cancel()
	require.ErrorIs(t, <-errCh, context.Canceled)

	// A new caller joins the still running execution.
	resCh := make(chan *result, 1)
	go func() {
		res, _, _ := g.Do(context.Background(), "k", fn)
		resCh <- res
	}()
	require.Eventually(t, func() bool { return g.Waiters("k") == 1 }, time.Second, time.Millisecond)
	close(release)

	require.Equal(t, "done", (<-resCh).value)
	require.Equal(t, int32(1), calls.Load())
}

func TestDo_PanicBecomesError(t *testing.T) {
	g := inflight.NewGroup[*result]()

	_, _, err := g.Do(context.Background(), "k", func() (*result, error) {
		panic("kaboom")
	})

	var panicErr *inflight.PanicError
	require.ErrorAs(t, err, &panicErr)
	require.Equal(t, "kaboom", panicErr.Value)
}

package auth

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jrsteele09/go-auth-compat/broadcast"
	"github.com/jrsteele09/go-auth-compat/events"
	"github.com/jrsteele09/go-auth-compat/internal/metrics"
	"github.com/jrsteele09/go-auth-compat/sessions"
	"github.com/jrsteele09/go-auth-compat/users"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

type fakeBackend struct {
	mu      sync.Mutex
	session *sessions.Session
	err     error
	calls   atomic.Int32
	gate    chan struct{}
}

func (b *fakeBackend) fetch(ctx context.Context) (*sessions.Session, error) {
	b.calls.Add(1)
	if b.gate != nil {
		<-b.gate
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.session, b.err
}

func (b *fakeBackend) set(s *sessions.Session, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.session, b.err = s, err
}

func newSession(token string) *sessions.Session {
	now := time.Now()
	return sessions.New(token, "", now.Add(time.Hour).Unix(), &users.User{ID: "u1", Email: "test@example.com"}, now)
}

func newManager(b *fakeBackend, options ...StateOption) *StateManager {
	options = append([]StateOption{WithLogger(zerolog.Nop())}, options...)
	return NewStateManager(b.fetch, options...)
}

type eventLog struct {
	ch chan emitted
}

type emitted struct {
	event   events.Event
	session *sessions.Session
}

func newEventLog() *eventLog {
	return &eventLog{ch: make(chan emitted, 32)}
}

func (l *eventLog) callback(_ context.Context, event events.Event, s *sessions.Session) error {
	l.ch <- emitted{event, s}
	return nil
}

func (l *eventLog) next(t *testing.T) emitted {
	t.Helper()
	select {
	case e := <-l.ch:
		return e
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for event")
		return emitted{}
	}
}

func (l *eventLog) none(t *testing.T) {
	t.Helper()
	select {
	case e := <-l.ch:
		t.Fatalf("unexpected event %s", e.event)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestGetSession_CachesAfterFirstFetch(t *testing.T) {
	b := &fakeBackend{session: newSession("tok")}
	mt := metrics.New(nil, "test")
	m := newManager(b, WithMetrics(mt))

	s1, err := m.GetSession(context.Background())
	require.NoError(t, err)
	s2, err := m.GetSession(context.Background())
	require.NoError(t, err)

	require.Same(t, s1, s2)
	require.Equal(t, int32(1), b.calls.Load())
	require.Equal(t, 1.0, testutil.ToFloat64(mt.CacheHits))
	require.Equal(t, 1.0, testutil.ToFloat64(mt.BackendFetches))
}

func TestGetSession_NoSessionIsNotCached(t *testing.T) {
	b := &fakeBackend{}
	m := newManager(b)

	s, err := m.GetSession(context.Background())
	require.NoError(t, err)
	require.Nil(t, s)
	_, _ = m.GetSession(context.Background())
	require.Equal(t, int32(2), b.calls.Load())
}

func TestGetSession_ConcurrentCallersShareOneFetch(t *testing.T) {
	b := &fakeBackend{session: newSession("tok"), gate: make(chan struct{})}
	m := newManager(b)

	const n = 10
	results := make([]*sessions.Session, n)
	var wg sync.WaitGroup
	for i := range n {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s, err := m.GetSession(context.Background())
			if err != nil {
				t.Error(err)
			}
			results[i] = s
		}()
	}
	require.Eventually(t, func() bool { return m.group.Waiters(GetSessionKey) == n }, 2*time.Second, 5*time.Millisecond)
	close(b.gate)
	wg.Wait()

	require.Equal(t, int32(1), b.calls.Load())
	for _, s := range results {
		require.Same(t, results[0], s)
	}
}

func TestGetSession_FetchErrorIsSharedAndNotCached(t *testing.T) {
	b := &fakeBackend{err: errors.New("backend unavailable")}
	m := newManager(b)

	_, err := m.GetSession(context.Background())
	require.ErrorContains(t, err, "backend unavailable")

	b.set(newSession("tok"), nil)
	s, err := m.GetSession(context.Background())
	require.NoError(t, err)
	require.Equal(t, "tok", s.AccessToken)
}

func TestGetSession_InvalidateDuringFetchReturnsNil(t *testing.T) {
	b := &fakeBackend{session: newSession("stale"), gate: make(chan struct{})}
	mt := metrics.New(nil, "test")
	m := newManager(b, WithMetrics(mt))

	type result struct {
		s   *sessions.Session
		err error
	}
	done := make(chan result, 1)
	go func() {
		s, err := m.GetSession(context.Background())
		done <- result{s, err}
	}()
	require.Eventually(t, func() bool { return m.group.Waiters(GetSessionKey) == 1 }, 2*time.Second, 5*time.Millisecond)

	m.Invalidate()
	close(b.gate)

	r := <-done
	require.NoError(t, r.err)
	require.Nil(t, r.s)
	require.Nil(t, m.Cache().Get())
	require.Equal(t, 1.0, testutil.ToFloat64(mt.StaleDiscards))
}

func TestBeginSignOut_HidesSessionUntilDone(t *testing.T) {
	b := &fakeBackend{session: newSession("tok")}
	m := newManager(b)
	_, err := m.GetSession(context.Background())
	require.NoError(t, err)

	done := m.BeginSignOut()
	s, err := m.GetSession(context.Background())
	require.NoError(t, err)
	require.Nil(t, s)
	require.Equal(t, int32(1), b.calls.Load())

	b.set(nil, nil)
	done()
	done()
	s, err = m.GetSession(context.Background())
	require.NoError(t, err)
	require.Nil(t, s)
}

func TestCommit_UpdatesCacheAndNotifies(t *testing.T) {
	b := &fakeBackend{}
	m := newManager(b, WithTokenRefreshDetection(false, 0, 0))
	log := newEventLog()
	sub := m.OnAuthStateChange(log.callback)
	defer sub.Unsubscribe()
	require.Equal(t, events.InitialSession, log.next(t).event)

	s := newSession("tok")
	m.Commit(context.Background(), events.SignedIn, s)
	require.Same(t, s, m.Cache().Get())
	e := log.next(t)
	require.Equal(t, events.SignedIn, e.event)
	require.Same(t, s, e.session)

	m.Commit(context.Background(), events.SignedOut, s)
	require.Nil(t, m.Cache().Get())
	require.True(t, m.Cache().IsInvalidated())
	e = log.next(t)
	require.Equal(t, events.SignedOut, e.event)
	require.Nil(t, e.session)
}

func TestOnAuthStateChange_InitialSession(t *testing.T) {
	b := &fakeBackend{session: newSession("tok")}
	m := newManager(b, WithTokenRefreshDetection(false, 0, 0))
	log := newEventLog()

	sub := m.OnAuthStateChange(log.callback)
	defer sub.Unsubscribe()

	e := log.next(t)
	require.Equal(t, events.InitialSession, e.event)
	require.Equal(t, "tok", e.session.AccessToken)
}

func TestOnAuthStateChange_InitialSessionSwallowsErrors(t *testing.T) {
	b := &fakeBackend{err: errors.New("boom")}
	m := newManager(b, WithTokenRefreshDetection(false, 0, 0))
	log := newEventLog()

	sub := m.OnAuthStateChange(log.callback)
	defer sub.Unsubscribe()

	e := log.next(t)
	require.Equal(t, events.InitialSession, e.event)
	require.Nil(t, e.session)
}

func TestOnAuthStateChange_BackgroundLifecycle(t *testing.T) {
	hub := broadcast.NewMemoryHub()
	b := &fakeBackend{}
	m := newManager(b, WithBroadcast(hub, "auth"), WithTokenRefreshDetection(true, time.Hour, 0))
	defer m.Close()

	require.False(t, m.BroadcastActive())
	require.False(t, m.WatchdogRunning())

	first := m.OnAuthStateChange(nil)
	second := m.OnAuthStateChange(nil)
	require.Eventually(t, m.BroadcastActive, 2*time.Second, 5*time.Millisecond)
	require.True(t, m.WatchdogRunning())
	require.Equal(t, 1, hub.Attached("auth"))

	first.Unsubscribe()
	first.Unsubscribe()
	require.Equal(t, 1, m.Subscribers())
	require.True(t, m.BroadcastActive())
	require.True(t, m.WatchdogRunning())

	second.Unsubscribe()
	require.Equal(t, 0, m.Subscribers())
	require.False(t, m.BroadcastActive())
	require.False(t, m.WatchdogRunning())
	require.Equal(t, 0, hub.Attached("auth"))
}

func TestOnAuthStateChange_DetectionDisabled(t *testing.T) {
	m := newManager(&fakeBackend{}, WithTokenRefreshDetection(false, 0, 0))
	sub := m.OnAuthStateChange(nil)
	defer sub.Unsubscribe()
	require.False(t, m.WatchdogRunning())
	require.Equal(t, events.Event(""), m.CheckNow(context.Background()))
}

func TestBroadcast_ForeignEventsUpdateOtherInstance(t *testing.T) {
	hub := broadcast.NewMemoryHub()
	tabA := newManager(&fakeBackend{}, WithBroadcast(hub, "auth"), WithTokenRefreshDetection(false, 0, 0))
	backendB := &fakeBackend{}
	tabB := newManager(backendB, WithBroadcast(hub, "auth"), WithTokenRefreshDetection(false, 0, 0))
	defer tabA.Close()
	defer tabB.Close()

	logA, logB := newEventLog(), newEventLog()
	subA := tabA.OnAuthStateChange(logA.callback)
	subB := tabB.OnAuthStateChange(logB.callback)
	defer subA.Unsubscribe()
	defer subB.Unsubscribe()
	require.Equal(t, events.InitialSession, logA.next(t).event)
	require.Equal(t, events.InitialSession, logB.next(t).event)
	require.Eventually(t, func() bool { return tabA.BroadcastActive() && tabB.BroadcastActive() }, 2*time.Second, 5*time.Millisecond)
	fetchesBefore := backendB.calls.Load()

	s := newSession("tok")
	tabA.Commit(context.Background(), events.SignedIn, s)

	e := logB.next(t)
	require.Equal(t, events.SignedIn, e.event)
	require.Equal(t, "tok", e.session.AccessToken)
	cached, err := tabB.GetSession(context.Background())
	require.NoError(t, err)
	require.Equal(t, "tok", cached.AccessToken)
	require.Equal(t, fetchesBefore, backendB.calls.Load())

	require.Equal(t, events.SignedIn, logA.next(t).event)
	// B applied the event without posting it back.
	logA.none(t)

	tabA.Commit(context.Background(), events.SignedOut, nil)
	require.Equal(t, events.SignedOut, logB.next(t).event)
	require.Nil(t, tabB.Cache().Get())
	require.True(t, tabB.Cache().IsInvalidated())
}

func TestWatchdog_EmitsThroughManager(t *testing.T) {
	now := time.Now()
	s := sessions.New("tok", "", now.Add(30*time.Second).Unix(), &users.User{ID: "u1"}, now)
	b := &fakeBackend{session: s}
	mt := metrics.New(nil, "test")
	m := newManager(b, WithMetrics(mt), WithTokenRefreshDetection(true, time.Hour, 90*time.Second))
	defer m.Close()

	log := newEventLog()
	sub := m.OnAuthStateChange(log.callback)
	defer sub.Unsubscribe()
	require.Equal(t, events.InitialSession, log.next(t).event)

	require.Equal(t, events.TokenRefreshed, m.CheckNow(context.Background()))
	e := log.next(t)
	require.Equal(t, events.TokenRefreshed, e.event)
	require.Equal(t, 1.0, testutil.ToFloat64(mt.Events.WithLabelValues(string(events.TokenRefreshed), metrics.SourceWatchdog)))
	require.Equal(t, 1.0, testutil.ToFloat64(mt.WatchdogTicks))
}

type stalledTransport struct{}

func (stalledTransport) Available() bool { return true }

func (stalledTransport) Open(ctx context.Context, _ string) (broadcast.Channel, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

func TestBroadcast_StalledTransportDoesNotBlockAuthFlow(t *testing.T) {
	m := newManager(&fakeBackend{}, WithBroadcast(stalledTransport{}, "auth"), WithTokenRefreshDetection(false, 0, 0))
	defer m.Close()
	log := newEventLog()

	subscribed := make(chan *events.Subscription, 1)
	go func() { subscribed <- m.OnAuthStateChange(log.callback) }()
	var sub *events.Subscription
	select {
	case sub = <-subscribed:
	case <-time.After(time.Second):
		t.Fatal("OnAuthStateChange blocked on the broadcast transport")
	}
	defer sub.Unsubscribe()
	require.Equal(t, events.InitialSession, log.next(t).event)

	committed := make(chan struct{})
	go func() {
		m.Commit(context.Background(), events.SignedIn, newSession("tok"))
		m.Commit(context.Background(), events.SignedOut, nil)
		close(committed)
	}()
	select {
	case <-committed:
	case <-time.After(time.Second):
		t.Fatal("Commit blocked on the broadcast transport")
	}
	require.Equal(t, events.SignedIn, log.next(t).event)
	require.Equal(t, events.SignedOut, log.next(t).event)
	require.False(t, m.BroadcastActive())
}

func TestWatchdog_ExpiredSessionClearsLocalCache(t *testing.T) {
	now := time.Now()
	expired := sessions.New("stale", "", now.Add(-time.Minute).Unix(), &users.User{ID: "u1"}, now)
	b := &fakeBackend{session: expired}
	m := newManager(b, WithTokenRefreshDetection(true, time.Hour, 90*time.Second))
	defer m.Close()

	log := newEventLog()
	sub := m.OnAuthStateChange(log.callback)
	defer sub.Unsubscribe()
	require.Equal(t, events.InitialSession, log.next(t).event)
	require.NotNil(t, m.Cache().Get())

	b.set(nil, nil)
	require.Equal(t, events.SignedOut, m.CheckNow(context.Background()))
	e := log.next(t)
	require.Equal(t, events.SignedOut, e.event)
	require.Nil(t, e.session)
	require.Nil(t, m.Cache().Get())
	require.True(t, m.Cache().IsInvalidated())

	s, err := m.GetSession(context.Background())
	require.NoError(t, err)
	require.Nil(t, s)
}

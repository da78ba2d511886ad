package transport

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/justinron31/over/internal/domain"
	"github.com/justinron31/over/internal/remote"
)

type fakeSub struct {
	events chan domain.ChangeEvent
	err    error

	mu     sync.Mutex
	closed bool
}

func newFakeSub() *fakeSub {
	return &fakeSub{events: make(chan domain.ChangeEvent, 8)}
}

func (s *fakeSub) Events() <-chan domain.ChangeEvent { return s.events }

func (s *fakeSub) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

func (s *fakeSub) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
}

func (s *fakeSub) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// fail closes the event channel with an error, the way a dropped
// connection surfaces.
func (s *fakeSub) fail(err error) {
	s.mu.Lock()
	s.err = err
	s.mu.Unlock()
	close(s.events)
}

type fakeFeed struct {
	mu    sync.Mutex
	subs  []*fakeSub
	err   error
	calls int
	delay time.Duration // simulated dial latency
}

func (f *fakeFeed) Subscribe(context.Context, string) (remote.Subscription, error) {
	if f.delay > 0 {
		time.Sleep(f.delay)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	s := newFakeSub()
	f.subs = append(f.subs, s)
	return s, nil
}

func (f *fakeFeed) allSubs() []*fakeSub {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*fakeSub(nil), f.subs...)
}

func (f *fakeFeed) subscribeCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func (f *fakeFeed) latest() *fakeSub {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.subs) == 0 {
		return nil
	}
	return f.subs[len(f.subs)-1]
}

type fakeBroadcast struct {
	fakeFeed
	published []domain.ChangeEvent
	presence  int
	healthy   atomic.Bool
}

func newFakeBroadcast() *fakeBroadcast {
	b := &fakeBroadcast{}
	b.healthy.Store(true)
	return b
}

func (b *fakeBroadcast) Publish(_ context.Context, _ string, ev domain.ChangeEvent) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.published = append(b.published, ev)
	return nil
}

func (b *fakeBroadcast) Presence(context.Context, string, uuid.UUID) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.presence++
	return nil
}

func (b *fakeBroadcast) Healthy() bool { return b.healthy.Load() }

func (b *fakeBroadcast) presenceCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.presence
}

// fakeRemoteStore counts calls and fails a configurable number of times
// before succeeding.
type fakeRemoteStore struct {
	mu       sync.Mutex
	calls    int
	failures int
	err      error
	block    chan struct{}
	active   int32
	maxSeen  int32
}

func (s *fakeRemoteStore) exec() error {
	cur := atomic.AddInt32(&s.active, 1)
	for {
		seen := atomic.LoadInt32(&s.maxSeen)
		if cur <= seen || atomic.CompareAndSwapInt32(&s.maxSeen, seen, cur) {
			break
		}
	}
	if s.block != nil {
		<-s.block
	}
	atomic.AddInt32(&s.active, -1)

	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	if s.failures > 0 {
		s.failures--
		return s.err
	}
	if s.failures < 0 {
		return s.err
	}
	return nil
}

func (s *fakeRemoteStore) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

func (s *fakeRemoteStore) FetchAfter(context.Context, uuid.UUID, uuid.UUID, time.Time, int) ([]domain.Message, error) {
	return nil, s.exec()
}

func (s *fakeRemoteStore) FetchBefore(context.Context, uuid.UUID, uuid.UUID, *time.Time, int) ([]domain.Message, error) {
	return nil, s.exec()
}

func (s *fakeRemoteStore) Insert(context.Context, domain.Message) error { return s.exec() }
func (s *fakeRemoteStore) Update(context.Context, domain.Patch) error   { return s.exec() }

func fastOpts() *Options {
	return &Options{
		MaxInFlight: 4,
		MinSpacing:  time.Millisecond,
		MaxRetries:  3,
		BaseDelay:   time.Millisecond,
		MaxDelay:    5 * time.Millisecond,
	}
}

func newTestAdapter(store *fakeRemoteStore, feed *fakeFeed, bcast *fakeBroadcast, opts *Options) *Adapter {
	if store == nil {
		store = &fakeRemoteStore{}
	}
	if feed == nil {
		feed = &fakeFeed{}
	}
	if bcast == nil {
		bcast = newFakeBroadcast()
	}
	if opts == nil {
		opts = fastOpts()
	}
	return NewAdapter(store, feed, bcast, uuid.New(), opts)
}

func TestRetryTransientUntilSuccess(t *testing.T) {
	store := &fakeRemoteStore{failures: 2, err: remote.Transient("insert", errors.New("boom"))}
	a := newTestAdapter(store, nil, nil, nil)

	err := a.Insert(context.Background(), domain.Message{ID: uuid.New()})
	require.NoError(t, err)
	assert.Equal(t, 3, store.callCount(), "two transient failures then success")
}

func TestNoRetryForSemanticErrors(t *testing.T) {
	store := &fakeRemoteStore{failures: -1, err: remote.ErrNotOwner}
	a := newTestAdapter(store, nil, nil, nil)

	err := a.Update(context.Background(), domain.Patch{MessageID: uuid.New()})
	assert.ErrorIs(t, err, remote.ErrNotOwner)
	assert.Equal(t, 1, store.callCount(), "semantic rejections must not retry")
}

func TestRetryBudgetExhausted(t *testing.T) {
	cause := errors.New("down")
	store := &fakeRemoteStore{failures: -1, err: remote.Transient("fetch", cause)}
	a := newTestAdapter(store, nil, nil, nil)

	_, err := a.FetchAfter(context.Background(), uuid.New(), uuid.New(), time.Time{}, 10)
	require.Error(t, err)
	assert.ErrorIs(t, err, cause)
	assert.Equal(t, 4, store.callCount(), "initial attempt plus MaxRetries")
}

func TestGateBoundsInFlightCalls(t *testing.T) {
	block := make(chan struct{})
	store := &fakeRemoteStore{block: block}
	opts := fastOpts()
	opts.MaxInFlight = 2
	a := newTestAdapter(store, nil, nil, opts)

	var wg sync.WaitGroup
	for i := 0; i < 6; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = a.Insert(context.Background(), domain.Message{ID: uuid.New()})
		}()
	}

	require.Eventually(t, func() bool { return atomic.LoadInt32(&store.active) == 2 },
		2*time.Second, time.Millisecond, "gate never filled")
	close(block)
	wg.Wait()

	assert.LessOrEqual(t, atomic.LoadInt32(&store.maxSeen), int32(2),
		"no more than MaxInFlight calls may run at once")
	assert.Equal(t, 6, store.callCount())
}

func TestConnectIsAtomic(t *testing.T) {
	feed := &fakeFeed{}
	bcast := newFakeBroadcast()
	bcast.err = errors.New("channel refused")
	a := newTestAdapter(nil, feed, bcast, nil)

	err := a.Connect(context.Background(), "a:b")
	require.Error(t, err)
	assert.False(t, a.Connected())
	require.NotNil(t, feed.latest())
	assert.True(t, feed.latest().isClosed(), "stream subscription must not outlive a failed broadcast hookup")
}

func TestConnectReplacesPrevious(t *testing.T) {
	feed := &fakeFeed{}
	bcast := newFakeBroadcast()
	a := newTestAdapter(nil, feed, bcast, nil)
	defer a.Close()

	require.NoError(t, a.Connect(context.Background(), "a:b"))
	first := feed.latest()
	require.NoError(t, a.Connect(context.Background(), "a:c"))

	assert.True(t, first.isClosed(), "switching conversations tears the old subscriptions down")
	assert.True(t, a.Connected())
}

func TestEventsForwardedFromBothPaths(t *testing.T) {
	feed := &fakeFeed{}
	bcast := newFakeBroadcast()
	a := newTestAdapter(nil, feed, bcast, nil)
	defer a.Close()

	require.NoError(t, a.Connect(context.Background(), "a:b"))

	id1, id2 := uuid.New(), uuid.New()
	feed.latest().events <- domain.ChangeEvent{Op: domain.OpInsert, Source: domain.SourceStream, Message: &domain.Message{ID: id1}}
	bcast.latest().events <- domain.ChangeEvent{Op: domain.OpInsert, Source: domain.SourceBroadcast, Message: &domain.Message{ID: id2}}

	got := map[uuid.UUID]bool{}
	for i := 0; i < 2; i++ {
		select {
		case ev := <-a.Events():
			got[ev.Message.ID] = true
		case <-time.After(2 * time.Second):
			t.Fatal("event never forwarded")
		}
	}
	assert.True(t, got[id1] && got[id2])
}

func TestReconnectAfterStreamFailure(t *testing.T) {
	feed := &fakeFeed{}
	bcast := newFakeBroadcast()
	a := newTestAdapter(nil, feed, bcast, nil)
	defer a.Close()

	require.NoError(t, a.Connect(context.Background(), "a:b"))
	feed.latest().fail(errors.New("connection reset"))

	require.Eventually(t, func() bool { return feed.subscribeCalls() >= 2 && a.Connected() },
		2*time.Second, time.Millisecond, "stream failure must rebuild all paths")
}

func TestConcurrentConnectLeavesNoOrphanSubscriptions(t *testing.T) {
	feed := &fakeFeed{delay: 5 * time.Millisecond}
	bcast := newFakeBroadcast()
	a := newTestAdapter(nil, feed, bcast, nil)

	// Two attempts race for the same conversation, as when both feeds
	// of a dropped connection trigger reconnection at once. Exactly one
	// may install; the loser must tear its subscriptions down.
	start := make(chan struct{})
	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			<-start
			errs[i] = a.Connect(context.Background(), "a:b")
		}(i)
	}
	close(start)
	wg.Wait()

	assert.True(t, a.Connected())
	assert.NotEqual(t, errs[0] == nil, errs[1] == nil, "exactly one attempt may win")
	a.Close()

	for _, s := range feed.allSubs() {
		assert.True(t, s.isClosed(), "stream subscription left open")
	}
	for _, s := range bcast.allSubs() {
		assert.True(t, s.isClosed(), "broadcast subscription left open")
	}
}

func TestCleanCloseDoesNotReconnect(t *testing.T) {
	feed := &fakeFeed{}
	bcast := newFakeBroadcast()
	a := newTestAdapter(nil, feed, bcast, nil)

	require.NoError(t, a.Connect(context.Background(), "a:b"))
	a.Disconnect()

	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 1, feed.subscribeCalls(), "a deliberate disconnect must stay disconnected")
	assert.False(t, a.Connected())
}

func TestHealthCheckAssertsPresence(t *testing.T) {
	feed := &fakeFeed{}
	bcast := newFakeBroadcast()
	a := newTestAdapter(nil, feed, bcast, nil)
	defer a.Close()

	require.NoError(t, a.Connect(context.Background(), "a:b"))
	a.HealthCheck(context.Background())

	bcast.mu.Lock()
	defer bcast.mu.Unlock()
	assert.Equal(t, 1, bcast.presence)
}

func TestHealthCheckForcesReconnectWhenUnhealthy(t *testing.T) {
	feed := &fakeFeed{}
	bcast := newFakeBroadcast()
	a := newTestAdapter(nil, feed, bcast, nil)
	defer a.Close()

	require.NoError(t, a.Connect(context.Background(), "a:b"))
	bcast.healthy.Store(false)
	a.HealthCheck(context.Background())

	require.Eventually(t, func() bool { return feed.subscribeCalls() >= 2 && a.Connected() },
		2*time.Second, time.Millisecond)
	require.Eventually(t, func() bool { return bcast.presenceCount() >= 1 },
		2*time.Second, time.Millisecond, "a reconnected client must re-assert presence immediately")
}

func TestPublishRequiresConnection(t *testing.T) {
	a := newTestAdapter(nil, nil, nil, nil)
	err := a.Publish(context.Background(), domain.ChangeEvent{Op: domain.OpInsert})
	assert.ErrorIs(t, err, ErrNotConnected)
}

func TestBackoffCapsAtMax(t *testing.T) {
	assert.Equal(t, time.Second, backoff(1, time.Second, 8*time.Second))
	assert.Equal(t, 4*time.Second, backoff(3, time.Second, 8*time.Second))
	assert.Equal(t, 8*time.Second, backoff(10, time.Second, 8*time.Second))
}

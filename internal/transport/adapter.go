// Package transport wraps the three delivery paths to the remote store
// (request/response calls, the row-change stream, and the broadcast
// channel) behind one uniform event source, and owns connection
// lifecycle, retry, and health checking for all of them.
package transport

import (
	"context"
	"errors"
	"log"
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"

	"github.com/justinron31/over/internal/domain"
	"github.com/justinron31/over/internal/remote"
)

const (
	defaultMaxInFlight = 4
	defaultMinSpacing  = 50 * time.Millisecond
	defaultMaxRetries  = 3
	defaultBaseDelay   = 200 * time.Millisecond
	defaultMaxDelay    = 5 * time.Second
	eventBufSize       = 512
)

var (
	ErrNotConnected = errors.New("transport: not connected")

	// errSuperseded marks a Connect that lost the race against a newer
	// connection attempt; its subscriptions were torn down, not installed.
	errSuperseded = errors.New("transport: connection attempt superseded")
)

// Options tune the request/response gate and the retry policy.
type Options struct {
	// MaxInFlight caps concurrent request/response calls system-wide;
	// excess callers queue in FIFO order.
	MaxInFlight int

	// MinSpacing is the minimum gap between request/response calls.
	MinSpacing time.Duration

	// MaxRetries bounds retries of transient failures per call.
	MaxRetries int

	BaseDelay time.Duration
	MaxDelay  time.Duration
}

func (o *Options) withDefaults() Options {
	out := Options{
		MaxInFlight: defaultMaxInFlight,
		MinSpacing:  defaultMinSpacing,
		MaxRetries:  defaultMaxRetries,
		BaseDelay:   defaultBaseDelay,
		MaxDelay:    defaultMaxDelay,
	}
	if o == nil {
		return out
	}
	if o.MaxInFlight > 0 {
		out.MaxInFlight = o.MaxInFlight
	}
	if o.MinSpacing > 0 {
		out.MinSpacing = o.MinSpacing
	}
	if o.MaxRetries >= 0 {
		out.MaxRetries = o.MaxRetries
	}
	if o.BaseDelay > 0 {
		out.BaseDelay = o.BaseDelay
	}
	if o.MaxDelay > 0 {
		out.MaxDelay = o.MaxDelay
	}
	return out
}

// conn is one fully-established set of subscriptions. The three paths
// are registered together and torn down together; the adapter never
// runs with only a subset hooked.
type conn struct {
	key       string
	streamSub remote.Subscription
	bcastSub  remote.Subscription
	stop      chan struct{}
	stopOnce  sync.Once
}

func (c *conn) teardown() {
	c.stopOnce.Do(func() {
		close(c.stop)
		c.streamSub.Close()
		c.bcastSub.Close()
	})
}

type Adapter struct {
	store  remote.Store
	feed   remote.Changefeed
	bcast  remote.Broadcast
	userID uuid.UUID
	opts   Options

	sem     *semaphore.Weighted
	spacing *rate.Limiter

	events chan domain.ChangeEvent

	mu     sync.Mutex
	cur    *conn
	key    string
	gen    uint64
	closed bool
}

func NewAdapter(store remote.Store, feed remote.Changefeed, bcast remote.Broadcast, userID uuid.UUID, opts *Options) *Adapter {
	o := opts.withDefaults()
	return &Adapter{
		store:   store,
		feed:    feed,
		bcast:   bcast,
		userID:  userID,
		opts:    o,
		sem:     semaphore.NewWeighted(int64(o.MaxInFlight)),
		spacing: rate.NewLimiter(rate.Every(o.MinSpacing), 1),
		events:  make(chan domain.ChangeEvent, eventBufSize),
	}
}

// Events is the uniform inbound source: change-stream and broadcast
// events, already normalized and provenance-tagged.
func (a *Adapter) Events() <-chan domain.ChangeEvent { return a.events }

// Connect registers the change-stream and broadcast subscriptions for
// the conversation atomically. A previous connection for any key is
// torn down first; on partial failure neither path is left hooked.
func (a *Adapter) Connect(ctx context.Context, key string) error {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return errors.New("transport: adapter closed")
	}
	startGen := a.gen
	prev := a.cur
	a.cur = nil
	a.mu.Unlock()
	if prev != nil {
		prev.teardown()
	}

	streamSub, err := a.feed.Subscribe(ctx, key)
	if err != nil {
		return err
	}
	bcastSub, err := a.bcast.Subscribe(ctx, key)
	if err != nil {
		streamSub.Close()
		return err
	}

	c := &conn{
		key:       key,
		streamSub: streamSub,
		bcastSub:  bcastSub,
		stop:      make(chan struct{}),
	}

	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		c.teardown()
		return errors.New("transport: adapter closed")
	}
	if a.gen != startGen {
		// A concurrent Connect, Disconnect, or forced reconnect moved
		// the generation while we were subscribing; installing now
		// would strand its subscriptions. Yield to the newer state.
		a.mu.Unlock()
		c.teardown()
		return errSuperseded
	}
	a.gen++
	gen := a.gen
	a.cur = c
	a.key = key
	a.mu.Unlock()

	go a.forward(c, streamSub, gen, "stream")
	go a.forward(c, bcastSub, gen, "broadcast")
	log.Printf("transport: connected to conversation %s", key)
	return nil
}

// Disconnect tears down the current subscriptions, if any, and stops
// any in-flight reconnection for the old conversation.
func (a *Adapter) Disconnect() {
	a.mu.Lock()
	c := a.cur
	a.cur = nil
	a.key = ""
	a.gen++
	a.mu.Unlock()
	if c != nil {
		c.teardown()
	}
}

// Close disconnects and rejects further use.
func (a *Adapter) Close() {
	a.mu.Lock()
	a.closed = true
	c := a.cur
	a.cur = nil
	a.key = ""
	a.mu.Unlock()
	if c != nil {
		c.teardown()
	}
}

// Connected reports whether a subscription set is currently live.
func (a *Adapter) Connected() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.cur != nil
}

// forward pumps one subscription into the uniform event channel. When a
// feed dies with an error the whole connection is re-established with
// jittered backoff; the paths are never rebuilt piecemeal.
func (a *Adapter) forward(c *conn, sub remote.Subscription, gen uint64, path string) {
	for {
		select {
		case ev, ok := <-sub.Events():
			if !ok {
				if err := sub.Err(); err != nil {
					log.Printf("transport: %s path for %s failed: %v", path, c.key, err)
					go a.reconnect(c.key, gen)
				}
				return
			}
			select {
			case a.events <- ev:
			case <-c.stop:
				return
			}
		case <-c.stop:
			return
		}
	}
}

// reconnect re-establishes all paths after a channel error. Attempts
// back off with jitter and stop once a newer connection exists, the
// conversation changed, or the adapter is closed.
func (a *Adapter) reconnect(key string, gen uint64) {
	for attempt := 1; ; attempt++ {
		if a.reconnectStale(key, gen) {
			return
		}

		delay := jitter(backoff(attempt, a.opts.BaseDelay, a.opts.MaxDelay))
		time.Sleep(delay)

		if a.reconnectStale(key, gen) {
			return
		}

		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		err := a.Connect(ctx, key)
		cancel()
		if err == nil {
			log.Printf("transport: reconnected to %s after %d attempt(s)", key, attempt)
			a.assertPresence(key)
			return
		}
		if errors.Is(err, errSuperseded) {
			// Someone else established the connection first.
			return
		}
		log.Printf("transport: reconnect attempt %d for %s failed: %v", attempt, key, err)
	}
}

// assertPresence pushes presence for the conversation so a freshly
// reconnected client is visible before the next health tick.
func (a *Adapter) assertPresence(key string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := a.bcast.Presence(ctx, key, a.userID); err != nil {
		log.Printf("transport: presence re-assert failed for %s: %v", key, err)
	}
}

func (a *Adapter) reconnectStale(key string, gen uint64) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.closed || a.key != key || a.gen != gen
}

// forceReconnect tears down whatever is live and rebuilds all paths for
// the current conversation.
func (a *Adapter) forceReconnect() {
	a.mu.Lock()
	c := a.cur
	a.cur = nil
	a.gen++
	gen := a.gen
	key := a.key
	closed := a.closed
	a.mu.Unlock()
	if c != nil {
		c.teardown()
	}
	if closed || key == "" {
		return
	}
	go a.reconnect(key, gen)
}

// HealthCheck re-asserts presence on the broadcast channel and forces a
// full reconnect when the subscription handle is missing or the
// broadcast connection is down. Runs on a fixed timer, independent of
// channel errors.
func (a *Adapter) HealthCheck(ctx context.Context) {
	a.mu.Lock()
	c := a.cur
	key := a.key
	closed := a.closed
	a.mu.Unlock()
	if closed || key == "" {
		return
	}

	if c == nil || !a.bcast.Healthy() {
		log.Printf("transport: channel handle missing or stale, forcing reconnect for %s", key)
		a.forceReconnect()
		return
	}
	if err := a.bcast.Presence(ctx, key, a.userID); err != nil {
		log.Printf("transport: presence re-assert failed for %s: %v", key, err)
	}
}

// Publish emits a locally-originated event on the broadcast channel for
// same-instant peer delivery.
func (a *Adapter) Publish(ctx context.Context, ev domain.ChangeEvent) error {
	a.mu.Lock()
	c := a.cur
	a.mu.Unlock()
	if c == nil {
		return ErrNotConnected
	}
	return a.bcast.Publish(ctx, c.key, ev)
}

// Request/response surface. Every call passes through the
// bounded-concurrency gate and minimum spacing, and transient failures
// retry with capped exponential backoff. Semantic errors never retry.

func (a *Adapter) FetchAfter(ctx context.Context, userID, peerID uuid.UUID, after time.Time, limit int) ([]domain.Message, error) {
	var out []domain.Message
	err := a.do(ctx, func(ctx context.Context) error {
		var err error
		out, err = a.store.FetchAfter(ctx, userID, peerID, after, limit)
		return err
	})
	return out, err
}

func (a *Adapter) FetchBefore(ctx context.Context, userID, peerID uuid.UUID, before *time.Time, limit int) ([]domain.Message, error) {
	var out []domain.Message
	err := a.do(ctx, func(ctx context.Context) error {
		var err error
		out, err = a.store.FetchBefore(ctx, userID, peerID, before, limit)
		return err
	})
	return out, err
}

func (a *Adapter) Insert(ctx context.Context, msg domain.Message) error {
	return a.do(ctx, func(ctx context.Context) error {
		return a.store.Insert(ctx, msg)
	})
}

func (a *Adapter) Update(ctx context.Context, patch domain.Patch) error {
	return a.do(ctx, func(ctx context.Context) error {
		return a.store.Update(ctx, patch)
	})
}

func (a *Adapter) do(ctx context.Context, fn func(context.Context) error) error {
	if err := a.sem.Acquire(ctx, 1); err != nil {
		return err
	}
	defer a.sem.Release(1)

	var lastErr error
	for attempt := 0; attempt <= a.opts.MaxRetries; attempt++ {
		if attempt > 0 {
			if err := waitWithContext(ctx, jitter(backoff(attempt, a.opts.BaseDelay, a.opts.MaxDelay))); err != nil {
				return err
			}
		}
		if err := a.spacing.Wait(ctx); err != nil {
			return err
		}
		lastErr = fn(ctx)
		if lastErr == nil || !remote.Retryable(lastErr) {
			return lastErr
		}
	}
	return lastErr
}

func backoff(attempt int, base, max time.Duration) time.Duration {
	delay := base
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= max {
			return max
		}
	}
	if delay > max {
		return max
	}
	return delay
}

// jitter scales the delay by a small random factor so reconnecting
// clients do not stampede.
func jitter(d time.Duration) time.Duration {
	return d + time.Duration(rand.Int63n(int64(d)/2+1))
}

func waitWithContext(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return nil
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

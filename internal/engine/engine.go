// Package engine reconciles locally-originated optimistic writes,
// remotely-observed change events, and periodic catch-up polling into
// one consistent, ordered, duplicate-free message timeline for a single
// conversation.
package engine

import (
	"context"
	"errors"
	"log"
	"time"

	"github.com/google/uuid"

	"github.com/justinron31/over/internal/domain"
	"github.com/justinron31/over/internal/store"
)

const (
	defaultPollInterval   = 3 * time.Second
	defaultHealthInterval = 30 * time.Second
	defaultPageSize       = 50
	defaultDeleteWindow   = time.Hour
	maxPollBatch          = 200
)

var (
	ErrClosed              = errors.New("engine: conversation closed")
	ErrLoadInFlight        = errors.New("engine: a history load is already in flight")
	ErrNoPendingEdit       = errors.New("engine: no edit in progress")
	ErrEditInProgress      = errors.New("engine: another edit is in progress")
	ErrNotOwnMessage       = errors.New("engine: only your own messages can be modified")
	ErrMessageDeleted      = errors.New("engine: message was deleted")
	ErrMessageUnknown      = errors.New("engine: message not found")
	ErrDeleteWindowExpired = errors.New("engine: message is too old to delete")
)

// Transport is what the engine needs from the transport adapter.
type Transport interface {
	Connect(ctx context.Context, key string) error
	Disconnect()
	Events() <-chan domain.ChangeEvent
	Publish(ctx context.Context, ev domain.ChangeEvent) error
	HealthCheck(ctx context.Context)
	FetchAfter(ctx context.Context, userID, peerID uuid.UUID, after time.Time, limit int) ([]domain.Message, error)
	FetchBefore(ctx context.Context, userID, peerID uuid.UUID, before *time.Time, limit int) ([]domain.Message, error)
	Insert(ctx context.Context, msg domain.Message) error
	Update(ctx context.Context, patch domain.Patch) error
}

// Notifier receives user-facing outcomes the engine cannot resolve by
// itself. Implementations must not call back into the engine.
type Notifier interface {
	// SendFailed fires after send retries are exhausted; draft is the
	// original text, restored for the user to retry.
	SendFailed(draft string, err error)

	// EditFailed mirrors SendFailed for a failed edit submission; the
	// pending edit has been restored.
	EditFailed(messageID uuid.UUID, err error)

	// DeleteFailed fires when a delete submission failed and the
	// optimistic soft-delete was rolled back.
	DeleteFailed(messageID uuid.UUID, err error)

	// EditInvalidated fires when the message under edit was changed or
	// deleted remotely and continuing would overwrite newer state.
	EditInvalidated(messageID uuid.UUID)

	// LoadFailed fires when a poll or history fetch failed after
	// retries; recoverable, the next timer tick tries again.
	LoadFailed(op string, err error)
}

type noopNotifier struct{}

func (noopNotifier) SendFailed(string, error)      {}
func (noopNotifier) EditFailed(uuid.UUID, error)   {}
func (noopNotifier) DeleteFailed(uuid.UUID, error) {}
func (noopNotifier) EditInvalidated(uuid.UUID)     {}
func (noopNotifier) LoadFailed(string, error)      {}

// Config carries per-conversation policy.
type Config struct {
	SelfID uuid.UUID
	PeerID uuid.UUID

	PollInterval   time.Duration
	HealthInterval time.Duration
	PageSize       int

	// DeleteWindow is the single deployment-wide recency window during
	// which a message stays deletable.
	DeleteWindow time.Duration
}

func (c Config) withDefaults() Config {
	if c.PollInterval <= 0 {
		c.PollInterval = defaultPollInterval
	}
	if c.HealthInterval <= 0 {
		c.HealthInterval = defaultHealthInterval
	}
	if c.PageSize <= 0 {
		c.PageSize = defaultPageSize
	}
	if c.DeleteWindow <= 0 {
		c.DeleteWindow = defaultDeleteWindow
	}
	return c
}

// Engine is the synchronization core for one conversation. All store
// mutations happen on its single event loop; public methods post work
// onto the loop and never touch state directly. Concurrency here is
// source multiplicity in time, not parallel execution: the same logical
// mutation may be observed from broadcast, change-stream, and poll, and
// the resolver's idempotence and merge rules make re-application safe
// in any arrival order.
type Engine struct {
	cfg       Config
	key       string
	store     *store.Store
	transport Transport
	notifier  Notifier

	// OnAppend, when set before Run, fires once per genuinely new
	// message, never for duplicate deliveries. UI scroll hooks go here.
	OnAppend func(domain.Message)

	tasks chan func()
	done  chan struct{}

	pending    *domain.PendingEdit
	polling    bool
	paginating bool

	clock func() time.Time
}

func New(cfg Config, transport Transport, notifier Notifier) *Engine {
	if notifier == nil {
		notifier = noopNotifier{}
	}
	cfg = cfg.withDefaults()
	return &Engine{
		cfg:       cfg,
		key:       domain.ConversationKey(cfg.SelfID, cfg.PeerID),
		store:     store.New(),
		transport: transport,
		notifier:  notifier,
		tasks:     make(chan func(), 64),
		done:      make(chan struct{}),
		clock:     time.Now,
	}
}

// Key returns the conversation key this engine serves.
func (e *Engine) Key() string { return e.key }

// Run connects the transport, performs the initial history load, and
// processes events until ctx is cancelled. Cancelling ctx is the
// conversation teardown: timers stop, subscriptions drop, and any
// still-in-flight fetch result is discarded rather than applied to a
// newer conversation's state.
func (e *Engine) Run(ctx context.Context) error {
	defer close(e.done)
	defer e.transport.Disconnect()

	if err := e.transport.Connect(ctx, e.key); err != nil {
		return err
	}
	e.startInitialLoad(ctx)

	pollTicker := time.NewTicker(e.cfg.PollInterval)
	defer pollTicker.Stop()
	healthTicker := time.NewTicker(e.cfg.HealthInterval)
	defer healthTicker.Stop()

	for {
		select {
		case ev := <-e.transport.Events():
			e.resolve(ev)
		case task := <-e.tasks:
			task()
		case <-pollTicker.C:
			e.pollOnce(ctx)
		case <-healthTicker.C:
			go e.transport.HealthCheck(ctx)
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// post schedules fn on the event loop. Returns false once the loop has
// exited; late completions land here and are dropped on purpose.
func (e *Engine) post(fn func()) bool {
	select {
	case e.tasks <- fn:
		return true
	case <-e.done:
		return false
	}
}

// call runs fn on the loop and waits for it, for request/response style
// public methods.
func (e *Engine) call(ctx context.Context, fn func()) error {
	donec := make(chan struct{})
	ok := e.post(func() {
		defer close(donec)
		fn()
	})
	if !ok {
		return ErrClosed
	}
	select {
	case <-donec:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-e.done:
		return ErrClosed
	}
}

// Snapshot returns the current ordered timeline.
func (e *Engine) Snapshot(ctx context.Context) ([]domain.Message, error) {
	var out []domain.Message
	if err := e.call(ctx, func() { out = e.store.Snapshot() }); err != nil {
		return nil, err
	}
	return out, nil
}

// PendingEdit returns a copy of the in-progress edit, if any.
func (e *Engine) PendingEdit(ctx context.Context) (*domain.PendingEdit, error) {
	var out *domain.PendingEdit
	err := e.call(ctx, func() {
		if e.pending != nil {
			cp := *e.pending
			out = &cp
		}
	})
	return out, err
}

func (e *Engine) appended(msg domain.Message) {
	if e.OnAppend != nil {
		e.OnAppend(msg)
	}
}

func (e *Engine) logf(format string, args ...any) {
	log.Printf("engine[%s]: "+format, append([]any{shortKey(e.key)}, args...)...)
}

func shortKey(key string) string {
	if len(key) > 8 {
		return key[:8]
	}
	return key
}

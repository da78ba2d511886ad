// Package natsbus carries the ephemeral broadcast path over core NATS:
// one subject per conversation, at-least-once, no ordering guarantee.
// Publishers receive their own events back through their subscription,
// which the engine relies on to validate delivery; store idempotence
// makes the echo a no-op.
package natsbus

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"

	"github.com/justinron31/over/internal/domain"
	"github.com/justinron31/over/internal/remote"
)

const (
	subjectPrefix  = "over.dm"
	presencePrefix = "over.presence"
	eventBufSize   = 256
	flushTimeout   = 5 * time.Second
)

type presenceBeat struct {
	UserID uuid.UUID `json:"user_id"`
	At     int64     `json:"at"`
}

type Bus struct {
	nc *nats.Conn
}

// Connect dials the NATS server with unlimited reconnects; transient
// drops are absorbed by the client's own buffering.
func Connect(url string) (*Bus, error) {
	nc, err := nats.Connect(url,
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			log.Printf("nats: disconnected: %v", err)
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Printf("nats: reconnected to %s", nc.ConnectedUrl())
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}
	return &Bus{nc: nc}, nil
}

func NewBus(nc *nats.Conn) *Bus { return &Bus{nc: nc} }

func (b *Bus) Close() {
	if b.nc != nil {
		b.nc.Close()
	}
}

// Healthy reports whether the connection is currently established.
func (b *Bus) Healthy() bool {
	return b.nc != nil && b.nc.Status() == nats.CONNECTED
}

// Publish emits a change event on the conversation subject and waits
// for the server to acknowledge the flush.
func (b *Bus) Publish(ctx context.Context, key string, ev domain.ChangeEvent) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}
	if err := b.nc.Publish(subject(key), data); err != nil {
		return remote.Transient("broadcast publish", err)
	}
	flushCtx, cancel := withTimeout(ctx)
	defer cancel()
	if err := b.nc.FlushWithContext(flushCtx); err != nil {
		return remote.Transient("broadcast flush", err)
	}
	return nil
}

// Presence pushes the per-channel liveness heartbeat.
func (b *Bus) Presence(ctx context.Context, key string, userID uuid.UUID) error {
	data, err := json.Marshal(presenceBeat{UserID: userID, At: time.Now().Unix()})
	if err != nil {
		return err
	}
	if err := b.nc.Publish(presenceSubject(key), data); err != nil {
		return remote.Transient("presence publish", err)
	}
	flushCtx, cancel := withTimeout(ctx)
	defer cancel()
	if err := b.nc.FlushWithContext(flushCtx); err != nil {
		return remote.Transient("presence flush", err)
	}
	return nil
}

// Subscribe listens on the conversation subject. Events published by
// this same client come back too.
func (b *Bus) Subscribe(_ context.Context, key string) (remote.Subscription, error) {
	s := &subscription{
		key:    key,
		events: make(chan domain.ChangeEvent, eventBufSize),
		done:   make(chan struct{}),
	}
	sub, err := b.nc.Subscribe(subject(key), func(m *nats.Msg) {
		var ev domain.ChangeEvent
		if err := json.Unmarshal(m.Data, &ev); err != nil {
			log.Printf("nats: error unmarshaling event on %s: %v", m.Subject, err)
			return
		}
		if ev.TargetID() == uuid.Nil {
			log.Printf("nats: dropping event without message id on %s", m.Subject)
			return
		}
		ev.Source = domain.SourceBroadcast
		ev.ConversationKey = key
		ev.ObservedAt = time.Now()
		select {
		case <-s.done:
			return
		default:
		}
		select {
		case s.events <- ev:
		default:
			// Buffer full; the poll path backfills anything shed here.
			log.Printf("nats: broadcast buffer full for %s, dropping event", key)
		}
	})
	if err != nil {
		return nil, remote.Transient("broadcast subscribe", err)
	}
	s.sub = sub
	if err := b.nc.Flush(); err != nil {
		s.Close()
		return nil, remote.Transient("broadcast subscribe", err)
	}
	return s, nil
}

func subject(key string) string {
	return fmt.Sprintf("%s.%s", subjectPrefix, sanitize(key))
}

func presenceSubject(key string) string {
	return fmt.Sprintf("%s.%s", presencePrefix, sanitize(key))
}

// sanitize keeps conversation keys valid as subject tokens; the key is
// "uuid:uuid" and ':' is not meaningful to NATS, but '.' would split
// the subject.
func sanitize(key string) string {
	out := make([]byte, len(key))
	for i := 0; i < len(key); i++ {
		c := key[i]
		if c == '.' || c == ' ' || c == '*' || c == '>' {
			c = '_'
		}
		out[i] = c
	}
	return string(out)
}

func withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if _, ok := ctx.Deadline(); ok {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, flushTimeout)
}

type subscription struct {
	key    string
	sub    *nats.Subscription
	events chan domain.ChangeEvent

	mu      sync.Mutex
	termErr error

	done      chan struct{}
	closeOnce sync.Once
}

func (s *subscription) Events() <-chan domain.ChangeEvent { return s.events }

func (s *subscription) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.termErr
}

func (s *subscription) Close() {
	s.closeOnce.Do(func() {
		close(s.done)
		if s.sub != nil {
			if err := s.sub.Unsubscribe(); err != nil {
				s.mu.Lock()
				s.termErr = err
				s.mu.Unlock()
			}
		}
	})
}

// Package remote defines the contract with the remote message store.
// The store itself is an opaque collaborator reached over three paths:
// a request/response data API, a durable row-change subscription, and
// an ephemeral conversation-scoped broadcast channel.
package remote

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/justinron31/over/internal/domain"
)

// Store is the request/response data API.
type Store interface {
	// FetchAfter returns messages between the two participants (both
	// directions) with created_at strictly after the watermark, in
	// ascending order, at most limit rows. Used by catch-up polling.
	FetchAfter(ctx context.Context, userID, peerID uuid.UUID, after time.Time, limit int) ([]domain.Message, error)

	// FetchBefore returns the page of messages immediately older than
	// the cursor, in ascending order. A nil cursor means "the newest
	// page" and serves the initial load.
	FetchBefore(ctx context.Context, userID, peerID uuid.UUID, before *time.Time, limit int) ([]domain.Message, error)

	// Insert persists a fully-formed message. The id is client-assigned,
	// so the operation is create-or-replace keyed by id and safe to
	// repeat.
	Insert(ctx context.Context, msg domain.Message) error

	// Update applies a partial patch scoped by {message id, actor id}.
	// The remote store rejects actors that are not the message sender;
	// that surfaces as ErrNotOwner and is never retried.
	Update(ctx context.Context, patch domain.Patch) error
}

// Subscription is one live event feed, either the change-stream or the
// broadcast channel. Events ends when the feed dies; the terminal cause
// is then readable from Err.
type Subscription interface {
	Events() <-chan domain.ChangeEvent
	Err() error
	Close()
}

// Changefeed is the durable row-change subscription, filtered to the
// two participants of one conversation.
type Changefeed interface {
	Subscribe(ctx context.Context, key string) (Subscription, error)
}

// Broadcast is the ephemeral low-latency pub/sub channel. Delivery is
// at-least-once with no ordering guarantee, and publishers receive
// their own events back.
type Broadcast interface {
	Changefeed
	Publish(ctx context.Context, key string, ev domain.ChangeEvent) error

	// Presence pushes a per-channel liveness signal for this user.
	Presence(ctx context.Context, key string, userID uuid.UUID) error

	// Healthy reports whether the underlying connection is usable.
	Healthy() bool
}

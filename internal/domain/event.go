package domain

import (
	"time"

	"github.com/google/uuid"
)

// Op tags what a change event describes.
type Op string

const (
	OpInsert Op = "insert"
	OpUpdate Op = "update"
	OpDelete Op = "delete"
)

// Source records which delivery path an event arrived on. The same
// logical mutation is typically observed more than once, on different
// paths, within a short window; downstream logic is source-agnostic and
// the tag exists for logging and tests.
type Source string

const (
	SourceLocal     Source = "local"
	SourceBroadcast Source = "broadcast"
	SourceStream    Source = "stream"
	SourcePoll      Source = "poll"
)

// ChangeEvent is the single normalized inbound event type. Every
// transport converts its own payload shape into one of these at the
// adapter boundary.
//
// Inserts and poll results carry a full Message; updates and deletes
// carry a Patch with only the changed fields set.
type ChangeEvent struct {
	Op              Op        `json:"op"`
	Source          Source    `json:"source"`
	ConversationKey string    `json:"conversation_key"`
	Message         *Message  `json:"message,omitempty"`
	Patch           *Patch    `json:"patch,omitempty"`
	ObservedAt      time.Time `json:"observed_at"`
}

// Patch is a partial view of a message. Nil fields were not specified by
// the event and must retain their prior local values when merged.
type Patch struct {
	MessageID uuid.UUID  `json:"message_id"`
	ActorID   uuid.UUID  `json:"actor_id"`
	Content   *string    `json:"content,omitempty"`
	EditedAt  *time.Time `json:"edited_at,omitempty"`
	ReadAt    *time.Time `json:"read_at,omitempty"`
	DeletedAt *time.Time `json:"deleted_at,omitempty"`
	DeletedBy *uuid.UUID `json:"deleted_by,omitempty"`
}

// TargetID returns the message id the event refers to, whichever shape
// it carries.
func (e *ChangeEvent) TargetID() uuid.UUID {
	if e.Message != nil {
		return e.Message.ID
	}
	if e.Patch != nil {
		return e.Patch.MessageID
	}
	return uuid.Nil
}

// PendingEdit is the at-most-one in-progress edit for a conversation.
type PendingEdit struct {
	MessageID uuid.UUID
	Draft     string
}

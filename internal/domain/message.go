package domain

import (
	"time"

	"github.com/google/uuid"
)

// Message is one direct message between two users. The id is assigned by
// the sending client at creation time, so the optimistic local copy and
// every remotely-observed copy of the same message share identity.
type Message struct {
	ID              uuid.UUID  `json:"id"`
	SenderID        uuid.UUID  `json:"sender_id"`
	ReceiverID      uuid.UUID  `json:"receiver_id"`
	Content         string     `json:"content"`
	OriginalContent *string    `json:"original_content,omitempty"`
	EditedAt        *time.Time `json:"edited_at,omitempty"`
	ReadAt          *time.Time `json:"read_at,omitempty"`
	DeletedAt       *time.Time `json:"deleted_at,omitempty"`
	DeletedBy       *uuid.UUID `json:"deleted_by,omitempty"`
	CreatedAt       time.Time  `json:"created_at"`
}

// Deleted reports whether the message is soft-deleted. Deleted messages
// stay in the store and are only masked from display.
func (m *Message) Deleted() bool {
	return m.DeletedAt != nil
}

// Before reports whether m sorts before other in a conversation view:
// ascending created_at, ties broken by id.
func (m *Message) Before(other *Message) bool {
	if m.CreatedAt.Equal(other.CreatedAt) {
		return m.ID.String() < other.ID.String()
	}
	return m.CreatedAt.Before(other.CreatedAt)
}

// ConversationKey derives the canonical key for the unordered pair of
// participants. Both sides compute the same key regardless of who is
// sender and who is receiver.
func ConversationKey(a, b uuid.UUID) string {
	// Sort so user1 < user2 (canonical order)
	u1, u2 := a, b
	if u1.String() > u2.String() {
		u1, u2 = u2, u1
	}
	return u1.String() + ":" + u2.String()
}

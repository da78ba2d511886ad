// Package store holds the in-memory ordered message collection for one
// conversation and applies inserts and partial updates idempotently.
package store

import (
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/justinron31/over/internal/domain"
)

// Store is the reconciliation store for a single conversation. The
// visible sequence is always sorted ascending by created_at, ties
// broken by id. Mutations are not goroutine-safe: the engine applies
// them from a single event loop.
type Store struct {
	msgs []domain.Message
	byID map[uuid.UUID]int
}

func New() *Store {
	return &Store{byID: make(map[uuid.UUID]int)}
}

func (s *Store) Len() int { return len(s.msgs) }

// Get returns a copy of the message with the given id.
func (s *Store) Get(id uuid.UUID) (domain.Message, bool) {
	i, ok := s.byID[id]
	if !ok {
		return domain.Message{}, false
	}
	return s.msgs[i], true
}

// Insert adds a message at its sorted position. Inserting an id that is
// already present is a no-op and returns false; the same message
// arriving via broadcast, change-stream, and poll collapses to one row.
func (s *Store) Insert(msg domain.Message) bool {
	if _, ok := s.byID[msg.ID]; ok {
		return false
	}
	// Common case: genuinely newest message, append is equivalent.
	if n := len(s.msgs); n == 0 || s.msgs[n-1].Before(&msg) {
		s.msgs = append(s.msgs, msg)
		s.byID[msg.ID] = len(s.msgs) - 1
		return true
	}
	i := sort.Search(len(s.msgs), func(i int) bool {
		return msg.Before(&s.msgs[i])
	})
	s.msgs = append(s.msgs, domain.Message{})
	copy(s.msgs[i+1:], s.msgs[i:])
	s.msgs[i] = msg
	s.reindex(i)
	return true
}

// Merge applies a partial update to an existing message. Only non-nil
// patch fields overwrite local state, so a read receipt cannot clobber
// a concurrent edit and vice versa. Each timestamp field only moves
// forward; a patch whose set timestamps are all older than what is
// already known is rejected as stale. Returns false when the target is
// absent or the patch is stale.
func (s *Store) Merge(p domain.Patch) bool {
	i, ok := s.byID[p.MessageID]
	if !ok {
		return false
	}
	m := &s.msgs[i]
	if older(p.EditedAt, m.EditedAt) || older(p.ReadAt, m.ReadAt) || older(p.DeletedAt, m.DeletedAt) {
		return false
	}
	if p.Content != nil && *p.Content != m.Content {
		if m.OriginalContent == nil {
			orig := m.Content
			m.OriginalContent = &orig
		}
		m.Content = *p.Content
	}
	if p.EditedAt != nil {
		m.EditedAt = p.EditedAt
	}
	if p.ReadAt != nil {
		m.ReadAt = p.ReadAt
	}
	if p.DeletedAt != nil {
		m.DeletedAt = p.DeletedAt
	}
	if p.DeletedBy != nil {
		m.DeletedBy = p.DeletedBy
	}
	return true
}

// Replace overwrites an existing message wholesale, keeping its sorted
// position. Used for optimistic-edit rollback where the pre-edit
// snapshot must be restored exactly, including nil fields.
func (s *Store) Replace(msg domain.Message) bool {
	i, ok := s.byID[msg.ID]
	if !ok {
		return false
	}
	s.msgs[i] = msg
	return true
}

// Remove drops a message from the collection entirely. This is for
// optimistic rollback and pruning only; remote deletions are soft and
// go through Merge.
func (s *Store) Remove(id uuid.UUID) bool {
	i, ok := s.byID[id]
	if !ok {
		return false
	}
	delete(s.byID, id)
	s.msgs = append(s.msgs[:i], s.msgs[i+1:]...)
	s.reindex(i)
	return true
}

// Snapshot returns a copy of the ordered sequence.
func (s *Store) Snapshot() []domain.Message {
	out := make([]domain.Message, len(s.msgs))
	copy(out, s.msgs)
	return out
}

// NewestCreatedAt is the poll watermark: messages newer than this are
// fetched on the next catch-up.
func (s *Store) NewestCreatedAt() (time.Time, bool) {
	if len(s.msgs) == 0 {
		return time.Time{}, false
	}
	return s.msgs[len(s.msgs)-1].CreatedAt, true
}

// OldestCreatedAt is the pagination cursor for loading history.
func (s *Store) OldestCreatedAt() (time.Time, bool) {
	if len(s.msgs) == 0 {
		return time.Time{}, false
	}
	return s.msgs[0].CreatedAt, true
}

// Prepend inserts a page of older messages and returns how many were
// actually new. Duplicates from overlapping pages are dropped.
func (s *Store) Prepend(batch []domain.Message) int {
	added := 0
	for _, msg := range batch {
		if s.Insert(msg) {
			added++
		}
	}
	return added
}

// Clear empties the store on conversation teardown.
func (s *Store) Clear() {
	s.msgs = nil
	s.byID = make(map[uuid.UUID]int)
}

func (s *Store) reindex(from int) {
	for i := from; i < len(s.msgs); i++ {
		s.byID[s.msgs[i].ID] = i
	}
}

// older reports whether the incoming timestamp is set but strictly
// behind the local one. Nil incoming means "not specified" and nil
// local means "first observation"; neither is stale.
func older(incoming, local *time.Time) bool {
	if incoming == nil || local == nil {
		return false
	}
	return incoming.Before(*local)
}

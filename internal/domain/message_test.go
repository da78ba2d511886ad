package domain

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
)

func TestConversationKeySymmetric(t *testing.T) {
	a := uuid.MustParse("aaaaaaaa-0000-0000-0000-000000000000")
	b := uuid.MustParse("bbbbbbbb-0000-0000-0000-000000000000")

	assert.Equal(t, ConversationKey(a, b), ConversationKey(b, a))
	assert.Equal(t, a.String()+":"+b.String(), ConversationKey(b, a))
}

func TestBeforeOrdersByCreationThenID(t *testing.T) {
	t0 := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	older := Message{ID: uuid.MustParse("00000000-0000-0000-0000-000000000001"), CreatedAt: t0}
	newer := Message{ID: uuid.MustParse("00000000-0000-0000-0000-000000000002"), CreatedAt: t0.Add(time.Second)}
	twin := Message{ID: uuid.MustParse("00000000-0000-0000-0000-000000000003"), CreatedAt: t0}

	assert.True(t, older.Before(&newer))
	assert.False(t, newer.Before(&older))
	assert.True(t, older.Before(&twin), "equal timestamps fall back to id order")
	assert.False(t, twin.Before(&older))
}

func TestDeleted(t *testing.T) {
	var m Message
	assert.False(t, m.Deleted())
	now := time.Now()
	m.DeletedAt = &now
	assert.True(t, m.Deleted())
}

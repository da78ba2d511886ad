package gateway

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/justinron31/over/internal/domain"
	"github.com/justinron31/over/internal/remote"
)

func TestNormalizeNewMessage(t *testing.T) {
	s := &subscription{key: "a:b"}
	msg := domain.Message{
		ID:         uuid.New(),
		SenderID:   uuid.New(),
		ReceiverID: uuid.New(),
		Content:    "hello",
		CreatedAt:  time.Now().UTC(),
	}
	payload, err := json.Marshal(msg)
	require.NoError(t, err)

	ev, err := s.normalize(&envelope{Type: eventMessageNew, Payload: payload})
	require.NoError(t, err)
	require.NotNil(t, ev)
	assert.Equal(t, domain.OpInsert, ev.Op)
	assert.Equal(t, domain.SourceStream, ev.Source)
	assert.Equal(t, "a:b", ev.ConversationKey)
	require.NotNil(t, ev.Message)
	assert.Equal(t, msg.ID, ev.Message.ID)
}

func TestNormalizeEditAndDelete(t *testing.T) {
	s := &subscription{key: "a:b"}
	content := "edited"
	patch := domain.Patch{MessageID: uuid.New(), ActorID: uuid.New(), Content: &content}
	payload, err := json.Marshal(patch)
	require.NoError(t, err)

	ev, err := s.normalize(&envelope{Type: eventMessageEdited, Payload: payload})
	require.NoError(t, err)
	require.NotNil(t, ev)
	assert.Equal(t, domain.OpUpdate, ev.Op)
	require.NotNil(t, ev.Patch)
	assert.Equal(t, patch.MessageID, ev.Patch.MessageID)

	ev, err = s.normalize(&envelope{Type: eventMessageDeleted, Payload: payload})
	require.NoError(t, err)
	assert.Equal(t, domain.OpDelete, ev.Op)
}

func TestNormalizeRejectsMalformed(t *testing.T) {
	s := &subscription{key: "a:b"}

	_, err := s.normalize(&envelope{Type: eventMessageNew, Payload: []byte(`{broken`)})
	assert.ErrorIs(t, err, remote.ErrMalformed)

	// A well-formed payload without an id is still unusable.
	_, err = s.normalize(&envelope{Type: eventMessageEdited, Payload: []byte(`{}`)})
	assert.ErrorIs(t, err, remote.ErrMalformed)
}

func TestNormalizeIgnoresUnrelatedEnvelopes(t *testing.T) {
	s := &subscription{key: "a:b"}
	ev, err := s.normalize(&envelope{Type: "presence.update", Payload: []byte(`{}`)})
	require.NoError(t, err)
	assert.Nil(t, ev, "non-change envelopes are skipped, not errors")
}

func TestMintTokenRoundTrip(t *testing.T) {
	userID := uuid.New()
	c := NewClient("ws://localhost", "secret", userID)

	raw, err := c.mintToken()
	require.NoError(t, err)

	parsed, err := jwt.Parse(raw, func(tok *jwt.Token) (any, error) {
		return []byte("secret"), nil
	}, jwt.WithValidMethods([]string{"HS256"}))
	require.NoError(t, err)
	require.True(t, parsed.Valid)

	sub, err := parsed.Claims.GetSubject()
	require.NoError(t, err)
	assert.Equal(t, userID.String(), sub)
}

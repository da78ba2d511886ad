package natsbus

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSubjectFromConversationKey(t *testing.T) {
	key := "11111111-1111-1111-1111-111111111111:22222222-2222-2222-2222-222222222222"
	assert.Equal(t, "over.dm."+key, subject(key))
	assert.Equal(t, "over.presence."+key, presenceSubject(key))
}

func TestSanitizeReservedCharacters(t *testing.T) {
	assert.Equal(t, "a_b", sanitize("a.b"))
	assert.Equal(t, "a_b_c_d", sanitize("a b*c>d"))
	assert.Equal(t, "a:b", sanitize("a:b"), "colons pass through untouched")
}

package validator

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestMessageContent(t *testing.T) {
	tests := []struct {
		name    string
		content string
		wantErr bool
	}{
		{"valid", "hello", false},
		{"empty", "", true},
		{"whitespace only", "   \t\n", true},
		{"at limit", strings.Repeat("a", MaxMessageLength), false},
		{"over limit", strings.Repeat("a", MaxMessageLength+1), true},
		{"multibyte counted as runes", strings.Repeat("ü", MaxMessageLength), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			errs := MessageContent(tt.content)
			assert.Equal(t, tt.wantErr, errs.HasErrors())
		})
	}
}

func TestValidationErrorsError(t *testing.T) {
	errs := ValidationErrors{}
	errs.Add("content", "is required")
	assert.Contains(t, errs.Error(), "content: is required")

	var err error = errs
	assert.NotEmpty(t, err.Error())
}

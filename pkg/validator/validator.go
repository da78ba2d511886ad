package validator

import (
	"sort"
	"strings"
	"unicode/utf8"
)

const MaxMessageLength = 4000

type ValidationErrors map[string]string

func (v ValidationErrors) HasErrors() bool {
	return len(v) > 0
}

func (v ValidationErrors) Add(field, message string) {
	v[field] = message
}

func (v ValidationErrors) Error() string {
	fields := make([]string, 0, len(v))
	for field := range v {
		fields = append(fields, field)
	}
	sort.Strings(fields)
	parts := make([]string, 0, len(v))
	for _, field := range fields {
		parts = append(parts, field+": "+v[field])
	}
	return strings.Join(parts, "; ")
}

// MessageContent validates an outbound message body before any
// optimistic mutation happens.
func MessageContent(content string) ValidationErrors {
	errs := make(ValidationErrors)

	if strings.TrimSpace(content) == "" {
		errs.Add("content", "Message cannot be empty")
	} else if utf8.RuneCountInString(content) > MaxMessageLength {
		errs.Add("content", "Message is too long")
	}

	return errs
}

// Draft validates an edit draft; same rules as a fresh message.
func Draft(draft string) ValidationErrors {
	return MessageContent(draft)
}

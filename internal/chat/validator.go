package chat

import (
	"fmt"
	"strings"
	"unicode/utf8"
)

const (
	MaxMessageBytes = 4096 // 4KB max frame size
	MaxTextChars    = 2000 // max character count
)

// ValidateMessage checks that a message body meets content requirements.
// Whitespace-only text counts as empty.
func ValidateMessage(text string) error {
	if strings.TrimSpace(text) == "" {
		return NewError(CodeInvalidArgument, "message text is empty")
	}
	if len(text) > MaxMessageBytes {
		return NewError(CodeInvalidArgument, fmt.Sprintf("message exceeds %d byte limit", MaxMessageBytes))
	}
	if !utf8.ValidString(text) {
		return NewError(CodeInvalidArgument, "message contains invalid UTF-8")
	}
	if utf8.RuneCountInString(text) > MaxTextChars {
		return NewError(CodeInvalidArgument, fmt.Sprintf("message exceeds %d character limit", MaxTextChars))
	}
	return nil
}

// ValidateUserID rejects ids that cannot take part in a conversation id.
func ValidateUserID(id string) error {
	if id == "" {
		return NewError(CodeInvalidArgument, "user id is empty")
	}
	if strings.ContainsRune(id, 0) {
		return NewError(CodeInvalidArgument, "user id contains NUL")
	}
	return nil
}

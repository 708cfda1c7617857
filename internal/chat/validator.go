package chat

import (
	"unicode/utf8"

	"github.com/junqo/messaging-gateway/internal/fault"
)

const (
	MaxMessageBytes = 4096 // 4KB max frame size
	MaxTextChars    = 2000 // max character count
)

// ValidateContent checks that message content meets the content
// requirements. Failures are Validation faults.
func ValidateContent(text string) error {
	if len(text) == 0 {
		return fault.Invalid("message content is empty")
	}
	if len(text) > MaxMessageBytes {
		return fault.Invalid("message exceeds %d byte limit", MaxMessageBytes)
	}
	if !utf8.ValidString(text) {
		return fault.Invalid("message contains invalid UTF-8")
	}
	if utf8.RuneCountInString(text) > MaxTextChars {
		return fault.Invalid("message exceeds %d character limit", MaxTextChars)
	}
	return nil
}

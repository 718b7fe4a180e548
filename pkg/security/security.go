// Package security provides validation, sanitization, and limits for the flows package.
package security

import (
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/jdziat/durable-flows/pkg/core"
)

// Security limits and configuration
const (
	// MaxJobIDLength is the maximum length for job ids
	MaxJobIDLength = 191

	// MaxJobPayloadSize is the maximum size in bytes for job payloads (1MB)
	MaxJobPayloadSize = 1 << 20

	// MaxRetries is the hard limit for retry attempts
	MaxRetries = 100

	// MaxConcurrency is the hard limit for worker concurrency
	MaxConcurrency = 1000

	// MaxErrorMessageLength is the maximum length for stored error messages
	MaxErrorMessageLength = 4096
)

// ValidateJobID validates a caller-supplied job id
func ValidateJobID(id string) error {
	if id == "" {
		return core.ErrInvalidJobID
	}
	if len(id) > MaxJobIDLength {
		return core.ErrJobIDTooLong
	}
	for _, r := range id {
		if unicode.IsControl(r) || unicode.IsSpace(r) {
			return core.ErrInvalidJobID
		}
	}
	return nil
}

// ValidateQueueName validates a queue name
func ValidateQueueName(name core.QueueName) error {
	switch name {
	case core.QueueOneTime, core.QueueScheduled:
		return nil
	default:
		return core.ErrInvalidQueueName
	}
}

// ValidatePayloadSize enforces the payload size limit
func ValidatePayloadSize(payload []byte) error {
	if len(payload) > MaxJobPayloadSize {
		return core.ErrJobPayloadTooLarge
	}
	return nil
}

// SanitizeErrorMessage truncates and sanitizes error messages for storage
func SanitizeErrorMessage(msg string) string {
	if msg == "" {
		return ""
	}

	// Remove any null bytes or control characters (except newlines)
	var sanitized strings.Builder
	sanitized.Grow(len(msg))

	for _, r := range msg {
		if r == '\n' || r == '\r' || r == '\t' || (r >= 32 && r != 127) {
			sanitized.WriteRune(r)
		}
	}

	result := sanitized.String()

	if utf8.RuneCountInString(result) > MaxErrorMessageLength {
		runes := []rune(result)
		result = string(runes[:MaxErrorMessageLength-3]) + "..."
	}

	return result
}

// ClampRetries ensures retry count is within limits
func ClampRetries(n int) int {
	if n < 0 {
		return 0
	}
	if n > MaxRetries {
		return MaxRetries
	}
	return n
}

// ClampConcurrency ensures concurrency is within limits
func ClampConcurrency(n int) int {
	if n < 1 {
		return 1
	}
	if n > MaxConcurrency {
		return MaxConcurrency
	}
	return n
}

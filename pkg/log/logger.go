// Package log builds the process logger and the attributes shared across
// components.
package log

import (
	"fmt"
	"log/slog"
	"os"
	"strings"
)

// New constructs a JSON slog.Logger writing to stdout at the named level.
// Unknown levels are an error rather than a silent fallback.
func New(service, level string) (*slog.Logger, error) {
	lvl, err := ParseLevel(level)
	if err != nil {
		return nil, err
	}
	return NewWithLevel(service, lvl), nil
}

// NewWithLevel constructs a JSON slog.Logger at the provided level
func NewWithLevel(service string, lvl slog.Level) *slog.Logger {
	handler := slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: lvl,
	})
	return slog.New(handler).With(slog.String("service", service))
}

// ParseLevel maps debug, info, warn and error to slog levels.
func ParseLevel(level string) (slog.Level, error) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(strings.ToUpper(level))); err != nil {
		return 0, fmt.Errorf("log: unknown level %q", level)
	}
	return lvl, nil
}

package types

import "time"

// Logger defines the structured logging interface used throughout the
// subsystem. Satisfied by a thin adapter over *slog.Logger in the entrypoints.
type Logger interface {
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
	With(args ...any) Logger
}

// Clock abstracts time for testability.
type Clock interface {
	Now() time.Time
}

// RealClock implements Clock using the real system time (always UTC).
type RealClock struct{}

// Now returns the current time in UTC.
func (RealClock) Now() time.Time { return time.Now().UTC() }

// SleepFunc abstracts blocking waits so tests can run the inline retry loop
// without real delays.
type SleepFunc func(time.Duration)

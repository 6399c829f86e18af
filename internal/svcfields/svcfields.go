package svcfields

import (
	"io"
	"strings"
	"sync"

	"pkt.systems/pslog"
)

// SubsystemKey is the canonical key for subsystem tags.
const SubsystemKey = pslog.TrustedString("sys")

var (
	noopOnce   sync.Once
	noopLogger pslog.Logger
)

// NoopLogger returns a disabled logger that discards all entries.
func NoopLogger() pslog.Logger {
	noopOnce.Do(func() {
		noopLogger = pslog.NewWithOptions(io.Discard, pslog.Options{
			Mode:     pslog.ModeStructured,
			MinLevel: pslog.Disabled,
		})
	})
	return noopLogger
}

// EnsureLogger returns l when non-nil, otherwise a disabled logger.
func EnsureLogger(l pslog.Logger) pslog.Logger {
	if l != nil {
		return l
	}
	return NoopLogger()
}

// Subsystem builds a dot-delimited subsystem path from the supplied parts while
// skipping empty fragments.
func Subsystem(parts ...string) string {
	filtered := make([]string, 0, len(parts))
	for _, part := range parts {
		part = strings.Trim(part, ". ")
		if part == "" {
			continue
		}
		filtered = append(filtered, part)
	}
	return strings.Join(filtered, ".")
}

// WithSubsystem attaches a subsystem tag to every log entry.
func WithSubsystem(logger pslog.Logger, subsystem string) pslog.Logger {
	logger = EnsureLogger(logger)
	subsystem = strings.Trim(subsystem, ". ")
	if subsystem == "" {
		return logger
	}
	return logger.With(SubsystemKey, subsystem)
}

// WithConn tags a logger with a connection kind and identifier, e.g.
// ("client", "cq2v8...") or ("backend", "10.0.0.4:8080/1").
func WithConn(logger pslog.Logger, kind, id string) pslog.Logger {
	logger = EnsureLogger(logger)
	if id == "" {
		return logger
	}
	return logger.With("conn_kind", kind, "conn", id)
}

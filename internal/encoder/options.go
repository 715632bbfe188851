package encoder

import (
	"log/slog"

	"github.com/smazurov/m2menc/internal/events"
)

// Option configures a Session.
type Option func(*Session)

// WithLogger sets the session logger. The default is the "encoder" module
// logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Session) {
		s.logger = logger
	}
}

// WithEventBus publishes state changes, packets and faults on bus.
func WithEventBus(bus *events.Bus) Option {
	return func(s *Session) {
		s.bus = bus
	}
}

// WithoutMetrics disables Prometheus updates, e.g. for short-lived
// sessions in tests.
func WithoutMetrics() Option {
	return func(s *Session) {
		s.metrics = false
	}
}

package auth

import (
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
)

const (
	defaultBatchConcurrency = 4
	systemActor             = "system"
)

type settings struct {
	logger           zerolog.Logger
	now              func() time.Time
	audit            AuditSink
	batchConcurrency int
	tracer           trace.Tracer
}

func newSettings(opts []Option) settings {
	s := settings{
		logger:           zerolog.Nop(),
		now:              time.Now,
		batchConcurrency: defaultBatchConcurrency,
		tracer:           otel.Tracer("coursegate.org/internal/auth"),
	}
	for _, opt := range opts {
		opt(&s)
	}
	return s
}

// Option configures the role and claims managers.
type Option func(*settings)

// WithLogger sets the logger used for degraded reads and swallowed failures.
func WithLogger(logger zerolog.Logger) Option {
	return func(s *settings) { s.logger = logger }
}

// WithClock overrides time source (useful for tests).
func WithClock(fn func() time.Time) Option {
	return func(s *settings) {
		if fn != nil {
			s.now = fn
		}
	}
}

// WithAuditSink routes role and claims audit entries to sink.
func WithAuditSink(sink AuditSink) Option {
	return func(s *settings) { s.audit = sink }
}

// WithBatchConcurrency bounds how many batch items run at once.
func WithBatchConcurrency(n int) Option {
	return func(s *settings) {
		if n > 0 {
			s.batchConcurrency = n
		}
	}
}

func actorOrSystem(uid string) string {
	if uid == "" {
		return systemActor
	}
	return uid
}

package audit

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"coursegate.org/internal/auth"
	"coursegate.org/internal/ids"
	"coursegate.org/internal/obs"
)

type ctxKey string

const requestIDKey ctxKey = "audit_request_id"

// WithRequestID attaches the request identifier to the context for audit logging.
func WithRequestID(ctx context.Context, requestID string) context.Context {
	requestID = strings.TrimSpace(requestID)
	if requestID == "" {
		return ctx
	}
	return context.WithValue(ctx, requestIDKey, requestID)
}

// RequestIDFromContext extracts the audit request id from context if present.
func RequestIDFromContext(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	if v, ok := ctx.Value(requestIDKey).(string); ok {
		return v
	}
	return ""
}

// LogEvent writes a log-only audit line enriched with request and user context.
func LogEvent(ctx context.Context, event string, fields map[string]any) error {
	event = strings.TrimSpace(event)
	if event == "" {
		return errors.New("event name is required")
	}
	l := obs.Logger()
	emit(ctx, l.Info(), event, fields)
	return nil
}

func emit(ctx context.Context, e *zerolog.Event, event string, fields map[string]any) {
	e = e.Str("type", "audit").Str("event", event)
	if rid := RequestIDFromContext(ctx); rid != "" {
		e = e.Str("request_id", rid)
	}
	if uid, ok := auth.UserIDFromContext(ctx); ok {
		e = e.Str("user_id", uid)
	}
	if fields == nil {
		fields = map[string]any{}
	}
	e.Interface("fields", fields).Msg("audit")
}

// Logger persists audit entries and mirrors each one to the structured log.
type Logger struct {
	store auth.AuditStore
	now   func() time.Time
}

var _ auth.AuditSink = (*Logger)(nil)

// Option configures Logger.
type Option func(*Logger)

// WithClock overrides the time source.
func WithClock(fn func() time.Time) Option {
	return func(l *Logger) {
		if fn != nil {
			l.now = fn
		}
	}
}

// NewLogger builds a Logger. A nil store logs without persisting.
func NewLogger(store auth.AuditStore, opts ...Option) *Logger {
	l := &Logger{store: store, now: time.Now}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Record enriches entry from the call context and appends it.
func (l *Logger) Record(ctx context.Context, entry auth.AuditEntry) error {
	entry.Event = strings.TrimSpace(entry.Event)
	if entry.Event == "" {
		return errors.New("event name is required")
	}
	if entry.Timestamp.IsZero() {
		entry.Timestamp = l.now().UTC()
	}
	if entry.ID == "" {
		entry.ID = ids.NewAt(entry.Timestamp)
	}
	if entry.Category == "" {
		entry.Category = auth.AuditCategorySecurity
	}
	if call, ok := auth.CallFromContext(ctx); ok {
		if entry.ActorUID == "" {
			entry.ActorUID = call.UID()
		}
		if entry.IP == "" {
			entry.IP = call.IP
		}
		if entry.UserAgent == "" {
			entry.UserAgent = call.UserAgent
		}
	}
	if entry.Details == nil {
		entry.Details = map[string]any{}
	}

	logger := obs.Logger()
	emit(ctx, logger.Info().
		Str("audit_id", entry.ID).
		Str("category", entry.Category).
		Str("actor_uid", entry.ActorUID).
		Str("target_uid", entry.TargetUID).
		Str("ip", entry.IP), entry.Event, entry.Details)

	if l.store == nil {
		return nil
	}
	return l.store.Append(ctx, &entry)
}

// List returns entries matching filter, newest first.
func (l *Logger) List(ctx context.Context, filter auth.AuditFilter) ([]auth.AuditEntry, error) {
	if l.store == nil {
		return []auth.AuditEntry{}, nil
	}
	return l.store.List(ctx, filter)
}

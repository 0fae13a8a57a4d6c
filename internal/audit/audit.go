// Package audit records rate limit violations and circuit breaker state
// changes. Sinks are best-effort collaborators: recording an event must never
// fail the operation being audited, so implementations swallow their own
// errors after logging them.
package audit

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"
)

// Kind identifies the event category.
type Kind string

const (
	KindUserLimitExceeded   Kind = "user_limit_exceeded"
	KindGlobalLimitExceeded Kind = "global_limit_exceeded"
	KindBreakerOpened       Kind = "breaker_opened"
	KindBreakerClosed       Kind = "breaker_closed"
)

// Event is a single audit record.
type Event struct {
	ID       string         `json:"id"`
	Kind     Kind           `json:"kind"`
	Time     time.Time      `json:"time"`
	Identity string         `json:"identity,omitempty"` // Sender address for limit events
	Service  string         `json:"service,omitempty"`  // Protected dependency for breaker events
	Fields   map[string]any `json:"fields,omitempty"`
}

// NewEvent creates an event with a fresh ID and the current time.
func NewEvent(kind Kind) Event {
	return Event{
		ID:     uuid.New().String(),
		Kind:   kind,
		Time:   time.Now().UTC(),
		Fields: make(map[string]any),
	}
}

// Sink receives audit events. Record must not block the caller for long and
// must never return an error that the caller is expected to act on; failures
// are the sink's problem.
type Sink interface {
	Record(ctx context.Context, event Event)
	Close() error
}

// LogSink writes audit events to the structured log. It cannot fail.
type LogSink struct {
	logger *slog.Logger
}

// NewLogSink creates a sink that emits events via the given logger.
// A nil logger falls back to slog.Default.
func NewLogSink(logger *slog.Logger) *LogSink {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogSink{logger: logger}
}

func (s *LogSink) Record(ctx context.Context, event Event) {
	attrs := []any{
		"event_id", event.ID,
		"kind", string(event.Kind),
	}
	if event.Identity != "" {
		attrs = append(attrs, "identity", event.Identity)
	}
	if event.Service != "" {
		attrs = append(attrs, "service", event.Service)
	}
	for k, v := range event.Fields {
		attrs = append(attrs, k, v)
	}
	s.logger.InfoContext(ctx, "Audit event", attrs...)
}

func (s *LogSink) Close() error {
	return nil
}

package auth

import (
	"context"
	"time"
)

// ActivityEventType enumerates supported activity categories.
type ActivityEventType string

const (
	ActivityEventLoginSuccess   ActivityEventType = "session.login.success"
	ActivityEventLoginFailure   ActivityEventType = "session.login.failure"
	ActivityEventLoginResumed   ActivityEventType = "session.login.resumed"
	ActivityEventLogoutSuccess  ActivityEventType = "session.logout.success"
	ActivityEventLogoutFailure  ActivityEventType = "session.logout.failure"
	ActivityEventIdleTimeout    ActivityEventType = "session.idle.timeout"
	ActivityEventRequestBusy    ActivityEventType = "session.request.busy"
	ActivityEventPhaseChanged   ActivityEventType = "session.phase.changed"
	ActivityEventTrustDegraded  ActivityEventType = "session.trust.degraded"
	ActivityEventInitialization ActivityEventType = "session.client.initialization_failed"
)

// ActorRef identifies who/what triggered an event.
type ActorRef struct {
	ID   string
	Type string
}

// Actor types used by the session controller.
const (
	ActorTypeUser   = "user"
	ActorTypeIdle   = "idle"
	ActorTypeSystem = "system"
)

// ActivityEvent captures audit-friendly information about a session action.
type ActivityEvent struct {
	EventType  ActivityEventType
	Actor      ActorRef
	Principal  string
	FromPhase  SessionPhase
	ToPhase    SessionPhase
	Metadata   map[string]any
	OccurredAt time.Time
}

// ActivitySink consumes activity events for auditing/telemetry purposes.
type ActivitySink interface {
	Record(ctx context.Context, event ActivityEvent) error
}

// ActivitySinkFunc adapts a function to the ActivitySink interface.
type ActivitySinkFunc func(ctx context.Context, event ActivityEvent) error

// Record implements ActivitySink.
func (f ActivitySinkFunc) Record(ctx context.Context, event ActivityEvent) error {
	if f == nil {
		return nil
	}
	return f(ctx, event)
}

// MultiActivitySink fans an event out to every sink, returning the first error.
type MultiActivitySink []ActivitySink

// Record implements ActivitySink.
func (m MultiActivitySink) Record(ctx context.Context, event ActivityEvent) error {
	var first error
	for _, sink := range m {
		if sink == nil {
			continue
		}
		if err := sink.Record(ctx, event); err != nil && first == nil {
			first = err
		}
	}
	return first
}

type noopActivitySink struct{}

func (noopActivitySink) Record(context.Context, ActivityEvent) error {
	return nil
}

func normalizeActivitySink(s ActivitySink) ActivitySink {
	if s == nil {
		return noopActivitySink{}
	}
	return s
}

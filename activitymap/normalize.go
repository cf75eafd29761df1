// Package activitymap turns session activity events into flat records with a
// readable verb, the object they concern and a severity, ready for a log line
// or an audit feed.
package activitymap

import (
	"context"
	"fmt"
	"strings"
	"time"

	auth "github.com/goliatone/go-ic-auth"
)

// Channels group records by the component that produced them.
const (
	ChannelSession = "session"
	ChannelAgent   = "agent"
)

// Object types a record can point at.
const (
	ObjectPrincipal = "principal"
	ObjectReplica   = "replica"
)

// Levels mirror the logger method a record should be written with.
const (
	LevelInfo  = "info"
	LevelWarn  = "warn"
	LevelError = "error"
)

// Verbs derived from phase transitions.
const (
	VerbLoggingIn     = "session.logging_in"
	VerbAuthenticated = "session.authenticated"
	VerbLoggingOut    = "session.logging_out"
	VerbLoggedOut     = "session.logged_out"
	VerbLoginAborted  = "session.login_aborted"
	VerbLogoutAborted = "session.logout_aborted"
)

const (
	MetadataKeyActorType = "actor_type"
	MetadataKeyFromPhase = "from_phase"
	MetadataKeyToPhase   = "to_phase"
	MetadataKeyHandles   = "handles"
)

// Record is the flattened form of an auth.ActivityEvent.
type Record struct {
	ActorID    string         `json:"actor_id"`
	Verb       string         `json:"verb"`
	Level      string         `json:"level"`
	ObjectType string         `json:"object_type,omitempty"`
	ObjectID   string         `json:"object_id,omitempty"`
	Channel    string         `json:"channel"`
	Metadata   map[string]any `json:"metadata,omitempty"`
	OccurredAt time.Time      `json:"occurred_at"`
}

// Sink returns an auth.ActivitySink handing every record to fn.
func Sink(fn func(context.Context, Record) error) auth.ActivitySink {
	return auth.ActivitySinkFunc(func(ctx context.Context, event auth.ActivityEvent) error {
		if fn == nil {
			return nil
		}
		return fn(ctx, Normalize(event))
	})
}

// LogSink writes records through logger, picking the method from the record level.
func LogSink(logger auth.Logger) auth.ActivitySink {
	return Sink(func(_ context.Context, r Record) error {
		line := r.String()
		switch r.Level {
		case LevelError:
			logger.Error("%s", line)
		case LevelWarn:
			logger.Warn("%s", line)
		default:
			logger.Info("%s", line)
		}
		return nil
	})
}

// Normalize flattens event. The source event is left untouched.
func Normalize(event auth.ActivityEvent) Record {
	occurredAt := event.OccurredAt
	if occurredAt.IsZero() {
		occurredAt = time.Now().UTC()
	}

	record := Record{
		ActorID:    actorID(event),
		Verb:       verb(event),
		Level:      level(event),
		Channel:    ChannelSession,
		Metadata:   metadata(event),
		OccurredAt: occurredAt,
	}

	if event.EventType == auth.ActivityEventTrustDegraded {
		record.Channel = ChannelAgent
		record.ObjectType = ObjectReplica
		record.ObjectID = replicaObject(event.Metadata)
		return record
	}

	if principal := strings.TrimSpace(event.Principal); principal != "" {
		record.ObjectType = ObjectPrincipal
		record.ObjectID = principal
	}
	return record
}

// String renders the record as a single log line.
func (r Record) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s actor=%s", r.Verb, r.ActorID)
	if r.ObjectID != "" {
		fmt.Fprintf(&b, " %s=%s", r.ObjectType, r.ObjectID)
	}
	if len(r.Metadata) > 0 {
		fmt.Fprintf(&b, " metadata=%v", r.Metadata)
	}
	return b.String()
}

func verb(event auth.ActivityEvent) string {
	if event.EventType != auth.ActivityEventPhaseChanged {
		return string(event.EventType)
	}

	switch event.ToPhase {
	case auth.PhaseLoggingIn:
		return VerbLoggingIn
	case auth.PhaseLoggingOut:
		return VerbLoggingOut
	case auth.PhaseAuthenticated:
		if event.FromPhase == auth.PhaseLoggingOut {
			return VerbLogoutAborted
		}
		return VerbAuthenticated
	case auth.PhaseUnauthenticated:
		if event.FromPhase == auth.PhaseLoggingIn {
			return VerbLoginAborted
		}
		return VerbLoggedOut
	}
	return string(event.EventType)
}

func level(event auth.ActivityEvent) string {
	switch event.EventType {
	case auth.ActivityEventLoginFailure, auth.ActivityEventLogoutFailure, auth.ActivityEventInitialization:
		return LevelError
	case auth.ActivityEventTrustDegraded, auth.ActivityEventRequestBusy:
		return LevelWarn
	}
	return LevelInfo
}

// actorID prefers an explicit actor id, then the principal for user actions,
// then the actor type (idle, system).
func actorID(event auth.ActivityEvent) string {
	if id := strings.TrimSpace(event.Actor.ID); id != "" {
		return id
	}
	if event.Actor.Type == auth.ActorTypeUser {
		if principal := strings.TrimSpace(event.Principal); principal != "" {
			return principal
		}
	}
	if actorType := strings.TrimSpace(event.Actor.Type); actorType != "" {
		return actorType
	}
	return auth.ActorTypeSystem
}

// replicaObject names the replica host and the handles built against it, e.g.
// "http://127.0.0.1:4943#communityActor,economyActor".
func replicaObject(md map[string]any) string {
	host, _ := md["host"].(string)
	handles, _ := md[MetadataKeyHandles].([]string)
	if len(handles) == 0 {
		return host
	}
	return host + "#" + strings.Join(handles, ",")
}

func metadata(event auth.ActivityEvent) map[string]any {
	out := make(map[string]any, len(event.Metadata)+3)
	for key, value := range event.Metadata {
		out[key] = value
	}

	if actorType := strings.TrimSpace(event.Actor.Type); actorType != "" {
		if _, exists := out[MetadataKeyActorType]; !exists {
			out[MetadataKeyActorType] = actorType
		}
	}
	if event.FromPhase != "" {
		out[MetadataKeyFromPhase] = string(event.FromPhase)
	}
	if event.ToPhase != "" {
		out[MetadataKeyToPhase] = string(event.ToPhase)
	}

	if len(out) == 0 {
		return nil
	}
	return out
}

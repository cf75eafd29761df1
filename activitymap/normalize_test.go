package activitymap_test

import (
	"context"
	"fmt"
	"strings"
	"testing"
	"time"

	auth "github.com/goliatone/go-ic-auth"
	"github.com/goliatone/go-ic-auth/activitymap"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const principalText = "rdmx6-jaaaa-aaaaa-aaadq-cai"

func TestNormalize_PhaseVerbs(t *testing.T) {
	tests := []struct {
		name string
		from auth.SessionPhase
		to   auth.SessionPhase
		verb string
	}{
		{"login started", auth.PhaseUnauthenticated, auth.PhaseLoggingIn, activitymap.VerbLoggingIn},
		{"login completed", auth.PhaseLoggingIn, auth.PhaseAuthenticated, activitymap.VerbAuthenticated},
		{"session resumed", auth.PhaseUnauthenticated, auth.PhaseAuthenticated, activitymap.VerbAuthenticated},
		{"login failed", auth.PhaseLoggingIn, auth.PhaseUnauthenticated, activitymap.VerbLoginAborted},
		{"logout started", auth.PhaseAuthenticated, auth.PhaseLoggingOut, activitymap.VerbLoggingOut},
		{"logout completed", auth.PhaseLoggingOut, auth.PhaseUnauthenticated, activitymap.VerbLoggedOut},
		{"logout failed", auth.PhaseLoggingOut, auth.PhaseAuthenticated, activitymap.VerbLogoutAborted},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out := activitymap.Normalize(auth.ActivityEvent{
				EventType: auth.ActivityEventPhaseChanged,
				Actor:     auth.ActorRef{Type: auth.ActorTypeUser},
				FromPhase: tt.from,
				ToPhase:   tt.to,
			})

			assert.Equal(t, tt.verb, out.Verb)
			assert.Equal(t, activitymap.LevelInfo, out.Level)
			assert.Equal(t, activitymap.ChannelSession, out.Channel)
			assert.Equal(t, string(tt.from), out.Metadata[activitymap.MetadataKeyFromPhase])
			assert.Equal(t, string(tt.to), out.Metadata[activitymap.MetadataKeyToPhase])
		})
	}
}

func TestNormalize_PrincipalObject(t *testing.T) {
	ts := time.Date(2026, 1, 10, 9, 30, 0, 0, time.UTC)
	event := auth.ActivityEvent{
		EventType:  auth.ActivityEventLogoutSuccess,
		Actor:      auth.ActorRef{Type: auth.ActorTypeIdle},
		Principal:  principalText,
		Metadata:   map[string]any{"reason": "idle"},
		OccurredAt: ts,
	}

	out := activitymap.Normalize(event)

	assert.Equal(t, string(auth.ActivityEventLogoutSuccess), out.Verb)
	assert.Equal(t, auth.ActorTypeIdle, out.ActorID)
	assert.Equal(t, activitymap.ObjectPrincipal, out.ObjectType)
	assert.Equal(t, principalText, out.ObjectID)
	assert.True(t, out.OccurredAt.Equal(ts))
	assert.Equal(t, "idle", out.Metadata["reason"])
	assert.Equal(t, auth.ActorTypeIdle, out.Metadata[activitymap.MetadataKeyActorType])
	assert.Len(t, event.Metadata, 1, "source metadata is not modified")
}

func TestNormalize_TrustDegradedNamesReplica(t *testing.T) {
	out := activitymap.Normalize(auth.ActivityEvent{
		EventType: auth.ActivityEventTrustDegraded,
		Actor:     auth.ActorRef{Type: auth.ActorTypeSystem},
		Principal: principalText,
		Metadata: map[string]any{
			"host":    "http://127.0.0.1:4943",
			"handles": []string{auth.CommunityActor, auth.EconomyActor},
			"cause":   "connection refused",
		},
	})

	assert.Equal(t, activitymap.ChannelAgent, out.Channel)
	assert.Equal(t, activitymap.LevelWarn, out.Level)
	assert.Equal(t, activitymap.ObjectReplica, out.ObjectType)
	assert.Equal(t, "http://127.0.0.1:4943#communityActor,economyActor", out.ObjectID)
	assert.Equal(t, auth.ActorTypeSystem, out.ActorID)
	assert.False(t, out.OccurredAt.IsZero())
}

func TestNormalize_TrustDegradedWithoutHandles(t *testing.T) {
	out := activitymap.Normalize(auth.ActivityEvent{
		EventType: auth.ActivityEventTrustDegraded,
		Metadata:  map[string]any{"host": "http://127.0.0.1:4943"},
	})

	assert.Equal(t, "http://127.0.0.1:4943", out.ObjectID)
}

func TestNormalize_Levels(t *testing.T) {
	tests := map[auth.ActivityEventType]string{
		auth.ActivityEventLoginSuccess:   activitymap.LevelInfo,
		auth.ActivityEventLoginResumed:   activitymap.LevelInfo,
		auth.ActivityEventIdleTimeout:    activitymap.LevelInfo,
		auth.ActivityEventLoginFailure:   activitymap.LevelError,
		auth.ActivityEventLogoutFailure:  activitymap.LevelError,
		auth.ActivityEventInitialization: activitymap.LevelError,
		auth.ActivityEventRequestBusy:    activitymap.LevelWarn,
	}

	for eventType, want := range tests {
		out := activitymap.Normalize(auth.ActivityEvent{EventType: eventType})
		assert.Equal(t, want, out.Level, eventType)
	}
}

func TestNormalize_ActorID(t *testing.T) {
	tests := []struct {
		name   string
		event  auth.ActivityEvent
		expect string
	}{
		{
			name:   "explicit actor id",
			event:  auth.ActivityEvent{Actor: auth.ActorRef{ID: "operator-7", Type: auth.ActorTypeUser}, Principal: principalText},
			expect: "operator-7",
		},
		{
			name:   "user actor falls back to principal",
			event:  auth.ActivityEvent{Actor: auth.ActorRef{Type: auth.ActorTypeUser}, Principal: principalText},
			expect: principalText,
		},
		{
			name:   "idle actor keeps its type",
			event:  auth.ActivityEvent{Actor: auth.ActorRef{Type: auth.ActorTypeIdle}, Principal: principalText},
			expect: auth.ActorTypeIdle,
		},
		{
			name:   "no actor",
			event:  auth.ActivityEvent{},
			expect: auth.ActorTypeSystem,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expect, activitymap.Normalize(tt.event).ActorID)
		})
	}
}

func TestSink_ForwardsRecords(t *testing.T) {
	var got []activitymap.Record
	sink := activitymap.Sink(func(_ context.Context, r activitymap.Record) error {
		got = append(got, r)
		return nil
	})

	require.NoError(t, sink.Record(context.Background(), auth.ActivityEvent{
		EventType: auth.ActivityEventPhaseChanged,
		FromPhase: auth.PhaseLoggingOut,
		ToPhase:   auth.PhaseUnauthenticated,
	}))
	require.Len(t, got, 1)
	assert.Equal(t, activitymap.VerbLoggedOut, got[0].Verb)

	assert.NoError(t, activitymap.Sink(nil).Record(context.Background(), auth.ActivityEvent{}))
}

type lineLogger struct {
	lines []string
}

func (l *lineLogger) add(level, format string, args ...any) {
	l.lines = append(l.lines, level+" "+fmt.Sprintf(format, args...))
}

func (l *lineLogger) Debug(format string, args ...any) { l.add("debug", format, args...) }
func (l *lineLogger) Info(format string, args ...any)  { l.add("info", format, args...) }
func (l *lineLogger) Warn(format string, args ...any)  { l.add("warn", format, args...) }
func (l *lineLogger) Error(format string, args ...any) { l.add("error", format, args...) }

func TestLogSink_UsesRecordLevel(t *testing.T) {
	logger := &lineLogger{}
	sink := activitymap.LogSink(logger)
	ctx := context.Background()

	require.NoError(t, sink.Record(ctx, auth.ActivityEvent{
		EventType: auth.ActivityEventLoginSuccess,
		Actor:     auth.ActorRef{Type: auth.ActorTypeUser},
		Principal: principalText,
	}))
	require.NoError(t, sink.Record(ctx, auth.ActivityEvent{
		EventType: auth.ActivityEventTrustDegraded,
		Metadata:  map[string]any{"host": "http://127.0.0.1:4943"},
	}))
	require.NoError(t, sink.Record(ctx, auth.ActivityEvent{EventType: auth.ActivityEventLogoutFailure}))

	require.Len(t, logger.lines, 3)
	assert.True(t, strings.HasPrefix(logger.lines[0], "info session.login.success actor="+principalText))
	assert.Contains(t, logger.lines[0], "principal="+principalText)
	assert.True(t, strings.HasPrefix(logger.lines[1], "warn session.trust.degraded"))
	assert.Contains(t, logger.lines[1], "replica=http://127.0.0.1:4943")
	assert.True(t, strings.HasPrefix(logger.lines[2], "error session.logout.failure actor=system"))
}

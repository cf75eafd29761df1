package metrics_test

import (
	"context"
	"testing"

	auth "github.com/goliatone/go-ic-auth"
	"github.com/goliatone/go-ic-auth/metrics"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMetrics_Record(t *testing.T) {
	m := metrics.New(prometheus.NewRegistry())
	ctx := context.Background()

	events := []auth.ActivityEvent{
		{EventType: auth.ActivityEventPhaseChanged, FromPhase: auth.PhaseUnauthenticated, ToPhase: auth.PhaseLoggingIn},
		{EventType: auth.ActivityEventPhaseChanged, FromPhase: auth.PhaseLoggingIn, ToPhase: auth.PhaseAuthenticated},
		{EventType: auth.ActivityEventLoginSuccess, Actor: auth.ActorRef{Type: auth.ActorTypeUser}},
		{EventType: auth.ActivityEventRequestBusy, Actor: auth.ActorRef{Type: auth.ActorTypeUser}},
		{EventType: auth.ActivityEventTrustDegraded},
	}
	for _, event := range events {
		require.NoError(t, m.Record(ctx, event))
	}

	assert.Equal(t, float64(1), testutil.ToFloat64(m.Authenticated))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.BusyRejected))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.TrustDegraded))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.Transitions.WithLabelValues("logging_in", "authenticated")))
	assert.Equal(t, float64(2), testutil.ToFloat64(m.Events.WithLabelValues(string(auth.ActivityEventPhaseChanged), auth.ActorTypeSystem)))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.Events.WithLabelValues(string(auth.ActivityEventLoginSuccess), auth.ActorTypeUser)))
}

func TestMetrics_LogoutResetsGauge(t *testing.T) {
	m := metrics.New(prometheus.NewRegistry())
	ctx := context.Background()

	require.NoError(t, m.Record(ctx, auth.ActivityEvent{EventType: auth.ActivityEventPhaseChanged, FromPhase: auth.PhaseLoggingIn, ToPhase: auth.PhaseAuthenticated}))
	require.NoError(t, m.Record(ctx, auth.ActivityEvent{EventType: auth.ActivityEventPhaseChanged, FromPhase: auth.PhaseAuthenticated, ToPhase: auth.PhaseLoggingOut}))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.Authenticated), "still authenticated while logging out")

	require.NoError(t, m.Record(ctx, auth.ActivityEvent{EventType: auth.ActivityEventPhaseChanged, FromPhase: auth.PhaseLoggingOut, ToPhase: auth.PhaseUnauthenticated}))
	assert.Equal(t, float64(0), testutil.ToFloat64(m.Authenticated))
}

func TestMetrics_FedByStateMachine(t *testing.T) {
	m := metrics.New(prometheus.NewRegistry())
	sm := auth.NewSessionStateMachine(auth.WithStateMachineActivitySink(m))

	_, err := sm.Transition(context.Background(), auth.PhaseLoggingIn)
	require.NoError(t, err)
	_, err = sm.Transition(context.Background(), auth.PhaseAuthenticated)
	require.NoError(t, err)

	assert.Equal(t, float64(1), testutil.ToFloat64(m.Authenticated))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.Transitions.WithLabelValues("unauthenticated", "logging_in")))
}

func TestNew_RegistersOnce(t *testing.T) {
	reg := prometheus.NewRegistry()
	metrics.New(reg)

	assert.Panics(t, func() { metrics.New(reg) }, "collectors are registered on the given registry")
}

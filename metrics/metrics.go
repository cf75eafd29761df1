package metrics

import (
	"context"

	auth "github.com/goliatone/go-ic-auth"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics provides observability for the session lifecycle.
// It is fed through the auth.ActivitySink interface.
type Metrics struct {
	Events        *prometheus.CounterVec
	Transitions   *prometheus.CounterVec
	Authenticated prometheus.Gauge
	BusyRejected  prometheus.Counter
	TrustDegraded prometheus.Counter
}

// New creates the session metrics on reg. A nil reg uses the default registerer.
func New(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)

	return &Metrics{
		Events: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "icauth_session_events_total",
			Help: "Total number of session activity events by type",
		}, []string{"event", "actor_type"}),
		Transitions: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "icauth_session_transitions_total",
			Help: "Total number of session phase transitions",
		}, []string{"from", "to"}),
		Authenticated: factory.NewGauge(prometheus.GaugeOpts{
			Name: "icauth_session_authenticated",
			Help: "1 while the process holds an authenticated session",
		}),
		BusyRejected: factory.NewCounter(prometheus.CounterOpts{
			Name: "icauth_session_busy_rejections_total",
			Help: "Total number of login or logout requests rejected because another was in flight",
		}),
		TrustDegraded: factory.NewCounter(prometheus.CounterOpts{
			Name: "icauth_agent_trust_degraded_total",
			Help: "Total number of agents built without a fetched root key",
		}),
	}
}

// Record implements auth.ActivitySink.
func (m *Metrics) Record(_ context.Context, event auth.ActivityEvent) error {
	actorType := event.Actor.Type
	if actorType == "" {
		actorType = auth.ActorTypeSystem
	}
	m.Events.WithLabelValues(string(event.EventType), actorType).Inc()

	switch event.EventType {
	case auth.ActivityEventPhaseChanged:
		m.Transitions.WithLabelValues(string(event.FromPhase), string(event.ToPhase)).Inc()
		switch event.ToPhase {
		case auth.PhaseAuthenticated:
			m.Authenticated.Set(1)
		case auth.PhaseUnauthenticated:
			m.Authenticated.Set(0)
		}
	case auth.ActivityEventRequestBusy:
		m.BusyRejected.Inc()
	case auth.ActivityEventTrustDegraded:
		m.TrustDegraded.Inc()
	}
	return nil
}

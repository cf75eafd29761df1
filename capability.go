package auth

import (
	"context"
	"fmt"
	"sort"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "github.com/goliatone/go-ic-auth"

// MethodKind tells whether a remote method is a read-only query or a
// state-changing update.
type MethodKind string

const (
	MethodQuery  MethodKind = "query"
	MethodUpdate MethodKind = "update"
)

// Interface describes the methods a capability handle is allowed to invoke.
type Interface struct {
	Name    string
	Methods map[string]MethodKind
}

// Kind returns the kind of method, if declared.
func (i Interface) Kind(method string) (MethodKind, bool) {
	kind, ok := i.Methods[method]
	return kind, ok
}

// HandleSpec names one capability handle and the endpoint it targets.
type HandleSpec struct {
	Name       string
	EndpointID Principal
	Interface  Interface
}

// CapabilityHandle ("actor") is a callable handle bound to one remote
// endpoint and one identity.
type CapabilityHandle interface {
	Name() string
	EndpointID() Principal
	// Principal is the caller identity the handle signs requests as.
	Principal() Principal
	Query(ctx context.Context, method string, arg, out any) error
	Call(ctx context.Context, method string, arg, out any) error
}

// TrustStatus is the outcome of the agent trust bootstrap.
type TrustStatus string

const (
	TrustTrusted           TrustStatus = "trusted"
	TrustUntrustedDegraded TrustStatus = "untrusted_degraded"
	TrustFailed            TrustStatus = "failed"
)

// TrustResult reports how far the agent trust bootstrap got. Err is set for
// degraded and failed results.
type TrustResult struct {
	Status TrustStatus
	Err    error
}

// Usable reports whether an agent with this result may issue calls.
func (t TrustResult) Usable() bool {
	return t.Status == TrustTrusted || t.Status == TrustUntrustedDegraded
}

// AgentHandle is the communication handle capability handles are built on.
type AgentHandle interface {
	Host() string
	Identity() Identity
	Trust() TrustResult
}

// AgentFactory builds agents bound to a host and identity.
type AgentFactory interface {
	Build(ctx context.Context, host string, identity Identity) (AgentHandle, TrustResult, error)
}

// HandleFactory constructs one capability handle on top of agent.
type HandleFactory func(agent AgentHandle, spec HandleSpec) (CapabilityHandle, error)

// DeriverOption customizes the CapabilityDeriver.
type DeriverOption func(*CapabilityDeriver)

// WithDeriverLogger sets the logger.
func WithDeriverLogger(logger Logger) DeriverOption {
	return func(d *CapabilityDeriver) {
		if logger != nil {
			d.logger = logger
		}
	}
}

// WithDeriverClock injects a custom clock (useful for tests).
func WithDeriverClock(clock func() time.Time) DeriverOption {
	return func(d *CapabilityDeriver) {
		if clock != nil {
			d.now = clock
		}
	}
}

// WithDeriverActivitySink reports degraded trust bootstraps.
func WithDeriverActivitySink(sink ActivitySink) DeriverOption {
	return func(d *CapabilityDeriver) {
		d.activitySink = normalizeActivitySink(sink)
	}
}

// CapabilityDeriver turns an authenticated identity into a SessionState.
type CapabilityDeriver struct {
	factory      AgentFactory
	handles      HandleFactory
	host         string
	specs        []HandleSpec
	logger       Logger
	activitySink ActivitySink
	now          func() time.Time
	tracer       trace.Tracer
}

// NewCapabilityDeriver returns a deriver building one handle per spec against host.
func NewCapabilityDeriver(factory AgentFactory, handles HandleFactory, host string, specs []HandleSpec, opts ...DeriverOption) *CapabilityDeriver {
	d := &CapabilityDeriver{
		factory:      factory,
		handles:      handles,
		host:         host,
		specs:        append([]HandleSpec(nil), specs...),
		logger:       defLogger{},
		activitySink: noopActivitySink{},
		now:          time.Now,
		tracer:       otel.Tracer(tracerName),
	}

	for _, opt := range opts {
		if opt != nil {
			opt(d)
		}
	}

	return d
}

// Names returns the configured handle names, sorted.
func (d *CapabilityDeriver) Names() []string {
	names := make([]string, 0, len(d.specs))
	for _, spec := range d.specs {
		names = append(names, spec.Name)
	}
	sort.Strings(names)
	return names
}

// Derive builds the handle set for identity. Absent, unauthenticated and
// anonymous identities yield the empty state without touching the factory.
// The result is either complete or empty, never partial, and nothing is cached
// between calls.
func (d *CapabilityDeriver) Derive(ctx context.Context, identity Identity) (SessionState, error) {
	if !IsAuthenticated(identity, d.now()) {
		return EmptySessionState(), nil
	}

	principal := identity.Principal()

	ctx, span := d.tracer.Start(ctx, "session.derive", trace.WithAttributes(
		attribute.String("session.principal", principal.Text()),
		attribute.Int("session.handles", len(d.specs)),
	))
	defer span.End()

	if d.factory == nil || d.handles == nil {
		return EmptySessionState(), ErrAgentUnavailable.Clone().WithMetadata(map[string]any{
			"reason": "deriver has no agent or handle factory",
		})
	}

	agent, trust, err := d.factory.Build(ctx, d.host, identity)
	if err != nil || agent == nil || !trust.Usable() {
		span.RecordError(fmt.Errorf("build agent: %w", firstErr(err, trust.Err)))
		return EmptySessionState(), agentUnavailable(d.host, firstErr(err, trust.Err))
	}

	if trust.Status == TrustUntrustedDegraded {
		d.logger.Warn("unable to fetch root key for %s, check if the local replica is running: %v", d.host, trust.Err)
		d.recordDegraded(ctx, principal, trust)
	}

	actors := make(map[string]CapabilityHandle, len(d.specs))
	for _, spec := range d.specs {
		handle, err := d.handles(agent, spec)
		if err != nil {
			return EmptySessionState(), fmt.Errorf("create %s handle: %w", spec.Name, err)
		}
		if handle == nil {
			return EmptySessionState(), ErrPartialSession.Clone().WithMetadata(map[string]any{
				"missing": []string{spec.Name},
			})
		}
		actors[spec.Name] = handle
	}

	return NewSessionState(principal, actors), nil
}

func (d *CapabilityDeriver) recordDegraded(ctx context.Context, principal Principal, trust TrustResult) {
	metadata := map[string]any{"host": d.host, "handles": d.Names()}
	if trust.Err != nil {
		metadata["cause"] = trust.Err.Error()
	}
	event := ActivityEvent{
		EventType:  ActivityEventTrustDegraded,
		Actor:      ActorRef{Type: ActorTypeSystem},
		Principal:  principal.Text(),
		Metadata:   metadata,
		OccurredAt: d.now(),
	}
	if err := normalizeActivitySink(d.activitySink).Record(ctx, event); err != nil {
		d.logger.Warn("deriver activity sink error: %v", err)
	}
}

func agentUnavailable(host string, cause error) error {
	clone := ErrAgentUnavailable.Clone()
	clone.Source = cause
	return clone.WithMetadata(map[string]any{"host": host})
}

func firstErr(errs ...error) error {
	for _, err := range errs {
		if err != nil {
			return err
		}
	}
	return nil
}

package auth

import (
	"context"
	"errors"
	"sync"
	"time"

	goerrors "github.com/goliatone/go-errors"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/semaphore"
)

// ViewState is the observable output rendered by the presentation layer.
type ViewState struct {
	Authenticated bool         `json:"authenticated"`
	PrincipalText *string      `json:"principalText"`
	Loading       bool         `json:"loading"`
	Error         *string      `json:"error"`
	Phase         SessionPhase `json:"phase"`
}

// ErrorText returns the error message or the empty string.
func (v ViewState) ErrorText() string {
	if v.Error == nil {
		return ""
	}
	return *v.Error
}

// Principal returns the principal text or the empty string.
func (v ViewState) Principal() string {
	if v.PrincipalText == nil {
		return ""
	}
	return *v.PrincipalText
}

// ControllerOption customizes the SessionController.
type ControllerOption func(*SessionController)

// WithControllerLogger sets the logger.
func WithControllerLogger(logger Logger) ControllerOption {
	return func(c *SessionController) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithControllerActivitySink sets the sink receiving session activity events.
func WithControllerActivitySink(sink ActivitySink) ControllerOption {
	return func(c *SessionController) {
		c.activitySink = normalizeActivitySink(sink)
	}
}

// WithLoginOptions sets the options passed to the identity client on login.
func WithLoginOptions(opts LoginOptions) ControllerOption {
	return func(c *SessionController) {
		c.loginOptions = opts
	}
}

// WithControllerTracer overrides the tracer used for login and logout spans.
func WithControllerTracer(tracer trace.Tracer) ControllerOption {
	return func(c *SessionController) {
		if tracer != nil {
			c.tracer = tracer
		}
	}
}

// WithControllerClock injects a custom clock (useful for tests).
func WithControllerClock(clock func() time.Time) ControllerOption {
	return func(c *SessionController) {
		if clock != nil {
			c.now = clock
		}
	}
}

// SessionController orchestrates login and logout. It owns the session phase,
// is the only writer of the SessionStore, and rejects overlapping requests.
type SessionController struct {
	init    ClientInitializer
	deriver Deriver
	store   *SessionStore

	mu       sync.RWMutex
	client   IdentityClient
	started  bool
	startErr error

	machine      *SessionStateMachine
	guard        *semaphore.Weighted
	view         *observable[ViewState]
	loginOptions LoginOptions
	logger       Logger
	activitySink ActivitySink
	tracer       trace.Tracer
	now          func() time.Time
}

// NewSessionController wires the controller. Start must be called before Login or Logout.
func NewSessionController(init ClientInitializer, deriver Deriver, store *SessionStore, opts ...ControllerOption) *SessionController {
	if store == nil {
		names := []string{}
		if deriver != nil {
			names = deriver.Names()
		}
		store = NewSessionStore(names...)
	}

	c := &SessionController{
		init:         init,
		deriver:      deriver,
		store:        store,
		guard:        semaphore.NewWeighted(1),
		view:         newObservable(ViewState{Phase: PhaseUnauthenticated}),
		logger:       defLogger{},
		activitySink: noopActivitySink{},
		tracer:       otel.Tracer(tracerName),
		now:          time.Now,
	}

	for _, opt := range opts {
		if opt != nil {
			opt(c)
		}
	}

	c.machine = NewSessionStateMachine(
		WithStateMachineClock(c.now),
		WithStateMachineLogger(c.logger),
		WithStateMachineActivitySink(c.activitySink),
	)

	return c
}

// Store returns the session store the controller publishes to.
func (c *SessionController) Store() *SessionStore {
	return c.store
}

// Phase returns the current session phase.
func (c *SessionController) Phase() SessionPhase {
	return c.machine.Current()
}

// ViewState returns the current presentation state.
func (c *SessionController) ViewState() ViewState {
	return c.view.get()
}

// Subscribe registers fn to receive every presentation state change.
func (c *SessionController) Subscribe(fn func(ViewState)) (unsubscribe func()) {
	return c.view.subscribe(fn)
}

// Settled blocks until no login or logout is in flight.
func (c *SessionController) Settled(ctx context.Context) (ViewState, error) {
	ch := make(chan ViewState, 1)
	unsubscribe := c.view.subscribe(func(v ViewState) {
		if v.Loading {
			return
		}
		select {
		case ch <- v:
		default:
		}
	})
	defer unsubscribe()

	if v := c.view.get(); !v.Loading {
		return v, nil
	}

	select {
	case v := <-ch:
		return v, nil
	case <-ctx.Done():
		return c.view.get(), ctx.Err()
	}
}

// Start creates the identity client and restores an existing session. It runs
// once; later calls return the first result.
func (c *SessionController) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.started {
		err := c.startErr
		c.mu.Unlock()
		return err
	}
	c.started = true
	c.mu.Unlock()

	err := c.start(ctx)

	c.mu.Lock()
	c.startErr = err
	c.mu.Unlock()
	return err
}

func (c *SessionController) start(ctx context.Context) error {
	c.setLoading(true)

	var client IdentityClient
	var err error
	if c.init == nil {
		err = errors.New("no identity client initializer configured")
	} else {
		client, err = c.init(ctx)
		if err == nil && client == nil {
			err = errors.New("identity client initializer returned nil")
		}
	}

	if err != nil {
		c.logger.Error("initialize identity client: %v", err)
		c.record(ctx, ActivityEventInitialization, ActorRef{Type: ActorTypeSystem}, "", map[string]any{
			"error": err.Error(),
		})
		c.publish(MessageInitializationFailed)
		return NewInitializationError(err)
	}

	// Login and Logout see the client only once the restore holds the guard.
	if err := c.guard.Acquire(ctx, 1); err != nil {
		c.publish("")
		return NewInitializationError(err)
	}
	defer c.guard.Release(1)

	c.mu.Lock()
	c.client = client
	c.mu.Unlock()

	if notifier, ok := client.(IdleNotifier); ok {
		notifier.OnIdle(c.onIdle)
	}

	if !client.IsAuthenticated(ctx) {
		c.publish("")
		return nil
	}

	identity := client.Identity(ctx)
	if err := c.restore(ctx, identity); err != nil {
		c.logger.Warn("restore session for %s: %v", identity.Principal(), err)
		c.publish("")
		return nil
	}

	c.record(ctx, ActivityEventLoginResumed, ActorRef{Type: ActorTypeSystem}, identity.Principal().Text(), map[string]any{
		"reason": "startup",
	})
	c.publish("")
	return nil
}

func (c *SessionController) restore(ctx context.Context, identity Identity) error {
	state, err := c.derive(ctx, identity)
	if err != nil {
		return err
	}
	if err := c.store.Set(state); err != nil {
		return err
	}

	opts := []TransitionOption{
		WithTransitionActor(ActorRef{Type: ActorTypeSystem}),
		WithTransitionReason("session restored"),
	}
	if _, err := c.machine.Transition(ctx, PhaseLoggingIn, opts...); err != nil {
		c.store.Clear()
		return err
	}
	if _, err := c.machine.Transition(ctx, PhaseAuthenticated, opts...); err != nil {
		c.store.Clear()
		return err
	}
	return nil
}

// Login authenticates through the identity client and publishes the derived
// capability handles. A client that already holds a non anonymous identity is
// resumed without a provider round trip.
func (c *SessionController) Login(ctx context.Context) error {
	client, err := c.readyClient()
	if err != nil {
		return err
	}

	actor := ActorRef{Type: ActorTypeUser}
	if !c.guard.TryAcquire(1) {
		return c.busy(ctx, "login", actor)
	}
	defer c.guard.Release(1)

	ctx, span := c.tracer.Start(ctx, "session.login")
	defer span.End()

	from := c.machine.Current()
	if from != PhaseAuthenticated {
		if _, err := c.machine.Transition(ctx, PhaseLoggingIn, WithTransitionActor(actor), WithTransitionReason("login requested")); err != nil {
			return err
		}
	}
	c.setLoading(true)

	identity := client.Identity(ctx)
	resumed := client.IsAuthenticated(ctx) && identity != nil && !identity.IsAnonymous()
	span.SetAttributes(attribute.Bool("session.resumed", resumed))

	if !resumed {
		if err := client.Login(ctx, c.loginOptions); err != nil {
			return c.failLogin(ctx, span, from, actor, err)
		}
		identity = client.Identity(ctx)
	}

	state, err := c.derive(ctx, identity)
	if err == nil {
		err = c.store.Set(state)
	}
	if err != nil {
		return c.failLogin(ctx, span, from, actor, err)
	}

	if _, err := c.machine.Transition(ctx, PhaseAuthenticated, WithTransitionActor(actor), WithTransitionReason("login succeeded")); err != nil {
		c.store.Clear()
		return c.failLogin(ctx, span, from, actor, err)
	}

	principal := identity.Principal().Text()
	span.SetAttributes(attribute.String("session.principal", principal))

	event := ActivityEventLoginSuccess
	if resumed {
		event = ActivityEventLoginResumed
	}
	c.record(ctx, event, actor, principal, nil)
	c.logger.Info("session authenticated as %s", principal)
	c.publish("")
	return nil
}

func (c *SessionController) derive(ctx context.Context, identity Identity) (SessionState, error) {
	if c.deriver == nil {
		return EmptySessionState(), errors.New("no capability deriver configured")
	}
	state, err := c.deriver.Derive(ctx, identity)
	if err != nil {
		return EmptySessionState(), err
	}
	if state.IsEmpty() {
		return EmptySessionState(), errors.New("identity is not authenticated")
	}
	return state, nil
}

func (c *SessionController) failLogin(ctx context.Context, span trace.Span, from SessionPhase, actor ActorRef, cause error) error {
	loginErr := asLoginError(cause)
	span.RecordError(loginErr)
	span.SetStatus(codes.Error, "login failed")

	if from != PhaseAuthenticated {
		c.store.Clear()
		if _, err := c.machine.Transition(ctx, PhaseUnauthenticated, WithTransitionActor(actor), WithTransitionReason("login failed")); err != nil {
			c.logger.Error("session state machine: %v", err)
		}
	}

	c.logger.Warn("login failed: %v", cause)
	c.record(ctx, ActivityEventLoginFailure, actor, "", map[string]any{
		"error": cause.Error(),
	})
	c.publish(UserMessage(loginErr, MessageLoginFailed))
	return loginErr
}

func asLoginError(err error) error {
	var richErr *goerrors.Error
	if goerrors.As(err, &richErr) && (richErr.TextCode == TextCodeLoginFailed || richErr.TextCode == TextCodeInvalidDelegation) {
		return err
	}
	return NewLoginError("", err)
}

// Logout clears the identity client credentials and the session store. On
// failure the session is left exactly as it was.
func (c *SessionController) Logout(ctx context.Context) error {
	return c.logout(ctx, ActorRef{Type: ActorTypeUser}, "logout requested")
}

func (c *SessionController) onIdle(ctx context.Context) {
	principal := c.store.Snapshot().Principal().Text()
	c.record(ctx, ActivityEventIdleTimeout, ActorRef{Type: ActorTypeIdle}, principal, nil)
	if err := c.logout(ctx, ActorRef{Type: ActorTypeIdle}, "idle timeout"); err != nil {
		c.logger.Warn("idle logout: %v", err)
	}
}

func (c *SessionController) logout(ctx context.Context, actor ActorRef, reason string) error {
	client, err := c.readyClient()
	if err != nil {
		return err
	}

	if !c.guard.TryAcquire(1) {
		return c.busy(ctx, "logout", actor)
	}
	defer c.guard.Release(1)

	ctx, span := c.tracer.Start(ctx, "session.logout", trace.WithAttributes(
		attribute.String("session.actor_type", actor.Type),
	))
	defer span.End()

	principal := c.store.Snapshot().Principal().Text()
	from := c.machine.Current()
	if from == PhaseAuthenticated {
		if _, err := c.machine.Transition(ctx, PhaseLoggingOut, WithTransitionActor(actor), WithTransitionReason(reason)); err != nil {
			return err
		}
	}
	c.setLoading(true)

	if err := client.Logout(ctx); err != nil {
		logoutErr := asLogoutError(err)
		span.RecordError(logoutErr)
		span.SetStatus(codes.Error, "logout failed")

		if from == PhaseAuthenticated {
			if _, terr := c.machine.Transition(ctx, PhaseAuthenticated, WithTransitionActor(actor), WithTransitionReason("logout failed")); terr != nil {
				c.logger.Error("session state machine: %v", terr)
			}
		}

		c.logger.Warn("logout failed: %v", err)
		c.record(ctx, ActivityEventLogoutFailure, actor, principal, map[string]any{
			"error": err.Error(),
		})
		c.publish(UserMessage(logoutErr, MessageLogoutFailed))
		return logoutErr
	}

	c.store.Clear()
	if from == PhaseAuthenticated {
		if _, err := c.machine.Transition(ctx, PhaseUnauthenticated, WithTransitionActor(actor), WithTransitionReason(reason)); err != nil {
			c.logger.Error("session state machine: %v", err)
		}
	}

	c.record(ctx, ActivityEventLogoutSuccess, actor, principal, nil)
	c.logger.Info("session logged out")
	c.publish("")
	return nil
}

func asLogoutError(err error) error {
	if HasTextCode(err, TextCodeLogoutFailed) {
		return err
	}
	return NewLogoutError(err)
}

// CompleteLogin forwards the provider callback to the identity client.
func (c *SessionController) CompleteLogin(ctx context.Context, cb LoginCallback) error {
	client, err := c.readyClient()
	if err != nil {
		return err
	}
	completer, ok := client.(LoginCompleter)
	if !ok {
		return NewLoginError("", errors.New("identity client does not accept login callbacks"))
	}
	return completer.CompleteLogin(ctx, cb)
}

// Touch records user activity on clients that enforce an idle timeout.
func (c *SessionController) Touch() {
	c.mu.RLock()
	client := c.client
	c.mu.RUnlock()

	if toucher, ok := client.(interface{ Touch() }); ok {
		toucher.Touch()
	}
}

func (c *SessionController) readyClient() (IdentityClient, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if c.startErr != nil {
		return nil, c.startErr
	}
	if c.client == nil {
		return nil, NewInitializationError(errors.New("session controller not started"))
	}
	return c.client, nil
}

func (c *SessionController) busy(ctx context.Context, operation string, actor ActorRef) error {
	c.record(ctx, ActivityEventRequestBusy, actor, "", map[string]any{
		"operation": operation,
		"phase":     string(c.machine.Current()),
	})
	return ErrSessionBusy.Clone().WithMetadata(map[string]any{
		"operation": operation,
	})
}

func (c *SessionController) setLoading(loading bool) {
	c.view.update(func(v ViewState) ViewState {
		v.Loading = loading
		v.Phase = c.machine.Current()
		if loading {
			v.Error = nil
		}
		return v
	})
}

// publish recomputes the view from the store and phase, ending any loading state.
func (c *SessionController) publish(errMessage string) {
	snapshot := c.store.Snapshot()
	phase := c.machine.Current()

	next := ViewState{Phase: phase}
	if phase == PhaseAuthenticated && !snapshot.IsEmpty() {
		next.Authenticated = true
		text := snapshot.Principal().Text()
		next.PrincipalText = &text
	}
	if errMessage != "" {
		next.Error = &errMessage
	}

	c.view.update(func(ViewState) ViewState {
		return next
	})
}

func (c *SessionController) record(ctx context.Context, eventType ActivityEventType, actor ActorRef, principal string, metadata map[string]any) {
	event := ActivityEvent{
		EventType:  eventType,
		Actor:      actor,
		Principal:  principal,
		Metadata:   metadata,
		OccurredAt: c.now(),
	}
	if err := normalizeActivitySink(c.activitySink).Record(ctx, event); err != nil {
		c.logger.Warn("session activity sink error: %v", err)
	}
}

package auth

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// SessionPhase is the lifecycle phase of the process session.
type SessionPhase string

const (
	PhaseUnauthenticated SessionPhase = "unauthenticated"
	PhaseLoggingIn       SessionPhase = "logging_in"
	PhaseAuthenticated   SessionPhase = "authenticated"
	PhaseLoggingOut      SessionPhase = "logging_out"
)

// Busy reports whether the phase is an in-flight transition.
func (p SessionPhase) Busy() bool {
	return p == PhaseLoggingIn || p == PhaseLoggingOut
}

// TransitionContext is passed into hooks for additional processing.
type TransitionContext struct {
	From   SessionPhase
	To     SessionPhase
	Actor  ActorRef
	Reason string
}

// TransitionHook is executed before or after a transition.
type TransitionHook func(ctx context.Context, tc TransitionContext) error

// TransitionHookPhase identifies whether a hook ran before or after the phase changed.
type TransitionHookPhase string

const (
	HookPhaseBefore TransitionHookPhase = "before_transition"
	HookPhaseAfter  TransitionHookPhase = "after_transition"
)

// TransitionOption customizes a single transition.
type TransitionOption func(*transitionOptions)

// HookErrorHandler handles errors surfaced by transition hooks.
type HookErrorHandler func(ctx context.Context, phase TransitionHookPhase, err error, tc TransitionContext) error

// StateMachineOption customizes state machine construction.
type StateMachineOption func(*SessionStateMachine)

// WithStateMachineClock injects a custom clock (useful for tests).
func WithStateMachineClock(clock func() time.Time) StateMachineOption {
	return func(sm *SessionStateMachine) {
		if clock != nil {
			sm.now = clock
		}
	}
}

// WithStateMachineActivitySink sets the ActivitySink used to publish phase changes.
func WithStateMachineActivitySink(sink ActivitySink) StateMachineOption {
	return func(sm *SessionStateMachine) {
		sm.activitySink = normalizeActivitySink(sink)
	}
}

// WithStateMachineLogger overrides the logger used for sink failures.
func WithStateMachineLogger(logger Logger) StateMachineOption {
	return func(sm *SessionStateMachine) {
		if logger != nil {
			sm.logger = logger
		}
	}
}

// WithStateMachineHookErrorHandler overrides how hook failures are propagated.
// By default the hook error is returned and the phase is left unchanged.
func WithStateMachineHookErrorHandler(handler HookErrorHandler) StateMachineOption {
	return func(sm *SessionStateMachine) {
		if handler != nil {
			sm.hookErrorHandler = handler
		}
	}
}

// WithStateMachineHook registers a hook that runs after every successful transition.
func WithStateMachineHook(h TransitionHook) StateMachineOption {
	return func(sm *SessionStateMachine) {
		if h != nil {
			sm.afterHooks = append(sm.afterHooks, h)
		}
	}
}

// WithTransitionActor records who triggered the transition.
func WithTransitionActor(actor ActorRef) TransitionOption {
	return func(opts *transitionOptions) {
		opts.actor = actor
	}
}

// WithTransitionReason sets the human-readable reason for the transition.
func WithTransitionReason(reason string) TransitionOption {
	return func(opts *transitionOptions) {
		opts.reason = reason
	}
}

// WithBeforeTransitionHook adds a hook executed before the phase changes.
func WithBeforeTransitionHook(h TransitionHook) TransitionOption {
	return func(opts *transitionOptions) {
		if h != nil {
			opts.beforeHooks = append(opts.beforeHooks, h)
		}
	}
}

// SessionStateMachine guards the session phase graph.
type SessionStateMachine struct {
	mu               sync.RWMutex
	current          SessionPhase
	transitions      map[SessionPhase]map[SessionPhase]struct{}
	afterHooks       []TransitionHook
	now              func() time.Time
	activitySink     ActivitySink
	logger           Logger
	hookErrorHandler HookErrorHandler
}

type transitionOptions struct {
	actor       ActorRef
	reason      string
	beforeHooks []TransitionHook
}

// NewSessionStateMachine returns a machine starting in PhaseUnauthenticated.
func NewSessionStateMachine(opts ...StateMachineOption) *SessionStateMachine {
	sm := &SessionStateMachine{
		current: PhaseUnauthenticated,
		transitions: map[SessionPhase]map[SessionPhase]struct{}{
			PhaseUnauthenticated: {
				PhaseLoggingIn: {},
			},
			PhaseLoggingIn: {
				PhaseAuthenticated:   {},
				PhaseUnauthenticated: {},
			},
			PhaseAuthenticated: {
				PhaseLoggingOut: {},
			},
			PhaseLoggingOut: {
				PhaseUnauthenticated: {},
				PhaseAuthenticated:   {},
			},
		},
		now:          time.Now,
		activitySink: noopActivitySink{},
		logger:       defLogger{},
		hookErrorHandler: func(_ context.Context, _ TransitionHookPhase, err error, _ TransitionContext) error {
			return err
		},
	}

	for _, opt := range opts {
		if opt != nil {
			opt(sm)
		}
	}

	return sm
}

// Current returns the current phase.
func (sm *SessionStateMachine) Current() SessionPhase {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	return sm.current
}

// CanTransition reports whether from -> to is part of the graph.
func (sm *SessionStateMachine) CanTransition(from, to SessionPhase) bool {
	if allowed, ok := sm.transitions[from]; ok {
		_, exists := allowed[to]
		return exists
	}
	return false
}

// Transition moves the machine to target. Moving to the current phase is a no-op.
func (sm *SessionStateMachine) Transition(ctx context.Context, target SessionPhase, opts ...TransitionOption) (SessionPhase, error) {
	if target == "" {
		return sm.Current(), ErrInvalidTransition.Clone().WithMetadata(map[string]any{
			"reason": "target phase is empty",
		})
	}

	options := &transitionOptions{}
	for _, opt := range opts {
		if opt != nil {
			opt(options)
		}
	}

	sm.mu.Lock()
	from := sm.current
	if from == target {
		sm.mu.Unlock()
		return from, nil
	}

	if !sm.CanTransition(from, target) {
		sm.mu.Unlock()
		return from, ErrInvalidTransition.Clone().WithMetadata(map[string]any{
			"from": from,
			"to":   target,
		})
	}

	tc := TransitionContext{
		From:   from,
		To:     target,
		Actor:  options.actor,
		Reason: options.reason,
	}

	if err := sm.runHooks(ctx, options.beforeHooks, tc, HookPhaseBefore); err != nil {
		sm.mu.Unlock()
		return from, err
	}

	sm.current = target
	sm.mu.Unlock()

	if err := sm.runHooks(ctx, sm.afterHooks, tc, HookPhaseAfter); err != nil {
		return target, err
	}

	sm.recordActivity(ctx, tc)

	return target, nil
}

func (sm *SessionStateMachine) runHooks(ctx context.Context, hooks []TransitionHook, tc TransitionContext, phase TransitionHookPhase) error {
	for _, hook := range hooks {
		if hook == nil {
			continue
		}
		if err := hook(ctx, tc); err != nil {
			if sm.hookErrorHandler == nil {
				return err
			}
			return sm.hookErrorHandler(ctx, phase, err, tc)
		}
	}
	return nil
}

func (sm *SessionStateMachine) recordActivity(ctx context.Context, tc TransitionContext) {
	actor := tc.Actor
	if actor == (ActorRef{}) {
		actor = ActorRef{Type: ActorTypeSystem}
	}

	var metadata map[string]any
	if tc.Reason != "" {
		metadata = map[string]any{"reason": tc.Reason}
	}

	event := ActivityEvent{
		EventType:  ActivityEventPhaseChanged,
		Actor:      actor,
		FromPhase:  tc.From,
		ToPhase:    tc.To,
		Metadata:   metadata,
		OccurredAt: sm.now(),
	}

	sink := normalizeActivitySink(sm.activitySink)
	if err := sink.Record(ctx, event); err != nil {
		sm.logger.Warn("state machine activity sink error: %v", err)
	}
}

func (sm *SessionStateMachine) String() string {
	return fmt.Sprintf("session phase=%s", sm.Current())
}

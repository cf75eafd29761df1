package auth_test

import (
	"context"
	"errors"
	"testing"
	"time"

	auth "github.com/goliatone/go-ic-auth"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSessionStateMachineFollowsLoginLogoutCycle(t *testing.T) {
	now := time.Date(2026, 6, 1, 12, 0, 0, 0, time.UTC)
	sink := &captureSink{}
	sm := auth.NewSessionStateMachine(
		auth.WithStateMachineClock(func() time.Time { return now }),
		auth.WithStateMachineActivitySink(sink),
	)
	require.Equal(t, auth.PhaseUnauthenticated, sm.Current())

	ctx := context.Background()
	for _, target := range []auth.SessionPhase{
		auth.PhaseLoggingIn,
		auth.PhaseAuthenticated,
		auth.PhaseLoggingOut,
		auth.PhaseUnauthenticated,
	} {
		phase, err := sm.Transition(ctx, target, auth.WithTransitionReason("cycle"))
		require.NoError(t, err)
		assert.Equal(t, target, phase)
	}

	require.Len(t, sink.events, 4)
	first := sink.events[0]
	assert.Equal(t, auth.ActivityEventPhaseChanged, first.EventType)
	assert.Equal(t, auth.PhaseUnauthenticated, first.FromPhase)
	assert.Equal(t, auth.PhaseLoggingIn, first.ToPhase)
	assert.Equal(t, auth.ActorTypeSystem, first.Actor.Type)
	assert.Equal(t, "cycle", first.Metadata["reason"])
	assert.Equal(t, now, first.OccurredAt)
}

func TestSessionStateMachineRejectsInvalidTransition(t *testing.T) {
	sm := auth.NewSessionStateMachine()

	phase, err := sm.Transition(context.Background(), auth.PhaseAuthenticated)
	require.Error(t, err)
	assert.True(t, auth.HasTextCode(err, auth.TextCodeInvalidTransition))
	assert.Equal(t, auth.PhaseUnauthenticated, phase)
	assert.Equal(t, auth.PhaseUnauthenticated, sm.Current())

	_, err = sm.Transition(context.Background(), "")
	require.Error(t, err)
	assert.True(t, auth.HasTextCode(err, auth.TextCodeInvalidTransition))
}

func TestSessionStateMachineSamePhaseIsNoop(t *testing.T) {
	sink := &captureSink{}
	sm := auth.NewSessionStateMachine(auth.WithStateMachineActivitySink(sink))

	phase, err := sm.Transition(context.Background(), auth.PhaseUnauthenticated)
	require.NoError(t, err)
	assert.Equal(t, auth.PhaseUnauthenticated, phase)
	assert.Empty(t, sink.events)
}

func TestSessionStateMachineBeforeHookBlocksTransition(t *testing.T) {
	sm := auth.NewSessionStateMachine()
	hookErr := errors.New("not now")

	_, err := sm.Transition(context.Background(), auth.PhaseLoggingIn,
		auth.WithBeforeTransitionHook(func(context.Context, auth.TransitionContext) error {
			return hookErr
		}),
	)
	require.ErrorIs(t, err, hookErr)
	assert.Equal(t, auth.PhaseUnauthenticated, sm.Current())
}

func TestSessionStateMachineAfterHookReceivesContext(t *testing.T) {
	var got auth.TransitionContext
	sm := auth.NewSessionStateMachine(auth.WithStateMachineHook(func(_ context.Context, tc auth.TransitionContext) error {
		got = tc
		return nil
	}))

	actor := auth.ActorRef{ID: "browser", Type: auth.ActorTypeUser}
	_, err := sm.Transition(context.Background(), auth.PhaseLoggingIn,
		auth.WithTransitionActor(actor),
		auth.WithTransitionReason("login requested"),
	)
	require.NoError(t, err)

	assert.Equal(t, auth.PhaseUnauthenticated, got.From)
	assert.Equal(t, auth.PhaseLoggingIn, got.To)
	assert.Equal(t, actor, got.Actor)
	assert.Equal(t, "login requested", got.Reason)
}

func TestSessionStateMachineHookErrorHandlerCanSwallowErrors(t *testing.T) {
	var handled auth.TransitionHookPhase
	sm := auth.NewSessionStateMachine(
		auth.WithStateMachineHook(func(context.Context, auth.TransitionContext) error {
			return errors.New("audit down")
		}),
		auth.WithStateMachineHookErrorHandler(func(_ context.Context, phase auth.TransitionHookPhase, _ error, _ auth.TransitionContext) error {
			handled = phase
			return nil
		}),
	)

	phase, err := sm.Transition(context.Background(), auth.PhaseLoggingIn)
	require.NoError(t, err)
	assert.Equal(t, auth.PhaseLoggingIn, phase)
	assert.Equal(t, auth.HookPhaseAfter, handled)
}

func TestSessionPhaseBusy(t *testing.T) {
	assert.True(t, auth.PhaseLoggingIn.Busy())
	assert.True(t, auth.PhaseLoggingOut.Busy())
	assert.False(t, auth.PhaseAuthenticated.Busy())
	assert.False(t, auth.PhaseUnauthenticated.Busy())
}

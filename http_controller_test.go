package auth_test

import (
	"context"
	"errors"
	"net/http"
	"testing"
	"time"

	auth "github.com/goliatone/go-ic-auth"
	"github.com/goliatone/go-router"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type stubSession struct {
	view       auth.ViewState
	loginFn    func(ctx context.Context) error
	logoutErr  error
	completed  []auth.LoginCallback
	logouts    int
	touches    int
	settledErr error
}

func (s *stubSession) Login(ctx context.Context) error {
	if s.loginFn == nil {
		return nil
	}
	return s.loginFn(ctx)
}

func (s *stubSession) Logout(context.Context) error {
	s.logouts++
	return s.logoutErr
}

func (s *stubSession) CompleteLogin(_ context.Context, cb auth.LoginCallback) error {
	s.completed = append(s.completed, cb)
	return nil
}

func (s *stubSession) ViewState() auth.ViewState { return s.view }

func (s *stubSession) Settled(context.Context) (auth.ViewState, error) {
	return s.view, s.settledErr
}

func (s *stubSession) Touch() { s.touches++ }

type stubRedirects chan string

func (r stubRedirects) Redirects() <-chan string { return r }

func TestSessionHTTPControllerRequiresService(t *testing.T) {
	assert.Panics(t, func() { auth.NewSessionHTTPController() })
}

func TestHomeRendersViewState(t *testing.T) {
	principal := userID.Text()
	session := &stubSession{view: auth.ViewState{
		Authenticated: true,
		PrincipalText: &principal,
		Phase:         auth.PhaseAuthenticated,
	}}
	ctrl := auth.NewSessionHTTPController(auth.WithSessionService(session))

	ctx := router.NewMockContext()
	ctx.LocalsMock[auth.CSRFTokenLocal] = "form-token"
	ctx.LocalsMock[auth.CSRFFieldLocal] = "_token"
	var rendered router.ViewContext
	ctx.On("Render", "index", mock.Anything).Run(func(args mock.Arguments) {
		rendered = args.Get(1).(router.ViewContext)
	}).Return(nil)

	require.NoError(t, ctrl.Home(ctx))
	assert.Equal(t, true, rendered["authenticated"])
	assert.Equal(t, principal, rendered["principal"])
	assert.Equal(t, false, rendered["loading"])
	assert.Equal(t, "", rendered["error"])
	assert.Equal(t, "authenticated", rendered["phase"])
	assert.Equal(t, "form-token", rendered[auth.CSRFTokenLocal])
	assert.Equal(t, "_token", rendered[auth.CSRFFieldLocal])
	assert.Equal(t, 1, session.touches)
	ctx.AssertExpectations(t)
}

func TestStateReturnsJSON(t *testing.T) {
	message := "popup closed"
	session := &stubSession{view: auth.ViewState{Error: &message, Phase: auth.PhaseUnauthenticated}}
	ctrl := auth.NewSessionHTTPController(auth.WithSessionService(session))

	ctx := router.NewMockContext()
	var payload auth.ViewState
	ctx.On("JSON", router.StatusOK, mock.Anything).Run(func(args mock.Arguments) {
		payload = args.Get(1).(auth.ViewState)
	}).Return(nil)

	require.NoError(t, ctrl.State(ctx))
	assert.Equal(t, "popup closed", payload.ErrorText())
	assert.False(t, payload.Authenticated)
}

func TestLoginPostRedirectsToProvider(t *testing.T) {
	redirects := make(stubRedirects)
	release := make(chan struct{})
	session := &stubSession{loginFn: func(ctx context.Context) error {
		redirects <- "https://identity.ic0.app/?state=abc"
		<-release
		return nil
	}}
	defer close(release)

	ctrl := auth.NewSessionHTTPController(
		auth.WithSessionService(session),
		auth.WithRedirectSource(redirects),
	)

	ctx := router.NewMockContext()
	var location string
	ctx.On("Redirect", mock.Anything, []int{http.StatusSeeOther}).Run(func(args mock.Arguments) {
		location = args.String(0)
	}).Return(nil)

	require.NoError(t, ctrl.LoginPost(ctx))
	assert.Equal(t, "https://identity.ic0.app/?state=abc", location)
}

func TestLoginPostReturnsHomeWhenLoginFinishesWithoutRedirect(t *testing.T) {
	session := &stubSession{loginFn: func(context.Context) error {
		return auth.NewLoginError("popup closed", nil)
	}}
	ctrl := auth.NewSessionHTTPController(
		auth.WithSessionService(session),
		auth.WithRedirectSource(make(stubRedirects)),
	)

	ctx := router.NewMockContext()
	ctx.On("Redirect", "/", []int{http.StatusSeeOther}).Return(nil)

	require.NoError(t, ctrl.LoginPost(ctx))
	ctx.AssertExpectations(t)
}

func TestLoginPostInitializationFailureUsesErrorHandler(t *testing.T) {
	session := &stubSession{loginFn: func(context.Context) error {
		return auth.NewInitializationError(errors.New("no storage"))
	}}
	ctrl := auth.NewSessionHTTPController(auth.WithSessionService(session))

	var handled error
	ctrl.ErrorHandler = func(_ router.Context, err error) error {
		handled = err
		return nil
	}

	ctx := router.NewMockContext()
	require.NoError(t, ctrl.LoginPost(ctx))
	assert.True(t, auth.HasTextCode(handled, auth.TextCodeInitializationFailed))
}

func TestLoginPostGivesUpWaitingForRedirect(t *testing.T) {
	release := make(chan struct{})
	defer close(release)
	session := &stubSession{loginFn: func(context.Context) error {
		<-release
		return nil
	}}
	ctrl := auth.NewSessionHTTPController(
		auth.WithSessionService(session),
		auth.WithRedirectWait(10*time.Millisecond),
	)

	ctx := router.NewMockContext()
	ctx.On("Redirect", "/", []int{http.StatusSeeOther}).Return(nil)

	require.NoError(t, ctrl.LoginPost(ctx))
	ctx.AssertExpectations(t)
}

func TestCallbackCompletesLogin(t *testing.T) {
	session := &stubSession{}
	ctrl := auth.NewSessionHTTPController(auth.WithSessionService(session))

	ctx := router.NewMockContext()
	ctx.QueriesM["state"] = "state-1"
	ctx.QueriesM["delegation"] = "header.payload.signature"
	ctx.On("Context").Return(context.Background())
	ctx.On("Redirect", "/", []int{http.StatusSeeOther}).Return(nil)

	require.NoError(t, ctrl.Callback(ctx))
	require.Len(t, session.completed, 1)
	assert.Equal(t, auth.LoginCallback{State: "state-1", Delegation: "header.payload.signature"}, session.completed[0])
	ctx.AssertExpectations(t)
}

func TestCallbackForwardsProviderError(t *testing.T) {
	session := &stubSession{}
	ctrl := auth.NewSessionHTTPController(auth.WithSessionService(session))

	ctx := router.NewMockContext()
	ctx.QueriesM["state"] = "state-1"
	ctx.QueriesM["error"] = "access_denied"
	ctx.QueriesM["error_description"] = "popup closed"
	ctx.On("Context").Return(context.Background())
	ctx.On("Redirect", "/", []int{http.StatusSeeOther}).Return(nil)

	require.NoError(t, ctrl.Callback(ctx))
	require.Len(t, session.completed, 1)
	assert.Equal(t, "popup closed", session.completed[0].ErrorDescription)
}

func TestCallbackRejectsInvalidRequest(t *testing.T) {
	session := &stubSession{}
	ctrl := auth.NewSessionHTTPController(auth.WithSessionService(session))

	ctx := router.NewMockContext()
	ctx.QueriesM["delegation"] = "token"
	ctx.On("Redirect", "/", []int{http.StatusSeeOther}).Return(nil)

	require.NoError(t, ctrl.Callback(ctx))
	assert.Empty(t, session.completed)
}

func TestCallbackRequestValidate(t *testing.T) {
	assert.NoError(t, auth.CallbackRequest{State: "s", Delegation: "d"}.Validate())
	assert.NoError(t, auth.CallbackRequest{State: "s", Error: "access_denied"}.Validate())
	assert.Error(t, auth.CallbackRequest{State: "s"}.Validate())
	assert.Error(t, auth.CallbackRequest{Delegation: "d"}.Validate())
}

func TestLogoutPostRedirectsHomeEvenOnFailure(t *testing.T) {
	session := &stubSession{logoutErr: auth.NewLogoutError(errors.New("read only"))}
	ctrl := auth.NewSessionHTTPController(auth.WithSessionService(session))

	ctx := router.NewMockContext()
	ctx.On("Context").Return(context.Background())
	ctx.On("Redirect", "/", []int{http.StatusSeeOther}).Return(nil)

	require.NoError(t, ctrl.LogoutPost(ctx))
	assert.Equal(t, 1, session.logouts)
	ctx.AssertExpectations(t)
}

func TestSessionRoutesOverride(t *testing.T) {
	ctrl := auth.NewSessionHTTPController(
		auth.WithSessionService(&stubSession{}),
		auth.WithSessionRoutes(auth.SessionControllerRoutes{
			Home:     "/app",
			Login:    "/app/login",
			Callback: "/app/callback",
			Logout:   "/app/logout",
			State:    "/app/state",
		}),
	)

	assert.Equal(t, "/app/callback", ctrl.Routes.Callback)
	assert.Equal(t, 5*time.Minute, ctrl.LoginTimeout)
}

func TestSecurityHeadersMiddleware(t *testing.T) {
	mw := auth.SecurityHeadersMiddleware(map[string]string{
		"X-Frame-Options": "SAMEORIGIN",
		"Cache-Control":   "",
	})

	ctx := router.NewMockContext()
	headers := map[string]string{}
	ctx.On("SetHeader", mock.Anything, mock.Anything).Run(func(args mock.Arguments) {
		headers[args.String(0)] = args.String(1)
	}).Return(ctx)

	called := false
	handler := mw(func(router.Context) error {
		called = true
		return nil
	})

	require.NoError(t, handler(ctx))
	assert.True(t, called)
	assert.Equal(t, "SAMEORIGIN", headers["X-Frame-Options"])
	assert.Equal(t, "nosniff", headers["X-Content-Type-Options"])
	assert.NotContains(t, headers, "Cache-Control")
	assert.Contains(t, headers, "Content-Security-Policy")
}

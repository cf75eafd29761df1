package auth

import (
	"context"
	"net/http"
	"time"

	validation "github.com/go-ozzo/ozzo-validation/v4"
	"github.com/goliatone/go-print"
	"github.com/goliatone/go-router"
)

// Locals set by the csrf middleware.
const (
	CSRFTokenLocal = "csrf_token"
	CSRFFieldLocal = "csrf_token_field"
)

// SessionService is the part of the SessionController the HTTP layer drives.
type SessionService interface {
	Login(ctx context.Context) error
	Logout(ctx context.Context) error
	CompleteLogin(ctx context.Context, cb LoginCallback) error
	ViewState() ViewState
	Settled(ctx context.Context) (ViewState, error)
	Touch()
}

// RedirectSource yields provider URLs produced by in-flight logins.
type RedirectSource interface {
	Redirects() <-chan string
}

func RegisterSessionRoutes[T any](app router.Router[T], opts ...SessionControllerOption) *SessionHTTPController {
	controller := NewSessionHTTPController(opts...)

	app.Get(controller.Routes.Home, controller.Home).
		SetName("session.home")

	app.Post(controller.Routes.Login, controller.LoginPost).
		SetName("session.login")

	app.Get(controller.Routes.Callback, controller.Callback).
		SetName("session.callback")

	app.Post(controller.Routes.Logout, controller.LogoutPost).
		SetName("session.logout")

	app.Get(controller.Routes.State, controller.State).
		SetName("session.state")

	return controller
}

type SessionControllerRoutes struct {
	Home     string
	Login    string
	Callback string
	Logout   string
	State    string
}

type SessionControllerViews struct {
	Home string
}

type SessionHTTPController struct {
	Debug        bool
	Logger       Logger
	Session      SessionService
	Redirects    RedirectSource
	Routes       *SessionControllerRoutes
	Views        *SessionControllerViews
	ErrorHandler router.ErrorHandler
	// LoginTimeout bounds a whole provider round trip.
	LoginTimeout time.Duration
	// RedirectWait is how long POST /login waits for the provider URL.
	RedirectWait time.Duration
	// CallbackWait is how long GET /callback waits for the session to settle.
	CallbackWait time.Duration
	// ViewLocals are request locals copied into rendered views when set.
	ViewLocals []string
}

type SessionControllerOption func(*SessionHTTPController) *SessionHTTPController

func WithSessionService(session SessionService) SessionControllerOption {
	return func(c *SessionHTTPController) *SessionHTTPController {
		c.Session = session
		return c
	}
}

func WithRedirectSource(source RedirectSource) SessionControllerOption {
	return func(c *SessionHTTPController) *SessionHTTPController {
		c.Redirects = source
		return c
	}
}

func WithHTTPLogger(logger Logger) SessionControllerOption {
	return func(c *SessionHTTPController) *SessionHTTPController {
		if logger != nil {
			c.Logger = logger
		}
		return c
	}
}

func WithHTTPDebug(debug bool) SessionControllerOption {
	return func(c *SessionHTTPController) *SessionHTTPController {
		c.Debug = debug
		return c
	}
}

func WithLoginTimeout(timeout time.Duration) SessionControllerOption {
	return func(c *SessionHTTPController) *SessionHTTPController {
		if timeout > 0 {
			c.LoginTimeout = timeout
		}
		return c
	}
}

func WithRedirectWait(wait time.Duration) SessionControllerOption {
	return func(c *SessionHTTPController) *SessionHTTPController {
		if wait > 0 {
			c.RedirectWait = wait
		}
		return c
	}
}

// WithViewLocals replaces the request locals exposed to views.
func WithViewLocals(keys ...string) SessionControllerOption {
	return func(c *SessionHTTPController) *SessionHTTPController {
		c.ViewLocals = keys
		return c
	}
}

func WithSessionRoutes(routes SessionControllerRoutes) SessionControllerOption {
	return func(c *SessionHTTPController) *SessionHTTPController {
		c.Routes = &routes
		return c
	}
}

func NewSessionHTTPController(opts ...SessionControllerOption) *SessionHTTPController {
	c := &SessionHTTPController{
		Logger:       defLogger{},
		ErrorHandler: defaultErrHandler,
		Routes: &SessionControllerRoutes{
			Home:     "/",
			Login:    "/login",
			Callback: "/callback",
			Logout:   "/logout",
			State:    "/state",
		},
		Views: &SessionControllerViews{
			Home: "index",
		},
		LoginTimeout: 5 * time.Minute,
		RedirectWait: 5 * time.Second,
		CallbackWait: 10 * time.Second,
		ViewLocals:   []string{CSRFTokenLocal, CSRFFieldLocal},
	}

	for _, opt := range opts {
		c = opt(c)
	}

	if c.Session == nil {
		panic("Missing SessionService in session controller...")
	}

	return c
}

// Home renders the current session.
func (s *SessionHTTPController) Home(ctx router.Context) error {
	s.Session.Touch()
	view := s.Session.ViewState()

	if s.Debug {
		s.Logger.Debug("session view: %s", print.MaybePrettyJSON(view))
	}

	return ctx.Render(s.Views.Home, s.viewContext(ctx, router.ViewContext{
		"authenticated": view.Authenticated,
		"principal":     view.Principal(),
		"loading":       view.Loading,
		"error":         view.ErrorText(),
		"phase":         string(view.Phase),
		"routes":        s.Routes,
	}))
}

// viewContext adds the configured request locals, e.g. the form token set by
// the csrf middleware, without overriding data.
func (s *SessionHTTPController) viewContext(ctx router.Context, data router.ViewContext) router.ViewContext {
	for _, key := range s.ViewLocals {
		if _, taken := data[key]; taken {
			continue
		}
		if value := ctx.Locals(key); value != nil {
			data[key] = value
		}
	}
	return data
}

// LoginPost starts a login and sends the browser to the identity provider.
// The login itself keeps running after the response; its outcome lands in
// the view state.
func (s *SessionHTTPController) LoginPost(ctx router.Context) error {
	done := make(chan error, 1)
	go func() {
		loginCtx, cancel := context.WithTimeout(context.Background(), s.LoginTimeout)
		defer cancel()
		done <- s.Session.Login(loginCtx)
	}()

	var redirects <-chan string
	if s.Redirects != nil {
		redirects = s.Redirects.Redirects()
	}

	timer := time.NewTimer(s.RedirectWait)
	defer timer.Stop()

	select {
	case providerURL := <-redirects:
		return ctx.Redirect(providerURL, http.StatusSeeOther)
	case err := <-done:
		if HasTextCode(err, TextCodeInitializationFailed) {
			return s.ErrorHandler(ctx, err)
		}
		if err != nil {
			s.Logger.Warn("login: %v", err)
		}
		return ctx.Redirect(s.Routes.Home, http.StatusSeeOther)
	case <-timer.C:
		return ctx.Redirect(s.Routes.Home, http.StatusSeeOther)
	}
}

// CallbackRequest is the provider's answer, read from the query string.
type CallbackRequest struct {
	State            string `query:"state" json:"state"`
	Delegation       string `query:"delegation" json:"delegation"`
	Error            string `query:"error" json:"error"`
	ErrorDescription string `query:"error_description" json:"error_description"`
}

// Validate will run validation rules
func (r CallbackRequest) Validate() error {
	return validation.ValidateStruct(&r,
		validation.Field(&r.State, validation.Required, validation.Length(1, 128)),
		validation.Field(&r.Delegation, validation.When(r.Error == "", validation.Required)),
	)
}

// Callback completes the pending login and returns the browser home.
func (s *SessionHTTPController) Callback(ctx router.Context) error {
	payload := CallbackRequest{
		State:            ctx.Query("state"),
		Delegation:       ctx.Query("delegation"),
		Error:            ctx.Query("error"),
		ErrorDescription: ctx.Query("error_description"),
	}

	if err := payload.Validate(); err != nil {
		s.Logger.Warn("login callback: %v", err)
		return ctx.Redirect(s.Routes.Home, http.StatusSeeOther)
	}

	cb := LoginCallback{
		State:            payload.State,
		Delegation:       payload.Delegation,
		Error:            payload.Error,
		ErrorDescription: payload.ErrorDescription,
	}

	if err := s.Session.CompleteLogin(ctx.Context(), cb); err != nil {
		s.Logger.Warn("login callback: %v", err)
		return ctx.Redirect(s.Routes.Home, http.StatusSeeOther)
	}

	waitCtx, cancel := context.WithTimeout(ctx.Context(), s.CallbackWait)
	defer cancel()
	if _, err := s.Session.Settled(waitCtx); err != nil {
		s.Logger.Warn("login callback: session did not settle: %v", err)
	}

	return ctx.Redirect(s.Routes.Home, http.StatusSeeOther)
}

// LogoutPost ends the session. Failures are reported through the view state.
func (s *SessionHTTPController) LogoutPost(ctx router.Context) error {
	if err := s.Session.Logout(ctx.Context()); err != nil {
		s.Logger.Warn("logout: %v", err)
	}
	return ctx.Redirect(s.Routes.Home, http.StatusSeeOther)
}

// State returns the view state as JSON.
func (s *SessionHTTPController) State(ctx router.Context) error {
	return ctx.JSON(router.StatusOK, s.Session.ViewState())
}

func defaultErrHandler(c router.Context, err error) error {
	return c.Render("errors/500", router.ViewContext{
		"message": err.Error(),
	})
}

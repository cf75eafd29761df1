package auth

import (
	"context"
	"fmt"
	"time"
)

type Logger interface {
	Debug(format string, args ...any)
	Info(format string, args ...any)
	Warn(format string, args ...any)
	Error(format string, args ...any)
}

// LoginOptions configures a single provider round trip.
type LoginOptions struct {
	// ProviderURL is the identity provider the browser is sent to.
	ProviderURL string
	// MaxTimeToLive bounds the delegation the provider issues.
	MaxTimeToLive time.Duration
	// RedirectURI is where the provider sends the browser back to.
	RedirectURI string
}

// LoginCallback carries the provider's answer for a pending login.
type LoginCallback struct {
	State            string
	Delegation       string
	Error            string
	ErrorDescription string
}

// IdentityClient is the boundary to the external authentication client.
type IdentityClient interface {
	Login(ctx context.Context, opts LoginOptions) error
	Logout(ctx context.Context) error
	IsAuthenticated(ctx context.Context) bool
	Identity(ctx context.Context) Identity
}

// IdleNotifier is implemented by clients that enforce an idle timeout.
type IdleNotifier interface {
	OnIdle(fn func(ctx context.Context))
}

// LoginCompleter resolves a pending login once the provider calls back.
type LoginCompleter interface {
	CompleteLogin(ctx context.Context, cb LoginCallback) error
}

// ClientInitializer creates the IdentityClient. It runs once, on Start.
type ClientInitializer func(ctx context.Context) (IdentityClient, error)

// StaticClient wraps an already constructed client.
func StaticClient(client IdentityClient) ClientInitializer {
	return func(context.Context) (IdentityClient, error) {
		return client, nil
	}
}

// Deriver builds the session state for an identity.
type Deriver interface {
	Derive(ctx context.Context, identity Identity) (SessionState, error)
	Names() []string
}

type defLogger struct{}

func (d defLogger) Error(format string, args ...any) {
	fmt.Printf("[ERR] SESSION "+newline(format), args...)
}

func (d defLogger) Warn(format string, args ...any) {
	fmt.Printf("[WRN] SESSION "+newline(format), args...)
}

func (d defLogger) Info(format string, args ...any) {
	fmt.Printf("[INF] SESSION "+newline(format), args...)
}

func (d defLogger) Debug(format string, args ...any) {
	fmt.Printf("[DBG] SESSION "+newline(format), args...)
}

// DefaultLogger returns the stdout logger used when none is configured.
func DefaultLogger() Logger {
	return defLogger{}
}

func newline(s string) string {
	if len(s) > 0 && s[len(s)-1] != '\n' {
		s += "\n"
	}
	return s
}

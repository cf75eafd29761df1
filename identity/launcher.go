package identity

import (
	"context"

	auth "github.com/goliatone/go-ic-auth"
)

// Launcher sends the user to the identity provider.
type Launcher interface {
	Open(ctx context.Context, providerURL string) error
}

// LauncherFunc adapts a function to the Launcher interface.
type LauncherFunc func(ctx context.Context, providerURL string) error

func (f LauncherFunc) Open(ctx context.Context, providerURL string) error {
	return f(ctx, providerURL)
}

// RedirectLauncher hands provider URLs to the HTTP handler that started the
// login, so it can redirect the browser. Open blocks until a handler takes
// the URL or ctx is done.
type RedirectLauncher struct {
	urls chan string
}

func NewRedirectLauncher() *RedirectLauncher {
	return &RedirectLauncher{urls: make(chan string)}
}

func (l *RedirectLauncher) Open(ctx context.Context, providerURL string) error {
	select {
	case l.urls <- providerURL:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Redirects implements auth.RedirectSource.
func (l *RedirectLauncher) Redirects() <-chan string {
	return l.urls
}

// LogLauncher prints the provider URL for the user to open manually.
func LogLauncher(logger auth.Logger) Launcher {
	if logger == nil {
		logger = auth.DefaultLogger()
	}
	return LauncherFunc(func(_ context.Context, providerURL string) error {
		logger.Info("open the following URL to log in: %s", providerURL)
		return nil
	})
}

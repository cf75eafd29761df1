package main

import (
	"context"
	"embed"
	"flag"
	"fmt"
	"io/fs"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/template/django/v3"
	"github.com/golang-jwt/jwt/v5"
	"github.com/goliatone/go-errors"
	"github.com/goliatone/go-logger/glog"
	"github.com/goliatone/go-print"
	"github.com/goliatone/go-router"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	auth "github.com/goliatone/go-ic-auth"
	"github.com/goliatone/go-ic-auth/activitymap"
	"github.com/goliatone/go-ic-auth/agent"
	"github.com/goliatone/go-ic-auth/backend"
	"github.com/goliatone/go-ic-auth/config"
	"github.com/goliatone/go-ic-auth/identity"
	"github.com/goliatone/go-ic-auth/metrics"
	"github.com/goliatone/go-ic-auth/middleware/csrf"
	"github.com/goliatone/go-ic-auth/repository"
)

//go:embed views
var viewsFS embed.FS

type App struct {
	config     config.Config
	logger     *glog.BaseLogger
	storage    identity.Storage
	closers    []func() error
	launcher   *identity.RedirectLauncher
	controller *auth.SessionController
	srv        router.Server[*fiber.App]
}

func (a *App) GetLogger(name string) glog.Logger {
	return a.logger.GetLogger(name)
}

// Logger adapts a named glog logger to auth.Logger.
func (a *App) Logger(name string) auth.Logger {
	return formatLogger{a.GetLogger(name)}
}

func (a *App) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			a.GetLogger("app").Warn("close failed", "error", err)
		}
	}
}

type formatLogger struct {
	lgr glog.Logger
}

func (l formatLogger) Debug(format string, args ...any) { l.lgr.Debug(fmt.Sprintf(format, args...)) }
func (l formatLogger) Info(format string, args ...any)  { l.lgr.Info(fmt.Sprintf(format, args...)) }
func (l formatLogger) Warn(format string, args ...any)  { l.lgr.Warn(fmt.Sprintf(format, args...)) }
func (l formatLogger) Error(format string, args ...any) { l.lgr.Error(fmt.Sprintf(format, args...)) }

func main() {
	configPath := flag.String("config", os.Getenv("ICAUTH_CONFIG"), "path to a YAML configuration file")
	flag.Parse()

	lgr := glog.NewLogger(
		glog.WithLoggerTypePretty(),
		glog.WithLevel(glog.Trace),
		glog.WithName("icauth"),
		glog.WithAddSource(false),
		glog.WithRichErrorHandler(errors.ToSlogAttributes),
	)

	cfg, err := config.Load(*configPath)
	if err != nil {
		panic(err)
	}

	if cfg.Debug {
		fmt.Println("============")
		fmt.Println(print.MaybeHighlightJSON(cfg))
		fmt.Println("============")
	}

	ctx := context.Background()

	app := &App{
		config: cfg,
		logger: lgr,
	}
	defer app.Close()

	if err := WithStorage(ctx, app); err != nil {
		panic(err)
	}

	if err := WithSession(ctx, app); err != nil {
		panic(err)
	}

	if err := WithHTTPServer(ctx, app); err != nil {
		panic(err)
	}

	go ServeMetrics(app)

	go func() {
		if err := app.srv.Serve(cfg.ListenAddr); err != nil {
			app.GetLogger("http").Error("server stopped", "error", err)
		}
	}()

	sig := WaitExitSignal()
	app.GetLogger("app").Info("shutting down", "signal", sig.String())
}

// WithStorage opens the credential storage backing the identity client.
func WithStorage(ctx context.Context, app *App) error {
	cfg := app.config.Storage

	switch cfg.Driver {
	case config.StorageSQLite:
		db, err := repository.OpenSQLite(cfg.DSN)
		if err != nil {
			return err
		}
		store := repository.NewCredentialStore(db)
		if err := store.Migrate(ctx); err != nil {
			_ = db.Close()
			return fmt.Errorf("migrate credentials: %w", err)
		}
		app.storage = store
		app.closers = append(app.closers, db.Close)
	case config.StorageRedis:
		client, err := repository.OpenRedis(ctx, cfg.RedisURL)
		if err != nil {
			return err
		}
		app.storage = repository.NewRedisCredentialStore(client, cfg.RedisPrefix)
		app.closers = append(app.closers, client.Close)
	default:
		app.storage = identity.NewMemoryStorage()
	}

	app.GetLogger("storage").Info("credential storage ready", "driver", cfg.Driver)
	return nil
}

// WithSession wires the identity client, the agent factory and the session controller.
func WithSession(ctx context.Context, app *App) error {
	cfg := app.config

	verifier, err := newVerifier(ctx, app)
	if err != nil {
		return err
	}

	endpoints, err := cfg.Endpoints()
	if err != nil {
		return err
	}

	sink := auth.MultiActivitySink{
		metrics.New(prometheus.DefaultRegisterer),
		activitymap.LogSink(app.Logger("activity")),
	}

	factory := agent.NewFactory(
		agent.WithProduction(cfg.IsProduction()),
		agent.WithLogger(app.Logger("agent")),
	)

	deriver := auth.NewCapabilityDeriver(factory, agent.Handles, cfg.Host(), backend.Specs(endpoints),
		auth.WithDeriverLogger(app.Logger("deriver")),
		auth.WithDeriverActivitySink(sink),
	)

	store := auth.NewSessionStore(deriver.Names()...)
	store.Subscribe(func(state auth.SessionState) {
		app.GetLogger("session").Debug("session state changed",
			"principal", state.Principal().String(),
			"handles", state.Names(),
		)
	})

	app.launcher = identity.NewRedirectLauncher()

	initializer := identity.Initializer(
		identity.WithStorage(app.storage),
		identity.WithVerifier(verifier),
		identity.WithLauncher(app.launcher),
		identity.WithIdleTimeout(cfg.IdleTimeout),
		identity.WithDisableDefaultIdleCallback(cfg.DisableDefaultIdleCallback),
		identity.WithLoginTimeout(cfg.LoginTimeout),
		identity.WithLogger(app.Logger("identity")),
	)

	app.controller = auth.NewSessionController(initializer, deriver, store,
		auth.WithControllerLogger(app.Logger("controller")),
		auth.WithControllerActivitySink(sink),
		auth.WithLoginOptions(cfg.LoginOptions()),
	)

	// An initialization failure is surfaced through the view state.
	if err := app.controller.Start(ctx); err != nil {
		app.GetLogger("session").Error("session start failed", "error", err)
	}

	return nil
}

func newVerifier(ctx context.Context, app *App) (identity.DelegationVerifier, error) {
	cfg := app.config.Delegation

	opts := []identity.VerifierOption{
		identity.WithVerifierIssuer(cfg.Issuer),
		identity.WithVerifierAudience(cfg.Audience),
	}

	if cfg.KeyFile != "" {
		raw, err := os.ReadFile(cfg.KeyFile)
		if err != nil {
			return nil, fmt.Errorf("read delegation key: %w", err)
		}
		key, err := jwt.ParseEdPublicKeyFromPEM(raw)
		if err != nil {
			return nil, fmt.Errorf("parse delegation key: %w", err)
		}
		return identity.NewStaticKeyVerifier(cfg.KeyID, key, jwt.SigningMethodEdDSA.Alg(), opts...), nil
	}

	if cfg.JWKSURL == "" {
		return nil, fmt.Errorf("no delegation key configured: set ICAUTH_DELEGATION_JWKS_URL or ICAUTH_DELEGATION_KEY_FILE")
	}

	verifier, err := identity.NewJWKSVerifier(ctx, cfg.JWKSURL, app.Logger("jwks"), opts...)
	if err != nil {
		return nil, err
	}
	return verifier, nil
}

func WithHTTPServer(_ context.Context, app *App) error {
	templates, err := fs.Sub(viewsFS, "views")
	if err != nil {
		return fmt.Errorf("unable to scope embedded templates: %w", err)
	}

	engine := django.NewFileSystem(http.FS(templates), ".html")
	engine.Reload(app.config.Debug)

	srv := router.NewFiberAdapter(func(a *fiber.App) *fiber.App {
		return router.DefaultFiberOptions(fiber.New(fiber.Config{
			UnescapePath:      true,
			EnablePrintRoutes: app.config.Debug,
			StrictRouting:     false,
			PassLocalsToViews: true,
			Views:             engine,
		}))
	})

	srv.Router().WithLogger(app.GetLogger("router"))
	srv.Router().Use(auth.SecurityHeadersMiddleware(nil))
	srv.Router().Use(csrf.New(csrf.Config{
		ContextKey: auth.CSRFTokenLocal,
		Expiration: app.config.LoginTimeout + time.Hour,
	}))

	auth.RegisterSessionRoutes(srv.Router(),
		auth.WithSessionService(app.controller),
		auth.WithRedirectSource(app.launcher),
		auth.WithHTTPLogger(app.Logger("http")),
		auth.WithHTTPDebug(app.config.Debug),
		auth.WithLoginTimeout(app.config.LoginTimeout),
	)

	app.srv = srv
	return nil
}

// ServeMetrics exposes the Prometheus registry on its own listener.
func ServeMetrics(app *App) {
	if app.config.MetricsAddr == "" {
		return
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())

	srv := &http.Server{
		Addr:              app.config.MetricsAddr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	app.GetLogger("metrics").Info("serving metrics", "addr", app.config.MetricsAddr)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		app.GetLogger("metrics").Error("metrics server stopped", "error", err)
	}
}

func WaitExitSignal() os.Signal {
	ch := make(chan os.Signal, 3)
	signal.Notify(ch, syscall.SIGINT, syscall.SIGQUIT, syscall.SIGTERM)
	return <-ch
}

package identity

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	auth "github.com/goliatone/go-ic-auth"
)

// Option customizes the Client.
type Option func(*Client)

// WithStorage sets where the session key and delegation are kept.
func WithStorage(storage Storage) Option {
	return func(c *Client) {
		if storage != nil {
			c.storage = storage
		}
	}
}

// WithVerifier sets the delegation verifier. It is required.
func WithVerifier(verifier DelegationVerifier) Option {
	return func(c *Client) {
		c.verifier = verifier
	}
}

// WithLauncher sets how the provider URL reaches the user.
func WithLauncher(launcher Launcher) Option {
	return func(c *Client) {
		if launcher != nil {
			c.launcher = launcher
		}
	}
}

// WithIdleTimeout sets the inactivity period after which idle callbacks run.
func WithIdleTimeout(timeout time.Duration) Option {
	return func(c *Client) {
		c.idleTimeout = timeout
	}
}

// WithDisableDefaultIdleCallback stops the client from logging itself out on
// idle; only callbacks registered with OnIdle run.
func WithDisableDefaultIdleCallback(disable bool) Option {
	return func(c *Client) {
		c.disableDefaultIdle = disable
	}
}

// WithLoginTimeout bounds how long Login waits for the provider callback.
func WithLoginTimeout(timeout time.Duration) Option {
	return func(c *Client) {
		c.loginTimeout = timeout
	}
}

// WithLogger sets the logger.
func WithLogger(logger auth.Logger) Option {
	return func(c *Client) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithClock injects a custom clock (useful for tests).
func WithClock(clock func() time.Time) Option {
	return func(c *Client) {
		if clock != nil {
			c.now = clock
		}
	}
}

// Client is the identity client: it owns the session key, runs the provider
// round trip, and keeps the resulting delegation in storage.
type Client struct {
	storage            Storage
	verifier           DelegationVerifier
	launcher           Launcher
	logger             auth.Logger
	now                func() time.Time
	idleTimeout        time.Duration
	disableDefaultIdle bool
	loginTimeout       time.Duration

	sessionKey ed25519.PrivateKey
	idle       *IdleManager

	mu         sync.RWMutex
	delegation *auth.Delegation
	pending    map[string]chan auth.LoginCallback
}

// New creates the client, loading or creating the session key and restoring
// a stored, still valid delegation.
func New(ctx context.Context, opts ...Option) (*Client, error) {
	c := &Client{
		storage:     NewMemoryStorage(),
		logger:      auth.DefaultLogger(),
		now:         time.Now,
		idleTimeout: DefaultIdleTimeout,
		pending:     map[string]chan auth.LoginCallback{},
	}
	c.launcher = LogLauncher(c.logger)

	for _, opt := range opts {
		if opt != nil {
			opt(c)
		}
	}

	if c.verifier == nil {
		return nil, auth.NewInitializationError(errors.New("identity client requires a delegation verifier"))
	}

	key, err := c.loadSessionKey(ctx)
	if err != nil {
		return nil, auth.NewInitializationError(err)
	}
	c.sessionKey = key

	var fallback func(context.Context)
	if !c.disableDefaultIdle {
		fallback = func(ctx context.Context) {
			if err := c.Logout(ctx); err != nil {
				c.logger.Warn("idle logout: %v", err)
			}
		}
	}
	c.idle = NewIdleManager(c.idleTimeout, fallback)
	c.idle.RearmWhile(func() bool { return c.IsAuthenticated(context.Background()) })

	if err := c.restoreDelegation(ctx); err != nil {
		return nil, auth.NewInitializationError(err)
	}

	return c, nil
}

func (c *Client) loadSessionKey(ctx context.Context) (ed25519.PrivateKey, error) {
	seed, err := c.storage.Get(ctx, KeyIdentity)
	switch {
	case err == nil && len(seed) == ed25519.SeedSize:
		return ed25519.NewKeyFromSeed(seed), nil
	case err == nil:
		c.logger.Warn("stored session key has unexpected size %d, creating a new one", len(seed))
	case !IsNotFound(err):
		return nil, fmt.Errorf("load session key: %w", err)
	}

	_, key, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate session key: %w", err)
	}
	if err := c.storage.Set(ctx, KeyIdentity, key.Seed()); err != nil {
		return nil, fmt.Errorf("store session key: %w", err)
	}
	return key, nil
}

func (c *Client) restoreDelegation(ctx context.Context) error {
	token, err := c.storage.Get(ctx, KeyDelegation)
	if IsNotFound(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("load delegation: %w", err)
	}

	delegation, err := c.verifier.Verify(ctx, string(token), c.PublicKey())
	if err == nil && delegation.Expired(c.now()) {
		err = fmt.Errorf("delegation expired at %s", delegation.Expiration.Format(time.RFC3339))
	}
	if err != nil {
		c.logger.Info("discarding stored delegation: %v", err)
		if err := c.storage.Remove(ctx, KeyDelegation); err != nil {
			return fmt.Errorf("remove stale delegation: %w", err)
		}
		return nil
	}

	c.mu.Lock()
	c.delegation = delegation
	c.mu.Unlock()
	c.idle.Start()
	return nil
}

// PublicKey returns the session public key delegations must be issued for.
func (c *Client) PublicKey() ed25519.PublicKey {
	return c.sessionKey.Public().(ed25519.PublicKey)
}

// AuthorizeURL builds the provider URL for one login attempt.
func (c *Client) AuthorizeURL(opts auth.LoginOptions, state string) (string, error) {
	if opts.ProviderURL == "" {
		return "", errors.New("identity provider URL is required")
	}
	u, err := url.Parse(opts.ProviderURL)
	if err != nil {
		return "", fmt.Errorf("parse identity provider URL: %w", err)
	}

	q := u.Query()
	q.Set("session_public_key", hex.EncodeToString(c.PublicKey()))
	q.Set("state", state)
	if opts.RedirectURI != "" {
		q.Set("redirect_uri", opts.RedirectURI)
	}
	if opts.MaxTimeToLive > 0 {
		q.Set("max_time_to_live", strconv.FormatInt(opts.MaxTimeToLive.Nanoseconds(), 10))
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// Login sends the user to the provider and waits for CompleteLogin, ctx, or
// the login timeout, whichever comes first.
func (c *Client) Login(ctx context.Context, opts auth.LoginOptions) error {
	state := uuid.NewString()
	providerURL, err := c.AuthorizeURL(opts, state)
	if err != nil {
		return auth.NewLoginError("", err)
	}

	ch := make(chan auth.LoginCallback, 1)
	c.mu.Lock()
	c.pending[state] = ch
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.pending, state)
		c.mu.Unlock()
	}()

	if c.loginTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.loginTimeout)
		defer cancel()
	}

	if err := c.launcher.Open(ctx, providerURL); err != nil {
		if ctx.Err() != nil {
			return loginCancelled(err)
		}
		return auth.NewLoginError("", fmt.Errorf("open identity provider: %w", err))
	}

	select {
	case cb := <-ch:
		return c.finishLogin(ctx, cb)
	case <-ctx.Done():
		return loginCancelled(ctx.Err())
	}
}

func (c *Client) finishLogin(ctx context.Context, cb auth.LoginCallback) error {
	if cb.Error != "" {
		message := cb.ErrorDescription
		if message == "" {
			message = cb.Error
		}
		return auth.NewLoginError(message, errors.New(cb.Error))
	}

	delegation, err := c.verifier.Verify(ctx, cb.Delegation, c.PublicKey())
	if err != nil {
		return err
	}
	if delegation.Principal.IsAnonymous() {
		return invalidDelegation(nil, map[string]any{"reason": "delegation is for the anonymous principal"})
	}

	if err := c.storage.Set(ctx, KeyDelegation, []byte(delegation.Token)); err != nil {
		return auth.NewLoginError("", fmt.Errorf("store delegation: %w", err))
	}

	c.mu.Lock()
	c.delegation = delegation
	c.mu.Unlock()

	c.idle.Start()
	c.logger.Debug("delegation accepted for %s until %s", delegation.Principal, delegation.Expiration)
	return nil
}

// CompleteLogin delivers the provider callback to the pending Login with the same state.
func (c *Client) CompleteLogin(_ context.Context, cb auth.LoginCallback) error {
	c.mu.RLock()
	ch, ok := c.pending[cb.State]
	c.mu.RUnlock()

	if !ok {
		return ErrUnknownLoginState.Clone().WithMetadata(map[string]any{
			"state": cb.State,
		})
	}

	select {
	case ch <- cb:
		return nil
	default:
		return ErrUnknownLoginState.Clone().WithMetadata(map[string]any{
			"state":  cb.State,
			"reason": "callback already delivered",
		})
	}
}

// Logout forgets the delegation. The session key is kept.
func (c *Client) Logout(ctx context.Context) error {
	if err := c.storage.Remove(ctx, KeyDelegation); err != nil {
		return auth.NewLogoutError(err)
	}

	c.mu.Lock()
	c.delegation = nil
	c.mu.Unlock()

	c.idle.Stop()
	return nil
}

func (c *Client) IsAuthenticated(ctx context.Context) bool {
	return auth.IsAuthenticated(c.Identity(ctx), c.now())
}

func (c *Client) Identity(_ context.Context) auth.Identity {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return auth.NewDelegationIdentity(c.delegation)
}

// OnIdle registers fn to run when the idle timeout elapses.
func (c *Client) OnIdle(fn func(ctx context.Context)) {
	c.idle.Register(fn)
}

// Touch records user activity.
func (c *Client) Touch() {
	c.idle.Touch()
}

// Close stops the idle timer.
func (c *Client) Close() error {
	c.idle.Stop()
	return nil
}

// Initializer adapts New to the session controller's client initializer.
func Initializer(opts ...Option) auth.ClientInitializer {
	return func(ctx context.Context) (auth.IdentityClient, error) {
		client, err := New(ctx, opts...)
		if err != nil {
			return nil, err
		}
		return client, nil
	}
}

package agent

import (
	"context"
	"encoding/hex"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	auth "github.com/goliatone/go-ic-auth"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/singleflight"
)

const tracerName = "github.com/goliatone/go-ic-auth/agent"

// MainnetRootKeyHex is the DER encoded public key of the production network.
const MainnetRootKeyHex = "308182301d060d2b0601040182dc7c0503010201060c2b0601040182dc7c05030201036100814c0e6ec71fab583b08bd81373c255c3c371b2e84863c98a4f1e08b74235d14fb5d9c0cd546d9685f913a0c0b2cc5341583bf4b4392e467db96d65b9bb4cb717112f8472e0d5a4d14505ffd7484b01291091c5f87b98883463f98091a0baaae"

// DefaultIngressExpiry is how long a request stays valid after it is built.
const DefaultIngressExpiry = 5 * time.Minute

// Option customizes the Factory.
type Option func(*Factory)

// WithHTTPClient sets the client used to reach the gateway.
func WithHTTPClient(client *http.Client) Option {
	return func(f *Factory) {
		if client != nil {
			f.client = client
		}
	}
}

// WithProduction selects the built-in root key instead of the trust bootstrap.
func WithProduction(production bool) Option {
	return func(f *Factory) {
		f.production = production
	}
}

// WithLogger sets the logger.
func WithLogger(logger auth.Logger) Option {
	return func(f *Factory) {
		if logger != nil {
			f.logger = logger
		}
	}
}

// WithIngressExpiry sets how long requests stay valid.
func WithIngressExpiry(expiry time.Duration) Option {
	return func(f *Factory) {
		if expiry > 0 {
			f.ingressExpiry = expiry
		}
	}
}

// WithClock injects a custom clock (useful for tests).
func WithClock(clock func() time.Time) Option {
	return func(f *Factory) {
		if clock != nil {
			f.now = clock
		}
	}
}

// Factory builds agents. In local mode it fetches each host's root key once,
// sharing the fetch between concurrent callers and caching it on success.
type Factory struct {
	client        *http.Client
	production    bool
	logger        auth.Logger
	ingressExpiry time.Duration
	now           func() time.Time
	tracer        trace.Tracer

	group    singleflight.Group
	rootKeys sync.Map
}

func NewFactory(opts ...Option) *Factory {
	f := &Factory{
		client:        &http.Client{Timeout: 30 * time.Second},
		logger:        auth.DefaultLogger(),
		ingressExpiry: DefaultIngressExpiry,
		now:           time.Now,
		tracer:        otel.Tracer(tracerName),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(f)
		}
	}
	return f
}

// Build implements auth.AgentFactory.
func (f *Factory) Build(ctx context.Context, host string, identity auth.Identity) (auth.AgentHandle, auth.TrustResult, error) {
	a, trust, err := f.NewAgent(ctx, host, identity)
	if err != nil {
		return nil, trust, err
	}
	return a, trust, nil
}

// NewAgent builds an agent bound to host and identity. A failed trust
// bootstrap is reported as TrustUntrustedDegraded and the agent is still
// returned; only an unusable host fails.
func (f *Factory) NewAgent(ctx context.Context, host string, identity auth.Identity) (*Agent, auth.TrustResult, error) {
	base, err := parseHost(host)
	if err != nil {
		return nil, auth.TrustResult{Status: auth.TrustFailed, Err: err}, err
	}
	if identity == nil {
		identity = auth.AnonymousIdentity{}
	}

	a := &Agent{
		host:          host,
		base:          base,
		identity:      identity,
		client:        f.client,
		ingressExpiry: f.ingressExpiry,
		now:           f.now,
		tracer:        f.tracer,
	}

	if f.production {
		key, _ := hex.DecodeString(MainnetRootKeyHex)
		a.rootKey = key
		a.trust = auth.TrustResult{Status: auth.TrustTrusted}
		return a, a.trust, nil
	}

	key, err := f.FetchRootKey(ctx, host)
	if err != nil {
		f.logger.Warn("unable to fetch root key from %s, check to ensure that your local replica is running: %v", host, err)
		a.trust = auth.TrustResult{Status: auth.TrustUntrustedDegraded, Err: err}
		return a, a.trust, nil
	}

	a.rootKey = key
	a.trust = auth.TrustResult{Status: auth.TrustTrusted}
	return a, a.trust, nil
}

// FetchRootKey returns host's root key, fetching it at most once per host
// until a fetch succeeds.
func (f *Factory) FetchRootKey(ctx context.Context, host string) ([]byte, error) {
	key := strings.TrimRight(host, "/")
	if v, ok := f.rootKeys.Load(key); ok {
		return v.([]byte), nil
	}

	v, err, _ := f.group.Do(key, func() (any, error) {
		if v, ok := f.rootKeys.Load(key); ok {
			return v, nil
		}
		rootKey, err := f.fetchRootKey(ctx, host)
		if err != nil {
			return nil, err
		}
		f.rootKeys.Store(key, rootKey)
		return rootKey, nil
	})
	if err != nil {
		return nil, err
	}
	return v.([]byte), nil
}

// Forget drops the cached root key for host.
func (f *Factory) Forget(host string) {
	f.rootKeys.Delete(strings.TrimRight(host, "/"))
}

func (f *Factory) fetchRootKey(ctx context.Context, host string) ([]byte, error) {
	ctx, span := f.tracer.Start(ctx, "agent.fetch_root_key", trace.WithAttributes(
		attribute.String("agent.host", host),
	))
	defer span.End()

	base, err := parseHost(host)
	if err != nil {
		return nil, err
	}

	status, err := fetchStatus(ctx, f.client, base)
	if err != nil {
		span.RecordError(err)
		return nil, withSource(ErrRootKeyUnavailable, err, map[string]any{"host": host})
	}
	if len(status.RootKey) == 0 {
		return nil, withSource(ErrRootKeyUnavailable, nil, map[string]any{
			"host":   host,
			"reason": "status has no root_key",
		})
	}
	return status.RootKey, nil
}

func fetchStatus(ctx context.Context, client *http.Client, base *url.URL) (*Status, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, base.JoinPath("api", "v2", "status").String(), nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/cbor")

	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("status endpoint returned %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	status := &Status{}
	if err := Unmarshal(body, status); err != nil {
		return nil, fmt.Errorf("decode status: %w", err)
	}
	return status, nil
}

func parseHost(host string) (*url.URL, error) {
	u, err := url.Parse(strings.TrimSpace(host))
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return nil, withSource(ErrInvalidHost, err, map[string]any{"host": host})
	}
	return u, nil
}

// Package config loads the session process configuration: defaults, then an
// optional YAML file, then the environment. It is read once at start.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	validation "github.com/go-ozzo/ozzo-validation/v4"
	"github.com/go-ozzo/ozzo-validation/v4/is"
	auth "github.com/goliatone/go-ic-auth"
	"gopkg.in/yaml.v3"
)

type Mode string

const (
	ModeLocal      Mode = "local"
	ModeProduction Mode = "production"
)

// ProductionNetwork is the DFX_NETWORK value selecting production mode.
const ProductionNetwork = "ic"

// Storage drivers.
const (
	StorageMemory = "memory"
	StorageSQLite = "sqlite"
	StorageRedis  = "redis"
)

type StorageConfig struct {
	Driver      string `yaml:"driver" env:"ICAUTH_STORAGE_DRIVER"`
	DSN         string `yaml:"dsn" env:"ICAUTH_STORAGE_DSN"`
	RedisURL    string `yaml:"redisUrl" env:"ICAUTH_REDIS_URL"`
	RedisPrefix string `yaml:"redisPrefix" env:"ICAUTH_REDIS_PREFIX"`
}

func (s StorageConfig) Validate() error {
	return validation.ValidateStruct(&s,
		validation.Field(&s.Driver, validation.Required, validation.In(StorageMemory, StorageSQLite, StorageRedis)),
		validation.Field(&s.DSN, validation.When(s.Driver == StorageSQLite, validation.Required)),
		validation.Field(&s.RedisURL, validation.When(s.Driver == StorageRedis, validation.Required)),
	)
}

type DelegationConfig struct {
	JWKSURL  string `yaml:"jwksUrl" env:"ICAUTH_DELEGATION_JWKS_URL"`
	Issuer   string `yaml:"issuer" env:"ICAUTH_DELEGATION_ISSUER"`
	Audience string `yaml:"audience" env:"ICAUTH_DELEGATION_AUDIENCE"`
	// KeyFile is a PEM public key used instead of the JWKS URL.
	KeyFile string `yaml:"keyFile" env:"ICAUTH_DELEGATION_KEY_FILE"`
	KeyID   string `yaml:"keyId" env:"ICAUTH_DELEGATION_KEY_ID"`
}

type Config struct {
	Mode    Mode   `yaml:"mode" env:"ICAUTH_MODE"`
	Network string `yaml:"-" env:"DFX_NETWORK"`

	// EndpointIDs maps handle names to endpoint ids.
	EndpointIDs map[string]string `yaml:"endpointIds" env:"ICAUTH_ENDPOINT_IDS" envSeparator:"," envKeyValSeparator:":"`
	// BackendCanisterID seeds the default handles when EndpointIDs is empty.
	BackendCanisterID string `yaml:"backendCanisterId" env:"CANISTER_ID_AUTH_BACKEND"`

	LocalHost             string `yaml:"localHost" env:"ICAUTH_LOCAL_HOST"`
	ProductionHost        string `yaml:"productionHost" env:"ICAUTH_PRODUCTION_HOST"`
	LocalProviderURL      string `yaml:"localProviderUrl" env:"ICAUTH_LOCAL_PROVIDER_URL"`
	ProductionProviderURL string `yaml:"productionProviderUrl" env:"ICAUTH_PRODUCTION_PROVIDER_URL"`

	IdleTimeout                time.Duration `yaml:"idleTimeout" env:"ICAUTH_IDLE_TIMEOUT"`
	DisableDefaultIdleCallback bool          `yaml:"disableDefaultIdleCallback" env:"ICAUTH_DISABLE_DEFAULT_IDLE_CALLBACK"`
	MaxTimeToLive              time.Duration `yaml:"maxTimeToLive" env:"ICAUTH_MAX_TIME_TO_LIVE"`
	LoginTimeout               time.Duration `yaml:"loginTimeout" env:"ICAUTH_LOGIN_TIMEOUT"`

	ListenAddr  string `yaml:"listenAddr" env:"ICAUTH_LISTEN_ADDR"`
	MetricsAddr string `yaml:"metricsAddr" env:"ICAUTH_METRICS_ADDR"`
	// PublicURL is the externally visible base URL, used for the provider callback.
	PublicURL string `yaml:"publicUrl" env:"ICAUTH_PUBLIC_URL"`
	Debug     bool   `yaml:"debug" env:"ICAUTH_DEBUG"`

	Storage    StorageConfig    `yaml:"storage"`
	Delegation DelegationConfig `yaml:"delegation"`
}

// Defaults returns the configuration used for anything not set elsewhere.
func Defaults() Config {
	return Config{
		Mode:                       ModeLocal,
		LocalHost:                  "http://127.0.0.1:4943",
		ProductionHost:             "https://icp0.io",
		LocalProviderURL:           "http://rdmx6-jaaaa-aaaaa-aaadq-cai.localhost:4943",
		ProductionProviderURL:      "https://identity.ic0.app/",
		IdleTimeout:                30 * time.Minute,
		DisableDefaultIdleCallback: true,
		MaxTimeToLive:              8 * time.Hour,
		LoginTimeout:               5 * time.Minute,
		ListenAddr:                 "127.0.0.1:8787",
		MetricsAddr:                "127.0.0.1:9787",
		PublicURL:                  "http://127.0.0.1:8787",
		Storage: StorageConfig{
			Driver: StorageMemory,
		},
	}
}

// Load applies path (if not empty) and the environment over Defaults and validates the result.
func Load(path string) (Config, error) {
	cfg := Defaults()

	if path != "" {
		if err := cfg.loadFile(path); err != nil {
			return cfg, err
		}
	}

	if err := env.Parse(&cfg); err != nil {
		return cfg, fmt.Errorf("parse env: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return cfg, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

func (c *Config) loadFile(path string) error {
	data, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("failed to parse config file: %w", err)
	}
	return nil
}

// Validate will run validation rules
func (c Config) Validate() error {
	return validation.ValidateStruct(&c,
		validation.Field(&c.Mode, validation.In(ModeLocal, ModeProduction)),
		validation.Field(&c.LocalHost, validation.Required, is.URL),
		validation.Field(&c.ProductionHost, validation.Required, is.URL),
		validation.Field(&c.LocalProviderURL, validation.Required, is.URL),
		validation.Field(&c.ProductionProviderURL, validation.Required, is.URL),
		validation.Field(&c.PublicURL, validation.Required, is.URL),
		validation.Field(&c.ListenAddr, validation.Required),
		validation.Field(&c.IdleTimeout, validation.Min(time.Second)),
		validation.Field(&c.LoginTimeout, validation.Min(time.Second)),
		validation.Field(&c.EndpointIDs, validation.By(validateEndpointIDs)),
		validation.Field(&c.BackendCanisterID, validation.By(validatePrincipalText)),
		validation.Field(&c.Storage),
	)
}

func validateEndpointIDs(value any) error {
	ids, _ := value.(map[string]string)
	for name, id := range ids {
		if strings.TrimSpace(name) == "" {
			return errors.New("handle name must not be empty")
		}
		if _, err := auth.PrincipalFromText(id); err != nil {
			return fmt.Errorf("%s: invalid endpoint id %q", name, id)
		}
	}
	return nil
}

func validatePrincipalText(value any) error {
	text, _ := value.(string)
	if text == "" {
		return nil
	}
	if _, err := auth.PrincipalFromText(text); err != nil {
		return fmt.Errorf("invalid endpoint id %q", text)
	}
	return nil
}

// IsProduction reports whether the production network is targeted.
func (c Config) IsProduction() bool {
	return c.Mode == ModeProduction || strings.EqualFold(c.Network, ProductionNetwork)
}

// Host is the gateway the agents talk to.
func (c Config) Host() string {
	if c.IsProduction() {
		return c.ProductionHost
	}
	return c.LocalHost
}

// ProviderURL is the identity provider for the current mode.
func (c Config) ProviderURL() string {
	if c.IsProduction() {
		return c.ProductionProviderURL
	}
	return c.LocalProviderURL
}

// CallbackURL is where the provider returns the browser.
func (c Config) CallbackURL() string {
	return strings.TrimRight(c.PublicURL, "/") + "/callback"
}

// LoginOptions returns the options the session controller passes on login.
func (c Config) LoginOptions() auth.LoginOptions {
	return auth.LoginOptions{
		ProviderURL:   c.ProviderURL(),
		MaxTimeToLive: c.MaxTimeToLive,
		RedirectURI:   c.CallbackURL(),
	}
}

// Endpoints resolves the handle set. Without explicit endpoint ids both
// default handles are bound to the backend canister.
func (c Config) Endpoints() (map[string]auth.Principal, error) {
	ids := c.EndpointIDs
	if len(ids) == 0 {
		if c.BackendCanisterID == "" {
			return nil, errors.New("no endpoint ids configured: set ICAUTH_ENDPOINT_IDS or CANISTER_ID_AUTH_BACKEND")
		}
		ids = map[string]string{
			auth.CommunityActor: c.BackendCanisterID,
			auth.EconomyActor:   c.BackendCanisterID,
		}
	}

	out := make(map[string]auth.Principal, len(ids))
	for name, text := range ids {
		p, err := auth.PrincipalFromText(text)
		if err != nil {
			return nil, fmt.Errorf("endpoint %s: %w", name, err)
		}
		out[name] = p
	}
	return out, nil
}

// HandleNames returns the configured handle names, sorted.
func (c Config) HandleNames() []string {
	endpoints, err := c.Endpoints()
	if err != nil {
		return nil
	}
	names := make([]string, 0, len(endpoints))
	for name := range endpoints {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

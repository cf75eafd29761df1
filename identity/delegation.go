package identity

import (
	"context"
	"crypto/ed25519"
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"github.com/MicahParks/keyfunc/v2"
	"github.com/golang-jwt/jwt/v5"
	auth "github.com/goliatone/go-ic-auth"
)

// DelegationVerifier checks a provider-issued delegation against the session key.
type DelegationVerifier interface {
	Verify(ctx context.Context, token string, sessionKey ed25519.PublicKey) (*auth.Delegation, error)
}

// DelegationClaims are the claims of a delegation token. Subject carries the
// principal text and SessionKey the hex encoded public key the grant is for.
type DelegationClaims struct {
	SessionKey string `json:"pubkey"`
	jwt.RegisteredClaims
}

// VerifierOption customizes a JWTVerifier.
type VerifierOption func(*JWTVerifier)

// WithVerifierIssuer requires the iss claim.
func WithVerifierIssuer(issuer string) VerifierOption {
	return func(v *JWTVerifier) {
		v.issuer = issuer
	}
}

// WithVerifierAudience requires the aud claim.
func WithVerifierAudience(audience string) VerifierOption {
	return func(v *JWTVerifier) {
		v.audience = audience
	}
}

// WithVerifierMethods restricts the accepted signing algorithms.
func WithVerifierMethods(methods ...string) VerifierOption {
	return func(v *JWTVerifier) {
		if len(methods) > 0 {
			v.methods = methods
		}
	}
}

// WithVerifierClock injects a custom clock (useful for tests).
func WithVerifierClock(clock func() time.Time) VerifierOption {
	return func(v *JWTVerifier) {
		if clock != nil {
			v.now = clock
		}
	}
}

// WithVerifierLeeway tolerates clock skew on exp and nbf.
func WithVerifierLeeway(leeway time.Duration) VerifierOption {
	return func(v *JWTVerifier) {
		v.leeway = leeway
	}
}

// JWTVerifier verifies delegations encoded as signed JWTs.
type JWTVerifier struct {
	keyfunc  jwt.Keyfunc
	methods  []string
	issuer   string
	audience string
	leeway   time.Duration
	now      func() time.Time
}

// NewJWTVerifier verifies signatures with keyFunc.
func NewJWTVerifier(keyFunc jwt.Keyfunc, opts ...VerifierOption) *JWTVerifier {
	v := &JWTVerifier{
		keyfunc: keyFunc,
		methods: []string{"EdDSA", "ES256", "RS256"},
		now:     time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(v)
		}
	}
	return v
}

// NewStaticKeyVerifier verifies signatures with a single known key, selected by kid.
func NewStaticKeyVerifier(kid string, key any, algorithm string, opts ...VerifierOption) *JWTVerifier {
	given := keyfunc.NewGiven(map[string]keyfunc.GivenKey{
		kid: keyfunc.NewGivenCustom(key, keyfunc.GivenKeyOptions{Algorithm: algorithm}),
	})
	opts = append([]VerifierOption{WithVerifierMethods(algorithm)}, opts...)
	return NewJWTVerifier(given.Keyfunc, opts...)
}

// NewJWKSVerifier fetches the provider key set from jwksURL and keeps it
// refreshed in the background until ctx is done.
func NewJWKSVerifier(ctx context.Context, jwksURL string, logger auth.Logger, opts ...VerifierOption) (*JWTVerifier, error) {
	if logger == nil {
		logger = auth.DefaultLogger()
	}
	jwks, err := keyfunc.Get(jwksURL, keyfunc.Options{
		Ctx: ctx,
		RefreshErrorHandler: func(err error) {
			logger.Warn("failed to do a background refresh of delegation key set: %s", err)
		},
		RefreshInterval:   time.Hour,
		RefreshRateLimit:  time.Minute * 5,
		RefreshTimeout:    time.Second * 10,
		RefreshUnknownKID: true,
	})
	if err != nil {
		return nil, fmt.Errorf("fetch delegation key set %s: %w", jwksURL, err)
	}
	return NewJWTVerifier(jwks.Keyfunc, opts...), nil
}

func (v *JWTVerifier) Verify(_ context.Context, token string, sessionKey ed25519.PublicKey) (*auth.Delegation, error) {
	if strings.TrimSpace(token) == "" {
		return nil, invalidDelegation(nil, map[string]any{"reason": "empty delegation"})
	}
	if v.keyfunc == nil {
		return nil, invalidDelegation(nil, map[string]any{"reason": "no verification key configured"})
	}

	parserOpts := []jwt.ParserOption{
		jwt.WithValidMethods(v.methods),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(v.now),
		jwt.WithLeeway(v.leeway),
	}
	if v.issuer != "" {
		parserOpts = append(parserOpts, jwt.WithIssuer(v.issuer))
	}
	if v.audience != "" {
		parserOpts = append(parserOpts, jwt.WithAudience(v.audience))
	}

	claims := &DelegationClaims{}
	if _, err := jwt.ParseWithClaims(token, claims, v.keyfunc, parserOpts...); err != nil {
		return nil, invalidDelegation(err, nil)
	}

	pubkey, err := hex.DecodeString(claims.SessionKey)
	if err != nil || !ed25519.PublicKey(pubkey).Equal(sessionKey) {
		return nil, invalidDelegation(err, map[string]any{"reason": "delegation is for a different session key"})
	}

	principal, err := auth.PrincipalFromText(claims.Subject)
	if err != nil {
		return nil, invalidDelegation(err, map[string]any{"reason": "delegation subject is not a principal"})
	}

	return &auth.Delegation{
		Token:      token,
		SessionKey: append([]byte(nil), sessionKey...),
		Principal:  principal,
		Expiration: claims.ExpiresAt.Time,
	}, nil
}

// Package csrf guards the session forms (login, logout) against cross site
// submission with stateless, HMAC signed tokens bound to the requesting client.
package csrf

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"io"
	"slices"
	"strconv"
	"strings"
	"time"

	goerrors "github.com/goliatone/go-errors"
	"github.com/goliatone/go-router"
)

const (
	TextCodeTokenMissing  = "CSRF_TOKEN_MISSING"
	TextCodeTokenMismatch = "CSRF_TOKEN_MISMATCH"
	TextCodeTokenExpired  = "CSRF_TOKEN_EXPIRED"
)

// ErrTokenMissing is returned when an unsafe request carries no token.
var ErrTokenMissing = goerrors.New("form token missing", goerrors.CategoryBadInput).
	WithTextCode(TextCodeTokenMissing).
	WithCode(goerrors.CodeBadRequest)

// ErrTokenMismatch is returned for forged, tampered or foreign tokens.
var ErrTokenMismatch = goerrors.New("form token mismatch", goerrors.CategoryAuthz).
	WithTextCode(TextCodeTokenMismatch).
	WithCode(goerrors.CodeForbidden)

var ErrTokenExpired = goerrors.New("form token expired", goerrors.CategoryAuthz).
	WithTextCode(TextCodeTokenExpired).
	WithCode(goerrors.CodeForbidden)

const (
	// DefaultContextKey is the local the token is exposed under, for views.
	DefaultContextKey = "csrf_token"
	// DefaultFormFieldName is the form field the token is read from.
	DefaultFormFieldName = "_token"
	// DefaultHeaderName is the header the token is read from.
	DefaultHeaderName = "X-CSRF-Token"

	nonceLength  = 16
	minKeyLength = 32
)

// Config defines the configuration for the middleware.
type Config struct {
	// Skip defines a function to skip middleware
	Skip func(router.Context) bool

	ContextKey    string
	FormFieldName string
	HeaderName    string

	// Binding returns the value a token is tied to. Defaults to the client IP.
	Binding func(router.Context) string

	// SecureKey signs tokens. A random key is generated when empty, so tokens
	// do not survive a restart.
	SecureKey []byte

	// Expiration bounds token age. Zero disables the check.
	Expiration time.Duration

	// SafeMethods are not validated.
	SafeMethods []string

	ErrorHandler router.ErrorHandler

	// Now injects a custom clock (useful for tests).
	Now func() time.Time
}

// New creates the middleware. It panics on a secure key shorter than 32 bytes.
func New(config ...Config) router.MiddlewareFunc {
	cfg := configDefault(config...)

	return func(next router.HandlerFunc) router.HandlerFunc {
		return func(ctx router.Context) error {
			if cfg.Skip != nil && cfg.Skip(ctx) {
				return next(ctx)
			}

			method := strings.ToUpper(ctx.Method())
			if !slices.Contains(cfg.SafeMethods, method) {
				if err := cfg.validate(ctx, extractToken(ctx, cfg)); err != nil {
					return cfg.ErrorHandler(ctx, err)
				}
			}

			token, err := cfg.issue(ctx)
			if err != nil {
				return cfg.ErrorHandler(ctx, err)
			}
			ctx.Locals(cfg.ContextKey, token)
			ctx.Locals(cfg.ContextKey+"_field", cfg.FormFieldName)

			return next(ctx)
		}
	}
}

func (cfg Config) issue(ctx router.Context) (string, error) {
	nonce := make([]byte, nonceLength)
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("generate form token: %w", err)
	}

	payload := fmt.Sprintf("%d:%s:%s", cfg.Now().UTC().Unix(), hex.EncodeToString(nonce), cfg.Binding(ctx))
	token := payload + ":" + hex.EncodeToString(cfg.sign(payload))
	return base64.RawURLEncoding.EncodeToString([]byte(token)), nil
}

func (cfg Config) validate(ctx router.Context, token string) error {
	if token == "" {
		return ErrTokenMissing.Clone()
	}

	decoded, err := base64.RawURLEncoding.DecodeString(token)
	if err != nil {
		return mismatch("token is not base64")
	}

	raw := string(decoded)
	sep := strings.LastIndex(raw, ":")
	if sep < 0 {
		return mismatch("token is malformed")
	}
	payload, signatureHex := raw[:sep], raw[sep+1:]

	// timestamp:nonce:binding, the binding may itself contain colons
	parts := strings.SplitN(payload, ":", 3)
	if len(parts) != 3 {
		return mismatch("token is malformed")
	}

	issuedAt, err := strconv.ParseInt(parts[0], 10, 64)
	if err != nil {
		return mismatch("token has no timestamp")
	}

	signature, err := hex.DecodeString(signatureHex)
	if err != nil || !hmac.Equal(signature, cfg.sign(payload)) {
		return mismatch("signature does not match")
	}

	if subtle.ConstantTimeCompare([]byte(parts[2]), []byte(cfg.Binding(ctx))) != 1 {
		return mismatch("token was issued to another client")
	}

	if cfg.Expiration > 0 && cfg.Now().UTC().After(time.Unix(issuedAt, 0).Add(cfg.Expiration)) {
		return ErrTokenExpired.Clone().WithMetadata(map[string]any{
			"issued_at": time.Unix(issuedAt, 0).UTC(),
		})
	}

	return nil
}

func (cfg Config) sign(payload string) []byte {
	mac := hmac.New(sha256.New, cfg.SecureKey)
	mac.Write([]byte(payload))
	return mac.Sum(nil)
}

func mismatch(reason string) error {
	return ErrTokenMismatch.Clone().WithMetadata(map[string]any{"reason": reason})
}

func extractToken(ctx router.Context, cfg Config) string {
	if token := ctx.FormValue(cfg.FormFieldName); token != "" {
		return token
	}
	return ctx.GetString(cfg.HeaderName, "")
}

func configDefault(config ...Config) Config {
	var cfg Config
	if len(config) > 0 {
		cfg = config[0]
	}

	if cfg.ContextKey == "" {
		cfg.ContextKey = DefaultContextKey
	}
	if cfg.FormFieldName == "" {
		cfg.FormFieldName = DefaultFormFieldName
	}
	if cfg.HeaderName == "" {
		cfg.HeaderName = DefaultHeaderName
	}
	if cfg.SafeMethods == nil {
		cfg.SafeMethods = []string{"GET", "HEAD", "OPTIONS", "TRACE"}
	}
	if cfg.Binding == nil {
		cfg.Binding = func(ctx router.Context) string { return ctx.IP() }
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.ErrorHandler == nil {
		cfg.ErrorHandler = defaultErrorHandler
	}

	cfg.SecureKey = initializeSecureKey(cfg.SecureKey)
	return cfg
}

func defaultErrorHandler(ctx router.Context, err error) error {
	var rich *goerrors.Error
	if goerrors.As(err, &rich) && rich.TextCode == TextCodeTokenMissing {
		return ctx.Status(router.StatusBadRequest).SendString("Form token missing, reload the page and try again.")
	}
	return ctx.Status(router.StatusForbidden).SendString("Form expired, reload the page and try again.")
}

func initializeSecureKey(current []byte) []byte {
	if len(current) > 0 {
		if len(current) < minKeyLength {
			panic(fmt.Errorf("csrf: secure key must be at least %d bytes, got %d", minKeyLength, len(current)))
		}
		return current
	}
	key := make([]byte, minKeyLength)
	if _, err := io.ReadFull(rand.Reader, key); err != nil {
		panic(fmt.Errorf("csrf: unable to initialize secure key: %w", err))
	}
	return key
}

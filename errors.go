package auth

import (
	goerrors "github.com/goliatone/go-errors"
)

const (
	TextCodeInitializationFailed = "INITIALIZATION_FAILED"
	TextCodeLoginFailed          = "LOGIN_FAILED"
	TextCodeLogoutFailed         = "LOGOUT_FAILED"
	TextCodeSessionBusy          = "SESSION_BUSY"
	TextCodeInvalidTransition    = "INVALID_SESSION_TRANSITION"
	TextCodePartialSession       = "PARTIAL_SESSION_STATE"
	TextCodeInvalidPrincipal     = "INVALID_PRINCIPAL"
	TextCodeAgentUnavailable     = "AGENT_UNAVAILABLE"
	TextCodeInvalidDelegation    = "INVALID_DELEGATION"
)

// Messages shown to the user when an error carries no message of its own.
const (
	MessageInitializationFailed = "Failed to initialize authentication client."
	MessageLoginFailed          = "Login failed. Please try again."
	MessageLogoutFailed         = "Failed to log out."
	MessageSessionBusy          = "Another login or logout is already in progress."
)

const metaUserVisible = "user_visible"

// ErrInitialization is returned when the identity client could not be created.
// It is fatal to the session feature.
var ErrInitialization = goerrors.New("failed to initialize authentication client", goerrors.CategoryInternal).
	WithTextCode(TextCodeInitializationFailed).
	WithCode(goerrors.CodeInternal)

// ErrLogin is returned when the provider rejected the login or the user cancelled it.
var ErrLogin = goerrors.New("login failed", goerrors.CategoryAuth).
	WithTextCode(TextCodeLoginFailed).
	WithCode(goerrors.CodeUnauthorized)

// ErrLogout is returned when the identity client failed to clear its credentials.
var ErrLogout = goerrors.New("logout failed", goerrors.CategoryOperation).
	WithTextCode(TextCodeLogoutFailed).
	WithCode(goerrors.CodeInternal)

// ErrSessionBusy is returned when a login or logout overlaps another one.
var ErrSessionBusy = goerrors.New("session operation already in progress", goerrors.CategoryConflict).
	WithTextCode(TextCodeSessionBusy).
	WithCode(goerrors.CodeConflict)

// ErrInvalidTransition is returned when the session state machine rejects a move.
var ErrInvalidTransition = goerrors.New("invalid session state transition", goerrors.CategoryValidation).
	WithTextCode(TextCodeInvalidTransition).
	WithCode(goerrors.CodeBadRequest)

// ErrPartialSession is returned when a state that is neither complete nor empty is published.
var ErrPartialSession = goerrors.New("session state must hold every capability handle or none", goerrors.CategoryValidation).
	WithTextCode(TextCodePartialSession).
	WithCode(goerrors.CodeBadRequest)

// ErrInvalidPrincipal is returned for malformed principal text or bytes.
var ErrInvalidPrincipal = goerrors.New("invalid principal", goerrors.CategoryBadInput).
	WithTextCode(TextCodeInvalidPrincipal).
	WithCode(goerrors.CodeBadRequest)

// ErrAgentUnavailable is returned when no agent could be built for the target host.
var ErrAgentUnavailable = goerrors.New("agent unavailable", goerrors.CategoryInternal).
	WithTextCode(TextCodeAgentUnavailable).
	WithCode(goerrors.CodeInternal)

// ErrInvalidDelegation is returned when the provider's delegation fails verification.
var ErrInvalidDelegation = goerrors.New("invalid delegation", goerrors.CategoryAuth).
	WithTextCode(TextCodeInvalidDelegation).
	WithCode(goerrors.CodeUnauthorized)

// NewInitializationError wraps the underlying client construction failure.
func NewInitializationError(source error) *goerrors.Error {
	clone := ErrInitialization.Clone()
	clone.Source = source
	return clone
}

// NewLoginError builds a LoginError. A non-empty message is shown to the user as is.
func NewLoginError(message string, source error) *goerrors.Error {
	clone := ErrLogin.Clone()
	clone.Source = source
	if message == "" {
		return clone
	}
	clone.Message = message
	return clone.WithMetadata(map[string]any{
		metaUserVisible: true,
	})
}

// NewLogoutError wraps the underlying logout failure.
func NewLogoutError(source error) *goerrors.Error {
	clone := ErrLogout.Clone()
	clone.Source = source
	return clone
}

// HasTextCode reports whether err is a rich error with the given text code.
func HasTextCode(err error, code string) bool {
	if err == nil {
		return false
	}
	var richErr *goerrors.Error
	if goerrors.As(err, &richErr) {
		return richErr.TextCode == code
	}
	return false
}

// UserMessage converts err into the single string surfaced to the user.
// Errors flagged as user visible keep their own message; everything else
// collapses to fallback.
func UserMessage(err error, fallback string) string {
	if err == nil {
		return ""
	}

	var richErr *goerrors.Error
	if !goerrors.As(err, &richErr) {
		return fallback
	}

	if richErr.TextCode == TextCodeSessionBusy {
		return MessageSessionBusy
	}

	if visible, ok := richErr.Metadata[metaUserVisible].(bool); ok && visible && richErr.Message != "" {
		return richErr.Message
	}

	return fallback
}

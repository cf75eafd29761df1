package agent

import (
	goerrors "github.com/goliatone/go-errors"
)

const (
	TextCodeInvalidHost       = "AGENT_INVALID_HOST"
	TextCodeRootKeyUnavail    = "ROOT_KEY_UNAVAILABLE"
	TextCodeCallRejected      = "CALL_REJECTED"
	TextCodeMethodNotDeclared = "METHOD_NOT_DECLARED"
	TextCodeTransport         = "AGENT_TRANSPORT"
)

// ErrInvalidHost is returned when the gateway host is not an http(s) URL.
var ErrInvalidHost = goerrors.New("invalid gateway host", goerrors.CategoryBadInput).
	WithTextCode(TextCodeInvalidHost).
	WithCode(goerrors.CodeBadRequest)

// ErrRootKeyUnavailable is returned when the trust bootstrap could not fetch the root key.
var ErrRootKeyUnavailable = goerrors.New("unable to fetch root key", goerrors.CategoryOperation).
	WithTextCode(TextCodeRootKeyUnavail).
	WithCode(goerrors.CodeInternal)

// ErrCallRejected is returned when the endpoint rejected a query or update.
var ErrCallRejected = goerrors.New("call rejected", goerrors.CategoryOperation).
	WithTextCode(TextCodeCallRejected).
	WithCode(goerrors.CodeBadRequest)

// ErrMethodNotDeclared is returned when a handle invokes a method missing from its interface.
var ErrMethodNotDeclared = goerrors.New("method not declared by interface", goerrors.CategoryValidation).
	WithTextCode(TextCodeMethodNotDeclared).
	WithCode(goerrors.CodeBadRequest)

// ErrTransport is returned for unexpected gateway responses.
var ErrTransport = goerrors.New("gateway request failed", goerrors.CategoryOperation).
	WithTextCode(TextCodeTransport).
	WithCode(goerrors.CodeInternal)

func withSource(base *goerrors.Error, source error, metadata map[string]any) *goerrors.Error {
	clone := base.Clone()
	clone.Source = source
	if len(metadata) == 0 {
		return clone
	}
	return clone.WithMetadata(metadata)
}

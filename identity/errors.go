package identity

import (
	goerrors "github.com/goliatone/go-errors"
	auth "github.com/goliatone/go-ic-auth"
)

const (
	TextCodeStorageKeyNotFound = "STORAGE_KEY_NOT_FOUND"
	TextCodeUnknownLoginState  = "UNKNOWN_LOGIN_STATE"
)

// ErrStorageKeyNotFound is returned by Storage.Get for missing keys.
var ErrStorageKeyNotFound = goerrors.New("storage key not found", goerrors.CategoryNotFound).
	WithTextCode(TextCodeStorageKeyNotFound).
	WithCode(goerrors.CodeNotFound)

// ErrUnknownLoginState is returned when a callback does not match a pending login.
var ErrUnknownLoginState = goerrors.New("no pending login for state", goerrors.CategoryBadInput).
	WithTextCode(TextCodeUnknownLoginState).
	WithCode(goerrors.CodeBadRequest)

// ErrLoginCancelled is returned when a pending login is abandoned or times out.
var ErrLoginCancelled = auth.NewLoginError("Login cancelled.", nil)

// IsNotFound reports whether err is a missing storage key.
func IsNotFound(err error) bool {
	return auth.HasTextCode(err, TextCodeStorageKeyNotFound)
}

func notFound(key string) error {
	return ErrStorageKeyNotFound.Clone().WithMetadata(map[string]any{
		"key": key,
	})
}

func loginCancelled(cause error) error {
	clone := ErrLoginCancelled.Clone()
	clone.Source = cause
	return clone
}

func invalidDelegation(cause error, metadata map[string]any) error {
	clone := auth.ErrInvalidDelegation.Clone()
	clone.Source = cause
	if len(metadata) == 0 {
		return clone
	}
	return clone.WithMetadata(metadata)
}

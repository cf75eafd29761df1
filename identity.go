package auth

import (
	"time"
)

// Identity is the credential obtained from the identity client.
type Identity interface {
	Principal() Principal
	IsAnonymous() bool
	// Delegation returns nil for anonymous identities.
	Delegation() *Delegation
}

// Delegation is the provider-signed grant binding a session key to a principal.
type Delegation struct {
	Token      string
	SessionKey []byte
	Principal  Principal
	Expiration time.Time
}

// Expired reports whether the delegation is no longer valid at now.
func (d *Delegation) Expired(now time.Time) bool {
	if d == nil {
		return true
	}
	return !d.Expiration.IsZero() && !now.Before(d.Expiration)
}

// AnonymousIdentity is the identity of a caller that never logged in.
type AnonymousIdentity struct{}

func (AnonymousIdentity) Principal() Principal    { return AnonymousPrincipal }
func (AnonymousIdentity) IsAnonymous() bool       { return true }
func (AnonymousIdentity) Delegation() *Delegation { return nil }

// DelegationIdentity adapts a verified delegation into the Identity interface.
type DelegationIdentity struct {
	delegation *Delegation
}

// NewDelegationIdentity returns an Identity for d, or the anonymous identity when d is nil.
func NewDelegationIdentity(d *Delegation) Identity {
	if d == nil {
		return AnonymousIdentity{}
	}
	return DelegationIdentity{delegation: d}
}

func (i DelegationIdentity) Principal() Principal {
	if i.delegation == nil {
		return AnonymousPrincipal
	}
	return i.delegation.Principal
}

func (i DelegationIdentity) IsAnonymous() bool {
	return i.Principal().IsAnonymous()
}

func (i DelegationIdentity) Delegation() *Delegation {
	return i.delegation
}

// IsAuthenticated reports whether identity carries an unexpired delegation for
// a non anonymous principal.
func IsAuthenticated(identity Identity, now time.Time) bool {
	if identity == nil || identity.IsAnonymous() {
		return false
	}
	if identity.Principal().IsAnonymous() {
		return false
	}
	return !identity.Delegation().Expired(now)
}

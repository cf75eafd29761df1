// Package backend describes the authentication backend the session's
// capability handles talk to: its interface, a typed client over a handle, and
// an in-process reference service for local development and tests.
package backend

import (
	"context"
	"fmt"

	auth "github.com/goliatone/go-ic-auth"
)

// Method names.
const (
	MethodLogin          = "login"
	MethodGetUser        = "get_user"
	MethodLogout         = "logout"
	MethodIsSessionValid = "is_session_valid"
)

// Interface is the backend's method table.
var Interface = auth.Interface{
	Name: "auth_backend",
	Methods: map[string]auth.MethodKind{
		MethodLogin:          auth.MethodUpdate,
		MethodGetUser:        auth.MethodQuery,
		MethodLogout:         auth.MethodUpdate,
		MethodIsSessionValid: auth.MethodQuery,
	},
}

// UserProfile is what the backend records for a logged in principal.
// Timestamp is in nanoseconds since the epoch.
type UserProfile struct {
	PrincipalID     string `cbor:"principal_id" json:"principal_id"`
	IsAuthenticated bool   `cbor:"is_authenticated" json:"is_authenticated"`
	Timestamp       uint64 `cbor:"timestamp" json:"timestamp"`
}

// Specs returns one handle spec per name, all bound to endpointID with the backend interface.
func Specs(endpointIDs map[string]auth.Principal) []auth.HandleSpec {
	specs := make([]auth.HandleSpec, 0, len(endpointIDs))
	for name, id := range endpointIDs {
		specs = append(specs, auth.HandleSpec{
			Name:       name,
			EndpointID: id,
			Interface:  Interface,
		})
	}
	return specs
}

// Client is a typed view over a capability handle.
type Client struct {
	handle auth.CapabilityHandle
}

func NewClient(handle auth.CapabilityHandle) *Client {
	return &Client{handle: handle}
}

// FromSession returns a client over the named handle of state.
func FromSession(state auth.SessionState, name string) (*Client, error) {
	handle, ok := state.Actor(name)
	if !ok {
		return nil, fmt.Errorf("session has no %s handle", name)
	}
	return NewClient(handle), nil
}

func (c *Client) Login(ctx context.Context) (UserProfile, error) {
	var profile UserProfile
	err := c.handle.Call(ctx, MethodLogin, nil, &profile)
	return profile, err
}

// GetUser returns nil when the caller has no valid session.
func (c *Client) GetUser(ctx context.Context) (*UserProfile, error) {
	var profile *UserProfile
	if err := c.handle.Query(ctx, MethodGetUser, nil, &profile); err != nil {
		return nil, err
	}
	return profile, nil
}

func (c *Client) Logout(ctx context.Context) (bool, error) {
	var ok bool
	err := c.handle.Call(ctx, MethodLogout, nil, &ok)
	return ok, err
}

func (c *Client) IsSessionValid(ctx context.Context) (bool, error) {
	var ok bool
	err := c.handle.Query(ctx, MethodIsSessionValid, nil, &ok)
	return ok, err
}

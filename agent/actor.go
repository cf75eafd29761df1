package agent

import (
	"context"
	"errors"
	"fmt"

	auth "github.com/goliatone/go-ic-auth"
)

// Actor is a capability handle: one endpoint, one interface, one identity.
type Actor struct {
	agent *Agent
	spec  auth.HandleSpec
}

// NewActor binds spec to agent.
func NewActor(agent *Agent, spec auth.HandleSpec) (*Actor, error) {
	if agent == nil {
		return nil, errors.New("actor requires an agent")
	}
	if spec.Name == "" {
		return nil, errors.New("actor requires a name")
	}
	if len(spec.EndpointID.Bytes()) == 0 || spec.EndpointID.IsAnonymous() {
		return nil, fmt.Errorf("actor %s has no endpoint id", spec.Name)
	}
	return &Actor{agent: agent, spec: spec}, nil
}

// Handles implements auth.HandleFactory for agents built by this package.
func Handles(agent auth.AgentHandle, spec auth.HandleSpec) (auth.CapabilityHandle, error) {
	a, ok := agent.(*Agent)
	if !ok {
		return nil, fmt.Errorf("unsupported agent type %T", agent)
	}
	actor, err := NewActor(a, spec)
	if err != nil {
		return nil, err
	}
	return actor, nil
}

func (a *Actor) Name() string {
	return a.spec.Name
}

func (a *Actor) EndpointID() auth.Principal {
	return a.spec.EndpointID
}

func (a *Actor) Principal() auth.Principal {
	return a.agent.Identity().Principal()
}

// Interface returns the interface the actor was built with.
func (a *Actor) Interface() auth.Interface {
	return a.spec.Interface
}

// Query invokes a query method, CBOR encoding arg and decoding the reply into out.
func (a *Actor) Query(ctx context.Context, method string, arg, out any) error {
	return a.invoke(ctx, auth.MethodQuery, method, arg, out)
}

// Call invokes an update method, CBOR encoding arg and decoding the reply into out.
func (a *Actor) Call(ctx context.Context, method string, arg, out any) error {
	return a.invoke(ctx, auth.MethodUpdate, method, arg, out)
}

func (a *Actor) invoke(ctx context.Context, kind auth.MethodKind, method string, arg, out any) error {
	if declared, ok := a.spec.Interface.Kind(method); !ok || declared != kind {
		return withSource(ErrMethodNotDeclared, nil, map[string]any{
			"actor":     a.spec.Name,
			"interface": a.spec.Interface.Name,
			"method":    method,
			"kind":      string(kind),
		})
	}

	var encoded []byte
	if arg != nil {
		var err error
		if encoded, err = Marshal(arg); err != nil {
			return fmt.Errorf("encode %s argument: %w", method, err)
		}
	}

	var reply []byte
	var err error
	if kind == auth.MethodQuery {
		reply, err = a.agent.Query(ctx, a.spec.EndpointID, method, encoded)
	} else {
		reply, err = a.agent.Call(ctx, a.spec.EndpointID, method, encoded)
	}
	if err != nil {
		return err
	}

	if out == nil || len(reply) == 0 {
		return nil
	}
	if err := Unmarshal(reply, out); err != nil {
		return fmt.Errorf("decode %s reply: %w", method, err)
	}
	return nil
}

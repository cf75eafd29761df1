package auth_test

import (
	"context"
	"sync"
	"time"

	auth "github.com/goliatone/go-ic-auth"
	"github.com/stretchr/testify/mock"
)

const testHost = "http://127.0.0.1:4943"

var (
	backendID = auth.MustPrincipal("rdmx6-jaaaa-aaaaa-aaadq-cai")
	userID    = mustPrincipalBytes([]byte{0x8f, 0x3a, 0x11, 0x42, 0x07, 0x9c, 0x52, 0x02})
)

func mustPrincipalBytes(b []byte) auth.Principal {
	p, err := auth.PrincipalFromBytes(b)
	if err != nil {
		panic(err)
	}
	return p
}

func testIdentity(p auth.Principal) auth.Identity {
	return auth.NewDelegationIdentity(&auth.Delegation{
		Token:      "token",
		Principal:  p,
		Expiration: time.Now().Add(time.Hour),
	})
}

func testSpecs() []auth.HandleSpec {
	return []auth.HandleSpec{
		{Name: auth.CommunityActor, EndpointID: backendID},
		{Name: auth.EconomyActor, EndpointID: backendID},
	}
}

// fakeClient is an in-memory identity client.
type fakeClient struct {
	mu        sync.Mutex
	identity  auth.Identity
	loginFn   func(ctx context.Context, opts auth.LoginOptions) (auth.Identity, error)
	logoutErr error
	logins    int
	logouts   int
	touches   int
	idle      func(ctx context.Context)
	callbacks []auth.LoginCallback
	lastOpts  auth.LoginOptions
}

func (c *fakeClient) Login(ctx context.Context, opts auth.LoginOptions) error {
	c.mu.Lock()
	c.logins++
	c.lastOpts = opts
	fn := c.loginFn
	c.mu.Unlock()

	if fn == nil {
		return nil
	}
	identity, err := fn(ctx, opts)
	if err != nil {
		return err
	}

	c.mu.Lock()
	c.identity = identity
	c.mu.Unlock()
	return nil
}

func (c *fakeClient) Logout(context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.logouts++
	if c.logoutErr != nil {
		return c.logoutErr
	}
	c.identity = nil
	return nil
}

func (c *fakeClient) IsAuthenticated(context.Context) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return auth.IsAuthenticated(c.identity, time.Now())
}

func (c *fakeClient) Identity(context.Context) auth.Identity {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.identity == nil {
		return auth.AnonymousIdentity{}
	}
	return c.identity
}

func (c *fakeClient) OnIdle(fn func(ctx context.Context)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.idle = fn
}

func (c *fakeClient) Touch() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.touches++
}

func (c *fakeClient) CompleteLogin(_ context.Context, cb auth.LoginCallback) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.callbacks = append(c.callbacks, cb)
	return nil
}

func (c *fakeClient) setIdentity(identity auth.Identity) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.identity = identity
}

func (c *fakeClient) fireIdle(ctx context.Context) {
	c.mu.Lock()
	fn := c.idle
	c.mu.Unlock()
	if fn != nil {
		fn(ctx)
	}
}

func (c *fakeClient) counts() (logins, logouts int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.logins, c.logouts
}

type MockAgentFactory struct {
	mock.Mock
}

func (m *MockAgentFactory) Build(ctx context.Context, host string, identity auth.Identity) (auth.AgentHandle, auth.TrustResult, error) {
	args := m.Called(ctx, host, identity)
	var agent auth.AgentHandle
	switch v := args.Get(0).(type) {
	case func(context.Context, string, auth.Identity) auth.AgentHandle:
		agent = v(ctx, host, identity)
	case auth.AgentHandle:
		agent = v
	}
	return agent, args.Get(1).(auth.TrustResult), args.Error(2)
}

type fakeAgent struct {
	host     string
	identity auth.Identity
	trust    auth.TrustResult
}

func (a *fakeAgent) Host() string            { return a.host }
func (a *fakeAgent) Identity() auth.Identity { return a.identity }
func (a *fakeAgent) Trust() auth.TrustResult { return a.trust }

type fakeHandle struct {
	name      string
	endpoint  auth.Principal
	principal auth.Principal
}

func (h *fakeHandle) Name() string                                  { return h.name }
func (h *fakeHandle) EndpointID() auth.Principal                    { return h.endpoint }
func (h *fakeHandle) Principal() auth.Principal                     { return h.principal }
func (h *fakeHandle) Query(context.Context, string, any, any) error { return nil }
func (h *fakeHandle) Call(context.Context, string, any, any) error  { return nil }

func fakeHandles(agent auth.AgentHandle, spec auth.HandleSpec) (auth.CapabilityHandle, error) {
	return &fakeHandle{
		name:      spec.Name,
		endpoint:  spec.EndpointID,
		principal: agent.Identity().Principal(),
	}, nil
}

// trustedFactory builds trusted agents for whatever identity it is given.
func trustedFactory() *MockAgentFactory {
	factory := &MockAgentFactory{}
	factory.On("Build", mock.Anything, testHost, mock.Anything).
		Return(func(_ context.Context, host string, identity auth.Identity) auth.AgentHandle {
			return &fakeAgent{host: host, identity: identity, trust: auth.TrustResult{Status: auth.TrustTrusted}}
		}, auth.TrustResult{Status: auth.TrustTrusted}, nil).
		Maybe()
	return factory
}

type captureSink struct {
	mu     sync.Mutex
	events []auth.ActivityEvent
}

func (s *captureSink) Record(_ context.Context, event auth.ActivityEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, event)
	return nil
}

func (s *captureSink) types() []auth.ActivityEventType {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]auth.ActivityEventType, 0, len(s.events))
	for _, e := range s.events {
		out = append(out, e.EventType)
	}
	return out
}

func (s *captureSink) find(eventType auth.ActivityEventType) (auth.ActivityEvent, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, e := range s.events {
		if e.EventType == eventType {
			return e, true
		}
	}
	return auth.ActivityEvent{}, false
}

package backend

import (
	"crypto/ed25519"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	auth "github.com/goliatone/go-ic-auth"
	"github.com/goliatone/go-ic-auth/agent"
	"github.com/goliatone/go-ic-auth/identity"
)

// Reject codes used by the gateway.
const (
	RejectCanisterError   = 4
	RejectDestinationGone = 3
	RejectSysFatal        = 1
)

var gatewayHeaders = map[string]string{
	"X-Frame-Options":              "DENY",
	"X-Content-Type-Options":       "nosniff",
	"Strict-Transport-Security":    "max-age=31536000; includeSubDomains",
	"Access-Control-Allow-Origin":  "*",
	"Access-Control-Allow-Methods": "GET, POST, OPTIONS",
	"Access-Control-Allow-Headers": "Content-Type, Authorization",
}

// GatewayOption customizes the Gateway.
type GatewayOption func(*Gateway)

// WithRootKey sets the key published on the status endpoint.
func WithRootKey(key []byte) GatewayOption {
	return func(g *Gateway) {
		g.rootKey = key
	}
}

// WithDelegationVerifier makes the gateway check that a request's delegation
// was issued for its sender.
func WithDelegationVerifier(verifier identity.DelegationVerifier) GatewayOption {
	return func(g *Gateway) {
		g.verifier = verifier
	}
}

// WithGatewayLogger sets the logger.
func WithGatewayLogger(logger auth.Logger) GatewayOption {
	return func(g *Gateway) {
		if logger != nil {
			g.logger = logger
		}
	}
}

// Gateway serves Service to agents over the status, query and call endpoints.
type Gateway struct {
	service    *Service
	canisterID auth.Principal
	rootKey    []byte
	verifier   identity.DelegationVerifier
	logger     auth.Logger
}

func NewGateway(service *Service, canisterID auth.Principal, opts ...GatewayOption) *Gateway {
	g := &Gateway{
		service:    service,
		canisterID: canisterID,
		logger:     auth.DefaultLogger(),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(g)
		}
	}
	return g
}

// Handler returns the routes. Paths follow the agent's wire layout.
func (g *Gateway) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(securityHeaders)

	r.Get("/", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain")
		_, _ = w.Write([]byte("Welcome to my canister!"))
	})
	r.Options("/*", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})
	r.Get("/api/v2/status", g.status)
	r.Post("/api/v2/canister/{canisterID}/{requestType}", g.canister)
	return r
}

func securityHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		for k, v := range gatewayHeaders {
			w.Header().Set(k, v)
		}
		next.ServeHTTP(w, r)
	})
}

func (g *Gateway) status(w http.ResponseWriter, _ *http.Request) {
	g.writeCBOR(w, agent.Status{
		RootKey:             g.rootKey,
		ImplVersion:         "go-ic-auth",
		ReplicaHealthStatus: "healthy",
	})
}

func (g *Gateway) canister(w http.ResponseWriter, r *http.Request) {
	requestType := chi.URLParam(r, "requestType")
	if requestType != agent.RequestTypeQuery && requestType != agent.RequestTypeCall {
		http.NotFound(w, r)
		return
	}

	target, err := auth.PrincipalFromText(chi.URLParam(r, "canisterID"))
	if err != nil || target != g.canisterID {
		g.writeCBOR(w, reject(RejectDestinationGone, fmt.Sprintf("canister %s not found", chi.URLParam(r, "canisterID"))))
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		http.Error(w, "unable to read body", http.StatusBadRequest)
		return
	}

	var env agent.Envelope
	if err := agent.Unmarshal(body, &env); err != nil {
		http.Error(w, "malformed envelope", http.StatusBadRequest)
		return
	}

	if env.Content.RequestType != requestType {
		http.Error(w, "request type does not match endpoint", http.StatusBadRequest)
		return
	}

	caller, err := g.caller(r, env)
	if err != nil {
		g.logger.Warn("gateway rejected sender: %v", err)
		g.writeCBOR(w, reject(RejectSysFatal, err.Error()))
		return
	}

	g.writeCBOR(w, g.dispatch(requestType, env.Content.MethodName, caller))
}

func (g *Gateway) caller(r *http.Request, env agent.Envelope) (auth.Principal, error) {
	sender, err := auth.PrincipalFromBytes(env.Content.Sender)
	if err != nil {
		return auth.Principal{}, err
	}

	if sender.IsAnonymous() || g.verifier == nil {
		return sender, nil
	}

	if env.SenderDelegation == "" {
		return auth.Principal{}, errors.New("sender is not anonymous but carries no delegation")
	}

	delegation, err := g.verifier.Verify(r.Context(), env.SenderDelegation, ed25519.PublicKey(env.SenderPubkey))
	if err != nil {
		return auth.Principal{}, err
	}
	if delegation.Principal != sender {
		return auth.Principal{}, fmt.Errorf("delegation is for %s, not %s", delegation.Principal, sender)
	}
	return sender, nil
}

func (g *Gateway) dispatch(requestType, method string, caller auth.Principal) agent.Response {
	kind, ok := Interface.Kind(method)
	if !ok {
		return reject(RejectCanisterError, fmt.Sprintf("method %s not found", method))
	}
	if (kind == auth.MethodQuery) != (requestType == agent.RequestTypeQuery) {
		return reject(RejectCanisterError, fmt.Sprintf("method %s is not a %s", method, requestType))
	}

	var result any
	switch method {
	case MethodLogin:
		result = g.service.Login(caller)
	case MethodGetUser:
		result = g.service.GetUser(caller)
	case MethodLogout:
		result = g.service.Logout(caller)
	case MethodIsSessionValid:
		result = g.service.IsSessionValid(caller)
	}

	arg, err := agent.Marshal(result)
	if err != nil {
		return reject(RejectCanisterError, err.Error())
	}
	return agent.Response{Status: agent.StatusReplied, Reply: &agent.Reply{Arg: arg}}
}

func (g *Gateway) writeCBOR(w http.ResponseWriter, v any) {
	payload, err := agent.Marshal(v)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/cbor")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(payload)
}

func reject(code uint64, message string) agent.Response {
	return agent.Response{
		Status:        agent.StatusRejected,
		RejectCode:    code,
		RejectMessage: message,
	}
}

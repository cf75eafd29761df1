package agent

import (
	"bytes"
	"context"
	"crypto/rand"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	auth "github.com/goliatone/go-ic-auth"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const maxResponseSize = 4 << 20

// Agent sends queries and calls to one gateway as one identity.
type Agent struct {
	host          string
	base          *url.URL
	identity      auth.Identity
	trust         auth.TrustResult
	rootKey       []byte
	client        *http.Client
	ingressExpiry time.Duration
	now           func() time.Time
	tracer        trace.Tracer
}

func (a *Agent) Host() string {
	return a.host
}

func (a *Agent) Identity() auth.Identity {
	return a.identity
}

func (a *Agent) Trust() auth.TrustResult {
	return a.trust
}

// RootKey returns the key responses are checked against, nil when untrusted.
func (a *Agent) RootKey() []byte {
	return append([]byte(nil), a.rootKey...)
}

// Status reads the gateway status document.
func (a *Agent) Status(ctx context.Context) (*Status, error) {
	return fetchStatus(ctx, a.client, a.base)
}

// Query runs a read-only method on canisterID.
func (a *Agent) Query(ctx context.Context, canisterID auth.Principal, method string, arg []byte) ([]byte, error) {
	return a.send(ctx, RequestTypeQuery, canisterID, method, arg)
}

// Call runs a state-changing method on canisterID and waits for its reply.
func (a *Agent) Call(ctx context.Context, canisterID auth.Principal, method string, arg []byte) ([]byte, error) {
	return a.send(ctx, RequestTypeCall, canisterID, method, arg)
}

func (a *Agent) send(ctx context.Context, requestType string, canisterID auth.Principal, method string, arg []byte) ([]byte, error) {
	ctx, span := a.tracer.Start(ctx, "agent."+requestType, trace.WithAttributes(
		attribute.String("agent.canister_id", canisterID.Text()),
		attribute.String("agent.method", method),
	))
	defer span.End()

	envelope, err := a.envelope(requestType, canisterID, method, arg)
	if err != nil {
		return nil, err
	}

	body, err := Marshal(envelope)
	if err != nil {
		return nil, fmt.Errorf("encode %s envelope: %w", requestType, err)
	}

	endpoint := a.base.JoinPath("api", "v2", "canister", canisterID.Text(), requestType).String()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/cbor")

	resp, err := a.client.Do(req)
	if err != nil {
		span.RecordError(err)
		return nil, withSource(ErrTransport, err, map[string]any{"endpoint": endpoint})
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return nil, withSource(ErrTransport, err, map[string]any{"endpoint": endpoint})
	}

	if resp.StatusCode != http.StatusOK {
		span.SetStatus(codes.Error, resp.Status)
		return nil, withSource(ErrTransport, nil, map[string]any{
			"endpoint": endpoint,
			"status":   resp.StatusCode,
			"body":     strings.TrimSpace(string(payload)),
		})
	}

	var out Response
	if err := Unmarshal(payload, &out); err != nil {
		return nil, withSource(ErrTransport, fmt.Errorf("decode response: %w", err), map[string]any{"endpoint": endpoint})
	}

	switch out.Status {
	case StatusReplied:
		if out.Reply == nil {
			return nil, nil
		}
		return out.Reply.Arg, nil
	case StatusRejected:
		span.SetStatus(codes.Error, out.RejectMessage)
		rejected := withSource(ErrCallRejected, nil, map[string]any{
			"method":      method,
			"reject_code": out.RejectCode,
		})
		if out.RejectMessage != "" {
			rejected.Message = out.RejectMessage
		}
		return nil, rejected
	default:
		return nil, withSource(ErrTransport, nil, map[string]any{
			"endpoint": endpoint,
			"reason":   fmt.Sprintf("unknown response status %q", out.Status),
		})
	}
}

func (a *Agent) envelope(requestType string, canisterID auth.Principal, method string, arg []byte) (Envelope, error) {
	if arg == nil {
		arg = []byte{}
	}

	content := RequestContent{
		RequestType:   requestType,
		CanisterID:    canisterID.Bytes(),
		MethodName:    method,
		Arg:           arg,
		Sender:        a.identity.Principal().Bytes(),
		IngressExpiry: uint64(a.now().Add(a.ingressExpiry).UnixNano()),
	}

	if requestType == RequestTypeCall {
		nonce := make([]byte, 16)
		if _, err := rand.Read(nonce); err != nil {
			return Envelope{}, fmt.Errorf("generate nonce: %w", err)
		}
		content.Nonce = nonce
	}

	env := Envelope{Content: content}
	if d := a.identity.Delegation(); d != nil {
		env.SenderPubkey = append([]byte(nil), d.SessionKey...)
		env.SenderDelegation = d.Token
	}
	return env, nil
}

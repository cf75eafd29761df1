package agent

import (
	"github.com/fxamacker/cbor/v2"
)

// Request types carried in an envelope.
const (
	RequestTypeQuery = "query"
	RequestTypeCall  = "call"
)

// Response statuses.
const (
	StatusReplied  = "replied"
	StatusRejected = "rejected"
)

// Status is the gateway's /api/v2/status document.
type Status struct {
	RootKey             []byte `cbor:"root_key,omitempty"`
	ImplVersion         string `cbor:"impl_version,omitempty"`
	ReplicaHealthStatus string `cbor:"replica_health_status,omitempty"`
}

// RequestContent is the body of a query or call.
type RequestContent struct {
	RequestType   string `cbor:"request_type"`
	CanisterID    []byte `cbor:"canister_id"`
	MethodName    string `cbor:"method_name"`
	Arg           []byte `cbor:"arg"`
	Sender        []byte `cbor:"sender"`
	IngressExpiry uint64 `cbor:"ingress_expiry"`
	Nonce         []byte `cbor:"nonce,omitempty"`
}

// Envelope wraps request content with the sender's credentials. The
// delegation is passed through as issued by the identity provider.
type Envelope struct {
	Content          RequestContent `cbor:"content"`
	SenderPubkey     []byte         `cbor:"sender_pubkey,omitempty"`
	SenderDelegation string         `cbor:"sender_delegation,omitempty"`
}

// Reply carries the encoded result of a successful request.
type Reply struct {
	Arg []byte `cbor:"arg"`
}

// Response is the gateway answer to a query or call.
type Response struct {
	Status        string `cbor:"status"`
	Reply         *Reply `cbor:"reply,omitempty"`
	RejectCode    uint64 `cbor:"reject_code,omitempty"`
	RejectMessage string `cbor:"reject_message,omitempty"`
}

var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	var err error
	encMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic(err)
	}
	decMode, err = cbor.DecOptions{}.DecMode()
	if err != nil {
		panic(err)
	}
}

// Marshal encodes v with the deterministic encoding used on the wire.
func Marshal(v any) ([]byte, error) {
	return encMode.Marshal(v)
}

// Unmarshal decodes data into v.
func Unmarshal(data []byte, v any) error {
	return decMode.Unmarshal(data, v)
}

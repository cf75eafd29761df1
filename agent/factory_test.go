package agent_test

import (
	"context"
	"encoding/hex"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	auth "github.com/goliatone/go-ic-auth"
	"github.com/goliatone/go-ic-auth/agent"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var localRootKey = []byte{0x30, 0x2a, 0x30, 0x05, 0x06, 0x03, 0x2b, 0x65, 0x70, 0x03, 0x21, 0x00, 0x01}

type statusServer struct {
	*httptest.Server
	hits atomic.Int32
	fail atomic.Bool
}

func newStatusServer(t *testing.T, rootKey []byte) *statusServer {
	t.Helper()

	s := &statusServer{}
	mux := http.NewServeMux()
	mux.HandleFunc("/api/v2/status", func(w http.ResponseWriter, _ *http.Request) {
		s.hits.Add(1)
		if s.fail.Load() {
			http.Error(w, "replica down", http.StatusServiceUnavailable)
			return
		}
		// simulate a slow replica so concurrent callers overlap
		time.Sleep(20 * time.Millisecond)
		payload, err := agent.Marshal(agent.Status{RootKey: rootKey})
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/cbor")
		_, _ = w.Write(payload)
	})
	s.Server = httptest.NewServer(mux)
	t.Cleanup(s.Close)
	return s
}

func userIdentity() auth.Identity {
	p, err := auth.PrincipalFromBytes([]byte{0x8f, 0x3a, 0x11, 0x42, 0x07, 0x9c, 0x52, 0x02})
	if err != nil {
		panic(err)
	}
	return auth.NewDelegationIdentity(&auth.Delegation{
		Token:      "token",
		SessionKey: []byte{0x01, 0x02},
		Principal:  p,
		Expiration: time.Now().Add(time.Hour),
	})
}

func TestFactory_NewAgentFetchesRootKey(t *testing.T) {
	srv := newStatusServer(t, localRootKey)
	factory := agent.NewFactory()

	a, trust, err := factory.NewAgent(context.Background(), srv.URL, userIdentity())
	require.NoError(t, err)
	require.NotNil(t, a)

	assert.Equal(t, auth.TrustTrusted, trust.Status)
	assert.NoError(t, trust.Err)
	assert.Equal(t, localRootKey, a.RootKey())
	assert.Equal(t, srv.URL, a.Host())
	assert.Equal(t, trust, a.Trust())
}

func TestFactory_RootKeyFetchedOncePerHost(t *testing.T) {
	srv := newStatusServer(t, localRootKey)
	factory := agent.NewFactory()

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, trust, err := factory.NewAgent(context.Background(), srv.URL, userIdentity())
			assert.NoError(t, err)
			assert.Equal(t, auth.TrustTrusted, trust.Status)
		}()
	}
	wg.Wait()

	_, _, err := factory.NewAgent(context.Background(), srv.URL+"/", userIdentity())
	require.NoError(t, err)

	assert.Equal(t, int32(1), srv.hits.Load())
}

func TestFactory_ForgetRefetches(t *testing.T) {
	srv := newStatusServer(t, localRootKey)
	factory := agent.NewFactory()

	_, err := factory.FetchRootKey(context.Background(), srv.URL)
	require.NoError(t, err)

	factory.Forget(srv.URL)

	_, err = factory.FetchRootKey(context.Background(), srv.URL)
	require.NoError(t, err)

	assert.Equal(t, int32(2), srv.hits.Load())
}

func TestFactory_FailedBootstrapDegrades(t *testing.T) {
	srv := newStatusServer(t, localRootKey)
	srv.fail.Store(true)
	factory := agent.NewFactory()

	a, trust, err := factory.NewAgent(context.Background(), srv.URL, userIdentity())
	require.NoError(t, err)
	require.NotNil(t, a, "agent is still usable without a root key")

	assert.Equal(t, auth.TrustUntrustedDegraded, trust.Status)
	assert.True(t, trust.Usable())
	assert.True(t, auth.HasTextCode(trust.Err, agent.TextCodeRootKeyUnavail))
	assert.Empty(t, a.RootKey())
}

func TestFactory_FailedFetchIsNotCached(t *testing.T) {
	srv := newStatusServer(t, localRootKey)
	srv.fail.Store(true)
	factory := agent.NewFactory()

	_, trust, err := factory.NewAgent(context.Background(), srv.URL, userIdentity())
	require.NoError(t, err)
	require.Equal(t, auth.TrustUntrustedDegraded, trust.Status)

	srv.fail.Store(false)

	_, trust, err = factory.NewAgent(context.Background(), srv.URL, userIdentity())
	require.NoError(t, err)
	assert.Equal(t, auth.TrustTrusted, trust.Status)
	assert.Equal(t, int32(2), srv.hits.Load())
}

func TestFactory_UnreachableHostDegrades(t *testing.T) {
	srv := newStatusServer(t, localRootKey)
	host := srv.URL
	srv.Close()

	factory := agent.NewFactory(agent.WithHTTPClient(&http.Client{Timeout: time.Second}))
	a, trust, err := factory.NewAgent(context.Background(), host, nil)
	require.NoError(t, err)
	require.NotNil(t, a)

	assert.Equal(t, auth.TrustUntrustedDegraded, trust.Status)
}

func TestFactory_InvalidHost(t *testing.T) {
	tests := []struct {
		name string
		host string
	}{
		{name: "empty", host: ""},
		{name: "unsupported scheme", host: "ftp://127.0.0.1:4943"},
		{name: "no host", host: "http://"},
		{name: "garbage", host: "::not a url"},
	}

	factory := agent.NewFactory()
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a, trust, err := factory.NewAgent(context.Background(), tt.host, userIdentity())
			require.Error(t, err)
			assert.Nil(t, a)
			assert.Equal(t, auth.TrustFailed, trust.Status)
			assert.False(t, trust.Usable())
			assert.True(t, auth.HasTextCode(err, agent.TextCodeInvalidHost))
		})
	}
}

func TestFactory_BuildReturnsNilHandleOnFailure(t *testing.T) {
	factory := agent.NewFactory()

	handle, trust, err := factory.Build(context.Background(), "ftp://nowhere", userIdentity())
	require.Error(t, err)
	assert.Nil(t, handle)
	assert.Equal(t, auth.TrustFailed, trust.Status)
}

func TestFactory_ProductionSkipsBootstrap(t *testing.T) {
	srv := newStatusServer(t, localRootKey)
	factory := agent.NewFactory(agent.WithProduction(true))

	a, trust, err := factory.NewAgent(context.Background(), srv.URL, userIdentity())
	require.NoError(t, err)

	expected, _ := hex.DecodeString(agent.MainnetRootKeyHex)
	assert.Equal(t, auth.TrustTrusted, trust.Status)
	assert.Equal(t, expected, a.RootKey())
	assert.Equal(t, int32(0), srv.hits.Load())
}

func TestFactory_NilIdentityIsAnonymous(t *testing.T) {
	srv := newStatusServer(t, localRootKey)
	factory := agent.NewFactory()

	a, _, err := factory.NewAgent(context.Background(), srv.URL, nil)
	require.NoError(t, err)

	assert.True(t, a.Identity().IsAnonymous())
	assert.Equal(t, auth.AnonymousPrincipal, a.Identity().Principal())
}

func TestAgent_Status(t *testing.T) {
	srv := newStatusServer(t, localRootKey)
	factory := agent.NewFactory()

	a, _, err := factory.NewAgent(context.Background(), srv.URL, nil)
	require.NoError(t, err)

	status, err := a.Status(context.Background())
	require.NoError(t, err)
	assert.Equal(t, localRootKey, status.RootKey)
}

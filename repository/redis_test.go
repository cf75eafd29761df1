//go:build integration

package repository_test

import (
	"context"
	"testing"

	"github.com/goliatone/go-ic-auth/identity"
	"github.com/goliatone/go-ic-auth/repository"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	tcredis "github.com/testcontainers/testcontainers-go/modules/redis"
)

func setupRedisStore(t *testing.T, prefix string) *repository.RedisCredentialStore {
	t.Helper()
	ctx := context.Background()

	container, err := tcredis.Run(ctx, "redis:7-alpine")
	if err != nil {
		t.Skipf("redis container unavailable: %v", err)
	}
	t.Cleanup(func() { _ = testcontainers.TerminateContainer(container) })

	url, err := container.ConnectionString(ctx)
	require.NoError(t, err)

	client, err := repository.OpenRedis(ctx, url)
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })

	return repository.NewRedisCredentialStore(client, prefix)
}

func TestRedisCredentialStore(t *testing.T) {
	store := setupRedisStore(t, "")
	ctx := context.Background()

	_, err := store.Get(ctx, identity.KeyDelegation)
	assert.True(t, identity.IsNotFound(err))

	require.NoError(t, store.Set(ctx, identity.KeyDelegation, []byte("token")))
	require.NoError(t, store.Set(ctx, identity.KeyDelegation, []byte("refreshed")))

	value, err := store.Get(ctx, identity.KeyDelegation)
	require.NoError(t, err)
	assert.Equal(t, []byte("refreshed"), value)

	require.NoError(t, store.Remove(ctx, identity.KeyDelegation))
	_, err = store.Get(ctx, identity.KeyDelegation)
	assert.True(t, identity.IsNotFound(err))

	assert.NoError(t, store.Remove(ctx, identity.KeyDelegation))
}

func TestOpenRedis_BadURL(t *testing.T) {
	_, err := repository.OpenRedis(context.Background(), "not-a-redis-url")
	assert.Error(t, err)
}

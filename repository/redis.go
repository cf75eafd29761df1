package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/goliatone/go-ic-auth/identity"
	"github.com/redis/go-redis/v9"
)

const defaultRedisPrefix = "icauth:credentials:"

// RedisCredentialStore implements identity.Storage on Redis.
type RedisCredentialStore struct {
	client *redis.Client
	prefix string
}

var _ identity.Storage = (*RedisCredentialStore)(nil)

// NewRedisCredentialStore stores keys under prefix, or a default one when empty.
func NewRedisCredentialStore(client *redis.Client, prefix string) *RedisCredentialStore {
	if prefix == "" {
		prefix = defaultRedisPrefix
	}
	return &RedisCredentialStore{client: client, prefix: prefix}
}

// OpenRedis connects to url (redis://...) and checks the connection.
func OpenRedis(ctx context.Context, url string) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return client, nil
}

func (s *RedisCredentialStore) Get(ctx context.Context, key string) ([]byte, error) {
	value, err := s.client.Get(ctx, s.prefix+key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, identity.ErrStorageKeyNotFound.Clone().WithMetadata(map[string]any{
			"key": key,
		})
	}
	if err != nil {
		return nil, err
	}
	return value, nil
}

func (s *RedisCredentialStore) Set(ctx context.Context, key string, value []byte) error {
	return s.client.Set(ctx, s.prefix+key, value, 0).Err()
}

func (s *RedisCredentialStore) Remove(ctx context.Context, key string) error {
	return s.client.Del(ctx, s.prefix+key).Err()
}

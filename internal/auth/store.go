package auth

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/fx"
	"golang.org/x/oauth2"

	"storefront-proxy-go/internal/config"
)

// TokenStore shares a token between proxy replicas.
// Load returns (nil, nil) when nothing is stored.
type TokenStore interface {
	Load(ctx context.Context) (*oauth2.Token, error)
	Save(ctx context.Context, t *oauth2.Token) error
	Delete(ctx context.Context) error
}

// NopStore is the TokenStore used when no shared store is configured.
type NopStore struct{}

func (NopStore) Load(context.Context) (*oauth2.Token, error) { return nil, nil }
func (NopStore) Save(context.Context, *oauth2.Token) error   { return nil }
func (NopStore) Delete(context.Context) error                { return nil }

// RedisStore keeps the token under a single key whose TTL matches the
// token's remaining lifetime.
type RedisStore struct {
	client *redis.Client
	key    string
}

// NewRedisStore wraps an existing go-redis client.
func NewRedisStore(rdb *redis.Client, keyPrefix, apiKey string) *RedisStore {
	return &RedisStore{client: rdb, key: storeKey(keyPrefix, apiKey)}
}

// NewTokenStore returns a RedisStore when token.redis.addr is set and a
// NopStore otherwise. The Redis connection is checked on start and closed on
// stop; an unreachable Redis is logged, not fatal.
func NewTokenStore(lc fx.Lifecycle, cfg *config.Config, logger *slog.Logger) TokenStore {
	rc := cfg.Token.Redis
	if !rc.Enabled() {
		return NopStore{}
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:     rc.Addr,
		Password: rc.Password,
		DB:       rc.DB,
	})
	log := logger.With("component", "token_store")

	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
			defer cancel()
			if err := rdb.Ping(ctx).Err(); err != nil {
				log.Warn("redis token store unreachable; tokens will not be shared", "addr", rc.Addr, "err", err)
				return nil
			}
			log.Info("redis token store connected", "addr", rc.Addr, "db", rc.DB)
			return nil
		},
		OnStop: func(context.Context) error {
			return rdb.Close()
		},
	})

	return NewRedisStore(rdb, rc.KeyPrefix, cfg.Credentials.APIKey)
}

// Load implements TokenStore.
func (s *RedisStore) Load(ctx context.Context) (*oauth2.Token, error) {
	data, err := s.client.Get(ctx, s.key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("redis get %s: %w", s.key, err)
	}

	var t oauth2.Token
	if err := json.Unmarshal(data, &t); err != nil {
		return nil, fmt.Errorf("decode stored token: %w", err)
	}
	return &t, nil
}

// Save implements TokenStore. Expired tokens are not stored.
func (s *RedisStore) Save(ctx context.Context, t *oauth2.Token) error {
	ttl := time.Until(t.Expiry)
	if ttl <= 0 {
		return nil
	}
	data, err := json.Marshal(t)
	if err != nil {
		return fmt.Errorf("encode token: %w", err)
	}
	if err := s.client.Set(ctx, s.key, data, ttl).Err(); err != nil {
		return fmt.Errorf("redis set %s: %w", s.key, err)
	}
	return nil
}

// Delete implements TokenStore.
func (s *RedisStore) Delete(ctx context.Context) error {
	if err := s.client.Del(ctx, s.key).Err(); err != nil {
		return fmt.Errorf("redis del %s: %w", s.key, err)
	}
	return nil
}

// storeKey scopes the key to the API key without writing it in clear.
func storeKey(prefix, apiKey string) string {
	sum := sha256.Sum256([]byte(apiKey))
	return prefix + ":" + hex.EncodeToString(sum[:8])
}

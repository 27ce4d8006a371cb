package persistence

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/spec-kit/ticket-gateway/internal/config"
	"github.com/spec-kit/ticket-gateway/internal/domain"
)

const defaultTokenKey = "ticket-gateway:upstream-token"

// Redis wraps the go-redis client.
type Redis struct {
	Client *redis.Client
}

// NewRedis connects to Redis using the provided configuration.
func NewRedis(cfg config.RedisConfig, logger *zap.Logger) *Redis {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	if err := client.Ping(context.Background()).Err(); err != nil {
		logger.Warn("unable to reach redis", zap.Error(err))
	} else {
		logger.Info("connected to redis", zap.String("addr", cfg.Addr))
	}

	return &Redis{Client: client}
}

// Close closes the client.
func (r *Redis) Close() {
	if r != nil && r.Client != nil {
		_ = r.Client.Close()
	}
}

// Ping verifies Redis connectivity.
func (r *Redis) Ping(ctx context.Context) error {
	if r == nil || r.Client == nil {
		return errors.New("redis client not configured")
	}
	return r.Client.Ping(ctx).Err()
}

// RedisTokenStore shares the upstream token between gateway replicas. The key
// expires together with the token.
type RedisTokenStore struct {
	client *redis.Client
	key    string
	now    func() time.Time
}

// NewRedisTokenStore returns a store keyed by key, or a default key when empty.
func NewRedisTokenStore(r *Redis, key string) *RedisTokenStore {
	if key == "" {
		key = defaultTokenKey
	}
	return &RedisTokenStore{client: r.Client, key: key, now: time.Now}
}

type storedToken struct {
	Value     string    `json:"value"`
	ExpiresAt time.Time `json:"expires_at"`
	IssuedAt  time.Time `json:"issued_at"`
}

// Load returns the shared token. A missing key is not an error.
func (s *RedisTokenStore) Load(ctx context.Context) (domain.Token, bool, error) {
	raw, err := s.client.Get(ctx, s.key).Bytes()
	if errors.Is(err, redis.Nil) {
		return domain.Token{}, false, nil
	}
	if err != nil {
		return domain.Token{}, false, fmt.Errorf("load token: %w", err)
	}
	token, err := decodeToken(raw)
	if err != nil {
		return domain.Token{}, false, err
	}
	if !token.ValidAt(s.now()) {
		return domain.Token{}, false, nil
	}
	return token, true, nil
}

// Save stores token until its expiry. Already expired tokens are skipped.
func (s *RedisTokenStore) Save(ctx context.Context, token domain.Token) error {
	ttl := token.ExpiresAt.Sub(s.now())
	if token.Value == "" || ttl <= 0 {
		return nil
	}
	raw, err := encodeToken(token)
	if err != nil {
		return err
	}
	if err := s.client.Set(ctx, s.key, raw, ttl).Err(); err != nil {
		return fmt.Errorf("save token: %w", err)
	}
	return nil
}

// Discard deletes the shared token if it still holds value. A token already
// replaced by another replica is kept.
func (s *RedisTokenStore) Discard(ctx context.Context, value string) error {
	err := s.client.Watch(ctx, func(tx *redis.Tx) error {
		raw, err := tx.Get(ctx, s.key).Bytes()
		if errors.Is(err, redis.Nil) {
			return nil
		}
		if err != nil {
			return err
		}
		token, err := decodeToken(raw)
		if err != nil {
			return err
		}
		if token.Value != value {
			return nil
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Del(ctx, s.key)
			return nil
		})
		return err
	}, s.key)
	if err != nil {
		return fmt.Errorf("discard token: %w", err)
	}
	return nil
}

func encodeToken(token domain.Token) ([]byte, error) {
	raw, err := json.Marshal(storedToken{Value: token.Value, ExpiresAt: token.ExpiresAt, IssuedAt: token.IssuedAt})
	if err != nil {
		return nil, fmt.Errorf("encode token: %w", err)
	}
	return raw, nil
}

func decodeToken(raw []byte) (domain.Token, error) {
	var st storedToken
	if err := json.Unmarshal(raw, &st); err != nil {
		return domain.Token{}, fmt.Errorf("decode token: %w", err)
	}
	return domain.Token{Value: st.Value, ExpiresAt: st.ExpiresAt, IssuedAt: st.IssuedAt}, nil
}

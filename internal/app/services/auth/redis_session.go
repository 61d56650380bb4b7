package auth

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/r3e-network/fleet-orchestrator/internal/app/domain/user"
	"github.com/r3e-network/fleet-orchestrator/internal/app/storage"
)

// redisSessionKeyPrefix namespaces session keys within a shared Redis
// instance.
const redisSessionKeyPrefix = "fleet:session:"

// RedisSessionStore backs SessionStore with Redis, for deployments that
// want sessions to survive a process restart or be shared across more
// than one orchestrator instance. Selected via SESSION_STORE=redis.
type RedisSessionStore struct {
	client *redis.Client
}

// NewRedisSessionStore dials Redis at addr. The connection is lazy; errors
// surface on first use, matching the client's own behavior.
func NewRedisSessionStore(addr string) *RedisSessionStore {
	return &RedisSessionStore{client: redis.NewClient(&redis.Options{Addr: addr})}
}

var _ SessionStore = (*RedisSessionStore)(nil)

func (r *RedisSessionStore) Put(ctx context.Context, sess user.Session) error {
	data, err := json.Marshal(sess)
	if err != nil {
		return err
	}
	ttl := time.Until(sess.ExpiresAt)
	if ttl <= 0 {
		ttl = time.Minute
	}
	return r.client.Set(ctx, redisSessionKeyPrefix+sess.Token, data, ttl).Err()
}

func (r *RedisSessionStore) Get(ctx context.Context, token string) (user.Session, error) {
	data, err := r.client.Get(ctx, redisSessionKeyPrefix+token).Bytes()
	if errors.Is(err, redis.Nil) {
		return user.Session{}, storage.ErrNotFound
	}
	if err != nil {
		return user.Session{}, err
	}
	var sess user.Session
	if err := json.Unmarshal(data, &sess); err != nil {
		return user.Session{}, err
	}
	return sess, nil
}

func (r *RedisSessionStore) Delete(ctx context.Context, token string) error {
	return r.client.Del(ctx, redisSessionKeyPrefix+token).Err()
}

// Close releases the underlying Redis connection pool.
func (r *RedisSessionStore) Close() error {
	return r.client.Close()
}

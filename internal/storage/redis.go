package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"funding-grid-alerts/internal/config"
)

// RedisStore keeps the snapshot under a single key. SET replaces the value
// atomically, so a reader never observes a partial snapshot.
type RedisStore struct {
	client redis.UniversalClient
	key    string
}

// NewRedisStore connects to redis and verifies the connection.
func NewRedisStore(ctx context.Context, cfg config.RedisConfig) (*RedisStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return NewRedisStoreWithClient(client, cfg.Key), nil
}

// NewRedisStoreWithClient wraps an existing client.
func NewRedisStoreWithClient(client redis.UniversalClient, key string) *RedisStore {
	if key == "" {
		key = "fundingwatcher:snapshot"
	}
	return &RedisStore{client: client, key: key}
}

// Load reads the snapshot. A missing key is an empty snapshot.
func (r *RedisStore) Load(ctx context.Context) (Snapshot, error) {
	raw, err := r.client.Get(ctx, r.key).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return EmptySnapshot(), nil
		}
		return Snapshot{}, fmt.Errorf("redis get %s: %w", r.key, err)
	}
	return DecodeSnapshot(raw)
}

// Save replaces the snapshot.
func (r *RedisStore) Save(ctx context.Context, snap Snapshot) error {
	raw, err := EncodeSnapshot(snap)
	if err != nil {
		return err
	}
	if err := r.client.Set(ctx, r.key, raw, 0).Err(); err != nil {
		return fmt.Errorf("redis set %s: %w", r.key, err)
	}
	return nil
}

// redisLockTTL bounds how long a crashed holder can block other instances.
const redisLockTTL = 5 * time.Minute

var releaseLock = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// TryAdvisoryLock takes a SET NX lock tagged with a random token. Unlock
// deletes the key only while it still holds that token.
func (r *RedisStore) TryAdvisoryLock(ctx context.Context, key int64) (func(), bool, error) {
	lockKey := fmt.Sprintf("%s:lock:%d", r.key, key)
	token := uuid.NewString()
	ok, err := r.client.SetNX(ctx, lockKey, token, redisLockTTL).Result()
	if err != nil {
		return nil, false, fmt.Errorf("redis lock %s: %w", lockKey, err)
	}
	if !ok {
		return nil, false, nil
	}
	unlock := func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = releaseLock.Run(ctx, r.client, []string{lockKey}, token).Err()
	}
	return unlock, true, nil
}

// Close releases the client.
func (r *RedisStore) Close() error {
	return r.client.Close()
}

var (
	_ StateStore     = (*RedisStore)(nil)
	_ AdvisoryLocker = (*RedisStore)(nil)
)

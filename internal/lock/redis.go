package lock

import (
	"context"
	"fmt"
	"time"

	"git.mci.dev/mse/sre/phoenix/golang/ahsoka/internal/logging"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const keyPrefix = "ahsoka:lock:"

// releaseScript deletes the key only when it still carries the caller's token.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// RedisLocker shares leases across orchestrator replicas.
type RedisLocker struct {
	Client *redis.Client
	TTL    time.Duration
}

func NewRedisLocker(ctx context.Context, redisURL string, ttl time.Duration) (*RedisLocker, error) {
	opt, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("invalid redis url: %w", err)
	}

	client := redis.NewClient(opt)

	err = client.Ping(ctx).Err()
	if err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	logging.Logger.Info("Successfully connected to Redis")

	return &RedisLocker{Client: client, TTL: ttl}, nil
}

func (r *RedisLocker) TryLock(ctx context.Context, key string) (Lease, error) {
	token := uuid.NewString()

	ok, err := r.Client.SetNX(ctx, keyPrefix+key, token, r.TTL).Result()
	if err != nil {
		logging.Logger.Error("[TryLock] Failed to acquire lock",
			zap.String("key", key),
			zap.String("error", err.Error()),
			zap.Bool("is_context_error", ctx.Err() != nil),
		)

		return nil, err
	}

	if !ok {
		return nil, ErrLocked
	}

	return &redisLease{client: r.Client, key: keyPrefix + key, token: token}, nil
}

func (r *RedisLocker) Ping(ctx context.Context) error {
	return r.Client.Ping(ctx).Err()
}

func (r *RedisLocker) Close() error {
	return r.Client.Close()
}

type redisLease struct {
	client *redis.Client
	key    string
	token  string
}

func (l *redisLease) Release(ctx context.Context) error {
	err := releaseScript.Run(ctx, l.client, []string{l.key}, l.token).Err()
	if err != nil {
		logging.Logger.Warn("[Release] Failed to release lock",
			zap.String("key", l.key),
			zap.String("error", err.Error()),
		)

		return err
	}

	return nil
}

package cache

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/yeremiapane/course-settlement/utils"
)

const SweepLeaseKey = "course-settlement:reconcile:lease"

// ConnectRedis opens a client and pings it once.
func ConnectRedis(ctx context.Context, addr, password string, db int) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	if _, err := client.Ping(ctx).Result(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect redis: %w", err)
	}

	utils.InfoLogger.WithField("addr", addr).Info("Redis connected")
	return client, nil
}

// releaseScript deletes the lease only if it still belongs to the caller.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// RedisLease is a single-holder lease stored under one key. It lets only
// one replica run the reconciliation sweep at a time.
type RedisLease struct {
	client *redis.Client
	key    string
}

func NewRedisLease(client *redis.Client, key string) *RedisLease {
	if key == "" {
		key = SweepLeaseKey
	}
	return &RedisLease{client: client, key: key}
}

// Acquire takes the lease for ttl. ok is false when someone else holds it.
func (l *RedisLease) Acquire(ctx context.Context, ttl time.Duration) (func(), bool, error) {
	token := uuid.NewString()

	ok, err := l.client.SetNX(ctx, l.key, token, ttl).Result()
	if err != nil {
		return nil, false, fmt.Errorf("failed to acquire lease %s: %w", l.key, err)
	}
	if !ok {
		return nil, false, nil
	}

	release := func() {
		releaseCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := releaseScript.Run(releaseCtx, l.client, []string{l.key}, token).Err(); err != nil {
			utils.ErrorLogger.WithField("key", l.key).WithError(err).Warn("Failed to release lease")
		}
	}
	return release, true, nil
}

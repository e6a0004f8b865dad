package lock

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// DefaultTTL caps how long a crashed holder can keep a key.
const DefaultTTL = 30 * time.Second

// releaseScript deletes the key only if it still holds our token.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// OpenRedis connects and pings with a 5s budget.
func OpenRedis(addr string, db int) (*redis.Client, error) {
	r := redis.NewClient(&redis.Options{Addr: addr, DB: db})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := r.Ping(ctx).Err(); err != nil {
		_ = r.Close()
		return nil, err
	}
	return r, nil
}

// =============================================================================
// REDIS
// =============================================================================

type Redis struct {
	Client *redis.Client
	Prefix string
	TTL    time.Duration
}

func NewRedis(client *redis.Client, prefix string, ttl time.Duration) *Redis {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if prefix == "" {
		prefix = "delinquency:lock:"
	}
	return &Redis{Client: client, Prefix: prefix, TTL: ttl}
}

func (r *Redis) Acquire(ctx context.Context, key string) (Release, error) {
	k := r.Prefix + key
	token := uuid.NewString()

	ok, err := r.Client.SetNX(ctx, k, token, r.TTL).Result()
	if err != nil {
		return nil, fmt.Errorf("redis lock %s: %w", k, err)
	}
	if !ok {
		return nil, conflict(key)
	}

	return func(ctx context.Context) error {
		err := releaseScript.Run(ctx, r.Client, []string{k}, token).Err()
		if err != nil && !errors.Is(err, redis.Nil) {
			return fmt.Errorf("redis unlock %s: %w", k, err)
		}
		return nil
	}, nil
}

package lock

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/notifyhub/posting-queue/internal/domain"
)

const keyPrefix = "postqueue:lock:"

// releaseScript deletes the key only if it still holds our token.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// Redis is a lease-based Locker shared by every daemon pointed at the same
// Redis. The lease expires after ttl so a crashed holder cannot block a
// channel forever; ttl must exceed the longest batch a holder can run.
type Redis struct {
	client redis.UniversalClient
	ttl    time.Duration
	poll   time.Duration
}

func NewRedis(client redis.UniversalClient, ttl time.Duration) *Redis {
	return &Redis{client: client, ttl: ttl, poll: 100 * time.Millisecond}
}

func (r *Redis) Lock(ctx context.Context, ch domain.Channel) (func() error, error) {
	key := keyPrefix + string(ch)
	token := uuid.NewString()

	ticker := time.NewTicker(r.poll)
	defer ticker.Stop()

	for {
		ok, err := r.client.SetNX(ctx, key, token, r.ttl).Result()
		if err != nil {
			return nil, fmt.Errorf("acquire %s: %w", key, err)
		}
		if ok {
			break
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}

	return func() error {
		n, err := releaseScript.Run(context.Background(), r.client, []string{key}, token).Int()
		if err != nil {
			return fmt.Errorf("release %s: %w", key, err)
		}
		if n == 0 {
			return ErrNotHeld
		}
		return nil
	}, nil
}

var _ Locker = (*Redis)(nil)

// Connect parses url and pings the server, retrying a few times while it
// comes up.
func Connect(ctx context.Context, url string, attempts int, interval time.Duration) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}

	var lastErr error
	for range attempts {
		client := redis.NewClient(opts)
		if lastErr = client.Ping(ctx).Err(); lastErr == nil {
			return client, nil
		}
		_ = client.Close()

		select {
		case <-ctx.Done():
			return nil, errors.Join(lastErr, ctx.Err())
		case <-time.After(interval):
		}
	}
	return nil, fmt.Errorf("redis not ready after %d attempts: %w", attempts, lastErr)
}

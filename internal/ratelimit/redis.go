package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"
)

const keyPrefix = "rate_limit:"

// incrScript counts a hit and arms the window expiry in one atomic
// round-trip. PEXPIRE only fires on the first hit so the window is fixed,
// not sliding.
var incrScript = redis.NewScript(`
local hits = redis.call("INCR", KEYS[1])
if hits == 1 then
  redis.call("PEXPIRE", KEYS[1], ARGV[1])
end
local ttl = redis.call("PTTL", KEYS[1])
return {hits, ttl}
`)

// RedisLimiter is the production limiter: counters live in redis, shared
// by all gateway replicas.
type RedisLimiter struct {
	client   redis.UniversalClient
	settings Config
}

// NewRedisLimiter pings the store with exponential backoff before
// accepting it; a replica that cannot reach redis at startup must fail
// visibly rather than silently count nothing.
func NewRedisLimiter(ctx context.Context, client redis.UniversalClient, settings Config) (*RedisLimiter, error) {
	ping := func() error {
		err := client.Ping(ctx).Err()
		if err != nil {
			log.WithError(err).Info("ratelimit: redis ping failed, retrying")
		}
		return err
	}
	if err := backoff.Retry(ping, backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), 7), ctx)); err != nil {
		return nil, fmt.Errorf("connect to redis: %w", err)
	}
	log.Info("ratelimit: redis reachable")
	return &RedisLimiter{client: client, settings: settings}, nil
}

func (l *RedisLimiter) Allow(ctx context.Context, scope Scope, clientKey string) (Decision, error) {
	s, ok := l.settings[scope]
	if !ok {
		return Decision{Allowed: true}, nil
	}

	key := fmt.Sprintf("%s%s:%s", keyPrefix, scope, clientKey)
	res, err := incrScript.Run(ctx, l.client, []string{key}, s.Window.Milliseconds()).Int64Slice()
	if err != nil {
		return Decision{}, fmt.Errorf("ratelimit %s: %w", key, err)
	}
	if len(res) != 2 {
		return Decision{}, fmt.Errorf("ratelimit %s: unexpected script reply %v", key, res)
	}

	hits, ttlMillis := res[0], res[1]
	if ttlMillis < 0 {
		ttlMillis = s.Window.Milliseconds()
	}

	remaining := s.Max - hits
	if remaining < 0 {
		remaining = 0
	}
	return Decision{
		Allowed:   hits <= s.Max,
		Remaining: remaining,
		ResetAt:   time.Now().Add(time.Duration(ttlMillis) * time.Millisecond),
	}, nil
}

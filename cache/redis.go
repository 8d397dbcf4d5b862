package cache

import (
	"context"
	"encoding/json"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/redis/go-redis/v9"
)

const redisKeyPrefix = "autoflow:cache:"

// Redis stores payloads in a Redis instance, sharing them between
// processes. The single-flight registry stays in-process either way.
type Redis struct {
	client  *redis.Client
	timeout time.Duration
	now     func() time.Time
}

// RedisConfig holds connection settings for the redis backend.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int

	// Timeout bounds each round-trip (default 5s).
	Timeout time.Duration
}

// NewRedis connects to Redis, retrying the initial ping with exponential
// backoff before giving up.
func NewRedis(cfg *RedisConfig) (*Redis, error) {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}

	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	ping := func() error { return client.Ping(ctx).Err() }
	b := backoff.WithMaxRetries(backoff.NewExponentialBackOff(), 3)
	if err := backoff.Retry(ping, backoff.WithContext(b, ctx)); err != nil {
		return nil, &Error{Op: "connect", Err: err}
	}

	return &Redis{client: client, timeout: timeout, now: time.Now}, nil
}

// NewRedisWithClient wraps an existing client; test helper.
func NewRedisWithClient(client *redis.Client) *Redis {
	return &Redis{client: client, timeout: 5 * time.Second, now: time.Now}
}

type redisPayload struct {
	StoredAt int64           `json:"stored_at"`
	Value    json.RawMessage `json:"value"`
}

// Get reads the payload for key and returns the value while it is within
// ttl.
func (r *Redis) Get(key string, ttl time.Duration) (any, bool, error) {
	ctx, cancel := context.WithTimeout(context.Background(), r.timeout)
	defer cancel()

	data, err := r.client.Get(ctx, redisKeyPrefix+key).Bytes()
	if err == redis.Nil {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, &Error{Op: "get", Err: err}
	}

	var payload redisPayload
	if err := json.Unmarshal(data, &payload); err != nil {
		return nil, false, nil // corrupt entry is a miss
	}
	if r.now().Sub(time.Unix(0, payload.StoredAt)) > ttl {
		return nil, false, nil
	}

	var value any
	if err := json.Unmarshal(payload.Value, &value); err != nil {
		return nil, false, nil
	}
	return value, true, nil
}

// Set stores (now, value) under key.
func (r *Redis) Set(key string, value any) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return &Error{Op: "encode", Err: err}
	}
	data, err := json.Marshal(redisPayload{StoredAt: r.now().UnixNano(), Value: raw})
	if err != nil {
		return &Error{Op: "encode", Err: err}
	}

	ctx, cancel := context.WithTimeout(context.Background(), r.timeout)
	defer cancel()

	if err := r.client.Set(ctx, redisKeyPrefix+key, data, 0).Err(); err != nil {
		return &Error{Op: "set", Err: err}
	}
	return nil
}

package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// redisBeginScript claims a settlement key atomically.
// KEYS[1] = record key
// ARGV[1] = candidate pending record (JSON)
// ARGV[2] = TTL in seconds
// Returns {1, ""} when the key was claimed, {0, prior JSON} when a pending or
// confirmed record already holds it.
var redisBeginScript = redis.NewScript(`
local key = KEYS[1]
local prior = redis.call("GET", key)
if prior then
    local rec = cjson.decode(prior)
    if rec.status ~= "failed" then
        return {0, prior}
    end
end
redis.call("SET", key, ARGV[1], "EX", tonumber(ARGV[2]))
return {1, ""}
`)

// RedisStore is a ReplayStore backed by Redis, for facilitator deployments
// with more than one instance. Records expire after TTL; the TTL must exceed
// the longest authorization validity window plus confirmation budget, or a
// replay could slip in after expiry.
type RedisStore struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

// RedisOption configures a RedisStore.
type RedisOption func(*RedisStore)

// WithPrefix sets the key prefix. Default "x402:settle:".
func WithPrefix(prefix string) RedisOption {
	return func(s *RedisStore) { s.prefix = prefix }
}

// WithTTL sets the record expiry. Default 24h.
func WithTTL(ttl time.Duration) RedisOption {
	return func(s *RedisStore) { s.ttl = ttl }
}

// NewRedisStore creates a replay store on an existing Redis client.
func NewRedisStore(client *redis.Client, opts ...RedisOption) *RedisStore {
	s := &RedisStore{
		client: client,
		prefix: "x402:settle:",
		ttl:    24 * time.Hour,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// NewRedisStoreAddr creates a replay store over a new client for addr.
func NewRedisStoreAddr(addr, password string, db int, opts ...RedisOption) *RedisStore {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	return NewRedisStore(client, opts...)
}

func (s *RedisStore) key(key string) string {
	return s.prefix + key
}

func (s *RedisStore) Begin(ctx context.Context, key string, rec Record) (*Record, bool, error) {
	rec.Key = key
	rec.Status = StatusPending
	rec.UpdatedAt = time.Now()

	data, err := json.Marshal(rec)
	if err != nil {
		return nil, false, fmt.Errorf("store: marshal record: %w", err)
	}

	res, err := redisBeginScript.Run(ctx, s.client, []string{s.key(key)}, string(data), int(s.ttl.Seconds())).Result()
	if err != nil {
		return nil, false, fmt.Errorf("store: begin %s: %w", key, err)
	}

	results, ok := res.([]interface{})
	if !ok || len(results) != 2 {
		return nil, false, fmt.Errorf("store: unexpected script response for %s", key)
	}

	claimed, _ := results[0].(int64)
	if claimed == 1 {
		return nil, true, nil
	}

	priorJSON, _ := results[1].(string)
	var prior Record
	if err := json.Unmarshal([]byte(priorJSON), &prior); err != nil {
		return nil, false, fmt.Errorf("store: decode prior record for %s: %w", key, err)
	}
	return &prior, false, nil
}

func (s *RedisStore) Complete(ctx context.Context, key string, rec Record) error {
	rec.Key = key
	rec.UpdatedAt = time.Now()

	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("store: marshal record: %w", err)
	}

	if err := s.client.Set(ctx, s.key(key), data, s.ttl).Err(); err != nil {
		return fmt.Errorf("store: complete %s: %w", key, err)
	}
	return nil
}

func (s *RedisStore) Get(ctx context.Context, key string) (*Record, error) {
	data, err := s.client.Get(ctx, s.key(key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store: get %s: %w", key, err)
	}

	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("store: decode record for %s: %w", key, err)
	}
	return &rec, nil
}

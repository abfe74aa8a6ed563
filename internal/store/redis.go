package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Redis implements [Store] on top of a Redis server. Session records are
// stored as hashes with JSON-encoded field values, so UpdateSession maps to
// HSET and merges at the field level without read-modify-write races
// between workers.
type Redis struct {
	client *redis.Client
}

var _ Store = (*Redis)(nil)

// NewRedis connects to the Redis server described by url
// (e.g., "redis://localhost:6379/0") and verifies the connection.
func NewRedis(ctx context.Context, url string) (*Redis, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("store: parse redis url: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("store: redis ping: %w", err)
	}
	return &Redis{client: client}, nil
}

// SetSession implements [Store].
func (r *Redis) SetSession(ctx context.Context, callID string, fields map[string]any, ttl time.Duration) error {
	key := CallKey(callID)
	encoded, err := encodeFields(fields)
	if err != nil {
		return err
	}
	pipe := r.client.TxPipeline()
	pipe.Del(ctx, key)
	if len(encoded) > 0 {
		pipe.HSet(ctx, key, encoded)
	}
	if ttl > 0 {
		pipe.Expire(ctx, key, ttl)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("store: set session %s: %w", callID, err)
	}
	return nil
}

// GetSession implements [Store].
func (r *Redis) GetSession(ctx context.Context, callID string) (map[string]any, error) {
	raw, err := r.client.HGetAll(ctx, CallKey(callID)).Result()
	if err != nil {
		return nil, fmt.Errorf("store: get session %s: %w", callID, err)
	}
	if len(raw) == 0 {
		return nil, ErrNotFound
	}
	fields := make(map[string]any, len(raw))
	for k, v := range raw {
		var val any
		if err := json.Unmarshal([]byte(v), &val); err != nil {
			// Tolerate values written by older workers as plain strings.
			val = v
		}
		fields[k] = val
	}
	return fields, nil
}

// UpdateSession implements [Store].
func (r *Redis) UpdateSession(ctx context.Context, callID string, fields map[string]any, ttl time.Duration) error {
	if len(fields) == 0 {
		return nil
	}
	key := CallKey(callID)
	encoded, err := encodeFields(fields)
	if err != nil {
		return err
	}
	pipe := r.client.TxPipeline()
	pipe.HSet(ctx, key, encoded)
	if ttl > 0 {
		pipe.Expire(ctx, key, ttl)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("store: update session %s: %w", callID, err)
	}
	return nil
}

// DeleteSession implements [Store].
func (r *Redis) DeleteSession(ctx context.Context, callID string) error {
	if err := r.client.Del(ctx, CallKey(callID)).Err(); err != nil {
		return fmt.Errorf("store: delete session %s: %w", callID, err)
	}
	return nil
}

// SetAdd implements [Store].
func (r *Redis) SetAdd(ctx context.Context, key string, members ...string) error {
	if len(members) == 0 {
		return nil
	}
	args := make([]any, len(members))
	for i, m := range members {
		args[i] = m
	}
	if err := r.client.SAdd(ctx, key, args...).Err(); err != nil {
		return fmt.Errorf("store: sadd %s: %w", key, err)
	}
	return nil
}

// SetRemove implements [Store].
func (r *Redis) SetRemove(ctx context.Context, key string, members ...string) error {
	if len(members) == 0 {
		return nil
	}
	args := make([]any, len(members))
	for i, m := range members {
		args[i] = m
	}
	if err := r.client.SRem(ctx, key, args...).Err(); err != nil {
		return fmt.Errorf("store: srem %s: %w", key, err)
	}
	return nil
}

// SetMembers implements [Store].
func (r *Redis) SetMembers(ctx context.Context, key string) ([]string, error) {
	members, err := r.client.SMembers(ctx, key).Result()
	if err != nil {
		return nil, fmt.Errorf("store: smembers %s: %w", key, err)
	}
	return members, nil
}

// SetCount implements [Store].
func (r *Redis) SetCount(ctx context.Context, key string) (int, error) {
	n, err := r.client.SCard(ctx, key).Result()
	if err != nil {
		return 0, fmt.Errorf("store: scard %s: %w", key, err)
	}
	return int(n), nil
}

// SetClear implements [Store].
func (r *Redis) SetClear(ctx context.Context, key string) error {
	if err := r.client.Del(ctx, key).Err(); err != nil {
		return fmt.Errorf("store: clear set %s: %w", key, err)
	}
	return nil
}

// SetFlag implements [Store].
func (r *Redis) SetFlag(ctx context.Context, key, value string, ttl time.Duration) error {
	if err := r.client.Set(ctx, key, value, ttl).Err(); err != nil {
		return fmt.Errorf("store: set flag %s: %w", key, err)
	}
	return nil
}

// GetFlag implements [Store].
func (r *Redis) GetFlag(ctx context.Context, key string) (string, error) {
	val, err := r.client.Get(ctx, key).Result()
	if err == redis.Nil {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("store: get flag %s: %w", key, err)
	}
	return val, nil
}

// DeleteFlag implements [Store].
func (r *Redis) DeleteFlag(ctx context.Context, key string) error {
	if err := r.client.Del(ctx, key).Err(); err != nil {
		return fmt.Errorf("store: delete flag %s: %w", key, err)
	}
	return nil
}

// Close implements [Store].
func (r *Redis) Close() error {
	return r.client.Close()
}

// encodeFields JSON-encodes each field value for storage in a Redis hash.
func encodeFields(fields map[string]any) (map[string]any, error) {
	encoded := make(map[string]any, len(fields))
	for k, v := range fields {
		data, err := json.Marshal(v)
		if err != nil {
			return nil, fmt.Errorf("store: encode field %s: %w", k, err)
		}
		encoded[k] = string(data)
	}
	return encoded, nil
}

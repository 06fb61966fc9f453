// Package coord wraps the Redis coordination store. Every cross-process
// structure the engine relies on (the document queue, worker and storage
// registries, pool records, the graph update stream) lives behind this
// adapter so callers never touch the raw client.
package coord

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// ErrNotFound is returned when a key or hash field does not exist.
var ErrNotFound = errors.New("coord: not found")

// Store is a typed adapter over a Redis connection.
type Store struct {
	rdb *redis.Client
}

// Open connects to the coordination store at url (redis://host:port/db).
func Open(url string) (*Store, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("coord: parse url: %w", err)
	}
	return &Store{rdb: redis.NewClient(opts)}, nil
}

// NewFromClient wraps an existing client. Used by tests with miniredis.
func NewFromClient(c *redis.Client) *Store { return &Store{rdb: c} }

// Ping verifies connectivity.
func (s *Store) Ping(ctx context.Context) error {
	if err := s.rdb.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("coord: ping: %w", err)
	}
	return nil
}

// Close releases the underlying connection.
func (s *Store) Close() error { return s.rdb.Close() }

// --- strings ---

// Set stores a plain string value.
func (s *Store) Set(ctx context.Context, key, value string) error {
	return s.rdb.Set(ctx, key, value, 0).Err()
}

// Get returns a plain string value. ErrNotFound when missing.
func (s *Store) Get(ctx context.Context, key string) (string, error) {
	v, err := s.rdb.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("coord: get %s: %w", key, err)
	}
	return v, nil
}

// --- lists ---

// LPush prepends values to a list.
func (s *Store) LPush(ctx context.Context, key string, vals ...any) error {
	return s.rdb.LPush(ctx, key, vals...).Err()
}

// RPush appends values to a list.
func (s *Store) RPush(ctx context.Context, key string, vals ...any) error {
	return s.rdb.RPush(ctx, key, vals...).Err()
}

// BRPop pops the oldest element of a LPush-fed list, blocking up to timeout.
// Returns ("", false, nil) on timeout.
func (s *Store) BRPop(ctx context.Context, timeout time.Duration, key string) (string, bool, error) {
	res, err := s.rdb.BRPop(ctx, timeout, key).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("coord: brpop %s: %w", key, err)
	}
	return res[1], true, nil
}

// RPop pops the oldest element without blocking. Returns ("", false, nil) when empty.
func (s *Store) RPop(ctx context.Context, key string) (string, bool, error) {
	v, err := s.rdb.RPop(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("coord: rpop %s: %w", key, err)
	}
	return v, true, nil
}

// LLen returns the list length.
func (s *Store) LLen(ctx context.Context, key string) (int64, error) {
	return s.rdb.LLen(ctx, key).Result()
}

// LRange returns elements start..stop inclusive.
func (s *Store) LRange(ctx context.Context, key string, start, stop int64) ([]string, error) {
	return s.rdb.LRange(ctx, key, start, stop).Result()
}

// LTrim trims the list to the given range.
func (s *Store) LTrim(ctx context.Context, key string, start, stop int64) error {
	return s.rdb.LTrim(ctx, key, start, stop).Err()
}

// --- hashes ---

// HSet sets hash fields from alternating key/value pairs or a map.
func (s *Store) HSet(ctx context.Context, key string, vals ...any) error {
	return s.rdb.HSet(ctx, key, vals...).Err()
}

// HGet returns a single hash field. ErrNotFound when missing.
func (s *Store) HGet(ctx context.Context, key, field string) (string, error) {
	v, err := s.rdb.HGet(ctx, key, field).Result()
	if errors.Is(err, redis.Nil) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("coord: hget %s %s: %w", key, field, err)
	}
	return v, nil
}

// HGetAll returns every field of a hash. Empty map when the key is absent.
func (s *Store) HGetAll(ctx context.Context, key string) (map[string]string, error) {
	return s.rdb.HGetAll(ctx, key).Result()
}

// HDel removes hash fields.
func (s *Store) HDel(ctx context.Context, key string, fields ...string) error {
	return s.rdb.HDel(ctx, key, fields...).Err()
}

// HExists reports whether a hash field exists.
func (s *Store) HExists(ctx context.Context, key, field string) (bool, error) {
	return s.rdb.HExists(ctx, key, field).Result()
}

// HIncrBy increments an integer hash field.
func (s *Store) HIncrBy(ctx context.Context, key, field string, n int64) (int64, error) {
	return s.rdb.HIncrBy(ctx, key, field, n).Result()
}

// --- sets ---

// SAdd adds members to a set.
func (s *Store) SAdd(ctx context.Context, key string, members ...any) error {
	return s.rdb.SAdd(ctx, key, members...).Err()
}

// SRem removes members from a set.
func (s *Store) SRem(ctx context.Context, key string, members ...any) error {
	return s.rdb.SRem(ctx, key, members...).Err()
}

// SMembers returns every member of a set.
func (s *Store) SMembers(ctx context.Context, key string) ([]string, error) {
	return s.rdb.SMembers(ctx, key).Result()
}

// --- keys ---

// Del removes keys.
func (s *Store) Del(ctx context.Context, keys ...string) error {
	return s.rdb.Del(ctx, keys...).Err()
}

// ScanKeys returns all keys matching pattern via cursor iteration.
func (s *Store) ScanKeys(ctx context.Context, pattern string) ([]string, error) {
	var out []string
	var cursor uint64
	for {
		keys, next, err := s.rdb.Scan(ctx, cursor, pattern, 100).Result()
		if err != nil {
			return nil, fmt.Errorf("coord: scan %s: %w", pattern, err)
		}
		out = append(out, keys...)
		if next == 0 {
			return out, nil
		}
		cursor = next
	}
}

// Incr increments a counter key.
func (s *Store) Incr(ctx context.Context, key string) (int64, error) {
	return s.rdb.Incr(ctx, key).Result()
}

// --- streams ---

// StreamMessage is one entry read from a stream consumer group.
type StreamMessage struct {
	ID     string
	Values map[string]any
}

// XAdd appends an entry to a stream with approximate MAXLEN trimming.
func (s *Store) XAdd(ctx context.Context, stream string, maxLen int64, values map[string]any) (string, error) {
	id, err := s.rdb.XAdd(ctx, &redis.XAddArgs{
		Stream: stream,
		MaxLen: maxLen,
		Approx: true,
		Values: values,
	}).Result()
	if err != nil {
		return "", fmt.Errorf("coord: xadd %s: %w", stream, err)
	}
	return id, nil
}

// EnsureGroup creates a consumer group, creating the stream if needed.
// An already existing group is not an error.
func (s *Store) EnsureGroup(ctx context.Context, stream, group string) error {
	err := s.rdb.XGroupCreateMkStream(ctx, stream, group, "0").Err()
	if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
		return fmt.Errorf("coord: create group %s on %s: %w", group, stream, err)
	}
	return nil
}

// ReadGroup reads up to count new entries for a consumer, blocking up to block.
// Returns nil on timeout.
func (s *Store) ReadGroup(ctx context.Context, stream, group, consumer string, count int64, block time.Duration) ([]StreamMessage, error) {
	res, err := s.rdb.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    group,
		Consumer: consumer,
		Streams:  []string{stream, ">"},
		Count:    count,
		Block:    block,
	}).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("coord: xreadgroup %s: %w", stream, err)
	}
	var out []StreamMessage
	for _, str := range res {
		for _, m := range str.Messages {
			out = append(out, StreamMessage{ID: m.ID, Values: m.Values})
		}
	}
	return out, nil
}

// Ack acknowledges processed stream entries.
func (s *Store) Ack(ctx context.Context, stream, group string, ids ...string) error {
	if len(ids) == 0 {
		return nil
	}
	if err := s.rdb.XAck(ctx, stream, group, ids...).Err(); err != nil {
		return fmt.Errorf("coord: xack %s: %w", stream, err)
	}
	return nil
}

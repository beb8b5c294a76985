package domain

import (
	"context"
	"time"
)

// ZMember is a sorted-set member with its score.
type ZMember struct {
	Member string
	Score  float64
}

// StreamEntry is one record of an append-only stream. IDs are monotonic and
// assigned by the backend.
type StreamEntry struct {
	ID     string
	Fields map[string]string
}

// PubSubMessage is delivered to channel subscribers.
type PubSubMessage struct {
	Channel string
	Payload string
}

// Backend is the narrow set of atomic KV primitives the core is built on.
// Two implementations exist: a Redis-backed one shared across processes and
// a file-backed single-host fallback. All conditional operations (CAS,
// HCAS, DelIfEquals, ExpireIfEquals, SetNX) are atomic: on Redis they run
// as server-side Lua, on the file backend under an exclusive file lock.
//
// Operations return plain errors only for backend failures; absence is
// reported through the ok/found return values.
type Backend interface {
	Ping(ctx context.Context) error
	Close() error

	Get(ctx context.Context, key string) (string, bool, error)
	Set(ctx context.Context, key, value string, ttl time.Duration) error
	SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error)
	Del(ctx context.Context, keys ...string) error
	Keys(ctx context.Context, pattern string) ([]string, error)
	Expire(ctx context.Context, key string, ttl time.Duration) error
	TTL(ctx context.Context, key string) (time.Duration, error)

	// CAS sets key to value iff its current value equals expected. An empty
	// expected matches a missing key.
	CAS(ctx context.Context, key, expected, value string) (bool, error)
	// DelIfEquals deletes key iff its current value equals expected.
	DelIfEquals(ctx context.Context, key, expected string) (bool, error)
	// ExpireIfEquals refreshes the TTL iff the current value equals expected.
	ExpireIfEquals(ctx context.Context, key, expected string, ttl time.Duration) (bool, error)

	Incr(ctx context.Context, key string) (int64, error)
	Decr(ctx context.Context, key string) (int64, error)
	IncrBy(ctx context.Context, key string, n int64) (int64, error)
	IncrByFloat(ctx context.Context, key string, f float64) (float64, error)

	HSet(ctx context.Context, key string, fields map[string]string) error
	HGet(ctx context.Context, key, field string) (string, bool, error)
	HGetAll(ctx context.Context, key string) (map[string]string, error)
	HIncrBy(ctx context.Context, key, field string, n int64) (int64, error)
	HIncrByFloat(ctx context.Context, key, field string, f float64) (float64, error)
	// HCAS sets a single hash field iff its current value equals expected.
	// This is the conditional primitive the atomic task claim is built on.
	HCAS(ctx context.Context, key, field, expected, value string) (bool, error)

	SAdd(ctx context.Context, key string, members ...string) error
	SRem(ctx context.Context, key string, members ...string) error
	SMembers(ctx context.Context, key string) ([]string, error)

	ZAdd(ctx context.Context, key string, score float64, member string) error
	ZRem(ctx context.Context, key string, members ...string) error
	ZCard(ctx context.Context, key string) (int64, error)
	// ZRangeByScore returns members with min <= score <= max in ascending
	// score order; limit <= 0 means no limit. Ties order lexically.
	ZRangeByScore(ctx context.Context, key string, min, max float64, limit int) ([]ZMember, error)
	// ZRevRangeByScore is the descending variant (highest score first).
	ZRevRangeByScore(ctx context.Context, key string, max, min float64, limit int) ([]ZMember, error)
	ZPopMin(ctx context.Context, key string) (ZMember, bool, error)

	// XAdd appends to a stream and returns the assigned monotonic id.
	XAdd(ctx context.Context, stream string, fields map[string]string) (string, error)
	// XRange replays entries with id strictly greater than cursor; an empty
	// cursor reads from the beginning. count <= 0 means no limit.
	XRange(ctx context.Context, stream, cursor string, count int) ([]StreamEntry, error)

	Publish(ctx context.Context, channel, payload string) error
	// Subscribe delivers messages until the returned stop function is called
	// or ctx is cancelled.
	Subscribe(ctx context.Context, channel string) (<-chan PubSubMessage, func(), error)
}

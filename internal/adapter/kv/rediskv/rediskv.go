// Package rediskv implements the KV backend port on Redis. Conditional
// primitives (CAS, HCAS, DelIfEquals, ExpireIfEquals) run as server-side
// Lua so they are atomic across competing processes.
package rediskv

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/fairyhunter13/agentcoord/internal/domain"
)

// A missing key compares equal to the empty string so that CAS("", v) doubles
// as create-if-absent.
const luaCAS = `
local cur = redis.call("GET", KEYS[1])
if cur == false then cur = "" end
if cur == ARGV[1] then
  redis.call("SET", KEYS[1], ARGV[2])
  return 1
end
return 0
`

const luaDelIfEquals = `
if redis.call("GET", KEYS[1]) == ARGV[1] then
  return redis.call("DEL", KEYS[1])
end
return 0
`

const luaExpireIfEquals = `
if redis.call("GET", KEYS[1]) == ARGV[1] then
  return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0
`

const luaHCAS = `
local cur = redis.call("HGET", KEYS[1], ARGV[1])
if cur == false then cur = "" end
if cur == ARGV[2] then
  redis.call("HSET", KEYS[1], ARGV[1], ARGV[3])
  return 1
end
return 0
`

// Store is the Redis-backed implementation of domain.Backend.
type Store struct {
	client *redis.Client

	casScript    *redis.Script
	delIfScript  *redis.Script
	expIfScript  *redis.Script
	hcasScript   *redis.Script
}

var _ domain.Backend = (*Store)(nil)

// New wraps an existing client.
func New(client *redis.Client) *Store {
	return &Store{
		client:      client,
		casScript:   redis.NewScript(luaCAS),
		delIfScript: redis.NewScript(luaDelIfEquals),
		expIfScript: redis.NewScript(luaExpireIfEquals),
		hcasScript:  redis.NewScript(luaHCAS),
	}
}

// Dial connects to the given redis:// URL and verifies the connection.
func Dial(ctx context.Context, redisURL string) (*Store, error) {
	opt, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("op=rediskv.Dial: %w", err)
	}
	client := redis.NewClient(opt)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("op=rediskv.Dial: %w", err)
	}
	return New(client), nil
}

func (s *Store) Ping(ctx context.Context) error { return s.client.Ping(ctx).Err() }

func (s *Store) Close() error { return s.client.Close() }

func (s *Store) Get(ctx context.Context, key string) (string, bool, error) {
	v, err := s.client.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return v, true, nil
}

func (s *Store) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	return s.client.Set(ctx, key, value, ttl).Err()
}

func (s *Store) SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	return s.client.SetNX(ctx, key, value, ttl).Result()
}

func (s *Store) Del(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	return s.client.Del(ctx, keys...).Err()
}

func (s *Store) Keys(ctx context.Context, pattern string) ([]string, error) {
	var out []string
	iter := s.client.Scan(ctx, 0, pattern, 0).Iterator()
	for iter.Next(ctx) {
		out = append(out, iter.Val())
	}
	return out, iter.Err()
}

func (s *Store) Expire(ctx context.Context, key string, ttl time.Duration) error {
	return s.client.Expire(ctx, key, ttl).Err()
}

func (s *Store) TTL(ctx context.Context, key string) (time.Duration, error) {
	return s.client.TTL(ctx, key).Result()
}

func (s *Store) CAS(ctx context.Context, key, expected, value string) (bool, error) {
	n, err := s.casScript.Run(ctx, s.client, []string{key}, expected, value).Int()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (s *Store) DelIfEquals(ctx context.Context, key, expected string) (bool, error) {
	n, err := s.delIfScript.Run(ctx, s.client, []string{key}, expected).Int()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (s *Store) ExpireIfEquals(ctx context.Context, key, expected string, ttl time.Duration) (bool, error) {
	n, err := s.expIfScript.Run(ctx, s.client, []string{key}, expected, ttl.Milliseconds()).Int()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (s *Store) Incr(ctx context.Context, key string) (int64, error) {
	return s.client.Incr(ctx, key).Result()
}

func (s *Store) Decr(ctx context.Context, key string) (int64, error) {
	return s.client.Decr(ctx, key).Result()
}

func (s *Store) IncrBy(ctx context.Context, key string, n int64) (int64, error) {
	return s.client.IncrBy(ctx, key, n).Result()
}

func (s *Store) IncrByFloat(ctx context.Context, key string, f float64) (float64, error) {
	return s.client.IncrByFloat(ctx, key, f).Result()
}

func (s *Store) HSet(ctx context.Context, key string, fields map[string]string) error {
	if len(fields) == 0 {
		return nil
	}
	m := make(map[string]interface{}, len(fields))
	for k, v := range fields {
		m[k] = v
	}
	return s.client.HSet(ctx, key, m).Err()
}

func (s *Store) HGet(ctx context.Context, key, field string) (string, bool, error) {
	v, err := s.client.HGet(ctx, key, field).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return v, true, nil
}

func (s *Store) HGetAll(ctx context.Context, key string) (map[string]string, error) {
	return s.client.HGetAll(ctx, key).Result()
}

func (s *Store) HIncrBy(ctx context.Context, key, field string, n int64) (int64, error) {
	return s.client.HIncrBy(ctx, key, field, n).Result()
}

func (s *Store) HIncrByFloat(ctx context.Context, key, field string, f float64) (float64, error) {
	return s.client.HIncrByFloat(ctx, key, field, f).Result()
}

func (s *Store) HCAS(ctx context.Context, key, field, expected, value string) (bool, error) {
	n, err := s.hcasScript.Run(ctx, s.client, []string{key}, field, expected, value).Int()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (s *Store) SAdd(ctx context.Context, key string, members ...string) error {
	if len(members) == 0 {
		return nil
	}
	args := make([]interface{}, len(members))
	for i, m := range members {
		args[i] = m
	}
	return s.client.SAdd(ctx, key, args...).Err()
}

func (s *Store) SRem(ctx context.Context, key string, members ...string) error {
	if len(members) == 0 {
		return nil
	}
	args := make([]interface{}, len(members))
	for i, m := range members {
		args[i] = m
	}
	return s.client.SRem(ctx, key, args...).Err()
}

func (s *Store) SMembers(ctx context.Context, key string) ([]string, error) {
	return s.client.SMembers(ctx, key).Result()
}

func (s *Store) ZAdd(ctx context.Context, key string, score float64, member string) error {
	return s.client.ZAdd(ctx, key, redis.Z{Score: score, Member: member}).Err()
}

func (s *Store) ZRem(ctx context.Context, key string, members ...string) error {
	if len(members) == 0 {
		return nil
	}
	args := make([]interface{}, len(members))
	for i, m := range members {
		args[i] = m
	}
	return s.client.ZRem(ctx, key, args...).Err()
}

func (s *Store) ZCard(ctx context.Context, key string) (int64, error) {
	return s.client.ZCard(ctx, key).Result()
}

func (s *Store) ZRangeByScore(ctx context.Context, key string, min, max float64, limit int) ([]domain.ZMember, error) {
	opt := &redis.ZRangeBy{
		Min: formatScore(min),
		Max: formatScore(max),
	}
	if limit > 0 {
		opt.Count = int64(limit)
	}
	zs, err := s.client.ZRangeByScoreWithScores(ctx, key, opt).Result()
	if err != nil {
		return nil, err
	}
	out := make([]domain.ZMember, 0, len(zs))
	for _, z := range zs {
		m, _ := z.Member.(string)
		out = append(out, domain.ZMember{Member: m, Score: z.Score})
	}
	return out, nil
}

func (s *Store) ZRevRangeByScore(ctx context.Context, key string, max, min float64, limit int) ([]domain.ZMember, error) {
	opt := &redis.ZRangeBy{
		Min: formatScore(min),
		Max: formatScore(max),
	}
	if limit > 0 {
		opt.Count = int64(limit)
	}
	zs, err := s.client.ZRevRangeByScoreWithScores(ctx, key, opt).Result()
	if err != nil {
		return nil, err
	}
	out := make([]domain.ZMember, 0, len(zs))
	for _, z := range zs {
		m, _ := z.Member.(string)
		out = append(out, domain.ZMember{Member: m, Score: z.Score})
	}
	return out, nil
}

func (s *Store) ZPopMin(ctx context.Context, key string) (domain.ZMember, bool, error) {
	zs, err := s.client.ZPopMin(ctx, key, 1).Result()
	if err != nil {
		return domain.ZMember{}, false, err
	}
	if len(zs) == 0 {
		return domain.ZMember{}, false, nil
	}
	m, _ := zs[0].Member.(string)
	return domain.ZMember{Member: m, Score: zs[0].Score}, true, nil
}

func (s *Store) XAdd(ctx context.Context, stream string, fields map[string]string) (string, error) {
	m := make(map[string]interface{}, len(fields))
	for k, v := range fields {
		m[k] = v
	}
	return s.client.XAdd(ctx, &redis.XAddArgs{Stream: stream, Values: m}).Result()
}

func (s *Store) XRange(ctx context.Context, stream, cursor string, count int) ([]domain.StreamEntry, error) {
	start := "-"
	if cursor != "" {
		start = "(" + cursor
	}
	var (
		msgs []redis.XMessage
		err  error
	)
	if count > 0 {
		msgs, err = s.client.XRangeN(ctx, stream, start, "+", int64(count)).Result()
	} else {
		msgs, err = s.client.XRange(ctx, stream, start, "+").Result()
	}
	if err != nil {
		return nil, err
	}
	out := make([]domain.StreamEntry, 0, len(msgs))
	for _, m := range msgs {
		fields := make(map[string]string, len(m.Values))
		for k, v := range m.Values {
			if sv, ok := v.(string); ok {
				fields[k] = sv
			}
		}
		out = append(out, domain.StreamEntry{ID: m.ID, Fields: fields})
	}
	return out, nil
}

func (s *Store) Publish(ctx context.Context, channel, payload string) error {
	return s.client.Publish(ctx, channel, payload).Err()
}

func (s *Store) Subscribe(ctx context.Context, channel string) (<-chan domain.PubSubMessage, func(), error) {
	ps := s.client.Subscribe(ctx, channel)
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, nil, err
	}
	out := make(chan domain.PubSubMessage)
	done := make(chan struct{})
	go func() {
		defer close(out)
		src := ps.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case <-done:
				return
			case msg, ok := <-src:
				if !ok {
					return
				}
				select {
				case out <- domain.PubSubMessage{Channel: msg.Channel, Payload: msg.Payload}:
				case <-ctx.Done():
					return
				case <-done:
					return
				}
			}
		}
	}()
	var stopped bool
	stop := func() {
		if stopped {
			return
		}
		stopped = true
		close(done)
		_ = ps.Close()
	}
	return out, stop, nil
}

func formatScore(f float64) string {
	return strconv.FormatFloat(f, 'f', -1, 64)
}

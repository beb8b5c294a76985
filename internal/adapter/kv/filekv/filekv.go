// Package filekv implements the KV backend port on a directory of JSON
// files. It is the single-host fallback used when Redis is unreachable:
// correctness matters, throughput does not. Every mutating operation runs
// under an exclusive .lock sibling file and lands via a rename-based
// atomic write, so concurrent processes on one host never observe a torn
// record. Pub/sub is in-process only, which is acceptable because the
// fallback targets a single process per host.
package filekv

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/renameio/v2"

	"github.com/fairyhunter13/agentcoord/internal/domain"
)

// envelope is the on-disk representation of one key.
type envelope struct {
	Key       string             `json:"key"`
	Type      string             `json:"type"` // string | hash | set | zset
	Value     string             `json:"value,omitempty"`
	Hash      map[string]string  `json:"hash,omitempty"`
	Set       []string           `json:"set,omitempty"`
	ZSet      map[string]float64 `json:"zset,omitempty"`
	ExpiresAt time.Time          `json:"expires_at,omitempty"`
}

func (e *envelope) expired(now time.Time) bool {
	return !e.ExpiresAt.IsZero() && !e.ExpiresAt.After(now)
}

// Store is the file-backed implementation of domain.Backend.
type Store struct {
	root string

	mu   sync.Mutex // serializes in-process mutators; cross-process via .lock files
	subs struct {
		sync.Mutex
		byChannel map[string][]chan domain.PubSubMessage
	}
}

var _ domain.Backend = (*Store)(nil)

var subdirs = []string{"tasks", "locks", "agents", "approvals", "board", "audit", "state"}

// Open prepares the fallback directory layout. It fails with
// ErrBackendUnavailable when the directory cannot be created or written.
func Open(dir string) (*Store, error) {
	for _, sub := range subdirs {
		if err := os.MkdirAll(filepath.Join(dir, sub), 0o755); err != nil {
			return nil, fmt.Errorf("op=filekv.Open dir=%s: %w", dir, domain.ErrBackendUnavailable)
		}
	}
	probe := filepath.Join(dir, "state", ".probe")
	if err := os.WriteFile(probe, []byte("ok"), 0o644); err != nil {
		return nil, fmt.Errorf("op=filekv.Open dir=%s: %w", dir, domain.ErrBackendUnavailable)
	}
	_ = os.Remove(probe)
	s := &Store{root: dir}
	s.subs.byChannel = map[string][]chan domain.PubSubMessage{}
	return s, nil
}

func (s *Store) Ping(ctx context.Context) error {
	if _, err := os.Stat(s.root); err != nil {
		return fmt.Errorf("op=filekv.Ping: %w", domain.ErrBackendUnavailable)
	}
	return nil
}

func (s *Store) Close() error {
	s.subs.Lock()
	defer s.subs.Unlock()
	for _, chans := range s.subs.byChannel {
		for _, ch := range chans {
			close(ch)
		}
	}
	s.subs.byChannel = map[string][]chan domain.PubSubMessage{}
	return nil
}

// subdirFor routes a key to its directory per the fallback layout.
func subdirFor(key string) string {
	switch {
	case strings.HasPrefix(key, "task:") || strings.HasPrefix(key, "tasks:"):
		return "tasks"
	case strings.HasPrefix(key, "lock:"):
		return "locks"
	case strings.HasPrefix(key, "agent:") || strings.HasPrefix(key, "agents:") || key == "heartbeats":
		return "agents"
	case strings.HasPrefix(key, "approval"):
		return "approvals"
	case strings.HasPrefix(key, "board:"):
		return "board"
	case strings.HasPrefix(key, "audit:"):
		return "audit"
	default:
		return "state"
	}
}

func sanitize(key string) string {
	r := strings.NewReplacer(":", "_", "/", "_", "\\", "_", " ", "_")
	name := r.Replace(key)
	if len(name) > 120 {
		sum := sha256.Sum256([]byte(key))
		name = name[:80] + "-" + hex.EncodeToString(sum[:8])
	}
	return name
}

func (s *Store) pathFor(key string) string {
	return filepath.Join(s.root, subdirFor(key), sanitize(key)+".json")
}

// withFileLock holds the cross-process .lock sibling for the duration of fn.
// A lock older than staleLockAge is assumed to belong to a crashed process
// and is broken.
const staleLockAge = 10 * time.Second

func (s *Store) withFileLock(p string, fn func() error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	lockPath := p + ".lock"
	deadline := time.Now().Add(5 * time.Second)
	for {
		f, err := os.OpenFile(lockPath, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
		if err == nil {
			_, _ = fmt.Fprintf(f, "%d", os.Getpid())
			_ = f.Close()
			break
		}
		if st, serr := os.Stat(lockPath); serr == nil && time.Since(st.ModTime()) > staleLockAge {
			_ = os.Remove(lockPath)
			continue
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("op=filekv.lock path=%s: %w", p, domain.ErrBackendUnavailable)
		}
		time.Sleep(5 * time.Millisecond)
	}
	defer os.Remove(lockPath)
	return fn()
}

func (s *Store) read(key string) (*envelope, bool, error) {
	b, err := os.ReadFile(s.pathFor(key))
	if os.IsNotExist(err) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	var e envelope
	if err := json.Unmarshal(b, &e); err != nil {
		return nil, false, fmt.Errorf("op=filekv.read key=%s: %w", key, err)
	}
	if e.expired(time.Now()) {
		return nil, false, nil
	}
	return &e, true, nil
}

func (s *Store) write(key string, e *envelope) error {
	e.Key = key
	b, err := json.Marshal(e)
	if err != nil {
		return err
	}
	return renameio.WriteFile(s.pathFor(key), b, 0o644)
}

func (s *Store) remove(key string) error {
	err := os.Remove(s.pathFor(key))
	if os.IsNotExist(err) {
		return nil
	}
	return err
}

// mutate runs a read-modify-write cycle on one key under its file lock.
// fn receives nil when the key is absent or expired; returning (nil, true)
// deletes the key.
func (s *Store) mutate(key string, fn func(e *envelope) (*envelope, bool, error)) error {
	p := s.pathFor(key)
	return s.withFileLock(p, func() error {
		cur, ok, err := s.read(key)
		if err != nil {
			return err
		}
		if !ok {
			cur = nil
		}
		next, del, err := fn(cur)
		if err != nil {
			return err
		}
		if del {
			return s.remove(key)
		}
		if next != nil {
			return s.write(key, next)
		}
		return nil
	})
}

func (s *Store) Get(ctx context.Context, key string) (string, bool, error) {
	e, ok, err := s.read(key)
	if err != nil || !ok {
		return "", false, err
	}
	if e.Type != "string" {
		return "", false, nil
	}
	return e.Value, true, nil
}

func (s *Store) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	return s.mutate(key, func(*envelope) (*envelope, bool, error) {
		e := &envelope{Type: "string", Value: value}
		if ttl > 0 {
			e.ExpiresAt = time.Now().Add(ttl)
		}
		return e, false, nil
	})
}

func (s *Store) SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	var set bool
	err := s.mutate(key, func(cur *envelope) (*envelope, bool, error) {
		if cur != nil {
			return nil, false, nil
		}
		set = true
		e := &envelope{Type: "string", Value: value}
		if ttl > 0 {
			e.ExpiresAt = time.Now().Add(ttl)
		}
		return e, false, nil
	})
	return set, err
}

func (s *Store) Del(ctx context.Context, keys ...string) error {
	for _, key := range keys {
		if err := s.mutate(key, func(*envelope) (*envelope, bool, error) {
			return nil, true, nil
		}); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) Keys(ctx context.Context, pattern string) ([]string, error) {
	var out []string
	for _, sub := range subdirs {
		entries, err := os.ReadDir(filepath.Join(s.root, sub))
		if err != nil {
			continue
		}
		for _, de := range entries {
			if de.IsDir() || !strings.HasSuffix(de.Name(), ".json") {
				continue
			}
			b, err := os.ReadFile(filepath.Join(s.root, sub, de.Name()))
			if err != nil {
				continue
			}
			var e envelope
			if json.Unmarshal(b, &e) != nil || e.Key == "" || e.expired(time.Now()) {
				continue
			}
			if ok, _ := path.Match(pattern, e.Key); ok {
				out = append(out, e.Key)
			}
		}
	}
	sort.Strings(out)
	return out, nil
}

func (s *Store) Expire(ctx context.Context, key string, ttl time.Duration) error {
	return s.mutate(key, func(cur *envelope) (*envelope, bool, error) {
		if cur == nil {
			return nil, false, nil
		}
		cur.ExpiresAt = time.Now().Add(ttl)
		return cur, false, nil
	})
}

func (s *Store) TTL(ctx context.Context, key string) (time.Duration, error) {
	e, ok, err := s.read(key)
	if err != nil {
		return 0, err
	}
	if !ok {
		return -2 * time.Second, nil
	}
	if e.ExpiresAt.IsZero() {
		return -1 * time.Second, nil
	}
	return time.Until(e.ExpiresAt), nil
}

func (s *Store) CAS(ctx context.Context, key, expected, value string) (bool, error) {
	var swapped bool
	err := s.mutate(key, func(cur *envelope) (*envelope, bool, error) {
		current := ""
		if cur != nil && cur.Type == "string" {
			current = cur.Value
		}
		if current != expected {
			return nil, false, nil
		}
		swapped = true
		next := &envelope{Type: "string", Value: value}
		if cur != nil {
			next.ExpiresAt = cur.ExpiresAt
		}
		return next, false, nil
	})
	return swapped, err
}

func (s *Store) DelIfEquals(ctx context.Context, key, expected string) (bool, error) {
	var deleted bool
	err := s.mutate(key, func(cur *envelope) (*envelope, bool, error) {
		if cur == nil || cur.Type != "string" || cur.Value != expected {
			return nil, false, nil
		}
		deleted = true
		return nil, true, nil
	})
	return deleted, err
}

func (s *Store) ExpireIfEquals(ctx context.Context, key, expected string, ttl time.Duration) (bool, error) {
	var refreshed bool
	err := s.mutate(key, func(cur *envelope) (*envelope, bool, error) {
		if cur == nil || cur.Type != "string" || cur.Value != expected {
			return nil, false, nil
		}
		refreshed = true
		cur.ExpiresAt = time.Now().Add(ttl)
		return cur, false, nil
	})
	return refreshed, err
}

func (s *Store) addInt(key string, n int64) (int64, error) {
	var out int64
	err := s.mutate(key, func(cur *envelope) (*envelope, bool, error) {
		var v int64
		if cur != nil && cur.Type == "string" {
			v, _ = strconv.ParseInt(cur.Value, 10, 64)
		}
		v += n
		out = v
		next := &envelope{Type: "string", Value: strconv.FormatInt(v, 10)}
		if cur != nil {
			next.ExpiresAt = cur.ExpiresAt
		}
		return next, false, nil
	})
	return out, err
}

func (s *Store) Incr(ctx context.Context, key string) (int64, error)         { return s.addInt(key, 1) }
func (s *Store) Decr(ctx context.Context, key string) (int64, error)         { return s.addInt(key, -1) }
func (s *Store) IncrBy(ctx context.Context, key string, n int64) (int64, error) { return s.addInt(key, n) }

func (s *Store) IncrByFloat(ctx context.Context, key string, f float64) (float64, error) {
	var out float64
	err := s.mutate(key, func(cur *envelope) (*envelope, bool, error) {
		var v float64
		if cur != nil && cur.Type == "string" {
			v, _ = strconv.ParseFloat(cur.Value, 64)
		}
		v += f
		out = v
		next := &envelope{Type: "string", Value: strconv.FormatFloat(v, 'f', -1, 64)}
		if cur != nil {
			next.ExpiresAt = cur.ExpiresAt
		}
		return next, false, nil
	})
	return out, err
}

func (s *Store) HSet(ctx context.Context, key string, fields map[string]string) error {
	if len(fields) == 0 {
		return nil
	}
	return s.mutate(key, func(cur *envelope) (*envelope, bool, error) {
		if cur == nil {
			cur = &envelope{Type: "hash", Hash: map[string]string{}}
		}
		if cur.Hash == nil {
			cur.Hash = map[string]string{}
		}
		for k, v := range fields {
			cur.Hash[k] = v
		}
		return cur, false, nil
	})
}

func (s *Store) HGet(ctx context.Context, key, field string) (string, bool, error) {
	e, ok, err := s.read(key)
	if err != nil || !ok {
		return "", false, err
	}
	v, ok := e.Hash[field]
	return v, ok, nil
}

func (s *Store) HGetAll(ctx context.Context, key string) (map[string]string, error) {
	e, ok, err := s.read(key)
	if err != nil {
		return nil, err
	}
	if !ok {
		return map[string]string{}, nil
	}
	out := make(map[string]string, len(e.Hash))
	for k, v := range e.Hash {
		out[k] = v
	}
	return out, nil
}

func (s *Store) HIncrBy(ctx context.Context, key, field string, n int64) (int64, error) {
	var out int64
	err := s.mutate(key, func(cur *envelope) (*envelope, bool, error) {
		if cur == nil {
			cur = &envelope{Type: "hash", Hash: map[string]string{}}
		}
		if cur.Hash == nil {
			cur.Hash = map[string]string{}
		}
		v, _ := strconv.ParseInt(cur.Hash[field], 10, 64)
		v += n
		out = v
		cur.Hash[field] = strconv.FormatInt(v, 10)
		return cur, false, nil
	})
	return out, err
}

func (s *Store) HIncrByFloat(ctx context.Context, key, field string, f float64) (float64, error) {
	var out float64
	err := s.mutate(key, func(cur *envelope) (*envelope, bool, error) {
		if cur == nil {
			cur = &envelope{Type: "hash", Hash: map[string]string{}}
		}
		if cur.Hash == nil {
			cur.Hash = map[string]string{}
		}
		v, _ := strconv.ParseFloat(cur.Hash[field], 64)
		v += f
		out = v
		cur.Hash[field] = strconv.FormatFloat(v, 'f', -1, 64)
		return cur, false, nil
	})
	return out, err
}

func (s *Store) HCAS(ctx context.Context, key, field, expected, value string) (bool, error) {
	var swapped bool
	err := s.mutate(key, func(cur *envelope) (*envelope, bool, error) {
		current := ""
		if cur != nil {
			current = cur.Hash[field]
		}
		if current != expected {
			return nil, false, nil
		}
		if cur == nil {
			cur = &envelope{Type: "hash", Hash: map[string]string{}}
		}
		if cur.Hash == nil {
			cur.Hash = map[string]string{}
		}
		swapped = true
		cur.Hash[field] = value
		return cur, false, nil
	})
	return swapped, err
}

func (s *Store) SAdd(ctx context.Context, key string, members ...string) error {
	if len(members) == 0 {
		return nil
	}
	return s.mutate(key, func(cur *envelope) (*envelope, bool, error) {
		if cur == nil {
			cur = &envelope{Type: "set"}
		}
		have := make(map[string]bool, len(cur.Set))
		for _, m := range cur.Set {
			have[m] = true
		}
		for _, m := range members {
			if !have[m] {
				cur.Set = append(cur.Set, m)
				have[m] = true
			}
		}
		return cur, false, nil
	})
}

func (s *Store) SRem(ctx context.Context, key string, members ...string) error {
	if len(members) == 0 {
		return nil
	}
	drop := make(map[string]bool, len(members))
	for _, m := range members {
		drop[m] = true
	}
	return s.mutate(key, func(cur *envelope) (*envelope, bool, error) {
		if cur == nil {
			return nil, false, nil
		}
		kept := cur.Set[:0]
		for _, m := range cur.Set {
			if !drop[m] {
				kept = append(kept, m)
			}
		}
		cur.Set = kept
		if len(cur.Set) == 0 {
			return nil, true, nil
		}
		return cur, false, nil
	})
}

func (s *Store) SMembers(ctx context.Context, key string) ([]string, error) {
	e, ok, err := s.read(key)
	if err != nil || !ok {
		return nil, err
	}
	out := make([]string, len(e.Set))
	copy(out, e.Set)
	return out, nil
}

func (s *Store) ZAdd(ctx context.Context, key string, score float64, member string) error {
	return s.mutate(key, func(cur *envelope) (*envelope, bool, error) {
		if cur == nil {
			cur = &envelope{Type: "zset", ZSet: map[string]float64{}}
		}
		if cur.ZSet == nil {
			cur.ZSet = map[string]float64{}
		}
		cur.ZSet[member] = score
		return cur, false, nil
	})
}

func (s *Store) ZRem(ctx context.Context, key string, members ...string) error {
	if len(members) == 0 {
		return nil
	}
	return s.mutate(key, func(cur *envelope) (*envelope, bool, error) {
		if cur == nil {
			return nil, false, nil
		}
		for _, m := range members {
			delete(cur.ZSet, m)
		}
		if len(cur.ZSet) == 0 {
			return nil, true, nil
		}
		return cur, false, nil
	})
}

func (s *Store) ZCard(ctx context.Context, key string) (int64, error) {
	e, ok, err := s.read(key)
	if err != nil || !ok {
		return 0, err
	}
	return int64(len(e.ZSet)), nil
}

func sortedMembers(z map[string]float64) []domain.ZMember {
	out := make([]domain.ZMember, 0, len(z))
	for m, sc := range z {
		out = append(out, domain.ZMember{Member: m, Score: sc})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Score != out[j].Score {
			return out[i].Score < out[j].Score
		}
		return out[i].Member < out[j].Member
	})
	return out
}

func (s *Store) ZRangeByScore(ctx context.Context, key string, min, max float64, limit int) ([]domain.ZMember, error) {
	e, ok, err := s.read(key)
	if err != nil || !ok {
		return nil, err
	}
	var out []domain.ZMember
	for _, zm := range sortedMembers(e.ZSet) {
		if zm.Score < min || zm.Score > max {
			continue
		}
		out = append(out, zm)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

func (s *Store) ZRevRangeByScore(ctx context.Context, key string, max, min float64, limit int) ([]domain.ZMember, error) {
	e, ok, err := s.read(key)
	if err != nil || !ok {
		return nil, err
	}
	asc := sortedMembers(e.ZSet)
	var out []domain.ZMember
	for i := len(asc) - 1; i >= 0; i-- {
		zm := asc[i]
		if zm.Score < min || zm.Score > max {
			continue
		}
		out = append(out, zm)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

func (s *Store) ZPopMin(ctx context.Context, key string) (domain.ZMember, bool, error) {
	var (
		popped domain.ZMember
		found  bool
	)
	err := s.mutate(key, func(cur *envelope) (*envelope, bool, error) {
		if cur == nil || len(cur.ZSet) == 0 {
			return nil, false, nil
		}
		ms := sortedMembers(cur.ZSet)
		popped, found = ms[0], true
		delete(cur.ZSet, popped.Member)
		if len(cur.ZSet) == 0 {
			return nil, true, nil
		}
		return cur, false, nil
	})
	return popped, found, err
}

// streamLine is one JSONL record of an append-only stream.
type streamLine struct {
	ID     string            `json:"id"`
	Fields map[string]string `json:"fields"`
}

func (s *Store) streamPath(stream string) string {
	return filepath.Join(s.root, subdirFor(stream), sanitize(stream)+".jsonl")
}

func parseStreamID(id string) (int64, int64) {
	parts := strings.SplitN(id, "-", 2)
	ms, _ := strconv.ParseInt(parts[0], 10, 64)
	var seq int64
	if len(parts) == 2 {
		seq, _ = strconv.ParseInt(parts[1], 10, 64)
	}
	return ms, seq
}

func streamIDLess(a, b string) bool {
	ams, aseq := parseStreamID(a)
	bms, bseq := parseStreamID(b)
	if ams != bms {
		return ams < bms
	}
	return aseq < bseq
}

func (s *Store) XAdd(ctx context.Context, stream string, fields map[string]string) (string, error) {
	p := s.streamPath(stream)
	var id string
	err := s.withFileLock(p, func() error {
		// Same id shape Redis uses: <epoch-ms>-<seq>.
		ms := time.Now().UnixMilli()
		seq := int64(0)
		if lines, err := s.readStream(stream); err == nil && len(lines) > 0 {
			lastMS, lastSeq := parseStreamID(lines[len(lines)-1].ID)
			if lastMS > ms {
				ms = lastMS
			}
			if lastMS == ms {
				seq = lastSeq + 1
			}
		}
		id = fmt.Sprintf("%d-%d", ms, seq)
		b, err := json.Marshal(streamLine{ID: id, Fields: fields})
		if err != nil {
			return err
		}
		f, err := os.OpenFile(p, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
		if err != nil {
			return err
		}
		defer f.Close()
		_, err = f.Write(append(b, '\n'))
		return err
	})
	return id, err
}

func (s *Store) readStream(stream string) ([]streamLine, error) {
	b, err := os.ReadFile(s.streamPath(stream))
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var out []streamLine
	for _, line := range strings.Split(string(b), "\n") {
		if strings.TrimSpace(line) == "" {
			continue
		}
		var sl streamLine
		if json.Unmarshal([]byte(line), &sl) == nil {
			out = append(out, sl)
		}
	}
	return out, nil
}

func (s *Store) XRange(ctx context.Context, stream, cursor string, count int) ([]domain.StreamEntry, error) {
	lines, err := s.readStream(stream)
	if err != nil {
		return nil, err
	}
	var out []domain.StreamEntry
	for _, sl := range lines {
		if cursor != "" && !streamIDLess(cursor, sl.ID) {
			continue
		}
		out = append(out, domain.StreamEntry{ID: sl.ID, Fields: sl.Fields})
		if count > 0 && len(out) >= count {
			break
		}
	}
	return out, nil
}

func (s *Store) Publish(ctx context.Context, channel, payload string) error {
	s.subs.Lock()
	chans := append([]chan domain.PubSubMessage(nil), s.subs.byChannel[channel]...)
	s.subs.Unlock()
	msg := domain.PubSubMessage{Channel: channel, Payload: payload}
	for _, ch := range chans {
		select {
		case ch <- msg:
		default: // slow subscriber, drop rather than block the publisher
		}
	}
	return nil
}

func (s *Store) Subscribe(ctx context.Context, channel string) (<-chan domain.PubSubMessage, func(), error) {
	ch := make(chan domain.PubSubMessage, 64)
	s.subs.Lock()
	s.subs.byChannel[channel] = append(s.subs.byChannel[channel], ch)
	s.subs.Unlock()

	done := make(chan struct{})
	var once sync.Once
	stop := func() {
		once.Do(func() {
			close(done)
			s.subs.Lock()
			defer s.subs.Unlock()
			chans := s.subs.byChannel[channel]
			for i, c := range chans {
				if c == ch {
					s.subs.byChannel[channel] = append(chans[:i], chans[i+1:]...)
					close(ch)
					break
				}
			}
		})
	}
	// The watcher must not outlive an explicit unsubscribe on a long-lived
	// ctx, so it exits on whichever comes first.
	go func() {
		select {
		case <-ctx.Done():
			stop()
		case <-done:
		}
	}()
	return ch, stop, nil
}

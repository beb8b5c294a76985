// Package kvtest is a conformance suite run against every Backend
// implementation. Both backends must show identical observable behavior so
// that the rest of the core works unchanged over either.
package kvtest

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fairyhunter13/agentcoord/internal/domain"
)

// Factory builds a fresh, empty backend for one subtest.
type Factory func(t *testing.T) domain.Backend

// Run executes the conformance suite against the backend under test.
func Run(t *testing.T, factory Factory) {
	t.Run("StringOps", func(t *testing.T) { testStringOps(t, factory(t)) })
	t.Run("ConditionalOps", func(t *testing.T) { testConditionalOps(t, factory(t)) })
	t.Run("Counters", func(t *testing.T) { testCounters(t, factory(t)) })
	t.Run("HashOps", func(t *testing.T) { testHashOps(t, factory(t)) })
	t.Run("SetOps", func(t *testing.T) { testSetOps(t, factory(t)) })
	t.Run("ZSetOps", func(t *testing.T) { testZSetOps(t, factory(t)) })
	t.Run("StreamOps", func(t *testing.T) { testStreamOps(t, factory(t)) })
	t.Run("PubSub", func(t *testing.T) { testPubSub(t, factory(t)) })
}

func testStringOps(t *testing.T, b domain.Backend) {
	ctx := context.Background()

	_, found, err := b.Get(ctx, "task:missing")
	require.NoError(t, err)
	assert.False(t, found)

	require.NoError(t, b.Set(ctx, "task:a", "one", 0))
	v, found, err := b.Get(ctx, "task:a")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, "one", v)

	ok, err := b.SetNX(ctx, "task:a", "two", 0)
	require.NoError(t, err)
	assert.False(t, ok, "SetNX must not overwrite")

	ok, err = b.SetNX(ctx, "task:b", "two", 0)
	require.NoError(t, err)
	assert.True(t, ok)

	require.NoError(t, b.Del(ctx, "task:a", "task:b"))
	_, found, err = b.Get(ctx, "task:a")
	require.NoError(t, err)
	assert.False(t, found)
}

func testConditionalOps(t *testing.T, b domain.Backend) {
	ctx := context.Background()

	// CAS with empty expected creates the key.
	ok, err := b.CAS(ctx, "lock:p", "", "tok1")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = b.CAS(ctx, "lock:p", "wrong", "tok2")
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = b.CAS(ctx, "lock:p", "tok1", "tok2")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = b.DelIfEquals(ctx, "lock:p", "tok1")
	require.NoError(t, err)
	assert.False(t, ok, "stale token must not delete")

	ok, err = b.ExpireIfEquals(ctx, "lock:p", "tok2", time.Hour)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = b.DelIfEquals(ctx, "lock:p", "tok2")
	require.NoError(t, err)
	assert.True(t, ok)

	_, found, err := b.Get(ctx, "lock:p")
	require.NoError(t, err)
	assert.False(t, found)
}

func testCounters(t *testing.T, b domain.Backend) {
	ctx := context.Background()

	n, err := b.Incr(ctx, "llm:semaphore")
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	n, err = b.IncrBy(ctx, "llm:semaphore", 4)
	require.NoError(t, err)
	assert.Equal(t, int64(5), n)

	n, err = b.Decr(ctx, "llm:semaphore")
	require.NoError(t, err)
	assert.Equal(t, int64(4), n)

	f, err := b.IncrByFloat(ctx, "llm:costs:dollars:test-model", 0.25)
	require.NoError(t, err)
	assert.InDelta(t, 0.25, f, 1e-9)

	f, err = b.IncrByFloat(ctx, "llm:costs:dollars:test-model", 0.5)
	require.NoError(t, err)
	assert.InDelta(t, 0.75, f, 1e-9)
}

func testHashOps(t *testing.T, b domain.Backend) {
	ctx := context.Background()

	require.NoError(t, b.HSet(ctx, "agent:x", map[string]string{"name": "alpha", "role": "engineer"}))

	v, found, err := b.HGet(ctx, "agent:x", "name")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, "alpha", v)

	_, found, err = b.HGet(ctx, "agent:x", "missing")
	require.NoError(t, err)
	assert.False(t, found)

	all, err := b.HGetAll(ctx, "agent:x")
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"name": "alpha", "role": "engineer"}, all)

	n, err := b.HIncrBy(ctx, "agent:x", "beats", 2)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	f, err := b.HIncrByFloat(ctx, "agent:x", "cost", 1.5)
	require.NoError(t, err)
	assert.InDelta(t, 1.5, f, 1e-9)

	// HCAS only swaps when the current value matches.
	ok, err := b.HCAS(ctx, "agent:x", "role", "engineer", "lead")
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = b.HCAS(ctx, "agent:x", "role", "engineer", "cto")
	require.NoError(t, err)
	assert.False(t, ok)

	// Empty expected matches a missing field.
	ok, err = b.HCAS(ctx, "agent:x", "claim", "", "w1")
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = b.HCAS(ctx, "agent:x", "claim", "", "w2")
	require.NoError(t, err)
	assert.False(t, ok)
}

func testSetOps(t *testing.T, b domain.Backend) {
	ctx := context.Background()

	require.NoError(t, b.SAdd(ctx, "agents:index", "a", "b", "a"))
	ms, err := b.SMembers(ctx, "agents:index")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"a", "b"}, ms)

	require.NoError(t, b.SRem(ctx, "agents:index", "a"))
	ms, err = b.SMembers(ctx, "agents:index")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"b"}, ms)
}

func testZSetOps(t *testing.T, b domain.Backend) {
	ctx := context.Background()

	require.NoError(t, b.ZAdd(ctx, "tasks:retry", 3, "t3"))
	require.NoError(t, b.ZAdd(ctx, "tasks:retry", 1, "t1"))
	require.NoError(t, b.ZAdd(ctx, "tasks:retry", 2, "t2"))

	n, err := b.ZCard(ctx, "tasks:retry")
	require.NoError(t, err)
	assert.Equal(t, int64(3), n)

	ms, err := b.ZRangeByScore(ctx, "tasks:retry", 0, 2.5, 0)
	require.NoError(t, err)
	require.Len(t, ms, 2)
	assert.Equal(t, "t1", ms[0].Member)
	assert.Equal(t, "t2", ms[1].Member)

	ms, err = b.ZRangeByScore(ctx, "tasks:retry", 0, 100, 1)
	require.NoError(t, err)
	require.Len(t, ms, 1)
	assert.Equal(t, "t1", ms[0].Member)

	rev, err := b.ZRevRangeByScore(ctx, "tasks:retry", 100, 0, 0)
	require.NoError(t, err)
	require.Len(t, rev, 3)
	assert.Equal(t, "t3", rev[0].Member)
	assert.Equal(t, "t1", rev[2].Member)

	popped, found, err := b.ZPopMin(ctx, "tasks:retry")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, "t1", popped.Member)

	require.NoError(t, b.ZRem(ctx, "tasks:retry", "t2", "t3"))
	n, err = b.ZCard(ctx, "tasks:retry")
	require.NoError(t, err)
	assert.Equal(t, int64(0), n)
}

func testStreamOps(t *testing.T, b domain.Backend) {
	ctx := context.Background()

	id1, err := b.XAdd(ctx, "audit:decisions", map[string]string{"kind": "task_claim", "agent_id": "a"})
	require.NoError(t, err)
	require.NotEmpty(t, id1)

	id2, err := b.XAdd(ctx, "audit:decisions", map[string]string{"kind": "escalation", "agent_id": "b"})
	require.NoError(t, err)
	assert.NotEqual(t, id1, id2)

	all, err := b.XRange(ctx, "audit:decisions", "", 0)
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, "task_claim", all[0].Fields["kind"])
	assert.Equal(t, "escalation", all[1].Fields["kind"])

	// Replay from cursor is exclusive.
	rest, err := b.XRange(ctx, "audit:decisions", id1, 0)
	require.NoError(t, err)
	require.Len(t, rest, 1)
	assert.Equal(t, id2, rest[0].ID)
}

func testPubSub(t *testing.T, b domain.Backend) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	ch, stop, err := b.Subscribe(ctx, "channel:escalations")
	require.NoError(t, err)
	defer stop()

	require.NoError(t, b.Publish(ctx, "channel:escalations", `{"event_type":"task_escalated"}`))

	select {
	case msg := <-ch:
		assert.Equal(t, "channel:escalations", msg.Channel)
		assert.Contains(t, msg.Payload, "task_escalated")
	case <-ctx.Done():
		t.Fatal("timed out waiting for pub/sub delivery")
	}
}

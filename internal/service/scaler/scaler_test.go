package scaler_test

import (
	"context"
	"runtime"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fairyhunter13/agentcoord/internal/adapter/kv/rediskv"
	"github.com/fairyhunter13/agentcoord/internal/domain"
	"github.com/fairyhunter13/agentcoord/internal/service/queue"
	"github.com/fairyhunter13/agentcoord/internal/service/scaler"
	"github.com/fairyhunter13/agentcoord/internal/service/spawner"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

// Handles record StartedAt from the wall clock, so the fake clock starts
// there and only moves forward by explicit Advance calls.
func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Now().UTC()}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func newFixture(t *testing.T) (domain.Backend, *queue.Queue, *spawner.Spawner, *fakeClock) {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("scaler test spawns unix sleep processes")
	}
	mr := miniredis.RunT(t)
	b := rediskv.New(redis.NewClient(&redis.Options{Addr: mr.Addr()}))
	t.Cleanup(func() { _ = b.Close() })

	clock := newFakeClock()
	q := queue.New(b, nil, queue.WithClock(clock.Now))
	pool := spawner.New("redis://localhost:6379/0", t.TempDir(),
		spawner.WithProcessRuntime("/bin/sleep", "60"))
	t.Cleanup(func() { _ = pool.TerminateAll(context.Background(), time.Second) })
	return b, q, pool, clock
}

func TestDesired_Clamping(t *testing.T) {
	b, q, pool, _ := newFixture(t)
	s := scaler.New(b, q, pool, scaler.Policy{MinWorkers: 1, MaxWorkers: 4, TasksPerWorker: 2})

	assert.Equal(t, 1, s.Desired(0), "min floor")
	assert.Equal(t, 1, s.Desired(2))
	assert.Equal(t, 2, s.Desired(3), "ceil division")
	assert.Equal(t, 4, s.Desired(100), "max ceiling")
}

func TestTick_ScalesUpToDemand(t *testing.T) {
	b, q, pool, _ := newFixture(t)
	ctx := context.Background()
	s := scaler.New(b, q, pool, scaler.Policy{MinWorkers: 0, MaxWorkers: 3, TasksPerWorker: 2})

	for i := 0; i < 5; i++ {
		_, err := q.Create(ctx, queue.CreateSpec{Title: "t"})
		require.NoError(t, err)
	}

	require.NoError(t, s.Tick(ctx))
	assert.Len(t, pool.ListWorkers(), 3, "ceil(5/2)=3 within max")

	// Unchanged demand spawns nothing further.
	require.NoError(t, s.Tick(ctx))
	assert.Len(t, pool.ListWorkers(), 3)
}

func TestTick_ScaleDownWaitsForIdleGrace(t *testing.T) {
	b, q, pool, clock := newFixture(t)
	ctx := context.Background()
	s := scaler.New(b, q, pool, scaler.Policy{
		MinWorkers: 0, MaxWorkers: 3, TasksPerWorker: 1,
		IdleGrace: 120 * time.Second,
	}, scaler.WithClock(clock.Now))

	id, err := q.Create(ctx, queue.CreateSpec{Title: "t"})
	require.NoError(t, err)
	require.NoError(t, s.Tick(ctx))
	require.Len(t, pool.ListWorkers(), 1)

	worker := pool.ListWorkers()[0]
	task, err := q.Claim(ctx, worker.Name, nil)
	require.NoError(t, err)
	require.Equal(t, id, task.ID)

	// Queue shows one leased task; the leaseholder must survive ticks.
	require.NoError(t, s.Tick(ctx))
	assert.Len(t, pool.ListWorkers(), 1)

	require.NoError(t, q.Complete(ctx, id, "done"))

	// Queue empty but grace not yet elapsed.
	require.NoError(t, s.Tick(ctx))
	assert.Len(t, pool.ListWorkers(), 1)

	clock.Advance(121 * time.Second)
	require.NoError(t, s.Tick(ctx))
	assert.Eventually(t, func() bool {
		return pool.GCDeadWorkers(ctx) >= 0 && len(pool.ListWorkers()) == 0
	}, 5*time.Second, 50*time.Millisecond, "idle worker terminated after grace")
}

func TestTick_NeverKillsLeaseholder(t *testing.T) {
	b, q, pool, clock := newFixture(t)
	ctx := context.Background()
	s := scaler.New(b, q, pool, scaler.Policy{
		MinWorkers: 0, MaxWorkers: 2, TasksPerWorker: 1,
		IdleGrace: time.Second,
	}, scaler.WithClock(clock.Now))

	id, err := q.Create(ctx, queue.CreateSpec{Title: "t"})
	require.NoError(t, err)
	require.NoError(t, s.Tick(ctx))
	require.Len(t, pool.ListWorkers(), 1)

	worker := pool.ListWorkers()[0]
	task, err := q.Claim(ctx, worker.Name, nil)
	require.NoError(t, err)
	require.Equal(t, id, task.ID)

	clock.Advance(time.Hour)
	require.NoError(t, s.Tick(ctx))
	assert.Len(t, pool.ListWorkers(), 1, "worker with a lease survives even past grace")
	assert.True(t, pool.ListWorkers()[0].Alive(ctx))
}

package budget_test

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fairyhunter13/agentcoord/internal/adapter/kv/filekv"
	"github.com/fairyhunter13/agentcoord/internal/adapter/kv/rediskv"
	"github.com/fairyhunter13/agentcoord/internal/domain"
	"github.com/fairyhunter13/agentcoord/internal/service/budget"
)

func backends(t *testing.T) map[string]domain.Backend {
	t.Helper()
	mr := miniredis.RunT(t)
	rstore := rediskv.New(redis.NewClient(&redis.Options{Addr: mr.Addr()}))
	t.Cleanup(func() { _ = rstore.Close() })

	fstore, err := filekv.Open(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = fstore.Close() })

	return map[string]domain.Backend{"redis": rstore, "file": fstore}
}

func TestSemaphore_CapAndRelease(t *testing.T) {
	for name, b := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			sem := budget.New(b, 2)

			rel1, err := sem.TryAcquire(ctx)
			require.NoError(t, err)
			rel2, err := sem.TryAcquire(ctx)
			require.NoError(t, err)

			_, err = sem.TryAcquire(ctx)
			assert.ErrorIs(t, err, domain.ErrBudgetExceeded)

			n, err := sem.InFlight(ctx)
			require.NoError(t, err)
			assert.Equal(t, int64(2), n, "failed acquire must not leak a slot")

			rel1()
			rel1() // double release is a no-op
			n, err = sem.InFlight(ctx)
			require.NoError(t, err)
			assert.Equal(t, int64(1), n)

			rel3, err := sem.TryAcquire(ctx)
			require.NoError(t, err)
			rel3()
			rel2()

			n, err = sem.InFlight(ctx)
			require.NoError(t, err)
			assert.Equal(t, int64(0), n)
		})
	}
}

func TestAcquireSlot_BlocksUntilFree(t *testing.T) {
	for name, b := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			sem := budget.New(b, 1)

			rel, err := sem.TryAcquire(ctx)
			require.NoError(t, err)

			go func() {
				time.Sleep(100 * time.Millisecond)
				rel()
			}()

			rel2, err := sem.AcquireSlot(ctx, 5*time.Second)
			require.NoError(t, err, "slot freed while waiting")
			rel2()
		})
	}
}

func TestAcquireSlot_TimesOut(t *testing.T) {
	for name, b := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			sem := budget.New(b, 1)

			rel, err := sem.TryAcquire(ctx)
			require.NoError(t, err)
			defer rel()

			_, err = sem.AcquireSlot(ctx, 150*time.Millisecond)
			assert.ErrorIs(t, err, domain.ErrTimeout)
		})
	}
}

func TestDailyBudget_RefusesNewSlots(t *testing.T) {
	for name, b := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			sem := budget.New(b, 10, budget.WithDailyBudget(1.00))

			require.NoError(t, sem.RecordUsage(ctx, "test-model", "agent-1", 500, 0.40))

			rel, err := sem.TryAcquire(ctx)
			require.NoError(t, err, "under budget")
			rel()

			require.NoError(t, sem.RecordUsage(ctx, "test-model", "agent-1", 800, 0.70))

			_, err = sem.TryAcquire(ctx)
			assert.ErrorIs(t, err, domain.ErrBudgetExceeded)

			// Blocking acquisition fails fast on spend refusal.
			start := time.Now()
			_, err = sem.AcquireSlot(ctx, 5*time.Second)
			assert.ErrorIs(t, err, domain.ErrBudgetExceeded)
			assert.Less(t, time.Since(start), time.Second)
		})
	}
}

func TestAgentBudget_RefusesNewSlots(t *testing.T) {
	for name, b := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			sem := budget.New(b, 10, budget.WithAgentBudget("agent-1", 1.00))

			require.NoError(t, sem.RecordUsage(ctx, "test-model", "agent-1", 500, 1.50))
			// Another agent's spend does not count against agent-1.
			require.NoError(t, sem.RecordUsage(ctx, "test-model", "agent-2", 500, 9.00))

			_, err := sem.TryAcquire(ctx)
			assert.ErrorIs(t, err, domain.ErrBudgetExceeded)

			start := time.Now()
			_, err = sem.AcquireSlot(ctx, 5*time.Second)
			assert.ErrorIs(t, err, domain.ErrBudgetExceeded)
			assert.Less(t, time.Since(start), time.Second)

			other := budget.New(b, 10, budget.WithAgentBudget("agent-2", 100.00))
			rel, err := other.TryAcquire(ctx)
			require.NoError(t, err, "agent-2 is under its own cap")
			rel()
		})
	}
}

func TestAcquireSlot_SurfacesBackendFailure(t *testing.T) {
	ctx := context.Background()
	mr := miniredis.RunT(t)
	b := rediskv.New(redis.NewClient(&redis.Options{Addr: mr.Addr()}))
	defer func() { _ = b.Close() }()

	sem := budget.New(b, 1)
	mr.Close()

	start := time.Now()
	_, err := sem.AcquireSlot(ctx, 5*time.Second)
	require.Error(t, err)
	assert.NotErrorIs(t, err, domain.ErrTimeout, "a dead backend is not an exhausted semaphore")
	assert.Less(t, time.Since(start), time.Second, "backend failure is not retried until the deadline")
}

func TestUsageAccounting(t *testing.T) {
	for name, b := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			sem := budget.New(b, 10)

			require.NoError(t, sem.RecordUsage(ctx, "model-a", "agent-1", 1000, 0.25))
			require.NoError(t, sem.RecordUsage(ctx, "model-a", "agent-2", 2000, 0.50))
			require.NoError(t, sem.RecordUsage(ctx, "model-b", "agent-1", 300, 0.10))

			mu, err := sem.ModelUsage(ctx, "model-a")
			require.NoError(t, err)
			assert.Equal(t, int64(3000), mu.Tokens)
			assert.InDelta(t, 0.75, mu.Dollars, 1e-9)

			au, err := sem.AgentUsage(ctx, "agent-1")
			require.NoError(t, err)
			assert.Equal(t, int64(1300), au.Tokens)
			assert.InDelta(t, 0.35, au.Dollars, 1e-9)

			empty, err := sem.AgentUsage(ctx, "nobody")
			require.NoError(t, err)
			assert.Zero(t, empty.Tokens)
		})
	}
}

package queue_test

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fairyhunter13/agentcoord/internal/adapter/kv/filekv"
	"github.com/fairyhunter13/agentcoord/internal/adapter/kv/rediskv"
	"github.com/fairyhunter13/agentcoord/internal/domain"
	"github.com/fairyhunter13/agentcoord/internal/service/audit"
	"github.com/fairyhunter13/agentcoord/internal/service/queue"
	"github.com/fairyhunter13/agentcoord/internal/service/registry"
)

// Every test runs against both backends; queue behavior must be identical.
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

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)}
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

func TestClaim_PriorityThenAgeOrder(t *testing.T) {
	for name, b := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			clock := newFakeClock()
			q := queue.New(b, nil, queue.WithClock(clock.Now))

			lowOld, err := q.Create(ctx, queue.CreateSpec{Title: "low old", Priority: 1})
			require.NoError(t, err)
			clock.Advance(time.Second)
			highNew, err := q.Create(ctx, queue.CreateSpec{Title: "high new", Priority: 9})
			require.NoError(t, err)
			clock.Advance(time.Second)
			lowNew, err := q.Create(ctx, queue.CreateSpec{Title: "low new", Priority: 1})
			require.NoError(t, err)

			var got []string
			for i := 0; i < 3; i++ {
				task, err := q.Claim(ctx, "agent-1", nil)
				require.NoError(t, err)
				require.NotNil(t, task)
				got = append(got, task.ID)
			}
			assert.Equal(t, []string{highNew, lowOld, lowNew}, got,
				"highest priority first, then oldest within a priority")

			task, err := q.Claim(ctx, "agent-1", nil)
			require.NoError(t, err)
			assert.Nil(t, task, "queue drained")
		})
	}
}

func TestClaim_SingleWinner(t *testing.T) {
	for name, b := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			q := queue.New(b, nil)

			id, err := q.Create(ctx, queue.CreateSpec{Title: "contended"})
			require.NoError(t, err)

			const claimers = 16
			winners := make(chan string, claimers)
			var wg sync.WaitGroup
			for i := 0; i < claimers; i++ {
				wg.Add(1)
				go func(n int) {
					defer wg.Done()
					task, err := q.Claim(ctx, "agent-"+string(rune('a'+n)), nil)
					if err == nil && task != nil {
						winners <- task.ClaimedBy
					}
				}(i)
			}
			wg.Wait()
			close(winners)

			var won []string
			for w := range winners {
				won = append(won, w)
			}
			require.Len(t, won, 1, "exactly one claimer may win")

			task, err := q.Get(ctx, id)
			require.NoError(t, err)
			assert.Equal(t, domain.TaskClaimed, task.Status)
			assert.Equal(t, won[0], task.ClaimedBy)
		})
	}
}

func TestClaim_TagRouting(t *testing.T) {
	for name, b := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			q := queue.New(b, nil)

			tagged, err := q.Create(ctx, queue.CreateSpec{Title: "needs redis", Tags: []string{"go", "redis"}})
			require.NoError(t, err)

			task, err := q.Claim(ctx, "generalist", []string{"go"})
			require.NoError(t, err)
			assert.Nil(t, task, "agent missing a required tag must not claim")

			task, err = q.Claim(ctx, "specialist", []string{"go", "redis", "extra"})
			require.NoError(t, err)
			require.NotNil(t, task)
			assert.Equal(t, tagged, task.ID)

			// Untagged tasks match any agent.
			_, err = q.Create(ctx, queue.CreateSpec{Title: "anyone"})
			require.NoError(t, err)
			task, err = q.Claim(ctx, "generalist", []string{"go"})
			require.NoError(t, err)
			require.NotNil(t, task)
		})
	}
}

func TestDependencies_GateUntilCompleted(t *testing.T) {
	for name, b := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			q := queue.New(b, nil)

			dep, err := q.Create(ctx, queue.CreateSpec{Title: "schema migration"})
			require.NoError(t, err)
			gated, err := q.Create(ctx, queue.CreateSpec{Title: "backfill", DependsOn: []string{dep}})
			require.NoError(t, err)

			task, err := q.Claim(ctx, "agent-1", nil)
			require.NoError(t, err)
			require.NotNil(t, task)
			assert.Equal(t, dep, task.ID, "only the dependency is claimable")

			task, err = q.Claim(ctx, "agent-2", nil)
			require.NoError(t, err)
			assert.Nil(t, task, "gated task must not surface while the dependency is open")

			require.NoError(t, q.Complete(ctx, dep, "done"))

			// Promotion is visible immediately after Complete returns.
			task, err = q.Claim(ctx, "agent-2", nil)
			require.NoError(t, err)
			require.NotNil(t, task)
			assert.Equal(t, gated, task.ID)
		})
	}
}

func TestFail_RetryChainThenEscalate(t *testing.T) {
	for name, b := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			clock := newFakeClock()
			q := queue.New(b, audit.New(b), queue.WithClock(clock.Now))

			events, stop, err := b.Subscribe(ctx, domain.ChannelEscalations)
			require.NoError(t, err)
			defer stop()

			id, err := q.Create(ctx, queue.CreateSpec{
				Title:       "flaky",
				MaxRetries:  2,
				RetryPolicy: domain.RetryExponential,
				RetryDelay:  60 * time.Second,
			})
			require.NoError(t, err)

			failOnce := func(expectDelay time.Duration) string {
				task, err := q.Claim(ctx, "agent-1", nil)
				require.NoError(t, err)
				require.NotNil(t, task)
				require.NoError(t, q.Fail(ctx, task.ID, "boom"))

				failed, err := q.Get(ctx, task.ID)
				require.NoError(t, err)
				assert.Equal(t, domain.TaskFailed, failed.Status)

				clock.Advance(expectDelay + time.Second)
				n, err := q.SweepRetries(ctx)
				require.NoError(t, err)
				require.Equal(t, 1, n, "one retry due after the delay")
				return task.ID
			}

			// First failure: retry 1 after 60s. Second: retry 2 after 120s.
			first := failOnce(60 * time.Second)
			assert.Equal(t, id, first)
			failOnce(120 * time.Second)

			// Third failure exhausts the budget (retry_count 2 == max_retries).
			task, err := q.Claim(ctx, "agent-1", nil)
			require.NoError(t, err)
			require.NotNil(t, task)
			assert.Equal(t, 2, task.RetryCount)
			assert.NotEmpty(t, task.ParentTaskID)
			require.NoError(t, q.Fail(ctx, task.ID, "boom again"))

			final, err := q.Get(ctx, task.ID)
			require.NoError(t, err)
			assert.Equal(t, domain.TaskEscalated, final.Status)
			assert.Contains(t, final.EscalationReason, "retries exhausted")
			require.NotEmpty(t, final.EscalationHistory)

			select {
			case msg := <-events:
				var ev domain.EscalationEvent
				require.NoError(t, json.Unmarshal([]byte(msg.Payload), &ev))
				assert.Equal(t, "task_escalated", ev.EventType)
				assert.Equal(t, task.ID, ev.TaskID)
				assert.Equal(t, 2, ev.RetryCount)
			case <-time.After(5 * time.Second):
				t.Fatal("no escalation event published")
			}
		})
	}
}

func TestFail_PolicyNoneEscalatesImmediately(t *testing.T) {
	for name, b := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			q := queue.New(b, nil)

			id, err := q.Create(ctx, queue.CreateSpec{Title: "one shot", RetryPolicy: domain.RetryNone})
			require.NoError(t, err)

			task, err := q.Claim(ctx, "agent-1", nil)
			require.NoError(t, err)
			require.NotNil(t, task)
			require.NoError(t, q.Fail(ctx, id, "fatal"))

			got, err := q.Get(ctx, id)
			require.NoError(t, err)
			assert.Equal(t, domain.TaskEscalated, got.Status)
		})
	}
}

func TestReclaim_HungAgentLeaseReturns(t *testing.T) {
	for name, b := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			clock := newFakeClock()
			q := queue.New(b, audit.New(b), queue.WithClock(clock.Now))
			reg := registry.New(b, registry.WithClock(clock.Now), registry.WithHungAfter(300*time.Second))

			agentID, err := reg.Register(ctx, registry.RegisterSpec{Role: "engineer", Name: "w1"})
			require.NoError(t, err)

			id, err := q.Create(ctx, queue.CreateSpec{Title: "long job"})
			require.NoError(t, err)
			task, err := q.Claim(ctx, agentID, nil)
			require.NoError(t, err)
			require.Equal(t, id, task.ID)
			require.NoError(t, q.Start(ctx, id))

			// No heartbeat for longer than the threshold.
			clock.Advance(301 * time.Second)
			n, err := q.SweepHungAgents(ctx, reg, 0)
			require.NoError(t, err)
			assert.Equal(t, 1, n)

			got, err := q.Get(ctx, id)
			require.NoError(t, err)
			assert.Equal(t, domain.TaskPending, got.Status)
			assert.Empty(t, got.ClaimedBy)

			agent, err := reg.Get(ctx, agentID)
			require.NoError(t, err)
			assert.Equal(t, domain.AgentHung, agent.Status)

			// Another agent can pick the task up again.
			task, err = q.Claim(ctx, "agent-2", nil)
			require.NoError(t, err)
			require.NotNil(t, task)
			assert.Equal(t, id, task.ID)
		})
	}
}

func TestTransitions_IllegalPaths(t *testing.T) {
	for name, b := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			q := queue.New(b, nil)

			id, err := q.Create(ctx, queue.CreateSpec{Title: "t"})
			require.NoError(t, err)

			err = q.Complete(ctx, id, "r")
			assert.ErrorIs(t, err, domain.ErrIllegalTransition, "pending task cannot complete")
			err = q.Start(ctx, id)
			assert.ErrorIs(t, err, domain.ErrIllegalTransition, "pending task cannot start")

			_, err = q.Claim(ctx, "a", nil)
			require.NoError(t, err)
			require.NoError(t, q.Start(ctx, id))
			require.NoError(t, q.Complete(ctx, id, "r"))

			err = q.Fail(ctx, id, "late")
			assert.ErrorIs(t, err, domain.ErrIllegalTransition, "completed task is frozen")

			_, err = q.Get(ctx, "nope")
			assert.ErrorIs(t, err, domain.ErrUnknownTask)
		})
	}
}

func TestRetryAndArchive_EscalatedTasks(t *testing.T) {
	for name, b := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			q := queue.New(b, nil)

			id, err := q.Create(ctx, queue.CreateSpec{Title: "stuck"})
			require.NoError(t, err)
			require.NoError(t, q.Escalate(ctx, id, "manual escalation"))

			got, err := q.Get(ctx, id)
			require.NoError(t, err)
			require.Equal(t, domain.TaskEscalated, got.Status)

			// Supervisor retry spawns a fresh record with a clean budget.
			childID, err := q.Retry(ctx, id)
			require.NoError(t, err)
			child, err := q.Get(ctx, childID)
			require.NoError(t, err)
			assert.Equal(t, domain.TaskPending, child.Status)
			assert.Equal(t, id, child.ParentTaskID)
			assert.Equal(t, 0, child.RetryCount)

			// Archive only applies to escalated records.
			err = q.Archive(ctx, childID)
			assert.ErrorIs(t, err, domain.ErrIllegalTransition)
			require.NoError(t, q.Archive(ctx, id))

			stats, err := q.QueueStats(ctx)
			require.NoError(t, err)
			assert.Equal(t, int64(1), stats.DLQ)
			assert.Equal(t, int64(0), stats.Escalated)
		})
	}
}

func TestClaimWait_TimesOutOnEmptyQueue(t *testing.T) {
	for name, b := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			q := queue.New(b, nil)

			_, err := q.ClaimWait(ctx, "agent-1", nil, 200*time.Millisecond)
			assert.ErrorIs(t, err, domain.ErrTimeout)
		})
	}
}

func TestClaimWait_SurfacesBackendFailure(t *testing.T) {
	ctx := context.Background()
	mr := miniredis.RunT(t)
	b := rediskv.New(redis.NewClient(&redis.Options{Addr: mr.Addr()}))
	defer func() { _ = b.Close() }()
	q := queue.New(b, nil)

	mr.Close()

	start := time.Now()
	_, err := q.ClaimWait(ctx, "agent-1", nil, 5*time.Second)
	require.Error(t, err)
	assert.NotErrorIs(t, err, domain.ErrTimeout, "a dead backend is not an empty queue")
	assert.Less(t, time.Since(start), time.Second, "backend failure is not retried until the deadline")
}

func TestDependencyGraphAndStats(t *testing.T) {
	for name, b := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			q := queue.New(b, nil)

			a, err := q.Create(ctx, queue.CreateSpec{Title: "a"})
			require.NoError(t, err)
			bID, err := q.Create(ctx, queue.CreateSpec{Title: "b", DependsOn: []string{a}})
			require.NoError(t, err)

			graph, err := q.DependencyGraph(ctx)
			require.NoError(t, err)
			require.Len(t, graph, 2)
			assert.Contains(t, graph[a].Dependents, bID)
			assert.Equal(t, []string{a}, graph[bID].DependsOn)

			stats, err := q.QueueStats(ctx)
			require.NoError(t, err)
			assert.Equal(t, int64(1), stats.Pending, "gated task is not pending-queued yet")

			_, err = q.Claim(ctx, "agent-1", nil)
			require.NoError(t, err)
			stats, err = q.QueueStats(ctx)
			require.NoError(t, err)
			assert.Equal(t, int64(0), stats.Pending)
			assert.Equal(t, int64(1), stats.Leased)
		})
	}
}

package approval_test

import (
	"context"
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
	"github.com/fairyhunter13/agentcoord/internal/service/approval"
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

func TestApprove_QuorumThenFrozen(t *testing.T) {
	for name, b := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			w := approval.New(b, nil)

			id, err := w.Create(ctx, approval.CreateSpec{
				Requestor:    "agent-req",
				ActionType:   "deploy",
				MinApprovals: 2,
			})
			require.NoError(t, err)

			req, err := w.Approve(ctx, id, "alice")
			require.NoError(t, err)
			assert.Equal(t, domain.ApprovalPending, req.Status, "one vote short of quorum")

			// Revote is idempotent, not double-counted.
			req, err = w.Approve(ctx, id, "alice")
			require.NoError(t, err)
			assert.Equal(t, domain.ApprovalPending, req.Status)
			assert.Len(t, req.Approvals, 1)

			req, err = w.Approve(ctx, id, "bob")
			require.NoError(t, err)
			assert.Equal(t, domain.ApprovalApproved, req.Status)
			assert.Equal(t, []string{"alice", "bob"}, req.Approvals)

			// Terminal requests are frozen.
			_, err = w.Reject(ctx, id, "carol")
			assert.ErrorIs(t, err, domain.ErrIllegalTransition)

			pending, err := w.ListPending(ctx)
			require.NoError(t, err)
			assert.Empty(t, pending)
		})
	}
}

// Concurrent grants must both land: a vote is a set add, not a
// read-modify-write of the list, so no approver can erase another's.
func TestApprove_ConcurrentApproversReachQuorum(t *testing.T) {
	for name, b := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			w := approval.New(b, nil)

			id, err := w.Create(ctx, approval.CreateSpec{
				Requestor:    "carol",
				ActionType:   "deploy",
				MinApprovals: 2,
			})
			require.NoError(t, err)

			var wg sync.WaitGroup
			for _, voter := range []string{"alice", "bob"} {
				wg.Add(1)
				go func(v string) {
					defer wg.Done()
					_, err := w.Approve(ctx, id, v)
					if err != nil {
						// A vote landing after the decision is refused.
						assert.ErrorIs(t, err, domain.ErrIllegalTransition)
					}
				}(voter)
			}
			wg.Wait()

			req, err := w.Get(ctx, id)
			require.NoError(t, err)
			assert.Equal(t, domain.ApprovalApproved, req.Status, "both grants must count toward quorum")
		})
	}
}

func TestReject_AnyRejectionIsTerminal(t *testing.T) {
	for name, b := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			w := approval.New(b, nil)

			id, err := w.Create(ctx, approval.CreateSpec{
				Requestor:    "agent-req",
				ActionType:   "spend",
				MinApprovals: 3,
			})
			require.NoError(t, err)

			_, err = w.Approve(ctx, id, "alice")
			require.NoError(t, err)
			req, err := w.Reject(ctx, id, "bob")
			require.NoError(t, err)
			assert.Equal(t, domain.ApprovalRejected, req.Status)

			_, err = w.Approve(ctx, id, "carol")
			assert.ErrorIs(t, err, domain.ErrIllegalTransition)
		})
	}
}

func TestPolicy_DeniedApprover(t *testing.T) {
	for name, b := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			w := approval.New(b, nil, approval.WithPolicy(
				func(_ context.Context, req *domain.ApprovalRequest, approverID string) (bool, error) {
					return approverID != req.Requestor, nil // forbid self-approval
				}))

			id, err := w.Create(ctx, approval.CreateSpec{Requestor: "agent-req", ActionType: "deploy"})
			require.NoError(t, err)

			_, err = w.Approve(ctx, id, "agent-req")
			assert.ErrorIs(t, err, domain.ErrPermissionDenied)

			req, err := w.Approve(ctx, id, "other")
			require.NoError(t, err)
			assert.Equal(t, domain.ApprovalApproved, req.Status)
		})
	}
}

func TestExpiry_DeadlineFlipsToExpired(t *testing.T) {
	for name, b := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			clock := newFakeClock()
			w := approval.New(b, nil, approval.WithClock(clock.Now))

			id, err := w.Create(ctx, approval.CreateSpec{
				Requestor:  "agent-req",
				ActionType: "deploy",
				Timeout:    time.Minute,
			})
			require.NoError(t, err)

			clock.Advance(61 * time.Second)
			req, err := w.Get(ctx, id)
			require.NoError(t, err)
			assert.Equal(t, domain.ApprovalExpired, req.Status)

			_, err = w.Approve(ctx, id, "alice")
			assert.ErrorIs(t, err, domain.ErrIllegalTransition, "expired request admits no votes")
		})
	}
}

func TestWaitForDecision_SeesConcurrentApproval(t *testing.T) {
	for name, b := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			w := approval.New(b, nil)

			id, err := w.Create(ctx, approval.CreateSpec{Requestor: "agent-req", ActionType: "deploy"})
			require.NoError(t, err)

			done := make(chan struct{})
			go func() {
				defer close(done)
				time.Sleep(50 * time.Millisecond)
				_, _ = w.Approve(ctx, id, "alice")
			}()

			status, err := w.WaitForDecision(ctx, id, 10*time.Millisecond, 5*time.Second)
			require.NoError(t, err)
			assert.Equal(t, domain.ApprovalApproved, status)
			<-done
		})
	}
}

func TestWaitForDecision_TimeoutExpires(t *testing.T) {
	for name, b := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			w := approval.New(b, nil)

			id, err := w.Create(ctx, approval.CreateSpec{Requestor: "agent-req", ActionType: "deploy"})
			require.NoError(t, err)

			status, err := w.WaitForDecision(ctx, id, 10*time.Millisecond, 100*time.Millisecond)
			require.NoError(t, err)
			assert.Equal(t, domain.ApprovalExpired, status)
		})
	}
}

func TestGet_Unknown(t *testing.T) {
	for name, b := range backends(t) {
		t.Run(name, func(t *testing.T) {
			w := approval.New(b, nil)
			_, err := w.Get(context.Background(), "nope")
			assert.ErrorIs(t, err, domain.ErrUnknownApproval)
		})
	}
}

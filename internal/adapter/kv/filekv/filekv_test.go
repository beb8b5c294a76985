package filekv

import (
	"context"
	"os"
	"path/filepath"
	"runtime"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fairyhunter13/agentcoord/internal/domain"
	"github.com/fairyhunter13/agentcoord/internal/adapter/kv/kvtest"
)

func newTestStore(t *testing.T) *Store {
	s, err := Open(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestConformance(t *testing.T) {
	kvtest.Run(t, func(t *testing.T) domain.Backend { return newTestStore(t) })
}

func TestOpen_UnwritableDir(t *testing.T) {
	if os.Geteuid() == 0 {
		t.Skip("running as root, permissions are not enforced")
	}
	dir := t.TempDir()
	require.NoError(t, os.Chmod(dir, 0o500))
	t.Cleanup(func() { _ = os.Chmod(dir, 0o755) })

	_, err := Open(filepath.Join(dir, "state"))
	require.ErrorIs(t, err, domain.ErrBackendUnavailable)
}

func TestSet_TTLExpiry(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.Set(ctx, "lock:p", "tok", 30*time.Millisecond))
	_, found, err := s.Get(ctx, "lock:p")
	require.NoError(t, err)
	assert.True(t, found)

	time.Sleep(60 * time.Millisecond)
	_, found, err = s.Get(ctx, "lock:p")
	require.NoError(t, err)
	assert.False(t, found, "expired key must read as absent")

	ok, err := s.SetNX(ctx, "lock:p", "tok2", 0)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestLayout_SubdirRouting(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.HSet(ctx, "task:1", map[string]string{"title": "t"}))
	require.NoError(t, s.HSet(ctx, "agent:1", map[string]string{"name": "a"}))
	require.NoError(t, s.Set(ctx, "lock:src/main.go", "tok", 0))
	_, err := s.XAdd(ctx, "audit:decisions", map[string]string{"kind": "task_claim"})
	require.NoError(t, err)

	for sub, want := range map[string]string{
		"tasks":  "task_1.json",
		"agents": "agent_1.json",
		"locks":  "lock_src_main.go.json",
		"audit":  "audit_decisions.jsonl",
	} {
		_, err := os.Stat(filepath.Join(s.root, sub, want))
		assert.NoError(t, err, "expected %s under %s/", want, sub)
	}
}

func TestHCAS_ConcurrentSingleWinner(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.HSet(ctx, "task:race", map[string]string{"status": "pending"}))

	const claimers = 16
	var wg sync.WaitGroup
	wins := make(chan int, claimers)
	for i := 0; i < claimers; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			ok, err := s.HCAS(ctx, "task:race", "status", "pending", "claimed")
			require.NoError(t, err)
			if ok {
				wins <- n
			}
		}(i)
	}
	wg.Wait()
	close(wins)

	count := 0
	for range wins {
		count++
	}
	assert.Equal(t, 1, count, "exactly one concurrent HCAS may win")
}

func TestKeys_PatternMatch(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.HSet(ctx, "approval:1", map[string]string{"status": "pending"}))
	require.NoError(t, s.HSet(ctx, "approval:2", map[string]string{"status": "approved"}))
	require.NoError(t, s.HSet(ctx, "agent:1", map[string]string{"name": "x"}))

	keys, err := s.Keys(ctx, "approval:*")
	require.NoError(t, err)
	assert.Equal(t, []string{"approval:1", "approval:2"}, keys)
}

func TestSubscribe_StopReleasesWatcher(t *testing.T) {
	s := newTestStore(t)
	// Long-lived ctx: only stop() can end these subscriptions.
	ctx := context.Background()

	before := runtime.NumGoroutine()
	for i := 0; i < 32; i++ {
		ch, stop, err := s.Subscribe(ctx, "channel:test")
		require.NoError(t, err)
		stop()
		stop() // idempotent
		_, open := <-ch
		assert.False(t, open, "stop closes the subscription channel")
	}
	assert.Eventually(t, func() bool {
		return runtime.NumGoroutine() <= before+2
	}, 2*time.Second, 50*time.Millisecond, "watcher goroutines exit on unsubscribe")
}

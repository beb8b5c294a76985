package spawner_test

import (
	"context"
	"runtime"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fairyhunter13/agentcoord/internal/service/spawner"
)

func newProcessSpawner(t *testing.T, args ...string) *spawner.Spawner {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("process runtime test requires a unix sleep binary")
	}
	return spawner.New("redis://localhost:6379/0", t.TempDir(),
		spawner.WithProcessRuntime("/bin/sleep", args...))
}

func TestSpawn_ProcessLifecycle(t *testing.T) {
	ctx := context.Background()
	s := newProcessSpawner(t, "60")

	h, err := s.Spawn(ctx, spawner.Spec{Name: "w1", Tags: []string{"go"}})
	require.NoError(t, err)
	assert.True(t, h.Alive(ctx))
	assert.Equal(t, spawner.ModeProcess, h.Mode)
	assert.NotEmpty(t, h.Ref)

	require.NoError(t, h.Terminate(ctx, 2*time.Second))
	assert.Eventually(t, func() bool { return !h.Alive(ctx) }, 5*time.Second, 50*time.Millisecond)
}

func TestSpawn_UnconfiguredMode(t *testing.T) {
	s := spawner.New("redis://localhost:6379/0", t.TempDir())
	_, err := s.Spawn(context.Background(), spawner.Spec{Mode: spawner.ModeDocker})
	assert.ErrorContains(t, err, "runtime not configured")

	_, err = s.Spawn(context.Background(), spawner.Spec{Mode: spawner.ModeCloud})
	assert.ErrorIs(t, err, spawner.ErrModeUnsupported)
}

func TestGCDeadWorkers(t *testing.T) {
	ctx := context.Background()
	s := newProcessSpawner(t, "0.05")

	_, err := s.Spawn(ctx, spawner.Spec{Name: "short"})
	require.NoError(t, err)
	require.Len(t, s.ListWorkers(), 1)

	assert.Eventually(t, func() bool {
		return s.GCDeadWorkers(ctx) == 1
	}, 5*time.Second, 50*time.Millisecond)
	assert.Empty(t, s.ListWorkers())
}

func TestTerminateAll(t *testing.T) {
	ctx := context.Background()
	s := newProcessSpawner(t, "60")

	for i := 0; i < 3; i++ {
		_, err := s.Spawn(ctx, spawner.Spec{})
		require.NoError(t, err)
	}
	require.Len(t, s.ListWorkers(), 3)

	require.NoError(t, s.TerminateAll(ctx, 2*time.Second))
	assert.Empty(t, s.ListWorkers())
}

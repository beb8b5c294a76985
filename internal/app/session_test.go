package app_test

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fairyhunter13/agentcoord/internal/app"
	"github.com/fairyhunter13/agentcoord/internal/config"
	"github.com/fairyhunter13/agentcoord/internal/domain"
	"github.com/fairyhunter13/agentcoord/internal/service/queue"
	"github.com/fairyhunter13/agentcoord/internal/service/registry"
)

func testConfig(t *testing.T, redisAddr string) config.Config {
	t.Helper()
	return config.Config{
		AppEnv:            "test",
		RedisURL:          "redis://" + redisAddr + "/0",
		FallbackDir:       t.TempDir(),
		HeartbeatInterval: 50 * time.Millisecond,
		HungAfter:         300 * time.Second,
		LockTTL:           time.Minute,
		LLMMaxConcurrent:  5,
	}
}

func TestSession_RedisLifecycle(t *testing.T) {
	ctx := context.Background()
	mr := miniredis.RunT(t)
	cfg := testConfig(t, mr.Addr())

	c, err := app.Session(ctx, cfg, app.SessionSpec{Role: "engineer", Name: "alice"})
	require.NoError(t, err)
	assert.Equal(t, "redis", string(c.Mode))
	require.NoError(t, c.Ready(ctx))

	agent, err := c.Registry().Get(ctx, c.AgentID)
	require.NoError(t, err)
	assert.Equal(t, domain.AgentActive, agent.Status)

	// Heartbeat loop keeps last_heartbeat moving.
	before := agent.LastHeartbeat
	assert.Eventually(t, func() bool {
		a, err := c.Registry().Get(ctx, c.AgentID)
		return err == nil && a.LastHeartbeat.After(before)
	}, 5*time.Second, 20*time.Millisecond)

	// Session services share one backend.
	id, err := c.Queue().Create(ctx, queue.CreateSpec{Title: "wire check"})
	require.NoError(t, err)
	task, err := c.Queue().Claim(ctx, c.AgentID, nil)
	require.NoError(t, err)
	require.NotNil(t, task)
	assert.Equal(t, id, task.ID)

	require.NoError(t, c.Close())
	require.NoError(t, c.Close(), "double close is a no-op")
}

func TestSession_FallbackWhenRedisDown(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig(t, "127.0.0.1:1") // nothing listens here

	c, err := app.Session(ctx, cfg, app.SessionSpec{Role: "engineer", Name: "bob"})
	require.NoError(t, err)
	defer func() { _ = c.Close() }()
	assert.Equal(t, "fallback", string(c.Mode))

	_, err = c.Queue().Create(ctx, queue.CreateSpec{Title: "offline task"})
	require.NoError(t, err, "same API over the file backend")
}

func TestSession_CloseReleasesLocksAndDeregisters(t *testing.T) {
	ctx := context.Background()
	mr := miniredis.RunT(t)
	cfg := testConfig(t, mr.Addr())

	c1, err := app.Session(ctx, cfg, app.SessionSpec{Role: "engineer", Name: "holder"})
	require.NoError(t, err)

	_, err = c1.LockFile(ctx, "src/main.go", "refactor", time.Minute)
	require.NoError(t, err)

	c2, err := app.Session(ctx, cfg, app.SessionSpec{Role: "engineer", Name: "waiter"})
	require.NoError(t, err)
	defer func() { _ = c2.Close() }()

	_, err = c2.LockFile(ctx, "src/main.go", "hotfix", time.Minute)
	assert.ErrorIs(t, err, domain.ErrLockBusy)

	agentID := c1.AgentID
	require.NoError(t, c1.Close())

	// The lock is free and the agent shows terminated.
	_, err = c2.LockFile(ctx, "src/main.go", "hotfix", time.Minute)
	require.NoError(t, err)

	reg := registry.New(c2.Backend())
	agent, err := reg.Get(ctx, agentID)
	require.NoError(t, err)
	assert.Equal(t, domain.AgentTerminated, agent.Status)
}

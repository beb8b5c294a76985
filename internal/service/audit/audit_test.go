package audit_test

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fairyhunter13/agentcoord/internal/adapter/kv/filekv"
	"github.com/fairyhunter13/agentcoord/internal/adapter/kv/rediskv"
	"github.com/fairyhunter13/agentcoord/internal/domain"
	"github.com/fairyhunter13/agentcoord/internal/service/audit"
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

func TestAppendReplay_CursorIsExclusive(t *testing.T) {
	for name, b := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			log := audit.New(b)

			id1, err := log.Append(ctx, domain.AuditEntry{
				AgentID: "agent-1", Kind: domain.AuditTaskClaim, Context: "task-a",
			})
			require.NoError(t, err)
			id2, err := log.Append(ctx, domain.AuditEntry{
				AgentID: "agent-1", Kind: domain.AuditTaskComplete, Context: "task-a",
			})
			require.NoError(t, err)
			id3, err := log.Append(ctx, domain.AuditEntry{
				AgentID: "agent-2", Kind: domain.AuditLockConflict, Context: "src/main.go", Reason: "held by agent-1",
			})
			require.NoError(t, err)
			assert.NotEqual(t, id1, id2)

			all, err := log.Replay(ctx, "", 0)
			require.NoError(t, err)
			require.Len(t, all, 3)
			assert.Equal(t, domain.AuditTaskClaim, all[0].Kind)
			assert.False(t, all[0].Timestamp.IsZero())

			rest, err := log.Replay(ctx, id1, 0)
			require.NoError(t, err)
			require.Len(t, rest, 2)
			assert.Equal(t, id2, rest[0].ID)
			assert.Equal(t, id3, rest[1].ID)

			// Resuming from the last id yields nothing new.
			none, err := log.Replay(ctx, id3, 0)
			require.NoError(t, err)
			assert.Empty(t, none)
		})
	}
}

func TestRecent_ReturnsTail(t *testing.T) {
	for name, b := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			log := audit.New(b)

			for i := 0; i < 5; i++ {
				_, err := log.Append(ctx, domain.AuditEntry{AgentID: "a", Kind: domain.AuditTaskClaim})
				require.NoError(t, err)
			}

			tail, err := log.Recent(ctx, 2)
			require.NoError(t, err)
			require.Len(t, tail, 2)

			all, err := log.Recent(ctx, 0)
			require.NoError(t, err)
			assert.Len(t, all, 5)
		})
	}
}

package queue

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/fairyhunter13/agentcoord/internal/adapter/observability"
	"github.com/fairyhunter13/agentcoord/internal/domain"
)

// SweepRetries moves due retry tasks from tasks:retry into the pending
// queue. Returns how many were promoted.
func (q *Queue) SweepRetries(ctx context.Context) (int, error) {
	now := q.now().UTC()
	due, err := q.backend.ZRangeByScore(ctx, domain.KeyTasksRetry, 0, float64(now.Unix()), 0)
	if err != nil {
		return 0, fmt.Errorf("op=queue.SweepRetries: %w", err)
	}
	promoted := 0
	for _, m := range due {
		task, err := q.Get(ctx, m.Member)
		if err != nil {
			_ = q.backend.ZRem(ctx, domain.KeyTasksRetry, m.Member)
			continue
		}
		ready, err := q.depsCompleted(ctx, task.DependsOn)
		if err != nil {
			return promoted, err
		}
		if ready {
			if err := q.backend.ZAdd(ctx, domain.KeyTasksPending, Score(task.Priority, task.CreatedAt), task.ID); err != nil {
				return promoted, fmt.Errorf("op=queue.SweepRetries task=%s: %w", task.ID, err)
			}
		}
		// Either enqueued now or gated until its dependencies complete, in
		// which case promoteDependents picks it up. Off the retry schedule
		// either way.
		if err := q.backend.ZRem(ctx, domain.KeyTasksRetry, task.ID); err != nil {
			return promoted, fmt.Errorf("op=queue.SweepRetries task=%s: %w", task.ID, err)
		}
		promoted++
	}
	return promoted, nil
}

// RunRetrySweeper promotes due retries on the given interval until ctx is
// cancelled. Errors are logged and the loop continues.
func (q *Queue) RunRetrySweeper(ctx context.Context, interval time.Duration) {
	log := observability.LoggerFromContext(ctx)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := q.SweepRetries(ctx)
			if err != nil {
				log.Error("retry sweep failed", slog.Any("error", err))
				continue
			}
			if n > 0 {
				log.Info("retries promoted", slog.Int("count", n))
			}
		}
	}
}

// ReclaimFromAgent returns every leased task held by agentID to the pending
// queue. The lease is released through the same conditional status write
// that created it, so a task the agent completes concurrently is left
// alone.
func (q *Queue) ReclaimFromAgent(ctx context.Context, agentID string) (int, error) {
	taskIDs, err := q.backend.SMembers(ctx, domain.KeyTasksByAgent+agentID)
	if err != nil {
		return 0, fmt.Errorf("op=queue.ReclaimFromAgent agent=%s: %w", agentID, err)
	}
	reclaimed := 0
	for _, taskID := range taskIDs {
		task, err := q.Get(ctx, taskID)
		if err != nil {
			_ = q.backend.SRem(ctx, domain.KeyTasksByAgent+agentID, taskID)
			continue
		}
		if !task.Status.Leased() || task.ClaimedBy != agentID {
			_ = q.backend.SRem(ctx, domain.KeyTasksByAgent+agentID, taskID)
			continue
		}
		won, err := q.backend.HCAS(ctx, domain.KeyTaskPrefix+taskID, "status",
			string(task.Status), string(domain.TaskPending))
		if err != nil {
			return reclaimed, fmt.Errorf("op=queue.ReclaimFromAgent task=%s: %w", taskID, err)
		}
		if !won {
			_ = q.backend.SRem(ctx, domain.KeyTasksByAgent+agentID, taskID)
			continue
		}
		now := q.now().UTC()
		err = q.backend.HSet(ctx, domain.KeyTaskPrefix+taskID, map[string]string{
			"claimed_by": "",
			"claimed_at": "",
			"updated_at": now.Format(domain.TimeFormat),
		})
		if err != nil {
			return reclaimed, fmt.Errorf("op=queue.ReclaimFromAgent task=%s: %w", taskID, err)
		}
		if err := q.backend.ZAdd(ctx, domain.KeyTasksPending, Score(task.Priority, task.CreatedAt), taskID); err != nil {
			return reclaimed, fmt.Errorf("op=queue.ReclaimFromAgent task=%s: %w", taskID, err)
		}
		_ = q.backend.SRem(ctx, domain.KeyTasksByAgent+agentID, taskID)

		if q.audit != nil {
			_, _ = q.audit.Append(ctx, domain.AuditEntry{
				AgentID: agentID,
				Kind:    domain.AuditHungAgent,
				Context: taskID,
				Reason:  "lease reclaimed from hung agent",
			})
		}
		observability.TasksReclaimedTotal.Inc()
		reclaimed++
	}
	return reclaimed, nil
}

// HungDetector reports agents whose heartbeat is stale. Satisfied by
// registry.Registry.
type HungDetector interface {
	DetectHung(ctx context.Context, threshold time.Duration) ([]string, error)
	MarkHung(ctx context.Context, agentID string) error
}

// SweepHungAgents reclaims leases from every agent the detector reports as
// hung and marks those agents accordingly. A zero threshold uses the
// detector's default.
func (q *Queue) SweepHungAgents(ctx context.Context, detector HungDetector, threshold time.Duration) (int, error) {
	hung, err := detector.DetectHung(ctx, threshold)
	if err != nil {
		return 0, fmt.Errorf("op=queue.SweepHungAgents: %w", err)
	}
	total := 0
	log := observability.LoggerFromContext(ctx)
	for _, agentID := range hung {
		n, err := q.ReclaimFromAgent(ctx, agentID)
		if err != nil {
			return total, err
		}
		if err := detector.MarkHung(ctx, agentID); err != nil {
			log.Error("mark hung failed", slog.String("agent_id", agentID), slog.Any("error", err))
		}
		if n > 0 {
			log.Warn("reclaimed leases from hung agent",
				slog.String("agent_id", agentID),
				slog.Int("count", n))
		}
		total += n
	}
	return total, nil
}

// RunReclaimSweeper runs hung-agent reclamation on the given interval until
// ctx is cancelled.
func (q *Queue) RunReclaimSweeper(ctx context.Context, detector HungDetector, interval time.Duration) {
	log := observability.LoggerFromContext(ctx)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := q.SweepHungAgents(ctx, detector, 0); err != nil {
				log.Error("reclaim sweep failed", slog.Any("error", err))
			}
		}
	}
}

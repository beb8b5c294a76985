// Package scaler sizes the worker pool to the queue. Each tick computes
// the desired worker count from pending depth, spawns up to it, and scales
// down one idle worker at a time when the queue drains. A worker holding a
// lease is never terminated.
package scaler

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/fairyhunter13/agentcoord/internal/adapter/observability"
	"github.com/fairyhunter13/agentcoord/internal/domain"
	"github.com/fairyhunter13/agentcoord/internal/service/queue"
	"github.com/fairyhunter13/agentcoord/internal/service/spawner"
)

// DefaultIdleGrace is how long a worker must sit without a lease before it
// becomes a scale-down candidate.
const DefaultIdleGrace = 120 * time.Second

// Policy is the scaling configuration.
type Policy struct {
	MinWorkers     int
	MaxWorkers     int
	TasksPerWorker int
	Mode           spawner.Mode
	Tags           []string
	IdleGrace      time.Duration
	TerminateGrace time.Duration
}

// Scaler drives the worker pool from queue depth.
type Scaler struct {
	backend domain.Backend
	queue   *queue.Queue
	pool    *spawner.Spawner
	policy  Policy
	now     func() time.Time

	// lastBusy remembers when each handle last held a lease, so idleness is
	// measured from real work, not from process start alone.
	lastBusy map[string]time.Time
}

// Option adjusts scaler construction.
type Option func(*Scaler)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(s *Scaler) { s.now = now }
}

// New builds a scaler.
func New(backend domain.Backend, q *queue.Queue, pool *spawner.Spawner, policy Policy, opts ...Option) *Scaler {
	if policy.TasksPerWorker <= 0 {
		policy.TasksPerWorker = 1
	}
	if policy.IdleGrace <= 0 {
		policy.IdleGrace = DefaultIdleGrace
	}
	if policy.TerminateGrace <= 0 {
		policy.TerminateGrace = 10 * time.Second
	}
	s := &Scaler{
		backend:  backend,
		queue:    q,
		pool:     pool,
		policy:   policy,
		now:      time.Now,
		lastBusy: make(map[string]time.Time),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Desired computes the target pool size for a given workload.
func (s *Scaler) Desired(pending int64) int {
	d := int((pending + int64(s.policy.TasksPerWorker) - 1) / int64(s.policy.TasksPerWorker))
	if d < s.policy.MinWorkers {
		d = s.policy.MinWorkers
	}
	if d > s.policy.MaxWorkers {
		d = s.policy.MaxWorkers
	}
	return d
}

// holdsLease reports whether the worker's agent currently leases any task.
// Workers register with their spawn name as agent id.
func (s *Scaler) holdsLease(ctx context.Context, workerName string) (bool, error) {
	members, err := s.backend.SMembers(ctx, domain.KeyTasksByAgent+workerName)
	if err != nil {
		return false, fmt.Errorf("op=scaler.holdsLease worker=%s: %w", workerName, err)
	}
	return len(members) > 0, nil
}

// Tick runs one scaling decision.
func (s *Scaler) Tick(ctx context.Context) error {
	log := observability.LoggerFromContext(ctx)
	s.pool.GCDeadWorkers(ctx)

	stats, err := s.queue.QueueStats(ctx)
	if err != nil {
		return fmt.Errorf("op=scaler.Tick: %w", err)
	}
	workload := stats.Pending + stats.Leased
	workers := s.pool.ListWorkers()
	desired := s.Desired(workload)

	switch {
	case desired > len(workers):
		for i := len(workers); i < desired; i++ {
			_, err := s.pool.Spawn(ctx, spawner.Spec{
				Mode: s.policy.Mode,
				Tags: s.policy.Tags,
			})
			if err != nil {
				return fmt.Errorf("op=scaler.Tick: %w", err)
			}
		}
		log.Info("scaled up",
			slog.Int("from", len(workers)),
			slog.Int("to", desired),
			slog.Int64("workload", workload))

	case desired < len(workers) && workload == 0:
		// One worker per tick, oldest idle first.
		for _, h := range workers {
			busy, err := s.holdsLease(ctx, h.Name)
			if err != nil {
				return err
			}
			if busy {
				s.lastBusy[h.ID] = s.now()
				continue
			}
			idleSince := h.StartedAt
			if t, ok := s.lastBusy[h.ID]; ok && t.After(idleSince) {
				idleSince = t
			}
			if s.now().Sub(idleSince) < s.policy.IdleGrace {
				continue
			}
			if err := h.Terminate(ctx, s.policy.TerminateGrace); err != nil {
				return fmt.Errorf("op=scaler.Tick worker=%s: %w", h.Name, err)
			}
			delete(s.lastBusy, h.ID)
			log.Info("scaled down", slog.String("worker", h.Name))
			break
		}

	default:
		// Holding steady; keep the busy map fresh for idle accounting.
		for _, h := range workers {
			if busy, err := s.holdsLease(ctx, h.Name); err == nil && busy {
				s.lastBusy[h.ID] = s.now()
			}
		}
	}
	return nil
}

// Run ticks on the given interval until ctx is cancelled. Errors are logged
// and the loop continues.
func (s *Scaler) Run(ctx context.Context, interval time.Duration) {
	log := observability.LoggerFromContext(ctx)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.Tick(ctx); err != nil {
				log.Error("scaler tick failed", slog.Any("error", err))
			}
		}
	}
}

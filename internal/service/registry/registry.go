// Package registry manages agent records, heartbeats and liveness. An agent
// whose last heartbeat is older than the hung threshold is reported as hung
// by every reader, regardless of its stored status.
package registry

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/fairyhunter13/agentcoord/internal/adapter/observability"
	"github.com/fairyhunter13/agentcoord/internal/domain"
)

// DefaultHungAfter is how stale a heartbeat may be before readers treat the
// agent as hung.
const DefaultHungAfter = 300 * time.Second

// Registry is the agent registry over a KV backend.
type Registry struct {
	backend   domain.Backend
	hungAfter time.Duration
	now       func() time.Time
}

// Option adjusts registry construction.
type Option func(*Registry)

// WithHungAfter overrides the hung threshold.
func WithHungAfter(d time.Duration) Option {
	return func(r *Registry) {
		if d > 0 {
			r.hungAfter = d
		}
	}
}

// WithClock overrides the time source; tests use it to age heartbeats.
func WithClock(now func() time.Time) Option {
	return func(r *Registry) { r.now = now }
}

// New builds a registry.
func New(backend domain.Backend, opts ...Option) *Registry {
	r := &Registry{backend: backend, hungAfter: DefaultHungAfter, now: time.Now}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// RegisterSpec describes a new agent.
type RegisterSpec struct {
	Role         string `validate:"required"`
	Name         string `validate:"required"`
	WorkingOn    string
	Capabilities []string
	// ID pins the agent id; when empty a new UUID is allocated. Registering
	// the same id again is idempotent.
	ID string
}

// Register writes the agent record and returns its id.
func (r *Registry) Register(ctx context.Context, spec RegisterSpec) (string, error) {
	id := spec.ID
	if id == "" {
		id = uuid.NewString()
	}
	now := r.now().UTC()
	agent := &domain.Agent{
		ID:            id,
		Name:          spec.Name,
		Role:          spec.Role,
		WorkingOn:     spec.WorkingOn,
		Capabilities:  spec.Capabilities,
		RegisteredAt:  now,
		LastHeartbeat: now,
		Status:        domain.AgentActive,
	}
	if err := r.backend.HSet(ctx, domain.KeyAgentPrefix+id, domain.AgentToHash(agent)); err != nil {
		return "", fmt.Errorf("op=registry.Register agent=%s: %w", id, err)
	}
	if err := r.backend.SAdd(ctx, domain.KeyAgentsIndex, id); err != nil {
		return "", fmt.Errorf("op=registry.Register agent=%s: %w", id, err)
	}
	if err := r.backend.ZAdd(ctx, domain.KeyHeartbeats, float64(now.Unix()), id); err != nil {
		return "", fmt.Errorf("op=registry.Register agent=%s: %w", id, err)
	}
	observability.LoggerFromContext(ctx).Info("agent registered",
		slog.String("agent_id", id),
		slog.String("role", spec.Role),
		slog.String("name", spec.Name))
	return id, nil
}

// Heartbeat refreshes last_heartbeat and optionally working_on. Only the
// owning agent should call this for its own record.
func (r *Registry) Heartbeat(ctx context.Context, agentID, workingOn string) error {
	key := domain.KeyAgentPrefix + agentID
	rec, err := r.backend.HGetAll(ctx, key)
	if err != nil {
		return fmt.Errorf("op=registry.Heartbeat agent=%s: %w", agentID, err)
	}
	if len(rec) == 0 {
		return fmt.Errorf("op=registry.Heartbeat agent=%s: %w", agentID, domain.ErrUnknownAgent)
	}
	now := r.now().UTC()
	fields := map[string]string{"last_heartbeat": now.Format(domain.TimeFormat)}
	if workingOn != "" {
		fields["working_on"] = workingOn
	}
	if err := r.backend.HSet(ctx, key, fields); err != nil {
		return fmt.Errorf("op=registry.Heartbeat agent=%s: %w", agentID, err)
	}
	if err := r.backend.ZAdd(ctx, domain.KeyHeartbeats, float64(now.Unix()), agentID); err != nil {
		return fmt.Errorf("op=registry.Heartbeat agent=%s: %w", agentID, err)
	}
	return nil
}

// Get returns one agent with its computed status.
func (r *Registry) Get(ctx context.Context, agentID string) (*domain.Agent, error) {
	rec, err := r.backend.HGetAll(ctx, domain.KeyAgentPrefix+agentID)
	if err != nil {
		return nil, fmt.Errorf("op=registry.Get agent=%s: %w", agentID, err)
	}
	if len(rec) == 0 {
		return nil, fmt.Errorf("op=registry.Get agent=%s: %w", agentID, domain.ErrUnknownAgent)
	}
	agent := domain.AgentFromHash(rec)
	r.computeStatus(agent)
	return agent, nil
}

// ListAgents returns every known agent with computed status, sorted by
// registration time.
func (r *Registry) ListAgents(ctx context.Context) ([]*domain.Agent, error) {
	ids, err := r.backend.SMembers(ctx, domain.KeyAgentsIndex)
	if err != nil {
		return nil, fmt.Errorf("op=registry.ListAgents: %w", err)
	}
	agents := make([]*domain.Agent, 0, len(ids))
	live := 0
	for _, id := range ids {
		rec, err := r.backend.HGetAll(ctx, domain.KeyAgentPrefix+id)
		if err != nil {
			return nil, fmt.Errorf("op=registry.ListAgents agent=%s: %w", id, err)
		}
		if len(rec) == 0 {
			continue
		}
		agent := domain.AgentFromHash(rec)
		r.computeStatus(agent)
		if agent.Status == domain.AgentActive || agent.Status == domain.AgentIdle {
			live++
		}
		agents = append(agents, agent)
	}
	sort.Slice(agents, func(i, j int) bool { return agents[i].RegisteredAt.Before(agents[j].RegisteredAt) })
	observability.AgentsLive.Set(float64(live))
	return agents, nil
}

// DetectHung returns the ids of agents whose heartbeat is older than the
// threshold; zero threshold uses the registry default.
func (r *Registry) DetectHung(ctx context.Context, threshold time.Duration) ([]string, error) {
	if threshold <= 0 {
		threshold = r.hungAfter
	}
	cutoff := float64(r.now().Add(-threshold).Unix())
	ms, err := r.backend.ZRangeByScore(ctx, domain.KeyHeartbeats, 0, cutoff, 0)
	if err != nil {
		return nil, fmt.Errorf("op=registry.DetectHung: %w", err)
	}
	var ids []string
	for _, m := range ms {
		// Terminated agents keep their index entry for audit; skip them.
		status, _, err := r.backend.HGet(ctx, domain.KeyAgentPrefix+m.Member, "status")
		if err != nil {
			return nil, fmt.Errorf("op=registry.DetectHung agent=%s: %w", m.Member, err)
		}
		if domain.AgentStatus(status) == domain.AgentTerminated {
			continue
		}
		ids = append(ids, m.Member)
	}
	return ids, nil
}

// MarkHung stores the hung status on the agent record. Readers already
// compute hung from heartbeat age; the stored value makes the state visible
// to plain KV inspection.
func (r *Registry) MarkHung(ctx context.Context, agentID string) error {
	status, found, err := r.backend.HGet(ctx, domain.KeyAgentPrefix+agentID, "status")
	if err != nil {
		return fmt.Errorf("op=registry.MarkHung agent=%s: %w", agentID, err)
	}
	if !found {
		return fmt.Errorf("op=registry.MarkHung agent=%s: %w", agentID, domain.ErrUnknownAgent)
	}
	if domain.AgentStatus(status) == domain.AgentTerminated {
		return nil
	}
	if err := r.backend.HSet(ctx, domain.KeyAgentPrefix+agentID, map[string]string{
		"status": string(domain.AgentHung),
	}); err != nil {
		return fmt.Errorf("op=registry.MarkHung agent=%s: %w", agentID, err)
	}
	return nil
}

// Deregister marks the agent terminated. The record is retained for audit;
// the heartbeat entry is dropped so sweeps stop considering it.
func (r *Registry) Deregister(ctx context.Context, agentID string) error {
	key := domain.KeyAgentPrefix + agentID
	rec, err := r.backend.HGetAll(ctx, key)
	if err != nil {
		return fmt.Errorf("op=registry.Deregister agent=%s: %w", agentID, err)
	}
	if len(rec) == 0 {
		return fmt.Errorf("op=registry.Deregister agent=%s: %w", agentID, domain.ErrUnknownAgent)
	}
	if err := r.backend.HSet(ctx, key, map[string]string{"status": string(domain.AgentTerminated)}); err != nil {
		return fmt.Errorf("op=registry.Deregister agent=%s: %w", agentID, err)
	}
	if err := r.backend.ZRem(ctx, domain.KeyHeartbeats, agentID); err != nil {
		return fmt.Errorf("op=registry.Deregister agent=%s: %w", agentID, err)
	}
	observability.LoggerFromContext(ctx).Info("agent deregistered", slog.String("agent_id", agentID))
	return nil
}

// RunHeartbeat beats on the given cadence until ctx is cancelled. Transient
// failures are logged and the loop continues.
func (r *Registry) RunHeartbeat(ctx context.Context, agentID string, interval time.Duration) {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	lg := observability.LoggerFromContext(ctx)
	for {
		select {
		case <-ctx.Done():
			lg.Debug("heartbeat loop stopping", slog.String("agent_id", agentID))
			return
		case <-ticker.C:
			if err := r.Heartbeat(ctx, agentID, ""); err != nil {
				lg.Error("heartbeat failed",
					slog.String("agent_id", agentID),
					slog.Any("error", err))
			}
		}
	}
}

func (r *Registry) computeStatus(agent *domain.Agent) {
	if agent.Status == domain.AgentTerminated {
		return
	}
	if r.now().Sub(agent.LastHeartbeat) > r.hungAfter {
		agent.Status = domain.AgentHung
	}
}

// HeartbeatAge is a small helper for CLI layers: seconds since the agent
// last beat, as a display string.
func HeartbeatAge(agent *domain.Agent, now time.Time) string {
	return strconv.FormatInt(int64(now.Sub(agent.LastHeartbeat).Seconds()), 10) + "s"
}

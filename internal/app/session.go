// Package app is the coordination client façade: one scoped session that
// bundles backend selection, agent registration, a background heartbeat and
// handles to every subsystem. Closing the session undoes what opening did,
// on every exit path.
package app

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/fairyhunter13/agentcoord/internal/adapter/kv"
	"github.com/fairyhunter13/agentcoord/internal/adapter/observability"
	"github.com/fairyhunter13/agentcoord/internal/config"
	"github.com/fairyhunter13/agentcoord/internal/domain"
	"github.com/fairyhunter13/agentcoord/internal/service/approval"
	"github.com/fairyhunter13/agentcoord/internal/service/audit"
	"github.com/fairyhunter13/agentcoord/internal/service/board"
	"github.com/fairyhunter13/agentcoord/internal/service/budget"
	"github.com/fairyhunter13/agentcoord/internal/service/locks"
	"github.com/fairyhunter13/agentcoord/internal/service/queue"
	"github.com/fairyhunter13/agentcoord/internal/service/registry"
)

// SessionSpec identifies the agent this session acts as.
type SessionSpec struct {
	Role         string
	Name         string
	WorkingOn    string
	Capabilities []string
	// AgentID pins the id; workers use their spawn name so leases are
	// attributable. Empty allocates a fresh UUID.
	AgentID string
}

// Client is a live coordination session.
type Client struct {
	AgentID string
	Mode    kv.Mode

	backend   domain.Backend
	registry  *registry.Registry
	queue     *queue.Queue
	locks     *locks.Manager
	approvals *approval.Workflow
	board     *board.Board
	audit     *audit.Log
	budget    *budget.Semaphore

	cancelHeartbeat context.CancelFunc
	heartbeatDone   chan struct{}

	mu        sync.Mutex
	heldLocks map[string]string // path -> token
	closed    bool
}

// Session dials the backend, registers the agent and starts heartbeating.
func Session(ctx context.Context, cfg config.Config, spec SessionSpec) (*Client, error) {
	backend, mode, err := kv.Dial(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("op=app.Session: %w", err)
	}

	auditLog := audit.New(backend)
	reg := registry.New(backend, registry.WithHungAfter(cfg.HungAfter))
	agentID, err := reg.Register(ctx, registry.RegisterSpec{
		Role:         spec.Role,
		Name:         spec.Name,
		WorkingOn:    spec.WorkingOn,
		Capabilities: spec.Capabilities,
		ID:           spec.AgentID,
	})
	if err != nil {
		_ = backend.Close()
		return nil, fmt.Errorf("op=app.Session: %w", err)
	}

	c := &Client{
		AgentID:   agentID,
		Mode:      mode,
		backend:   backend,
		registry:  reg,
		queue:     queue.New(backend, auditLog),
		locks:     locks.New(backend, auditLog, agentID, cfg.LockTTL),
		approvals: approval.New(backend, auditLog),
		board:     board.New(backend),
		audit:     auditLog,
		budget: budget.New(backend, cfg.LLMMaxConcurrent,
			budget.WithDailyBudget(cfg.LLMDailyBudget),
			budget.WithAgentBudget(agentID, cfg.LLMPerAgentBudget)),
		heldLocks: make(map[string]string),
	}

	hbCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	c.cancelHeartbeat = cancel
	c.heartbeatDone = make(chan struct{})
	go func() {
		defer close(c.heartbeatDone)
		reg.RunHeartbeat(hbCtx, agentID, cfg.HeartbeatInterval)
	}()

	observability.LoggerFromContext(ctx).Info("session opened",
		slog.String("agent_id", agentID),
		slog.String("backend", string(mode)),
		slog.String("role", spec.Role))
	return c, nil
}

// Backend exposes the raw KV for subscriptions and diagnostics.
func (c *Client) Backend() domain.Backend { return c.backend }

// Registry is the agent registry handle.
func (c *Client) Registry() *registry.Registry { return c.registry }

// Queue is the task queue handle.
func (c *Client) Queue() *queue.Queue { return c.queue }

// Approvals is the approval workflow handle.
func (c *Client) Approvals() *approval.Workflow { return c.approvals }

// Board is the message board handle.
func (c *Client) Board() *board.Board { return c.board }

// Audit is the decision log handle.
func (c *Client) Audit() *audit.Log { return c.audit }

// Budget is the LLM budget semaphore handle.
func (c *Client) Budget() *budget.Semaphore { return c.budget }

// LockFile acquires a file lock on behalf of this session. Locks still held
// at Close are released automatically.
func (c *Client) LockFile(ctx context.Context, path, intent string, ttl time.Duration) (string, error) {
	token, err := c.locks.Acquire(ctx, path, intent, ttl)
	if err != nil {
		return "", err
	}
	c.mu.Lock()
	c.heldLocks[path] = token
	c.mu.Unlock()
	return token, nil
}

// ExtendLock pushes a session lock's expiry out.
func (c *Client) ExtendLock(ctx context.Context, path, token string, additional time.Duration) error {
	return c.locks.Extend(ctx, path, token, additional)
}

// ReleaseFile releases a lock taken through this session.
func (c *Client) ReleaseFile(ctx context.Context, path, token string) error {
	if err := c.locks.Release(ctx, path, token); err != nil {
		return err
	}
	c.mu.Lock()
	delete(c.heldLocks, path)
	c.mu.Unlock()
	return nil
}

// WithLock runs fn under a session lock, releasing on every exit path.
func (c *Client) WithLock(ctx context.Context, path, intent string, fn func(ctx context.Context) error) error {
	return c.locks.WithLock(ctx, path, intent, fn)
}

// ListLocks returns every live lock in the system, not only this session's.
func (c *Client) ListLocks(ctx context.Context) ([]*domain.FileLock, error) {
	return c.locks.List(ctx)
}

// Close stops the heartbeat, releases session-held locks, deregisters the
// agent and closes the backend. Safe to call more than once.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	held := make(map[string]string, len(c.heldLocks))
	for p, t := range c.heldLocks {
		held[p] = t
	}
	c.heldLocks = make(map[string]string)
	c.mu.Unlock()

	c.cancelHeartbeat()
	<-c.heartbeatDone

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	var firstErr error
	for path, token := range held {
		if err := c.locks.Release(ctx, path, token); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if err := c.registry.Deregister(ctx, c.AgentID); err != nil && firstErr == nil {
		firstErr = err
	}
	if err := c.backend.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}

// Ready reports whether the backend answers; binaries use it for readiness
// probes.
func (c *Client) Ready(ctx context.Context) error {
	if err := c.backend.Ping(ctx); err != nil {
		return fmt.Errorf("op=app.Ready: %w", domain.ErrBackendUnavailable)
	}
	return nil
}

// Package budget enforces the cap on concurrent outbound LLM calls and
// tracks spend per model and agent. The semaphore is a shared counter:
// acquisition increments then double-checks the cap, backing out on
// overshoot, so two racing processes never both slip past the limit.
package budget

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/fairyhunter13/agentcoord/internal/domain"
)

// DefaultMaxConcurrent caps in-flight calls when no limit is configured.
const DefaultMaxConcurrent = 10

// errDailySpend and errAgentSpend mark refusals that will not clear by
// waiting, so blocking acquisition gives up instead of retrying them.
var (
	errDailySpend = fmt.Errorf("daily spend cap reached: %w", domain.ErrBudgetExceeded)
	errAgentSpend = fmt.Errorf("agent spend cap reached: %w", domain.ErrBudgetExceeded)
)

func spendCapped(err error) bool {
	return errors.Is(err, errDailySpend) || errors.Is(err, errAgentSpend)
}

// Semaphore is the LLM budget gate over a KV backend.
type Semaphore struct {
	backend        domain.Backend
	maxConcurrent  int
	dailyBudget    float64 // dollars; 0 disables the check
	agentID        string
	perAgentBudget float64 // dollars; 0 disables the check
	now            func() time.Time
}

// Option adjusts semaphore construction.
type Option func(*Semaphore)

// WithDailyBudget enables the dollar cap; acquisition fails once the day's
// spend reaches it. A call already in flight is never interrupted.
func WithDailyBudget(dollars float64) Option {
	return func(s *Semaphore) { s.dailyBudget = dollars }
}

// WithAgentBudget caps cumulative spend attributed to one agent; the
// semaphore then refuses that agent's acquisitions past the cap.
func WithAgentBudget(agentID string, dollars float64) Option {
	return func(s *Semaphore) {
		s.agentID = agentID
		s.perAgentBudget = dollars
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(s *Semaphore) { s.now = now }
}

// New builds a semaphore with the given concurrency cap.
func New(backend domain.Backend, maxConcurrent int, opts ...Option) *Semaphore {
	if maxConcurrent <= 0 {
		maxConcurrent = DefaultMaxConcurrent
	}
	s := &Semaphore{backend: backend, maxConcurrent: maxConcurrent, now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Semaphore) dailyKey() string {
	return domain.KeyLLMDollars + "daily:" + s.now().UTC().Format("2006-01-02")
}

// TryAcquire takes one slot without blocking. ErrBudgetExceeded means the
// concurrency cap or a spend cap refused.
func (s *Semaphore) TryAcquire(ctx context.Context) (release func(), err error) {
	if s.dailyBudget > 0 {
		spent, found, err := s.backend.Get(ctx, s.dailyKey())
		if err != nil {
			return nil, fmt.Errorf("op=budget.TryAcquire: %w", err)
		}
		if found {
			if f, err := strconv.ParseFloat(spent, 64); err == nil && f >= s.dailyBudget {
				return nil, fmt.Errorf("op=budget.TryAcquire spent=%.2f budget=%.2f: %w",
					f, s.dailyBudget, errDailySpend)
			}
		}
	}
	if s.perAgentBudget > 0 && s.agentID != "" {
		u, err := s.AgentUsage(ctx, s.agentID)
		if err != nil {
			return nil, err
		}
		if u.Dollars >= s.perAgentBudget {
			return nil, fmt.Errorf("op=budget.TryAcquire agent=%s spent=%.2f budget=%.2f: %w",
				s.agentID, u.Dollars, s.perAgentBudget, errAgentSpend)
		}
	}

	n, err := s.backend.Incr(ctx, domain.KeyLLMSemaphore)
	if err != nil {
		return nil, fmt.Errorf("op=budget.TryAcquire: %w", err)
	}
	if n > int64(s.maxConcurrent) {
		// Overshot the cap; back out.
		if _, derr := s.backend.Decr(ctx, domain.KeyLLMSemaphore); derr != nil {
			return nil, fmt.Errorf("op=budget.TryAcquire rollback: %w", derr)
		}
		return nil, fmt.Errorf("op=budget.TryAcquire inflight=%d cap=%d: %w",
			n-1, s.maxConcurrent, domain.ErrBudgetExceeded)
	}
	released := false
	return func() {
		if released {
			return
		}
		released = true
		rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		_, _ = s.backend.Decr(rctx, domain.KeyLLMSemaphore)
	}, nil
}

// AcquireSlot blocks until a slot frees or timeout elapses (ErrTimeout).
// Spend caps are not waited out and backend failures are returned as-is;
// only the full-semaphore case is retried.
func (s *Semaphore) AcquireSlot(ctx context.Context, timeout time.Duration) (release func(), err error) {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 50 * time.Millisecond
	bo.MaxInterval = time.Second
	bo.MaxElapsedTime = timeout

	var rel func()
	err = backoff.Retry(func() error {
		r, err := s.TryAcquire(ctx)
		if err != nil {
			if spendCapped(err) || !errors.Is(err, domain.ErrBudgetExceeded) {
				return backoff.Permanent(err)
			}
			return err
		}
		rel = r
		return nil
	}, backoff.WithContext(bo, ctx))
	if err != nil {
		if errors.Is(err, domain.ErrBudgetExceeded) && !spendCapped(err) {
			return nil, fmt.Errorf("op=budget.AcquireSlot: %w", domain.ErrTimeout)
		}
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
			return nil, fmt.Errorf("op=budget.AcquireSlot: %w", domain.ErrTimeout)
		}
		return nil, err
	}
	return rel, nil
}

// InFlight reports the current slot count.
func (s *Semaphore) InFlight(ctx context.Context) (int64, error) {
	v, found, err := s.backend.Get(ctx, domain.KeyLLMSemaphore)
	if err != nil {
		return 0, fmt.Errorf("op=budget.InFlight: %w", err)
	}
	if !found {
		return 0, nil
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("op=budget.InFlight: %w", err)
	}
	return n, nil
}

// RecordUsage adds tokens and dollars to the per-model, per-agent and daily
// counters.
func (s *Semaphore) RecordUsage(ctx context.Context, model, agentID string, tokens int64, dollars float64) error {
	if _, err := s.backend.IncrBy(ctx, domain.KeyLLMTokens+model, tokens); err != nil {
		return fmt.Errorf("op=budget.RecordUsage model=%s: %w", model, err)
	}
	if _, err := s.backend.IncrByFloat(ctx, domain.KeyLLMDollars+model, dollars); err != nil {
		return fmt.Errorf("op=budget.RecordUsage model=%s: %w", model, err)
	}
	if _, err := s.backend.IncrByFloat(ctx, s.dailyKey(), dollars); err != nil {
		return fmt.Errorf("op=budget.RecordUsage: %w", err)
	}
	if agentID != "" {
		key := domain.KeyLLMByAgent + agentID
		if _, err := s.backend.HIncrBy(ctx, key, "tokens", tokens); err != nil {
			return fmt.Errorf("op=budget.RecordUsage agent=%s: %w", agentID, err)
		}
		if _, err := s.backend.HIncrByFloat(ctx, key, "dollars", dollars); err != nil {
			return fmt.Errorf("op=budget.RecordUsage agent=%s: %w", agentID, err)
		}
	}
	return nil
}

// Usage is a spend summary for one model or agent.
type Usage struct {
	Tokens  int64
	Dollars float64
}

// ModelUsage returns cumulative spend for a model.
func (s *Semaphore) ModelUsage(ctx context.Context, model string) (Usage, error) {
	var u Usage
	if v, found, err := s.backend.Get(ctx, domain.KeyLLMTokens+model); err != nil {
		return u, fmt.Errorf("op=budget.ModelUsage model=%s: %w", model, err)
	} else if found {
		u.Tokens, _ = strconv.ParseInt(v, 10, 64)
	}
	if v, found, err := s.backend.Get(ctx, domain.KeyLLMDollars+model); err != nil {
		return u, fmt.Errorf("op=budget.ModelUsage model=%s: %w", model, err)
	} else if found {
		u.Dollars, _ = strconv.ParseFloat(v, 64)
	}
	return u, nil
}

// AgentUsage returns cumulative spend attributed to an agent.
func (s *Semaphore) AgentUsage(ctx context.Context, agentID string) (Usage, error) {
	rec, err := s.backend.HGetAll(ctx, domain.KeyLLMByAgent+agentID)
	if err != nil {
		return Usage{}, fmt.Errorf("op=budget.AgentUsage agent=%s: %w", agentID, err)
	}
	var u Usage
	u.Tokens, _ = strconv.ParseInt(rec["tokens"], 10, 64)
	u.Dollars, _ = strconv.ParseFloat(rec["dollars"], 64)
	return u, nil
}

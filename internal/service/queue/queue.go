// Package queue is the shared task queue: priority ordering, dependency
// gating, atomic claiming, retry scheduling and escalation.
//
// The single-winner property of Claim rests on one conditional write: the
// status hash field flips pending -> claimed through Backend.HCAS, which is
// server-side Lua on Redis and an exclusive-file-lock read-modify-write on
// the fallback. Everything after that write is bookkeeping only the winner
// performs; readers double-check status and dependency readiness, so stale
// zset members are harmless.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"strconv"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/fairyhunter13/agentcoord/internal/adapter/observability"
	"github.com/fairyhunter13/agentcoord/internal/domain"
)

const (
	// DefaultMaxRetries bounds automatic rescheduling before escalation.
	DefaultMaxRetries = 3
	// DefaultRetryDelay is the base used by linear/exponential policies.
	DefaultRetryDelay = 60 * time.Second
	// maxRetryDelay caps exponential growth.
	maxRetryDelay = 3600 * time.Second

	// inverseEpoch is 2^53; scores encode priority then age so that higher
	// priority, then older creation, sorts first under a descending scan.
	inverseEpoch = float64(1 << 53)
)

// Queue operates the shared task state through a KV backend.
type Queue struct {
	backend  domain.Backend
	audit    domain.AuditLog
	validate *validator.Validate
	now      func() time.Time
}

// Option adjusts queue construction.
type Option func(*Queue)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(q *Queue) { q.now = now }
}

// New builds a queue handle. audit may be nil.
func New(backend domain.Backend, audit domain.AuditLog, opts ...Option) *Queue {
	q := &Queue{
		backend:  backend,
		audit:    audit,
		validate: validator.New(),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

// Score computes the pending-queue score for a priority and creation time.
func Score(priority int, createdAt time.Time) float64 {
	return float64(priority)*1e9 + (inverseEpoch - float64(createdAt.UnixMilli()))
}

// CreateSpec describes a new task.
type CreateSpec struct {
	Title       string `validate:"required"`
	Description string
	Priority    int
	Tags        []string
	DependsOn   []string
	RetryPolicy domain.RetryPolicy `validate:"omitempty,oneof=none linear exponential"`
	MaxRetries  int                `validate:"gte=0"`
	RetryDelay  time.Duration
	Metadata    map[string]string
}

// Create writes the task. Tasks without dependencies enter the pending
// queue at once; gated tasks enter lazily when their last dependency
// completes.
func (q *Queue) Create(ctx context.Context, spec CreateSpec) (string, error) {
	if err := q.validate.Struct(spec); err != nil {
		return "", fmt.Errorf("op=queue.Create: %w", err)
	}
	if spec.RetryPolicy == "" {
		spec.RetryPolicy = domain.RetryExponential
	}
	if spec.MaxRetries == 0 {
		spec.MaxRetries = DefaultMaxRetries
	}
	if spec.RetryDelay <= 0 {
		spec.RetryDelay = DefaultRetryDelay
	}

	now := q.now().UTC()
	task := &domain.Task{
		ID:          uuid.NewString(),
		Title:       spec.Title,
		Description: spec.Description,
		Priority:    spec.Priority,
		Tags:        spec.Tags,
		Status:      domain.TaskPending,
		CreatedAt:   now,
		UpdatedAt:   now,
		DependsOn:   spec.DependsOn,
		MaxRetries:  spec.MaxRetries,
		RetryPolicy: spec.RetryPolicy,
		RetryDelay:  spec.RetryDelay,
		Metadata:    spec.Metadata,
	}
	return q.insert(ctx, task)
}

func (q *Queue) insert(ctx context.Context, task *domain.Task) (string, error) {
	if err := q.backend.HSet(ctx, domain.KeyTaskPrefix+task.ID, domain.TaskToHash(task)); err != nil {
		return "", fmt.Errorf("op=queue.insert task=%s: %w", task.ID, err)
	}
	for _, dep := range task.DependsOn {
		if err := q.backend.SAdd(ctx, domain.KeyTasksDependents+dep, task.ID); err != nil {
			return "", fmt.Errorf("op=queue.insert task=%s dep=%s: %w", task.ID, dep, err)
		}
	}
	ready, err := q.depsCompleted(ctx, task.DependsOn)
	if err != nil {
		return "", err
	}
	if ready {
		if err := q.backend.ZAdd(ctx, domain.KeyTasksPending, Score(task.Priority, task.CreatedAt), task.ID); err != nil {
			return "", fmt.Errorf("op=queue.insert task=%s: %w", task.ID, err)
		}
	}
	observability.TasksCreatedTotal.WithLabelValues(strconv.Itoa(task.Priority)).Inc()
	observability.LoggerFromContext(ctx).Info("task created",
		slog.String("task_id", task.ID),
		slog.String("title", task.Title),
		slog.Int("priority", task.Priority))
	return task.ID, nil
}

// Get loads one task.
func (q *Queue) Get(ctx context.Context, taskID string) (*domain.Task, error) {
	rec, err := q.backend.HGetAll(ctx, domain.KeyTaskPrefix+taskID)
	if err != nil {
		return nil, fmt.Errorf("op=queue.Get task=%s: %w", taskID, err)
	}
	if len(rec) == 0 {
		return nil, fmt.Errorf("op=queue.Get task=%s: %w", taskID, domain.ErrUnknownTask)
	}
	return domain.TaskFromHash(rec), nil
}

func (q *Queue) depsCompleted(ctx context.Context, deps []string) (bool, error) {
	for _, dep := range deps {
		status, found, err := q.backend.HGet(ctx, domain.KeyTaskPrefix+dep, "status")
		if err != nil {
			return false, fmt.Errorf("op=queue.depsCompleted dep=%s: %w", dep, err)
		}
		if !found || domain.TaskStatus(status) != domain.TaskCompleted {
			return false, nil
		}
	}
	return true, nil
}

// ReadyTasks returns the head of the pending queue filtered by dependency
// readiness. This is a read, not a claim.
func (q *Queue) ReadyTasks(ctx context.Context, limit int) ([]*domain.Task, error) {
	ms, err := q.backend.ZRevRangeByScore(ctx, domain.KeyTasksPending, math.MaxFloat64, 0, 0)
	if err != nil {
		return nil, fmt.Errorf("op=queue.ReadyTasks: %w", err)
	}
	var out []*domain.Task
	for _, m := range ms {
		task, err := q.Get(ctx, m.Member)
		if err != nil {
			continue
		}
		if task.Status != domain.TaskPending {
			continue
		}
		ready, err := q.depsCompleted(ctx, task.DependsOn)
		if err != nil {
			return nil, err
		}
		if !ready {
			continue
		}
		out = append(out, task)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

// tagsMatch applies the routing policy: the agent's capability set must be
// a superset of the task's requirement set. A task with no tags matches any
// agent.
func tagsMatch(agentTags []string, task *domain.Task) bool {
	if len(task.Tags) == 0 {
		return true
	}
	have := make(map[string]bool, len(agentTags))
	for _, t := range agentTags {
		have[t] = true
	}
	for _, t := range task.Tags {
		if !have[t] {
			return false
		}
	}
	return true
}

// Claim transfers the highest-priority ready, tag-matching task to the
// agent. Returns (nil, nil) when nothing is claimable.
func (q *Queue) Claim(ctx context.Context, agentID string, tags []string) (*domain.Task, error) {
	tracer := otel.Tracer("agentcoord.queue")
	ctx, span := tracer.Start(ctx, "Queue.Claim")
	defer span.End()
	start := time.Now()

	ms, err := q.backend.ZRevRangeByScore(ctx, domain.KeyTasksPending, math.MaxFloat64, 0, 0)
	if err != nil {
		return nil, fmt.Errorf("op=queue.Claim agent=%s: %w", agentID, err)
	}
	for _, m := range ms {
		task, err := q.Get(ctx, m.Member)
		if err != nil {
			// Hash gone but zset member left behind; reap it.
			_ = q.backend.ZRem(ctx, domain.KeyTasksPending, m.Member)
			continue
		}
		if task.Status != domain.TaskPending || !tagsMatch(tags, task) {
			continue
		}
		ready, err := q.depsCompleted(ctx, task.DependsOn)
		if err != nil {
			return nil, err
		}
		if !ready {
			continue
		}

		won, err := q.backend.HCAS(ctx, domain.KeyTaskPrefix+task.ID, "status",
			string(domain.TaskPending), string(domain.TaskClaimed))
		if err != nil {
			return nil, fmt.Errorf("op=queue.Claim task=%s: %w", task.ID, err)
		}
		if !won {
			continue // raced with another claimer, move on in order
		}

		now := q.now().UTC()
		task.Status = domain.TaskClaimed
		task.ClaimedBy = agentID
		task.ClaimedAt = now
		task.UpdatedAt = now
		err = q.backend.HSet(ctx, domain.KeyTaskPrefix+task.ID, map[string]string{
			"claimed_by": agentID,
			"claimed_at": now.Format(domain.TimeFormat),
			"updated_at": now.Format(domain.TimeFormat),
		})
		if err != nil {
			return nil, fmt.Errorf("op=queue.Claim task=%s: %w", task.ID, err)
		}
		if err := q.backend.ZRem(ctx, domain.KeyTasksPending, task.ID); err != nil {
			return nil, fmt.Errorf("op=queue.Claim task=%s: %w", task.ID, err)
		}
		if err := q.backend.SAdd(ctx, domain.KeyTasksByAgent+agentID, task.ID); err != nil {
			return nil, fmt.Errorf("op=queue.Claim task=%s: %w", task.ID, err)
		}

		if q.audit != nil {
			_, _ = q.audit.Append(ctx, domain.AuditEntry{
				AgentID: agentID,
				Kind:    domain.AuditTaskClaim,
				Context: task.ID,
				Reason:  task.Title,
			})
		}
		span.SetAttributes(attribute.String("task.id", task.ID))
		observability.TasksClaimedTotal.Inc()
		observability.ClaimDuration.Observe(time.Since(start).Seconds())
		observability.LoggerFromContext(ctx).Info("task claimed",
			slog.String("task_id", task.ID),
			slog.String("agent_id", agentID))
		return task, nil
	}
	return nil, nil
}

// errQueueEmpty paces the polling loop; it never escapes ClaimWait.
var errQueueEmpty = errors.New("no claimable task")

// ClaimWait blocks until a task is claimable or the timeout elapses
// (ErrTimeout). Polling backs off from 50ms to 2s. Backend failures are
// returned as-is, not folded into the timeout.
func (q *Queue) ClaimWait(ctx context.Context, agentID string, tags []string, timeout time.Duration) (*domain.Task, error) {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 50 * time.Millisecond
	bo.MaxInterval = 2 * time.Second
	bo.MaxElapsedTime = timeout

	var claimed *domain.Task
	err := backoff.Retry(func() error {
		task, err := q.Claim(ctx, agentID, tags)
		if err != nil {
			return backoff.Permanent(err)
		}
		if task == nil {
			return errQueueEmpty
		}
		claimed = task
		return nil
	}, backoff.WithContext(bo, ctx))
	if err != nil {
		if errors.Is(err, errQueueEmpty) || errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
			return nil, fmt.Errorf("op=queue.ClaimWait agent=%s: %w", agentID, domain.ErrTimeout)
		}
		return nil, err
	}
	return claimed, nil
}

// Start advances a claimed task to in_progress. Workers call it when work
// actually begins; the claim itself does not imply execution has started.
func (q *Queue) Start(ctx context.Context, taskID string) error {
	ok, err := q.backend.HCAS(ctx, domain.KeyTaskPrefix+taskID, "status",
		string(domain.TaskClaimed), string(domain.TaskInProgress))
	if err != nil {
		return fmt.Errorf("op=queue.Start task=%s: %w", taskID, err)
	}
	if !ok {
		return fmt.Errorf("op=queue.Start task=%s: %w", taskID, domain.ErrIllegalTransition)
	}
	return q.backend.HSet(ctx, domain.KeyTaskPrefix+taskID, map[string]string{
		"updated_at": q.now().UTC().Format(domain.TimeFormat),
	})
}

// leaseTransition flips a leased task (claimed or in_progress) to next,
// failing with ErrIllegalTransition otherwise.
func (q *Queue) leaseTransition(ctx context.Context, taskID string, next domain.TaskStatus) (*domain.Task, error) {
	task, err := q.Get(ctx, taskID)
	if err != nil {
		return nil, err
	}
	if !task.Status.Leased() {
		return nil, fmt.Errorf("op=queue.transition task=%s status=%s: %w", taskID, task.Status, domain.ErrIllegalTransition)
	}
	ok, err := q.backend.HCAS(ctx, domain.KeyTaskPrefix+taskID, "status", string(task.Status), string(next))
	if err != nil {
		return nil, fmt.Errorf("op=queue.transition task=%s: %w", taskID, err)
	}
	if !ok {
		return nil, fmt.Errorf("op=queue.transition task=%s: %w", taskID, domain.ErrIllegalTransition)
	}
	task.Status = next
	return task, nil
}

// Complete marks the task done and promotes any dependents whose last
// dependency this was. Promotions are visible before Complete returns.
func (q *Queue) Complete(ctx context.Context, taskID, result string) error {
	task, err := q.leaseTransition(ctx, taskID, domain.TaskCompleted)
	if err != nil {
		return err
	}
	now := q.now().UTC()
	err = q.backend.HSet(ctx, domain.KeyTaskPrefix+taskID, map[string]string{
		"result":       result,
		"completed_at": now.Format(domain.TimeFormat),
		"updated_at":   now.Format(domain.TimeFormat),
	})
	if err != nil {
		return fmt.Errorf("op=queue.Complete task=%s: %w", taskID, err)
	}
	if task.ClaimedBy != "" {
		_ = q.backend.SRem(ctx, domain.KeyTasksByAgent+task.ClaimedBy, taskID)
	}
	if q.audit != nil {
		_, _ = q.audit.Append(ctx, domain.AuditEntry{
			AgentID: task.ClaimedBy,
			Kind:    domain.AuditTaskComplete,
			Context: taskID,
			Reason:  task.Title,
		})
	}
	observability.TasksCompletedTotal.Inc()

	if err := q.promoteDependents(ctx, taskID); err != nil {
		return err
	}
	observability.LoggerFromContext(ctx).Info("task completed", slog.String("task_id", taskID))
	return nil
}

func (q *Queue) promoteDependents(ctx context.Context, taskID string) error {
	dependents, err := q.backend.SMembers(ctx, domain.KeyTasksDependents+taskID)
	if err != nil {
		return fmt.Errorf("op=queue.promoteDependents task=%s: %w", taskID, err)
	}
	for _, depID := range dependents {
		dep, err := q.Get(ctx, depID)
		if err != nil {
			continue
		}
		if dep.Status != domain.TaskPending {
			continue
		}
		ready, err := q.depsCompleted(ctx, dep.DependsOn)
		if err != nil {
			return err
		}
		if !ready {
			continue
		}
		if err := q.backend.ZAdd(ctx, domain.KeyTasksPending, Score(dep.Priority, dep.CreatedAt), depID); err != nil {
			return fmt.Errorf("op=queue.promoteDependents task=%s dep=%s: %w", taskID, depID, err)
		}
	}
	return nil
}

// RetryDelayFor computes the delay before the k-th retry (k >= 1).
func RetryDelayFor(policy domain.RetryPolicy, base time.Duration, k int) time.Duration {
	switch policy {
	case domain.RetryLinear:
		return base
	case domain.RetryExponential:
		d := base << (k - 1)
		if d > maxRetryDelay || d <= 0 {
			return maxRetryDelay
		}
		return d
	default:
		return 0
	}
}

// Fail records the error on a leased task. Within the retry budget a child
// retry task is scheduled; past it (or with policy none) the record
// escalates. The failed record itself is terminal either way; retries are
// fresh records linked through parent_task_id.
func (q *Queue) Fail(ctx context.Context, taskID, errMsg string) error {
	task, err := q.leaseTransition(ctx, taskID, domain.TaskFailed)
	if err != nil {
		return err
	}
	now := q.now().UTC()
	history := append(task.EscalationHistory, domain.EscalationRecord{
		Timestamp:  now,
		RetryCount: task.RetryCount,
		Reason:     errMsg,
	})

	exhausted := task.RetryPolicy == domain.RetryNone || task.RetryCount >= task.MaxRetries
	action := "retry_scheduled"
	if exhausted {
		action = "escalated"
	}
	history[len(history)-1].Action = action

	hb, _ := json.Marshal(history)
	err = q.backend.HSet(ctx, domain.KeyTaskPrefix+taskID, map[string]string{
		"error":              errMsg,
		"updated_at":         now.Format(domain.TimeFormat),
		"escalation_history": string(hb),
	})
	if err != nil {
		return fmt.Errorf("op=queue.Fail task=%s: %w", taskID, err)
	}
	if task.ClaimedBy != "" {
		_ = q.backend.SRem(ctx, domain.KeyTasksByAgent+task.ClaimedBy, taskID)
	}
	if q.audit != nil {
		_, _ = q.audit.Append(ctx, domain.AuditEntry{
			AgentID: task.ClaimedBy,
			Kind:    domain.AuditTaskFail,
			Context: taskID,
			Reason:  errMsg,
		})
	}
	observability.TasksFailedTotal.Inc()

	if exhausted {
		return q.escalateRecord(ctx, task, fmt.Sprintf("retries exhausted: %s", errMsg))
	}

	k := task.RetryCount + 1
	delay := RetryDelayFor(task.RetryPolicy, task.RetryDelay, k)
	child := &domain.Task{
		ID:                uuid.NewString(),
		Title:             task.Title,
		Description:       task.Description,
		Priority:          task.Priority,
		Tags:              task.Tags,
		Status:            domain.TaskPending,
		CreatedAt:         now,
		UpdatedAt:         now,
		DependsOn:         task.DependsOn,
		MaxRetries:        task.MaxRetries,
		RetryPolicy:       task.RetryPolicy,
		RetryDelay:        task.RetryDelay,
		RetryCount:        k,
		ParentTaskID:      task.ID,
		Metadata:          task.Metadata,
		EscalationHistory: history,
	}
	if err := q.backend.HSet(ctx, domain.KeyTaskPrefix+child.ID, domain.TaskToHash(child)); err != nil {
		return fmt.Errorf("op=queue.Fail task=%s child=%s: %w", taskID, child.ID, err)
	}
	for _, dep := range child.DependsOn {
		_ = q.backend.SAdd(ctx, domain.KeyTasksDependents+dep, child.ID)
	}
	due := now.Add(delay)
	if err := q.backend.ZAdd(ctx, domain.KeyTasksRetry, float64(due.Unix()), child.ID); err != nil {
		return fmt.Errorf("op=queue.Fail task=%s child=%s: %w", taskID, child.ID, err)
	}
	observability.LoggerFromContext(ctx).Info("retry scheduled",
		slog.String("task_id", taskID),
		slog.String("retry_task_id", child.ID),
		slog.Int("retry_count", k),
		slog.Duration("delay", delay))
	return nil
}

// escalateRecord flips the (already terminal-failed or leased) record to
// escalated and publishes the escalation event.
func (q *Queue) escalateRecord(ctx context.Context, task *domain.Task, reason string) error {
	now := q.now().UTC()
	err := q.backend.HSet(ctx, domain.KeyTaskPrefix+task.ID, map[string]string{
		"status":            string(domain.TaskEscalated),
		"escalated_at":      now.Format(domain.TimeFormat),
		"escalation_reason": reason,
		"updated_at":        now.Format(domain.TimeFormat),
	})
	if err != nil {
		return fmt.Errorf("op=queue.escalate task=%s: %w", task.ID, err)
	}
	if err := q.backend.ZAdd(ctx, domain.KeyTasksEscalated, float64(now.Unix()), task.ID); err != nil {
		return fmt.Errorf("op=queue.escalate task=%s: %w", task.ID, err)
	}
	_ = q.backend.ZRem(ctx, domain.KeyTasksPending, task.ID)

	event := domain.EscalationEvent{
		EventType:  "task_escalated",
		TaskID:     task.ID,
		TaskTitle:  task.Title,
		Reason:     reason,
		RetryCount: task.RetryCount,
		Timestamp:  now.Format(domain.TimeFormat),
		ClaimedBy:  task.ClaimedBy,
	}
	payload, _ := json.Marshal(event)
	if err := q.backend.Publish(ctx, domain.ChannelEscalations, string(payload)); err != nil {
		observability.LoggerFromContext(ctx).Error("escalation publish failed",
			slog.String("task_id", task.ID), slog.Any("error", err))
	}
	if q.audit != nil {
		_, _ = q.audit.Append(ctx, domain.AuditEntry{
			AgentID: task.ClaimedBy,
			Kind:    domain.AuditEscalation,
			Context: task.ID,
			Reason:  reason,
		})
	}
	observability.TasksEscalatedTotal.Inc()
	observability.LoggerFromContext(ctx).Warn("task escalated",
		slog.String("task_id", task.ID),
		slog.String("reason", reason))
	return nil
}

// Escalate is the manual path to supervisor attention, legal from pending,
// claimed, in_progress and failed.
func (q *Queue) Escalate(ctx context.Context, taskID, reason string) error {
	task, err := q.Get(ctx, taskID)
	if err != nil {
		return err
	}
	switch task.Status {
	case domain.TaskPending, domain.TaskClaimed, domain.TaskInProgress, domain.TaskFailed:
	default:
		return fmt.Errorf("op=queue.Escalate task=%s status=%s: %w", taskID, task.Status, domain.ErrIllegalTransition)
	}
	if task.ClaimedBy != "" {
		_ = q.backend.SRem(ctx, domain.KeyTasksByAgent+task.ClaimedBy, taskID)
	}
	return q.escalateRecord(ctx, task, reason)
}

// Retry re-enqueues an escalated task as a fresh record with a clean retry
// budget, linked through parent_task_id.
func (q *Queue) Retry(ctx context.Context, taskID string) (string, error) {
	task, err := q.Get(ctx, taskID)
	if err != nil {
		return "", err
	}
	if task.Status != domain.TaskEscalated {
		return "", fmt.Errorf("op=queue.Retry task=%s status=%s: %w", taskID, task.Status, domain.ErrIllegalTransition)
	}
	now := q.now().UTC()
	child := &domain.Task{
		ID:           uuid.NewString(),
		Title:        task.Title,
		Description:  task.Description,
		Priority:     task.Priority,
		Tags:         task.Tags,
		Status:       domain.TaskPending,
		CreatedAt:    now,
		UpdatedAt:    now,
		DependsOn:    task.DependsOn,
		MaxRetries:   task.MaxRetries,
		RetryPolicy:  task.RetryPolicy,
		RetryDelay:   task.RetryDelay,
		ParentTaskID: task.ID,
		Metadata:     task.Metadata,
	}
	id, err := q.insert(ctx, child)
	if err != nil {
		return "", err
	}
	_ = q.backend.ZRem(ctx, domain.KeyTasksEscalated, taskID)
	return id, nil
}

// Archive moves an escalated task to the dead-letter queue.
func (q *Queue) Archive(ctx context.Context, taskID string) error {
	task, err := q.Get(ctx, taskID)
	if err != nil {
		return err
	}
	if task.Status != domain.TaskEscalated {
		return fmt.Errorf("op=queue.Archive task=%s status=%s: %w", taskID, task.Status, domain.ErrIllegalTransition)
	}
	now := q.now().UTC()
	if err := q.backend.ZAdd(ctx, domain.KeyTasksDLQ, float64(now.Unix()), taskID); err != nil {
		return fmt.Errorf("op=queue.Archive task=%s: %w", taskID, err)
	}
	return q.backend.ZRem(ctx, domain.KeyTasksEscalated, taskID)
}

// GraphNode is one vertex of the dependency graph.
type GraphNode struct {
	Status     domain.TaskStatus `json:"status"`
	DependsOn  []string          `json:"depends_on"`
	Dependents []string          `json:"dependents"`
}

// DependencyGraph returns every task's status and edges, for UIs.
func (q *Queue) DependencyGraph(ctx context.Context) (map[string]GraphNode, error) {
	keys, err := q.backend.Keys(ctx, domain.KeyTaskPrefix+"*")
	if err != nil {
		return nil, fmt.Errorf("op=queue.DependencyGraph: %w", err)
	}
	out := make(map[string]GraphNode, len(keys))
	for _, key := range keys {
		rec, err := q.backend.HGetAll(ctx, key)
		if err != nil || len(rec) == 0 {
			continue
		}
		task := domain.TaskFromHash(rec)
		dependents, _ := q.backend.SMembers(ctx, domain.KeyTasksDependents+task.ID)
		out[task.ID] = GraphNode{
			Status:     task.Status,
			DependsOn:  task.DependsOn,
			Dependents: dependents,
		}
	}
	return out, nil
}

// Stats summarizes queue depth for the scaler and CLI layers.
type Stats struct {
	Pending   int64
	Leased    int64
	Retry     int64
	Escalated int64
	DLQ       int64
}

// QueueStats counts tasks by bucket.
func (q *Queue) QueueStats(ctx context.Context) (Stats, error) {
	var st Stats
	var err error
	if st.Pending, err = q.backend.ZCard(ctx, domain.KeyTasksPending); err != nil {
		return st, fmt.Errorf("op=queue.QueueStats: %w", err)
	}
	if st.Retry, err = q.backend.ZCard(ctx, domain.KeyTasksRetry); err != nil {
		return st, fmt.Errorf("op=queue.QueueStats: %w", err)
	}
	if st.Escalated, err = q.backend.ZCard(ctx, domain.KeyTasksEscalated); err != nil {
		return st, fmt.Errorf("op=queue.QueueStats: %w", err)
	}
	if st.DLQ, err = q.backend.ZCard(ctx, domain.KeyTasksDLQ); err != nil {
		return st, fmt.Errorf("op=queue.QueueStats: %w", err)
	}
	leaseKeys, err := q.backend.Keys(ctx, domain.KeyTasksByAgent+"*")
	if err != nil {
		return st, fmt.Errorf("op=queue.QueueStats: %w", err)
	}
	for _, key := range leaseKeys {
		ms, err := q.backend.SMembers(ctx, key)
		if err != nil {
			return st, fmt.Errorf("op=queue.QueueStats: %w", err)
		}
		st.Leased += int64(len(ms))
	}
	observability.QueueDepth.Set(float64(st.Pending))
	return st, nil
}

// ListByStatus returns tasks in a given status, for CLI layers.
func (q *Queue) ListByStatus(ctx context.Context, status domain.TaskStatus) ([]*domain.Task, error) {
	keys, err := q.backend.Keys(ctx, domain.KeyTaskPrefix+"*")
	if err != nil {
		return nil, fmt.Errorf("op=queue.ListByStatus: %w", err)
	}
	var out []*domain.Task
	for _, key := range keys {
		rec, err := q.backend.HGetAll(ctx, key)
		if err != nil || len(rec) == 0 {
			continue
		}
		task := domain.TaskFromHash(rec)
		if status == "" || task.Status == status {
			out = append(out, task)
		}
	}
	return out, nil
}

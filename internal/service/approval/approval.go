// Package approval implements blocking multi-approver requests. The core is
// role-agnostic: whether an approver satisfies the policy is decided by a
// caller-supplied predicate.
package approval

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"github.com/fairyhunter13/agentcoord/internal/adapter/observability"
	"github.com/fairyhunter13/agentcoord/internal/domain"
)

// DefaultPollInterval paces WaitForDecision when no interval is given.
const DefaultPollInterval = 500 * time.Millisecond

// PolicyFunc reports whether the approver may vote on the request. A nil
// policy admits every agent, self-approval included.
type PolicyFunc func(ctx context.Context, req *domain.ApprovalRequest, approverID string) (bool, error)

// Workflow operates approval requests over a KV backend.
type Workflow struct {
	backend  domain.Backend
	audit    domain.AuditLog
	policy   PolicyFunc
	validate *validator.Validate
	now      func() time.Time
}

// Option adjusts workflow construction.
type Option func(*Workflow)

// WithPolicy installs the approver eligibility predicate.
func WithPolicy(p PolicyFunc) Option {
	return func(w *Workflow) { w.policy = p }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(w *Workflow) { w.now = now }
}

// New builds a workflow. audit may be nil.
func New(backend domain.Backend, audit domain.AuditLog, opts ...Option) *Workflow {
	w := &Workflow{
		backend:  backend,
		audit:    audit,
		validate: validator.New(),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// CreateSpec describes a new approval request.
type CreateSpec struct {
	Requestor            string `validate:"required"`
	ActionType           string `validate:"required"`
	Description          string
	RequiredRoles        []string
	RequiredCapabilities []string
	MinApprovals         int `validate:"gte=0"`
	Timeout              time.Duration
}

// Create writes the request and announces it on the approval channel.
func (w *Workflow) Create(ctx context.Context, spec CreateSpec) (string, error) {
	if err := w.validate.Struct(spec); err != nil {
		return "", fmt.Errorf("op=approval.Create: %w", err)
	}
	if spec.MinApprovals == 0 {
		spec.MinApprovals = 1
	}
	now := w.now().UTC()
	req := &domain.ApprovalRequest{
		ID:                   uuid.NewString(),
		Requestor:            spec.Requestor,
		ActionType:           spec.ActionType,
		Description:          spec.Description,
		RequiredRoles:        spec.RequiredRoles,
		RequiredCapabilities: spec.RequiredCapabilities,
		MinApprovals:         spec.MinApprovals,
		Status:               domain.ApprovalPending,
		CreatedAt:            now,
	}
	if spec.Timeout > 0 {
		req.ExpiresAt = now.Add(spec.Timeout)
	}
	if err := w.backend.HSet(ctx, domain.KeyApprovalPrefix+req.ID, domain.ApprovalToHash(req)); err != nil {
		return "", fmt.Errorf("op=approval.Create: %w", err)
	}
	if err := w.backend.SAdd(ctx, domain.KeyApprovalsPending, req.ID); err != nil {
		return "", fmt.Errorf("op=approval.Create approval=%s: %w", req.ID, err)
	}
	payload, _ := json.Marshal(map[string]string{
		"event_type":  "approval_requested",
		"approval_id": req.ID,
		"requestor":   req.Requestor,
		"action_type": req.ActionType,
	})
	if err := w.backend.Publish(ctx, domain.ChannelApprovalRequests, string(payload)); err != nil {
		observability.LoggerFromContext(ctx).Error("approval announce failed",
			slog.String("approval_id", req.ID), slog.Any("error", err))
	}
	observability.LoggerFromContext(ctx).Info("approval requested",
		slog.String("approval_id", req.ID),
		slog.String("action_type", req.ActionType),
		slog.String("requestor", req.Requestor))
	return req.ID, nil
}

// Get loads one request, flipping it to expired first when its deadline has
// passed.
func (w *Workflow) Get(ctx context.Context, approvalID string) (*domain.ApprovalRequest, error) {
	rec, err := w.backend.HGetAll(ctx, domain.KeyApprovalPrefix+approvalID)
	if err != nil {
		return nil, fmt.Errorf("op=approval.Get approval=%s: %w", approvalID, err)
	}
	if len(rec) == 0 {
		return nil, fmt.Errorf("op=approval.Get approval=%s: %w", approvalID, domain.ErrUnknownApproval)
	}
	req := domain.ApprovalFromHash(rec)
	if req.Status == domain.ApprovalPending && !req.ExpiresAt.IsZero() && !w.now().Before(req.ExpiresAt) {
		if err := w.expire(ctx, req); err != nil {
			return nil, err
		}
	}
	return req, nil
}

func (w *Workflow) expire(ctx context.Context, req *domain.ApprovalRequest) error {
	ok, err := w.backend.HCAS(ctx, domain.KeyApprovalPrefix+req.ID, "status",
		string(domain.ApprovalPending), string(domain.ApprovalExpired))
	if err != nil {
		return fmt.Errorf("op=approval.expire approval=%s: %w", req.ID, err)
	}
	if ok {
		req.Status = domain.ApprovalExpired
		_ = w.backend.SRem(ctx, domain.KeyApprovalsPending, req.ID)
	} else {
		// Lost the race to a concurrent vote or expiry; reread.
		rec, err := w.backend.HGetAll(ctx, domain.KeyApprovalPrefix+req.ID)
		if err != nil {
			return fmt.Errorf("op=approval.expire approval=%s: %w", req.ID, err)
		}
		*req = *domain.ApprovalFromHash(rec)
	}
	return nil
}

// Approve records a grant vote. The request becomes approved once the vote
// count reaches min_approvals with no rejections on record.
func (w *Workflow) Approve(ctx context.Context, approvalID, approverID string) (*domain.ApprovalRequest, error) {
	return w.vote(ctx, approvalID, approverID, true)
}

// Reject records a rejection; any rejection is terminal.
func (w *Workflow) Reject(ctx context.Context, approvalID, approverID string) (*domain.ApprovalRequest, error) {
	return w.vote(ctx, approvalID, approverID, false)
}

func (w *Workflow) vote(ctx context.Context, approvalID, approverID string, grant bool) (*domain.ApprovalRequest, error) {
	req, err := w.Get(ctx, approvalID)
	if err != nil {
		return nil, err
	}
	if req.Status.Terminal() {
		return nil, fmt.Errorf("op=approval.vote approval=%s status=%s: %w", approvalID, req.Status, domain.ErrIllegalTransition)
	}
	if w.policy != nil {
		ok, err := w.policy(ctx, req, approverID)
		if err != nil {
			return nil, fmt.Errorf("op=approval.vote approval=%s: %w", approvalID, err)
		}
		if !ok {
			return nil, fmt.Errorf("op=approval.vote approval=%s approver=%s: %w", approvalID, approverID, domain.ErrPermissionDenied)
		}
	}

	// Votes live in per-request sets: SAdd is atomic and idempotent, so
	// concurrent approvers cannot overwrite each other's vote. The hash
	// fields are a mirror for readers; decisions come from the sets.
	key := domain.KeyApprovalPrefix + approvalID
	voteKey := key + ":granted"
	if !grant {
		voteKey = key + ":rejected"
	}
	if err := w.backend.SAdd(ctx, voteKey, approverID); err != nil {
		return nil, fmt.Errorf("op=approval.vote approval=%s: %w", approvalID, err)
	}
	granted, err := w.backend.SMembers(ctx, key+":granted")
	if err != nil {
		return nil, fmt.Errorf("op=approval.vote approval=%s: %w", approvalID, err)
	}
	rejected, err := w.backend.SMembers(ctx, key+":rejected")
	if err != nil {
		return nil, fmt.Errorf("op=approval.vote approval=%s: %w", approvalID, err)
	}
	sort.Strings(granted)
	sort.Strings(rejected)
	req.Approvals = granted
	req.Rejections = rejected

	next := domain.ApprovalPending
	if len(rejected) > 0 {
		next = domain.ApprovalRejected
	} else if len(granted) >= req.MinApprovals {
		next = domain.ApprovalApproved
	}

	fields := map[string]string{
		"approvals":  domain.MarshalList(granted),
		"rejections": domain.MarshalList(rejected),
	}
	if err := w.backend.HSet(ctx, key, fields); err != nil {
		return nil, fmt.Errorf("op=approval.vote approval=%s: %w", approvalID, err)
	}
	if next != domain.ApprovalPending {
		ok, err := w.backend.HCAS(ctx, key, "status", string(domain.ApprovalPending), string(next))
		if err != nil {
			return nil, fmt.Errorf("op=approval.vote approval=%s: %w", approvalID, err)
		}
		if ok {
			req.Status = next
			_ = w.backend.SRem(ctx, domain.KeyApprovalsPending, approvalID)
			kind := domain.AuditApprovalGrant
			if next == domain.ApprovalRejected {
				kind = domain.AuditApprovalReject
			}
			if w.audit != nil {
				_, _ = w.audit.Append(ctx, domain.AuditEntry{
					AgentID: approverID,
					Kind:    kind,
					Context: approvalID,
					Reason:  req.ActionType,
				})
			}
			observability.LoggerFromContext(ctx).Info("approval decided",
				slog.String("approval_id", approvalID),
				slog.String("status", string(next)),
				slog.String("decided_by", approverID))
		} else {
			return w.Get(ctx, approvalID)
		}
	}
	return req, nil
}

// WaitForDecision polls until the request is terminal or timeout elapses.
// Reaching the deadline flips the request to expired and returns that
// status rather than an error; ErrTimeout is reserved for ctx cancellation.
func (w *Workflow) WaitForDecision(ctx context.Context, approvalID string, pollInterval, timeout time.Duration) (domain.ApprovalStatus, error) {
	if pollInterval <= 0 {
		pollInterval = DefaultPollInterval
	}
	var deadline time.Time
	if timeout > 0 {
		deadline = w.now().Add(timeout)
	}
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()
	for {
		req, err := w.Get(ctx, approvalID)
		if err != nil {
			return "", err
		}
		if req.Status.Terminal() {
			return req.Status, nil
		}
		if !deadline.IsZero() && !w.now().Before(deadline) {
			if err := w.expire(ctx, req); err != nil {
				return "", err
			}
			return req.Status, nil
		}
		select {
		case <-ctx.Done():
			return "", fmt.Errorf("op=approval.WaitForDecision approval=%s: %w", approvalID, domain.ErrTimeout)
		case <-ticker.C:
		}
	}
}

// ListPending returns open requests, expired ones pruned on the way.
func (w *Workflow) ListPending(ctx context.Context) ([]*domain.ApprovalRequest, error) {
	ids, err := w.backend.SMembers(ctx, domain.KeyApprovalsPending)
	if err != nil {
		return nil, fmt.Errorf("op=approval.ListPending: %w", err)
	}
	var out []*domain.ApprovalRequest
	for _, id := range ids {
		req, err := w.Get(ctx, id)
		if err != nil {
			_ = w.backend.SRem(ctx, domain.KeyApprovalsPending, id)
			continue
		}
		if req.Status == domain.ApprovalPending {
			out = append(out, req)
		}
	}
	return out, nil
}

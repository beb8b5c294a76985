// Package domain defines the coordination entities, the error taxonomy and
// the KV backend port shared by every subsystem of the core.
package domain

import (
	"context"
	"time"
)

// TaskStatus enumerates the task lifecycle states.
type TaskStatus string

const (
	TaskPending    TaskStatus = "pending"
	TaskClaimed    TaskStatus = "claimed"
	TaskInProgress TaskStatus = "in_progress"
	TaskCompleted  TaskStatus = "completed"
	TaskFailed     TaskStatus = "failed"
	TaskEscalated  TaskStatus = "escalated"
)

// Leased reports whether the status carries an exclusive working lease.
func (s TaskStatus) Leased() bool {
	return s == TaskClaimed || s == TaskInProgress
}

// Terminal reports whether the status admits no further transitions other
// than supervisor retry/archive (escalated only).
func (s TaskStatus) Terminal() bool {
	return s == TaskCompleted || s == TaskFailed || s == TaskEscalated
}

// RetryPolicy controls how failed tasks are rescheduled.
type RetryPolicy string

const (
	RetryNone        RetryPolicy = "none"
	RetryLinear      RetryPolicy = "linear"
	RetryExponential RetryPolicy = "exponential"
)

// EscalationRecord is one entry of a task's escalation history.
type EscalationRecord struct {
	Timestamp  time.Time `json:"ts"`
	RetryCount int       `json:"retry_count"`
	Reason     string    `json:"reason"`
	Action     string    `json:"action"`
}

// Task is the unit of work shared through the queue. Identity is an opaque
// UUID; the metadata map is owned by higher layers and never interpreted.
type Task struct {
	ID                string
	Title             string
	Description       string
	Priority          int
	Tags              []string
	Status            TaskStatus
	CreatedAt         time.Time
	UpdatedAt         time.Time
	ClaimedBy         string
	ClaimedAt         time.Time
	CompletedAt       time.Time
	DependsOn         []string
	Result            string
	Error             string
	RetryCount        int
	MaxRetries        int
	RetryPolicy       RetryPolicy
	RetryDelay        time.Duration
	EscalatedAt       time.Time
	EscalationReason  string
	EscalationHistory []EscalationRecord
	ParentTaskID      string
	Metadata          map[string]string
}

// HasTag reports whether the task advertises the given requirement tag.
func (t *Task) HasTag(tag string) bool {
	for _, tg := range t.Tags {
		if tg == tag {
			return true
		}
	}
	return false
}

// AgentStatus enumerates the stored agent states. Readers additionally
// compute "hung" from heartbeat age regardless of the stored value.
type AgentStatus string

const (
	AgentActive     AgentStatus = "active"
	AgentIdle       AgentStatus = "idle"
	AgentHung       AgentStatus = "hung"
	AgentTerminated AgentStatus = "terminated"
)

// Agent is a registry record. Only the owning agent writes heartbeats.
type Agent struct {
	ID            string
	Name          string
	Role          string
	WorkingOn     string
	Capabilities  []string
	RegisteredAt  time.Time
	LastHeartbeat time.Time
	Status        AgentStatus
}

// FileLock is an exclusive TTL lock on a canonical file path. The token is
// returned at acquisition and required for release and extension.
type FileLock struct {
	Path       string
	Holder     string
	Intent     string
	LockID     string
	AcquiredAt time.Time
	ExpiresAt  time.Time
}

// Live reports whether the lock is still in force at the given instant.
func (l FileLock) Live(now time.Time) bool { return l.ExpiresAt.After(now) }

// ApprovalStatus enumerates approval request states.
type ApprovalStatus string

const (
	ApprovalPending  ApprovalStatus = "pending"
	ApprovalApproved ApprovalStatus = "approved"
	ApprovalRejected ApprovalStatus = "rejected"
	ApprovalExpired  ApprovalStatus = "expired"
)

// Terminal reports whether the request is frozen.
func (s ApprovalStatus) Terminal() bool { return s != ApprovalPending }

// ApprovalRequest is a blocking multi-approver request. Once terminal, the
// approvals and rejections lists are frozen.
type ApprovalRequest struct {
	ID                   string
	Requestor            string
	ActionType           string
	Description          string
	RequiredRoles        []string
	RequiredCapabilities []string
	MinApprovals         int
	Approvals            []string
	Rejections           []string
	Status               ApprovalStatus
	CreatedAt            time.Time
	ExpiresAt            time.Time
}

// BoardPost is one message within a thread.
type BoardPost struct {
	Author    string    `json:"author"`
	Timestamp time.Time `json:"timestamp"`
	Body      string    `json:"body"`
	Priority  string    `json:"priority"`
}

// BoardThread is a threaded conversation broadcast to a named channel.
type BoardThread struct {
	ID        string
	Channel   string
	Title     string
	CreatedBy string
	CreatedAt time.Time
	Pinned    bool
	Posts     []BoardPost
}

// AuditEntry is one append-only record in the decision log. The ID is the
// monotonic stream id assigned by the backend.
type AuditEntry struct {
	ID        string
	Timestamp time.Time
	AgentID   string
	Kind      string
	Context   string
	Reason    string
}

// Audit entry kinds emitted by the core.
const (
	AuditTaskClaim      = "task_claim"
	AuditTaskComplete   = "task_complete"
	AuditTaskFail       = "task_fail"
	AuditEscalation     = "escalation"
	AuditApprovalGrant  = "approval_grant"
	AuditApprovalReject = "approval_reject"
	AuditLockConflict   = "lock_conflict"
	AuditHungAgent      = "hung_agent"
)

// MessagePriority and MessageType classify channel messages.
type (
	MessagePriority string
	MessageType     string
)

const (
	PriorityLow    MessagePriority = "low"
	PriorityNormal MessagePriority = "normal"
	PriorityHigh   MessagePriority = "high"
	PriorityUrgent MessagePriority = "urgent"

	MessageStatus       MessageType = "status"
	MessageError        MessageType = "error"
	MessageSuccess      MessageType = "success"
	MessageQuestion     MessageType = "question"
	MessageAnnouncement MessageType = "announcement"
)

// Message is the structured record consumed by channel adapters.
type Message struct {
	Content   string            `json:"content"`
	FromAgent string            `json:"from_agent"`
	ToAgent   string            `json:"to_agent,omitempty"`
	Channel   string            `json:"channel,omitempty"`
	Priority  MessagePriority   `json:"priority"`
	Type      MessageType       `json:"type"`
	ThreadID  string            `json:"thread_id,omitempty"`
	Timestamp time.Time         `json:"timestamp"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

// EscalationEvent is published on channel:escalations when a task reaches
// terminal failure.
type EscalationEvent struct {
	EventType  string `json:"event_type"`
	TaskID     string `json:"task_id"`
	TaskTitle  string `json:"task_title"`
	Reason     string `json:"reason"`
	RetryCount int    `json:"retry_count"`
	Timestamp  string `json:"timestamp"`
	ClaimedBy  string `json:"claimed_by"`
}

// AuditLog is the port used by subsystems that emit decision events.
type AuditLog interface {
	Append(ctx context.Context, e AuditEntry) (string, error)
}

package domain

import (
	"encoding/json"
	"strconv"
	"time"
)

// Hash (de)serialization for the records stored in the KV. One boundary per
// record type; list fields are stored as JSON strings, timestamps as
// ISO-8601 UTC. Field names match the KV schema exactly so that processes
// of different versions interoperate.

// TimeFormat is the on-wire timestamp representation.
const TimeFormat = time.RFC3339Nano

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(TimeFormat)
}

func parseTime(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	t, err := time.Parse(TimeFormat, s)
	if err != nil {
		return time.Time{}
	}
	return t
}

// MarshalList encodes a string list as its JSON hash-field representation.
func MarshalList(xs []string) string {
	if len(xs) == 0 {
		return "[]"
	}
	b, _ := json.Marshal(xs)
	return string(b)
}

// UnmarshalList decodes a JSON hash-field list; malformed input reads as
// empty.
func UnmarshalList(s string) []string {
	if s == "" || s == "[]" {
		return nil
	}
	var xs []string
	if err := json.Unmarshal([]byte(s), &xs); err != nil {
		return nil
	}
	return xs
}

// TaskToHash flattens a task into its KV hash representation.
func TaskToHash(t *Task) map[string]string {
	history := "[]"
	if len(t.EscalationHistory) > 0 {
		b, _ := json.Marshal(t.EscalationHistory)
		history = string(b)
	}
	meta := "{}"
	if len(t.Metadata) > 0 {
		b, _ := json.Marshal(t.Metadata)
		meta = string(b)
	}
	return map[string]string{
		"id":                 t.ID,
		"title":              t.Title,
		"description":        t.Description,
		"priority":           strconv.Itoa(t.Priority),
		"tags":               MarshalList(t.Tags),
		"status":             string(t.Status),
		"created_at":         formatTime(t.CreatedAt),
		"updated_at":         formatTime(t.UpdatedAt),
		"claimed_by":         t.ClaimedBy,
		"claimed_at":         formatTime(t.ClaimedAt),
		"completed_at":       formatTime(t.CompletedAt),
		"depends_on":         MarshalList(t.DependsOn),
		"result":             t.Result,
		"error":              t.Error,
		"retry_count":        strconv.Itoa(t.RetryCount),
		"max_retries":        strconv.Itoa(t.MaxRetries),
		"retry_policy":       string(t.RetryPolicy),
		"retry_delay_base":   strconv.FormatInt(int64(t.RetryDelay/time.Second), 10),
		"escalated_at":       formatTime(t.EscalatedAt),
		"escalation_reason":  t.EscalationReason,
		"escalation_history": history,
		"parent_task_id":     t.ParentTaskID,
		"metadata":           meta,
	}
}

// TaskFromHash rebuilds a task from its KV hash representation.
func TaskFromHash(h map[string]string) *Task {
	t := &Task{
		ID:               h["id"],
		Title:            h["title"],
		Description:      h["description"],
		Tags:             UnmarshalList(h["tags"]),
		Status:           TaskStatus(h["status"]),
		CreatedAt:        parseTime(h["created_at"]),
		UpdatedAt:        parseTime(h["updated_at"]),
		ClaimedBy:        h["claimed_by"],
		ClaimedAt:        parseTime(h["claimed_at"]),
		CompletedAt:      parseTime(h["completed_at"]),
		DependsOn:        UnmarshalList(h["depends_on"]),
		Result:           h["result"],
		Error:            h["error"],
		RetryPolicy:      RetryPolicy(h["retry_policy"]),
		EscalatedAt:      parseTime(h["escalated_at"]),
		EscalationReason: h["escalation_reason"],
		ParentTaskID:     h["parent_task_id"],
	}
	t.Priority, _ = strconv.Atoi(h["priority"])
	t.RetryCount, _ = strconv.Atoi(h["retry_count"])
	t.MaxRetries, _ = strconv.Atoi(h["max_retries"])
	if secs, err := strconv.ParseInt(h["retry_delay_base"], 10, 64); err == nil {
		t.RetryDelay = time.Duration(secs) * time.Second
	}
	if s := h["escalation_history"]; s != "" && s != "[]" {
		_ = json.Unmarshal([]byte(s), &t.EscalationHistory)
	}
	if s := h["metadata"]; s != "" && s != "{}" {
		_ = json.Unmarshal([]byte(s), &t.Metadata)
	}
	return t
}

// AgentToHash flattens an agent record.
func AgentToHash(a *Agent) map[string]string {
	return map[string]string{
		"id":             a.ID,
		"name":           a.Name,
		"role":           a.Role,
		"working_on":     a.WorkingOn,
		"capabilities":   MarshalList(a.Capabilities),
		"registered_at":  formatTime(a.RegisteredAt),
		"last_heartbeat": formatTime(a.LastHeartbeat),
		"status":         string(a.Status),
	}
}

// AgentFromHash rebuilds an agent record.
func AgentFromHash(h map[string]string) *Agent {
	return &Agent{
		ID:            h["id"],
		Name:          h["name"],
		Role:          h["role"],
		WorkingOn:     h["working_on"],
		Capabilities:  UnmarshalList(h["capabilities"]),
		RegisteredAt:  parseTime(h["registered_at"]),
		LastHeartbeat: parseTime(h["last_heartbeat"]),
		Status:        AgentStatus(h["status"]),
	}
}

// LockToHash flattens a file lock's metadata hash.
func LockToHash(l *FileLock) map[string]string {
	return map[string]string{
		"path":        l.Path,
		"holder":      l.Holder,
		"intent":      l.Intent,
		"lock_id":     l.LockID,
		"acquired_at": formatTime(l.AcquiredAt),
		"expires_at":  formatTime(l.ExpiresAt),
	}
}

// LockFromHash rebuilds a file lock from its metadata hash.
func LockFromHash(h map[string]string) *FileLock {
	return &FileLock{
		Path:       h["path"],
		Holder:     h["holder"],
		Intent:     h["intent"],
		LockID:     h["lock_id"],
		AcquiredAt: parseTime(h["acquired_at"]),
		ExpiresAt:  parseTime(h["expires_at"]),
	}
}

// ApprovalToHash flattens an approval request.
func ApprovalToHash(a *ApprovalRequest) map[string]string {
	return map[string]string{
		"id":                    a.ID,
		"requestor":             a.Requestor,
		"action_type":           a.ActionType,
		"description":           a.Description,
		"required_roles":        MarshalList(a.RequiredRoles),
		"required_capabilities": MarshalList(a.RequiredCapabilities),
		"min_approvals":         strconv.Itoa(a.MinApprovals),
		"approvals":             MarshalList(a.Approvals),
		"rejections":            MarshalList(a.Rejections),
		"status":                string(a.Status),
		"created_at":            formatTime(a.CreatedAt),
		"expires_at":            formatTime(a.ExpiresAt),
	}
}

// ApprovalFromHash rebuilds an approval request.
func ApprovalFromHash(h map[string]string) *ApprovalRequest {
	a := &ApprovalRequest{
		ID:                   h["id"],
		Requestor:            h["requestor"],
		ActionType:           h["action_type"],
		Description:          h["description"],
		RequiredRoles:        UnmarshalList(h["required_roles"]),
		RequiredCapabilities: UnmarshalList(h["required_capabilities"]),
		Approvals:            UnmarshalList(h["approvals"]),
		Rejections:           UnmarshalList(h["rejections"]),
		Status:               ApprovalStatus(h["status"]),
		CreatedAt:            parseTime(h["created_at"]),
		ExpiresAt:            parseTime(h["expires_at"]),
	}
	a.MinApprovals, _ = strconv.Atoi(h["min_approvals"])
	return a
}

// Package audit is the append-only decision log. Entries land on the
// audit:decisions stream with backend-assigned monotonic ids and are never
// modified or deleted by the core.
package audit

import (
	"context"
	"fmt"
	"time"

	"github.com/fairyhunter13/agentcoord/internal/domain"
)

// Log appends and replays decision entries.
type Log struct {
	backend domain.Backend
	stream  string
}

var _ domain.AuditLog = (*Log)(nil)

// New returns a log over the default decision stream.
func New(backend domain.Backend) *Log {
	return &Log{backend: backend, stream: domain.KeyAuditDecisions}
}

// Append writes one entry and returns its stream id.
func (l *Log) Append(ctx context.Context, e domain.AuditEntry) (string, error) {
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}
	id, err := l.backend.XAdd(ctx, l.stream, map[string]string{
		"timestamp": e.Timestamp.UTC().Format(domain.TimeFormat),
		"agent_id":  e.AgentID,
		"kind":      e.Kind,
		"context":   e.Context,
		"reason":    e.Reason,
	})
	if err != nil {
		return "", fmt.Errorf("op=audit.Append kind=%s: %w", e.Kind, err)
	}
	return id, nil
}

// Replay returns entries with id strictly after cursor, oldest first. An
// empty cursor reads from the beginning.
func (l *Log) Replay(ctx context.Context, cursor string, limit int) ([]domain.AuditEntry, error) {
	entries, err := l.backend.XRange(ctx, l.stream, cursor, limit)
	if err != nil {
		return nil, fmt.Errorf("op=audit.Replay cursor=%s: %w", cursor, err)
	}
	out := make([]domain.AuditEntry, 0, len(entries))
	for _, se := range entries {
		out = append(out, entryFromStream(se))
	}
	return out, nil
}

// Recent returns up to n of the latest entries, oldest first.
func (l *Log) Recent(ctx context.Context, n int) ([]domain.AuditEntry, error) {
	all, err := l.Replay(ctx, "", 0)
	if err != nil {
		return nil, err
	}
	if n > 0 && len(all) > n {
		all = all[len(all)-n:]
	}
	return all, nil
}

func entryFromStream(se domain.StreamEntry) domain.AuditEntry {
	ts, _ := time.Parse(domain.TimeFormat, se.Fields["timestamp"])
	return domain.AuditEntry{
		ID:        se.ID,
		Timestamp: ts,
		AgentID:   se.Fields["agent_id"],
		Kind:      se.Fields["kind"],
		Context:   se.Fields["context"],
		Reason:    se.Fields["reason"],
	}
}

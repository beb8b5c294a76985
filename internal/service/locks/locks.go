// Package locks serializes file mutation across agents with exclusive TTL
// locks. Acquisition is a single conditional write (SET NX with expiry);
// there is no queue, callers decide whether to retry.
package locks

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/oklog/ulid/v2"

	"github.com/fairyhunter13/agentcoord/internal/adapter/observability"
	"github.com/fairyhunter13/agentcoord/internal/domain"
)

// DefaultTTL bounds how long a crashed holder can orphan a lock.
const DefaultTTL = 600 * time.Second

// Manager acquires and releases file locks through the KV backend. One
// manager may be shared across goroutines.
type Manager struct {
	backend domain.Backend
	audit   domain.AuditLog
	agentID string
	ttl     time.Duration
}

// New builds a manager acting on behalf of agentID. audit may be nil.
func New(backend domain.Backend, audit domain.AuditLog, agentID string, ttl time.Duration) *Manager {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Manager{
		backend: backend,
		audit:   audit,
		agentID: agentID,
		ttl:     ttl,
	}
}

// canonical cleans the path and hashes it into a key-safe suffix when it
// contains characters that would break key parsing.
func canonical(path string) string {
	p := filepath.ToSlash(filepath.Clean(path))
	return strings.TrimPrefix(p, "./")
}

func lockKey(path string) string {
	p := canonical(path)
	sum := sha256.Sum256([]byte(p))
	return domain.KeyLockPrefix + hex.EncodeToString(sum[:8])
}

func metaKey(path string) string { return lockKey(path) + ":meta" }

// Acquire takes the lock on path iff no live lock exists. Returns the token
// required for Extend and Release, or ErrLockBusy.
func (m *Manager) Acquire(ctx context.Context, path, intent string, ttl time.Duration) (string, error) {
	if ttl <= 0 {
		ttl = m.ttl
	}
	p := canonical(path)
	token := ulid.Make().String()

	ok, err := m.backend.SetNX(ctx, lockKey(p), token, ttl)
	if err != nil {
		return "", fmt.Errorf("op=locks.Acquire path=%s: %w", p, err)
	}
	if !ok {
		if m.audit != nil {
			holder, _ := m.backend.HGetAll(ctx, metaKey(p))
			_, _ = m.audit.Append(ctx, domain.AuditEntry{
				AgentID: m.agentID,
				Kind:    domain.AuditLockConflict,
				Context: p,
				Reason:  fmt.Sprintf("held by %s (%s)", holder["holder"], holder["intent"]),
			})
		}
		observability.LockConflictsTotal.Inc()
		return "", fmt.Errorf("op=locks.Acquire path=%s: %w", p, domain.ErrLockBusy)
	}

	now := time.Now().UTC()
	lock := &domain.FileLock{
		Path:       p,
		Holder:     m.agentID,
		Intent:     intent,
		LockID:     token,
		AcquiredAt: now,
		ExpiresAt:  now.Add(ttl),
	}
	if err := m.backend.HSet(ctx, metaKey(p), domain.LockToHash(lock)); err != nil {
		// Roll the token back so we do not hold a half-written lock.
		_, _ = m.backend.DelIfEquals(ctx, lockKey(p), token)
		return "", fmt.Errorf("op=locks.Acquire path=%s: %w", p, err)
	}
	_ = m.backend.Expire(ctx, metaKey(p), ttl)

	observability.LoggerFromContext(ctx).Debug("lock acquired",
		slog.String("path", p),
		slog.String("agent_id", m.agentID),
		slog.String("intent", intent))
	return token, nil
}

// Extend pushes the expiry out by additional time. Fails with ErrLockStolen
// when the stored token no longer matches.
func (m *Manager) Extend(ctx context.Context, path, lockID string, additional time.Duration) error {
	p := canonical(path)
	cur, found, err := m.backend.Get(ctx, lockKey(p))
	if err != nil {
		return fmt.Errorf("op=locks.Extend path=%s: %w", p, err)
	}
	if !found || cur != lockID {
		return fmt.Errorf("op=locks.Extend path=%s: %w", p, domain.ErrLockStolen)
	}
	ttl, err := m.backend.TTL(ctx, lockKey(p))
	if err != nil {
		return fmt.Errorf("op=locks.Extend path=%s: %w", p, err)
	}
	if ttl < 0 {
		ttl = 0
	}
	newTTL := ttl + additional
	ok, err := m.backend.ExpireIfEquals(ctx, lockKey(p), lockID, newTTL)
	if err != nil {
		return fmt.Errorf("op=locks.Extend path=%s: %w", p, err)
	}
	if !ok {
		return fmt.Errorf("op=locks.Extend path=%s: %w", p, domain.ErrLockStolen)
	}
	newExpiry := time.Now().UTC().Add(newTTL)
	_ = m.backend.HSet(ctx, metaKey(p), map[string]string{
		"expires_at": newExpiry.Format(domain.TimeFormat),
	})
	_ = m.backend.Expire(ctx, metaKey(p), newTTL)
	return nil
}

// Release drops the lock. Best-effort: releasing an already-expired lock is
// not an error, releasing one stolen by another holder is.
func (m *Manager) Release(ctx context.Context, path, lockID string) error {
	p := canonical(path)
	cur, found, err := m.backend.Get(ctx, lockKey(p))
	if err != nil {
		return fmt.Errorf("op=locks.Release path=%s: %w", p, err)
	}
	if !found {
		return nil
	}
	if cur != lockID {
		return fmt.Errorf("op=locks.Release path=%s: %w", p, domain.ErrLockStolen)
	}
	if _, err := m.backend.DelIfEquals(ctx, lockKey(p), lockID); err != nil {
		return fmt.Errorf("op=locks.Release path=%s: %w", p, err)
	}
	_ = m.backend.Del(ctx, metaKey(p))
	observability.LoggerFromContext(ctx).Debug("lock released",
		slog.String("path", p),
		slog.String("agent_id", m.agentID))
	return nil
}

// List returns every live lock.
func (m *Manager) List(ctx context.Context) ([]*domain.FileLock, error) {
	keys, err := m.backend.Keys(ctx, domain.KeyLockPrefix+"*:meta")
	if err != nil {
		return nil, fmt.Errorf("op=locks.List: %w", err)
	}
	now := time.Now()
	var out []*domain.FileLock
	for _, key := range keys {
		rec, err := m.backend.HGetAll(ctx, key)
		if err != nil {
			return nil, fmt.Errorf("op=locks.List key=%s: %w", key, err)
		}
		if len(rec) == 0 {
			continue
		}
		lock := domain.LockFromHash(rec)
		if lock.Live(now) {
			out = append(out, lock)
		}
	}
	return out, nil
}

// WithLock is the canonical usage: acquire, run fn, release on every exit
// path including panic.
func (m *Manager) WithLock(ctx context.Context, path, intent string, fn func(ctx context.Context) error) error {
	token, err := m.Acquire(ctx, path, intent, 0)
	if err != nil {
		return err
	}
	defer func() {
		// Release must survive caller cancellation.
		rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		_ = m.Release(rctx, path, token)
	}()
	return fn(ctx)
}

// AcquireRetry polls Acquire with capped exponential backoff until it
// succeeds, ctx is cancelled, or timeout elapses (ErrTimeout).
func (m *Manager) AcquireRetry(ctx context.Context, path, intent string, ttl, timeout time.Duration) (string, error) {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 50 * time.Millisecond
	bo.MaxInterval = 2 * time.Second
	bo.MaxElapsedTime = timeout

	var token string
	err := backoff.Retry(func() error {
		t, err := m.Acquire(ctx, path, intent, ttl)
		if err != nil {
			return err
		}
		token = t
		return nil
	}, backoff.WithContext(bo, ctx))
	if err != nil {
		if ctx.Err() != nil || errors.Is(err, domain.ErrLockBusy) {
			return "", fmt.Errorf("op=locks.AcquireRetry path=%s: %w", canonical(path), domain.ErrTimeout)
		}
		return "", err
	}
	return token, nil
}

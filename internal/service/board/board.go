// Package board holds threaded conversations in the KV and fans structured
// messages out to channel adapters. Adapters live outside the core; the
// terminal and file adapters here are the reference implementations of the
// contract.
package board

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/fairyhunter13/agentcoord/internal/adapter/observability"
	"github.com/fairyhunter13/agentcoord/internal/domain"
)

// Board stores threads and posts.
type Board struct {
	backend domain.Backend
	now     func() time.Time
}

// Option adjusts board construction.
type Option func(*Board)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(b *Board) { b.now = now }
}

// New builds a board over the backend.
func New(backend domain.Backend, opts ...Option) *Board {
	b := &Board{backend: backend, now: time.Now}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// CreateThread opens a thread on the named channel with one initial post.
func (b *Board) CreateThread(ctx context.Context, channel, title, author, body string) (string, error) {
	if channel == "" || title == "" {
		return "", fmt.Errorf("op=board.CreateThread: channel and title are required")
	}
	now := b.now().UTC()
	thread := &domain.BoardThread{
		ID:        uuid.NewString(),
		Channel:   channel,
		Title:     title,
		CreatedBy: author,
		CreatedAt: now,
	}
	if body != "" {
		thread.Posts = []domain.BoardPost{{
			Author:    author,
			Timestamp: now,
			Body:      body,
			Priority:  string(domain.PriorityNormal),
		}}
	}
	if err := b.writeThread(ctx, thread); err != nil {
		return "", err
	}
	if err := b.backend.ZAdd(ctx, domain.KeyBoardByChannel+channel, float64(now.UnixMilli()), thread.ID); err != nil {
		return "", fmt.Errorf("op=board.CreateThread thread=%s: %w", thread.ID, err)
	}
	return thread.ID, nil
}

// Reply appends a post to an existing thread.
func (b *Board) Reply(ctx context.Context, threadID, author, body string, priority domain.MessagePriority) error {
	thread, err := b.GetThread(ctx, threadID)
	if err != nil {
		return err
	}
	if priority == "" {
		priority = domain.PriorityNormal
	}
	thread.Posts = append(thread.Posts, domain.BoardPost{
		Author:    author,
		Timestamp: b.now().UTC(),
		Body:      body,
		Priority:  string(priority),
	})
	return b.writeThread(ctx, thread)
}

// Pin marks a thread pinned so UIs can surface it first.
func (b *Board) Pin(ctx context.Context, threadID string, pinned bool) error {
	thread, err := b.GetThread(ctx, threadID)
	if err != nil {
		return err
	}
	thread.Pinned = pinned
	return b.writeThread(ctx, thread)
}

// GetThread loads one thread with its posts.
func (b *Board) GetThread(ctx context.Context, threadID string) (*domain.BoardThread, error) {
	rec, err := b.backend.HGetAll(ctx, domain.KeyBoardThread+threadID)
	if err != nil {
		return nil, fmt.Errorf("op=board.GetThread thread=%s: %w", threadID, err)
	}
	if len(rec) == 0 {
		return nil, fmt.Errorf("op=board.GetThread thread=%s: %w", threadID, domain.ErrUnknownThread)
	}
	return threadFromHash(rec), nil
}

// ListThreads returns a channel's threads, newest first, pinned before the
// rest.
func (b *Board) ListThreads(ctx context.Context, channel string) ([]*domain.BoardThread, error) {
	ms, err := b.backend.ZRevRangeByScore(ctx, domain.KeyBoardByChannel+channel, float64(1<<62), 0, 0)
	if err != nil {
		return nil, fmt.Errorf("op=board.ListThreads channel=%s: %w", channel, err)
	}
	out := make([]*domain.BoardThread, 0, len(ms))
	for _, m := range ms {
		thread, err := b.GetThread(ctx, m.Member)
		if err != nil {
			continue
		}
		out = append(out, thread)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Pinned && !out[j].Pinned })
	return out, nil
}

func (b *Board) writeThread(ctx context.Context, thread *domain.BoardThread) error {
	posts, err := json.Marshal(thread.Posts)
	if err != nil {
		return fmt.Errorf("op=board.writeThread thread=%s: %w", thread.ID, err)
	}
	err = b.backend.HSet(ctx, domain.KeyBoardThread+thread.ID, map[string]string{
		"id":         thread.ID,
		"channel":    thread.Channel,
		"title":      thread.Title,
		"created_by": thread.CreatedBy,
		"created_at": thread.CreatedAt.UTC().Format(domain.TimeFormat),
		"pinned":     strconv.FormatBool(thread.Pinned),
		"posts":      string(posts),
	})
	if err != nil {
		return fmt.Errorf("op=board.writeThread thread=%s: %w", thread.ID, err)
	}
	return nil
}

func threadFromHash(h map[string]string) *domain.BoardThread {
	thread := &domain.BoardThread{
		ID:        h["id"],
		Channel:   h["channel"],
		Title:     h["title"],
		CreatedBy: h["created_by"],
	}
	if t, err := time.Parse(domain.TimeFormat, h["created_at"]); err == nil {
		thread.CreatedAt = t
	}
	thread.Pinned, _ = strconv.ParseBool(h["pinned"])
	if s := h["posts"]; s != "" && s != "[]" {
		_ = json.Unmarshal([]byte(s), &thread.Posts)
	}
	return thread
}

// Adapter is the contract channel surfaces implement. Adapters that cannot
// express a feature flatten it rather than fail.
type Adapter interface {
	Name() string
	Post(ctx context.Context, msg domain.Message) error
	DirectMessage(ctx context.Context, msg domain.Message) error
	Supports(feature string) bool
}

// Adapter feature names probed through Supports.
const (
	FeatureThreads = "threads"
	FeatureDM      = "direct_message"
)

// DeliveryResult is one adapter's outcome for a broadcast.
type DeliveryResult struct {
	Adapter string
	Err     error
}

// ChannelManager fans messages out to every enabled adapter.
type ChannelManager struct {
	board    *Board
	adapters []Adapter
	now      func() time.Time
}

// NewChannelManager wires the adapters. board may be nil when only fan-out
// is wanted.
func NewChannelManager(board *Board, adapters ...Adapter) *ChannelManager {
	return &ChannelManager{board: board, adapters: adapters, now: time.Now}
}

// Broadcast delivers the message to every adapter and reports per-adapter
// success. One failing adapter never blocks the others.
func (m *ChannelManager) Broadcast(ctx context.Context, msg domain.Message) []DeliveryResult {
	if msg.Timestamp.IsZero() {
		msg.Timestamp = m.now().UTC()
	}
	if msg.Priority == "" {
		msg.Priority = domain.PriorityNormal
	}
	results := make([]DeliveryResult, 0, len(m.adapters))
	for _, a := range m.adapters {
		var err error
		if msg.ToAgent != "" && a.Supports(FeatureDM) {
			err = a.DirectMessage(ctx, msg)
		} else {
			err = a.Post(ctx, msg)
		}
		if err != nil {
			observability.LoggerFromContext(ctx).Error("adapter delivery failed",
				slog.String("adapter", a.Name()),
				slog.Any("error", err))
		}
		results = append(results, DeliveryResult{Adapter: a.Name(), Err: err})
	}
	return results
}

// Announce posts an announcement thread to the board and broadcasts it.
func (m *ChannelManager) Announce(ctx context.Context, channel, title, author, body string) (string, []DeliveryResult, error) {
	var threadID string
	if m.board != nil {
		id, err := m.board.CreateThread(ctx, channel, title, author, body)
		if err != nil {
			return "", nil, err
		}
		threadID = id
	}
	results := m.Broadcast(ctx, domain.Message{
		Content:   body,
		FromAgent: author,
		Channel:   channel,
		Priority:  domain.PriorityHigh,
		Type:      domain.MessageAnnouncement,
		ThreadID:  threadID,
	})
	return threadID, results, nil
}

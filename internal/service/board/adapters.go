package board

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/google/renameio/v2"

	"github.com/fairyhunter13/agentcoord/internal/domain"
)

// TerminalAdapter prints messages to a writer, typically stderr. Threads
// flatten to an indented line; direct messages render inline.
type TerminalAdapter struct {
	mu sync.Mutex
	w  io.Writer
}

// NewTerminalAdapter writes to w, or stderr when w is nil.
func NewTerminalAdapter(w io.Writer) *TerminalAdapter {
	if w == nil {
		w = os.Stderr
	}
	return &TerminalAdapter{w: w}
}

func (a *TerminalAdapter) Name() string { return "terminal" }

func (a *TerminalAdapter) Supports(feature string) bool {
	return feature == FeatureDM
}

func (a *TerminalAdapter) Post(_ context.Context, msg domain.Message) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	prefix := ""
	if msg.ThreadID != "" {
		prefix = "  " // flattened thread reply
	}
	_, err := fmt.Fprintf(a.w, "%s[%s] %s (%s/%s): %s\n",
		prefix, msg.Timestamp.Format("15:04:05"), msg.FromAgent, msg.Type, msg.Priority, msg.Content)
	return err
}

func (a *TerminalAdapter) DirectMessage(_ context.Context, msg domain.Message) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	_, err := fmt.Fprintf(a.w, "[%s] %s -> %s (%s): %s\n",
		msg.Timestamp.Format("15:04:05"), msg.FromAgent, msg.ToAgent, msg.Priority, msg.Content)
	return err
}

// FileAdapter appends messages as JSONL, one file per channel, for offline
// inspection.
type FileAdapter struct {
	mu  sync.Mutex
	dir string
}

// NewFileAdapter writes channel logs under dir.
func NewFileAdapter(dir string) (*FileAdapter, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("op=board.NewFileAdapter dir=%s: %w", dir, err)
	}
	return &FileAdapter{dir: dir}, nil
}

func (a *FileAdapter) Name() string { return "file" }

func (a *FileAdapter) Supports(feature string) bool {
	return feature == FeatureThreads || feature == FeatureDM
}

func (a *FileAdapter) Post(_ context.Context, msg domain.Message) error {
	channel := msg.Channel
	if channel == "" {
		channel = "general"
	}
	return a.append(channel+".jsonl", msg)
}

func (a *FileAdapter) DirectMessage(_ context.Context, msg domain.Message) error {
	return a.append("dm_"+msg.ToAgent+".jsonl", msg)
}

func (a *FileAdapter) append(name string, msg domain.Message) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	line, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("op=board.FileAdapter.append: %w", err)
	}
	path := filepath.Join(a.dir, name)
	prev, err := os.ReadFile(path)
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("op=board.FileAdapter.append file=%s: %w", name, err)
	}
	if err := renameio.WriteFile(path, append(prev, append(line, '\n')...), 0o644); err != nil {
		return fmt.Errorf("op=board.FileAdapter.append file=%s: %w", name, err)
	}
	return nil
}

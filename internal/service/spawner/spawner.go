// Package spawner starts and tracks worker processes. Workers are opaque:
// the spawner launches them with enough environment to register and claim,
// then only watches liveness. Termination is graceful-first.
package spawner

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/fairyhunter13/agentcoord/internal/adapter/observability"
)

// Mode selects how a worker runs.
type Mode string

const (
	ModeProcess Mode = "process"
	ModeDocker  Mode = "docker"
	ModeCloud   Mode = "cloud"
)

// ErrModeUnsupported marks spawn modes this build knows about but cannot
// run, such as cloud.
var ErrModeUnsupported = errors.New("spawn mode not supported")

// Spec describes one worker to spawn.
type Spec struct {
	Name     string
	Tags     []string
	Mode     Mode
	MaxTasks int               // 0 = run until terminated
	Env      map[string]string // extra environment, worker-specific
}

// runtime is the per-mode lifecycle behind a handle.
type runtime interface {
	start(ctx context.Context, spec Spec, env []string) (ref string, err error)
	alive(ctx context.Context, ref string) bool
	terminate(ctx context.Context, ref string, grace time.Duration) error
}

// Handle tracks one spawned worker.
type Handle struct {
	ID        string
	Name      string
	Mode      Mode
	Ref       string // pid for processes, container id for docker
	Tags      []string
	StartedAt time.Time

	rt runtime
}

// Alive reports whether the underlying process still runs.
func (h *Handle) Alive(ctx context.Context) bool { return h.rt.alive(ctx, h.Ref) }

// Terminate stops the worker, politely first, forcefully after grace.
func (h *Handle) Terminate(ctx context.Context, grace time.Duration) error {
	return h.rt.terminate(ctx, h.Ref, grace)
}

// Spawner launches workers and keeps their handles.
type Spawner struct {
	mu       sync.Mutex
	handles  map[string]*Handle
	runtimes map[Mode]runtime

	redisURL    string
	fallbackDir string
}

// Option adjusts spawner construction.
type Option func(*Spawner)

// WithProcessRuntime enables local subprocess spawning with the given
// worker binary.
func WithProcessRuntime(binary string, args ...string) Option {
	return func(s *Spawner) {
		s.runtimes[ModeProcess] = &processRuntime{binary: binary, args: args}
	}
}

// WithDockerRuntime enables container spawning with the given image. The
// client is resolved from the environment on first use.
func WithDockerRuntime(image string) Option {
	return func(s *Spawner) {
		s.runtimes[ModeDocker] = &dockerRuntime{image: image}
	}
}

// New builds a spawner. The redis URL and fallback dir are handed down to
// every worker so it joins the same coordination state.
func New(redisURL, fallbackDir string, opts ...Option) *Spawner {
	s := &Spawner{
		handles:     make(map[string]*Handle),
		runtimes:    make(map[Mode]runtime),
		redisURL:    redisURL,
		fallbackDir: fallbackDir,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Spawn starts one worker and returns its handle.
func (s *Spawner) Spawn(ctx context.Context, spec Spec) (*Handle, error) {
	if spec.Mode == "" {
		spec.Mode = ModeProcess
	}
	if spec.Mode == ModeCloud {
		return nil, fmt.Errorf("op=spawner.Spawn mode=cloud: %w", ErrModeUnsupported)
	}
	rt, ok := s.runtimes[spec.Mode]
	if !ok {
		return nil, fmt.Errorf("op=spawner.Spawn mode=%s: runtime not configured", spec.Mode)
	}
	if spec.Name == "" {
		spec.Name = "worker-" + uuid.NewString()[:8]
	}

	env := []string{
		"REDIS_URL=" + s.redisURL,
		"AGENTCOORD_FALLBACK_DIR=" + s.fallbackDir,
		"AGENTCOORD_WORKER_NAME=" + spec.Name,
		"AGENTCOORD_WORKER_TAGS=" + strings.Join(spec.Tags, ","),
		"AGENTCOORD_WORKER_MAX_TASKS=" + strconv.Itoa(spec.MaxTasks),
	}
	for k, v := range spec.Env {
		env = append(env, k+"="+v)
	}

	ref, err := rt.start(ctx, spec, env)
	if err != nil {
		return nil, fmt.Errorf("op=spawner.Spawn name=%s mode=%s: %w", spec.Name, spec.Mode, err)
	}
	h := &Handle{
		ID:        uuid.NewString(),
		Name:      spec.Name,
		Mode:      spec.Mode,
		Ref:       ref,
		Tags:      spec.Tags,
		StartedAt: time.Now().UTC(),
		rt:        rt,
	}
	s.mu.Lock()
	s.handles[h.ID] = h
	s.mu.Unlock()

	observability.WorkersSpawnedTotal.WithLabelValues(string(spec.Mode)).Inc()
	observability.LoggerFromContext(ctx).Info("worker spawned",
		slog.String("name", spec.Name),
		slog.String("mode", string(spec.Mode)),
		slog.String("ref", ref))
	return h, nil
}

// ListWorkers returns the known handles, oldest first.
func (s *Spawner) ListWorkers() []*Handle {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*Handle, 0, len(s.handles))
	for _, h := range s.handles {
		out = append(out, h)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.Before(out[j].StartedAt) })
	return out
}

// Get returns one handle by id.
func (s *Spawner) Get(id string) (*Handle, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	h, ok := s.handles[id]
	return h, ok
}

// GCDeadWorkers drops handles whose process has exited and returns how many
// were pruned.
func (s *Spawner) GCDeadWorkers(ctx context.Context) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	pruned := 0
	for id, h := range s.handles {
		if !h.rt.alive(ctx, h.Ref) {
			delete(s.handles, id)
			pruned++
		}
	}
	return pruned
}

// TerminateAll stops every tracked worker and clears the handle table.
func (s *Spawner) TerminateAll(ctx context.Context, grace time.Duration) error {
	var firstErr error
	for _, h := range s.ListWorkers() {
		if err := h.Terminate(ctx, grace); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	s.mu.Lock()
	s.handles = make(map[string]*Handle)
	s.mu.Unlock()
	return firstErr
}

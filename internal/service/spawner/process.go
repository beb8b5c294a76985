package spawner

import (
	"context"
	"errors"
	"os"
	"os/exec"
	"strconv"
	"sync"
	"syscall"
	"time"
)

// processRuntime runs workers as local subprocesses. Each child is reaped
// by a Wait goroutine so exits never leave zombies.
type processRuntime struct {
	binary string
	args   []string

	mu    sync.Mutex
	procs map[int]*exec.Cmd
	done  map[int]chan struct{}
}

func (r *processRuntime) start(ctx context.Context, _ Spec, env []string) (string, error) {
	cmd := exec.Command(r.binary, r.args...)
	cmd.Env = append(os.Environ(), env...)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	if err := cmd.Start(); err != nil {
		return "", err
	}

	r.mu.Lock()
	if r.procs == nil {
		r.procs = make(map[int]*exec.Cmd)
		r.done = make(map[int]chan struct{})
	}
	pid := cmd.Process.Pid
	done := make(chan struct{})
	r.procs[pid] = cmd
	r.done[pid] = done
	r.mu.Unlock()

	go func() {
		_ = cmd.Wait()
		close(done)
	}()
	return strconv.Itoa(pid), nil
}

func (r *processRuntime) lookup(ref string) (*exec.Cmd, chan struct{}) {
	pid, err := strconv.Atoi(ref)
	if err != nil {
		return nil, nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.procs[pid], r.done[pid]
}

func (r *processRuntime) alive(_ context.Context, ref string) bool {
	cmd, done := r.lookup(ref)
	if cmd == nil {
		return false
	}
	select {
	case <-done:
		return false
	default:
		return true
	}
}

func (r *processRuntime) terminate(ctx context.Context, ref string, grace time.Duration) error {
	cmd, done := r.lookup(ref)
	if cmd == nil {
		return nil
	}
	select {
	case <-done:
		return nil
	default:
	}
	if err := cmd.Process.Signal(syscall.SIGTERM); err != nil {
		return err
	}
	select {
	case <-done:
		return nil
	case <-time.After(grace):
	case <-ctx.Done():
	}
	if err := cmd.Process.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
		return err
	}
	<-done
	return nil
}

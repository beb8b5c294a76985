package spawner

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/client"
)

// dockerRuntime runs workers as containers. The daemon client is resolved
// lazily from the environment so a spawner without docker workers never
// needs a daemon.
type dockerRuntime struct {
	image string

	once sync.Once
	cli  *client.Client
	err  error
}

func (r *dockerRuntime) clientLazy() (*client.Client, error) {
	r.once.Do(func() {
		r.cli, r.err = client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	})
	return r.cli, r.err
}

func (r *dockerRuntime) start(ctx context.Context, spec Spec, env []string) (string, error) {
	cli, err := r.clientLazy()
	if err != nil {
		return "", fmt.Errorf("docker client: %w", err)
	}
	cfg := &container.Config{
		Image:  r.image,
		Env:    env,
		Labels: map[string]string{"agentcoord.worker": spec.Name},
	}
	hostCfg := &container.HostConfig{AutoRemove: false}
	created, err := cli.ContainerCreate(ctx, cfg, hostCfg, nil, nil, "agentcoord-"+spec.Name)
	if err != nil {
		return "", fmt.Errorf("container create: %w", err)
	}
	if err := cli.ContainerStart(ctx, created.ID, container.StartOptions{}); err != nil {
		_ = cli.ContainerRemove(ctx, created.ID, container.RemoveOptions{Force: true})
		return "", fmt.Errorf("container start: %w", err)
	}
	return created.ID, nil
}

func (r *dockerRuntime) alive(ctx context.Context, ref string) bool {
	cli, err := r.clientLazy()
	if err != nil {
		return false
	}
	info, err := cli.ContainerInspect(ctx, ref)
	if err != nil {
		return false
	}
	return info.State != nil && info.State.Running
}

func (r *dockerRuntime) terminate(ctx context.Context, ref string, grace time.Duration) error {
	cli, err := r.clientLazy()
	if err != nil {
		return err
	}
	secs := int(grace.Seconds())
	if err := cli.ContainerStop(ctx, ref, container.StopOptions{Timeout: &secs}); err != nil {
		// Stop escalates to SIGKILL itself after the timeout; a failure here
		// means the daemon lost the container or the call itself failed.
		if client.IsErrNotFound(err) {
			return nil
		}
		return fmt.Errorf("container stop: %w", err)
	}
	if err := cli.ContainerRemove(ctx, ref, container.RemoveOptions{Force: true}); err != nil && !client.IsErrNotFound(err) {
		return fmt.Errorf("container remove: %w", err)
	}
	return nil
}

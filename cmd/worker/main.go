// Command worker is the claim-loop shell the spawner launches. It registers
// under its spawn name, claims tasks matching its tags, and hands each one
// to an external executor command. What the executor does with a task is
// its own business; the worker only reports the outcome back to the queue.
package main

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"os/exec"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/fairyhunter13/agentcoord/internal/adapter/observability"
	"github.com/fairyhunter13/agentcoord/internal/app"
	"github.com/fairyhunter13/agentcoord/internal/config"
	"github.com/fairyhunter13/agentcoord/internal/domain"
	"github.com/fairyhunter13/agentcoord/internal/service/queue"
)

const claimWait = 30 * time.Second

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}

	logger := observability.SetupLogger(cfg)
	slog.SetDefault(logger)

	name := os.Getenv("AGENTCOORD_WORKER_NAME")
	if name == "" {
		name = "worker-" + strconv.Itoa(os.Getpid())
	}
	var tags []string
	if raw := os.Getenv("AGENTCOORD_WORKER_TAGS"); raw != "" {
		tags = strings.Split(raw, ",")
	}
	maxTasks, _ := strconv.Atoi(os.Getenv("AGENTCOORD_WORKER_MAX_TASKS"))
	executor := os.Getenv("AGENTCOORD_WORKER_EXEC")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	ctx = observability.ContextWithLogger(ctx, logger)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		slog.Info("shutdown signal received", slog.String("signal", sig.String()))
		cancel()
	}()

	client, err := app.Session(ctx, cfg, app.SessionSpec{
		Role:         "worker",
		Name:         name,
		AgentID:      name, // leases must be attributable to the spawn name
		Capabilities: tags,
	})
	if err != nil {
		slog.Error("session open failed", slog.Any("error", err))
		os.Exit(1)
	}
	defer func() {
		if err := client.Close(); err != nil {
			slog.Error("session close failed", slog.Any("error", err))
		}
	}()
	slog.Info("worker up",
		slog.String("agent_id", client.AgentID),
		slog.String("backend", string(client.Mode)),
		slog.Any("tags", tags))

	completed := 0
	for ctx.Err() == nil {
		task, err := client.Queue().ClaimWait(ctx, client.AgentID, tags, claimWait)
		if err != nil {
			if ctx.Err() != nil {
				break
			}
			if errors.Is(err, domain.ErrTimeout) {
				continue // empty queue, keep polling
			}
			// Backend trouble; bail out rather than spin.
			slog.Error("claim failed", slog.Any("error", err))
			break
		}
		runTask(ctx, client.Queue(), task, executor)
		completed++
		if maxTasks > 0 && completed >= maxTasks {
			slog.Info("max tasks reached, exiting", slog.Int("completed", completed))
			break
		}
	}
}

// runTask executes one claimed task end to end. Executor failures fail the
// task through the retry pipeline; a missing executor completes it as a
// no-op so the queue can be exercised without one.
func runTask(ctx context.Context, q *queue.Queue, task *domain.Task, executor string) {
	log := observability.LoggerFromContext(ctx).With(slog.String("task_id", task.ID))
	if err := q.Start(ctx, task.ID); err != nil {
		log.Error("start failed", slog.Any("error", err))
		return
	}
	if executor == "" {
		if err := q.Complete(ctx, task.ID, "no executor configured"); err != nil {
			log.Error("complete failed", slog.Any("error", err))
		}
		return
	}

	cmd := exec.CommandContext(ctx, executor)
	cmd.Env = append(os.Environ(),
		"AGENTCOORD_TASK_ID="+task.ID,
		"AGENTCOORD_TASK_TITLE="+task.Title,
		"AGENTCOORD_TASK_DESCRIPTION="+task.Description,
	)
	out, err := cmd.CombinedOutput()
	if err != nil {
		log.Warn("executor failed", slog.Any("error", err))
		if ferr := q.Fail(ctx, task.ID, err.Error()+": "+string(out)); ferr != nil {
			log.Error("fail report failed", slog.Any("error", ferr))
		}
		return
	}
	if err := q.Complete(ctx, task.ID, string(out)); err != nil {
		log.Error("complete failed", slog.Any("error", err))
	}
}

// Package kv selects the concrete backend for a session: Redis when
// reachable, the file-backed fallback otherwise.
package kv

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/fairyhunter13/agentcoord/internal/adapter/kv/filekv"
	"github.com/fairyhunter13/agentcoord/internal/adapter/kv/rediskv"
	"github.com/fairyhunter13/agentcoord/internal/config"
	"github.com/fairyhunter13/agentcoord/internal/domain"
)

// Mode reports which backend a Dial ended up with.
type Mode string

const (
	ModeRedis    Mode = "redis"
	ModeFallback Mode = "fallback"
)

// Dial connects to Redis; on connection failure it opens the file-backed
// fallback under cfg.FallbackDir. It returns ErrBackendUnavailable only
// when both are unusable.
func Dial(ctx context.Context, cfg config.Config) (domain.Backend, Mode, error) {
	store, err := rediskv.Dial(ctx, cfg.RedisURL)
	if err == nil {
		return store, ModeRedis, nil
	}
	slog.Warn("redis unreachable, using file fallback",
		slog.String("redis_url", cfg.RedisURL),
		slog.String("fallback_dir", cfg.FallbackDir),
		slog.Any("error", err))

	fb, ferr := filekv.Open(cfg.FallbackDir)
	if ferr != nil {
		return nil, "", fmt.Errorf("op=kv.Dial redis=%v: %w", err, ferr)
	}
	return fb, ModeFallback, nil
}

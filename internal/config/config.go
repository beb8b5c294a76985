// Package config defines configuration parsing and helpers.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/caarlos0/env/v10"
)

// Config holds all coordination settings parsed from environment variables.
type Config struct {
	AppEnv   string `env:"APP_ENV" envDefault:"dev"`
	RedisURL string `env:"REDIS_URL" envDefault:"redis://localhost:6379/0"`

	// FallbackDir is the root of the file-backed fallback store used when
	// Redis is unreachable at session start.
	FallbackDir string `env:"AGENTCOORD_FALLBACK_DIR"`

	// The *_SECONDS knobs are documented as plain integers, so they parse
	// as ints and Load derives the durations.
	HeartbeatSeconds int `env:"AGENTCOORD_HEARTBEAT_SECONDS" envDefault:"30"`
	HungSeconds      int `env:"AGENTCOORD_HUNG_SECONDS" envDefault:"300"`
	LockTTLSeconds   int `env:"AGENTCOORD_LOCK_TTL_SECONDS" envDefault:"600"`

	HeartbeatInterval time.Duration
	HungAfter         time.Duration
	LockTTL           time.Duration

	RetrySweepInterval   time.Duration `env:"AGENTCOORD_RETRY_SWEEP_INTERVAL" envDefault:"60s"`
	ReclaimSweepInterval time.Duration `env:"AGENTCOORD_RECLAIM_SWEEP_INTERVAL" envDefault:"60s"`

	// Auto-scaler policy.
	ScalerInterval  time.Duration `env:"AGENTCOORD_SCALER_INTERVAL" envDefault:"30s"`
	MinWorkers      int           `env:"AGENTCOORD_MIN_WORKERS" envDefault:"0"`
	MaxWorkers      int           `env:"AGENTCOORD_MAX_WORKERS" envDefault:"8"`
	TasksPerWorker  int           `env:"AGENTCOORD_TASKS_PER_WORKER" envDefault:"4"`
	WorkerIdleGrace time.Duration `env:"AGENTCOORD_WORKER_IDLE_GRACE" envDefault:"120s"`
	SpawnMode       string        `env:"AGENTCOORD_SPAWN_MODE" envDefault:"process"`
	WorkerImage     string        `env:"AGENTCOORD_WORKER_IMAGE" envDefault:"agentcoord-worker"`
	WorkerBinary    string        `env:"AGENTCOORD_WORKER_BINARY"`

	// LLM budget.
	LLMMaxConcurrent  int     `env:"AGENTCOORD_LLM_MAX_CONCURRENT" envDefault:"10"`
	LLMDailyBudget    float64 `env:"AGENTCOORD_LLM_DAILY_BUDGET" envDefault:"0"`
	LLMPerAgentBudget float64 `env:"AGENTCOORD_LLM_PER_AGENT_BUDGET" envDefault:"0"`

	MetricsPort     int    `env:"AGENTCOORD_METRICS_PORT" envDefault:"9090"`
	OTLPEndpoint    string `env:"OTEL_EXPORTER_OTLP_ENDPOINT" envDefault:""`
	OTELServiceName string `env:"OTEL_SERVICE_NAME" envDefault:"agentcoord"`
}

// Load parses environment variables into a Config.
func Load() (Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("op=config.Load: %w", err)
	}
	if cfg.FallbackDir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			home = "."
		}
		cfg.FallbackDir = filepath.Join(home, ".agentcoord", "state")
	}
	cfg.HeartbeatInterval = time.Duration(cfg.HeartbeatSeconds) * time.Second
	cfg.HungAfter = time.Duration(cfg.HungSeconds) * time.Second
	cfg.LockTTL = time.Duration(cfg.LockTTLSeconds) * time.Second
	return cfg, nil
}

// IsDev reports whether the library is running in development mode.
func (c Config) IsDev() bool { return strings.ToLower(c.AppEnv) == "dev" }

// IsTest reports whether the library is running in test mode.
func (c Config) IsTest() bool { return strings.ToLower(c.AppEnv) == "test" }

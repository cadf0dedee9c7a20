// Package config loads process configuration from the environment.
package config

import (
	"time"

	"github.com/caarlos0/env/v11"

	"github.com/avelez-dev/taskpulse/pkg/logger"
)

// Config covers both the gateway and worker binaries; each reads the
// subset it needs.
type Config struct {
	AppEnv string `env:"APP_ENV" envDefault:"development"`

	APIAddr     string `env:"API_ADDR" envDefault:":8081"`
	MetricsAddr string `env:"METRICS_ADDR" envDefault:":8080"`
	APIKey      string `env:"API_KEY"`

	RedisAddr     string `env:"REDIS_ADDR" envDefault:"localhost:6379"`
	RedisPassword string `env:"REDIS_PASSWORD"`

	// PollTimeout bounds each blocking dequeue so worker loops stay
	// responsive to shutdown.
	PollTimeout time.Duration `env:"POLL_TIMEOUT" envDefault:"10s"`

	// MaxJobDuration is the processing-claim TTL.
	MaxJobDuration time.Duration `env:"MAX_JOB_DURATION" envDefault:"30m"`

	BackoffBase   time.Duration `env:"BACKOFF_BASE" envDefault:"20s"`
	BackoffFactor float64       `env:"BACKOFF_FACTOR" envDefault:"2"`
	BackoffCap    time.Duration `env:"BACKOFF_CAP" envDefault:"5m"`

	// ExecutorURL is where the worker posts payloads for execution.
	ExecutorURL     string        `env:"EXECUTOR_URL" envDefault:"http://localhost:9090/execute"`
	ExecutorTimeout time.Duration `env:"EXECUTOR_TIMEOUT" envDefault:"25m"`

	// SweepInterval drives the gateway's stale-connection probe.
	SweepInterval time.Duration `env:"SWEEP_INTERVAL" envDefault:"1m"`
}

// Load parses the environment and exits on invalid values.
func Load() Config {
	var c Config
	if err := env.Parse(&c); err != nil {
		logger.Log.Fatal().Err(err).Msg("Invalid configuration")
	}
	return c
}

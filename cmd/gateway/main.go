// Package main implements the gateway process: it accepts websocket
// subscriber connections, relays worker status events to them, and exposes
// the enqueue and queue-admin HTTP surface.
//
// Endpoints:
//
//	GET    /ws?subscriber_id=...&job_id=...  - websocket handshake
//	POST   /v1/jobs                          - enqueue a job
//	POST   /v1/schedules                     - register a recurring enqueue
//	GET    /v1/queue/stats                   - queue + connection stats
//	GET    /v1/queue/failed?limit=N          - inspect the failed set
//	DELETE /v1/queue/failed                  - purge the failed set
package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/avelez-dev/taskpulse/internal/config"
	"github.com/avelez-dev/taskpulse/pkg/hub"
	"github.com/avelez-dev/taskpulse/pkg/logger"
	"github.com/avelez-dev/taskpulse/pkg/notify"
	"github.com/avelez-dev/taskpulse/pkg/queue"
)

func main() {
	cfg := config.Load()
	log := logger.For("gateway")

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
	})

	q := queue.New(rdb, cfg.MaxJobDuration)
	q.SetBackoff(queue.ExponentialBackoff(cfg.BackoffBase, cfg.BackoffFactor, cfg.BackoffCap))
	q.StartCron()
	defer q.StopCron()

	reg := hub.NewRegistry()
	notifier := hub.NewNotifier(reg)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Worker status events arrive over Redis pub/sub and fan out through
	// the registry.
	relay := notify.NewRelay(rdb, notifier)
	go func() {
		if err := relay.Run(ctx); err != nil {
			log.Error().Err(err).Msg("Event relay exited")
		}
	}()

	go func() {
		ticker := time.NewTicker(cfg.SweepInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				reg.Sweep()
			}
		}
	}()

	srv := &http.Server{
		Addr:    cfg.APIAddr,
		Handler: setupRouter(q, reg, cfg.APIKey),
	}

	go func() {
		log.Info().Str("addr", cfg.APIAddr).Msg("Gateway listening")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("Gateway server failed")
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	log.Info().Msg("Shutting down gateway...")
	notifier.NotifySystem("info", "gateway shutting down")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Shutdown error")
	}
}

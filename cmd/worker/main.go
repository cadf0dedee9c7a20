// Package main implements the worker process. It continuously dequeues jobs
// from Redis, hands their payloads to the configured execution service, and
// reports outcomes back to the queue and to subscribers via pub/sub.
//
// Prometheus metrics are exposed on METRICS_ADDR at /metrics.
package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"github.com/avelez-dev/taskpulse/internal/config"
	"github.com/avelez-dev/taskpulse/pkg/logger"
	"github.com/avelez-dev/taskpulse/pkg/notify"
	"github.com/avelez-dev/taskpulse/pkg/queue"
	"github.com/avelez-dev/taskpulse/pkg/worker"
)

var (
	// jobsProcessed counts finished executions by outcome
	// ("completed" or "failed").
	jobsProcessed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "taskpulse_processed_total",
		Help: "The total number of processed jobs",
	}, []string{"status"})

	// jobDuration tracks execution latency in seconds.
	jobDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "taskpulse_job_duration_seconds",
		Help:    "Duration of job execution",
		Buckets: prometheus.DefBuckets,
	})

	// queueDepth tracks the number of jobs per queue structure, updated by
	// the collector goroutine.
	queueDepth = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "taskpulse_queue_depth",
		Help: "Number of jobs in each queue",
	}, []string{"queue"})
)

// meteredExecutor wraps another executor with the processing metrics.
type meteredExecutor struct {
	inner worker.Executor
}

func (m *meteredExecutor) Execute(ctx context.Context, jobID string, payload []byte) error {
	start := time.Now()
	err := m.inner.Execute(ctx, jobID, payload)
	jobDuration.Observe(time.Since(start).Seconds())
	if err != nil {
		jobsProcessed.WithLabelValues("failed").Inc()
	} else {
		jobsProcessed.WithLabelValues("completed").Inc()
	}
	return err
}

func main() {
	cfg := config.Load()
	log := logger.For("worker")

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
	})

	q := queue.New(rdb, cfg.MaxJobDuration)
	q.SetBackoff(queue.ExponentialBackoff(cfg.BackoffBase, cfg.BackoffFactor, cfg.BackoffCap))

	exec := &meteredExecutor{inner: newHTTPExecutor(cfg.ExecutorURL, cfg.ExecutorTimeout)}
	sink := notify.NewPublisher(rdb)
	w := worker.New(q, exec, sink, cfg.PollTimeout)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() {
		http.Handle("/metrics", promhttp.Handler())
		log.Info().Str("addr", cfg.MetricsAddr).Msg("Metrics server listening")
		if err := http.ListenAndServe(cfg.MetricsAddr, nil); err != nil {
			log.Error().Err(err).Msg("Metrics server failed")
		}
	}()

	go collectQueueMetrics(ctx, q)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigChan
		log.Info().Msg("Shutting down worker...")
		cancel()
	}()

	if err := w.Run(ctx); err != nil {
		log.Fatal().Err(err).Msg("Worker loop failed")
	}
}

// collectQueueMetrics periodically reads queue depths into the Prometheus
// gauges.
func collectQueueMetrics(ctx context.Context, q *queue.Client) {
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			stats, err := q.Stats(ctx)
			if err != nil {
				continue
			}
			queueDepth.WithLabelValues("low").Set(float64(stats.QueueLow))
			queueDepth.WithLabelValues("normal").Set(float64(stats.QueueNormal))
			queueDepth.WithLabelValues("high").Set(float64(stats.QueueHigh))
			queueDepth.WithLabelValues("urgent").Set(float64(stats.QueueUrgent))
			queueDepth.WithLabelValues("delayed").Set(float64(stats.QueueDelayed))
			queueDepth.WithLabelValues("failed").Set(float64(stats.QueueFailed))
			queueDepth.WithLabelValues("processing").Set(float64(stats.Processing))
		}
	}
}

// Package worker implements the dequeue-execute-acknowledge loop. Each
// Worker is an independent consumer identified by a unique owner id; any
// number of them can run against the same queue, coordinating only through
// Redis.
package worker

import (
	"context"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/avelez-dev/taskpulse/pkg/jobs"
	"github.com/avelez-dev/taskpulse/pkg/logger"
	"github.com/avelez-dev/taskpulse/pkg/queue"
)

// Job states reported to the status sink.
const (
	StateRunning   = "running"
	StateCompleted = "completed"
	StateFailed    = "failed"
)

// Executor runs the actual work for one message. The payload is opaque to
// the worker; the executor owns its interpretation. Returned errors are
// treated as retryable unless wrapped with NonRetryable.
type Executor interface {
	Execute(ctx context.Context, jobID string, payload []byte) error
}

// ExecutorFunc adapts a function to the Executor interface.
type ExecutorFunc func(ctx context.Context, jobID string, payload []byte) error

func (f ExecutorFunc) Execute(ctx context.Context, jobID string, payload []byte) error {
	return f(ctx, jobID, payload)
}

// StatusSink receives lifecycle notifications so watchers can follow a job
// live. Implementations must not block for long; sends happen on the worker
// loop.
type StatusSink interface {
	OnStatus(ctx context.Context, jobID, subscriberID, state string, progress float64, message string)
	OnLog(ctx context.Context, jobID, subscriberID, level, message, step string)
}

// NopSink discards all notifications.
type NopSink struct{}

func (NopSink) OnStatus(context.Context, string, string, string, float64, string) {}
func (NopSink) OnLog(context.Context, string, string, string, string, string)     {}

// Worker polls the queue, hands claimed messages to the executor, and
// reports the outcome back to the queue and the status sink.
type Worker struct {
	ID string

	queue       *queue.Client
	exec        Executor
	sink        StatusSink
	pollTimeout time.Duration
	log         zerolog.Logger
}

// New creates a worker with a generated id. pollTimeout bounds each blocking
// dequeue so the loop stays responsive to shutdown even when idle.
func New(q *queue.Client, exec Executor, sink StatusSink, pollTimeout time.Duration) *Worker {
	if sink == nil {
		sink = NopSink{}
	}
	if pollTimeout <= 0 {
		pollTimeout = 10 * time.Second
	}
	uid := uuid.New()
	id := fmt.Sprintf("worker_%x", uid[:4])
	return &Worker{
		ID:          id,
		queue:       q,
		exec:        exec,
		sink:        sink,
		pollTimeout: pollTimeout,
		log:         logger.For("worker").With().Str("worker_id", id).Logger(),
	}
}

// Run executes the worker loop until ctx is cancelled. One bad job never
// takes the loop down: executor errors are recorded through Fail and the
// loop continues. Consecutive store errors pause the loop with exponential
// backoff rather than spinning.
func (w *Worker) Run(ctx context.Context) error {
	w.log.Info().Msg("Worker started. Waiting for jobs...")

	pause := backoff.NewExponentialBackOff()
	pause.MaxElapsedTime = 0
	pause.MaxInterval = 30 * time.Second

	for {
		select {
		case <-ctx.Done():
			w.log.Info().Msg("Worker stopped")
			return nil
		default:
		}

		msg, err := w.queue.Dequeue(ctx, w.ID, w.pollTimeout)
		if err != nil {
			if ctx.Err() != nil {
				continue
			}
			wait := pause.NextBackOff()
			w.log.Error().Err(err).Dur("pause", wait).Msg("Dequeue failed")
			select {
			case <-ctx.Done():
			case <-time.After(wait):
			}
			continue
		}
		pause.Reset()
		if msg == nil {
			continue
		}

		w.process(ctx, msg)
	}
}

// process drives one message through CLAIMED -> EXECUTING -> ACKED/FAILED.
func (w *Worker) process(ctx context.Context, msg *jobs.Message) {
	// Reporting and acknowledgement must outlive a shutdown that lands
	// mid-execution, so they use a context detached from cancellation.
	rctx := context.WithoutCancel(ctx)

	w.log.Info().Str("job_id", msg.JobID).Int("attempts", msg.Attempts).Msg("Processing job")
	w.sink.OnStatus(rctx, msg.JobID, msg.SubscriberID, StateRunning, 0, "")

	start := time.Now()
	err := w.safeExecute(ctx, msg)

	if err == nil {
		if _, ackErr := w.queue.Ack(rctx, msg.JobID, w.ID); ackErr != nil {
			w.log.Error().Err(ackErr).Str("job_id", msg.JobID).Msg("Ack failed")
		}
		w.sink.OnStatus(rctx, msg.JobID, msg.SubscriberID, StateCompleted, 1, "")
		w.log.Info().
			Str("job_id", msg.JobID).
			Dur("duration", time.Since(start)).
			Msg("Job succeeded")
		return
	}

	reason := err.Error()
	if ctx.Err() != nil {
		reason = "worker shutdown"
	}
	retryable := !IsNonRetryable(err)

	if _, failErr := w.queue.Fail(rctx, msg.JobID, w.ID, reason, retryable); failErr != nil {
		w.log.Error().Err(failErr).Str("job_id", msg.JobID).Msg("Fail reporting failed")
	}
	w.sink.OnStatus(rctx, msg.JobID, msg.SubscriberID, StateFailed, 0, reason)
	w.sink.OnLog(rctx, msg.JobID, msg.SubscriberID, "error", reason, "execute")
	w.log.Error().
		Err(err).
		Str("job_id", msg.JobID).
		Bool("retryable", retryable).
		Msg("Job failed")
}

// safeExecute calls the executor and converts a panic into an error so a
// misbehaving payload cannot crash the process.
func (w *Worker) safeExecute(ctx context.Context, msg *jobs.Message) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("executor panic: %v", r)
		}
	}()
	return w.exec.Execute(ctx, msg.JobID, msg.Payload)
}

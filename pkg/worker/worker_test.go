package worker

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/avelez-dev/taskpulse/pkg/jobs"
	"github.com/avelez-dev/taskpulse/pkg/queue"
)

type sinkEvent struct {
	kind    string
	jobID   string
	state   string
	level   string
	message string
}

// recordingSink captures status/log events for assertions.
type recordingSink struct {
	mu     sync.Mutex
	events []sinkEvent
}

func (s *recordingSink) OnStatus(_ context.Context, jobID, _, state string, _ float64, message string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, sinkEvent{kind: "status", jobID: jobID, state: state, message: message})
}

func (s *recordingSink) OnLog(_ context.Context, jobID, _, level, message, _ string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, sinkEvent{kind: "log", jobID: jobID, level: level, message: message})
}

func (s *recordingSink) states(jobID string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []string
	for _, e := range s.events {
		if e.kind == "status" && e.jobID == jobID {
			out = append(out, e.state)
		}
	}
	return out
}

func setupWorkerTest(t *testing.T, exec Executor, sink StatusSink) (*queue.Client, *redis.Client, *Worker) {
	t.Helper()
	s, err := miniredis.Run()
	if err != nil {
		t.Fatalf("Failed to start miniredis: %v", err)
	}
	t.Cleanup(s.Close)

	rdb := redis.NewClient(&redis.Options{Addr: s.Addr()})
	t.Cleanup(func() { rdb.Close() })

	q := queue.New(rdb, time.Minute)
	q.SetBackoff(func(int) time.Duration { return 0 })
	return q, rdb, New(q, exec, sink, 100*time.Millisecond)
}

// waitFor polls cond until it holds or the deadline passes.
func waitFor(t *testing.T, d time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(d)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatal("Condition not reached before deadline")
}

func TestWorkerCompletesJob(t *testing.T) {
	var gotPayload atomic.Value
	exec := ExecutorFunc(func(_ context.Context, jobID string, payload []byte) error {
		gotPayload.Store(string(payload))
		return nil
	})
	sink := &recordingSink{}
	q, rdb, w := setupWorkerTest(t, exec, sink)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() {
		w.Run(ctx)
		close(done)
	}()

	err := q.Enqueue(ctx, jobs.Message{
		JobID:        "job-1",
		SubscriberID: "alice",
		Payload:      json.RawMessage(`{"product":"widget"}`),
		Priority:     jobs.PriorityNormal,
	}, 0)
	if err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}

	waitFor(t, 3*time.Second, func() bool {
		st, err := q.Stats(context.Background())
		return err == nil && st.Completed == 1
	})

	cancel()
	<-done

	if gotPayload.Load() != `{"product":"widget"}` {
		t.Errorf("Executor got wrong payload: %v", gotPayload.Load())
	}
	states := sink.states("job-1")
	if len(states) != 2 || states[0] != StateRunning || states[1] != StateCompleted {
		t.Errorf("Expected [running completed], got %v", states)
	}
	if keys, _ := rdb.Keys(context.Background(), "taskpulse:processing:*").Result(); len(keys) != 0 {
		t.Errorf("Expected no leftover claims, got %v", keys)
	}
}

func TestWorkerRetriesThenSucceeds(t *testing.T) {
	var calls atomic.Int32
	exec := ExecutorFunc(func(context.Context, string, []byte) error {
		if calls.Add(1) == 1 {
			return errors.New("transient failure")
		}
		return nil
	})
	sink := &recordingSink{}
	q, _, w := setupWorkerTest(t, exec, sink)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() {
		w.Run(ctx)
		close(done)
	}()

	q.Enqueue(ctx, jobs.Message{JobID: "flaky", Priority: jobs.PriorityNormal}, 0)

	waitFor(t, 5*time.Second, func() bool {
		st, err := q.Stats(context.Background())
		return err == nil && st.Completed == 1
	})

	cancel()
	<-done

	if calls.Load() != 2 {
		t.Errorf("Expected 2 executions, got %d", calls.Load())
	}
	states := sink.states("flaky")
	want := []string{StateRunning, StateFailed, StateRunning, StateCompleted}
	if len(states) != len(want) {
		t.Fatalf("Expected states %v, got %v", want, states)
	}
	for i := range want {
		if states[i] != want[i] {
			t.Fatalf("Expected states %v, got %v", want, states)
		}
	}
}

func TestWorkerNonRetryableGoesToFailedSet(t *testing.T) {
	exec := ExecutorFunc(func(context.Context, string, []byte) error {
		return NonRetryable(errors.New("malformed payload"))
	})
	sink := &recordingSink{}
	q, _, w := setupWorkerTest(t, exec, sink)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() {
		w.Run(ctx)
		close(done)
	}()

	q.Enqueue(ctx, jobs.Message{JobID: "poison", Priority: jobs.PriorityNormal}, 0)

	waitFor(t, 3*time.Second, func() bool {
		failed, err := q.ListFailed(context.Background(), 10)
		return err == nil && len(failed) == 1
	})

	cancel()
	<-done

	failed, _ := q.ListFailed(context.Background(), 10)
	if failed[0].JobID != "poison" || failed[0].Attempts != 1 {
		t.Errorf("Unexpected failed entry: %+v", failed[0])
	}
	states := sink.states("poison")
	if len(states) != 2 || states[1] != StateFailed {
		t.Errorf("Expected terminal failed status, got %v", states)
	}
}

func TestWorkerSurvivesExecutorPanic(t *testing.T) {
	exec := ExecutorFunc(func(context.Context, string, []byte) error {
		panic("boom")
	})
	q, _, w := setupWorkerTest(t, exec, &recordingSink{})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() {
		w.Run(ctx)
		close(done)
	}()

	q.Enqueue(ctx, jobs.Message{JobID: "grenade", Priority: jobs.PriorityNormal, MaxAttempts: 1}, 0)

	waitFor(t, 3*time.Second, func() bool {
		failed, err := q.ListFailed(context.Background(), 10)
		return err == nil && len(failed) == 1
	})

	cancel()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Worker did not stop after panic handling")
	}
}

func TestWorkerStopsOnCancel(t *testing.T) {
	q, _, w := setupWorkerTest(t, ExecutorFunc(func(context.Context, string, []byte) error { return nil }), nil)
	_ = q

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Run returned error on graceful shutdown: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Worker did not stop within the poll timeout")
	}
}

func TestNonRetryableClassification(t *testing.T) {
	base := errors.New("bad input")
	if IsNonRetryable(base) {
		t.Error("Plain error must be retryable")
	}
	if !IsNonRetryable(NonRetryable(base)) {
		t.Error("Wrapped error must be non-retryable")
	}
	if NonRetryable(nil) != nil {
		t.Error("NonRetryable(nil) must stay nil")
	}
	if !errors.Is(NonRetryable(base), base) {
		t.Error("NonRetryable must preserve the wrapped error")
	}
}

package main

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/avelez-dev/taskpulse/pkg/hub"
	"github.com/avelez-dev/taskpulse/pkg/jobs"
	"github.com/avelez-dev/taskpulse/pkg/queue"
)

func setupGateway(t *testing.T, apiKey string) (*queue.Client, http.Handler) {
	t.Helper()
	s, err := miniredis.Run()
	if err != nil {
		t.Fatalf("Failed to start miniredis: %v", err)
	}
	t.Cleanup(s.Close)

	rdb := redis.NewClient(&redis.Options{Addr: s.Addr()})
	t.Cleanup(func() { rdb.Close() })

	q := queue.New(rdb, time.Minute)
	return q, setupRouter(q, hub.NewRegistry(), apiKey)
}

func TestAPIKeyAuth(t *testing.T) {
	testCases := []struct {
		name       string
		configured string
		header     string
		wantStatus int
	}{
		{"missing key rejected", "secret", "", http.StatusUnauthorized},
		{"wrong key rejected", "secret", "nope", http.StatusUnauthorized},
		{"correct key accepted", "secret", "secret", http.StatusAccepted},
		{"empty config disables auth", "", "", http.StatusAccepted},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			_, router := setupGateway(t, tc.configured)

			req := httptest.NewRequest(http.MethodPost, "/v1/jobs", strings.NewReader(`{"payload":{"n":1}}`))
			if tc.header != "" {
				req.Header.Set("X-API-Key", tc.header)
			}
			rec := httptest.NewRecorder()
			router.ServeHTTP(rec, req)

			if rec.Code != tc.wantStatus {
				t.Errorf("Expected status %d, got %d", tc.wantStatus, rec.Code)
			}
		})
	}
}

func TestEnqueueEndpoint(t *testing.T) {
	q, router := setupGateway(t, "")

	body := `{"job_id":"job-42","subscriber_id":"alice","payload":{"product":"widget"},"priority":"high"}`
	req := httptest.NewRequest(http.MethodPost, "/v1/jobs", strings.NewReader(body))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusAccepted {
		t.Fatalf("Expected 202, got %d: %s", rec.Code, rec.Body.String())
	}
	var resp map[string]string
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}
	if resp["job_id"] != "job-42" || resp["status"] != "queued" {
		t.Errorf("Unexpected response: %v", resp)
	}

	msg, err := q.Dequeue(context.Background(), "test-owner", 100*time.Millisecond)
	if err != nil || msg == nil {
		t.Fatalf("Expected queued message, got msg=%v err=%v", msg, err)
	}
	if msg.JobID != "job-42" || msg.Priority != jobs.PriorityHigh || msg.SubscriberID != "alice" {
		t.Errorf("Unexpected message: %+v", msg)
	}
}

func TestEnqueueGeneratesJobID(t *testing.T) {
	_, router := setupGateway(t, "")

	req := httptest.NewRequest(http.MethodPost, "/v1/jobs", strings.NewReader(`{"payload":{}}`))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusAccepted {
		t.Fatalf("Expected 202, got %d", rec.Code)
	}
	var resp map[string]string
	json.Unmarshal(rec.Body.Bytes(), &resp)
	if resp["job_id"] == "" {
		t.Error("Expected a generated job_id")
	}
}

func TestEnqueueRejectsBadInput(t *testing.T) {
	testCases := []struct {
		name string
		body string
	}{
		{"malformed json", `{not json`},
		{"unknown priority", `{"priority":"extreme"}`},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			_, router := setupGateway(t, "")
			req := httptest.NewRequest(http.MethodPost, "/v1/jobs", strings.NewReader(tc.body))
			rec := httptest.NewRecorder()
			router.ServeHTTP(rec, req)
			if rec.Code != http.StatusBadRequest {
				t.Errorf("Expected 400, got %d", rec.Code)
			}
		})
	}
}

func TestStatsEndpoint(t *testing.T) {
	q, router := setupGateway(t, "")

	q.Enqueue(context.Background(), jobs.Message{JobID: "a", Priority: jobs.PriorityUrgent}, 0)
	q.Enqueue(context.Background(), jobs.Message{JobID: "b", Priority: jobs.PriorityLow}, 0)

	req := httptest.NewRequest(http.MethodGet, "/v1/queue/stats", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", rec.Code)
	}
	var resp struct {
		Queue       queue.Stats       `json:"queue"`
		Connections hub.RegistryStats `json:"connections"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}
	if resp.Queue.QueueUrgent != 1 || resp.Queue.QueueLow != 1 || resp.Queue.Enqueued != 2 {
		t.Errorf("Unexpected queue stats: %+v", resp.Queue)
	}
	if resp.Connections.Connections != 0 {
		t.Errorf("Expected no connections, got %+v", resp.Connections)
	}
}

func TestFailedListAndPurge(t *testing.T) {
	q, router := setupGateway(t, "secret")
	ctx := context.Background()

	// Drive one message into the failed set.
	q.SetBackoff(func(int) time.Duration { return 0 })
	q.Enqueue(ctx, jobs.Message{JobID: "doomed", Priority: jobs.PriorityNormal, MaxAttempts: 1}, 0)
	msg, _ := q.Dequeue(ctx, "owner", 100*time.Millisecond)
	if msg == nil {
		t.Fatal("Expected a message to fail")
	}
	q.Fail(ctx, msg.JobID, "owner", "boom", true)

	req := httptest.NewRequest(http.MethodGet, "/v1/queue/failed?limit=10", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", rec.Code)
	}
	var listResp struct {
		Failed []jobs.Message `json:"failed"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &listResp); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}
	if len(listResp.Failed) != 1 || listResp.Failed[0].JobID != "doomed" {
		t.Fatalf("Unexpected failed list: %+v", listResp.Failed)
	}

	// Purge requires the API key.
	req = httptest.NewRequest(http.MethodDelete, "/v1/queue/failed", nil)
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("Expected 401 without key, got %d", rec.Code)
	}

	req = httptest.NewRequest(http.MethodDelete, "/v1/queue/failed", nil)
	req.Header.Set("X-API-Key", "secret")
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", rec.Code)
	}
	var purgeResp map[string]int64
	json.Unmarshal(rec.Body.Bytes(), &purgeResp)
	if purgeResp["purged"] != 1 {
		t.Errorf("Expected 1 purged, got %d", purgeResp["purged"])
	}
}

func TestScheduleEndpoint(t *testing.T) {
	_, router := setupGateway(t, "")

	req := httptest.NewRequest(http.MethodPost, "/v1/schedules",
		strings.NewReader(`{"spec":"0 0 * * * *","payload":{"report":"hourly"}}`))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	if rec.Code != http.StatusCreated {
		t.Fatalf("Expected 201, got %d: %s", rec.Code, rec.Body.String())
	}

	req = httptest.NewRequest(http.MethodPost, "/v1/schedules",
		strings.NewReader(`{"spec":"not a cron spec"}`))
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("Expected 400 for bad spec, got %d", rec.Code)
	}
}

func TestWebsocketRequiresSubscriberID(t *testing.T) {
	_, router := setupGateway(t, "")

	req := httptest.NewRequest(http.MethodGet, "/ws", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("Expected 400 without subscriber_id, got %d", rec.Code)
	}
}

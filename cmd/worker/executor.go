package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/avelez-dev/taskpulse/pkg/worker"
)

// httpExecutor hands each payload to an external execution service with a
// single POST. The service's response status classifies the failure mode:
// 2xx is success, 408/429 and every 5xx are retryable, any other 4xx means
// the payload itself is bad and retrying cannot help.
type httpExecutor struct {
	url    string
	client *http.Client
}

func newHTTPExecutor(url string, timeout time.Duration) *httpExecutor {
	return &httpExecutor{
		url:    url,
		client: &http.Client{Timeout: timeout},
	}
}

func (e *httpExecutor) Execute(ctx context.Context, jobID string, payload []byte) error {
	body, err := json.Marshal(struct {
		JobID   string          `json:"job_id"`
		Payload json.RawMessage `json:"payload"`
	}{JobID: jobID, Payload: payload})
	if err != nil {
		return worker.NonRetryable(err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := e.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}

	msg, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
	err = fmt.Errorf("executor returned %d: %s", resp.StatusCode, bytes.TrimSpace(msg))
	if resp.StatusCode >= 400 && resp.StatusCode < 500 &&
		resp.StatusCode != http.StatusRequestTimeout && resp.StatusCode != http.StatusTooManyRequests {
		return worker.NonRetryable(err)
	}
	return err
}

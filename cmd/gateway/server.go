package main

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/avelez-dev/taskpulse/pkg/hub"
	"github.com/avelez-dev/taskpulse/pkg/jobs"
	"github.com/avelez-dev/taskpulse/pkg/logger"
	"github.com/avelez-dev/taskpulse/pkg/queue"
)

// apiKeyAuth enforces X-API-Key on mutating endpoints. An empty configured
// key disables the check (dev mode).
func apiKeyAuth(requiredKey string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if requiredKey != "" && r.Header.Get("X-API-Key") != requiredKey {
				http.Error(w, "Unauthorized", http.StatusUnauthorized)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

type enqueueRequest struct {
	JobID        string          `json:"job_id"`
	SubscriberID string          `json:"subscriber_id"`
	Payload      json.RawMessage `json:"payload"`
	Priority     string          `json:"priority"`
	DelaySeconds int             `json:"delay_seconds"`
	MaxAttempts  int             `json:"max_attempts"`
}

type scheduleRequest struct {
	Spec         string          `json:"spec"`
	SubscriberID string          `json:"subscriber_id"`
	Payload      json.RawMessage `json:"payload"`
	Priority     string          `json:"priority"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// setupRouter wires the websocket endpoint, the enqueue surface, and the
// admin operations.
func setupRouter(q *queue.Client, reg *hub.Registry, apiKey string) chi.Router {
	log := logger.For("gateway")
	r := chi.NewRouter()

	r.Get("/ws", func(w http.ResponseWriter, req *http.Request) {
		subscriberID := req.URL.Query().Get("subscriber_id")
		if subscriberID == "" {
			http.Error(w, "subscriber_id is required", http.StatusBadRequest)
			return
		}
		jobID := req.URL.Query().Get("job_id")
		if err := reg.ServeWS(w, req, subscriberID, jobID); err != nil {
			log.Error().Err(err).Msg("Websocket upgrade failed")
		}
	})

	r.Get("/v1/queue/stats", func(w http.ResponseWriter, req *http.Request) {
		stats, err := q.Stats(req.Context())
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"queue":       stats,
			"connections": reg.Stats(),
		})
	})

	r.Get("/v1/queue/failed", func(w http.ResponseWriter, req *http.Request) {
		limit, _ := strconv.ParseInt(req.URL.Query().Get("limit"), 10, 64)
		failed, err := q.ListFailed(req.Context(), limit)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"failed": failed})
	})

	r.Group(func(r chi.Router) {
		r.Use(apiKeyAuth(apiKey))

		r.Post("/v1/jobs", func(w http.ResponseWriter, req *http.Request) {
			var body enqueueRequest
			if err := json.NewDecoder(req.Body).Decode(&body); err != nil {
				http.Error(w, err.Error(), http.StatusBadRequest)
				return
			}
			priority, err := jobs.ParsePriority(body.Priority)
			if err != nil {
				http.Error(w, err.Error(), http.StatusBadRequest)
				return
			}
			msg := jobs.Message{
				JobID:        body.JobID,
				SubscriberID: body.SubscriberID,
				Payload:      body.Payload,
				Priority:     priority,
				MaxAttempts:  body.MaxAttempts,
			}
			if msg.JobID == "" {
				msg.JobID = uuid.NewString()
			}
			delay := time.Duration(body.DelaySeconds) * time.Second
			if err := q.Enqueue(req.Context(), msg, delay); err != nil {
				http.Error(w, err.Error(), http.StatusInternalServerError)
				return
			}
			writeJSON(w, http.StatusAccepted, map[string]string{
				"job_id": msg.JobID,
				"status": "queued",
			})
		})

		r.Post("/v1/schedules", func(w http.ResponseWriter, req *http.Request) {
			var body scheduleRequest
			if err := json.NewDecoder(req.Body).Decode(&body); err != nil {
				http.Error(w, err.Error(), http.StatusBadRequest)
				return
			}
			priority, err := jobs.ParsePriority(body.Priority)
			if err != nil {
				http.Error(w, err.Error(), http.StatusBadRequest)
				return
			}
			entryID, err := q.Schedule(body.Spec, jobs.Message{
				SubscriberID: body.SubscriberID,
				Payload:      body.Payload,
				Priority:     priority,
			})
			if err != nil {
				http.Error(w, "invalid cron spec: "+err.Error(), http.StatusBadRequest)
				return
			}
			writeJSON(w, http.StatusCreated, map[string]any{"entry_id": entryID})
		})

		r.Delete("/v1/queue/failed", func(w http.ResponseWriter, req *http.Request) {
			n, err := q.PurgeFailed(req.Context())
			if err != nil {
				http.Error(w, err.Error(), http.StatusInternalServerError)
				return
			}
			writeJSON(w, http.StatusOK, map[string]int64{"purged": n})
		})
	})

	return r
}

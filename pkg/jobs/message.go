// Package jobs defines the core data structures moved through the queue:
// the message envelope, its priority lanes, and the ephemeral claim a
// worker holds while it owns a message.
package jobs

import (
	"encoding/json"
	"fmt"
	"time"
)

// Priority selects one of the four ready lanes a message can wait in.
// Dequeue always drains Urgent before High before Normal before Low.
type Priority string

const (
	PriorityLow    Priority = "low"
	PriorityNormal Priority = "normal"
	PriorityHigh   Priority = "high"
	PriorityUrgent Priority = "urgent"
)

// DefaultMaxAttempts is applied to messages enqueued without an explicit
// attempt budget.
const DefaultMaxAttempts = 3

// PrioritiesDescending lists all lanes from most to least urgent. Dequeue
// enumerates queues in exactly this order.
func PrioritiesDescending() []Priority {
	return []Priority{PriorityUrgent, PriorityHigh, PriorityNormal, PriorityLow}
}

// Valid reports whether p is one of the four known lanes.
func (p Priority) Valid() bool {
	switch p {
	case PriorityLow, PriorityNormal, PriorityHigh, PriorityUrgent:
		return true
	}
	return false
}

// ParsePriority converts a wire string into a Priority. The empty string
// maps to PriorityNormal.
func ParsePriority(s string) (Priority, error) {
	if s == "" {
		return PriorityNormal, nil
	}
	p := Priority(s)
	if !p.Valid() {
		return "", fmt.Errorf("jobs: unknown priority %q", s)
	}
	return p, nil
}

// Message is the unit of work moved through the queue. It is serialized to
// JSON as-is, so the stored form round-trips byte for byte through Redis.
//
// The Payload is opaque to the queue; only the worker's executor interprets
// it. SubscriberID identifies who should receive status events for this job
// without anyone having to look inside the payload.
type Message struct {
	JobID        string          `json:"job_id"`
	SubscriberID string          `json:"subscriber_id,omitempty"`
	Payload      json.RawMessage `json:"payload"`
	Priority     Priority        `json:"priority"`
	EnqueuedAt   time.Time       `json:"enqueued_at"`

	// Attempts counts recorded failures. It starts at zero and is only ever
	// incremented by the queue's Fail operation, never by Dequeue.
	Attempts    int    `json:"attempts"`
	MaxAttempts int    `json:"max_attempts"`
	LastError   string `json:"last_error,omitempty"`
}

// Retryable reports whether the message still has failure budget left.
func (m *Message) Retryable() bool {
	return m.Attempts < m.MaxAttempts
}

// Claim is the ephemeral ownership record written when a worker dequeues a
// message. It lives in Redis under a TTL equal to the configured maximum job
// duration; if the owning worker crashes, the claim silently expires.
type Claim struct {
	JobID     string    `json:"job_id"`
	Owner     string    `json:"owner"`
	ClaimedAt time.Time `json:"claimed_at"`
	Snapshot  Message   `json:"snapshot"`
}

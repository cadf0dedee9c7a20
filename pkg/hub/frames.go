package hub

import "time"

// Outbound frame types pushed to clients.
const (
	FrameConnectionEstablished = "connection_established"
	FramePong                  = "pong"
	FrameTaskStatusUpdate      = "task_status_update"
	FrameTaskLog               = "task_log"
	FrameTaskSubscribed        = "task_subscribed"
	FrameTaskUnsubscribed      = "task_unsubscribed"
	FrameSystemMessage         = "system_message"
	FrameError                 = "error"
)

// Inbound control frame types accepted from clients.
const (
	controlPing           = "ping"
	controlSubscribeJob   = "subscribe_job"
	controlUnsubscribeJob = "unsubscribe_job"
)

// Frame is the single outbound message shape. Type decides which of the
// optional fields are populated.
type Frame struct {
	Type         string   `json:"type"`
	ConnectionID string   `json:"connection_id,omitempty"`
	JobID        string   `json:"job_id,omitempty"`
	Status       string   `json:"status,omitempty"`
	Progress     *float64 `json:"progress,omitempty"`
	Level        string   `json:"level,omitempty"`
	Step         string   `json:"step,omitempty"`
	Message      string   `json:"message,omitempty"`
	Timestamp    string   `json:"timestamp,omitempty"`
}

// controlFrame is what clients send us.
type controlFrame struct {
	Type  string `json:"type"`
	JobID string `json:"job_id"`
}

func stamp(f Frame) Frame {
	f.Timestamp = time.Now().UTC().Format(time.RFC3339)
	return f
}

package hub

import "context"

// Notifier translates job lifecycle events into protocol frames routed
// through the registry. Its OnStatus/OnLog methods satisfy the worker's
// status sink, so in a single process the worker can feed the hub directly;
// across processes the notify package relays events to it.
type Notifier struct {
	reg *Registry
}

// NewNotifier wraps a registry.
func NewNotifier(reg *Registry) *Notifier {
	return &Notifier{reg: reg}
}

// OnStatus pushes a task_status_update to everyone watching the job and to
// every connection the owning subscriber holds.
func (n *Notifier) OnStatus(_ context.Context, jobID, subscriberID, state string, progress float64, message string) {
	f := stamp(Frame{
		Type:     FrameTaskStatusUpdate,
		JobID:    jobID,
		Status:   state,
		Progress: &progress,
		Message:  message,
	})
	n.reg.BroadcastToJob(jobID, f)
	if subscriberID != "" {
		n.reg.BroadcastToSubscriber(subscriberID, f)
	}
}

// OnLog pushes a task_log frame to everyone watching the job.
func (n *Notifier) OnLog(_ context.Context, jobID, subscriberID, level, message, step string) {
	f := stamp(Frame{
		Type:    FrameTaskLog,
		JobID:   jobID,
		Level:   level,
		Message: message,
		Step:    step,
	})
	n.reg.BroadcastToJob(jobID, f)
}

// NotifySystem broadcasts a system_message to every connection.
func (n *Notifier) NotifySystem(level, message string) {
	n.reg.BroadcastAll(stamp(Frame{
		Type:    FrameSystemMessage,
		Level:   level,
		Message: message,
	}))
}

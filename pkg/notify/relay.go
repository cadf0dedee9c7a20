// Package notify carries job status and log events from worker processes to
// the gateway over Redis pub/sub. Workers publish through Publisher (the
// status sink side); the gateway runs a Relay that feeds the hub notifier.
// Events are fire-and-forget: if nobody is listening they are dropped, which
// matches the registry's own non-durable subscriptions.
package notify

import (
	"context"
	"encoding/json"

	"github.com/redis/go-redis/v9"

	"github.com/avelez-dev/taskpulse/pkg/logger"
)

// eventsChannel is the pub/sub channel shared by all workers and gateways.
const eventsChannel = "taskpulse:events"

// Event kinds.
const (
	KindStatus = "status"
	KindLog    = "log"
)

// Event is the wire form of one status or log notification.
type Event struct {
	Kind         string  `json:"kind"`
	JobID        string  `json:"job_id"`
	SubscriberID string  `json:"subscriber_id,omitempty"`
	State        string  `json:"state,omitempty"`
	Progress     float64 `json:"progress,omitempty"`
	Level        string  `json:"level,omitempty"`
	Message      string  `json:"message,omitempty"`
	Step         string  `json:"step,omitempty"`
}

// Publisher sends events into the channel. It implements the worker's
// status sink; publish failures are logged and swallowed so a notification
// hiccup never fails a job.
type Publisher struct {
	rdb *redis.Client
}

// NewPublisher creates a publisher on an existing Redis connection.
func NewPublisher(rdb *redis.Client) *Publisher {
	return &Publisher{rdb: rdb}
}

func (p *Publisher) publish(ctx context.Context, ev Event) {
	data, err := json.Marshal(ev)
	if err != nil {
		return
	}
	if err := p.rdb.Publish(ctx, eventsChannel, data).Err(); err != nil {
		logger.Log.Error().Err(err).Str("job_id", ev.JobID).Msg("Event publish failed")
	}
}

// OnStatus publishes a status event.
func (p *Publisher) OnStatus(ctx context.Context, jobID, subscriberID, state string, progress float64, message string) {
	p.publish(ctx, Event{
		Kind:         KindStatus,
		JobID:        jobID,
		SubscriberID: subscriberID,
		State:        state,
		Progress:     progress,
		Message:      message,
	})
}

// OnLog publishes a log event.
func (p *Publisher) OnLog(ctx context.Context, jobID, subscriberID, level, message, step string) {
	p.publish(ctx, Event{
		Kind:         KindLog,
		JobID:        jobID,
		SubscriberID: subscriberID,
		Level:        level,
		Message:      message,
		Step:         step,
	})
}

// Sink receives relayed events on the gateway side. hub.Notifier satisfies
// it.
type Sink interface {
	OnStatus(ctx context.Context, jobID, subscriberID, state string, progress float64, message string)
	OnLog(ctx context.Context, jobID, subscriberID, level, message, step string)
}

// Relay subscribes to the events channel and dispatches each event to the
// sink.
type Relay struct {
	rdb  *redis.Client
	sink Sink
}

// NewRelay creates a relay on an existing Redis connection.
func NewRelay(rdb *redis.Client, sink Sink) *Relay {
	return &Relay{rdb: rdb, sink: sink}
}

// Run blocks consuming events until ctx is cancelled. Malformed events are
// dropped.
func (r *Relay) Run(ctx context.Context) error {
	sub := r.rdb.Subscribe(ctx, eventsChannel)
	defer sub.Close()

	log := logger.For("relay")
	log.Info().Str("channel", eventsChannel).Msg("Event relay started")

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("Event relay stopped")
			return nil
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			var ev Event
			if err := json.Unmarshal([]byte(msg.Payload), &ev); err != nil {
				log.Warn().Err(err).Msg("Dropping malformed event")
				continue
			}
			switch ev.Kind {
			case KindStatus:
				r.sink.OnStatus(ctx, ev.JobID, ev.SubscriberID, ev.State, ev.Progress, ev.Message)
			case KindLog:
				r.sink.OnLog(ctx, ev.JobID, ev.SubscriberID, ev.Level, ev.Message, ev.Step)
			default:
				log.Warn().Str("kind", ev.Kind).Msg("Dropping event of unknown kind")
			}
		}
	}
}

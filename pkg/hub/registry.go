package hub

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/avelez-dev/taskpulse/pkg/logger"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// The gateway fronts browser clients from arbitrary origins.
	CheckOrigin: func(*http.Request) bool { return true },
}

// Registry owns every live connection and two routing indexes: connections
// per subscriber and connections per watched job. The in-memory maps are
// authoritative for routing but not durable; clients resubscribe after a
// restart.
type Registry struct {
	mu           sync.RWMutex
	conns        map[string]*Conn
	bySubscriber map[string]map[string]*Conn
	byJob        map[string]map[string]*Conn

	log zerolog.Logger
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		conns:        make(map[string]*Conn),
		bySubscriber: make(map[string]map[string]*Conn),
		byJob:        make(map[string]map[string]*Conn),
		log:          logger.For("hub"),
	}
}

// ServeWS upgrades an HTTP request, registers the connection, and blocks
// reading control frames until the peer disconnects.
func (r *Registry) ServeWS(w http.ResponseWriter, req *http.Request, subscriberID, jobID string) error {
	ws, err := upgrader.Upgrade(w, req, nil)
	if err != nil {
		return err
	}
	c := r.Register(ws, subscriberID, jobID)
	go c.writePump()
	c.readPump(r)
	return nil
}

// Register creates a connection record, indexes it, and acknowledges the
// handshake. The caller is responsible for running the pumps (ServeWS does
// both).
func (r *Registry) Register(ws *websocket.Conn, subscriberID, jobID string) *Conn {
	c := &Conn{
		ID:           uuid.NewString(),
		SubscriberID: subscriberID,
		ConnectedAt:  time.Now().UTC(),
		jobID:        jobID,
		ws:           ws,
		send:         make(chan []byte, sendBuffer),
	}

	r.mu.Lock()
	r.conns[c.ID] = c
	if _, ok := r.bySubscriber[subscriberID]; !ok {
		r.bySubscriber[subscriberID] = make(map[string]*Conn)
	}
	r.bySubscriber[subscriberID][c.ID] = c
	if jobID != "" {
		if _, ok := r.byJob[jobID]; !ok {
			r.byJob[jobID] = make(map[string]*Conn)
		}
		r.byJob[jobID][c.ID] = c
	}
	r.mu.Unlock()

	r.log.Info().
		Str("connection_id", c.ID).
		Str("subscriber_id", subscriberID).
		Msg("Connection established")

	c.sendFrame(Frame{
		Type:         FrameConnectionEstablished,
		ConnectionID: c.ID,
	})
	return c
}

// Unregister removes a connection from every index and shuts its writer
// down. Safe to call more than once.
func (r *Registry) Unregister(c *Conn) {
	r.mu.Lock()
	if _, ok := r.conns[c.ID]; !ok {
		r.mu.Unlock()
		return
	}
	delete(r.conns, c.ID)
	r.dropFromSubscriberLocked(c)
	r.dropFromJobLocked(c, c.jobID)
	r.mu.Unlock()

	c.close()
	r.log.Info().Str("connection_id", c.ID).Msg("Connection removed")
}

func (r *Registry) dropFromSubscriberLocked(c *Conn) {
	if set, ok := r.bySubscriber[c.SubscriberID]; ok {
		delete(set, c.ID)
		if len(set) == 0 {
			delete(r.bySubscriber, c.SubscriberID)
		}
	}
}

func (r *Registry) dropFromJobLocked(c *Conn, jobID string) {
	if jobID == "" {
		return
	}
	if set, ok := r.byJob[jobID]; ok {
		delete(set, c.ID)
		if len(set) == 0 {
			delete(r.byJob, jobID)
		}
	}
}

// SubscribeJob points the connection's single job subscription at jobID and
// acknowledges it.
func (r *Registry) SubscribeJob(c *Conn, jobID string) {
	r.mu.Lock()
	if _, ok := r.conns[c.ID]; !ok {
		r.mu.Unlock()
		return
	}
	r.dropFromJobLocked(c, c.jobID)
	c.jobID = jobID
	if _, ok := r.byJob[jobID]; !ok {
		r.byJob[jobID] = make(map[string]*Conn)
	}
	r.byJob[jobID][c.ID] = c
	r.mu.Unlock()

	c.sendFrame(stamp(Frame{Type: FrameTaskSubscribed, JobID: jobID}))
	r.log.Info().
		Str("connection_id", c.ID).
		Str("job_id", jobID).
		Msg("Subscribed to job")
}

// UnsubscribeJob clears the connection's job subscription.
func (r *Registry) UnsubscribeJob(c *Conn, jobID string) {
	r.mu.Lock()
	if _, ok := r.conns[c.ID]; !ok {
		r.mu.Unlock()
		return
	}
	r.dropFromJobLocked(c, jobID)
	if c.jobID == jobID {
		c.jobID = ""
	}
	r.mu.Unlock()

	c.sendFrame(stamp(Frame{Type: FrameTaskUnsubscribed, JobID: jobID}))
}

// handleControl routes one inbound control frame.
func (r *Registry) handleControl(c *Conn, msg controlFrame) {
	switch msg.Type {
	case controlPing:
		c.sendFrame(stamp(Frame{Type: FramePong}))
	case controlSubscribeJob:
		if msg.JobID != "" {
			r.SubscribeJob(c, msg.JobID)
		}
	case controlUnsubscribeJob:
		if msg.JobID != "" {
			r.UnsubscribeJob(c, msg.JobID)
		}
	default:
		r.log.Warn().Str("type", msg.Type).Msg("Unknown control frame")
		c.sendFrame(Frame{Type: FrameError, Message: "unknown message type: " + msg.Type})
	}
}

// BroadcastToJob delivers a frame to every connection watching jobID. Each
// delivery is independent: a stalled or dead peer is dropped without
// affecting the rest.
func (r *Registry) BroadcastToJob(jobID string, f Frame) {
	r.mu.RLock()
	targets := snapshot(r.byJob[jobID])
	r.mu.RUnlock()
	r.deliver(targets, f)
}

// BroadcastToSubscriber delivers a frame to every connection of one
// subscriber.
func (r *Registry) BroadcastToSubscriber(subscriberID string, f Frame) {
	r.mu.RLock()
	targets := snapshot(r.bySubscriber[subscriberID])
	r.mu.RUnlock()
	r.deliver(targets, f)
}

// BroadcastAll delivers a frame to every live connection.
func (r *Registry) BroadcastAll(f Frame) {
	r.mu.RLock()
	targets := make([]*Conn, 0, len(r.conns))
	for _, c := range r.conns {
		targets = append(targets, c)
	}
	r.mu.RUnlock()
	r.deliver(targets, f)
}

func snapshot(set map[string]*Conn) []*Conn {
	out := make([]*Conn, 0, len(set))
	for _, c := range set {
		out = append(out, c)
	}
	return out
}

func (r *Registry) deliver(targets []*Conn, f Frame) {
	if len(targets) == 0 {
		return
	}
	payload, err := json.Marshal(f)
	if err != nil {
		r.log.Error().Err(err).Msg("Frame marshal failed")
		return
	}
	for _, c := range targets {
		if !c.enqueue(payload) {
			r.log.Warn().Str("connection_id", c.ID).Msg("Send buffer full, dropping connection")
			r.Unregister(c)
		}
	}
}

// Sweep probes every connection with a control ping and removes the ones
// that fail the write. The writer's pong deadline catches most dead peers;
// the sweep bounds memory growth from half-closed sockets that never
// triggered it.
func (r *Registry) Sweep() int {
	r.mu.RLock()
	targets := make([]*Conn, 0, len(r.conns))
	for _, c := range r.conns {
		targets = append(targets, c)
	}
	r.mu.RUnlock()

	removed := 0
	for _, c := range targets {
		if err := c.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
			r.Unregister(c)
			removed++
		}
	}
	if removed > 0 {
		r.log.Info().Int("count", removed).Msg("Swept stale connections")
	}
	return removed
}

// RegistryStats summarizes the live routing state.
type RegistryStats struct {
	Connections int `json:"total_connections"`
	Subscribers int `json:"subscribers_connected"`
	JobsWatched int `json:"jobs_subscribed"`
}

// Stats returns current connection counts.
func (r *Registry) Stats() RegistryStats {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return RegistryStats{
		Connections: len(r.conns),
		Subscribers: len(r.bySubscriber),
		JobsWatched: len(r.byJob),
	}
}

// Package queue implements the Redis-backed job queue: four priority lists,
// a delay set for scheduled and retried work, per-worker processing claims,
// a failed set for exhausted jobs, and lifetime counters.
//
// State machine per message: a message lives in exactly one of
// {priority list, delay set, processing claim, failed set} at any time, and
// the operations on Client are the only transitions between them.
package queue

import (
	"context"
	"encoding/json"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/robfig/cron/v3"

	"github.com/avelez-dev/taskpulse/pkg/jobs"
	"github.com/avelez-dev/taskpulse/pkg/logger"
)

// Redis key layout. Priority lists are pushed at the head and popped at the
// tail so each lane stays FIFO.
const (
	queuePrefix      = "taskpulse:queue"
	processingPrefix = "taskpulse:processing"
	delayedKey       = queuePrefix + ":delayed"
	failedKey        = "taskpulse:failed:tasks"
	statsKey         = "taskpulse:stats:counters"

	// Lifetime counters are informational; they roll off after a week of
	// inactivity.
	statsTTL = 7 * 24 * time.Hour
)

// promoteScript atomically moves every due entry from the delay set into the
// priority list named inside its envelope. Running the fetch, remove, and
// push as one script means a member is promoted exactly once even with
// concurrent callers.
var promoteScript = redis.NewScript(`
	local due = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1])
	for _, raw in ipairs(due) do
		local queue = ARGV[2] .. ':normal'
		local ok, msg = pcall(cjson.decode, raw)
		if ok and msg['priority'] then
			queue = ARGV[2] .. ':' .. msg['priority']
		end
		redis.call('ZREM', KEYS[1], raw)
		redis.call('LPUSH', queue, raw)
	end
	return #due
`)

// Client provides the queue operations on top of a shared Redis connection.
// All operations are context-aware and safe for concurrent use; workers
// coordinate only through Redis, never through shared process state.
type Client struct {
	rdb      *redis.Client
	cron     *cron.Cron
	claimTTL time.Duration
	backoff  BackoffFunc
}

// New creates a queue client on an existing Redis connection. claimTTL is
// the maximum job duration: processing claims written by Dequeue expire
// after this long if neither Ack nor Fail removes them first.
func New(rdb *redis.Client, claimTTL time.Duration) *Client {
	return &Client{
		rdb:      rdb,
		cron:     cron.New(cron.WithSeconds()),
		claimTTL: claimTTL,
		backoff:  DefaultBackoff,
	}
}

// SetBackoff overrides the retry delay policy. Mostly useful in tests.
func (c *Client) SetBackoff(f BackoffFunc) {
	if f != nil {
		c.backoff = f
	}
}

func queueKey(p jobs.Priority) string {
	return queuePrefix + ":" + string(p)
}

func claimKey(owner, jobID string) string {
	return processingPrefix + ":" + owner + ":" + jobID
}

// Enqueue places msg into its priority list, or into the delay set when
// delay is positive. Missing fields get defaults: priority normal,
// max attempts jobs.DefaultMaxAttempts, enqueued-at now.
func (c *Client) Enqueue(ctx context.Context, msg jobs.Message, delay time.Duration) error {
	if !msg.Priority.Valid() {
		msg.Priority = jobs.PriorityNormal
	}
	if msg.MaxAttempts <= 0 {
		msg.MaxAttempts = jobs.DefaultMaxAttempts
	}
	if msg.EnqueuedAt.IsZero() {
		msg.EnqueuedAt = time.Now().UTC()
	}

	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}

	if delay > 0 {
		err = c.rdb.ZAdd(ctx, delayedKey, redis.Z{
			Score:  float64(time.Now().Add(delay).Unix()),
			Member: data,
		}).Err()
	} else {
		err = c.rdb.LPush(ctx, queueKey(msg.Priority), data).Err()
	}
	if err != nil {
		return err
	}

	c.incrStat(ctx, "enqueued")
	logger.Log.Info().
		Str("job_id", msg.JobID).
		Str("priority", string(msg.Priority)).
		Dur("delay", delay).
		Msg("Job enqueued")
	return nil
}

// Dequeue promotes due delayed entries, then blocks up to timeout for the
// next message, strictly preferring higher priority lanes. On a hit it
// writes the processing claim for owner and returns the message. An empty
// queue is not an error: both return values are nil.
func (c *Client) Dequeue(ctx context.Context, owner string, timeout time.Duration) (*jobs.Message, error) {
	if _, err := c.PromoteDelayed(ctx); err != nil {
		// Promotion is best effort; ready work is still servable.
		logger.Log.Error().Err(err).Msg("Delayed promotion failed")
	}

	keys := make([]string, 0, 4)
	for _, p := range jobs.PrioritiesDescending() {
		keys = append(keys, queueKey(p))
	}
	if timeout <= 0 {
		timeout = time.Second
	}

	// BRPOP across all lanes: when several hold data it pops from the first
	// key listed, which is always the highest priority lane.
	res, err := c.rdb.BRPop(ctx, timeout, keys...).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	var msg jobs.Message
	if err := json.Unmarshal([]byte(res[1]), &msg); err != nil {
		return nil, err
	}

	claim := jobs.Claim{
		JobID:     msg.JobID,
		Owner:     owner,
		ClaimedAt: time.Now().UTC(),
		Snapshot:  msg,
	}
	claimData, err := json.Marshal(claim)
	if err != nil {
		return nil, err
	}
	if err := c.rdb.Set(ctx, claimKey(owner, msg.JobID), claimData, c.claimTTL).Err(); err != nil {
		return nil, err
	}

	c.incrStat(ctx, "dequeued")
	logger.Log.Info().
		Str("job_id", msg.JobID).
		Str("owner", owner).
		Msg("Job dequeued")
	return &msg, nil
}

// Ack deletes the processing claim after a successful run. It is
// idempotent: the first call returns true, any later call (or a call whose
// claim already expired) returns false with no error.
func (c *Client) Ack(ctx context.Context, jobID, owner string) (bool, error) {
	n, err := c.rdb.Del(ctx, claimKey(owner, jobID)).Result()
	if err != nil {
		return false, err
	}
	if n == 0 {
		logger.Log.Warn().
			Str("job_id", jobID).
			Str("owner", owner).
			Msg("Ack found no claim")
		return false, nil
	}
	c.incrStat(ctx, "completed")
	logger.Log.Info().
		Str("job_id", jobID).
		Str("owner", owner).
		Msg("Job completed")
	return true, nil
}

// Fail records a failed run. It consumes the claim, increments the attempt
// count, and either reschedules the message into the delay set with backoff
// (retryable failures with budget left) or appends it to the failed set
// (exhausted or terminal failures). A missing claim is a no-op returning
// false.
func (c *Client) Fail(ctx context.Context, jobID, owner, errMsg string, retryable bool) (bool, error) {
	key := claimKey(owner, jobID)
	raw, err := c.rdb.Get(ctx, key).Result()
	if err == redis.Nil {
		logger.Log.Warn().
			Str("job_id", jobID).
			Str("owner", owner).
			Msg("Fail found no claim")
		return false, nil
	}
	if err != nil {
		return false, err
	}

	var claim jobs.Claim
	if err := json.Unmarshal([]byte(raw), &claim); err != nil {
		return false, err
	}
	msg := claim.Snapshot
	msg.Attempts++
	msg.LastError = errMsg
	if msg.MaxAttempts <= 0 {
		msg.MaxAttempts = jobs.DefaultMaxAttempts
	}

	if err := c.rdb.Del(ctx, key).Err(); err != nil {
		return false, err
	}

	data, err := json.Marshal(msg)
	if err != nil {
		return false, err
	}

	if retryable && msg.Retryable() {
		delay := c.backoff(msg.Attempts)
		err := c.rdb.ZAdd(ctx, delayedKey, redis.Z{
			Score:  float64(time.Now().Add(delay).Unix()),
			Member: data,
		}).Err()
		if err != nil {
			return false, err
		}
		logger.Log.Info().
			Str("job_id", jobID).
			Int("attempts", msg.Attempts).
			Dur("retry_in", delay).
			Msg("Job requeued for retry")
		return true, nil
	}

	if err := c.rdb.LPush(ctx, failedKey, data).Err(); err != nil {
		return false, err
	}
	c.incrStat(ctx, "failed")
	logger.Log.Error().
		Str("job_id", jobID).
		Int("attempts", msg.Attempts).
		Str("error", errMsg).
		Msg("Job failed permanently")
	return true, nil
}

// PromoteDelayed moves every delay-set entry whose due time has passed into
// its priority list. Returns the number of promoted messages.
func (c *Client) PromoteDelayed(ctx context.Context) (int64, error) {
	now := float64(time.Now().Unix())
	n, err := promoteScript.Run(ctx, c.rdb, []string{delayedKey}, now, queuePrefix).Int64()
	if err != nil && err != redis.Nil {
		return 0, err
	}
	return n, nil
}

// Stats is a point-in-time view of queue depths plus the lifetime counters.
type Stats struct {
	QueueLow     int64 `json:"queue_low"`
	QueueNormal  int64 `json:"queue_normal"`
	QueueHigh    int64 `json:"queue_high"`
	QueueUrgent  int64 `json:"queue_urgent"`
	QueueDelayed int64 `json:"queue_delayed"`
	QueueFailed  int64 `json:"queue_failed"`
	Processing   int64 `json:"processing"`

	Enqueued  int64 `json:"enqueued"`
	Dequeued  int64 `json:"dequeued"`
	Completed int64 `json:"completed"`
	Failed    int64 `json:"failed"`
}

// Stats reads the current depth of every queue structure and the lifetime
// counters. Processing counts live claim keys, which also surfaces claims
// left behind by crashed workers until their TTL reclaims them.
func (c *Client) Stats(ctx context.Context) (Stats, error) {
	var s Stats

	depths := []struct {
		key string
		dst *int64
	}{
		{queueKey(jobs.PriorityLow), &s.QueueLow},
		{queueKey(jobs.PriorityNormal), &s.QueueNormal},
		{queueKey(jobs.PriorityHigh), &s.QueueHigh},
		{queueKey(jobs.PriorityUrgent), &s.QueueUrgent},
		{failedKey, &s.QueueFailed},
	}
	for _, d := range depths {
		n, err := c.rdb.LLen(ctx, d.key).Result()
		if err != nil {
			return s, err
		}
		*d.dst = n
	}

	n, err := c.rdb.ZCard(ctx, delayedKey).Result()
	if err != nil {
		return s, err
	}
	s.QueueDelayed = n

	claims, err := c.rdb.Keys(ctx, processingPrefix+":*").Result()
	if err != nil {
		return s, err
	}
	s.Processing = int64(len(claims))

	counters, err := c.rdb.HGetAll(ctx, statsKey).Result()
	if err != nil {
		return s, err
	}
	for name, dst := range map[string]*int64{
		"enqueued":  &s.Enqueued,
		"dequeued":  &s.Dequeued,
		"completed": &s.Completed,
		"failed":    &s.Failed,
	} {
		if v, ok := counters[name]; ok {
			if parsed, err := strconv.ParseInt(v, 10, 64); err == nil {
				*dst = parsed
			}
		}
	}
	return s, nil
}

// ListFailed returns up to limit messages from the failed set, newest
// first. Entries that no longer unmarshal are skipped.
func (c *Client) ListFailed(ctx context.Context, limit int64) ([]jobs.Message, error) {
	if limit <= 0 {
		limit = 100
	}
	raw, err := c.rdb.LRange(ctx, failedKey, 0, limit-1).Result()
	if err != nil {
		return nil, err
	}
	out := make([]jobs.Message, 0, len(raw))
	for _, r := range raw {
		var msg jobs.Message
		if err := json.Unmarshal([]byte(r), &msg); err != nil {
			continue
		}
		out = append(out, msg)
	}
	return out, nil
}

// PurgeFailed clears the failed set and returns how many messages it held.
func (c *Client) PurgeFailed(ctx context.Context) (int64, error) {
	n, err := c.rdb.LLen(ctx, failedKey).Result()
	if err != nil {
		return 0, err
	}
	if err := c.rdb.Del(ctx, failedKey).Err(); err != nil {
		return 0, err
	}
	logger.Log.Info().Int64("count", n).Msg("Failed set purged")
	return n, nil
}

// Schedule registers a recurring enqueue following a cron spec (with a
// seconds field, e.g. "0 */5 * * * *" or "@every 1m"). Each firing clones
// the template with a fresh job id. Schedules only fire after StartCron.
func (c *Client) Schedule(spec string, template jobs.Message) (cron.EntryID, error) {
	return c.cron.AddFunc(spec, func() {
		msg := template
		msg.JobID = uuid.NewString()
		msg.EnqueuedAt = time.Now().UTC()
		msg.Attempts = 0
		msg.LastError = ""
		if err := c.Enqueue(context.Background(), msg, 0); err != nil {
			logger.Log.Error().Err(err).Str("spec", spec).Msg("Failed to enqueue scheduled job")
		}
	})
}

// StartCron starts firing registered schedules.
func (c *Client) StartCron() { c.cron.Start() }

// StopCron stops the schedule runner.
func (c *Client) StopCron() { c.cron.Stop() }

func (c *Client) incrStat(ctx context.Context, name string) {
	pipe := c.rdb.TxPipeline()
	pipe.HIncrBy(ctx, statsKey, name, 1)
	pipe.Expire(ctx, statsKey, statsTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		logger.Log.Error().Err(err).Str("stat", name).Msg("Failed to increment counter")
	}
}

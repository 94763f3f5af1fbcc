package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"task-orchestrator/internal/config"
	"task-orchestrator/internal/models"
)

// Options tunes key lifetimes and the queues a RedisQueue serves.
type Options struct {
	PriorityQueues    []string
	VisibilityTimeout time.Duration
	ResultTTL         time.Duration
	RevokeTTL         time.Duration
	WorkerTTL         time.Duration
}

// RedisQueue is the execution backend: ready lists per priority, a scheduled
// set for ETAs, leased in-flight executions, result hashes and revocations.
type RedisQueue struct {
	client         *redis.Client
	priorityQueues []string
	defaultQueue   string
	inflightKey    string
	scheduledKey   string
	targetsKey     string
	workersKey     string
	controlChannel string
	visibilityTTL  time.Duration
	resultTTL      time.Duration
	revokeTTL      time.Duration
	workerTTL      time.Duration
}

// NewClient opens the Redis client shared by the queue, cache and rate limiter.
func NewClient(cfg config.Config) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
}

// NewRedisQueue builds a queue on client from config.
func NewRedisQueue(client *redis.Client, cfg config.Config) *RedisQueue {
	return New(client, Options{
		PriorityQueues:    cfg.PriorityQueues,
		VisibilityTimeout: cfg.VisibilityTimeout,
		ResultTTL:         cfg.ResultTTL,
	})
}

// New builds a queue with explicit options; zero values take defaults.
func New(client *redis.Client, opts Options) *RedisQueue {
	priorities := opts.PriorityQueues
	if len(priorities) == 0 {
		priorities = []string{"default"}
	}
	def := priorities[0]
	if slices.Contains(priorities, "default") {
		def = "default"
	}
	q := &RedisQueue{
		client:         client,
		priorityQueues: priorities,
		defaultQueue:   def,
		inflightKey:    "queue:inflight",
		scheduledKey:   "queue:scheduled",
		targetsKey:     "queue:targets",
		workersKey:     "queue:workers",
		controlChannel: "queue:control",
		visibilityTTL:  opts.VisibilityTimeout,
		resultTTL:      opts.ResultTTL,
		revokeTTL:      opts.RevokeTTL,
		workerTTL:      opts.WorkerTTL,
	}
	if q.visibilityTTL == 0 {
		q.visibilityTTL = 30 * time.Minute
	}
	if q.resultTTL == 0 {
		q.resultTTL = 24 * time.Hour
	}
	if q.revokeTTL == 0 {
		q.revokeTTL = 3 * time.Hour
	}
	if q.workerTTL == 0 {
		q.workerTTL = 30 * time.Second
	}
	return q
}

// Client exposes the underlying Redis client.
func (q *RedisQueue) Client() *redis.Client { return q.client }

func (q *RedisQueue) readyKey(priority string) string {
	return fmt.Sprintf("queue:ready:%s", priority)
}

func (q *RedisQueue) msgKey(id string) string     { return "queue:msg:" + id }
func (q *RedisQueue) resultKey(id string) string  { return "queue:result:" + id }
func (q *RedisQueue) revokedKey(id string) string { return "queue:revoked:" + id }
func (q *RedisQueue) workerKey(id string) string  { return "queue:worker:" + id }
func (q *RedisQueue) activeKey(id string) string  { return "queue:active:" + id }

func unavailable(op string, err error) error {
	return fmt.Errorf("%w: %s: %w", models.ErrBackendUnavailable, op, err)
}

// Submit stores a new execution message and queues it, or defers it to the
// scheduled set when its ETA is in the future. It returns the execution id.
func (q *RedisQueue) Submit(ctx context.Context, s Submission) (string, error) {
	if s.Target == "" {
		return "", fmt.Errorf("%w: empty target", models.ErrUnregisteredTarget)
	}
	now := time.Now().UTC()
	msg := Message{
		ID:        uuid.New().String(),
		Target:    s.Target,
		Args:      s.Args,
		Kwargs:    s.Kwargs,
		Headers:   s.Headers,
		Queue:     q.queueName(s.Queue),
		ETA:       s.ETA,
		Expires:   s.Expires,
		CreatedAt: now,
	}
	if msg.Args == nil {
		msg.Args = []any{}
	}
	if msg.Kwargs == nil {
		msg.Kwargs = map[string]any{}
	}
	body, err := json.Marshal(msg)
	if err != nil {
		return "", fmt.Errorf("%w: encode message: %v", models.ErrMalformedArguments, err)
	}

	pipe := q.client.TxPipeline()
	pipe.Set(ctx, q.msgKey(msg.ID), body, 0)
	pipe.HSet(ctx, q.resultKey(msg.ID), "state", string(StatePending), "updated_at", now.Format(time.RFC3339Nano))
	pipe.Expire(ctx, q.resultKey(msg.ID), q.resultTTL)
	if s.ETA != nil && s.ETA.After(now) {
		pipe.ZAdd(ctx, q.scheduledKey, redis.Z{Score: float64(s.ETA.UnixMilli()), Member: msg.ID})
	} else {
		pipe.RPush(ctx, q.readyKey(msg.Queue), msg.ID)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return "", unavailable("submit", err)
	}
	return msg.ID, nil
}

func (q *RedisQueue) queueName(name string) string {
	if name != "" && slices.Contains(q.priorityQueues, name) {
		return name
	}
	return q.defaultQueue
}

// Revoke marks an execution revoked and broadcasts it to workers. Workers
// skip revoked messages; with terminate a running attempt is cancelled.
func (q *RedisQueue) Revoke(ctx context.Context, id string, terminate bool) error {
	mode := "revoke"
	if terminate {
		mode = "terminate"
	}
	// a deferred message must still see the marker when it is promoted
	ttl := q.revokeTTL
	score, err := q.client.ZScore(ctx, q.scheduledKey, id).Result()
	switch {
	case err == nil:
		if untilETA := time.Until(time.UnixMilli(int64(score))); untilETA > 0 {
			ttl += untilETA
		}
	case !errors.Is(err, redis.Nil):
		return unavailable("revoke", err)
	}
	ctl, _ := json.Marshal(Control{Action: ActionRevoke, ID: id, Terminate: terminate})
	pipe := q.client.TxPipeline()
	pipe.Set(ctx, q.revokedKey(id), mode, ttl)
	pipe.Publish(ctx, q.controlChannel, ctl)
	if _, err := pipe.Exec(ctx); err != nil {
		return unavailable("revoke", err)
	}
	return nil
}

// IsRevoked reports whether id was revoked and whether termination was requested.
func (q *RedisQueue) IsRevoked(ctx context.Context, id string) (revoked bool, terminate bool, err error) {
	mode, err := q.client.Get(ctx, q.revokedKey(id)).Result()
	if errors.Is(err, redis.Nil) {
		return false, false, nil
	}
	if err != nil {
		return false, false, unavailable("revoked lookup", err)
	}
	return true, mode == "terminate", nil
}

// Query returns the backend status of id. Unknown ids report PENDING.
func (q *RedisQueue) Query(ctx context.Context, id string) (Status, error) {
	fields, err := q.client.HGetAll(ctx, q.resultKey(id)).Result()
	if err != nil {
		return Status{}, unavailable("query", err)
	}
	st := Status{ID: id, State: StatePending}
	if len(fields) == 0 {
		return st, nil
	}
	if v := fields["state"]; v != "" {
		st.State = State(v)
	}
	st.Result = fields["result"]
	st.Error = fields["error"]
	st.Traceback = fields["traceback"]
	st.Worker = fields["worker"]
	if ts, err := time.Parse(time.RFC3339Nano, fields["updated_at"]); err == nil {
		st.UpdatedAt = ts
	}
	return st, nil
}

// SetResult records the result state of id.
func (q *RedisQueue) SetResult(ctx context.Context, st Status) error {
	if st.UpdatedAt.IsZero() {
		st.UpdatedAt = time.Now().UTC()
	}
	pipe := q.client.TxPipeline()
	pipe.HSet(ctx, q.resultKey(st.ID),
		"state", string(st.State),
		"result", st.Result,
		"error", st.Error,
		"traceback", st.Traceback,
		"worker", st.Worker,
		"updated_at", st.UpdatedAt.Format(time.RFC3339Nano),
	)
	pipe.Expire(ctx, q.resultKey(st.ID), q.resultTTL)
	_, err := pipe.Exec(ctx)
	return err
}

// RegisterTargets advertises the targets a worker can run.
func (q *RedisQueue) RegisterTargets(ctx context.Context, targets ...string) error {
	if len(targets) == 0 {
		return nil
	}
	members := make([]any, len(targets))
	for i, t := range targets {
		members[i] = t
	}
	if err := q.client.SAdd(ctx, q.targetsKey, members...).Err(); err != nil {
		return unavailable("register targets", err)
	}
	return nil
}

// IsRegistered reports whether any worker advertised target.
func (q *RedisQueue) IsRegistered(ctx context.Context, target string) (bool, error) {
	ok, err := q.client.SIsMember(ctx, q.targetsKey, target).Result()
	if err != nil {
		return false, unavailable("target lookup", err)
	}
	return ok, nil
}

// RegisteredTargets lists every advertised target, sorted.
func (q *RedisQueue) RegisteredTargets(ctx context.Context) ([]string, error) {
	targets, err := q.client.SMembers(ctx, q.targetsKey).Result()
	if err != nil {
		return nil, unavailable("list targets", err)
	}
	sort.Strings(targets)
	return targets, nil
}

// Message loads the stored message for id.
func (q *RedisQueue) Message(ctx context.Context, id string) (Message, error) {
	body, err := q.client.Get(ctx, q.msgKey(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return Message{}, fmt.Errorf("message %s: %w", id, models.ErrNotFound)
	}
	if err != nil {
		return Message{}, unavailable("load message", err)
	}
	var msg Message
	if err := json.Unmarshal(body, &msg); err != nil {
		return Message{}, fmt.Errorf("decode message %s: %w", id, err)
	}
	return msg, nil
}

// PromoteScheduled moves due scheduled messages into their ready lists. It returns how many were promoted.
func (q *RedisQueue) PromoteScheduled(ctx context.Context, now time.Time, limit int64) (int, error) {
	ids, err := q.client.ZRangeByScore(ctx, q.scheduledKey, &redis.ZRangeBy{
		Min:    "-inf",
		Max:    fmt.Sprintf("%d", now.UnixMilli()),
		Offset: 0,
		Count:  limit,
	}).Result()
	if err != nil {
		return 0, err
	}
	promoted := 0
	for _, id := range ids {
		// only the caller that removes the member pushes it, so concurrent
		// promoters never duplicate a message
		removed, err := q.client.ZRem(ctx, q.scheduledKey, id).Result()
		if err != nil {
			return promoted, err
		}
		if removed == 0 {
			continue
		}
		if err := q.client.RPush(ctx, q.readyKey(q.priorityOf(ctx, id)), id).Err(); err != nil {
			return promoted, err
		}
		promoted++
	}
	return promoted, nil
}

// DequeueWithLease pops a message id from ready queues (priority order) and places it into inflight with a visibility timeout.
func (q *RedisQueue) DequeueWithLease(ctx context.Context) (string, error) {
	keys := make([]string, 0, len(q.priorityQueues)+1)
	for _, p := range q.priorityQueues {
		keys = append(keys, q.readyKey(p))
	}
	keys = append(keys, q.inflightKey)

	res, err := dequeueScript.Run(ctx, q.client, keys, time.Now().Add(q.visibilityTTL).UnixMilli()).Result()
	if err == redis.Nil {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	id, ok := res.(string)
	if !ok {
		return "", fmt.Errorf("unexpected type from dequeue script: %T", res)
	}
	return id, nil
}

// VisibilityTimeout is how long a lease lasts before the message is reclaimed.
func (q *RedisQueue) VisibilityTimeout() time.Duration { return q.visibilityTTL }

// ExtendLease pushes the visibility deadline forward for an in-flight message.
func (q *RedisQueue) ExtendLease(ctx context.Context, id string, extension time.Duration) error {
	return q.client.ZAdd(ctx, q.inflightKey, redis.Z{
		Score:  float64(time.Now().Add(extension).UnixMilli()),
		Member: id,
	}).Err()
}

// Ack finishes a message: it leaves in-flight tracking and its body is dropped.
// The result hash stays until it expires.
func (q *RedisQueue) Ack(ctx context.Context, id string) error {
	pipe := q.client.TxPipeline()
	pipe.ZRem(ctx, q.inflightKey, id)
	pipe.Del(ctx, q.msgKey(id))
	_, err := pipe.Exec(ctx)
	return err
}

// Retry reschedules an in-flight message after countdown with its retry count bumped.
func (q *RedisQueue) Retry(ctx context.Context, msg Message, countdown time.Duration) error {
	msg.Retries++
	eta := time.Now().Add(countdown).UTC()
	msg.ETA = &eta
	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("encode message: %w", err)
	}
	pipe := q.client.TxPipeline()
	pipe.Set(ctx, q.msgKey(msg.ID), body, 0)
	pipe.ZRem(ctx, q.inflightKey, msg.ID)
	pipe.ZAdd(ctx, q.scheduledKey, redis.Z{Score: float64(eta.UnixMilli()), Member: msg.ID})
	_, err = pipe.Exec(ctx)
	return err
}

// RequeueExpired reclaims leases that timed out, re-enqueuing them.
func (q *RedisQueue) RequeueExpired(ctx context.Context, now time.Time, limit int64) ([]string, error) {
	ids, err := q.client.ZRangeByScore(ctx, q.inflightKey, &redis.ZRangeBy{
		Min:    "-inf",
		Max:    fmt.Sprintf("%d", now.UnixMilli()),
		Offset: 0,
		Count:  limit,
	}).Result()
	if err != nil {
		return nil, err
	}
	var reclaimed []string
	for _, id := range ids {
		removed, err := q.client.ZRem(ctx, q.inflightKey, id).Result()
		if err != nil {
			return reclaimed, err
		}
		if removed == 0 {
			continue
		}
		if err := q.client.RPush(ctx, q.readyKey(q.priorityOf(ctx, id)), id).Err(); err != nil {
			return reclaimed, err
		}
		reclaimed = append(reclaimed, id)
	}
	return reclaimed, nil
}

func (q *RedisQueue) priorityOf(ctx context.Context, id string) string {
	msg, err := q.Message(ctx, id)
	if err != nil {
		return q.defaultQueue
	}
	return q.queueName(msg.Queue)
}

var dequeueScript = redis.NewScript(`
local inflight = KEYS[#KEYS]
for i=1,#KEYS-1 do
  local job = redis.call('LPOP', KEYS[i])
  if job then
    redis.call('ZADD', inflight, ARGV[1], job)
    return job
  end
end
return nil
`)

package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// Subscribe listens on the control channel until ctx is done. The returned
// channel is closed when the subscription ends.
func (q *RedisQueue) Subscribe(ctx context.Context) (<-chan Control, error) {
	ps := q.client.Subscribe(ctx, q.controlChannel)
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, unavailable("subscribe", err)
	}
	out := make(chan Control, 16)
	go func() {
		defer close(out)
		defer ps.Close()
		msgs := ps.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case m, ok := <-msgs:
				if !ok {
					return
				}
				var ctl Control
				if err := json.Unmarshal([]byte(m.Payload), &ctl); err != nil {
					continue
				}
				select {
				case out <- ctl:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}

// Heartbeat refreshes the worker's registry record.
func (q *RedisQueue) Heartbeat(ctx context.Context, w WorkerInfo) error {
	now := time.Now().UTC()
	pipe := q.client.TxPipeline()
	pipe.ZAdd(ctx, q.workersKey, redis.Z{Score: float64(now.UnixMilli()), Member: w.ID})
	pipe.HSet(ctx, q.workerKey(w.ID),
		"hostname", w.Hostname,
		"concurrency", w.Concurrency,
		"started_at", w.StartedAt.UTC().Format(time.RFC3339Nano),
		"last_seen", now.Format(time.RFC3339Nano),
	)
	pipe.Expire(ctx, q.workerKey(w.ID), 2*q.workerTTL)
	_, err := pipe.Exec(ctx)
	return err
}

// Deregister removes a worker from the registry on shutdown.
func (q *RedisQueue) Deregister(ctx context.Context, workerID string) error {
	pipe := q.client.TxPipeline()
	pipe.ZRem(ctx, q.workersKey, workerID)
	pipe.Del(ctx, q.workerKey(workerID), q.activeKey(workerID))
	_, err := pipe.Exec(ctx)
	return err
}

// MarkActive records that workerID started executing msg.
func (q *RedisQueue) MarkActive(ctx context.Context, workerID string, msg Message, startedAt time.Time) error {
	info := infoFromMessage(msg)
	info.Worker = workerID
	info.StartedAt = &startedAt
	body, err := json.Marshal(info)
	if err != nil {
		return err
	}
	return q.client.HSet(ctx, q.activeKey(workerID), msg.ID, body).Err()
}

// ClearActive drops id from workerID's active set and counts it as processed.
func (q *RedisQueue) ClearActive(ctx context.Context, workerID, id string) error {
	pipe := q.client.TxPipeline()
	pipe.HDel(ctx, q.activeKey(workerID), id)
	pipe.HIncrBy(ctx, q.workerKey(workerID), "processed", 1)
	_, err := pipe.Exec(ctx)
	return err
}

func (q *RedisQueue) liveWorkers(ctx context.Context) ([]string, error) {
	cutoff := time.Now().Add(-q.workerTTL).UnixMilli()
	return q.client.ZRangeByScore(ctx, q.workersKey, &redis.ZRangeBy{
		Min: strconv.FormatInt(cutoff, 10),
		Max: "+inf",
	}).Result()
}

// Active lists executions currently running, grouped by worker.
func (q *RedisQueue) Active(ctx context.Context) (map[string][]TaskInfo, error) {
	workers, err := q.liveWorkers(ctx)
	if err != nil {
		return nil, unavailable("active", err)
	}
	out := make(map[string][]TaskInfo, len(workers))
	for _, w := range workers {
		entries, err := q.client.HGetAll(ctx, q.activeKey(w)).Result()
		if err != nil {
			return nil, unavailable("active", err)
		}
		infos := make([]TaskInfo, 0, len(entries))
		for _, raw := range entries {
			var info TaskInfo
			if err := json.Unmarshal([]byte(raw), &info); err == nil {
				infos = append(infos, info)
			}
		}
		out[w] = infos
	}
	return out, nil
}

// Scheduled lists messages waiting for their ETA, earliest first.
func (q *RedisQueue) Scheduled(ctx context.Context) ([]TaskInfo, error) {
	zs, err := q.client.ZRangeWithScores(ctx, q.scheduledKey, 0, -1).Result()
	if err != nil {
		return nil, unavailable("scheduled", err)
	}
	out := make([]TaskInfo, 0, len(zs))
	for _, z := range zs {
		id, _ := z.Member.(string)
		msg, err := q.Message(ctx, id)
		if err != nil {
			continue
		}
		info := infoFromMessage(msg)
		eta := time.UnixMilli(int64(z.Score)).UTC()
		info.ETA = &eta
		out = append(out, info)
	}
	return out, nil
}

// Reserved lists messages accepted by the backend that no worker has picked
// up yet, in priority order.
func (q *RedisQueue) Reserved(ctx context.Context) ([]TaskInfo, error) {
	var out []TaskInfo
	for _, p := range q.priorityQueues {
		ids, err := q.client.LRange(ctx, q.readyKey(p), 0, -1).Result()
		if err != nil {
			return nil, unavailable("reserved", err)
		}
		for _, id := range ids {
			msg, err := q.Message(ctx, id)
			if err != nil {
				continue
			}
			out = append(out, infoFromMessage(msg))
		}
	}
	if out == nil {
		out = []TaskInfo{}
	}
	return out, nil
}

// WorkerStats returns the registry record of every live worker.
func (q *RedisQueue) WorkerStats(ctx context.Context) (map[string]WorkerInfo, error) {
	workers, err := q.liveWorkers(ctx)
	if err != nil {
		return nil, unavailable("stats", err)
	}
	out := make(map[string]WorkerInfo, len(workers))
	for _, w := range workers {
		fields, err := q.client.HGetAll(ctx, q.workerKey(w)).Result()
		if err != nil {
			return nil, unavailable("stats", err)
		}
		active, err := q.client.HLen(ctx, q.activeKey(w)).Result()
		if err != nil && !errors.Is(err, redis.Nil) {
			return nil, unavailable("stats", err)
		}
		info := WorkerInfo{ID: w, Hostname: fields["hostname"], Active: active}
		info.Concurrency, _ = strconv.Atoi(fields["concurrency"])
		info.Processed, _ = strconv.ParseInt(fields["processed"], 10, 64)
		info.StartedAt, _ = time.Parse(time.RFC3339Nano, fields["started_at"])
		info.LastSeen, _ = time.Parse(time.RFC3339Nano, fields["last_seen"])
		out[w] = info
	}
	return out, nil
}

// ReadyDepth returns the total length of all ready queues.
func (q *RedisQueue) ReadyDepth(ctx context.Context) (int64, error) {
	pipe := q.client.Pipeline()
	cmds := make([]*redis.IntCmd, 0, len(q.priorityQueues))
	for _, p := range q.priorityQueues {
		cmds = append(cmds, pipe.LLen(ctx, q.readyKey(p)))
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, fmt.Errorf("ready depth: %w", err)
	}
	var total int64
	for _, c := range cmds {
		total += c.Val()
	}
	return total, nil
}

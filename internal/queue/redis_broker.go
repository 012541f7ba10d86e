package queue

import (
	"context"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/pesio-ai/be-plt-approvals/pkg/errors"
)

// levelSpan separates priority levels in the ready set score. Millisecond
// timestamps stay below it until the year 2286.
const levelSpan = 1e13

// RedisBroker shares queues between service instances. Per queue it keeps a
// ready sorted set scored by level*levelSpan+readyAt(ms), a delayed sorted
// set scored by readyAt(ms) and a hash of task levels.
type RedisBroker struct {
	client       *redis.Client
	prefix       string
	pollInterval time.Duration
	now          func() time.Time
	closed       atomic.Bool
}

// RedisConfig configures a RedisBroker.
type RedisConfig struct {
	Addr         string
	Password     string
	DB           int
	KeyPrefix    string
	PollInterval time.Duration
}

// NewRedisBroker connects and pings the server.
func NewRedisBroker(ctx context.Context, cfg RedisConfig) (*RedisBroker, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to connect to redis")
	}
	return NewRedisBrokerWithClient(client, cfg.KeyPrefix, cfg.PollInterval), nil
}

// NewRedisBrokerWithClient wraps an existing client.
func NewRedisBrokerWithClient(client *redis.Client, prefix string, poll time.Duration) *RedisBroker {
	if prefix == "" {
		prefix = "approvals"
	}
	if poll <= 0 {
		poll = 250 * time.Millisecond
	}
	return &RedisBroker{client: client, prefix: prefix, pollInterval: poll, now: time.Now}
}

func (b *RedisBroker) keys(queue string) (ready, delayed, levels string) {
	base := b.prefix + ":queue:" + queue
	return base + ":ready", base + ":delayed", base + ":levels"
}

func (b *RedisBroker) Enqueue(ctx context.Context, t Task) error {
	ready, delayed, levels := b.keys(t.Queue)
	at := t.ReadyAt.UnixMilli()

	_, err := b.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.ZRem(ctx, ready, t.ID)
		pipe.ZRem(ctx, delayed, t.ID)
		pipe.HSet(ctx, levels, t.ID, t.Priority)
		if t.ReadyAt.After(b.now()) {
			pipe.ZAdd(ctx, delayed, &redis.Z{Score: float64(at), Member: t.ID})
		} else {
			pipe.ZAdd(ctx, ready, &redis.Z{Score: float64(t.Priority)*levelSpan + float64(at), Member: t.ID})
		}
		return nil
	})
	if err != nil {
		return errors.Retryable(err, "failed to enqueue task")
	}
	return nil
}

// claimScript promotes due delayed tasks, then pops the best ready task.
var claimScript = redis.NewScript(`
local due = redis.call('ZRANGEBYSCORE', KEYS[2], '-inf', ARGV[1], 'LIMIT', 0, 100)
for _, id in ipairs(due) do
  local level = tonumber(redis.call('HGET', KEYS[3], id) or '2')
  local at = tonumber(redis.call('ZSCORE', KEYS[2], id))
  redis.call('ZADD', KEYS[1], level * tonumber(ARGV[2]) + at, id)
  redis.call('ZREM', KEYS[2], id)
end
local popped = redis.call('ZPOPMIN', KEYS[1])
if #popped == 0 then
  return false
end
redis.call('HDEL', KEYS[3], popped[1])
return {popped[1], popped[2]}
`)

func (b *RedisBroker) Dequeue(ctx context.Context, queue string) (*Task, error) {
	ready, delayed, levels := b.keys(queue)
	ticker := time.NewTicker(b.pollInterval)
	defer ticker.Stop()

	for {
		if b.closed.Load() {
			return nil, ErrClosed
		}
		res, err := claimScript.Run(ctx, b.client,
			[]string{ready, delayed, levels},
			b.now().UnixMilli(), strconv.FormatFloat(levelSpan, 'f', 0, 64),
		).Slice()
		switch {
		case err == nil && len(res) == 2:
			id, _ := res[0].(string)
			score, _ := strconv.ParseFloat(toString(res[1]), 64)
			level := int(score / levelSpan)
			return &Task{
				ID:       id,
				Queue:    queue,
				Priority: level,
				ReadyAt:  time.UnixMilli(int64(score - float64(level)*levelSpan)),
			}, nil
		case err != nil && err != redis.Nil:
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			if err == redis.ErrClosed || b.closed.Load() {
				return nil, ErrClosed
			}
			return nil, errors.Retryable(err, "failed to dequeue task")
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

func (b *RedisBroker) Has(ctx context.Context, queue, id string) (bool, error) {
	ready, delayed, _ := b.keys(queue)
	for _, key := range []string{ready, delayed} {
		_, err := b.client.ZScore(ctx, key, id).Result()
		if err == nil {
			return true, nil
		}
		if err != redis.Nil {
			return false, errors.Retryable(err, "failed to look up task")
		}
	}
	return false, nil
}

func (b *RedisBroker) Remove(ctx context.Context, queue, id string) (bool, error) {
	ready, delayed, levels := b.keys(queue)
	var fromReady, fromDelayed *redis.IntCmd
	_, err := b.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		fromReady = pipe.ZRem(ctx, ready, id)
		fromDelayed = pipe.ZRem(ctx, delayed, id)
		pipe.HDel(ctx, levels, id)
		return nil
	})
	if err != nil {
		return false, errors.Retryable(err, "failed to remove task")
	}
	return fromReady.Val()+fromDelayed.Val() > 0, nil
}

func (b *RedisBroker) Len(ctx context.Context, queue string) (int, error) {
	ready, delayed, _ := b.keys(queue)
	pipe := b.client.Pipeline()
	r := pipe.ZCard(ctx, ready)
	d := pipe.ZCard(ctx, delayed)
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, errors.Retryable(err, "failed to count tasks")
	}
	return int(r.Val() + d.Val()), nil
}

func (b *RedisBroker) Close() error {
	if !b.closed.CompareAndSwap(false, true) {
		return nil
	}
	return b.client.Close()
}

func toString(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case int64:
		return strconv.FormatInt(t, 10)
	}
	return ""
}

package queue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"agent-ingest/internal/apperr"
)

// ErrClosed is the shutdown sentinel returned by Dequeue once the caller's
// context is done.
var ErrClosed = errors.New("queue closed")

// Queue is the FIFO handoff of queued jobs from the API to the worker pool,
// backed by a bounded Redis list. Enqueue never blocks the submitter;
// Dequeue blocks the worker until work arrives or shutdown.
type Queue struct {
	client       *redis.Client
	key          string
	maxDepth     int64
	blockTimeout time.Duration
}

// New builds a queue on the named Redis list. maxDepth bounds accepted
// backlog; past it Enqueue fails with queue_saturated.
func New(client *redis.Client, name string, maxDepth int, blockTimeout time.Duration) *Queue {
	if name == "" {
		name = "ingest"
	}
	if maxDepth <= 0 {
		maxDepth = 1000
	}
	if blockTimeout <= 0 {
		blockTimeout = time.Second
	}
	return &Queue{
		client:       client,
		key:          fmt.Sprintf("queue:pending:%s", name),
		maxDepth:     int64(maxDepth),
		blockTimeout: blockTimeout,
	}
}

// enqueueScript performs the depth check and push atomically so concurrent
// submitters cannot overshoot the bound.
var enqueueScript = redis.NewScript(`
if redis.call('LLEN', KEYS[1]) >= tonumber(ARGV[2]) then
  return -1
end
return redis.call('RPUSH', KEYS[1], ARGV[1])
`)

// Enqueue offers a job id to the workers in submission order. It returns
// queue_saturated when the backlog bound is reached.
func (q *Queue) Enqueue(ctx context.Context, jobID string) error {
	res, err := enqueueScript.Run(ctx, q.client, []string{q.key}, jobID, q.maxDepth).Result()
	if err != nil {
		return fmt.Errorf("enqueue %s: %w", jobID, err)
	}
	if n, ok := res.(int64); ok && n < 0 {
		return apperr.Newf(apperr.CodeQueueSaturated, "queue depth limit %d reached", q.maxDepth)
	}
	return nil
}

// Dequeue blocks until a job id is available, returning ErrClosed once ctx is
// cancelled. Jobs come out in submission order.
func (q *Queue) Dequeue(ctx context.Context) (string, error) {
	for {
		if err := ctx.Err(); err != nil {
			return "", ErrClosed
		}
		res, err := q.client.BLPop(ctx, q.blockTimeout, q.key).Result()
		if err == redis.Nil {
			continue
		}
		if err != nil {
			if ctx.Err() != nil {
				return "", ErrClosed
			}
			return "", fmt.Errorf("dequeue: %w", err)
		}
		// BLPOP replies [key, value].
		if len(res) == 2 {
			return res[1], nil
		}
	}
}

// Depth reports the current backlog length.
func (q *Queue) Depth(ctx context.Context) (int64, error) {
	return q.client.LLen(ctx, q.key).Result()
}

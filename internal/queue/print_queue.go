package queue

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// PrintQueue hands admitted job ids from the API to the print worker
// through Redis. Depth stays at zero or one in practice because the
// registry admits at most one job into printing at a time, but the queue
// keeps the HTTP handler decoupled from the slow streaming loop and lets a
// restarted process find work it dropped mid-print.
type PrintQueue struct {
	client      *redis.Client
	readyKey    string
	inflightKey string
}

func New(client *redis.Client) *PrintQueue {
	return &PrintQueue{
		client:      client,
		readyKey:    "print:ready",
		inflightKey: "print:inflight",
	}
}

// Push appends a job id to the ready queue.
func (q *PrintQueue) Push(ctx context.Context, jobID string) error {
	return q.client.RPush(ctx, q.readyKey, jobID).Err()
}

// Pop atomically moves the oldest ready job into the in-flight list and
// returns it. Returns "" when the queue is empty.
func (q *PrintQueue) Pop(ctx context.Context) (string, error) {
	res, err := popScript.Run(ctx, q.client, []string{q.readyKey, q.inflightKey}).Result()
	if err == redis.Nil {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	jobID, ok := res.(string)
	if !ok {
		return "", fmt.Errorf("unexpected type from pop script: %T", res)
	}
	return jobID, nil
}

// Ack removes a job from in-flight tracking once it reached a terminal
// state.
func (q *PrintQueue) Ack(ctx context.Context, jobID string) error {
	return q.client.LRem(ctx, q.inflightKey, 0, jobID).Err()
}

// Remove pulls a job out of the ready queue before the worker picks it up.
// It reports whether anything was removed.
func (q *PrintQueue) Remove(ctx context.Context, jobID string) (bool, error) {
	n, err := q.client.LRem(ctx, q.readyKey, 0, jobID).Result()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// Inflight lists job ids that were popped but never acked; after a crash
// these identify prints that were interrupted.
func (q *PrintQueue) Inflight(ctx context.Context) ([]string, error) {
	return q.client.LRange(ctx, q.inflightKey, 0, -1).Result()
}

// Depth returns the ready queue length.
func (q *PrintQueue) Depth(ctx context.Context) (int64, error) {
	return q.client.LLen(ctx, q.readyKey).Result()
}

var popScript = redis.NewScript(`
local job = redis.call('LPOP', KEYS[1])
if job then
  redis.call('RPUSH', KEYS[2], job)
  return job
end
return nil
`)

package jobqueue

import (
	"context"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisQueue implements Queue on a Redis sorted set, for deployments where
// multiple worker processes share one queue.
//
// Jobs are gob-encoded members scored by their eligibility time
// (not_before, in nanoseconds), so delayed jobs become visible exactly when
// due. Claiming is a ZRangeByScore followed by a ZRem; the ZRem return
// value arbitrates between competing workers, so each job is delivered to
// exactly one of them.
//
// Priority ordering is not preserved across processes: Redis orders solely
// by eligibility time. Deployments that need strict priorities should keep
// them on separate queues (one RedisQueue per priority class).
type RedisQueue struct {
	client       *redis.Client
	key          string
	pollInterval time.Duration
}

// NewRedisQueue constructs a Redis-backed Queue.
// prefix is optional but recommended (e.g. "relay:").
func NewRedisQueue(client *redis.Client, prefix string) *RedisQueue {
	if prefix == "" {
		prefix = "relay:"
	}
	return &RedisQueue{
		client:       client,
		key:          prefix + "jobs",
		pollInterval: 50 * time.Millisecond,
	}
}

// Ensure RedisQueue implements Queue.
var _ Queue = (*RedisQueue)(nil)

func (q *RedisQueue) Enqueue(ctx context.Context, j Job) error {
	if j.EnqueuedAt.IsZero() {
		j.EnqueuedAt = time.Now()
	}
	notBefore := j.NotBefore
	if notBefore.IsZero() {
		notBefore = j.EnqueuedAt
	}

	data, err := EncodeJob(j)
	if err != nil {
		return err
	}

	return q.client.ZAdd(ctx, q.key, redis.Z{
		Score:  float64(notBefore.UnixNano()),
		Member: data,
	}).Err()
}

func (q *RedisQueue) Dequeue(ctx context.Context) (*Job, error) {
	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}

		now := time.Now().UnixNano()
		members, err := q.client.ZRangeByScore(ctx, q.key, &redis.ZRangeBy{
			Min:   "0",
			Max:   strconv.FormatInt(now, 10),
			Count: 1,
		}).Result()
		if err != nil {
			return nil, err
		}

		if len(members) > 0 {
			removed, err := q.client.ZRem(ctx, q.key, members[0]).Result()
			if err != nil {
				return nil, err
			}
			if removed == 1 {
				return DecodeJob([]byte(members[0]))
			}
			// Another worker claimed it first; try again immediately.
			continue
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(q.pollInterval):
		}
	}
}

func (q *RedisQueue) Len() int {
	n, err := q.client.ZCard(context.Background(), q.key).Result()
	if err != nil {
		return 0
	}
	return int(n)
}

package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	redis "github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

const (
	pendingKey    = "dexrun:queue:pending"
	processingKey = "dexrun:queue:processing"
	leasesKey     = "dexrun:queue:leases"
	delayedKey    = "dexrun:queue:delayed"

	promoteInterval = 500 * time.Millisecond
	popTimeout      = time.Second
)

// Redis is the durable queue. Pending and processing are lists moved
// between atomically; leases and delayed retries are sorted sets scored
// by deadline so a promoter goroutine can recover and release them.
type Redis struct {
	rdb        *redis.Client
	visibility time.Duration
	done       chan struct{}
	wg         sync.WaitGroup
	closeOnce  sync.Once
}

// NewRedis returns a running Redis-backed queue. visibility zero means
// DefaultVisibilityTimeout.
func NewRedis(rdb *redis.Client, visibility time.Duration) *Redis {
	if visibility <= 0 {
		visibility = DefaultVisibilityTimeout
	}
	q := &Redis{rdb: rdb, visibility: visibility, done: make(chan struct{})}
	q.wg.Add(1)
	go q.promote()
	return q
}

func encodeJob(job Job) string {
	b, _ := json.Marshal(job)
	return string(b)
}

func decodeJob(raw string) (Job, error) {
	var job Job
	if err := json.Unmarshal([]byte(raw), &job); err != nil {
		return Job{}, fmt.Errorf("corrupt job payload: %w", err)
	}
	return job, nil
}

func (q *Redis) Enqueue(ctx context.Context, orderID string) (Job, error) {
	job := Job{
		ID:         uuid.NewString(),
		OrderID:    orderID,
		EnqueuedAt: time.Now().UTC(),
	}
	if err := q.rdb.LPush(ctx, pendingKey, encodeJob(job)).Err(); err != nil {
		return Job{}, fmt.Errorf("failed to enqueue order %s: %w", orderID, err)
	}
	return job, nil
}

func (q *Redis) Dequeue(ctx context.Context) (*Lease, error) {
	for {
		select {
		case <-q.done:
			return nil, ErrClosed
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}
		raw, err := q.rdb.BRPopLPush(ctx, pendingKey, processingKey, popTimeout).Result()
		if err == redis.Nil {
			continue
		}
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return nil, fmt.Errorf("failed to dequeue: %w", err)
		}
		job, err := decodeJob(raw)
		if err != nil {
			// Drop the corrupt payload so it cannot wedge the queue.
			q.rdb.LRem(ctx, processingKey, 1, raw)
			log.Error().Err(err).Msg("dropped corrupt queue payload")
			continue
		}
		deadline := float64(time.Now().Add(q.visibility).UnixMilli())
		if err := q.rdb.ZAdd(ctx, leasesKey, redis.Z{Score: deadline, Member: raw}).Err(); err != nil {
			return nil, fmt.Errorf("failed to record lease: %w", err)
		}
		return &Lease{Job: job, Token: raw}, nil
	}
}

func (q *Redis) Ack(ctx context.Context, lease *Lease) error {
	pipe := q.rdb.TxPipeline()
	pipe.LRem(ctx, processingKey, 1, lease.Token)
	pipe.ZRem(ctx, leasesKey, lease.Token)
	_, err := pipe.Exec(ctx)
	return err
}

func (q *Redis) Nack(ctx context.Context, lease *Lease, delay time.Duration) error {
	retry := lease.Job
	retry.Attempt++
	readyAt := float64(time.Now().Add(delay).UnixMilli())

	pipe := q.rdb.TxPipeline()
	pipe.LRem(ctx, processingKey, 1, lease.Token)
	pipe.ZRem(ctx, leasesKey, lease.Token)
	pipe.ZAdd(ctx, delayedKey, redis.Z{Score: readyAt, Member: encodeJob(retry)})
	_, err := pipe.Exec(ctx)
	return err
}

func (q *Redis) Release(ctx context.Context, lease *Lease) error {
	// The token is the encoded job; pushing it back verbatim keeps the
	// attempt count where it was.
	pipe := q.rdb.TxPipeline()
	pipe.LRem(ctx, processingKey, 1, lease.Token)
	pipe.ZRem(ctx, leasesKey, lease.Token)
	pipe.LPush(ctx, pendingKey, lease.Token)
	_, err := pipe.Exec(ctx)
	return err
}

// promote releases due delayed jobs and reclaims expired leases. Runs
// until Close.
func (q *Redis) promote() {
	defer q.wg.Done()
	ticker := time.NewTicker(promoteInterval)
	defer ticker.Stop()
	for {
		select {
		case <-q.done:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), popTimeout)
			q.promoteDelayed(ctx)
			q.reclaimExpired(ctx)
			cancel()
		}
	}
}

func (q *Redis) promoteDelayed(ctx context.Context) {
	now := strconv.FormatInt(time.Now().UnixMilli(), 10)
	due, err := q.rdb.ZRangeByScore(ctx, delayedKey, &redis.ZRangeBy{Min: "-inf", Max: now}).Result()
	if err != nil || len(due) == 0 {
		return
	}
	for _, raw := range due {
		// ZRem returning 0 means another instance raced us to it.
		removed, err := q.rdb.ZRem(ctx, delayedKey, raw).Result()
		if err != nil || removed == 0 {
			continue
		}
		if err := q.rdb.LPush(ctx, pendingKey, raw).Err(); err != nil {
			log.Error().Err(err).Msg("failed to promote delayed job")
		}
	}
}

func (q *Redis) reclaimExpired(ctx context.Context) {
	now := strconv.FormatInt(time.Now().UnixMilli(), 10)
	expired, err := q.rdb.ZRangeByScore(ctx, leasesKey, &redis.ZRangeBy{Min: "-inf", Max: now}).Result()
	if err != nil || len(expired) == 0 {
		return
	}
	for _, raw := range expired {
		removed, err := q.rdb.ZRem(ctx, leasesKey, raw).Result()
		if err != nil || removed == 0 {
			continue
		}
		pipe := q.rdb.TxPipeline()
		pipe.LRem(ctx, processingKey, 1, raw)
		pipe.LPush(ctx, pendingKey, raw)
		if _, err := pipe.Exec(ctx); err != nil {
			log.Error().Err(err).Msg("failed to reclaim expired lease")
		} else {
			log.Warn().Msg("reclaimed expired job lease")
		}
	}
}

func (q *Redis) Depth(ctx context.Context) (Depth, error) {
	pipe := q.rdb.Pipeline()
	pending := pipe.LLen(ctx, pendingKey)
	processing := pipe.LLen(ctx, processingKey)
	delayed := pipe.ZCard(ctx, delayedKey)
	if _, err := pipe.Exec(ctx); err != nil {
		return Depth{}, fmt.Errorf("failed to read queue depth: %w", err)
	}
	return Depth{
		Pending:  pending.Val(),
		Delayed:  delayed.Val(),
		InFlight: processing.Val(),
	}, nil
}

func (q *Redis) Ping(ctx context.Context) error {
	return q.rdb.Ping(ctx).Err()
}

func (q *Redis) Close() error {
	q.closeOnce.Do(func() {
		close(q.done)
		q.wg.Wait()
	})
	return nil
}

package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	redis "github.com/redis/go-redis/v9"

	"github.com/dexrun/dexrun/internal/order"
)

const (
	orderKeyPrefix  = "dexrun:order:"
	updatesPrefix   = "dexrun:updates:"
	activeSetKey    = "dexrun:orders:active"
	redisOpTimeout  = 2 * time.Second
)

// Redis backs the hot cache with a shared Redis instance so the update
// log survives engine restarts.
type Redis struct {
	rdb *redis.Client
	ttl time.Duration
}

// NewRedis wraps an existing client. ttl zero means DefaultTTL.
func NewRedis(rdb *redis.Client, ttl time.Duration) *Redis {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Redis{rdb: rdb, ttl: ttl}
}

func (r *Redis) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, redisOpTimeout)
}

func (r *Redis) PutOrder(ctx context.Context, o *order.Order) error {
	ctx, cancel := r.withTimeout(ctx)
	defer cancel()
	b, err := json.Marshal(o)
	if err != nil {
		return fmt.Errorf("failed to marshal order: %w", err)
	}
	return r.rdb.Set(ctx, orderKeyPrefix+o.ID, b, r.ttl).Err()
}

func (r *Redis) GetOrder(ctx context.Context, id string) (*order.Order, bool) {
	ctx, cancel := r.withTimeout(ctx)
	defer cancel()
	b, err := r.rdb.Get(ctx, orderKeyPrefix+id).Bytes()
	if err != nil {
		return nil, false
	}
	var o order.Order
	if err := json.Unmarshal(b, &o); err != nil {
		return nil, false
	}
	return &o, true
}

func (r *Redis) AddActive(ctx context.Context, id string) error {
	ctx, cancel := r.withTimeout(ctx)
	defer cancel()
	return r.rdb.SAdd(ctx, activeSetKey, id).Err()
}

func (r *Redis) RemoveActive(ctx context.Context, id string) error {
	ctx, cancel := r.withTimeout(ctx)
	defer cancel()
	return r.rdb.SRem(ctx, activeSetKey, id).Err()
}

func (r *Redis) ActiveIDs(ctx context.Context) ([]string, error) {
	ctx, cancel := r.withTimeout(ctx)
	defer cancel()
	return r.rdb.SMembers(ctx, activeSetKey).Result()
}

func (r *Redis) AppendUpdate(ctx context.Context, ev order.TransitionEvent) error {
	ctx, cancel := r.withTimeout(ctx)
	defer cancel()
	b, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}
	key := updatesPrefix + ev.OrderID
	pipe := r.rdb.TxPipeline()
	pipe.LPush(ctx, key, b)
	pipe.LTrim(ctx, key, 0, UpdateLogCap-1)
	pipe.Expire(ctx, key, r.ttl)
	_, err = pipe.Exec(ctx)
	return err
}

func (r *Redis) Updates(ctx context.Context, id string, limit int) ([]order.TransitionEvent, error) {
	ctx, cancel := r.withTimeout(ctx)
	defer cancel()
	if limit <= 0 || limit > UpdateLogCap {
		limit = UpdateLogCap
	}
	raw, err := r.rdb.LRange(ctx, updatesPrefix+id, 0, int64(limit)-1).Result()
	if err != nil {
		return nil, err
	}
	events := make([]order.TransitionEvent, 0, len(raw))
	for _, item := range raw {
		var ev order.TransitionEvent
		if err := json.Unmarshal([]byte(item), &ev); err != nil {
			continue
		}
		events = append(events, ev)
	}
	return events, nil
}

func (r *Redis) Ping(ctx context.Context) error {
	ctx, cancel := r.withTimeout(ctx)
	defer cancel()
	return r.rdb.Ping(ctx).Err()
}

func (r *Redis) Close() error { return r.rdb.Close() }

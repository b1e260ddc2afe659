// Package cache is the read-through hot cache for active orders plus
// the bounded per-order update log. The store stays the source of
// truth; everything here may be dropped and rebuilt.
package cache

import (
	"context"
	"time"

	"github.com/dexrun/dexrun/internal/order"
)

const (
	// DefaultTTL bounds how long an inactive order stays hot.
	DefaultTTL = time.Hour
	// UpdateLogCap bounds the per-order transition log.
	UpdateLogCap = 50
)

// Cache tracks hot orders, the active set, and recent transitions.
// Writes are best-effort: callers must already have committed to the
// store before touching the cache.
type Cache interface {
	PutOrder(ctx context.Context, o *order.Order) error
	GetOrder(ctx context.Context, id string) (*order.Order, bool)

	AddActive(ctx context.Context, id string) error
	RemoveActive(ctx context.Context, id string) error
	ActiveIDs(ctx context.Context) ([]string, error)

	// AppendUpdate pushes ev onto the order's log, trimming to
	// UpdateLogCap entries.
	AppendUpdate(ctx context.Context, ev order.TransitionEvent) error
	// Updates returns up to limit entries, newest first.
	Updates(ctx context.Context, id string, limit int) ([]order.TransitionEvent, error)

	Ping(ctx context.Context) error
	Close() error
}

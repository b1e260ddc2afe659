// Package store owns order persistence. The store is the single source
// of truth for order state; cache and hub only observe it.
package store

import (
	"context"
	"errors"

	"github.com/shopspring/decimal"

	"github.com/dexrun/dexrun/internal/order"
)

var (
	ErrNotFound = errors.New("order not found")
	// ErrTerminal is returned on any write against a confirmed or
	// failed order. Terminal states are sinks.
	ErrTerminal = errors.New("order is in a terminal state")
	// ErrConflict means the optimistic concurrency check on updated_at
	// lost; the caller should re-read and retry.
	ErrConflict = errors.New("concurrent update conflict")
)

// Draft is the validated input to Create. Addresses are the originals
// the client submitted, not the normalized ones.
type Draft struct {
	Type     order.Type
	TokenIn  string
	TokenOut string
	AmountIn decimal.Decimal
	Slippage decimal.Decimal
}

// Patch carries the optional fields a transition may set. Nil means
// leave unchanged.
type Patch struct {
	Venue         *string
	TxRef         *string
	ExpectedPrice *decimal.Decimal
	ExecutedPrice *decimal.Decimal
	AmountOut     *decimal.Decimal
	ErrorMessage  *string
}

// Execution bundles the fields recorded on the submitted -> confirmed
// edge; written atomically with the transition.
type Execution struct {
	Venue         string
	TxRef         string
	ExecutedPrice decimal.Decimal
	AmountOut     decimal.Decimal
}

// Filter narrows List.
type Filter struct {
	Status *order.Status
	Limit  int
	Offset int
}

// Store is the order repository contract. Implementations must make
// every transition atomic and reject edges outside the status graph.
type Store interface {
	Create(ctx context.Context, draft Draft) (*order.Order, error)
	Find(ctx context.Context, id string) (*order.Order, error)
	// List returns a page plus the total count for the filter.
	List(ctx context.Context, f Filter) ([]*order.Order, int, error)
	Count(ctx context.Context, status *order.Status) (int, error)
	Transition(ctx context.Context, id string, to order.Status, patch Patch) (*order.Order, error)
	RecordExecution(ctx context.Context, id string, exec Execution) (*order.Order, error)
	IncrementRetry(ctx context.Context, id string) (int, error)
	MarkFailed(ctx context.Context, id string, errorMessage string, retryCount int) (*order.Order, error)
	Ping(ctx context.Context) error
	Close() error
}

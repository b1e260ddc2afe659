// Package order defines the order entity, its status graph, and the
// transition events emitted on every status change.
package order

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// Type identifies the order kind. Only market orders execute today;
// limit and sniper are reserved for the trigger-order pipeline.
type Type string

const (
	TypeMarket Type = "market"
	TypeLimit  Type = "limit"
	TypeSniper Type = "sniper"
)

// Status is the order lifecycle state.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRouting   Status = "routing"
	StatusBuilding  Status = "building"
	StatusSubmitted Status = "submitted"
	StatusConfirmed Status = "confirmed"
	StatusFailed    Status = "failed"
)

// transitions encodes the legal status graph. Failed is reachable from
// every non-terminal state because retry exhaustion can happen at any
// stage of processing.
var transitions = map[Status][]Status{
	StatusPending:   {StatusRouting, StatusFailed},
	StatusRouting:   {StatusBuilding, StatusFailed},
	StatusBuilding:  {StatusSubmitted, StatusFailed},
	StatusSubmitted: {StatusConfirmed, StatusFailed},
	StatusConfirmed: {},
	StatusFailed:    {},
}

// Valid reports whether s is a known status value.
func (s Status) Valid() bool {
	_, ok := transitions[s]
	return ok
}

// Terminal reports whether s is a sink state.
func (s Status) Terminal() bool {
	return s == StatusConfirmed || s == StatusFailed
}

// CanTransition reports whether from -> to is an edge of the status graph.
func CanTransition(from, to Status) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// IllegalTransitionError reports an attempted edge outside the status graph.
type IllegalTransitionError struct {
	OrderID string
	From    Status
	To      Status
}

func (e *IllegalTransitionError) Error() string {
	return fmt.Sprintf("illegal transition %s -> %s for order %s", e.From, e.To, e.OrderID)
}

// Order is the central entity. The store owns it; everything else holds
// short-lived references by ID.
type Order struct {
	ID            string           `db:"id" json:"id"`
	Type          Type             `db:"type" json:"type"`
	Status        Status           `db:"status" json:"status"`
	TokenIn       string           `db:"token_in" json:"token_in"`
	TokenOut      string           `db:"token_out" json:"token_out"`
	AmountIn      decimal.Decimal  `db:"amount_in" json:"amount_in"`
	AmountOut     *decimal.Decimal `db:"amount_out" json:"amount_out,omitempty"`
	ExpectedPrice *decimal.Decimal `db:"expected_price" json:"expected_price,omitempty"`
	ExecutedPrice *decimal.Decimal `db:"executed_price" json:"executed_price,omitempty"`
	Slippage      decimal.Decimal  `db:"slippage" json:"slippage"`
	Venue         string           `db:"venue" json:"venue,omitempty"`
	TxRef         string           `db:"tx_ref" json:"tx_ref,omitempty"`
	ErrorMessage  string           `db:"error_message" json:"error_message,omitempty"`
	RetryCount    int              `db:"retry_count" json:"retry_count"`
	CreatedAt     time.Time        `db:"created_at" json:"created_at"`
	UpdatedAt     time.Time        `db:"updated_at" json:"updated_at"`
	CompletedAt   *time.Time       `db:"completed_at" json:"completed_at,omitempty"`
}

// Clone returns a deep copy so callers cannot mutate store-owned state.
func (o *Order) Clone() *Order {
	c := *o
	if o.AmountOut != nil {
		v := *o.AmountOut
		c.AmountOut = &v
	}
	if o.ExpectedPrice != nil {
		v := *o.ExpectedPrice
		c.ExpectedPrice = &v
	}
	if o.ExecutedPrice != nil {
		v := *o.ExecutedPrice
		c.ExecutedPrice = &v
	}
	if o.CompletedAt != nil {
		v := *o.CompletedAt
		c.CompletedAt = &v
	}
	return &c
}

// TransitionEvent is emitted on every status change. It is persisted in
// the update log and broadcast to subscribers; subscribers registered
// after an event do not receive it (the update log is the replay path).
type TransitionEvent struct {
	OrderID string      `json:"order_id"`
	Status  Status      `json:"status"`
	Message string      `json:"message,omitempty"`
	At      time.Time   `json:"at"`
	Data    interface{} `json:"data,omitempty"`
}

// Package venue defines the pluggable DEX driver contract and the
// failure taxonomy workers use to decide retry-vs-terminal.
package venue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// Well-known venue names. The registry is open; these are the reference
// drivers shipped with the engine.
const (
	Raydium = "raydium"
	Meteora = "meteora"
)

// Pair is a normalized (wrapped) token pair.
type Pair struct {
	In  string `json:"in"`
	Out string `json:"out"`
}

func (p Pair) String() string { return p.In + "/" + p.Out }

// Quote is a venue's answer for a given input size. Ephemeral; never
// persisted.
type Quote struct {
	Venue       string          `json:"venue"`
	Pair        Pair            `json:"pair"`
	AmountIn    decimal.Decimal `json:"amount_in"`
	AmountOut   decimal.Decimal `json:"amount_out"`
	UnitPrice   decimal.Decimal `json:"unit_price"`
	FeeRate     decimal.Decimal `json:"fee_rate"`
	PriceImpact decimal.Decimal `json:"price_impact"`
	At          time.Time       `json:"at"`
}

// EffectiveOutput is the router's ranking key: amountOut discounted by
// the price impact the fill itself causes.
func (q Quote) EffectiveOutput() decimal.Decimal {
	return q.AmountOut.Mul(decimal.NewFromInt(1).Sub(q.PriceImpact))
}

// SwapRequest carries everything a driver needs to execute.
type SwapRequest struct {
	OrderID           string
	Pair              Pair
	AmountIn          decimal.Decimal
	ExpectedUnitPrice decimal.Decimal
	SlippageMax       decimal.Decimal
}

// SwapResult reports a completed execution.
type SwapResult struct {
	TxRef            string          `json:"tx_ref"`
	ExecutedPrice    decimal.Decimal `json:"executed_price"`
	AmountOut        decimal.Decimal `json:"amount_out"`
	RealizedSlippage decimal.Decimal `json:"realized_slippage"`
	At               time.Time       `json:"at"`
	WrappedIn        bool            `json:"wrapped_in,omitempty"`
	UnwrappedOut     bool            `json:"unwrapped_out,omitempty"`
}

// ErrorKind splits driver failures into retriable and not.
type ErrorKind int

const (
	// KindTemporary covers transient venue conditions: congestion,
	// timeouts, stale pools. Safe to retry.
	KindTemporary ErrorKind = iota
	// KindPermanent covers conditions retrying cannot fix: unknown
	// pair, pool closed, amount outside venue bounds.
	KindPermanent
)

// Error is the driver failure type.
type Error struct {
	Kind  ErrorKind
	Venue string
	Op    string
	Err   error
}

func (e *Error) Error() string {
	kind := "temporary"
	if e.Kind == KindPermanent {
		kind = "permanent"
	}
	return fmt.Sprintf("%s %s: %s error: %v", e.Venue, e.Op, kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Temporary wraps err as a retriable venue failure.
func Temporary(name, op string, err error) error {
	return &Error{Kind: KindTemporary, Venue: name, Op: op, Err: err}
}

// Permanent wraps err as a non-retriable venue failure.
func Permanent(name, op string, err error) error {
	return &Error{Kind: KindPermanent, Venue: name, Op: op, Err: err}
}

// IsPermanent reports whether err carries a permanent venue failure.
func IsPermanent(err error) bool {
	var ve *Error
	return errors.As(err, &ve) && ve.Kind == KindPermanent
}

// IsTemporary reports whether err carries a retriable venue failure.
func IsTemporary(err error) bool {
	var ve *Error
	return errors.As(err, &ve) && ve.Kind == KindTemporary
}

// Driver is the venue contract. Implementations must be safe for
// concurrent use; both calls block and honor ctx cancellation.
type Driver interface {
	Name() string
	Quote(ctx context.Context, pair Pair, amountIn decimal.Decimal) (Quote, error)
	Swap(ctx context.Context, req SwapRequest) (SwapResult, error)
}

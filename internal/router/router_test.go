package router

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dexrun/dexrun/internal/venue"
)

var testPair = venue.Pair{
	In:  "So11111111111111111111111111111111111111112",
	Out: "EPjFWdd5AufqSSqeM2qN1xzybapC8G4wEGGkZwyTDt1v",
}

// fixedDriver returns a canned quote or error.
type fixedDriver struct {
	name  string
	quote venue.Quote
	err   error
}

func (f *fixedDriver) Name() string { return f.name }
func (f *fixedDriver) Quote(ctx context.Context, pair venue.Pair, amountIn decimal.Decimal) (venue.Quote, error) {
	if f.err != nil {
		return venue.Quote{}, f.err
	}
	q := f.quote
	q.Venue = f.name
	q.Pair = pair
	q.AmountIn = amountIn
	q.At = time.Now().UTC()
	return q, nil
}
func (f *fixedDriver) Swap(ctx context.Context, req venue.SwapRequest) (venue.SwapResult, error) {
	return venue.SwapResult{}, errors.New("not used")
}

func dec(f float64) decimal.Decimal { return decimal.NewFromFloat(f) }

func newRegistry(t *testing.T, drivers ...venue.Driver) *venue.Registry {
	t.Helper()
	reg := venue.NewRegistry()
	for _, d := range drivers {
		require.NoError(t, reg.Register(d))
	}
	return reg
}

func TestRouteSelectsBestEffectiveOutput(t *testing.T) {
	// raydium: 1000 * (1-0.01) = 990 effective
	// meteora: 1005 * (1-0.02) = 984.9 effective
	reg := newRegistry(t,
		&fixedDriver{name: "raydium", quote: venue.Quote{AmountOut: dec(1000), UnitPrice: dec(100), FeeRate: dec(0.0025), PriceImpact: dec(0.01)}},
		&fixedDriver{name: "meteora", quote: venue.Quote{AmountOut: dec(1005), UnitPrice: dec(101), FeeRate: dec(0.002), PriceImpact: dec(0.02)}},
	)
	r := New(reg, time.Second)

	best, decision, err := r.Route(context.Background(), "order-1", testPair, decimal.NewFromInt(10))
	require.NoError(t, err)
	assert.Equal(t, "raydium", best.Venue)
	assert.Equal(t, "raydium", decision.Selected)
	assert.Len(t, decision.Quotes, 2)
	assert.Contains(t, decision.Rationale, "raydium")
	assert.Contains(t, decision.Rationale, "effective output")
}

func TestRouteTieBreakers(t *testing.T) {
	// Identical effective output; lower fee must win.
	reg := newRegistry(t,
		&fixedDriver{name: "a", quote: venue.Quote{AmountOut: dec(1000), UnitPrice: dec(100), FeeRate: dec(0.003), PriceImpact: dec(0)}},
		&fixedDriver{name: "b", quote: venue.Quote{AmountOut: dec(1000), UnitPrice: dec(100), FeeRate: dec(0.002), PriceImpact: dec(0)}},
	)
	best, decision, err := New(reg, time.Second).Route(context.Background(), "o", testPair, decimal.NewFromInt(1))
	require.NoError(t, err)
	assert.Equal(t, "b", best.Venue)
	assert.Contains(t, decision.Rationale, "lower fee")

	// Full tie: registration order decides.
	reg = newRegistry(t,
		&fixedDriver{name: "first", quote: venue.Quote{AmountOut: dec(1000), UnitPrice: dec(100), FeeRate: dec(0.002), PriceImpact: dec(0)}},
		&fixedDriver{name: "second", quote: venue.Quote{AmountOut: dec(1000), UnitPrice: dec(100), FeeRate: dec(0.002), PriceImpact: dec(0)}},
	)
	best, decision, err = New(reg, time.Second).Route(context.Background(), "o", testPair, decimal.NewFromInt(1))
	require.NoError(t, err)
	assert.Equal(t, "first", best.Venue)
	assert.Contains(t, decision.Rationale, "registration order")
}

func TestRouteDeterministic(t *testing.T) {
	reg := newRegistry(t,
		&fixedDriver{name: "a", quote: venue.Quote{AmountOut: dec(999.5), UnitPrice: dec(100), FeeRate: dec(0.003), PriceImpact: dec(0.001)}},
		&fixedDriver{name: "b", quote: venue.Quote{AmountOut: dec(999.5), UnitPrice: dec(100), FeeRate: dec(0.003), PriceImpact: dec(0.001)}},
		&fixedDriver{name: "c", quote: venue.Quote{AmountOut: dec(998), UnitPrice: dec(99.8), FeeRate: dec(0.001), PriceImpact: dec(0)}},
	)
	r := New(reg, time.Second)

	var firstSelected, firstRationale string
	for i := 0; i < 10; i++ {
		_, decision, err := r.Route(context.Background(), "o", testPair, decimal.NewFromInt(1))
		require.NoError(t, err)
		if i == 0 {
			firstSelected, firstRationale = decision.Selected, decision.Rationale
			continue
		}
		assert.Equal(t, firstSelected, decision.Selected)
		assert.Equal(t, firstRationale, decision.Rationale)
	}
}

func TestRoutePartialFailure(t *testing.T) {
	reg := newRegistry(t,
		&fixedDriver{name: "down", err: venue.Temporary("down", "quote", errors.New("timeout"))},
		&fixedDriver{name: "up", quote: venue.Quote{AmountOut: dec(500), UnitPrice: dec(100), FeeRate: dec(0.002), PriceImpact: dec(0.001)}},
	)
	best, decision, err := New(reg, time.Second).Route(context.Background(), "o", testPair, decimal.NewFromInt(1))
	require.NoError(t, err)
	assert.Equal(t, "up", best.Venue)
	assert.Len(t, decision.Quotes, 1)
	assert.Contains(t, decision.Rationale, "only venue")
}

func TestRouteNoQuotes(t *testing.T) {
	reg := newRegistry(t,
		&fixedDriver{name: "a", err: venue.Temporary("a", "quote", errors.New("down"))},
		&fixedDriver{name: "b", err: venue.Permanent("b", "quote", errors.New("bad pair"))},
	)
	_, _, err := New(reg, time.Second).Route(context.Background(), "o", testPair, decimal.NewFromInt(1))
	assert.ErrorIs(t, err, ErrNoQuotes)

	_, _, err = New(venue.NewRegistry(), time.Second).Route(context.Background(), "o", testPair, decimal.NewFromInt(1))
	assert.ErrorIs(t, err, ErrNoQuotes)
}

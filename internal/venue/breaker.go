package venue

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
	cb "github.com/sony/gobreaker"
)

// breakerDriver shields the pool from a flapping venue. An open breaker
// surfaces as a Temporary error so the retry policy still applies.
type breakerDriver struct {
	inner Driver
	cb    *cb.CircuitBreaker
}

// WithBreaker wraps d in a circuit breaker. Trips on 3 consecutive
// failures, or on a >5% failure rate once 20 requests have been seen.
func WithBreaker(d Driver) Driver {
	st := cb.Settings{Name: d.Name()}
	st.Interval = 60 * time.Second
	st.Timeout = 60 * time.Second
	st.ReadyToTrip = func(counts cb.Counts) bool {
		if counts.ConsecutiveFailures >= 3 {
			return true
		}
		if counts.Requests < 20 {
			return false
		}
		return float64(counts.TotalFailures)/float64(counts.Requests) > 0.05
	}
	return &breakerDriver{inner: d, cb: cb.NewCircuitBreaker(st)}
}

func (b *breakerDriver) Name() string { return b.inner.Name() }

func (b *breakerDriver) Quote(ctx context.Context, pair Pair, amountIn decimal.Decimal) (Quote, error) {
	res, err := b.cb.Execute(func() (interface{}, error) {
		return b.inner.Quote(ctx, pair, amountIn)
	})
	if err != nil {
		if err == cb.ErrOpenState || err == cb.ErrTooManyRequests {
			return Quote{}, Temporary(b.inner.Name(), "quote", err)
		}
		return Quote{}, err
	}
	return res.(Quote), nil
}

func (b *breakerDriver) Swap(ctx context.Context, req SwapRequest) (SwapResult, error) {
	res, err := b.cb.Execute(func() (interface{}, error) {
		return b.inner.Swap(ctx, req)
	})
	if err != nil {
		if err == cb.ErrOpenState || err == cb.ErrTooManyRequests {
			return SwapResult{}, Temporary(b.inner.Name(), "swap", err)
		}
		return SwapResult{}, err
	}
	return res.(SwapResult), nil
}

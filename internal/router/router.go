// Package router fans a quote request across every registered venue and
// picks the one with the best effective output.
package router

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/dexrun/dexrun/internal/venue"
)

// ErrNoQuotes means every registered driver failed to quote. Retriable:
// venues recover.
var ErrNoQuotes = errors.New("no venue returned a quote")

// Decision records how the winning venue was chosen. It rides along on
// the routing transition for observability.
type Decision struct {
	OrderID     string          `json:"order_id"`
	Quotes      []venue.Quote   `json:"quotes"`
	Selected    string          `json:"selected"`
	Rationale   string          `json:"rationale"`
	PriceGapPct decimal.Decimal `json:"price_gap_pct"`
	At          time.Time       `json:"at"`
}

// Router requests quotes from all drivers in parallel and ranks them.
type Router struct {
	reg          *venue.Registry
	quoteTimeout time.Duration
}

// New builds a router over reg. quoteTimeout bounds each parallel quote
// call; zero means 5s.
func New(reg *venue.Registry, quoteTimeout time.Duration) *Router {
	if quoteTimeout <= 0 {
		quoteTimeout = 5 * time.Second
	}
	return &Router{reg: reg, quoteTimeout: quoteTimeout}
}

// ranked pairs a quote with its registration index so that ranking stays
// deterministic under exact ties.
type ranked struct {
	quote  venue.Quote
	regIdx int
}

// Route quotes pair on every driver concurrently, waits for all of them,
// and returns the best quote plus the decision record. Fails with
// ErrNoQuotes when no driver succeeds.
func (r *Router) Route(ctx context.Context, orderID string, pair venue.Pair, amountIn decimal.Decimal) (venue.Quote, *Decision, error) {
	drivers := r.reg.Drivers()
	if len(drivers) == 0 {
		return venue.Quote{}, nil, ErrNoQuotes
	}

	ctx, cancel := context.WithTimeout(ctx, r.quoteTimeout)
	defer cancel()

	results := make([]*ranked, len(drivers))
	var wg sync.WaitGroup
	for i, d := range drivers {
		wg.Add(1)
		go func(i int, d venue.Driver) {
			defer wg.Done()
			q, err := d.Quote(ctx, pair, amountIn)
			if err != nil {
				log.Debug().Str("order_id", orderID).Str("venue", d.Name()).Err(err).Msg("quote failed")
				return
			}
			results[i] = &ranked{quote: q, regIdx: i}
		}(i, d)
	}
	wg.Wait()

	candidates := make([]ranked, 0, len(results))
	for _, res := range results {
		if res != nil {
			candidates = append(candidates, *res)
		}
	}
	if len(candidates) == 0 {
		return venue.Quote{}, nil, fmt.Errorf("routing order %s on %s: %w", orderID, pair, ErrNoQuotes)
	}

	rank(candidates)

	quotes := make([]venue.Quote, len(candidates))
	for i, c := range candidates {
		quotes[i] = c.quote
	}
	best := candidates[0].quote

	decision := &Decision{
		OrderID:     orderID,
		Quotes:      quotes,
		Selected:    best.Venue,
		Rationale:   rationale(candidates),
		PriceGapPct: priceGapPct(candidates),
		At:          time.Now().UTC(),
	}
	log.Info().
		Str("order_id", orderID).
		Str("venue", best.Venue).
		Str("amount_out", best.AmountOut.String()).
		Int("quotes", len(quotes)).
		Msg("route selected")
	return best, decision, nil
}

// rank sorts best-first: effective output desc, then fee asc, then
// impact asc, then registration order. Deterministic for equal inputs.
func rank(cs []ranked) {
	sort.SliceStable(cs, func(i, j int) bool {
		a, b := cs[i].quote, cs[j].quote
		if c := a.EffectiveOutput().Cmp(b.EffectiveOutput()); c != 0 {
			return c > 0
		}
		if c := a.FeeRate.Cmp(b.FeeRate); c != 0 {
			return c < 0
		}
		if c := a.PriceImpact.Cmp(b.PriceImpact); c != 0 {
			return c < 0
		}
		return cs[i].regIdx < cs[j].regIdx
	})
}

// priceGapPct is the unit-price spread between winner and runner-up,
// relative to the runner-up. Zero with a single quote.
func priceGapPct(cs []ranked) decimal.Decimal {
	if len(cs) < 2 {
		return decimal.Zero
	}
	best, next := cs[0].quote, cs[1].quote
	if next.UnitPrice.Sign() == 0 {
		return decimal.Zero
	}
	return best.UnitPrice.Sub(next.UnitPrice).Div(next.UnitPrice).Mul(decimal.NewFromInt(100)).Round(4)
}

// rationale spells out the deltas that actually decided the ranking.
func rationale(cs []ranked) string {
	best := cs[0].quote
	if len(cs) == 1 {
		return fmt.Sprintf("%s was the only venue to quote", best.Venue)
	}
	next := cs[1].quote
	hundred := decimal.NewFromInt(100)
	parts := []string{}

	if c := best.EffectiveOutput().Cmp(next.EffectiveOutput()); c > 0 && next.EffectiveOutput().Sign() > 0 {
		adv := best.EffectiveOutput().Sub(next.EffectiveOutput()).Div(next.EffectiveOutput()).Mul(hundred).Round(4)
		parts = append(parts, fmt.Sprintf("%s%% better effective output than %s", adv, next.Venue))
	}
	if c := best.UnitPrice.Cmp(next.UnitPrice); c > 0 && next.UnitPrice.Sign() > 0 {
		adv := best.UnitPrice.Sub(next.UnitPrice).Div(next.UnitPrice).Mul(hundred).Round(4)
		parts = append(parts, fmt.Sprintf("%s%% price advantage", adv))
	}
	if best.FeeRate.Cmp(next.FeeRate) < 0 {
		parts = append(parts, fmt.Sprintf("lower fee (%s vs %s)", best.FeeRate, next.FeeRate))
	}
	if best.PriceImpact.Cmp(next.PriceImpact) < 0 {
		parts = append(parts, fmt.Sprintf("lower price impact (%s vs %s)", best.PriceImpact, next.PriceImpact))
	}
	if len(parts) == 0 {
		return fmt.Sprintf("%s tied with %s; kept registration order", best.Venue, next.Venue)
	}
	return fmt.Sprintf("%s selected: %s", best.Venue, strings.Join(parts, ", "))
}

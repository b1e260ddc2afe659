// Package engine drives each leased job through the order state
// machine: routing, building, submission, confirmation. The processor
// is resumable: it picks up from whatever status the store holds, so a
// job re-leased after a crash continues instead of starting over.
package engine

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/dexrun/dexrun/internal/cache"
	"github.com/dexrun/dexrun/internal/hub"
	"github.com/dexrun/dexrun/internal/order"
	"github.com/dexrun/dexrun/internal/queue"
	"github.com/dexrun/dexrun/internal/router"
	"github.com/dexrun/dexrun/internal/store"
	"github.com/dexrun/dexrun/internal/token"
	"github.com/dexrun/dexrun/internal/venue"
)

// DefaultMaxAttempts bounds worker attempts per order.
const DefaultMaxAttempts = 3

// IDValidator gates which order IDs the processor will touch. Jobs
// failing the check are skipped without consuming an attempt; this
// keeps synthetic IDs injected by external harnesses from burning
// retries or dirtying state.
type IDValidator func(id string) bool

// UUIDValidator accepts canonical UUID strings, the format the store
// issues.
func UUIDValidator(id string) bool {
	_, err := uuid.Parse(id)
	return err == nil
}

// Config tunes the processor.
type Config struct {
	MaxAttempts int
	// ValidateID defaults to UUIDValidator.
	ValidateID IDValidator
}

// Processor executes one job at a time per order (the queue's
// single-lease invariant guarantees exclusivity).
type Processor struct {
	store       store.Store
	cache       cache.Cache
	router      *router.Router
	venues      *venue.Registry
	hub         *hub.Hub
	maxAttempts int
	validateID  IDValidator
}

// New wires a processor.
func New(st store.Store, ca cache.Cache, rt *router.Router, reg *venue.Registry, hb *hub.Hub, cfg Config) *Processor {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = DefaultMaxAttempts
	}
	if cfg.ValidateID == nil {
		cfg.ValidateID = UUIDValidator
	}
	return &Processor{
		store:       st,
		cache:       ca,
		router:      rt,
		venues:      reg,
		hub:         hb,
		maxAttempts: cfg.MaxAttempts,
		validateID:  cfg.ValidateID,
	}
}

// Process implements queue.Handler.
func (p *Processor) Process(ctx context.Context, job queue.Job) (queue.Disposition, error) {
	plog := log.With().Str("order_id", job.OrderID).Int("attempt", job.Attempt).Logger()

	if !p.validateID(job.OrderID) {
		plog.Warn().Msg("skipping job with malformed order id")
		return queue.Skipped, nil
	}

	o, err := p.store.Find(ctx, job.OrderID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			plog.Warn().Msg("skipping job for unknown order")
			return queue.Skipped, nil
		}
		return p.settle(ctx, plog, job, fmt.Errorf("loading order: %w", err))
	}
	if o.Status.Terminal() {
		// Re-leased after completion; nothing to do.
		return queue.Done, nil
	}
	if o.Status != order.StatusPending && job.Attempt == 0 {
		// A fresh job found mid-flight state: a previous lease died
		// without settling. Count the lost attempt.
		if _, err := p.store.IncrementRetry(ctx, o.ID); err != nil {
			plog.Error().Err(err).Msg("failed to record recovered attempt")
		}
		plog.Warn().Str("status", string(o.Status)).Msg("resuming order recovered from interrupted attempt")
	}

	if err := p.drive(ctx, plog, o); err != nil {
		return p.settle(ctx, plog, job, err)
	}
	return queue.Done, nil
}

// drive advances the order from its current status to confirmed,
// emitting exactly one transition event per edge. Everything the later
// stages need (venue, expected price) is persisted at the edge that
// discovers it, which is what makes resumption after a crash possible.
func (p *Processor) drive(ctx context.Context, plog zerolog.Logger, o *order.Order) error {
	for !o.Status.Terminal() {
		switch o.Status {
		case order.StatusPending:
			updated, err := p.transition(ctx, o.ID, order.StatusRouting, store.Patch{}, "routing order across venues", nil)
			if err != nil {
				return err
			}
			o = updated

		case order.StatusRouting:
			pair := venue.Pair{In: token.Normalize(o.TokenIn), Out: token.Normalize(o.TokenOut)}
			q, d, err := p.router.Route(ctx, o.ID, pair, o.AmountIn)
			if err != nil {
				return err
			}
			price := q.UnitPrice
			vname := q.Venue
			updated, err := p.transition(ctx, o.ID, order.StatusBuilding, store.Patch{
				Venue:         &vname,
				ExpectedPrice: &price,
			}, d.Rationale, d)
			if err != nil {
				return err
			}
			o = updated

		case order.StatusBuilding:
			updated, err := p.transition(ctx, o.ID, order.StatusSubmitted, store.Patch{},
				fmt.Sprintf("submitting swap to %s", o.Venue), nil)
			if err != nil {
				return err
			}
			o = updated

		case order.StatusSubmitted:
			if err := p.execute(ctx, plog, o); err != nil {
				return err
			}
			return nil
		}
	}
	return nil
}

// execute runs the venue swap, applies the slippage gate, and records
// the confirmation.
func (p *Processor) execute(ctx context.Context, plog zerolog.Logger, o *order.Order) error {
	driver, ok := p.venues.Get(o.Venue)
	if !ok {
		return venue.Permanent(o.Venue, "swap", fmt.Errorf("venue not registered"))
	}
	if o.ExpectedPrice == nil {
		return fmt.Errorf("order %s reached submitted without an expected price", o.ID)
	}

	pair := venue.Pair{In: token.Normalize(o.TokenIn), Out: token.Normalize(o.TokenOut)}
	plan := token.PlanWraps(o.TokenIn, o.TokenOut, o.AmountIn)

	result, err := driver.Swap(ctx, venue.SwapRequest{
		OrderID:           o.ID,
		Pair:              pair,
		AmountIn:          o.AmountIn,
		ExpectedUnitPrice: *o.ExpectedPrice,
		SlippageMax:       o.Slippage,
	})
	if err != nil {
		return err
	}
	result.WrappedIn = plan.NeedsWrapIn
	result.UnwrappedOut = plan.NeedsUnwrapOut

	if err := slippageGate(*o.ExpectedPrice, result.ExecutedPrice, o.Slippage); err != nil {
		return err
	}

	confirmed, err := p.store.RecordExecution(ctx, o.ID, store.Execution{
		Venue:         o.Venue,
		TxRef:         result.TxRef,
		ExecutedPrice: result.ExecutedPrice,
		AmountOut:     result.AmountOut,
	})
	if err != nil {
		return err
	}
	p.afterCommit(ctx, confirmed, order.TransitionEvent{
		OrderID: o.ID,
		Status:  order.StatusConfirmed,
		Message: fmt.Sprintf("swap confirmed on %s", o.Venue),
		At:      confirmed.UpdatedAt,
		Data:    result,
	})
	p.cache.RemoveActive(ctx, o.ID)
	p.hub.CloseOrderSubscriptions(o.ID, "order completed")
	plog.Info().
		Str("venue", o.Venue).
		Str("tx_ref", result.TxRef).
		Str("amount_out", result.AmountOut.String()).
		Msg("order confirmed")
	return nil
}

// SlippageError fails the gate between expected and executed price.
type SlippageError struct {
	Expected decimal.Decimal
	Executed decimal.Decimal
	Limit    decimal.Decimal
	Realized decimal.Decimal
}

func (e *SlippageError) Error() string {
	return fmt.Sprintf("slippage exceeded: expected price %s, executed %s, realized %s > limit %s",
		e.Expected, e.Executed, e.Realized, e.Limit)
}

// slippageGate enforces |expected-executed|/expected <= limit.
func slippageGate(expected, executed, limit decimal.Decimal) error {
	if expected.Sign() <= 0 {
		return fmt.Errorf("invalid expected price %s", expected)
	}
	realized := executed.Sub(expected).Div(expected).Abs()
	if realized.Cmp(limit) > 0 {
		return &SlippageError{Expected: expected, Executed: executed, Limit: limit, Realized: realized}
	}
	return nil
}

// transition commits the store write, then mirrors it to the cache and
// hub. The store commit strictly precedes the broadcast so subscribers
// never observe a status ahead of the store.
func (p *Processor) transition(ctx context.Context, id string, to order.Status, patch store.Patch, message string, data interface{}) (*order.Order, error) {
	updated, err := p.store.Transition(ctx, id, to, patch)
	if err != nil {
		return nil, err
	}
	p.afterCommit(ctx, updated, order.TransitionEvent{
		OrderID: id,
		Status:  to,
		Message: message,
		At:      updated.UpdatedAt,
		Data:    data,
	})
	return updated, nil
}

// afterCommit refreshes the cache and broadcasts. Cache writes are
// best-effort; the store has already committed.
func (p *Processor) afterCommit(ctx context.Context, o *order.Order, ev order.TransitionEvent) {
	if err := p.cache.PutOrder(ctx, o); err != nil {
		log.Debug().Str("order_id", o.ID).Err(err).Msg("cache refresh failed")
	}
	if err := p.cache.AppendUpdate(ctx, ev); err != nil {
		log.Debug().Str("order_id", o.ID).Err(err).Msg("update log append failed")
	}
	p.hub.Broadcast(ev)
}

// settle records the failed attempt and decides retry versus terminal.
// Permanent venue errors dead-letter immediately; everything else
// retries until attempts run out.
func (p *Processor) settle(ctx context.Context, plog zerolog.Logger, job queue.Job, cause error) (queue.Disposition, error) {
	count, err := p.store.IncrementRetry(ctx, job.OrderID)
	if err != nil {
		plog.Error().Err(err).Msg("failed to increment retry count")
		count = job.Attempt + 1
	}

	permanent := venue.IsPermanent(cause)
	exhausted := job.Attempt+1 >= p.maxAttempts
	if !permanent && !exhausted {
		return queue.Retry, cause
	}

	failed, err := p.store.MarkFailed(ctx, job.OrderID, cause.Error(), count)
	if err != nil {
		plog.Error().Err(err).Msg("failed to dead-letter order")
		return queue.Failed, cause
	}
	p.afterCommit(ctx, failed, order.TransitionEvent{
		OrderID: job.OrderID,
		Status:  order.StatusFailed,
		Message: cause.Error(),
		At:      failed.UpdatedAt,
	})
	p.cache.RemoveActive(ctx, job.OrderID)
	p.hub.CloseOrderSubscriptions(job.OrderID, "order failed")
	plog.Error().Err(cause).Int("retry_count", count).Bool("permanent", permanent).Msg("order failed")
	return queue.Failed, cause
}

// Enqueue is the intake side: it records the pending order as active
// and pushes the job. Called by the transport after Create succeeds.
func Enqueue(ctx context.Context, q queue.Queue, ca cache.Cache, o *order.Order) error {
	if err := ca.PutOrder(ctx, o); err != nil {
		log.Debug().Str("order_id", o.ID).Err(err).Msg("cache prime failed")
	}
	if err := ca.AddActive(ctx, o.ID); err != nil {
		log.Debug().Str("order_id", o.ID).Err(err).Msg("active set add failed")
	}
	if _, err := q.Enqueue(ctx, o.ID); err != nil {
		// One immediate retry before surfacing; transient queue
		// hiccups should not bounce the submit.
		if _, err2 := q.Enqueue(ctx, o.ID); err2 != nil {
			return fmt.Errorf("failed to enqueue order %s: %w", o.ID, err2)
		}
	}
	return nil
}

var _ queue.Handler = (*Processor)(nil)

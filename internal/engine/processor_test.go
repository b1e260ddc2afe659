package engine

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dexrun/dexrun/internal/cache"
	"github.com/dexrun/dexrun/internal/hub"
	"github.com/dexrun/dexrun/internal/order"
	"github.com/dexrun/dexrun/internal/queue"
	"github.com/dexrun/dexrun/internal/router"
	"github.com/dexrun/dexrun/internal/store"
	"github.com/dexrun/dexrun/internal/venue"
)

// recordingSink captures hub messages in delivery order.
type recordingSink struct {
	mu   sync.Mutex
	msgs []hub.Message
	open bool
}

func newRecordingSink() *recordingSink { return &recordingSink{open: true} }

func (s *recordingSink) Send(msg hub.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.msgs = append(s.msgs, msg)
	return nil
}

func (s *recordingSink) Close(reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.open = false
	return nil
}

func (s *recordingSink) Open() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.open
}

func (s *recordingSink) messages() []hub.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]hub.Message(nil), s.msgs...)
}

// stubDriver quotes a fixed price and swaps at a scripted one.
type stubDriver struct {
	name      string
	quotePx   decimal.Decimal
	swapPx    decimal.Decimal
	quoteErr  error
	swapErr   error
	swapCalls int
}

func (d *stubDriver) Name() string { return d.name }

func (d *stubDriver) Quote(ctx context.Context, pair venue.Pair, amountIn decimal.Decimal) (venue.Quote, error) {
	if d.quoteErr != nil {
		return venue.Quote{}, d.quoteErr
	}
	return venue.Quote{
		Venue:     d.name,
		Pair:      pair,
		AmountIn:  amountIn,
		AmountOut: amountIn.Mul(d.quotePx),
		UnitPrice: d.quotePx,
		FeeRate:   decimal.NewFromFloat(0.0025),
		At:        time.Now().UTC(),
	}, nil
}

func (d *stubDriver) Swap(ctx context.Context, req venue.SwapRequest) (venue.SwapResult, error) {
	d.swapCalls++
	if d.swapErr != nil {
		return venue.SwapResult{}, d.swapErr
	}
	return venue.SwapResult{
		TxRef:         "tx-stub",
		ExecutedPrice: d.swapPx,
		AmountOut:     req.AmountIn.Mul(d.swapPx),
		At:            time.Now().UTC(),
	}, nil
}

type fixture struct {
	store  *store.Memory
	cache  *cache.Memory
	hub    *hub.Hub
	driver *stubDriver
	proc   *Processor
}

func newFixture(t *testing.T, d *stubDriver, cfg Config) *fixture {
	t.Helper()
	reg := venue.NewRegistry()
	require.NoError(t, reg.Register(d))
	st := store.NewMemory()
	ca := cache.NewMemory(0)
	hb := hub.New()
	rt := router.New(reg, time.Second)
	return &fixture{
		store:  st,
		cache:  ca,
		hub:    hb,
		driver: d,
		proc:   New(st, ca, rt, reg, hb, cfg),
	}
}

func (f *fixture) createOrder(t *testing.T) *order.Order {
	t.Helper()
	o, err := f.store.Create(context.Background(), store.Draft{
		Type:     order.TypeMarket,
		TokenIn:  "So11111111111111111111111111111111111111112",
		TokenOut: "EPjFWdd5AufqSSqeM2qN1xzybapC8G4wEGGkZwyTDt1v",
		AmountIn: decimal.NewFromInt(10),
		Slippage: decimal.NewFromFloat(0.01),
	})
	require.NoError(t, err)
	return o
}

func TestProcessHappyPath(t *testing.T) {
	d := &stubDriver{name: "raydium", quotePx: decimal.NewFromInt(100), swapPx: decimal.NewFromInt(100)}
	f := newFixture(t, d, Config{})
	o := f.createOrder(t)
	ctx := context.Background()

	sink := newRecordingSink()
	f.hub.Register(o.ID, sink)

	disp, err := f.proc.Process(ctx, queue.Job{ID: "j1", OrderID: o.ID})
	require.NoError(t, err)
	assert.Equal(t, queue.Done, disp)

	final, err := f.store.Find(ctx, o.ID)
	require.NoError(t, err)
	assert.Equal(t, order.StatusConfirmed, final.Status)
	assert.Equal(t, "raydium", final.Venue)
	assert.Equal(t, "tx-stub", final.TxRef)
	require.NotNil(t, final.ExpectedPrice)
	assert.True(t, final.ExpectedPrice.Equal(decimal.NewFromInt(100)))
	require.NotNil(t, final.ExecutedPrice)
	assert.True(t, final.ExecutedPrice.Equal(decimal.NewFromInt(100)))
	require.NotNil(t, final.CompletedAt)
	assert.Zero(t, final.RetryCount)

	// Every edge was logged, newest first.
	updates, err := f.cache.Updates(ctx, o.ID, 0)
	require.NoError(t, err)
	require.Len(t, updates, 4)
	assert.Equal(t, order.StatusConfirmed, updates[0].Status)
	assert.Equal(t, order.StatusSubmitted, updates[1].Status)
	assert.Equal(t, order.StatusBuilding, updates[2].Status)
	assert.Equal(t, order.StatusRouting, updates[3].Status)

	// Subscriber saw connected, the four edges in order, then closing.
	msgs := sink.messages()
	require.Len(t, msgs, 6)
	assert.Equal(t, hub.TypeConnected, msgs[0].Type)
	assert.Equal(t, order.StatusRouting, msgs[1].Status)
	assert.Equal(t, order.StatusBuilding, msgs[2].Status)
	assert.Equal(t, order.StatusSubmitted, msgs[3].Status)
	assert.Equal(t, order.StatusConfirmed, msgs[4].Status)
	assert.Equal(t, hub.TypeClosing, msgs[5].Type)

	// Confirmed orders leave the active set.
	active, _ := f.cache.ActiveIDs(ctx)
	assert.Empty(t, active)
}

func TestProcessSlippageRetriesThenFails(t *testing.T) {
	// Quote at 100, execute at 95: 5% off against a 1% limit.
	d := &stubDriver{name: "raydium", quotePx: decimal.NewFromInt(100), swapPx: decimal.NewFromInt(95)}
	f := newFixture(t, d, Config{MaxAttempts: 3})
	o := f.createOrder(t)
	ctx := context.Background()

	for attempt := 0; attempt < 2; attempt++ {
		disp, err := f.proc.Process(ctx, queue.Job{ID: "j", OrderID: o.ID, Attempt: attempt})
		assert.Equal(t, queue.Retry, disp)
		var se *SlippageError
		require.ErrorAs(t, err, &se)
	}

	disp, err := f.proc.Process(ctx, queue.Job{ID: "j", OrderID: o.ID, Attempt: 2})
	assert.Equal(t, queue.Failed, disp)
	require.Error(t, err)

	final, ferr := f.store.Find(ctx, o.ID)
	require.NoError(t, ferr)
	assert.Equal(t, order.StatusFailed, final.Status)
	assert.Equal(t, 3, final.RetryCount)
	assert.Contains(t, final.ErrorMessage, "slippage exceeded")
	assert.Empty(t, final.Venue)
	assert.Empty(t, final.TxRef)
	require.NotNil(t, final.CompletedAt)
	assert.Equal(t, 3, d.swapCalls)
}

func TestProcessSkipsMalformedAndUnknownIDs(t *testing.T) {
	d := &stubDriver{name: "raydium", quotePx: decimal.NewFromInt(100), swapPx: decimal.NewFromInt(100)}
	f := newFixture(t, d, Config{})
	ctx := context.Background()

	disp, err := f.proc.Process(ctx, queue.Job{ID: "j", OrderID: "not-a-uuid"})
	require.NoError(t, err)
	assert.Equal(t, queue.Skipped, disp)

	disp, err = f.proc.Process(ctx, queue.Job{ID: "j", OrderID: "7b1c6e9e-4c3a-4f5e-9a2b-111111111111"})
	require.NoError(t, err)
	assert.Equal(t, queue.Skipped, disp)

	assert.Zero(t, d.swapCalls)
}

func TestProcessPermanentErrorDeadLettersImmediately(t *testing.T) {
	d := &stubDriver{name: "raydium", quotePx: decimal.NewFromInt(100)}
	d.swapErr = venue.Permanent("raydium", "swap", errors.New("pool closed"))
	f := newFixture(t, d, Config{MaxAttempts: 3})
	o := f.createOrder(t)
	ctx := context.Background()

	disp, err := f.proc.Process(ctx, queue.Job{ID: "j", OrderID: o.ID})
	assert.Equal(t, queue.Failed, disp)
	assert.True(t, venue.IsPermanent(err))

	final, ferr := f.store.Find(ctx, o.ID)
	require.NoError(t, ferr)
	assert.Equal(t, order.StatusFailed, final.Status)
	assert.Equal(t, 1, final.RetryCount)
	assert.Contains(t, final.ErrorMessage, "pool closed")
	assert.Equal(t, 1, d.swapCalls)
}

func TestProcessNoQuotesRetries(t *testing.T) {
	d := &stubDriver{name: "raydium"}
	d.quoteErr = venue.Temporary("raydium", "quote", errors.New("congested"))
	f := newFixture(t, d, Config{MaxAttempts: 3})
	o := f.createOrder(t)
	ctx := context.Background()

	disp, err := f.proc.Process(ctx, queue.Job{ID: "j", OrderID: o.ID})
	assert.Equal(t, queue.Retry, disp)
	assert.ErrorIs(t, err, router.ErrNoQuotes)

	final, _ := f.store.Find(ctx, o.ID)
	assert.Equal(t, 1, final.RetryCount)
	assert.False(t, final.Status.Terminal())
}

func TestProcessResumesInterruptedOrder(t *testing.T) {
	d := &stubDriver{name: "raydium", quotePx: decimal.NewFromInt(100), swapPx: decimal.NewFromInt(100)}
	f := newFixture(t, d, Config{})
	o := f.createOrder(t)
	ctx := context.Background()

	// A previous lease died after routing began.
	_, err := f.store.Transition(ctx, o.ID, order.StatusRouting, store.Patch{})
	require.NoError(t, err)

	disp, err := f.proc.Process(ctx, queue.Job{ID: "j", OrderID: o.ID, Attempt: 0})
	require.NoError(t, err)
	assert.Equal(t, queue.Done, disp)

	final, ferr := f.store.Find(ctx, o.ID)
	require.NoError(t, ferr)
	assert.Equal(t, order.StatusConfirmed, final.Status)
	// The lost attempt is accounted for.
	assert.Equal(t, 1, final.RetryCount)
}

func TestProcessTerminalOrderIsNoop(t *testing.T) {
	d := &stubDriver{name: "raydium", quotePx: decimal.NewFromInt(100), swapPx: decimal.NewFromInt(100)}
	f := newFixture(t, d, Config{})
	o := f.createOrder(t)
	ctx := context.Background()

	_, err := f.store.MarkFailed(ctx, o.ID, "boom", 3)
	require.NoError(t, err)

	disp, err := f.proc.Process(ctx, queue.Job{ID: "j", OrderID: o.ID})
	require.NoError(t, err)
	assert.Equal(t, queue.Done, disp)
	assert.Zero(t, d.swapCalls)
}

func TestSlippageGate(t *testing.T) {
	px := func(f float64) decimal.Decimal { return decimal.NewFromFloat(f) }

	assert.NoError(t, slippageGate(px(100), px(100), px(0.01)))
	assert.NoError(t, slippageGate(px(100), px(99.5), px(0.01)))
	assert.NoError(t, slippageGate(px(100), px(101), px(0.01)))

	err := slippageGate(px(100), px(98), px(0.01))
	var se *SlippageError
	require.ErrorAs(t, err, &se)
	assert.True(t, se.Realized.Equal(px(0.02)))

	assert.Error(t, slippageGate(decimal.Zero, px(100), px(0.01)))
}

func TestEnqueuePrimesCacheAndActiveSet(t *testing.T) {
	q := queue.NewMemory(time.Minute)
	defer q.Close()
	ca := cache.NewMemory(0)
	st := store.NewMemory()
	ctx := context.Background()

	o, err := st.Create(ctx, store.Draft{
		Type:     order.TypeMarket,
		TokenIn:  "So11111111111111111111111111111111111111112",
		TokenOut: "EPjFWdd5AufqSSqeM2qN1xzybapC8G4wEGGkZwyTDt1v",
		AmountIn: decimal.NewFromInt(1),
		Slippage: decimal.NewFromFloat(0.01),
	})
	require.NoError(t, err)

	require.NoError(t, Enqueue(ctx, q, ca, o))

	cached, ok := ca.GetOrder(ctx, o.ID)
	require.True(t, ok)
	assert.Equal(t, order.StatusPending, cached.Status)
	active, _ := ca.ActiveIDs(ctx)
	assert.Equal(t, []string{o.ID}, active)
	depth, _ := q.Depth(ctx)
	assert.Equal(t, int64(1), depth.Pending)
}

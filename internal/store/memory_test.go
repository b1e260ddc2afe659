package store

import (
	"context"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dexrun/dexrun/internal/order"
)

func newDraft() Draft {
	return Draft{
		Type:     order.TypeMarket,
		TokenIn:  "11111111111111111111111111111111",
		TokenOut: "EPjFWdd5AufqSSqeM2qN1xzybapC8G4wEGGkZwyTDt1v",
		AmountIn: decimal.NewFromFloat(1.5),
		Slippage: decimal.NewFromFloat(0.01),
	}
}

func TestMemoryCreateAndFind(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	o, err := m.Create(ctx, newDraft())
	require.NoError(t, err)
	assert.NotEmpty(t, o.ID)
	assert.Equal(t, order.StatusPending, o.Status)
	assert.Zero(t, o.RetryCount)
	assert.Nil(t, o.CompletedAt)

	got, err := m.Find(ctx, o.ID)
	require.NoError(t, err)
	assert.Equal(t, o.ID, got.ID)

	_, err = m.Find(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMemoryTransitionPath(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	o, _ := m.Create(ctx, newDraft())

	venueName := "raydium"
	price := decimal.NewFromInt(100)

	o2, err := m.Transition(ctx, o.ID, order.StatusRouting, Patch{})
	require.NoError(t, err)
	assert.Equal(t, order.StatusRouting, o2.Status)
	assert.False(t, o2.UpdatedAt.Before(o.UpdatedAt), "updatedAt must be nondecreasing")

	o3, err := m.Transition(ctx, o.ID, order.StatusBuilding, Patch{Venue: &venueName, ExpectedPrice: &price})
	require.NoError(t, err)
	assert.Equal(t, "raydium", o3.Venue)
	require.NotNil(t, o3.ExpectedPrice)
	assert.True(t, o3.ExpectedPrice.Equal(price))

	_, err = m.Transition(ctx, o.ID, order.StatusSubmitted, Patch{})
	require.NoError(t, err)

	final, err := m.RecordExecution(ctx, o.ID, Execution{
		Venue:         "raydium",
		TxRef:         "sig123",
		ExecutedPrice: decimal.NewFromFloat(100.5),
		AmountOut:     decimal.NewFromFloat(150.2),
	})
	require.NoError(t, err)
	assert.Equal(t, order.StatusConfirmed, final.Status)
	assert.Equal(t, "sig123", final.TxRef)
	require.NotNil(t, final.CompletedAt)
	require.NotNil(t, final.AmountOut)
	assert.True(t, final.AmountOut.Equal(decimal.NewFromFloat(150.2)))
}

func TestMemoryIllegalTransitions(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	o, _ := m.Create(ctx, newDraft())

	// Skipping a state is illegal.
	_, err := m.Transition(ctx, o.ID, order.StatusSubmitted, Patch{})
	var ite *order.IllegalTransitionError
	require.ErrorAs(t, err, &ite)
	assert.Equal(t, order.StatusPending, ite.From)
	assert.Equal(t, order.StatusSubmitted, ite.To)

	// Terminal is a sink.
	_, err = m.MarkFailed(ctx, o.ID, "boom", 3)
	require.NoError(t, err)
	_, err = m.Transition(ctx, o.ID, order.StatusRouting, Patch{})
	assert.ErrorIs(t, err, ErrTerminal)
	_, err = m.MarkFailed(ctx, o.ID, "again", 4)
	assert.ErrorIs(t, err, ErrTerminal)
	_, err = m.IncrementRetry(ctx, o.ID)
	assert.ErrorIs(t, err, ErrTerminal)
}

func TestMemoryMarkFailedClearsExecutionFields(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	o, _ := m.Create(ctx, newDraft())

	vn := "meteora"
	m.Transition(ctx, o.ID, order.StatusRouting, Patch{})
	m.Transition(ctx, o.ID, order.StatusBuilding, Patch{Venue: &vn})

	failed, err := m.MarkFailed(ctx, o.ID, "slippage exceeded", 3)
	require.NoError(t, err)
	assert.Equal(t, order.StatusFailed, failed.Status)
	assert.Equal(t, "slippage exceeded", failed.ErrorMessage)
	assert.Equal(t, 3, failed.RetryCount)
	assert.Empty(t, failed.Venue)
	assert.Empty(t, failed.TxRef)
	require.NotNil(t, failed.CompletedAt)
}

func TestMemoryIncrementRetry(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	o, _ := m.Create(ctx, newDraft())

	for want := 1; want <= 3; want++ {
		n, err := m.IncrementRetry(ctx, o.ID)
		require.NoError(t, err)
		assert.Equal(t, want, n)
	}
}

func TestMemoryListAndCount(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	var ids []string
	for i := 0; i < 5; i++ {
		o, _ := m.Create(ctx, newDraft())
		ids = append(ids, o.ID)
	}
	m.Transition(ctx, ids[0], order.StatusRouting, Patch{})

	all, total, err := m.List(ctx, Filter{Limit: 10})
	require.NoError(t, err)
	assert.Equal(t, 5, total)
	assert.Len(t, all, 5)

	page, total, err := m.List(ctx, Filter{Limit: 2, Offset: 4})
	require.NoError(t, err)
	assert.Equal(t, 5, total)
	assert.Len(t, page, 1)

	pending := order.StatusPending
	byStatus, total, err := m.List(ctx, Filter{Status: &pending, Limit: 10})
	require.NoError(t, err)
	assert.Equal(t, 4, total)
	assert.Len(t, byStatus, 4)

	n, err := m.Count(ctx, &pending)
	require.NoError(t, err)
	assert.Equal(t, 4, n)
	n, err = m.Count(ctx, nil)
	require.NoError(t, err)
	assert.Equal(t, 5, n)
}

package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/dexrun/dexrun/internal/order"
)

// Memory is an in-process Store used in dev mode and tests. It enforces
// the same transition rules as the Postgres repository.
type Memory struct {
	mu     sync.RWMutex
	orders map[string]*order.Order
	seq    []string // creation order, for stable listing
	now    func() time.Time
}

// NewMemory returns an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		orders: make(map[string]*order.Order),
		now:    func() time.Time { return time.Now().UTC() },
	}
}

func (m *Memory) Create(ctx context.Context, draft Draft) (*order.Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	o := &order.Order{
		ID:        uuid.NewString(),
		Type:      draft.Type,
		Status:    order.StatusPending,
		TokenIn:   draft.TokenIn,
		TokenOut:  draft.TokenOut,
		AmountIn:  draft.AmountIn,
		Slippage:  draft.Slippage,
		CreatedAt: now,
		UpdatedAt: now,
	}
	m.orders[o.ID] = o
	m.seq = append(m.seq, o.ID)
	return o.Clone(), nil
}

func (m *Memory) Find(ctx context.Context, id string) (*order.Order, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	o, ok := m.orders[id]
	if !ok {
		return nil, ErrNotFound
	}
	return o.Clone(), nil
}

func (m *Memory) List(ctx context.Context, f Filter) ([]*order.Order, int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	matched := make([]*order.Order, 0, len(m.seq))
	for _, id := range m.seq {
		o := m.orders[id]
		if f.Status != nil && o.Status != *f.Status {
			continue
		}
		matched = append(matched, o)
	}
	// Newest first, matching the Postgres repo's ORDER BY created_at DESC.
	sort.SliceStable(matched, func(i, j int) bool {
		return matched[i].CreatedAt.After(matched[j].CreatedAt)
	})

	total := len(matched)
	if f.Offset >= total {
		return nil, total, nil
	}
	matched = matched[f.Offset:]
	if f.Limit > 0 && f.Limit < len(matched) {
		matched = matched[:f.Limit]
	}
	out := make([]*order.Order, len(matched))
	for i, o := range matched {
		out[i] = o.Clone()
	}
	return out, total, nil
}

func (m *Memory) Count(ctx context.Context, status *order.Status) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if status == nil {
		return len(m.orders), nil
	}
	n := 0
	for _, o := range m.orders {
		if o.Status == *status {
			n++
		}
	}
	return n, nil
}

// mutate runs fn against the live order under the write lock, bumping
// updated_at on success.
func (m *Memory) mutate(id string, fn func(o *order.Order) error) (*order.Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.orders[id]
	if !ok {
		return nil, ErrNotFound
	}
	if err := fn(o); err != nil {
		return nil, err
	}
	o.UpdatedAt = m.now()
	if o.Status.Terminal() && o.CompletedAt == nil {
		t := o.UpdatedAt
		o.CompletedAt = &t
	}
	return o.Clone(), nil
}

func applyPatch(o *order.Order, patch Patch) {
	if patch.Venue != nil {
		o.Venue = *patch.Venue
	}
	if patch.TxRef != nil {
		o.TxRef = *patch.TxRef
	}
	if patch.ExpectedPrice != nil {
		o.ExpectedPrice = patch.ExpectedPrice
	}
	if patch.ExecutedPrice != nil {
		o.ExecutedPrice = patch.ExecutedPrice
	}
	if patch.AmountOut != nil {
		o.AmountOut = patch.AmountOut
	}
	if patch.ErrorMessage != nil {
		o.ErrorMessage = *patch.ErrorMessage
	}
}

func (m *Memory) Transition(ctx context.Context, id string, to order.Status, patch Patch) (*order.Order, error) {
	return m.mutate(id, func(o *order.Order) error {
		if o.Status.Terminal() {
			return ErrTerminal
		}
		if !order.CanTransition(o.Status, to) {
			return &order.IllegalTransitionError{OrderID: id, From: o.Status, To: to}
		}
		o.Status = to
		applyPatch(o, patch)
		return nil
	})
}

func (m *Memory) RecordExecution(ctx context.Context, id string, exec Execution) (*order.Order, error) {
	return m.mutate(id, func(o *order.Order) error {
		if o.Status.Terminal() {
			return ErrTerminal
		}
		if !order.CanTransition(o.Status, order.StatusConfirmed) {
			return &order.IllegalTransitionError{OrderID: id, From: o.Status, To: order.StatusConfirmed}
		}
		o.Status = order.StatusConfirmed
		o.Venue = exec.Venue
		o.TxRef = exec.TxRef
		price := exec.ExecutedPrice
		out := exec.AmountOut
		o.ExecutedPrice = &price
		o.AmountOut = &out
		return nil
	})
}

func (m *Memory) IncrementRetry(ctx context.Context, id string) (int, error) {
	o, err := m.mutate(id, func(o *order.Order) error {
		if o.Status.Terminal() {
			return ErrTerminal
		}
		o.RetryCount++
		return nil
	})
	if err != nil {
		return 0, err
	}
	return o.RetryCount, nil
}

func (m *Memory) MarkFailed(ctx context.Context, id string, errorMessage string, retryCount int) (*order.Order, error) {
	return m.mutate(id, func(o *order.Order) error {
		if o.Status.Terminal() {
			return ErrTerminal
		}
		o.Status = order.StatusFailed
		o.ErrorMessage = errorMessage
		o.RetryCount = retryCount
		// Failed orders never carry execution artifacts.
		o.Venue = ""
		o.TxRef = ""
		return nil
	})
}

func (m *Memory) Ping(ctx context.Context) error { return nil }

func (m *Memory) Close() error { return nil }

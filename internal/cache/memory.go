package cache

import (
	"context"
	"sync"
	"time"

	"github.com/dexrun/dexrun/internal/order"
)

// Memory is the in-process cache used in dev mode and tests.
type Memory struct {
	mu      sync.RWMutex
	ttl     time.Duration
	orders  map[string]memEntry
	active  map[string]struct{}
	updates map[string][]order.TransitionEvent // newest first
	now     func() time.Time
}

type memEntry struct {
	order *order.Order
	exp   time.Time
}

// NewMemory returns an empty in-memory cache. ttl zero means DefaultTTL.
func NewMemory(ttl time.Duration) *Memory {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Memory{
		ttl:     ttl,
		orders:  make(map[string]memEntry),
		active:  make(map[string]struct{}),
		updates: make(map[string][]order.TransitionEvent),
		now:     func() time.Time { return time.Now().UTC() },
	}
}

func (m *Memory) PutOrder(ctx context.Context, o *order.Order) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.orders[o.ID] = memEntry{order: o.Clone(), exp: m.now().Add(m.ttl)}
	return nil
}

func (m *Memory) GetOrder(ctx context.Context, id string) (*order.Order, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.orders[id]
	if !ok || m.now().After(e.exp) {
		return nil, false
	}
	return e.order.Clone(), true
}

func (m *Memory) AddActive(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.active[id] = struct{}{}
	return nil
}

func (m *Memory) RemoveActive(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.active, id)
	return nil
}

func (m *Memory) ActiveIDs(ctx context.Context) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ids := make([]string, 0, len(m.active))
	for id := range m.active {
		ids = append(ids, id)
	}
	return ids, nil
}

func (m *Memory) AppendUpdate(ctx context.Context, ev order.TransitionEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	log := append([]order.TransitionEvent{ev}, m.updates[ev.OrderID]...)
	if len(log) > UpdateLogCap {
		log = log[:UpdateLogCap]
	}
	m.updates[ev.OrderID] = log
	return nil
}

func (m *Memory) Updates(ctx context.Context, id string, limit int) ([]order.TransitionEvent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	log := m.updates[id]
	if limit <= 0 || limit > len(log) {
		limit = len(log)
	}
	out := make([]order.TransitionEvent, limit)
	copy(out, log[:limit])
	return out, nil
}

func (m *Memory) Ping(ctx context.Context) error { return nil }

func (m *Memory) Close() error { return nil }

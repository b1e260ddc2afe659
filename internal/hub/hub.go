// Package hub fans order transitions out to per-order subscribers.
// Delivery is at-least-once for sinks present at broadcast time; late
// subscribers replay history from the update log instead.
package hub

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/dexrun/dexrun/internal/order"
)

// MessageType tags stream messages.
type MessageType string

const (
	TypeConnected    MessageType = "connected"
	TypeStatusUpdate MessageType = "status_update"
	TypePing         MessageType = "ping"
	TypePong         MessageType = "pong"
	TypeClosing      MessageType = "closing"
)

// Message is the wire schema pushed to subscribers.
type Message struct {
	Type    MessageType  `json:"type"`
	OrderID string       `json:"order_id,omitempty"`
	Status  order.Status `json:"status,omitempty"`
	Message string       `json:"message,omitempty"`
	Reason  string       `json:"reason,omitempty"`
	At      time.Time    `json:"at"`
	Data    interface{}  `json:"data,omitempty"`
}

// Sink is one subscriber connection. Send must be safe to call
// concurrently and must fail fast once the sink is no longer open; a
// slow transport belongs behind the sink's own buffering, not here.
type Sink interface {
	Send(msg Message) error
	Close(reason string) error
	Open() bool
}

// Handle identifies one registration; closing it detaches the sink
// without affecting order processing.
type Handle struct {
	hub     *Hub
	orderID string
	sink    Sink
}

// Close detaches the sink from the hub. Used on client disconnect.
func (h *Handle) Close() {
	h.hub.remove(h.orderID, h, "")
}

// Stats is the hub's observability snapshot.
type Stats struct {
	ActiveOrders int   `json:"active_orders"`
	ActiveSinks  int   `json:"active_sinks"`
	Delivered    int64 `json:"delivered"`
	Dropped      int64 `json:"dropped"`
}

// orderSubs is the per-order sink set with its own lock so broadcasts
// for different orders never contend.
type orderSubs struct {
	mu    sync.Mutex
	sinks map[*Handle]Sink
}

// Hub is the fan-out registry.
type Hub struct {
	mu        sync.RWMutex
	subs      map[string]*orderSubs
	delivered atomic.Int64
	dropped   atomic.Int64
	closed    bool
}

// New returns an empty hub.
func New() *Hub {
	return &Hub{subs: make(map[string]*orderSubs)}
}

// Register subscribes sink to orderID's transitions and immediately
// sends the connected control message.
func (h *Hub) Register(orderID string, sink Sink) *Handle {
	handle := &Handle{hub: h, orderID: orderID, sink: sink}

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		sink.Close("shutting down")
		return handle
	}
	os, ok := h.subs[orderID]
	if !ok {
		os = &orderSubs{sinks: make(map[*Handle]Sink)}
		h.subs[orderID] = os
	}
	// Insert before dropping h.mu. CloseAll swaps the subs map under
	// the same lock, so a sink is either in the swapped-out set and gets
	// closed, or registers after and hits the closed flag above.
	os.mu.Lock()
	os.sinks[handle] = sink
	os.mu.Unlock()
	h.mu.Unlock()

	if err := sink.Send(Message{Type: TypeConnected, OrderID: orderID, At: time.Now().UTC()}); err != nil {
		h.remove(orderID, handle, "")
	}
	return handle
}

// Broadcast delivers ev to every live sink for its order. Dead sinks
// are dropped during delivery. Sends run concurrently so one slow sink
// cannot hold up the rest.
func (h *Hub) Broadcast(ev order.TransitionEvent) {
	h.mu.RLock()
	os := h.subs[ev.OrderID]
	h.mu.RUnlock()
	if os == nil {
		return
	}

	msg := Message{
		Type:    TypeStatusUpdate,
		OrderID: ev.OrderID,
		Status:  ev.Status,
		Message: ev.Message,
		At:      ev.At,
		Data:    ev.Data,
	}

	os.mu.Lock()
	targets := make(map[*Handle]Sink, len(os.sinks))
	for handle, sink := range os.sinks {
		targets[handle] = sink
	}
	os.mu.Unlock()

	var wg sync.WaitGroup
	for handle, sink := range targets {
		wg.Add(1)
		go func(handle *Handle, sink Sink) {
			defer wg.Done()
			if !sink.Open() {
				h.remove(ev.OrderID, handle, "")
				h.dropped.Add(1)
				return
			}
			if err := sink.Send(msg); err != nil {
				log.Debug().Str("order_id", ev.OrderID).Err(err).Msg("dropping dead subscriber")
				h.remove(ev.OrderID, handle, "")
				h.dropped.Add(1)
				return
			}
			h.delivered.Add(1)
		}(handle, sink)
	}
	wg.Wait()
}

// remove detaches one handle; closes the sink when reason is set.
func (h *Hub) remove(orderID string, handle *Handle, reason string) {
	h.mu.RLock()
	os := h.subs[orderID]
	h.mu.RUnlock()
	if os == nil {
		return
	}
	os.mu.Lock()
	sink, ok := os.sinks[handle]
	delete(os.sinks, handle)
	empty := len(os.sinks) == 0
	os.mu.Unlock()

	if ok && reason != "" {
		sink.Close(reason)
	}
	if empty {
		h.mu.Lock()
		if cur := h.subs[orderID]; cur == os {
			cur.mu.Lock()
			if len(cur.sinks) == 0 {
				delete(h.subs, orderID)
			}
			cur.mu.Unlock()
		}
		h.mu.Unlock()
	}
}

// CloseOrderSubscriptions tells every subscriber the order is done and
// closes them. Called on terminal transitions.
func (h *Hub) CloseOrderSubscriptions(orderID, reason string) {
	h.mu.Lock()
	os := h.subs[orderID]
	delete(h.subs, orderID)
	h.mu.Unlock()
	if os == nil {
		return
	}

	os.mu.Lock()
	sinks := make([]Sink, 0, len(os.sinks))
	for _, sink := range os.sinks {
		sinks = append(sinks, sink)
	}
	os.sinks = make(map[*Handle]Sink)
	os.mu.Unlock()

	now := time.Now().UTC()
	for _, sink := range sinks {
		sink.Send(Message{Type: TypeClosing, OrderID: orderID, Reason: reason, At: now})
		sink.Close(reason)
	}
}

// CloseAll closes every subscription. Called at shutdown.
func (h *Hub) CloseAll() {
	h.mu.Lock()
	h.closed = true
	all := h.subs
	h.subs = make(map[string]*orderSubs)
	h.mu.Unlock()

	for orderID, os := range all {
		os.mu.Lock()
		sinks := make([]Sink, 0, len(os.sinks))
		for _, sink := range os.sinks {
			sinks = append(sinks, sink)
		}
		os.sinks = make(map[*Handle]Sink)
		os.mu.Unlock()

		now := time.Now().UTC()
		for _, sink := range sinks {
			sink.Send(Message{Type: TypeClosing, OrderID: orderID, Reason: "shutting down", At: now})
			sink.Close("shutting down")
		}
	}
	log.Info().Msg("subscription hub closed")
}

// Stats snapshots the registry.
func (h *Hub) Stats() Stats {
	h.mu.RLock()
	defer h.mu.RUnlock()
	sinks := 0
	for _, os := range h.subs {
		os.mu.Lock()
		sinks += len(os.sinks)
		os.mu.Unlock()
	}
	return Stats{
		ActiveOrders: len(h.subs),
		ActiveSinks:  sinks,
		Delivered:    h.delivered.Load(),
		Dropped:      h.dropped.Load(),
	}
}

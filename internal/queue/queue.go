// Package queue provides the durable FIFO work queue and the worker
// pool that drains it. Jobs are leased with a visibility timeout so a
// crashed worker's job returns to the queue.
package queue

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrClosed is returned once the queue has shut down.
	ErrClosed = errors.New("queue closed")
)

// Job is one unit of work: process a single order. Attempt is
// 0-indexed and owned by the queue; it increments on every Nack.
type Job struct {
	ID         string    `json:"id"`
	OrderID    string    `json:"order_id"`
	Attempt    int       `json:"attempt"`
	EnqueuedAt time.Time `json:"enqueued_at"`
}

// Lease is a dequeued job plus the token needed to settle it. While a
// lease is live no other worker can hold the same job.
type Lease struct {
	Job   Job
	Token string
}

// Depth gauges the queue for observability.
type Depth struct {
	Pending  int64 `json:"pending"`
	Delayed  int64 `json:"delayed"`
	InFlight int64 `json:"in_flight"`
}

// Queue is the durable FIFO contract. Enqueue returns after the job is
// persisted; Dequeue blocks until a job is available or ctx ends.
type Queue interface {
	Enqueue(ctx context.Context, orderID string) (Job, error)
	Dequeue(ctx context.Context) (*Lease, error)
	// Ack settles the lease; the job never runs again.
	Ack(ctx context.Context, lease *Lease) error
	// Nack returns the job to the queue after delay with Attempt+1.
	Nack(ctx context.Context, lease *Lease, delay time.Duration) error
	// Release returns the job unchanged, Attempt included. For workers
	// giving back a lease they never started processing.
	Release(ctx context.Context, lease *Lease) error
	Depth(ctx context.Context) (Depth, error)
	Ping(ctx context.Context) error
	Close() error
}

package queue

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// DefaultVisibilityTimeout bounds how long a lease may stay unsettled
// before the job is handed to another worker.
const DefaultVisibilityTimeout = 60 * time.Second

// Memory is the in-process queue used in dev mode and tests. Same lease
// semantics as the Redis queue, no durability across restarts.
type Memory struct {
	mu         sync.Mutex
	pending    chan Job
	inflight   map[string]memLease
	visibility time.Duration
	closed     bool
	done       chan struct{}
	wg         sync.WaitGroup

	delayed int64
}

type memLease struct {
	job      Job
	deadline time.Time
}

// NewMemory returns a running in-memory queue. visibility zero means
// DefaultVisibilityTimeout.
func NewMemory(visibility time.Duration) *Memory {
	if visibility <= 0 {
		visibility = DefaultVisibilityTimeout
	}
	q := &Memory{
		pending:    make(chan Job, 4096),
		inflight:   make(map[string]memLease),
		visibility: visibility,
		done:       make(chan struct{}),
	}
	q.wg.Add(1)
	go q.reap()
	return q
}

// reap requeues jobs whose lease deadline passed without settlement.
func (q *Memory) reap() {
	defer q.wg.Done()
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-q.done:
			return
		case now := <-ticker.C:
			q.mu.Lock()
			for token, l := range q.inflight {
				if now.After(l.deadline) {
					delete(q.inflight, token)
					select {
					case q.pending <- l.job:
					default:
						// Channel full; the lease stays and the
						// next tick retries the requeue.
						q.inflight[token] = memLease{job: l.job, deadline: now.Add(time.Second)}
					}
				}
			}
			q.mu.Unlock()
		}
	}
}

func (q *Memory) Enqueue(ctx context.Context, orderID string) (Job, error) {
	q.mu.Lock()
	closed := q.closed
	q.mu.Unlock()
	if closed {
		return Job{}, ErrClosed
	}
	job := Job{
		ID:         uuid.NewString(),
		OrderID:    orderID,
		EnqueuedAt: time.Now().UTC(),
	}
	select {
	case q.pending <- job:
		return job, nil
	case <-ctx.Done():
		return Job{}, ctx.Err()
	}
}

func (q *Memory) Dequeue(ctx context.Context) (*Lease, error) {
	select {
	case job := <-q.pending:
		token := uuid.NewString()
		q.mu.Lock()
		q.inflight[token] = memLease{job: job, deadline: time.Now().Add(q.visibility)}
		q.mu.Unlock()
		return &Lease{Job: job, Token: token}, nil
	case <-q.done:
		return nil, ErrClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (q *Memory) Ack(ctx context.Context, lease *Lease) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	delete(q.inflight, lease.Token)
	return nil
}

func (q *Memory) Nack(ctx context.Context, lease *Lease, delay time.Duration) error {
	q.mu.Lock()
	if _, held := q.inflight[lease.Token]; !held {
		q.mu.Unlock()
		return nil // lease already reaped; the job is back in the queue
	}
	delete(q.inflight, lease.Token)
	q.delayed++
	q.mu.Unlock()

	job := lease.Job
	job.Attempt++
	timer := time.AfterFunc(delay, func() {
		q.mu.Lock()
		q.delayed--
		closed := q.closed
		q.mu.Unlock()
		if closed {
			return
		}
		select {
		case q.pending <- job:
		case <-q.done:
		}
	})
	_ = timer
	return nil
}

func (q *Memory) Release(ctx context.Context, lease *Lease) error {
	q.mu.Lock()
	if _, held := q.inflight[lease.Token]; !held {
		q.mu.Unlock()
		return nil // lease already reaped; the job is back in the queue
	}
	delete(q.inflight, lease.Token)
	closed := q.closed
	q.mu.Unlock()
	if closed {
		return ErrClosed
	}
	select {
	case q.pending <- lease.Job:
	case <-q.done:
		return ErrClosed
	}
	return nil
}

func (q *Memory) Depth(ctx context.Context) (Depth, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return Depth{
		Pending:  int64(len(q.pending)),
		Delayed:  q.delayed,
		InFlight: int64(len(q.inflight)),
	}, nil
}

func (q *Memory) Ping(ctx context.Context) error { return nil }

func (q *Memory) Close() error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return nil
	}
	q.closed = true
	q.mu.Unlock()
	close(q.done)
	q.wg.Wait()
	return nil
}

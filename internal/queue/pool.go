package queue

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"
)

// Disposition is the handler's verdict on a leased job.
type Disposition int

const (
	// Done: the job finished; ack it.
	Done Disposition = iota
	// Skipped: the job was rejected before touching order state; ack
	// it without counting an attempt.
	Skipped
	// Retry: requeue with backoff; the handler has already recorded
	// the failed attempt.
	Retry
	// Failed: the handler dead-lettered the order; ack the job.
	Failed
)

// Handler processes one leased job. It owns all order-state mutation;
// the pool only settles the lease according to the disposition.
type Handler interface {
	Process(ctx context.Context, job Job) (Disposition, error)
}

// PoolConfig tunes the worker pool.
type PoolConfig struct {
	// Concurrency is the number of parallel workers.
	Concurrency int
	// RatePerMinute caps job starts over a rolling minute.
	RatePerMinute int
	// BaseDelay/MaxDelay shape the retry backoff curve.
	BaseDelay time.Duration
	MaxDelay  time.Duration
}

// DefaultPoolConfig mirrors the production defaults.
func DefaultPoolConfig() PoolConfig {
	return PoolConfig{
		Concurrency:   10,
		RatePerMinute: 100,
		BaseDelay:     DefaultBaseDelay,
		MaxDelay:      DefaultMaxDelay,
	}
}

// jobRecord is a settled job kept for observability.
type jobRecord struct {
	Job        Job           `json:"job"`
	Outcome    string        `json:"outcome"`
	Error      string        `json:"error,omitempty"`
	FinishedAt time.Time     `json:"finished_at"`
	Duration   time.Duration `json:"duration"`
}

const (
	completedHistoryCap = 100
	failedHistoryCap    = 50
)

// PoolStats is a snapshot of pool counters.
type PoolStats struct {
	ActiveWorkers int   `json:"active_workers"`
	Processed     int64 `json:"processed"`
	Retried       int64 `json:"retried"`
	Skipped       int64 `json:"skipped"`
	DeadLettered  int64 `json:"dead_lettered"`
}

// Pool drains the queue with bounded concurrency and a process-wide
// token-bucket limit on job starts.
type Pool struct {
	queue   Queue
	handler Handler
	cfg     PoolConfig
	limiter *rate.Limiter

	mu        sync.Mutex
	active    int
	processed int64
	retried   int64
	skipped   int64
	dead      int64
	completed []jobRecord // ring, newest last
	failed    []jobRecord

	wg sync.WaitGroup
}

// NewPool wires a pool over q and h. Zero-valued config fields fall
// back to defaults.
func NewPool(q Queue, h Handler, cfg PoolConfig) *Pool {
	def := DefaultPoolConfig()
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = def.Concurrency
	}
	if cfg.RatePerMinute <= 0 {
		cfg.RatePerMinute = def.RatePerMinute
	}
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = def.BaseDelay
	}
	if cfg.MaxDelay <= 0 {
		cfg.MaxDelay = def.MaxDelay
	}
	limiter := rate.NewLimiter(rate.Every(startInterval(cfg.RatePerMinute)), 1)
	return &Pool{queue: q, handler: h, cfg: cfg, limiter: limiter}
}

// startInterval spaces job starts so any 60 second window holds at most
// ratePerMinute of them. A window fits floor(60s/interval)+1 evenly
// spaced starts, so the interval must be at least 60s/(R-1); spacing by
// 60s/R would let R starts span only (R-1)*60s/R.
func startInterval(ratePerMinute int) time.Duration {
	if ratePerMinute <= 1 {
		return time.Minute
	}
	return time.Minute / time.Duration(ratePerMinute-1)
}

// Start launches the workers. They exit when ctx is cancelled; Wait
// blocks until the current attempts finish.
func (p *Pool) Start(ctx context.Context) {
	for i := 0; i < p.cfg.Concurrency; i++ {
		p.wg.Add(1)
		go p.worker(ctx, i)
	}
	log.Info().Int("workers", p.cfg.Concurrency).Int("rate_per_minute", p.cfg.RatePerMinute).Msg("worker pool started")
}

// Wait blocks until every worker has exited.
func (p *Pool) Wait() { p.wg.Wait() }

func (p *Pool) worker(ctx context.Context, idx int) {
	defer p.wg.Done()
	wlog := log.With().Int("worker", idx).Logger()
	for {
		lease, err := p.queue.Dequeue(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, ErrClosed) {
				return
			}
			wlog.Error().Err(err).Msg("dequeue failed")
			select {
			case <-time.After(time.Second):
				continue
			case <-ctx.Done():
				return
			}
		}
		if err := p.limiter.Wait(ctx); err != nil {
			// Shutdown while throttled: the job was never started, so
			// hand the lease back without burning an attempt.
			p.queue.Release(context.Background(), lease)
			return
		}
		p.run(ctx, wlog, lease)
	}
}

func (p *Pool) run(ctx context.Context, wlog zerolog.Logger, lease *Lease) {
	p.mu.Lock()
	p.active++
	p.mu.Unlock()
	started := time.Now()

	disp, err := p.handler.Process(ctx, lease.Job)

	p.mu.Lock()
	p.active--
	p.mu.Unlock()

	rec := jobRecord{
		Job:        lease.Job,
		FinishedAt: time.Now().UTC(),
		Duration:   time.Since(started),
	}
	if err != nil {
		rec.Error = err.Error()
	}

	// Settling uses a fresh context: a cancelled worker must still
	// return its lease so the job is not stuck until the reaper.
	sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	switch disp {
	case Retry:
		delay := Backoff(lease.Job.Attempt, p.cfg.BaseDelay, p.cfg.MaxDelay)
		rec.Outcome = "retry"
		if nerr := p.queue.Nack(sctx, lease, delay); nerr != nil {
			wlog.Error().Err(nerr).Str("order_id", lease.Job.OrderID).Msg("nack failed")
		}
		p.record(rec, false)
		p.mu.Lock()
		p.retried++
		p.mu.Unlock()
		wlog.Warn().Err(err).Str("order_id", lease.Job.OrderID).Int("attempt", lease.Job.Attempt).Dur("backoff", delay).Msg("job retry scheduled")
	case Failed:
		rec.Outcome = "failed"
		if aerr := p.queue.Ack(sctx, lease); aerr != nil {
			wlog.Error().Err(aerr).Msg("ack failed")
		}
		p.record(rec, true)
		p.mu.Lock()
		p.dead++
		p.mu.Unlock()
		wlog.Error().Err(err).Str("order_id", lease.Job.OrderID).Int("attempt", lease.Job.Attempt).Msg("job dead-lettered")
	case Skipped:
		rec.Outcome = "skipped"
		if aerr := p.queue.Ack(sctx, lease); aerr != nil {
			wlog.Error().Err(aerr).Msg("ack failed")
		}
		p.record(rec, false)
		p.mu.Lock()
		p.skipped++
		p.mu.Unlock()
	default:
		rec.Outcome = "done"
		if aerr := p.queue.Ack(sctx, lease); aerr != nil {
			wlog.Error().Err(aerr).Msg("ack failed")
		}
		p.record(rec, false)
		p.mu.Lock()
		p.processed++
		p.mu.Unlock()
	}
}

// record appends to the bounded history rings.
func (p *Pool) record(rec jobRecord, failed bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if failed {
		p.failed = append(p.failed, rec)
		if len(p.failed) > failedHistoryCap {
			p.failed = p.failed[len(p.failed)-failedHistoryCap:]
		}
		return
	}
	p.completed = append(p.completed, rec)
	if len(p.completed) > completedHistoryCap {
		p.completed = p.completed[len(p.completed)-completedHistoryCap:]
	}
}

// Stats snapshots the pool counters.
func (p *Pool) Stats() PoolStats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return PoolStats{
		ActiveWorkers: p.active,
		Processed:     p.processed,
		Retried:       p.retried,
		Skipped:       p.skipped,
		DeadLettered:  p.dead,
	}
}

// History returns copies of the completed and failed job records.
func (p *Pool) History() (completed, failed []jobRecord) {
	p.mu.Lock()
	defer p.mu.Unlock()
	completed = append([]jobRecord(nil), p.completed...)
	failed = append([]jobRecord(nil), p.failed...)
	return completed, failed
}

// Package postgres implements the order store on PostgreSQL via sqlx.
// Transitions are single-row atomic updates guarded by an optimistic
// check on updated_at.
package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq" // PostgreSQL driver
	"github.com/shopspring/decimal"

	"github.com/dexrun/dexrun/internal/order"
	"github.com/dexrun/dexrun/internal/store"
)

const orderColumns = `id, type, status, token_in, token_out, amount_in, amount_out,
	expected_price, executed_price, slippage, venue, tx_ref, error_message,
	retry_count, created_at, updated_at, completed_at`

// rowOrder maps the orders table, including its nullable columns.
type rowOrder struct {
	ID            string              `db:"id"`
	Type          string              `db:"type"`
	Status        string              `db:"status"`
	TokenIn       string              `db:"token_in"`
	TokenOut      string              `db:"token_out"`
	AmountIn      decimal.Decimal     `db:"amount_in"`
	AmountOut     decimal.NullDecimal `db:"amount_out"`
	ExpectedPrice decimal.NullDecimal `db:"expected_price"`
	ExecutedPrice decimal.NullDecimal `db:"executed_price"`
	Slippage      decimal.Decimal     `db:"slippage"`
	Venue         sql.NullString      `db:"venue"`
	TxRef         sql.NullString      `db:"tx_ref"`
	ErrorMessage  sql.NullString      `db:"error_message"`
	RetryCount    int                 `db:"retry_count"`
	CreatedAt     time.Time           `db:"created_at"`
	UpdatedAt     time.Time           `db:"updated_at"`
	CompletedAt   sql.NullTime        `db:"completed_at"`
}

func (r rowOrder) toDomain() *order.Order {
	o := &order.Order{
		ID:           r.ID,
		Type:         order.Type(r.Type),
		Status:       order.Status(r.Status),
		TokenIn:      r.TokenIn,
		TokenOut:     r.TokenOut,
		AmountIn:     r.AmountIn,
		Slippage:     r.Slippage,
		Venue:        r.Venue.String,
		TxRef:        r.TxRef.String,
		ErrorMessage: r.ErrorMessage.String,
		RetryCount:   r.RetryCount,
		CreatedAt:    r.CreatedAt,
		UpdatedAt:    r.UpdatedAt,
	}
	if r.AmountOut.Valid {
		v := r.AmountOut.Decimal
		o.AmountOut = &v
	}
	if r.ExpectedPrice.Valid {
		v := r.ExpectedPrice.Decimal
		o.ExpectedPrice = &v
	}
	if r.ExecutedPrice.Valid {
		v := r.ExecutedPrice.Decimal
		o.ExecutedPrice = &v
	}
	if r.CompletedAt.Valid {
		t := r.CompletedAt.Time
		o.CompletedAt = &t
	}
	return o
}

func nullDec(d *decimal.Decimal) decimal.NullDecimal {
	if d == nil {
		return decimal.NullDecimal{}
	}
	return decimal.NullDecimal{Decimal: *d, Valid: true}
}

func nullStr(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

// ordersRepo implements store.Store for PostgreSQL.
type ordersRepo struct {
	db      *sqlx.DB
	timeout time.Duration
}

// New wraps an open sqlx handle as a store.Store. timeout bounds every
// query; zero means 30s.
func New(db *sqlx.DB, timeout time.Duration) store.Store {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &ordersRepo{db: db, timeout: timeout}
}

// Open connects, configures the pool, and pings with a timeout.
func Open(dsn string, maxOpen, maxIdle int, queryTimeout time.Duration) (store.Store, error) {
	db, err := sqlx.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(maxOpen)
	db.SetMaxIdleConns(maxIdle)
	db.SetConnMaxLifetime(30 * time.Minute)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	return New(db, queryTimeout), nil
}

func (r *ordersRepo) Create(ctx context.Context, draft store.Draft) (*order.Order, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	o := &order.Order{
		ID:       uuid.NewString(),
		Type:     draft.Type,
		Status:   order.StatusPending,
		TokenIn:  draft.TokenIn,
		TokenOut: draft.TokenOut,
		AmountIn: draft.AmountIn,
		Slippage: draft.Slippage,
	}
	query := `
		INSERT INTO orders (id, type, status, token_in, token_out, amount_in, slippage, retry_count, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, 0, NOW(), NOW())
		RETURNING created_at, updated_at`
	err := r.db.QueryRowxContext(ctx, query,
		o.ID, o.Type, o.Status, o.TokenIn, o.TokenOut, o.AmountIn, o.Slippage).
		Scan(&o.CreatedAt, &o.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to insert order: %w", err)
	}
	return o, nil
}

func (r *ordersRepo) find(ctx context.Context, id string) (*order.Order, error) {
	var row rowOrder
	query := fmt.Sprintf(`SELECT %s FROM orders WHERE id = $1`, orderColumns)
	if err := r.db.GetContext(ctx, &row, query, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, fmt.Errorf("failed to find order: %w", err)
	}
	return row.toDomain(), nil
}

func (r *ordersRepo) Find(ctx context.Context, id string) (*order.Order, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()
	return r.find(ctx, id)
}

func (r *ordersRepo) List(ctx context.Context, f store.Filter) ([]*order.Order, int, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	where, args := "", []interface{}{}
	if f.Status != nil {
		where = "WHERE status = $1"
		args = append(args, *f.Status)
	}

	var total int
	countQuery := fmt.Sprintf(`SELECT COUNT(*) FROM orders %s`, where)
	if err := r.db.GetContext(ctx, &total, countQuery, args...); err != nil {
		return nil, 0, fmt.Errorf("failed to count orders: %w", err)
	}

	limit := f.Limit
	if limit <= 0 {
		limit = 50
	}
	query := fmt.Sprintf(`SELECT %s FROM orders %s ORDER BY created_at DESC LIMIT $%d OFFSET $%d`,
		orderColumns, where, len(args)+1, len(args)+2)
	args = append(args, limit, f.Offset)

	rows := []rowOrder{}
	if err := r.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, 0, fmt.Errorf("failed to list orders: %w", err)
	}
	orders := make([]*order.Order, len(rows))
	for i, row := range rows {
		orders[i] = row.toDomain()
	}
	return orders, total, nil
}

func (r *ordersRepo) Count(ctx context.Context, status *order.Status) (int, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	var n int
	if status == nil {
		if err := r.db.GetContext(ctx, &n, `SELECT COUNT(*) FROM orders`); err != nil {
			return 0, fmt.Errorf("failed to count orders: %w", err)
		}
		return n, nil
	}
	if err := r.db.GetContext(ctx, &n, `SELECT COUNT(*) FROM orders WHERE status = $1`, *status); err != nil {
		return 0, fmt.Errorf("failed to count orders: %w", err)
	}
	return n, nil
}

// update runs a read-validate-write cycle guarded by updated_at. A lost
// race surfaces as store.ErrConflict; under the queue's single-lease
// invariant that indicates a bug, not a normal path.
func (r *ordersRepo) update(ctx context.Context, id string, validate func(*order.Order) error, apply func(*order.Order)) (*order.Order, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	current, err := r.find(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := validate(current); err != nil {
		return nil, err
	}
	prev := current.UpdatedAt
	apply(current)

	query := `
		UPDATE orders
		SET status = $1, amount_out = $2, expected_price = $3, executed_price = $4,
		    venue = $5, tx_ref = $6, error_message = $7, retry_count = $8,
		    updated_at = NOW(),
		    completed_at = CASE WHEN $1 IN ('confirmed', 'failed') THEN NOW() ELSE completed_at END
		WHERE id = $9 AND updated_at = $10
		RETURNING updated_at, completed_at`
	var completed sql.NullTime
	err = r.db.QueryRowxContext(ctx, query,
		current.Status, nullDec(current.AmountOut), nullDec(current.ExpectedPrice), nullDec(current.ExecutedPrice),
		nullStr(current.Venue), nullStr(current.TxRef), nullStr(current.ErrorMessage),
		current.RetryCount, id, prev).
		Scan(&current.UpdatedAt, &completed)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrConflict
		}
		return nil, fmt.Errorf("failed to update order: %w", err)
	}
	if completed.Valid {
		t := completed.Time
		current.CompletedAt = &t
	}
	return current, nil
}

func notTerminal(o *order.Order) error {
	if o.Status.Terminal() {
		return store.ErrTerminal
	}
	return nil
}

func (r *ordersRepo) Transition(ctx context.Context, id string, to order.Status, patch store.Patch) (*order.Order, error) {
	return r.update(ctx, id,
		func(o *order.Order) error {
			if err := notTerminal(o); err != nil {
				return err
			}
			if !order.CanTransition(o.Status, to) {
				return &order.IllegalTransitionError{OrderID: id, From: o.Status, To: to}
			}
			return nil
		},
		func(o *order.Order) {
			o.Status = to
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
		})
}

func (r *ordersRepo) RecordExecution(ctx context.Context, id string, exec store.Execution) (*order.Order, error) {
	return r.update(ctx, id,
		func(o *order.Order) error {
			if err := notTerminal(o); err != nil {
				return err
			}
			if !order.CanTransition(o.Status, order.StatusConfirmed) {
				return &order.IllegalTransitionError{OrderID: id, From: o.Status, To: order.StatusConfirmed}
			}
			return nil
		},
		func(o *order.Order) {
			o.Status = order.StatusConfirmed
			o.Venue = exec.Venue
			o.TxRef = exec.TxRef
			price := exec.ExecutedPrice
			out := exec.AmountOut
			o.ExecutedPrice = &price
			o.AmountOut = &out
		})
}

func (r *ordersRepo) IncrementRetry(ctx context.Context, id string) (int, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	var n int
	query := `
		UPDATE orders SET retry_count = retry_count + 1, updated_at = NOW()
		WHERE id = $1 AND status NOT IN ('confirmed', 'failed')
		RETURNING retry_count`
	if err := r.db.QueryRowxContext(ctx, query, id).Scan(&n); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, store.ErrNotFound
		}
		return 0, fmt.Errorf("failed to increment retry: %w", err)
	}
	return n, nil
}

func (r *ordersRepo) MarkFailed(ctx context.Context, id string, errorMessage string, retryCount int) (*order.Order, error) {
	return r.update(ctx, id,
		notTerminal,
		func(o *order.Order) {
			o.Status = order.StatusFailed
			o.ErrorMessage = errorMessage
			o.RetryCount = retryCount
			o.Venue = ""
			o.TxRef = ""
		})
}

func (r *ordersRepo) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()
	return r.db.PingContext(ctx)
}

func (r *ordersRepo) Close() error { return r.db.Close() }

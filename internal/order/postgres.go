package order

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// DBTX is satisfied by *pgxpool.Pool and pgx.Tx so the gateway can run inside
// the caller's transaction.
type DBTX interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// PgGateway implements Gateway against the Postgres order schema.
type PgGateway struct {
	db DBTX
}

// NewPgGateway constructs a gateway over the given pool or transaction.
func NewPgGateway(db DBTX) *PgGateway {
	return &PgGateway{db: db}
}

// WithTx returns a gateway bound to tx so order mutations commit atomically
// with the caller's intent updates.
func (g *PgGateway) WithTx(tx pgx.Tx) *PgGateway {
	return &PgGateway{db: tx}
}

func (g *PgGateway) Get(ctx context.Context, id uuid.UUID) (Order, error) {
	const q = `SELECT id, status, total_minor, currency, billing_phone, billing_email, created_at
FROM orders WHERE id = $1`
	var o Order
	err := g.db.QueryRow(ctx, q, id).Scan(&o.ID, &o.Status, &o.TotalMinor, &o.Currency, &o.BillingPhone, &o.BillingEmail, &o.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return Order{}, ErrNotFound
	}
	if err != nil {
		return Order{}, fmt.Errorf("get order: %w", err)
	}
	return o, nil
}

func (g *PgGateway) IsPaid(ctx context.Context, id uuid.UUID) (bool, error) {
	const q = `SELECT status = 'PAID' FROM orders WHERE id = $1`
	var paid bool
	err := g.db.QueryRow(ctx, q, id).Scan(&paid)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, ErrNotFound
	}
	if err != nil {
		return false, fmt.Errorf("is paid: %w", err)
	}
	return paid, nil
}

// MarkPaid transitions the order to PAID and records the provider transaction
// id. The conditional update makes duplicate settlements harmless.
func (g *PgGateway) MarkPaid(ctx context.Context, id uuid.UUID, txnID string) error {
	const q = `UPDATE orders SET status = 'PAID' WHERE id = $1 AND status <> 'PAID'`
	tag, err := g.db.Exec(ctx, q, id)
	if err != nil {
		return fmt.Errorf("mark paid: %w", err)
	}
	if tag.RowsAffected() == 0 {
		// already paid or unknown; callers check existence beforehand
		return nil
	}
	return g.SetMetadata(ctx, id, "transaction_id", txnID)
}

func (g *PgGateway) MarkFailed(ctx context.Context, id uuid.UUID, reason string) error {
	return g.setStatusWithNote(ctx, id, StatusFailed, reason)
}

func (g *PgGateway) MarkOnHold(ctx context.Context, id uuid.UUID, reason string) error {
	return g.setStatusWithNote(ctx, id, StatusOnHold, reason)
}

func (g *PgGateway) MarkRefunded(ctx context.Context, id uuid.UUID) error {
	const q = `UPDATE orders SET status = 'REFUNDED' WHERE id = $1`
	if _, err := g.db.Exec(ctx, q, id); err != nil {
		return fmt.Errorf("mark refunded: %w", err)
	}
	return nil
}

func (g *PgGateway) AppendNote(ctx context.Context, id uuid.UUID, note string) error {
	const q = `INSERT INTO order_notes (order_id, note) VALUES ($1, $2)`
	if _, err := g.db.Exec(ctx, q, id, note); err != nil {
		return fmt.Errorf("append note: %w", err)
	}
	return nil
}

func (g *PgGateway) SetMetadata(ctx context.Context, id uuid.UUID, key, value string) error {
	const q = `INSERT INTO order_metadata (order_id, key, value)
VALUES ($1, $2, $3)
ON CONFLICT (order_id, key) DO UPDATE SET value = EXCLUDED.value`
	if _, err := g.db.Exec(ctx, q, id, key, value); err != nil {
		return fmt.Errorf("set metadata: %w", err)
	}
	return nil
}

func (g *PgGateway) setStatusWithNote(ctx context.Context, id uuid.UUID, status Status, reason string) error {
	const q = `UPDATE orders SET status = $2 WHERE id = $1 AND status NOT IN ('PAID', $2)`
	if _, err := g.db.Exec(ctx, q, id, string(status)); err != nil {
		return fmt.Errorf("set status %s: %w", status, err)
	}
	if reason == "" {
		return nil
	}
	return g.AppendNote(ctx, id, reason)
}

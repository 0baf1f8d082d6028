package intent

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/massamba-mbaye/mobile-money-gateway/internal/order"
)

// Store persists payment intents and their audit trail.
type Store interface {
	Create(ctx context.Context, it *Intent) error
	LatestByOrder(ctx context.Context, orderID uuid.UUID) (Intent, error)
	ByReference(ctx context.Context, reference string) (Intent, error)
	MarkSession(ctx context.Context, id uuid.UUID, providerTxnID, payToken string) error
	Complete(ctx context.Context, id uuid.UUID, providerTxnID string) (bool, error)
	MarkFailed(ctx context.Context, id uuid.UUID, reason string) error
	MarkOnHold(ctx context.Context, id uuid.UUID) error
	RecordEvent(ctx context.Context, intentID uuid.UUID, status string, payload []byte) error
	StalePending(ctx context.Context, olderThan time.Duration, limit int) ([]Intent, error)
}

// UnitOfWork runs intent and order mutations in one transaction so a webhook
// either fully applies or not at all.
type UnitOfWork interface {
	Do(ctx context.Context, fn func(ctx context.Context, st Store, orders order.Gateway) error) error
}

// PgUnitOfWork implements UnitOfWork over a pgx pool.
type PgUnitOfWork struct {
	Pool *pgxpool.Pool
}

func (u PgUnitOfWork) Do(ctx context.Context, fn func(ctx context.Context, st Store, orders order.Gateway) error) error {
	tx, err := u.Pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if err := fn(ctx, NewPgStore(tx), order.NewPgGateway(tx)); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

// PgStore implements Store against Postgres.
type PgStore struct {
	db order.DBTX
}

// NewPgStore constructs a store over the given pool or transaction.
func NewPgStore(db order.DBTX) *PgStore {
	return &PgStore{db: db}
}

const intentColumns = `id, order_id, provider, reference, provider_txn_id, pay_token,
amount_minor, currency, phone, status, failure_reason, created_at, completed_at`

func (s *PgStore) Create(ctx context.Context, it *Intent) error {
	if it.ID == uuid.Nil {
		it.ID = uuid.New()
	}
	if it.Status == "" {
		it.Status = StatusInitiated
	}
	const q = `INSERT INTO payment_intents
(id, order_id, provider, reference, provider_txn_id, pay_token, amount_minor, currency, phone, status, failure_reason)
VALUES ($1, $2, $3, $4, NULLIF($5, ''), NULLIF($6, ''), $7, $8, $9, $10, $11)`
	_, err := s.db.Exec(ctx, q,
		it.ID, it.OrderID, it.Provider, it.Reference, it.ProviderTxnID, it.PayToken,
		it.AmountMinor, it.Currency, it.Phone, string(it.Status), it.FailureReason)
	if err != nil {
		return fmt.Errorf("create intent: %w", err)
	}
	return nil
}

func (s *PgStore) LatestByOrder(ctx context.Context, orderID uuid.UUID) (Intent, error) {
	q := fmt.Sprintf(`SELECT %s FROM payment_intents WHERE order_id = $1 ORDER BY created_at DESC LIMIT 1`, intentColumns)
	return s.scanOne(s.db.QueryRow(ctx, q, orderID))
}

func (s *PgStore) ByReference(ctx context.Context, reference string) (Intent, error) {
	q := fmt.Sprintf(`SELECT %s FROM payment_intents WHERE reference = $1`, intentColumns)
	return s.scanOne(s.db.QueryRow(ctx, q, reference))
}

func (s *PgStore) MarkSession(ctx context.Context, id uuid.UUID, providerTxnID, payToken string) error {
	const q = `UPDATE payment_intents
SET status = 'PENDING_CONFIRMATION',
    provider_txn_id = COALESCE(NULLIF($2, ''), provider_txn_id),
    pay_token = COALESCE(NULLIF($3, ''), pay_token)
WHERE id = $1 AND status = 'INITIATED'`
	if _, err := s.db.Exec(ctx, q, id, providerTxnID, payToken); err != nil {
		return fmt.Errorf("mark session: %w", err)
	}
	return nil
}

// Complete settles the intent. The conditional update is the second line of
// defence behind the per-order lock: at most one settlement ever lands.
func (s *PgStore) Complete(ctx context.Context, id uuid.UUID, providerTxnID string) (bool, error) {
	const q = `UPDATE payment_intents
SET status = 'COMPLETED', provider_txn_id = NULLIF($2, ''), completed_at = now()
WHERE id = $1 AND status <> 'COMPLETED'`
	tag, err := s.db.Exec(ctx, q, id, providerTxnID)
	if err != nil {
		return false, fmt.Errorf("complete intent: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

func (s *PgStore) MarkFailed(ctx context.Context, id uuid.UUID, reason string) error {
	const q = `UPDATE payment_intents
SET status = 'FAILED', failure_reason = $2
WHERE id = $1 AND status <> 'COMPLETED'`
	if _, err := s.db.Exec(ctx, q, id, reason); err != nil {
		return fmt.Errorf("mark failed: %w", err)
	}
	return nil
}

func (s *PgStore) MarkOnHold(ctx context.Context, id uuid.UUID) error {
	const q = `UPDATE payment_intents
SET status = 'ON_HOLD'
WHERE id = $1 AND status NOT IN ('COMPLETED', 'FAILED')`
	if _, err := s.db.Exec(ctx, q, id); err != nil {
		return fmt.Errorf("mark on hold: %w", err)
	}
	return nil
}

func (s *PgStore) RecordEvent(ctx context.Context, intentID uuid.UUID, status string, payload []byte) error {
	if len(payload) == 0 {
		payload = []byte("{}")
	}
	const q = `INSERT INTO intent_events (intent_id, status, payload) VALUES ($1, $2, $3)`
	if _, err := s.db.Exec(ctx, q, intentID, status, payload); err != nil {
		return fmt.Errorf("record event: %w", err)
	}
	return nil
}

func (s *PgStore) StalePending(ctx context.Context, olderThan time.Duration, limit int) ([]Intent, error) {
	if limit <= 0 {
		limit = 50
	}
	q := fmt.Sprintf(`SELECT %s FROM payment_intents
WHERE status IN ('PENDING_CONFIRMATION', 'ON_HOLD') AND created_at < now() - $1::interval
ORDER BY created_at ASC LIMIT $2`, intentColumns)
	interval := fmt.Sprintf("%d seconds", int(olderThan.Seconds()))
	rows, err := s.db.Query(ctx, q, interval, limit)
	if err != nil {
		return nil, fmt.Errorf("stale pending: %w", err)
	}
	defer rows.Close()

	var result []Intent
	for rows.Next() {
		it, err := scanIntent(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, it)
	}
	return result, rows.Err()
}

func (s *PgStore) scanOne(row pgx.Row) (Intent, error) {
	it, err := scanIntent(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return Intent{}, ErrNotFound
	}
	if err != nil {
		return Intent{}, err
	}
	return it, nil
}

func scanIntent(row pgx.Row) (Intent, error) {
	var (
		it            Intent
		providerTxnID *string
		payToken      *string
		completedAt   *time.Time
	)
	err := row.Scan(&it.ID, &it.OrderID, &it.Provider, &it.Reference, &providerTxnID, &payToken,
		&it.AmountMinor, &it.Currency, &it.Phone, &it.Status, &it.FailureReason, &it.CreatedAt, &completedAt)
	if err != nil {
		return Intent{}, err
	}
	if providerTxnID != nil {
		it.ProviderTxnID = *providerTxnID
	}
	if payToken != nil {
		it.PayToken = *payToken
	}
	it.CompletedAt = completedAt
	return it, nil
}

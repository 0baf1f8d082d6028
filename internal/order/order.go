package order

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

// Status is the order lifecycle state as seen by the shop.
type Status string

const (
	StatusPendingPayment Status = "PENDING_PAYMENT"
	StatusPaid           Status = "PAID"
	StatusFailed         Status = "FAILED"
	StatusOnHold         Status = "ON_HOLD"
	StatusRefunded       Status = "REFUNDED"
)

// ErrNotFound is returned when no order exists for the given id.
var ErrNotFound = errors.New("order: not found")

// Order is the checkout order a payment settles.
type Order struct {
	ID           uuid.UUID
	Status       Status
	TotalMinor   int64
	Currency     string
	BillingPhone string
	BillingEmail string
	CreatedAt    time.Time
}

// Gateway is the surface the payment flow needs from the shop's order system.
// Mutations are expected to be idempotent: marking an already-paid order paid
// again is a no-op, not an error.
type Gateway interface {
	Get(ctx context.Context, id uuid.UUID) (Order, error)
	IsPaid(ctx context.Context, id uuid.UUID) (bool, error)
	MarkPaid(ctx context.Context, id uuid.UUID, txnID string) error
	MarkFailed(ctx context.Context, id uuid.UUID, reason string) error
	MarkOnHold(ctx context.Context, id uuid.UUID, reason string) error
	MarkRefunded(ctx context.Context, id uuid.UUID) error
	AppendNote(ctx context.Context, id uuid.UUID, note string) error
	SetMetadata(ctx context.Context, id uuid.UUID, key, value string) error
}

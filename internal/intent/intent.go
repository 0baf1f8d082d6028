package intent

import (
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/massamba-mbaye/mobile-money-gateway/internal/provider"
)

// Status is the payment intent lifecycle state.
type Status string

const (
	StatusInitiated           Status = "INITIATED"
	StatusPendingConfirmation Status = "PENDING_CONFIRMATION"
	StatusCompleted           Status = "COMPLETED"
	StatusFailed              Status = "FAILED"
	StatusOnHold              Status = "ON_HOLD"
)

var (
	// ErrNotFound is returned when no intent matches the lookup.
	ErrNotFound = errors.New("intent: not found")
	// ErrAmountMismatch is returned when a success event reports an amount
	// that differs from the intent after currency rounding.
	ErrAmountMismatch = errors.New("intent: reported amount does not match")
	// ErrStateConflict is returned when a fresh success event arrives for an
	// intent already in a terminal state it cannot reconcile with.
	ErrStateConflict = errors.New("intent: conflicting event for terminal state")
	// ErrReferenceMismatch is returned when an operator notification carries
	// a reference that does not match the stored intent.
	ErrReferenceMismatch = errors.New("intent: reference does not match")
)

// Intent tracks one payment attempt against an order.
type Intent struct {
	ID            uuid.UUID
	OrderID       uuid.UUID
	Provider      string
	Reference     string
	ProviderTxnID string
	PayToken      string
	AmountMinor   int64
	Currency      string
	Phone         string
	Status        Status
	FailureReason string
	CreatedAt     time.Time
	CompletedAt   *time.Time
}

// Terminal reports whether no further transitions are expected.
func (i Intent) Terminal() bool {
	return i.Status == StatusCompleted || i.Status == StatusFailed
}

// Event is a normalised provider notification applied to an intent.
type Event struct {
	Status        provider.Status
	ProviderTxnID string
	AmountMinor   int64
	AmountKnown   bool
	// RequireAmount marks providers whose success events must always carry
	// a matching amount. Reconciliation polls leave it unset because the
	// amount being confirmed is our own record.
	RequireAmount bool
	FailureReason string
}

// Outcome describes what applying an event should do.
type Outcome int

const (
	// OutcomeIgnored is a stale or unrecognised event; acknowledged, logged,
	// never applied.
	OutcomeIgnored Outcome = iota
	// OutcomeCompleted settles the intent and marks the order paid.
	OutcomeCompleted
	// OutcomeFailed fails the intent and the order.
	OutcomeFailed
	// OutcomeOnHold parks the intent pending manual or provider follow-up.
	OutcomeOnHold
	// OutcomeDuplicate is a repeat of an already-applied success; a no-op.
	OutcomeDuplicate
)

func (o Outcome) String() string {
	switch o {
	case OutcomeCompleted:
		return "completed"
	case OutcomeFailed:
		return "failed"
	case OutcomeOnHold:
		return "on_hold"
	case OutcomeDuplicate:
		return "duplicate"
	case OutcomeIgnored:
		return "ignored"
	default:
		return "unknown"
	}
}

// Apply decides the transition for an event against the current intent state.
// It is pure: persistence and side effects belong to the caller.
//
// COMPLETED and FAILED are terminal. A repeated success for a completed
// intent is a duplicate no-op; a success carrying a different transaction id,
// or a success after failure, is a conflict the provider must resolve. Stale
// non-success events after a terminal state are ignored.
func Apply(i Intent, ev Event) (Outcome, error) {
	switch ev.Status {
	case provider.StatusSuccess:
		return applySuccess(i, ev)
	case provider.StatusFailed:
		if i.Terminal() {
			return OutcomeIgnored, nil
		}
		return OutcomeFailed, nil
	case provider.StatusPending:
		if i.Terminal() {
			return OutcomeIgnored, nil
		}
		return OutcomeOnHold, nil
	default:
		return OutcomeIgnored, nil
	}
}

func applySuccess(i Intent, ev Event) (Outcome, error) {
	switch i.Status {
	case StatusCompleted:
		if ev.ProviderTxnID == "" || ev.ProviderTxnID == i.ProviderTxnID {
			return OutcomeDuplicate, nil
		}
		return OutcomeIgnored, ErrStateConflict
	case StatusFailed:
		return OutcomeIgnored, ErrStateConflict
	}
	if ev.AmountKnown {
		if ev.AmountMinor != i.AmountMinor {
			return OutcomeIgnored, ErrAmountMismatch
		}
	} else if ev.RequireAmount {
		return OutcomeIgnored, ErrAmountMismatch
	}
	return OutcomeCompleted, nil
}

package intent

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/massamba-mbaye/mobile-money-gateway/internal/lock"
	"github.com/massamba-mbaye/mobile-money-gateway/internal/money"
	"github.com/massamba-mbaye/mobile-money-gateway/internal/obs"
	"github.com/massamba-mbaye/mobile-money-gateway/internal/order"
	"github.com/massamba-mbaye/mobile-money-gateway/internal/provider"
)

// Service applies provider notifications to payment intents. Concurrent
// deliveries for one order serialise on a Redis lock; the conditional
// completion update in the store backs that up.
type Service struct {
	UoW       UnitOfWork
	Providers provider.Registry
	Locker    lock.Locker
	Logger    zerolog.Logger
	LockTTL   time.Duration
}

// HandleNotification reconciles a verified webhook notification against the
// order's intent. The returned Outcome tells the handler what happened even
// when the event was rejected.
func (s *Service) HandleNotification(ctx context.Context, n provider.Notification) (Outcome, error) {
	// Success events from the wallet provider must always carry the amount.
	requireAmount := n.Provider == provider.NameWave
	return s.apply(ctx, n, requireAmount)
}

func (s *Service) apply(ctx context.Context, n provider.Notification, requireAmount bool) (Outcome, error) {
	ctx, span := otel.Tracer("intent.service").Start(ctx, "intent.apply")
	defer span.End()
	span.SetAttributes(
		attribute.String("payment.provider", n.Provider),
		attribute.String("payment.order_id", n.OrderID),
		attribute.String("payment.event_status", string(n.Status)),
	)

	orderID, err := uuid.Parse(n.OrderID)
	if err != nil {
		s.count(n.Provider, "unknown_order")
		return OutcomeIgnored, fmt.Errorf("%w: bad order id %q", ErrNotFound, n.OrderID)
	}

	outcome := OutcomeIgnored
	lockKey := "payment:order:" + orderID.String()
	err = s.Locker.WithLock(ctx, lockKey, s.lockTTL(), func(ctx context.Context) error {
		var applyErr error
		outcome, applyErr = s.applyLocked(ctx, orderID, n, requireAmount)
		return applyErr
	})

	s.count(n.Provider, resultLabel(outcome, err))
	s.log(n, outcome, err)
	return outcome, err
}

func (s *Service) applyLocked(ctx context.Context, orderID uuid.UUID, n provider.Notification, requireAmount bool) (Outcome, error) {
	outcome := OutcomeIgnored
	var applyErr error

	err := s.UoW.Do(ctx, func(ctx context.Context, st Store, orders order.Gateway) error {
		it, err := st.LatestByOrder(ctx, orderID)
		if err != nil {
			return err
		}

		ev, evErr := s.buildEvent(it, n, requireAmount)
		if evErr == nil {
			outcome, applyErr = Apply(it, ev)
		} else {
			applyErr = evErr
		}

		// The audit row commits even for rejected events.
		if err := st.RecordEvent(ctx, it.ID, string(n.Status), n.Payload); err != nil {
			return err
		}
		if applyErr != nil {
			return nil
		}

		switch outcome {
		case OutcomeCompleted:
			applied, err := st.Complete(ctx, it.ID, ev.ProviderTxnID)
			if err != nil {
				return err
			}
			if !applied {
				outcome = OutcomeDuplicate
				return nil
			}
			if err := orders.MarkPaid(ctx, orderID, ev.ProviderTxnID); err != nil {
				return err
			}
			return orders.AppendNote(ctx, orderID,
				fmt.Sprintf("Payment confirmed via %s. Transaction id: %s", n.Provider, ev.ProviderTxnID))
		case OutcomeFailed:
			reason := ev.FailureReason
			if reason == "" {
				reason = "unknown reason"
			}
			if err := st.MarkFailed(ctx, it.ID, reason); err != nil {
				return err
			}
			return orders.MarkFailed(ctx, orderID,
				fmt.Sprintf("Payment via %s failed: %s", n.Provider, reason))
		case OutcomeOnHold:
			if err := st.MarkOnHold(ctx, it.ID); err != nil {
				return err
			}
			return orders.MarkOnHold(ctx, orderID,
				fmt.Sprintf("Payment via %s awaiting confirmation", n.Provider))
		}
		return nil
	})
	if err != nil {
		if errors.Is(err, ErrNotFound) || errors.Is(err, order.ErrNotFound) {
			return OutcomeIgnored, ErrNotFound
		}
		return OutcomeIgnored, err
	}
	return outcome, applyErr
}

func (s *Service) buildEvent(it Intent, n provider.Notification, requireAmount bool) (Event, error) {
	// Operator callbacks carry no signature; the stored reference is the
	// only authenticity check, so it must be present and must match. Other
	// providers authenticate upstream and only match when a reference is
	// carried at all.
	if n.Provider == provider.NameOrange && n.Reference == "" {
		return Event{}, ErrReferenceMismatch
	}
	if n.Reference != "" && n.Reference != it.Reference {
		return Event{}, ErrReferenceMismatch
	}
	ev := Event{
		Status:        n.Status,
		ProviderTxnID: n.ProviderTxnID,
		RequireAmount: requireAmount,
		FailureReason: n.FailureReason,
	}
	if n.RawAmount != "" {
		amount, err := money.Parse(n.RawAmount, it.Currency)
		if err != nil {
			return Event{}, fmt.Errorf("%w: unparseable amount %q", ErrAmountMismatch, n.RawAmount)
		}
		ev.AmountMinor = amount
		ev.AmountKnown = true
	}
	return ev, nil
}

// Reconcile polls providers for intents stuck waiting on confirmation and
// feeds the answer through the same transition path as webhooks.
func (s *Service) Reconcile(ctx context.Context, olderThan time.Duration, limit int) (int, error) {
	var stale []Intent
	err := s.UoW.Do(ctx, func(ctx context.Context, st Store, _ order.Gateway) error {
		var err error
		stale, err = st.StalePending(ctx, olderThan, limit)
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("list stale intents: %w", err)
	}

	applied := 0
	for _, it := range stale {
		p, ok := s.Providers.Lookup(it.Provider)
		if !ok {
			continue
		}
		status, err := p.PaymentStatus(ctx, provider.StatusQuery{
			ProviderTxnID: it.ProviderTxnID,
			OrderID:       it.OrderID.String(),
			Amount:        money.Format(it.AmountMinor, it.Currency),
			PayToken:      it.PayToken,
		})
		if err != nil {
			obs.ReconcileTotal.WithLabelValues(it.Provider, "poll_error").Inc()
			s.Logger.Warn().Err(err).Str("reference", it.Reference).Msg("reconcile_poll_failed")
			continue
		}
		n := provider.Notification{
			Provider:      it.Provider,
			OrderID:       it.OrderID.String(),
			Reference:     it.Reference,
			ProviderTxnID: it.ProviderTxnID,
			Status:        status,
		}
		outcome, err := s.apply(ctx, n, false)
		if err != nil {
			obs.ReconcileTotal.WithLabelValues(it.Provider, "apply_error").Inc()
			continue
		}
		obs.ReconcileTotal.WithLabelValues(it.Provider, outcome.String()).Inc()
		if outcome == OutcomeCompleted || outcome == OutcomeFailed {
			applied++
		}
	}
	return applied, nil
}

func (s *Service) lockTTL() time.Duration {
	if s.LockTTL <= 0 {
		return 15 * time.Second
	}
	return s.LockTTL
}

func (s *Service) count(providerName, result string) {
	obs.PaymentWebhookTotal.WithLabelValues(providerName, result).Inc()
}

func (s *Service) log(n provider.Notification, outcome Outcome, err error) {
	evt := s.Logger.Info()
	if err != nil {
		evt = s.Logger.Warn().Err(err)
	}
	evt.Str("provider", n.Provider).
		Str("order_id", n.OrderID).
		Str("event_status", string(n.Status)).
		Str("outcome", outcome.String()).
		Msg("payment_notification")
}

func resultLabel(outcome Outcome, err error) string {
	switch {
	case err == nil:
		return outcome.String()
	case errors.Is(err, ErrAmountMismatch):
		return "amount_mismatch"
	case errors.Is(err, ErrStateConflict):
		return "conflict"
	case errors.Is(err, ErrReferenceMismatch):
		return "reference_mismatch"
	case errors.Is(err, ErrNotFound):
		return "unknown_order"
	default:
		return "error"
	}
}

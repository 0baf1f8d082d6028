package refund

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/massamba-mbaye/mobile-money-gateway/internal/intent"
	"github.com/massamba-mbaye/mobile-money-gateway/internal/money"
	"github.com/massamba-mbaye/mobile-money-gateway/internal/obs"
	"github.com/massamba-mbaye/mobile-money-gateway/internal/order"
	"github.com/massamba-mbaye/mobile-money-gateway/internal/provider"
)

// Outcome reports how a refund request concluded.
type Outcome string

const (
	// OutcomeRefunded means the provider accepted the refund.
	OutcomeRefunded Outcome = "REFUNDED"
	// OutcomeManualRequired means the provider has no refund API and an
	// operator must refund through the provider's back office.
	OutcomeManualRequired Outcome = "MANUAL_REFUND_REQUIRED"
)

var (
	// ErrNoTransaction is returned when the order has no settled payment to
	// refund against.
	ErrNoTransaction = errors.New("refund: no completed transaction for order")
	// ErrInvalidAmount is returned when the requested amount is zero,
	// negative or above the order total.
	ErrInvalidAmount = errors.New("refund: invalid amount")
)

// Result carries the outcome and provider refund reference when one exists.
type Result struct {
	Outcome     Outcome
	RefundID    string
	AmountMinor int64
	Currency    string
}

// Coordinator drives best-effort refunds. It never retries a provider call:
// a failed refund is reported to the operator, who decides what to do next.
type Coordinator struct {
	UoW       intent.UnitOfWork
	Providers provider.Registry
	Logger    zerolog.Logger
}

// Refund refunds the order's settled payment. A nil amount refunds the full
// order total.
func (c *Coordinator) Refund(ctx context.Context, orderID uuid.UUID, amountMinor *int64, reason string) (Result, error) {
	ctx, span := otel.Tracer("refund.coordinator").Start(ctx, "refund")
	defer span.End()
	span.SetAttributes(attribute.String("payment.order_id", orderID.String()))

	var (
		it intent.Intent
		o  order.Order
	)
	err := c.UoW.Do(ctx, func(ctx context.Context, st intent.Store, orders order.Gateway) error {
		var err error
		o, err = orders.Get(ctx, orderID)
		if err != nil {
			return err
		}
		it, err = st.LatestByOrder(ctx, orderID)
		if errors.Is(err, intent.ErrNotFound) {
			return ErrNoTransaction
		}
		return err
	})
	if err != nil {
		return Result{}, err
	}
	if it.Status != intent.StatusCompleted || it.ProviderTxnID == "" {
		return Result{}, ErrNoTransaction
	}

	amount := o.TotalMinor
	if amountMinor != nil {
		amount = *amountMinor
	}
	if amount <= 0 || amount > o.TotalMinor {
		return Result{}, fmt.Errorf("%w: %d of %d", ErrInvalidAmount, amount, o.TotalMinor)
	}

	p, ok := c.Providers.Lookup(it.Provider)
	if !ok {
		return Result{}, fmt.Errorf("refund: provider %q not configured", it.Provider)
	}

	res, err := p.RequestRefund(ctx, provider.RefundRequest{
		ProviderTxnID: it.ProviderTxnID,
		AmountMinor:   amount,
		Currency:      o.Currency,
		Reason:        reason,
	})
	if errors.Is(err, provider.ErrRefundUnsupported) {
		return c.manualFallback(ctx, orderID, it, amount, o.Currency)
	}
	if err != nil {
		obs.RefundTotal.WithLabelValues(it.Provider, "error").Inc()
		return Result{}, fmt.Errorf("refund via %s: %w", it.Provider, err)
	}

	err = c.UoW.Do(ctx, func(ctx context.Context, _ intent.Store, orders order.Gateway) error {
		if err := orders.MarkRefunded(ctx, orderID); err != nil {
			return err
		}
		if err := orders.SetMetadata(ctx, orderID, "refund_reference", res.RefundID); err != nil {
			return err
		}
		return orders.AppendNote(ctx, orderID,
			fmt.Sprintf("Refund of %s %s completed via %s. Reference: %s",
				money.Format(amount, o.Currency), o.Currency, it.Provider, res.RefundID))
	})
	if err != nil {
		return Result{}, err
	}

	obs.RefundTotal.WithLabelValues(it.Provider, "refunded").Inc()
	c.Logger.Info().Str("provider", it.Provider).Str("order_id", orderID.String()).
		Str("refund_id", res.RefundID).Msg("refund_completed")
	return Result{Outcome: OutcomeRefunded, RefundID: res.RefundID, AmountMinor: amount, Currency: o.Currency}, nil
}

func (c *Coordinator) manualFallback(ctx context.Context, orderID uuid.UUID, it intent.Intent, amount int64, currency string) (Result, error) {
	note := fmt.Sprintf("Manual refund of %s %s required via the %s back office. Transaction id: %s",
		money.Format(amount, currency), currency, it.Provider, it.ProviderTxnID)
	err := c.UoW.Do(ctx, func(ctx context.Context, _ intent.Store, orders order.Gateway) error {
		return orders.AppendNote(ctx, orderID, note)
	})
	if err != nil {
		return Result{}, err
	}
	obs.RefundTotal.WithLabelValues(it.Provider, "manual_required").Inc()
	c.Logger.Info().Str("provider", it.Provider).Str("order_id", orderID.String()).Msg("refund_manual_required")
	return Result{Outcome: OutcomeManualRequired, AmountMinor: amount, Currency: currency}, nil
}

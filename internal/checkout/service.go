package checkout

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/massamba-mbaye/mobile-money-gateway/internal/common"
	"github.com/massamba-mbaye/mobile-money-gateway/internal/intent"
	"github.com/massamba-mbaye/mobile-money-gateway/internal/money"
	"github.com/massamba-mbaye/mobile-money-gateway/internal/obs"
	"github.com/massamba-mbaye/mobile-money-gateway/internal/order"
	"github.com/massamba-mbaye/mobile-money-gateway/internal/phone"
	"github.com/massamba-mbaye/mobile-money-gateway/internal/provider"
	"github.com/massamba-mbaye/mobile-money-gateway/internal/reference"
)

// Input is the checkout initiation request.
type Input struct {
	OrderID     string `json:"orderId" validate:"required,uuid"`
	Provider    string `json:"provider" validate:"required,oneof=wave orange_money"`
	PhoneNumber string `json:"phoneNumber" validate:"required"`
}

// Output carries the hosted session the shopper is redirected to. The intent
// reference stays out of it: the operator authenticates callbacks by that
// reference alone, so it lives in order notes and the admin event trail only.
type Output struct {
	RedirectURL string `json:"redirectUrl"`
	Provider    string `json:"provider"`
}

// StatusOutput is the consolidated payment status for an order.
type StatusOutput struct {
	OrderStatus   string `json:"orderStatus"`
	IntentStatus  string `json:"intentStatus,omitempty"`
	Provider      string `json:"provider,omitempty"`
	FailureReason string `json:"failureReason,omitempty"`
}

// The wallet provider only charges in its home currencies; the operator
// accepts USD on top.
var supportedCurrencies = map[string]map[string]bool{
	provider.NameWave:   {"XOF": true, "EUR": true},
	provider.NameOrange: {"XOF": true, "EUR": true, "USD": true},
}

var providerRegions = map[string]string{
	// the wallet provider only operates in Senegal
	provider.NameWave: phone.RegionSenegal,
}

// Service creates payment intents and opens provider sessions.
type Service struct {
	UoW           intent.UnitOfWork
	Providers     provider.Registry
	Validate      *validator.Validate
	Logger        zerolog.Logger
	PublicBaseURL string
	// OperatorRegion selects the phone plan for the telco operator.
	OperatorRegion string
}

// Initiate validates the request, records a payment intent and opens a
// hosted session with the chosen provider.
func (s *Service) Initiate(ctx context.Context, in Input) (Output, error) {
	ctx, span := otel.Tracer("checkout.service").Start(ctx, "checkout.initiate")
	defer span.End()

	if s.Validate != nil {
		if err := s.Validate.Struct(in); err != nil {
			return Output{}, common.NewAppError("VALIDATION", "invalid initiation request", http.StatusUnprocessableEntity, err)
		}
	}
	p, ok := s.Providers.Lookup(in.Provider)
	if !ok {
		return Output{}, common.NewAppError("VALIDATION", "unknown provider", http.StatusUnprocessableEntity, nil)
	}
	orderID, err := uuid.Parse(in.OrderID)
	if err != nil {
		return Output{}, common.NewAppError("VALIDATION", "invalid order id", http.StatusUnprocessableEntity, err)
	}
	span.SetAttributes(
		attribute.String("payment.provider", in.Provider),
		attribute.String("payment.order_id", orderID.String()),
	)

	var o order.Order
	err = s.UoW.Do(ctx, func(ctx context.Context, _ intent.Store, orders order.Gateway) error {
		var err error
		o, err = orders.Get(ctx, orderID)
		return err
	})
	if err != nil {
		if errors.Is(err, order.ErrNotFound) {
			return Output{}, common.NewAppError("NOT_FOUND", "order not found", http.StatusNotFound, err)
		}
		return Output{}, err
	}
	if o.Status == order.StatusPaid {
		return Output{}, common.NewAppError("ALREADY_PAID", "order is already paid", http.StatusConflict, nil)
	}
	if !supportedCurrencies[in.Provider][strings.ToUpper(o.Currency)] {
		return Output{}, common.NewAppError("VALIDATION",
			fmt.Sprintf("currency %s not supported by %s", o.Currency, in.Provider),
			http.StatusUnprocessableEntity, nil)
	}

	region := s.regionFor(in.Provider)
	if !phone.Valid(in.PhoneNumber, region) {
		obs.PaymentIntentTotal.WithLabelValues(in.Provider, "invalid_phone").Inc()
		return Output{}, common.NewAppError("VALIDATION", "invalid phone number for region "+region, http.StatusUnprocessableEntity, nil)
	}
	msisdn := phone.Normalize(in.PhoneNumber, region)

	ref := reference.Generate(orderID.String())
	it := intent.Intent{
		OrderID:     orderID,
		Provider:    in.Provider,
		Reference:   ref,
		AmountMinor: o.TotalMinor,
		Currency:    strings.ToUpper(o.Currency),
		Phone:       msisdn,
		Status:      intent.StatusInitiated,
	}
	err = s.UoW.Do(ctx, func(ctx context.Context, st intent.Store, _ order.Gateway) error {
		return st.Create(ctx, &it)
	})
	if err != nil {
		return Output{}, err
	}

	session, err := p.CreateSession(ctx, provider.SessionRequest{
		OrderID:     orderID.String(),
		Reference:   ref,
		AmountMinor: o.TotalMinor,
		Currency:    it.Currency,
		Phone:       msisdn,
		Email:       o.BillingEmail,
		Description: fmt.Sprintf("Order #%s payment", orderID),
		ReturnURL:   s.publicURL("/checkout/return?order=" + orderID.String()),
		CancelURL:   s.publicURL("/checkout/cancel?order=" + orderID.String()),
		CallbackURL: s.publicURL("/webhooks/payment/" + in.Provider),
	})
	if err != nil {
		obs.PaymentIntentTotal.WithLabelValues(in.Provider, "provider_error").Inc()
		s.Logger.Error().Err(err).Str("provider", in.Provider).Str("order_id", orderID.String()).Msg("session_create_failed")
		return Output{}, err
	}

	err = s.UoW.Do(ctx, func(ctx context.Context, st intent.Store, orders order.Gateway) error {
		if err := st.MarkSession(ctx, it.ID, session.ProviderTxnID, session.PayToken); err != nil {
			return err
		}
		if err := orders.SetMetadata(ctx, orderID, "payment_url", session.PaymentURL); err != nil {
			return err
		}
		if session.PayToken != "" {
			if err := orders.SetMetadata(ctx, orderID, "pay_token", session.PayToken); err != nil {
				return err
			}
		}
		return orders.AppendNote(ctx, orderID,
			fmt.Sprintf("Awaiting payment of %s %s via %s. Reference: %s",
				money.Format(o.TotalMinor, it.Currency), it.Currency, in.Provider, ref))
	})
	if err != nil {
		return Output{}, err
	}

	obs.PaymentIntentTotal.WithLabelValues(in.Provider, "created").Inc()
	s.Logger.Info().Str("provider", in.Provider).Str("order_id", orderID.String()).
		Str("reference", ref).Msg("payment_session_created")
	return Output{RedirectURL: session.PaymentURL, Provider: in.Provider}, nil
}

// Status reports the consolidated payment state of an order.
func (s *Service) Status(ctx context.Context, orderID uuid.UUID) (StatusOutput, error) {
	var out StatusOutput
	err := s.UoW.Do(ctx, func(ctx context.Context, st intent.Store, orders order.Gateway) error {
		o, err := orders.Get(ctx, orderID)
		if err != nil {
			return err
		}
		out.OrderStatus = string(o.Status)

		it, err := st.LatestByOrder(ctx, orderID)
		if errors.Is(err, intent.ErrNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		out.IntentStatus = string(it.Status)
		out.Provider = it.Provider
		out.FailureReason = it.FailureReason
		return nil
	})
	if err != nil {
		if errors.Is(err, order.ErrNotFound) {
			return StatusOutput{}, common.NewAppError("NOT_FOUND", "order not found", http.StatusNotFound, err)
		}
		return StatusOutput{}, err
	}
	return out, nil
}

func (s *Service) regionFor(providerName string) string {
	if region, ok := providerRegions[providerName]; ok {
		return region
	}
	if s.OperatorRegion != "" {
		return s.OperatorRegion
	}
	return phone.RegionSenegal
}

func (s *Service) publicURL(path string) string {
	return strings.TrimRight(s.PublicBaseURL, "/") + path
}

package checkout_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"testing"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/massamba-mbaye/mobile-money-gateway/internal/checkout"
	"github.com/massamba-mbaye/mobile-money-gateway/internal/common"
	"github.com/massamba-mbaye/mobile-money-gateway/internal/intent"
	"github.com/massamba-mbaye/mobile-money-gateway/internal/order"
	"github.com/massamba-mbaye/mobile-money-gateway/internal/provider"
)

type sessionProvider struct {
	name       string
	session    provider.Session
	sessionErr error
	requests   []provider.SessionRequest
}

func (s *sessionProvider) Name() string { return s.name }

func (s *sessionProvider) CreateSession(_ context.Context, req provider.SessionRequest) (provider.Session, error) {
	s.requests = append(s.requests, req)
	if s.sessionErr != nil {
		return provider.Session{}, s.sessionErr
	}
	out := s.session
	if out.Provider == "" {
		out.Provider = s.name
	}
	if out.Reference == "" {
		out.Reference = req.Reference
	}
	return out, nil
}

func (s *sessionProvider) RequestRefund(context.Context, provider.RefundRequest) (provider.RefundResult, error) {
	return provider.RefundResult{}, provider.ErrRefundUnsupported
}

func (s *sessionProvider) PaymentStatus(context.Context, provider.StatusQuery) (provider.Status, error) {
	return provider.StatusUnknown, nil
}

func (s *sessionProvider) ParseNotification(*http.Request, []byte) (provider.Notification, error) {
	return provider.Notification{}, provider.ErrMalformedPayload
}

type world struct {
	svc    *checkout.Service
	store  *intent.MemStore
	orders *order.Memory
}

func newWorld(t *testing.T, p provider.Provider) world {
	t.Helper()
	store := intent.NewMemStore()
	orders := order.NewMemory()
	svc := &checkout.Service{
		UoW:           intent.MemUnitOfWork{Store: store, Orders: orders},
		Providers:     provider.Registry{p.Name(): p},
		Validate:      validator.New(),
		Logger:        zerolog.Nop(),
		PublicBaseURL: "https://shop.example.com",
	}
	return world{svc: svc, store: store, orders: orders}
}

func seedOrder(w world, status order.Status, currency string) uuid.UUID {
	id := uuid.New()
	w.orders.Put(order.Order{
		ID:           id,
		Status:       status,
		TotalMinor:   15000,
		Currency:     currency,
		BillingEmail: "aissatou@example.sn",
	})
	return id
}

func TestInitiateOpensHostedSession(t *testing.T) {
	p := &sessionProvider{
		name:    provider.NameWave,
		session: provider.Session{PaymentURL: "https://pay.wave.com/c/sess_1", ProviderTxnID: "sess_1"},
	}
	w := newWorld(t, p)
	orderID := seedOrder(w, order.StatusPendingPayment, "XOF")

	out, err := w.svc.Initiate(context.Background(), checkout.Input{
		OrderID:     orderID.String(),
		Provider:    provider.NameWave,
		PhoneNumber: "77 123 45 67",
	})
	require.NoError(t, err)
	require.Equal(t, "https://pay.wave.com/c/sess_1", out.RedirectURL)
	require.Equal(t, provider.NameWave, out.Provider)

	require.Len(t, p.requests, 1)
	req := p.requests[0]
	require.Equal(t, int64(15000), req.AmountMinor)
	require.Equal(t, "XOF", req.Currency)
	require.Equal(t, "+221771234567", req.Phone)
	require.Equal(t, "https://shop.example.com/webhooks/payment/wave", req.CallbackURL)
	require.Equal(t, "https://shop.example.com/checkout/return?order="+orderID.String(), req.ReturnURL)

	it, err := w.store.LatestByOrder(context.Background(), orderID)
	require.NoError(t, err)
	require.Equal(t, intent.StatusPendingConfirmation, it.Status)
	require.Equal(t, "sess_1", it.ProviderTxnID)
	require.True(t, strings.HasPrefix(it.Reference, orderID.String()+"_"))

	url, ok := w.orders.Metadata(orderID, "payment_url")
	require.True(t, ok)
	require.Equal(t, "https://pay.wave.com/c/sess_1", url)
	notes := w.orders.Notes(orderID)
	require.Len(t, notes, 1)
	require.Contains(t, notes[0], "Awaiting payment")
	require.Contains(t, notes[0], it.Reference)
}

func TestInitiateKeepsPayToken(t *testing.T) {
	p := &sessionProvider{
		name:    provider.NameOrange,
		session: provider.Session{PaymentURL: "https://webpay.orange.com/p/1", PayToken: "tok_42"},
	}
	w := newWorld(t, p)
	w.svc.OperatorRegion = "SN"
	orderID := seedOrder(w, order.StatusPendingPayment, "XOF")

	out, err := w.svc.Initiate(context.Background(), checkout.Input{
		OrderID:     orderID.String(),
		Provider:    provider.NameOrange,
		PhoneNumber: "771234567",
	})
	require.NoError(t, err)
	require.Equal(t, "https://webpay.orange.com/p/1", out.RedirectURL)

	it, err := w.store.LatestByOrder(context.Background(), orderID)
	require.NoError(t, err)
	require.Equal(t, "tok_42", it.PayToken)
	tok, ok := w.orders.Metadata(orderID, "pay_token")
	require.True(t, ok)
	require.Equal(t, "tok_42", tok)
}

func TestInitiateRejectsUnknownOrder(t *testing.T) {
	w := newWorld(t, &sessionProvider{name: provider.NameWave})

	_, err := w.svc.Initiate(context.Background(), checkout.Input{
		OrderID:     uuid.NewString(),
		Provider:    provider.NameWave,
		PhoneNumber: "771234567",
	})
	var appErr *common.AppError
	require.ErrorAs(t, err, &appErr)
	require.Equal(t, http.StatusNotFound, appErr.HTTPStatus)
}

func TestInitiateRejectsPaidOrder(t *testing.T) {
	p := &sessionProvider{name: provider.NameWave}
	w := newWorld(t, p)
	orderID := seedOrder(w, order.StatusPaid, "XOF")

	_, err := w.svc.Initiate(context.Background(), checkout.Input{
		OrderID:     orderID.String(),
		Provider:    provider.NameWave,
		PhoneNumber: "771234567",
	})
	var appErr *common.AppError
	require.ErrorAs(t, err, &appErr)
	require.Equal(t, http.StatusConflict, appErr.HTTPStatus)
	require.Equal(t, "ALREADY_PAID", appErr.Code)
	require.Empty(t, p.requests)
}

func TestInitiateRejectsUnsupportedCurrency(t *testing.T) {
	w := newWorld(t, &sessionProvider{name: provider.NameWave})
	orderID := seedOrder(w, order.StatusPendingPayment, "GBP")

	_, err := w.svc.Initiate(context.Background(), checkout.Input{
		OrderID:     orderID.String(),
		Provider:    provider.NameWave,
		PhoneNumber: "771234567",
	})
	var appErr *common.AppError
	require.ErrorAs(t, err, &appErr)
	require.Equal(t, http.StatusUnprocessableEntity, appErr.HTTPStatus)
}

func TestInitiateRejectsInvalidPhone(t *testing.T) {
	p := &sessionProvider{name: provider.NameWave}
	w := newWorld(t, p)
	orderID := seedOrder(w, order.StatusPendingPayment, "XOF")

	_, err := w.svc.Initiate(context.Background(), checkout.Input{
		OrderID:     orderID.String(),
		Provider:    provider.NameWave,
		PhoneNumber: "12345",
	})
	var appErr *common.AppError
	require.ErrorAs(t, err, &appErr)
	require.Equal(t, http.StatusUnprocessableEntity, appErr.HTTPStatus)
	require.Empty(t, p.requests)
}

func TestInitiateValidatesInput(t *testing.T) {
	w := newWorld(t, &sessionProvider{name: provider.NameWave})

	_, err := w.svc.Initiate(context.Background(), checkout.Input{
		OrderID:  "not-a-uuid",
		Provider: "paypal",
	})
	var appErr *common.AppError
	require.ErrorAs(t, err, &appErr)
	require.Equal(t, "VALIDATION", appErr.Code)
}

func TestInitiateSurfacesProviderFailure(t *testing.T) {
	p := &sessionProvider{
		name: provider.NameWave,
		sessionErr: &provider.TransportError{
			Provider: provider.NameWave, Op: "create session", Err: fmt.Errorf("unexpected status 503"),
		},
	}
	w := newWorld(t, p)
	orderID := seedOrder(w, order.StatusPendingPayment, "XOF")

	_, err := w.svc.Initiate(context.Background(), checkout.Input{
		OrderID:     orderID.String(),
		Provider:    provider.NameWave,
		PhoneNumber: "771234567",
	})
	var te *provider.TransportError
	require.ErrorAs(t, err, &te)

	// no session was opened, the intent never leaves INITIATED
	it, lookupErr := w.store.LatestByOrder(context.Background(), orderID)
	require.NoError(t, lookupErr)
	require.Equal(t, intent.StatusInitiated, it.Status)
}

func TestStatusConsolidatesOrderAndIntent(t *testing.T) {
	p := &sessionProvider{
		name:    provider.NameWave,
		session: provider.Session{PaymentURL: "https://pay.wave.com/c/sess_9"},
	}
	w := newWorld(t, p)
	orderID := seedOrder(w, order.StatusPendingPayment, "XOF")

	_, err := w.svc.Initiate(context.Background(), checkout.Input{
		OrderID:     orderID.String(),
		Provider:    provider.NameWave,
		PhoneNumber: "771234567",
	})
	require.NoError(t, err)

	out, err := w.svc.Status(context.Background(), orderID)
	require.NoError(t, err)
	require.Equal(t, string(order.StatusPendingPayment), out.OrderStatus)
	require.Equal(t, string(intent.StatusPendingConfirmation), out.IntentStatus)
	require.Equal(t, provider.NameWave, out.Provider)

	// The reference authenticates operator callbacks, so the public status
	// payload must never carry it.
	it, err := w.store.LatestByOrder(context.Background(), orderID)
	require.NoError(t, err)
	body, err := json.Marshal(out)
	require.NoError(t, err)
	require.NotContains(t, string(body), it.Reference)
}

func TestStatusWithoutIntent(t *testing.T) {
	w := newWorld(t, &sessionProvider{name: provider.NameWave})
	orderID := seedOrder(w, order.StatusPendingPayment, "XOF")

	out, err := w.svc.Status(context.Background(), orderID)
	require.NoError(t, err)
	require.Equal(t, string(order.StatusPendingPayment), out.OrderStatus)
	require.Empty(t, out.IntentStatus)
}

func TestStatusUnknownOrder(t *testing.T) {
	w := newWorld(t, &sessionProvider{name: provider.NameWave})

	_, err := w.svc.Status(context.Background(), uuid.New())
	var appErr *common.AppError
	require.ErrorAs(t, err, &appErr)
	require.Equal(t, http.StatusNotFound, appErr.HTTPStatus)
	require.True(t, errors.Is(err, order.ErrNotFound))
}

package refund_test

import (
	"context"
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/massamba-mbaye/mobile-money-gateway/internal/intent"
	"github.com/massamba-mbaye/mobile-money-gateway/internal/order"
	"github.com/massamba-mbaye/mobile-money-gateway/internal/provider"
	"github.com/massamba-mbaye/mobile-money-gateway/internal/refund"
)

type stubProvider struct {
	name      string
	refundID  string
	refundErr error
	requests  []provider.RefundRequest
}

func (s *stubProvider) Name() string { return s.name }

func (s *stubProvider) CreateSession(context.Context, provider.SessionRequest) (provider.Session, error) {
	return provider.Session{}, nil
}

func (s *stubProvider) RequestRefund(_ context.Context, req provider.RefundRequest) (provider.RefundResult, error) {
	s.requests = append(s.requests, req)
	if s.refundErr != nil {
		return provider.RefundResult{}, s.refundErr
	}
	return provider.RefundResult{RefundID: s.refundID}, nil
}

func (s *stubProvider) PaymentStatus(context.Context, provider.StatusQuery) (provider.Status, error) {
	return provider.StatusUnknown, nil
}

func (s *stubProvider) ParseNotification(*http.Request, []byte) (provider.Notification, error) {
	return provider.Notification{}, provider.ErrMalformedPayload
}

type world struct {
	coord  *refund.Coordinator
	store  *intent.MemStore
	orders *order.Memory
}

func newWorld(t *testing.T, p provider.Provider) world {
	t.Helper()
	store := intent.NewMemStore()
	orders := order.NewMemory()
	coord := &refund.Coordinator{
		UoW:       intent.MemUnitOfWork{Store: store, Orders: orders},
		Providers: provider.Registry{p.Name(): p},
		Logger:    zerolog.Nop(),
	}
	return world{coord: coord, store: store, orders: orders}
}

func seedPaid(t *testing.T, w world, providerName string) uuid.UUID {
	t.Helper()
	orderID := uuid.New()
	w.orders.Put(order.Order{ID: orderID, Status: order.StatusPaid, TotalMinor: 5000, Currency: "XOF"})
	now := time.Now()
	it := intent.Intent{
		OrderID:       orderID,
		Provider:      providerName,
		Reference:     orderID.String() + "_1700000000_a1b2c3",
		ProviderTxnID: "TX-1",
		AmountMinor:   5000,
		Currency:      "XOF",
		Status:        intent.StatusCompleted,
		CompletedAt:   &now,
	}
	require.NoError(t, w.store.Create(context.Background(), &it))
	return orderID
}

func TestRefundFullOrderTotalByDefault(t *testing.T) {
	p := &stubProvider{name: provider.NameWave, refundID: "RF-1"}
	w := newWorld(t, p)
	orderID := seedPaid(t, w, provider.NameWave)

	res, err := w.coord.Refund(context.Background(), orderID, nil, "customer request")
	require.NoError(t, err)
	require.Equal(t, refund.OutcomeRefunded, res.Outcome)
	require.Equal(t, "RF-1", res.RefundID)
	require.Equal(t, int64(5000), res.AmountMinor)

	require.Len(t, p.requests, 1)
	require.Equal(t, int64(5000), p.requests[0].AmountMinor)
	require.Equal(t, "TX-1", p.requests[0].ProviderTxnID)

	o, err := w.orders.Get(context.Background(), orderID)
	require.NoError(t, err)
	require.Equal(t, order.StatusRefunded, o.Status)

	ref, ok := w.orders.Metadata(orderID, "refund_reference")
	require.True(t, ok)
	require.Equal(t, "RF-1", ref)
}

func TestRefundPartialAmount(t *testing.T) {
	p := &stubProvider{name: provider.NameWave, refundID: "RF-2"}
	w := newWorld(t, p)
	orderID := seedPaid(t, w, provider.NameWave)

	amount := int64(2000)
	res, err := w.coord.Refund(context.Background(), orderID, &amount, "partial return")
	require.NoError(t, err)
	require.Equal(t, int64(2000), res.AmountMinor)
	require.Equal(t, int64(2000), p.requests[0].AmountMinor)
}

func TestRefundAmountOutOfRange(t *testing.T) {
	p := &stubProvider{name: provider.NameWave}
	w := newWorld(t, p)
	orderID := seedPaid(t, w, provider.NameWave)

	over := int64(9999)
	_, err := w.coord.Refund(context.Background(), orderID, &over, "")
	require.ErrorIs(t, err, refund.ErrInvalidAmount)

	zero := int64(0)
	_, err = w.coord.Refund(context.Background(), orderID, &zero, "")
	require.ErrorIs(t, err, refund.ErrInvalidAmount)
	require.Empty(t, p.requests)
}

func TestRefundWithoutSettledPayment(t *testing.T) {
	p := &stubProvider{name: provider.NameWave}
	w := newWorld(t, p)

	orderID := uuid.New()
	w.orders.Put(order.Order{ID: orderID, Status: order.StatusPendingPayment, TotalMinor: 5000, Currency: "XOF"})

	_, err := w.coord.Refund(context.Background(), orderID, nil, "")
	require.ErrorIs(t, err, refund.ErrNoTransaction)

	it := intent.Intent{OrderID: orderID, Provider: provider.NameWave, Reference: "r", AmountMinor: 5000, Currency: "XOF", Status: intent.StatusPendingConfirmation}
	require.NoError(t, w.store.Create(context.Background(), &it))

	_, err = w.coord.Refund(context.Background(), orderID, nil, "")
	require.ErrorIs(t, err, refund.ErrNoTransaction)
}

func TestRefundUnsupportedFallsBackToManual(t *testing.T) {
	p := &stubProvider{name: provider.NameOrange, refundErr: provider.ErrRefundUnsupported}
	w := newWorld(t, p)
	orderID := seedPaid(t, w, provider.NameOrange)

	res, err := w.coord.Refund(context.Background(), orderID, nil, "customer request")
	require.NoError(t, err)
	require.Equal(t, refund.OutcomeManualRequired, res.Outcome)

	// exactly one audit note, no status change, no retry
	notes := w.orders.Notes(orderID)
	require.Len(t, notes, 1)
	require.Contains(t, notes[0], "Manual refund")
	require.Contains(t, notes[0], "TX-1")

	o, err := w.orders.Get(context.Background(), orderID)
	require.NoError(t, err)
	require.Equal(t, order.StatusPaid, o.Status)
	require.Len(t, p.requests, 1)
}

func TestRefundProviderErrorSurfaces(t *testing.T) {
	p := &stubProvider{name: provider.NameWave, refundErr: errors.New("upstream 500")}
	w := newWorld(t, p)
	orderID := seedPaid(t, w, provider.NameWave)

	_, err := w.coord.Refund(context.Background(), orderID, nil, "")
	require.Error(t, err)

	// never retried, order untouched
	require.Len(t, p.requests, 1)
	o, err := w.orders.Get(context.Background(), orderID)
	require.NoError(t, err)
	require.Equal(t, order.StatusPaid, o.Status)
}

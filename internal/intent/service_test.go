package intent_test

import (
	"context"
	"net/http"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	redis "github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/massamba-mbaye/mobile-money-gateway/internal/intent"
	"github.com/massamba-mbaye/mobile-money-gateway/internal/lock"
	"github.com/massamba-mbaye/mobile-money-gateway/internal/order"
	"github.com/massamba-mbaye/mobile-money-gateway/internal/provider"
)

type fixture struct {
	svc    *intent.Service
	store  *intent.MemStore
	orders *order.Memory
}

func newFixture(t *testing.T, providers provider.Registry) fixture {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	store := intent.NewMemStore()
	orders := order.NewMemory()
	svc := &intent.Service{
		UoW:       intent.MemUnitOfWork{Store: store, Orders: orders},
		Providers: providers,
		Locker:    lock.Locker{R: client, RetryBackoff: time.Millisecond},
		Logger:    zerolog.Nop(),
	}
	return fixture{svc: svc, store: store, orders: orders}
}

func seedPending(t *testing.T, f fixture, providerName string) (uuid.UUID, intent.Intent) {
	t.Helper()
	orderID := uuid.New()
	f.orders.Put(order.Order{ID: orderID, Status: order.StatusPendingPayment, TotalMinor: 5000, Currency: "XOF"})
	it := intent.Intent{
		OrderID:     orderID,
		Provider:    providerName,
		Reference:   orderID.String() + "_1700000000_a1b2c3",
		AmountMinor: 5000,
		Currency:    "XOF",
		Status:      intent.StatusPendingConfirmation,
	}
	require.NoError(t, f.store.Create(context.Background(), &it))
	return orderID, it
}

func TestRepeatedSuccessSettlesOnce(t *testing.T) {
	f := newFixture(t, nil)
	orderID, it := seedPending(t, f, provider.NameWave)

	n := provider.Notification{
		Provider:      provider.NameWave,
		OrderID:       orderID.String(),
		ProviderTxnID: "WV-900",
		Status:        provider.StatusSuccess,
		RawAmount:     "5000",
	}

	ctx := context.Background()
	outcome, err := f.svc.HandleNotification(ctx, n)
	require.NoError(t, err)
	require.Equal(t, intent.OutcomeCompleted, outcome)

	for i := 0; i < 4; i++ {
		outcome, err = f.svc.HandleNotification(ctx, n)
		require.NoError(t, err)
		require.Equal(t, intent.OutcomeDuplicate, outcome)
	}

	paid, err := f.orders.IsPaid(ctx, orderID)
	require.NoError(t, err)
	require.True(t, paid)

	txn, ok := f.orders.Metadata(orderID, "transaction_id")
	require.True(t, ok)
	require.Equal(t, "WV-900", txn)

	// every delivery left an audit row
	require.Len(t, f.store.Events(it.ID), 5)

	// exactly one confirmation note on the order
	notes := f.orders.Notes(orderID)
	require.Len(t, notes, 1)
	require.Contains(t, notes[0], "WV-900")
}

func TestAmountMismatchRejectsSettlement(t *testing.T) {
	f := newFixture(t, nil)
	orderID, it := seedPending(t, f, provider.NameWave)

	n := provider.Notification{
		Provider:      provider.NameWave,
		OrderID:       orderID.String(),
		ProviderTxnID: "WV-900",
		Status:        provider.StatusSuccess,
		RawAmount:     "4999",
	}

	ctx := context.Background()
	_, err := f.svc.HandleNotification(ctx, n)
	require.ErrorIs(t, err, intent.ErrAmountMismatch)

	paid, err := f.orders.IsPaid(ctx, orderID)
	require.NoError(t, err)
	require.False(t, paid)

	stored, ok := f.store.Get(it.ID)
	require.True(t, ok)
	require.Equal(t, intent.StatusPendingConfirmation, stored.Status)

	// the rejected delivery is still audited
	require.Len(t, f.store.Events(it.ID), 1)
}

func TestWalletSuccessWithoutAmountRejected(t *testing.T) {
	f := newFixture(t, nil)
	orderID, _ := seedPending(t, f, provider.NameWave)

	n := provider.Notification{
		Provider: provider.NameWave,
		OrderID:  orderID.String(),
		Status:   provider.StatusSuccess,
	}

	_, err := f.svc.HandleNotification(context.Background(), n)
	require.ErrorIs(t, err, intent.ErrAmountMismatch)
}

func TestLateFailureAfterSettlementIgnored(t *testing.T) {
	f := newFixture(t, nil)
	orderID, _ := seedPending(t, f, provider.NameWave)

	ctx := context.Background()
	success := provider.Notification{
		Provider:      provider.NameWave,
		OrderID:       orderID.String(),
		ProviderTxnID: "WV-900",
		Status:        provider.StatusSuccess,
		RawAmount:     "5000",
	}
	outcome, err := f.svc.HandleNotification(ctx, success)
	require.NoError(t, err)
	require.Equal(t, intent.OutcomeCompleted, outcome)

	late := provider.Notification{
		Provider:      provider.NameWave,
		OrderID:       orderID.String(),
		Status:        provider.StatusFailed,
		FailureReason: "timeout",
	}
	outcome, err = f.svc.HandleNotification(ctx, late)
	require.NoError(t, err)
	require.Equal(t, intent.OutcomeIgnored, outcome)

	paid, err := f.orders.IsPaid(ctx, orderID)
	require.NoError(t, err)
	require.True(t, paid)
}

func TestOperatorReferenceMismatchRejected(t *testing.T) {
	f := newFixture(t, nil)
	orderID, _ := seedPending(t, f, provider.NameOrange)

	n := provider.Notification{
		Provider:  provider.NameOrange,
		OrderID:   orderID.String(),
		Reference: "someone_elses_reference",
		Status:    provider.StatusSuccess,
		RawAmount: "5000",
	}

	_, err := f.svc.HandleNotification(context.Background(), n)
	require.ErrorIs(t, err, intent.ErrReferenceMismatch)

	paid, err := f.orders.IsPaid(context.Background(), orderID)
	require.NoError(t, err)
	require.False(t, paid)
}

func TestOperatorMissingReferenceRejected(t *testing.T) {
	f := newFixture(t, nil)
	orderID, _ := seedPending(t, f, provider.NameOrange)

	// The operator's callbacks carry no signature, so a success without the
	// stored reference must not settle anything.
	n := provider.Notification{
		Provider: provider.NameOrange,
		OrderID:  orderID.String(),
		Status:   provider.StatusSuccess,
	}

	_, err := f.svc.HandleNotification(context.Background(), n)
	require.ErrorIs(t, err, intent.ErrReferenceMismatch)

	paid, err := f.orders.IsPaid(context.Background(), orderID)
	require.NoError(t, err)
	require.False(t, paid)
}

func TestFailureMarksOrderFailed(t *testing.T) {
	f := newFixture(t, nil)
	orderID, it := seedPending(t, f, provider.NameOrange)

	n := provider.Notification{
		Provider:      provider.NameOrange,
		OrderID:       orderID.String(),
		Reference:     it.Reference,
		Status:        provider.StatusFailed,
		FailureReason: "balance insuffisant",
	}

	outcome, err := f.svc.HandleNotification(context.Background(), n)
	require.NoError(t, err)
	require.Equal(t, intent.OutcomeFailed, outcome)

	stored, ok := f.store.Get(it.ID)
	require.True(t, ok)
	require.Equal(t, intent.StatusFailed, stored.Status)
	require.Equal(t, "balance insuffisant", stored.FailureReason)

	notes := f.orders.Notes(orderID)
	require.Len(t, notes, 1)
	require.Contains(t, notes[0], "balance insuffisant")
}

func TestUnknownOrderRejected(t *testing.T) {
	f := newFixture(t, nil)

	n := provider.Notification{
		Provider:  provider.NameWave,
		OrderID:   uuid.NewString(),
		Status:    provider.StatusSuccess,
		RawAmount: "5000",
	}

	_, err := f.svc.HandleNotification(context.Background(), n)
	require.ErrorIs(t, err, intent.ErrNotFound)
}

type pollingProvider struct {
	status provider.Status
	polls  int
}

func (p *pollingProvider) Name() string { return provider.NameWave }

func (p *pollingProvider) CreateSession(context.Context, provider.SessionRequest) (provider.Session, error) {
	return provider.Session{}, nil
}

func (p *pollingProvider) RequestRefund(context.Context, provider.RefundRequest) (provider.RefundResult, error) {
	return provider.RefundResult{}, provider.ErrRefundUnsupported
}

func (p *pollingProvider) PaymentStatus(context.Context, provider.StatusQuery) (provider.Status, error) {
	p.polls++
	return p.status, nil
}

func (p *pollingProvider) ParseNotification(*http.Request, []byte) (provider.Notification, error) {
	return provider.Notification{}, provider.ErrMalformedPayload
}

func TestReconcileSettlesStaleIntent(t *testing.T) {
	poller := &pollingProvider{status: provider.StatusSuccess}
	f := newFixture(t, provider.Registry{provider.NameWave: poller})
	orderID, it := seedPending(t, f, provider.NameWave)

	// age the intent past the threshold
	stored, ok := f.store.Get(it.ID)
	require.True(t, ok)
	stored.CreatedAt = time.Now().Add(-time.Hour)
	stored.ProviderTxnID = "WV-900"
	require.NoError(t, f.store.Create(context.Background(), &stored))

	applied, err := f.svc.Reconcile(context.Background(), 30*time.Minute, 10)
	require.NoError(t, err)
	require.Equal(t, 1, applied)
	require.Equal(t, 1, poller.polls)

	paid, err := f.orders.IsPaid(context.Background(), orderID)
	require.NoError(t, err)
	require.True(t, paid)
}

package webhook_test

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	redis "github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/massamba-mbaye/mobile-money-gateway/internal/intent"
	"github.com/massamba-mbaye/mobile-money-gateway/internal/lock"
	"github.com/massamba-mbaye/mobile-money-gateway/internal/order"
	"github.com/massamba-mbaye/mobile-money-gateway/internal/provider"
	"github.com/massamba-mbaye/mobile-money-gateway/internal/webhook"
)

type fakeReplayStore struct {
	seen map[string]bool
}

func (f *fakeReplayStore) FirstDelivery(_ context.Context, key string) (bool, error) {
	if f.seen == nil {
		f.seen = make(map[string]bool)
	}
	if f.seen[key] {
		return false, nil
	}
	f.seen[key] = true
	return true, nil
}

func (f *fakeReplayStore) Forget(_ context.Context, key string) error {
	delete(f.seen, key)
	return nil
}

type env struct {
	handler *webhook.Handler
	orders  *order.Memory
	store   *intent.MemStore
}

func newEnv(t *testing.T) env {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	store := intent.NewMemStore()
	orders := order.NewMemory()
	registry := provider.Registry{
		provider.NameWave:   provider.Wave{WebhookSecret: "hook-secret"},
		provider.NameOrange: provider.Orange{},
	}
	svc := &intent.Service{
		UoW:       intent.MemUnitOfWork{Store: store, Orders: orders},
		Providers: registry,
		Locker:    lock.Locker{R: client, RetryBackoff: time.Millisecond},
		Logger:    zerolog.Nop(),
	}
	handler := &webhook.Handler{
		Providers: registry,
		Intents:   svc,
		Replay:    &fakeReplayStore{},
		Logger:    zerolog.Nop(),
	}
	return env{handler: handler, orders: orders, store: store}
}

func (e env) seedIntent(t *testing.T, providerName string) (uuid.UUID, intent.Intent) {
	t.Helper()
	orderID := uuid.New()
	e.orders.Put(order.Order{ID: orderID, Status: order.StatusPendingPayment, TotalMinor: 5000, Currency: "XOF"})
	it := intent.Intent{
		OrderID:     orderID,
		Provider:    providerName,
		Reference:   orderID.String() + "_1700000000_a1b2c3",
		AmountMinor: 5000,
		Currency:    "XOF",
		Status:      intent.StatusPendingConfirmation,
	}
	require.NoError(t, e.store.Create(context.Background(), &it))
	return orderID, it
}

func deliver(handler *webhook.Handler, providerName, body string, headers map[string]string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/webhooks/payment/"+providerName, strings.NewReader(body))
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rc := chi.NewRouteContext()
	rc.URLParams.Add("provider", providerName)
	req = req.WithContext(context.WithValue(req.Context(), chi.RouteCtxKey, rc))

	rr := httptest.NewRecorder()
	handler.Receive(rr, req)
	return rr
}

func signWave(body string) string {
	mac := hmac.New(sha256.New, []byte("hook-secret"))
	mac.Write([]byte(body))
	return hex.EncodeToString(mac.Sum(nil))
}

func TestWaveDeliverySettlesOrder(t *testing.T) {
	e := newEnv(t)
	orderID, _ := e.seedIntent(t, provider.NameWave)

	body := fmt.Sprintf(`{"transaction_id":"WV-900","status":"completed","order_id":"%s","amount":"5000"}`, orderID)
	rr := deliver(e.handler, "wave", body, map[string]string{"X-Wave-Signature": signWave(body)})

	require.Equal(t, http.StatusOK, rr.Code)
	require.Equal(t, "OK", rr.Body.String())

	paid, err := e.orders.IsPaid(context.Background(), orderID)
	require.NoError(t, err)
	require.True(t, paid)
}

func TestWaveTamperedSignatureRejected(t *testing.T) {
	e := newEnv(t)
	orderID, _ := e.seedIntent(t, provider.NameWave)

	body := fmt.Sprintf(`{"transaction_id":"WV-900","status":"completed","order_id":"%s","amount":"5000"}`, orderID)
	rr := deliver(e.handler, "wave", body, map[string]string{"X-Wave-Signature": "deadbeef"})

	require.Equal(t, http.StatusBadRequest, rr.Code)
	require.Contains(t, rr.Body.String(), "invalid signature")

	paid, err := e.orders.IsPaid(context.Background(), orderID)
	require.NoError(t, err)
	require.False(t, paid)
}

func TestReplayedBodyShortCircuits(t *testing.T) {
	e := newEnv(t)
	orderID, it := e.seedIntent(t, provider.NameWave)

	body := fmt.Sprintf(`{"transaction_id":"WV-900","status":"completed","order_id":"%s","amount":"5000"}`, orderID)
	headers := map[string]string{"X-Wave-Signature": signWave(body)}

	rr := deliver(e.handler, "wave", body, headers)
	require.Equal(t, http.StatusOK, rr.Code)

	rr = deliver(e.handler, "wave", body, headers)
	require.Equal(t, http.StatusOK, rr.Code)
	require.Equal(t, "OK", rr.Body.String())

	// the replayed delivery never reached the intent service
	require.Len(t, e.store.Events(it.ID), 1)
}

func TestRejectedDeliveryDoesNotPoisonReplayGuard(t *testing.T) {
	e := newEnv(t)
	orderID, _ := e.seedIntent(t, provider.NameWave)

	body := fmt.Sprintf(`{"transaction_id":"WV-900","status":"completed","order_id":"%s","amount":"5000"}`, orderID)

	// a forged delivery of the exact body must not consume the replay key
	rr := deliver(e.handler, "wave", body, map[string]string{"X-Wave-Signature": "deadbeef"})
	require.Equal(t, http.StatusBadRequest, rr.Code)

	rr = deliver(e.handler, "wave", body, map[string]string{"X-Wave-Signature": signWave(body)})
	require.Equal(t, http.StatusOK, rr.Code)
	require.Equal(t, "OK", rr.Body.String())

	paid, err := e.orders.IsPaid(context.Background(), orderID)
	require.NoError(t, err)
	require.True(t, paid)
}

func TestFailedProcessingStaysRetriable(t *testing.T) {
	e := newEnv(t)
	orderID, it := e.seedIntent(t, provider.NameWave)

	body := fmt.Sprintf(`{"transaction_id":"WV-900","status":"completed","order_id":"%s","amount":"4999"}`, orderID)
	headers := map[string]string{"X-Wave-Signature": signWave(body)}

	rr := deliver(e.handler, "wave", body, headers)
	require.Equal(t, http.StatusBadRequest, rr.Code)
	require.Contains(t, rr.Body.String(), "amount mismatch")

	// the key was released, so the redelivery is processed, not acknowledged
	// as a replay
	rr = deliver(e.handler, "wave", body, headers)
	require.Equal(t, http.StatusBadRequest, rr.Code)
	require.Contains(t, rr.Body.String(), "amount mismatch")
	require.Len(t, e.store.Events(it.ID), 2)
}

func TestOrangeDeliveryByReference(t *testing.T) {
	e := newEnv(t)
	orderID, it := e.seedIntent(t, provider.NameOrange)

	form := url.Values{
		"status":    {"SUCCESS"},
		"order_id":  {orderID.String()},
		"reference": {it.Reference},
		"amount":    {"5000"},
		"txnid":     {"OM-321"},
	}
	rr := deliver(e.handler, "orange_money", form.Encode(), nil)

	require.Equal(t, http.StatusOK, rr.Code)
	paid, err := e.orders.IsPaid(context.Background(), orderID)
	require.NoError(t, err)
	require.True(t, paid)
}

func TestOrangeReferenceMismatchRejected(t *testing.T) {
	e := newEnv(t)
	orderID, _ := e.seedIntent(t, provider.NameOrange)

	form := url.Values{
		"status":    {"SUCCESS"},
		"order_id":  {orderID.String()},
		"reference": {"spoofed_reference"},
		"amount":    {"5000"},
	}
	rr := deliver(e.handler, "orange_money", form.Encode(), nil)

	require.Equal(t, http.StatusBadRequest, rr.Code)
	require.Contains(t, rr.Body.String(), "reference mismatch")
}

func TestOrangeSuccessWithoutReferenceRejected(t *testing.T) {
	e := newEnv(t)
	orderID, _ := e.seedIntent(t, provider.NameOrange)

	// a bare status + order id form post is trivially forgeable
	form := url.Values{
		"status":   {"SUCCESS"},
		"order_id": {orderID.String()},
	}
	rr := deliver(e.handler, "orange_money", form.Encode(), nil)

	require.Equal(t, http.StatusBadRequest, rr.Code)
	require.Contains(t, rr.Body.String(), "reference mismatch")

	paid, err := e.orders.IsPaid(context.Background(), orderID)
	require.NoError(t, err)
	require.False(t, paid)
}

func TestUnknownStatusAcknowledged(t *testing.T) {
	e := newEnv(t)
	orderID, it := e.seedIntent(t, provider.NameWave)

	body := fmt.Sprintf(`{"transaction_id":"WV-900","status":"mystery","order_id":"%s","amount":"5000"}`, orderID)
	rr := deliver(e.handler, "wave", body, map[string]string{"X-Wave-Signature": signWave(body)})

	require.Equal(t, http.StatusOK, rr.Code)
	require.Equal(t, "OK", rr.Body.String())

	stored, ok := e.store.Get(it.ID)
	require.True(t, ok)
	require.Equal(t, intent.StatusPendingConfirmation, stored.Status)
}

func TestUnknownProvider(t *testing.T) {
	e := newEnv(t)
	rr := deliver(e.handler, "paypal", "{}", nil)
	require.Equal(t, http.StatusNotFound, rr.Code)
}

func TestUnknownOrderRejected(t *testing.T) {
	e := newEnv(t)

	body := fmt.Sprintf(`{"transaction_id":"WV-1","status":"completed","order_id":"%s","amount":"5000"}`, uuid.New())
	rr := deliver(e.handler, "wave", body, map[string]string{"X-Wave-Signature": signWave(body)})

	require.Equal(t, http.StatusBadRequest, rr.Code)
	require.Contains(t, rr.Body.String(), "unknown order")
}

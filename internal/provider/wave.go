package provider

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/massamba-mbaye/mobile-money-gateway/internal/money"
	"github.com/massamba-mbaye/mobile-money-gateway/internal/resilience"
)

// NameWave is the route segment and metric label for the Wave integration.
const NameWave = "wave"

// Wave is the wallet provider client. Authentication is an API key pair on
// every request; webhooks are authenticated with an HMAC-SHA256 signature
// over the raw body.
type Wave struct {
	APIKey        string
	SecretKey     string
	WebhookSecret string
	BaseURL       string
	HTTP          resilience.HTTPClient
}

func (w Wave) Name() string { return NameWave }

type waveSessionPayload struct {
	Amount        string `json:"amount"`
	Currency      string `json:"currency"`
	PhoneNumber   string `json:"phone_number"`
	Description   string `json:"description"`
	OrderID       string `json:"order_id"`
	TransactionID string `json:"transaction_id"`
	CallbackURL   string `json:"callback_url"`
	ReturnURL     string `json:"return_url"`
	CancelURL     string `json:"cancel_url"`
}

type waveSessionResponse struct {
	Status        string `json:"status"`
	TransactionID string `json:"transaction_id"`
	PaymentURL    string `json:"payment_url"`
	Message       string `json:"message"`
}

// CreateSession opens a hosted Wave payment and returns the redirect URL.
func (w Wave) CreateSession(ctx context.Context, req SessionRequest) (Session, error) {
	payload := waveSessionPayload{
		Amount:        money.Format(req.AmountMinor, req.Currency),
		Currency:      req.Currency,
		PhoneNumber:   req.Phone,
		Description:   req.Description,
		OrderID:       req.OrderID,
		TransactionID: req.Reference,
		CallbackURL:   req.CallbackURL,
		ReturnURL:     req.ReturnURL,
		CancelURL:     req.CancelURL,
	}
	var resp waveSessionResponse
	if err := w.call(ctx, http.MethodPost, "payments", payload, &resp); err != nil {
		return Session{}, err
	}
	if resp.Status != "success" || resp.PaymentURL == "" {
		msg := resp.Message
		if msg == "" {
			msg = "payment session rejected"
		}
		return Session{}, &TransportError{Provider: NameWave, Op: "create session", Err: fmt.Errorf("%s", msg)}
	}
	return Session{
		Provider:      NameWave,
		Reference:     req.Reference,
		PaymentURL:    resp.PaymentURL,
		ProviderTxnID: resp.TransactionID,
	}, nil
}

type waveRefundResponse struct {
	Status   string `json:"status"`
	RefundID string `json:"refund_id"`
	Message  string `json:"message"`
}

// RequestRefund issues a refund against a settled Wave transaction.
func (w Wave) RequestRefund(ctx context.Context, req RefundRequest) (RefundResult, error) {
	payload := map[string]string{
		"transaction_id": req.ProviderTxnID,
		"amount":         money.Format(req.AmountMinor, req.Currency),
		"reason":         req.Reason,
	}
	var resp waveRefundResponse
	if err := w.call(ctx, http.MethodPost, "refunds", payload, &resp); err != nil {
		return RefundResult{}, err
	}
	if resp.Status != "success" {
		msg := resp.Message
		if msg == "" {
			msg = "refund rejected"
		}
		return RefundResult{}, fmt.Errorf("wave refund: %s", msg)
	}
	return RefundResult{RefundID: resp.RefundID}, nil
}

// PaymentStatus polls the transaction state, used by the reconciliation worker.
func (w Wave) PaymentStatus(ctx context.Context, q StatusQuery) (Status, error) {
	if strings.TrimSpace(q.ProviderTxnID) == "" {
		return StatusUnknown, fmt.Errorf("wave status: transaction id required")
	}
	var resp struct {
		Status string `json:"status"`
	}
	path := fmt.Sprintf("payments/%s/status", q.ProviderTxnID)
	if err := w.call(ctx, http.MethodGet, path, nil, &resp); err != nil {
		return StatusUnknown, err
	}
	return normaliseWaveStatus(resp.Status), nil
}

type waveNotification struct {
	TransactionID string `json:"transaction_id"`
	Status        string `json:"status"`
	OrderID       string `json:"order_id"`
	Amount        string `json:"amount"`
	FailureReason string `json:"failure_reason"`
}

// ParseNotification verifies the X-Wave-Signature header against an
// HMAC-SHA256 of the raw body, then normalises the payload.
func (w Wave) ParseNotification(r *http.Request, body []byte) (Notification, error) {
	provided := strings.TrimSpace(r.Header.Get("X-Wave-Signature"))
	expected := w.signBody(body)
	if expected == "" || provided == "" || !hmac.Equal([]byte(expected), []byte(provided)) {
		return Notification{}, ErrInvalidSignature
	}

	var payload waveNotification
	if err := json.Unmarshal(body, &payload); err != nil {
		return Notification{}, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}
	if payload.OrderID == "" {
		return Notification{}, fmt.Errorf("%w: missing order id", ErrMalformedPayload)
	}
	return Notification{
		Provider:      NameWave,
		OrderID:       payload.OrderID,
		ProviderTxnID: payload.TransactionID,
		Status:        normaliseWaveStatus(payload.Status),
		RawAmount:     payload.Amount,
		FailureReason: payload.FailureReason,
		Payload:       body,
	}, nil
}

func (w Wave) signBody(body []byte) string {
	key := strings.TrimSpace(w.WebhookSecret)
	if key == "" {
		return ""
	}
	mac := hmac.New(sha256.New, []byte(key))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

func (w Wave) call(ctx context.Context, method, path string, payload, out any) error {
	var body io.Reader
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("wave %s: %w", path, err)
		}
		body = bytes.NewReader(data)
	}
	url := strings.TrimRight(w.BaseURL, "/") + "/" + path
	req, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return fmt.Errorf("wave %s: %w", path, err)
	}
	req.Header.Set("Authorization", "Bearer "+w.APIKey)
	req.Header.Set("X-Secret-Key", w.SecretKey)
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := w.HTTP.Do(ctx, req)
	if err != nil {
		return &TransportError{Provider: NameWave, Op: path, Err: err}
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode >= 400 {
		return &TransportError{Provider: NameWave, Op: path, Err: fmt.Errorf("unexpected status %d", resp.StatusCode)}
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return &TransportError{Provider: NameWave, Op: path, Err: err}
	}
	return nil
}

func normaliseWaveStatus(status string) Status {
	switch strings.ToLower(strings.TrimSpace(status)) {
	case "completed", "success":
		return StatusSuccess
	case "failed", "cancelled":
		return StatusFailed
	case "pending":
		return StatusPending
	default:
		return StatusUnknown
	}
}

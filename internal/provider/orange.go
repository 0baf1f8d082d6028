package provider

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/massamba-mbaye/mobile-money-gateway/internal/money"
	"github.com/massamba-mbaye/mobile-money-gateway/internal/resilience"
)

// NameOrange is the route segment and metric label for the Orange Money
// integration.
const NameOrange = "orange_money"

// Orange is the telco-operator provider client. Every API call obtains a
// fresh OAuth client-credentials token; the operator platform invalidates
// tokens unpredictably, so none are cached. Webhook authenticity relies on a
// reference match against the stored intent, not a signature.
type Orange struct {
	ClientID     string
	ClientSecret string
	MerchantKey  string
	BaseURL      string
	HTTP         resilience.HTTPClient
}

func (o Orange) Name() string { return NameOrange }

type orangeSessionPayload struct {
	MerchantKey string `json:"merchant_key"`
	Currency    string `json:"currency"`
	OrderID     string `json:"order_id"`
	Amount      string `json:"amount"`
	ReturnURL   string `json:"return_url"`
	CancelURL   string `json:"cancel_url"`
	NotifURL    string `json:"notif_url"`
	Lang        string `json:"lang"`
	Reference   string `json:"reference"`
	Msisdn      string `json:"customer_msisdn"`
	Email       string `json:"customer_email"`
	FirstName   string `json:"customer_firstname"`
	LastName    string `json:"customer_lastname"`
}

type orangeSessionResponse struct {
	PaymentURL string `json:"payment_url"`
	PayToken   string `json:"pay_token"`
	Message    string `json:"message"`
}

// CreateSession obtains a session on the operator's web payment page.
func (o Orange) CreateSession(ctx context.Context, req SessionRequest) (Session, error) {
	token, err := o.authToken(ctx)
	if err != nil {
		return Session{}, err
	}
	payload := orangeSessionPayload{
		MerchantKey: o.MerchantKey,
		Currency:    req.Currency,
		OrderID:     req.OrderID,
		Amount:      money.Format(req.AmountMinor, req.Currency),
		ReturnURL:   req.ReturnURL,
		CancelURL:   req.CancelURL,
		NotifURL:    req.CallbackURL,
		Lang:        "fr",
		Reference:   req.Reference,
		Msisdn:      req.Phone,
		Email:       req.Email,
		FirstName:   req.FirstName,
		LastName:    req.LastName,
	}
	var resp orangeSessionResponse
	if err := o.call(ctx, "webpayment", token, payload, &resp); err != nil {
		return Session{}, err
	}
	if resp.PaymentURL == "" {
		msg := resp.Message
		if msg == "" {
			msg = "payment session rejected"
		}
		return Session{}, &TransportError{Provider: NameOrange, Op: "create session", Err: fmt.Errorf("%s", msg)}
	}
	return Session{
		Provider:   NameOrange,
		Reference:  req.Reference,
		PaymentURL: resp.PaymentURL,
		PayToken:   resp.PayToken,
	}, nil
}

// RequestRefund always fails: the operator exposes no refund API. Callers
// fall back to a manual back-office refund.
func (o Orange) RequestRefund(_ context.Context, _ RefundRequest) (RefundResult, error) {
	return RefundResult{}, ErrRefundUnsupported
}

// PaymentStatus polls the operator's transaction status endpoint.
func (o Orange) PaymentStatus(ctx context.Context, q StatusQuery) (Status, error) {
	if strings.TrimSpace(q.PayToken) == "" {
		return StatusUnknown, fmt.Errorf("orange status: pay token required")
	}
	token, err := o.authToken(ctx)
	if err != nil {
		return StatusUnknown, err
	}
	payload := map[string]string{
		"order_id":  q.OrderID,
		"amount":    q.Amount,
		"pay_token": q.PayToken,
	}
	var resp struct {
		Status string `json:"status"`
	}
	if err := o.call(ctx, "transactionstatus", token, payload, &resp); err != nil {
		return StatusUnknown, err
	}
	return normaliseOrangeStatus(resp.Status), nil
}

// ParseNotification decodes the operator's form-encoded callback. There is no
// signature; the intent service authenticates by matching the reference
// against the stored intent.
func (o Orange) ParseNotification(r *http.Request, body []byte) (Notification, error) {
	values, err := url.ParseQuery(string(body))
	if err != nil {
		return Notification{}, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}
	orderID := strings.TrimSpace(values.Get("order_id"))
	if orderID == "" {
		return Notification{}, fmt.Errorf("%w: missing order id", ErrMalformedPayload)
	}
	return Notification{
		Provider:      NameOrange,
		OrderID:       orderID,
		Reference:     strings.TrimSpace(values.Get("reference")),
		ProviderTxnID: strings.TrimSpace(values.Get("txnid")),
		Status:        normaliseOrangeStatus(values.Get("status")),
		RawAmount:     strings.TrimSpace(values.Get("amount")),
		FailureReason: strings.TrimSpace(values.Get("failure_reason")),
		Payload:       body,
	}, nil
}

func (o Orange) authToken(ctx context.Context) (string, error) {
	form := url.Values{"grant_type": {"client_credentials"}}
	endpoint := strings.TrimRight(o.BaseURL, "/") + "/oauth/token"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return "", fmt.Errorf("orange token: %w", err)
	}
	credentials := base64.StdEncoding.EncodeToString([]byte(o.ClientID + ":" + o.ClientSecret))
	req.Header.Set("Authorization", "Basic "+credentials)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := o.HTTP.Do(ctx, req)
	if err != nil {
		return "", &TransportError{Provider: NameOrange, Op: "oauth/token", Err: err}
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode >= 400 {
		return "", &TransportError{Provider: NameOrange, Op: "oauth/token", Err: fmt.Errorf("unexpected status %d", resp.StatusCode)}
	}
	var payload struct {
		AccessToken string `json:"access_token"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return "", &TransportError{Provider: NameOrange, Op: "oauth/token", Err: err}
	}
	if payload.AccessToken == "" {
		return "", &TransportError{Provider: NameOrange, Op: "oauth/token", Err: fmt.Errorf("empty access token")}
	}
	return payload.AccessToken, nil
}

func (o Orange) call(ctx context.Context, path, token string, payload, out any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("orange %s: %w", path, err)
	}
	endpoint := strings.TrimRight(o.BaseURL, "/") + "/" + path
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("orange %s: %w", path, err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := o.HTTP.Do(ctx, req)
	if err != nil {
		return &TransportError{Provider: NameOrange, Op: path, Err: err}
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode >= 400 {
		return &TransportError{Provider: NameOrange, Op: path, Err: fmt.Errorf("unexpected status %d", resp.StatusCode)}
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return &TransportError{Provider: NameOrange, Op: path, Err: err}
	}
	return nil
}

func normaliseOrangeStatus(status string) Status {
	switch strings.ToLower(strings.TrimSpace(status)) {
	case "success", "completed":
		return StatusSuccess
	case "failed", "cancelled", "expired":
		return StatusFailed
	case "pending", "initiated":
		return StatusPending
	default:
		return StatusUnknown
	}
}

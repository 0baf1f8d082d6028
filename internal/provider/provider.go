package provider

import (
	"context"
	"errors"
	"fmt"
	"net/http"
)

// Status is a provider payment state normalised across integrations.
type Status string

const (
	StatusSuccess Status = "SUCCESS"
	StatusFailed  Status = "FAILED"
	StatusPending Status = "PENDING"
	StatusUnknown Status = "UNKNOWN"
)

var (
	// ErrInvalidSignature is returned when a webhook fails authenticity checks.
	ErrInvalidSignature = errors.New("provider: invalid webhook signature")
	// ErrRefundUnsupported is returned by providers without a refund API.
	ErrRefundUnsupported = errors.New("provider: refunds not supported")
	// ErrMalformedPayload is returned when a notification cannot be decoded.
	ErrMalformedPayload = errors.New("provider: malformed notification payload")
)

// TransportError wraps upstream HTTP or decoding failures so handlers can map
// them to 502 instead of 500.
type TransportError struct {
	Provider string
	Op       string
	Err      error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Provider, e.Op, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// SessionRequest carries everything needed to open a hosted payment session.
type SessionRequest struct {
	OrderID     string
	Reference   string
	AmountMinor int64
	Currency    string
	Phone       string
	Email       string
	FirstName   string
	LastName    string
	Description string
	ReturnURL   string
	CancelURL   string
	CallbackURL string
}

// Session is the hosted session a shopper is redirected to.
type Session struct {
	Provider      string
	Reference     string
	PaymentURL    string
	PayToken      string
	ProviderTxnID string
}

// RefundRequest targets a completed provider transaction.
type RefundRequest struct {
	ProviderTxnID string
	AmountMinor   int64
	Currency      string
	Reason        string
}

// RefundResult carries the provider-side refund identifier.
type RefundResult struct {
	RefundID string
}

// StatusQuery identifies a payment for polling. Wallet providers key on the
// transaction id; the telco operator keys on order id, amount and pay token.
type StatusQuery struct {
	ProviderTxnID string
	OrderID       string
	Amount        string
	PayToken      string
}

// Notification is the normalised content of an inbound webhook. RawAmount is
// kept as the provider sent it; the caller parses it against the intent's
// currency.
type Notification struct {
	Provider      string
	OrderID       string
	Reference     string
	ProviderTxnID string
	Status        Status
	RawAmount     string
	FailureReason string
	Payload       []byte
}

// Provider abstracts one payment integration as a strategy object. All
// implementations verify TLS in sandbox and live mode alike; sandbox only
// swaps the base URL.
type Provider interface {
	Name() string
	CreateSession(ctx context.Context, req SessionRequest) (Session, error)
	RequestRefund(ctx context.Context, req RefundRequest) (RefundResult, error)
	PaymentStatus(ctx context.Context, q StatusQuery) (Status, error)
	ParseNotification(r *http.Request, body []byte) (Notification, error)
}

// Registry resolves providers by route name.
type Registry map[string]Provider

// Lookup returns the provider for the given name.
func (r Registry) Lookup(name string) (Provider, bool) {
	p, ok := r[name]
	return p, ok
}

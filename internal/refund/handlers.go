package refund

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"github.com/massamba-mbaye/mobile-money-gateway/internal/common"
	"github.com/massamba-mbaye/mobile-money-gateway/internal/intent"
	"github.com/massamba-mbaye/mobile-money-gateway/internal/money"
	"github.com/massamba-mbaye/mobile-money-gateway/internal/order"
	"github.com/massamba-mbaye/mobile-money-gateway/internal/provider"
)

// Input is the operator-facing refund request body. Amount is a decimal
// string in major units; empty means full refund.
type Input struct {
	Amount string `json:"amount" validate:"omitempty"`
	Reason string `json:"reason" validate:"omitempty,max=500"`
}

// Handler exposes the operator refund endpoint.
type Handler struct {
	Coordinator *Coordinator
	Validate    *validator.Validate
}

// Refund handles POST /api/v1/payments/{orderId}/refund.
func (h *Handler) Refund(w http.ResponseWriter, r *http.Request) {
	orderID, err := uuid.Parse(chi.URLParam(r, "orderId"))
	if err != nil {
		common.JSONError(w, http.StatusBadRequest, "BAD_REQUEST", "invalid order id", nil)
		return
	}

	var payload Input
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil && !errors.Is(err, io.EOF) {
		common.JSONError(w, http.StatusBadRequest, "BAD_REQUEST", "invalid payload", nil)
		return
	}
	if h.Validate != nil {
		if err := h.Validate.Struct(payload); err != nil {
			common.JSONError(w, http.StatusUnprocessableEntity, "VALIDATION", "invalid refund request", err.Error())
			return
		}
	}

	var amountMinor *int64
	if payload.Amount != "" {
		o, err := h.lookupOrder(r.Context(), orderID)
		if err != nil {
			h.writeError(w, err)
			return
		}
		parsed, err := money.Parse(payload.Amount, o.Currency)
		if err != nil {
			common.JSONError(w, http.StatusUnprocessableEntity, "VALIDATION", "unparseable amount", nil)
			return
		}
		amountMinor = &parsed
	}

	res, err := h.Coordinator.Refund(r.Context(), orderID, amountMinor, payload.Reason)
	if err != nil {
		h.writeError(w, err)
		return
	}

	status := http.StatusOK
	if res.Outcome == OutcomeManualRequired {
		status = http.StatusAccepted
	}
	common.JSON(w, status, map[string]any{"data": map[string]any{
		"outcome":  res.Outcome,
		"refundId": res.RefundID,
		"amount":   money.Format(res.AmountMinor, res.Currency),
		"currency": res.Currency,
	}})
}

func (h *Handler) lookupOrder(ctx context.Context, orderID uuid.UUID) (order.Order, error) {
	var o order.Order
	err := h.Coordinator.UoW.Do(ctx, func(ctx context.Context, _ intent.Store, orders order.Gateway) error {
		var err error
		o, err = orders.Get(ctx, orderID)
		return err
	})
	return o, err
}

func (h *Handler) writeError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, order.ErrNotFound):
		common.JSONError(w, http.StatusNotFound, "NOT_FOUND", "order not found", nil)
	case errors.Is(err, ErrNoTransaction):
		common.JSONError(w, http.StatusConflict, "NO_TRANSACTION", "no completed payment to refund", nil)
	case errors.Is(err, ErrInvalidAmount):
		common.JSONError(w, http.StatusUnprocessableEntity, "VALIDATION", "refund amount out of range", nil)
	default:
		var te *provider.TransportError
		if errors.As(err, &te) {
			common.JSONError(w, http.StatusBadGateway, "PROVIDER_UNAVAILABLE", "provider request failed", nil)
			return
		}
		common.JSONError(w, http.StatusInternalServerError, "INTERNAL", "refund failed", nil)
	}
}

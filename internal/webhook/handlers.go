package webhook

import (
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"github.com/massamba-mbaye/mobile-money-gateway/internal/common"
	"github.com/massamba-mbaye/mobile-money-gateway/internal/intent"
	"github.com/massamba-mbaye/mobile-money-gateway/internal/provider"
)

const maxBodyBytes = 1 << 20

// Handler terminates provider webhooks. The response contract is the one
// providers retry against: plain-text "OK" with 200 for everything that was
// received and understood (including no-ops), 400 with a short reason when
// the provider should correct and resend.
type Handler struct {
	Providers provider.Registry
	Intents   *intent.Service
	Replay    ReplayStore
	Logger    zerolog.Logger
}

// Receive handles POST /webhooks/payment/{provider}.
func (h *Handler) Receive(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "provider")
	p, ok := h.Providers.Lookup(name)
	if !ok {
		plainText(w, http.StatusNotFound, "unknown provider")
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		plainText(w, http.StatusBadRequest, "unreadable body")
		return
	}

	ctx := r.Context()
	n, err := p.ParseNotification(r, body)
	if err != nil {
		switch {
		case errors.Is(err, provider.ErrInvalidSignature):
			plainText(w, http.StatusBadRequest, "invalid signature")
		case errors.Is(err, provider.ErrMalformedPayload):
			plainText(w, http.StatusBadRequest, "malformed payload")
		default:
			plainText(w, http.StatusBadRequest, "rejected")
		}
		return
	}

	// The replay check runs only after the notification verified, otherwise
	// a forged body would consume the key and swallow the genuine delivery.
	var replayKey string
	if h.Replay != nil {
		replayKey = fmt.Sprintf("wh:%s:%s", name, common.Sha256Hex(body))
		first, err := h.Replay.FirstDelivery(ctx, replayKey)
		if err != nil {
			// replay guard outage falls through: the service's own
			// idempotency still holds
			h.Logger.Warn().Err(err).Str("provider", name).Msg("replay_guard_unavailable")
			replayKey = ""
		} else if !first {
			h.Logger.Info().Str("provider", name).Msg("webhook_replayed")
			plainText(w, http.StatusOK, "OK")
			return
		}
	}

	if _, err := h.Intents.HandleNotification(ctx, n); err != nil {
		// A rejected or failed delivery must stay retriable by the provider.
		if replayKey != "" {
			if derr := h.Replay.Forget(ctx, replayKey); derr != nil {
				h.Logger.Warn().Err(derr).Str("provider", name).Msg("replay_guard_release_failed")
			}
		}
		switch {
		case errors.Is(err, intent.ErrAmountMismatch):
			plainText(w, http.StatusBadRequest, "amount mismatch")
		case errors.Is(err, intent.ErrReferenceMismatch):
			plainText(w, http.StatusBadRequest, "reference mismatch")
		case errors.Is(err, intent.ErrStateConflict):
			plainText(w, http.StatusBadRequest, "conflicting event")
		case errors.Is(err, intent.ErrNotFound):
			plainText(w, http.StatusBadRequest, "unknown order")
		default:
			h.Logger.Error().Err(err).Str("provider", name).Msg("webhook_processing_failed")
			plainText(w, http.StatusInternalServerError, "processing error")
		}
		return
	}

	plainText(w, http.StatusOK, "OK")
}

func plainText(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(status)
	_, _ = w.Write([]byte(msg))
}

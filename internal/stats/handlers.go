package stats

import (
	"net/http"
	"time"

	"github.com/massamba-mbaye/mobile-money-gateway/internal/common"
)

// Handler exposes payment statistics read endpoints.
type Handler struct {
	Svc *Service
}

func (h *Handler) rangeFromQuery(r *http.Request) (time.Time, time.Time, bool) {
	query := r.URL.Query()
	fromStr := query.Get("from")
	toStr := query.Get("to")
	now := h.Svc.now()
	if fromStr != "" && toStr != "" {
		from, err := time.Parse(time.RFC3339, fromStr)
		if err != nil {
			return time.Time{}, time.Time{}, false
		}
		to, err := time.Parse(time.RFC3339, toStr)
		if err != nil {
			return time.Time{}, time.Time{}, false
		}
		return from, to, from.Before(to)
	}
	days := h.Svc.DefaultRange
	if days <= 0 {
		days = 30
	}
	if raw := query.Get("days"); raw != "" {
		parsed := common.AtoiDefault(raw, days)
		if parsed > 0 {
			days = parsed
		}
	}
	return now.AddDate(0, 0, -days), now, true
}

// Providers returns per-provider payment aggregates for the requested range.
func (h *Handler) Providers(w http.ResponseWriter, r *http.Request) {
	if h.Svc == nil {
		common.JSONError(w, http.StatusInternalServerError, "STATS_NOT_CONFIGURED", "stats service not configured", nil)
		return
	}
	from, to, ok := h.rangeFromQuery(r)
	if !ok {
		common.JSONError(w, http.StatusBadRequest, "BAD_REQUEST", "invalid date range", nil)
		return
	}
	rows, err := h.Svc.ProviderSummary(r.Context(), from, to)
	if err != nil {
		common.JSONError(w, http.StatusInternalServerError, "STATS_ERROR", err.Error(), nil)
		return
	}
	common.JSON(w, http.StatusOK, map[string]any{"data": rows})
}

// Daily returns completed payment volume per day for the requested range.
func (h *Handler) Daily(w http.ResponseWriter, r *http.Request) {
	if h.Svc == nil {
		common.JSONError(w, http.StatusInternalServerError, "STATS_NOT_CONFIGURED", "stats service not configured", nil)
		return
	}
	from, to, ok := h.rangeFromQuery(r)
	if !ok {
		common.JSONError(w, http.StatusBadRequest, "BAD_REQUEST", "invalid date range", nil)
		return
	}
	rows, err := h.Svc.DailyVolume(r.Context(), from, to)
	if err != nil {
		common.JSONError(w, http.StatusInternalServerError, "STATS_ERROR", err.Error(), nil)
		return
	}
	common.JSON(w, http.StatusOK, map[string]any{"data": rows})
}

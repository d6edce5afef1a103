package handlers

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/vanhh59/vpack-ecomerce/internal/platform/auth"
	"github.com/vanhh59/vpack-ecomerce/internal/platform/httpx"
	"github.com/vanhh59/vpack-ecomerce/internal/platform/observability"
	"github.com/vanhh59/vpack-ecomerce/internal/services"
)

// InternalHandlers exposes maintenance endpoints invoked by Cloud Scheduler.
type InternalHandlers struct {
	sweeper services.PaymentSweeper
}

// NewInternalHandlers constructs internal handlers.
func NewInternalHandlers(sweeper services.PaymentSweeper) *InternalHandlers {
	return &InternalHandlers{sweeper: sweeper}
}

// Routes registers the /internal endpoints.
func (h *InternalHandlers) Routes(r chi.Router) {
	if r == nil {
		return
	}
	r.Post("/payments/sweep", h.sweepPayments)
}

type sweepResponse struct {
	Checked int `json:"checked"`
	Paid    int `json:"paid"`
	Failed  int `json:"failed"`
}

func (h *InternalHandlers) sweepPayments(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.sweeper == nil {
		httpx.WriteError(ctx, w, httpx.NewError("sweeper_unavailable", "payment sweeper not configured", http.StatusServiceUnavailable))
		return
	}

	limit := 0
	if raw := strings.TrimSpace(r.URL.Query().Get("limit")); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 {
			httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "limit must be a positive integer", http.StatusBadRequest))
			return
		}
		limit = parsed
	}

	caller := "unknown"
	if svc, ok := auth.ServiceIdentityFromContext(ctx); ok && svc != nil {
		caller = firstNonEmpty(svc.Email, svc.Subject, caller)
	}

	result, err := h.sweeper.Sweep(ctx, limit)
	if err != nil {
		observability.FromContext(ctx).Error("payment sweep failed",
			zap.String("caller", caller),
			zap.Int("checked", result.Checked),
			zap.Error(err),
		)
		writeOrderError(ctx, w, err, map[string]any{
			"checked": result.Checked,
			"paid":    result.Paid,
			"failed":  result.Failed,
		})
		return
	}
	httpx.WriteJSON(w, http.StatusOK, sweepResponse{Checked: result.Checked, Paid: result.Paid, Failed: result.Failed})
}

package handlers

import (
	"errors"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/vanhh59/vpack-ecomerce/internal/payments"
	"github.com/vanhh59/vpack-ecomerce/internal/platform/auth"
	"github.com/vanhh59/vpack-ecomerce/internal/platform/httpx"
	"github.com/vanhh59/vpack-ecomerce/internal/platform/observability"
	"github.com/vanhh59/vpack-ecomerce/internal/services"
)

const maxWebhookBodySize = 256 * 1024

// WebhookVerifier authenticates provider notifications.
type WebhookVerifier interface {
	VerifyWebhook(provider string, payload []byte, header http.Header) (payments.WebhookEvent, error)
}

// WebhookHandlers receives payment provider and fulfilment callbacks.
type WebhookHandlers struct {
	verifier    WebhookVerifier
	reconciler  services.OrderReconciler
	fulfillment func(http.Handler) http.Handler
	providerMW  []func(http.Handler) http.Handler
}

// WebhookOption customises WebhookHandlers.
type WebhookOption func(*WebhookHandlers)

// WithFulfillmentAuth guards the fulfilment callback, normally with RequireHMAC.
func WithFulfillmentAuth(mw func(http.Handler) http.Handler) WebhookOption {
	return func(h *WebhookHandlers) {
		h.fulfillment = mw
	}
}

// WithProviderMiddlewares applies middleware, such as RateLimitByIP, to the
// payment provider callbacks only.
func WithProviderMiddlewares(mw ...func(http.Handler) http.Handler) WebhookOption {
	return func(h *WebhookHandlers) {
		h.providerMW = append(h.providerMW, mw...)
	}
}

// NewWebhookHandlers constructs webhook handlers.
func NewWebhookHandlers(verifier WebhookVerifier, reconciler services.OrderReconciler, opts ...WebhookOption) *WebhookHandlers {
	h := &WebhookHandlers{verifier: verifier, reconciler: reconciler}
	for _, opt := range opts {
		if opt != nil {
			opt(h)
		}
	}
	return h
}

// Routes registers the /webhooks endpoints.
func (h *WebhookHandlers) Routes(r chi.Router) {
	if r == nil {
		return
	}
	r.Group(func(pr chi.Router) {
		for _, mw := range h.providerMW {
			if mw != nil {
				pr.Use(mw)
			}
		}
		pr.Post("/payments/{provider}", h.paymentNotification)
	})

	deliver := r
	if h.fulfillment != nil {
		deliver = r.With(h.fulfillment)
	}
	deliver.Post("/fulfillment/orders/{orderID}/delivered", h.fulfillmentDelivered)
}

type webhookAck struct {
	Success bool   `json:"success"`
	Applied bool   `json:"applied"`
	OrderID string `json:"orderId,omitempty"`
	Reason  string `json:"reason,omitempty"`
}

func (h *WebhookHandlers) paymentNotification(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.verifier == nil || h.reconciler == nil {
		httpx.WriteError(ctx, w, httpx.NewError("webhooks_unavailable", "payment webhooks are not configured", http.StatusServiceUnavailable))
		return
	}
	provider := strings.ToLower(strings.TrimSpace(chi.URLParam(r, "provider")))
	logger := observability.FromContext(ctx).With(zap.String("provider", provider))

	body, err := readLimitedBody(r, maxWebhookBodySize)
	switch {
	case errors.Is(err, errBodyTooLarge):
		httpx.WriteError(ctx, w, httpx.NewError("payload_too_large", "webhook body exceeds allowed size", http.StatusRequestEntityTooLarge))
		return
	case err != nil:
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "webhook body is required", http.StatusBadRequest))
		return
	}

	event, err := h.verifier.VerifyWebhook(provider, body, r.Header)
	if err != nil {
		switch {
		case errors.Is(err, payments.ErrUnsupportedProvider):
			httpx.WriteError(ctx, w, httpx.NewError("unknown_provider", "provider does not accept webhooks", http.StatusNotFound))
		case errors.Is(err, payments.ErrInvalidSignature):
			logger.Warn("webhook signature rejected", zap.Error(err))
			httpx.WriteError(ctx, w, httpx.NewError("invalid_signature", "webhook signature invalid", http.StatusUnauthorized))
		default:
			logger.Warn("webhook payload rejected", zap.Error(err))
			httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "webhook payload invalid", http.StatusBadRequest))
		}
		return
	}

	if !event.Paid {
		// Providers sign every event type; only payments are reconciled.
		logger.Debug("webhook event without payment ignored", zap.String("reference", event.Reference))
		httpx.WriteJSON(w, http.StatusOK, webhookAck{Success: true, Reason: "ignored"})
		return
	}

	order, applied, err := h.reconciler.ApplyPaymentEvent(ctx, services.PaymentEventCommand{
		Provider:  event.Provider,
		OrderCode: event.OrderCode,
		Paid:      event.Paid,
		Amount:    event.Amount,
		Reference: firstNonEmpty(event.Reference, event.PaymentLinkID),
	})
	switch {
	case err == nil:
		httpx.WriteJSON(w, http.StatusOK, webhookAck{Success: true, Applied: applied, OrderID: order.ID})
	case errors.Is(err, services.ErrOrderNotFound):
		// Providers send probe notifications for codes that were never issued.
		logger.Info("webhook for unknown order code", zap.Int64("orderCode", event.OrderCode))
		httpx.WriteJSON(w, http.StatusOK, webhookAck{Success: true, Reason: "order_not_found"})
	case errors.Is(err, services.ErrOrderInvalidState):
		logger.Warn("webhook not applied", zap.Int64("orderCode", event.OrderCode), zap.Error(err))
		httpx.WriteJSON(w, http.StatusOK, webhookAck{Success: true, Reason: "order_invalid_state"})
	default:
		logger.Error("webhook reconciliation failed", zap.Int64("orderCode", event.OrderCode), zap.Error(err))
		writeOrderError(ctx, w, err, nil)
	}
}

func (h *WebhookHandlers) fulfillmentDelivered(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.reconciler == nil {
		writeServiceUnavailable(ctx, w)
		return
	}
	actor := "fulfillment"
	if meta, ok := auth.HMACMetadataFromContext(ctx); ok && meta != nil && meta.SecretName != "" {
		actor = meta.SecretName
	}
	order, err := h.reconciler.MarkDelivered(ctx, services.ReconcileCommand{
		OrderID: chi.URLParam(r, "orderID"),
		Source:  services.SourceFulfillment,
		ActorID: actor,
	})
	if err != nil {
		writeOrderError(ctx, w, err, nil)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, webhookAck{Success: true, Applied: true, OrderID: order.ID})
}

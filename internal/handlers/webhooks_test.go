package handlers

import (
	"bytes"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/vanhh59/vpack-ecomerce/internal/payments"
	"github.com/vanhh59/vpack-ecomerce/internal/platform/auth"
	"github.com/vanhh59/vpack-ecomerce/internal/services"
)

type stubWebhookVerifier struct {
	event     payments.WebhookEvent
	err       error
	providers []string
	headers   []http.Header
}

func (s *stubWebhookVerifier) VerifyWebhook(provider string, _ []byte, header http.Header) (payments.WebhookEvent, error) {
	s.providers = append(s.providers, provider)
	s.headers = append(s.headers, header)
	if s.err != nil {
		return payments.WebhookEvent{}, s.err
	}
	event := s.event
	event.Provider = provider
	return event, nil
}

func newWebhookRouter(h *WebhookHandlers) chi.Router {
	router := chi.NewRouter()
	router.Route("/webhooks", h.Routes)
	return router
}

func webhookRequest(path, body string) *http.Request {
	req := httptest.NewRequest(http.MethodPost, path, bytes.NewBufferString(body))
	req.Header.Set("Content-Type", "application/json")
	return req
}

func TestWebhookHandlersPaymentApplied(t *testing.T) {
	verifier := &stubWebhookVerifier{event: payments.WebhookEvent{OrderCode: 4242, Paid: true, Amount: 198000, Reference: "FT123"}}
	reconciler := &stubReconciler{applied: true}
	router := newWebhookRouter(NewWebhookHandlers(verifier, reconciler))

	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, webhookRequest("/webhooks/payments/PayOS", `{"code":"00","data":{"orderCode":4242}}`))

	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rr.Code, rr.Body.String())
	}
	if len(verifier.providers) != 1 || verifier.providers[0] != "payos" {
		t.Fatalf("expected lowercased provider, got %v", verifier.providers)
	}
	if len(reconciler.events) != 1 {
		t.Fatalf("expected one payment event")
	}
	event := reconciler.events[0]
	if event.OrderCode != 4242 || !event.Paid || event.Amount != 198000 || event.Reference != "FT123" {
		t.Fatalf("unexpected event: %+v", event)
	}
	if rr.Body.String() != "{\"success\":true,\"applied\":true,\"orderId\":\"ord_1\"}\n" {
		t.Fatalf("unexpected ack: %s", rr.Body.String())
	}
}

func TestWebhookHandlersStripeSignatureHeaderForwarded(t *testing.T) {
	verifier := &stubWebhookVerifier{event: payments.WebhookEvent{OrderCode: 7, PaymentLinkID: "cs_test_1", Paid: true}}
	reconciler := &stubReconciler{applied: true}
	router := newWebhookRouter(NewWebhookHandlers(verifier, reconciler))

	req := webhookRequest("/webhooks/payments/stripe", `{"type":"checkout.session.completed"}`)
	req.Header.Set("Stripe-Signature", "t=1,v1=abc")
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	if verifier.headers[0].Get("Stripe-Signature") != "t=1,v1=abc" {
		t.Fatalf("expected signature header passed to verifier")
	}
	if reconciler.events[0].Reference != "cs_test_1" {
		t.Fatalf("expected link id used as reference, got %q", reconciler.events[0].Reference)
	}
}

func TestWebhookHandlersIgnoresEventsWithoutPayment(t *testing.T) {
	verifier := &stubWebhookVerifier{event: payments.WebhookEvent{Reference: "evt_customer_updated"}}
	reconciler := &stubReconciler{}
	router := newWebhookRouter(NewWebhookHandlers(verifier, reconciler))

	req := webhookRequest("/webhooks/payments/stripe", `{"type":"customer.updated"}`)
	req.Header.Set("Stripe-Signature", "t=1,v1=abc")
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rr.Code, rr.Body.String())
	}
	if rr.Body.String() != "{\"success\":true,\"applied\":false,\"reason\":\"ignored\"}\n" {
		t.Fatalf("unexpected ack: %s", rr.Body.String())
	}
	if len(reconciler.events) != 0 {
		t.Fatalf("events without payment must not reach the reconciler")
	}
}

func TestWebhookHandlersRejections(t *testing.T) {
	cases := []struct {
		name   string
		body   string
		err    error
		status int
		code   string
	}{
		{name: "bad signature", body: `{}`, err: fmt.Errorf("%w: mismatch", payments.ErrInvalidSignature), status: http.StatusUnauthorized, code: "invalid_signature"},
		{name: "unknown provider", body: `{}`, err: payments.ErrUnsupportedProvider, status: http.StatusNotFound, code: "unknown_provider"},
		{name: "garbage", body: `{}`, err: errors.New("decode"), status: http.StatusBadRequest, code: "invalid_request"},
		{name: "empty", body: "", status: http.StatusBadRequest, code: "invalid_request"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			reconciler := &stubReconciler{}
			router := newWebhookRouter(NewWebhookHandlers(&stubWebhookVerifier{err: tc.err}, reconciler))

			rr := httptest.NewRecorder()
			router.ServeHTTP(rr, webhookRequest("/webhooks/payments/payos", tc.body))
			if rr.Code != tc.status {
				t.Fatalf("expected %d, got %d", tc.status, rr.Code)
			}
			assertCode(t, rr.Body.Bytes(), tc.code)
			if len(reconciler.events) != 0 {
				t.Fatalf("rejected webhooks must not reach the reconciler")
			}
		})
	}
}

func TestWebhookHandlersAcknowledgesUnknownOrders(t *testing.T) {
	cases := []struct {
		name   string
		err    error
		status int
	}{
		{name: "probe code", err: services.ErrOrderNotFound, status: http.StatusOK},
		{name: "underpaid", err: fmt.Errorf("%w: amount", services.ErrOrderInvalidState), status: http.StatusOK},
		{name: "storage down", err: fmt.Errorf("%w: unavailable", services.ErrPersistence), status: http.StatusInternalServerError},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			verifier := &stubWebhookVerifier{event: payments.WebhookEvent{OrderCode: 123, Paid: true}}
			router := newWebhookRouter(NewWebhookHandlers(verifier, &stubReconciler{eventErr: tc.err}))

			rr := httptest.NewRecorder()
			router.ServeHTTP(rr, webhookRequest("/webhooks/payments/payos", `{}`))
			if rr.Code != tc.status {
				t.Fatalf("expected %d, got %d", tc.status, rr.Code)
			}
		})
	}
}

func TestWebhookHandlersFulfillmentDelivered(t *testing.T) {
	reconciler := &stubReconciler{}
	guard := func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.Header.Get("X-Signature") == "" {
				w.WriteHeader(http.StatusUnauthorized)
				return
			}
			ctx := auth.WithHMACMetadata(r.Context(), &auth.HMACMetadata{SecretName: "fulfillment"})
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
	router := newWebhookRouter(NewWebhookHandlers(nil, reconciler, WithFulfillmentAuth(guard)))

	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, webhookRequest("/webhooks/fulfillment/orders/ord_1/delivered", `{}`))
	if rr.Code != http.StatusUnauthorized || len(reconciler.deliveredCmds) != 0 {
		t.Fatalf("expected unsigned callback refused, got %d", rr.Code)
	}

	req := webhookRequest("/webhooks/fulfillment/orders/ord_1/delivered", `{}`)
	req.Header.Set("X-Signature", "sig")
	rr = httptest.NewRecorder()
	router.ServeHTTP(rr, req)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rr.Code, rr.Body.String())
	}
	cmd := reconciler.deliveredCmds[0]
	if cmd.OrderID != "ord_1" || cmd.Source != services.SourceFulfillment || cmd.ActorID != "fulfillment" {
		t.Fatalf("unexpected command: %+v", cmd)
	}
}

func TestWebhookHandlersProviderRateLimit(t *testing.T) {
	now := time.Date(2025, 3, 14, 10, 0, 0, 0, time.UTC)
	verifier := &stubWebhookVerifier{event: payments.WebhookEvent{OrderCode: 1, Paid: true}}
	limit := RateLimitByIP(2, time.Minute, func() time.Time { return now })
	router := newWebhookRouter(NewWebhookHandlers(verifier, &stubReconciler{applied: true}, WithProviderMiddlewares(limit)))

	codes := make([]int, 0, 3)
	for i := 0; i < 3; i++ {
		req := webhookRequest("/webhooks/payments/payos", `{}`)
		req.RemoteAddr = "203.0.113.9:4000"
		rr := httptest.NewRecorder()
		router.ServeHTTP(rr, req)
		codes = append(codes, rr.Code)
		if i == 2 && rr.Header().Get("Retry-After") != "60" {
			t.Fatalf("expected Retry-After 60, got %q", rr.Header().Get("Retry-After"))
		}
	}
	if codes[0] != http.StatusOK || codes[1] != http.StatusOK || codes[2] != http.StatusTooManyRequests {
		t.Fatalf("unexpected status sequence: %v", codes)
	}
	if len(verifier.providers) != 2 {
		t.Fatalf("limited request must not be verified")
	}
}

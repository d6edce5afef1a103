package handlers

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/vanhh59/vpack-ecomerce/internal/domain"
	"github.com/vanhh59/vpack-ecomerce/internal/platform/auth"
	"github.com/vanhh59/vpack-ecomerce/internal/services"
)

func TestNewRouter_DefaultMounts(t *testing.T) {
	now := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	health := NewHealthHandlers(
		WithHealthSystemService(&stubSystemService{report: services.SystemHealthReport{
			Status:      domain.HealthStatusOK,
			GeneratedAt: now,
			Checks: map[string]domain.SystemHealthCheck{
				"firestore": {Status: domain.HealthStatusOK},
			},
		}}),
		WithHealthClock(func() time.Time { return now }),
	)
	router := NewRouter(WithHealthHandlers(health))

	cases := []struct {
		name   string
		method string
		path   string
		status int
		code   string
	}{
		{name: "healthz", method: http.MethodGet, path: "/healthz", status: http.StatusOK},
		{name: "readyz", method: http.MethodGet, path: "/readyz", status: http.StatusOK},
		{name: "orders not wired", method: http.MethodGet, path: "/api/v1/orders", status: http.StatusNotImplemented, code: "not_implemented"},
		{name: "webhooks not wired", method: http.MethodPost, path: "/api/v1/webhooks/payments/payos", status: http.StatusNotImplemented, code: "not_implemented"},
		{name: "unknown route", method: http.MethodGet, path: "/api/v1/carts", status: http.StatusNotFound, code: errorNotFoundCode},
		{name: "no metrics by default", method: http.MethodGet, path: "/metrics", status: http.StatusNotFound, code: errorNotFoundCode},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rr := httptest.NewRecorder()
			router.ServeHTTP(rr, httptest.NewRequest(tc.method, tc.path, nil))
			if rr.Code != tc.status {
				t.Fatalf("expected %d, got %d", tc.status, rr.Code)
			}
			if ct := rr.Header().Get("Content-Type"); ct != "application/json" {
				t.Fatalf("expected json content type, got %q", ct)
			}
			if tc.code != "" {
				assertCode(t, rr.Body.Bytes(), tc.code)
			}
		})
	}
}

func TestNewRouter_MountsRegistrars(t *testing.T) {
	service := &stubOrderService{count: 7}
	orders := NewOrderHandlers(nil, service, nil)
	internalHit := false
	metrics := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	identity := func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			next.ServeHTTP(w, r.WithContext(auth.WithIdentity(r.Context(), staffMember("s1"))))
		})
	}
	blockInternal := func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.Header.Get("Authorization") == "" {
				w.WriteHeader(http.StatusUnauthorized)
				return
			}
			next.ServeHTTP(w, r)
		})
	}

	router := NewRouter(
		WithBasePath("/api/v2"),
		WithMiddlewares(identity),
		WithMetricsHandler("/internal-metrics", metrics),
		WithOrderRoutes(orders.Routes),
		WithInternalMiddlewares(blockInternal),
		WithInternalRoutes(func(r chi.Router) {
			r.Post("/ping", func(w http.ResponseWriter, _ *http.Request) {
				internalHit = true
				w.WriteHeader(http.StatusNoContent)
			})
		}),
	)

	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/api/v2/orders/total-orders", nil))
	if rr.Code != http.StatusOK || rr.Body.String() != "{\"totalOrders\":7}\n" {
		t.Fatalf("unexpected orders response %d %s", rr.Code, rr.Body.String())
	}

	rr = httptest.NewRecorder()
	router.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/internal-metrics", nil))
	if rr.Code != http.StatusOK {
		t.Fatalf("expected metrics handler, got %d", rr.Code)
	}

	rr = httptest.NewRecorder()
	router.ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/api/v2/internal/ping", nil))
	if rr.Code != http.StatusUnauthorized || internalHit {
		t.Fatalf("expected internal middleware to block, got %d", rr.Code)
	}

	req := httptest.NewRequest(http.MethodPost, "/api/v2/internal/ping", nil)
	req.Header.Set("Authorization", "Bearer token")
	rr = httptest.NewRecorder()
	router.ServeHTTP(rr, req)
	if rr.Code != http.StatusNoContent || !internalHit {
		t.Fatalf("expected internal route reached, got %d", rr.Code)
	}
}

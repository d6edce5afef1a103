package observability

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"go.opentelemetry.io/otel/trace"

	"github.com/vanhh59/vpack-ecomerce/internal/platform/requestctx"
)

func TestParseCloudTraceContext(t *testing.T) {
	spanCtx, ok := parseCloudTraceContext("105445aa7843bc8bf206b12000100000/1;o=1")
	if !ok {
		t.Fatal("expected header to parse")
	}
	if spanCtx.TraceID().String() != "105445aa7843bc8bf206b12000100000" {
		t.Fatalf("unexpected trace id %s", spanCtx.TraceID())
	}
	if spanCtx.SpanID().String() != "0000000000000001" {
		t.Fatalf("unexpected span id %s", spanCtx.SpanID())
	}
	if !spanCtx.IsSampled() || !spanCtx.IsRemote() {
		t.Fatalf("expected sampled remote span context")
	}
}

func TestParseCloudTraceContextRejectsGarbage(t *testing.T) {
	for _, header := range []string{"", "abc", "zz/1", "105445aa7843bc8bf206b12000100000/notanumber", "105445aa7843bc8bf206b12000100000/0"} {
		if _, ok := parseCloudTraceContext(header); ok {
			t.Fatalf("expected %q to be rejected", header)
		}
	}
}

func TestFormatCloudTraceHeader(t *testing.T) {
	got := formatCloudTraceHeader(requestctx.TraceInfo{
		TraceID: "105445aa7843bc8bf206b12000100000",
		SpanID:  "00000000000000ff",
		Sampled: true,
	})
	if got != "105445aa7843bc8bf206b12000100000/255;o=1" {
		t.Fatalf("unexpected header %q", got)
	}
}

func TestTraceMiddlewareStoresTraceInfo(t *testing.T) {
	var captured requestctx.TraceInfo
	handler := TraceMiddleware("shop-dev")(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		captured, _ = requestctx.Trace(r.Context())
		if trace.SpanFromContext(r.Context()) == nil {
			t.Fatal("expected span on context")
		}
	}))

	req := httptest.NewRequest(http.MethodGet, "/api/v1/orders", nil)
	handler.ServeHTTP(httptest.NewRecorder(), req)

	if captured.ProjectID != "shop-dev" {
		t.Fatalf("expected project id on trace info, got %+v", captured)
	}
}

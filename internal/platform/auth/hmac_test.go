package auth

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"
)

const fulfillmentSecret = "fulfillment"

type signedRequest struct {
	body      []byte
	timestamp string
	nonce     string
	secret    string
	encode    func([]byte) string
}

func (s signedRequest) build() *http.Request {
	req := httptest.NewRequest(http.MethodPost, "/webhooks/fulfillment/orders/ord_1/delivered", bytes.NewReader(s.body))
	sig := computeHMAC([]byte(s.secret), canonicalRequest(req, s.body, s.timestamp, s.nonce))
	encode := s.encode
	if encode == nil {
		encode = hex.EncodeToString
	}
	req.Header.Set(defaultSignatureHeader, encode(sig))
	req.Header.Set(defaultTimestampHeader, s.timestamp)
	req.Header.Set(defaultNonceHeader, s.nonce)
	return req
}

func newTestHMACValidator(now time.Time, metrics MetricsRecorder) *HMACValidator {
	return NewHMACValidator(StaticSecrets{fulfillmentSecret: "shared-secret"}, NewInMemoryNonceStore(),
		WithHMACLogger(noopLogger{}),
		WithHMACClock(func() time.Time { return now }),
		WithHMACMetrics(metrics),
	)
}

func TestRequireHMAC_AcceptsSignedRequest(t *testing.T) {
	now := time.Now().UTC().Truncate(time.Second)
	metrics := &recordingMetrics{}
	validator := newTestHMACValidator(now, metrics)

	for name, encode := range map[string]func([]byte) string{
		"hex":    hex.EncodeToString,
		"base64": base64.StdEncoding.EncodeToString,
	} {
		t.Run(name, func(t *testing.T) {
			req := signedRequest{
				body:      []byte(`{"deliveredAt":"2026-01-02T03:04:05Z"}`),
				timestamp: now.Format(time.RFC3339),
				nonce:     "nonce-" + name,
				secret:    "shared-secret",
				encode:    encode,
			}.build()

			rr := httptest.NewRecorder()
			validator.RequireHMAC(fulfillmentSecret)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				meta, ok := HMACMetadataFromContext(r.Context())
				if !ok || meta.SecretName != fulfillmentSecret {
					t.Fatalf("expected metadata, got %+v", meta)
				}
				w.WriteHeader(http.StatusAccepted)
			})).ServeHTTP(rr, req)

			if rr.Code != http.StatusAccepted {
				t.Fatalf("expected 202, got %d: %s", rr.Code, rr.Body.String())
			}
		})
	}

	metrics.mu.Lock()
	defer metrics.mu.Unlock()
	for _, rec := range metrics.records {
		if rec.kind != "hmac" || !rec.success {
			t.Fatalf("unexpected metric record %+v", rec)
		}
	}
}

func TestRequireHMAC_ReplayRejected(t *testing.T) {
	now := time.Now().UTC().Truncate(time.Second)
	validator := newTestHMACValidator(now, nil)
	signed := signedRequest{
		body:      []byte(`{}`),
		timestamp: strconv.FormatInt(now.Unix(), 10),
		nonce:     "once",
		secret:    "shared-secret",
	}
	handler := validator.RequireHMAC(fulfillmentSecret)(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	first := httptest.NewRecorder()
	handler.ServeHTTP(first, signed.build())
	if first.Code != http.StatusOK {
		t.Fatalf("expected first request to pass, got %d", first.Code)
	}

	second := httptest.NewRecorder()
	handler.ServeHTTP(second, signed.build())
	if second.Code != http.StatusUnauthorized {
		t.Fatalf("expected replay to be rejected, got %d", second.Code)
	}
}

func TestRequireHMAC_Rejections(t *testing.T) {
	now := time.Now().UTC().Truncate(time.Second)

	cases := []struct {
		name   string
		req    func() *http.Request
		status int
		reason string
	}{
		{
			name: "wrong secret",
			req: func() *http.Request {
				return signedRequest{body: []byte(`{}`), timestamp: now.Format(time.RFC3339), nonce: "n1", secret: "other"}.build()
			},
			status: http.StatusUnauthorized,
			reason: "signature_mismatch",
		},
		{
			name: "stale timestamp",
			req: func() *http.Request {
				return signedRequest{body: []byte(`{}`), timestamp: now.Add(-time.Hour).Format(time.RFC3339), nonce: "n2", secret: "shared-secret"}.build()
			},
			status: http.StatusUnauthorized,
			reason: "timestamp_skew",
		},
		{
			name: "missing nonce",
			req: func() *http.Request {
				r := signedRequest{body: []byte(`{}`), timestamp: now.Format(time.RFC3339), nonce: "n3", secret: "shared-secret"}.build()
				r.Header.Del(defaultNonceHeader)
				return r
			},
			status: http.StatusUnauthorized,
			reason: "nonce_missing",
		},
		{
			name: "tampered body",
			req: func() *http.Request {
				r := signedRequest{body: []byte(`{"a":1}`), timestamp: now.Format(time.RFC3339), nonce: "n4", secret: "shared-secret"}.build()
				r.Body = http.NoBody
				return r
			},
			status: http.StatusUnauthorized,
			reason: "signature_mismatch",
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			metrics := &recordingMetrics{}
			validator := newTestHMACValidator(now, metrics)
			rr := httptest.NewRecorder()
			validator.RequireHMAC(fulfillmentSecret)(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
				t.Fatalf("handler should not run")
			})).ServeHTTP(rr, tc.req())

			if rr.Code != tc.status {
				t.Fatalf("expected %d, got %d", tc.status, rr.Code)
			}
			if len(metrics.records) != 1 || metrics.records[0].reason != tc.reason {
				t.Fatalf("expected reason %s, got %+v", tc.reason, metrics.records)
			}
		})
	}
}

func TestRequireHMAC_SecretUnavailable(t *testing.T) {
	provider := SecretProviderFunc(func(context.Context, string) (string, error) {
		return "", errors.New("secret manager down")
	})
	validator := NewHMACValidator(provider, NewInMemoryNonceStore(), WithHMACLogger(noopLogger{}))

	rr := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/webhooks/fulfillment/orders/ord_1/delivered", nil)
	validator.RequireHMAC(fulfillmentSecret)(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		t.Fatalf("handler should not run")
	})).ServeHTTP(rr, req)

	if rr.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", rr.Code)
	}
}

func TestStaticSecretsLookupIsCaseInsensitive(t *testing.T) {
	secrets := StaticSecrets{"fulfillment": "s3cr3t"}
	got, err := secrets.GetSecret(context.Background(), " Fulfillment ")
	if err != nil || got != "s3cr3t" {
		t.Fatalf("unexpected lookup result %q, %v", got, err)
	}
	if _, err := secrets.GetSecret(context.Background(), "payos"); err == nil {
		t.Fatalf("expected error for unknown secret")
	}
}

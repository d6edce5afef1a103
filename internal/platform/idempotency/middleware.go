package idempotency

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/vanhh59/vpack-ecomerce/internal/platform/auth"
	"github.com/vanhh59/vpack-ecomerce/internal/platform/httpx"
)

const (
	defaultHeaderName = "Idempotency-Key"
	replayHeaderName  = "Idempotent-Replayed"
	maxKeyLength      = 255
)

// Logger abstracts the logging dependency used inside the middleware.
type Logger interface {
	Printf(format string, args ...any)
}

type middlewareConfig struct {
	headerName  string
	ttl         time.Duration
	requireKey  bool
	clock       func() time.Time
	logger      Logger
	storeServer bool
	keepHeader  string
}

// MiddlewareOption customises middleware behaviour.
type MiddlewareOption func(*middlewareConfig)

// WithHeader overrides the header carrying the key.
func WithHeader(name string) MiddlewareOption {
	return func(cfg *middlewareConfig) {
		if name = strings.TrimSpace(name); name != "" {
			cfg.headerName = name
		}
	}
}

// WithTTL sets how long completed responses are replayed.
func WithTTL(ttl time.Duration) MiddlewareOption {
	return func(cfg *middlewareConfig) {
		if ttl > 0 {
			cfg.ttl = ttl
		}
	}
}

// WithRequiredKey rejects requests that do not carry a key.
func WithRequiredKey() MiddlewareOption {
	return func(cfg *middlewareConfig) {
		cfg.requireKey = true
	}
}

// WithServerErrorReplay stores 5xx responses too. By default they release
// the key so the client can retry.
func WithServerErrorReplay() MiddlewareOption {
	return func(cfg *middlewareConfig) {
		cfg.storeServer = true
	}
}

// WithReplayWhenHeader stores 5xx responses that carry header. Handlers set
// it once a resource exists, so a retried request cannot create it twice.
func WithReplayWhenHeader(header string) MiddlewareOption {
	return func(cfg *middlewareConfig) {
		cfg.keepHeader = http.CanonicalHeaderKey(strings.TrimSpace(header))
	}
}

// WithLogger injects a logger for store failures.
func WithLogger(logger Logger) MiddlewareOption {
	return func(cfg *middlewareConfig) {
		cfg.logger = logger
	}
}

// WithClock overrides the time source.
func WithClock(clock func() time.Time) MiddlewareOption {
	return func(cfg *middlewareConfig) {
		if clock != nil {
			cfg.clock = clock
		}
	}
}

// Middleware replays the first response for a repeated Idempotency-Key. Keys
// are scoped to the caller, so two users cannot collide.
func Middleware(store Store, opts ...MiddlewareOption) func(http.Handler) http.Handler {
	if store == nil {
		return func(next http.Handler) http.Handler { return next }
	}

	cfg := middlewareConfig{headerName: defaultHeaderName, ttl: DefaultTTL, clock: time.Now}
	for _, opt := range opts {
		if opt != nil {
			opt(&cfg)
		}
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := r.Context()
			key := strings.TrimSpace(r.Header.Get(cfg.headerName))
			if key == "" {
				if cfg.requireKey {
					respondError(ctx, w, http.StatusBadRequest, "idempotency_key_required", "missing idempotency key header")
					return
				}
				next.ServeHTTP(w, r)
				return
			}
			if len(key) > maxKeyLength {
				respondError(ctx, w, http.StatusBadRequest, "idempotency_key_invalid", "idempotency key too long")
				return
			}

			body, err := bufferBody(r)
			if err != nil {
				respondError(ctx, w, http.StatusBadRequest, "invalid_body", "unable to read request body")
				return
			}

			caller := callerScope(ctx)
			scoped := caller + "|" + key
			fingerprint := requestFingerprint(r, body, caller)

			reservation, err := store.Reserve(ctx, scoped, fingerprint, cfg.clock().UTC(), cfg.ttl)
			switch {
			case errors.Is(err, ErrFingerprintMismatch):
				respondError(ctx, w, http.StatusUnprocessableEntity, "idempotency_key_conflict", "idempotency key already used for a different request")
				return
			case err != nil:
				cfg.logf("idempotency: reserve failed: %v", err)
				respondError(ctx, w, http.StatusServiceUnavailable, "idempotency_unavailable", "unable to process idempotency key")
				return
			}

			switch reservation.Outcome {
			case OutcomeReplay:
				replay(w, reservation.Record)
				return
			case OutcomeInFlight:
				respondError(ctx, w, http.StatusConflict, "idempotency_in_progress", "a request with this idempotency key is still being processed")
				return
			}

			defer func() {
				if p := recover(); p != nil {
					_ = store.Release(ctx, scoped)
					panic(p)
				}
			}()

			capture := &capturingWriter{header: make(http.Header)}
			next.ServeHTTP(capture, r)
			resp := capture.response()

			if resp.Status >= http.StatusInternalServerError && !cfg.keepServerResponse(resp) {
				if err := store.Release(ctx, scoped); err != nil {
					cfg.logf("idempotency: release failed: %v", err)
				}
			} else if err := store.Complete(ctx, scoped, fingerprint, resp, cfg.clock().UTC(), cfg.ttl); err != nil {
				cfg.logf("idempotency: storing response failed: %v", err)
				if err := store.Release(ctx, scoped); err != nil {
					cfg.logf("idempotency: release failed: %v", err)
				}
			}

			flush(w, resp)
		})
	}
}

func (cfg middlewareConfig) keepServerResponse(resp Response) bool {
	if cfg.storeServer {
		return true
	}
	return cfg.keepHeader != "" && resp.Headers.Get(cfg.keepHeader) != ""
}

func (cfg middlewareConfig) logf(format string, args ...any) {
	if cfg.logger != nil {
		cfg.logger.Printf(format, args...)
	}
}

func callerScope(ctx context.Context) string {
	if identity, ok := auth.IdentityFromContext(ctx); ok && identity.UID != "" {
		return "uid:" + identity.UID
	}
	if svc, ok := auth.ServiceIdentityFromContext(ctx); ok && svc.Subject != "" {
		return "svc:" + svc.Subject
	}
	return "anonymous"
}

func bufferBody(r *http.Request) ([]byte, error) {
	if r.Body == nil {
		return nil, nil
	}
	data, err := io.ReadAll(r.Body)
	_ = r.Body.Close()
	if err != nil {
		return nil, err
	}
	r.Body = io.NopCloser(bytes.NewReader(data))
	return data, nil
}

func requestFingerprint(r *http.Request, body []byte, caller string) string {
	h := sha256.New()
	for _, part := range []string{strings.ToUpper(r.Method), r.URL.Path, r.URL.RawQuery, caller} {
		_, _ = io.WriteString(h, part)
		_, _ = h.Write([]byte{0})
	}
	_, _ = h.Write(body)
	return hex.EncodeToString(h.Sum(nil))
}

func replay(w http.ResponseWriter, rec Record) {
	for name, values := range rec.ResponseHeaders {
		w.Header()[name] = append([]string(nil), values...)
	}
	w.Header().Set(replayHeaderName, "true")
	status := rec.ResponseStatus
	if status == 0 {
		status = http.StatusOK
	}
	w.WriteHeader(status)
	_, _ = w.Write(rec.ResponseBody)
}

func flush(w http.ResponseWriter, resp Response) {
	for name, values := range resp.Headers {
		w.Header()[name] = values
	}
	w.WriteHeader(resp.Status)
	_, _ = w.Write(resp.Body)
}

func respondError(ctx context.Context, w http.ResponseWriter, status int, code, message string) {
	httpx.WriteError(ctx, w, httpx.NewError(code, message, status))
}

// capturingWriter buffers the handler response until the key is settled.
type capturingWriter struct {
	header http.Header
	status int
	body   bytes.Buffer
}

func (c *capturingWriter) Header() http.Header { return c.header }

func (c *capturingWriter) WriteHeader(status int) {
	if c.status == 0 {
		c.status = status
	}
}

func (c *capturingWriter) Write(p []byte) (int, error) {
	if c.status == 0 {
		c.status = http.StatusOK
	}
	return c.body.Write(p)
}

func (c *capturingWriter) response() Response {
	status := c.status
	if status == 0 {
		status = http.StatusOK
	}
	return Response{Status: status, Headers: c.header, Body: c.body.Bytes()}
}

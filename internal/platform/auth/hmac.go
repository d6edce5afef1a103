package auth

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"
)

const (
	defaultSignatureHeader = "X-Signature"
	defaultTimestampHeader = "X-Signature-Timestamp"
	defaultNonceHeader     = "X-Signature-Nonce"

	defaultClockSkew = 5 * time.Minute
	defaultNonceTTL  = 5 * time.Minute
)

// SecretProvider resolves shared secrets used for HMAC validation.
type SecretProvider interface {
	GetSecret(ctx context.Context, name string) (string, error)
}

// SecretProviderFunc adapts a function to SecretProvider.
type SecretProviderFunc func(context.Context, string) (string, error)

// GetSecret implements SecretProvider.
func (f SecretProviderFunc) GetSecret(ctx context.Context, name string) (string, error) {
	if f == nil {
		return "", errors.New("auth: secret provider not configured")
	}
	return f(ctx, name)
}

// StaticSecrets serves secrets from an in-memory map, typically the resolved
// API_SECURITY_HMAC_SECRETS configuration.
type StaticSecrets map[string]string

// GetSecret implements SecretProvider.
func (s StaticSecrets) GetSecret(_ context.Context, name string) (string, error) {
	secret, ok := s[strings.ToLower(strings.TrimSpace(name))]
	if !ok || secret == "" {
		return "", fmt.Errorf("auth: hmac secret %q not configured", name)
	}
	return secret, nil
}

// NonceStore remembers nonces so a signed request cannot be replayed.
type NonceStore interface {
	// UseNonce stores the nonce until expiry. It returns false when the nonce
	// was already present in scope.
	UseNonce(ctx context.Context, scope, nonce string, expiry time.Time) (bool, error)
}

// InMemoryNonceStore keeps nonces in process memory.
type InMemoryNonceStore struct {
	mu     sync.Mutex
	nonces map[string]time.Time
	now    func() time.Time
}

// NewInMemoryNonceStore constructs the store.
func NewInMemoryNonceStore() *InMemoryNonceStore {
	return &InMemoryNonceStore{nonces: make(map[string]time.Time), now: time.Now}
}

// UseNonce implements NonceStore.
func (s *InMemoryNonceStore) UseNonce(_ context.Context, scope, nonce string, expiry time.Time) (bool, error) {
	if scope == "" || nonce == "" {
		return false, errors.New("auth: scope and nonce are required")
	}
	key := scope + "::" + nonce

	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	for k, exp := range s.nonces {
		if !exp.After(now) {
			delete(s.nonces, k)
		}
	}
	if _, seen := s.nonces[key]; seen {
		return false, nil
	}
	s.nonces[key] = expiry
	return true, nil
}

// HMACValidator verifies requests signed by trusted integrations such as the
// fulfilment partner.
type HMACValidator struct {
	provider SecretProvider
	nonces   NonceStore

	logger  Logger
	metrics MetricsRecorder
	now     func() time.Time

	signatureHeader string
	timestampHeader string
	nonceHeader     string

	clockSkew time.Duration
	nonceTTL  time.Duration

	secretCache sync.Map
}

// HMACOption customises the validator.
type HMACOption func(*HMACValidator)

// NewHMACValidator builds a validator using the given secret provider and nonce store.
func NewHMACValidator(provider SecretProvider, nonces NonceStore, opts ...HMACOption) *HMACValidator {
	v := &HMACValidator{
		provider:        provider,
		nonces:          nonces,
		logger:          log.Default(),
		now:             time.Now,
		signatureHeader: defaultSignatureHeader,
		timestampHeader: defaultTimestampHeader,
		nonceHeader:     defaultNonceHeader,
		clockSkew:       defaultClockSkew,
		nonceTTL:        defaultNonceTTL,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(v)
		}
	}
	return v
}

// WithHMACLogger overrides the validator logger.
func WithHMACLogger(logger Logger) HMACOption {
	return func(v *HMACValidator) {
		if logger != nil {
			v.logger = logger
		}
	}
}

// WithHMACMetrics sets the metrics recorder.
func WithHMACMetrics(metrics MetricsRecorder) HMACOption {
	return func(v *HMACValidator) {
		v.metrics = metrics
	}
}

// WithHMACClock injects a custom clock.
func WithHMACClock(now func() time.Time) HMACOption {
	return func(v *HMACValidator) {
		if now != nil {
			v.now = now
		}
	}
}

// WithHMACHeaders customises the header names. Empty values keep the default.
func WithHMACHeaders(signature, timestamp, nonce string) HMACOption {
	return func(v *HMACValidator) {
		if signature != "" {
			v.signatureHeader = signature
		}
		if timestamp != "" {
			v.timestampHeader = timestamp
		}
		if nonce != "" {
			v.nonceHeader = nonce
		}
	}
}

// WithHMACClockSkew adjusts the accepted timestamp skew.
func WithHMACClockSkew(d time.Duration) HMACOption {
	return func(v *HMACValidator) {
		if d > 0 {
			v.clockSkew = d
		}
	}
}

// WithHMACNonceTTL customises how long nonces are remembered.
func WithHMACNonceTTL(d time.Duration) HMACOption {
	return func(v *HMACValidator) {
		if d > 0 {
			v.nonceTTL = d
		}
	}
}

// HMACMetadata describes a verified signature.
type HMACMetadata struct {
	SecretName string
	Timestamp  time.Time
	Nonce      string
}

type hmacContextKey struct{}

// WithHMACMetadata stores the metadata on the context.
func WithHMACMetadata(ctx context.Context, meta *HMACMetadata) context.Context {
	if meta == nil {
		return ctx
	}
	return context.WithValue(ctx, hmacContextKey{}, meta)
}

// HMACMetadataFromContext retrieves metadata from the context.
func HMACMetadataFromContext(ctx context.Context) (*HMACMetadata, bool) {
	meta, ok := ctx.Value(hmacContextKey{}).(*HMACMetadata)
	if !ok || meta == nil {
		return nil, false
	}
	return meta, true
}

// rejection is a failed verification step, shared by the HMAC and OIDC validators.
type rejection struct {
	status  int
	code    string
	message string
	reason  string
}

func reject(status int, code, reason, message string) *rejection {
	return &rejection{status: status, code: code, reason: reason, message: message}
}

func (rj *rejection) write(w http.ResponseWriter, r *http.Request) {
	respondAuthError(w, r, rj.status, rj.code, rj.message)
}

// RequireHMAC enforces a valid signature produced with the named secret.
//
// The signed string is METHOD, escaped path, timestamp, nonce and the hex
// SHA-256 of the body joined by newlines.
func (v *HMACValidator) RequireHMAC(secretName string) func(http.Handler) http.Handler {
	scope := strings.TrimSpace(secretName)

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := v.now()
			meta, rj := v.verify(r, scope)
			if rj != nil {
				v.record(r.Context(), false, rj.reason, start)
				rj.write(w, r)
				return
			}
			v.record(r.Context(), true, "ok", start)
			next.ServeHTTP(w, r.WithContext(WithHMACMetadata(r.Context(), meta)))
		})
	}
}

func (v *HMACValidator) verify(r *http.Request, scope string) (*HMACMetadata, *rejection) {
	ctx := r.Context()
	if scope == "" {
		return nil, reject(http.StatusServiceUnavailable, "verification_unavailable", "secret_not_configured", "hmac secret not configured")
	}

	secret, err := v.loadSecret(ctx, scope)
	if err != nil {
		v.logf("auth: hmac secret lookup failed: %v", err)
		return nil, reject(http.StatusServiceUnavailable, "verification_unavailable", "secret_unavailable", "hmac secret unavailable")
	}

	rawSignature := strings.TrimSpace(r.Header.Get(v.signatureHeader))
	if rawSignature == "" {
		return nil, reject(http.StatusUnauthorized, "signature_missing", "signature_missing", "signature header missing")
	}
	signature, err := decodeSignature(rawSignature)
	if err != nil {
		return nil, reject(http.StatusUnauthorized, "signature_invalid", "signature_invalid", "signature encoding invalid")
	}

	rawTimestamp := strings.TrimSpace(r.Header.Get(v.timestampHeader))
	if rawTimestamp == "" {
		return nil, reject(http.StatusUnauthorized, "timestamp_missing", "timestamp_missing", "signature timestamp missing")
	}
	timestamp, err := parseSignatureTimestamp(rawTimestamp)
	if err != nil {
		return nil, reject(http.StatusUnauthorized, "timestamp_invalid", "timestamp_invalid", "signature timestamp invalid")
	}
	now := v.now()
	if skew := now.Sub(timestamp); skew > v.clockSkew || skew < -v.clockSkew {
		return nil, reject(http.StatusUnauthorized, "timestamp_skew", "timestamp_skew", "signature timestamp outside allowed window")
	}

	nonce := strings.TrimSpace(r.Header.Get(v.nonceHeader))
	if nonce == "" {
		return nil, reject(http.StatusUnauthorized, "nonce_missing", "nonce_missing", "signature nonce missing")
	}

	body, err := readAndRestoreBody(r)
	if err != nil {
		return nil, reject(http.StatusBadRequest, "invalid_body", "body_unreadable", "unable to read body for signature verification")
	}

	expected := computeHMAC(secret, canonicalRequest(r, body, rawTimestamp, nonce))
	if !hmac.Equal(signature, expected) {
		return nil, reject(http.StatusUnauthorized, "signature_mismatch", "signature_mismatch", "signature verification failed")
	}

	if v.nonces == nil {
		return nil, reject(http.StatusServiceUnavailable, "verification_unavailable", "nonce_store_unavailable", "nonce store unavailable")
	}
	expiry := timestamp.Add(v.nonceTTL)
	if expiry.Before(now) {
		expiry = now.Add(v.nonceTTL)
	}
	stored, err := v.nonces.UseNonce(ctx, scope, nonce, expiry)
	if err != nil {
		v.logf("auth: nonce store error: %v", err)
		return nil, reject(http.StatusServiceUnavailable, "verification_unavailable", "nonce_store_error", "nonce storage error")
	}
	if !stored {
		return nil, reject(http.StatusUnauthorized, "nonce_replay", "nonce_replay", "duplicate signature nonce")
	}

	return &HMACMetadata{SecretName: scope, Timestamp: timestamp, Nonce: nonce}, nil
}

func (v *HMACValidator) record(ctx context.Context, success bool, reason string, start time.Time) {
	if v == nil || v.metrics == nil {
		return
	}
	v.metrics.RecordVerification(ctx, "hmac", success, reason, v.now().Sub(start))
}

func (v *HMACValidator) logf(format string, args ...any) {
	if v != nil && v.logger != nil {
		v.logger.Printf(format, args...)
	}
}

func (v *HMACValidator) loadSecret(ctx context.Context, name string) ([]byte, error) {
	if v == nil || v.provider == nil {
		return nil, errors.New("auth: secret provider not configured")
	}
	if cached, ok := v.secretCache.Load(name); ok {
		return cached.([]byte), nil
	}
	raw, err := v.provider.GetSecret(ctx, name)
	if err != nil {
		return nil, err
	}
	if raw == "" {
		return nil, errors.New("auth: secret is empty")
	}
	secret := []byte(raw)
	v.secretCache.Store(name, secret)
	return secret, nil
}

func readAndRestoreBody(r *http.Request) ([]byte, error) {
	if r.Body == nil {
		return nil, nil
	}
	defer r.Body.Close()
	buf, err := io.ReadAll(r.Body)
	if err != nil {
		return nil, err
	}
	r.Body = io.NopCloser(bytes.NewReader(buf))
	return buf, nil
}

func decodeSignature(value string) ([]byte, error) {
	if decoded, err := hex.DecodeString(value); err == nil && len(decoded) == sha256.Size {
		return decoded, nil
	}
	if decoded, err := base64.StdEncoding.DecodeString(value); err == nil {
		return decoded, nil
	}
	return nil, errors.New("auth: signature must be base64 or hex encoded")
}

func parseSignatureTimestamp(value string) (time.Time, error) {
	if ts, err := time.Parse(time.RFC3339Nano, value); err == nil {
		return ts.UTC(), nil
	}
	if seconds, err := strconv.ParseInt(value, 10, 64); err == nil {
		return time.Unix(seconds, 0).UTC(), nil
	}
	return time.Time{}, fmt.Errorf("auth: unable to parse timestamp %q", value)
}

func canonicalRequest(r *http.Request, body []byte, timestamp, nonce string) []byte {
	path := r.URL.EscapedPath()
	if path == "" {
		path = "/"
	}
	sum := sha256.Sum256(body)
	return []byte(strings.Join([]string{
		strings.ToUpper(r.Method),
		path,
		timestamp,
		nonce,
		hex.EncodeToString(sum[:]),
	}, "\n"))
}

func computeHMAC(secret, message []byte) []byte {
	mac := hmac.New(sha256.New, secret)
	_, _ = mac.Write(message)
	return mac.Sum(nil)
}

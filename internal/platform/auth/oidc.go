package auth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	jose "github.com/go-jose/go-jose/v4"
	jwt "github.com/golang-jwt/jwt/v4"
)

var (
	// ErrJWKSKeyNotFound is returned when the key id is absent from the key set.
	ErrJWKSKeyNotFound = errors.New("auth: jwks key not found")
	// ErrJWKSFetchFailed wraps transport or decoding errors while refreshing keys.
	ErrJWKSFetchFailed = errors.New("auth: jwks fetch failed")
)

// GoogleJWKSURL serves the keys Google uses to sign OIDC tokens for Cloud Scheduler and Tasks.
const GoogleJWKSURL = "https://www.googleapis.com/oauth2/v3/certs"

// Logger captures the minimal logging contract used by the auth package.
type Logger interface {
	Printf(format string, args ...any)
}

// MetricsRecorder records verification outcomes.
type MetricsRecorder interface {
	RecordVerification(ctx context.Context, kind string, success bool, reason string, duration time.Duration)
}

// MetricsRecorderFunc adapts a function to MetricsRecorder.
type MetricsRecorderFunc func(context.Context, string, bool, string, time.Duration)

// RecordVerification implements MetricsRecorder.
func (f MetricsRecorderFunc) RecordVerification(ctx context.Context, kind string, success bool, reason string, duration time.Duration) {
	if f != nil {
		f(ctx, kind, success, reason, duration)
	}
}

const (
	defaultJWKSValidity       = 15 * time.Minute
	defaultJWKSRefreshTimeout = 5 * time.Second
)

// JWKSCache fetches a JSON Web Key Set on demand and keeps it for the
// lifetime announced by the Cache-Control header.
type JWKSCache struct {
	url     string
	client  *http.Client
	logger  Logger
	now     func() time.Time
	timeout time.Duration

	mu     sync.RWMutex
	keys   map[string]jose.JSONWebKey
	expiry time.Time

	refreshMu sync.Mutex
}

// JWKSOption customises the cache.
type JWKSOption func(*JWKSCache)

// NewJWKSCache constructs a cache for url. An empty url selects GoogleJWKSURL.
func NewJWKSCache(url string, opts ...JWKSOption) *JWKSCache {
	url = strings.TrimSpace(url)
	if url == "" {
		url = GoogleJWKSURL
	}
	c := &JWKSCache{
		url:     url,
		client:  &http.Client{Timeout: defaultJWKSRefreshTimeout},
		logger:  log.Default(),
		now:     time.Now,
		timeout: defaultJWKSRefreshTimeout,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(c)
		}
	}
	return c
}

// WithJWKSHTTPClient overrides the HTTP client.
func WithJWKSHTTPClient(client *http.Client) JWKSOption {
	return func(c *JWKSCache) {
		if client != nil {
			c.client = client
		}
	}
}

// WithJWKSLogger overrides the logger.
func WithJWKSLogger(logger Logger) JWKSOption {
	return func(c *JWKSCache) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithJWKSClock injects a clock.
func WithJWKSClock(now func() time.Time) JWKSOption {
	return func(c *JWKSCache) {
		if now != nil {
			c.now = now
		}
	}
}

// Keyfunc returns a jwt.Keyfunc backed by the cache. Only RS256 is accepted.
func (c *JWKSCache) Keyfunc(ctx context.Context) jwt.Keyfunc {
	return func(token *jwt.Token) (any, error) {
		if token.Method == nil || token.Method.Alg() != jwt.SigningMethodRS256.Alg() {
			return nil, fmt.Errorf("auth: unexpected signing method %v", token.Header["alg"])
		}
		kid, _ := token.Header["kid"].(string)
		if kid == "" {
			return nil, errors.New("auth: token missing kid header")
		}
		return c.Key(ctx, kid)
	}
}

// Key resolves the public key for kid. Expired sets and unknown ids trigger one refresh.
func (c *JWKSCache) Key(ctx context.Context, kid string) (any, error) {
	if key, fresh := c.lookup(kid); key != nil && fresh {
		return key, nil
	}
	if err := c.refresh(ctx); err != nil {
		return nil, err
	}
	if key, _ := c.lookup(kid); key != nil {
		return key, nil
	}
	return nil, fmt.Errorf("%w: %s", ErrJWKSKeyNotFound, kid)
}

func (c *JWKSCache) lookup(kid string) (any, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	jwk, ok := c.keys[kid]
	if !ok {
		return nil, false
	}
	return jwk.Key, c.now().Before(c.expiry)
}

func (c *JWKSCache) refresh(ctx context.Context) error {
	c.refreshMu.Lock()
	defer c.refreshMu.Unlock()

	if ctx == nil {
		ctx = context.Background()
	}
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.url, nil)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrJWKSFetchFailed, err)
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrJWKSFetchFailed, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%w: unexpected status %d", ErrJWKSFetchFailed, resp.StatusCode)
	}

	var set jose.JSONWebKeySet
	if err := json.NewDecoder(resp.Body).Decode(&set); err != nil {
		return fmt.Errorf("%w: decode jwks: %v", ErrJWKSFetchFailed, err)
	}
	keys := make(map[string]jose.JSONWebKey, len(set.Keys))
	for _, jwk := range set.Keys {
		if jwk.KeyID == "" || !jwk.Valid() {
			continue
		}
		keys[jwk.KeyID] = jwk
	}
	if len(keys) == 0 {
		return fmt.Errorf("%w: empty key set", ErrJWKSFetchFailed)
	}

	validity := maxAge(resp.Header.Get("Cache-Control"))
	if validity <= 0 {
		validity = defaultJWKSValidity
	}

	c.mu.Lock()
	c.keys = keys
	c.expiry = c.now().Add(validity)
	c.mu.Unlock()

	if c.logger != nil {
		c.logger.Printf("auth: refreshed jwks (%d keys, valid for %s)", len(keys), validity)
	}
	return nil
}

func maxAge(cacheControl string) time.Duration {
	for _, directive := range strings.Split(cacheControl, ",") {
		name, value, ok := strings.Cut(strings.TrimSpace(directive), "=")
		if !ok || !strings.EqualFold(name, "max-age") {
			continue
		}
		if seconds, err := strconv.Atoi(strings.TrimSpace(value)); err == nil && seconds > 0 {
			return time.Duration(seconds) * time.Second
		}
	}
	return 0
}

// OIDCValidator validates Google-signed OIDC tokens presented by schedulers
// and other service accounts.
type OIDCValidator struct {
	cache   *JWKSCache
	logger  Logger
	metrics MetricsRecorder
	now     func() time.Time
}

// OIDCOption customises the validator.
type OIDCOption func(*OIDCValidator)

// NewOIDCValidator constructs an OIDCValidator.
func NewOIDCValidator(cache *JWKSCache, opts ...OIDCOption) *OIDCValidator {
	v := &OIDCValidator{cache: cache, logger: log.Default(), now: time.Now}
	for _, opt := range opts {
		if opt != nil {
			opt(v)
		}
	}
	return v
}

// WithOIDCLogger overrides the validator logger.
func WithOIDCLogger(logger Logger) OIDCOption {
	return func(v *OIDCValidator) {
		if logger != nil {
			v.logger = logger
		}
	}
}

// WithOIDCMetrics sets the metrics recorder.
func WithOIDCMetrics(recorder MetricsRecorder) OIDCOption {
	return func(v *OIDCValidator) {
		v.metrics = recorder
	}
}

// WithOIDCClock injects the clock used to time verifications.
func WithOIDCClock(now func() time.Time) OIDCOption {
	return func(v *OIDCValidator) {
		if now != nil {
			v.now = now
		}
	}
}

// ServiceIdentity is the authenticated service principal.
type ServiceIdentity struct {
	Subject string
	Email   string
	Issuer  string
}

type serviceIdentityContextKey struct{}

// WithServiceIdentity attaches the verified service identity to the context.
func WithServiceIdentity(ctx context.Context, identity *ServiceIdentity) context.Context {
	if identity == nil {
		return ctx
	}
	return context.WithValue(ctx, serviceIdentityContextKey{}, identity)
}

// ServiceIdentityFromContext retrieves the identity stored by RequireOIDC.
func ServiceIdentityFromContext(ctx context.Context) (*ServiceIdentity, bool) {
	identity, ok := ctx.Value(serviceIdentityContextKey{}).(*ServiceIdentity)
	if !ok || identity == nil {
		return nil, false
	}
	return identity, true
}

// RequireOIDC accepts only RS256 tokens whose audience matches and whose
// issuer is in issuers (any issuer when empty).
func (v *OIDCValidator) RequireOIDC(audience string, issuers []string) func(http.Handler) http.Handler {
	audience = strings.TrimSpace(audience)
	allowed := make([]string, 0, len(issuers))
	for _, issuer := range issuers {
		if issuer = strings.TrimSpace(issuer); issuer != "" {
			allowed = append(allowed, issuer)
		}
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := v.clock()
			identity, rj := v.verify(r, audience, allowed)
			if rj != nil {
				v.record(r.Context(), false, rj.reason, start)
				rj.write(w, r)
				return
			}
			v.record(r.Context(), true, "ok", start)
			next.ServeHTTP(w, r.WithContext(WithServiceIdentity(r.Context(), identity)))
		})
	}
}

func (v *OIDCValidator) verify(r *http.Request, audience string, issuers []string) (*ServiceIdentity, *rejection) {
	if audience == "" {
		return nil, reject(http.StatusServiceUnavailable, "verification_unavailable", "audience_not_configured", "oidc audience not configured")
	}
	tokenStr, ok := extractBearerToken(r.Header.Get("Authorization"))
	if !ok {
		return nil, reject(http.StatusUnauthorized, "unauthenticated", "token_missing", "oidc token missing")
	}
	if v == nil || v.cache == nil {
		return nil, reject(http.StatusServiceUnavailable, "verification_unavailable", "cache_unavailable", "oidc verification unavailable")
	}

	claims := jwt.MapClaims{}
	parser := jwt.NewParser(jwt.WithValidMethods([]string{jwt.SigningMethodRS256.Alg()}))
	if _, err := parser.ParseWithClaims(tokenStr, claims, v.cache.Keyfunc(r.Context())); err != nil {
		if errors.Is(err, ErrJWKSFetchFailed) {
			v.logf("auth: oidc keys unavailable: %v", err)
			return nil, reject(http.StatusServiceUnavailable, "verification_unavailable", "jwks_unavailable", "oidc verification unavailable")
		}
		v.logf("auth: oidc token rejected: %v", err)
		return nil, reject(http.StatusUnauthorized, "invalid_token", "token_invalid", "oidc token verification failed")
	}

	issuer, _ := claims["iss"].(string)
	if len(issuers) > 0 && !containsString(issuers, issuer) {
		return nil, reject(http.StatusUnauthorized, "invalid_token", "issuer_mismatch", "oidc issuer mismatch")
	}
	if !claims.VerifyAudience(audience, true) {
		return nil, reject(http.StatusUnauthorized, "invalid_token", "audience_mismatch", "oidc audience mismatch")
	}

	subject, _ := claims["sub"].(string)
	email, _ := claims["email"].(string)
	return &ServiceIdentity{Subject: subject, Email: email, Issuer: issuer}, nil
}

func (v *OIDCValidator) clock() time.Time {
	if v == nil || v.now == nil {
		return time.Now()
	}
	return v.now()
}

func (v *OIDCValidator) record(ctx context.Context, success bool, reason string, start time.Time) {
	if v == nil || v.metrics == nil {
		return
	}
	v.metrics.RecordVerification(ctx, "oidc", success, reason, v.clock().Sub(start))
}

func (v *OIDCValidator) logf(format string, args ...any) {
	if v != nil && v.logger != nil {
		v.logger.Printf(format, args...)
	}
}

func containsString(values []string, target string) bool {
	for _, value := range values {
		if value == target {
			return true
		}
	}
	return false
}

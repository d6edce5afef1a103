package auth

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	firebaseauth "firebase.google.com/go/v4/auth"

	"github.com/vanhh59/vpack-ecomerce/internal/platform/httpx"
)

const (
	defaultRoleClaim     = "role"
	defaultAdminClaim    = "isAdmin"
	defaultFallbackRole  = RoleUser
	defaultVerifyTimeout = 5 * time.Second
)

// TokenVerifier verifies Firebase ID tokens.
type TokenVerifier interface {
	VerifyIDToken(ctx context.Context, idToken string) (*firebaseauth.Token, error)
}

// Authenticator turns bearer tokens into an Identity on the request context.
type Authenticator struct {
	verifier TokenVerifier

	roleClaim    string
	adminClaim   string
	fallbackRole string
	timeout      time.Duration
}

// Option customises Authenticator behaviour.
type Option func(*Authenticator)

// WithRoleClaim overrides the custom claim holding roles.
func WithRoleClaim(claim string) Option {
	return func(a *Authenticator) {
		if claim = strings.TrimSpace(claim); claim != "" {
			a.roleClaim = claim
		}
	}
}

// WithAdminClaim overrides the boolean claim that grants the admin role.
func WithAdminClaim(claim string) Option {
	return func(a *Authenticator) {
		if claim = strings.TrimSpace(claim); claim != "" {
			a.adminClaim = claim
		}
	}
}

// WithFallbackRole sets the role assumed when the token carries none.
func WithFallbackRole(role string) Option {
	return func(a *Authenticator) {
		if role = normaliseRole(role); role != "" {
			a.fallbackRole = role
		}
	}
}

// WithVerificationTimeout bounds token verification.
func WithVerificationTimeout(d time.Duration) Option {
	return func(a *Authenticator) {
		if d > 0 {
			a.timeout = d
		}
	}
}

// NewAuthenticator constructs an Authenticator.
func NewAuthenticator(verifier TokenVerifier, opts ...Option) *Authenticator {
	a := &Authenticator{
		verifier:     verifier,
		roleClaim:    defaultRoleClaim,
		adminClaim:   defaultAdminClaim,
		fallbackRole: defaultFallbackRole,
		timeout:      defaultVerifyTimeout,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(a)
		}
	}
	return a
}

// RequireFirebaseAuth verifies the bearer token. When roles are given the
// identity must hold one of them, otherwise the request is refused with 403.
func (a *Authenticator) RequireFirebaseAuth(allowedRoles ...string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			tokenStr, ok := extractBearerToken(r.Header.Get("Authorization"))
			if !ok {
				respondAuthError(w, r, http.StatusUnauthorized, "unauthenticated", "authorization header missing or invalid")
				return
			}
			if a == nil || a.verifier == nil {
				respondAuthError(w, r, http.StatusServiceUnavailable, "verification_unavailable", "authentication service unavailable")
				return
			}

			ctx := r.Context()
			verifyCtx := ctx
			if a.timeout > 0 {
				var cancel context.CancelFunc
				verifyCtx, cancel = context.WithTimeout(ctx, a.timeout)
				defer cancel()
			}

			token, err := a.verifier.VerifyIDToken(verifyCtx, tokenStr)
			if err != nil {
				respondVerificationError(w, r, err)
				return
			}

			identity := a.identityFromToken(token)
			if len(allowedRoles) > 0 && !identity.HasAnyRole(allowedRoles...) {
				respondAuthError(w, r, http.StatusForbidden, "insufficient_role", "identity does not have required role")
				return
			}

			next.ServeHTTP(w, r.WithContext(WithIdentity(ctx, identity)))
		})
	}
}

// RequireRoles guards a route behind RequireFirebaseAuth with an additional
// role check.
func RequireRoles(roles ...string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			identity, ok := IdentityFromContext(r.Context())
			if !ok {
				respondAuthError(w, r, http.StatusUnauthorized, "unauthenticated", "authentication required")
				return
			}
			if !identity.HasAnyRole(roles...) {
				respondAuthError(w, r, http.StatusForbidden, "insufficient_role", "identity does not have required role")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func (a *Authenticator) identityFromToken(token *firebaseauth.Token) *Identity {
	roles := rolesFromClaims(token.Claims, a.roleClaim)
	if claimAsBool(token.Claims, a.adminClaim) && !containsString(roles, RoleAdmin) {
		roles = append(roles, RoleAdmin)
	}
	if len(roles) == 0 && a.fallbackRole != "" {
		roles = []string{a.fallbackRole}
	}
	return &Identity{
		UID:   token.UID,
		Email: claimAsString(token.Claims, "email"),
		Name:  claimAsString(token.Claims, "name"),
		Roles: roles,
		token: token,
	}
}

func rolesFromClaims(claims map[string]any, key string) []string {
	var candidates []string
	switch v := claims[key].(type) {
	case string:
		candidates = []string{v}
	case []string:
		candidates = v
	case []any:
		for _, item := range v {
			if s, ok := item.(string); ok {
				candidates = append(candidates, s)
			}
		}
	case map[string]any:
		for role, enabled := range v {
			if b, ok := enabled.(bool); ok && b {
				candidates = append(candidates, role)
			}
		}
	}

	out := make([]string, 0, len(candidates))
	for _, c := range candidates {
		role := normaliseRole(c)
		if role == "" || containsString(out, role) {
			continue
		}
		out = append(out, role)
	}
	return out
}

func claimAsString(claims map[string]any, key string) string {
	if s, ok := claims[key].(string); ok {
		return strings.TrimSpace(s)
	}
	return ""
}

func claimAsBool(claims map[string]any, key string) bool {
	switch v := claims[key].(type) {
	case bool:
		return v
	case string:
		return strings.EqualFold(strings.TrimSpace(v), "true")
	default:
		return false
	}
}

func normaliseRole(role string) string {
	return strings.ToLower(strings.TrimSpace(role))
}

func extractBearerToken(header string) (string, bool) {
	scheme, token, ok := strings.Cut(strings.TrimSpace(header), " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return "", false
	}
	token = strings.TrimSpace(token)
	return token, token != ""
}

func respondAuthError(w http.ResponseWriter, r *http.Request, status int, code, message string) {
	httpx.WriteError(r.Context(), w, httpx.NewError(code, message, status))
}

func respondVerificationError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case firebaseauth.IsIDTokenExpired(err):
		respondAuthError(w, r, http.StatusUnauthorized, "token_expired", "id token expired")
	case errors.Is(err, context.DeadlineExceeded):
		respondAuthError(w, r, http.StatusServiceUnavailable, "verification_unavailable", "token verification timed out")
	default:
		respondAuthError(w, r, http.StatusUnauthorized, "invalid_token", "id token verification failed")
	}
}

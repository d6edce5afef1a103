package config

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func baseEnv() map[string]string {
	return map[string]string{
		"API_FIREBASE_PROJECT_ID": "shop-dev",
		"API_PAYMENTS_PROVIDER":   "none",
	}
}

func TestLoadWithDefaults(t *testing.T) {
	cfg, err := Load(context.Background(), WithEnvMap(baseEnv()), WithoutSystemEnv(), WithEnvFile(""))
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}

	if cfg.Server.Port != "8080" {
		t.Errorf("expected default port 8080, got %s", cfg.Server.Port)
	}
	if cfg.Server.ReadTimeout != 15*time.Second {
		t.Errorf("unexpected read timeout: %s", cfg.Server.ReadTimeout)
	}
	if cfg.Server.RequestTimeout != defaultRequestTimeout {
		t.Errorf("unexpected request timeout: %s", cfg.Server.RequestTimeout)
	}
	if cfg.Firestore.ProjectID != "shop-dev" {
		t.Errorf("expected firestore project to default to firebase project, got %s", cfg.Firestore.ProjectID)
	}
	if cfg.Orders.RequesterMode != RequesterModeUser {
		t.Errorf("expected user requester mode, got %s", cfg.Orders.RequesterMode)
	}
	if len(cfg.Orders.OfflinePaymentMethods) != 2 {
		t.Errorf("expected default offline methods, got %v", cfg.Orders.OfflinePaymentMethods)
	}
	if cfg.Orders.EnforceStock {
		t.Errorf("expected stock enforcement off by default")
	}
	if cfg.Payments.Timeout != 10*time.Second {
		t.Errorf("unexpected payments timeout %s", cfg.Payments.Timeout)
	}
	if cfg.Payments.Currency != "VND" {
		t.Errorf("unexpected currency %s", cfg.Payments.Currency)
	}
	if cfg.Payments.PayOS.BaseURL != defaultPayOSBaseURL {
		t.Errorf("unexpected payos base url %s", cfg.Payments.PayOS.BaseURL)
	}
	if cfg.Security.Environment != "local" {
		t.Errorf("expected default security environment local, got %s", cfg.Security.Environment)
	}
	if len(cfg.Security.OIDC.Issuers) != 1 || cfg.Security.OIDC.Issuers[0] != defaultSecurityIssuer {
		t.Errorf("expected default issuers, got %v", cfg.Security.OIDC.Issuers)
	}
	if cfg.Security.HMAC.SignatureHeader != defaultHMACSignatureHeader {
		t.Errorf("expected default signature header, got %s", cfg.Security.HMAC.SignatureHeader)
	}
	if cfg.Idempotency.Backend != IdempotencyBackendFirestore {
		t.Errorf("unexpected idempotency backend %s", cfg.Idempotency.Backend)
	}
	if cfg.Idempotency.TTL != defaultIdempotencyTTL {
		t.Errorf("unexpected default idempotency ttl: %s", cfg.Idempotency.TTL)
	}
	if !cfg.Metrics.Enabled || cfg.Metrics.Path != "/metrics" {
		t.Errorf("unexpected metrics config %+v", cfg.Metrics)
	}
}

func TestLoadWithOverridesAndSecrets(t *testing.T) {
	env := map[string]string{
		"API_SERVER_PORT":                    "9090",
		"API_SERVER_IDLE_TIMEOUT":            "2m",
		"API_FIREBASE_PROJECT_ID":            "shop-prod",
		"API_FIRESTORE_PROJECT_ID":           "shop-fire",
		"API_ORDERS_REQUESTER_MODE":          "STAFF",
		"API_ORDERS_OFFLINE_PAYMENT_METHODS": "Cash, bank-transfer",
		"API_ORDERS_ENFORCE_STOCK":           "yes",
		"API_ORDERS_EVENTS_TOPIC":            "order-events",
		"API_PAYMENTS_PROVIDER":              "payos",
		"API_PAYMENTS_TIMEOUT":               "4s",
		"API_PAYMENTS_RETURN_URL":            "https://shop.example.com/return",
		"API_PAYMENTS_CANCEL_URL":            "https://shop.example.com/cancel",
		"API_PAYOS_CLIENT_ID":                "client-1",
		"API_PAYOS_API_KEY":                  "secret://payos/api",
		"API_PAYOS_CHECKSUM_KEY":             "sm://payos/checksum",
		"API_SECURITY_ENVIRONMENT":           "prod",
		"API_SECURITY_OIDC_AUDIENCES":        "prod=https://api.example.com,stg=https://stg.example.com",
		"API_SECURITY_HMAC_SECRETS":          "fulfillment=secret://hmac/fulfillment,other=plain-secret",
		"API_SECURITY_HMAC_CLOCK_SKEW":       "3m",
		"API_IDEMPOTENCY_BACKEND":            "redis",
		"API_REDIS_ADDR":                     "localhost:6379",
		"API_IDEMPOTENCY_TTL":                "48h",
		"API_METRICS_ENABLED":                "off",
	}

	secrets := map[string]string{
		"secret://payos/api":        "payos-key",
		"secret://payos/checksum":   "payos-checksum",
		"secret://hmac/fulfillment": "fulfillment-hmac",
	}
	resolver := SecretResolverFunc(func(_ context.Context, ref string) (string, error) {
		if v, ok := secrets[ref]; ok {
			return v, nil
		}
		return "", errors.New("not found")
	})

	cfg, err := Load(context.Background(), WithEnvMap(env), WithoutSystemEnv(), WithEnvFile(""), WithSecretResolver(resolver))
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}

	if cfg.Server.Port != "9090" {
		t.Errorf("expected port 9090, got %s", cfg.Server.Port)
	}
	if cfg.Firestore.ProjectID != "shop-fire" {
		t.Errorf("unexpected firestore project %s", cfg.Firestore.ProjectID)
	}
	if cfg.Orders.RequesterMode != RequesterModeStaff {
		t.Errorf("expected staff requester mode, got %s", cfg.Orders.RequesterMode)
	}
	if !cfg.Orders.OfflinePayment("CASH") || !cfg.Orders.OfflinePayment("bank-transfer") {
		t.Errorf("expected offline methods to match case-insensitively, got %v", cfg.Orders.OfflinePaymentMethods)
	}
	if cfg.Orders.OfflinePayment("cod") {
		t.Errorf("cod should not be offline when overridden")
	}
	if !cfg.Orders.EnforceStock {
		t.Errorf("expected stock enforcement enabled")
	}
	if cfg.Payments.Timeout != 4*time.Second {
		t.Errorf("unexpected payments timeout %s", cfg.Payments.Timeout)
	}
	if cfg.Payments.PayOS.APIKey != "payos-key" || cfg.Payments.PayOS.ChecksumKey != "payos-checksum" {
		t.Errorf("expected resolved payos secrets, got %+v", cfg.Payments.PayOS)
	}
	if cfg.Security.OIDC.Audience != "https://api.example.com" {
		t.Errorf("expected audience chosen by environment, got %s", cfg.Security.OIDC.Audience)
	}
	if cfg.Security.HMAC.Secrets["fulfillment"] != "fulfillment-hmac" {
		t.Errorf("expected resolved hmac secret, got %s", cfg.Security.HMAC.Secrets["fulfillment"])
	}
	if cfg.Security.HMAC.Secrets["other"] != "plain-secret" {
		t.Errorf("expected plain hmac secret, got %s", cfg.Security.HMAC.Secrets["other"])
	}
	if cfg.Security.HMAC.ClockSkew != 3*time.Minute {
		t.Errorf("unexpected clock skew %s", cfg.Security.HMAC.ClockSkew)
	}
	if cfg.Idempotency.Backend != IdempotencyBackendRedis || cfg.Redis.Addr != "localhost:6379" {
		t.Errorf("unexpected idempotency/redis config %+v %+v", cfg.Idempotency, cfg.Redis)
	}
	if cfg.Metrics.Enabled {
		t.Errorf("expected metrics disabled")
	}
}

func TestLoadDotEnvFallback(t *testing.T) {
	dir := t.TempDir()
	envPath := filepath.Join(dir, ".env.test")
	content := "API_SERVER_PORT=7070\nexport API_FIREBASE_PROJECT_ID=\"shop-dot\"\nAPI_PAYMENTS_PROVIDER=none\n# comment\n"
	if err := os.WriteFile(envPath, []byte(content), 0o644); err != nil {
		t.Fatalf("failed to write dotenv file: %v", err)
	}

	cfg, err := Load(context.Background(), WithEnvFile(envPath), WithoutSystemEnv())
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}

	if cfg.Server.Port != "7070" {
		t.Errorf("expected port from dotenv 7070, got %s", cfg.Server.Port)
	}
	if cfg.Firebase.ProjectID != "shop-dot" {
		t.Errorf("expected firebase project from dotenv, got %s", cfg.Firebase.ProjectID)
	}
}

func TestLoadMissingRequired(t *testing.T) {
	_, err := Load(context.Background(), WithEnvMap(map[string]string{}), WithoutSystemEnv(), WithEnvFile(""))
	if err == nil {
		t.Fatal("expected validation error, got nil")
	}
	var validation *ValidationError
	if !errors.As(err, &validation) {
		t.Fatalf("expected ValidationError, got %T", err)
	}
	fields := map[string]bool{}
	for _, field := range validation.Fields() {
		fields[field] = true
	}
	if !fields["Firebase.ProjectID"] || !fields["Payments.PayOS.ClientID"] {
		t.Fatalf("unexpected fields %v", validation.Fields())
	}
}

func TestLoadRejectsUnknownModes(t *testing.T) {
	env := baseEnv()
	env["API_ORDERS_REQUESTER_MODE"] = "guest"
	env["API_IDEMPOTENCY_BACKEND"] = "redis"

	_, err := Load(context.Background(), WithEnvMap(env), WithoutSystemEnv(), WithEnvFile(""))
	var validation *ValidationError
	if !errors.As(err, &validation) {
		t.Fatalf("expected ValidationError, got %v", err)
	}
	fields := validation.Fields()
	if len(fields) != 2 || fields[0] != "Orders.RequesterMode" || fields[1] != "Redis.Addr" {
		t.Fatalf("unexpected fields %v", fields)
	}
}

func TestLoadSecretResolverError(t *testing.T) {
	env := baseEnv()
	env["API_STRIPE_API_KEY"] = "secret://missing"

	_, err := Load(context.Background(), WithEnvMap(env), WithoutSystemEnv(), WithEnvFile(""))
	if err == nil {
		t.Fatal("expected secret resolution error, got nil")
	}
	var secretErr *SecretError
	if !errors.As(err, &secretErr) {
		t.Fatalf("expected SecretError, got %T", err)
	}
	if secretErr.Ref != "secret://missing" {
		t.Errorf("unexpected secret ref %s", secretErr.Ref)
	}
}

func TestLoadProviderSecretsRequired(t *testing.T) {
	env := baseEnv()
	env["API_PAYMENTS_PROVIDER"] = "stripe"

	_, err := Load(context.Background(), WithEnvMap(env), WithoutSystemEnv(), WithEnvFile(""))
	var missing *MissingSecretsError
	if !errors.As(err, &missing) {
		t.Fatalf("expected MissingSecretsError, got %v", err)
	}
	if names := missing.Names(); len(names) != 1 || names[0] != "Payments.Stripe.APIKey" {
		t.Fatalf("unexpected missing names %v", names)
	}
	if got := missing.RedactedNames(); len(got) != 1 || got[0] != redactSecretName("Payments.Stripe.APIKey") {
		t.Fatalf("unexpected redacted names %v", got)
	}
}

func TestEnvironmentValuesMergesSources(t *testing.T) {
	dir := t.TempDir()
	envPath := filepath.Join(dir, ".env.test")
	content := "API_FIREBASE_PROJECT_ID=dot-project\nAPI_SECRET_FALLBACK_FILE=.dot.local\n"
	if err := os.WriteFile(envPath, []byte(content), 0o600); err != nil {
		t.Fatalf("failed writing env file: %v", err)
	}

	t.Setenv("API_FIREBASE_PROJECT_ID", "os-project")
	t.Setenv("API_SECRET_PROJECT_IDS", "prod=project-prod")

	values, err := EnvironmentValues(WithEnvFile(envPath), WithEnvMap(map[string]string{
		"API_FIREBASE_PROJECT_ID": "override-project",
	}))
	if err != nil {
		t.Fatalf("EnvironmentValues returned error: %v", err)
	}

	if got := values["API_FIREBASE_PROJECT_ID"]; got != "override-project" {
		t.Fatalf("expected override project, got %s", got)
	}
	if got := values["API_SECRET_FALLBACK_FILE"]; got != ".dot.local" {
		t.Fatalf("expected dotenv fallback file, got %s", got)
	}
	if got := values["API_SECRET_PROJECT_IDS"]; got != "prod=project-prod" {
		t.Fatalf("expected system env project map, got %s", got)
	}
}

func TestLoadMissingRequiredSecretsPanic(t *testing.T) {
	defer func() {
		rec := recover()
		if rec == nil {
			t.Fatal("expected panic when required secrets missing")
		}
		missing, ok := rec.(*MissingSecretsError)
		if !ok {
			t.Fatalf("expected MissingSecretsError panic, got %T", rec)
		}
		if names := missing.Names(); len(names) != 1 || names[0] != "Security.HMAC.Secrets[fulfillment]" {
			t.Fatalf("unexpected missing secrets %v", names)
		}
	}()

	Load(context.Background(),
		WithEnvMap(baseEnv()),
		WithoutSystemEnv(),
		WithEnvFile(""),
		WithRequiredSecrets("Security.HMAC.Secrets[fulfillment]"),
		WithPanicOnMissingSecrets(),
	)
}

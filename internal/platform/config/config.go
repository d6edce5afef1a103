package config

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"
)

const (
	defaultEnvFile              = ".env"
	defaultPort                 = "8080"
	defaultReadTimeout          = 15 * time.Second
	defaultWriteTimeout         = 30 * time.Second
	defaultIdleTimeout          = 120 * time.Second
	defaultRequestTimeout       = 60 * time.Second
	defaultSecurityEnvironment  = "local"
	defaultOIDCJWKSURL          = "https://www.googleapis.com/oauth2/v3/certs"
	defaultSecurityIssuer       = "https://accounts.google.com"
	defaultHMACSignatureHeader  = "X-Signature"
	defaultHMACTimestampHeader  = "X-Signature-Timestamp"
	defaultHMACNonceHeader      = "X-Signature-Nonce"
	defaultHMACClockSkew        = 5 * time.Minute
	defaultHMACNonceTTL         = 5 * time.Minute
	defaultIdempotencyBackend   = IdempotencyBackendFirestore
	defaultIdempotencyHeader    = "Idempotency-Key"
	defaultIdempotencyTTL       = 24 * time.Hour
	defaultIdempotencyInterval  = time.Hour
	defaultIdempotencyBatchSize = 200
	defaultRequesterMode        = RequesterModeUser
	defaultOfflineMethods       = "cash,cod"
	defaultPaymentsProvider     = PaymentsProviderPayOS
	defaultPaymentsTimeout      = 10 * time.Second
	defaultPaymentsCurrency     = "VND"
	defaultPayOSBaseURL         = "https://api-merchant.payos.vn"
	defaultSweepBatchSize       = 50
	defaultMetricsPath          = "/metrics"
)

// Requester modes accepted by API_ORDERS_REQUESTER_MODE.
const (
	RequesterModeUser  = "user"
	RequesterModeStaff = "staff"
)

// Payment providers accepted by API_PAYMENTS_PROVIDER.
const (
	PaymentsProviderPayOS  = "payos"
	PaymentsProviderStripe = "stripe"
	PaymentsProviderNone   = "none"
)

// Idempotency backends accepted by API_IDEMPOTENCY_BACKEND.
const (
	IdempotencyBackendFirestore = "firestore"
	IdempotencyBackendRedis     = "redis"
	IdempotencyBackendMemory    = "memory"
)

// Config captures all runtime configuration organised by concern.
type Config struct {
	Server      ServerConfig
	Build       BuildConfig
	Firebase    FirebaseConfig
	Firestore   FirestoreConfig
	Orders      OrdersConfig
	Payments    PaymentsConfig
	Security    SecurityConfig
	Idempotency IdempotencyConfig
	Redis       RedisConfig
	Metrics     MetricsConfig
}

// ServerConfig configures HTTP server parameters.
type ServerConfig struct {
	Port           string
	ReadTimeout    time.Duration
	WriteTimeout   time.Duration
	IdleTimeout    time.Duration
	RequestTimeout time.Duration
}

// BuildConfig carries release metadata surfaced by health endpoints.
type BuildConfig struct {
	Version   string
	CommitSHA string
}

// FirebaseConfig stores Firebase project settings.
type FirebaseConfig struct {
	ProjectID       string
	CredentialsFile string
}

// FirestoreConfig stores database parameters.
type FirestoreConfig struct {
	ProjectID    string
	EmulatorHost string
}

// OrdersConfig controls how orders are accepted and announced.
type OrdersConfig struct {
	RequesterMode         string
	OfflinePaymentMethods []string
	EnforceStock          bool
	EventsTopic           string
	SweepBatchSize        int
}

// PaymentsConfig selects and configures the payment-link provider.
type PaymentsConfig struct {
	Provider  string
	Timeout   time.Duration
	ReturnURL string
	CancelURL string
	Currency  string
	PayOS     PayOSConfig
	Stripe    StripeConfig
}

// PayOSConfig holds merchant credentials for PayOS.
type PayOSConfig struct {
	ClientID    string
	APIKey      string
	ChecksumKey string
	BaseURL     string
}

// StripeConfig holds Stripe credentials.
type StripeConfig struct {
	APIKey        string
	WebhookSecret string
}

// SecurityConfig groups server-to-server authentication settings.
type SecurityConfig struct {
	Environment string
	OIDC        OIDCConfig
	HMAC        HMACConfig
}

// OIDCConfig controls Google-signed token verification.
type OIDCConfig struct {
	JWKSURL   string
	Audience  string
	Audiences map[string]string
	Issuers   []string
}

// HMACConfig captures webhook signing expectations.
type HMACConfig struct {
	Secrets         map[string]string
	SignatureHeader string
	TimestampHeader string
	NonceHeader     string
	ClockSkew       time.Duration
	NonceTTL        time.Duration
}

// IdempotencyConfig controls idempotency middleware behaviour.
type IdempotencyConfig struct {
	Backend          string
	Header           string
	TTL              time.Duration
	CleanupInterval  time.Duration
	CleanupBatchSize int
}

// RedisConfig points at the optional Redis instance.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

// MetricsConfig toggles the Prometheus endpoint.
type MetricsConfig struct {
	Enabled bool
	Path    string
}

// Option customises Load behaviour.
type Option func(*loaderOptions)

type loaderOptions struct {
	envFile               string
	envMap                map[string]string
	useSystemEnv          bool
	secret                SecretResolver
	requiredSecrets       []string
	panicOnMissingSecrets bool
}

func defaultLoaderOptions() loaderOptions {
	return loaderOptions{
		envFile:      defaultEnvFile,
		useSystemEnv: true,
	}
}

// WithEnvFile overrides the .env file path used for local overrides.
func WithEnvFile(path string) Option {
	return func(o *loaderOptions) {
		o.envFile = path
	}
}

// WithEnvMap injects an explicit key/value map for environment lookups. Values in the map
// take precedence over system environment variables.
func WithEnvMap(values map[string]string) Option {
	return func(o *loaderOptions) {
		o.envMap = values
	}
}

// WithoutSystemEnv disables reading from os.Getenv, relying only on provided maps and .env files.
func WithoutSystemEnv() Option {
	return func(o *loaderOptions) {
		o.useSystemEnv = false
	}
}

// WithSecretResolver sets the resolver used for secret:// and sm:// references.
func WithSecretResolver(resolver SecretResolver) Option {
	return func(o *loaderOptions) {
		o.secret = resolver
	}
}

// WithRequiredSecrets marks the provided secret identifiers as mandatory, e.g.
// "Payments.PayOS.APIKey" or "Security.HMAC.Secrets[fulfillment]".
func WithRequiredSecrets(names ...string) Option {
	return func(o *loaderOptions) {
		o.requiredSecrets = append(o.requiredSecrets, names...)
	}
}

// WithPanicOnMissingSecrets causes Load to panic when required secrets are missing.
func WithPanicOnMissingSecrets() Option {
	return func(o *loaderOptions) {
		o.panicOnMissingSecrets = true
	}
}

// Load assembles the application configuration by combining defaults, .env overrides,
// environment variables, and optional secret manager lookups.
func Load(ctx context.Context, opts ...Option) (Config, error) {
	options := defaultLoaderOptions()
	for _, opt := range opts {
		opt(&options)
	}

	lookup, err := newLookup(options)
	if err != nil {
		return Config{}, err
	}

	cfg := Config{
		Server: ServerConfig{
			Port:           stringWithDefault(lookup, "API_SERVER_PORT", defaultPort),
			ReadTimeout:    durationWithDefault(lookup, "API_SERVER_READ_TIMEOUT", defaultReadTimeout),
			WriteTimeout:   durationWithDefault(lookup, "API_SERVER_WRITE_TIMEOUT", defaultWriteTimeout),
			IdleTimeout:    durationWithDefault(lookup, "API_SERVER_IDLE_TIMEOUT", defaultIdleTimeout),
			RequestTimeout: durationWithDefault(lookup, "API_SERVER_REQUEST_TIMEOUT", defaultRequestTimeout),
		},
		Build: BuildConfig{
			Version:   stringWithDefault(lookup, "API_BUILD_VERSION", "dev"),
			CommitSHA: stringWithDefault(lookup, "API_BUILD_COMMIT_SHA", ""),
		},
		Firebase: FirebaseConfig{
			ProjectID:       stringWithDefault(lookup, "API_FIREBASE_PROJECT_ID", ""),
			CredentialsFile: stringWithDefault(lookup, "API_FIREBASE_CREDENTIALS_FILE", ""),
		},
		Firestore: FirestoreConfig{
			ProjectID:    stringWithDefault(lookup, "API_FIRESTORE_PROJECT_ID", ""),
			EmulatorHost: stringWithDefault(lookup, "API_FIRESTORE_EMULATOR_HOST", ""),
		},
		Orders: OrdersConfig{
			RequesterMode:         strings.ToLower(stringWithDefault(lookup, "API_ORDERS_REQUESTER_MODE", defaultRequesterMode)),
			OfflinePaymentMethods: lowerAll(csvWithDefault(lookup, "API_ORDERS_OFFLINE_PAYMENT_METHODS", defaultOfflineMethods)),
			EnforceStock:          boolWithDefault(lookup, "API_ORDERS_ENFORCE_STOCK", false),
			EventsTopic:           stringWithDefault(lookup, "API_ORDERS_EVENTS_TOPIC", ""),
			SweepBatchSize:        intWithDefault(lookup, "API_ORDERS_SWEEP_BATCH", defaultSweepBatchSize),
		},
		Payments: PaymentsConfig{
			Provider:  strings.ToLower(stringWithDefault(lookup, "API_PAYMENTS_PROVIDER", defaultPaymentsProvider)),
			Timeout:   durationWithDefault(lookup, "API_PAYMENTS_TIMEOUT", defaultPaymentsTimeout),
			ReturnURL: stringWithDefault(lookup, "API_PAYMENTS_RETURN_URL", ""),
			CancelURL: stringWithDefault(lookup, "API_PAYMENTS_CANCEL_URL", ""),
			Currency:  strings.ToUpper(stringWithDefault(lookup, "API_PAYMENTS_CURRENCY", defaultPaymentsCurrency)),
			PayOS: PayOSConfig{
				ClientID:    stringWithDefault(lookup, "API_PAYOS_CLIENT_ID", ""),
				APIKey:      stringWithDefault(lookup, "API_PAYOS_API_KEY", ""),
				ChecksumKey: stringWithDefault(lookup, "API_PAYOS_CHECKSUM_KEY", ""),
				BaseURL:     stringWithDefault(lookup, "API_PAYOS_BASE_URL", defaultPayOSBaseURL),
			},
			Stripe: StripeConfig{
				APIKey:        stringWithDefault(lookup, "API_STRIPE_API_KEY", ""),
				WebhookSecret: stringWithDefault(lookup, "API_STRIPE_WEBHOOK_SECRET", ""),
			},
		},
		Security: SecurityConfig{
			Environment: strings.ToLower(stringWithDefault(lookup, "API_SECURITY_ENVIRONMENT", defaultSecurityEnvironment)),
			OIDC: OIDCConfig{
				JWKSURL:   stringWithDefault(lookup, "API_SECURITY_OIDC_JWKS_URL", defaultOIDCJWKSURL),
				Audience:  stringWithDefault(lookup, "API_SECURITY_OIDC_AUDIENCE", ""),
				Audiences: mapWithDefault(lookup, "API_SECURITY_OIDC_AUDIENCES"),
				Issuers:   csvWithDefault(lookup, "API_SECURITY_OIDC_ISSUERS", ""),
			},
			HMAC: HMACConfig{
				Secrets:         mapWithDefault(lookup, "API_SECURITY_HMAC_SECRETS"),
				SignatureHeader: stringWithDefault(lookup, "API_SECURITY_HMAC_HEADER_SIGNATURE", defaultHMACSignatureHeader),
				TimestampHeader: stringWithDefault(lookup, "API_SECURITY_HMAC_HEADER_TIMESTAMP", defaultHMACTimestampHeader),
				NonceHeader:     stringWithDefault(lookup, "API_SECURITY_HMAC_HEADER_NONCE", defaultHMACNonceHeader),
				ClockSkew:       durationWithDefault(lookup, "API_SECURITY_HMAC_CLOCK_SKEW", defaultHMACClockSkew),
				NonceTTL:        durationWithDefault(lookup, "API_SECURITY_HMAC_NONCE_TTL", defaultHMACNonceTTL),
			},
		},
		Idempotency: IdempotencyConfig{
			Backend:          strings.ToLower(stringWithDefault(lookup, "API_IDEMPOTENCY_BACKEND", defaultIdempotencyBackend)),
			Header:           stringWithDefault(lookup, "API_IDEMPOTENCY_HEADER", defaultIdempotencyHeader),
			TTL:              durationWithDefault(lookup, "API_IDEMPOTENCY_TTL", defaultIdempotencyTTL),
			CleanupInterval:  durationWithDefault(lookup, "API_IDEMPOTENCY_CLEANUP_INTERVAL", defaultIdempotencyInterval),
			CleanupBatchSize: intWithDefault(lookup, "API_IDEMPOTENCY_CLEANUP_BATCH", defaultIdempotencyBatchSize),
		},
		Redis: RedisConfig{
			Addr:     stringWithDefault(lookup, "API_REDIS_ADDR", ""),
			Password: stringWithDefault(lookup, "API_REDIS_PASSWORD", ""),
			DB:       intWithDefault(lookup, "API_REDIS_DB", 0),
		},
		Metrics: MetricsConfig{
			Enabled: boolWithDefault(lookup, "API_METRICS_ENABLED", true),
			Path:    stringWithDefault(lookup, "API_METRICS_PATH", defaultMetricsPath),
		},
	}

	// Firestore project defaults to Firebase project when unspecified.
	if cfg.Firestore.ProjectID == "" {
		cfg.Firestore.ProjectID = cfg.Firebase.ProjectID
	}
	if len(cfg.Security.OIDC.Issuers) == 0 {
		cfg.Security.OIDC.Issuers = []string{defaultSecurityIssuer}
	}
	if cfg.Security.OIDC.Audience == "" {
		if audience, ok := cfg.Security.OIDC.Audiences[cfg.Security.Environment]; ok {
			cfg.Security.OIDC.Audience = audience
		}
	}

	resolved, err := resolveSecretFields(ctx, &cfg, options.secret)
	if err != nil {
		return Config{}, err
	}

	if err := validateConfig(cfg); err != nil {
		return Config{}, err
	}

	required := append(providerSecrets(cfg.Payments.Provider), options.requiredSecrets...)
	if missing := findMissingSecrets(required, resolved); missing != nil {
		if options.panicOnMissingSecrets {
			fmt.Fprintf(os.Stderr, "config: %s\n", missing.Error())
			panic(missing)
		}
		return Config{}, missing
	}

	return cfg, nil
}

// OfflinePayment reports whether the payment method settles outside a payment link.
func (c OrdersConfig) OfflinePayment(method string) bool {
	method = strings.ToLower(strings.TrimSpace(method))
	for _, candidate := range c.OfflinePaymentMethods {
		if candidate == method {
			return true
		}
	}
	return false
}

func resolveSecretFields(ctx context.Context, cfg *Config, resolver SecretResolver) (map[string]string, error) {
	resolved := make(map[string]string)

	for key, value := range cfg.Security.HMAC.Secrets {
		secret, err := resolveSecret(ctx, value, resolver)
		if err != nil {
			return nil, err
		}
		cfg.Security.HMAC.Secrets[key] = secret
		resolved[fmt.Sprintf("Security.HMAC.Secrets[%s]", key)] = strings.TrimSpace(secret)
	}

	fields := []struct {
		name  string
		field *string
	}{
		{"Payments.PayOS.APIKey", &cfg.Payments.PayOS.APIKey},
		{"Payments.PayOS.ChecksumKey", &cfg.Payments.PayOS.ChecksumKey},
		{"Payments.Stripe.APIKey", &cfg.Payments.Stripe.APIKey},
		{"Payments.Stripe.WebhookSecret", &cfg.Payments.Stripe.WebhookSecret},
		{"Redis.Password", &cfg.Redis.Password},
	}
	for _, target := range fields {
		secret, err := resolveSecret(ctx, *target.field, resolver)
		if err != nil {
			return nil, err
		}
		*target.field = secret
		resolved[target.name] = strings.TrimSpace(secret)
	}
	return resolved, nil
}

func providerSecrets(provider string) []string {
	switch provider {
	case PaymentsProviderPayOS:
		return []string{"Payments.PayOS.APIKey", "Payments.PayOS.ChecksumKey"}
	case PaymentsProviderStripe:
		return []string{"Payments.Stripe.APIKey"}
	default:
		return nil
	}
}

func validateConfig(cfg Config) error {
	var missing []string

	if cfg.Server.Port == "" {
		missing = append(missing, "Server.Port")
	}
	if cfg.Server.RequestTimeout <= 0 {
		missing = append(missing, "Server.RequestTimeout")
	}
	if cfg.Firebase.ProjectID == "" {
		missing = append(missing, "Firebase.ProjectID")
	}
	if cfg.Firestore.ProjectID == "" {
		missing = append(missing, "Firestore.ProjectID")
	}

	switch cfg.Orders.RequesterMode {
	case RequesterModeUser, RequesterModeStaff:
	default:
		missing = append(missing, "Orders.RequesterMode")
	}
	if cfg.Orders.SweepBatchSize <= 0 {
		missing = append(missing, "Orders.SweepBatchSize")
	}

	switch cfg.Payments.Provider {
	case PaymentsProviderPayOS:
		if strings.TrimSpace(cfg.Payments.PayOS.ClientID) == "" {
			missing = append(missing, "Payments.PayOS.ClientID")
		}
		if strings.TrimSpace(cfg.Payments.PayOS.BaseURL) == "" {
			missing = append(missing, "Payments.PayOS.BaseURL")
		}
	case PaymentsProviderStripe, PaymentsProviderNone:
	default:
		missing = append(missing, "Payments.Provider")
	}
	if cfg.Payments.Timeout <= 0 {
		missing = append(missing, "Payments.Timeout")
	}
	if strings.TrimSpace(cfg.Payments.Currency) == "" {
		missing = append(missing, "Payments.Currency")
	}

	switch cfg.Idempotency.Backend {
	case IdempotencyBackendFirestore, IdempotencyBackendMemory:
	case IdempotencyBackendRedis:
		if strings.TrimSpace(cfg.Redis.Addr) == "" {
			missing = append(missing, "Redis.Addr")
		}
	default:
		missing = append(missing, "Idempotency.Backend")
	}
	if strings.TrimSpace(cfg.Idempotency.Header) == "" {
		missing = append(missing, "Idempotency.Header")
	}
	if cfg.Idempotency.TTL <= 0 {
		missing = append(missing, "Idempotency.TTL")
	}
	if cfg.Idempotency.CleanupInterval <= 0 {
		missing = append(missing, "Idempotency.CleanupInterval")
	}
	if cfg.Idempotency.CleanupBatchSize <= 0 {
		missing = append(missing, "Idempotency.CleanupBatchSize")
	}

	if len(missing) > 0 {
		return &ValidationError{fields: missing}
	}
	return nil
}

func lowerAll(values []string) []string {
	for i, value := range values {
		values[i] = strings.ToLower(value)
	}
	return values
}

package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sort"
	"strings"
	"sync"
	"syscall"
	"time"

	"cloud.google.com/go/firestore"
	"cloud.google.com/go/pubsub"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel"
	"go.uber.org/zap"
	"google.golang.org/api/option"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/vanhh59/vpack-ecomerce/internal/di"
	"github.com/vanhh59/vpack-ecomerce/internal/handlers"
	"github.com/vanhh59/vpack-ecomerce/internal/payments"
	"github.com/vanhh59/vpack-ecomerce/internal/platform/auth"
	"github.com/vanhh59/vpack-ecomerce/internal/platform/config"
	pfirestore "github.com/vanhh59/vpack-ecomerce/internal/platform/firestore"
	"github.com/vanhh59/vpack-ecomerce/internal/platform/idempotency"
	"github.com/vanhh59/vpack-ecomerce/internal/platform/jobs"
	"github.com/vanhh59/vpack-ecomerce/internal/platform/metrics"
	"github.com/vanhh59/vpack-ecomerce/internal/platform/observability"
	"github.com/vanhh59/vpack-ecomerce/internal/platform/secrets"
	"github.com/vanhh59/vpack-ecomerce/internal/repositories"
	firestoreRepo "github.com/vanhh59/vpack-ecomerce/internal/repositories/firestore"
	"github.com/vanhh59/vpack-ecomerce/internal/services"
)

const (
	fulfillmentSecretName = "fulfillment"
	webhookRateLimit      = 120
	webhookRateWindow     = time.Minute
)

func main() {
	ctx := context.Background()
	startedAt := time.Now().UTC()

	baseLogger, err := observability.NewLogger()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialise logger: %v\n", err)
		os.Exit(1)
	}
	defer func() {
		_ = baseLogger.Sync()
	}()

	logger := baseLogger.Named("api")
	ctx = observability.WithLogger(ctx, logger)

	envValues, err := config.EnvironmentValues()
	if err != nil {
		logger.Fatal("failed to read environment values", zap.Error(err))
	}

	fetcher, err := newSecretFetcher(ctx, logger, envValues)
	if err != nil {
		logger.Fatal("failed to initialise secret fetcher", zap.Error(err))
	}
	defer func() {
		if err := fetcher.Close(); err != nil {
			logger.Warn("secret fetcher close error", zap.Error(err))
		}
	}()

	cfg, err := config.Load(ctx,
		config.WithSecretResolver(config.SecretResolverFunc(fetcher.Resolve)),
		config.WithRequiredSecrets(requiredSecretNames(envValues)...),
	)
	if err != nil {
		var missing *config.MissingSecretsError
		if errors.As(err, &missing) {
			logger.Fatal("missing required secrets", zap.Strings("secrets", missing.RedactedNames()))
		}
		logger.Fatal("failed to load configuration", zap.Error(err))
	}

	buildInfo := services.BuildInfo{
		Version:     cfg.Build.Version,
		CommitSHA:   firstNonEmpty(cfg.Build.CommitSHA, "unknown"),
		Environment: firstNonEmpty(cfg.Security.Environment, "local"),
		StartedAt:   startedAt,
	}

	firestoreProvider := pfirestore.NewProvider(cfg.Firestore)
	firestoreClient, err := firestoreProvider.Client(ctx)
	if err != nil {
		logger.Fatal("failed to initialise firestore client", zap.Error(err))
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := firestoreProvider.Close(closeCtx); err != nil {
			logger.Warn("firestore close error", zap.Error(err))
		}
	}()

	var redisClient *redis.Client
	if addr := strings.TrimSpace(cfg.Redis.Addr); addr != "" {
		redisClient = redis.NewClient(&redis.Options{
			Addr:     addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		defer func() {
			if err := redisClient.Close(); err != nil {
				logger.Warn("redis close error", zap.Error(err))
			}
		}()
	}

	productRepo, err := firestoreRepo.NewProductRepository(firestoreProvider)
	if err != nil {
		logger.Fatal("failed to initialise product repository", zap.Error(err))
	}
	orderRepo, err := firestoreRepo.NewOrderRepository(firestoreProvider)
	if err != nil {
		logger.Fatal("failed to initialise order repository", zap.Error(err))
	}
	counterRepo, err := firestoreRepo.NewCounterRepository(firestoreProvider,
		firestoreRepo.WithCounterCeiling(services.PaymentOrderCodeCounter, payments.MaxOrderCode),
	)
	if err != nil {
		logger.Fatal("failed to initialise counter repository", zap.Error(err))
	}

	domainMetrics := metrics.New(prometheus.DefaultRegisterer)
	httpMetrics, err := observability.NewHTTPMetrics(otel.Meter("github.com/vanhh59/vpack-ecomerce/http"))
	if err != nil {
		logger.Warn("http metrics unavailable", zap.Error(err))
	}

	infra := di.Infrastructure{
		Catalog:          productRepo,
		Orders:           orderRepo,
		Stats:            orderRepo,
		Counters:         counterRepo,
		ReconcileMetrics: domainMetrics,
		LinkMetrics:      domainMetrics,
		SweepMetrics:     domainMetrics,
		Build:            buildInfo,
		Clock:            time.Now,
		Logger: func(component string) func(context.Context, string, map[string]any) {
			return observability.EventLogger(logger, component)
		},
	}

	paymentManager, err := buildPaymentManager(cfg, logger.Named("payments"))
	if err != nil {
		logger.Fatal("failed to initialise payment providers", zap.Error(err))
	}
	if paymentManager != nil && cfg.Payments.Provider != config.PaymentsProviderNone {
		infra.Payments = paymentManager
	}

	if topicName := strings.TrimSpace(cfg.Orders.EventsTopic); topicName != "" {
		pubsubClient, err := pubsub.NewClient(ctx, firstNonEmpty(cfg.Firestore.ProjectID, cfg.Firebase.ProjectID))
		if err != nil {
			logger.Fatal("failed to initialise pubsub client", zap.Error(err))
		}
		topic := pubsubClient.Topic(topicName)
		defer func() {
			topic.Stop()
			if err := pubsubClient.Close(); err != nil {
				logger.Warn("pubsub close error", zap.Error(err))
			}
		}()
		publisher, err := jobs.NewPubSubOrderEventPublisher(topic)
		if err != nil {
			logger.Fatal("failed to initialise order event publisher", zap.Error(err))
		}
		infra.Events = publisher
	}

	healthRepo, err := newHealthRepository(firestoreProvider, fetcher, redisClient)
	if err != nil {
		logger.Warn("health: dependency checks unavailable", zap.Error(err))
	} else {
		infra.Health = healthRepo
	}

	container, err := di.NewContainer(cfg, infra)
	if err != nil {
		logger.Fatal("failed to build services", zap.Error(err))
	}
	svc := container.Services

	idempotencyStore, err := newIdempotencyStore(cfg, firestoreClient, redisClient)
	if err != nil {
		logger.Fatal("failed to initialise idempotency store", zap.Error(err))
	}
	idempotencyMiddleware := idempotency.Middleware(
		idempotencyStore,
		idempotency.WithHeader(cfg.Idempotency.Header),
		idempotency.WithTTL(cfg.Idempotency.TTL),
		idempotency.WithReplayWhenHeader(handlers.OrderIDHeader),
		idempotency.WithLogger(observability.NewPrintfAdapter(logger.Named("idempotency"))),
	)

	cleanupCtx, cleanupCancel := context.WithCancel(context.Background())
	var cleanupWG sync.WaitGroup
	if cfg.Idempotency.CleanupInterval > 0 {
		cleanupWG.Add(1)
		go runIdempotencyCleanup(cleanupCtx, &cleanupWG, idempotencyStore, cfg.Idempotency, logger.Named("idempotency"))
	}

	firebaseVerifier, err := auth.NewFirebaseVerifier(ctx, cfg.Firebase)
	if err != nil {
		logger.Fatal("failed to initialise firebase verifier", zap.Error(err))
	}
	authenticator := auth.NewAuthenticator(firebaseVerifier)

	authLogger := logger.Named("auth")
	oidcMiddleware := buildOIDCMiddleware(authLogger, cfg, domainMetrics)
	fulfillmentAuth := buildFulfillmentAuth(authLogger, cfg, domainMetrics)

	orderHandlers := handlers.NewOrderHandlers(authenticator, svc.Orders, svc.Reconciler,
		handlers.WithRequesterMode(cfg.Orders.RequesterMode),
		handlers.WithSalesCurrency(cfg.Payments.Currency),
		handlers.WithOrderIdempotency(idempotencyMiddleware),
	)

	var webhookVerifier handlers.WebhookVerifier
	if paymentManager != nil {
		webhookVerifier = paymentManager
	}
	webhookOpts := []handlers.WebhookOption{
		handlers.WithProviderMiddlewares(handlers.RateLimitByIP(webhookRateLimit, webhookRateWindow, time.Now)),
	}
	if fulfillmentAuth != nil {
		webhookOpts = append(webhookOpts, handlers.WithFulfillmentAuth(fulfillmentAuth))
	}
	webhookHandlers := handlers.NewWebhookHandlers(webhookVerifier, svc.Reconciler, webhookOpts...)
	internalHandlers := handlers.NewInternalHandlers(svc.Sweeper)

	healthHandlers := handlers.NewHealthHandlers(
		handlers.WithHealthBuildInfo(buildInfo),
		handlers.WithHealthSystemService(svc.System),
	)

	projectID := firstNonEmpty(cfg.Firebase.ProjectID, cfg.Firestore.ProjectID)
	middlewares := []func(http.Handler) http.Handler{
		observability.InjectLoggerMiddleware(logger.Named("http")),
		observability.TraceMiddleware(projectID),
		observability.RecoveryMiddleware(logger.Named("http")),
		observability.RequestLoggerMiddleware(httpMetrics),
	}

	opts := []handlers.Option{
		handlers.WithMiddlewares(middlewares...),
		handlers.WithRequestTimeout(cfg.Server.RequestTimeout),
		handlers.WithHealthHandlers(healthHandlers),
		handlers.WithOrderRoutes(orderHandlers.Routes),
		handlers.WithWebhookRoutes(webhookHandlers.Routes),
		handlers.WithInternalRoutes(internalHandlers.Routes),
	}
	if cfg.Metrics.Enabled {
		opts = append(opts, handlers.WithMetricsHandler(cfg.Metrics.Path, domainMetrics.Handler()))
	}
	if oidcMiddleware != nil {
		opts = append(opts, handlers.WithInternalMiddlewares(oidcMiddleware))
	}

	server := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      handlers.NewRouter(opts...),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, syscall.SIGINT, syscall.SIGTERM)

	serverLogger := logger.Named("http").With(zap.String("addr", server.Addr))
	go func() {
		serverLogger.Info("vpack order api listening",
			zap.String("requesterMode", cfg.Orders.RequesterMode),
			zap.String("paymentsProvider", cfg.Payments.Provider),
		)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverLogger.Fatal("http server error", zap.Error(err))
		}
	}()

	<-shutdown
	logger.Info("shutdown signal received; draining requests")

	cleanupCancel()
	cleanupWG.Wait()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("graceful shutdown failed", zap.Error(err))
	}
}

func buildPaymentManager(cfg config.Config, logger *zap.Logger) (*payments.Manager, error) {
	providerLog := func(name string) payments.Logger {
		named := logger.Named(name)
		return func(ctx context.Context, event string, fields map[string]any) {
			zFields := make([]zap.Field, 0, len(fields)+1)
			zFields = append(zFields, zap.String("event", event))
			for k, v := range fields {
				zFields = append(zFields, zap.Any(k, v))
			}
			named.Debug("payment provider log", zFields...)
		}
	}

	providers := make(map[string]payments.Provider, 2)
	if cfg.Payments.PayOS.ClientID != "" && cfg.Payments.PayOS.APIKey != "" && cfg.Payments.PayOS.ChecksumKey != "" {
		payos, err := payments.NewPayOSProvider(payments.PayOSConfig{
			ClientID:    cfg.Payments.PayOS.ClientID,
			APIKey:      cfg.Payments.PayOS.APIKey,
			ChecksumKey: cfg.Payments.PayOS.ChecksumKey,
			BaseURL:     cfg.Payments.PayOS.BaseURL,
			HTTPClient:  &http.Client{Timeout: cfg.Payments.Timeout},
			Logger:      providerLog(config.PaymentsProviderPayOS),
		})
		if err != nil {
			return nil, fmt.Errorf("payos: %w", err)
		}
		providers[config.PaymentsProviderPayOS] = payos
	}
	if cfg.Payments.Stripe.APIKey != "" {
		stripeProvider, err := payments.NewStripeProvider(payments.StripeConfig{
			APIKey:        cfg.Payments.Stripe.APIKey,
			WebhookSecret: cfg.Payments.Stripe.WebhookSecret,
			Logger:        providerLog(config.PaymentsProviderStripe),
		})
		if err != nil {
			return nil, fmt.Errorf("stripe: %w", err)
		}
		providers[config.PaymentsProviderStripe] = stripeProvider
	}

	if cfg.Payments.Provider == config.PaymentsProviderNone {
		if len(providers) == 0 {
			return nil, nil
		}
		// Webhooks from already issued links are still accepted.
		return payments.NewManager(providers)
	}
	if _, ok := providers[cfg.Payments.Provider]; !ok {
		return nil, fmt.Errorf("%w: %q has no credentials", payments.ErrUnsupportedProvider, cfg.Payments.Provider)
	}
	return payments.NewManager(providers, payments.WithDefaultProvider(cfg.Payments.Provider))
}

func newIdempotencyStore(cfg config.Config, firestoreClient *firestore.Client, redisClient *redis.Client) (idempotency.Store, error) {
	switch cfg.Idempotency.Backend {
	case config.IdempotencyBackendRedis:
		if redisClient == nil {
			return nil, errors.New("redis backend selected but API_REDIS_ADDR is empty")
		}
		return idempotency.NewRedisStore(redisClient), nil
	case config.IdempotencyBackendMemory:
		return idempotency.NewMemoryStore(), nil
	default:
		return idempotency.NewFirestoreStore(firestoreClient), nil
	}
}

func runIdempotencyCleanup(ctx context.Context, wg *sync.WaitGroup, store idempotency.Store, cfg config.IdempotencyConfig, logger *zap.Logger) {
	defer wg.Done()
	ticker := time.NewTicker(cfg.CleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			runCtx, cancel := context.WithTimeout(ctx, time.Minute)
			removed, err := store.PurgeExpired(runCtx, time.Now().UTC(), cfg.CleanupBatchSize)
			cancel()
			if err != nil {
				logger.Error("idempotency cleanup error", zap.Error(err))
				continue
			}
			if removed > 0 {
				logger.Info("idempotency cleanup removed records", zap.Int("count", removed))
			}
		case <-ctx.Done():
			return
		}
	}
}

func newHealthRepository(provider *pfirestore.Provider, fetcher *secrets.Fetcher, redisClient *redis.Client) (repositories.HealthRepository, error) {
	checks := make([]repositories.DependencyCheck, 0, 3)
	if provider != nil {
		checks = append(checks, repositories.DependencyCheck{
			Name:    "firestore",
			Timeout: 1500 * time.Millisecond,
			Check:   provider.Ping,
		})
	}
	if fetcher != nil {
		const secretHealthReference = "secret://system/healthz?version=latest"
		checks = append(checks, repositories.DependencyCheck{
			Name:    "secretManager",
			Timeout: time.Second,
			Check: func(ctx context.Context) error {
				_, err := fetcher.Resolve(ctx, secretHealthReference)
				if err == nil || status.Code(err) == codes.NotFound {
					return nil
				}
				return err
			},
		})
	}
	if redisClient != nil {
		checks = append(checks, repositories.DependencyCheck{
			Name:    "redis",
			Timeout: 500 * time.Millisecond,
			Check: func(ctx context.Context) error {
				return redisClient.Ping(ctx).Err()
			},
		})
	}
	if len(checks) == 0 {
		return nil, errors.New("health: no dependency checks configured")
	}
	return repositories.NewDependencyHealthRepository(checks)
}

func buildOIDCMiddleware(logger *zap.Logger, cfg config.Config, recorder auth.MetricsRecorder) func(http.Handler) http.Handler {
	if strings.TrimSpace(cfg.Security.OIDC.JWKSURL) == "" {
		return nil
	}
	adapter := observability.NewPrintfAdapter(logger)
	cache := auth.NewJWKSCache(cfg.Security.OIDC.JWKSURL, auth.WithJWKSLogger(adapter))
	validator := auth.NewOIDCValidator(cache, auth.WithOIDCLogger(adapter), auth.WithOIDCMetrics(recorder))

	audience := firstNonEmpty(cfg.Security.OIDC.Audiences["internal"], cfg.Security.OIDC.Audience)
	if audience == "" {
		logger.Warn("auth: OIDC audience not configured; internal routes will reject requests")
	}
	if len(cfg.Security.OIDC.Issuers) == 0 {
		logger.Warn("auth: OIDC issuers not configured; internal routes will reject requests")
	}
	return validator.RequireOIDC(audience, cfg.Security.OIDC.Issuers)
}

func buildFulfillmentAuth(logger *zap.Logger, cfg config.Config, recorder auth.MetricsRecorder) func(http.Handler) http.Handler {
	secretsByName := make(auth.StaticSecrets, len(cfg.Security.HMAC.Secrets))
	for key, value := range cfg.Security.HMAC.Secrets {
		if strings.TrimSpace(value) == "" {
			continue
		}
		secretsByName[strings.ToLower(strings.TrimSpace(key))] = value
	}
	if _, ok := secretsByName[fulfillmentSecretName]; !ok {
		logger.Warn("auth: fulfillment hmac secret not configured; delivery callbacks are disabled")
		return func(http.Handler) http.Handler {
			return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusServiceUnavailable)
				_, _ = w.Write([]byte(`{"error":"fulfillment callbacks disabled","code":"webhook_disabled","status":503}`))
			})
		}
	}

	validator := auth.NewHMACValidator(secretsByName, auth.NewInMemoryNonceStore(),
		auth.WithHMACLogger(observability.NewPrintfAdapter(logger)),
		auth.WithHMACMetrics(recorder),
		auth.WithHMACHeaders(cfg.Security.HMAC.SignatureHeader, cfg.Security.HMAC.TimestampHeader, cfg.Security.HMAC.NonceHeader),
		auth.WithHMACClockSkew(cfg.Security.HMAC.ClockSkew),
		auth.WithHMACNonceTTL(cfg.Security.HMAC.NonceTTL),
	)
	return validator.RequireHMAC(fulfillmentSecretName)
}

func newSecretFetcher(ctx context.Context, logger *zap.Logger, env map[string]string) (*secrets.Fetcher, error) {
	lookup := func(key string) string {
		if env == nil {
			return ""
		}
		return strings.TrimSpace(env[key])
	}

	envLabel := strings.ToLower(lookup("API_SECURITY_ENVIRONMENT"))
	if envLabel == "" {
		envLabel = "local"
	}
	defaultProject := firstNonEmpty(lookup("API_SECRET_DEFAULT_PROJECT_ID"), lookup("API_FIREBASE_PROJECT_ID"))
	fallbackPath := firstNonEmpty(lookup("API_SECRET_FALLBACK_FILE"), ".secrets.local")

	opts := []secrets.Option{
		secrets.WithEnvironment(envLabel),
		secrets.WithLogger(logger.Named("secrets")),
		secrets.WithFallbackFile(fallbackPath),
		secrets.WithMeter(otel.Meter("github.com/vanhh59/vpack-ecomerce/secrets")),
	}
	if projectMap := parseKeyValueList(lookup("API_SECRET_PROJECT_IDS")); len(projectMap) > 0 {
		normalised := make(map[string]string, len(projectMap))
		for label, project := range projectMap {
			normalised[strings.ToLower(label)] = project
		}
		opts = append(opts, secrets.WithProjectMap(normalised))
	}
	if defaultProject != "" {
		opts = append(opts, secrets.WithDefaultProject(defaultProject))
	}
	if credentialsFile := lookup("API_FIREBASE_CREDENTIALS_FILE"); credentialsFile != "" {
		opts = append(opts, secrets.WithClientOptions(option.WithCredentialsFile(credentialsFile)))
	}
	return secrets.NewFetcher(ctx, opts...)
}

// requiredSecretNames lists HMAC secrets that must resolve. Provider
// credentials are checked by config.Load for the selected provider.
func requiredSecretNames(env map[string]string) []string {
	raw := ""
	if env != nil {
		raw = env["API_SECURITY_HMAC_SECRETS"]
	}
	keys := make([]string, 0)
	for key := range parseKeyValueList(raw) {
		keys = append(keys, fmt.Sprintf("Security.HMAC.Secrets[%s]", strings.ToLower(key)))
	}
	sort.Strings(keys)
	return keys
}

func parseKeyValueList(raw string) map[string]string {
	result := make(map[string]string)
	for _, entry := range strings.Split(raw, ",") {
		key, value, ok := strings.Cut(strings.TrimSpace(entry), "=")
		if !ok {
			continue
		}
		key, value = strings.TrimSpace(key), strings.TrimSpace(value)
		if key == "" || value == "" {
			continue
		}
		result[key] = value
	}
	return result
}

func firstNonEmpty(values ...string) string {
	for _, value := range values {
		if trimmed := strings.TrimSpace(value); trimmed != "" {
			return trimmed
		}
	}
	return ""
}

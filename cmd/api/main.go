package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"cloud.google.com/go/pubsub"
	cloudstorage "cloud.google.com/go/storage"
	"go.uber.org/zap"
	"google.golang.org/api/option"

	"github.com/balajihariharan01/SELVI-ENTERPRISES-sub000/internal/di"
	"github.com/balajihariharan01/SELVI-ENTERPRISES-sub000/internal/handlers"
	"github.com/balajihariharan01/SELVI-ENTERPRISES-sub000/internal/payments"
	"github.com/balajihariharan01/SELVI-ENTERPRISES-sub000/internal/platform/auth"
	"github.com/balajihariharan01/SELVI-ENTERPRISES-sub000/internal/platform/config"
	"github.com/balajihariharan01/SELVI-ENTERPRISES-sub000/internal/platform/idempotency"
	"github.com/balajihariharan01/SELVI-ENTERPRISES-sub000/internal/platform/jobs"
	"github.com/balajihariharan01/SELVI-ENTERPRISES-sub000/internal/platform/observability"
	"github.com/balajihariharan01/SELVI-ENTERPRISES-sub000/internal/platform/secrets"
	platformstorage "github.com/balajihariharan01/SELVI-ENTERPRISES-sub000/internal/platform/storage"
	"github.com/balajihariharan01/SELVI-ENTERPRISES-sub000/internal/repositories"
)

func main() {
	ctx := context.Background()

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
		config.WithRequiredSecrets(config.SecretStripeAPIKey, config.SecretStripeWebhookSecret),
	)
	if err != nil {
		var missing *config.MissingSecretsError
		if errors.As(err, &missing) {
			logger.Fatal("missing required secrets", zap.Strings("secrets", missing.Names()))
		}
		logger.Fatal("failed to load configuration", zap.Error(err))
	}

	version, commit := buildInfoFromEnv(envValues)

	var probes []repositories.DependencyProbe

	pubsubClient, err := pubsub.NewClient(ctx, cfg.PubSub.ProjectID)
	if err != nil {
		logger.Fatal("failed to initialise pubsub client", zap.Error(err))
	}
	defer func() {
		if err := pubsubClient.Close(); err != nil {
			logger.Warn("pubsub close error", zap.Error(err))
		}
	}()
	receiptTopic := pubsubClient.Topic(cfg.PubSub.ReceiptTopic)
	eventsTopic := pubsubClient.Topic(cfg.PubSub.EventsTopic)
	publisher, err := jobs.NewPubSubPublisher(receiptTopic, eventsTopic)
	if err != nil {
		logger.Fatal("failed to initialise pubsub publisher", zap.Error(err))
	}
	defer publisher.Stop()
	probes = append(probes, repositories.DependencyProbe{
		Name:  "pubsub",
		Check: topicProbe(receiptTopic),
	})

	registry, idempotencyStore, closeIdempotency, err := di.NewStores(cfg, time.Now, probes...)
	if err != nil {
		logger.Fatal("failed to initialise persistence", zap.Error(err))
	}

	collab := di.Collaborators{
		Receipts: publisher,
		Events:   publisher,
		Clock:    time.Now,
		Logger:   logger,
	}

	if bucket := strings.TrimSpace(cfg.Storage.WebhookArchiveBucket); bucket != "" {
		storageClient, err := cloudstorage.NewClient(ctx)
		if err != nil {
			logger.Fatal("failed to initialise storage client", zap.Error(err))
		}
		defer func() {
			if err := storageClient.Close(); err != nil {
				logger.Warn("storage close error", zap.Error(err))
			}
		}()
		archive, err := platformstorage.NewWebhookArchive(storageClient, bucket)
		if err != nil {
			logger.Fatal("failed to initialise webhook archive", zap.Error(err))
		}
		collab.Archive = archive
	}

	gateway, err := payments.NewStripeGateway(payments.StripeGatewayConfig{
		APIKey:           cfg.PSP.StripeAPIKey,
		WebhookSecret:    cfg.PSP.StripeWebhookSecret,
		WebhookTolerance: cfg.PSP.WebhookTolerance,
		Logger:           observability.EventLogger(logger.Named("stripe")),
	})
	if err != nil {
		logger.Fatal("failed to initialise payment gateway", zap.Error(err))
	}
	collab.Gateway = gateway

	container, err := di.NewContainer(cfg, registry, collab)
	if err != nil {
		logger.Fatal("failed to initialise services", zap.Error(err))
	}
	container.Idempotency = idempotencyStore
	container.AddCloser(closeIdempotency)
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := container.Close(closeCtx); err != nil {
			logger.Warn("container close error", zap.Error(err))
		}
	}()

	idempotencyOpts := []idempotency.MiddlewareOption{
		idempotency.WithHeader(cfg.Idempotency.Header),
		idempotency.WithTTL(cfg.Idempotency.TTL),
		idempotency.WithLogger(logger.Named("idempotency")),
	}
	if !cfg.Orders.RequireIdempotency {
		idempotencyOpts = append(idempotencyOpts, idempotency.Optional())
	}
	idempotencyMiddleware := idempotency.Middleware(idempotencyStore, idempotencyOpts...)

	cleanupCtx, cleanupCancel := context.WithCancel(context.Background())
	var cleanupWG sync.WaitGroup
	cleanupTicker := time.NewTicker(cfg.Idempotency.CleanupInterval)
	cleanupWG.Add(1)
	go func() {
		defer cleanupWG.Done()
		cleanupLogger := logger.Named("idempotency")
		for {
			select {
			case <-cleanupTicker.C:
				runCtx, cancel := context.WithTimeout(cleanupCtx, time.Minute)
				removed, err := idempotencyStore.Sweep(runCtx, time.Now().UTC(), cfg.Idempotency.CleanupBatchSize)
				cancel()
				if err != nil {
					cleanupLogger.Error("idempotency cleanup error", zap.Error(err))
					continue
				}
				if removed > 0 {
					cleanupLogger.Info("idempotency cleanup removed records", zap.Int("count", removed))
				}
			case <-cleanupCtx.Done():
				return
			}
		}
	}()

	firebaseVerifier, err := auth.NewFirebaseVerifier(ctx, cfg.Firebase)
	if err != nil {
		logger.Fatal("failed to initialise firebase verifier", zap.Error(err))
	}
	authenticator := auth.NewAuthenticator(firebaseVerifier)
	oidcMiddleware := buildOIDCMiddleware(logger.Named("auth"), cfg)

	svc := container.Services
	window := cfg.Orders.ModificationWindow
	orderHandlers := handlers.NewOrderHandlers(authenticator, svc.Orders,
		handlers.WithOrderPayments(svc.Payments),
		handlers.WithOrderIdempotency(idempotencyMiddleware),
		handlers.WithOrderCreateRateLimit(cfg.Orders.CreateRateLimit, time.Minute),
		handlers.WithOrderModificationWindow(window),
	)
	paymentHandlers := handlers.NewPaymentHandlers(authenticator, svc.Payments, time.Now, window)
	adminHandlers := handlers.NewAdminOrderHandlers(authenticator, svc.Orders, time.Now, window)
	webhookHandlers := handlers.NewPaymentWebhookHandlers(svc.Payments)
	internalHandlers := handlers.NewInternalPaymentHandlers(svc.Payments)

	healthHandlers := handlers.NewHealthHandlers(
		handlers.WithHealthBuildInfo(version, commit),
		handlers.WithHealthRepository(registry.Health()),
	)

	projectID := traceProjectID(cfg)
	middlewares := []func(http.Handler) http.Handler{
		observability.InjectLoggerMiddleware(logger.Named("http")),
		observability.TraceMiddleware(projectID),
		observability.RecoveryMiddleware(logger.Named("http")),
		observability.RequestLoggerMiddleware(),
	}

	opts := []handlers.Option{
		handlers.WithMiddlewares(middlewares...),
		handlers.WithHealthHandlers(healthHandlers),
		handlers.WithOrderRoutes(orderHandlers.Routes),
		handlers.WithPaymentRoutes(paymentHandlers.Routes),
		handlers.WithAdminRoutes(adminHandlers.Routes),
		handlers.WithWebhookRoutes(webhookHandlers.Routes),
		handlers.WithInternalRoutes(internalHandlers.Routes),
	}
	if oidcMiddleware != nil {
		opts = append(opts, handlers.WithInternalMiddlewares(oidcMiddleware))
	}

	router := handlers.NewRouter(opts...)
	server := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, syscall.SIGINT, syscall.SIGTERM)

	serverLogger := logger.Named("http").With(zap.String("addr", server.Addr))
	go func() {
		serverLogger.Info("selvi enterprises api listening",
			zap.String("version", version),
			zap.String("persistence", cfg.Persistence),
			zap.String("idempotency_backend", cfg.Idempotency.Backend),
		)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverLogger.Fatal("http server error", zap.Error(err))
		}
	}()

	<-shutdown
	logger.Info("shutdown signal received; draining requests")

	cleanupTicker.Stop()
	cleanupCancel()
	cleanupWG.Wait()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("graceful shutdown failed", zap.Error(err))
	}
}

func buildInfoFromEnv(env map[string]string) (string, string) {
	version := strings.TrimSpace(env["API_BUILD_VERSION"])
	if version == "" {
		version = "dev"
	}
	commit := strings.TrimSpace(env["API_BUILD_COMMIT_SHA"])
	if commit == "" {
		commit = "unknown"
	}
	return version, commit
}

func topicProbe(topic *pubsub.Topic) func(context.Context) error {
	return func(ctx context.Context) error {
		ok, err := topic.Exists(ctx)
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("topic %s not found", topic.ID())
		}
		return nil
	}
}

func buildOIDCMiddleware(logger *zap.Logger, cfg config.Config) func(http.Handler) http.Handler {
	if strings.TrimSpace(cfg.Internal.JWKSURL) == "" {
		return nil
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	cache := auth.NewJWKSCache(cfg.Internal.JWKSURL, &http.Client{Timeout: 5 * time.Second}, time.Now)
	validator := auth.NewOIDCValidator(cache, logger)

	audience := strings.TrimSpace(cfg.Internal.Audience)
	if audience == "" {
		logger.Warn("auth: OIDC audience not configured; internal routes will reject requests")
	}
	return validator.RequireOIDC(audience, cfg.Internal.Issuers)
}

func traceProjectID(cfg config.Config) string {
	if id := strings.TrimSpace(cfg.Firebase.ProjectID); id != "" {
		return id
	}
	return strings.TrimSpace(cfg.Firestore.ProjectID)
}

func newSecretFetcher(ctx context.Context, logger *zap.Logger, env map[string]string) (*secrets.Fetcher, error) {
	lookup := func(key string) string {
		return strings.TrimSpace(env[key])
	}

	project := lookup("API_SECRET_DEFAULT_PROJECT_ID")
	if project == "" {
		project = lookup("API_FIREBASE_PROJECT_ID")
	}
	fallbackPath := lookup("API_SECRET_FALLBACK_FILE")
	if fallbackPath == "" {
		fallbackPath = ".secrets.local"
	}

	opts := []secrets.Option{
		secrets.WithLogger(logger.Named("secrets")),
		secrets.WithFallbackFile(fallbackPath),
	}
	if project != "" {
		opts = append(opts, secrets.WithProject(project))
	}
	if credentialsFile := lookup("API_FIREBASE_CREDENTIALS_FILE"); credentialsFile != "" {
		opts = append(opts, secrets.WithClientOptions(option.WithCredentialsFile(credentialsFile)))
	}
	return secrets.NewFetcher(ctx, opts...)
}

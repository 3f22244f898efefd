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
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"google.golang.org/api/option"

	"github.com/hanko-field/ordertracking/internal/di"
	"github.com/hanko-field/ordertracking/internal/handlers"
	"github.com/hanko-field/ordertracking/internal/platform/config"
	"github.com/hanko-field/ordertracking/internal/platform/idempotency"
	"github.com/hanko-field/ordertracking/internal/platform/observability"
	"github.com/hanko-field/ordertracking/internal/platform/secrets"
	"github.com/hanko-field/ordertracking/internal/services"
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

	buildInfo := buildInfoFromEnv(envValues, cfg, startedAt)

	container, err := di.NewContainer(ctx, cfg,
		di.WithLogger(logger),
		di.WithBuildInfo(buildInfo),
		di.WithSecretFetcher(fetcher),
	)
	if err != nil {
		logger.Fatal("failed to build dependencies", zap.Error(err))
	}

	server := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      newRouter(logger, cfg, buildInfo, container),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	runCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	group, groupCtx := errgroup.WithContext(runCtx)
	group.Go(func() error {
		logger.Info("server starting",
			zap.String("addr", server.Addr),
			zap.String("backend", cfg.Store.Backend),
			zap.String("version", buildInfo.Version),
		)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	group.Go(func() error {
		return idempotency.RunCleanup(groupCtx, container.Idempotency,
			cfg.Idempotency.CleanupInterval,
			cfg.Idempotency.CleanupBatchSize,
			observability.EventLogger(logger.Named("idempotency")),
		)
	})
	group.Go(func() error {
		<-groupCtx.Done()
		logger.Info("shutdown signal received; draining requests")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("graceful shutdown: %w", err)
		}
		return nil
	})

	exitCode := 0
	if err := group.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("server stopped with error", zap.Error(err))
		exitCode = 1
	}

	closeCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := container.Close(closeCtx); err != nil {
		logger.Warn("dependency close error", zap.Error(err))
	}
	logger.Info("server stopped")

	if exitCode != 0 {
		_ = baseLogger.Sync()
		os.Exit(exitCode)
	}
}

func newRouter(logger *zap.Logger, cfg config.Config, build services.BuildInfo, c *di.Container) http.Handler {
	orders := c.Services.Orders
	idempotencyOpts := []idempotency.MiddlewareOption{
		idempotency.WithHeader(cfg.Idempotency.Header),
		idempotency.WithTTL(cfg.Idempotency.TTL),
		idempotency.WithLogger(observability.EventLogger(logger.Named("idempotency"))),
	}
	buyerIdempotency := idempotency.Middleware(c.Idempotency, append(idempotencyOpts, idempotency.WithKeyOptional())...)
	courierIdempotency := idempotency.Middleware(c.Idempotency, idempotencyOpts...)

	var fulfillmentOpts []handlers.FulfillmentOption
	if c.ArchiveLinks != nil {
		fulfillmentOpts = append(fulfillmentOpts, handlers.WithTimelineArchive(c.ArchiveLinks, c.ArchiveBucket, cfg.Storage.SignedURLTTL))
	}

	opts := []handlers.Option{
		handlers.WithMiddlewares(
			observability.TraceMiddleware(traceProjectID(cfg)),
			observability.RequestLoggerMiddleware(logger.Named("http")),
			observability.RecoveryMiddleware,
		),
		handlers.WithHealthHandlers(handlers.NewHealthHandlers(
			handlers.WithHealthSystemService(c.Services.System),
			handlers.WithHealthBuildInfo(build),
		)),
		handlers.WithWebhookRoutes(handlers.NewCourierWebhookHandlers(orders, c.Signatures, courierIdempotency).Routes),
		handlers.WithInternalRoutes(handlers.NewInternalOrderHandlers(orders).Routes),
	}
	if c.StripeWebhook != nil {
		opts = append(opts, handlers.WithPaymentRoutes(handlers.NewPaymentWebhookHandlers(c.StripeWebhook).Routes))
	}
	if c.Authenticator != nil {
		opts = append(opts,
			handlers.WithOrderRoutes(handlers.NewOrderHandlers(c.Authenticator, orders, handlers.WithOrderIdempotency(buyerIdempotency)).Routes),
			handlers.WithSellerRoutes(handlers.NewSellerHandlers(c.Authenticator, orders, fulfillmentOpts...).Routes),
			handlers.WithAdminRoutes(handlers.NewAdminHandlers(c.Authenticator, orders, fulfillmentOpts...).Routes),
		)
	} else {
		logger.Warn("firebase project not configured; buyer, seller and admin routes are disabled")
	}
	if c.OIDC != nil {
		opts = append(opts, handlers.WithInternalMiddlewares(c.OIDC))
	} else {
		logger.Warn("oidc jwks url not configured; internal routes accept no callers")
	}
	return handlers.NewRouter(opts...)
}

func buildInfoFromEnv(env map[string]string, cfg config.Config, started time.Time) services.BuildInfo {
	version := strings.TrimSpace(env["API_BUILD_VERSION"])
	if version == "" {
		version = "dev"
	}
	commit := strings.TrimSpace(env["API_BUILD_COMMIT_SHA"])
	if commit == "" {
		commit = "unknown"
	}
	environment := strings.TrimSpace(cfg.Security.Environment)
	if environment == "" {
		environment = "local"
	}
	return services.BuildInfo{
		Version:     version,
		CommitSHA:   commit,
		Environment: environment,
		StartedAt:   started,
	}
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
	if credentials := lookup("API_FIREBASE_CREDENTIALS_FILE"); credentials != "" {
		opts = append(opts, secrets.WithClientOptions(option.WithCredentialsFile(credentials)))
	}
	return secrets.NewFetcher(ctx, opts...)
}

// requiredSecretNames lists the secrets that must resolve before the server
// starts: the Stripe signing secret when one is referenced, plus every
// configured carrier key.
func requiredSecretNames(env map[string]string) []string {
	var required []string
	if strings.TrimSpace(env["API_PSP_STRIPE_WEBHOOK_SECRET"]) != "" {
		required = append(required, "PSP.StripeWebhookSecret")
	}
	carriers := make([]string, 0)
	for _, entry := range strings.Split(env["API_SECURITY_HMAC_SECRETS"], ",") {
		name, value, ok := strings.Cut(strings.TrimSpace(entry), "=")
		name = strings.ToLower(strings.TrimSpace(name))
		if !ok || name == "" || strings.TrimSpace(value) == "" {
			continue
		}
		carriers = append(carriers, name)
	}
	sort.Strings(carriers)
	for i, carrier := range carriers {
		if i > 0 && carriers[i-1] == carrier {
			continue
		}
		required = append(required, fmt.Sprintf("Security.HMAC.Secrets[%s]", carrier))
	}
	return required
}

package di

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"cloud.google.com/go/pubsub"
	gcs "cloud.google.com/go/storage"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/hanko-field/ordertracking/internal/payments"
	"github.com/hanko-field/ordertracking/internal/platform/auth"
	"github.com/hanko-field/ordertracking/internal/platform/config"
	pfirestore "github.com/hanko-field/ordertracking/internal/platform/firestore"
	"github.com/hanko-field/ordertracking/internal/platform/idempotency"
	"github.com/hanko-field/ordertracking/internal/platform/jobs"
	"github.com/hanko-field/ordertracking/internal/platform/observability"
	"github.com/hanko-field/ordertracking/internal/platform/postgres"
	"github.com/hanko-field/ordertracking/internal/platform/secrets"
	"github.com/hanko-field/ordertracking/internal/platform/storage"
	"github.com/hanko-field/ordertracking/internal/repositories"
	firestoreRepo "github.com/hanko-field/ordertracking/internal/repositories/firestore"
	"github.com/hanko-field/ordertracking/internal/repositories/memory"
	postgresRepo "github.com/hanko-field/ordertracking/internal/repositories/postgres"
	"github.com/hanko-field/ordertracking/internal/services"
)

const (
	meterName            = "github.com/hanko-field/ordertracking"
	nonceKeyPrefix       = "ordertracking:nonce:"
	secretHealthRef      = "secret://system/healthz?version=latest"
	ordersCollectionName = "orders"
)

// Services bundles the service-layer contracts that handlers rely upon.
type Services struct {
	Orders services.OrderService
	System services.SystemService
}

// Container wires repositories, services, and background infrastructure for runtime use.
type Container struct {
	Config       config.Config
	Repositories repositories.Registry
	Services     Services

	Authenticator *auth.Authenticator
	Signatures    *auth.SignatureVerifier
	// OIDC guards /internal; nil when no JWKS endpoint is configured.
	OIDC          func(http.Handler) http.Handler
	Idempotency   idempotency.Store
	StripeWebhook *payments.StripeWebhook
	// ArchiveLinks is nil unless both the archive bucket and a signer key are configured.
	ArchiveLinks  *storage.URLSigner
	ArchiveBucket string

	closers []namedCloser
}

type namedCloser struct {
	name string
	fn   func(context.Context) error
}

// Option customises container construction.
type Option func(*options)

type options struct {
	logger        *zap.Logger
	build         services.BuildInfo
	secrets       *secrets.Fetcher
	meter         metric.Meter
	registry      repositories.Registry
	idempotency   idempotency.Store
	tokenVerifier auth.TokenVerifier
}

// WithLogger sets the base logger; services receive named children.
func WithLogger(logger *zap.Logger) Option {
	return func(o *options) {
		if logger != nil {
			o.logger = logger
		}
	}
}

func WithBuildInfo(build services.BuildInfo) Option {
	return func(o *options) { o.build = build }
}

// WithSecretFetcher adds a Secret Manager readiness probe.
func WithSecretFetcher(fetcher *secrets.Fetcher) Option {
	return func(o *options) { o.secrets = fetcher }
}

func WithMeter(meter metric.Meter) Option {
	return func(o *options) {
		if meter != nil {
			o.meter = meter
		}
	}
}

// WithRegistry bypasses backend selection. Tests pass a memory registry here.
func WithRegistry(reg repositories.Registry, store idempotency.Store) Option {
	return func(o *options) {
		o.registry = reg
		o.idempotency = store
	}
}

// WithTokenVerifier replaces the Firebase verifier.
func WithTokenVerifier(verifier auth.TokenVerifier) Option {
	return func(o *options) { o.tokenVerifier = verifier }
}

// NewContainer constructs the runtime dependencies for the configured store backend.
func NewContainer(ctx context.Context, cfg config.Config, opts ...Option) (_ *Container, err error) {
	o := options{
		logger: zap.NewNop(),
		meter:  otel.Meter(meterName),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(&o)
		}
	}

	c := &Container{Config: cfg}
	defer func() {
		if err != nil {
			_ = c.closeAll(context.WithoutCancel(ctx))
		}
	}()

	metrics, err := observability.NewMetrics(o.meter)
	if err != nil {
		return nil, fmt.Errorf("build metrics: %w", err)
	}
	eventLog := observability.EventLogger(o.logger)

	var checks []repositories.DependencyCheck
	nonces, redisCheck := c.buildNonceStore(cfg.Redis)
	if redisCheck != nil {
		checks = append(checks, *redisCheck)
	}
	if o.secrets != nil {
		checks = append(checks, secretManagerCheck(o.secrets))
	}

	reg := o.registry
	c.Idempotency = o.idempotency
	if reg == nil {
		reg, err = c.buildRegistry(ctx, cfg, checks)
		if err != nil {
			return nil, err
		}
	} else if c.Idempotency == nil {
		c.Idempotency = idempotency.NewMemoryStore()
	}
	c.Repositories = reg
	c.addCloser("repositories", reg.Close)

	if health := reg.Health(); health != nil {
		system, err := services.NewSystemService(services.SystemServiceDeps{
			HealthRepository: health,
			Clock:            time.Now,
			Build:            o.build,
			CacheTTL:         cfg.Health.CacheTTL,
		})
		if err != nil {
			return nil, fmt.Errorf("build system service: %w", err)
		}
		c.Services.System = system
	}

	deps := services.OrderServiceDeps{
		Orders:         reg.Orders(),
		TrackingEvents: reg.TrackingEvents(),
		UnitOfWork:     reg,
		Clock:          time.Now,
		Metrics:        metrics,
		Timeline:       services.NewTimelineBuilder(nil, cfg.Orders.TimelineStep),
		DefaultLocale:  cfg.Orders.TimelineLocale,
		NotifyTimeout:  cfg.Orders.NotifyTimeout,
		Logger:         observability.EventLogger(o.logger.Named("orders")),
	}
	publisher, err := c.buildPublisher(ctx, cfg.PubSub)
	if err != nil {
		return nil, err
	}
	if publisher != nil {
		deps.Events = publisher
	}
	archiver, err := c.buildArchive(ctx, cfg.Storage)
	if err != nil {
		return nil, err
	}
	if archiver != nil {
		deps.Archiver = archiver
	}

	orders, err := services.NewOrderService(deps)
	if err != nil {
		return nil, fmt.Errorf("build order service: %w", err)
	}
	c.Services.Orders = orders

	c.StripeWebhook, err = payments.NewStripeWebhook(payments.StripeWebhookConfig{
		Secret:  cfg.PSP.StripeWebhookSecret,
		Orders:  orders,
		Logger:  observability.EventLogger(o.logger.Named("payments")),
		Metrics: metrics,
	})
	if err != nil {
		return nil, fmt.Errorf("build stripe webhook: %w", err)
	}

	verifier := o.tokenVerifier
	if verifier == nil && strings.TrimSpace(cfg.Firebase.ProjectID) != "" {
		client, err := auth.NewFirebaseVerifier(ctx, cfg.Firebase)
		if err != nil {
			return nil, fmt.Errorf("build firebase verifier: %w", err)
		}
		verifier = client
	}
	c.Authenticator = auth.NewAuthenticator(verifier)

	c.Signatures = auth.NewSignatureVerifier(cfg.Security.HMAC.Secrets, nonces,
		auth.WithSignatureConfig(cfg.Security.HMAC),
		auth.WithSignatureLogger(eventLog),
		auth.WithSignatureMetrics(metrics),
	)

	if url := strings.TrimSpace(cfg.Security.OIDC.JWKSURL); url != "" {
		validator := auth.NewOIDCValidator(auth.NewJWKSCache(url),
			auth.WithOIDCLogger(eventLog),
			auth.WithOIDCMetrics(metrics),
		)
		c.OIDC = validator.RequireOIDC(cfg.Security.OIDC.Audience, cfg.Security.OIDC.Issuers)
	}

	return c, nil
}

// Close drains in-flight order notifications, then releases clients in reverse order of creation.
func (c *Container) Close(ctx context.Context) error {
	if c == nil {
		return nil
	}
	var errs []error
	if c.Services.Orders != nil {
		if err := c.Services.Orders.Close(ctx); err != nil {
			errs = append(errs, fmt.Errorf("orders: %w", err))
		}
	}
	if err := c.closeAll(ctx); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

func (c *Container) addCloser(name string, fn func(context.Context) error) {
	c.closers = append(c.closers, namedCloser{name: name, fn: fn})
}

func (c *Container) closeAll(ctx context.Context) error {
	var errs []error
	for i := len(c.closers) - 1; i >= 0; i-- {
		if err := c.closers[i].fn(ctx); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", c.closers[i].name, err))
		}
	}
	c.closers = nil
	return errors.Join(errs...)
}

// buildNonceStore shares nonces through Redis when an address is configured.
func (c *Container) buildNonceStore(cfg config.RedisConfig) (auth.NonceStore, *repositories.DependencyCheck) {
	addr := strings.TrimSpace(cfg.Addr)
	if addr == "" {
		return auth.NewInMemoryNonceStore(nil), nil
	}
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	c.addCloser("redis", func(context.Context) error { return client.Close() })
	check := repositories.DependencyCheck{
		Name:    "redis",
		Timeout: time.Second,
		Check: func(ctx context.Context) error {
			return client.Ping(ctx).Err()
		},
	}
	return auth.NewRedisNonceStore(client, nonceKeyPrefix), &check
}

func (c *Container) buildRegistry(ctx context.Context, cfg config.Config, checks []repositories.DependencyCheck) (repositories.Registry, error) {
	switch cfg.Store.Backend {
	case config.StoreBackendMemory:
		checks = append(checks, repositories.DependencyCheck{
			Name:     "orders",
			Critical: true,
			Check:    func(context.Context) error { return nil },
		})
		health, err := repositories.NewDependencyHealthRepository(checks)
		if err != nil {
			return nil, fmt.Errorf("build health repository: %w", err)
		}
		c.Idempotency = idempotency.NewMemoryStore()
		return memory.NewRegistry(memory.NewStore(), health), nil

	case config.StoreBackendPostgres:
		if cfg.Postgres.MigrateOnStart {
			if err := postgres.Migrate(cfg.Postgres.DSN); err != nil {
				return nil, fmt.Errorf("migrate postgres: %w", err)
			}
		}
		pool, err := postgres.Open(ctx, cfg.Postgres)
		if err != nil {
			return nil, fmt.Errorf("open postgres: %w", err)
		}
		c.addCloser("postgres", func(context.Context) error {
			pool.Close()
			return nil
		})
		health, err := repositories.NewDependencyHealthRepository(append(checks, postgresCheck(pool)))
		if err != nil {
			return nil, fmt.Errorf("build health repository: %w", err)
		}
		reg, err := postgresRepo.NewRegistry(pool, health)
		if err != nil {
			return nil, fmt.Errorf("build postgres repositories: %w", err)
		}
		c.Idempotency = idempotency.NewPostgresStore(pool)
		return reg, nil

	default:
		provider := pfirestore.NewProvider(cfg.Firestore)
		if _, err := provider.Client(ctx); err != nil {
			return nil, fmt.Errorf("open firestore: %w", err)
		}
		health, err := repositories.NewDependencyHealthRepository(append(checks, repositories.DependencyCheck{
			Name:     "firestore",
			Timeout:  1500 * time.Millisecond,
			Critical: true,
			Check: func(ctx context.Context) error {
				return provider.Ping(ctx, ordersCollectionName)
			},
		}))
		if err != nil {
			_ = provider.Close(ctx)
			return nil, fmt.Errorf("build health repository: %w", err)
		}
		reg, err := firestoreRepo.NewRegistry(provider, health)
		if err != nil {
			_ = provider.Close(ctx)
			return nil, fmt.Errorf("build firestore repositories: %w", err)
		}
		c.Idempotency = idempotency.NewFirestoreStore(provider, "")
		return reg, nil
	}
}

func postgresCheck(pool *pgxpool.Pool) repositories.DependencyCheck {
	return repositories.DependencyCheck{
		Name:     "postgres",
		Timeout:  1500 * time.Millisecond,
		Critical: true,
		Check:    pool.Ping,
	}
}

// secretManagerCheck treats a missing probe secret as healthy; only reachability matters.
func secretManagerCheck(fetcher *secrets.Fetcher) repositories.DependencyCheck {
	return repositories.DependencyCheck{
		Name:    "secretManager",
		Timeout: time.Second,
		Check: func(ctx context.Context) error {
			_, err := fetcher.Resolve(ctx, secretHealthRef)
			if err == nil {
				return nil
			}
			if st, ok := status.FromError(err); ok && st.Code() == codes.NotFound {
				return nil
			}
			return err
		},
	}
}

func (c *Container) buildPublisher(ctx context.Context, cfg config.PubSubConfig) (*jobs.PubSubOrderEventPublisher, error) {
	topicName := strings.TrimSpace(cfg.OrderEventsTopic)
	projectID := strings.TrimSpace(cfg.ProjectID)
	if topicName == "" || projectID == "" {
		return nil, nil
	}
	client, err := pubsub.NewClient(ctx, projectID)
	if err != nil {
		return nil, fmt.Errorf("build pubsub client: %w", err)
	}
	c.addCloser("pubsub", func(context.Context) error { return client.Close() })
	publisher, err := jobs.NewPubSubOrderEventPublisher(client.Topic(topicName))
	if err != nil {
		return nil, err
	}
	c.addCloser("order events", func(context.Context) error {
		publisher.Stop()
		return nil
	})
	return publisher, nil
}

func (c *Container) buildArchive(ctx context.Context, cfg config.StorageConfig) (*storage.TimelineArchiver, error) {
	bucket := strings.TrimSpace(cfg.ArchiveBucket)
	if bucket == "" {
		return nil, nil
	}
	client, err := gcs.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("build storage client: %w", err)
	}
	c.addCloser("storage", func(context.Context) error { return client.Close() })
	archiver, err := storage.NewTimelineArchiver(client, bucket)
	if err != nil {
		return nil, err
	}
	c.ArchiveBucket = bucket

	if keyFile := strings.TrimSpace(cfg.SignerKeyFile); keyFile != "" {
		signer, err := storage.LoadKeySigner(keyFile)
		if err != nil {
			return nil, err
		}
		links, err := storage.NewURLSigner(signer)
		if err != nil {
			return nil, err
		}
		c.ArchiveLinks = links
	}
	return archiver, nil
}

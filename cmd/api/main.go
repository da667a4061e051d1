package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	goredis "github.com/redis/go-redis/v9"
	"go.mongodb.org/mongo-driver/mongo"

	"github.com/velias1070-ship-it/banvabodega-sub000/internal/api/handlers"
	"github.com/velias1070-ship-it/banvabodega-sub000/internal/application"
	"github.com/velias1070-ship-it/banvabodega-sub000/internal/domain"
	eventbus "github.com/velias1070-ship-it/banvabodega-sub000/internal/infrastructure/kafka"
	"github.com/velias1070-ship-it/banvabodega-sub000/internal/infrastructure/marketplace"
	mongoRepo "github.com/velias1070-ship-it/banvabodega-sub000/internal/infrastructure/mongodb"
	redisDedup "github.com/velias1070-ship-it/banvabodega-sub000/internal/infrastructure/redis"
	"github.com/velias1070-ship-it/banvabodega-sub000/pkg/cloudevents"
	"github.com/velias1070-ship-it/banvabodega-sub000/pkg/kafka"
	"github.com/velias1070-ship-it/banvabodega-sub000/pkg/logging"
	"github.com/velias1070-ship-it/banvabodega-sub000/pkg/metrics"
	"github.com/velias1070-ship-it/banvabodega-sub000/pkg/middleware"
	"github.com/velias1070-ship-it/banvabodega-sub000/pkg/mongodb"
	"github.com/velias1070-ship-it/banvabodega-sub000/pkg/outbox"
	outboxMongo "github.com/velias1070-ship-it/banvabodega-sub000/pkg/outbox/mongodb"
	"github.com/velias1070-ship-it/banvabodega-sub000/pkg/tracing"
)

const serviceName = "marketplace-sync"

type mongoClient interface {
	Database() *mongo.Database
	Observer() *mongodb.Observer
	Close(context.Context) error
	HealthCheck(context.Context) error
}

type eventConsumer interface {
	Subscribe(topic string, eventType string, handler kafka.EventHandler)
	Start(context.Context) error
	Close() error
}

type outboxPublisher interface {
	Start(context.Context) error
	Stop() error
}

type dedupStore interface {
	application.NotificationDeduper
	Release(ctx context.Context, key string) error
	Ping(ctx context.Context) error
}

type server interface {
	ListenAndServe() error
	Shutdown(context.Context) error
}

type tracerProvider interface {
	Shutdown(context.Context) error
}

// repositories are the Mongo-backed stores the services run on
type repositories struct {
	shipments domain.ShipmentRepository
	queue     domain.StockQueueRepository
	tokens    domain.TokenRepository
	skus      domain.SKUMappingRepository
	ledger    domain.WarehouseLedger
	outbox    outbox.Repository
}

type indexer interface {
	EnsureIndexes(ctx context.Context) error
}

var (
	newMongoClient = mongodb.NewClient

	newInstrumentedMongo func(*mongodb.Client, *metrics.Metrics, *logging.Logger) mongoClient = func(client *mongodb.Client, m *metrics.Metrics, logger *logging.Logger) mongoClient {
		return mongodb.NewInstrumentedClient(client, m, logger)
	}
	newRepositories func(*mongo.Database, *mongodb.Observer) *repositories = func(db *mongo.Database, observer *mongodb.Observer) *repositories {
		return &repositories{
			shipments: mongoRepo.NewShipmentRepository(db, observer),
			queue:     mongoRepo.NewStockQueueRepository(db, observer),
			tokens:    mongoRepo.NewTokenRepository(db, observer),
			skus:      mongoRepo.NewSKUMappingRepository(db, observer),
			ledger:    mongoRepo.NewWarehouseLedger(db, observer),
			outbox:    outboxMongo.NewOutboxRepository(db, observer),
		}
	}
	newEventProducer func(*kafka.Config, *metrics.Metrics, *logging.Logger) kafka.EventPublisher = func(config *kafka.Config, m *metrics.Metrics, logger *logging.Logger) kafka.EventPublisher {
		return kafka.NewProductionProducer(config, m, logger)
	}
	newEventConsumer func(*kafka.Config, *metrics.Metrics, *logging.Logger) eventConsumer = func(config *kafka.Config, m *metrics.Metrics, logger *logging.Logger) eventConsumer {
		return kafka.NewProductionConsumer(config, m, logger)
	}
	newOutboxPublisher func(outbox.Repository, kafka.EventPublisher, *logging.Logger, *metrics.Metrics, *outbox.PublisherConfig) outboxPublisher = func(repo outbox.Repository, producer kafka.EventPublisher, logger *logging.Logger, m *metrics.Metrics, config *outbox.PublisherConfig) outboxPublisher {
		return outbox.NewPublisher(repo, producer, logger, m, config)
	}
	newDedupStore func(*RedisConfig) dedupStore = func(config *RedisConfig) dedupStore {
		client := goredis.NewClient(&goredis.Options{
			Addr:     config.Addr,
			Password: config.Password,
			DB:       config.DB,
		})
		return redisDedup.NewNotificationDeduper(client, config.DedupTTL)
	}
	newRouter = func() *gin.Engine {
		return gin.New()
	}
	setupMiddleware = middleware.Setup

	initializeTracing func(context.Context, *tracing.Config) (tracerProvider, error) = func(ctx context.Context, config *tracing.Config) (tracerProvider, error) {
		return tracing.Initialize(ctx, config)
	}
	newServer func(addr string, handler http.Handler) server = func(addr string, handler http.Handler) server {
		return &http.Server{
			Addr:         addr,
			Handler:      handler,
			ReadTimeout:  30 * time.Second,
			WriteTimeout: 60 * time.Second,
		}
	}
)

func main() {
	// .env is a local-development convenience
	_ = godotenv.Load()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	if err := run(context.Background(), quit); err != nil {
		os.Exit(1)
	}
}

func run(ctx context.Context, quit <-chan os.Signal) error {
	logConfig := logging.DefaultConfig(serviceName)
	logConfig.Level = logging.ParseLevel(getEnv("LOG_LEVEL", "info"))
	logger := logging.New(logConfig)
	logger.SetDefault()

	logger.Info("Starting marketplace-sync API")

	config := loadConfig()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	// Tracing
	tracingConfig := tracing.DefaultConfig(serviceName)
	tracingConfig.OTLPEndpoint = getEnv("OTEL_EXPORTER_OTLP_ENDPOINT", "localhost:4317")
	tracingConfig.Environment = config.Environment
	tracingConfig.Enabled = getEnv("TRACING_ENABLED", "true") == "true"

	tp, err := initializeTracing(ctx, tracingConfig)
	if err != nil {
		logger.WithError(err).Error("Failed to initialize tracing")
	} else if tp != nil {
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := tp.Shutdown(shutdownCtx); err != nil {
				logger.WithError(err).Error("Failed to shutdown tracer")
			}
		}()
		logger.Info("Tracing initialized", "endpoint", tracingConfig.OTLPEndpoint, "enabled", tracingConfig.Enabled)
	}

	m := metrics.New(metrics.DefaultConfig(serviceName))

	// MongoDB
	client, err := newMongoClient(ctx, config.MongoDB)
	if err != nil {
		logger.WithError(err).Error("Failed to connect to MongoDB")
		return err
	}
	db := newInstrumentedMongo(client, m, logger)
	defer db.Close(context.Background())
	logger.Info("Connected to MongoDB", "database", config.MongoDB.Database)

	repos := newRepositories(db.Database(), db.Observer())
	if err := ensureIndexes(ctx, repos); err != nil {
		logger.WithError(err).Warn("Failed to ensure indexes")
	}

	// Kafka
	producer := newEventProducer(config.Kafka, m, logger)
	defer producer.Close()
	logger.Info("Kafka producer initialized", "brokers", config.Kafka.Brokers)

	publisher := newOutboxPublisher(repos.outbox, producer, logger, m, outbox.DefaultPublisherConfig())
	if err := publisher.Start(ctx); err != nil {
		logger.WithError(err).Error("Failed to start outbox publisher")
	} else {
		defer publisher.Stop()
		logger.Info("Outbox publisher started")
	}

	// Marketplace
	tokens := marketplace.NewTokenProvider(config.OAuth, repos.tokens, nil, logger, m)
	apiClient := marketplace.NewClient(config.Marketplace, tokens, nil, logger, m)
	api := marketplace.NewAPI(apiClient, tokens)

	// Notification dedup
	var deduper application.NotificationDeduper
	readiness := map[string]middleware.Check{"mongodb": db.HealthCheck}
	if config.Redis.Addr != "" {
		store := newDedupStore(config.Redis)
		deduper = store
		readiness["redis"] = store.Ping
		logger.Info("Notification dedup enabled", "addr", config.Redis.Addr, "ttl", config.Redis.DedupTTL)
	}

	ingestion := application.NewIngestionService(application.IngestionDeps{
		API:       api,
		Shipments: repos.shipments,
		SKUs:      repos.skus,
		Queue:     repos.queue,
		Tokens:    tokens,
		Deduper:   deduper,
		Logger:    logger,
		Metrics:   m,
	}, config.Ingestion)

	stock := application.NewStockReconciliationService(application.StockDeps{
		Queue:     repos.queue,
		Ledger:    repos.ledger,
		SKUs:      repos.skus,
		Publisher: api,
		Outbox:    mongoRepo.NewEventOutbox(repos.outbox, "StockLevel"),
		Logger:    logger,
		Metrics:   m,
	})

	// Consumers: warehouse inventory changes always, queued notifications when Kafka carries them
	consumer := newEventConsumer(config.Kafka, m, logger)
	eventbus.NewInventoryListener(stock, logger).Register(consumer)

	var queue application.NotificationQueue
	if config.WebhookMode == handlers.WebhookQueued {
		switch config.NotificationQueue {
		case "kafka":
			queue = eventbus.NewNotificationQueue(producer, cloudevents.NewEventFactory(cloudevents.SourceMarketplaceSync))
			eventbus.NewNotificationConsumer(ingestion, logger).Register(consumer)
			logger.Info("Webhook notifications queued on Kafka", "topic", kafka.Topics.MarketplaceNotifications)
		default:
			dispatcher := application.NewAsyncDispatcher(ingestion, logger, application.DispatcherConfig{
				Workers: config.NotificationWorkers,
			})
			if err := dispatcher.Start(ctx); err != nil {
				logger.WithError(err).Error("Failed to start notification dispatcher")
			} else {
				defer dispatcher.Stop()
				queue = dispatcher
			}
		}
	}

	consumerDone := make(chan struct{})
	go func() {
		defer close(consumerDone)
		if err := consumer.Start(ctx); err != nil && ctx.Err() == nil {
			logger.WithError(err).Error("Kafka consumer stopped")
		}
	}()
	defer func() {
		cancel()
		<-consumerDone
		if err := consumer.Close(); err != nil {
			logger.WithError(err).Warn("Failed to close Kafka consumer")
		}
	}()

	handler := handlers.NewMarketplaceHandler(handlers.Deps{
		Ingestion: ingestion,
		Stock:     stock,
		Auth:      tokens,
		Labels:    api,
		Queue:     queue,
		Logger:    logger,
	}, handlers.Config{
		WebhookMode:      config.WebhookMode,
		WebhookTimeout:   config.WebhookTimeout,
		SyncSecret:       config.SyncSecret,
		StateSecret:      config.StateSecret,
		AdminURL:         config.AdminURL,
		AllowLocalBypass: config.AllowLocalBypass,
	})

	// Router
	router := newRouter()

	// the admin UI calls the flex and labels routes from the browser
	middlewareConfig := middleware.DefaultConfig(serviceName, logger.Logger)
	middlewareConfig.AllowedOrigins = config.AllowedOrigins
	middlewareConfig.ContentTypeExempt = []string{"/api/ml/webhook"}
	middlewareConfig.ErrorMappers = handlers.ErrorMappers()
	setupMiddleware(router, middlewareConfig)

	router.Use(middleware.MetricsMiddleware(m, "/health", "/ready", "/metrics"))
	router.Use(middleware.TracingMiddleware(middleware.DefaultTracingConfig(serviceName)))

	router.NoRoute(middleware.NoRoute())
	router.NoMethod(middleware.NoMethod())

	router.GET("/health", middleware.HealthCheck(serviceName))
	router.GET("/ready", middleware.ReadinessCheck(serviceName, 3*time.Second, readiness))
	router.GET("/metrics", middleware.MetricsEndpoint(m))

	handler.RegisterRoutes(router.Group("/api"))

	srv := newServer(config.ServerAddr, router)

	go func() {
		logger.Info("Server started", "addr", config.ServerAddr, "webhookMode", config.WebhookMode)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.WithError(err).Error("Server error")
		}
	}()

	<-quit
	logger.Info("Shutting down server...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.WithError(err).Error("Server forced to shutdown")
	}

	logger.Info("Server stopped")
	return nil
}

func ensureIndexes(ctx context.Context, repos *repositories) error {
	for _, r := range []interface{}{repos.shipments, repos.queue, repos.outbox} {
		if idx, ok := r.(indexer); ok {
			if err := idx.EnsureIndexes(ctx); err != nil {
				return err
			}
		}
	}
	return nil
}

// Config holds application configuration
type Config struct {
	ServerAddr     string
	Environment    string
	AllowedOrigins []string
	MongoDB        *mongodb.Config
	Kafka          *kafka.Config
	Redis          *RedisConfig

	// AllowLocalBypass lets loopback callers skip the sync secret. Only an explicit
	// ENVIRONMENT=development turns it on.
	AllowLocalBypass bool

	OAuth       marketplace.OAuthConfig
	Marketplace marketplace.ClientConfig
	Ingestion   application.IngestionConfig

	SyncSecret          string
	StateSecret         string
	AdminURL            string
	WebhookMode         handlers.WebhookMode
	WebhookTimeout      time.Duration
	NotificationQueue   string
	NotificationWorkers int
}

// RedisConfig configures the notification dedup store. An empty Addr disables it.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
	DedupTTL time.Duration
}

func loadConfig() *Config {
	kafkaConfig := kafka.DefaultConfig()
	kafkaConfig.Brokers = kafka.ParseBrokers(getEnv("KAFKA_BROKERS", "localhost:9092"))
	kafkaConfig.ConsumerGroup = getEnv("KAFKA_CONSUMER_GROUP", serviceName)
	kafkaConfig.ClientID = serviceName

	ingestion := application.DefaultIngestionConfig()
	ingestion.SupportedLogistics = domain.ParseLogisticTypes(getEnv("ML_LOGISTIC_TYPES", "self_service"))
	ingestion.RecentWindow = getEnvDuration("ML_RECENT_WINDOW", ingestion.RecentWindow)
	ingestion.MaxHistoryPages = getEnvInt("ML_MAX_HISTORY_PAGES", ingestion.MaxHistoryPages)

	clientConfig := marketplace.DefaultClientConfig()
	clientConfig.BaseURL = getEnv("ML_API_URL", clientConfig.BaseURL)

	return &Config{
		ServerAddr:       getEnv("SERVER_ADDR", ":8020"),
		Environment:      getEnv("ENVIRONMENT", "production"),
		AllowLocalBypass: os.Getenv("ENVIRONMENT") == "development",
		AllowedOrigins:   splitList(lookupEnv("CORS_ALLOWED_ORIGINS", "http://localhost:3000,http://localhost:5173")),
		MongoDB: &mongodb.Config{
			URI:            getEnv("MONGODB_URI", "mongodb://localhost:27017"),
			Database:       getEnv("MONGODB_DATABASE", "marketplace_sync_db"),
			AppName:        serviceName,
			ConnectTimeout: 10 * time.Second,
			MaxPoolSize:    100,
			MinPoolSize:    10,
		},
		Kafka: kafkaConfig,
		Redis: &RedisConfig{
			Addr:     getEnv("REDIS_ADDR", ""),
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       getEnvInt("REDIS_DB", 0),
			DedupTTL: getEnvDuration("WEBHOOK_DEDUP_TTL", redisDedup.DefaultDedupTTL),
		},
		OAuth: marketplace.OAuthConfig{
			ClientID:     getEnv("ML_CLIENT_ID", ""),
			ClientSecret: getEnv("ML_CLIENT_SECRET", ""),
			RedirectURL:  getEnv("ML_REDIRECT_URL", ""),
			AuthURL:      getEnv("ML_AUTH_URL", "https://auth.mercadolibre.cl/authorization"),
			TokenURL:     getEnv("ML_TOKEN_URL", "https://api.mercadolibre.com/oauth/token"),
		},
		Marketplace:         clientConfig,
		Ingestion:           ingestion,
		SyncSecret:          getEnv("SYNC_SECRET", ""),
		StateSecret:         getEnv("STATE_SECRET", ""),
		AdminURL:            getEnv("ADMIN_URL", "/"),
		WebhookMode:         handlers.WebhookMode(strings.ToLower(getEnv("WEBHOOK_MODE", string(handlers.WebhookInline)))),
		WebhookTimeout:      getEnvDuration("WEBHOOK_TIMEOUT", 8*time.Second),
		NotificationQueue:   strings.ToLower(getEnv("NOTIFICATION_QUEUE", "memory")),
		NotificationWorkers: getEnvInt("NOTIFICATION_WORKERS", application.DefaultDispatcherConfig().Workers),
	}
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// lookupEnv is getEnv for variables where an explicit empty value means "none"
func lookupEnv(key, defaultValue string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return defaultValue
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func getEnvInt(key string, defaultValue int) int {
	n, err := strconv.Atoi(getEnv(key, ""))
	if err != nil {
		return defaultValue
	}
	return n
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	d, err := time.ParseDuration(getEnv(key, ""))
	if err != nil || d <= 0 {
		return defaultValue
	}
	return d
}

package main

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/Yulian302/lfusys-services-assets/commons/caching"
	"github.com/Yulian302/lfusys-services-assets/commons/health"
	"github.com/Yulian302/lfusys-services-assets/handlers"
	"github.com/Yulian302/lfusys-services-assets/queues"
	"github.com/Yulian302/lfusys-services-assets/services"
	"github.com/Yulian302/lfusys-services-assets/store"
	"github.com/redis/go-redis/v9"
)

type Stores struct {
	sessions *store.SessionStoreImpl
	assets   *store.DynamoDbAssetStoreImpl
	files    *store.S3FileStorageImpl
	audit    *store.GormAuditStore
}

type Services struct {
	Initializer services.UploadInitializer
	Completion  services.CompletionCoordinator
	External    services.ExternalCompletionCoordinator
	Sessions    services.SessionService

	Offload            queues.OffloadGateway
	FinalizationEvents *queues.FinalizationEventsReceiver

	Stores *Stores
	redis  *redis.Client

	UploadHandler *handlers.UploadHandler
}

type Shutdowner interface {
	Shutdown(context.Context) error
}

func BuildServices(app *App) (*Services, error) {
	cfg := app.Config
	l := app.Logger
	policy := cfg.Retry.Policy()

	sessStore := store.NewSessionStoreImpl(app.DynamoDB, cfg.DynamoDBConfig.UploadsTableName, policy, l)
	assetStore := store.NewDynamoDbAssetStoreImpl(app.DynamoDB, cfg.DynamoDBConfig.AssetsTableName, cfg.DynamoDBConfig.DatabasesTableName, policy)
	buckets := store.NewConfigBucketResolver(cfg.Buckets)

	bucketNames := make([]string, 0, len(cfg.Buckets))
	for _, b := range cfg.Buckets {
		bucketNames = append(bucketNames, b.Name)
	}
	fileStorage := store.NewS3FileStorageImpl(app.S3, bucketNames, cfg.Uploads.MultipartCopyFrom, l)

	stores := &Stores{sessions: sessStore, assets: assetStore, files: fileStorage}

	// a nil interface keeps the auditor log-only
	var auditStore store.AuditStore
	if cfg.AuditConfig.DSN != "" {
		db, err := store.OpenAuditDB(cfg.AuditConfig.Driver, cfg.AuditConfig.DSN)
		if err != nil {
			return nil, err
		}
		gormStore, err := store.NewGormAuditStore(db)
		if err != nil {
			return nil, err
		}
		stores.audit = gormStore
		auditStore = gormStore
	}

	offload, err := buildOffload(app)
	if err != nil {
		return nil, err
	}

	cachingSvc := caching.NewRedisCachingService(app.Redis)
	notifier := services.NewRedisNotifier(app.Redis, cachingSvc, l)
	limiter := services.NewRedisRateLimiter(app.Redis, cfg.Uploads.InitsPerMinute, time.Minute, l)
	finalizer := services.NewFinalizer(fileStorage, assetStore, assetStore, buckets, notifier, l)

	initializer := services.NewUploadInitializerImpl(sessStore, assetStore, assetStore, buckets, fileStorage, limiter, l)

	deps := services.CompletionDeps{
		SessionStore:  sessStore,
		AssetStore:    assetStore,
		DatabaseStore: assetStore,
		Buckets:       buckets,
		FileStorage:   fileStorage,
		Offload:       offload,
		Scanner:       services.NewMimeSniffScanner(fileStorage),
		Auditor:       services.NewAuditor(auditStore, l),
		Finalizer:     finalizer,
		Logger:        l,
	}
	completion := services.NewCompletionCoordinatorImpl(deps)
	external := services.NewExternalCompletionCoordinatorImpl(deps)
	sessions := services.NewSessionServiceImpl(sessStore)

	var receiver *queues.FinalizationEventsReceiver
	if url := cfg.QueueConfig.FinalizationEventsQueueURL; url != "" {
		receiver = queues.NewFinalizationEventsReceiver(context.Background(), app.Sqs, finalizer, url, l)
	}

	handler := handlers.NewUploadHandler(initializer, completion, external, sessions, cfg.Uploads, l)

	return &Services{
		Initializer: initializer,
		Completion:  completion,
		External:    external,
		Sessions:    sessions,

		Offload:            offload,
		FinalizationEvents: receiver,

		Stores: stores,
		redis:  app.Redis,

		UploadHandler: handler,
	}, nil
}

// buildOffload picks the async finalization transport. Without a configured
// target every large file is completed synchronously.
func buildOffload(app *App) (queues.OffloadGateway, error) {
	q := app.Config.QueueConfig

	switch strings.ToLower(q.OffloadBackend) {
	case "kafka":
		if q.KafkaBrokers == "" {
			app.Logger.Warn("no kafka brokers configured, large files complete synchronously")
			return queues.DisabledOffloadGateway{}, nil
		}
		return queues.NewKafkaOffloadGateway(queues.NewKafkaWriter(q.KafkaBrokers, q.KafkaOffloadTopic), app.Logger), nil
	case "sqs", "":
		if q.OffloadQueueURL == "" {
			app.Logger.Warn("no offload queue configured, large files complete synchronously")
			return queues.DisabledOffloadGateway{}, nil
		}
		return queues.NewSQSOffloadGateway(app.Sqs, q.OffloadQueueURL, app.Logger), nil
	default:
		return nil, fmt.Errorf("unknown offload backend %q", q.OffloadBackend)
	}
}

func (s *Services) Start() {
	if s.FinalizationEvents != nil {
		s.FinalizationEvents.Start()
	}
}

func (s *Services) ReadinessChecks() []health.ReadinessCheck {
	checks := []health.ReadinessCheck{
		s.Stores.sessions,
		s.Stores.assets,
		s.Stores.files,
		redisCheck{client: s.redis},
	}
	if s.Stores.audit != nil {
		checks = append(checks, s.Stores.audit)
	}
	return checks
}

type redisCheck struct {
	client *redis.Client
}

func (c redisCheck) IsReady(ctx context.Context) error { return c.client.Ping(ctx).Err() }
func (c redisCheck) Name() string                      { return "Redis" }

func (s *Services) Shutdown(ctx context.Context) error {
	if s.FinalizationEvents != nil {
		if err := s.FinalizationEvents.Shutdown(ctx); err != nil {
			return fmt.Errorf("finalization events receiver shutdown: %w", err)
		}
	}

	if sh, ok := s.Offload.(Shutdowner); ok {
		if err := sh.Shutdown(ctx); err != nil {
			return fmt.Errorf("offload gateway shutdown: %w", err)
		}
	}

	if s.Stores != nil {
		return s.Stores.Shutdown(ctx)
	}
	return nil
}

func (s *Stores) Shutdown(ctx context.Context) error {
	if s.audit != nil {
		if err := s.audit.Shutdown(ctx); err != nil {
			return fmt.Errorf("audit store shutdown: %w", err)
		}
	}
	return nil
}

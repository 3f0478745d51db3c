package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/Yulian302/lfusys-services-assets/commons/config"
	"github.com/Yulian302/lfusys-services-assets/commons/health"
	logger "github.com/Yulian302/lfusys-services-assets/commons/logging"
	"github.com/Yulian302/lfusys-services-assets/commons/metrics"
	"github.com/Yulian302/lfusys-services-assets/commons/tracing"
	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/contrib/instrumentation/github.com/aws/aws-sdk-go-v2/otelaws"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"go.opentelemetry.io/otel/sdk/trace"
	"google.golang.org/grpc"
	grpchealth "google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

type App struct {
	Router     *gin.Engine
	HTTPServer *http.Server

	HealthGRPC   *grpc.Server
	HealthServer *grpchealth.Server
	ready        atomic.Bool

	DynamoDB *dynamodb.Client
	S3       *s3.Client
	Redis    *redis.Client
	Sqs      *sqs.Client

	Config    config.Config
	AwsConfig aws.Config

	Services       *Services
	Registry       *prometheus.Registry
	TracerProvider *trace.TracerProvider
	Logger         logger.Logger

	cancel context.CancelFunc
}

func SetupApp(configPath string) (*App, error) {
	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		return nil, err
	}

	appLogger := logger.NewSlogLogger(logger.CreateAppLogger(cfg.Env))

	awsCfg, err := initAWS(*cfg.AWSConfig, cfg.Retry)
	if err != nil {
		return nil, err
	}

	rdb := initRedis(cfg.RedisConfig)
	if rdb == nil {
		return nil, errors.New("could not init redis: redis host is required")
	}

	app := &App{
		DynamoDB: initDynamo(awsCfg),
		S3:       initS3(awsCfg, cfg.AWSConfig.Endpoint != ""),
		Redis:    rdb,
		Sqs:      initSqs(awsCfg),

		Config:    cfg,
		AwsConfig: awsCfg,
		Registry:  prometheus.NewRegistry(),
		Logger:    appLogger,
	}
	metrics.Register(app.Registry)

	if cfg.Tracing {
		tp, err := tracing.InitTracer(context.Background(), cfg.ServiceConfig.ServiceName, cfg.TracingAddr)
		if err != nil {
			return nil, fmt.Errorf("failed to start tracing: %w", err)
		}
		appLogger.Info("tracing enabled", "addr", cfg.TracingAddr)
		app.TracerProvider = tp
	}

	app.Services, err = BuildServices(app)
	if err != nil {
		return nil, err
	}

	app.Router = app.newRouter()
	app.HTTPServer = &http.Server{
		Addr:              cfg.ServiceConfig.HTTPAddr,
		Handler:           app.Router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	return app, nil
}

func (a *App) newRouter() *gin.Engine {
	if a.Config.Env != "dev" {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()
	r.Use(
		gin.Recovery(),
		otelgin.Middleware(a.Config.ServiceConfig.ServiceName),
		metrics.PrometheusMiddleware(a.Config.ServiceConfig.ServiceName),
	)

	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	r.GET("/readyz", func(c *gin.Context) {
		if !a.ready.Load() {
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "not ready"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "ready"})
	})
	r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(a.Registry, promhttp.HandlerOpts{})))

	a.Services.UploadHandler.RegisterRoutes(r)
	return r
}

func (a *App) Run() error {
	ctx, cancel := context.WithCancel(context.Background())
	a.cancel = cancel

	if err := a.startHealthServer(); err != nil {
		cancel()
		return err
	}
	a.watchReadiness(ctx)
	a.Services.Start()

	a.Logger.Info("http server started", "addr", a.HTTPServer.Addr)
	if err := a.HTTPServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// startHealthServer exposes the standard gRPC health service for
// orchestrators that probe over gRPC. It is optional.
func (a *App) startHealthServer() error {
	a.HealthServer = grpchealth.NewServer()

	// start pessimistic
	a.HealthServer.SetServingStatus("", healthpb.HealthCheckResponse_NOT_SERVING)

	addr := a.Config.ServiceConfig.HealthGRPCAddr
	if addr == "" {
		return nil
	}

	l, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("grpc health: failed to listen on %s: %w", addr, err)
	}

	a.HealthGRPC = grpc.NewServer()
	healthpb.RegisterHealthServer(a.HealthGRPC, a.HealthServer)

	go func() {
		if err := a.HealthGRPC.Serve(l); err != nil {
			a.Logger.Error("grpc health server stopped", "error", err)
		}
	}()
	return nil
}

func (a *App) watchReadiness(ctx context.Context) {
	checks := a.Services.ReadinessChecks()

	probe := func() {
		status := healthpb.HealthCheckResponse_SERVING
		for _, c := range checks {
			if err := checkReady(ctx, c); err != nil {
				a.Logger.Warn("dependency not ready", "dependency", c.Name(), "error", err)
				status = healthpb.HealthCheckResponse_NOT_SERVING
				break
			}
		}
		a.ready.Store(status == healthpb.HealthCheckResponse_SERVING)
		a.HealthServer.SetServingStatus("", status)
	}

	go func() {
		probe()

		ticker := time.NewTicker(5 * time.Second)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				probe()
			}
		}
	}()
}

func checkReady(ctx context.Context, c health.ReadinessCheck) error {
	cctx, cancel := context.WithTimeout(ctx, 500*time.Millisecond)
	defer cancel()
	return c.IsReady(cctx)
}

func initAWS(cfg config.AWSConfig, retry config.RetryConfig) (aws.Config, error) {
	opts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(cfg.Region),
		awsconfig.WithRetryer(retry.Policy().AWSRetryer()),
	}
	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(context.Background(), opts...)
	if err != nil {
		return aws.Config{}, fmt.Errorf("load aws config: %w", err)
	}
	if cfg.Endpoint != "" {
		awsCfg.BaseEndpoint = aws.String(cfg.Endpoint)
	}
	otelaws.AppendMiddlewares(&awsCfg.APIOptions)
	return awsCfg, nil
}

// initDynamo disables SDK retries; the stores retry with their own policy.
func initDynamo(cfg aws.Config) *dynamodb.Client {
	return dynamodb.NewFromConfig(cfg, func(o *dynamodb.Options) {
		o.Retryer = aws.NopRetryer{}
	})
}

func initS3(cfg aws.Config, pathStyle bool) *s3.Client {
	return s3.NewFromConfig(cfg, func(o *s3.Options) {
		o.UsePathStyle = pathStyle
	})
}

func initSqs(cfg aws.Config) *sqs.Client {
	return sqs.NewFromConfig(cfg)
}

func initRedis(cfg *config.RedisConfig) *redis.Client {
	if cfg == nil || cfg.HOST == "" {
		return nil
	}
	return redis.NewClient(&redis.Options{
		Addr:     cfg.HOST,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
}

func (a *App) Shutdown(ctx context.Context) error {
	a.Logger.Info("starting graceful shutdown")

	if a.cancel != nil {
		a.cancel()
	}

	if a.HTTPServer != nil {
		if err := a.HTTPServer.Shutdown(ctx); err != nil {
			a.Logger.Error("http server shutdown error", "error", err)
		}
	}

	if a.HealthGRPC != nil {
		done := make(chan struct{})
		go func() {
			a.HealthGRPC.GracefulStop()
			close(done)
		}()

		select {
		case <-done:
		case <-ctx.Done():
			a.HealthGRPC.Stop() // force
		}
	}

	if a.Services != nil {
		if err := a.Services.Shutdown(ctx); err != nil {
			a.Logger.Error("services shutdown error", "error", err)
		}
	}

	if a.Redis != nil {
		if err := a.Redis.Close(); err != nil {
			a.Logger.Error("redis close error", "error", err)
		}
	}

	if a.TracerProvider != nil {
		if err := a.TracerProvider.Shutdown(ctx); err != nil {
			a.Logger.Error("tracer shutdown error", "error", err)
		}
	}

	a.Logger.Info("shutdown complete")
	return nil
}

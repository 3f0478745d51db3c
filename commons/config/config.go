package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/Yulian302/lfusys-services-assets/commons/retries"
)

const (
	MiB = int64(1024 * 1024)
	GiB = 1024 * MiB

	DefaultBucketID = "default"
)

type Config struct {
	Env string `yaml:"env"`

	ServiceConfig  ServiceConfig           `yaml:"service"`
	AWSConfig      *AWSConfig              `yaml:"aws"`
	DynamoDBConfig DynamoDBConfig          `yaml:"dynamodb"`
	RedisConfig    *RedisConfig            `yaml:"redis"`
	QueueConfig    QueueConfig             `yaml:"queue"`
	AuditConfig    AuditConfig             `yaml:"audit"`
	Buckets        map[string]BucketConfig `yaml:"buckets"`
	Uploads        UploadLimits            `yaml:"uploads"`
	Retry          RetryConfig             `yaml:"retry"`

	Tracing     bool   `yaml:"tracing"`
	TracingAddr string `yaml:"tracingAddr"`
}

type ServiceConfig struct {
	HTTPAddr       string `yaml:"httpAddr"`
	HealthGRPCAddr string `yaml:"healthGrpcAddr"`
	ServiceName    string `yaml:"serviceName"`
}

type AWSConfig struct {
	Region          string `yaml:"region"`
	AccountID       string `yaml:"accountId"`
	Endpoint        string `yaml:"endpoint"`
	AccessKeyID     string `yaml:"accessKeyId"`
	SecretAccessKey string `yaml:"secretAccessKey"`
}

type DynamoDBConfig struct {
	UploadsTableName   string `yaml:"uploadsTable"`
	AssetsTableName    string `yaml:"assetsTable"`
	DatabasesTableName string `yaml:"databasesTable"`
}

type RedisConfig struct {
	HOST     string `yaml:"host"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

type QueueConfig struct {
	OffloadBackend             string `yaml:"offloadBackend"`
	OffloadQueueURL            string `yaml:"offloadQueueUrl"`
	KafkaBrokers               string `yaml:"kafkaBrokers"`
	KafkaOffloadTopic          string `yaml:"kafkaOffloadTopic"`
	FinalizationEventsQueueURL string `yaml:"finalizationEventsQueueUrl"`
}

type AuditConfig struct {
	Driver string `yaml:"driver"`
	DSN    string `yaml:"dsn"`
}

type BucketConfig struct {
	Name   string `yaml:"name"`
	Prefix string `yaml:"prefix"`
}

// UploadLimits holds every threshold the upload engine enforces.
type UploadLimits struct {
	PartSize          int64         `yaml:"partSize"`
	PreviewMaxSize    int64         `yaml:"previewMaxSize"`
	AsyncThreshold    int64         `yaml:"asyncThreshold"`
	MaxParts          int           `yaml:"maxParts"`
	InitsPerMinute    int           `yaml:"initsPerMinute"`
	SessionTTL        time.Duration `yaml:"sessionTtl"`
	PresignExpiry     time.Duration `yaml:"presignExpiry"`
	TempPrefix        string        `yaml:"tempPrefix"`
	ProcessingLease   time.Duration `yaml:"processingLease"`
	MultipartCopyFrom int64         `yaml:"multipartCopyFrom"`
}

type RetryConfig struct {
	Attempts  int           `yaml:"attempts"`
	BaseDelay time.Duration `yaml:"baseDelay"`
	MaxDelay  time.Duration `yaml:"maxDelay"`
}

func (r RetryConfig) Policy() retries.Policy {
	return retries.Policy{Attempts: r.Attempts, BaseDelay: r.BaseDelay, MaxDelay: r.MaxDelay}
}

func DefaultUploadLimits() UploadLimits {
	return UploadLimits{
		PartSize:          150 * MiB,
		PreviewMaxSize:    5 * MiB,
		AsyncThreshold:    GiB,
		MaxParts:          10000,
		InitsPerMinute:    20,
		SessionTTL:        7 * 24 * time.Hour,
		PresignExpiry:     time.Hour,
		TempPrefix:        "temp-uploads/",
		ProcessingLease:   15 * time.Minute,
		MultipartCopyFrom: 5 * GiB,
	}
}

func DefaultConfig() Config {
	return Config{
		Env: "dev",
		ServiceConfig: ServiceConfig{
			HTTPAddr:    ":8080",
			ServiceName: "assets-uploads",
		},
		AWSConfig: &AWSConfig{Region: "us-east-1"},
		DynamoDBConfig: DynamoDBConfig{
			UploadsTableName:   "asset-uploads",
			AssetsTableName:    "assets",
			DatabasesTableName: "databases",
		},
		RedisConfig: &RedisConfig{HOST: "localhost:6379"},
		QueueConfig: QueueConfig{
			OffloadBackend:    "sqs",
			KafkaOffloadTopic: "uploads.finalize",
		},
		AuditConfig: AuditConfig{Driver: "postgres"},
		Buckets:     map[string]BucketConfig{},
		Uploads:     DefaultUploadLimits(),
		Retry: RetryConfig{
			Attempts:  retries.DefaultPolicy.Attempts,
			BaseDelay: retries.DefaultPolicy.BaseDelay,
			MaxDelay:  retries.DefaultPolicy.MaxDelay,
		},
	}
}

// LoadConfig resolves configuration from, in increasing precedence:
// defaults, the YAML file at path (optional) and environment variables.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()

	if path == "" {
		path = os.Getenv("UPLOADS_CONFIG_FILE")
	}
	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config file: %w", err)
		}
		if err := yaml.Unmarshal(raw, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config file: %w", err)
		}
	}

	if err := loadFromEnv(&cfg); err != nil {
		return Config{}, fmt.Errorf("load environment: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func loadFromEnv(cfg *Config) error {
	str := func(key string, dst *string) {
		if v, ok := os.LookupEnv(key); ok {
			*dst = v
		}
	}

	str("ENV", &cfg.Env)
	str("HTTP_ADDR", &cfg.ServiceConfig.HTTPAddr)
	str("HEALTH_GRPC_ADDR", &cfg.ServiceConfig.HealthGRPCAddr)

	if cfg.AWSConfig == nil {
		cfg.AWSConfig = &AWSConfig{}
	}
	str("AWS_REGION", &cfg.AWSConfig.Region)
	str("AWS_ACCOUNT_ID", &cfg.AWSConfig.AccountID)
	str("AWS_ENDPOINT_URL", &cfg.AWSConfig.Endpoint)
	str("AWS_ACCESS_KEY_ID", &cfg.AWSConfig.AccessKeyID)
	str("AWS_SECRET_ACCESS_KEY", &cfg.AWSConfig.SecretAccessKey)

	str("UPLOADS_TABLE_NAME", &cfg.DynamoDBConfig.UploadsTableName)
	str("ASSETS_TABLE_NAME", &cfg.DynamoDBConfig.AssetsTableName)
	str("DATABASES_TABLE_NAME", &cfg.DynamoDBConfig.DatabasesTableName)

	if cfg.RedisConfig == nil {
		cfg.RedisConfig = &RedisConfig{}
	}
	str("REDIS_HOST", &cfg.RedisConfig.HOST)
	str("REDIS_PASSWORD", &cfg.RedisConfig.Password)

	str("OFFLOAD_BACKEND", &cfg.QueueConfig.OffloadBackend)
	str("OFFLOAD_QUEUE_URL", &cfg.QueueConfig.OffloadQueueURL)
	str("KAFKA_BROKERS", &cfg.QueueConfig.KafkaBrokers)
	str("KAFKA_OFFLOAD_TOPIC", &cfg.QueueConfig.KafkaOffloadTopic)
	str("FINALIZATION_EVENTS_QUEUE_URL", &cfg.QueueConfig.FinalizationEventsQueueURL)

	str("AUDIT_DB_DRIVER", &cfg.AuditConfig.Driver)
	str("AUDIT_DB_DSN", &cfg.AuditConfig.DSN)

	str("TRACING_ADDR", &cfg.TracingAddr)
	if v, ok := os.LookupEnv("TRACING"); ok {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("TRACING: %w", err)
		}
		cfg.Tracing = b
	}

	if name, ok := os.LookupEnv("DEFAULT_BUCKET_NAME"); ok {
		if cfg.Buckets == nil {
			cfg.Buckets = map[string]BucketConfig{}
		}
		cfg.Buckets[DefaultBucketID] = BucketConfig{
			Name:   name,
			Prefix: os.Getenv("DEFAULT_BUCKET_PREFIX"),
		}
	}

	if v, ok := os.LookupEnv("PRESIGN_EXPIRY"); ok {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("PRESIGN_EXPIRY: %w", err)
		}
		cfg.Uploads.PresignExpiry = d
	}
	if v, ok := os.LookupEnv("UPLOAD_INITS_PER_MINUTE"); ok {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("UPLOAD_INITS_PER_MINUTE: %w", err)
		}
		cfg.Uploads.InitsPerMinute = n
	}

	return nil
}

func (c Config) Validate() error {
	var errs []error

	if c.AWSConfig == nil || c.AWSConfig.Region == "" {
		errs = append(errs, errors.New("aws region is required"))
	}
	if c.DynamoDBConfig.UploadsTableName == "" || c.DynamoDBConfig.AssetsTableName == "" || c.DynamoDBConfig.DatabasesTableName == "" {
		errs = append(errs, errors.New("dynamodb table names are required"))
	}
	switch strings.ToLower(c.QueueConfig.OffloadBackend) {
	case "sqs", "kafka", "":
	default:
		errs = append(errs, fmt.Errorf("unknown offload backend %q", c.QueueConfig.OffloadBackend))
	}
	for id, b := range c.Buckets {
		if b.Name == "" {
			errs = append(errs, fmt.Errorf("bucket %q has no name", id))
		}
	}
	if err := c.Uploads.Validate(); err != nil {
		errs = append(errs, err)
	}

	if len(errs) > 0 {
		return fmt.Errorf("invalid config: %w", errors.Join(errs...))
	}
	return nil
}

func (l UploadLimits) Validate() error {
	if l.PartSize <= 0 || l.PreviewMaxSize <= 0 || l.AsyncThreshold <= 0 || l.MultipartCopyFrom <= 0 {
		return errors.New("upload size limits must be positive")
	}
	if l.MaxParts <= 0 || l.InitsPerMinute <= 0 {
		return errors.New("upload count limits must be positive")
	}
	if l.SessionTTL <= 0 || l.PresignExpiry <= 0 || l.ProcessingLease <= 0 {
		return errors.New("upload durations must be positive")
	}
	if l.TempPrefix == "" || !strings.HasSuffix(l.TempPrefix, "/") {
		return errors.New("temp prefix must be non-empty and end with '/'")
	}
	return nil
}

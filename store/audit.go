package store

import (
	"context"
	"fmt"
	"time"

	"github.com/Yulian302/lfusys-services-assets/models"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

type AuditStore interface {
	Record(ctx context.Context, event models.AuditEvent) error
	ListByUpload(ctx context.Context, uploadID string) ([]models.AuditEvent, error)
}

type GormAuditStore struct {
	db *gorm.DB
}

// OpenAuditDB opens the audit database. Supported drivers are "postgres"
// and "sqlite".
func OpenAuditDB(driver, dsn string) (*gorm.DB, error) {
	var dialector gorm.Dialector
	switch driver {
	case "postgres", "":
		dialector = postgres.Open(dsn)
	case "sqlite":
		dialector = sqlite.Open(dsn)
	default:
		return nil, fmt.Errorf("unsupported audit driver %q", driver)
	}

	db, err := gorm.Open(dialector, &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("open audit db: %w", err)
	}
	return db, nil
}

func NewGormAuditStore(db *gorm.DB) (*GormAuditStore, error) {
	if err := db.AutoMigrate(&models.AuditEvent{}); err != nil {
		return nil, fmt.Errorf("migrate audit events: %w", err)
	}
	return &GormAuditStore{db: db}, nil
}

func (s *GormAuditStore) Record(ctx context.Context, event models.AuditEvent) error {
	if event.CreatedAt.IsZero() {
		event.CreatedAt = time.Now().UTC()
	}
	return s.db.WithContext(ctx).Create(&event).Error
}

func (s *GormAuditStore) ListByUpload(ctx context.Context, uploadID string) ([]models.AuditEvent, error) {
	var events []models.AuditEvent
	err := s.db.WithContext(ctx).
		Where("upload_id = ?", uploadID).
		Order("id ASC").
		Find(&events).Error
	return events, err
}

func (s *GormAuditStore) IsReady(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()
	return sqlDB.PingContext(ctx)
}

func (s *GormAuditStore) Name() string {
	return "AuditStore[gorm]"
}

func (s *GormAuditStore) Shutdown(context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

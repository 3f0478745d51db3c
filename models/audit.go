package models

import "time"

type AuditAction string

const (
	AuditUploadDenied    AuditAction = "upload_denied"
	AuditUploadCompleted AuditAction = "upload_completed"
)

type AuditEvent struct {
	ID          uint        `gorm:"primaryKey"`
	Action      AuditAction `gorm:"size:32;index"`
	UploadId    string      `gorm:"size:64;index"`
	DatabaseId  string      `gorm:"size:128"`
	AssetId     string      `gorm:"size:128;index"`
	UserId      string      `gorm:"size:128;index"`
	RelativeKey string      `gorm:"size:1024"`
	Reason      string      `gorm:"size:1024"`
	CreatedAt   time.Time
}

func (AuditEvent) TableName() string {
	return "upload_audit_events"
}

package services

import (
	"context"

	logger "github.com/Yulian302/lfusys-services-assets/commons/logging"
	"github.com/Yulian302/lfusys-services-assets/models"
	"github.com/Yulian302/lfusys-services-assets/store"
)

// Auditor records security relevant upload events. Failures are logged.
type Auditor interface {
	Record(ctx context.Context, event models.AuditEvent)
}

type AuditorImpl struct {
	auditStore store.AuditStore

	logger logger.Logger
}

// NewAuditor writes to s when it is non-nil and only logs otherwise.
func NewAuditor(s store.AuditStore, l logger.Logger) *AuditorImpl {
	return &AuditorImpl{auditStore: s, logger: l}
}

func (a *AuditorImpl) Record(ctx context.Context, event models.AuditEvent) {
	a.logger.Info("audit",
		"action", event.Action,
		"upload_id", event.UploadId,
		"database_id", event.DatabaseId,
		"asset_id", event.AssetId,
		"user_id", event.UserId,
		"relative_key", event.RelativeKey,
		"reason", event.Reason,
	)

	if a.auditStore == nil {
		return
	}
	if err := a.auditStore.Record(ctx, event); err != nil {
		a.logger.Error("failed to persist audit event", "action", event.Action, "upload_id", event.UploadId, "error", err)
	}
}

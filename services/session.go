package services

import (
	"context"
	"time"

	apperror "github.com/Yulian302/lfusys-services-assets/commons/errors"
	"github.com/Yulian302/lfusys-services-assets/models"
	"github.com/Yulian302/lfusys-services-assets/store"
)

type SessionService interface {
	GetUploadStatus(ctx context.Context, uploadID, assetID string) (*models.UploadStatusResponse, error)
}

type SessionServiceImpl struct {
	sessionStore store.SessionStore
}

func NewSessionServiceImpl(sessionStore store.SessionStore) *SessionServiceImpl {
	return &SessionServiceImpl{
		sessionStore: sessionStore,
	}
}

func (svc *SessionServiceImpl) GetUploadStatus(ctx context.Context, uploadID, assetID string) (*models.UploadStatusResponse, error) {
	if uploadID == "" || assetID == "" {
		return nil, apperror.Validation("uploadId and assetId are required")
	}

	session, err := svc.sessionStore.GetSession(ctx, uploadID, assetID)
	if err != nil {
		return nil, err
	}

	return &models.UploadStatusResponse{
		UploadId:   session.UploadId,
		AssetId:    session.AssetId,
		Status:     session.Status,
		UploadType: session.UploadType,
		TotalFiles: session.TotalFiles,
		TotalParts: session.TotalParts,
		External:   session.IsExternalUpload,
		ExpiresAt:  time.Unix(session.ExpiresAt, 0).UTC(),
	}, nil
}

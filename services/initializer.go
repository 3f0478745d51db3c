package services

import (
	"context"
	"fmt"
	"time"

	apperror "github.com/Yulian302/lfusys-services-assets/commons/errors"
	logger "github.com/Yulian302/lfusys-services-assets/commons/logging"
	"github.com/Yulian302/lfusys-services-assets/commons/metrics"
	"github.com/Yulian302/lfusys-services-assets/models"
	"github.com/Yulian302/lfusys-services-assets/store"
	"github.com/google/uuid"
)

type UploadInitializer interface {
	Initialize(ctx context.Context, scope RequestScope, req models.InitializeUploadRequest) (*models.InitializeUploadResponse, error)
}

type UploadInitializerImpl struct {
	sessionStore  store.SessionStore
	assetStore    store.AssetStore
	databaseStore store.DatabaseStore
	buckets       store.BucketResolver
	fileStorage   store.FileStorage
	rateLimiter   RateLimiter
	now           func() time.Time

	logger logger.Logger
}

func NewUploadInitializerImpl(
	sessionStore store.SessionStore,
	assetStore store.AssetStore,
	databaseStore store.DatabaseStore,
	buckets store.BucketResolver,
	fileStorage store.FileStorage,
	rateLimiter RateLimiter,
	l logger.Logger,
) *UploadInitializerImpl {
	return &UploadInitializerImpl{
		sessionStore:  sessionStore,
		assetStore:    assetStore,
		databaseStore: databaseStore,
		buckets:       buckets,
		fileStorage:   fileStorage,
		rateLimiter:   rateLimiter,
		now:           time.Now,
		logger:        l,
	}
}

// plannedFile is a validated file waiting for its multipart upload.
type plannedFile struct {
	relativeKey string
	finalKey    string
	tempKey     string
	numParts    int
}

func (svc *UploadInitializerImpl) Initialize(ctx context.Context, scope RequestScope, req models.InitializeUploadRequest) (*models.InitializeUploadResponse, error) {
	if scope.Caller.UserID == "" {
		return nil, apperror.Authorization("caller identity is required")
	}
	if !svc.rateLimiter.Allow(ctx, scope.Caller.UserID) {
		return nil, apperror.RateLimit()
	}

	uploadType, err := models.ParseUploadType(string(req.UploadType))
	if err != nil {
		return nil, apperror.Validation("%v", err)
	}
	if err := validateInitFiles(uploadType, req.Files); err != nil {
		return nil, err
	}

	asset, err := svc.assetStore.GetAsset(ctx, req.DatabaseId, req.AssetId)
	if err != nil {
		return nil, err
	}
	database, err := svc.databaseStore.GetDatabase(ctx, req.DatabaseId)
	if err != nil {
		return nil, err
	}
	bucket, err := resolveBucket(svc.buckets, asset, database)
	if err != nil {
		return nil, err
	}

	uploadID := uuid.NewString()
	baseKey := AssetBaseKey(*asset, bucket)
	limits := scope.Limits

	planned := make([]plannedFile, 0, len(req.Files))
	totalParts := 0
	for _, f := range req.Files {
		if err := checkInitExtension(uploadType, f.RelativeKey, database.AcceptedFileExtensions); err != nil {
			return nil, err
		}
		if IsPreviewLike(uploadType, f.RelativeKey) && f.FileSize != nil && *f.FileSize > limits.PreviewMaxSize {
			return nil, apperror.Validation("preview file %q is %d bytes, the limit is %d", f.RelativeKey, *f.FileSize, limits.PreviewMaxSize)
		}

		n, err := PartCount(f, limits)
		if err != nil {
			return nil, err
		}

		finalKey := NormalizeKey(baseKey, f.RelativeKey)
		if uploadType == models.UploadTypeAssetPreview {
			finalKey = PreviewFinalKey(bucket.Prefix, asset.AssetId, f.RelativeKey)
		}

		planned = append(planned, plannedFile{
			relativeKey: f.RelativeKey,
			finalKey:    finalKey,
			tempKey:     TempKey(limits.TempPrefix, finalKey),
			numParts:    n,
		})
		totalParts += n
	}

	now := svc.now().UTC()
	session := models.UploadSession{
		UploadId:    uploadID,
		AssetId:     asset.AssetId,
		DatabaseId:  req.DatabaseId,
		UploadType:  uploadType,
		Status:      models.UploadStatusInitialized,
		TotalFiles:  len(planned),
		TotalParts:  totalParts,
		OwnerUserId: scope.Caller.UserID,
		CreatedAt:   now,
		UpdatedAt:   now,
		ExpiresAt:   now.Add(limits.SessionTTL).Unix(),
	}
	resp := &models.InitializeUploadResponse{
		UploadId:  uploadID,
		ExpiresAt: session.ExpiresAt,
	}

	if req.ExternalUpload {
		svc.planExternal(&session, resp, planned, limits.TempPrefix)
	} else if err := svc.openMultipartUploads(ctx, &session, resp, planned, bucket, limits.PresignExpiry); err != nil {
		return nil, err
	}

	if err := svc.sessionStore.CreateSession(ctx, session); err != nil {
		svc.logger.Error("failed to create upload session", "upload_id", uploadID, "asset_id", asset.AssetId, "error", err)
		svc.abortOpened(ctx, bucket.Name, session.Files)
		return nil, apperror.Internal("create upload session", err)
	}

	metrics.UploadsInitialized.WithLabelValues(string(uploadType)).Inc()
	svc.logger.Info("upload initialized",
		"upload_id", uploadID,
		"asset_id", asset.AssetId,
		"database_id", req.DatabaseId,
		"upload_type", uploadType,
		"files", len(planned),
		"parts", totalParts,
		"external", req.ExternalUpload,
	)
	return resp, nil
}

func validateInitFiles(uploadType models.UploadType, files []models.InitializeFile) error {
	if len(files) == 0 {
		return apperror.Validation("at least one file is required")
	}
	if uploadType == models.UploadTypeAssetPreview && len(files) != 1 {
		return apperror.Validation("assetPreview uploads take exactly one file, got %d", len(files))
	}

	seen := make(map[string]bool, len(files))
	for _, f := range files {
		if err := ValidateRelativeKey(f.RelativeKey); err != nil {
			return err
		}
		if seen[f.RelativeKey] {
			return apperror.Validation("relativeKey %q is listed twice", f.RelativeKey)
		}
		seen[f.RelativeKey] = true
	}
	return nil
}

func checkInitExtension(uploadType models.UploadType, relativeKey, accepted string) error {
	if IsPreviewLike(uploadType, relativeKey) {
		if !HasPreviewExtension(relativeKey) {
			return apperror.Validation("preview file %q must be one of %v", relativeKey, previewExtensions)
		}
		return nil
	}
	if !ExtensionAllowed(relativeKey, accepted) {
		return apperror.Validation("file %q has an extension that is not accepted (%s)", relativeKey, accepted)
	}
	return nil
}

func resolveBucket(buckets store.BucketResolver, asset *models.Asset, database *models.Database) (models.Bucket, error) {
	id := asset.BucketId
	if id == "" {
		id = database.DefaultBucketId
	}
	return buckets.Resolve(id)
}

// External uploads are written by another process under a per-upload prefix,
// so nothing is opened in the store here.
func (svc *UploadInitializerImpl) planExternal(session *models.UploadSession, resp *models.InitializeUploadResponse, planned []plannedFile, tempPrefix string) {
	prefix := tempPrefix + "external/" + session.UploadId + "/"
	session.IsExternalUpload = true
	session.TemporaryPrefix = prefix
	session.TotalParts = 0
	resp.TemporaryPrefix = prefix

	for _, p := range planned {
		d := models.FileUploadDescriptor{
			RelativeKey: p.relativeKey,
			TempKey:     prefix + p.relativeKey,
			FinalKey:    p.finalKey,
		}
		session.Files = append(session.Files, d)
		resp.Files = append(resp.Files, models.InitializedFile{
			RelativeKey:    p.relativeKey,
			TempKey:        d.TempKey,
			PartUploadUrls: []models.PartUploadGrant{},
		})
	}
}

func (svc *UploadInitializerImpl) openMultipartUploads(
	ctx context.Context,
	session *models.UploadSession,
	resp *models.InitializeUploadResponse,
	planned []plannedFile,
	bucket models.Bucket,
	presignExpiry time.Duration,
) error {
	metadata := map[string]string{
		models.MetaDatabaseId: session.DatabaseId,
		models.MetaAssetId:    session.AssetId,
		models.MetaUploadId:   session.UploadId,
	}

	for _, p := range planned {
		d := models.FileUploadDescriptor{
			RelativeKey:   p.relativeKey,
			TempKey:       p.tempKey,
			FinalKey:      p.finalKey,
			StoreUploadId: models.ZeroByteUploadID,
			NumParts:      p.numParts,
		}
		grants := []models.PartUploadGrant{}

		if p.numParts > 0 {
			storeUploadID, err := svc.fileStorage.CreateMultipartUpload(ctx, bucket.Name, p.tempKey, metadata)
			if err != nil {
				svc.logger.Error("failed to open multipart upload", "upload_id", session.UploadId, "relative_key", p.relativeKey, "error", err)
				svc.abortOpened(ctx, bucket.Name, session.Files)
				return apperror.Internal(fmt.Sprintf("open multipart upload for %q", p.relativeKey), err)
			}
			d.StoreUploadId = storeUploadID
			session.Files = append(session.Files, d)

			for n := 1; n <= p.numParts; n++ {
				url, err := svc.fileStorage.PresignUploadPart(ctx, bucket.Name, p.tempKey, storeUploadID, int32(n), presignExpiry)
				if err != nil {
					svc.logger.Error("failed to presign part upload", "upload_id", session.UploadId, "relative_key", p.relativeKey, "part", n, "error", err)
					svc.abortOpened(ctx, bucket.Name, session.Files)
					return apperror.Internal(fmt.Sprintf("presign part %d of %q", n, p.relativeKey), err)
				}
				grants = append(grants, models.PartUploadGrant{PartNumber: int32(n), URL: url})
			}
		} else {
			session.Files = append(session.Files, d)
		}

		resp.Files = append(resp.Files, models.InitializedFile{
			RelativeKey:    p.relativeKey,
			StoreUploadId:  d.StoreUploadId,
			NumParts:       p.numParts,
			PartUploadUrls: grants,
		})
	}
	return nil
}

// abortOpened releases multipart uploads opened by a failed initialization.
func (svc *UploadInitializerImpl) abortOpened(ctx context.Context, bucket string, files []models.FileUploadDescriptor) {
	for _, f := range files {
		if f.StoreUploadId == "" || f.StoreUploadId == models.ZeroByteUploadID {
			continue
		}
		if err := svc.fileStorage.AbortMultipartUpload(ctx, bucket, f.TempKey, f.StoreUploadId); err != nil {
			svc.logger.Error("failed to abort multipart upload", "relative_key", f.RelativeKey, "store_upload_id", f.StoreUploadId, "error", err)
		}
	}
}

package services

import (
	"context"
	"fmt"
	"strings"
	"time"

	logger "github.com/Yulian302/lfusys-services-assets/commons/logging"
	"github.com/Yulian302/lfusys-services-assets/models"
	"github.com/Yulian302/lfusys-services-assets/store"
)

// FinalizeTarget is a validated temp object ready to move to its final key.
type FinalizeTarget struct {
	RelativeKey string
	TempKey     string
	FinalKey    string
	Size        int64
	ContentType string
}

type FinalizeBatch struct {
	UploadId   string
	UploadType models.UploadType
	Asset      *models.Asset
	Bucket     models.Bucket
	BaseKey    string
	Files      []FinalizeTarget
}

// Finalizer moves accepted files into place and keeps the asset record in
// step with what the bucket holds.
type Finalizer struct {
	fileStorage   store.FileStorage
	assetStore    store.AssetStore
	databaseStore store.DatabaseStore
	buckets       store.BucketResolver
	notifier      Notifier
	now         func() time.Time

	logger logger.Logger
}

func NewFinalizer(
	fileStorage store.FileStorage,
	assetStore store.AssetStore,
	databaseStore store.DatabaseStore,
	buckets store.BucketResolver,
	notifier Notifier,
	l logger.Logger,
) *Finalizer {
	return &Finalizer{
		fileStorage:   fileStorage,
		assetStore:    assetStore,
		databaseStore: databaseStore,
		buckets:       buckets,
		notifier:      notifier,
		now:           time.Now,
		logger:        l,
	}
}

// CopyToFinal copies every file to its final key and removes the temp
// object. The returned map holds the files whose copy failed; siblings are
// never rolled back.
func (f *Finalizer) CopyToFinal(ctx context.Context, batch FinalizeBatch) map[string]error {
	failed := make(map[string]error)
	metadata := map[string]string{
		models.MetaDatabaseId: batch.Asset.DatabaseId,
		models.MetaAssetId:    batch.Asset.AssetId,
	}

	for _, t := range batch.Files {
		if batch.UploadType == models.UploadTypeAssetFile && IsPreviewFile(t.RelativeKey) {
			f.replaceSiblingPreviews(ctx, batch, t)
		}

		err := f.fileStorage.CopyObject(ctx, batch.Bucket.Name, t.TempKey, t.FinalKey, t.Size, t.ContentType, metadata)
		if err != nil {
			f.logger.Error("copy to final location failed", "upload_id", batch.UploadId, "relative_key", t.RelativeKey, "final_key", t.FinalKey, "error", err)
			failed[t.RelativeKey] = err
		}

		f.deleteBestEffort(ctx, batch.Bucket.Name, t.TempKey)
	}
	return failed
}

// A base file has at most one preview: previews with another extension are
// removed before the new one lands.
func (f *Finalizer) replaceSiblingPreviews(ctx context.Context, batch FinalizeBatch, t FinalizeTarget) {
	prefix := NormalizeKey(batch.BaseKey, PreviewBaseKey(t.RelativeKey)) + PreviewMarker
	keys, err := f.fileStorage.ListKeys(ctx, batch.Bucket.Name, prefix)
	if err != nil {
		f.logger.Warn("could not list existing previews", "prefix", prefix, "error", err)
		return
	}
	for _, k := range keys {
		if k != t.FinalKey {
			f.deleteBestEffort(ctx, batch.Bucket.Name, k)
		}
	}
}

func (f *Finalizer) deleteBestEffort(ctx context.Context, bucket, key string) {
	if err := f.fileStorage.DeleteObject(ctx, bucket, key); err != nil {
		f.logger.Warn("object cleanup failed", "key", key, "error", err)
	}
}

// UpdateAsset records the finalized files on the asset. finalKeys holds the
// keys that were copied into place by this call.
func (f *Finalizer) UpdateAsset(ctx context.Context, batch FinalizeBatch, finalKeys []string) {
	if len(finalKeys) == 0 {
		return
	}
	asset := *batch.Asset

	switch batch.UploadType {
	case models.UploadTypeAssetPreview:
		previous := ""
		if asset.PreviewLocation != nil {
			previous = asset.PreviewLocation.Key
		}
		asset.PreviewLocation = &models.Location{Key: finalKeys[0]}
		if !f.saveAsset(ctx, batch.UploadId, asset) {
			return
		}
		if previous != "" && previous != finalKeys[0] {
			f.deleteBestEffort(ctx, batch.Bucket.Name, previous)
		}
	default:
		assetType, err := f.assetTypeOf(ctx, batch.Bucket.Name, batch.BaseKey, asset.AssetType)
		if err != nil {
			f.logger.Error("asset type recomputation failed", "asset_id", asset.AssetId, "error", err)
		} else {
			asset.AssetType = assetType
		}
		if asset.AssetLocation.Key == "" {
			asset.AssetLocation.Key = batch.BaseKey
		}
		if !f.saveAsset(ctx, batch.UploadId, asset) {
			return
		}
	}
	*batch.Asset = asset

	f.notifier.AssetChanged(ctx, models.AssetChangedEvent{
		DatabaseId: asset.DatabaseId,
		AssetId:    asset.AssetId,
		UploadId:   batch.UploadId,
		UploadType: batch.UploadType,
		AssetType:  asset.AssetType,
		FinalKeys:  finalKeys,
		ChangedAt:  f.now().UTC(),
	})
}

func (f *Finalizer) saveAsset(ctx context.Context, uploadID string, asset models.Asset) bool {
	asset.UpdatedAt = f.now().UTC()
	if err := f.assetStore.SaveAsset(ctx, asset); err != nil {
		// files are already in place, the next upload or finalization event
		// repairs the record
		f.logger.Error("failed to update asset record", "upload_id", uploadID, "asset_id", asset.AssetId, "error", err)
		return false
	}
	return true
}

// assetTypeOf scans at most two live files under baseKey.
func (f *Finalizer) assetTypeOf(ctx context.Context, bucket, baseKey, current string) (string, error) {
	keys, err := f.fileStorage.LiveKeys(ctx, bucket, baseKey, 2, nil)
	if err != nil {
		return "", err
	}
	return AssetTypeFor(keys, current), nil
}

// HandleFileFinalized refreshes the asset once the offload worker has moved
// a large file into place.
func (f *Finalizer) HandleFileFinalized(ctx context.Context, evt models.FileFinalizedEvent) error {
	if !evt.Success {
		f.logger.Warn("offloaded finalization failed", "upload_id", evt.UploadId, "asset_id", evt.AssetId, "final_key", evt.FinalKey, "error", evt.Error)
		return nil
	}

	asset, err := f.assetStore.GetAsset(ctx, evt.DatabaseId, evt.AssetId)
	if err != nil {
		return fmt.Errorf("load asset %s: %w", evt.AssetId, err)
	}
	database, err := f.databaseStore.GetDatabase(ctx, evt.DatabaseId)
	if err != nil {
		return fmt.Errorf("load database %s: %w", evt.DatabaseId, err)
	}
	bucket, err := resolveBucket(f.buckets, asset, database)
	if err != nil {
		return err
	}
	baseKey := AssetBaseKey(*asset, bucket)
	if !strings.HasPrefix(evt.FinalKey, baseKey) {
		f.logger.Warn("finalized key is outside the asset prefix", "asset_id", evt.AssetId, "final_key", evt.FinalKey)
		return nil
	}

	assetType, err := f.assetTypeOf(ctx, bucket.Name, baseKey, asset.AssetType)
	if err != nil {
		return fmt.Errorf("recompute asset type: %w", err)
	}
	asset.AssetType = assetType
	if asset.AssetLocation.Key == "" {
		asset.AssetLocation.Key = baseKey
	}
	asset.UpdatedAt = f.now().UTC()
	if err := f.assetStore.SaveAsset(ctx, *asset); err != nil {
		return fmt.Errorf("save asset %s: %w", evt.AssetId, err)
	}

	f.notifier.AssetChanged(ctx, models.AssetChangedEvent{
		DatabaseId: asset.DatabaseId,
		AssetId:    asset.AssetId,
		UploadId:   evt.UploadId,
		UploadType: models.UploadTypeAssetFile,
		AssetType:  asset.AssetType,
		FinalKeys:  []string{evt.FinalKey},
		ChangedAt:  f.now().UTC(),
	})
	return nil
}

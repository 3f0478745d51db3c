package services

import (
	"context"
	"fmt"

	apperror "github.com/Yulian302/lfusys-services-assets/commons/errors"
	logger "github.com/Yulian302/lfusys-services-assets/commons/logging"
	"github.com/Yulian302/lfusys-services-assets/commons/metrics"
	"github.com/Yulian302/lfusys-services-assets/models"
	"github.com/Yulian302/lfusys-services-assets/queues"
	"github.com/Yulian302/lfusys-services-assets/store"
)

const (
	modeMultipart = "multipart"
	modeExternal  = "external"
)

// CompletionDeps are the collaborators shared by both completion paths.
type CompletionDeps struct {
	SessionStore  store.SessionStore
	AssetStore    store.AssetStore
	DatabaseStore store.DatabaseStore
	Buckets       store.BucketResolver
	FileStorage   store.FileStorage
	Offload       queues.OffloadGateway
	Scanner       ContentScanner
	Auditor       Auditor
	Finalizer     *Finalizer
	Logger        logger.Logger
}

// completionRun is the state of one complete call.
type completionRun struct {
	mode     string
	scope    RequestScope
	session  *models.UploadSession
	asset    *models.Asset
	database *models.Database
	bucket   models.Bucket
	baseKey  string

	// relative keys named by the request
	requested map[string]bool
	results   []models.FileCompletionResult
	staged    []stagedFile
}

// stagedFile passed per-file checks and waits for the batch steps.
type stagedFile struct {
	index  int
	target FinalizeTarget
}

type sessionCheck func(*models.UploadSession) error

func (d *CompletionDeps) begin(
	ctx context.Context,
	mode string,
	scope RequestScope,
	uploadID, assetID, databaseID string,
	uploadType models.UploadType,
	relativeKeys []string,
	check sessionCheck,
) (*completionRun, error) {
	if scope.Caller.UserID == "" {
		return nil, apperror.Authorization("caller identity is required")
	}
	if uploadID == "" {
		return nil, apperror.Validation("uploadId is required")
	}
	if _, err := models.ParseUploadType(string(uploadType)); err != nil {
		return nil, apperror.Validation("%v", err)
	}
	if len(relativeKeys) == 0 {
		return nil, apperror.Validation("at least one file is required")
	}

	session, err := d.SessionStore.GetSession(ctx, uploadID, assetID)
	if err != nil {
		return nil, err
	}
	if session.DatabaseId != databaseID {
		return nil, apperror.Validation("upload %s does not belong to database %s", uploadID, databaseID)
	}
	if session.UploadType != uploadType {
		return nil, apperror.Validation("upload %s is of type %s, not %s", uploadID, session.UploadType, uploadType)
	}
	if check != nil {
		if err := check(session); err != nil {
			return nil, err
		}
	}

	asset, err := d.AssetStore.GetAsset(ctx, databaseID, assetID)
	if err != nil {
		return nil, err
	}
	database, err := d.DatabaseStore.GetDatabase(ctx, databaseID)
	if err != nil {
		return nil, err
	}
	bucket, err := resolveBucket(d.Buckets, asset, database)
	if err != nil {
		return nil, err
	}

	if err := d.SessionStore.BeginProcessing(ctx, session, scope.Limits.ProcessingLease); err != nil {
		return nil, err
	}

	requested := make(map[string]bool, len(relativeKeys))
	for _, k := range relativeKeys {
		requested[k] = true
	}

	return &completionRun{
		mode:      mode,
		scope:     scope,
		session:   session,
		asset:     asset,
		database:  database,
		bucket:    bucket,
		baseKey:   AssetBaseKey(*asset, bucket),
		requested: requested,
		results:   make([]models.FileCompletionResult, len(relativeKeys)),
	}, nil
}

func (r *completionRun) setResult(i int, relativeKey, storeUploadID string, outcome models.FileOutcome) {
	r.results[i] = models.FileCompletionResult{
		RelativeKey:   relativeKey,
		StoreUploadId: storeUploadID,
		Outcome:       outcome,
	}
}

func (r *completionRun) fail(i int, relativeKey, storeUploadID, format string, args ...any) {
	r.setResult(i, relativeKey, storeUploadID, models.FileFailure{Reason: fmt.Sprintf(format, args...)})
}

func (r *completionRun) stage(i int, relativeKey, storeUploadID string, target FinalizeTarget) {
	r.setResult(i, relativeKey, storeUploadID, models.FileSuccess{FinalKey: target.FinalKey})
	r.staged = append(r.staged, stagedFile{index: i, target: target})
}

func (r *completionRun) finalKeyFor(relativeKey string) string {
	if r.session.UploadType == models.UploadTypeAssetPreview {
		return PreviewFinalKey(r.bucket.Prefix, r.asset.AssetId, relativeKey)
	}
	return NormalizeKey(r.baseKey, relativeKey)
}

// needsAllowList reports whether the database's extension allow-list
// applies to a file.
func (r *completionRun) needsAllowList(relativeKey string) bool {
	return r.session.UploadType == models.UploadTypeAssetFile && !IsPreviewFile(relativeKey)
}

func (r *completionRun) previewLike(relativeKey string) bool {
	return IsPreviewLike(r.session.UploadType, relativeKey)
}

// offload hands a large file to the finalization worker and remembers it on
// the session so a repeated call does not finish it a second time.
func (d *CompletionDeps) offload(ctx context.Context, r *completionRun, i int, storeUploadID string, job models.FinalizationJob) bool {
	if !d.Offload.Publish(ctx, job) {
		d.Logger.Warn("offload unavailable, completing synchronously", "upload_id", job.UploadId, "relative_key", job.RelativeKey, "size", job.TotalSize)
		return false
	}
	r.session.AsyncFiles = append(r.session.AsyncFiles, job.RelativeKey)
	r.setResult(i, job.RelativeKey, storeUploadID, models.FileSuccess{FinalKey: job.FinalKey, AsyncHandling: true})
	return true
}

func (d *CompletionDeps) newJob(r *completionRun, kind models.FinalizationJobKind, relativeKey, tempKey, finalKey string, size int64) models.FinalizationJob {
	return models.FinalizationJob{
		Kind:        kind,
		UploadId:    r.session.UploadId,
		AssetId:     r.session.AssetId,
		DatabaseId:  r.session.DatabaseId,
		UploadType:  r.session.UploadType,
		Bucket:      r.bucket.Name,
		RelativeKey: relativeKey,
		TempKey:     tempKey,
		FinalKey:    finalKey,
		TotalSize:   size,
	}
}

func (d *CompletionDeps) deleteObject(ctx context.Context, r *completionRun, key string) {
	if err := d.FileStorage.DeleteObject(ctx, r.bucket.Name, key); err != nil {
		d.Logger.Warn("object cleanup failed", "upload_id", r.session.UploadId, "key", key, "error", err)
	}
}

// validateStaged runs the checks that need the object in place: preview
// rules and the content scan. The object is deleted on failure.
func (d *CompletionDeps) validateStaged(ctx context.Context, r *completionRun, t FinalizeTarget) (string, bool) {
	limits := r.scope.Limits

	reject := func(format string, args ...any) (string, bool) {
		d.deleteObject(ctx, r, t.TempKey)
		return fmt.Sprintf(format, args...), false
	}

	if r.previewLike(t.RelativeKey) {
		if t.Size > limits.PreviewMaxSize {
			return reject("preview file is %d bytes, the limit is %d", t.Size, limits.PreviewMaxSize)
		}
		if !HasPreviewExtension(t.RelativeKey) {
			return reject("preview file must be one of %v", previewExtensions)
		}
	}

	res, err := d.Scanner.Scan(ctx, r.bucket.Name, t.TempKey, t.Size)
	if err != nil {
		d.Logger.Error("content scan failed", "upload_id", r.session.UploadId, "relative_key", t.RelativeKey, "error", err)
		return reject("content scan failed")
	}
	if !res.Allowed {
		d.Auditor.Record(ctx, models.AuditEvent{
			Action:      models.AuditUploadDenied,
			UploadId:    r.session.UploadId,
			DatabaseId:  r.session.DatabaseId,
			AssetId:     r.session.AssetId,
			UserId:      r.scope.Caller.UserID,
			RelativeKey: t.RelativeKey,
			Reason:      res.Reason,
		})
		return reject("upload denied: %s", res.Reason)
	}

	if r.session.UploadType == models.UploadTypeAssetFile && IsPreviewFile(t.RelativeKey) {
		base := PreviewBaseKey(t.RelativeKey)
		if !r.requested[base] {
			exists, err := d.FileStorage.ObjectExists(ctx, r.bucket.Name, NormalizeKey(r.baseKey, base))
			if err != nil {
				d.Logger.Error("preview base lookup failed", "upload_id", r.session.UploadId, "relative_key", t.RelativeKey, "error", err)
				return reject("could not verify preview base file %q", base)
			}
			if !exists {
				return reject("preview base file %q not found", base)
			}
		}
	}

	return "", true
}

// finish applies the batch rules: preview base double check, copy to final,
// asset update and session disposition.
func (d *CompletionDeps) finish(ctx context.Context, r *completionRun) (*models.CompleteUploadResponse, error) {
	staged := r.staged
	if r.session.UploadType == models.UploadTypeAssetFile {
		staged = d.demoteOrphanPreviews(ctx, r, staged)
	}

	batch := FinalizeBatch{
		UploadId:   r.session.UploadId,
		UploadType: r.session.UploadType,
		Asset:      r.asset,
		Bucket:     r.bucket,
		BaseKey:    r.baseKey,
	}
	for _, s := range staged {
		batch.Files = append(batch.Files, s.target)
	}

	var finalKeys []string
	if len(batch.Files) > 0 {
		copyFailures := d.Finalizer.CopyToFinal(ctx, batch)
		for _, s := range staged {
			if err, failed := copyFailures[s.target.RelativeKey]; failed {
				res := r.results[s.index]
				r.fail(s.index, res.RelativeKey, res.StoreUploadId, "could not move file to its final location: %v", err)
				continue
			}
			finalKeys = append(finalKeys, s.target.FinalKey)
		}
		d.Finalizer.UpdateAsset(ctx, batch, finalKeys)
	}

	resp := &models.CompleteUploadResponse{
		UploadId: r.session.UploadId,
		AssetId:  r.session.AssetId,
		Files:    r.results,
	}
	succeeded := resp.SuccessCount()
	resp.OverallSuccess = succeeded > 0
	d.recordOutcomes(r)

	d.Auditor.Record(ctx, models.AuditEvent{
		Action:     models.AuditUploadCompleted,
		UploadId:   r.session.UploadId,
		DatabaseId: r.session.DatabaseId,
		AssetId:    r.session.AssetId,
		UserId:     r.scope.Caller.UserID,
		Reason:     fmt.Sprintf("%d of %d files succeeded", succeeded, len(r.results)),
	})

	switch {
	case succeeded == 0:
		d.SessionStore.Delete(ctx, r.session.UploadId, r.session.AssetId)
		d.Logger.Warn("upload completion failed for every file", "upload_id", r.session.UploadId, "files", len(r.results))
		return resp, apperror.Conflict("no file in the upload could be completed", nil)
	case succeeded == len(r.results):
		d.SessionStore.Delete(ctx, r.session.UploadId, r.session.AssetId)
	default:
		r.session.Status = models.UploadStatusCompletedWithErrors
		r.session.LeaseUntil = 0
		if err := d.SessionStore.SaveSession(ctx, *r.session); err != nil {
			d.Logger.Error("failed to save upload session", "upload_id", r.session.UploadId, "error", err)
		}
	}

	d.Logger.Info("upload completion finished",
		"upload_id", r.session.UploadId,
		"asset_id", r.session.AssetId,
		"mode", r.mode,
		"succeeded", succeeded,
		"files", len(r.results),
	)
	return resp, nil
}

// demoteOrphanPreviews fails previews whose base file neither succeeded in
// this batch nor already exists in the bucket.
func (d *CompletionDeps) demoteOrphanPreviews(ctx context.Context, r *completionRun, staged []stagedFile) []stagedFile {
	succeeded := make(map[string]bool, len(r.results))
	for _, res := range r.results {
		if res.Succeeded() {
			succeeded[res.RelativeKey] = true
		}
	}

	kept := staged[:0:0]
	for _, s := range staged {
		rel := s.target.RelativeKey
		if !IsPreviewFile(rel) {
			kept = append(kept, s)
			continue
		}

		base := PreviewBaseKey(rel)
		if succeeded[base] {
			kept = append(kept, s)
			continue
		}
		exists, err := d.FileStorage.ObjectExists(ctx, r.bucket.Name, NormalizeKey(r.baseKey, base))
		if err == nil && exists {
			kept = append(kept, s)
			continue
		}

		d.deleteObject(ctx, r, s.target.TempKey)
		res := r.results[s.index]
		if err != nil {
			d.Logger.Error("preview base lookup failed", "upload_id", r.session.UploadId, "relative_key", rel, "error", err)
			r.fail(s.index, res.RelativeKey, res.StoreUploadId, "could not verify preview base file %q", base)
			continue
		}
		r.fail(s.index, res.RelativeKey, res.StoreUploadId, "preview base file %q was not uploaded", base)
	}
	return kept
}

func (d *CompletionDeps) recordOutcomes(r *completionRun) {
	for _, res := range r.results {
		outcome := "failed"
		switch {
		case res.AsyncHandling():
			outcome = "async"
		case res.Succeeded():
			outcome = "sync"
		}
		metrics.FilesCompleted.WithLabelValues(r.mode, outcome).Inc()
	}
}

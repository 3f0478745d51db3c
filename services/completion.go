package services

import (
	"context"
	"errors"

	apperror "github.com/Yulian302/lfusys-services-assets/commons/errors"
	"github.com/Yulian302/lfusys-services-assets/models"
)

type CompletionCoordinator interface {
	Complete(ctx context.Context, scope RequestScope, req models.CompleteUploadRequest) (*models.CompleteUploadResponse, error)
}

// CompletionCoordinatorImpl finishes multipart uploads opened by the
// initializer. Files are evaluated independently; only an all-failed batch
// is reported as an error.
type CompletionCoordinatorImpl struct {
	deps CompletionDeps
}

func NewCompletionCoordinatorImpl(deps CompletionDeps) *CompletionCoordinatorImpl {
	return &CompletionCoordinatorImpl{deps: deps}
}

func (c *CompletionCoordinatorImpl) Complete(ctx context.Context, scope RequestScope, req models.CompleteUploadRequest) (*models.CompleteUploadResponse, error) {
	keys := make([]string, len(req.Files))
	for i, f := range req.Files {
		keys[i] = f.RelativeKey
	}

	run, err := c.deps.begin(ctx, modeMultipart, scope, req.UploadId, req.AssetId, req.DatabaseId, req.UploadType, keys, nil)
	if err != nil {
		return nil, err
	}

	seen := make(map[string]bool, len(req.Files))
	for i, f := range req.Files {
		if seen[f.RelativeKey] {
			run.fail(i, f.RelativeKey, f.StoreUploadId, "relativeKey is listed twice")
			continue
		}
		seen[f.RelativeKey] = true
		c.completeFile(ctx, run, i, f)
	}

	return c.deps.finish(ctx, run)
}

func (c *CompletionCoordinatorImpl) completeFile(ctx context.Context, r *completionRun, i int, f models.CompleteFile) {
	d := &c.deps
	bucket := r.bucket.Name
	rel := f.RelativeKey

	desc, ok := r.session.Descriptor(rel)
	if !ok {
		r.fail(i, rel, f.StoreUploadId, "file was not initialized in this upload")
		return
	}
	if desc.StoreUploadId != f.StoreUploadId {
		r.fail(i, rel, f.StoreUploadId, "storeUploadId does not match the initialized upload")
		return
	}
	zeroByte := desc.StoreUploadId == models.ZeroByteUploadID

	abort := func() {
		if zeroByte {
			return
		}
		if err := d.FileStorage.AbortMultipartUpload(ctx, bucket, desc.TempKey, desc.StoreUploadId); err != nil {
			d.Logger.Warn("failed to abort multipart upload", "upload_id", r.session.UploadId, "relative_key", rel, "error", err)
		}
	}

	if r.needsAllowList(rel) && !ExtensionAllowed(rel, r.database.AcceptedFileExtensions) {
		abort()
		r.fail(i, rel, f.StoreUploadId, "file extension is not accepted by the database")
		return
	}

	if r.session.IsAsyncHandled(rel) {
		r.setResult(i, rel, f.StoreUploadId, models.FileSuccess{FinalKey: desc.FinalKey, AsyncHandling: true})
		return
	}

	target := FinalizeTarget{RelativeKey: rel, TempKey: desc.TempKey, FinalKey: desc.FinalKey}

	if zeroByte || len(f.Parts) == 0 {
		// nothing was uploaded: the file is accepted as empty
		abort()
		if err := d.FileStorage.PutEmptyObject(ctx, bucket, desc.TempKey, c.tempMetadata(r)); err != nil {
			d.Logger.Error("failed to create empty object", "upload_id", r.session.UploadId, "relative_key", rel, "error", err)
			r.fail(i, rel, f.StoreUploadId, "could not create empty object")
			return
		}
		c.stageValidated(ctx, r, i, f.StoreUploadId, target)
		return
	}

	if dups := DuplicateParts(f.Parts); len(dups) > 0 {
		abort()
		r.fail(i, rel, f.StoreUploadId, "duplicate part numbers %s", formatKeys(dups))
		return
	}

	stored, err := d.FileStorage.ListParts(ctx, bucket, desc.TempKey, desc.StoreUploadId)
	if err != nil {
		if apperror.KindOf(err) == apperror.KindNotFound {
			r.fail(i, rel, f.StoreUploadId, "multipart upload no longer exists")
			return
		}
		d.Logger.Error("failed to list uploaded parts", "upload_id", r.session.UploadId, "relative_key", rel, "error", err)
		r.fail(i, rel, f.StoreUploadId, "could not list uploaded parts")
		return
	}

	if missing, extra := DiffParts(f.Parts, stored); len(missing) > 0 || len(extra) > 0 {
		abort()
		r.setResult(i, rel, f.StoreUploadId, models.PartMismatch(missing, extra))
		return
	}

	var size int64
	for _, p := range stored {
		size += p.Size
	}

	if r.previewLike(rel) && size > r.scope.Limits.PreviewMaxSize {
		abort()
		r.fail(i, rel, f.StoreUploadId, "preview file is %d bytes, the limit is %d", size, r.scope.Limits.PreviewMaxSize)
		return
	}

	if size > r.scope.Limits.AsyncThreshold {
		job := d.newJob(r, models.FinalizationJobMultipart, rel, desc.TempKey, desc.FinalKey, size)
		job.StoreUploadId = desc.StoreUploadId
		job.Parts = stored
		if d.offload(ctx, r, i, f.StoreUploadId, job) {
			return
		}
	}

	if err := d.FileStorage.CompleteMultipartUpload(ctx, bucket, desc.TempKey, desc.StoreUploadId, stored); err != nil {
		d.Logger.Error("failed to complete multipart upload", "upload_id", r.session.UploadId, "relative_key", rel, "error", err)
		abort()
		r.fail(i, rel, f.StoreUploadId, "could not complete multipart upload")
		return
	}

	info, err := d.FileStorage.HeadObject(ctx, bucket, desc.TempKey)
	if err != nil {
		d.Logger.Error("completed object is not readable", "upload_id", r.session.UploadId, "relative_key", rel, "error", err)
		if !errors.Is(err, apperror.ErrObjectNotFound) {
			d.deleteObject(ctx, r, desc.TempKey)
		}
		r.fail(i, rel, f.StoreUploadId, "completed object could not be read back")
		return
	}
	if info.Metadata[models.MetaUploadId] != r.session.UploadId {
		d.deleteObject(ctx, r, desc.TempKey)
		r.fail(i, rel, f.StoreUploadId, "object at the temporary key belongs to another upload")
		return
	}

	target.Size = info.Size
	target.ContentType = info.ContentType
	c.stageValidated(ctx, r, i, f.StoreUploadId, target)
}

func (c *CompletionCoordinatorImpl) stageValidated(ctx context.Context, r *completionRun, i int, storeUploadID string, t FinalizeTarget) {
	if reason, ok := c.deps.validateStaged(ctx, r, t); !ok {
		r.fail(i, t.RelativeKey, storeUploadID, "%s", reason)
		return
	}
	r.stage(i, t.RelativeKey, storeUploadID, t)
}

func (c *CompletionCoordinatorImpl) tempMetadata(r *completionRun) map[string]string {
	return map[string]string{
		models.MetaDatabaseId: r.session.DatabaseId,
		models.MetaAssetId:    r.session.AssetId,
		models.MetaUploadId:   r.session.UploadId,
	}
}

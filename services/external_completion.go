package services

import (
	"context"
	"errors"
	"strings"

	apperror "github.com/Yulian302/lfusys-services-assets/commons/errors"
	"github.com/Yulian302/lfusys-services-assets/models"
)

type ExternalCompletionCoordinator interface {
	CompleteExternal(ctx context.Context, scope RequestScope, req models.CompleteExternalUploadRequest) (*models.CompleteUploadResponse, error)
}

// ExternalCompletionCoordinatorImpl finishes files another process wrote
// under the session's temporary prefix. There are no parts to reconcile.
type ExternalCompletionCoordinatorImpl struct {
	deps CompletionDeps
}

func NewExternalCompletionCoordinatorImpl(deps CompletionDeps) *ExternalCompletionCoordinatorImpl {
	return &ExternalCompletionCoordinatorImpl{deps: deps}
}

func requireExternal(s *models.UploadSession) error {
	if !s.IsExternalUpload || s.TemporaryPrefix == "" {
		return apperror.Validation("upload %s was not initialized as an external upload", s.UploadId)
	}
	return nil
}

func (c *ExternalCompletionCoordinatorImpl) CompleteExternal(ctx context.Context, scope RequestScope, req models.CompleteExternalUploadRequest) (*models.CompleteUploadResponse, error) {
	keys := make([]string, len(req.Files))
	for i, f := range req.Files {
		keys[i] = f.RelativeKey
	}

	run, err := c.deps.begin(ctx, modeExternal, scope, req.UploadId, req.AssetId, req.DatabaseId, req.UploadType, keys, requireExternal)
	if err != nil {
		return nil, err
	}

	seen := make(map[string]bool, len(req.Files))
	for i, f := range req.Files {
		if seen[f.RelativeKey] {
			run.fail(i, f.RelativeKey, "", "relativeKey is listed twice")
			continue
		}
		seen[f.RelativeKey] = true
		c.completeFile(ctx, run, i, f)
	}

	return c.deps.finish(ctx, run)
}

func (c *ExternalCompletionCoordinatorImpl) completeFile(ctx context.Context, r *completionRun, i int, f models.ExternalFile) {
	d := &c.deps
	rel := f.RelativeKey

	if !strings.HasPrefix(f.TempKey, r.session.TemporaryPrefix) || ValidateRelativeKey(f.TempKey) != nil {
		r.fail(i, rel, "", "temporary key is outside the upload's temporary prefix")
		return
	}
	if err := ValidateRelativeKey(rel); err != nil {
		r.fail(i, rel, "", "%v", err)
		return
	}

	if r.needsAllowList(rel) && !ExtensionAllowed(rel, r.database.AcceptedFileExtensions) {
		d.deleteObject(ctx, r, f.TempKey)
		r.fail(i, rel, "", "file extension is not accepted by the database")
		return
	}

	finalKey := r.finalKeyFor(rel)
	if r.session.IsAsyncHandled(rel) {
		r.setResult(i, rel, "", models.FileSuccess{FinalKey: finalKey, AsyncHandling: true})
		return
	}

	info, err := d.FileStorage.HeadObject(ctx, r.bucket.Name, f.TempKey)
	if err != nil {
		if errors.Is(err, apperror.ErrObjectNotFound) {
			r.fail(i, rel, "", "no object found at the temporary key")
			return
		}
		d.Logger.Error("failed to read external object", "upload_id", r.session.UploadId, "temp_key", f.TempKey, "error", err)
		r.fail(i, rel, "", "could not read the object at the temporary key")
		return
	}

	target := FinalizeTarget{
		RelativeKey: rel,
		TempKey:     f.TempKey,
		FinalKey:    finalKey,
		Size:        info.Size,
		ContentType: info.ContentType,
	}
	// the object is already written, so it is scanned before any offload
	if reason, ok := d.validateStaged(ctx, r, target); !ok {
		r.fail(i, rel, "", "%s", reason)
		return
	}

	if info.Size > r.scope.Limits.AsyncThreshold {
		job := d.newJob(r, models.FinalizationJobExternal, rel, f.TempKey, finalKey, info.Size)
		if d.offload(ctx, r, i, "", job) {
			return
		}
	}
	r.stage(i, rel, "", target)
}

package services

import (
	"context"
	"errors"
	"net/http"
	"testing"

	"github.com/Yulian302/lfusys-services-assets/commons/config"
	apperror "github.com/Yulian302/lfusys-services-assets/commons/errors"
	"github.com/Yulian302/lfusys-services-assets/models"
	"github.com/stretchr/testify/require"
)

func TestComplete_SceneGlbEndToEnd(t *testing.T) {
	e := newTestEnv(t)
	up := e.initialize(t, models.UploadTypeAssetFile, sized("scene.glb", 320000000))
	f := up.Files[0]
	require.Equal(t, 3, f.NumParts)

	cf := e.uploadAll(f, 157286400, 157286400, 5427200)
	resp, err := e.complete(models.UploadTypeAssetFile, up.UploadId, cf)
	require.NoError(t, err)

	require.True(t, resp.OverallSuccess)
	s := successOf(t, resp.Files[0])
	require.False(t, s.AsyncHandling)
	require.Equal(t, "assets/asset-1/scene.glb", s.FinalKey)

	require.Equal(t, []string{f.StoreUploadId}, e.storage.completed)
	final := e.storage.object("assets/asset-1/scene.glb")
	require.Equal(t, int64(320000000), final.size)
	require.Equal(t, testAssetID, final.metadata[models.MetaAssetId])
	require.Equal(t, testDatabaseID, final.metadata[models.MetaDatabaseId])
	require.False(t, e.storage.has("temp-uploads/assets/asset-1/scene.glb"))

	asset := e.assets.asset(testDatabaseID, testAssetID)
	require.Equal(t, ".glb", asset.AssetType)
	require.Equal(t, testBaseKey, asset.AssetLocation.Key)

	_, retained := e.sessions.get(up.UploadId, testAssetID)
	require.False(t, retained, "fully successful sessions are deleted")
	require.Len(t, e.notifier.events, 1)
	require.Equal(t, []string{"assets/asset-1/scene.glb"}, e.notifier.events[0].FinalKeys)
	require.Len(t, e.auditor.actions(models.AuditUploadCompleted), 1)
}

func TestComplete_PartMismatchReportsMissingAndExtra(t *testing.T) {
	e := newTestEnv(t)
	fourParts := 4
	up := e.initialize(t, models.UploadTypeAssetFile, models.InitializeFile{RelativeKey: "a.glb", NumParts: &fourParts})
	f := up.Files[0]

	e.storage.uploadPart(f.StoreUploadId, 1, 10)
	e.storage.uploadPart(f.StoreUploadId, 2, 10)
	e.storage.uploadPart(f.StoreUploadId, 5, 10)
	cf := models.CompleteFile{RelativeKey: "a.glb", StoreUploadId: f.StoreUploadId, Parts: []models.CompletedPart{
		{PartNumber: 1, ETag: "etag-1"}, {PartNumber: 2, ETag: "etag-2"}, {PartNumber: 3, ETag: "x"}, {PartNumber: 4, ETag: "y"},
	}}

	resp, err := e.complete(models.UploadTypeAssetFile, up.UploadId, cf)

	require.Equal(t, apperror.KindConflict, apperror.KindOf(err))
	require.Equal(t, http.StatusConflict, apperror.HTTPStatus(err))
	require.NotNil(t, resp)
	require.False(t, resp.OverallSuccess)

	failure := failureOf(t, resp.Files[0])
	require.Equal(t, []int32{3, 4}, failure.MissingParts)
	require.Equal(t, []int32{5}, failure.ExtraParts)
	require.Contains(t, failure.Reason, "missing parts [3,4], extra parts [5]")

	require.Equal(t, []string{f.StoreUploadId}, e.storage.aborted)
	require.Empty(t, e.storage.completed)
	require.False(t, e.storage.has("assets/asset-1/a.glb"))
	_, retained := e.sessions.get(up.UploadId, testAssetID)
	require.False(t, retained, "an all-failed session is deleted")
}

func TestComplete_DuplicatePartNumbersFailTheFile(t *testing.T) {
	e := newTestEnv(t)
	up := e.initialize(t, models.UploadTypeAssetFile, sized("a.glb", 10), sized("b.glb", 10))

	good := e.uploadAll(fileByKey(up, "b.glb"), 10)
	dup := e.uploadAll(fileByKey(up, "a.glb"), 10)
	dup.Parts = append(dup.Parts, dup.Parts[0])

	resp, err := e.complete(models.UploadTypeAssetFile, up.UploadId, dup, good)
	require.NoError(t, err)

	require.Contains(t, failureOf(t, resp.Files[0]).Reason, "duplicate part numbers [1]")
	successOf(t, resp.Files[1])
	require.Contains(t, e.storage.aborted, fileByKey(up, "a.glb").StoreUploadId)

	session, retained := e.sessions.get(up.UploadId, testAssetID)
	require.True(t, retained)
	require.Equal(t, models.UploadStatusCompletedWithErrors, session.Status)
	require.Zero(t, session.LeaseUntil)
}

func TestComplete_LargeFileIsHandedOffOnce(t *testing.T) {
	e := newTestEnv(t)
	up := e.initialize(t, models.UploadTypeAssetFile, sized("big.glb", 1200*config.MiB), sized("broken.glb", 10))

	big := fileByKey(up, "big.glb")
	require.Equal(t, 8, big.NumParts)
	sizes := make([]int64, 8)
	for i := range sizes {
		sizes[i] = 150 * config.MiB
	}
	bigPayload := e.uploadAll(big, sizes...)
	broken := models.CompleteFile{RelativeKey: "broken.glb", StoreUploadId: fileByKey(up, "broken.glb").StoreUploadId, Parts: []models.CompletedPart{{PartNumber: 1, ETag: "never-uploaded"}}}

	for attempt := 0; attempt < 2; attempt++ {
		resp, err := e.complete(models.UploadTypeAssetFile, up.UploadId, bigPayload, broken)
		require.NoError(t, err)

		s := successOf(t, resp.Files[0])
		require.True(t, s.AsyncHandling)
		require.Equal(t, "assets/asset-1/big.glb", s.FinalKey)
		failureOf(t, resp.Files[1])
	}

	require.Len(t, e.offload.jobs, 1)
	job := e.offload.jobs[0]
	require.Equal(t, models.FinalizationJobMultipart, job.Kind)
	require.Equal(t, big.StoreUploadId, job.StoreUploadId)
	require.Len(t, job.Parts, 8)
	require.Equal(t, int64(1200*config.MiB), job.TotalSize)
	require.Equal(t, "temp-uploads/assets/asset-1/big.glb", job.TempKey)

	require.Empty(t, e.storage.completed, "offloaded uploads are completed by the worker")
	require.False(t, e.storage.has("assets/asset-1/big.glb"))

	session, _ := e.sessions.get(up.UploadId, testAssetID)
	require.Equal(t, []string{"big.glb"}, session.AsyncFiles)
}

func TestComplete_OffloadFailureFallsBackToSync(t *testing.T) {
	e := newTestEnv(t)
	e.offload.accept = false
	up := e.initialize(t, models.UploadTypeAssetFile, sized("big.glb", 1100*config.MiB))

	sizes := make([]int64, 8)
	for i := range sizes {
		sizes[i] = 1100 * config.MiB / 8
	}
	resp, err := e.complete(models.UploadTypeAssetFile, up.UploadId, e.uploadAll(up.Files[0], sizes...))
	require.NoError(t, err)

	s := successOf(t, resp.Files[0])
	require.False(t, s.AsyncHandling)
	require.Len(t, e.storage.completed, 1)
	require.True(t, e.storage.has("assets/asset-1/big.glb"))
}

func TestComplete_ZeroByteFile(t *testing.T) {
	e := newTestEnv(t)
	up := e.initialize(t, models.UploadTypeAssetFile, sized("empty.obj", 0))

	resp, err := e.complete(models.UploadTypeAssetFile, up.UploadId, models.CompleteFile{
		RelativeKey:   "empty.obj",
		StoreUploadId: models.ZeroByteUploadID,
	})
	require.NoError(t, err)

	successOf(t, resp.Files[0])
	require.Empty(t, e.storage.aborted)
	require.True(t, e.storage.has("assets/asset-1/empty.obj"))
	require.Zero(t, e.storage.object("assets/asset-1/empty.obj").size)
	require.Equal(t, ".obj", e.assets.asset(testDatabaseID, testAssetID).AssetType)
}

func TestComplete_AbandonedFileIsAcceptedAsEmpty(t *testing.T) {
	e := newTestEnv(t)
	up := e.initialize(t, models.UploadTypeAssetFile, sized("a.glb", 1000))
	f := up.Files[0]

	resp, err := e.complete(models.UploadTypeAssetFile, up.UploadId, models.CompleteFile{
		RelativeKey:   "a.glb",
		StoreUploadId: f.StoreUploadId,
	})
	require.NoError(t, err)

	successOf(t, resp.Files[0])
	require.Equal(t, []string{f.StoreUploadId}, e.storage.aborted)
	require.Empty(t, e.storage.completed)
	require.True(t, e.storage.has("assets/asset-1/a.glb"))
	require.Zero(t, e.storage.object("assets/asset-1/a.glb").size)
}

func TestComplete_PreviewNeedsItsBaseFile(t *testing.T) {
	const preview = "model.glb.previewFile.png"

	t.Run("base in the same request", func(t *testing.T) {
		e := newTestEnv(t)
		up := e.initialize(t, models.UploadTypeAssetFile, sized("model.glb", 10), sized(preview, 10))

		resp, err := e.complete(models.UploadTypeAssetFile, up.UploadId,
			e.uploadAll(fileByKey(up, "model.glb"), 10),
			e.uploadAll(fileByKey(up, preview), 10),
		)
		require.NoError(t, err)
		successOf(t, resp.Files[0])
		successOf(t, resp.Files[1])
		require.True(t, e.storage.has(testBaseKey+preview))
		require.Equal(t, models.AssetTypeFolder, e.assets.asset(testDatabaseID, testAssetID).AssetType, "a stored preview is a live file")
	})

	t.Run("base already stored", func(t *testing.T) {
		e := newTestEnv(t)
		e.storage.putSized(testBaseKey+"model.glb", 10)
		up := e.initialize(t, models.UploadTypeAssetFile, sized(preview, 10))

		resp, err := e.complete(models.UploadTypeAssetFile, up.UploadId, e.uploadAll(up.Files[0], 10))
		require.NoError(t, err)
		require.Equal(t, testBaseKey+preview, successOf(t, resp.Files[0]).FinalKey)
	})

	t.Run("base missing everywhere", func(t *testing.T) {
		e := newTestEnv(t)
		up := e.initialize(t, models.UploadTypeAssetFile, sized(preview, 10))

		resp, err := e.complete(models.UploadTypeAssetFile, up.UploadId, e.uploadAll(up.Files[0], 10))
		require.Equal(t, apperror.KindConflict, apperror.KindOf(err))
		require.Contains(t, failureOf(t, resp.Files[0]).Reason, `"model.glb" not found`)
		require.False(t, e.storage.has("temp-uploads/"+testBaseKey+preview))
		require.False(t, e.storage.has(testBaseKey+preview))
	})

	t.Run("base in request but failed", func(t *testing.T) {
		e := newTestEnv(t)
		up := e.initialize(t, models.UploadTypeAssetFile, sized("model.glb", 10), sized(preview, 10), sized("other.glb", 10))

		base := fileByKey(up, "model.glb")
		broken := models.CompleteFile{RelativeKey: "model.glb", StoreUploadId: base.StoreUploadId, Parts: []models.CompletedPart{{PartNumber: 1, ETag: "missing"}}}

		resp, err := e.complete(models.UploadTypeAssetFile, up.UploadId,
			broken,
			e.uploadAll(fileByKey(up, preview), 10),
			e.uploadAll(fileByKey(up, "other.glb"), 10),
		)
		require.NoError(t, err)
		failureOf(t, resp.Files[0])
		require.Contains(t, failureOf(t, resp.Files[1]).Reason, "was not uploaded")
		successOf(t, resp.Files[2])
		require.False(t, e.storage.has(testBaseKey+preview))
	})

	t.Run("base lookup error is not reported as missing", func(t *testing.T) {
		e := newTestEnv(t)
		up := e.initialize(t, models.UploadTypeAssetFile, sized("model.glb", 10), sized(preview, 10), sized("other.glb", 10))

		base := fileByKey(up, "model.glb")
		broken := models.CompleteFile{RelativeKey: "model.glb", StoreUploadId: base.StoreUploadId, Parts: []models.CompletedPart{{PartNumber: 1, ETag: "missing"}}}
		e.storage.failExists = errors.New("s3 unavailable")

		resp, err := e.complete(models.UploadTypeAssetFile, up.UploadId,
			broken,
			e.uploadAll(fileByKey(up, preview), 10),
			e.uploadAll(fileByKey(up, "other.glb"), 10),
		)
		require.NoError(t, err)
		failureOf(t, resp.Files[0])
		reason := failureOf(t, resp.Files[1]).Reason
		require.Contains(t, reason, `could not verify preview base file "model.glb"`)
		require.NotContains(t, reason, "was not uploaded")
		successOf(t, resp.Files[2])
		require.False(t, e.storage.has(testBaseKey+preview))
	})
}

func TestComplete_ReplacesSiblingPreviews(t *testing.T) {
	e := newTestEnv(t)
	e.storage.putSized(testBaseKey+"model.glb", 10)
	e.storage.putSized(testBaseKey+"model.glb.previewFile.jpg", 10)
	e.storage.putSized(testBaseKey+"other.glb.previewFile.jpg", 10)
	up := e.initialize(t, models.UploadTypeAssetFile, sized("model.glb.previewFile.png", 10))

	_, err := e.complete(models.UploadTypeAssetFile, up.UploadId, e.uploadAll(up.Files[0], 10))
	require.NoError(t, err)

	require.False(t, e.storage.has(testBaseKey+"model.glb.previewFile.jpg"))
	require.True(t, e.storage.has(testBaseKey+"model.glb.previewFile.png"))
	require.True(t, e.storage.has(testBaseKey+"other.glb.previewFile.jpg"))
}

func TestComplete_ForeignObjectAtTempKeyIsDeleted(t *testing.T) {
	e := newTestEnv(t)
	up := e.initialize(t, models.UploadTypeAssetFile, sized("a.glb", 10))
	f := up.Files[0]
	e.storage.uploads[f.StoreUploadId].metadata = map[string]string{models.MetaUploadId: "someone-else"}

	resp, err := e.complete(models.UploadTypeAssetFile, up.UploadId, e.uploadAll(f, 10))

	require.Error(t, err)
	require.Contains(t, failureOf(t, resp.Files[0]).Reason, "another upload")
	require.False(t, e.storage.has("temp-uploads/assets/asset-1/a.glb"))
	require.False(t, e.storage.has("assets/asset-1/a.glb"))
}

func TestComplete_DisguisedExecutableIsDeniedAndAudited(t *testing.T) {
	e := newTestEnv(t)
	up := e.initialize(t, models.UploadTypeAssetFile, sized("a.glb", 10), sized("b.glb", 10))
	e.scanner.reject["temp-uploads/assets/asset-1/a.glb"] = "content is application/x-elf"

	resp, err := e.complete(models.UploadTypeAssetFile, up.UploadId,
		e.uploadAll(fileByKey(up, "a.glb"), 10),
		e.uploadAll(fileByKey(up, "b.glb"), 10),
	)
	require.NoError(t, err)

	require.Contains(t, failureOf(t, resp.Files[0]).Reason, "upload denied")
	successOf(t, resp.Files[1])
	require.False(t, e.storage.has("temp-uploads/assets/asset-1/a.glb"))

	denied := e.auditor.actions(models.AuditUploadDenied)
	require.Len(t, denied, 1)
	require.Equal(t, "a.glb", denied[0].RelativeKey)
	require.Equal(t, "alice", denied[0].UserId)
}

func TestComplete_AssetTypeBecomesFolder(t *testing.T) {
	e := newTestEnv(t)
	e.assets.setAcceptedExtensions(testDatabaseID, ".all")
	up := e.initialize(t, models.UploadTypeAssetFile, sized("a.glb", 10), sized("textures/b.png", 10), sized("c.obj", 10))

	resp, err := e.complete(models.UploadTypeAssetFile, up.UploadId,
		e.uploadAll(fileByKey(up, "a.glb"), 10),
		e.uploadAll(fileByKey(up, "textures/b.png"), 10),
		e.uploadAll(fileByKey(up, "c.obj"), 10),
	)
	require.NoError(t, err)
	require.Equal(t, 3, resp.SuccessCount())
	require.Equal(t, models.AssetTypeFolder, e.assets.asset(testDatabaseID, testAssetID).AssetType)
}

func TestComplete_AllowListIsCheckedAgain(t *testing.T) {
	e := newTestEnv(t)
	up := e.initialize(t, models.UploadTypeAssetFile, sized("a.glb", 10), sized("b.obj", 10))
	e.assets.setAcceptedExtensions(testDatabaseID, ".OBJ")

	resp, err := e.complete(models.UploadTypeAssetFile, up.UploadId,
		e.uploadAll(fileByKey(up, "a.glb"), 10),
		e.uploadAll(fileByKey(up, "b.obj"), 10),
	)
	require.NoError(t, err)
	require.Contains(t, failureOf(t, resp.Files[0]).Reason, "extension")
	require.Contains(t, e.storage.aborted, fileByKey(up, "a.glb").StoreUploadId)
	successOf(t, resp.Files[1])
}

func TestComplete_CopyFailureOnlyFailsThatFile(t *testing.T) {
	e := newTestEnv(t)
	up := e.initialize(t, models.UploadTypeAssetFile, sized("a.glb", 10), sized("b.glb", 10))
	e.storage.failCopy["assets/asset-1/a.glb"] = true

	resp, err := e.complete(models.UploadTypeAssetFile, up.UploadId,
		e.uploadAll(fileByKey(up, "a.glb"), 10),
		e.uploadAll(fileByKey(up, "b.glb"), 10),
	)
	require.NoError(t, err)

	require.Contains(t, failureOf(t, resp.Files[0]).Reason, "final location")
	successOf(t, resp.Files[1])
	require.False(t, e.storage.has("temp-uploads/assets/asset-1/a.glb"))
	require.True(t, e.storage.has("assets/asset-1/b.glb"))
	require.Equal(t, ".glb", e.assets.asset(testDatabaseID, testAssetID).AssetType)
}

func TestComplete_PreviewUploadSetsPreviewPointer(t *testing.T) {
	e := newTestEnv(t)
	e.storage.putSized("assets/previews/asset-1/old.png", 5)
	a := e.assets.asset(testDatabaseID, testAssetID)
	a.PreviewLocation = &models.Location{Key: "assets/previews/asset-1/old.png"}
	require.NoError(t, e.assets.SaveAsset(context.Background(), a))

	up := e.initialize(t, models.UploadTypeAssetPreview, sized("thumb.png", 2048))
	resp, err := e.complete(models.UploadTypeAssetPreview, up.UploadId, e.uploadAll(up.Files[0], 2048))
	require.NoError(t, err)

	require.Equal(t, "assets/previews/asset-1/thumb.png", successOf(t, resp.Files[0]).FinalKey)
	asset := e.assets.asset(testDatabaseID, testAssetID)
	require.Equal(t, "assets/previews/asset-1/thumb.png", asset.PreviewLocation.Key)
	require.Empty(t, asset.AssetType, "preview uploads leave the asset type alone")
	require.False(t, e.storage.has("assets/previews/asset-1/old.png"))
}

func TestComplete_OversizedPreviewIsRejectedAfterUpload(t *testing.T) {
	e := newTestEnv(t)
	up := e.initialize(t, models.UploadTypeAssetPreview, models.InitializeFile{RelativeKey: "thumb.png", NumParts: intPtr(2)})

	resp, err := e.complete(models.UploadTypeAssetPreview, up.UploadId, e.uploadAll(up.Files[0], 5*config.MiB, 1))

	require.Error(t, err)
	require.Contains(t, failureOf(t, resp.Files[0]).Reason, "preview file is")
	require.Equal(t, []string{up.Files[0].StoreUploadId}, e.storage.aborted)
}

func TestComplete_SessionLevelChecks(t *testing.T) {
	e := newTestEnv(t)
	up := e.initialize(t, models.UploadTypeAssetFile, sized("a.glb", 10))
	cf := e.uploadAll(up.Files[0], 10)

	_, err := e.completion.Complete(context.Background(), testScope(), models.CompleteUploadRequest{
		UploadId: up.UploadId, AssetId: testAssetID, DatabaseId: "db-2", UploadType: models.UploadTypeAssetFile, Files: []models.CompleteFile{cf},
	})
	require.Equal(t, apperror.KindValidation, apperror.KindOf(err))

	_, err = e.complete(models.UploadTypeAssetPreview, up.UploadId, cf)
	require.Equal(t, apperror.KindValidation, apperror.KindOf(err))

	_, err = e.complete(models.UploadTypeAssetFile, "unknown-upload", cf)
	require.ErrorIs(t, err, apperror.ErrSessionNotFound)

	require.Zero(t, e.sessions.begun, "session checks run before processing starts")
	require.Empty(t, e.storage.completed)
}

func TestComplete_ConcurrentCompletionIsRejected(t *testing.T) {
	e := newTestEnv(t)
	up := e.initialize(t, models.UploadTypeAssetFile, sized("a.glb", 10))
	e.sessions.beginErr = apperror.Conflict("upload is already being completed", apperror.ErrCompletionInFlight)

	_, err := e.complete(models.UploadTypeAssetFile, up.UploadId, e.uploadAll(up.Files[0], 10))

	require.ErrorIs(t, err, apperror.ErrCompletionInFlight)
	require.Empty(t, e.storage.completed)
}

func TestComplete_UnknownFileAndWrongUploadID(t *testing.T) {
	e := newTestEnv(t)
	up := e.initialize(t, models.UploadTypeAssetFile, sized("a.glb", 10))
	good := e.uploadAll(up.Files[0], 10)

	resp, err := e.complete(models.UploadTypeAssetFile, up.UploadId,
		good,
		models.CompleteFile{RelativeKey: "ghost.glb", StoreUploadId: "mpu-99"},
		models.CompleteFile{RelativeKey: "a.glb", StoreUploadId: up.Files[0].StoreUploadId},
	)
	require.NoError(t, err)
	successOf(t, resp.Files[0])
	require.Contains(t, failureOf(t, resp.Files[1]).Reason, "not initialized")
	require.Contains(t, failureOf(t, resp.Files[2]).Reason, "listed twice")
}

func TestComplete_AssetSaveFailureKeepsFileResults(t *testing.T) {
	e := newTestEnv(t)
	up := e.initialize(t, models.UploadTypeAssetFile, sized("a.glb", 10))
	e.assets.saveErr = errors.New("throttled")

	resp, err := e.complete(models.UploadTypeAssetFile, up.UploadId, e.uploadAll(up.Files[0], 10))
	require.NoError(t, err)
	successOf(t, resp.Files[0])
	require.True(t, e.storage.has("assets/asset-1/a.glb"))
	require.Empty(t, e.notifier.events)
}

func intPtr(n int) *int { return &n }

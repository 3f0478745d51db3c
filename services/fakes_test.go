package services

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/Yulian302/lfusys-services-assets/commons/config"
	apperror "github.com/Yulian302/lfusys-services-assets/commons/errors"
	logger "github.com/Yulian302/lfusys-services-assets/commons/logging"
	"github.com/Yulian302/lfusys-services-assets/models"
	"github.com/Yulian302/lfusys-services-assets/store"
	"github.com/stretchr/testify/require"
)

type fakeObject struct {
	data        []byte
	size        int64
	contentType string
	metadata    map[string]string
}

type fakeUpload struct {
	key      string
	metadata map[string]string
	parts    map[int32]models.StoredPart
}

// fakeStorage is an in-memory single bucket store.
type fakeStorage struct {
	mu sync.Mutex

	objects map[string]fakeObject
	uploads map[string]*fakeUpload
	nextID  int

	created   []string
	completed []string
	aborted   []string
	deleted   []string
	copied    []string

	failCopy   map[string]bool
	failList   error
	failExists error
}

func newFakeStorage() *fakeStorage {
	return &fakeStorage{
		objects:  map[string]fakeObject{},
		uploads:  map[string]*fakeUpload{},
		failCopy: map[string]bool{},
	}
}

func (s *fakeStorage) CreateMultipartUpload(ctx context.Context, bucket, key string, metadata map[string]string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	id := fmt.Sprintf("mpu-%d", s.nextID)
	s.uploads[id] = &fakeUpload{key: key, metadata: metadata, parts: map[int32]models.StoredPart{}}
	s.created = append(s.created, id)
	return id, nil
}

func (s *fakeStorage) PresignUploadPart(ctx context.Context, bucket, key, uploadID string, partNumber int32, ttl time.Duration) (string, error) {
	return fmt.Sprintf("https://%s.example/%s?uploadId=%s&partNumber=%d", bucket, key, uploadID, partNumber), nil
}

// uploadPart plays the client writing bytes through a presigned URL.
func (s *fakeStorage) uploadPart(uploadID string, n int32, size int64) models.CompletedPart {
	s.mu.Lock()
	defer s.mu.Unlock()
	etag := fmt.Sprintf("etag-%d", n)
	s.uploads[uploadID].parts[n] = models.StoredPart{PartNumber: n, ETag: etag, Size: size}
	return models.CompletedPart{PartNumber: n, ETag: etag}
}

func (s *fakeStorage) ListParts(ctx context.Context, bucket, key, uploadID string) ([]models.StoredPart, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failList != nil {
		return nil, s.failList
	}
	u, ok := s.uploads[uploadID]
	if !ok {
		return nil, apperror.NotFound(errors.New("no such upload"))
	}
	parts := make([]models.StoredPart, 0, len(u.parts))
	for _, p := range u.parts {
		parts = append(parts, p)
	}
	sort.Slice(parts, func(i, j int) bool { return parts[i].PartNumber < parts[j].PartNumber })
	return parts, nil
}

func (s *fakeStorage) CompleteMultipartUpload(ctx context.Context, bucket, key, uploadID string, parts []models.StoredPart) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.uploads[uploadID]
	if !ok {
		return apperror.NotFound(errors.New("no such upload"))
	}
	var size int64
	for _, p := range parts {
		size += p.Size
	}
	s.objects[u.key] = fakeObject{size: size, contentType: "application/octet-stream", metadata: u.metadata}
	delete(s.uploads, uploadID)
	s.completed = append(s.completed, uploadID)
	return nil
}

func (s *fakeStorage) AbortMultipartUpload(ctx context.Context, bucket, key, uploadID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.uploads, uploadID)
	s.aborted = append(s.aborted, uploadID)
	return nil
}

func (s *fakeStorage) PutEmptyObject(ctx context.Context, bucket, key string, metadata map[string]string) error {
	s.put(key, nil, metadata)
	return nil
}

func (s *fakeStorage) put(key string, data []byte, metadata map[string]string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.objects[key] = fakeObject{data: data, size: int64(len(data)), metadata: metadata}
}

func (s *fakeStorage) putSized(key string, size int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.objects[key] = fakeObject{size: size}
}

func (s *fakeStorage) HeadObject(ctx context.Context, bucket, key string) (*models.ObjectInfo, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.objects[key]
	if !ok {
		return nil, apperror.NotFound(apperror.ErrObjectNotFound)
	}
	return &models.ObjectInfo{Key: key, Size: o.size, ContentType: o.contentType, Metadata: o.metadata}, nil
}

func (s *fakeStorage) ObjectExists(ctx context.Context, bucket, key string) (bool, error) {
	if s.failExists != nil {
		return false, s.failExists
	}
	return s.has(key), nil
}

func (s *fakeStorage) has(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.objects[key]
	return ok
}

func (s *fakeStorage) object(key string) fakeObject {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.objects[key]
}

func (s *fakeStorage) ReadHead(ctx context.Context, bucket, key string, n int64) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.objects[key]
	if !ok {
		return nil, apperror.NotFound(apperror.ErrObjectNotFound)
	}
	if int64(len(o.data)) > n {
		return o.data[:n], nil
	}
	return o.data, nil
}

func (s *fakeStorage) CopyObject(ctx context.Context, bucket, srcKey, dstKey string, size int64, contentType string, metadata map[string]string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failCopy[dstKey] {
		return errors.New("copy failed")
	}
	o, ok := s.objects[srcKey]
	if !ok {
		return apperror.NotFound(apperror.ErrObjectNotFound)
	}
	s.objects[dstKey] = fakeObject{data: o.data, size: o.size, contentType: contentType, metadata: metadata}
	s.copied = append(s.copied, dstKey)
	return nil
}

func (s *fakeStorage) DeleteObject(ctx context.Context, bucket, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.objects, key)
	s.deleted = append(s.deleted, key)
	return nil
}

func (s *fakeStorage) ListKeys(ctx context.Context, bucket, prefix string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var keys []string
	for k := range s.objects {
		if strings.HasPrefix(k, prefix) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	return keys, nil
}

func (s *fakeStorage) LiveKeys(ctx context.Context, bucket, prefix string, limit int, skip func(string) bool) ([]string, error) {
	all, _ := s.ListKeys(ctx, bucket, prefix)
	var keys []string
	for _, k := range all {
		if strings.HasSuffix(k, "/") || (skip != nil && skip(k)) {
			continue
		}
		keys = append(keys, k)
		if len(keys) == limit {
			break
		}
	}
	return keys, nil
}

type fakeSessionStore struct {
	mu       sync.Mutex
	sessions map[string]models.UploadSession

	created  int
	saved    int
	deleted  []string
	begun    int
	beginErr error
	failSave error
}

func newFakeSessionStore() *fakeSessionStore {
	return &fakeSessionStore{sessions: map[string]models.UploadSession{}}
}

func (s *fakeSessionStore) key(uploadID, assetID string) string { return uploadID + "|" + assetID }

func (s *fakeSessionStore) CreateSession(ctx context.Context, session models.UploadSession) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failSave != nil {
		return s.failSave
	}
	s.sessions[s.key(session.UploadId, session.AssetId)] = session
	s.created++
	return nil
}

func (s *fakeSessionStore) GetSession(ctx context.Context, uploadID, assetID string) (*models.UploadSession, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	session, ok := s.sessions[s.key(uploadID, assetID)]
	if !ok {
		return nil, apperror.NotFound(apperror.ErrSessionNotFound)
	}
	session.Files = append([]models.FileUploadDescriptor(nil), session.Files...)
	session.AsyncFiles = append([]string(nil), session.AsyncFiles...)
	return &session, nil
}

func (s *fakeSessionStore) SaveSession(ctx context.Context, session models.UploadSession) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failSave != nil {
		return s.failSave
	}
	s.sessions[s.key(session.UploadId, session.AssetId)] = session
	s.saved++
	return nil
}

func (s *fakeSessionStore) BeginProcessing(ctx context.Context, session *models.UploadSession, lease time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.beginErr != nil {
		return s.beginErr
	}
	s.begun++
	session.Status = models.UploadStatusProcessing
	session.LeaseUntil = time.Now().Add(lease).Unix()
	s.sessions[s.key(session.UploadId, session.AssetId)] = *session
	return nil
}

func (s *fakeSessionStore) Delete(ctx context.Context, uploadID, assetID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sessions, s.key(uploadID, assetID))
	s.deleted = append(s.deleted, uploadID)
}

func (s *fakeSessionStore) IsReady(context.Context) error { return nil }
func (s *fakeSessionStore) Name() string                  { return "fakeSessionStore" }

func (s *fakeSessionStore) get(uploadID, assetID string) (models.UploadSession, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	session, ok := s.sessions[s.key(uploadID, assetID)]
	return session, ok
}

type fakeAssetStore struct {
	mu        sync.Mutex
	assets    map[string]models.Asset
	databases map[string]models.Database
	saved     []models.Asset
	saveErr   error
}

func (s *fakeAssetStore) GetAsset(ctx context.Context, databaseID, assetID string) (*models.Asset, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.assets[databaseID+"|"+assetID]
	if !ok {
		return nil, apperror.NotFound(apperror.ErrAssetNotFound)
	}
	return &a, nil
}

func (s *fakeAssetStore) SaveAsset(ctx context.Context, asset models.Asset) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.saveErr != nil {
		return s.saveErr
	}
	s.assets[asset.DatabaseId+"|"+asset.AssetId] = asset
	s.saved = append(s.saved, asset)
	return nil
}

func (s *fakeAssetStore) GetDatabase(ctx context.Context, databaseID string) (*models.Database, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.databases[databaseID]
	if !ok {
		return nil, apperror.NotFound(apperror.ErrDatabaseNotFound)
	}
	return &d, nil
}

func (s *fakeAssetStore) IsReady(context.Context) error { return nil }
func (s *fakeAssetStore) Name() string                  { return "fakeAssetStore" }

func (s *fakeAssetStore) asset(databaseID, assetID string) models.Asset {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.assets[databaseID+"|"+assetID]
}

func (s *fakeAssetStore) setAcceptedExtensions(databaseID, accepted string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d := s.databases[databaseID]
	d.AcceptedFileExtensions = accepted
	s.databases[databaseID] = d
}

type fakeOffload struct {
	mu     sync.Mutex
	accept bool
	jobs   []models.FinalizationJob
}

func (o *fakeOffload) Publish(ctx context.Context, job models.FinalizationJob) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	if !o.accept {
		return false
	}
	o.jobs = append(o.jobs, job)
	return true
}

type fakeScanner struct {
	reject map[string]string
}

func (s *fakeScanner) Scan(ctx context.Context, bucket, key string, size int64) (ScanResult, error) {
	if reason, ok := s.reject[key]; ok {
		return ScanResult{Allowed: false, Reason: reason}, nil
	}
	return ScanResult{Allowed: true}, nil
}

type fakeNotifier struct {
	mu     sync.Mutex
	events []models.AssetChangedEvent
}

func (n *fakeNotifier) AssetChanged(ctx context.Context, evt models.AssetChangedEvent) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events = append(n.events, evt)
}

type fakeAuditor struct {
	mu     sync.Mutex
	events []models.AuditEvent
}

func (a *fakeAuditor) Record(ctx context.Context, event models.AuditEvent) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.events = append(a.events, event)
}

func (a *fakeAuditor) actions(action models.AuditAction) []models.AuditEvent {
	a.mu.Lock()
	defer a.mu.Unlock()
	var out []models.AuditEvent
	for _, e := range a.events {
		if e.Action == action {
			out = append(out, e)
		}
	}
	return out
}

type fakeRateLimiter struct {
	deny bool
}

func (r *fakeRateLimiter) Allow(context.Context, string) bool { return !r.deny }

const (
	testDatabaseID = "db-1"
	testAssetID    = "asset-1"
	testBaseKey    = "assets/asset-1/"
)

type testEnv struct {
	storage  *fakeStorage
	sessions *fakeSessionStore
	assets   *fakeAssetStore
	offload  *fakeOffload
	scanner  *fakeScanner
	notifier *fakeNotifier
	auditor  *fakeAuditor
	limiter  *fakeRateLimiter

	initializer *UploadInitializerImpl
	completion  *CompletionCoordinatorImpl
	external    *ExternalCompletionCoordinatorImpl
	finalizer   *Finalizer
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	e := &testEnv{
		storage:  newFakeStorage(),
		sessions: newFakeSessionStore(),
		assets: &fakeAssetStore{
			assets: map[string]models.Asset{
				testDatabaseID + "|" + testAssetID: {DatabaseId: testDatabaseID, AssetId: testAssetID, AssetName: "Scene"},
			},
			databases: map[string]models.Database{
				testDatabaseID: {DatabaseId: testDatabaseID, AcceptedFileExtensions: ".glb,.gltf,.obj"},
			},
		},
		offload:  &fakeOffload{accept: true},
		scanner:  &fakeScanner{reject: map[string]string{}},
		notifier: &fakeNotifier{},
		auditor:  &fakeAuditor{},
		limiter:  &fakeRateLimiter{},
	}

	l := logger.NewNopLogger()
	buckets := store.NewConfigBucketResolver(map[string]config.BucketConfig{
		config.DefaultBucketID: {Name: "assets-bucket", Prefix: "assets"},
	})

	e.finalizer = NewFinalizer(e.storage, e.assets, e.assets, buckets, e.notifier, l)
	e.initializer = NewUploadInitializerImpl(e.sessions, e.assets, e.assets, buckets, e.storage, e.limiter, l)

	deps := CompletionDeps{
		SessionStore:  e.sessions,
		AssetStore:    e.assets,
		DatabaseStore: e.assets,
		Buckets:       buckets,
		FileStorage:   e.storage,
		Offload:       e.offload,
		Scanner:       e.scanner,
		Auditor:       e.auditor,
		Finalizer:     e.finalizer,
		Logger:        l,
	}
	e.completion = NewCompletionCoordinatorImpl(deps)
	e.external = NewExternalCompletionCoordinatorImpl(deps)
	return e
}

func testScope() RequestScope {
	return NewRequestScope("alice", config.DefaultUploadLimits())
}

func sized(relativeKey string, size int64) models.InitializeFile {
	return models.InitializeFile{RelativeKey: relativeKey, FileSize: &size}
}

func (e *testEnv) initialize(t *testing.T, uploadType models.UploadType, files ...models.InitializeFile) *models.InitializeUploadResponse {
	t.Helper()
	resp, err := e.initializer.Initialize(context.Background(), testScope(), models.InitializeUploadRequest{
		AssetId:    testAssetID,
		DatabaseId: testDatabaseID,
		UploadType: uploadType,
		Files:      files,
	})
	require.NoError(t, err)
	return resp
}

// uploadAll writes every granted part with the given sizes and returns the
// completion entry for the file.
func (e *testEnv) uploadAll(f models.InitializedFile, sizes ...int64) models.CompleteFile {
	cf := models.CompleteFile{RelativeKey: f.RelativeKey, StoreUploadId: f.StoreUploadId}
	for i, size := range sizes {
		cf.Parts = append(cf.Parts, e.storage.uploadPart(f.StoreUploadId, int32(i+1), size))
	}
	return cf
}

func (e *testEnv) complete(uploadType models.UploadType, uploadID string, files ...models.CompleteFile) (*models.CompleteUploadResponse, error) {
	return e.completion.Complete(context.Background(), testScope(), models.CompleteUploadRequest{
		UploadId:   uploadID,
		AssetId:    testAssetID,
		DatabaseId: testDatabaseID,
		UploadType: uploadType,
		Files:      files,
	})
}

func fileByKey(resp *models.InitializeUploadResponse, relativeKey string) models.InitializedFile {
	for _, f := range resp.Files {
		if f.RelativeKey == relativeKey {
			return f
		}
	}
	return models.InitializedFile{}
}

func failureOf(t *testing.T, res models.FileCompletionResult) models.FileFailure {
	t.Helper()
	f, ok := res.Outcome.(models.FileFailure)
	require.True(t, ok, "expected %q to fail, got %#v", res.RelativeKey, res.Outcome)
	return f
}

func successOf(t *testing.T, res models.FileCompletionResult) models.FileSuccess {
	t.Helper()
	s, ok := res.Outcome.(models.FileSuccess)
	require.True(t, ok, "expected %q to succeed, got %#v", res.RelativeKey, res.Outcome)
	return s
}

package store

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"sort"
	"strings"
	"time"

	apperror "github.com/Yulian302/lfusys-services-assets/commons/errors"
	logger "github.com/Yulian302/lfusys-services-assets/commons/logging"
	"github.com/Yulian302/lfusys-services-assets/models"
	"github.com/aws/aws-sdk-go-v2/aws"
	v4 "github.com/aws/aws-sdk-go-v2/aws/signer/v4"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
)

type FileStorage interface {
	CreateMultipartUpload(ctx context.Context, bucket, key string, metadata map[string]string) (string, error)
	PresignUploadPart(ctx context.Context, bucket, key, uploadID string, partNumber int32, ttl time.Duration) (string, error)
	ListParts(ctx context.Context, bucket, key, uploadID string) ([]models.StoredPart, error)
	CompleteMultipartUpload(ctx context.Context, bucket, key, uploadID string, parts []models.StoredPart) error
	AbortMultipartUpload(ctx context.Context, bucket, key, uploadID string) error

	PutEmptyObject(ctx context.Context, bucket, key string, metadata map[string]string) error
	HeadObject(ctx context.Context, bucket, key string) (*models.ObjectInfo, error)
	ObjectExists(ctx context.Context, bucket, key string) (bool, error)
	ReadHead(ctx context.Context, bucket, key string, n int64) ([]byte, error)
	CopyObject(ctx context.Context, bucket, srcKey, dstKey string, size int64, contentType string, metadata map[string]string) error
	DeleteObject(ctx context.Context, bucket, key string) error
	ListKeys(ctx context.Context, bucket, prefix string) ([]string, error)
	// LiveKeys returns at most limit keys under prefix whose latest version
	// is not a delete marker. Keys for which skip returns true are ignored.
	LiveKeys(ctx context.Context, bucket, prefix string, limit int, skip func(key string) bool) ([]string, error)
}

// S3API is the subset of *s3.Client used here.
type S3API interface {
	CreateMultipartUpload(ctx context.Context, params *s3.CreateMultipartUploadInput, optFns ...func(*s3.Options)) (*s3.CreateMultipartUploadOutput, error)
	ListParts(ctx context.Context, params *s3.ListPartsInput, optFns ...func(*s3.Options)) (*s3.ListPartsOutput, error)
	CompleteMultipartUpload(ctx context.Context, params *s3.CompleteMultipartUploadInput, optFns ...func(*s3.Options)) (*s3.CompleteMultipartUploadOutput, error)
	AbortMultipartUpload(ctx context.Context, params *s3.AbortMultipartUploadInput, optFns ...func(*s3.Options)) (*s3.AbortMultipartUploadOutput, error)
	UploadPartCopy(ctx context.Context, params *s3.UploadPartCopyInput, optFns ...func(*s3.Options)) (*s3.UploadPartCopyOutput, error)
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	HeadObject(ctx context.Context, params *s3.HeadObjectInput, optFns ...func(*s3.Options)) (*s3.HeadObjectOutput, error)
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	CopyObject(ctx context.Context, params *s3.CopyObjectInput, optFns ...func(*s3.Options)) (*s3.CopyObjectOutput, error)
	DeleteObject(ctx context.Context, params *s3.DeleteObjectInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectOutput, error)
	ListObjectsV2(ctx context.Context, params *s3.ListObjectsV2Input, optFns ...func(*s3.Options)) (*s3.ListObjectsV2Output, error)
	ListObjectVersions(ctx context.Context, params *s3.ListObjectVersionsInput, optFns ...func(*s3.Options)) (*s3.ListObjectVersionsOutput, error)
	HeadBucket(ctx context.Context, params *s3.HeadBucketInput, optFns ...func(*s3.Options)) (*s3.HeadBucketOutput, error)
}

type PartPresigner interface {
	PresignUploadPart(ctx context.Context, params *s3.UploadPartInput, optFns ...func(*s3.PresignOptions)) (*v4.PresignedHTTPRequest, error)
}

type S3FileStorageImpl struct {
	client    S3API
	presigner PartPresigner
	buckets   []string

	multipartCopyFrom int64 // objects at or above this size are copied part by part
	copyPartSize      int64

	logger logger.Logger
}

func NewS3FileStorageImpl(client *s3.Client, buckets []string, multipartCopyFrom int64, l logger.Logger) *S3FileStorageImpl {
	return newS3FileStorage(client, s3.NewPresignClient(client), buckets, multipartCopyFrom, l)
}

func newS3FileStorage(client S3API, presigner PartPresigner, buckets []string, multipartCopyFrom int64, l logger.Logger) *S3FileStorageImpl {
	return &S3FileStorageImpl{
		client:            client,
		presigner:         presigner,
		buckets:           buckets,
		multipartCopyFrom: multipartCopyFrom,
		copyPartSize:      512 * 1024 * 1024,
		logger:            l,
	}
}

func (s *S3FileStorageImpl) IsReady(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 1*time.Second)
	defer cancel()

	for _, b := range s.buckets {
		if _, err := s.client.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: aws.String(b)}); err != nil {
			return fmt.Errorf("head bucket %s: %w", b, err)
		}
	}
	return nil
}

func (s *S3FileStorageImpl) Name() string {
	return "FileStorage[s3]"
}

func (s *S3FileStorageImpl) CreateMultipartUpload(ctx context.Context, bucket, key string, metadata map[string]string) (string, error) {
	out, err := s.client.CreateMultipartUpload(ctx, &s3.CreateMultipartUploadInput{
		Bucket:   aws.String(bucket),
		Key:      aws.String(key),
		Metadata: metadata,
	})
	if err != nil {
		s.logger.Error("failed to create multipart upload", "bucket", bucket, "key", key, "error", err)
		return "", fmt.Errorf("failed to create multipart upload: %w", err)
	}
	return aws.ToString(out.UploadId), nil
}

func (s *S3FileStorageImpl) PresignUploadPart(ctx context.Context, bucket, key, uploadID string, partNumber int32, ttl time.Duration) (string, error) {
	req, err := s.presigner.PresignUploadPart(ctx, &s3.UploadPartInput{
		Bucket:     aws.String(bucket),
		Key:        aws.String(key),
		UploadId:   aws.String(uploadID),
		PartNumber: aws.Int32(partNumber),
	}, s3.WithPresignExpires(ttl))
	if err != nil {
		return "", fmt.Errorf("failed to presign part %d: %w", partNumber, err)
	}
	return req.URL, nil
}

func (s *S3FileStorageImpl) ListParts(ctx context.Context, bucket, key, uploadID string) ([]models.StoredPart, error) {
	paginator := s3.NewListPartsPaginator(s.client, &s3.ListPartsInput{
		Bucket:   aws.String(bucket),
		Key:      aws.String(key),
		UploadId: aws.String(uploadID),
	})

	var parts []models.StoredPart
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			if isNoSuchUpload(err) {
				return nil, apperror.NotFound(fmt.Errorf("multipart upload %s: %w", uploadID, apperror.ErrObjectNotFound))
			}
			s.logger.Error("failed to list parts", "key", key, "store_upload_id", uploadID, "error", err)
			return nil, fmt.Errorf("failed to list parts: %w", err)
		}
		for _, p := range page.Parts {
			parts = append(parts, models.StoredPart{
				PartNumber: aws.ToInt32(p.PartNumber),
				ETag:       aws.ToString(p.ETag),
				Size:       aws.ToInt64(p.Size),
			})
		}
	}

	sort.Slice(parts, func(i, j int) bool { return parts[i].PartNumber < parts[j].PartNumber })
	return parts, nil
}

func (s *S3FileStorageImpl) CompleteMultipartUpload(ctx context.Context, bucket, key, uploadID string, parts []models.StoredPart) error {
	completed := make([]types.CompletedPart, 0, len(parts))
	for _, p := range parts {
		completed = append(completed, types.CompletedPart{
			ETag:       aws.String(p.ETag),
			PartNumber: aws.Int32(p.PartNumber),
		})
	}
	sort.Slice(completed, func(i, j int) bool { return *completed[i].PartNumber < *completed[j].PartNumber })

	_, err := s.client.CompleteMultipartUpload(ctx, &s3.CompleteMultipartUploadInput{
		Bucket:          aws.String(bucket),
		Key:             aws.String(key),
		UploadId:        aws.String(uploadID),
		MultipartUpload: &types.CompletedMultipartUpload{Parts: completed},
	})
	if err != nil {
		s.logger.Error("failed to complete multipart upload", "store_upload_id", uploadID, "key", key, "error", err)
		return fmt.Errorf("failed to complete multipart upload: %w", err)
	}

	s.logger.Info("completed multipart upload", "store_upload_id", uploadID, "key", key, "parts", len(completed))
	return nil
}

// AbortMultipartUpload treats an already finished or aborted upload as done.
func (s *S3FileStorageImpl) AbortMultipartUpload(ctx context.Context, bucket, key, uploadID string) error {
	_, err := s.client.AbortMultipartUpload(ctx, &s3.AbortMultipartUploadInput{
		Bucket:   aws.String(bucket),
		Key:      aws.String(key),
		UploadId: aws.String(uploadID),
	})
	if err != nil && !isNoSuchUpload(err) {
		return fmt.Errorf("failed to abort multipart upload: %w", err)
	}
	return nil
}

func (s *S3FileStorageImpl) PutEmptyObject(ctx context.Context, bucket, key string, metadata map[string]string) error {
	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(bucket),
		Key:           aws.String(key),
		Body:          bytes.NewReader(nil),
		ContentLength: aws.Int64(0),
		Metadata:      metadata,
	})
	if err != nil {
		return fmt.Errorf("failed to put empty object: %w", err)
	}
	return nil
}

func (s *S3FileStorageImpl) HeadObject(ctx context.Context, bucket, key string) (*models.ObjectInfo, error) {
	if key == "" {
		return nil, fmt.Errorf("key cannot be empty")
	}

	out, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		if isNotFound(err) {
			return nil, apperror.NotFound(fmt.Errorf("%s: %w", key, apperror.ErrObjectNotFound))
		}
		return nil, fmt.Errorf("failed to head object: %w", err)
	}

	return &models.ObjectInfo{
		Key:         key,
		Size:        aws.ToInt64(out.ContentLength),
		ContentType: aws.ToString(out.ContentType),
		Metadata:    out.Metadata,
	}, nil
}

func (s *S3FileStorageImpl) ObjectExists(ctx context.Context, bucket, key string) (bool, error) {
	_, err := s.HeadObject(ctx, bucket, key)
	if err == nil {
		return true, nil
	}
	if errors.Is(err, apperror.ErrObjectNotFound) {
		return false, nil
	}
	s.logger.Error("failed to check file existence", "key", key, "error", err)
	return false, err
}

func (s *S3FileStorageImpl) ReadHead(ctx context.Context, bucket, key string, n int64) ([]byte, error) {
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
		Range:  aws.String(fmt.Sprintf("bytes=0-%d", n-1)),
	})
	if err != nil {
		var apiErr smithy.APIError
		if errors.As(err, &apiErr) && apiErr.ErrorCode() == "InvalidRange" {
			return nil, nil // empty object
		}
		return nil, fmt.Errorf("failed to read object head: %w", err)
	}
	defer out.Body.Close()

	return io.ReadAll(io.LimitReader(out.Body, n))
}

func (s *S3FileStorageImpl) CopyObject(ctx context.Context, bucket, srcKey, dstKey string, size int64, contentType string, metadata map[string]string) error {
	if size >= s.multipartCopyFrom {
		return s.multipartCopy(ctx, bucket, srcKey, dstKey, size, contentType, metadata)
	}

	in := &s3.CopyObjectInput{
		Bucket:            aws.String(bucket),
		Key:               aws.String(dstKey),
		CopySource:        aws.String(copySource(bucket, srcKey)),
		Metadata:          metadata,
		MetadataDirective: types.MetadataDirectiveReplace,
	}
	if contentType != "" {
		in.ContentType = aws.String(contentType)
	}

	if _, err := s.client.CopyObject(ctx, in); err != nil {
		s.logger.Error("failed to copy object", "src", srcKey, "dest", dstKey, "error", err)
		return fmt.Errorf("failed to copy object: %w", err)
	}
	return nil
}

func (s *S3FileStorageImpl) multipartCopy(ctx context.Context, bucket, srcKey, dstKey string, size int64, contentType string, metadata map[string]string) (err error) {
	s.logger.Info("starting multipart copy", "src", srcKey, "dest", dstKey, "size", size)

	in := &s3.CreateMultipartUploadInput{
		Bucket:   aws.String(bucket),
		Key:      aws.String(dstKey),
		Metadata: metadata,
	}
	if contentType != "" {
		in.ContentType = aws.String(contentType)
	}
	createOut, err := s.client.CreateMultipartUpload(ctx, in)
	if err != nil {
		return fmt.Errorf("failed to create multipart upload: %w", err)
	}
	uploadID := aws.ToString(createOut.UploadId)

	defer func() {
		if err != nil {
			s.logger.Warn("aborting multipart copy due to error", "store_upload_id", uploadID, "dest", dstKey)
			if abortErr := s.AbortMultipartUpload(ctx, bucket, dstKey, uploadID); abortErr != nil {
				s.logger.Error("failed to abort multipart copy", "store_upload_id", uploadID, "error", abortErr)
			}
		}
	}()

	var completed []types.CompletedPart
	src := copySource(bucket, srcKey)
	for start, partNumber := int64(0), int32(1); start < size; start, partNumber = start+s.copyPartSize, partNumber+1 {
		if err = ctx.Err(); err != nil {
			return err
		}

		end := min(start+s.copyPartSize, size) - 1
		var out *s3.UploadPartCopyOutput
		out, err = s.client.UploadPartCopy(ctx, &s3.UploadPartCopyInput{
			Bucket:          aws.String(bucket),
			Key:             aws.String(dstKey),
			UploadId:        aws.String(uploadID),
			PartNumber:      aws.Int32(partNumber),
			CopySource:      aws.String(src),
			CopySourceRange: aws.String(fmt.Sprintf("bytes=%d-%d", start, end)),
		})
		if err != nil {
			return fmt.Errorf("failed to copy part %d: %w", partNumber, err)
		}
		completed = append(completed, types.CompletedPart{
			ETag:       out.CopyPartResult.ETag,
			PartNumber: aws.Int32(partNumber),
		})
	}

	_, err = s.client.CompleteMultipartUpload(ctx, &s3.CompleteMultipartUploadInput{
		Bucket:          aws.String(bucket),
		Key:             aws.String(dstKey),
		UploadId:        aws.String(uploadID),
		MultipartUpload: &types.CompletedMultipartUpload{Parts: completed},
	})
	if err != nil {
		return fmt.Errorf("failed to complete multipart copy: %w", err)
	}

	s.logger.Info("multipart copy finished", "dest", dstKey, "parts", len(completed))
	return nil
}

func (s *S3FileStorageImpl) DeleteObject(ctx context.Context, bucket, key string) error {
	_, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return fmt.Errorf("failed to delete object: %w", err)
	}
	return nil
}

func (s *S3FileStorageImpl) ListKeys(ctx context.Context, bucket, prefix string) ([]string, error) {
	if prefix == "" {
		return nil, fmt.Errorf("prefix cannot be empty")
	}

	paginator := s3.NewListObjectsV2Paginator(s.client, &s3.ListObjectsV2Input{
		Bucket: aws.String(bucket),
		Prefix: aws.String(prefix),
	})

	var keys []string
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to list objects: %w", err)
		}
		for _, obj := range page.Contents {
			keys = append(keys, aws.ToString(obj.Key))
		}
	}
	return keys, nil
}

func (s *S3FileStorageImpl) LiveKeys(ctx context.Context, bucket, prefix string, limit int, skip func(key string) bool) ([]string, error) {
	in := &s3.ListObjectVersionsInput{
		Bucket: aws.String(bucket),
		Prefix: aws.String(prefix),
	}

	var keys []string
	for {
		page, err := s.client.ListObjectVersions(ctx, in)
		if err != nil {
			return nil, fmt.Errorf("failed to list object versions: %w", err)
		}

		// A key whose latest entry is a delete marker has no latest version,
		// so counting latest versions skips archived objects.
		for _, v := range page.Versions {
			key := aws.ToString(v.Key)
			if !aws.ToBool(v.IsLatest) || strings.HasSuffix(key, "/") {
				continue
			}
			if skip != nil && skip(key) {
				continue
			}
			keys = append(keys, key)
			if len(keys) >= limit {
				return keys, nil
			}
		}

		if !aws.ToBool(page.IsTruncated) {
			return keys, nil
		}
		in.KeyMarker = page.NextKeyMarker
		in.VersionIdMarker = page.NextVersionIdMarker
	}
}

func copySource(bucket, key string) string {
	segments := strings.Split(key, "/")
	for i, seg := range segments {
		segments[i] = url.PathEscape(seg)
	}
	return bucket + "/" + strings.Join(segments, "/")
}

func isNotFound(err error) bool {
	var nf *types.NotFound
	if errors.As(err, &nf) {
		return true
	}
	var nsk *types.NoSuchKey
	if errors.As(err, &nsk) {
		return true
	}
	var apiErr smithy.APIError
	return errors.As(err, &apiErr) && (apiErr.ErrorCode() == "NotFound" || apiErr.ErrorCode() == "NoSuchKey")
}

func isNoSuchUpload(err error) bool {
	var nsu *types.NoSuchUpload
	if errors.As(err, &nsu) {
		return true
	}
	var apiErr smithy.APIError
	return errors.As(err, &apiErr) && apiErr.ErrorCode() == "NoSuchUpload"
}

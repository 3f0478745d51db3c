package store

import (
	"fmt"
	"strings"

	"github.com/Yulian302/lfusys-services-assets/commons/config"
	apperror "github.com/Yulian302/lfusys-services-assets/commons/errors"
	"github.com/Yulian302/lfusys-services-assets/models"
)

type BucketResolver interface {
	Resolve(bucketID string) (models.Bucket, error)
}

// ConfigBucketResolver serves bucket lookups from static configuration.
type ConfigBucketResolver struct {
	buckets map[string]config.BucketConfig
}

func NewConfigBucketResolver(buckets map[string]config.BucketConfig) *ConfigBucketResolver {
	return &ConfigBucketResolver{buckets: buckets}
}

func (r *ConfigBucketResolver) Resolve(bucketID string) (models.Bucket, error) {
	if bucketID == "" {
		bucketID = config.DefaultBucketID
	}
	b, ok := r.buckets[bucketID]
	if !ok {
		return models.Bucket{}, apperror.Internal(fmt.Sprintf("bucket %q", bucketID), apperror.ErrBucketNotConfigured)
	}

	prefix := b.Prefix
	if prefix != "" && !strings.HasSuffix(prefix, "/") {
		prefix += "/"
	}
	return models.Bucket{Id: bucketID, Name: b.Name, Prefix: strings.TrimPrefix(prefix, "/")}, nil
}

package models

import "time"

const (
	AssetTypeFolder = "folder"
	AssetTypeNone   = "none"
)

type Location struct {
	Key string `dynamodbav:"key" json:"key"`
}

type Asset struct {
	DatabaseId      string    `dynamodbav:"database_id" json:"databaseId"`
	AssetId         string    `dynamodbav:"asset_id" json:"assetId"`
	AssetName       string    `dynamodbav:"asset_name" json:"assetName"`
	BucketId        string    `dynamodbav:"bucket_id" json:"bucketId"`
	AssetLocation   Location  `dynamodbav:"asset_location" json:"assetLocation"`
	PreviewLocation *Location `dynamodbav:"preview_location,omitempty" json:"previewLocation,omitempty"`
	AssetType       string    `dynamodbav:"asset_type" json:"assetType"`
	UpdatedAt       time.Time `dynamodbav:"updated_at" json:"updatedAt"`
}

type Database struct {
	DatabaseId string `dynamodbav:"database_id"`
	// Comma delimited, e.g. ".glb,.gltf,.png". Empty or ".all" accepts anything.
	AcceptedFileExtensions string `dynamodbav:"accepted_file_extensions"`
	DefaultBucketId        string `dynamodbav:"default_bucket_id"`
}

// Bucket is a resolved bucket id.
type Bucket struct {
	Id     string
	Name   string
	Prefix string
}

type ObjectInfo struct {
	Key         string
	Size        int64
	ContentType string
	Metadata    map[string]string
}

// StoredPart is a part as reported by the object store, the authoritative
// view used for reconciliation.
type StoredPart struct {
	PartNumber int32  `json:"partNumber"`
	ETag       string `json:"etag"`
	Size       int64  `json:"size"`
}

// Object metadata keys written on temp objects. S3 lower-cases user
// metadata keys, so these are lower case already.
const (
	MetaDatabaseId = "databaseid"
	MetaAssetId    = "assetid"
	MetaUploadId   = "uploadid"
)

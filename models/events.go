package models

import "time"

type FinalizationJobKind string

const (
	FinalizationJobMultipart FinalizationJobKind = "multipart"
	FinalizationJobExternal  FinalizationJobKind = "external"
)

// FinalizationJob is everything the out-of-process worker needs to finish a
// large file: complete the multipart upload (if any), copy temp to final and
// remove the temp object.
type FinalizationJob struct {
	Kind          FinalizationJobKind `json:"kind"`
	UploadId      string              `json:"uploadId"`
	AssetId       string              `json:"assetId"`
	DatabaseId    string              `json:"databaseId"`
	UploadType    UploadType          `json:"uploadType"`
	Bucket        string              `json:"bucket"`
	RelativeKey   string              `json:"relativeKey"`
	TempKey       string              `json:"tempKey"`
	FinalKey      string              `json:"finalKey"`
	StoreUploadId string              `json:"storeUploadId,omitempty"`
	Parts         []StoredPart        `json:"parts,omitempty"`
	TotalSize     int64               `json:"totalSize"`
	QueuedAt      time.Time           `json:"queuedAt"`
}

// FileFinalizedEvent is emitted by the finalization worker once a job is
// done.
type FileFinalizedEvent struct {
	UploadId   string `json:"uploadId"`
	AssetId    string `json:"assetId"`
	DatabaseId string `json:"databaseId"`
	FinalKey   string `json:"finalKey"`
	Success    bool   `json:"success"`
	Error      string `json:"error,omitempty"`
}

type AssetChangedEvent struct {
	DatabaseId string     `json:"databaseId"`
	AssetId    string     `json:"assetId"`
	UploadId   string     `json:"uploadId,omitempty"`
	UploadType UploadType `json:"uploadType,omitempty"`
	AssetType  string     `json:"assetType,omitempty"`
	FinalKeys  []string   `json:"finalKeys,omitempty"`
	ChangedAt  time.Time  `json:"changedAt"`
}

package models

import (
	"fmt"
	"time"
)

type UploadType string

const (
	UploadTypeAssetFile    UploadType = "assetFile"
	UploadTypeAssetPreview UploadType = "assetPreview"
)

func ParseUploadType(s string) (UploadType, error) {
	switch UploadType(s) {
	case UploadTypeAssetFile, UploadTypeAssetPreview:
		return UploadType(s), nil
	}
	return "", fmt.Errorf("unknown upload type %q", s)
}

type UploadStatus string

// Fully successful sessions are deleted rather than moved to a terminal
// "completed" status.
const (
	UploadStatusInitialized         UploadStatus = "initialized"
	UploadStatusProcessing          UploadStatus = "processing"
	UploadStatusCompletedWithErrors UploadStatus = "completed_with_errors"
)

func ParseUploadStatus(s string) (UploadStatus, error) {
	switch UploadStatus(s) {
	case UploadStatusInitialized, UploadStatusProcessing, UploadStatusCompletedWithErrors:
		return UploadStatus(s), nil
	}
	return "", fmt.Errorf("unknown upload status %q", s)
}

// ZeroByteUploadID stands in for a multipart upload id when the file is
// empty and no multipart upload was opened.
const ZeroByteUploadID = "zero-byte"

// UploadSession tracks one initialize-to-completion lifecycle.
// Keyed by (upload_id, asset_id).
type UploadSession struct {
	UploadId         string                 `dynamodbav:"upload_id"`
	AssetId          string                 `dynamodbav:"asset_id"`
	DatabaseId       string                 `dynamodbav:"database_id"`
	UploadType       UploadType             `dynamodbav:"upload_type"`
	Status           UploadStatus           `dynamodbav:"status"`
	TotalFiles       int                    `dynamodbav:"total_files"`
	TotalParts       int                    `dynamodbav:"total_parts"`
	OwnerUserId      string                 `dynamodbav:"owner_user_id"`
	IsExternalUpload bool                   `dynamodbav:"is_external_upload"`
	TemporaryPrefix  string                 `dynamodbav:"temporary_prefix,omitempty"`
	Files            []FileUploadDescriptor `dynamodbav:"files"`
	AsyncFiles       []string               `dynamodbav:"async_files,omitempty"`
	CreatedAt        time.Time              `dynamodbav:"created_at"`
	UpdatedAt        time.Time              `dynamodbav:"updated_at"`
	// Epoch seconds. Guards the transition to "processing".
	LeaseUntil int64 `dynamodbav:"lease_until,omitempty"`
	// Epoch seconds, the table's TTL attribute.
	ExpiresAt int64 `dynamodbav:"expires_at"`
}

func (s *UploadSession) Descriptor(relativeKey string) (FileUploadDescriptor, bool) {
	for _, f := range s.Files {
		if f.RelativeKey == relativeKey {
			return f, true
		}
	}
	return FileUploadDescriptor{}, false
}

func (s *UploadSession) IsAsyncHandled(relativeKey string) bool {
	for _, k := range s.AsyncFiles {
		if k == relativeKey {
			return true
		}
	}
	return false
}

// FileUploadDescriptor is created once per file per session.
type FileUploadDescriptor struct {
	RelativeKey   string `dynamodbav:"relative_key"`
	TempKey       string `dynamodbav:"temp_key"`
	FinalKey      string `dynamodbav:"final_key"`
	StoreUploadId string `dynamodbav:"store_upload_id"`
	NumParts      int    `dynamodbav:"num_parts"`
}

type UploadStatusResponse struct {
	UploadId   string       `json:"uploadId"`
	AssetId    string       `json:"assetId"`
	Status     UploadStatus `json:"status"`
	UploadType UploadType   `json:"uploadType"`
	TotalFiles int          `json:"totalFiles"`
	TotalParts int          `json:"totalParts"`
	External   bool         `json:"externalUpload"`
	ExpiresAt  time.Time    `json:"expiresAt"`
}

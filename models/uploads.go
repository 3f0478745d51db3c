package models

import (
	"encoding/json"
	"fmt"
	"slices"
	"strings"
)

type InitializeFile struct {
	RelativeKey string `json:"relativeKey" binding:"required"`
	FileSize    *int64 `json:"file_size,omitempty"`
	NumParts    *int   `json:"num_parts,omitempty"`
}

type InitializeUploadRequest struct {
	AssetId        string           `json:"assetId" binding:"required"`
	DatabaseId     string           `json:"databaseId" binding:"required"`
	UploadType     UploadType       `json:"uploadType" binding:"required"`
	ExternalUpload bool             `json:"externalUpload,omitempty"`
	Files          []InitializeFile `json:"files" binding:"required,min=1,dive"`
}

// PartUploadGrant is returned once and never persisted.
type PartUploadGrant struct {
	PartNumber int32  `json:"partNumber"`
	URL        string `json:"url"`
}

type InitializedFile struct {
	RelativeKey    string            `json:"relativeKey"`
	StoreUploadId  string            `json:"storeUploadId"`
	NumParts       int               `json:"numParts"`
	PartUploadUrls []PartUploadGrant `json:"partUploadUrls"`
	TempKey        string            `json:"tempKey,omitempty"`
}

type InitializeUploadResponse struct {
	UploadId        string            `json:"uploadId"`
	TemporaryPrefix string            `json:"temporaryPrefix,omitempty"`
	ExpiresAt       int64             `json:"expiresAt"`
	Files           []InitializedFile `json:"files"`
}

type CompletedPart struct {
	PartNumber int32  `json:"partNumber"`
	ETag       string `json:"etag"`
}

type CompleteFile struct {
	RelativeKey   string          `json:"relativeKey" binding:"required"`
	StoreUploadId string          `json:"storeUploadId" binding:"required"`
	Parts         []CompletedPart `json:"parts"`
}

type CompleteUploadRequest struct {
	UploadId   string         `json:"-"`
	AssetId    string         `json:"assetId" binding:"required"`
	DatabaseId string         `json:"databaseId" binding:"required"`
	UploadType UploadType     `json:"uploadType" binding:"required"`
	Files      []CompleteFile `json:"files" binding:"required,min=1,dive"`
}

type ExternalFile struct {
	RelativeKey string `json:"relativeKey" binding:"required"`
	TempKey     string `json:"tempKey" binding:"required"`
}

type CompleteExternalUploadRequest struct {
	UploadId   string         `json:"-"`
	AssetId    string         `json:"assetId" binding:"required"`
	DatabaseId string         `json:"databaseId" binding:"required"`
	UploadType UploadType     `json:"uploadType" binding:"required"`
	Files      []ExternalFile `json:"files" binding:"required,min=1,dive"`
}

// FileOutcome is either a FileSuccess or a FileFailure.
type FileOutcome interface {
	fileOutcome()
}

type FileSuccess struct {
	FinalKey      string
	AsyncHandling bool
}

type FileFailure struct {
	Reason string
	// Set only for part reconciliation failures.
	MissingParts []int32
	ExtraParts   []int32
}

func (FileSuccess) fileOutcome() {}
func (FileFailure) fileOutcome() {}

func PartMismatch(missing, extra []int32) FileFailure {
	return FileFailure{
		Reason:       fmt.Sprintf("part mismatch: missing parts %s, extra parts %s", formatParts(missing), formatParts(extra)),
		MissingParts: missing,
		ExtraParts:   extra,
	}
}

func formatParts(parts []int32) string {
	if len(parts) == 0 {
		return "[]"
	}
	s := make([]string, len(parts))
	for i, p := range parts {
		s[i] = fmt.Sprint(p)
	}
	return "[" + strings.Join(s, ",") + "]"
}

// FileCompletionResult is produced per file during completion and is never
// persisted.
type FileCompletionResult struct {
	RelativeKey   string
	StoreUploadId string
	Outcome       FileOutcome
}

func (r FileCompletionResult) Succeeded() bool {
	_, ok := r.Outcome.(FileSuccess)
	return ok
}

func (r FileCompletionResult) AsyncHandling() bool {
	s, ok := r.Outcome.(FileSuccess)
	return ok && s.AsyncHandling
}

type fileCompletionWire struct {
	RelativeKey   string  `json:"relativeKey"`
	StoreUploadId string  `json:"storeUploadId,omitempty"`
	Success       bool    `json:"success"`
	FinalKey      string  `json:"finalKey,omitempty"`
	AsyncHandling bool    `json:"asyncHandling"`
	Error         string  `json:"error,omitempty"`
	MissingParts  []int32 `json:"missingParts,omitempty"`
	ExtraParts    []int32 `json:"extraParts,omitempty"`
}

func (r FileCompletionResult) MarshalJSON() ([]byte, error) {
	w := fileCompletionWire{RelativeKey: r.RelativeKey, StoreUploadId: r.StoreUploadId}
	switch o := r.Outcome.(type) {
	case FileSuccess:
		w.Success = true
		w.FinalKey = o.FinalKey
		w.AsyncHandling = o.AsyncHandling
	case FileFailure:
		w.Error = o.Reason
		w.MissingParts = o.MissingParts
		w.ExtraParts = o.ExtraParts
	default:
		return nil, fmt.Errorf("file %q has no outcome", r.RelativeKey)
	}
	return json.Marshal(w)
}

func (r *FileCompletionResult) UnmarshalJSON(b []byte) error {
	var w fileCompletionWire
	if err := json.Unmarshal(b, &w); err != nil {
		return err
	}
	r.RelativeKey = w.RelativeKey
	r.StoreUploadId = w.StoreUploadId
	if w.Success {
		r.Outcome = FileSuccess{FinalKey: w.FinalKey, AsyncHandling: w.AsyncHandling}
	} else {
		r.Outcome = FileFailure{Reason: w.Error, MissingParts: w.MissingParts, ExtraParts: w.ExtraParts}
	}
	return nil
}

type CompleteUploadResponse struct {
	UploadId       string                 `json:"uploadId"`
	AssetId        string                 `json:"assetId"`
	OverallSuccess bool                   `json:"overallSuccess"`
	Files          []FileCompletionResult `json:"files"`
}

func (r *CompleteUploadResponse) SuccessCount() int {
	n := 0
	for _, f := range r.Files {
		if f.Succeeded() {
			n++
		}
	}
	return n
}

func (r *CompleteUploadResponse) Result(relativeKey string) (FileCompletionResult, bool) {
	i := slices.IndexFunc(r.Files, func(f FileCompletionResult) bool { return f.RelativeKey == relativeKey })
	if i < 0 {
		return FileCompletionResult{}, false
	}
	return r.Files[i], true
}

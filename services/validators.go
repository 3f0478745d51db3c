package services

import (
	"fmt"
	"path"
	"slices"
	"strings"

	"github.com/Yulian302/lfusys-services-assets/commons/config"
	apperror "github.com/Yulian302/lfusys-services-assets/commons/errors"
	"github.com/Yulian302/lfusys-services-assets/models"
)

// PreviewMarker separates a base file from its preview image, as in
// "model.glb.previewFile.png".
const PreviewMarker = ".previewFile."

var previewExtensions = []string{".png", ".jpg", ".jpeg", ".svg", ".gif"}

func IsPreviewFile(relativeKey string) bool {
	return strings.Contains(relativeKey, PreviewMarker)
}

// PreviewBaseKey returns the key of the file a preview belongs to. Keys
// without the marker are returned unchanged.
func PreviewBaseKey(relativeKey string) string {
	if i := strings.Index(relativeKey, PreviewMarker); i >= 0 {
		return relativeKey[:i]
	}
	return relativeKey
}

func HasPreviewExtension(key string) bool {
	return slices.Contains(previewExtensions, strings.ToLower(path.Ext(key)))
}

// IsPreviewLike reports whether the preview size cap applies to a file.
func IsPreviewLike(uploadType models.UploadType, relativeKey string) bool {
	return uploadType == models.UploadTypeAssetPreview || IsPreviewFile(relativeKey)
}

// ExtensionAllowed matches key against a comma delimited allow-list.
// Matching is case-insensitive; an empty list or ".all" accepts anything.
func ExtensionAllowed(key, accepted string) bool {
	if strings.TrimSpace(accepted) == "" {
		return true
	}

	lower := strings.ToLower(key)
	for _, ext := range strings.Split(accepted, ",") {
		ext = strings.ToLower(strings.TrimSpace(ext))
		if ext == "" {
			continue
		}
		if ext == ".all" || strings.HasSuffix(lower, ext) {
			return true
		}
	}
	return false
}

// NormalizeKey places relativeKey under baseKey unless it is already
// qualified with it.
func NormalizeKey(baseKey, relativeKey string) string {
	rel := strings.TrimPrefix(relativeKey, "/")
	if baseKey == "" {
		return rel
	}
	if !strings.HasSuffix(baseKey, "/") {
		baseKey += "/"
	}
	if strings.HasPrefix(rel, baseKey) {
		return rel
	}
	return baseKey + rel
}

// AssetBaseKey is the prefix every file of the asset lives under.
func AssetBaseKey(asset models.Asset, bucket models.Bucket) string {
	key := asset.AssetLocation.Key
	if key == "" {
		return bucket.Prefix + asset.AssetId + "/"
	}
	if !strings.HasSuffix(key, "/") {
		key += "/"
	}
	return key
}

func PreviewFinalKey(bucketPrefix, assetID, relativeKey string) string {
	return bucketPrefix + "previews/" + assetID + "/" + path.Base(relativeKey)
}

func TempKey(tempPrefix, finalKey string) string {
	return tempPrefix + finalKey
}

// ValidateRelativeKey rejects keys that could escape the asset prefix.
func ValidateRelativeKey(key string) error {
	if strings.TrimSpace(key) == "" {
		return apperror.Validation("relativeKey must not be empty")
	}
	for _, seg := range strings.Split(key, "/") {
		if seg == ".." {
			return apperror.Validation("relativeKey %q must not contain '..' segments", key)
		}
	}
	return nil
}

// PartCount derives how many parts a file is uploaded in. An explicit count
// wins over a size; zero means the file is empty and no multipart upload is
// opened.
func PartCount(file models.InitializeFile, limits config.UploadLimits) (int, error) {
	if file.NumParts != nil {
		n := *file.NumParts
		if n < 0 {
			return 0, apperror.Validation("file %q: num_parts must not be negative", file.RelativeKey)
		}
		if n > limits.MaxParts {
			return 0, apperror.Validation("file %q: %d parts requested, the limit is %d", file.RelativeKey, n, limits.MaxParts)
		}
		return n, nil
	}

	if file.FileSize == nil {
		return 0, apperror.Validation("file %q: either file_size or num_parts is required", file.RelativeKey)
	}
	size := *file.FileSize
	if size < 0 {
		return 0, apperror.Validation("file %q: file_size must not be negative", file.RelativeKey)
	}

	n := size / limits.PartSize
	if size%limits.PartSize != 0 {
		n++
	}
	if n > int64(limits.MaxParts) {
		return 0, apperror.Validation("file %q: %d bytes needs %d parts, the limit is %d", file.RelativeKey, size, n, limits.MaxParts)
	}
	return int(n), nil
}

func DuplicateParts(parts []models.CompletedPart) []int32 {
	seen := make(map[int32]bool, len(parts))
	var dups []int32
	for _, p := range parts {
		if seen[p.PartNumber] && !slices.Contains(dups, p.PartNumber) {
			dups = append(dups, p.PartNumber)
		}
		seen[p.PartNumber] = true
	}
	slices.Sort(dups)
	return dups
}

// DiffParts compares requested part numbers against the parts the store
// holds. missing were requested but not uploaded, extra were uploaded but
// not requested.
func DiffParts(requested []models.CompletedPart, stored []models.StoredPart) (missing, extra []int32) {
	want := make(map[int32]bool, len(requested))
	for _, p := range requested {
		want[p.PartNumber] = true
	}
	have := make(map[int32]bool, len(stored))
	for _, p := range stored {
		have[p.PartNumber] = true
		if !want[p.PartNumber] {
			extra = append(extra, p.PartNumber)
		}
	}
	for n := range want {
		if !have[n] {
			missing = append(missing, n)
		}
	}
	slices.Sort(missing)
	slices.Sort(extra)
	return missing, extra
}

// AssetTypeFor derives the asset type from at most two live keys under the
// asset's base prefix.
func AssetTypeFor(liveKeys []string, current string) string {
	switch len(liveKeys) {
	case 0:
		if current == "" {
			return models.AssetTypeNone
		}
		return current
	case 1:
		return strings.ToLower(path.Ext(liveKeys[0]))
	default:
		return models.AssetTypeFolder
	}
}

func formatKeys(keys []int32) string {
	s := make([]string, len(keys))
	for i, k := range keys {
		s[i] = fmt.Sprint(k)
	}
	return "[" + strings.Join(s, ",") + "]"
}

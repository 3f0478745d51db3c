package services

import (
	"context"
	"fmt"
	"path"
	"slices"
	"strings"

	"github.com/gabriel-vasile/mimetype"
)

type ScanResult struct {
	Allowed  bool
	MimeType string
	Reason   string
}

type ContentScanner interface {
	Scan(ctx context.Context, bucket, key string, size int64) (ScanResult, error)
}

type ObjectHeadReader interface {
	ReadHead(ctx context.Context, bucket, key string, n int64) ([]byte, error)
}

const sniffLen = 3072

var executableMimeTypes = []string{
	"application/x-elf",
	"application/x-executable",
	"application/x-sharedlib",
	"application/x-mach-binary",
	"application/vnd.microsoft.portable-executable",
	"application/x-msdownload",
	"application/x-dosexec",
}

var executableExtensions = []string{".exe", ".dll", ".so", ".dylib", ".bin", ".elf", ".msi"}

// MimeSniffScanner rejects executables uploaded under a non-executable
// extension.
type MimeSniffScanner struct {
	reader ObjectHeadReader
}

func NewMimeSniffScanner(r ObjectHeadReader) *MimeSniffScanner {
	return &MimeSniffScanner{reader: r}
}

func (s *MimeSniffScanner) Scan(ctx context.Context, bucket, key string, size int64) (ScanResult, error) {
	if size == 0 {
		return ScanResult{Allowed: true}, nil
	}

	head, err := s.reader.ReadHead(ctx, bucket, key, sniffLen)
	if err != nil {
		return ScanResult{}, fmt.Errorf("read object head: %w", err)
	}

	detected := mimetype.Detect(head)
	res := ScanResult{Allowed: true, MimeType: detected.String()}

	if !isExecutable(detected) {
		return res, nil
	}
	if slices.Contains(executableExtensions, strings.ToLower(path.Ext(key))) {
		return res, nil
	}

	res.Allowed = false
	res.Reason = fmt.Sprintf("content is %s, which does not match the file extension", detected.String())
	return res, nil
}

func isExecutable(m *mimetype.MIME) bool {
	for ; m != nil; m = m.Parent() {
		for _, t := range executableMimeTypes {
			if m.Is(t) {
				return true
			}
		}
	}
	return false
}

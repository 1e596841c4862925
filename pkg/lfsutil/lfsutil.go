// Package lfsutil holds the Git LFS pointer format and the policy deciding
// which paths are stored as LFS objects.
package lfsutil

import (
	"fmt"
	"io"
	"strings"

	"github.com/git-lfs/git-lfs/v3/lfs"
)

// MaxPointerSize bounds pointer blobs; anything larger is regular content.
const MaxPointerSize = 1024

// DefaultSuffixRules are the path suffixes stored as LFS regardless of
// size. Repository owners can extend the list per repository.
var DefaultSuffixRules = []string{
	".safetensors", ".bin", ".pt", ".pth", ".ckpt", ".gguf",
	".onnx", ".msgpack", ".h5", ".tflite",
	".parquet", ".arrow", ".tar", ".zip", ".7z", ".gz", ".zst",
}

// Pointer is a parsed LFS pointer.
type Pointer = lfs.Pointer

// EncodePointer renders the canonical three-line pointer blob.
func EncodePointer(oid string, size int64) string {
	return fmt.Sprintf("version https://git-lfs.github.com/spec/v1\noid sha256:%s\nsize %d\n", oid, size)
}

// DecodePointer parses an LFS pointer from a reader.
// Returns an error if the content is not a valid LFS pointer.
func DecodePointer(r io.Reader) (*Pointer, error) {
	return lfs.DecodePointer(r)
}

// IsPointerCandidate is a cheap pre-filter: only blobs small enough to be a
// pointer and starting with the version line are worth decoding.
func IsPointerCandidate(data []byte) bool {
	if len(data) > MaxPointerSize {
		return false
	}
	return strings.HasPrefix(string(data), "version https://git-lfs.github.com/spec/v")
}

// ShouldStoreAsLFS decides whether a file goes through the LFS path.
// thresholdBytes is the effective repository threshold; extraSuffixes are
// the repository's additional suffix rules.
func ShouldStoreAsLFS(path string, size, thresholdBytes int64, extraSuffixes []string) bool {
	if size >= thresholdBytes {
		return true
	}
	lower := strings.ToLower(path)
	for _, s := range DefaultSuffixRules {
		if strings.HasSuffix(lower, s) {
			return true
		}
	}
	for _, s := range extraSuffixes {
		s = strings.TrimSpace(strings.ToLower(s))
		if s == "" {
			continue
		}
		if !strings.HasPrefix(s, ".") {
			s = "." + s
		}
		if strings.HasSuffix(lower, s) {
			return true
		}
	}
	return false
}

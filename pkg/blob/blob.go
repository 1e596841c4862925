// Package blob is the content-addressed object layer under the hub. Keys
// never change once written; deletion happens only through garbage
// collection. The S3 binding is the production path, the in-memory binding
// backs tests.
package blob

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"
)

// ErrNotExist reports an absent key.
var ErrNotExist = errors.New("blob does not exist")

// LFSKey returns the content-addressed key for an LFS object.
func LFSKey(oid string) string {
	return fmt.Sprintf("lfs/%s/%s/%s", oid[:2], oid[2:4], oid)
}

// Info describes a stored object.
type Info struct {
	Key          string
	Size         int64
	ETag         string
	LastModified time.Time
}

// Part identifies one completed part of a multipart upload.
type Part struct {
	PartNumber int64  `json:"partNumber"`
	ETag       string `json:"etag"`
}

// Multipart describes an in-progress multipart upload: the upload id plus
// one presigned URL per part, in part order.
type Multipart struct {
	UploadID string
	PartURLs []string
}

// Store is the object-storage surface the hub needs. Presigned URLs are
// produced against the public endpoint so browser and CLI clients can reach
// them; everything else goes through the internal endpoint.
type Store interface {
	Exists(ctx context.Context, key string) (bool, error)
	Stat(ctx context.Context, key string) (*Info, error)
	Get(ctx context.Context, key string) (io.ReadCloser, error)
	Put(ctx context.Context, key string, r io.Reader, size int64, sha256Hex string) error
	Delete(ctx context.Context, key string) error

	// SignGet presigns a download for expire.
	SignGet(key string, expire time.Duration) (string, error)
	// SignPut presigns a single-shot upload. A non-empty sha256Hex pins
	// the object checksum so the store rejects mismatched bytes.
	SignPut(key string, sha256Hex string, expire time.Duration) (string, error)

	CreateMultipart(ctx context.Context, key string, parts int, partSize int64, expire time.Duration) (*Multipart, error)
	CompleteMultipart(ctx context.Context, key, uploadID string, parts []Part) error
	AbortMultipart(ctx context.Context, key, uploadID string) error
}

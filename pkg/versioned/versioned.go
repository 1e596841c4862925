// Package versioned abstracts the branch/commit layer over the blob store.
// The production binding speaks the LakeFS REST API; the in-memory binding
// backs tests and single-node evaluation. Both serialize commits per
// (repository, branch) and report losers of concurrent commits as
// ErrCommitConflict.
package versioned

import (
	"context"
	"errors"
	"io"
	"time"
)

// Sentinel errors shared by all bindings.
var (
	ErrRepoExists       = errors.New("repository already exists")
	ErrRepoNotFound     = errors.New("repository not found")
	ErrRefNotFound      = errors.New("revision not found")
	ErrPathNotFound     = errors.New("path not found")
	ErrCommitConflict   = errors.New("commit conflict")
	ErrTagImmutable     = errors.New("tag already exists")
	ErrBranchNotEmptyID = errors.New("branch name conflicts with a commit id")
)

// ObjectInfo describes one object at a ref.
type ObjectInfo struct {
	Path string
	// PathType is "object" or "common_prefix".
	PathType string
	Size     int64
	// Checksum is the content SHA-256 in hex.
	Checksum string
	// PhysicalAddress locates the bytes in the blob store,
	// e.g. "s3://bucket/key".
	PhysicalAddress string
	Mtime           time.Time
}

// IsDir reports whether the entry is a directory listing marker.
func (o *ObjectInfo) IsDir() bool {
	return o.PathType == "common_prefix"
}

// CommitInfo describes a commit in the store's DAG.
type CommitInfo struct {
	ID           string
	Message      string
	Committer    string
	CreationDate time.Time
	Parents      []string
	Metadata     map[string]string
}

// DiffEntry is one path-level change between two refs.
type DiffEntry struct {
	Path string
	// Type is "added", "removed", or "changed".
	Type string
}

// RefInfo is a named ref and its commit id.
type RefInfo struct {
	Name     string
	CommitID string
}

// CommitOpts carries optional commit parameters.
type CommitOpts struct {
	// Description becomes the extended commit description.
	Description string
	// ExpectedParent, when non-empty, makes the commit conditional on
	// the branch tip: a moved tip fails with ErrCommitConflict.
	ExpectedParent string
	// AllowEmpty permits header-only commits with no staged changes.
	AllowEmpty bool
	Metadata   map[string]string
}

// Store is the bridge interface. Implementations must be safe for
// concurrent use from many request goroutines.
type Store interface {
	CreateRepository(ctx context.Context, repoKey, defaultBranch string) error
	DeleteRepository(ctx context.Context, repoKey string) error

	// ListObjects pages through objects at ref under prefix. With
	// recursive=false, entries below one level collapse into
	// common_prefix markers. Returns the next cursor, "" at the end.
	ListObjects(ctx context.Context, repoKey, ref, prefix, after string, amount int, recursive bool) ([]ObjectInfo, string, error)
	StatObject(ctx context.Context, repoKey, ref, path string) (*ObjectInfo, error)
	GetObject(ctx context.Context, repoKey, ref, path string) (io.ReadCloser, error)
	PutObject(ctx context.Context, repoKey, branch, path string, r io.Reader, size int64) (*ObjectInfo, error)
	// LinkPhysicalAddress attaches an existing blob to a path without
	// copying bytes.
	LinkPhysicalAddress(ctx context.Context, repoKey, branch, path, physicalAddress, checksum string, size int64) (*ObjectInfo, error)
	DeleteObject(ctx context.Context, repoKey, branch, path string) error

	Commit(ctx context.Context, repoKey, branch, message string, opts CommitOpts) (*CommitInfo, error)
	GetCommit(ctx context.Context, repoKey, commitID string) (*CommitInfo, error)
	ListCommits(ctx context.Context, repoKey, ref, after string, amount int) ([]CommitInfo, string, error)
	Diff(ctx context.Context, repoKey, left, right string) ([]DiffEntry, error)

	BranchHead(ctx context.Context, repoKey, branch string) (string, error)
	ListBranches(ctx context.Context, repoKey string) ([]RefInfo, error)
	ListTags(ctx context.Context, repoKey string) ([]RefInfo, error)
	CreateBranch(ctx context.Context, repoKey, name, source string) error
	DeleteBranch(ctx context.Context, repoKey, name string) error
	CreateTag(ctx context.Context, repoKey, name, ref string) (string, error)
	DeleteTag(ctx context.Context, repoKey, name string) error
}

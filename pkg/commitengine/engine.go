// Package commitengine applies an atomic set of file operations to a
// repository branch: one versioned-store commit per request, paired with a
// database transaction that records attribution, dedup state, quota usage,
// and LFS version history.
package commitengine

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/avast/retry-go"
	"gorm.io/gorm"

	"github.com/kohakuhub/kohakuhub/pkg/api"
	"github.com/kohakuhub/kohakuhub/pkg/blob"
	"github.com/kohakuhub/kohakuhub/pkg/db"
	"github.com/kohakuhub/kohakuhub/pkg/lfsutil"
	"github.com/kohakuhub/kohakuhub/pkg/versioned"
)

// Engine coordinates the versioned store, the blob store, and the database
// for commit requests.
type Engine struct {
	store     *db.Store
	versioned versioned.Store
	blobs     blob.Store

	bucket           string
	defaultThreshold int64
	defaultQuota     int64
	autoGC           bool
}

// New creates an Engine. bucket is the blob bucket name used to form
// physical addresses for LFS links.
func New(store *db.Store, vs versioned.Store, blobs blob.Store, bucket string, defaultThreshold, defaultQuota int64, autoGC bool) *Engine {
	return &Engine{
		store:            store,
		versioned:        vs,
		blobs:            blobs,
		bucket:           bucket,
		defaultThreshold: defaultThreshold,
		defaultQuota:     defaultQuota,
		autoGC:           autoGC,
	}
}

// Result is the outcome of a successful commit.
type Result struct {
	CommitID string
	Message  string
}

// changeKind is the collapsed form of an operation after last-op-wins.
type changeKind int

const (
	changeWrite changeKind = iota // inline bytes into the versioned store
	changeLink                    // link an existing blob (lfsFile / copyFile)
	changeDelete
)

type change struct {
	kind changeKind
	path string

	content []byte // changeWrite
	sha256  string
	size    int64
	lfs     bool

	physicalAddress string // changeLink

	// skip marks a dedup no-op: the path already holds this content.
	skip bool
	// prevSize/prevLive describe the existing live row, for quota deltas.
	prevSize int64
	prevLive bool
}

// Commit runs the full pipeline for an already-parsed request. actor must
// have write permission on repo; the caller has checked that.
func (e *Engine) Commit(ctx context.Context, repo *db.Repository, branch string, actor *db.User, req *Request) (*Result, error) {
	repoKey := db.StorageKey(repo.RepoType, repo.Namespace, repo.Name)
	threshold := repo.EffectiveLFSThreshold(e.defaultThreshold)

	parent, err := e.versioned.BranchHead(ctx, repoKey, branch)
	if err != nil {
		if errors.Is(err, versioned.ErrRepoNotFound) {
			return nil, api.Errf(api.CodeRepoNotFound, "repository %s not found", repo.FullID())
		}
		if errors.Is(err, versioned.ErrRefNotFound) {
			return nil, api.Errf(api.CodeRevisionNotFound, "revision %s not found", branch)
		}
		return nil, err
	}

	changes, err := e.collapse(ctx, repo, repoKey, branch, threshold, req.Ops)
	if err != nil {
		return nil, err
	}

	if err := e.checkQuota(repo, changes); err != nil {
		return nil, err
	}

	staged := 0
	for _, c := range changes {
		if c.skip {
			continue
		}
		switch c.kind {
		case changeWrite:
			if _, err := e.versioned.PutObject(ctx, repoKey, branch, c.path, bytes.NewReader(c.content), c.size); err != nil {
				return nil, fmt.Errorf("stage %s: %w", c.path, err)
			}
		case changeLink:
			if _, err := e.versioned.LinkPhysicalAddress(ctx, repoKey, branch, c.path, c.physicalAddress, c.sha256, c.size); err != nil {
				return nil, fmt.Errorf("link %s: %w", c.path, err)
			}
		case changeDelete:
			if err := e.versioned.DeleteObject(ctx, repoKey, branch, c.path); err != nil && !errors.Is(err, versioned.ErrPathNotFound) {
				return nil, fmt.Errorf("delete %s: %w", c.path, err)
			}
		}
		staged++
	}

	message := req.Header.Summary
	if message == "" {
		message = "Upload files"
	}
	info, err := e.versioned.Commit(ctx, repoKey, branch, message, versioned.CommitOpts{
		Description:    req.Header.Description,
		ExpectedParent: parent,
		AllowEmpty:     staged == 0,
		Metadata:       map[string]string{"author": actor.Name},
	})
	if err != nil {
		if errors.Is(err, versioned.ErrCommitConflict) {
			return nil, api.Errf(api.CodeConflict, "branch %s moved, rebase and retry", branch)
		}
		return nil, err
	}

	// The commit is durable from here. DB bookkeeping is retried; a
	// permanent failure is logged loudly for operators to reconcile, and
	// the client still sees success.
	if err := e.record(repo, branch, actor, info.ID, message, req.Header.Description, changes); err != nil {
		log.Printf("commit %s on %s: recorded in versioned store but DB bookkeeping failed: %v", info.ID, repo.FullID(), err)
	}

	if e.autoGC {
		e.enqueueGC(repo.ID, changes)
	}

	return &Result{CommitID: info.ID, Message: message}, nil
}

// collapse resolves the operation list into at most one change per path,
// expanding folder deletions and deciding dedup skips against the final
// value for each path.
func (e *Engine) collapse(ctx context.Context, repo *db.Repository, repoKey, branch string, threshold int64, ops []Op) ([]*change, error) {
	byPath := map[string]*change{}
	var order []string

	put := func(c *change) {
		if _, ok := byPath[c.path]; !ok {
			order = append(order, c.path)
		}
		byPath[c.path] = c
	}

	for _, op := range ops {
		switch v := op.(type) {
		case *FileOp:
			// A pointer blob uploaded inline means the client lost the
			// actual content somewhere; committing it would corrupt the path.
			if lfsutil.IsPointerCandidate(v.Content) {
				if _, err := lfsutil.DecodePointer(bytes.NewReader(v.Content)); err == nil {
					return nil, api.Errf(api.CodeBadRequest, "%s is an LFS pointer, send the content through an lfsFile operation", v.Path)
				}
			}
			sum := sha256.Sum256(v.Content)
			put(&change{
				kind:    changeWrite,
				path:    v.Path,
				content: v.Content,
				sha256:  hex.EncodeToString(sum[:]),
				size:    int64(len(v.Content)),
			})

		case *LFSFileOp:
			key := blob.LFSKey(v.OID)
			ok, err := e.blobs.Exists(ctx, key)
			if err != nil {
				return nil, err
			}
			if !ok {
				return nil, api.Errf(api.CodeBadRequest, "LFS object %s not uploaded", v.OID)
			}
			put(&change{
				kind:            changeLink,
				path:            v.Path,
				sha256:          v.OID,
				size:            v.Size,
				lfs:             true,
				physicalAddress: fmt.Sprintf("s3://%s/%s", e.bucket, key),
			})

		case *DeletedFileOp:
			if _, err := e.versioned.StatObject(ctx, repoKey, branch, v.Path); err != nil {
				if errors.Is(err, versioned.ErrPathNotFound) || errors.Is(err, versioned.ErrRefNotFound) {
					return nil, api.Errf(api.CodeEntryNotFound, "path %s not found", v.Path)
				}
				return nil, err
			}
			put(&change{kind: changeDelete, path: v.Path})

		case *DeletedFolderOp:
			paths, err := e.listPrefix(ctx, repoKey, branch, strings.TrimSuffix(v.Path, "/")+"/")
			if err != nil {
				return nil, err
			}
			// An empty folder is a no-op, not an error.
			for _, p := range paths {
				put(&change{kind: changeDelete, path: p})
			}

		case *CopyFileOp:
			srcRev := v.SrcRevision
			if srcRev == "" {
				srcRev = branch
			}
			src, err := e.versioned.StatObject(ctx, repoKey, srcRev, v.SrcPath)
			if err != nil {
				if errors.Is(err, versioned.ErrPathNotFound) {
					return nil, api.Errf(api.CodeEntryNotFound, "copy source %s not found", v.SrcPath)
				}
				if errors.Is(err, versioned.ErrRefNotFound) {
					return nil, api.Errf(api.CodeRevisionNotFound, "revision %s not found", srcRev)
				}
				return nil, err
			}
			isLFS := false
			if row, err := e.store.GetLiveFile(repo.ID, v.SrcPath); err == nil {
				isLFS = row.LFS
			}
			put(&change{
				kind:            changeLink,
				path:            v.Path,
				sha256:          src.Checksum,
				size:            src.Size,
				lfs:             isLFS,
				physicalAddress: src.PhysicalAddress,
			})

		default:
			return nil, api.Errf(api.CodeBadRequest, "unknown operation")
		}
	}

	changes := make([]*change, 0, len(order))
	for _, p := range order {
		c := byPath[p]
		if c.kind == changeWrite && c.size >= threshold {
			return nil, api.Errf(api.CodeBadRequest, "inline file %s is %d bytes, must be uploaded via LFS", c.path, c.size)
		}
		prev, err := e.store.GetLiveFile(repo.ID, c.path)
		if err != nil && !errors.Is(err, db.ErrNotFound) {
			return nil, err
		}
		if prev != nil {
			c.prevSize = prev.Size
			c.prevLive = true
		}
		switch c.kind {
		case changeWrite:
			c.skip = prev != nil && !prev.LFS && prev.SHA256 == c.sha256
		case changeLink:
			c.skip = prev != nil && prev.LFS == c.lfs && prev.SHA256 == c.sha256
		}
		changes = append(changes, c)
	}
	return changes, nil
}

func (e *Engine) listPrefix(ctx context.Context, repoKey, branch, prefix string) ([]string, error) {
	var paths []string
	after := ""
	for {
		infos, next, err := e.versioned.ListObjects(ctx, repoKey, branch, prefix, after, 1000, true)
		if err != nil {
			if errors.Is(err, versioned.ErrRefNotFound) {
				return nil, nil
			}
			return nil, err
		}
		for i := range infos {
			if !infos[i].IsDir() {
				paths = append(paths, infos[i].Path)
			}
		}
		if next == "" {
			return paths, nil
		}
		after = next
	}
}

// checkQuota evaluates the post-commit snapshot against the effective
// quota. Stale usage across concurrent commits is tolerated; the recompute
// job reconciles.
func (e *Engine) checkQuota(repo *db.Repository, changes []*change) error {
	var delta int64
	for _, c := range changes {
		if c.skip {
			continue
		}
		switch c.kind {
		case changeWrite, changeLink:
			delta += c.size - c.prevSize
		case changeDelete:
			if c.prevLive {
				delta -= c.prevSize
			}
		}
	}
	if delta <= 0 {
		return nil
	}
	quota, err := e.store.EffectiveQuota(repo, e.defaultQuota)
	if err != nil {
		return err
	}
	if quota > 0 && repo.UsedBytes+delta > quota {
		return api.Errf(api.CodeQuotaExceeded, "commit needs %d new bytes, quota is %d with %d used", delta, quota, repo.UsedBytes)
	}
	return nil
}

// record runs the bookkeeping transaction, retried because it follows the
// non-retryable versioned-store commit.
func (e *Engine) record(repo *db.Repository, branch string, actor *db.User, commitID, message, description string, changes []*change) error {
	return retry.Do(
		func() error {
			return e.store.Transaction(func(tx *gorm.DB) error {
				return e.recordTx(tx, repo, branch, actor, commitID, message, description, changes)
			})
		},
		retry.Attempts(3),
		retry.Delay(50*time.Millisecond),
		retry.LastErrorOnly(true),
	)
}

func (e *Engine) recordTx(tx *gorm.DB, repo *db.Repository, branch string, actor *db.User, commitID, message, description string, changes []*change) error {
	var delta int64
	var promoted []string
	now := time.Now()

	for _, c := range changes {
		switch c.kind {
		case changeWrite, changeLink:
			if !c.skip {
				if err := db.UpsertFile(tx, &db.File{
					RepositoryID: repo.ID,
					PathInRepo:   c.path,
					Size:         c.size,
					SHA256:       c.sha256,
					LFS:          c.lfs,
					OwnerID:      actor.ID,
					UpdatedAt:    now,
				}); err != nil {
					return err
				}
				delta += c.size - c.prevSize
			}
			if c.lfs && !c.skip {
				if err := db.InsertLFSHistory(tx, &db.LFSObjectHistory{
					RepositoryID: repo.ID,
					PathInRepo:   c.path,
					SHA256:       c.sha256,
					Size:         c.size,
					CommitID:     commitID,
				}); err != nil {
					return err
				}
				promoted = append(promoted, c.sha256)
			}
		case changeDelete:
			if err := db.MarkFileDeleted(tx, repo.ID, c.path); err != nil {
				return err
			}
			if c.prevLive {
				delta -= c.prevSize
			}
		}
	}

	if err := db.InsertCommit(tx, &db.Commit{
		RepositoryID: repo.ID,
		CommitID:     commitID,
		Branch:       branch,
		UserID:       actor.ID,
		Username:     actor.Name,
		Message:      message,
		Description:  description,
	}); err != nil {
		return err
	}
	if err := db.DeleteStagingUploads(tx, repo.ID, promoted); err != nil {
		return err
	}
	return db.AddUsedBytes(tx, repo, delta)
}

func (e *Engine) enqueueGC(repoID uint, changes []*change) {
	var paths []string
	for _, c := range changes {
		if c.lfs && !c.skip {
			paths = append(paths, c.path)
		}
	}
	if len(paths) == 0 {
		return
	}
	encoded, err := json.Marshal(paths)
	if err != nil {
		return
	}
	if err := e.store.EnqueueGCTask(&db.GCTask{RepositoryID: repoID, Paths: string(encoded)}); err != nil {
		log.Printf("enqueue gc for repo %d: %v", repoID, err)
	}
}

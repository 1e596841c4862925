// Package gc trims old LFS object versions and reconciles bookkeeping
// drift. Work arrives through the database task queue; a worker polls and
// processes tasks in the background.
package gc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"

	"github.com/kohakuhub/kohakuhub/pkg/blob"
	"github.com/kohakuhub/kohakuhub/pkg/db"
)

// Collector trims LFS version history and deletes unreferenced blobs.
type Collector struct {
	store *db.Store
	blobs blob.Store
	// keepDefault is the server-wide lfs_keep_versions default.
	keepDefault int
}

func NewCollector(store *db.Store, blobs blob.Store, keepDefault int) *Collector {
	return &Collector{store: store, blobs: blobs, keepDefault: keepDefault}
}

// RunTask processes one queued task: trim each path it names.
func (c *Collector) RunTask(ctx context.Context, task *db.GCTask) error {
	var paths []string
	if err := json.Unmarshal([]byte(task.Paths), &paths); err != nil {
		return fmt.Errorf("decode task %d paths: %w", task.ID, err)
	}
	var repo db.Repository
	if err := c.store.DB().First(&repo, task.RepositoryID).Error; err != nil {
		return fmt.Errorf("load repository %d: %w", task.RepositoryID, err)
	}
	keep := repo.LFSKeepVersions
	if keep <= 0 {
		keep = c.keepDefault
	}
	for _, p := range paths {
		if err := c.TrimPath(ctx, repo.ID, p, keep); err != nil {
			return err
		}
	}
	return nil
}

// TrimPath keeps the most recent keep unique oids in the history of
// (repo, path). Older oids lose their history rows; a blob is deleted only
// when no File row and no remaining history row anywhere references it.
// Deletion is best-effort and idempotent.
func (c *Collector) TrimPath(ctx context.Context, repoID uint, path string, keep int) error {
	history, err := c.store.ListLFSHistory(repoID, path)
	if err != nil {
		return err
	}

	kept := map[string]bool{}
	var dropIDs []uint
	dropOIDs := map[string][]uint{}
	for _, row := range history {
		if kept[row.SHA256] {
			continue
		}
		if len(kept) < keep {
			kept[row.SHA256] = true
			continue
		}
		dropIDs = append(dropIDs, row.ID)
		dropOIDs[row.SHA256] = append(dropOIDs[row.SHA256], row.ID)
	}
	if len(dropIDs) == 0 {
		return nil
	}

	for oid, ids := range dropOIDs {
		if kept[oid] {
			continue
		}
		refs, err := c.store.CountLFSReferences(oid, ids)
		if err != nil {
			return err
		}
		if refs > 0 {
			continue
		}
		if err := c.blobs.Delete(ctx, blob.LFSKey(oid)); err != nil && !errors.Is(err, blob.ErrNotExist) {
			log.Printf("gc: delete blob %s: %v", oid, err)
		}
	}
	return c.store.DeleteLFSHistory(dropIDs)
}

// RecomputeUsedBytes rebuilds a repository's used_bytes from its live File
// rows, repairing drift from lost bookkeeping transactions.
func (c *Collector) RecomputeUsedBytes(repoID uint) error {
	files, err := c.store.ListLiveFiles(repoID)
	if err != nil {
		return err
	}
	var total int64
	for i := range files {
		total += files[i].Size
	}
	return c.store.DB().Model(&db.Repository{}).Where("id = ?", repoID).
		UpdateColumn("used_bytes", total).Error
}

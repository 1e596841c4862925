package commitengine

import (
	"context"
	"errors"
	"strings"

	"github.com/kohakuhub/kohakuhub/pkg/db"
	"github.com/kohakuhub/kohakuhub/pkg/lfsutil"
	"github.com/kohakuhub/kohakuhub/pkg/versioned"
)

// PreuploadFile is one entry of a preupload query.
type PreuploadFile struct {
	Path   string `json:"path"`
	Size   int64  `json:"size"`
	SHA256 string `json:"sha256"`
}

// PreuploadResult tells the client how to upload one file, and whether it
// can skip the file entirely because identical content is already at the
// path.
type PreuploadResult struct {
	Path         string `json:"path"`
	UploadMode   string `json:"uploadMode"` // "regular" or "lfs"
	ShouldIgnore bool   `json:"shouldIgnore"`
}

// Preupload decides upload modes and dedup skips for a batch of files
// before the client moves any bytes. shouldIgnore consults both the DB row
// and the versioned-store state at revision, so a file committed by a
// concurrent writer is also skippable.
func (e *Engine) Preupload(ctx context.Context, repo *db.Repository, revision string, files []PreuploadFile) ([]PreuploadResult, error) {
	threshold := repo.EffectiveLFSThreshold(e.defaultThreshold)
	rules := repo.SuffixRules()
	repoKey := db.StorageKey(repo.RepoType, repo.Namespace, repo.Name)

	results := make([]PreuploadResult, 0, len(files))
	for _, f := range files {
		res := PreuploadResult{Path: f.Path, UploadMode: "regular"}
		if lfsutil.ShouldStoreAsLFS(f.Path, f.Size, threshold, rules) {
			res.UploadMode = "lfs"
		}

		sha := strings.ToLower(f.SHA256)
		if sha != "" {
			if row, err := e.store.GetLiveFile(repo.ID, f.Path); err == nil && row.SHA256 == sha {
				res.ShouldIgnore = true
			} else if err != nil && !errors.Is(err, db.ErrNotFound) {
				return nil, err
			}
			if !res.ShouldIgnore {
				if info, err := e.versioned.StatObject(ctx, repoKey, revision, f.Path); err == nil && info.Checksum == sha {
					res.ShouldIgnore = true
				} else if err != nil &&
					!errors.Is(err, versioned.ErrPathNotFound) &&
					!errors.Is(err, versioned.ErrRefNotFound) {
					return nil, err
				}
			}
		}
		results = append(results, res)
	}
	return results, nil
}

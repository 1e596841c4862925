package db

import (
	"errors"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// GetFile returns the row for (repo, path), deleted or not.
func (s *Store) GetFile(repoID uint, path string) (*File, error) {
	var f File
	err := s.db.Where("repository_id = ? AND path_in_repo = ?", repoID, path).First(&f).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	return &f, err
}

// GetLiveFile returns the non-deleted row for (repo, path).
func (s *Store) GetLiveFile(repoID uint, path string) (*File, error) {
	var f File
	err := s.db.Where("repository_id = ? AND path_in_repo = ? AND is_deleted = ?", repoID, path, false).First(&f).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	return &f, err
}

// ListLiveFiles returns all non-deleted rows for a repository.
func (s *Store) ListLiveFiles(repoID uint) ([]File, error) {
	var files []File
	err := s.db.Where("repository_id = ? AND is_deleted = ?", repoID, false).
		Order("path_in_repo").Find(&files).Error
	return files, err
}

// UpsertFile inserts or updates the single row for (repo, path). A delete
// followed by a re-add reuses the same row with IsDeleted flipped back.
func UpsertFile(tx *gorm.DB, f *File) error {
	return tx.Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "repository_id"}, {Name: "path_in_repo"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"size", "sha256", "lfs", "is_deleted", "owner_id", "updated_at",
		}),
	}).Create(f).Error
}

// MarkFileDeleted soft-deletes the row for (repo, path).
func MarkFileDeleted(tx *gorm.DB, repoID uint, path string) error {
	return tx.Model(&File{}).
		Where("repository_id = ? AND path_in_repo = ? AND is_deleted = ?", repoID, path, false).
		Updates(map[string]any{"is_deleted": true, "updated_at": time.Now()}).Error
}

// InsertCommit records attribution for a versioned-store commit.
func InsertCommit(tx *gorm.DB, c *Commit) error {
	return tx.Create(c).Error
}

// GetCommitByOID returns the attribution row for a commit id.
func (s *Store) GetCommitByOID(repoID uint, commitID string) (*Commit, error) {
	var c Commit
	err := s.db.Where("repository_id = ? AND commit_id = ?", repoID, commitID).First(&c).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	return &c, err
}

// LatestCommit returns the most recent attribution row for a branch.
func (s *Store) LatestCommit(repoID uint, branch string) (*Commit, error) {
	var c Commit
	err := s.db.Where("repository_id = ? AND branch = ?", repoID, branch).
		Order("id DESC").First(&c).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	return &c, err
}

// InsertLFSHistory appends a version row for an LFS path.
func InsertLFSHistory(tx *gorm.DB, h *LFSObjectHistory) error {
	return tx.Create(h).Error
}

// ListLFSHistory returns the history for (repo, path), newest first.
func (s *Store) ListLFSHistory(repoID uint, path string) ([]LFSObjectHistory, error) {
	var rows []LFSObjectHistory
	err := s.db.Where("repository_id = ? AND path_in_repo = ?", repoID, path).
		Order("id DESC").Find(&rows).Error
	return rows, err
}

// CountLFSReferences counts live File rows and history rows anywhere that
// reference the oid, excluding history rows listed in excludeIDs. Blobs
// are deduplicated globally, so GC must check across all repositories.
func (s *Store) CountLFSReferences(oid string, excludeIDs []uint) (int64, error) {
	var fileRefs int64
	err := s.db.Model(&File{}).
		Where("sha256 = ? AND lfs = ? AND is_deleted = ?", oid, true, false).
		Count(&fileRefs).Error
	if err != nil {
		return 0, err
	}
	q := s.db.Model(&LFSObjectHistory{}).Where("sha256 = ?", oid)
	if len(excludeIDs) > 0 {
		q = q.Where("id NOT IN ?", excludeIDs)
	}
	var histRefs int64
	if err := q.Count(&histRefs).Error; err != nil {
		return 0, err
	}
	return fileRefs + histRefs, nil
}

// DeleteLFSHistory removes history rows by id.
func (s *Store) DeleteLFSHistory(ids []uint) error {
	if len(ids) == 0 {
		return nil
	}
	return s.db.Delete(&LFSObjectHistory{}, ids).Error
}

// CreateStagingUpload records an in-progress LFS upload.
func (s *Store) CreateStagingUpload(u *StagingUpload) error {
	return s.db.Create(u).Error
}

// GetStagingUpload finds the newest staging row for (repo, oid).
func (s *Store) GetStagingUpload(repoID uint, oid string) (*StagingUpload, error) {
	var u StagingUpload
	err := s.db.Where("repository_id = ? AND sha256 = ?", repoID, oid).
		Order("id DESC").First(&u).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	return &u, err
}

// MarkStagingVerified flags the staging row after a successful verify.
func (s *Store) MarkStagingVerified(id uint) error {
	return s.db.Model(&StagingUpload{}).Where("id = ?", id).
		UpdateColumn("verified", true).Error
}

// DeleteStagingUploads removes staging rows for oids promoted by a commit.
func DeleteStagingUploads(tx *gorm.DB, repoID uint, oids []string) error {
	if len(oids) == 0 {
		return nil
	}
	return tx.Where("repository_id = ? AND sha256 IN ?", repoID, oids).
		Delete(&StagingUpload{}).Error
}

// ExpireStagingUploads drops staging rows older than maxAge that never got
// a commit. Orphaned blobs they point at are addressable and removed by GC.
func (s *Store) ExpireStagingUploads(maxAge time.Duration) (int64, error) {
	res := s.db.Where("created_at < ?", time.Now().Add(-maxAge)).Delete(&StagingUpload{})
	return res.RowsAffected, res.Error
}

// AddDownloads upserts the daily download counter with an additive update.
func (s *Store) AddDownloads(repoID uint, date string, n int64) error {
	stat := DailyRepoStat{RepositoryID: repoID, Date: date, Downloads: n}
	return s.db.Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "repository_id"}, {Name: "date"}},
		DoUpdates: clause.Assignments(map[string]any{
			"downloads": gorm.Expr("downloads + ?", n),
		}),
	}).Create(&stat).Error
}

// EnqueueGCTask inserts a pending GC task.
func (s *Store) EnqueueGCTask(t *GCTask) error {
	return s.db.Create(t).Error
}

// NextGCTask claims the oldest pending GC task, marking it running.
// Returns nil when the queue is empty.
func (s *Store) NextGCTask() (*GCTask, error) {
	var task GCTask
	err := s.db.Transaction(func(tx *gorm.DB) error {
		err := tx.Where("status = ?", GCTaskPending).Order("id").First(&task).Error
		if err != nil {
			return err
		}
		now := time.Now()
		task.Status = GCTaskRunning
		task.StartedAt = &now
		return tx.Model(&GCTask{}).Where("id = ? AND status = ?", task.ID, GCTaskPending).
			Updates(map[string]any{"status": GCTaskRunning, "started_at": now}).Error
	})
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &task, nil
}

// FinishGCTask records the terminal state of a task.
func (s *Store) FinishGCTask(id uint, errMsg string) error {
	now := time.Now()
	status := GCTaskCompleted
	if errMsg != "" {
		status = GCTaskFailed
	}
	return s.db.Model(&GCTask{}).Where("id = ?", id).
		Updates(map[string]any{"status": status, "error": errMsg, "completed_at": now}).Error
}

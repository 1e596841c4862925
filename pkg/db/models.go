package db

import (
	"time"
)

// RepoType is the protocol-surface variant of a repository. Storage is
// uniform across types.
type RepoType string

const (
	RepoTypeModel   RepoType = "model"
	RepoTypeDataset RepoType = "dataset"
	RepoTypeSpace   RepoType = "space"
)

// IsValid reports whether t is a known repository type.
func (t RepoType) IsValid() bool {
	return t == RepoTypeModel || t == RepoTypeDataset || t == RepoTypeSpace
}

// Plural returns the URL segment for the type ("models", ...).
func (t RepoType) Plural() string {
	return string(t) + "s"
}

// Role orders organization membership permissions.
type Role string

const (
	RoleVisitor    Role = "visitor"
	RoleMember     Role = "member"
	RoleAdmin      Role = "admin"
	RoleSuperAdmin Role = "super-admin"
)

var roleRank = map[Role]int{
	RoleVisitor:    0,
	RoleMember:     1,
	RoleAdmin:      2,
	RoleSuperAdmin: 3,
}

// AtLeast reports whether r grants at least the permissions of other.
func (r Role) AtLeast(other Role) bool {
	return roleRank[r] >= roleRank[other]
}

// User is an account that can authenticate and own namespaces.
type User struct {
	ID           uint      `gorm:"primaryKey"`
	Name         string    `gorm:"uniqueIndex;not null;size:255"`
	Email        string    `gorm:"size:255"`
	PasswordHash string    `gorm:"not null"`
	QuotaBytes   *int64    // nil inherits the server default
	UsedBytes    int64     `gorm:"not null;default:0"`
	CreatedAt    time.Time `gorm:"autoCreateTime"`
}

// Organization is a shared namespace with role-based membership. User and
// organization names live in one flat namespace.
type Organization struct {
	ID         uint      `gorm:"primaryKey"`
	Name       string    `gorm:"uniqueIndex;not null;size:255"`
	QuotaBytes *int64    // nil inherits the server default
	UsedBytes  int64     `gorm:"not null;default:0"`
	CreatedAt  time.Time `gorm:"autoCreateTime"`
}

// Member binds a user to an organization with a role.
type Member struct {
	ID             uint   `gorm:"primaryKey"`
	OrganizationID uint   `gorm:"uniqueIndex:idx_member_org_user;not null"`
	UserID         uint   `gorm:"uniqueIndex:idx_member_org_user;not null"`
	Role           Role   `gorm:"not null;size:32"`
}

// Repository identifies a hub repository. NormalizedName folds case and
// separators so that near-duplicate names collide.
type Repository struct {
	ID             uint     `gorm:"primaryKey"`
	RepoType       RepoType `gorm:"uniqueIndex:idx_repo_identity;not null;size:16"`
	Namespace      string   `gorm:"uniqueIndex:idx_repo_identity;not null;size:255"`
	NormalizedName string   `gorm:"uniqueIndex:idx_repo_identity;not null;size:255"`
	Name           string   `gorm:"not null;size:255"`
	Private        bool     `gorm:"not null;default:false"`
	OwnerID        uint     `gorm:"not null"`

	QuotaBytes        *int64 // nil inherits the namespace quota
	UsedBytes         int64  `gorm:"not null;default:0"`
	LFSThresholdBytes *int64 // nil inherits the server default
	LFSKeepVersions   int    `gorm:"not null;default:5"`
	// LFSSuffixRules is a comma-separated list of glob patterns whose
	// matches are forced onto the LFS path regardless of size.
	LFSSuffixRules string `gorm:"size:1024"`

	CreatedAt time.Time `gorm:"autoCreateTime"`
	UpdatedAt time.Time `gorm:"autoUpdateTime"`
}

// FullID is "namespace/name".
func (r *Repository) FullID() string {
	return r.Namespace + "/" + r.Name
}

// File is the metadata row for a path in a repository. One row per
// (repository, path); deletions flip IsDeleted rather than removing the
// row so that attribution history survives.
type File struct {
	ID           uint   `gorm:"primaryKey"`
	RepositoryID uint   `gorm:"uniqueIndex:idx_file_repo_path;not null"`
	PathInRepo   string `gorm:"uniqueIndex:idx_file_repo_path;not null;size:1024"`
	Size         int64  `gorm:"not null"`
	// SHA256 is the hash of the raw content, for LFS and regular files
	// alike. Git object ids are synthesized on demand and never stored.
	SHA256    string    `gorm:"not null;size:64;index"`
	LFS       bool      `gorm:"not null;default:false"`
	IsDeleted bool      `gorm:"not null;default:false"`
	OwnerID   uint      `gorm:"not null"`
	CreatedAt time.Time `gorm:"autoCreateTime"`
	UpdatedAt time.Time `gorm:"autoUpdateTime"`
}

// Commit records attribution for a versioned-store commit. Multiple rows
// may share a versioned-store commit id only in the header-only case.
type Commit struct {
	ID           uint      `gorm:"primaryKey"`
	RepositoryID uint      `gorm:"index:idx_commit_repo;not null"`
	CommitID     string    `gorm:"index:idx_commit_repo_oid;not null;size:64"`
	Branch       string    `gorm:"not null;size:255"`
	UserID       uint      `gorm:"not null"`
	Username     string    `gorm:"not null;size:255"`
	Message      string    `gorm:"not null"`
	Description  string    ``
	CreatedAt    time.Time `gorm:"autoCreateTime"`
}

// LFSObjectHistory records each commit that referenced an LFS object at a
// path. GC trims old versions per (repository, path) from this table.
type LFSObjectHistory struct {
	ID           uint      `gorm:"primaryKey"`
	RepositoryID uint      `gorm:"index:idx_lfs_hist_repo_path;not null"`
	PathInRepo   string    `gorm:"index:idx_lfs_hist_repo_path;not null;size:1024"`
	SHA256       string    `gorm:"not null;size:64;index"`
	Size         int64     `gorm:"not null"`
	CommitID     string    `gorm:"not null;size:64"`
	CreatedAt    time.Time `gorm:"autoCreateTime"`
}

// StagingUpload tracks an in-progress LFS upload. Rows are promoted into
// File rows when the referencing commit succeeds and expire otherwise.
type StagingUpload struct {
	ID           uint      `gorm:"primaryKey"`
	RepositoryID uint      `gorm:"index;not null"`
	SHA256       string    `gorm:"not null;size:64;index"`
	Size         int64     `gorm:"not null"`
	StorageKey   string    `gorm:"not null;size:255"`
	UploadID     string    `gorm:"size:255"` // multipart uploads only
	Verified     bool      `gorm:"not null;default:false"`
	CreatedAt    time.Time `gorm:"autoCreateTime"`
}

// Session is a browser session. The id is random and carried in a cookie.
type Session struct {
	ID        string    `gorm:"primaryKey;size:36"`
	UserID    uint      `gorm:"not null;index"`
	ExpiresAt time.Time `gorm:"not null"`
	CreatedAt time.Time `gorm:"autoCreateTime"`
}

// Token is an API token. Only the SHA3-512 hash of the secret is stored.
type Token struct {
	ID         uint       `gorm:"primaryKey"`
	UserID     uint       `gorm:"not null;index"`
	TokenHash  string     `gorm:"uniqueIndex;not null;size:128"`
	Name       string     `gorm:"size:255"`
	LastUsedAt *time.Time ``
	CreatedAt  time.Time  `gorm:"autoCreateTime"`
}

// DailyRepoStat aggregates unique downloads per repository and day.
// Updates are additive upserts; see pkg/stats.
type DailyRepoStat struct {
	ID           uint   `gorm:"primaryKey"`
	RepositoryID uint   `gorm:"uniqueIndex:idx_stat_repo_date;not null"`
	Date         string `gorm:"uniqueIndex:idx_stat_repo_date;not null;size:10"` // YYYY-MM-DD
	Downloads    int64  `gorm:"not null;default:0"`
}

// GCTaskStatus is the lifecycle of a background GC task.
type GCTaskStatus string

const (
	GCTaskPending   GCTaskStatus = "pending"
	GCTaskRunning   GCTaskStatus = "running"
	GCTaskCompleted GCTaskStatus = "completed"
	GCTaskFailed    GCTaskStatus = "failed"
)

// GCTask queues LFS version trimming for paths touched by a commit.
type GCTask struct {
	ID           uint         `gorm:"primaryKey"`
	RepositoryID uint         `gorm:"index;not null"`
	Paths        string       `gorm:"not null"` // JSON array of paths
	Status       GCTaskStatus `gorm:"not null;default:pending;index"`
	Error        string       ``
	CreatedAt    time.Time    `gorm:"autoCreateTime"`
	StartedAt    *time.Time   ``
	CompletedAt  *time.Time   ``
}

// AllModels lists every model for AutoMigrate.
func AllModels() []any {
	return []any{
		&User{},
		&Organization{},
		&Member{},
		&Repository{},
		&File{},
		&Commit{},
		&LFSObjectHistory{},
		&StagingUpload{},
		&Session{},
		&Token{},
		&DailyRepoStat{},
		&GCTask{},
	}
}

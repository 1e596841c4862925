package db

import (
	"errors"
	"fmt"
	"strings"

	"gorm.io/gorm"
)

// ErrNotFound is returned when a lookup matches no row.
var ErrNotFound = errors.New("not found")

// NormalizeName folds case and separators so that "My-Repo", "my_repo"
// and "my.repo" all collide. Uniqueness within (type, namespace) is
// enforced on this form.
func NormalizeName(name string) string {
	lower := strings.ToLower(name)
	return strings.NewReplacer("-", "", "_", "", ".", "").Replace(lower)
}

// NamespaceExists reports whether name is taken by a user or organization.
func (s *Store) NamespaceExists(name string) (bool, error) {
	var count int64
	if err := s.db.Model(&User{}).Where("name = ?", name).Count(&count).Error; err != nil {
		return false, err
	}
	if count > 0 {
		return true, nil
	}
	if err := s.db.Model(&Organization{}).Where("name = ?", name).Count(&count).Error; err != nil {
		return false, err
	}
	return count > 0, nil
}

// GetUserByName looks up a user account.
func (s *Store) GetUserByName(name string) (*User, error) {
	var u User
	err := s.db.Where("name = ?", name).First(&u).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	return &u, err
}

// GetOrganizationByName looks up an organization.
func (s *Store) GetOrganizationByName(name string) (*Organization, error) {
	var o Organization
	err := s.db.Where("name = ?", name).First(&o).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	return &o, err
}

// MemberRole returns the role of userID in the named organization, or
// ErrNotFound when the user is not a member.
func (s *Store) MemberRole(orgName string, userID uint) (Role, error) {
	org, err := s.GetOrganizationByName(orgName)
	if err != nil {
		return "", err
	}
	var m Member
	err = s.db.Where("organization_id = ? AND user_id = ?", org.ID, userID).First(&m).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", err
	}
	return m.Role, nil
}

// GetRepository finds a repository by its protocol identity. Name matching
// is on the normalized form.
func (s *Store) GetRepository(repoType RepoType, namespace, name string) (*Repository, error) {
	var r Repository
	err := s.db.Where(
		"repo_type = ? AND namespace = ? AND normalized_name = ?",
		repoType, namespace, NormalizeName(name),
	).First(&r).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	return &r, err
}

// CreateRepository inserts the repository row. The caller has already
// checked namespace permissions and created the versioned-store backing.
func (s *Store) CreateRepository(r *Repository) error {
	r.NormalizedName = NormalizeName(r.Name)
	return s.db.Create(r).Error
}

// DeleteRepository removes the repository row and its dependents.
func (s *Store) DeleteRepository(repoID uint) error {
	return s.db.Transaction(func(tx *gorm.DB) error {
		for _, m := range []any{&File{}, &Commit{}, &LFSObjectHistory{}, &StagingUpload{}, &DailyRepoStat{}, &GCTask{}} {
			if err := tx.Where("repository_id = ?", repoID).Delete(m).Error; err != nil {
				return err
			}
		}
		return tx.Delete(&Repository{}, repoID).Error
	})
}

// AddUsedBytes applies an additive delta to the hot used_bytes columns of
// the repository and its owning namespace, avoiding read-modify-write.
func AddUsedBytes(tx *gorm.DB, repo *Repository, delta int64) error {
	if delta == 0 {
		return nil
	}
	if err := tx.Model(&Repository{}).Where("id = ?", repo.ID).
		UpdateColumn("used_bytes", gorm.Expr("used_bytes + ?", delta)).Error; err != nil {
		return err
	}
	res := tx.Model(&User{}).Where("name = ?", repo.Namespace).
		UpdateColumn("used_bytes", gorm.Expr("used_bytes + ?", delta))
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return tx.Model(&Organization{}).Where("name = ?", repo.Namespace).
			UpdateColumn("used_bytes", gorm.Expr("used_bytes + ?", delta)).Error
	}
	return nil
}

// EffectiveQuota resolves the byte quota that applies to the repository:
// repository override, else namespace quota, else the server default.
// Zero means unlimited.
func (s *Store) EffectiveQuota(repo *Repository, serverDefault int64) (int64, error) {
	if repo.QuotaBytes != nil {
		return *repo.QuotaBytes, nil
	}
	if u, err := s.GetUserByName(repo.Namespace); err == nil {
		if u.QuotaBytes != nil {
			return *u.QuotaBytes, nil
		}
		return serverDefault, nil
	} else if !errors.Is(err, ErrNotFound) {
		return 0, err
	}
	if o, err := s.GetOrganizationByName(repo.Namespace); err == nil {
		if o.QuotaBytes != nil {
			return *o.QuotaBytes, nil
		}
		return serverDefault, nil
	} else if !errors.Is(err, ErrNotFound) {
		return 0, err
	}
	return serverDefault, nil
}

// EffectiveLFSThreshold resolves the repo's LFS size cutoff.
func (r *Repository) EffectiveLFSThreshold(serverDefault int64) int64 {
	if r.LFSThresholdBytes != nil {
		return *r.LFSThresholdBytes
	}
	return serverDefault
}

// SuffixRules splits the stored glob list.
func (r *Repository) SuffixRules() []string {
	if r.LFSSuffixRules == "" {
		return nil
	}
	parts := strings.Split(r.LFSSuffixRules, ",")
	rules := parts[:0]
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			rules = append(rules, p)
		}
	}
	return rules
}

// StorageKey is the versioned-store repository key for a hub repository.
func StorageKey(repoType RepoType, namespace, name string) string {
	return fmt.Sprintf("hub-%s-%s-%s", repoType, strings.ToLower(namespace), strings.ToLower(name))
}

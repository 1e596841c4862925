package auth

import (
	"errors"

	"github.com/kohakuhub/kohakuhub/pkg/db"
)

// Permission levels, from the role matrix: owners of a user namespace get
// everything; organization visitors read, members write, admins delete;
// anonymous callers read public repositories only.

// CanRead reports whether the identity may read the repository.
func (a *Authenticator) CanRead(id *Identity, repo *db.Repository) (bool, error) {
	if !repo.Private {
		return true, nil
	}
	return a.namespaceRole(id, repo.Namespace, db.RoleVisitor)
}

// CanWrite reports whether the identity may mutate repository contents.
func (a *Authenticator) CanWrite(id *Identity, repo *db.Repository) (bool, error) {
	return a.namespaceRole(id, repo.Namespace, db.RoleMember)
}

// CanDelete reports whether the identity may delete the repository.
func (a *Authenticator) CanDelete(id *Identity, repo *db.Repository) (bool, error) {
	return a.namespaceRole(id, repo.Namespace, db.RoleAdmin)
}

// CanWriteNamespace reports whether the identity may create repositories
// under the namespace.
func (a *Authenticator) CanWriteNamespace(id *Identity, namespace string) (bool, error) {
	return a.namespaceRole(id, namespace, db.RoleMember)
}

func (a *Authenticator) namespaceRole(id *Identity, namespace string, want db.Role) (bool, error) {
	if id.Anonymous() {
		return false, nil
	}
	if id.User.Name == namespace {
		return true, nil
	}
	role, err := a.store.MemberRole(namespace, id.User.ID)
	if errors.Is(err, db.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return role.AtLeast(want), nil
}

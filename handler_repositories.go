package kohakuhub

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/mux"

	"github.com/kohakuhub/kohakuhub/pkg/api"
	"github.com/kohakuhub/kohakuhub/pkg/auth"
	"github.com/kohakuhub/kohakuhub/pkg/db"
	"github.com/kohakuhub/kohakuhub/pkg/versioned"
)

type createRepoRequest struct {
	Type         string `json:"type"`
	Name         string `json:"name"`
	Organization string `json:"organization,omitempty"`
	Private      bool   `json:"private"`
}

type createRepoResponse struct {
	URL    string `json:"url"`
	RepoID string `json:"repo_id"`
}

type deleteRepoRequest struct {
	Type         string `json:"type"`
	Name         string `json:"name"`
	Organization string `json:"organization,omitempty"`
}

// handleCreateRepo handles POST /api/repos/create
func (h *Handler) handleCreateRepo(w http.ResponseWriter, r *http.Request) {
	var req createRepoRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		api.WriteError(w, api.Errf(api.CodeBadRequest, "invalid request body: %v", err))
		return
	}
	if req.Type == "" {
		req.Type = string(db.RepoTypeModel)
	}
	t := db.RepoType(req.Type)
	if !t.IsValid() {
		api.WriteError(w, api.Errf(api.CodeBadRequest, "unknown repository type %q", req.Type))
		return
	}
	if err := validateRepoName(req.Name); err != nil {
		api.WriteError(w, err)
		return
	}

	id := auth.FromContext(r.Context())
	if id.Anonymous() {
		unauthorized(w)
		return
	}
	namespace := req.Organization
	if namespace == "" {
		namespace = id.User.Name
	}
	ok, err := h.auth.CanWriteNamespace(id, namespace)
	if err != nil {
		api.WriteError(w, err)
		return
	}
	if !ok {
		api.WriteError(w, api.Errf(api.CodeGatedRepo, "not allowed to create repositories under %s", namespace))
		return
	}

	// Repository names share the flat namespace with users and orgs.
	if taken, err := h.store.NamespaceExists(req.Name); err != nil {
		api.WriteError(w, err)
		return
	} else if taken && req.Name != namespace {
		api.WriteError(w, api.Errf(api.CodeRepoExists, "name %q collides with an existing namespace", req.Name))
		return
	}
	if _, err := h.store.GetRepository(t, namespace, req.Name); err == nil {
		api.WriteError(w, api.Errf(api.CodeRepoExists, "repository %s/%s already exists", namespace, req.Name))
		return
	} else if !errors.Is(err, db.ErrNotFound) {
		api.WriteError(w, err)
		return
	}

	repoKey := db.StorageKey(t, namespace, req.Name)
	if err := h.versioned.CreateRepository(r.Context(), repoKey, gitDefaultBranch); err != nil && !errors.Is(err, versioned.ErrRepoExists) {
		api.WriteError(w, err)
		return
	}

	repo := &db.Repository{
		RepoType:  t,
		Namespace: namespace,
		Name:      req.Name,
		Private:   req.Private,
		OwnerID:   id.User.ID,
	}
	if err := h.store.CreateRepository(repo); err != nil {
		api.WriteError(w, err)
		return
	}

	api.WriteJSON(w, http.StatusCreated, createRepoResponse{
		URL:    h.cfg.BaseURL + "/" + repoURLPath(repo),
		RepoID: repo.FullID(),
	})
}

// handleDeleteRepo handles DELETE /api/repos/delete
func (h *Handler) handleDeleteRepo(w http.ResponseWriter, r *http.Request) {
	var req deleteRepoRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		api.WriteError(w, api.Errf(api.CodeBadRequest, "invalid request body: %v", err))
		return
	}
	if req.Type == "" {
		req.Type = string(db.RepoTypeModel)
	}
	t := db.RepoType(req.Type)
	if !t.IsValid() {
		api.WriteError(w, api.Errf(api.CodeBadRequest, "unknown repository type %q", req.Type))
		return
	}

	id := auth.FromContext(r.Context())
	if id.Anonymous() {
		unauthorized(w)
		return
	}
	namespace := req.Organization
	if namespace == "" {
		namespace = id.User.Name
	}

	repo, err := h.store.GetRepository(t, namespace, req.Name)
	if errors.Is(err, db.ErrNotFound) {
		api.WriteError(w, api.Errf(api.CodeRepoNotFound, "repository %s/%s not found", namespace, req.Name))
		return
	}
	if err != nil {
		api.WriteError(w, err)
		return
	}

	ok, err := h.auth.CanDelete(id, repo)
	if err != nil {
		api.WriteError(w, err)
		return
	}
	if !ok {
		api.WriteError(w, api.Errf(api.CodeGatedRepo, "delete access to %s denied", repo.FullID()))
		return
	}

	if err := h.versioned.DeleteRepository(r.Context(), h.repoKey(repo)); err != nil && !errors.Is(err, versioned.ErrRepoNotFound) {
		api.WriteError(w, err)
		return
	}
	if err := h.store.DeleteRepository(repo.ID); err != nil {
		api.WriteError(w, err)
		return
	}
	api.WriteJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

type repoInfoResponse struct {
	ID           string    `json:"id"`
	Author       string    `json:"author"`
	Private      bool      `json:"private"`
	SHA          string    `json:"sha"`
	LastModified time.Time `json:"lastModified"`
	CreatedAt    time.Time `json:"createdAt"`
	Downloads    int64     `json:"downloads"`
	UsedStorage  int64     `json:"usedStorage"`
	Siblings     []sibling `json:"siblings"`
}

type sibling struct {
	RFilename string `json:"rfilename"`
	Size      int64  `json:"size,omitempty"`
}

// handleRepoInfo handles GET /api/{type}s/{namespace}/{name}
func (h *Handler) handleRepoInfo(w http.ResponseWriter, r *http.Request) {
	h.writeRepoInfo(w, r, gitDefaultBranch)
}

// handleRevisionInfo handles GET /api/{type}s/{namespace}/{name}/revision/{revision}
func (h *Handler) handleRevisionInfo(w http.ResponseWriter, r *http.Request) {
	h.writeRepoInfo(w, r, mux.Vars(r)["revision"])
}

func (h *Handler) writeRepoInfo(w http.ResponseWriter, r *http.Request, revision string) {
	repo, _, err := h.repoFromRequest(r)
	if err != nil {
		api.WriteError(w, err)
		return
	}

	sha, err := h.versioned.BranchHead(r.Context(), h.repoKey(repo), revision)
	if err != nil {
		// A tag or commit id is also a valid revision.
		if info, cerr := h.versioned.GetCommit(r.Context(), h.repoKey(repo), revision); cerr == nil {
			sha = info.ID
		} else {
			api.WriteError(w, api.Errf(api.CodeRevisionNotFound, "revision %s not found", revision))
			return
		}
	}

	files, err := h.store.ListLiveFiles(repo.ID)
	if err != nil {
		api.WriteError(w, err)
		return
	}
	siblings := make([]sibling, 0, len(files))
	for i := range files {
		siblings = append(siblings, sibling{RFilename: files[i].PathInRepo, Size: files[i].Size})
	}

	var downloads int64
	if err := h.store.DB().Model(&db.DailyRepoStat{}).
		Where("repository_id = ?", repo.ID).
		Select("COALESCE(SUM(downloads), 0)").Scan(&downloads).Error; err != nil {
		api.WriteError(w, err)
		return
	}

	api.WriteJSON(w, http.StatusOK, repoInfoResponse{
		ID:           repo.FullID(),
		Author:       repo.Namespace,
		Private:      repo.Private,
		SHA:          sha,
		LastModified: repo.UpdatedAt,
		CreatedAt:    repo.CreatedAt,
		Downloads:    downloads,
		UsedStorage:  repo.UsedBytes,
		Siblings:     siblings,
	})
}

// handleValidateYAML handles POST /api/validate-yaml
// huggingface_hub calls this to validate README front matter; the hub
// accepts everything.
func (h *Handler) handleValidateYAML(w http.ResponseWriter, r *http.Request) {
	api.WriteJSON(w, http.StatusOK, struct {
		Errors   []string `json:"errors"`
		Warnings []string `json:"warnings"`
	}{
		Errors:   []string{},
		Warnings: []string{},
	})
}

type refRequest struct {
	Branch   string `json:"branch,omitempty"`
	Tag      string `json:"tag,omitempty"`
	Revision string `json:"revision,omitempty"`
	Message  string `json:"message,omitempty"`
}

// handleCreateBranch handles POST /api/{type}s/{namespace}/{name}/branch
func (h *Handler) handleCreateBranch(w http.ResponseWriter, r *http.Request) {
	repo, _, err := h.requireWrite(r)
	if err != nil {
		api.WriteError(w, err)
		return
	}
	var req refRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Branch == "" {
		api.WriteError(w, api.Errf(api.CodeBadRequest, "branch name is required"))
		return
	}
	source := req.Revision
	if source == "" {
		source = gitDefaultBranch
	}
	if err := h.versioned.CreateBranch(r.Context(), h.repoKey(repo), req.Branch, source); err != nil {
		api.WriteError(w, mapRefError(err, source))
		return
	}
	api.WriteJSON(w, http.StatusOK, map[string]string{"ref": "refs/heads/" + req.Branch})
}

// handleDeleteBranch handles DELETE /api/{type}s/{namespace}/{name}/branch/{branch}
func (h *Handler) handleDeleteBranch(w http.ResponseWriter, r *http.Request) {
	repo, _, err := h.requireWrite(r)
	if err != nil {
		api.WriteError(w, err)
		return
	}
	branch := mux.Vars(r)["branch"]
	if branch == gitDefaultBranch {
		api.WriteError(w, api.Errf(api.CodeBadRequest, "cannot delete the default branch"))
		return
	}
	if err := h.versioned.DeleteBranch(r.Context(), h.repoKey(repo), branch); err != nil {
		api.WriteError(w, mapRefError(err, branch))
		return
	}
	api.WriteJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

// handleCreateTag handles POST /api/{type}s/{namespace}/{name}/tag
func (h *Handler) handleCreateTag(w http.ResponseWriter, r *http.Request) {
	repo, _, err := h.requireWrite(r)
	if err != nil {
		api.WriteError(w, err)
		return
	}
	var req refRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Tag == "" {
		api.WriteError(w, api.Errf(api.CodeBadRequest, "tag name is required"))
		return
	}
	ref := req.Revision
	if ref == "" {
		ref = gitDefaultBranch
	}
	commitID, err := h.versioned.CreateTag(r.Context(), h.repoKey(repo), req.Tag, ref)
	if err != nil {
		if errors.Is(err, versioned.ErrTagImmutable) {
			api.WriteError(w, api.Errf(api.CodeConflict, "tag %s already exists", req.Tag))
			return
		}
		api.WriteError(w, mapRefError(err, ref))
		return
	}
	api.WriteJSON(w, http.StatusOK, map[string]string{"ref": "refs/tags/" + req.Tag, "sha": commitID})
}

// handleDeleteTag handles DELETE /api/{type}s/{namespace}/{name}/tag/{tag}
func (h *Handler) handleDeleteTag(w http.ResponseWriter, r *http.Request) {
	repo, _, err := h.requireWrite(r)
	if err != nil {
		api.WriteError(w, err)
		return
	}
	tag := mux.Vars(r)["tag"]
	if err := h.versioned.DeleteTag(r.Context(), h.repoKey(repo), tag); err != nil {
		api.WriteError(w, mapRefError(err, tag))
		return
	}
	api.WriteJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

func mapRefError(err error, ref string) error {
	switch {
	case errors.Is(err, versioned.ErrRefNotFound):
		return api.Errf(api.CodeRevisionNotFound, "revision %s not found", ref)
	case errors.Is(err, versioned.ErrRepoNotFound):
		return api.Errf(api.CodeRepoNotFound, "repository not found")
	case errors.Is(err, versioned.ErrCommitConflict):
		return api.Errf(api.CodeConflict, "ref %s already exists", ref)
	default:
		return err
	}
}

func validateRepoName(name string) error {
	if name == "" {
		return api.Errf(api.CodeBadRequest, "repository name is required")
	}
	if len(name) > 96 {
		return api.Errf(api.CodeBadRequest, "repository name exceeds 96 characters")
	}
	if strings.ContainsAny(name, "/\\ ") {
		return api.Errf(api.CodeBadRequest, "invalid repository name %q", name)
	}
	for _, r := range name {
		valid := r == '-' || r == '_' || r == '.' ||
			(r >= '0' && r <= '9') || (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z')
		if !valid {
			return api.Errf(api.CodeBadRequest, "invalid repository name %q", name)
		}
	}
	return nil
}

func unauthorized(w http.ResponseWriter) {
	w.Header().Set("WWW-Authenticate", fmt.Sprintf("Basic realm=%q", "kohakuhub"))
	http.Error(w, "Unauthorized", http.StatusUnauthorized)
}

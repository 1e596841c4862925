// Package kohakuhub provides the HTTP handler serving the hub: the
// HuggingFace-compatible REST API, the Git Smart HTTP transport, and the
// Git LFS Batch API, all over one shared namespace.
package kohakuhub

import (
	"errors"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/kohakuhub/kohakuhub/pkg/api"
	"github.com/kohakuhub/kohakuhub/pkg/auth"
	"github.com/kohakuhub/kohakuhub/pkg/blob"
	"github.com/kohakuhub/kohakuhub/pkg/commitengine"
	"github.com/kohakuhub/kohakuhub/pkg/config"
	"github.com/kohakuhub/kohakuhub/pkg/db"
	"github.com/kohakuhub/kohakuhub/pkg/gitserver"
	"github.com/kohakuhub/kohakuhub/pkg/stats"
	"github.com/kohakuhub/kohakuhub/pkg/versioned"
)

// Handler handles HTTP requests for the hub.
type Handler struct {
	cfg       *config.Config
	store     *db.Store
	auth      *auth.Authenticator
	blobs     blob.Store
	versioned versioned.Store
	engine    *commitengine.Engine
	synth     *gitserver.Synthesizer
	tracker   *stats.Tracker

	router *mux.Router
}

// Option configures a Handler.
type Option func(*Handler)

// WithStats attaches a download tracker. Without one, download counts are
// not recorded.
func WithStats(t *stats.Tracker) Option {
	return func(h *Handler) { h.tracker = t }
}

// NewHandler wires the full route table.
func NewHandler(cfg *config.Config, store *db.Store, vs versioned.Store, blobs blob.Store, opts ...Option) *Handler {
	h := &Handler{
		cfg:       cfg,
		store:     store,
		auth:      auth.New(store),
		blobs:     blobs,
		versioned: vs,
	}
	for _, opt := range opts {
		opt(h)
	}
	h.engine = commitengine.New(store, vs, blobs, cfg.BlobBucket, cfg.LFSThresholdBytes, cfg.DefaultQuotaBytes, cfg.LFSAutoGC)
	h.synth = gitserver.NewSynthesizer(store, vs)

	r := mux.NewRouter()

	// Repository management.
	r.HandleFunc("/api/repos/create", h.handleCreateRepo).Methods("POST")
	r.HandleFunc("/api/repos/delete", h.handleDeleteRepo).Methods("DELETE")
	r.HandleFunc("/api/validate-yaml", h.handleValidateYAML).Methods("POST")

	// HuggingFace-compatible API. {type} is the plural URL segment.
	typed := "/api/{type:models|datasets|spaces}/{namespace}/{name}"
	r.HandleFunc(typed, h.handleRepoInfo).Methods("GET")
	r.HandleFunc(typed+"/revision/{revision}", h.handleRevisionInfo).Methods("GET")
	r.HandleFunc(typed+"/preupload/{revision}", h.handlePreupload).Methods("POST")
	r.HandleFunc(typed+"/commit/{revision}", h.handleCommit).Methods("POST")
	r.HandleFunc(typed+"/tree/{revision}", h.handleTree).Methods("GET")
	r.HandleFunc(typed+"/tree/{revision}/{path:.*}", h.handleTree).Methods("GET")
	r.HandleFunc(typed+"/paths-info/{revision}", h.handlePathsInfo).Methods("POST")
	r.HandleFunc(typed+"/branch", h.handleCreateBranch).Methods("POST")
	r.HandleFunc(typed+"/branch/{branch}", h.handleDeleteBranch).Methods("DELETE")
	r.HandleFunc(typed+"/tag", h.handleCreateTag).Methods("POST")
	r.HandleFunc(typed+"/tag/{tag}", h.handleDeleteTag).Methods("DELETE")

	// Resolve and commit listing, typed and un-typed (models default).
	r.HandleFunc("/{type:models|datasets|spaces}/{namespace}/{name}/resolve/{revision}/{path:.*}", h.handleResolve).Methods("GET", "HEAD")
	r.HandleFunc("/{namespace}/{name}/resolve/{revision}/{path:.*}", h.handleResolve).Methods("GET", "HEAD")
	r.HandleFunc("/{type:models|datasets|spaces}/{namespace}/{name}/commits/{revision}", h.handleListCommits).Methods("GET")
	r.HandleFunc("/{namespace}/{name}/commits/{revision}", h.handleListCommits).Methods("GET")

	// Git LFS Batch API. Datasets and spaces carry their type segment in
	// the LFS repo path the same way the Git remote URL does.
	for _, prefix := range []string{"", "/{type:datasets|spaces}"} {
		r.HandleFunc(prefix+"/{namespace}/{name}.git/info/lfs/objects/batch", h.handleLFSBatch).Methods("POST")
		r.HandleFunc("/api"+prefix+"/{namespace}/{name}.git/info/lfs/verify", h.handleLFSVerify).Methods("POST")
		r.HandleFunc("/api"+prefix+"/{namespace}/{name}.git/info/lfs/complete-multipart", h.handleLFSCompleteMultipart).Methods("POST")
	}

	// Git Smart HTTP.
	for _, prefix := range []string{"", "/{type:datasets|spaces}"} {
		r.HandleFunc(prefix+"/{namespace}/{name}.git/info/refs", h.handleGitInfoRefs).Methods("GET")
		r.HandleFunc(prefix+"/{namespace}/{name}.git/git-upload-pack", h.handleGitUploadPack).Methods("POST")
		r.HandleFunc(prefix+"/{namespace}/{name}.git/git-receive-pack", h.handleGitReceivePack).Methods("POST")
		r.HandleFunc(prefix+"/{namespace}/{name}.git/HEAD", h.handleGitHead).Methods("GET")
	}

	h.router = r
	return h
}

// ServeHTTP implements the http.Handler interface.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.auth.Middleware(h.router).ServeHTTP(w, r)
}

// repoType maps the plural URL segment onto the repo type; a missing
// segment means model.
func repoType(vars map[string]string) (db.RepoType, bool) {
	seg, ok := vars["type"]
	if !ok || seg == "" {
		return db.RepoTypeModel, true
	}
	t := db.RepoType(seg[:len(seg)-1]) // strip the plural "s"
	return t, t.IsValid()
}

// repoFromRequest resolves the repository named by the route and checks
// read permission for the current identity.
func (h *Handler) repoFromRequest(r *http.Request) (*db.Repository, *auth.Identity, error) {
	vars := mux.Vars(r)
	t, ok := repoType(vars)
	if !ok {
		return nil, nil, api.Errf(api.CodeBadRequest, "unknown repository type")
	}
	repo, err := h.store.GetRepository(t, vars["namespace"], vars["name"])
	if errors.Is(err, db.ErrNotFound) {
		return nil, nil, api.Errf(api.CodeRepoNotFound, "repository %s/%s not found", vars["namespace"], vars["name"])
	}
	if err != nil {
		return nil, nil, err
	}

	id := auth.FromContext(r.Context())
	canRead, err := h.auth.CanRead(id, repo)
	if err != nil {
		return nil, nil, err
	}
	if !canRead {
		// Hide the existence of private repositories.
		return nil, nil, api.Errf(api.CodeRepoNotFound, "repository %s/%s not found", vars["namespace"], vars["name"])
	}
	return repo, id, nil
}

// requireWrite resolves the repo and additionally checks write permission.
func (h *Handler) requireWrite(r *http.Request) (*db.Repository, *auth.Identity, error) {
	repo, id, err := h.repoFromRequest(r)
	if err != nil {
		return nil, nil, err
	}
	canWrite, err := h.auth.CanWrite(id, repo)
	if err != nil {
		return nil, nil, err
	}
	if !canWrite {
		return nil, nil, api.Errf(api.CodeGatedRepo, "write access to %s denied", repo.FullID())
	}
	return repo, id, nil
}

func (h *Handler) repoKey(repo *db.Repository) string {
	return db.StorageKey(repo.RepoType, repo.Namespace, repo.Name)
}

// repoURLPath is the repo's path segment under the base URL, with the
// type prefix for non-model repositories.
func repoURLPath(repo *db.Repository) string {
	if repo.RepoType == db.RepoTypeModel {
		return repo.FullID()
	}
	return repo.RepoType.Plural() + "/" + repo.FullID()
}

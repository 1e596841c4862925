package kohakuhub

import (
	"compress/gzip"
	"errors"
	"io"
	"log"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/kohakuhub/kohakuhub/pkg/auth"
	"github.com/kohakuhub/kohakuhub/pkg/db"
	"github.com/kohakuhub/kohakuhub/pkg/gitserver"
)

const gitDefaultBranch = gitserver.DefaultBranch

// gitRepo resolves the repository for a Git endpoint. Unlike the REST
// surface, missing credentials on a private repo yield 401 so that git can
// prompt; bad permission yields 403.
func (h *Handler) gitRepo(w http.ResponseWriter, r *http.Request) (*db.Repository, bool) {
	vars := mux.Vars(r)
	t, ok := repoType(vars)
	if !ok {
		http.NotFound(w, r)
		return nil, false
	}
	repo, err := h.store.GetRepository(t, vars["namespace"], vars["name"])
	if errors.Is(err, db.ErrNotFound) {
		http.NotFound(w, r)
		return nil, false
	}
	if err != nil {
		http.Error(w, "Internal error", http.StatusInternalServerError)
		return nil, false
	}

	id := auth.FromContext(r.Context())
	canRead, err := h.auth.CanRead(id, repo)
	if err != nil {
		http.Error(w, "Internal error", http.StatusInternalServerError)
		return nil, false
	}
	if !canRead {
		if id.Anonymous() {
			unauthorized(w)
		} else {
			http.Error(w, "Forbidden", http.StatusForbidden)
		}
		return nil, false
	}
	return repo, true
}

// handleGitInfoRefs handles GET /{namespace}/{name}.git/info/refs
func (h *Handler) handleGitInfoRefs(w http.ResponseWriter, r *http.Request) {
	service := r.URL.Query().Get("service")
	if service == "" {
		http.Error(w, "service parameter is required", http.StatusBadRequest)
		return
	}
	if service != gitserver.UploadPackService {
		http.Error(w, "unsupported service", http.StatusForbidden)
		return
	}

	repo, ok := h.gitRepo(w, r)
	if !ok {
		return
	}
	synth, err := h.synth.Synthesize(r.Context(), repo)
	if err != nil {
		log.Printf("git: synthesize %s: %v", repo.FullID(), err)
		http.Error(w, "Internal error", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/x-git-upload-pack-advertisement")
	w.Header().Set("Cache-Control", "no-cache")
	if err := gitserver.WriteAdvertisement(w, synth); err != nil {
		log.Printf("git: advertise %s: %v", repo.FullID(), err)
	}
}

// handleGitUploadPack handles POST /{namespace}/{name}.git/git-upload-pack
func (h *Handler) handleGitUploadPack(w http.ResponseWriter, r *http.Request) {
	repo, ok := h.gitRepo(w, r)
	if !ok {
		return
	}

	var body io.Reader = r.Body
	if r.Header.Get("Content-Encoding") == "gzip" {
		gz, err := gzip.NewReader(r.Body)
		if err != nil {
			http.Error(w, "Failed to decompress request body", http.StatusBadRequest)
			return
		}
		defer func() { _ = gz.Close() }()
		body = gz
	}

	synth, err := h.synth.Synthesize(r.Context(), repo)
	if err != nil {
		log.Printf("git: synthesize %s: %v", repo.FullID(), err)
		http.Error(w, "Internal error", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/x-git-upload-pack-result")
	w.Header().Set("Cache-Control", "no-cache")
	if err := gitserver.ServeUploadPack(w, body, synth); err != nil {
		// Headers are gone; the error already went out on side-band
		// channel 3 where possible.
		log.Printf("git: upload-pack %s: %v", repo.FullID(), err)
	}
}

// handleGitHead handles GET /{namespace}/{name}.git/HEAD
func (h *Handler) handleGitHead(w http.ResponseWriter, r *http.Request) {
	if _, ok := h.gitRepo(w, r); !ok {
		return
	}
	w.Header().Set("Content-Type", "text/plain")
	_, _ = w.Write([]byte("ref: refs/heads/" + gitDefaultBranch + "\n"))
}

// handleGitReceivePack handles POST /{namespace}/{name}.git/git-receive-pack
//
// Push goes through the REST commit endpoint and LFS, never the Git
// transport.
func (h *Handler) handleGitReceivePack(w http.ResponseWriter, r *http.Request) {
	http.Error(w, "git-receive-pack is not supported; push via the API", http.StatusForbidden)
}

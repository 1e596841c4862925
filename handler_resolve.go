package kohakuhub

import (
	"errors"
	"fmt"
	"log"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/mux"

	"github.com/kohakuhub/kohakuhub/pkg/api"
	"github.com/kohakuhub/kohakuhub/pkg/blob"
	"github.com/kohakuhub/kohakuhub/pkg/db"
	"github.com/kohakuhub/kohakuhub/pkg/versioned"
)

// downloadExpiry is how long presigned download URLs stay valid.
const downloadExpiry = time.Hour

// handleResolve handles GET/HEAD /{type}s/{namespace}/{name}/resolve/{revision}/{path}
//
// HEAD returns the file's metadata in headers; GET redirects to a
// presigned blob-store URL. Bytes never flow through the hub.
func (h *Handler) handleResolve(w http.ResponseWriter, r *http.Request) {
	repo, id, err := h.repoFromRequest(r)
	if err != nil {
		api.WriteError(w, err)
		return
	}
	vars := mux.Vars(r)
	revision, path := vars["revision"], vars["path"]

	info, err := h.versioned.StatObject(r.Context(), h.repoKey(repo), revision, path)
	if err != nil {
		api.WriteError(w, mapPathError(err, revision, path))
		return
	}

	commitID, err := h.versioned.BranchHead(r.Context(), h.repoKey(repo), revision)
	if err != nil {
		// The revision itself may be a commit id or tag.
		commitID = revision
	}

	var row *db.File
	if f, err := h.store.GetLiveFile(repo.ID, path); err == nil {
		row = f
	}

	w.Header().Set("ETag", fmt.Sprintf("%q", info.Checksum))
	w.Header().Set("X-Repo-Commit", commitID)
	w.Header().Set("Content-Length", strconv.FormatInt(info.Size, 10))
	w.Header().Set("Accept-Ranges", "bytes")
	if row != nil && row.LFS {
		w.Header().Set("X-Linked-Etag", fmt.Sprintf("%q", row.SHA256))
		w.Header().Set("X-Linked-Size", strconv.FormatInt(row.Size, 10))
	}

	if r.Method == http.MethodHead {
		w.WriteHeader(http.StatusOK)
		return
	}

	var href string
	if row != nil && row.LFS {
		href, err = h.blobs.SignGet(blob.LFSKey(row.SHA256), downloadExpiry)
	} else {
		href, err = h.presignAddress(info.PhysicalAddress)
	}
	if err != nil {
		api.WriteError(w, err)
		return
	}

	if h.tracker != nil {
		if err := h.tracker.Record(id.Principal(), repo.ID); err != nil {
			log.Printf("stats: record download for repo %d: %v", repo.ID, err)
		}
	}

	http.Redirect(w, r, href, http.StatusFound)
}

// presignAddress signs a download for a physical address of the form
// scheme://bucket/key.
func (h *Handler) presignAddress(addr string) (string, error) {
	i := strings.Index(addr, "://")
	if i < 0 {
		return "", fmt.Errorf("unresolvable physical address %q", addr)
	}
	rest := addr[i+3:]
	j := strings.IndexByte(rest, '/')
	if j < 0 {
		return "", fmt.Errorf("unresolvable physical address %q", addr)
	}
	return h.blobs.SignGet(rest[j+1:], downloadExpiry)
}

func mapPathError(err error, revision, path string) error {
	switch {
	case errors.Is(err, versioned.ErrRepoNotFound):
		return api.Errf(api.CodeRepoNotFound, "repository not found")
	case errors.Is(err, versioned.ErrRefNotFound):
		return api.Errf(api.CodeRevisionNotFound, "revision %s not found", revision)
	case errors.Is(err, versioned.ErrPathNotFound):
		return api.Errf(api.CodeEntryNotFound, "path %s not found", path)
	default:
		return err
	}
}

type commitEntry struct {
	ID      string    `json:"id"`
	Title   string    `json:"title"`
	Message string    `json:"message"`
	Author  string    `json:"author"`
	Date    time.Time `json:"date"`
}

type listCommitsResponse struct {
	Commits    []commitEntry `json:"commits"`
	HasMore    bool          `json:"hasMore"`
	NextCursor string        `json:"nextCursor,omitempty"`
}

// handleListCommits handles GET /{type}s/{namespace}/{name}/commits/{revision}?limit&after
func (h *Handler) handleListCommits(w http.ResponseWriter, r *http.Request) {
	repo, _, err := h.repoFromRequest(r)
	if err != nil {
		api.WriteError(w, err)
		return
	}
	vars := mux.Vars(r)
	limit := 20
	if s := r.URL.Query().Get("limit"); s != "" {
		if n, err := strconv.Atoi(s); err == nil && n > 0 && n <= 100 {
			limit = n
		}
	}

	infos, next, err := h.versioned.ListCommits(r.Context(), h.repoKey(repo), vars["revision"], r.URL.Query().Get("after"), limit)
	if err != nil {
		api.WriteError(w, mapRefError(err, vars["revision"]))
		return
	}

	entries := make([]commitEntry, 0, len(infos))
	for i := range infos {
		info := &infos[i]
		entry := commitEntry{
			ID:      info.ID,
			Title:   firstLine(info.Message),
			Message: info.Message,
			Author:  info.Metadata["author"],
			Date:    info.CreationDate,
		}
		if row, err := h.store.GetCommitByOID(repo.ID, info.ID); err == nil {
			entry.Author = row.Username
			if row.Description != "" {
				entry.Message = row.Message + "\n\n" + row.Description
			}
		}
		entries = append(entries, entry)
	}
	api.WriteJSON(w, http.StatusOK, listCommitsResponse{
		Commits:    entries,
		HasMore:    next != "",
		NextCursor: next,
	})
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}

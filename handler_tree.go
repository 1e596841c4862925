package kohakuhub

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/gorilla/mux"

	"github.com/kohakuhub/kohakuhub/pkg/api"
	"github.com/kohakuhub/kohakuhub/pkg/db"
	"github.com/kohakuhub/kohakuhub/pkg/versioned"
)

type treeLFS struct {
	OID         string `json:"oid"`
	Size        int64  `json:"size"`
	PointerSize int    `json:"pointerSize"`
}

type treeEntry struct {
	Type string   `json:"type"` // "file" or "directory"
	OID  string   `json:"oid"`
	Size int64    `json:"size"`
	Path string   `json:"path"`
	LFS  *treeLFS `json:"lfs,omitempty"`
}

// handleTree handles GET /api/{type}s/{namespace}/{name}/tree/{revision}/{path}
func (h *Handler) handleTree(w http.ResponseWriter, r *http.Request) {
	repo, _, err := h.repoFromRequest(r)
	if err != nil {
		api.WriteError(w, err)
		return
	}
	vars := mux.Vars(r)
	revision := vars["revision"]
	prefix := vars["path"]
	if prefix != "" && !strings.HasSuffix(prefix, "/") {
		prefix += "/"
	}
	recursive := r.URL.Query().Has("recursive")

	var entries []treeEntry
	after := ""
	for {
		infos, next, err := h.versioned.ListObjects(r.Context(), h.repoKey(repo), revision, prefix, after, 1000, recursive)
		if err != nil {
			api.WriteError(w, mapRefError(err, revision))
			return
		}
		for i := range infos {
			entries = append(entries, h.treeEntry(repo, &infos[i]))
		}
		if next == "" {
			break
		}
		after = next
	}
	if entries == nil {
		entries = []treeEntry{}
	}
	api.WriteJSON(w, http.StatusOK, entries)
}

func (h *Handler) treeEntry(repo *db.Repository, info *versioned.ObjectInfo) treeEntry {
	if info.IsDir() {
		return treeEntry{
			Type: "directory",
			Path: strings.TrimSuffix(info.Path, "/"),
		}
	}
	entry := treeEntry{
		Type: "file",
		OID:  info.Checksum,
		Size: info.Size,
		Path: info.Path,
	}
	if row, err := h.store.GetLiveFile(repo.ID, info.Path); err == nil && row.LFS {
		entry.LFS = &treeLFS{
			OID:         row.SHA256,
			Size:        row.Size,
			PointerSize: pointerSize(row.SHA256, row.Size),
		}
	}
	return entry
}

type pathsInfoRequest struct {
	Paths []string `json:"paths"`
}

// handlePathsInfo handles POST /api/{type}s/{namespace}/{name}/paths-info/{revision}
//
// Unknown paths are omitted from the response; they do not fail the call.
func (h *Handler) handlePathsInfo(w http.ResponseWriter, r *http.Request) {
	repo, _, err := h.repoFromRequest(r)
	if err != nil {
		api.WriteError(w, err)
		return
	}
	var req pathsInfoRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		api.WriteError(w, api.Errf(api.CodeBadRequest, "invalid request body: %v", err))
		return
	}
	revision := mux.Vars(r)["revision"]

	entries := []treeEntry{}
	for _, p := range req.Paths {
		p = strings.Trim(p, "/")
		if p == "" {
			continue
		}
		info, err := h.versioned.StatObject(r.Context(), h.repoKey(repo), revision, p)
		if err == nil {
			entries = append(entries, h.treeEntry(repo, info))
			continue
		}
		if errors.Is(err, versioned.ErrRefNotFound) {
			api.WriteError(w, api.Errf(api.CodeRevisionNotFound, "revision %s not found", revision))
			return
		}
		if !errors.Is(err, versioned.ErrPathNotFound) {
			api.WriteError(w, err)
			return
		}
		// Not a file; report it as a directory when children exist.
		children, _, err := h.versioned.ListObjects(r.Context(), h.repoKey(repo), revision, p+"/", "", 1, true)
		if err == nil && len(children) > 0 {
			entries = append(entries, treeEntry{Type: "directory", Path: p})
		}
	}
	api.WriteJSON(w, http.StatusOK, entries)
}

func pointerSize(oid string, size int64) int {
	n := len("version https://git-lfs.github.com/spec/v1\n") +
		len("oid sha256:") + len(oid) + 1 +
		len("size ") + 2 // first digit and trailing newline
	for v := size; v >= 10; v /= 10 {
		n++
	}
	return n
}

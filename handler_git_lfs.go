package kohakuhub

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/kohakuhub/kohakuhub/pkg/api"
	"github.com/kohakuhub/kohakuhub/pkg/blob"
	"github.com/kohakuhub/kohakuhub/pkg/db"
)

const (
	lfsContentMediaType = "application/vnd.git-lfs"
	lfsMetaMediaType    = lfsContentMediaType + "+json"

	// lfsUploadExpiry bounds presigned upload URLs.
	lfsUploadExpiry = 15 * time.Minute
)

type lfsBatchRequest struct {
	Operation string          `json:"operation"`
	Transfers []string        `json:"transfers,omitempty"`
	Objects   []lfsObjectSpec `json:"objects"`
}

type lfsObjectSpec struct {
	OID  string `json:"oid"`
	Size int64  `json:"size"`
}

type lfsBatchResponse struct {
	Transfer string               `json:"transfer,omitempty"`
	Objects  []*lfsRepresentation `json:"objects"`
}

// lfsRepresentation is object metadata as seen by clients of the LFS
// server. An upload entry without actions tells the client the blob is
// already present and the upload must be skipped.
type lfsRepresentation struct {
	OID     string              `json:"oid"`
	Size    int64               `json:"size"`
	Actions map[string]*lfsLink `json:"actions,omitempty"`
	Error   *lfsObjectError     `json:"error,omitempty"`
}

type lfsObjectError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// lfsLink is one hypermedia action in a batch response.
type lfsLink struct {
	Href      string            `json:"href"`
	Header    map[string]string `json:"header,omitempty"`
	ExpiresIn int               `json:"expires_in,omitempty"`
}

type lfsVerifyRequest struct {
	OID  string `json:"oid"`
	Size int64  `json:"size"`
}

type lfsCompleteMultipartRequest struct {
	OID      string      `json:"oid"`
	UploadID string      `json:"uploadId"`
	Parts    []blob.Part `json:"parts"`
}

// handleLFSBatch handles POST /{id}.git/info/lfs/objects/batch
func (h *Handler) handleLFSBatch(w http.ResponseWriter, r *http.Request) {
	repo, id, err := h.repoFromRequest(r)
	if err != nil {
		api.WriteError(w, err)
		return
	}

	var req lfsBatchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		api.WriteError(w, api.Errf(api.CodeBadRequest, "invalid batch request: %v", err))
		return
	}

	if req.Operation == "upload" {
		canWrite, err := h.auth.CanWrite(id, repo)
		if err != nil {
			api.WriteError(w, err)
			return
		}
		if !canWrite {
			api.WriteError(w, api.Errf(api.CodeGatedRepo, "write access to %s denied", repo.FullID()))
			return
		}
	}

	multipartOK := false
	for _, t := range req.Transfers {
		if t == "multipart" {
			multipartOK = true
		}
	}

	objects := make([]*lfsRepresentation, 0, len(req.Objects))
	for _, obj := range req.Objects {
		rep, err := h.lfsRepresent(r, repo, req.Operation, obj, multipartOK)
		if err != nil {
			api.WriteError(w, err)
			return
		}
		objects = append(objects, rep)
	}

	w.Header().Set("Content-Type", lfsMetaMediaType)
	api.WriteJSON(w, http.StatusOK, lfsBatchResponse{Transfer: "basic", Objects: objects})
}

func (h *Handler) lfsRepresent(r *http.Request, repo *db.Repository, operation string, obj lfsObjectSpec, multipartOK bool) (*lfsRepresentation, error) {
	oid := strings.ToLower(obj.OID)
	rep := &lfsRepresentation{OID: oid, Size: obj.Size}
	if len(oid) != 64 {
		rep.Error = &lfsObjectError{Code: 422, Message: "invalid oid"}
		return rep, nil
	}
	key := blob.LFSKey(oid)

	exists, err := h.blobs.Exists(r.Context(), key)
	if err != nil {
		return nil, err
	}

	switch operation {
	case "download":
		if !exists {
			rep.Error = &lfsObjectError{Code: 404, Message: "Not found"}
			return rep, nil
		}
		href, err := h.blobs.SignGet(key, downloadExpiry)
		if err != nil {
			return nil, err
		}
		rep.Actions = map[string]*lfsLink{
			"download": {Href: href, ExpiresIn: int(downloadExpiry.Seconds())},
		}
		return rep, nil

	case "upload":
		if exists {
			// Global dedup: the client skips the upload and commits the
			// reference directly.
			return rep, nil
		}
		if obj.Size >= h.cfg.MultipartThreshold && multipartOK {
			return h.lfsMultipart(r, repo, oid, obj.Size)
		}
		href, err := h.blobs.SignPut(key, oid, lfsUploadExpiry)
		if err != nil {
			return nil, err
		}
		if err := h.store.CreateStagingUpload(&db.StagingUpload{
			RepositoryID: repo.ID,
			SHA256:       oid,
			Size:         obj.Size,
			StorageKey:   key,
		}); err != nil {
			return nil, err
		}
		rep.Actions = map[string]*lfsLink{
			"upload": {Href: href, ExpiresIn: int(lfsUploadExpiry.Seconds())},
			"verify": {Href: h.lfsVerifyURL(repo), ExpiresIn: int(lfsUploadExpiry.Seconds())},
		}
		return rep, nil

	default:
		return nil, api.Errf(api.CodeBadRequest, "unknown operation %q", operation)
	}
}

// lfsMultipart plans a multipart upload: per-part presigned PUTs carried
// in the header map, completion via the hub because clients cannot sign
// CompleteMultipartUpload themselves.
func (h *Handler) lfsMultipart(r *http.Request, repo *db.Repository, oid string, size int64) (*lfsRepresentation, error) {
	key := blob.LFSKey(oid)
	chunk := h.cfg.MultipartChunk
	parts := int((size + chunk - 1) / chunk)

	mp, err := h.blobs.CreateMultipart(r.Context(), key, parts, chunk, lfsUploadExpiry)
	if err != nil {
		return nil, err
	}
	if err := h.store.CreateStagingUpload(&db.StagingUpload{
		RepositoryID: repo.ID,
		SHA256:       oid,
		Size:         size,
		StorageKey:   key,
		UploadID:     mp.UploadID,
	}); err != nil {
		return nil, err
	}

	header := map[string]string{
		"chunk_size": fmt.Sprintf("%d", chunk),
		"upload_id":  mp.UploadID,
	}
	for i, href := range mp.PartURLs {
		header[fmt.Sprintf("%05d", i+1)] = href
	}

	rep := &lfsRepresentation{
		OID:  oid,
		Size: size,
		Actions: map[string]*lfsLink{
			"upload": {
				Href:      fmt.Sprintf("multipart://%s/%s", mp.UploadID, oid),
				Header:    header,
				ExpiresIn: int(lfsUploadExpiry.Seconds()),
			},
			"verify": {Href: h.lfsVerifyURL(repo), ExpiresIn: int(lfsUploadExpiry.Seconds())},
		},
	}
	return rep, nil
}

func (h *Handler) lfsVerifyURL(repo *db.Repository) string {
	return fmt.Sprintf("%s/api/%s.git/info/lfs/verify", h.cfg.BaseURL, repoURLPath(repo))
}

// handleLFSVerify handles POST /api/{id}.git/info/lfs/verify
//
// Confirms the blob arrived intact at its content-addressed key and
// promotes the staging row.
func (h *Handler) handleLFSVerify(w http.ResponseWriter, r *http.Request) {
	repo, _, err := h.repoFromRequest(r)
	if err != nil {
		api.WriteError(w, err)
		return
	}
	var req lfsVerifyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		api.WriteError(w, api.Errf(api.CodeBadRequest, "invalid verify request: %v", err))
		return
	}
	oid := strings.ToLower(req.OID)
	if len(oid) != 64 {
		api.WriteError(w, api.Errf(api.CodeBadRequest, "invalid oid %q", req.OID))
		return
	}

	info, err := h.blobs.Stat(r.Context(), blob.LFSKey(oid))
	if errors.Is(err, blob.ErrNotExist) {
		api.WriteError(w, api.Errf(api.CodeEntryNotFound, "object %s not found", oid))
		return
	}
	if err != nil {
		api.WriteError(w, err)
		return
	}
	if info.Size != req.Size {
		api.WriteError(w, api.Errf(api.CodeBadRequest, "object %s has %d bytes, expected %d", oid, info.Size, req.Size))
		return
	}

	if staging, err := h.store.GetStagingUpload(repo.ID, oid); err == nil {
		if err := h.store.MarkStagingVerified(staging.ID); err != nil {
			api.WriteError(w, err)
			return
		}
	}
	api.WriteJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleLFSCompleteMultipart handles POST /api/{id}.git/info/lfs/complete-multipart
func (h *Handler) handleLFSCompleteMultipart(w http.ResponseWriter, r *http.Request) {
	repo, id, err := h.repoFromRequest(r)
	if err != nil {
		api.WriteError(w, err)
		return
	}
	canWrite, err := h.auth.CanWrite(id, repo)
	if err != nil {
		api.WriteError(w, err)
		return
	}
	if !canWrite {
		api.WriteError(w, api.Errf(api.CodeGatedRepo, "write access to %s denied", repo.FullID()))
		return
	}

	var req lfsCompleteMultipartRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		api.WriteError(w, api.Errf(api.CodeBadRequest, "invalid request: %v", err))
		return
	}
	oid := strings.ToLower(req.OID)

	staging, err := h.store.GetStagingUpload(repo.ID, oid)
	if errors.Is(err, db.ErrNotFound) || (err == nil && staging.UploadID != req.UploadID) {
		api.WriteError(w, api.Errf(api.CodeEntryNotFound, "no multipart upload for %s", oid))
		return
	}
	if err != nil {
		api.WriteError(w, err)
		return
	}

	if err := h.blobs.CompleteMultipart(r.Context(), blob.LFSKey(oid), req.UploadID, req.Parts); err != nil {
		api.WriteError(w, api.Errf(api.CodeBadRequest, "complete multipart upload: %v", err))
		return
	}
	api.WriteJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

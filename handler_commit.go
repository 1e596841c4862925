package kohakuhub

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/kohakuhub/kohakuhub/pkg/api"
	"github.com/kohakuhub/kohakuhub/pkg/commitengine"
)

type preuploadRequest struct {
	Files []commitengine.PreuploadFile `json:"files"`
}

type preuploadResponse struct {
	Files []commitengine.PreuploadResult `json:"files"`
}

// handlePreupload handles POST /api/{type}s/{namespace}/{name}/preupload/{revision}
func (h *Handler) handlePreupload(w http.ResponseWriter, r *http.Request) {
	repo, _, err := h.requireWrite(r)
	if err != nil {
		api.WriteError(w, err)
		return
	}
	var req preuploadRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		api.WriteError(w, api.Errf(api.CodeBadRequest, "invalid request body: %v", err))
		return
	}
	for _, f := range req.Files {
		if err := commitengine.ValidatePath(f.Path); err != nil {
			api.WriteError(w, err)
			return
		}
	}

	results, err := h.engine.Preupload(r.Context(), repo, mux.Vars(r)["revision"], req.Files)
	if err != nil {
		api.WriteError(w, err)
		return
	}
	api.WriteJSON(w, http.StatusOK, preuploadResponse{Files: results})
}

type commitResponse struct {
	CommitOID     string `json:"commitOid"`
	CommitURL     string `json:"commitUrl"`
	CommitMessage string `json:"commitMessage"`
}

// handleCommit handles POST /api/{type}s/{namespace}/{name}/commit/{revision}
func (h *Handler) handleCommit(w http.ResponseWriter, r *http.Request) {
	repo, id, err := h.requireWrite(r)
	if err != nil {
		api.WriteError(w, err)
		return
	}
	branch := mux.Vars(r)["revision"]

	req, err := commitengine.Parse(r.Body)
	if err != nil {
		api.WriteError(w, err)
		return
	}

	result, err := h.engine.Commit(r.Context(), repo, branch, id.User, req)
	if err != nil {
		api.WriteError(w, err)
		return
	}

	api.WriteJSON(w, http.StatusOK, commitResponse{
		CommitOID:     result.CommitID,
		CommitURL:     fmt.Sprintf("%s/%s/commit/%s", h.cfg.BaseURL, repoURLPath(repo), result.CommitID),
		CommitMessage: result.Message,
	})
}

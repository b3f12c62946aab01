package api

import (
	"encoding/json"
	"net/http"

	"github.com/shaiso/Conveyor/internal/domain"
)

// StartSession запускает workflow.
// Возвращает 201 для новой session и 200, если она уже существовала.
// POST /api/v1/sites/{site}/sessions
func (h *Handler) StartSession(w http.ResponseWriter, r *http.Request) {
	site, ok := siteID(w, r)
	if !ok {
		return
	}

	var req StartSessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		BadRequest(w, "invalid request body")
		return
	}
	if req.Workflow == "" {
		BadRequest(w, "workflow is required")
		return
	}

	sr := domain.SessionRequest{
		SiteID:           site,
		ProjectID:        req.ProjectID,
		Workflow:         req.Workflow,
		RetryAttemptName: req.RetryAttemptName,
		OverrideParams:   req.Params,
	}
	if req.SessionTime != nil {
		sr.SessionTime = *req.SessionTime
	}

	sess, created, err := h.service.StartSession(r.Context(), sr)
	if HandleServiceError(w, h.logger, err) {
		return
	}

	resp := SessionResponse{Session: sess, Created: created}
	if created {
		Created(w, resp)
		return
	}
	Success(w, resp)
}

// GetSession возвращает session по ID.
// GET /api/v1/sites/{site}/sessions/{id}
func (h *Handler) GetSession(w http.ResponseWriter, r *http.Request) {
	site, ok := siteID(w, r)
	if !ok {
		return
	}
	id, ok := pathID(w, r, "session")
	if !ok {
		return
	}

	sess, err := h.store.GetSession(r.Context(), site, id)
	if HandleServiceError(w, h.logger, err) {
		return
	}
	Success(w, sess)
}

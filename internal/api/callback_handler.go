package api

import (
	"encoding/json"
	"net/http"

	"github.com/shaiso/Conveyor/internal/callback"
)

// Lease выдаёт агенту READY attempts.
// POST /api/v1/sites/{site}/agent/lease
func (h *Handler) Lease(w http.ResponseWriter, r *http.Request) {
	site, ok := siteID(w, r)
	if !ok {
		return
	}

	var req callback.LeaseRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		BadRequest(w, "invalid request body")
		return
	}

	tasks, err := h.service.Lease(r.Context(), site, req.AgentID, req.LeaseSeconds, req.Limit)
	if HandleServiceError(w, h.logger, err) {
		return
	}
	Success(w, callback.LeaseResponse{Tasks: tasks})
}

// Heartbeat продлевает locks агента.
// POST /api/v1/sites/{site}/agent/heartbeat
func (h *Handler) Heartbeat(w http.ResponseWriter, r *http.Request) {
	site, ok := siteID(w, r)
	if !ok {
		return
	}

	var req callback.HeartbeatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		BadRequest(w, "invalid request body")
		return
	}

	renewals, err := h.service.Heartbeat(r.Context(), site, req.LockIDs, req.AgentID, req.LeaseSeconds)
	if HandleServiceError(w, h.logger, err) {
		return
	}
	Success(w, callback.HeartbeatResponse{Renewals: renewals})
}

// TaskSucceeded — callback succeeded.
// POST /api/v1/sites/{site}/tasks/{id}/succeeded
func (h *Handler) TaskSucceeded(w http.ResponseWriter, r *http.Request) {
	site, ok := siteID(w, r)
	if !ok {
		return
	}
	taskID, ok := pathID(w, r, "task")
	if !ok {
		return
	}

	var req callback.SucceededRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		BadRequest(w, "invalid request body")
		return
	}

	err := h.service.Succeeded(r.Context(), site, taskID, req.LockID, req.AgentID, req.Result())
	if HandleServiceError(w, h.logger, err) {
		return
	}
	NoContent(w)
}

// TaskFailed — callback failed.
// POST /api/v1/sites/{site}/tasks/{id}/failed
func (h *Handler) TaskFailed(w http.ResponseWriter, r *http.Request) {
	site, ok := siteID(w, r)
	if !ok {
		return
	}
	taskID, ok := pathID(w, r, "task")
	if !ok {
		return
	}

	var req callback.FailedRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		BadRequest(w, "invalid request body")
		return
	}

	err := h.service.Failed(r.Context(), site, taskID, req.LockID, req.AgentID, req.Error)
	if HandleServiceError(w, h.logger, err) {
		return
	}
	NoContent(w)
}

// TaskRetry — callback retry.
// POST /api/v1/sites/{site}/tasks/{id}/retry
func (h *Handler) TaskRetry(w http.ResponseWriter, r *http.Request) {
	site, ok := siteID(w, r)
	if !ok {
		return
	}
	taskID, ok := pathID(w, r, "task")
	if !ok {
		return
	}

	var req callback.RetryRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		BadRequest(w, "invalid request body")
		return
	}

	err := h.service.Retry(r.Context(), site, taskID, req.LockID, req.AgentID, req.RetryIntervalSeconds, req.StateParams, req.Error)
	if HandleServiceError(w, h.logger, err) {
		return
	}
	NoContent(w)
}

// GetArchive отдаёт архив проекта агенту.
// GET /api/v1/sites/{site}/projects/{id}/archive
func (h *Handler) GetArchive(w http.ResponseWriter, r *http.Request) {
	site, ok := siteID(w, r)
	if !ok {
		return
	}
	projectID, ok := pathID(w, r, "project")
	if !ok {
		return
	}

	archive, err := h.service.OpenArchive(r.Context(), site, projectID)
	if HandleServiceError(w, h.logger, err) {
		return
	}

	w.Header().Set("Content-Type", "application/gzip")
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write(archive); err != nil {
		h.logger.Warn("failed to write archive", "project_id", projectID, "error", err)
	}
}

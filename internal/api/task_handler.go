package api

import (
	"net/http"

	"github.com/google/uuid"

	"github.com/shaiso/Conveyor/internal/domain"
	"github.com/shaiso/Conveyor/internal/repo"
)

// ListTasks возвращает attempts site.
// GET /api/v1/sites/{site}/tasks?status=...&session_id=...&limit=...&offset=...
func (h *Handler) ListTasks(w http.ResponseWriter, r *http.Request) {
	site, ok := siteID(w, r)
	if !ok {
		return
	}

	filter := repo.AttemptFilter{
		SiteID: site,
		Limit:  queryInt(r, "limit", 50),
		Offset: queryInt(r, "offset", 0),
	}

	if v := r.URL.Query().Get("status"); v != "" {
		status, ok := domain.ParseAttemptStatus(v)
		if !ok {
			BadRequest(w, "invalid status")
			return
		}
		filter.Status = &status
	}

	if v := r.URL.Query().Get("session_id"); v != "" {
		id, err := uuid.Parse(v)
		if err != nil {
			BadRequest(w, "invalid session_id")
			return
		}
		filter.SessionID = &id
	}

	attempts, err := h.store.ListAttempts(r.Context(), filter)
	if HandleServiceError(w, h.logger, err) {
		return
	}

	result := make([]TaskResponse, len(attempts))
	for i := range attempts {
		result[i] = TaskFromDomain(&attempts[i])
	}
	List(w, result, len(result))
}

// GetTask возвращает attempt по ID.
// GET /api/v1/sites/{site}/tasks/{id}
func (h *Handler) GetTask(w http.ResponseWriter, r *http.Request) {
	site, ok := siteID(w, r)
	if !ok {
		return
	}
	id, ok := pathID(w, r, "task")
	if !ok {
		return
	}

	attempt, err := h.store.GetAttempt(r.Context(), site, id)
	if HandleServiceError(w, h.logger, err) {
		return
	}
	Success(w, TaskFromDomain(attempt))
}

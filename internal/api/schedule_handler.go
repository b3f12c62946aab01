package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/google/uuid"

	"github.com/shaiso/Conveyor/internal/domain"
	"github.com/shaiso/Conveyor/internal/repo"
	"github.com/shaiso/Conveyor/internal/scheduler"
)

// ListSchedules возвращает список schedules site с фильтрацией.
// GET /api/v1/sites/{site}/schedules?project_id=...&enabled=...&limit=...&offset=...
func (h *Handler) ListSchedules(w http.ResponseWriter, r *http.Request) {
	site, ok := siteID(w, r)
	if !ok {
		return
	}

	filter := repo.ScheduleFilter{
		SiteID: &site,
		Limit:  queryInt(r, "limit", 50),
		Offset: queryInt(r, "offset", 0),
	}

	if v := r.URL.Query().Get("project_id"); v != "" {
		projectID, err := uuid.Parse(v)
		if err != nil {
			BadRequest(w, "invalid project_id")
			return
		}
		filter.ProjectID = &projectID
	}

	if v := r.URL.Query().Get("enabled"); v != "" {
		enabled := v == "true"
		filter.Enabled = &enabled
	}

	schedules, err := h.store.ListSchedules(r.Context(), filter)
	if HandleServiceError(w, h.logger, err) {
		return
	}

	result := make([]ScheduleResponse, len(schedules))
	for i := range schedules {
		result[i] = ScheduleFromDomain(&schedules[i])
	}
	List(w, result, len(result))
}

// CreateSchedule создаёт schedule для workflow проекта.
// POST /api/v1/sites/{site}/schedules
func (h *Handler) CreateSchedule(w http.ResponseWriter, r *http.Request) {
	site, ok := siteID(w, r)
	if !ok {
		return
	}

	var req CreateScheduleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		BadRequest(w, "invalid request body")
		return
	}
	if req.Workflow == "" {
		BadRequest(w, "workflow is required")
		return
	}

	if err := h.checkWorkflow(r.Context(), site, req.ProjectID, req.Workflow); err != nil {
		HandleServiceError(w, h.logger, err)
		return
	}

	timezone := req.Timezone
	if timezone == "" {
		timezone = "UTC"
	}

	now := h.clock.Now()
	sched := &domain.Schedule{
		ID:          uuid.New(),
		SiteID:      site,
		ProjectID:   req.ProjectID,
		Workflow:    req.Workflow,
		CronExpr:    req.CronExpr,
		IntervalSec: req.IntervalSec,
		Timezone:    timezone,
		Enabled:     req.Enabled,
		Params:      req.Params,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := h.planNextDue(sched); err != nil {
		BadRequest(w, err.Error())
		return
	}

	if err := h.store.CreateSchedule(r.Context(), sched); err != nil {
		HandleServiceError(w, h.logger, err)
		return
	}

	Created(w, ScheduleFromDomain(sched))
}

// GetSchedule возвращает schedule по ID.
// GET /api/v1/sites/{site}/schedules/{id}
func (h *Handler) GetSchedule(w http.ResponseWriter, r *http.Request) {
	sched, ok := h.loadSchedule(w, r)
	if !ok {
		return
	}
	Success(w, ScheduleFromDomain(sched))
}

// UpdateSchedule обновляет schedule. Изменение расписания пересчитывает next_due_at.
// PUT /api/v1/sites/{site}/schedules/{id}
func (h *Handler) UpdateSchedule(w http.ResponseWriter, r *http.Request) {
	sched, ok := h.loadSchedule(w, r)
	if !ok {
		return
	}

	var req UpdateScheduleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		BadRequest(w, "invalid request body")
		return
	}

	replan := false
	if req.Workflow != nil {
		if err := h.checkWorkflow(r.Context(), sched.SiteID, sched.ProjectID, *req.Workflow); err != nil {
			HandleServiceError(w, h.logger, err)
			return
		}
		sched.Workflow = *req.Workflow
	}
	if req.CronExpr != nil {
		sched.CronExpr = *req.CronExpr
		replan = true
	}
	if req.IntervalSec != nil {
		sched.IntervalSec = *req.IntervalSec
		replan = true
	}
	if req.Timezone != nil {
		sched.Timezone = *req.Timezone
		replan = true
	}
	if req.Params != nil {
		sched.Params = *req.Params
	}

	if replan {
		if err := h.planNextDue(sched); err != nil {
			BadRequest(w, err.Error())
			return
		}
	}
	sched.UpdatedAt = h.clock.Now()

	if err := h.store.UpdateSchedule(r.Context(), sched); err != nil {
		HandleServiceError(w, h.logger, err)
		return
	}
	Success(w, ScheduleFromDomain(sched))
}

// DeleteSchedule удаляет schedule.
// DELETE /api/v1/sites/{site}/schedules/{id}
func (h *Handler) DeleteSchedule(w http.ResponseWriter, r *http.Request) {
	sched, ok := h.loadSchedule(w, r)
	if !ok {
		return
	}

	if err := h.store.DeleteSchedule(r.Context(), sched.ID); err != nil {
		HandleServiceError(w, h.logger, err)
		return
	}
	NoContent(w)
}

// SetScheduleEnabled включает или выключает schedule.
// При включении next_due_at считается заново от текущего времени,
// чтобы не догонять запуски за время простоя.
// PUT /api/v1/sites/{site}/schedules/{id}/enabled
func (h *Handler) SetScheduleEnabled(w http.ResponseWriter, r *http.Request) {
	sched, ok := h.loadSchedule(w, r)
	if !ok {
		return
	}

	var req SetEnabledRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		BadRequest(w, "invalid request body")
		return
	}

	now := h.clock.Now()
	if !req.Enabled {
		if err := h.store.SetScheduleEnabled(r.Context(), sched.ID, false, now); err != nil {
			HandleServiceError(w, h.logger, err)
			return
		}
		sched.Enabled = false
		sched.UpdatedAt = now
		Success(w, ScheduleFromDomain(sched))
		return
	}

	sched.Enabled = true
	sched.UpdatedAt = now
	if err := h.planNextDue(sched); err != nil {
		BadRequest(w, err.Error())
		return
	}
	if err := h.store.UpdateSchedule(r.Context(), sched); err != nil {
		HandleServiceError(w, h.logger, err)
		return
	}
	Success(w, ScheduleFromDomain(sched))
}

// loadSchedule читает schedule из пути и проверяет, что он принадлежит site.
func (h *Handler) loadSchedule(w http.ResponseWriter, r *http.Request) (*domain.Schedule, bool) {
	site, ok := siteID(w, r)
	if !ok {
		return nil, false
	}
	id, ok := pathID(w, r, "schedule")
	if !ok {
		return nil, false
	}

	sched, err := h.store.GetSchedule(r.Context(), id)
	if err == nil && sched.SiteID != site {
		err = repo.ErrNotFound
	}
	if err != nil {
		HandleServiceError(w, h.logger, fmt.Errorf("schedule %s: %w", id, err))
		return nil, false
	}
	return sched, true
}

// checkWorkflow проверяет, что в проекте есть workflow.
func (h *Handler) checkWorkflow(ctx context.Context, site int, projectID uuid.UUID, workflow string) error {
	p, err := h.store.GetProject(ctx, site, projectID)
	if err != nil {
		return fmt.Errorf("project %s: %w", projectID, err)
	}
	if _, ok := p.FindWorkflow(workflow); !ok {
		return fmt.Errorf("workflow %q in project %q: %w", workflow, p.Name, repo.ErrNotFound)
	}
	return nil
}

// planNextDue проверяет расписание и ставит next_due_at от текущего времени.
func (h *Handler) planNextDue(sched *domain.Schedule) error {
	if err := scheduler.ValidateSchedule(sched); err != nil {
		return err
	}
	next, err := scheduler.CalculateNextDue(sched, h.clock.Now())
	if err != nil {
		return err
	}
	sched.NextDueAt = &next
	return nil
}

package api

import (
	"net/http"
)

// RegisterRoutes регистрирует все маршруты API.
func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	chain := Chain(
		Recovery(h.logger),
		Metrics(),
		Logging(h.logger),
	)
	handle := func(pattern string, fn http.HandlerFunc) {
		mux.Handle(pattern, chain(fn))
	}

	const site = "/api/v1/sites/{site}"

	// Agent callback API
	handle("POST "+site+"/agent/lease", h.Lease)
	handle("POST "+site+"/agent/heartbeat", h.Heartbeat)
	handle("POST "+site+"/tasks/{id}/succeeded", h.TaskSucceeded)
	handle("POST "+site+"/tasks/{id}/failed", h.TaskFailed)
	handle("POST "+site+"/tasks/{id}/retry", h.TaskRetry)
	handle("GET "+site+"/projects/{id}/archive", h.GetArchive)

	// Projects
	handle("PUT "+site+"/projects", h.PutProject)
	handle("GET "+site+"/projects", h.ListProjects)
	handle("GET "+site+"/projects/{id}", h.GetProject)

	// Sessions
	handle("POST "+site+"/sessions", h.StartSession)
	handle("GET "+site+"/sessions/{id}", h.GetSession)

	// Tasks
	handle("GET "+site+"/tasks", h.ListTasks)
	handle("GET "+site+"/tasks/{id}", h.GetTask)

	// Schedules
	handle("GET "+site+"/schedules", h.ListSchedules)
	handle("POST "+site+"/schedules", h.CreateSchedule)
	handle("GET "+site+"/schedules/{id}", h.GetSchedule)
	handle("PUT "+site+"/schedules/{id}", h.UpdateSchedule)
	handle("DELETE "+site+"/schedules/{id}", h.DeleteSchedule)
	handle("PUT "+site+"/schedules/{id}/enabled", h.SetScheduleEnabled)
}

package api

import (
	"errors"
	"io"
	"net/http"

	"github.com/shaiso/Conveyor/internal/domain"
	"github.com/shaiso/Conveyor/internal/project"
)

// PutProject загружает архив проекта (raw tar.gz в теле).
// Повторная загрузка с тем же именем создаёт новую ревизию.
// PUT /api/v1/sites/{site}/projects?name=...
func (h *Handler) PutProject(w http.ResponseWriter, r *http.Request) {
	site, ok := siteID(w, r)
	if !ok {
		return
	}

	name := r.URL.Query().Get("name")
	if name == "" {
		BadRequest(w, "name is required")
		return
	}

	archive, err := io.ReadAll(http.MaxBytesReader(w, r.Body, h.maxArchiveSize))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			Error(w, http.StatusRequestEntityTooLarge, ErrCodeTooLarge, "archive is too large")
			return
		}
		BadRequest(w, "failed to read archive")
		return
	}

	manifest, err := project.ReadManifest(archive)
	if err != nil {
		BadRequest(w, err.Error())
		return
	}

	p, err := h.store.PutProject(r.Context(), &domain.Project{
		SiteID:     site,
		Name:       name,
		ArchiveMD5: project.Checksum(archive),
		Workflows:  manifest.Workflows,
		UpdatedAt:  h.clock.Now(),
	}, archive)
	if HandleServiceError(w, h.logger, err) {
		return
	}

	h.logger.Info("project uploaded",
		"site_id", site,
		"project", p.Name,
		"revision", p.Revision,
		"workflows", len(p.Workflows),
	)
	Success(w, ProjectFromDomain(p))
}

// ListProjects возвращает проекты site.
// GET /api/v1/sites/{site}/projects
func (h *Handler) ListProjects(w http.ResponseWriter, r *http.Request) {
	site, ok := siteID(w, r)
	if !ok {
		return
	}

	projects, err := h.store.ListProjects(r.Context(), site)
	if HandleServiceError(w, h.logger, err) {
		return
	}

	result := make([]ProjectResponse, len(projects))
	for i := range projects {
		result[i] = ProjectFromDomain(&projects[i])
	}
	List(w, result, len(result))
}

// GetProject возвращает проект по ID.
// GET /api/v1/sites/{site}/projects/{id}
func (h *Handler) GetProject(w http.ResponseWriter, r *http.Request) {
	site, ok := siteID(w, r)
	if !ok {
		return
	}
	id, ok := pathID(w, r, "project")
	if !ok {
		return
	}

	p, err := h.store.GetProject(r.Context(), site, id)
	if HandleServiceError(w, h.logger, err) {
		return
	}
	Success(w, ProjectFromDomain(p))
}

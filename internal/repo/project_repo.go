package repo

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/shaiso/Conveyor/internal/domain"
)

const projectColumns = `id, site_id, name, revision, archive_md5, workflows, created_at, updated_at`

// ProjectRepo — репозиторий проектов.
type ProjectRepo struct {
	pool *pgxpool.Pool
}

// NewProjectRepo создаёт новый ProjectRepo.
func NewProjectRepo(pool *pgxpool.Pool) *ProjectRepo {
	return &ProjectRepo{pool: pool}
}

// PutProject создаёт проект или заменяет архив существующего с revision+1.
// ID и CreatedAt существующего проекта сохраняются.
func (r *ProjectRepo) PutProject(ctx context.Context, p *domain.Project, archive []byte) (*domain.Project, error) {
	if p.ID == uuid.Nil {
		p.ID = uuid.New()
	}
	workflowsJSON, err := json.Marshal(p.Workflows)
	if err != nil {
		return nil, fmt.Errorf("marshal workflows: %w", err)
	}

	query := `
		INSERT INTO projects (id, site_id, name, revision, archive_md5, workflows, archive, created_at, updated_at)
		VALUES ($1, $2, $3, 1, $4, $5, $6, $7, $7)
		ON CONFLICT (site_id, name) DO UPDATE
		SET revision = projects.revision + 1,
		    archive_md5 = EXCLUDED.archive_md5,
		    workflows = EXCLUDED.workflows,
		    archive = EXCLUDED.archive,
		    updated_at = EXCLUDED.updated_at
		RETURNING ` + projectColumns
	return scanProject(r.pool.QueryRow(ctx, query,
		p.ID,
		p.SiteID,
		p.Name,
		p.ArchiveMD5,
		workflowsJSON,
		archive,
		p.UpdatedAt,
	))
}

// GetProject возвращает проект по ID.
func (r *ProjectRepo) GetProject(ctx context.Context, siteID int, id uuid.UUID) (*domain.Project, error) {
	query := `SELECT ` + projectColumns + ` FROM projects WHERE site_id = $1 AND id = $2`
	return scanProject(r.pool.QueryRow(ctx, query, siteID, id))
}

// ListProjects возвращает проекты site по имени.
func (r *ProjectRepo) ListProjects(ctx context.Context, siteID int) ([]domain.Project, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT `+projectColumns+` FROM projects WHERE site_id = $1 ORDER BY name ASC`, siteID)
	if err != nil {
		return nil, fmt.Errorf("list projects: %w", err)
	}
	defer rows.Close()

	var projects []domain.Project
	for rows.Next() {
		p, err := scanProject(rows)
		if err != nil {
			return nil, err
		}
		projects = append(projects, *p)
	}
	return projects, rows.Err()
}

// GetArchive возвращает tar.gz архив проекта.
func (r *ProjectRepo) GetArchive(ctx context.Context, siteID int, id uuid.UUID) ([]byte, error) {
	var archive []byte
	err := r.pool.QueryRow(ctx,
		`SELECT archive FROM projects WHERE site_id = $1 AND id = $2`, siteID, id,
	).Scan(&archive)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get archive: %w", err)
	}
	return archive, nil
}

func scanProject(row pgx.Row) (*domain.Project, error) {
	var p domain.Project
	var workflowsJSON []byte

	err := row.Scan(
		&p.ID,
		&p.SiteID,
		&p.Name,
		&p.Revision,
		&p.ArchiveMD5,
		&workflowsJSON,
		&p.CreatedAt,
		&p.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan project: %w", err)
	}

	if workflowsJSON != nil {
		if err := json.Unmarshal(workflowsJSON, &p.Workflows); err != nil {
			return nil, fmt.Errorf("unmarshal workflows: %w", err)
		}
	}
	return &p, nil
}

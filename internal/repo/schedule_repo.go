package repo

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/shaiso/Conveyor/internal/domain"
)

const scheduleColumns = `
	id, site_id, project_id, workflow, cron_expr, interval_sec, timezone, enabled,
	next_due_at, last_session_at, last_session_id, params, created_at, updated_at`

// ScheduleRepo — репозиторий для работы с schedules.
type ScheduleRepo struct {
	pool *pgxpool.Pool
}

// NewScheduleRepo создаёт новый ScheduleRepo.
func NewScheduleRepo(pool *pgxpool.Pool) *ScheduleRepo {
	return &ScheduleRepo{pool: pool}
}

// CreateSchedule создаёт новый schedule.
func (r *ScheduleRepo) CreateSchedule(ctx context.Context, schedule *domain.Schedule) error {
	paramsJSON, err := json.Marshal(schedule.Params)
	if err != nil {
		return fmt.Errorf("marshal params: %w", err)
	}

	query := `
		INSERT INTO schedules (id, site_id, project_id, workflow, cron_expr, interval_sec,
		                       timezone, enabled, next_due_at, params, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
	`
	_, err = r.pool.Exec(ctx, query,
		schedule.ID,
		schedule.SiteID,
		schedule.ProjectID,
		schedule.Workflow,
		nullString(schedule.CronExpr),
		nullInt(schedule.IntervalSec),
		schedule.Timezone,
		schedule.Enabled,
		schedule.NextDueAt,
		paramsJSON,
		schedule.CreatedAt,
		schedule.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert schedule: %w", err)
	}
	return nil
}

// GetSchedule возвращает schedule по ID.
func (r *ScheduleRepo) GetSchedule(ctx context.Context, id uuid.UUID) (*domain.Schedule, error) {
	query := `SELECT ` + scheduleColumns + ` FROM schedules WHERE id = $1`
	return scanSchedule(r.pool.QueryRow(ctx, query, id))
}

// ListSchedules возвращает список schedules с фильтрацией.
func (r *ScheduleRepo) ListSchedules(ctx context.Context, filter ScheduleFilter) ([]domain.Schedule, error) {
	query := `
		SELECT ` + scheduleColumns + `
		FROM schedules
		WHERE ($1::integer IS NULL OR site_id = $1)
		  AND ($2::uuid IS NULL OR project_id = $2)
		  AND ($3::boolean IS NULL OR enabled = $3)
		ORDER BY created_at DESC
		LIMIT $4 OFFSET $5
	`
	rows, err := r.pool.Query(ctx, query,
		filter.SiteID,
		nullUUID(filter.ProjectID),
		filter.Enabled,
		normalizeLimit(filter.Limit),
		filter.Offset,
	)
	if err != nil {
		return nil, fmt.Errorf("list schedules: %w", err)
	}
	return collectSchedules(rows)
}

// ListDueSchedules возвращает schedules, готовые к выполнению.
func (r *ScheduleRepo) ListDueSchedules(ctx context.Context, now time.Time, limit int) ([]domain.Schedule, error) {
	query := `
		SELECT ` + scheduleColumns + `
		FROM schedules
		WHERE enabled = true
		  AND next_due_at IS NOT NULL
		  AND next_due_at <= $1
		ORDER BY next_due_at ASC
		LIMIT $2
	`
	rows, err := r.pool.Query(ctx, query, now, normalizeLimit(limit))
	if err != nil {
		return nil, fmt.Errorf("list due schedules: %w", err)
	}
	return collectSchedules(rows)
}

// UpdateSchedule обновляет schedule.
func (r *ScheduleRepo) UpdateSchedule(ctx context.Context, schedule *domain.Schedule) error {
	paramsJSON, err := json.Marshal(schedule.Params)
	if err != nil {
		return fmt.Errorf("marshal params: %w", err)
	}

	query := `
		UPDATE schedules
		SET workflow = $2, cron_expr = $3, interval_sec = $4, timezone = $5,
		    enabled = $6, next_due_at = $7, last_session_at = $8, last_session_id = $9,
		    params = $10, updated_at = $11
		WHERE id = $1
	`
	result, err := r.pool.Exec(ctx, query,
		schedule.ID,
		schedule.Workflow,
		nullString(schedule.CronExpr),
		nullInt(schedule.IntervalSec),
		schedule.Timezone,
		schedule.Enabled,
		schedule.NextDueAt,
		schedule.LastSessionAt,
		schedule.LastSessionID,
		paramsJSON,
		schedule.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("update schedule: %w", err)
	}
	if result.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// DeleteSchedule удаляет schedule.
func (r *ScheduleRepo) DeleteSchedule(ctx context.Context, id uuid.UUID) error {
	result, err := r.pool.Exec(ctx, `DELETE FROM schedules WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete schedule: %w", err)
	}
	if result.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// SetScheduleEnabled включает/выключает schedule.
func (r *ScheduleRepo) SetScheduleEnabled(ctx context.Context, id uuid.UUID, enabled bool, now time.Time) error {
	result, err := r.pool.Exec(ctx, `
		UPDATE schedules SET enabled = $2, updated_at = $3 WHERE id = $1
	`, id, enabled, now)
	if err != nil {
		return fmt.Errorf("set enabled: %w", err)
	}
	if result.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func scanSchedule(row pgx.Row) (*domain.Schedule, error) {
	var s domain.Schedule
	var cronExpr *string
	var intervalSec *int
	var paramsJSON []byte

	err := row.Scan(
		&s.ID,
		&s.SiteID,
		&s.ProjectID,
		&s.Workflow,
		&cronExpr,
		&intervalSec,
		&s.Timezone,
		&s.Enabled,
		&s.NextDueAt,
		&s.LastSessionAt,
		&s.LastSessionID,
		&paramsJSON,
		&s.CreatedAt,
		&s.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan schedule: %w", err)
	}

	s.CronExpr = derefString(cronExpr)
	if intervalSec != nil {
		s.IntervalSec = *intervalSec
	}
	if s.Params, err = domain.DecodeJSONObject(paramsJSON); err != nil {
		return nil, fmt.Errorf("unmarshal params: %w", err)
	}
	return &s, nil
}

func collectSchedules(rows pgx.Rows) ([]domain.Schedule, error) {
	defer rows.Close()

	var schedules []domain.Schedule
	for rows.Next() {
		s, err := scanSchedule(rows)
		if err != nil {
			return nil, err
		}
		schedules = append(schedules, *s)
	}
	return schedules, rows.Err()
}

package api

import (
	"time"

	"github.com/google/uuid"

	"github.com/shaiso/Conveyor/internal/domain"
)

// Project DTOs

// ProjectResponse — ответ с проектом (без архива).
type ProjectResponse struct {
	ID         uuid.UUID            `json:"id"`
	SiteID     int                  `json:"site_id"`
	Name       string               `json:"name"`
	Revision   int                  `json:"revision"`
	ArchiveMD5 string               `json:"archive_md5"`
	Workflows  []domain.WorkflowDef `json:"workflows"`
	CreatedAt  time.Time            `json:"created_at"`
	UpdatedAt  time.Time            `json:"updated_at"`
}

// ProjectFromDomain конвертирует domain.Project в ProjectResponse.
func ProjectFromDomain(p *domain.Project) ProjectResponse {
	return ProjectResponse{
		ID:         p.ID,
		SiteID:     p.SiteID,
		Name:       p.Name,
		Revision:   p.Revision,
		ArchiveMD5: p.ArchiveMD5,
		Workflows:  p.Workflows,
		CreatedAt:  p.CreatedAt,
		UpdatedAt:  p.UpdatedAt,
	}
}

// Session DTOs

// StartSessionRequest — запрос на запуск session.
type StartSessionRequest struct {
	ProjectID        uuid.UUID      `json:"project_id"`
	Workflow         string         `json:"workflow"`
	SessionTime      *time.Time     `json:"session_time,omitempty"`
	RetryAttemptName string         `json:"retry_attempt_name,omitempty"`
	Params           map[string]any `json:"params,omitempty"`
}

// SessionResponse — ответ с session.
type SessionResponse struct {
	*domain.Session

	// Created — false, если session с такими параметрами уже существовала.
	Created bool `json:"created"`
}

// Task DTOs

// TaskResponse — ответ с attempt. Lock token не раскрывается.
type TaskResponse struct {
	ID            uuid.UUID        `json:"id"`
	SiteID        int              `json:"site_id"`
	SessionID     uuid.UUID        `json:"session_id"`
	ProjectID     uuid.UUID        `json:"project_id"`
	Workflow      string           `json:"workflow"`
	Type          string           `json:"type"`
	Status        string           `json:"status"`
	AgentID       string           `json:"agent_id,omitempty"`
	LockExpiresAt *time.Time       `json:"lock_expires_at,omitempty"`
	RetryCount    int              `json:"retry_count"`
	StateParams   map[string]any   `json:"state_params,omitempty"`
	LastError     *domain.ErrorDoc `json:"last_error,omitempty"`
	Result        map[string]any   `json:"result,omitempty"`
	NextRunAt     time.Time        `json:"next_run_at"`
	StartedAt     *time.Time       `json:"started_at,omitempty"`
	FinishedAt    *time.Time       `json:"finished_at,omitempty"`
	CreatedAt     time.Time        `json:"created_at"`
}

// TaskFromDomain конвертирует domain.TaskAttempt в TaskResponse.
func TaskFromDomain(t *domain.TaskAttempt) TaskResponse {
	return TaskResponse{
		ID:            t.ID,
		SiteID:        t.SiteID,
		SessionID:     t.SessionID,
		ProjectID:     t.ProjectID,
		Workflow:      t.Workflow,
		Type:          t.Type,
		Status:        string(t.Status),
		AgentID:       t.AgentID,
		LockExpiresAt: t.LockExpiresAt,
		RetryCount:    t.RetryCount,
		StateParams:   t.StateParams.Map(),
		LastError:     t.LastError,
		Result:        t.Result,
		NextRunAt:     t.NextRunAt,
		StartedAt:     t.StartedAt,
		FinishedAt:    t.FinishedAt,
		CreatedAt:     t.CreatedAt,
	}
}

// Schedule DTOs

// CreateScheduleRequest — запрос на создание schedule.
type CreateScheduleRequest struct {
	ProjectID   uuid.UUID      `json:"project_id"`
	Workflow    string         `json:"workflow"`
	CronExpr    string         `json:"cron_expr,omitempty"`
	IntervalSec int            `json:"interval_sec,omitempty"`
	Timezone    string         `json:"timezone,omitempty"`
	Enabled     bool           `json:"enabled"`
	Params      map[string]any `json:"params,omitempty"`
}

// UpdateScheduleRequest — запрос на обновление schedule.
type UpdateScheduleRequest struct {
	Workflow    *string         `json:"workflow,omitempty"`
	CronExpr    *string         `json:"cron_expr,omitempty"`
	IntervalSec *int            `json:"interval_sec,omitempty"`
	Timezone    *string         `json:"timezone,omitempty"`
	Params      *map[string]any `json:"params,omitempty"`
}

// SetEnabledRequest — запрос на включение/выключение.
type SetEnabledRequest struct {
	Enabled bool `json:"enabled"`
}

// ScheduleResponse — ответ с schedule.
type ScheduleResponse struct {
	ID            uuid.UUID      `json:"id"`
	SiteID        int            `json:"site_id"`
	ProjectID     uuid.UUID      `json:"project_id"`
	Workflow      string         `json:"workflow"`
	CronExpr      string         `json:"cron_expr,omitempty"`
	IntervalSec   int            `json:"interval_sec,omitempty"`
	Timezone      string         `json:"timezone"`
	Enabled       bool           `json:"enabled"`
	NextDueAt     *time.Time     `json:"next_due_at,omitempty"`
	LastSessionAt *time.Time     `json:"last_session_at,omitempty"`
	LastSessionID *uuid.UUID     `json:"last_session_id,omitempty"`
	Params        map[string]any `json:"params,omitempty"`
	CreatedAt     time.Time      `json:"created_at"`
	UpdatedAt     time.Time      `json:"updated_at"`
}

// ScheduleFromDomain конвертирует domain.Schedule в ScheduleResponse.
func ScheduleFromDomain(s *domain.Schedule) ScheduleResponse {
	if s == nil {
		return ScheduleResponse{}
	}
	return ScheduleResponse{
		ID:            s.ID,
		SiteID:        s.SiteID,
		ProjectID:     s.ProjectID,
		Workflow:      s.Workflow,
		CronExpr:      s.CronExpr,
		IntervalSec:   s.IntervalSec,
		Timezone:      s.Timezone,
		Enabled:       s.Enabled,
		NextDueAt:     s.NextDueAt,
		LastSessionAt: s.LastSessionAt,
		LastSessionID: s.LastSessionID,
		Params:        s.Params,
		CreatedAt:     s.CreatedAt,
		UpdatedAt:     s.UpdatedAt,
	}
}

package repo

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/shaiso/Conveyor/internal/domain"
)

// AttemptStore — хранилище sessions и task attempts.
//
// Все мутации attempt под lease проходят через UpdateLocked: хранилище
// само проверяет lock_id/agent_id и возвращает ErrLeaseConflict, не трогая
// строку, если lease уже не принадлежит вызывающему.
type AttemptStore interface {
	// CreateSession создаёт session и её первый attempt.
	// Если session с тем же ключом идемпотентности уже есть, возвращает её
	// и created=false. maxActive <= 0 отключает лимит.
	CreateSession(ctx context.Context, sess *domain.Session, def domain.WorkflowDef, maxActive int, now time.Time) (*domain.Session, bool, error)

	GetSession(ctx context.Context, siteID int, id uuid.UUID) (*domain.Session, error)

	// LeaseAttempts выдаёт агенту до limit attempts, самые старые по next_run_at первыми.
	LeaseAttempts(ctx context.Context, siteID int, agentID string, leaseFor time.Duration, limit int, now time.Time) ([]domain.TaskAttempt, error)

	// RenewLeases продлевает lease для тех lockIDs, которые всё ещё принадлежат агенту.
	RenewLeases(ctx context.Context, siteID int, lockIDs []string, agentID string, leaseFor time.Duration, now time.Time) ([]domain.LeaseRenewal, error)

	// UpdateLocked применяет fn к attempt, если lease (lockID, agentID) ещё живой.
	UpdateLocked(ctx context.Context, siteID int, taskID uuid.UUID, lockID, agentID string, now time.Time, fn func(*domain.TaskAttempt) error) (*domain.TaskAttempt, error)

	// MakeReady переводит RETRY_WAITING в READY, если next_run_at наступил.
	MakeReady(ctx context.Context, key domain.AttemptKey, now time.Time) (bool, error)

	// ListRetryWaiting возвращает attempts, ожидающие retry.
	ListRetryWaiting(ctx context.Context, limit int) ([]PendingRetry, error)

	GetAttempt(ctx context.Context, siteID int, taskID uuid.UUID) (*domain.TaskAttempt, error)
	ListAttempts(ctx context.Context, filter AttemptFilter) ([]domain.TaskAttempt, error)
}

// ProjectStore — хранилище проектов и их архивов.
type ProjectStore interface {
	// PutProject создаёт проект или загружает новую ревизию существующего (по site + name).
	PutProject(ctx context.Context, p *domain.Project, archive []byte) (*domain.Project, error)
	GetProject(ctx context.Context, siteID int, id uuid.UUID) (*domain.Project, error)
	ListProjects(ctx context.Context, siteID int) ([]domain.Project, error)
	GetArchive(ctx context.Context, siteID int, id uuid.UUID) ([]byte, error)
}

// ScheduleStore — хранилище расписаний.
type ScheduleStore interface {
	CreateSchedule(ctx context.Context, s *domain.Schedule) error
	GetSchedule(ctx context.Context, id uuid.UUID) (*domain.Schedule, error)
	ListSchedules(ctx context.Context, filter ScheduleFilter) ([]domain.Schedule, error)
	ListDueSchedules(ctx context.Context, now time.Time, limit int) ([]domain.Schedule, error)
	UpdateSchedule(ctx context.Context, s *domain.Schedule) error
	DeleteSchedule(ctx context.Context, id uuid.UUID) error
	SetScheduleEnabled(ctx context.Context, id uuid.UUID, enabled bool, now time.Time) error
}

// Store объединяет все хранилища ядра.
type Store interface {
	AttemptStore
	ProjectStore
	ScheduleStore
}

// PendingRetry — attempt в RETRY_WAITING и время, когда его можно вернуть в READY.
type PendingRetry struct {
	Key       domain.AttemptKey
	NextRunAt time.Time
}

// AttemptFilter — параметры фильтрации attempts.
type AttemptFilter struct {
	SiteID    int
	Status    *domain.AttemptStatus
	SessionID *uuid.UUID
	Limit     int
	Offset    int
}

// ScheduleFilter — параметры фильтрации schedules.
type ScheduleFilter struct {
	SiteID    *int
	ProjectID *uuid.UUID
	Enabled   *bool
	Limit     int
	Offset    int
}

const defaultListLimit = 100

func normalizeLimit(limit int) int {
	if limit <= 0 {
		return defaultListLimit
	}
	return limit
}

// nullString возвращает nil для пустой строки.
func nullString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

// nullInt возвращает nil для нулевого int.
func nullInt(i int) *int {
	if i == 0 {
		return nil
	}
	return &i
}

// nullUUID возвращает nil для пустого UUID.
func nullUUID(id *uuid.UUID) *uuid.UUID {
	if id == nil || *id == uuid.Nil {
		return nil
	}
	return id
}

func derefString(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

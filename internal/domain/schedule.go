package domain

import (
	"time"

	"github.com/google/uuid"
)

// Schedule — расписание автоматического запуска workflow.
//
// Schedule позволяет запускать workflow:
// - По cron-выражению: "0 9 * * *" (каждый день в 9:00)
// - По интервалу: каждые N секунд
//
// Scheduler проверяет next_due_at и вызывает StartSession с
// session time = next_due_at, когда время подошло.
type Schedule struct {
	// ID — уникальный идентификатор schedule.
	ID uuid.UUID `json:"id"`

	// SiteID — tenant scope.
	SiteID int `json:"site_id"`

	// ProjectID — проект, содержащий workflow.
	ProjectID uuid.UUID `json:"project_id"`

	// Workflow — имя workflow, который нужно запускать.
	Workflow string `json:"workflow"`

	// CronExpr — cron-выражение.
	// Формат: "минуты часы дни месяцы дни_недели"
	// Если задан CronExpr, IntervalSec игнорируется.
	CronExpr string `json:"cron_expr,omitempty"`

	// IntervalSec — интервал в секундах между запусками.
	// Используется если CronExpr не задан.
	IntervalSec int `json:"interval_sec,omitempty"`

	// Timezone — часовой пояс для вычисления времени. По умолчанию: "UTC".
	Timezone string `json:"timezone"`

	// Enabled — флаг активности расписания.
	Enabled bool `json:"enabled"`

	// NextDueAt — время следующего запуска.
	NextDueAt *time.Time `json:"next_due_at,omitempty"`

	// LastSessionAt — время последнего запуска.
	LastSessionAt *time.Time `json:"last_session_at,omitempty"`

	// LastSessionID — ID последней созданной session.
	LastSessionID *uuid.UUID `json:"last_session_id,omitempty"`

	// Params — override params для каждой session.
	Params map[string]any `json:"params,omitempty"`

	// CreatedAt — время создания schedule.
	CreatedAt time.Time `json:"created_at"`

	// UpdatedAt — время последнего обновления.
	UpdatedAt time.Time `json:"updated_at"`
}

// IsCron возвращает true, если расписание использует cron-выражение.
func (s *Schedule) IsCron() bool {
	return s.CronExpr != ""
}

// IsInterval возвращает true, если расписание использует интервал.
func (s *Schedule) IsInterval() bool {
	return s.CronExpr == "" && s.IntervalSec > 0
}

// IsDue проверяет, пора ли запускать.
func (s *Schedule) IsDue(now time.Time) bool {
	if !s.Enabled || s.NextDueAt == nil {
		return false
	}
	return !now.Before(*s.NextDueAt)
}

// RecordSession записывает информацию о запуске.
func (s *Schedule) RecordSession(sessionID uuid.UUID, nextDue time.Time, now time.Time) {
	s.LastSessionAt = &now
	s.LastSessionID = &sessionID
	s.NextDueAt = &nextDue
	s.UpdatedAt = now
}

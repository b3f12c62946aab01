package domain

import (
	"time"

	"github.com/google/uuid"
)

// Session — запуск workflow проекта на конкретное время (session time).
//
// Session создаётся когда:
// - Пользователь запускает workflow вручную (через API/CLI)
// - Scheduler запускает workflow по расписанию
// - Агент или пользователь перезапускает session с новым retry attempt name
//
// Пара (session time, retry attempt name) идентифицирует попытку session:
// повторный StartSession с теми же значениями возвращает существующую session.
type Session struct {
	// ID — уникальный идентификатор session.
	ID uuid.UUID `json:"id"`

	// SiteID — tenant scope.
	SiteID int `json:"site_id"`

	// ProjectID — проект, которому принадлежит workflow.
	ProjectID uuid.UUID `json:"project_id"`

	// Workflow — имя workflow.
	Workflow string `json:"workflow"`

	// SessionTime — логическое время session (например, due time расписания).
	SessionTime time.Time `json:"session_time"`

	// RetryAttemptName — имя повторной попытки session. Пустое для первой.
	RetryAttemptName string `json:"retry_attempt_name,omitempty"`

	// Params — override params, переданные при запуске.
	Params map[string]any `json:"params,omitempty"`

	// TaskID — attempt, созданный для session.
	TaskID uuid.UUID `json:"task_id"`

	// CreatedAt — время создания.
	CreatedAt time.Time `json:"created_at"`
}

// SessionRequest — параметры StartSession.
type SessionRequest struct {
	SiteID           int
	ProjectID        uuid.UUID
	Workflow         string
	SessionTime      time.Time
	RetryAttemptName string
	OverrideParams   map[string]any
}

// SessionTimeParam — встроенный param attempt с временем session (RFC3339, UTC).
const SessionTimeParam = "session_time"

// NewAttempt создаёт первый attempt для session по определению workflow.
// Override params session накладываются поверх config workflow.
func (s *Session) NewAttempt(def WorkflowDef, now time.Time) *TaskAttempt {
	config := deepCopyMap(def.Config)
	if config == nil {
		config = make(map[string]any)
	}
	for k, v := range s.Params {
		config[k] = deepCopyValue(v)
	}
	if _, ok := config[SessionTimeParam]; !ok {
		config[SessionTimeParam] = s.SessionTime.UTC().Format(time.RFC3339)
	}

	return &TaskAttempt{
		ID:          s.TaskID,
		SiteID:      s.SiteID,
		SessionID:   s.ID,
		ProjectID:   s.ProjectID,
		Workflow:    s.Workflow,
		Type:        def.Type,
		Config:      config,
		Status:      AttemptStatusReady,
		StateParams: EmptyState(),
		NextRunAt:   now,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
}

// Clone возвращает копию session.
func (s *Session) Clone() *Session {
	c := *s
	c.Params = deepCopyMap(s.Params)
	return &c
}

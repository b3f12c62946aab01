package domain

import (
	"time"

	"github.com/google/uuid"
)

// TaskAttempt — одно выполнение task в рамках session.
//
// Attempt создаётся при старте session (StartSession) в статусе READY.
// Дальше он выдаётся ровно одному агенту за раз (lease) и меняется только
// через callbacks succeeded / failed / retry с предъявлением lock_id.
type TaskAttempt struct {
	// ID — идентификатор task (taskId).
	ID uuid.UUID `json:"id"`

	// SiteID — tenant scope. Все идентификаторы уникальны в пределах site.
	SiteID int `json:"site_id"`

	// SessionID — session, которой принадлежит attempt.
	SessionID uuid.UUID `json:"session_id"`

	// ProjectID — проект, чей архив нужен агенту для выполнения.
	ProjectID uuid.UUID `json:"project_id"`

	// Workflow — имя workflow в проекте.
	Workflow string `json:"workflow"`

	// Type — тег оператора ("pg", "redshift_load", "http", ...).
	Type string `json:"type"`

	// Config — параметры оператора из определения workflow
	// (с учётом override params session).
	Config map[string]any `json:"config,omitempty"`

	// Status — текущий статус.
	Status AttemptStatus `json:"status"`

	// LockID — lease token, выданный при lease. Пустой, если attempt не выдан.
	LockID string `json:"lock_id,omitempty"`

	// AgentID — агент, который держит lease.
	AgentID string `json:"agent_id,omitempty"`

	// LockExpiresAt — когда lease истекает без heartbeat.
	LockExpiresAt *time.Time `json:"lock_expires_at,omitempty"`

	// RetryCount — сколько раз оператор просил retry.
	RetryCount int `json:"retry_count"`

	// StateParams — state, переживающий retry.
	StateParams StateParams `json:"state_params"`

	// LastError — последняя ошибка (информационно, для истории).
	LastError *ErrorDoc `json:"last_error,omitempty"`

	// Result — outputs успешного выполнения.
	Result map[string]any `json:"result,omitempty"`

	// NextRunAt — не раньше этого времени attempt может быть выдан агенту.
	NextRunAt time.Time `json:"next_run_at"`

	// StartedAt — время первого lease.
	StartedAt *time.Time `json:"started_at,omitempty"`

	// FinishedAt — время перехода в финальный статус.
	FinishedAt *time.Time `json:"finished_at,omitempty"`

	// CreatedAt — время создания.
	CreatedAt time.Time `json:"created_at"`

	// UpdatedAt — время последнего изменения.
	UpdatedAt time.Time `json:"updated_at"`
}

// Key возвращает ключ attempt, уникальный между sites.
func (t *TaskAttempt) Key() AttemptKey {
	return AttemptKey{SiteID: t.SiteID, TaskID: t.ID}
}

// IsFinished возвращает true, если attempt завершён.
func (t *TaskAttempt) IsFinished() bool {
	return t.Status.IsTerminal()
}

// LeaseLive проверяет, держит ли кто-то живой lease на момент now.
func (t *TaskAttempt) LeaseLive(now time.Time) bool {
	return t.Status == AttemptStatusRunning &&
		t.LockExpiresAt != nil &&
		t.LockExpiresAt.After(now)
}

// Leasable проверяет, может ли attempt быть выдан агенту на момент now:
// READY с наступившим next_run_at либо RUNNING с истёкшим lease.
func (t *TaskAttempt) Leasable(now time.Time) bool {
	switch t.Status {
	case AttemptStatusReady:
		return !t.NextRunAt.After(now)
	case AttemptStatusRunning:
		return !t.LeaseLive(now)
	default:
		return false
	}
}

// OwnedBy проверяет, что lease с lockID и agentID всё ещё текущий.
// Это единственная проверка, которая защищает attempt от "zombie" агента.
func (t *TaskAttempt) OwnedBy(lockID, agentID string, now time.Time) bool {
	return lockID != "" &&
		t.LockID == lockID &&
		t.AgentID == agentID &&
		t.LeaseLive(now)
}

// MarkLeased выдаёт attempt агенту.
func (t *TaskAttempt) MarkLeased(lockID, agentID string, leaseFor time.Duration, now time.Time) {
	expires := now.Add(leaseFor)
	t.Status = AttemptStatusRunning
	t.LockID = lockID
	t.AgentID = agentID
	t.LockExpiresAt = &expires
	if t.StartedAt == nil {
		t.StartedAt = &now
	}
	t.UpdatedAt = now
}

// RenewLease продлевает lease.
func (t *TaskAttempt) RenewLease(leaseFor time.Duration, now time.Time) time.Time {
	expires := now.Add(leaseFor)
	t.LockExpiresAt = &expires
	t.UpdatedAt = now
	return expires
}

// MarkSucceeded переводит attempt в SUCCEEDED и освобождает lease.
func (t *TaskAttempt) MarkSucceeded(result map[string]any, now time.Time) {
	t.releaseLease()
	t.Status = AttemptStatusSucceeded
	t.Result = result
	t.FinishedAt = &now
	t.UpdatedAt = now
}

// MarkFailed переводит attempt в FAILED и освобождает lease.
func (t *TaskAttempt) MarkFailed(errDoc *ErrorDoc, now time.Time) {
	t.releaseLease()
	t.Status = AttemptStatusFailed
	t.LastError = errDoc
	t.FinishedAt = &now
	t.UpdatedAt = now
}

// MarkRetry заменяет state params целиком, освобождает lease
// и откладывает attempt до now+interval.
func (t *TaskAttempt) MarkRetry(interval time.Duration, state StateParams, errDoc *ErrorDoc, now time.Time) {
	t.releaseLease()
	t.Status = AttemptStatusRetryWaiting
	t.StateParams = state
	t.RetryCount++
	if errDoc != nil {
		t.LastError = errDoc
	}
	t.NextRunAt = now.Add(interval)
	t.UpdatedAt = now
}

// MarkReady переводит RETRY_WAITING в READY.
func (t *TaskAttempt) MarkReady(now time.Time) {
	t.Status = AttemptStatusReady
	t.UpdatedAt = now
}

// Clone возвращает глубокую копию attempt.
func (t *TaskAttempt) Clone() *TaskAttempt {
	c := *t
	c.Config = deepCopyMap(t.Config)
	c.Result = deepCopyMap(t.Result)
	c.LockExpiresAt = copyTime(t.LockExpiresAt)
	c.StartedAt = copyTime(t.StartedAt)
	c.FinishedAt = copyTime(t.FinishedAt)
	if t.LastError != nil {
		e := *t.LastError
		e.Details = deepCopyMap(t.LastError.Details)
		c.LastError = &e
	}
	return &c
}

func copyTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

func (t *TaskAttempt) releaseLease() {
	t.LockID = ""
	t.AgentID = ""
	t.LockExpiresAt = nil
}

// AttemptKey — ключ attempt (site + task).
type AttemptKey struct {
	SiteID int
	TaskID uuid.UUID
}

// LeaseRenewal — новый дедлайн lease для lockID после heartbeat.
type LeaseRenewal struct {
	LockID    string    `json:"lock_id"`
	TaskID    uuid.UUID `json:"task_id"`
	ExpiresAt time.Time `json:"expires_at"`
}

// TaskResult — результат успешного выполнения оператора.
type TaskResult struct {
	// Outputs — произвольные выходные данные.
	Outputs map[string]any `json:"outputs,omitempty"`
}

// LeasedTask — attempt, выданный агенту, со всем, что нужно для запуска оператора.
type LeasedTask struct {
	SiteID        int            `json:"site_id"`
	TaskID        uuid.UUID      `json:"task_id"`
	SessionID     uuid.UUID      `json:"session_id"`
	ProjectID     uuid.UUID      `json:"project_id"`
	Workflow      string         `json:"workflow"`
	Type          string         `json:"type"`
	Config        map[string]any `json:"config,omitempty"`
	StateParams   StateParams    `json:"state_params"`
	RetryCount    int            `json:"retry_count"`
	LockID        string         `json:"lock_id"`
	LockExpiresAt time.Time      `json:"lock_expires_at"`
}

// Leased возвращает описание lease для агента.
// Вызывается только для attempt в RUNNING.
func (t *TaskAttempt) Leased() LeasedTask {
	lt := LeasedTask{
		SiteID:      t.SiteID,
		TaskID:      t.ID,
		SessionID:   t.SessionID,
		ProjectID:   t.ProjectID,
		Workflow:    t.Workflow,
		Type:        t.Type,
		Config:      deepCopyMap(t.Config),
		StateParams: t.StateParams,
		RetryCount:  t.RetryCount,
		LockID:      t.LockID,
	}
	if t.LockExpiresAt != nil {
		lt.LockExpiresAt = *t.LockExpiresAt
	}
	return lt
}

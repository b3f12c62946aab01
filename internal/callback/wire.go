package callback

import "github.com/shaiso/Conveyor/internal/domain"

// JSON-тела callback API. Используются и HTTP-обработчиками ядра,
// и HTTP-клиентом агента.

// LeaseRequest — тело POST /agent/lease.
type LeaseRequest struct {
	AgentID      string `json:"agent_id"`
	LeaseSeconds int    `json:"lease_seconds,omitempty"`
	Limit        int    `json:"limit"`
}

// LeaseResponse — ответ на lease.
type LeaseResponse struct {
	Tasks []domain.LeasedTask `json:"tasks"`
}

// HeartbeatRequest — тело POST /agent/heartbeat.
type HeartbeatRequest struct {
	AgentID      string   `json:"agent_id"`
	LockIDs      []string `json:"lock_ids"`
	LeaseSeconds int      `json:"lease_seconds,omitempty"`
}

// HeartbeatResponse — ответ на heartbeat.
type HeartbeatResponse struct {
	Renewals []domain.LeaseRenewal `json:"renewals"`
}

// LockRequest — поля lease, общие для всех мутирующих callbacks.
type LockRequest struct {
	LockID  string `json:"lock_id"`
	AgentID string `json:"agent_id"`
}

// SucceededRequest — тело POST /tasks/{id}/succeeded.
type SucceededRequest struct {
	LockRequest
	Outputs map[string]any `json:"outputs,omitempty"`
}

// Result возвращает outputs как domain.TaskResult.
func (r SucceededRequest) Result() domain.TaskResult {
	return domain.TaskResult{Outputs: r.Outputs}
}

// FailedRequest — тело POST /tasks/{id}/failed.
type FailedRequest struct {
	LockRequest
	Error *domain.ErrorDoc `json:"error"`
}

// RetryRequest — тело POST /tasks/{id}/retry.
type RetryRequest struct {
	LockRequest
	RetryIntervalSeconds int                `json:"retry_interval_seconds"`
	StateParams          domain.StateParams `json:"state_params"`
	Error                *domain.ErrorDoc   `json:"error,omitempty"`
}

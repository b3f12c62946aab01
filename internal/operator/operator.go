package operator

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/shaiso/Conveyor/internal/domain"
)

// Operator — один вызов оператора для task attempt.
//
// Экземпляр создаётся заново на каждый вызов. Весь прогресс между вызовами
// оператор восстанавливает из Request.State.
type Operator interface {
	// Run выполняет работу. Ошибка трактуется агентом как Failure.
	Run(ctx context.Context) (Result, error)
}

// Factory создаёт операторы одного типа.
type Factory interface {
	// Type возвращает тег типа ("pg", "redshift_load", ...).
	Type() string

	// SecretSelectors возвращает selectors секретов, доступных оператору
	// (например, "pg.*"). Секреты вне selectors оператор не увидит.
	SecretSelectors(params map[string]any) []string

	// New конфигурирует оператор по запросу.
	New(req *Request) (Operator, error)
}

// Request — всё, что оператор знает о вызове.
type Request struct {
	SiteID     int
	TaskID     uuid.UUID
	SessionID  uuid.UUID
	ProjectID  uuid.UUID
	Workflow   string
	Type       string
	RetryCount int

	// Params — config task, объединённый с секцией Params[Type].
	Params map[string]any

	// State — State Params на момент вызова.
	State domain.StateParams

	// LastError — последняя ошибка attempt (информационно).
	LastError *domain.ErrorDoc

	// WorkDir — распакованный архив проекта.
	WorkDir string

	// Secrets — секреты, ограниченные SecretSelectors фабрики.
	Secrets SecretProvider

	// Logger — логгер с атрибутами task.
	Logger *slog.Logger
}

func (r *Request) logger() *slog.Logger {
	if r.Logger == nil {
		return slog.Default()
	}
	return r.Logger
}

// DefaultSecretSelectors возвращает selectors по умолчанию для типа: "<type>.*".
func DefaultSecretSelectors(operatorType string) []string {
	return []string{operatorType + ".*"}
}

// --- Result ---

// Result — исход вызова оператора: Success, RetryAfter или Failure.
type Result interface {
	isResult()
}

// Success — оператор завершил работу.
type Success struct {
	Outputs map[string]any
}

// RetryAfter — вызвать оператор снова не раньше чем через Delay.
// State целиком заменяет State Params attempt.
type RetryAfter struct {
	Delay time.Duration
	State domain.StateParams

	// Error — необязательная информация для истории попыток.
	Error *domain.ErrorDoc
}

// Failure — постоянная ошибка.
type Failure struct {
	Error *domain.ErrorDoc
}

func (Success) isResult()    {}
func (RetryAfter) isResult() {}
func (Failure) isResult()    {}

// DelaySeconds возвращает задержку в целых секундах (с округлением вверх).
func (r RetryAfter) DelaySeconds() int {
	if r.Delay <= 0 {
		return 0
	}
	return int((r.Delay + time.Second - 1) / time.Second)
}

// MergeParams объединяет config task с вложенной секцией config[type].
// Значения верхнего уровня имеют приоритет над секцией.
func MergeParams(config map[string]any, operatorType string) map[string]any {
	merged := make(map[string]any, len(config))
	if nested, ok := config[operatorType].(map[string]any); ok {
		for k, v := range nested {
			merged[k] = v
		}
	}
	for k, v := range config {
		if k == operatorType {
			continue
		}
		merged[k] = v
	}
	return merged
}

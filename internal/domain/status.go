package domain

// AttemptStatus — статус task attempt.
//
// Жизненный цикл:
//
//	READY → RUNNING → SUCCEEDED
//	                ↘ FAILED
//	                ↘ RETRY_WAITING → READY (когда наступит next_run_at)
//
// RUNNING с истёкшим lease снова может быть выдан агенту.
type AttemptStatus string

const (
	// AttemptStatusReady — attempt ожидает, пока его заберёт агент.
	AttemptStatusReady AttemptStatus = "READY"

	// AttemptStatusRunning — attempt выдан агенту (есть lock_id).
	AttemptStatusRunning AttemptStatus = "RUNNING"

	// AttemptStatusRetryWaiting — оператор попросил retry, ждём next_run_at.
	AttemptStatusRetryWaiting AttemptStatus = "RETRY_WAITING"

	// AttemptStatusSucceeded — attempt успешно завершён.
	AttemptStatusSucceeded AttemptStatus = "SUCCEEDED"

	// AttemptStatusFailed — attempt завершился ошибкой.
	AttemptStatusFailed AttemptStatus = "FAILED"
)

// IsTerminal возвращает true, если статус финальный.
func (s AttemptStatus) IsTerminal() bool {
	switch s {
	case AttemptStatusSucceeded, AttemptStatusFailed:
		return true
	default:
		return false
	}
}

// IsActive возвращает true, если attempt ещё не завершён.
// Используется для лимита активных attempts на site.
func (s AttemptStatus) IsActive() bool {
	return !s.IsTerminal()
}

// ParseAttemptStatus парсит строку в AttemptStatus.
// Возвращает false для неизвестных значений.
func ParseAttemptStatus(s string) (AttemptStatus, bool) {
	switch st := AttemptStatus(s); st {
	case AttemptStatusReady, AttemptStatusRunning, AttemptStatusRetryWaiting,
		AttemptStatusSucceeded, AttemptStatusFailed:
		return st, true
	default:
		return "", false
	}
}

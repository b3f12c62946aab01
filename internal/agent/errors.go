package agent

import "errors"

// Ошибки агента.
var (
	// ErrArchive — архив проекта повреждён или небезопасен.
	ErrArchive = errors.New("invalid project archive")

	// ErrCoreUnavailable — ядро не ответило после всех повторов.
	ErrCoreUnavailable = errors.New("core unavailable")

	// ErrAgentStopped — агент остановлен.
	ErrAgentStopped = errors.New("agent stopped")
)

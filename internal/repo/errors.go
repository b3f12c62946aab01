package repo

import "errors"

// Общие ошибки репозиториев.
var (
	// ErrNotFound — запись не найдена в БД.
	ErrNotFound = errors.New("not found")

	// ErrAlreadyExists — запись уже существует (конфликт уникальности).
	ErrAlreadyExists = errors.New("already exists")

	// ErrInvalidState — операция невозможна в текущем состоянии.
	ErrInvalidState = errors.New("invalid state")

	// ErrLeaseConflict — lock_id/agent_id не совпадают с текущим lease
	// или lease уже истёк. Attempt при этом не меняется.
	ErrLeaseConflict = errors.New("lease conflict")

	// ErrResourceLimitExceeded — у site слишком много активных attempts.
	ErrResourceLimitExceeded = errors.New("resource limit exceeded")
)

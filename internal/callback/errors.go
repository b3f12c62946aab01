package callback

import (
	"errors"

	"github.com/shaiso/Conveyor/internal/repo"
)

// Ошибки Task Callback Service.
var (
	// ErrLeaseConflict — lock_id/agent_id не совпадают с текущим lease.
	ErrLeaseConflict = repo.ErrLeaseConflict

	// ErrNotFound — attempt, проект, workflow или session не найдены.
	ErrNotFound = repo.ErrNotFound

	// ErrResourceLimitExceeded — превышен лимит активных attempts site.
	ErrResourceLimitExceeded = repo.ErrResourceLimitExceeded

	// ErrInvalidArgument — некорректные параметры вызова.
	ErrInvalidArgument = errors.New("invalid argument")
)

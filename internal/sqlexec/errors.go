package sqlexec

import (
	"errors"
	"fmt"
)

// Ошибки внешней SQL-системы.
var (
	// ErrLockConflict — строку status table для ключа держит другая транзакция.
	ErrLockConflict = errors.New("status table row is locked by another transaction")

	// ErrStrictTransactionUnsupported — диалект не поддерживает strict transaction.
	ErrStrictTransactionUnsupported = errors.New("strict transaction is not supported")

	// ErrUnknownDialect — неизвестный диалект в конфигурации.
	ErrUnknownDialect = errors.New("unknown sql dialect")
)

// DatabaseError — ошибка внешней БД с исходной причиной.
//
// Считается постоянной: оператор сообщает её пользователю как
// "message [cause]" и не ретраит.
type DatabaseError struct {
	Message string
	Cause   error
}

func (e *DatabaseError) Error() string {
	if e.Cause == nil {
		return e.Message
	}
	return fmt.Sprintf("%s [%s]", e.Message, e.Cause.Error())
}

func (e *DatabaseError) Unwrap() error {
	return e.Cause
}

// ValidationError — statement невалиден (синтаксис, несуществующая таблица и т.п.).
type ValidationError struct {
	Statement string
	Message   string
	Cause     error
}

func (e *ValidationError) Error() string {
	if e.Cause == nil {
		return e.Message
	}
	return fmt.Sprintf("%s: %v", e.Message, e.Cause)
}

func (e *ValidationError) Unwrap() error {
	return e.Cause
}

// IsLockConflict проверяет, является ли ошибка lock conflict.
func IsLockConflict(err error) bool {
	return errors.Is(err, ErrLockConflict)
}

// classify превращает ошибку драйвера в ErrLockConflict, ValidationError или DatabaseError.
func classify(d Dialect, statement, message string, err error) error {
	if err == nil {
		return nil
	}

	// Уже классифицированные ошибки пробрасываем как есть
	var dbErr *DatabaseError
	var valErr *ValidationError
	if errors.Is(err, ErrLockConflict) || errors.As(err, &dbErr) || errors.As(err, &valErr) {
		return err
	}

	switch d.Classify(err) {
	case errorClassLockConflict:
		return fmt.Errorf("%w: %v", ErrLockConflict, err)
	case errorClassValidation:
		return &ValidationError{Statement: statement, Message: "invalid statement", Cause: err}
	default:
		return &DatabaseError{Message: message, Cause: err}
	}
}

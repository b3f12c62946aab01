package domain

import "fmt"

// ErrorKind — категория ошибки в ErrorDoc.
type ErrorKind string

const (
	// ErrorKindValidation — невалидная конфигурация или statement. Не ретраится.
	ErrorKindValidation ErrorKind = "validation"

	// ErrorKindExternalSystem — ошибка внешней системы (БД, HTTP endpoint).
	ErrorKindExternalSystem ErrorKind = "external_system"

	// ErrorKindOperator — неструктурированная ошибка оператора.
	ErrorKindOperator ErrorKind = "operator"

	// ErrorKindInternal — паника или ошибка самого агента.
	ErrorKindInternal ErrorKind = "internal"

	// ErrorKindLeaseExpired — агент не продлил lease, attempt выдан заново.
	ErrorKindLeaseExpired ErrorKind = "lease_expired"
)

// ErrorDoc — структурированное описание ошибки task attempt.
//
// Хранится в last_error. На retry передаётся только для истории попыток
// и не влияет на control flow.
type ErrorDoc struct {
	// Message — сообщение для пользователя.
	Message string `json:"message"`

	// Kind — категория ошибки.
	Kind ErrorKind `json:"kind,omitempty"`

	// Cause — сообщение исходной ошибки (например, от драйвера БД).
	Cause string `json:"cause,omitempty"`

	// Details — произвольные дополнительные поля.
	Details map[string]any `json:"details,omitempty"`
}

// Error реализует интерфейс error.
func (e *ErrorDoc) Error() string {
	if e.Cause != "" {
		return fmt.Sprintf("%s [%s]", e.Message, e.Cause)
	}
	return e.Message
}

// NewErrorDoc создаёт ErrorDoc из обычной ошибки.
func NewErrorDoc(kind ErrorKind, err error) *ErrorDoc {
	if err == nil {
		return nil
	}
	return &ErrorDoc{Message: err.Error(), Kind: kind}
}

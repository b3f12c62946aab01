package operator

import (
	"errors"
	"fmt"

	"github.com/shaiso/Conveyor/internal/domain"
)

// Ошибки операторов.
var (
	// ErrUnknownOperatorType — тип оператора не зарегистрирован.
	ErrUnknownOperatorType = errors.New("unknown operator type")

	// ErrSecretNotFound — секрет не найден ни в одном namespace.
	ErrSecretNotFound = errors.New("secret not found")

	// ErrTemplateParse — ошибка парсинга шаблона в params.
	ErrTemplateParse = errors.New("template parse failed")

	// ErrTemplateRender — ошибка рендеринга шаблона в params.
	ErrTemplateRender = errors.New("template render failed")
)

// ConfigError — невалидная конфигурация оператора. Постоянная ошибка.
type ConfigError struct {
	Message string
	Err     error
}

// NewConfigError создаёт ConfigError с форматированным сообщением.
func NewConfigError(format string, args ...any) *ConfigError {
	return &ConfigError{Message: fmt.Sprintf(format, args...)}
}

func (e *ConfigError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *ConfigError) Unwrap() error {
	return e.Err
}

// ErrorDocFromError превращает ошибку оператора в ErrorDoc.
//
// ErrorDoc внутри цепочки сохраняется как есть, ConfigError получает
// kind validation, всё остальное оборачивается в kind operator.
func ErrorDocFromError(err error) *domain.ErrorDoc {
	if err == nil {
		return nil
	}

	var doc *domain.ErrorDoc
	if errors.As(err, &doc) {
		return doc
	}

	var cfgErr *ConfigError
	if errors.As(err, &cfgErr) {
		return &domain.ErrorDoc{Message: cfgErr.Error(), Kind: domain.ErrorKindValidation}
	}

	return &domain.ErrorDoc{Message: err.Error(), Kind: domain.ErrorKindOperator}
}

package operator

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"text/template"
	"time"

	"github.com/google/uuid"

	"github.com/shaiso/Conveyor/internal/domain"
)

// SessionTimeParam — param с логическим временем session.
const SessionTimeParam = domain.SessionTimeParam

// TemplateContext — данные, доступные шаблонам в params оператора.
//
//	{{ .SessionDate }}            2024-03-01
//	{{ .Params.table }}           значение param
//	{{ date "20060102" .SessionTime }}
type TemplateContext struct {
	SessionTime time.Time
	SessionID   uuid.UUID
	TaskID      uuid.UUID
	Workflow    string
	RetryCount  int
	Params      map[string]any
}

// NewTemplateContext собирает контекст из запроса.
// SessionTime берётся из param session_time.
func NewTemplateContext(req *Request) *TemplateContext {
	tc := &TemplateContext{
		SessionID:  req.SessionID,
		TaskID:     req.TaskID,
		Workflow:   req.Workflow,
		RetryCount: req.RetryCount,
		Params:     req.Params,
	}
	if s, ok := req.Params[SessionTimeParam].(string); ok {
		if t, err := time.Parse(time.RFC3339, s); err == nil {
			tc.SessionTime = t.UTC()
		}
	}
	if tc.Params == nil {
		tc.Params = map[string]any{}
	}
	return tc
}

// SessionDate — дата session в формате 2006-01-02.
func (c *TemplateContext) SessionDate() string {
	return c.SessionTime.Format(time.DateOnly)
}

// SessionDateCompact — дата session в формате 20060102.
func (c *TemplateContext) SessionDateCompact() string {
	return c.SessionTime.Format("20060102")
}

// SessionUnixtime — время session в секундах.
func (c *TemplateContext) SessionUnixtime() int64 {
	return c.SessionTime.Unix()
}

var templateFuncs = template.FuncMap{
	"json": func(v any) (string, error) {
		b, err := json.Marshal(v)
		return string(b), err
	},

	// default — значение по умолчанию для пустого аргумента
	"default": func(def, val any) any {
		if val == nil {
			return def
		}
		if s, ok := val.(string); ok && s == "" {
			return def
		}
		return val
	},

	"date": func(layout string, t time.Time) string {
		return t.Format(layout)
	},

	"addDays": func(days int, t time.Time) time.Time {
		return t.AddDate(0, 0, days)
	},

	"lower":   strings.ToLower,
	"upper":   strings.ToUpper,
	"trim":    strings.TrimSpace,
	"replace": strings.ReplaceAll,
}

// Render рендерит строку. Строки без "{{" возвращаются как есть.
func Render(tmpl string, ctx *TemplateContext) (string, error) {
	if !strings.Contains(tmpl, "{{") {
		return tmpl, nil
	}

	t, err := template.New("").Funcs(templateFuncs).Option("missingkey=error").Parse(tmpl)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrTemplateParse, err)
	}

	var buf bytes.Buffer
	if err := t.Execute(&buf, ctx); err != nil {
		return "", fmt.Errorf("%w: %v", ErrTemplateRender, err)
	}
	return buf.String(), nil
}

// RenderValue рендерит строки внутри map и slice рекурсивно.
func RenderValue(value any, ctx *TemplateContext) (any, error) {
	switch v := value.(type) {
	case string:
		return Render(v, ctx)

	case map[string]any:
		result := make(map[string]any, len(v))
		for key, val := range v {
			rendered, err := RenderValue(val, ctx)
			if err != nil {
				return nil, fmt.Errorf("%s: %w", key, err)
			}
			result[key] = rendered
		}
		return result, nil

	case []any:
		result := make([]any, len(v))
		for i, val := range v {
			rendered, err := RenderValue(val, ctx)
			if err != nil {
				return nil, err
			}
			result[i] = rendered
		}
		return result, nil

	default:
		return value, nil
	}
}

// RenderParams рендерит params запроса. Ошибка шаблона — ConfigError.
func RenderParams(req *Request) (map[string]any, error) {
	if req.Params == nil {
		return map[string]any{}, nil
	}

	rendered, err := RenderValue(req.Params, NewTemplateContext(req))
	if err != nil {
		return nil, &ConfigError{Message: "invalid template in params", Err: err}
	}
	return rendered.(map[string]any), nil
}

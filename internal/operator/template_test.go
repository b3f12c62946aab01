package operator

import (
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func templateRequest(params map[string]any) *Request {
	return &Request{
		SessionID:  uuid.MustParse("6f1c8e8e-0c5e-4a53-9b4e-6a5e2d1f0a11"),
		Workflow:   "load",
		RetryCount: 2,
		Params:     params,
	}
}

func TestRender(t *testing.T) {
	ctx := NewTemplateContext(templateRequest(map[string]any{
		SessionTimeParam: "2024-03-01T09:30:00+03:00",
		"table":          "events",
	}))

	tests := []struct {
		name     string
		template string
		expected string
	}{
		{"plain", "SELECT 1", "SELECT 1"},
		{"session date", "dt = '{{ .SessionDate }}'", "dt = '2024-03-01'"},
		{"compact", "events_{{ .SessionDateCompact }}", "events_20240301"},
		{"session time is utc", "{{ date \"15:04\" .SessionTime }}", "06:30"},
		{"add days", "{{ date \"2006-01-02\" (addDays -1 .SessionTime) }}", "2024-02-29"},
		{"param", "INSERT INTO {{ .Params.table }}", "INSERT INTO events"},
		{"default", "{{ default \"x\" .Params.table }}", "events"},
		{"workflow", "{{ upper .Workflow }}", "LOAD"},
		{"retry", "{{ .RetryCount }}", "2"},
		{"unix", "{{ .SessionUnixtime }}", "1709274600"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Render(tt.template, ctx)
			require.NoError(t, err)
			assert.Equal(t, tt.expected, got)
		})
	}
}

func TestRender_Errors(t *testing.T) {
	ctx := NewTemplateContext(templateRequest(nil))

	_, err := Render("{{ .Params.missing }}", ctx)
	assert.ErrorIs(t, err, ErrTemplateRender)

	_, err = Render("{{ .SessionDate", ctx)
	assert.ErrorIs(t, err, ErrTemplateParse)
}

func TestRenderParams(t *testing.T) {
	req := templateRequest(map[string]any{
		SessionTimeParam: "2024-03-01T00:00:00Z",
		"query":          "DELETE FROM t WHERE dt = '{{ .SessionDate }}'",
		"limit":          10,
		"headers":        map[string]any{"X-Date": "{{ .SessionDateCompact }}"},
		"tables":         []any{"a_{{ .SessionDateCompact }}", true},
	})

	params, err := RenderParams(req)
	require.NoError(t, err)

	assert.Equal(t, "DELETE FROM t WHERE dt = '2024-03-01'", params["query"])
	assert.Equal(t, 10, params["limit"])
	assert.Equal(t, map[string]any{"X-Date": "20240301"}, params["headers"])
	assert.Equal(t, []any{"a_20240301", true}, params["tables"])
	assert.Equal(t, "DELETE FROM t WHERE dt = '{{ .SessionDate }}'", req.Params["query"], "source params are not modified")

	_, err = RenderParams(templateRequest(map[string]any{"query": "{{ .Nope }}"}))
	var cfgErr *ConfigError
	require.True(t, errors.As(err, &cfgErr))
	assert.Equal(t, "validation", string(ErrorDocFromError(err).Kind))
}

func TestNewTemplateContext_NoSessionTime(t *testing.T) {
	ctx := NewTemplateContext(templateRequest(nil))
	assert.True(t, ctx.SessionTime.IsZero())
	assert.NotNil(t, ctx.Params)
	assert.Equal(t, time.UTC, ctx.SessionTime.Location())
}

package cli

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shaiso/Conveyor/internal/api"
	"github.com/shaiso/Conveyor/internal/callback"
	"github.com/shaiso/Conveyor/internal/domain"
	"github.com/shaiso/Conveyor/internal/project"
	"github.com/shaiso/Conveyor/internal/repo"
)

type nopScheduler struct{}

func (nopScheduler) Schedule(domain.AttemptKey, time.Time) {}

func newServer(t *testing.T) *httptest.Server {
	t.Helper()

	clock := clockwork.NewFakeClockAt(time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC))
	store := repo.NewMemoryStore()
	svc := callback.New(callback.Config{Store: store, Scheduler: nopScheduler{}, Clock: clock})

	mux := http.NewServeMux()
	api.NewHandler(api.Config{Service: svc, Store: store, Clock: clock}).RegisterRoutes(mux)

	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func projectDir(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, project.ManifestName), []byte(`
workflows:
  - name: load
    type: pg
    config:
      query: INSERT INTO t VALUES (1)
`), 0o644))
	return dir
}

// run выполняет команду CLI и возвращает stdout.
func run(t *testing.T, url string, args ...string) (string, error) {
	t.Helper()

	var stdout, stderr bytes.Buffer
	root := &cobra.Command{Use: "conveyor", SilenceUsage: true, SilenceErrors: true}
	clientFn := func() *Client { return NewClient(url, 1) }
	outputFn := func() *Output { return NewOutputTo(true, &stdout, &stderr) }
	root.AddCommand(
		NewProjectCmd(clientFn, outputFn),
		NewSessionCmd(clientFn, outputFn),
		NewTaskCmd(clientFn, outputFn),
		NewScheduleCmd(clientFn, outputFn),
	)
	root.SetArgs(args)
	root.SetOut(&stdout)
	root.SetErr(&stderr)

	err := root.Execute()
	return stdout.String(), err
}

func decode[T any](t *testing.T, s string) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal([]byte(s), &v), s)
	return v
}

func TestCLI_ProjectSessionTask(t *testing.T) {
	srv := newServer(t)

	out, err := run(t, srv.URL, "project", "push", projectDir(t), "--name", "etl")
	require.NoError(t, err)
	p := decode[ProjectResponse](t, out)
	assert.Equal(t, "etl", p.Name)
	assert.Equal(t, 1, p.Revision)
	require.Len(t, p.Workflows, 1)

	out, err = run(t, srv.URL, "project", "list")
	require.NoError(t, err)
	assert.Len(t, decode[[]ProjectResponse](t, out), 1)

	out, err = run(t, srv.URL, "session", "start", p.ID, "load",
		"--time", "2024-03-01T00:00:00Z", "--param", "limit=10", "--param", "dry=true")
	require.NoError(t, err)
	s := decode[SessionResponse](t, out)
	assert.True(t, s.Created)
	assert.Equal(t, map[string]any{"limit": float64(10), "dry": true}, s.Params)

	out, err = run(t, srv.URL, "session", "start", p.ID, "load", "--time", "2024-03-01T00:00:00Z")
	require.NoError(t, err)
	again := decode[SessionResponse](t, out)
	assert.False(t, again.Created)
	assert.Equal(t, s.ID, again.ID)

	out, err = run(t, srv.URL, "task", "list", "--session-id", s.ID)
	require.NoError(t, err)
	tasks := decode[[]TaskResponse](t, out)
	require.Len(t, tasks, 1)
	assert.Equal(t, "READY", tasks[0].Status)
	assert.Equal(t, "pg", tasks[0].Type)

	out, err = run(t, srv.URL, "task", "show", s.TaskID)
	require.NoError(t, err)
	assert.Equal(t, s.TaskID, decode[TaskResponse](t, out).ID)
}

func TestCLI_Schedules(t *testing.T) {
	srv := newServer(t)

	out, err := run(t, srv.URL, "project", "push", projectDir(t), "--name", "etl")
	require.NoError(t, err)
	p := decode[ProjectResponse](t, out)

	out, err = run(t, srv.URL, "schedule", "create", p.ID, "load", "--cron", "0 * * * *")
	require.NoError(t, err)
	sched := decode[ScheduleResponse](t, out)
	assert.True(t, sched.Enabled)
	assert.Equal(t, "0 * * * *", sched.CronExpr)

	out, err = run(t, srv.URL, "schedule", "update", sched.ID, "--cron", "@daily")
	require.NoError(t, err)
	assert.Equal(t, "@daily", decode[ScheduleResponse](t, out).CronExpr)

	_, err = run(t, srv.URL, "schedule", "disable", sched.ID)
	require.NoError(t, err)

	out, err = run(t, srv.URL, "schedule", "show", sched.ID)
	require.NoError(t, err)
	assert.False(t, decode[ScheduleResponse](t, out).Enabled)

	_, err = run(t, srv.URL, "schedule", "delete", sched.ID)
	require.NoError(t, err)

	_, err = run(t, srv.URL, "schedule", "show", sched.ID)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "NOT_FOUND")
}

func TestCLI_Errors(t *testing.T) {
	srv := newServer(t)

	_, err := run(t, srv.URL, "project", "push", t.TempDir())
	require.Error(t, err, "directory without manifest")

	_, err = run(t, srv.URL, "session", "start", "not-a-uuid", "load")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "BAD_REQUEST")

	_, err = run(t, srv.URL, "session", "start", "x", "load", "--param", "novalue")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "KEY=VALUE")
}

func TestParseParams(t *testing.T) {
	params, err := parseParams([]string{"a=1", "b=1.5", "c=true", "d=text", "e=x=y"})
	require.NoError(t, err)
	assert.Equal(t, map[string]any{
		"a": int64(1),
		"b": 1.5,
		"c": true,
		"d": "text",
		"e": "x=y",
	}, params)

	params, err = parseParams(nil)
	require.NoError(t, err)
	assert.Nil(t, params)
}

package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shaiso/Conveyor/internal/agent"
	"github.com/shaiso/Conveyor/internal/callback"
	"github.com/shaiso/Conveyor/internal/domain"
	"github.com/shaiso/Conveyor/internal/project"
	"github.com/shaiso/Conveyor/internal/repo"
)

type nopScheduler struct{}

func (nopScheduler) Schedule(domain.AttemptKey, time.Time) {}

type testServer struct {
	*httptest.Server
	clock *clockwork.FakeClock
	store *repo.MemoryStore
}

func newTestServer(t *testing.T, maxActive int) *testServer {
	t.Helper()

	clock := clockwork.NewFakeClockAt(time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC))
	store := repo.NewMemoryStore()
	svc := callback.New(callback.Config{
		Store:             store,
		Scheduler:         nopScheduler{},
		Clock:             clock,
		MaxActiveAttempts: maxActive,
	})

	mux := http.NewServeMux()
	NewHandler(Config{Service: svc, Store: store, Clock: clock}).RegisterRoutes(mux)

	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return &testServer{Server: srv, clock: clock, store: store}
}

func (s *testServer) do(t *testing.T, method, path string, body any) (*http.Response, map[string]any) {
	t.Helper()

	var reader *bytes.Reader
	switch b := body.(type) {
	case nil:
		reader = bytes.NewReader(nil)
	case []byte:
		reader = bytes.NewReader(b)
	default:
		data, err := json.Marshal(b)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequest(method, s.URL+path, reader)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	var out map[string]any
	if resp.StatusCode != http.StatusNoContent {
		_ = json.NewDecoder(resp.Body).Decode(&out)
	}
	return resp, out
}

func packProject(t *testing.T) []byte {
	t.Helper()
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, project.ManifestName), []byte(`
workflows:
  - name: load
    type: pg
    config:
      query: INSERT INTO t VALUES (1)
`), 0o644))
	data, err := project.Pack(dir)
	require.NoError(t, err)
	return data
}

func (s *testServer) putProject(t *testing.T) string {
	t.Helper()
	resp, body := s.do(t, http.MethodPut, "/api/v1/sites/1/projects?name=etl", packProject(t))
	require.Equal(t, http.StatusOK, resp.StatusCode, body)
	return body["data"].(map[string]any)["id"].(string)
}

func TestAPI_SessionLifecycle(t *testing.T) {
	ctx := context.Background()
	s := newTestServer(t, 0)
	projectID := s.putProject(t)

	start := map[string]any{"project_id": projectID, "workflow": "load", "session_time": "2024-03-01T00:00:00Z"}
	resp, body := s.do(t, http.MethodPost, "/api/v1/sites/1/sessions", start)
	require.Equal(t, http.StatusCreated, resp.StatusCode, body)
	taskID := body["data"].(map[string]any)["task_id"].(string)

	resp, body = s.do(t, http.MethodPost, "/api/v1/sites/1/sessions", start)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, false, body["data"].(map[string]any)["created"])

	client := agent.NewClient(agent.ClientConfig{BaseURL: s.URL, MaxElapsed: time.Second})

	tasks, err := client.Lease(ctx, 1, "agent-1", 60, 5)
	require.NoError(t, err)
	require.Len(t, tasks, 1)
	task := tasks[0]
	assert.Equal(t, taskID, task.TaskID.String())
	assert.Equal(t, "INSERT INTO t VALUES (1)", task.Config["query"])

	archive, err := client.OpenArchive(ctx, 1, task.ProjectID)
	require.NoError(t, err)
	m, err := project.ReadManifest(archive)
	require.NoError(t, err)
	assert.Equal(t, "load", m.Workflows[0].Name)

	renewals, err := client.Heartbeat(ctx, 1, []string{task.LockID, "unknown"}, "agent-1", 60)
	require.NoError(t, err)
	assert.Len(t, renewals, 1)

	// Чужой lock отклоняется с 409.
	err = client.Succeeded(ctx, 1, task.TaskID, "bogus", "agent-1", domain.TaskResult{})
	assert.ErrorIs(t, err, callback.ErrLeaseConflict)

	err = client.Retry(ctx, 1, task.TaskID, task.LockID, "agent-1", 0, domain.EmptyState().With("query_id", "q"), nil)
	require.NoError(t, err)

	resp, body = s.do(t, http.MethodGet, "/api/v1/sites/1/tasks/"+taskID, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	data := body["data"].(map[string]any)
	assert.Equal(t, "RETRY_WAITING", data["status"])
	assert.Equal(t, map[string]any{"query_id": "q"}, data["state_params"])
	assert.NotContains(t, data, "lock_id")

	resp, body = s.do(t, http.MethodGet, "/api/v1/sites/1/tasks?status=RETRY_WAITING", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.EqualValues(t, 1, body["total"])

	resp, _ = s.do(t, http.MethodGet, "/api/v1/sites/2/tasks/"+taskID, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode, "tasks of other sites are invisible")
}

func TestAPI_ErrorMapping(t *testing.T) {
	s := newTestServer(t, 1)
	projectID := s.putProject(t)

	tests := []struct {
		name   string
		method string
		path   string
		body   any
		status int
		code   ErrorCode
	}{
		{"bad site", http.MethodGet, "/api/v1/sites/abc/tasks", nil, http.StatusBadRequest, ErrCodeBadRequest},
		{"bad status", http.MethodGet, "/api/v1/sites/1/tasks?status=DONE", nil, http.StatusBadRequest, ErrCodeBadRequest},
		{"missing task", http.MethodGet, fmt.Sprintf("/api/v1/sites/1/tasks/%s", projectID), nil, http.StatusNotFound, ErrCodeNotFound},
		{"unknown workflow", http.MethodPost, "/api/v1/sites/1/sessions", map[string]any{"project_id": projectID, "workflow": "nope"}, http.StatusNotFound, ErrCodeNotFound},
		{"lease without agent", http.MethodPost, "/api/v1/sites/1/agent/lease", map[string]any{"limit": 1}, http.StatusBadRequest, ErrCodeBadRequest},
		{"archive without manifest", http.MethodPut, "/api/v1/sites/1/projects?name=x", []byte("junk"), http.StatusBadRequest, ErrCodeBadRequest},
		{"project without name", http.MethodPut, "/api/v1/sites/1/projects", packProject(t), http.StatusBadRequest, ErrCodeBadRequest},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, body := s.do(t, tt.method, tt.path, tt.body)
			assert.Equal(t, tt.status, resp.StatusCode)
			assert.Equal(t, string(tt.code), body["error"].(map[string]any)["code"])
		})
	}

	t.Run("active limit", func(t *testing.T) {
		resp, _ := s.do(t, http.MethodPost, "/api/v1/sites/1/sessions", map[string]any{"project_id": projectID, "workflow": "load"})
		require.Equal(t, http.StatusCreated, resp.StatusCode)

		s.clock.Advance(time.Minute)
		resp, body := s.do(t, http.MethodPost, "/api/v1/sites/1/sessions", map[string]any{"project_id": projectID, "workflow": "load"})
		assert.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
		assert.Equal(t, string(ErrCodeTooManyRequests), body["error"].(map[string]any)["code"])
	})
}

func TestAPI_ProjectRevisions(t *testing.T) {
	s := newTestServer(t, 0)
	first := s.putProject(t)

	resp, body := s.do(t, http.MethodPut, "/api/v1/sites/1/projects?name=etl", packProject(t))
	require.Equal(t, http.StatusOK, resp.StatusCode)
	data := body["data"].(map[string]any)
	assert.Equal(t, first, data["id"])
	assert.EqualValues(t, 2, data["revision"])

	resp, body = s.do(t, http.MethodGet, "/api/v1/sites/1/projects", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.EqualValues(t, 1, body["total"])
}

func TestAPI_Schedules(t *testing.T) {
	s := newTestServer(t, 0)
	projectID := s.putProject(t)

	resp, body := s.do(t, http.MethodPost, "/api/v1/sites/1/schedules", map[string]any{
		"project_id": projectID,
		"workflow":   "load",
		"cron_expr":  "0 * * * *",
		"enabled":    true,
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode, body)
	data := body["data"].(map[string]any)
	id := data["id"].(string)
	assert.Equal(t, "2024-03-01T13:00:00Z", data["next_due_at"])
	assert.Equal(t, "UTC", data["timezone"])

	resp, _ = s.do(t, http.MethodPost, "/api/v1/sites/1/schedules", map[string]any{
		"project_id": projectID, "workflow": "load", "cron_expr": "bad",
	})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, body = s.do(t, http.MethodPut, "/api/v1/sites/1/schedules/"+id, map[string]any{"interval_sec": 600})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	data = body["data"].(map[string]any)
	assert.EqualValues(t, 600, data["interval_sec"])

	resp, body = s.do(t, http.MethodPut, "/api/v1/sites/1/schedules/"+id+"/enabled", map[string]any{"enabled": false})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, false, body["data"].(map[string]any)["enabled"])

	resp, _ = s.do(t, http.MethodGet, "/api/v1/sites/2/schedules/"+id, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp, body = s.do(t, http.MethodGet, "/api/v1/sites/1/schedules?enabled=false", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.EqualValues(t, 1, body["total"])

	resp, _ = s.do(t, http.MethodDelete, "/api/v1/sites/1/schedules/"+id, nil)
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	resp, _ = s.do(t, http.MethodGet, "/api/v1/sites/1/schedules/"+id, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

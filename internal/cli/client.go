package cli

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"
)

// --- Response types (дублируются из api/dto.go, CLI не импортирует internal/api) ---

// WorkflowResponse — определение workflow проекта.
type WorkflowResponse struct {
	Name   string         `json:"name"`
	Type   string         `json:"type"`
	Config map[string]any `json:"config,omitempty"`
}

// ProjectResponse — проект из API.
type ProjectResponse struct {
	ID         string             `json:"id"`
	SiteID     int                `json:"site_id"`
	Name       string             `json:"name"`
	Revision   int                `json:"revision"`
	ArchiveMD5 string             `json:"archive_md5"`
	Workflows  []WorkflowResponse `json:"workflows"`
	CreatedAt  string             `json:"created_at"`
	UpdatedAt  string             `json:"updated_at"`
}

// SessionResponse — session из API.
type SessionResponse struct {
	ID               string         `json:"id"`
	ProjectID        string         `json:"project_id"`
	Workflow         string         `json:"workflow"`
	SessionTime      string         `json:"session_time"`
	RetryAttemptName string         `json:"retry_attempt_name,omitempty"`
	Params           map[string]any `json:"params,omitempty"`
	TaskID           string         `json:"task_id"`
	CreatedAt        string         `json:"created_at"`
	Created          bool           `json:"created"`
}

// ErrorDocResponse — последняя ошибка attempt.
type ErrorDocResponse struct {
	Message string `json:"message"`
	Kind    string `json:"kind"`
}

// TaskResponse — attempt из API.
type TaskResponse struct {
	ID          string            `json:"id"`
	SessionID   string            `json:"session_id"`
	ProjectID   string            `json:"project_id"`
	Workflow    string            `json:"workflow"`
	Type        string            `json:"type"`
	Status      string            `json:"status"`
	AgentID     string            `json:"agent_id,omitempty"`
	RetryCount  int               `json:"retry_count"`
	StateParams map[string]any    `json:"state_params,omitempty"`
	LastError   *ErrorDocResponse `json:"last_error,omitempty"`
	Result      map[string]any    `json:"result,omitempty"`
	NextRunAt   string            `json:"next_run_at"`
	StartedAt   string            `json:"started_at,omitempty"`
	FinishedAt  string            `json:"finished_at,omitempty"`
	CreatedAt   string            `json:"created_at"`
}

// ScheduleResponse — schedule из API.
type ScheduleResponse struct {
	ID            string         `json:"id"`
	ProjectID     string         `json:"project_id"`
	Workflow      string         `json:"workflow"`
	CronExpr      string         `json:"cron_expr,omitempty"`
	IntervalSec   int            `json:"interval_sec,omitempty"`
	Timezone      string         `json:"timezone"`
	Enabled       bool           `json:"enabled"`
	NextDueAt     string         `json:"next_due_at,omitempty"`
	LastSessionAt string         `json:"last_session_at,omitempty"`
	LastSessionID string         `json:"last_session_id,omitempty"`
	Params        map[string]any `json:"params,omitempty"`
	CreatedAt     string         `json:"created_at"`
	UpdatedAt     string         `json:"updated_at"`
}

// --- Request types ---

// StartSessionRequest — запуск session.
type StartSessionRequest struct {
	ProjectID        string         `json:"project_id"`
	Workflow         string         `json:"workflow"`
	SessionTime      *time.Time     `json:"session_time,omitempty"`
	RetryAttemptName string         `json:"retry_attempt_name,omitempty"`
	Params           map[string]any `json:"params,omitempty"`
}

// CreateScheduleRequest — создание schedule.
type CreateScheduleRequest struct {
	ProjectID   string         `json:"project_id"`
	Workflow    string         `json:"workflow"`
	CronExpr    string         `json:"cron_expr,omitempty"`
	IntervalSec int            `json:"interval_sec,omitempty"`
	Timezone    string         `json:"timezone,omitempty"`
	Enabled     bool           `json:"enabled"`
	Params      map[string]any `json:"params,omitempty"`
}

// UpdateScheduleRequest — обновление schedule.
type UpdateScheduleRequest struct {
	Workflow    *string `json:"workflow,omitempty"`
	CronExpr    *string `json:"cron_expr,omitempty"`
	IntervalSec *int    `json:"interval_sec,omitempty"`
	Timezone    *string `json:"timezone,omitempty"`
}

// ListTasksOpts — параметры фильтрации attempts.
type ListTasksOpts struct {
	Status    string
	SessionID string
	Limit     int
}

// --- API response wrappers ---

type dataResponse struct {
	Data json.RawMessage `json:"data"`
}

type listResponse struct {
	Data  json.RawMessage `json:"data"`
	Total int             `json:"total"`
}

type errorResponse struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

// --- Client ---

// Client — HTTP-клиент для Conveyor API одного site.
type Client struct {
	baseURL    string
	siteID     int
	httpClient *http.Client
}

// NewClient создаёт клиент для API.
func NewClient(baseURL string, siteID int) *Client {
	return &Client{
		baseURL: baseURL,
		siteID:  siteID,
		httpClient: &http.Client{
			Timeout: 60 * time.Second,
		},
	}
}

func (c *Client) path(p string) string {
	return "/api/v1/sites/" + strconv.Itoa(c.siteID) + p
}

// --- Projects ---

// PushProject загружает архив проекта. Повторная загрузка создаёт новую ревизию.
func (c *Client) PushProject(name string, archive []byte) (*ProjectResponse, error) {
	path := c.path("/projects") + "?" + url.Values{"name": {name}}.Encode()

	req, err := http.NewRequest(http.MethodPut, c.baseURL+path, bytes.NewReader(archive))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/gzip")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var project ProjectResponse
	if err := c.decodeData(resp, &project); err != nil {
		return nil, err
	}
	return &project, nil
}

// ListProjects возвращает проекты site.
func (c *Client) ListProjects() ([]ProjectResponse, error) {
	var projects []ProjectResponse
	err := c.list(c.path("/projects"), nil, &projects)
	return projects, err
}

// GetProject возвращает проект по ID.
func (c *Client) GetProject(id string) (*ProjectResponse, error) {
	var project ProjectResponse
	err := c.get(c.path("/projects/"+id), &project)
	return &project, err
}

// --- Sessions ---

// StartSession запускает workflow.
func (c *Client) StartSession(req StartSessionRequest) (*SessionResponse, error) {
	var session SessionResponse
	err := c.post(c.path("/sessions"), req, &session)
	return &session, err
}

// GetSession возвращает session по ID.
func (c *Client) GetSession(id string) (*SessionResponse, error) {
	var session SessionResponse
	err := c.get(c.path("/sessions/"+id), &session)
	return &session, err
}

// --- Tasks ---

// ListTasks возвращает attempts с фильтрацией.
func (c *Client) ListTasks(opts ListTasksOpts) ([]TaskResponse, error) {
	params := url.Values{}
	if opts.Status != "" {
		params.Set("status", opts.Status)
	}
	if opts.SessionID != "" {
		params.Set("session_id", opts.SessionID)
	}
	if opts.Limit > 0 {
		params.Set("limit", strconv.Itoa(opts.Limit))
	}

	var tasks []TaskResponse
	err := c.list(c.path("/tasks"), params, &tasks)
	return tasks, err
}

// GetTask возвращает attempt по ID.
func (c *Client) GetTask(id string) (*TaskResponse, error) {
	var task TaskResponse
	err := c.get(c.path("/tasks/"+id), &task)
	return &task, err
}

// --- Schedules ---

// ListSchedules возвращает schedules. Если projectID не пустой — фильтрует.
func (c *Client) ListSchedules(projectID string) ([]ScheduleResponse, error) {
	params := url.Values{}
	if projectID != "" {
		params.Set("project_id", projectID)
	}

	var schedules []ScheduleResponse
	err := c.list(c.path("/schedules"), params, &schedules)
	return schedules, err
}

// CreateSchedule создаёт schedule.
func (c *Client) CreateSchedule(req CreateScheduleRequest) (*ScheduleResponse, error) {
	var schedule ScheduleResponse
	err := c.post(c.path("/schedules"), req, &schedule)
	return &schedule, err
}

// GetSchedule возвращает schedule по ID.
func (c *Client) GetSchedule(id string) (*ScheduleResponse, error) {
	var schedule ScheduleResponse
	err := c.get(c.path("/schedules/"+id), &schedule)
	return &schedule, err
}

// UpdateSchedule обновляет schedule.
func (c *Client) UpdateSchedule(id string, req UpdateScheduleRequest) (*ScheduleResponse, error) {
	var schedule ScheduleResponse
	err := c.put(c.path("/schedules/"+id), req, &schedule)
	return &schedule, err
}

// DeleteSchedule удаляет schedule.
func (c *Client) DeleteSchedule(id string) error {
	resp, err := c.do(http.MethodDelete, c.path("/schedules/"+id), nil)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	return c.checkError(resp)
}

// SetScheduleEnabled включает или выключает schedule.
func (c *Client) SetScheduleEnabled(id string, enabled bool) (*ScheduleResponse, error) {
	var schedule ScheduleResponse
	err := c.put(c.path("/schedules/"+id+"/enabled"), map[string]bool{"enabled": enabled}, &schedule)
	return &schedule, err
}

// --- HTTP helpers ---

func (c *Client) get(path string, result any) error {
	return c.doData(http.MethodGet, path, nil, result)
}

func (c *Client) post(path string, body any, result any) error {
	return c.doData(http.MethodPost, path, body, result)
}

func (c *Client) put(path string, body any, result any) error {
	return c.doData(http.MethodPut, path, body, result)
}

func (c *Client) list(path string, params url.Values, result any) error {
	if len(params) > 0 {
		path = path + "?" + params.Encode()
	}

	resp, err := c.do(http.MethodGet, path, nil)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if err := c.checkError(resp); err != nil {
		return err
	}

	var lr listResponse
	if err := json.NewDecoder(resp.Body).Decode(&lr); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return json.Unmarshal(lr.Data, result)
}

func (c *Client) doData(method, path string, body any, result any) error {
	resp, err := c.do(method, path, body)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	return c.decodeData(resp, result)
}

func (c *Client) decodeData(resp *http.Response, result any) error {
	if err := c.checkError(resp); err != nil {
		return err
	}

	// 204 No Content
	if resp.StatusCode == http.StatusNoContent || result == nil {
		return nil
	}

	var dr dataResponse
	if err := json.NewDecoder(resp.Body).Decode(&dr); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return json.Unmarshal(dr.Data, result)
}

func (c *Client) do(method, path string, body any) (*http.Response, error) {
	var bodyReader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal request: %w", err)
		}
		bodyReader = bytes.NewReader(data)
	}

	req, err := http.NewRequest(method, c.baseURL+path, bodyReader)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	return c.httpClient.Do(req)
}

func (c *Client) checkError(resp *http.Response) error {
	if resp.StatusCode < 400 {
		return nil
	}

	var er errorResponse
	if err := json.NewDecoder(resp.Body).Decode(&er); err != nil {
		return fmt.Errorf("API error: HTTP %d", resp.StatusCode)
	}
	return fmt.Errorf("%s: %s", er.Error.Code, er.Error.Message)
}

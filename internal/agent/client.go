package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"

	"github.com/shaiso/Conveyor/internal/callback"
	"github.com/shaiso/Conveyor/internal/domain"
)

// Core — callback API ядра. Реализуется *Client (HTTP) и *callback.Service.
type Core interface {
	Lease(ctx context.Context, siteID int, agentID string, leaseSeconds, limit int) ([]domain.LeasedTask, error)
	Heartbeat(ctx context.Context, siteID int, lockIDs []string, agentID string, leaseSeconds int) ([]domain.LeaseRenewal, error)
	Succeeded(ctx context.Context, siteID int, taskID uuid.UUID, lockID, agentID string, result domain.TaskResult) error
	Failed(ctx context.Context, siteID int, taskID uuid.UUID, lockID, agentID string, errDoc *domain.ErrorDoc) error
	Retry(ctx context.Context, siteID int, taskID uuid.UUID, lockID, agentID string, retryIntervalSeconds int, state domain.StateParams, errDoc *domain.ErrorDoc) error
	OpenArchive(ctx context.Context, siteID int, projectID uuid.UUID) ([]byte, error)
}

var _ Core = (*callback.Service)(nil)

// Client — HTTP-клиент callback API.
//
// Сетевые ошибки, 5xx и 429 повторяются с exponential backoff.
// 409 превращается в callback.ErrLeaseConflict, 404 — в callback.ErrNotFound.
type Client struct {
	baseURL    string
	httpClient *http.Client
	maxElapsed time.Duration
	logger     *slog.Logger
}

// ClientConfig — конфигурация Client.
type ClientConfig struct {
	BaseURL    string
	HTTPClient *http.Client  // default: timeout 30s
	MaxElapsed time.Duration // общее время повторов (default: 1m)
	Logger     *slog.Logger
}

// NewClient создаёт Client.
func NewClient(cfg ClientConfig) *Client {
	c := &Client{
		baseURL:    cfg.BaseURL,
		httpClient: cfg.HTTPClient,
		maxElapsed: cfg.MaxElapsed,
		logger:     cfg.Logger,
	}
	if c.httpClient == nil {
		c.httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	if c.maxElapsed <= 0 {
		c.maxElapsed = time.Minute
	}
	if c.logger == nil {
		c.logger = slog.Default()
	}
	return c
}

// Lease реализует Core.
func (c *Client) Lease(ctx context.Context, siteID int, agentID string, leaseSeconds, limit int) ([]domain.LeasedTask, error) {
	var resp callback.LeaseResponse
	err := c.call(ctx, http.MethodPost, sitePath(siteID, "/agent/lease"), callback.LeaseRequest{
		AgentID:      agentID,
		LeaseSeconds: leaseSeconds,
		Limit:        limit,
	}, &resp)
	return resp.Tasks, err
}

// Heartbeat реализует Core.
func (c *Client) Heartbeat(ctx context.Context, siteID int, lockIDs []string, agentID string, leaseSeconds int) ([]domain.LeaseRenewal, error) {
	var resp callback.HeartbeatResponse
	err := c.call(ctx, http.MethodPost, sitePath(siteID, "/agent/heartbeat"), callback.HeartbeatRequest{
		AgentID:      agentID,
		LockIDs:      lockIDs,
		LeaseSeconds: leaseSeconds,
	}, &resp)
	return resp.Renewals, err
}

// Succeeded реализует Core.
func (c *Client) Succeeded(ctx context.Context, siteID int, taskID uuid.UUID, lockID, agentID string, result domain.TaskResult) error {
	return c.call(ctx, http.MethodPost, taskPath(siteID, taskID, "succeeded"), callback.SucceededRequest{
		LockRequest: callback.LockRequest{LockID: lockID, AgentID: agentID},
		Outputs:     result.Outputs,
	}, nil)
}

// Failed реализует Core.
func (c *Client) Failed(ctx context.Context, siteID int, taskID uuid.UUID, lockID, agentID string, errDoc *domain.ErrorDoc) error {
	return c.call(ctx, http.MethodPost, taskPath(siteID, taskID, "failed"), callback.FailedRequest{
		LockRequest: callback.LockRequest{LockID: lockID, AgentID: agentID},
		Error:       errDoc,
	}, nil)
}

// Retry реализует Core.
func (c *Client) Retry(ctx context.Context, siteID int, taskID uuid.UUID, lockID, agentID string, retryIntervalSeconds int, state domain.StateParams, errDoc *domain.ErrorDoc) error {
	return c.call(ctx, http.MethodPost, taskPath(siteID, taskID, "retry"), callback.RetryRequest{
		LockRequest:          callback.LockRequest{LockID: lockID, AgentID: agentID},
		RetryIntervalSeconds: retryIntervalSeconds,
		StateParams:          state,
		Error:                errDoc,
	}, nil)
}

// OpenArchive реализует Core.
func (c *Client) OpenArchive(ctx context.Context, siteID int, projectID uuid.UUID) ([]byte, error) {
	var archive []byte
	err := c.retry(ctx, "open archive", func() error {
		resp, err := c.send(ctx, http.MethodGet, sitePath(siteID, "/projects/"+projectID.String()+"/archive"), nil)
		if err != nil {
			return err
		}
		defer resp.Body.Close()

		if err := checkResponse(resp); err != nil {
			return err
		}
		archive, err = io.ReadAll(resp.Body)
		return err
	})
	return archive, err
}

// --- HTTP helpers ---

// dataResponse — обёртка {"data": ...} ответов API.
type dataResponse struct {
	Data json.RawMessage `json:"data"`
}

type errorResponse struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

func sitePath(siteID int, path string) string {
	return fmt.Sprintf("/api/v1/sites/%d%s", siteID, path)
}

func taskPath(siteID int, taskID uuid.UUID, callbackName string) string {
	return sitePath(siteID, "/tasks/"+taskID.String()+"/"+callbackName)
}

// call отправляет JSON и декодирует data в result, повторяя временные ошибки.
func (c *Client) call(ctx context.Context, method, path string, body, result any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}

	return c.retry(ctx, path, func() error {
		resp, err := c.send(ctx, method, path, payload)
		if err != nil {
			return err
		}
		defer resp.Body.Close()

		if err := checkResponse(resp); err != nil {
			return err
		}
		if result == nil || resp.StatusCode == http.StatusNoContent {
			return nil
		}

		var dr dataResponse
		if err := json.NewDecoder(resp.Body).Decode(&dr); err != nil {
			return backoff.Permanent(fmt.Errorf("decode response: %w", err))
		}
		if err := json.Unmarshal(dr.Data, result); err != nil {
			return backoff.Permanent(fmt.Errorf("decode response data: %w", err))
		}
		return nil
	})
}

func (c *Client) retry(ctx context.Context, what string, op backoff.Operation) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 200 * time.Millisecond
	b.MaxInterval = 10 * time.Second
	b.MaxElapsedTime = c.maxElapsed

	err := backoff.RetryNotify(op, backoff.WithContext(b, ctx), func(err error, d time.Duration) {
		c.logger.Warn("core request failed, retrying", "request", what, "delay", d, "error", err)
	})
	if err == nil {
		return nil
	}
	if errors.Is(err, callback.ErrLeaseConflict) ||
		errors.Is(err, callback.ErrNotFound) ||
		errors.Is(err, callback.ErrInvalidArgument) ||
		errors.Is(err, callback.ErrResourceLimitExceeded) ||
		ctx.Err() != nil {
		return err
	}
	return fmt.Errorf("%w: %v", ErrCoreUnavailable, err)
}

func (c *Client) send(ctx context.Context, method, path string, payload []byte) (*http.Response, error) {
	var body io.Reader
	if payload != nil {
		body = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return nil, backoff.Permanent(fmt.Errorf("create request: %w", err))
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return c.httpClient.Do(req)
}

// checkResponse переводит HTTP-статус в ошибку. Ошибки 4xx (кроме 429)
// помечаются как permanent и не повторяются.
func checkResponse(resp *http.Response) error {
	if resp.StatusCode < 400 {
		return nil
	}

	var er errorResponse
	_ = json.NewDecoder(resp.Body).Decode(&er)
	msg := er.Error.Message
	if msg == "" {
		msg = resp.Status
	}

	switch {
	case resp.StatusCode == http.StatusConflict:
		return backoff.Permanent(fmt.Errorf("%w: %s", callback.ErrLeaseConflict, msg))
	case resp.StatusCode == http.StatusNotFound:
		return backoff.Permanent(fmt.Errorf("%w: %s", callback.ErrNotFound, msg))
	case resp.StatusCode == http.StatusTooManyRequests:
		return fmt.Errorf("%w: %s", callback.ErrResourceLimitExceeded, msg)
	case resp.StatusCode >= 500:
		return fmt.Errorf("core returned %d: %s", resp.StatusCode, msg)
	default:
		return backoff.Permanent(fmt.Errorf("%w: %s", callback.ErrInvalidArgument, msg))
	}
}

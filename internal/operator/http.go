package operator

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/shaiso/Conveyor/internal/domain"
)

const (
	// TypeHTTP — тег оператора HTTP запроса.
	TypeHTTP = "http"

	defaultHTTPTimeout = 30 * time.Second
	defaultHTTPRetries = 3
	maxResponseBody    = 10 * 1024 * 1024 // 10 MB

	// httpAttemptsKey — число неудачных попыток в State Params.
	httpAttemptsKey = "http.failed_attempts"
)

// HTTPFactory — фабрика оператора "http".
//
// Параметры:
//   - method (string): HTTP-метод. Default: GET
//   - url (string): URL запроса (обязательно)
//   - headers (map): заголовки запроса
//   - body (any): тело запроса (строка как есть, иначе JSON)
//   - timeout (duration): таймаут запроса. Default: 30s
//   - retries (int): сколько раз повторять 5xx и сетевые ошибки. Default: 3
//   - validate_ssl (bool): проверять сертификат. Default: true
//
// Outputs:
//   - status_code (int): HTTP-код ответа
//   - headers (map[string]string): заголовки ответа
//   - body (any): тело ответа (JSON или строка)
//
// Секреты из namespace "http" подставляются в заголовки вида
// "Authorization: ${secret:token}".
type HTTPFactory struct {
	// Transport — подменяется в тестах.
	Transport http.RoundTripper
}

// Type реализует Factory.
func (f *HTTPFactory) Type() string {
	return TypeHTTP
}

// SecretSelectors реализует Factory.
func (f *HTTPFactory) SecretSelectors(map[string]any) []string {
	return DefaultSecretSelectors(TypeHTTP)
}

// New реализует Factory.
func (f *HTTPFactory) New(req *Request) (Operator, error) {
	cfg, err := parseHTTPConfig(req.Params)
	if err != nil {
		return nil, err
	}
	return &httpOperator{factory: f, req: req, cfg: cfg}, nil
}

type httpConfig struct {
	method      string
	url         string
	headers     map[string]string
	body        any
	timeout     time.Duration
	retries     int
	validateSSL bool
}

func parseHTTPConfig(params map[string]any) (*httpConfig, error) {
	url, err := RequireString(params, "url")
	if err != nil {
		return nil, err
	}

	timeout, err := GetDuration(params, "timeout", defaultHTTPTimeout)
	if err != nil {
		return nil, err
	}

	retries, ok, err := GetInt(params, "retries")
	if err != nil {
		return nil, err
	}
	if !ok {
		retries = defaultHTTPRetries
	}

	validateSSL, err := GetBool(params, "validate_ssl", true)
	if err != nil {
		return nil, err
	}

	headers := GetStringMap(params, "headers")
	if headers == nil {
		headers = make(map[string]string)
	}

	return &httpConfig{
		method:      strings.ToUpper(GetString(params, "method", http.MethodGet)),
		url:         url,
		headers:     headers,
		body:        params["body"],
		timeout:     timeout,
		retries:     retries,
		validateSSL: validateSSL,
	}, nil
}

type httpOperator struct {
	factory *HTTPFactory
	req     *Request
	cfg     *httpConfig
}

func (o *httpOperator) Run(ctx context.Context) (Result, error) {
	ctx, cancel := context.WithTimeout(ctx, o.cfg.timeout)
	defer cancel()

	httpReq, err := o.buildRequest(ctx)
	if err != nil {
		return Failure{Error: ErrorDocFromError(err)}, nil
	}

	resp, err := o.client().Do(httpReq)
	if err != nil {
		return o.retryOrFail(fmt.Sprintf("http request failed: %v", err))
	}
	defer resp.Body.Close()

	outputs, err := parseHTTPResponse(resp)
	if err != nil {
		return o.retryOrFail(err.Error())
	}

	switch {
	case resp.StatusCode >= 500:
		return o.retryOrFail(fmt.Sprintf("HTTP %d: %s", resp.StatusCode, resp.Status))
	case resp.StatusCode >= 400:
		return Failure{Error: &domain.ErrorDoc{
			Message: fmt.Sprintf("HTTP %d: %s", resp.StatusCode, resp.Status),
			Kind:    domain.ErrorKindExternalSystem,
			Details: map[string]any{"status_code": resp.StatusCode, "body": truncate(fmt.Sprint(outputs["body"]), 1024)},
		}}, nil
	}

	return Success{Outputs: outputs}, nil
}

// retryOrFail повторяет запрос с backoff, пока не исчерпан лимит retries.
func (o *httpOperator) retryOrFail(message string) (Result, error) {
	state := o.req.State
	failed, _ := state.Int(httpAttemptsKey, 0)
	errDoc := &domain.ErrorDoc{Message: message, Kind: domain.ErrorKindExternalSystem}

	if failed >= o.cfg.retries {
		return Failure{Error: errDoc}, nil
	}

	o.req.logger().Warn("http request failed, retrying",
		"url", o.cfg.url,
		"attempt", failed+1,
		"error", message,
	)
	return RetryWithBackoff(state.With(httpAttemptsKey, failed+1), errDoc), nil
}

func (o *httpOperator) client() *http.Client {
	transport := o.factory.Transport
	if transport == nil {
		transport = &http.Transport{
			TLSClientConfig: &tls.Config{InsecureSkipVerify: !o.cfg.validateSSL},
		}
	}
	return &http.Client{Transport: transport}
}

func (o *httpOperator) buildRequest(ctx context.Context) (*http.Request, error) {
	var bodyReader io.Reader
	if o.cfg.body != nil {
		bodyBytes, err := serializeBody(o.cfg.body)
		if err != nil {
			return nil, NewConfigError("serialize body: %v", err)
		}
		bodyReader = bytes.NewReader(bodyBytes)
	}

	req, err := http.NewRequestWithContext(ctx, o.cfg.method, o.cfg.url, bodyReader)
	if err != nil {
		return nil, &ConfigError{Message: "invalid request", Err: err}
	}

	for key, value := range o.cfg.headers {
		resolved, err := o.resolveSecrets(value)
		if err != nil {
			return nil, err
		}
		req.Header.Set(key, resolved)
	}

	if bodyReader != nil && req.Header.Get("Content-Type") == "" {
		req.Header.Set("Content-Type", "application/json")
	}
	return req, nil
}

// resolveSecrets подставляет ${secret:name} из namespace "http".
func (o *httpOperator) resolveSecrets(value string) (string, error) {
	const open, closing = "${secret:", "}"
	for {
		start := strings.Index(value, open)
		if start < 0 {
			return value, nil
		}
		end := strings.Index(value[start:], closing)
		if end < 0 {
			return value, nil
		}
		name := value[start+len(open) : start+end]
		if o.req.Secrets == nil {
			return "", fmt.Errorf("%w: %s.%s", ErrSecretNotFound, TypeHTTP, name)
		}
		secret, err := GetSecretRequired(o.req.Secrets.Namespace(TypeHTTP), name)
		if err != nil {
			return "", err
		}
		value = value[:start] + secret + value[start+end+len(closing):]
	}
}

func serializeBody(body any) ([]byte, error) {
	switch v := body.(type) {
	case string:
		return []byte(v), nil
	case []byte:
		return v, nil
	default:
		return json.Marshal(v)
	}
}

func parseHTTPResponse(resp *http.Response) (map[string]any, error) {
	bodyBytes, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
	if err != nil {
		return nil, fmt.Errorf("read response body: %w", err)
	}

	var body any
	if strings.Contains(resp.Header.Get("Content-Type"), "application/json") {
		if err := json.Unmarshal(bodyBytes, &body); err != nil {
			body = string(bodyBytes)
		}
	} else {
		body = string(bodyBytes)
	}

	headers := make(map[string]string, len(resp.Header))
	for key := range resp.Header {
		headers[key] = resp.Header.Get(key)
	}

	return map[string]any{
		"status_code": resp.StatusCode,
		"headers":     headers,
		"body":        body,
	}, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

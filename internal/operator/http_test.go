package operator

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shaiso/Conveyor/internal/domain"
)

func newFakeClock() *clockwork.FakeClock {
	return clockwork.NewFakeClockAt(time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC))
}

func runHTTP(t *testing.T, params map[string]any, state domain.StateParams, secrets SecretProvider) Result {
	t.Helper()

	op, err := (&HTTPFactory{}).New(&Request{
		Type:    TypeHTTP,
		Params:  params,
		State:   state,
		Secrets: secrets,
	})
	require.NoError(t, err)

	res, err := op.Run(context.Background())
	require.NoError(t, err)
	return res
}

func TestHTTPOperator_Success(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		assert.Equal(t, "Bearer s3cr3t", r.Header.Get("Authorization"))

		var body map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "value", body["key"])

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusCreated)
		w.Write([]byte(`{"id": 7}`))
	}))
	defer server.Close()

	secrets := NewSecretStore(map[string]string{"http.token": "s3cr3t"})

	res := runHTTP(t, map[string]any{
		"method":  "post",
		"url":     server.URL,
		"headers": map[string]any{"Authorization": "Bearer ${secret:token}"},
		"body":    map[string]any{"key": "value"},
	}, domain.EmptyState(), secrets)

	success, ok := res.(Success)
	require.True(t, ok, "expected Success, got %T", res)
	assert.Equal(t, http.StatusCreated, success.Outputs["status_code"])
	assert.Equal(t, map[string]any{"id": float64(7)}, success.Outputs["body"])
}

func TestHTTPOperator_ServerErrorRetries(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer server.Close()

	params := map[string]any{"url": server.URL, "retries": 2}
	state := domain.EmptyState()

	var delays []time.Duration
	for i := 0; i < 2; i++ {
		res := runHTTP(t, params, state, nil)
		retry, ok := res.(RetryAfter)
		require.True(t, ok, "attempt %d: expected RetryAfter, got %T", i, res)
		require.NotNil(t, retry.Error)
		assert.Equal(t, domain.ErrorKindExternalSystem, retry.Error.Kind)
		delays = append(delays, retry.Delay)
		state = retry.State
	}
	assert.Equal(t, []time.Duration{time.Second, 2 * time.Second}, delays)

	res := runHTTP(t, params, state, nil)
	failure, ok := res.(Failure)
	require.True(t, ok, "expected Failure after retries are exhausted, got %T", res)
	assert.Contains(t, failure.Error.Message, "HTTP 502")
}

func TestHTTPOperator_ClientErrorFails(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "no such thing", http.StatusNotFound)
	}))
	defer server.Close()

	res := runHTTP(t, map[string]any{"url": server.URL}, domain.EmptyState(), nil)
	failure, ok := res.(Failure)
	require.True(t, ok)
	assert.Equal(t, 404, failure.Error.Details["status_code"])
}

func TestHTTPOperator_MissingSecret(t *testing.T) {
	res := runHTTP(t, map[string]any{
		"url":     "http://127.0.0.1:1",
		"headers": map[string]any{"X-Token": "${secret:missing}"},
	}, domain.EmptyState(), NewSecretStore(nil))

	failure, ok := res.(Failure)
	require.True(t, ok)
	assert.Contains(t, failure.Error.Message, "secret not found")
}

func TestHTTPFactory_RequiresURL(t *testing.T) {
	_, err := (&HTTPFactory{}).New(&Request{Params: map[string]any{}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), `"url" is required`)
}

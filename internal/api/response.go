package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/shaiso/Conveyor/internal/callback"
	"github.com/shaiso/Conveyor/internal/repo"
)

// ErrorCode — код ошибки API.
type ErrorCode string

const (
	ErrCodeBadRequest      ErrorCode = "BAD_REQUEST"
	ErrCodeNotFound        ErrorCode = "NOT_FOUND"
	ErrCodeConflict        ErrorCode = "CONFLICT"
	ErrCodeLeaseConflict   ErrorCode = "LEASE_CONFLICT"
	ErrCodeInvalidState    ErrorCode = "INVALID_STATE"
	ErrCodeTooManyRequests ErrorCode = "RESOURCE_LIMIT_EXCEEDED"
	ErrCodeTooLarge        ErrorCode = "PAYLOAD_TOO_LARGE"
	ErrCodeInternalError   ErrorCode = "INTERNAL_ERROR"
	ErrCodeMethodNotAllow  ErrorCode = "METHOD_NOT_ALLOWED"
)

// ErrorResponse — структура ответа с ошибкой.
type ErrorResponse struct {
	Error ErrorDetail `json:"error"`
}

// ErrorDetail — детали ошибки.
type ErrorDetail struct {
	Code    ErrorCode `json:"code"`
	Message string    `json:"message"`
}

// DataResponse — структура успешного ответа.
type DataResponse struct {
	Data any `json:"data"`
}

// ListResponse — структура ответа со списком.
type ListResponse struct {
	Data  any `json:"data"`
	Total int `json:"total"`
}

// JSON отправляет JSON ответ.
func JSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

// Success отправляет успешный ответ с данными.
func Success(w http.ResponseWriter, data any) {
	JSON(w, http.StatusOK, DataResponse{Data: data})
}

// Created отправляет ответ о создании ресурса.
func Created(w http.ResponseWriter, data any) {
	JSON(w, http.StatusCreated, DataResponse{Data: data})
}

// NoContent отправляет ответ без тела (204).
func NoContent(w http.ResponseWriter) {
	w.WriteHeader(http.StatusNoContent)
}

// List отправляет ответ со списком.
func List(w http.ResponseWriter, data any, total int) {
	JSON(w, http.StatusOK, ListResponse{Data: data, Total: total})
}

// Error отправляет ответ с ошибкой.
func Error(w http.ResponseWriter, status int, code ErrorCode, message string) {
	JSON(w, status, ErrorResponse{
		Error: ErrorDetail{
			Code:    code,
			Message: message,
		},
	})
}

// BadRequest отправляет ошибку 400.
func BadRequest(w http.ResponseWriter, message string) {
	Error(w, http.StatusBadRequest, ErrCodeBadRequest, message)
}

// NotFound отправляет ошибку 404.
func NotFound(w http.ResponseWriter, message string) {
	Error(w, http.StatusNotFound, ErrCodeNotFound, message)
}

// InternalError отправляет ошибку 500.
func InternalError(w http.ResponseWriter, logger *slog.Logger, err error) {
	logger.Error("internal error", "error", err)
	Error(w, http.StatusInternalServerError, ErrCodeInternalError, "internal server error")
}

// HandleServiceError преобразует ошибку callback service или репозитория
// в HTTP ответ. Возвращает false, если err == nil.
func HandleServiceError(w http.ResponseWriter, logger *slog.Logger, err error) bool {
	if err == nil {
		return false
	}

	switch {
	case errors.Is(err, callback.ErrLeaseConflict):
		Error(w, http.StatusConflict, ErrCodeLeaseConflict, err.Error())
	case errors.Is(err, callback.ErrNotFound):
		NotFound(w, err.Error())
	case errors.Is(err, callback.ErrResourceLimitExceeded):
		Error(w, http.StatusTooManyRequests, ErrCodeTooManyRequests, err.Error())
	case errors.Is(err, callback.ErrInvalidArgument):
		BadRequest(w, err.Error())
	case errors.Is(err, repo.ErrAlreadyExists):
		Error(w, http.StatusConflict, ErrCodeConflict, err.Error())
	case errors.Is(err, repo.ErrInvalidState):
		Error(w, http.StatusUnprocessableEntity, ErrCodeInvalidState, err.Error())
	default:
		InternalError(w, logger, err)
	}
	return true
}

// queryInt читает целый query-параметр. Пустое или некорректное значение
// заменяется на defaultVal.
func queryInt(r *http.Request, name string, defaultVal int) int {
	v := r.URL.Query().Get(name)
	if v == "" {
		return defaultVal
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return defaultVal
	}
	return n
}

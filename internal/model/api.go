package model

import (
	"time"

	"github.com/google/uuid"
)

// APIResponse is the standard response envelope for the ops HTTP API.
type APIResponse struct {
	Data any          `json:"data,omitempty"`
	Meta ResponseMeta `json:"meta"`
}

// APIError is the standard error response envelope.
type APIError struct {
	Error ErrorDetail  `json:"error"`
	Meta  ResponseMeta `json:"meta"`
}

// ResponseMeta contains request metadata included in every response.
type ResponseMeta struct {
	RequestID string    `json:"request_id"`
	Timestamp time.Time `json:"timestamp"`
}

// ErrorDetail describes an API error.
type ErrorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Error codes returned by the ops API.
const (
	ErrCodeInvalidInput  = "INVALID_INPUT"
	ErrCodeNotFound      = "NOT_FOUND"
	ErrCodeConflict      = "CONFLICT"
	ErrCodeInternalError = "INTERNAL_ERROR"
	ErrCodeRateLimited   = "RATE_LIMITED"
	ErrCodeUnavailable   = "UNAVAILABLE"
)

// UpdateTaskStatusRequest is the body of PUT /v1/tasks/{task_id}/status.
type UpdateTaskStatusRequest struct {
	Status TaskStatus `json:"status"`
}

// QueueRetryRequest is the body of POST /v1/autoretry.
type QueueRetryRequest struct {
	TransactionID uuid.UUID `json:"transaction_id"`
}

// HealthResponse is the response for GET /health.
type HealthResponse struct {
	Status          string `json:"status"`
	Version         string `json:"version"`
	Postgres        string `json:"postgres"`
	TasksProcessing bool   `json:"tasks_processing"`
	ActiveRounds    int64  `json:"active_rounds"`
	Uptime          int64  `json:"uptime_seconds"`
}

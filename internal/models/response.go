// Package models - API response types and error handling.
// This file defines the outgoing API response structures with consistent formatting.
//
// Response Design Principles:
// - Consistent JSON structure across all endpoints
// - Optional fields use omitempty to reduce response size
// - Rich error information with codes for debugging
// - RFC3339 timestamps for international compatibility
package models

import (
	"time"
)

// MessageResponse is returned by the inbound-message endpoint. Reply carries
// the text to send back to the user; for rejected messages it is the
// user-facing wait/unavailable message rather than a model completion.
type MessageResponse struct {
	Accepted          bool   `json:"accepted"`                      // Whether the message was admitted
	Reply             string `json:"reply,omitempty"`               // Outbound reply text
	Remaining         int64  `json:"remaining,omitempty"`           // Requests left in the user window
	RetryAfterSeconds int    `json:"retry_after_seconds,omitempty"` // Wait hint when rejected
}

// ScopeStatus describes one rate limit scope for the status endpoint.
type ScopeStatus struct {
	Limit     int64     `json:"limit"`
	Consumed  int64     `json:"consumed"`
	Remaining int64     `json:"remaining"`
	ResetAt   time.Time `json:"reset_at"`
}

// RateLimitStatusResponse is a read-only snapshot of both scopes for one identity.
type RateLimitStatusResponse struct {
	Identity string      `json:"identity"`
	Enabled  bool        `json:"enabled"`
	Bypassed bool        `json:"bypassed"`
	User     ScopeStatus `json:"user"`
	Global   ScopeStatus `json:"global"`
}

// BreakerStatusResponse reports the breaker state machine for the admin API.
type BreakerStatusResponse struct {
	Service       string     `json:"service"`
	State         string     `json:"state"`
	FailureCount  int        `json:"failure_count"`
	SuccessCount  int        `json:"success_count"`
	NextAttemptAt *time.Time `json:"next_attempt_at,omitempty"` // Set only while open
}

type HealthCheckResponse struct {
	Status    string    `json:"status"`
	Timestamp time.Time `json:"timestamp"`
	Version   string    `json:"version,omitempty"`
}

type ErrorResponse struct {
	Error     string            `json:"error"`             // Error type (always "error")
	Message   string            `json:"message"`           // Human-readable error description
	Code      string            `json:"code,omitempty"`    // Machine-readable error code
	Details   map[string]string `json:"details,omitempty"` // Field-specific error details
	Timestamp time.Time         `json:"timestamp"`         // Error occurrence time
}

// Machine-readable error codes used in API responses.
const (
	ErrorCodeNotFound           = "NOT_FOUND"           // 404: Resource doesn't exist
	ErrorCodeInvalidRequest     = "INVALID_REQUEST"     // 400: Invalid request data
	ErrorCodeInternalError      = "INTERNAL_ERROR"      // 500: Server-side error
	ErrorCodeRateLimitExceeded  = "RATE_LIMIT_EXCEEDED" // 429: Admission rejected
	ErrorCodeServiceUnavailable = "SERVICE_UNAVAILABLE" // 503: Upstream circuit open
)

func NewErrorResponse(message string, code string) *ErrorResponse {
	return &ErrorResponse{
		Error:     "error",
		Message:   message,
		Code:      code,
		Timestamp: time.Now(),
	}
}

func NewHealthCheckResponse(version string) *HealthCheckResponse {
	return &HealthCheckResponse{
		Status:    "healthy",
		Timestamp: time.Now(),
		Version:   version,
	}
}

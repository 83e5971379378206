// Package aierr defines the error taxonomy of the assistant pipeline.
//
// Every failure that leaves the orchestrator is an *Error carrying a stable
// machine code, the HTTP status used when the failure happens before the
// response is committed, and whether a caller may retry.
package aierr

import (
	"errors"
	"fmt"
	"net/http"
	"time"
)

// Code is a stable machine-readable error code.
type Code string

const (
	CodeUnauthorized            Code = "UNAUTHORIZED"
	CodeNoTenant                Code = "NO_TENANT"
	CodeTemplateNotFound        Code = "TEMPLATE_NOT_FOUND"
	CodeConversationNotFound    Code = "CONVERSATION_NOT_FOUND"
	CodeValidation              Code = "VALIDATION_ERROR"
	CodeRequiredVariableMissing Code = "REQUIRED_VARIABLE_MISSING"
	CodeVariableNotFound        Code = "VARIABLE_NOT_FOUND"
	CodeVariableTypeMismatch    Code = "VARIABLE_TYPE_MISMATCH"
	CodeRateLimited             Code = "RATE_LIMIT_EXCEEDED"
	CodeProviderUnavailable     Code = "AI_PROVIDER_UNAVAILABLE"
	CodeTimeout                 Code = "AI_TIMEOUT"
	CodePersistence             Code = "PERSISTENCE_FAILURE"
	CodeStreaming               Code = "STREAMING_ERROR"
)

var statusByCode = map[Code]int{
	CodeUnauthorized:            http.StatusUnauthorized,
	CodeNoTenant:                http.StatusUnprocessableEntity,
	CodeTemplateNotFound:        http.StatusNotFound,
	CodeConversationNotFound:    http.StatusNotFound,
	CodeValidation:              http.StatusBadRequest,
	CodeRequiredVariableMissing: http.StatusBadRequest,
	CodeVariableNotFound:        http.StatusBadRequest,
	CodeVariableTypeMismatch:    http.StatusBadRequest,
	CodeRateLimited:             http.StatusTooManyRequests,
	CodeProviderUnavailable:     http.StatusServiceUnavailable,
	CodeTimeout:                 http.StatusGatewayTimeout,
	CodePersistence:             http.StatusInternalServerError,
	CodeStreaming:               http.StatusInternalServerError,
}

// Error is a classified pipeline failure.
type Error struct {
	Code       Code
	Message    string
	RetryAfter time.Duration
	Err        error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return string(e.Code) + ": " + e.Message
}

func (e *Error) Unwrap() error { return e.Err }

// Status returns the HTTP status for the error's code.
func (e *Error) Status() int {
	if s, ok := statusByCode[e.Code]; ok {
		return s
	}
	return http.StatusInternalServerError
}

// Retryable reports whether the caller may retry the request unchanged.
func (e *Error) Retryable() bool {
	switch e.Code {
	case CodeRateLimited, CodeProviderUnavailable, CodeTimeout:
		return true
	}
	return false
}

// New creates an error with the given code and message.
func New(code Code, message string) *Error {
	return &Error{Code: code, Message: message}
}

// Wrap creates an error with the given code that wraps err.
func Wrap(code Code, message string, err error) *Error {
	return &Error{Code: code, Message: message, Err: err}
}

// Unauthorized is returned when no session is present.
func Unauthorized() *Error {
	return New(CodeUnauthorized, "Authentication required")
}

// NoTenant is returned when the user has no default tenant membership.
func NoTenant() *Error {
	return New(CodeNoTenant, "No tenant membership found for user")
}

// TemplateNotFound is returned when no active template matches the usecase.
func TemplateNotFound(usecase string) *Error {
	return New(CodeTemplateNotFound, fmt.Sprintf("No active template for usecase '%s'", usecase))
}

// ConversationNotFound is returned for unknown or foreign conversation ids.
func ConversationNotFound(id string) *Error {
	return New(CodeConversationNotFound, fmt.Sprintf("Conversation not found: %s", id))
}

// Validation is returned for malformed requests.
func Validation(message string) *Error {
	return New(CodeValidation, message)
}

// RateLimited is returned when the caller exceeded the request budget.
func RateLimited(retryAfter time.Duration) *Error {
	return &Error{
		Code:       CodeRateLimited,
		Message:    "Too many AI requests, please retry later",
		RetryAfter: retryAfter,
	}
}

// ProviderUnavailable is returned for connection, quota and 5xx failures.
func ProviderUnavailable(provider string, err error) *Error {
	return Wrap(CodeProviderUnavailable, fmt.Sprintf("AI provider '%s' is unavailable", provider), err)
}

// Timeout is returned when the stream deadline fires or the caller aborts.
func Timeout(err error) *Error {
	return Wrap(CodeTimeout, "AI request timed out or was cancelled", err)
}

// As normalises err into an *Error. Unclassified errors become
// STREAMING_ERROR with a generic message so internals never leak.
func As(err error) *Error {
	if err == nil {
		return nil
	}
	var e *Error
	if errors.As(err, &e) {
		return e
	}
	return Wrap(CodeStreaming, "Unexpected error while generating the response", err)
}

// IsCode reports whether err classifies as code.
func IsCode(err error, code Code) bool {
	var e *Error
	return errors.As(err, &e) && e.Code == code
}

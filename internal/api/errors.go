package api

import (
	"errors"
	"fmt"
	"log"
	"net/http"
	"strings"

	"github.com/good-yellow-bee/mailwatch/internal/server"
)

// Error is the error half of a response envelope. Agents branch on Code
// and Status; Message is for operators reading agent logs.
type Error struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Status  int    `json:"-"`
}

func (e *Error) Error() string {
	return e.Code + ": " + e.Message
}

// Error codes.
const (
	ErrCodeUnauthorized       = "UNAUTHORIZED"
	ErrCodeForbidden          = "FORBIDDEN"
	ErrCodeNotFound           = "NOT_FOUND"
	ErrCodeBadRequest         = "BAD_REQUEST"
	ErrCodePayloadTooLarge    = "PAYLOAD_TOO_LARGE"
	ErrCodeInternalError      = "INTERNAL_ERROR"
	ErrCodeRateLimited        = "RATE_LIMITED"
	ErrCodeValidationFailed   = "VALIDATION_FAILED"
	ErrCodeServiceUnavailable = "SERVICE_UNAVAILABLE"
)

func newError(status int, code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...), Status: status}
}

var (
	ErrUnauthorized     = newError(http.StatusUnauthorized, ErrCodeUnauthorized, "invalid or missing credential")
	ErrNotFound         = newError(http.StatusNotFound, ErrCodeNotFound, "no such endpoint")
	ErrInternalServer   = newError(http.StatusInternalServerError, ErrCodeInternalError, "internal server error")
	ErrRateLimited      = newError(http.StatusTooManyRequests, ErrCodeRateLimited, "too many requests")
	ErrPayloadTooLarge  = newError(http.StatusRequestEntityTooLarge, ErrCodePayloadTooLarge, "request body too large")
	ErrStoreUnavailable = newError(http.StatusServiceUnavailable, ErrCodeServiceUnavailable, "store unavailable, retry later")
)

// NewBadRequest reports a body that could not be decoded.
func NewBadRequest(message string) *Error {
	return newError(http.StatusBadRequest, ErrCodeBadRequest, "%s", message)
}

// NewForbidden reports a valid credential used outside its grant.
func NewForbidden(message string) *Error {
	return newError(http.StatusForbidden, ErrCodeForbidden, "%s", message)
}

// NewUnprocessable reports content that parsed but could not be accepted.
func NewUnprocessable(message string) *Error {
	return newError(http.StatusUnprocessableEntity, ErrCodeValidationFailed, "%s", message)
}

// newBatchTooLarge reports a batch with more samples than the gateway takes.
func newBatchTooLarge(n, limit int) *Error {
	return newError(http.StatusRequestEntityTooLarge, ErrCodePayloadTooLarge,
		"batch of %d samples exceeds limit of %d", n, limit)
}

// gatewayError translates a gateway failure into its response. Rejected
// and retryable failures keep distinct statuses so agents know whether to
// drop the batch or buffer it.
func gatewayError(err error) *Error {
	var authErr *server.AuthError
	var valErr *server.ValidationError

	switch {
	case errors.As(err, &authErr):
		if authErr.Forbidden {
			return NewForbidden(authErr.Reason)
		}
		return ErrUnauthorized
	case errors.Is(err, server.ErrRateLimited):
		return ErrRateLimited
	case errors.Is(err, server.ErrEmptyBatch):
		return NewBadRequest(err.Error())
	case errors.As(err, &valErr):
		return NewBadRequest(strings.TrimSpace(valErr.Field + " " + valErr.Reason))
	case errors.Is(err, server.ErrStoreUnavailable):
		return ErrStoreUnavailable
	default:
		log.Printf("[api] unexpected gateway error: %v", err)
		return ErrInternalServer
	}
}

package errorutil

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"unicode/utf8"
)

// Error codes rendered to callers.
const (
	CodeValidation       = "VALIDATION_FAILED"
	CodeAuth             = "AUTH_FAILED"
	CodeUpstream         = "UPSTREAM_ERROR"
	CodeNetwork          = "NETWORK_ERROR"
	CodeAttachment       = "ATTACHMENT_FAILED"
	CodeTokenUnavailable = "TOKEN_UNAVAILABLE"
	CodeInternal         = "INTERNAL_ERROR"
)

// maxBodyDetail bounds upstream bodies copied into error details.
const maxBodyDetail = 512

// DomainError standardizes application errors.
type DomainError struct {
	Code       string
	Message    string
	HTTPStatus int
	Details    map[string]any
	Err        error
}

func (e *DomainError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *DomainError) Unwrap() error {
	return e.Err
}

// NewDomainError constructs a DomainError.
func NewDomainError(code, message string, status int, details map[string]any) *DomainError {
	return &DomainError{Code: code, Message: message, HTTPStatus: status, Details: details}
}

// NewValidationError reports a request the caller must fix. It is never retried.
func NewValidationError(message string, details map[string]any) error {
	return NewDomainError(CodeValidation, message, http.StatusBadRequest, details)
}

// NewAuthError reports that no usable upstream token could be obtained.
func NewAuthError(message string, err error) error {
	return &DomainError{
		Code:       CodeAuth,
		Message:    message,
		HTTPStatus: http.StatusUnauthorized,
		Err:        err,
	}
}

// NewUpstreamError reports a non-2xx answer from the ticketing API.
func NewUpstreamError(status int, body string) error {
	return &DomainError{
		Code:       CodeUpstream,
		Message:    fmt.Sprintf("upstream responded %d", status),
		HTTPStatus: http.StatusInternalServerError,
		Details: map[string]any{
			"upstream_status": status,
			"upstream_body":   truncate(strings.TrimSpace(body), maxBodyDetail),
		},
	}
}

// NewNetworkError reports a transport failure or an exceeded request timeout.
func NewNetworkError(err error, timeout bool) error {
	message := "upstream unreachable"
	if timeout {
		message = "upstream request timed out"
	}
	return &DomainError{
		Code:       CodeNetwork,
		Message:    message,
		HTTPStatus: http.StatusInternalServerError,
		Details:    map[string]any{"timeout": timeout},
		Err:        err,
	}
}

// NewAttachmentError wraps a failed attachment transfer. Workflows record it
// in the step trace instead of returning it.
func NewAttachmentError(err error) error {
	return &DomainError{
		Code:       CodeAttachment,
		Message:    "attachment failed",
		HTTPStatus: http.StatusInternalServerError,
		Err:        err,
	}
}

// NewTokenUnavailableError reports a failed token fetch on the token endpoint.
func NewTokenUnavailableError(err error) error {
	return &DomainError{
		Code:       CodeTokenUnavailable,
		Message:    "unable to obtain upstream token",
		HTTPStatus: http.StatusInternalServerError,
		Err:        err,
	}
}

func NewInternalError(err error) error {
	return &DomainError{
		Code:       CodeInternal,
		Message:    "internal server error",
		HTTPStatus: http.StatusInternalServerError,
		Err:        err,
	}
}

// ToDomainError converts generic errors to DomainError.
func ToDomainError(err error) *DomainError {
	if err == nil {
		return nil
	}
	var domainErr *DomainError
	if errors.As(err, &domainErr) {
		return domainErr
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return NewNetworkError(err, true).(*DomainError)
	}
	return NewInternalError(err).(*DomainError)
}

// IsCode reports whether err carries a DomainError with the given code.
func IsCode(err error, code string) bool {
	var domainErr *DomainError
	if !errors.As(err, &domainErr) {
		return false
	}
	return domainErr.Code == code
}

// UpstreamStatus returns the upstream HTTP status recorded on err, or 0.
func UpstreamStatus(err error) int {
	var domainErr *DomainError
	if !errors.As(err, &domainErr) || domainErr.Details == nil {
		return 0
	}
	status, _ := domainErr.Details["upstream_status"].(int)
	return status
}

// truncate cuts s to at most max bytes without splitting a UTF-8 sequence.
func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	cut := max
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut] + "..."
}

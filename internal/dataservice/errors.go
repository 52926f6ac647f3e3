package dataservice

import (
	"errors"
	"fmt"
	"net/http"
)

var (
	// ErrPermanent marks failures that will never succeed on retry.
	ErrPermanent = errors.New("permanent data service failure")

	// ErrTransient marks failures worth retrying on a later drain.
	ErrTransient = errors.New("transient data service failure")

	// ErrNotConfigured is returned when no base URL is configured.
	ErrNotConfigured = errors.New("data service not configured")

	// ErrForeignLink is returned when a nextLink points away from the workbook host.
	ErrForeignLink = errors.New("nextLink outside the workbook host")
)

// StatusError is a non-2xx response from Graph.
type StatusError struct {
	Method     string
	Path       string
	StatusCode int
	Code       string
	Message    string
}

func (e *StatusError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("%s %s: server error (%d) %s: %s", e.Method, e.Path, e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("%s %s: server error (%d): %s", e.Method, e.Path, e.StatusCode, e.Message)
}

// Unwrap classifies the status: 4xx other than 408 and 429 is permanent.
func (e *StatusError) Unwrap() error {
	if isPermanentStatus(e.StatusCode) {
		return ErrPermanent
	}
	return ErrTransient
}

func isPermanentStatus(code int) bool {
	if code == http.StatusRequestTimeout || code == http.StatusTooManyRequests {
		return false
	}
	return code >= 400 && code < 500
}

// IsPermanent reports whether err will fail again on retry.
func IsPermanent(err error) bool {
	return errors.Is(err, ErrPermanent)
}

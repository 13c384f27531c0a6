// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package networking

import (
	"errors"
	"fmt"
	"net/http"
)

// HTTPError is returned when an outbound call receives a non-success status.
type HTTPError struct {
	// StatusCode is the HTTP status code returned by the remote endpoint.
	StatusCode int

	// Target names the remote capability that was called (e.g. "introspection", "ocsp").
	Target string

	// URL is the requested URL.
	URL string
}

// Error implements the error interface.
func (e *HTTPError) Error() string {
	return fmt.Sprintf("%s endpoint %s returned HTTP %d", e.Target, e.URL, e.StatusCode)
}

// NewHTTPError creates a new HTTP error.
func NewHTTPError(target string, statusCode int, url string) error {
	return &HTTPError{
		StatusCode: statusCode,
		Target:     target,
		URL:        url,
	}
}

// IsHTTPError checks if an error is an HTTPError with the specified status code.
// If statusCode is 0, it matches any HTTPError.
func IsHTTPError(err error, statusCode int) bool {
	var httpErr *HTTPError
	if !errors.As(err, &httpErr) {
		return false
	}
	if statusCode == 0 {
		return true
	}
	return httpErr.StatusCode == statusCode
}

// IsServerError reports whether err is an HTTPError carrying a 5xx status.
func IsServerError(err error) bool {
	var httpErr *HTTPError
	if !errors.As(err, &httpErr) {
		return false
	}
	return httpErr.StatusCode >= http.StatusInternalServerError
}

// IsSuccess reports whether an HTTP status code is in the 2xx range.
func IsSuccess(statusCode int) bool {
	return statusCode >= http.StatusOK && statusCode < http.StatusMultipleChoices
}

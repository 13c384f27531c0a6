// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package errors provides HTTP error handling utilities shared by the
// authorization server and the gateway.
package errors

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/stacklok/toolhive-core/httperr"
)

// HandlerWithError is an HTTP handler that can return an error.
// This signature allows handlers to return errors instead of manually
// writing error responses, enabling centralized error handling.
type HandlerWithError func(http.ResponseWriter, *http.Request) error

// Problem is one entry of the errors array of an error body.
type Problem struct {
	Code   string `json:"code"`
	Title  string `json:"title"`
	Detail string `json:"detail"`
}

// Body is the JSON error body returned by every bankguard endpoint.
type Body struct {
	Error            string    `json:"error"`
	ErrorDescription string    `json:"error_description,omitempty"`
	Errors           []Problem `json:"errors,omitempty"`
}

// WriteJSON writes body with the given status code.
func WriteJSON(w http.ResponseWriter, status int, body Body) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

// ErrorHandler wraps a HandlerWithError and converts returned errors
// into appropriate HTTP responses.
//
// The decorator:
//   - Returns early if no error is returned (handler already wrote response)
//   - Extracts HTTP status code from the error using httperr.Code()
//   - For 5xx errors: logs full error details, returns generic message to client
//   - For 4xx errors: returns error message to client
//
// Usage:
//
//	r.Get("/{client_id}", apierrors.ErrorHandler(logger, routes.getClient))
func ErrorHandler(logger *slog.Logger, fn HandlerWithError) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		err := fn(w, r)
		if err == nil {
			return
		}

		code := httperr.Code(err)

		if code >= http.StatusInternalServerError {
			logger.ErrorContext(r.Context(), "internal server error",
				"error", err, "method", r.Method, "path", r.URL.Path)
			WriteJSON(w, code, Body{Error: "server_error", ErrorDescription: http.StatusText(code)})
			return
		}

		WriteJSON(w, code, Body{Error: errorCode(code), ErrorDescription: err.Error()})
	}
}

func errorCode(status int) string {
	switch status {
	case http.StatusUnauthorized:
		return "invalid_token"
	case http.StatusForbidden:
		return "access_denied"
	case http.StatusNotFound:
		return "not_found"
	case http.StatusConflict:
		return "conflict"
	default:
		return "invalid_request"
	}
}

// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package server

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stacklok/bankguard/pkg/logger"
)

func TestInteractionID(t *testing.T) {
	t.Parallel()

	router := NewRouter(Config{}, logger.Discard())
	inbound := uuid.NewString()

	tests := []struct {
		name   string
		header string
		echo   bool
	}{
		{name: "valid id is echoed", header: inbound, echo: true},
		{name: "missing id is issued"},
		{name: "malformed id is replaced", header: "not-a-uuid"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
			if tt.header != "" {
				req.Header.Set(InteractionIDHeader, tt.header)
			}
			rec := httptest.NewRecorder()
			router.ServeHTTP(rec, req)

			got := rec.Header().Get(InteractionIDHeader)
			_, err := uuid.Parse(got)
			require.NoError(t, err)
			if tt.echo {
				assert.Equal(t, tt.header, got)
			} else {
				assert.NotEqual(t, tt.header, got)
			}
		})
	}
}

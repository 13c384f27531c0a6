// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package server

import (
	"net/http"

	"github.com/google/uuid"
)

// InteractionIDHeader correlates one request across the data recipient and
// the data holder.
const InteractionIDHeader = "x-fapi-interaction-id"

// interactionID echoes a valid inbound interaction id or issues a new one.
// The id is set on the request as well so handlers and logs see it.
func interactionID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(InteractionIDHeader)
		if _, err := uuid.Parse(id); err != nil {
			id = uuid.NewString()
			r.Header.Set(InteractionIDHeader, id)
		}
		w.Header().Set(InteractionIDHeader, id)
		next.ServeHTTP(w, r)
	})
}

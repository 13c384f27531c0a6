// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/stacklok/toolhive-core/httperr"

	"github.com/stacklok/bankguard/pkg/auth"
	"github.com/stacklok/bankguard/pkg/grants"
)

// maxBodySize bounds registration and admin request bodies.
const maxBodySize = 64 << 10

// userInfoClaims are copied from the access token into the userinfo response.
var userInfoClaims = []string{"name", "given_name", "family_name", "email", "updated_at"}

type protectedRoutes struct {
	grants  grants.Repository
	clients grants.ClientRepository
	now     func() time.Time
	logger  *slog.Logger
}

type accountsResponse struct {
	Data  accountsData      `json:"data"`
	Links map[string]string `json:"links"`
	Meta  map[string]any    `json:"meta"`
}

type accountsData struct {
	Accounts []grants.Account `json:"accounts"`
}

type metadataUpdateRequest struct {
	Data struct {
		Action string `json:"action"`
	} `json:"data"`
}

type metadataUpdateResponse struct {
	Clients int `json:"clients"`
}

func principal(r *http.Request) (*auth.Principal, error) {
	p, ok := auth.PrincipalFromContext(r.Context())
	if !ok {
		return nil, httperr.WithCode(errors.New("no authenticated principal"), http.StatusUnauthorized)
	}
	return p, nil
}

// repositoryError attaches the HTTP status for a repository failure.
func repositoryError(err error) error {
	switch {
	case errors.Is(err, grants.ErrNotFound):
		return httperr.WithCode(err, http.StatusNotFound)
	case errors.Is(err, grants.ErrForbidden):
		return httperr.WithCode(err, http.StatusForbidden)
	case errors.Is(err, grants.ErrInvalidClient):
		return httperr.WithCode(err, http.StatusBadRequest)
	default:
		return httperr.WithCode(err, http.StatusInternalServerError)
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) error {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		return fmt.Errorf("failed to encode response: %w", err)
	}
	return nil
}

func (rt *protectedRoutes) userInfo(w http.ResponseWriter, r *http.Request) error {
	p, err := principal(r)
	if err != nil {
		return err
	}
	resp := map[string]any{"sub": p.Subject}
	for _, claim := range userInfoClaims {
		if v, ok := p.Claims[claim]; ok {
			resp[claim] = v
		}
	}
	return writeJSON(w, http.StatusOK, resp)
}

// ownedClientID returns the client_id path parameter after checking it names
// the calling client.
func ownedClientID(r *http.Request) (string, error) {
	p, err := principal(r)
	if err != nil {
		return "", err
	}
	clientID := chi.URLParam(r, "client_id")
	if clientID == "" || clientID != p.ClientID {
		return "", httperr.WithCode(
			fmt.Errorf("client %s: %w", clientID, grants.ErrForbidden), http.StatusForbidden)
	}
	return clientID, nil
}

func (rt *protectedRoutes) getClient(w http.ResponseWriter, r *http.Request) error {
	clientID, err := ownedClientID(r)
	if err != nil {
		return err
	}
	client, err := rt.clients.GetClient(r.Context(), clientID)
	if err != nil {
		return repositoryError(err)
	}
	return writeJSON(w, http.StatusOK, client)
}

func (rt *protectedRoutes) updateClient(w http.ResponseWriter, r *http.Request) error {
	clientID, err := ownedClientID(r)
	if err != nil {
		return err
	}

	var client grants.Client
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodySize)).Decode(&client); err != nil {
		return httperr.WithCode(fmt.Errorf("invalid registration body: %w", err), http.StatusBadRequest)
	}
	client.ClientID = clientID

	if err := rt.clients.UpdateClient(r.Context(), &client); err != nil {
		return repositoryError(err)
	}
	updated, err := rt.clients.GetClient(r.Context(), clientID)
	if err != nil {
		return repositoryError(err)
	}
	rt.logger.InfoContext(r.Context(), "client registration updated", "client_id", clientID)
	return writeJSON(w, http.StatusOK, updated)
}

func (rt *protectedRoutes) deleteClient(w http.ResponseWriter, r *http.Request) error {
	clientID, err := ownedClientID(r)
	if err != nil {
		return err
	}
	if err := rt.clients.DeleteClient(r.Context(), clientID); err != nil {
		return repositoryError(err)
	}
	rt.logger.InfoContext(r.Context(), "client registration deleted", "client_id", clientID)
	w.WriteHeader(http.StatusNoContent)
	return nil
}

// ownedArrangement loads an arrangement and hides arrangements belonging to
// other clients behind a 404.
func (rt *protectedRoutes) ownedArrangement(r *http.Request, id string) (*grants.Arrangement, error) {
	p, err := principal(r)
	if err != nil {
		return nil, err
	}
	if id == "" {
		return nil, httperr.WithCode(errors.New("cdr_arrangement_id is required"), http.StatusBadRequest)
	}
	a, err := rt.grants.GetArrangement(r.Context(), id)
	if err != nil {
		return nil, repositoryError(err)
	}
	if a.ClientID != p.ClientID {
		return nil, httperr.WithCode(fmt.Errorf("arrangement %s: %w", id, grants.ErrNotFound), http.StatusNotFound)
	}
	return a, nil
}

func (rt *protectedRoutes) getArrangement(w http.ResponseWriter, r *http.Request) error {
	a, err := rt.ownedArrangement(r, chi.URLParam(r, "arrangement_id"))
	if err != nil {
		return err
	}
	return writeJSON(w, http.StatusOK, a)
}

func (rt *protectedRoutes) revokeArrangement(w http.ResponseWriter, r *http.Request) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodySize)
	if err := r.ParseForm(); err != nil {
		return httperr.WithCode(fmt.Errorf("invalid form body: %w", err), http.StatusBadRequest)
	}

	a, err := rt.ownedArrangement(r, r.PostFormValue("cdr_arrangement_id"))
	if err != nil {
		return err
	}
	if err := rt.grants.RevokeArrangement(r.Context(), a.ID, rt.now()); err != nil {
		return repositoryError(err)
	}
	rt.logger.InfoContext(r.Context(), "arrangement revoked", "arrangement_id", a.ID, "client_id", a.ClientID)
	w.WriteHeader(http.StatusNoContent)
	return nil
}

func (rt *protectedRoutes) listAccounts(w http.ResponseWriter, r *http.Request) error {
	p, err := principal(r)
	if err != nil {
		return err
	}
	accounts, err := rt.grants.ListAccounts(r.Context(), p.Subject, p.ClientID)
	if err != nil {
		return repositoryError(err)
	}
	return writeJSON(w, http.StatusOK, accountsResponse{
		Data:  accountsData{Accounts: accounts},
		Links: map[string]string{"self": r.URL.RequestURI()},
		Meta:  map[string]any{},
	})
}

func (rt *protectedRoutes) updateMetadata(w http.ResponseWriter, r *http.Request) error {
	var req metadataUpdateRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodySize)).Decode(&req); err != nil {
		return httperr.WithCode(fmt.Errorf("invalid metadata update body: %w", err), http.StatusBadRequest)
	}
	if req.Data.Action != "REFRESH" {
		return httperr.WithCode(fmt.Errorf("unsupported action %q", req.Data.Action), http.StatusBadRequest)
	}

	n, err := rt.clients.RefreshMetadata(r.Context())
	if err != nil {
		return repositoryError(err)
	}
	rt.logger.InfoContext(r.Context(), "data recipient metadata refreshed", "clients", n)
	return writeJSON(w, http.StatusOK, metadataUpdateResponse{Clients: n})
}

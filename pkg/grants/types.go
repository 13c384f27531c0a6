// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package grants defines the persistence interfaces for registered clients,
// sharing arrangements and the accounts they expose.
package grants

//go:generate mockgen -destination=mocks/mock_grants.go -package=mocks -source=types.go Repository,ClientRepository

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrNotFound is returned when a client, arrangement or account does not exist.
	ErrNotFound = errors.New("not found")
	// ErrForbidden is returned when a caller addresses a record it does not own.
	ErrForbidden = errors.New("record belongs to another party")
	// ErrInvalidClient is returned when a client registration is incomplete.
	ErrInvalidClient = errors.New("invalid client registration")
)

// ArrangementStatus is the lifecycle state of a sharing arrangement.
type ArrangementStatus string

const (
	// ArrangementActive arrangements may be used to access data.
	ArrangementActive ArrangementStatus = "ACTIVE"
	// ArrangementRevoked arrangements have been withdrawn.
	ArrangementRevoked ArrangementStatus = "REVOKED"
)

// Client is a dynamically registered data recipient client.
type Client struct {
	ClientID          string    `json:"client_id"`
	ClientName        string    `json:"client_name,omitempty"`
	SoftwareID        string    `json:"software_id,omitempty"`
	SoftwareStatement string    `json:"software_statement,omitempty"`
	RedirectURIs      []string  `json:"redirect_uris"`
	Scope             string    `json:"scope,omitempty"`
	CreatedAt         time.Time `json:"client_id_issued_at"`
	UpdatedAt         time.Time `json:"-"`
}

// Validate checks the fields every registration needs.
func (c *Client) Validate() error {
	if c.ClientID == "" {
		return errors.Join(ErrInvalidClient, errors.New("client_id is required"))
	}
	if len(c.RedirectURIs) == 0 {
		return errors.Join(ErrInvalidClient, errors.New("at least one redirect_uri is required"))
	}
	return nil
}

// Arrangement is a customer's consent for a client to access their data.
type Arrangement struct {
	ID         string            `json:"cdr_arrangement_id"`
	ClientID   string            `json:"client_id"`
	Subject    string            `json:"-"`
	Scopes     []string          `json:"scope"`
	AccountIDs []string          `json:"account_ids,omitempty"`
	Status     ArrangementStatus `json:"status"`
	CreatedAt  time.Time         `json:"created_at"`
	RevokedAt  *time.Time        `json:"revoked_at,omitempty"`
}

// Account is a bank account that may be shared under an arrangement.
type Account struct {
	AccountID       string `json:"accountId"`
	DisplayName     string `json:"displayName"`
	MaskedNumber    string `json:"maskedNumber"`
	ProductName     string `json:"productName"`
	ProductCategory string `json:"productCategory"`
	OpenStatus      string `json:"openStatus"`
}

// Repository persists arrangements and accounts.
type Repository interface {
	// GetArrangement returns the arrangement with the given ID.
	GetArrangement(ctx context.Context, id string) (*Arrangement, error)

	// RevokeArrangement marks the arrangement revoked. Revoking an already
	// revoked arrangement succeeds.
	RevokeArrangement(ctx context.Context, id string, at time.Time) error

	// ListAccounts returns the accounts the subject shares with the client
	// under active arrangements.
	ListAccounts(ctx context.Context, subject, clientID string) ([]Account, error)
}

// ClientRepository persists registered clients.
type ClientRepository interface {
	GetClient(ctx context.Context, clientID string) (*Client, error)
	UpdateClient(ctx context.Context, client *Client) error
	DeleteClient(ctx context.Context, clientID string) error

	// RefreshMetadata reloads data recipient metadata and returns the number
	// of registered clients.
	RefreshMetadata(ctx context.Context) (int, error)
}

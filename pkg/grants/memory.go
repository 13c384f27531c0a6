// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package grants

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"
)

// MemoryStore implements Repository and ClientRepository with in-memory maps.
// It is safe for concurrent use and intended for local runs and tests.
type MemoryStore struct {
	mu sync.RWMutex

	clients      map[string]*Client
	arrangements map[string]*Arrangement
	accounts     map[string]Account
}

var (
	_ Repository       = (*MemoryStore)(nil)
	_ ClientRepository = (*MemoryStore)(nil)
)

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		clients:      make(map[string]*Client),
		arrangements: make(map[string]*Arrangement),
		accounts:     make(map[string]Account),
	}
}

// AddAccount stores an account.
func (s *MemoryStore) AddAccount(account Account) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.accounts[account.AccountID] = account
}

// AddArrangement stores an arrangement. Status defaults to active.
func (s *MemoryStore) AddArrangement(a Arrangement) {
	if a.Status == "" {
		a.Status = ArrangementActive
	}
	if a.CreatedAt.IsZero() {
		a.CreatedAt = time.Now().UTC()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.arrangements[a.ID] = cloneArrangement(&a)
}

// GetArrangement implements Repository.
func (s *MemoryStore) GetArrangement(_ context.Context, id string) (*Arrangement, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	a, ok := s.arrangements[id]
	if !ok {
		return nil, fmt.Errorf("arrangement %s: %w", id, ErrNotFound)
	}
	return cloneArrangement(a), nil
}

// RevokeArrangement implements Repository.
func (s *MemoryStore) RevokeArrangement(_ context.Context, id string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	a, ok := s.arrangements[id]
	if !ok {
		return fmt.Errorf("arrangement %s: %w", id, ErrNotFound)
	}
	if a.Status == ArrangementRevoked {
		return nil
	}
	a.Status = ArrangementRevoked
	revokedAt := at.UTC()
	a.RevokedAt = &revokedAt
	return nil
}

// ListAccounts implements Repository.
func (s *MemoryStore) ListAccounts(_ context.Context, subject, clientID string) ([]Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	seen := make(map[string]struct{})
	accounts := []Account{}
	for _, a := range s.arrangements {
		if a.Subject != subject || a.ClientID != clientID || a.Status != ArrangementActive {
			continue
		}
		for _, id := range a.AccountIDs {
			account, ok := s.accounts[id]
			if !ok {
				continue
			}
			if _, dup := seen[id]; dup {
				continue
			}
			seen[id] = struct{}{}
			accounts = append(accounts, account)
		}
	}
	slices.SortFunc(accounts, func(a, b Account) int {
		return strings.Compare(a.AccountID, b.AccountID)
	})
	return accounts, nil
}

// RegisterClient adds or replaces a client.
func (s *MemoryStore) RegisterClient(_ context.Context, client *Client) error {
	if err := client.Validate(); err != nil {
		return err
	}
	now := time.Now().UTC()
	c := cloneClient(client)
	if c.CreatedAt.IsZero() {
		c.CreatedAt = now
	}
	c.UpdatedAt = now

	s.mu.Lock()
	defer s.mu.Unlock()
	s.clients[c.ClientID] = c
	return nil
}

// GetClient implements ClientRepository.
func (s *MemoryStore) GetClient(_ context.Context, clientID string) (*Client, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	c, ok := s.clients[clientID]
	if !ok {
		return nil, fmt.Errorf("client %s: %w", clientID, ErrNotFound)
	}
	return cloneClient(c), nil
}

// UpdateClient implements ClientRepository. The client must already exist.
func (s *MemoryStore) UpdateClient(_ context.Context, client *Client) error {
	if err := client.Validate(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	existing, ok := s.clients[client.ClientID]
	if !ok {
		return fmt.Errorf("client %s: %w", client.ClientID, ErrNotFound)
	}
	c := cloneClient(client)
	c.CreatedAt = existing.CreatedAt
	c.UpdatedAt = time.Now().UTC()
	s.clients[c.ClientID] = c
	return nil
}

// DeleteClient implements ClientRepository.
func (s *MemoryStore) DeleteClient(_ context.Context, clientID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.clients[clientID]; !ok {
		return fmt.Errorf("client %s: %w", clientID, ErrNotFound)
	}
	delete(s.clients, clientID)
	return nil
}

// RefreshMetadata implements ClientRepository. The in-memory store has no
// upstream register to reload from.
func (s *MemoryStore) RefreshMetadata(_ context.Context) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.clients), nil
}

func cloneClient(c *Client) *Client {
	out := *c
	out.RedirectURIs = slices.Clone(c.RedirectURIs)
	return &out
}

func cloneArrangement(a *Arrangement) *Arrangement {
	out := *a
	out.Scopes = slices.Clone(a.Scopes)
	out.AccountIDs = slices.Clone(a.AccountIDs)
	if a.RevokedAt != nil {
		t := *a.RevokedAt
		out.RevokedAt = &t
	}
	return &out
}

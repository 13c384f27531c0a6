// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package grants

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

type seedFile struct {
	Clients []struct {
		ClientID     string   `yaml:"client_id"`
		ClientName   string   `yaml:"client_name"`
		SoftwareID   string   `yaml:"software_id"`
		RedirectURIs []string `yaml:"redirect_uris"`
		Scope        string   `yaml:"scope"`
	} `yaml:"clients"`
	Accounts []struct {
		AccountID       string `yaml:"account_id"`
		DisplayName     string `yaml:"display_name"`
		MaskedNumber    string `yaml:"masked_number"`
		ProductName     string `yaml:"product_name"`
		ProductCategory string `yaml:"product_category"`
		OpenStatus      string `yaml:"open_status"`
	} `yaml:"accounts"`
	Arrangements []struct {
		ID         string   `yaml:"id"`
		ClientID   string   `yaml:"client_id"`
		Subject    string   `yaml:"subject"`
		Scopes     []string `yaml:"scopes"`
		AccountIDs []string `yaml:"account_ids"`
	} `yaml:"arrangements"`
}

// LoadSeedFile populates store from a YAML fixture with clients, accounts
// and arrangements sections.
func LoadSeedFile(ctx context.Context, store *MemoryStore, path string) error {
	// #nosec G304: path comes from operator configuration
	data, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		return fmt.Errorf("failed to read grants seed file: %w", err)
	}

	var seed seedFile
	if err := yaml.Unmarshal(data, &seed); err != nil {
		return fmt.Errorf("failed to parse grants seed file %s: %w", path, err)
	}

	for _, c := range seed.Clients {
		err := store.RegisterClient(ctx, &Client{
			ClientID:     c.ClientID,
			ClientName:   c.ClientName,
			SoftwareID:   c.SoftwareID,
			RedirectURIs: c.RedirectURIs,
			Scope:        c.Scope,
		})
		if err != nil {
			return fmt.Errorf("seed client %q: %w", c.ClientID, err)
		}
	}
	for _, a := range seed.Accounts {
		if a.AccountID == "" {
			return fmt.Errorf("seed account %q: account_id is required", a.DisplayName)
		}
		store.AddAccount(Account{
			AccountID:       a.AccountID,
			DisplayName:     a.DisplayName,
			MaskedNumber:    a.MaskedNumber,
			ProductName:     a.ProductName,
			ProductCategory: a.ProductCategory,
			OpenStatus:      a.OpenStatus,
		})
	}
	for _, a := range seed.Arrangements {
		if a.ID == "" || a.ClientID == "" {
			return fmt.Errorf("seed arrangement %q: id and client_id are required", a.ID)
		}
		store.AddArrangement(Arrangement{
			ID:         a.ID,
			ClientID:   a.ClientID,
			Subject:    a.Subject,
			Scopes:     a.Scopes,
			AccountIDs: a.AccountIDs,
		})
	}
	return nil
}

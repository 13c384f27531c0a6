// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package policy defines the named authorization policies protected endpoints
// reference and the read-only catalog that resolves them.
package policy

import (
	"errors"
	"fmt"
	"os"
	"sort"

	"gopkg.in/yaml.v3"
)

// Policy names referenced by the authorization server routes.
const (
	UserInfo                  = "UserInfo"
	DynamicClientRegistration = "DynamicClientRegistration"
	CommonCustomerBasicRead   = "CommonCustomerBasicRead"
	BankAccountsBasicRead     = "BankAccountsBasicRead"
	BankAccountsDetailRead    = "BankAccountsDetailRead"
	BankTransactionsRead      = "BankTransactionsRead"
	ArrangementManagement     = "ArrangementManagement"
	AdminMetadataUpdate       = "AdminMetadataUpdate"
)

var (
	// ErrEmptyName is returned when a policy has no name.
	ErrEmptyName = errors.New("policy name must not be empty")
	// ErrDuplicatePolicy is returned when two policies share a name.
	ErrDuplicatePolicy = errors.New("duplicate policy name")
	// ErrUndefinedPolicy is returned when a referenced policy is not in the catalog.
	ErrUndefinedPolicy = errors.New("policy is not defined")
)

// Policy is a named bundle of requirements. A nil Scope means no scope
// requirement. MTLS is advisory metadata and is not enforced by the enforcer.
type Policy struct {
	Name           string  `yaml:"name" json:"name"`
	Scope          *string `yaml:"scope,omitempty" json:"scope,omitempty"`
	HolderOfKey    bool    `yaml:"holder_of_key" json:"holder_of_key"`
	LiveTokenCheck bool    `yaml:"live_token_check" json:"live_token_check"`
	MTLS           bool    `yaml:"mtls" json:"mtls"`
}

// HasScope reports whether the policy carries a scope requirement.
func (p Policy) HasScope() bool {
	return p.Scope != nil && *p.Scope != ""
}

// ScopeOrEmpty returns the scope requirement or "".
func (p Policy) ScopeOrEmpty() string {
	if p.Scope == nil {
		return ""
	}
	return *p.Scope
}

// Catalog is an immutable name to Policy table. Lookups never mutate and are
// safe for concurrent use without locking.
type Catalog struct {
	policies map[string]Policy
	names    []string
}

// NewCatalog builds a Catalog from policies.
func NewCatalog(policies ...Policy) (*Catalog, error) {
	c := &Catalog{policies: make(map[string]Policy, len(policies))}
	for _, p := range policies {
		if p.Name == "" {
			return nil, ErrEmptyName
		}
		if _, exists := c.policies[p.Name]; exists {
			return nil, fmt.Errorf("%w: %s", ErrDuplicatePolicy, p.Name)
		}
		if p.Scope != nil {
			scope := *p.Scope
			p.Scope = &scope
		}
		c.policies[p.Name] = p
		c.names = append(c.names, p.Name)
	}
	sort.Strings(c.names)
	return c, nil
}

// Lookup returns the policy registered under name.
func (c *Catalog) Lookup(name string) (Policy, bool) {
	p, ok := c.policies[name]
	if ok && p.Scope != nil {
		scope := *p.Scope
		p.Scope = &scope
	}
	return p, ok
}

// Names returns the registered policy names in lexical order.
func (c *Catalog) Names() []string {
	return append([]string(nil), c.names...)
}

// CheckDefined returns one ErrUndefinedPolicy per name missing from the
// catalog, joined. It returns nil when every name resolves.
func (c *Catalog) CheckDefined(names ...string) error {
	var errs []error
	for _, name := range names {
		if _, ok := c.policies[name]; !ok {
			errs = append(errs, fmt.Errorf("%w: %s", ErrUndefinedPolicy, name))
		}
	}
	return errors.Join(errs...)
}

// Len returns the number of registered policies.
func (c *Catalog) Len() int {
	return len(c.policies)
}

func scope(s string) *string {
	return &s
}

// DefaultPolicies returns the built-in policy table.
func DefaultPolicies() []Policy {
	return []Policy{
		{Name: UserInfo, Scope: scope("openid"), HolderOfKey: true, LiveTokenCheck: true, MTLS: true},
		{Name: DynamicClientRegistration, Scope: scope("cdr:registration"), HolderOfKey: true, LiveTokenCheck: true, MTLS: true},
		{Name: CommonCustomerBasicRead, Scope: scope("common:customer.basic:read"), HolderOfKey: true, LiveTokenCheck: true, MTLS: true},
		{Name: BankAccountsBasicRead, Scope: scope("bank:accounts.basic:read"), HolderOfKey: true, LiveTokenCheck: true, MTLS: true},
		{Name: BankAccountsDetailRead, Scope: scope("bank:accounts.detail:read"), HolderOfKey: true, LiveTokenCheck: true, MTLS: true},
		{Name: BankTransactionsRead, Scope: scope("bank:transactions:read"), HolderOfKey: true, LiveTokenCheck: true, MTLS: true},
		{Name: ArrangementManagement, HolderOfKey: true, LiveTokenCheck: true, MTLS: true},
		{Name: AdminMetadataUpdate, Scope: scope("admin:metadata.update")},
	}
}

// DefaultCatalog returns a Catalog holding DefaultPolicies.
func DefaultCatalog() *Catalog {
	c, err := NewCatalog(DefaultPolicies()...)
	if err != nil {
		panic(fmt.Sprintf("default policy table is invalid: %v", err))
	}
	return c
}

type policyFile struct {
	Policies []Policy `yaml:"policies"`
}

// LoadFile reads a YAML policy table of the form
//
//	policies:
//	  - name: UserInfo
//	    scope: openid
//	    holder_of_key: true
//	    live_token_check: true
//	    mtls: true
func LoadFile(path string) (*Catalog, error) {
	data, err := os.ReadFile(path) // #nosec G304 - path comes from operator configuration
	if err != nil {
		return nil, fmt.Errorf("failed to read policy file: %w", err)
	}

	var file policyFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("failed to parse policy file %s: %w", path, err)
	}
	if len(file.Policies) == 0 {
		return nil, fmt.Errorf("policy file %s defines no policies", path)
	}

	return NewCatalog(file.Policies...)
}

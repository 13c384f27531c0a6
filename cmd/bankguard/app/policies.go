// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package app

import (
	"fmt"
	"io"
	"strconv"

	"github.com/olekukonko/tablewriter"
	"github.com/olekukonko/tablewriter/tw"
	"github.com/spf13/cobra"

	"github.com/stacklok/bankguard/pkg/policy"
)

func newPoliciesCmd(g *globals) *cobra.Command {
	return &cobra.Command{
		Use:   "policies",
		Short: "List the policy catalog",
		Long:  `Lists every policy in the catalog and the requirements it activates.`,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := g.load()
			if err != nil {
				return err
			}
			catalog, err := loadCatalog(cfg)
			if err != nil {
				return err
			}
			return renderCatalog(cmd.OutOrStdout(), catalog)
		},
	}
}

func renderCatalog(w io.Writer, catalog *policy.Catalog) error {
	table := tablewriter.NewWriter(w)
	table.Options(
		tablewriter.WithHeader([]string{"Name", "Scope", "Holder-of-key", "Live token check", "mTLS"}),
		tablewriter.WithAlignment(tw.MakeAlign(5, tw.AlignLeft)),
	)

	for _, name := range catalog.Names() {
		p, _ := catalog.Lookup(name)
		scope := "-"
		if p.HasScope() {
			scope = p.ScopeOrEmpty()
		}
		if err := table.Append([]string{
			p.Name,
			scope,
			strconv.FormatBool(p.HolderOfKey),
			strconv.FormatBool(p.LiveTokenCheck),
			strconv.FormatBool(p.MTLS),
		}); err != nil {
			return fmt.Errorf("failed to append row: %w", err)
		}
	}

	if err := table.Render(); err != nil {
		return fmt.Errorf("failed to render table: %w", err)
	}
	return nil
}

// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package app

import (
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"github.com/stacklok/bankguard/pkg/ocsp"
)

func newOCSPCmd(g *globals) *cobra.Command {
	ocspCmd := &cobra.Command{
		Use:   "ocsp",
		Short: "Query certificate revocation status",
		Long:  `The ocsp command provides subcommands to query an OCSP responder.`,
	}

	var certFile string
	checkCmd := &cobra.Command{
		Use:   "check [serial-hex]",
		Short: "Check the OCSP status of a certificate",
		Long: `Sends an OCSP request for the certificate with the given hexadecimal serial
number, or for the certificate in --cert, and prints the responder's answer.
The command fails only when no status could be obtained.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if (len(args) == 1) == (certFile != "") {
				return errors.New("provide either a serial number or --cert")
			}

			cfg, err := g.load()
			if err != nil {
				return err
			}
			if err := cfg.ValidateOCSP(); err != nil {
				return fmt.Errorf("invalid configuration: %w", err)
			}
			requester, err := newRequester(cfg, nil, g.logger(cmd))
			if err != nil {
				return err
			}

			var result ocsp.Result
			if certFile != "" {
				cert, err := readCertificate(certFile)
				if err != nil {
					return err
				}
				result = requester.CheckCertificate(cmd.Context(), cert)
			} else {
				result = requester.Check(cmd.Context(), args[0])
			}

			printResult(cmd.OutOrStdout(), result)
			if result.Status == ocsp.StatusError {
				return fmt.Errorf("OCSP lookup failed: %w", result.Err)
			}
			return nil
		},
	}
	checkCmd.Flags().StringVar(&certFile, "cert", "", "PEM encoded certificate to check")
	checkCmd.Flags().String("responder", "", "OCSP responder URL (overrides ocsp.responder_url)")
	checkCmd.Flags().String("issuer", "", "Issuer certificate file (overrides ocsp.issuer_cert)")
	bindFlag(g, checkCmd, "ocsp.responder_url", "responder")
	bindFlag(g, checkCmd, "ocsp.issuer_cert", "issuer")

	ocspCmd.AddCommand(checkCmd)
	return ocspCmd
}

func readCertificate(path string) (*x509.Certificate, error) {
	// #nosec G304: path is provided by the operator on the command line
	data, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		return nil, fmt.Errorf("failed to read certificate: %w", err)
	}
	block, _ := pem.Decode(data)
	if block == nil || block.Type != "CERTIFICATE" {
		return nil, fmt.Errorf("%s does not contain a PEM certificate", path)
	}
	cert, err := x509.ParseCertificate(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("failed to parse certificate: %w", err)
	}
	return cert, nil
}

func printResult(w io.Writer, r ocsp.Result) {
	fmt.Fprintf(w, "Status: %s\n", r.Status)
	if r.SerialNumber != nil {
		fmt.Fprintf(w, "Serial: %s\n", r.SerialNumber.Text(16))
	}
	if !r.ThisUpdate.IsZero() {
		fmt.Fprintf(w, "This update: %s\n", r.ThisUpdate.UTC().Format(time.RFC3339))
	}
	if !r.NextUpdate.IsZero() {
		fmt.Fprintf(w, "Next update: %s\n", r.NextUpdate.UTC().Format(time.RFC3339))
	}
	if r.Status == ocsp.StatusRevoked {
		fmt.Fprintf(w, "Revoked at: %s\n", r.RevokedAt.UTC().Format(time.RFC3339))
		fmt.Fprintf(w, "Reason: %d\n", r.RevocationReason)
	}
	if r.Err != nil {
		fmt.Fprintf(w, "Detail: %v\n", r.Err)
	}
}

// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package ocsp

import (
	"math/big"
	"time"
)

// Status is the revocation status reported for one certificate.
type Status int

const (
	// StatusError means the responder could not be reached or answered with
	// something that is not an OCSP response.
	StatusError Status = iota
	// StatusGood means the responder vouched for the certificate.
	StatusGood
	// StatusRevoked means the responder reported the certificate revoked.
	StatusRevoked
	// StatusUnknown means the responder answered but did not give exactly one
	// definitive status.
	StatusUnknown
)

// String returns the lowercase name of the status.
func (s Status) String() string {
	switch s {
	case StatusGood:
		return "good"
	case StatusRevoked:
		return "revoked"
	case StatusUnknown:
		return "unknown"
	default:
		return "error"
	}
}

// Authoritative reports whether the status is a definitive answer. Callers
// gating access on revocation must treat non-authoritative statuses as a deny.
func (s Status) Authoritative() bool {
	return s == StatusGood || s == StatusRevoked
}

// Result is the outcome of one OCSP lookup.
type Result struct {
	Status       Status
	SerialNumber *big.Int

	// Populated when the responder returned exactly one status.
	ThisUpdate       time.Time
	NextUpdate       time.Time
	RevokedAt        time.Time
	RevocationReason int

	// Err carries the cause of StatusError and StatusUnknown results.
	Err error
}

// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package ocsp

import (
	"crypto/sha1" // #nosec G505 - RFC 6960 CertID hashes are SHA-1 for responder compatibility
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/asn1"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"
)

// serialHexWidth is the width, in hex digits, serial numbers are left-padded to
// before being parsed.
const serialHexWidth = 32

var (
	oidSHA1      = asn1.ObjectIdentifier{1, 3, 14, 3, 2, 26}
	oidOCSPNonce = asn1.ObjectIdentifier{1, 3, 6, 1, 5, 5, 7, 48, 1, 2}
	oidOCSPBasic = asn1.ObjectIdentifier{1, 3, 6, 1, 5, 5, 7, 48, 1, 1}
)

// ErrInvalidSerial is returned when a serial number is not a non-empty hex string.
var ErrInvalidSerial = errors.New("invalid certificate serial number")

// NonceFunc derives the nonce extension value for a request issued at now.
type NonceFunc func(now time.Time) []byte

// TimestampNonce is the default NonceFunc. The nonce is the big-endian encoding
// of the request time in whole seconds since the Unix epoch.
func TimestampNonce(now time.Time) []byte {
	return big.NewInt(now.Unix()).Bytes()
}

type certID struct {
	HashAlgorithm pkix.AlgorithmIdentifier
	NameHash      []byte
	IssuerKeyHash []byte
	SerialNumber  *big.Int
}

type singleRequest struct {
	Cert certID
}

type tbsRequest struct {
	Version           int `asn1:"explicit,tag:0,default:0,optional"`
	RequestList       []singleRequest
	RequestExtensions []pkix.Extension `asn1:"explicit,tag:2,optional"`
}

type ocspRequest struct {
	TBSRequest tbsRequest
}

// issuerHashes holds the SHA-1 CertID hashes of an issuing CA.
type issuerHashes struct {
	nameHash []byte
	keyHash  []byte
}

func hashIssuer(issuer *x509.Certificate) (issuerHashes, error) {
	var publicKeyInfo struct {
		Algorithm pkix.AlgorithmIdentifier
		PublicKey asn1.BitString
	}
	if _, err := asn1.Unmarshal(issuer.RawSubjectPublicKeyInfo, &publicKeyInfo); err != nil {
		return issuerHashes{}, fmt.Errorf("failed to decode issuer public key: %w", err)
	}

	nameHash := sha1.Sum(issuer.RawSubject)                   // #nosec G401
	keyHash := sha1.Sum(publicKeyInfo.PublicKey.RightAlign()) // #nosec G401

	return issuerHashes{nameHash: nameHash[:], keyHash: keyHash[:]}, nil
}

// ParseSerial left-pads serialHex with zeros to 32 digits and parses it as an
// unsigned base-16 integer. Padding never changes the value, so "1F" and
// "0000001F" identify the same certificate.
func ParseSerial(serialHex string) (*big.Int, error) {
	s := strings.TrimSpace(serialHex)
	s = strings.TrimPrefix(strings.TrimPrefix(s, "0x"), "0X")
	s = strings.ReplaceAll(s, ":", "")
	if s == "" {
		return nil, fmt.Errorf("%w: empty", ErrInvalidSerial)
	}
	if len(s) < serialHexWidth {
		s = strings.Repeat("0", serialHexWidth-len(s)) + s
	}

	serial, ok := new(big.Int).SetString(s, 16)
	if !ok || serial.Sign() < 0 {
		return nil, fmt.Errorf("%w: %q is not hexadecimal", ErrInvalidSerial, serialHex)
	}
	return serial, nil
}

// buildRequest returns the DER encoding of a single-certificate OCSP request
// carrying one nonce extension.
func buildRequest(hashes issuerHashes, serial *big.Int, nonce []byte) ([]byte, error) {
	nonceValue, err := asn1.Marshal(nonce)
	if err != nil {
		return nil, fmt.Errorf("failed to encode nonce: %w", err)
	}

	req := ocspRequest{
		TBSRequest: tbsRequest{
			RequestList: []singleRequest{{
				Cert: certID{
					HashAlgorithm: pkix.AlgorithmIdentifier{
						Algorithm:  oidSHA1,
						Parameters: asn1.NullRawValue,
					},
					NameHash:      hashes.nameHash,
					IssuerKeyHash: hashes.keyHash,
					SerialNumber:  serial,
				},
			}},
			RequestExtensions: []pkix.Extension{{
				Id:    oidOCSPNonce,
				Value: nonceValue,
			}},
		},
	}

	der, err := asn1.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("failed to encode OCSP request: %w", err)
	}
	return der, nil
}

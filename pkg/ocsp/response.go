// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package ocsp

import (
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/asn1"
	"errors"
	"fmt"
	"time"

	xocsp "golang.org/x/crypto/ocsp"
)

// responseStatusSuccessful is the OCSPResponseStatus value for successful responses.
const responseStatusSuccessful = 0

// Context-specific tags of the CertStatus CHOICE.
const (
	certStatusGood    = 0
	certStatusRevoked = 1
	certStatusUnknown = 2
)

var (
	// ErrMalformedResponse is returned when the body is not a DER OCSPResponse.
	ErrMalformedResponse = errors.New("malformed OCSP response")
	// ErrNoBasicResponse is returned when a response carries no basic response.
	ErrNoBasicResponse = errors.New("OCSP response carries no basic response")
	// ErrStatusCount is returned when a basic response does not carry exactly
	// one certificate status.
	ErrStatusCount = errors.New("OCSP response must carry exactly one certificate status")
	// ErrBadSignature is returned when signature verification is enabled and fails.
	ErrBadSignature = errors.New("OCSP response signature verification failed")
)

type responseEnvelope struct {
	Status   asn1.Enumerated
	Response responseBytes `asn1:"explicit,tag:0,optional"`
}

type responseBytes struct {
	ResponseType asn1.ObjectIdentifier
	Response     []byte
}

type basicResponse struct {
	TBSResponseData    responseData
	SignatureAlgorithm pkix.AlgorithmIdentifier
	Signature          asn1.BitString
	Certificates       []asn1.RawValue `asn1:"explicit,tag:0,optional"`
}

type responseData struct {
	Version            int `asn1:"optional,default:0,explicit,tag:0"`
	RawResponderID     asn1.RawValue
	ProducedAt         time.Time `asn1:"generalized"`
	Responses          []asn1.RawValue
	ResponseExtensions []pkix.Extension `asn1:"explicit,tag:1,optional"`
}

type singleResponse struct {
	CertID           certID
	CertStatus       asn1.RawValue
	ThisUpdate       time.Time        `asn1:"generalized"`
	NextUpdate       time.Time        `asn1:"generalized,explicit,tag:0,optional"`
	SingleExtensions []pkix.Extension `asn1:"explicit,tag:1,optional"`
}

type revokedInfo struct {
	RevocationTime time.Time       `asn1:"generalized"`
	Reason         asn1.Enumerated `asn1:"explicit,tag:0,optional"`
}

// decodeResponse maps a responder body onto a Result. When issuer is non-nil the
// response signature is verified against it.
func decodeResponse(der []byte, issuer *x509.Certificate) Result {
	var envelope responseEnvelope
	rest, err := asn1.Unmarshal(der, &envelope)
	if err != nil {
		return Result{Status: StatusError, Err: fmt.Errorf("%w: %v", ErrMalformedResponse, err)}
	}
	if len(rest) > 0 {
		return Result{Status: StatusError, Err: fmt.Errorf("%w: trailing data", ErrMalformedResponse)}
	}

	if envelope.Status != responseStatusSuccessful {
		return Result{
			Status: StatusUnknown,
			Err:    fmt.Errorf("%w: responder status %d", ErrNoBasicResponse, envelope.Status),
		}
	}
	if !envelope.Response.ResponseType.Equal(oidOCSPBasic) {
		return Result{Status: StatusUnknown, Err: ErrNoBasicResponse}
	}

	var basic basicResponse
	if _, err := asn1.Unmarshal(envelope.Response.Response, &basic); err != nil {
		return Result{Status: StatusError, Err: fmt.Errorf("%w: basic response: %v", ErrMalformedResponse, err)}
	}

	responses := basic.TBSResponseData.Responses
	if len(responses) != 1 {
		return Result{
			Status: StatusUnknown,
			Err:    fmt.Errorf("%w: got %d", ErrStatusCount, len(responses)),
		}
	}

	if issuer != nil {
		if _, err := xocsp.ParseResponse(der, issuer); err != nil {
			return Result{Status: StatusError, Err: fmt.Errorf("%w: %v", ErrBadSignature, err)}
		}
	}

	var single singleResponse
	if _, err := asn1.Unmarshal(responses[0].FullBytes, &single); err != nil {
		return Result{Status: StatusError, Err: fmt.Errorf("%w: single response: %v", ErrMalformedResponse, err)}
	}

	result := Result{
		SerialNumber: single.CertID.SerialNumber,
		ThisUpdate:   single.ThisUpdate,
		NextUpdate:   single.NextUpdate,
	}

	if single.CertStatus.Class != asn1.ClassContextSpecific {
		result.Status = StatusUnknown
		result.Err = fmt.Errorf("unrecognised certificate status class %d", single.CertStatus.Class)
		return result
	}

	switch single.CertStatus.Tag {
	case certStatusGood:
		result.Status = StatusGood
	case certStatusRevoked:
		var info revokedInfo
		if _, err := asn1.UnmarshalWithParams(single.CertStatus.FullBytes, &info, "tag:1"); err != nil {
			return Result{Status: StatusError, Err: fmt.Errorf("%w: revoked info: %v", ErrMalformedResponse, err)}
		}
		result.Status = StatusRevoked
		result.RevokedAt = info.RevocationTime
		result.RevocationReason = int(info.Reason)
	case certStatusUnknown:
		result.Status = StatusUnknown
	default:
		result.Status = StatusUnknown
		result.Err = fmt.Errorf("unrecognised certificate status tag %d", single.CertStatus.Tag)
	}

	return result
}

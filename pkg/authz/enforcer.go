// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package authz

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/stacklok/bankguard/pkg/auth"
	"github.com/stacklok/bankguard/pkg/policy"
	"github.com/stacklok/bankguard/pkg/telemetry"
)

// DefaultRetryAfter is the Retry-After value sent with 503 responses.
const DefaultRetryAfter = 5 * time.Second

var (
	// ErrNotConfigured is returned when evaluation is attempted on a nil or
	// incomplete enforcer.
	ErrNotConfigured = errors.New("policy enforcer is not configured")
	// ErrPolicyNotFound is returned when a policy name is not in the catalog.
	ErrPolicyNotFound = errors.New("policy not found")
	// ErrIntrospectorRequired is returned when the catalog has live token
	// checks but no introspector was configured.
	ErrIntrospectorRequired = errors.New("policy catalog requires token introspection but no introspector is configured")
)

// Config configures an Enforcer.
type Config struct {
	// Catalog resolves policy names. Required.
	Catalog *policy.Catalog

	// Introspector backs live token checks. Required when any policy in the
	// catalog enables LiveTokenCheck.
	Introspector auth.Introspector

	// Headers names the gateway-forwarded headers.
	Headers auth.HeaderNames

	// Issuer resolves the issuer granted scopes must come from.
	Issuer auth.IssuerResolver

	// Realm is sent in WWW-Authenticate challenges.
	Realm string

	// RetryAfter is sent with 503 responses. Defaults to DefaultRetryAfter.
	RetryAfter time.Duration

	// Recorder records outcomes and security events. Optional.
	Recorder *telemetry.Recorder
}

// Decision is the aggregate result of evaluating a policy.
type Decision struct {
	// Policy is the evaluated policy name.
	Policy string

	// Outcome is the selected failure, or OutcomeSuccess.
	Outcome Outcome

	// Reason describes the selected failure.
	Reason string

	// Verdicts holds the verdict of every activated requirement.
	Verdicts map[string]Verdict

	// Err is set when the policy could not be evaluated at all. The request
	// must be refused with a server error.
	Err error
}

// Allowed reports whether the request may proceed.
func (d Decision) Allowed() bool {
	return d.Err == nil && d.Outcome == OutcomeSuccess
}

// Enforcer evaluates named policies against per-request verification contexts.
type Enforcer struct {
	catalog     *policy.Catalog
	holderOfKey *HolderOfKeyVerifier
	revocation  *RevocationVerifier
	headers     auth.HeaderNames
	issuer      auth.IssuerResolver
	realm       string
	retryAfter  time.Duration
	recorder    *telemetry.Recorder
	logger      *slog.Logger
}

// NewEnforcer creates an Enforcer. It fails when the catalog is missing or
// when a policy needs a collaborator that was not supplied.
func NewEnforcer(cfg Config, logger *slog.Logger) (*Enforcer, error) {
	if cfg.Catalog == nil {
		return nil, fmt.Errorf("%w: no policy catalog", ErrNotConfigured)
	}

	if cfg.Introspector == nil {
		for _, name := range cfg.Catalog.Names() {
			if p, _ := cfg.Catalog.Lookup(name); p.LiveTokenCheck {
				return nil, fmt.Errorf("%w (policy %s)", ErrIntrospectorRequired, name)
			}
		}
	}

	headers := cfg.Headers
	if headers == (auth.HeaderNames{}) {
		headers = auth.DefaultHeaderNames()
	}
	retryAfter := cfg.RetryAfter
	if retryAfter <= 0 {
		retryAfter = DefaultRetryAfter
	}

	e := &Enforcer{
		catalog:     cfg.Catalog,
		holderOfKey: NewHolderOfKeyVerifier(cfg.Recorder, logger),
		headers:     headers,
		issuer:      cfg.Issuer,
		realm:       cfg.Realm,
		retryAfter:  retryAfter,
		recorder:    cfg.Recorder,
		logger:      logger,
	}
	if cfg.Introspector != nil {
		e.revocation = NewRevocationVerifier(cfg.Introspector, cfg.Recorder, logger)
	}

	for _, name := range cfg.Catalog.Names() {
		p, _ := cfg.Catalog.Lookup(name)
		logger.Debug("policy registered",
			"policy", p.Name,
			"scope", p.ScopeOrEmpty(),
			"holder_of_key", p.HolderOfKey,
			"live_token_check", p.LiveTokenCheck,
			"mtls", p.MTLS,
		)
	}

	return e, nil
}

// Evaluate runs every requirement the named policy activates and selects the
// reported failure by fixed priority: holder-of-key mismatch, then token
// revoked, then infrastructure unavailable, then any other requirement
// failure, then insufficient scope. Requirements run concurrently and never
// short-circuit each other. Requirements the policy does not activate are
// never invoked.
func (e *Enforcer) Evaluate(ctx context.Context, name string, vc *auth.VerificationContext) Decision {
	if e == nil || e.catalog == nil {
		return Decision{Policy: name, Outcome: OutcomeUnevaluated, Err: ErrNotConfigured}
	}

	p, ok := e.catalog.Lookup(name)
	if !ok {
		e.recorder.SecurityEvent(ctx, telemetry.EventPolicyMissing)
		e.logger.ErrorContext(ctx, "refusing request for unknown policy",
			"policy", name, "security_event", telemetry.EventPolicyMissing)
		return Decision{Policy: name, Outcome: OutcomeUnevaluated, Err: fmt.Errorf("%w: %s", ErrPolicyNotFound, name)}
	}
	if p.LiveTokenCheck && e.revocation == nil {
		e.logger.ErrorContext(ctx, "refusing request, live token check has no introspector", "policy", name)
		return Decision{Policy: name, Outcome: OutcomeUnevaluated, Err: ErrIntrospectorRequired}
	}

	var (
		scope, hok, revocation Verdict
		g                      errgroup.Group
	)
	if p.HasScope() {
		g.Go(func() error {
			scope = VerifyScope(p.ScopeOrEmpty(), vc)
			return nil
		})
	}
	if p.HolderOfKey {
		g.Go(func() error {
			hok = e.holderOfKey.Verify(ctx, vc)
			return nil
		})
	}
	if p.LiveTokenCheck {
		g.Go(func() error {
			revocation = e.revocation.Verify(ctx, vc)
			return nil
		})
	}
	_ = g.Wait()

	verdicts := make(map[string]Verdict, 3)
	if p.HasScope() {
		verdicts[RequirementScope] = scope
	}
	if p.HolderOfKey {
		verdicts[RequirementHolderOfKey] = hok
	}
	if p.LiveTokenCheck {
		verdicts[RequirementRevocation] = revocation
	}
	for requirement, v := range verdicts {
		e.recorder.Verification(ctx, requirement, v.Outcome.String())
	}

	d := selectFailure(verdicts)
	d.Policy = name
	d.Verdicts = verdicts
	if !d.Allowed() {
		e.logger.DebugContext(ctx, "policy denied request",
			"policy", name, "outcome", d.Outcome.String(), "reason", d.Reason)
	}
	return d
}

// selectFailure applies the fixed failure priority to the activated verdicts.
func selectFailure(verdicts map[string]Verdict) Decision {
	priority := []Outcome{
		OutcomeHolderOfKeyMismatch,
		OutcomeTokenRevoked,
		OutcomeInfrastructureUnavailable,
		OutcomeUnevaluated,
		OutcomeScopeInsufficient,
	}
	for _, outcome := range priority {
		// Fixed requirement order keeps the reason deterministic when two
		// requirements fail the same way.
		for _, requirement := range []string{RequirementHolderOfKey, RequirementRevocation, RequirementScope} {
			if v, ok := verdicts[requirement]; ok && v.Outcome == outcome {
				return Decision{Outcome: outcome, Reason: v.Reason}
			}
		}
	}
	return Decision{Outcome: OutcomeSuccess}
}

// Require returns middleware enforcing the named policy. It must run after
// auth.Middleware. It panics when the policy is not in the catalog so that
// route misconfiguration is caught before the server starts.
func (e *Enforcer) Require(name string) func(http.Handler) http.Handler {
	if e == nil {
		return func(http.Handler) http.Handler {
			return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
				writeServerError(w)
			})
		}
	}
	if _, ok := e.catalog.Lookup(name); !ok {
		panic(fmt.Sprintf("authz: route references unknown policy %q", name))
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			principal, ok := auth.PrincipalFromContext(r.Context())
			if !ok {
				writeUnauthenticated(w, e.realm)
				return
			}

			vc := auth.NewVerificationContext(r, principal, e.headers, e.issuer)
			d := e.Evaluate(r.Context(), name, vc)
			if d.Allowed() {
				next.ServeHTTP(w, r)
				return
			}
			WriteDecision(w, d, e.realm, e.retryAfter)
		})
	}
}

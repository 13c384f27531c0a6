// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package authz

import (
	"strings"

	"github.com/stacklok/bankguard/pkg/auth"
)

// VerifyScope checks a space separated scope requirement against the scopes
// granted to the request's principal. Any one required scope suffices.
func VerifyScope(requirement string, vc *auth.VerificationContext) Verdict {
	if vc == nil || vc.Principal == nil {
		return fail(OutcomeUnevaluated, "no authenticated principal")
	}

	granted := vc.GrantedScopes()
	for _, required := range strings.Fields(requirement) {
		for _, g := range granted {
			if g == required {
				return pass()
			}
		}
	}
	return fail(OutcomeScopeInsufficient, "insufficient scope")
}

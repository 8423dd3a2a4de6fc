package consent

import (
	"slices"

	schemagov "github.com/davidahmann/govledger/core/schema/v1/governance"
)

type DenialReason string

const (
	ReasonNone                DenialReason = ""
	ReasonNotFound            DenialReason = "NOT_FOUND"
	ReasonRevoked             DenialReason = "REVOKED"
	ReasonOutOfValidityWindow DenialReason = "OUT_OF_VALIDITY_WINDOW"
	ReasonPurposeNotAllowed   DenialReason = "PURPOSE_NOT_ALLOWED"
	ReasonRoleNotAllowed      DenialReason = "ROLE_NOT_ALLOWED"
)

type Decision struct {
	Authorized bool         `json:"authorized"`
	Reason     DenialReason `json:"reason,omitempty"`
}

func Authorized() Decision {
	return Decision{Authorized: true}
}

func Denied(reason DenialReason) Decision {
	return Decision{Authorized: false, Reason: reason}
}

// Evaluate decides whether policy permits role to process data for purpose at
// atMS. Checks run in a fixed order and the first failing one names the
// reason. A nil policy means the policy was not found.
func Evaluate(policy *schemagov.ConsentPolicy, purpose string, role string, atMS int64) Decision {
	if policy == nil {
		return Denied(ReasonNotFound)
	}
	if policy.RevokedAtMS != nil && atMS >= *policy.RevokedAtMS {
		return Denied(ReasonRevoked)
	}
	if atMS < policy.ValidFromMS || (policy.ValidUntilMS != nil && atMS >= *policy.ValidUntilMS) {
		return Denied(ReasonOutOfValidityWindow)
	}
	if !slices.Contains(policy.AllowedPurposes, purpose) {
		return Denied(ReasonPurposeNotAllowed)
	}
	if !slices.Contains(policy.AllowedRoles, role) {
		return Denied(ReasonRoleNotAllowed)
	}
	return Authorized()
}

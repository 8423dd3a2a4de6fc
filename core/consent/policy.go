package consent

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/goccy/go-yaml"

	coreerrors "github.com/davidahmann/govledger/core/errors"
	"github.com/davidahmann/govledger/core/hashchain"
	schemagov "github.com/davidahmann/govledger/core/schema/v1/governance"
	"github.com/davidahmann/govledger/core/schema/validate"
)

type PolicyOptions struct {
	PolicyID        string
	SubjectID       string
	AllowedPurposes []string
	AllowedRoles    []string
	ValidFromMS     int64
	ValidUntilMS    *int64
	Revocable       bool
}

// NewPolicy builds a normalized, validated policy. New policies are never
// created in a revoked state.
func NewPolicy(opts PolicyOptions) (schemagov.ConsentPolicy, error) {
	policy := schemagov.ConsentPolicy{
		PolicyID:        opts.PolicyID,
		SubjectID:       opts.SubjectID,
		AllowedPurposes: opts.AllowedPurposes,
		AllowedRoles:    opts.AllowedRoles,
		ValidFromMS:     opts.ValidFromMS,
		ValidUntilMS:    opts.ValidUntilMS,
		Revocable:       opts.Revocable,
	}
	return Normalize(policy)
}

// Normalize trims identifiers, sorts and de-duplicates the purpose and role
// sets, and validates the result.
func Normalize(input schemagov.ConsentPolicy) (schemagov.ConsentPolicy, error) {
	output := input.Clone()
	output.PolicyID = strings.TrimSpace(output.PolicyID)
	output.SubjectID = strings.TrimSpace(output.SubjectID)
	output.AllowedPurposes = normalizeSet(output.AllowedPurposes)
	output.AllowedRoles = normalizeSet(output.AllowedRoles)
	if err := Validate(output); err != nil {
		return schemagov.ConsentPolicy{}, err
	}
	return output, nil
}

func Validate(policy schemagov.ConsentPolicy) error {
	var problem string
	switch {
	case strings.TrimSpace(policy.PolicyID) == "":
		problem = "policy_id is required"
	case !policyIDPattern.MatchString(policy.PolicyID):
		problem = "policy_id may only contain letters, digits and . _ : -"
	case strings.TrimSpace(policy.SubjectID) == "":
		problem = "subject_id is required"
	case policy.ValidFromMS < 0:
		problem = "valid_from_ms must be >= 0"
	case policy.ValidUntilMS != nil && *policy.ValidUntilMS < policy.ValidFromMS:
		problem = "valid_until_ms must be >= valid_from_ms"
	case len(policy.AllowedPurposes) == 0:
		problem = "allowed_purposes must not be empty"
	case len(policy.AllowedRoles) == 0:
		problem = "allowed_roles must not be empty"
	case policy.RevokedAtMS != nil && !policy.Revocable:
		problem = "revoked_at_ms set on a non-revocable policy"
	}
	if problem == "" {
		return nil
	}
	return coreerrors.Wrap(
		fmt.Errorf("invalid consent policy: %s", problem),
		coreerrors.CategoryInvalidInput,
		coreerrors.CodeValidationFailed,
		"fix the policy document and resubmit",
		false,
	)
}

// PolicyDigest is the content hash recorded in CONSENT_* ledger events.
func PolicyDigest(policy schemagov.ConsentPolicy) (string, error) {
	normalized, err := Normalize(policy)
	if err != nil {
		return "", err
	}
	digest, err := hashchain.DigestRecord(normalized)
	if err != nil {
		return "", fmt.Errorf("digest policy: %w", err)
	}
	return digest, nil
}

func LoadPolicyFile(path string) (schemagov.ConsentPolicy, error) {
	// #nosec G304 -- policy path is explicit local user input.
	content, err := os.ReadFile(path)
	if err != nil {
		return schemagov.ConsentPolicy{}, fmt.Errorf("read policy: %w", err)
	}
	return ParsePolicyYAML(content)
}

// ParsePolicyYAML accepts YAML or JSON (JSON is a YAML subset). The document is
// checked against the embedded consent policy schema before normalization.
func ParsePolicyYAML(data []byte) (schemagov.ConsentPolicy, error) {
	var document map[string]any
	if err := yaml.Unmarshal(data, &document); err != nil {
		return schemagov.ConsentPolicy{}, invalidPolicyDocument(fmt.Errorf("parse policy yaml: %w", err))
	}
	encoded, err := json.Marshal(document)
	if err != nil {
		return schemagov.ConsentPolicy{}, invalidPolicyDocument(fmt.Errorf("encode policy document: %w", err))
	}
	if err := validate.ConsentPolicy(encoded); err != nil {
		return schemagov.ConsentPolicy{}, invalidPolicyDocument(err)
	}
	var policy schemagov.ConsentPolicy
	if err := yaml.Unmarshal(data, &policy); err != nil {
		return schemagov.ConsentPolicy{}, invalidPolicyDocument(fmt.Errorf("decode policy: %w", err))
	}
	return Normalize(policy)
}

func invalidPolicyDocument(err error) error {
	return coreerrors.Wrap(err, coreerrors.CategoryInvalidInput, coreerrors.CodeValidationFailed, "policy document must match the consent policy schema", false)
}

func normalizeSet(values []string) []string {
	out := make([]string, 0, len(values))
	seen := map[string]struct{}{}
	for _, value := range values {
		trimmed := strings.TrimSpace(value)
		if trimmed == "" {
			continue
		}
		if _, ok := seen[trimmed]; ok {
			continue
		}
		seen[trimmed] = struct{}{}
		out = append(out, trimmed)
	}
	sort.Strings(out)
	return out
}

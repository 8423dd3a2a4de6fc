package pgstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/davidahmann/govledger/core/consent"
	schemagov "github.com/davidahmann/govledger/core/schema/v1/governance"
	"github.com/davidahmann/govledger/core/schema/validate"
)

type PolicyStore struct {
	DB Querier
}

func NewPolicyStore(db Querier) *PolicyStore {
	return &PolicyStore{DB: db}
}

func (s *PolicyStore) Put(ctx context.Context, policy schemagov.ConsentPolicy) error {
	document, err := json.Marshal(policy)
	if err != nil {
		return fmt.Errorf("marshal consent policy: %w", err)
	}
	tag, err := s.DB.Exec(ctx, `
INSERT INTO governance_consent_policies(policy_id,subject_id,revocable,revoked_at_ms,document)
VALUES($1,$2,$3,$4,$5::jsonb)
ON CONFLICT (policy_id) DO NOTHING`,
		policy.PolicyID, policy.SubjectID, policy.Revocable, policy.RevokedAtMS, string(document))
	if err != nil {
		return fmt.Errorf("insert consent policy: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: %s", consent.ErrAlreadyExists, policy.PolicyID)
	}
	return nil
}

func (s *PolicyStore) Get(ctx context.Context, policyID string) (schemagov.ConsentPolicy, error) {
	var document []byte
	err := s.DB.QueryRow(ctx, `SELECT document FROM governance_consent_policies WHERE policy_id=$1`, policyID).Scan(&document)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return schemagov.ConsentPolicy{}, fmt.Errorf("%w: %s", consent.ErrNotFound, policyID)
		}
		return schemagov.ConsentPolicy{}, fmt.Errorf("select consent policy: %w", err)
	}
	if err := validate.ConsentPolicy(document); err != nil {
		return schemagov.ConsentPolicy{}, fmt.Errorf("consent policy %s: %w", policyID, err)
	}
	var policy schemagov.ConsentPolicy
	if err := json.Unmarshal(document, &policy); err != nil {
		return schemagov.ConsentPolicy{}, fmt.Errorf("parse consent policy: %w", err)
	}
	return policy, nil
}

func (s *PolicyStore) Update(ctx context.Context, policy schemagov.ConsentPolicy) error {
	document, err := json.Marshal(policy)
	if err != nil {
		return fmt.Errorf("marshal consent policy: %w", err)
	}
	tag, err := s.DB.Exec(ctx, `
UPDATE governance_consent_policies
SET subject_id=$2, revocable=$3, revoked_at_ms=$4, document=$5::jsonb, updated_at=now()
WHERE policy_id=$1`,
		policy.PolicyID, policy.SubjectID, policy.Revocable, policy.RevokedAtMS, string(document))
	if err != nil {
		return fmt.Errorf("update consent policy: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: %s", consent.ErrNotFound, policy.PolicyID)
	}
	return nil
}

// Package overlay governs clinical AI actions: every inference or data access
// passes consent evaluation, lands in the ledger, and references an
// off-ledger manifest by content hash.
package overlay

import (
	"context"
	"crypto/ed25519"
	"errors"
	"fmt"
	"strings"
	"sync"

	"cosmossdk.io/log"

	"github.com/davidahmann/govledger/core/consent"
	coreerrors "github.com/davidahmann/govledger/core/errors"
	"github.com/davidahmann/govledger/core/ledger"
	"github.com/davidahmann/govledger/core/manifest"
	schemagov "github.com/davidahmann/govledger/core/schema/v1/governance"
)

type Options struct {
	Ledger    *ledger.Ledger
	Policies  consent.Store
	Manifests manifest.Store
	Clock     Clock
	Logger    log.Logger
	// SigningKey, when set, signs every stored manifest and head attestation.
	SigningKey ed25519.PrivateKey
	// VerifyKey, when set, makes VerifyAll require a valid manifest signature.
	VerifyKey ed25519.PublicKey
}

type Overlay struct {
	ledger     *ledger.Ledger
	policies   consent.Store
	manifests  manifest.Store
	clock      Clock
	logger     log.Logger
	signingKey ed25519.PrivateKey
	verifyKey  ed25519.PublicKey

	// writeMu spans evaluate, store and append so a revocation cannot land
	// between an authorization decision and its ledger event.
	writeMu sync.Mutex
}

func New(opts Options) (*Overlay, error) {
	if opts.Ledger == nil || opts.Policies == nil || opts.Manifests == nil {
		return nil, fmt.Errorf("overlay requires a ledger, a policy store and a manifest store")
	}
	clock := opts.Clock
	if clock == nil {
		clock = SystemClock{}
	}
	logger := opts.Logger
	if logger == nil {
		logger = log.NewNopLogger()
	}
	return &Overlay{
		ledger:     opts.Ledger,
		policies:   opts.Policies,
		manifests:  opts.Manifests,
		clock:      clock,
		logger:     logger.With("module", "overlay"),
		signingKey: opts.SigningKey,
		verifyKey:  opts.VerifyKey,
	}, nil
}

func (o *Overlay) Ledger() *ledger.Ledger {
	return o.ledger
}

func (o *Overlay) Now() int64 {
	return o.clock.NowEpochMS()
}

// StoreConsentPolicy validates and persists a new policy and records
// CONSENT_CREATED.
func (o *Overlay) StoreConsentPolicy(ctx context.Context, policy schemagov.ConsentPolicy) (schemagov.ConsentPolicy, schemagov.LedgerEntry, error) {
	normalized, err := consent.Normalize(policy)
	if err != nil {
		return schemagov.ConsentPolicy{}, schemagov.LedgerEntry{}, err
	}
	if normalized.RevokedAtMS != nil {
		return schemagov.ConsentPolicy{}, schemagov.LedgerEntry{}, invalidInput("a new policy cannot already be revoked")
	}
	policyHash, err := consent.PolicyDigest(normalized)
	if err != nil {
		return schemagov.ConsentPolicy{}, schemagov.LedgerEntry{}, err
	}

	o.writeMu.Lock()
	defer o.writeMu.Unlock()
	if err := o.ensureWritable(); err != nil {
		return schemagov.ConsentPolicy{}, schemagov.LedgerEntry{}, err
	}
	if err := o.policies.Put(ctx, normalized); err != nil {
		if errors.Is(err, consent.ErrAlreadyExists) {
			return schemagov.ConsentPolicy{}, schemagov.LedgerEntry{}, coreerrors.Wrap(err, coreerrors.CategoryStateConflict, coreerrors.CodePolicyExists, "policies are never replaced; revoke and create a new policy id", false)
		}
		return schemagov.ConsentPolicy{}, schemagov.LedgerEntry{}, collaboratorFailure("store consent policy", err)
	}
	entry, err := o.ledger.Append(schemagov.EventConsentCreated, map[string]any{
		"policy_id":   normalized.PolicyID,
		"subject_id":  normalized.SubjectID,
		"policy_hash": policyHash,
	}, o.clock.NowEpochMS())
	if err != nil {
		return schemagov.ConsentPolicy{}, schemagov.LedgerEntry{}, err
	}
	o.logger.Info("consent policy stored", "policy_id", normalized.PolicyID, "policy_hash", policyHash, "sequence", entry.SequenceNumber)
	return normalized, entry, nil
}

// RevokeConsent sets revoked_at_ms and records CONSENT_REVOKED. Revocation
// happens at most once.
func (o *Overlay) RevokeConsent(ctx context.Context, policyID string, atMS int64) (schemagov.ConsentPolicy, schemagov.LedgerEntry, error) {
	policyID = strings.TrimSpace(policyID)
	if policyID == "" {
		return schemagov.ConsentPolicy{}, schemagov.LedgerEntry{}, invalidInput("policy_id is required")
	}
	if atMS < 0 {
		return schemagov.ConsentPolicy{}, schemagov.LedgerEntry{}, invalidInput("at_time_ms must be >= 0")
	}

	o.writeMu.Lock()
	defer o.writeMu.Unlock()
	if err := o.ensureWritable(); err != nil {
		return schemagov.ConsentPolicy{}, schemagov.LedgerEntry{}, err
	}
	policy, err := o.policies.Get(ctx, policyID)
	if err != nil {
		if errors.Is(err, consent.ErrNotFound) {
			return schemagov.ConsentPolicy{}, schemagov.LedgerEntry{}, coreerrors.Wrap(err, coreerrors.CategoryInvalidInput, coreerrors.CodePolicyNotFound, "", false)
		}
		return schemagov.ConsentPolicy{}, schemagov.LedgerEntry{}, collaboratorFailure("load consent policy", err)
	}
	if !policy.Revocable {
		return schemagov.ConsentPolicy{}, schemagov.LedgerEntry{}, notRevocable(fmt.Sprintf("policy %s is not revocable", policyID))
	}
	if policy.RevokedAtMS != nil {
		return schemagov.ConsentPolicy{}, schemagov.LedgerEntry{}, notRevocable(fmt.Sprintf("policy %s was already revoked at %d", policyID, *policy.RevokedAtMS))
	}
	original := policy
	revokedAt := atMS
	policy.RevokedAtMS = &revokedAt
	policyHash, err := consent.PolicyDigest(policy)
	if err != nil {
		return schemagov.ConsentPolicy{}, schemagov.LedgerEntry{}, err
	}
	if err := o.policies.Update(ctx, policy); err != nil {
		return schemagov.ConsentPolicy{}, schemagov.LedgerEntry{}, collaboratorFailure("update consent policy", err)
	}
	entry, err := o.ledger.Append(schemagov.EventConsentRevoked, map[string]any{
		"policy_id":     policy.PolicyID,
		"revoked_at_ms": revokedAt,
		"policy_hash":   policyHash,
	}, atMS)
	if err != nil {
		// No event means no revocation: put the stored policy back.
		if restoreErr := o.policies.Update(ctx, original); restoreErr != nil {
			o.logger.Error("restore consent policy after failed append", "policy_id", policy.PolicyID, "err", restoreErr)
		}
		return schemagov.ConsentPolicy{}, schemagov.LedgerEntry{}, err
	}
	o.logger.Info("consent revoked", "policy_id", policy.PolicyID, "revoked_at_ms", revokedAt, "sequence", entry.SequenceNumber)
	return policy, entry, nil
}

// CheckConsent evaluates a policy without recording anything. Inputs are
// normalized like RecordInference and RecordDataAccess normalize them, so the
// answer matches what recording the same action would decide.
func (o *Overlay) CheckConsent(ctx context.Context, policyID string, purpose string, role string, atMS int64) (consent.Decision, error) {
	scope := newActor("", role, purpose, policyID)
	if err := scope.validateScope(atMS); err != nil {
		return consent.Decision{}, err
	}
	policy, err := o.loadPolicy(ctx, scope.policyID)
	if err != nil {
		return consent.Decision{}, err
	}
	return consent.Evaluate(policy, scope.purpose, scope.role, atMS), nil
}

// loadPolicy returns nil for a missing policy so that evaluation reports
// NOT_FOUND.
func (o *Overlay) loadPolicy(ctx context.Context, policyID string) (*schemagov.ConsentPolicy, error) {
	policy, err := o.policies.Get(ctx, strings.TrimSpace(policyID))
	if err != nil {
		if errors.Is(err, consent.ErrNotFound) {
			return nil, nil
		}
		return nil, collaboratorFailure("load consent policy", err)
	}
	return &policy, nil
}

// ensureWritable refuses work up front on a corrupt ledger so that no store
// mutation happens for an event that could never be appended.
func (o *Overlay) ensureWritable() error {
	if o.ledger.Corrupt() {
		return coreerrors.New(coreerrors.CategoryLedgerCorrupt, coreerrors.CodeLedgerCorrupt, "ledger failed integrity verification; governed writes are refused")
	}
	return nil
}

func collaboratorFailure(operation string, err error) error {
	if coreerrors.CategoryOf(err) != "" {
		return err
	}
	return coreerrors.Wrap(
		fmt.Errorf("%s: %w", operation, err),
		coreerrors.CategoryCollaboratorFailure,
		coreerrors.CodeStoreFailure,
		"the store call failed; nothing was recorded",
		false,
	)
}

func invalidInput(problem string) error {
	return coreerrors.Wrap(errors.New(problem), coreerrors.CategoryInvalidInput, coreerrors.CodeValidationFailed, "", false)
}

func notRevocable(problem string) error {
	return coreerrors.Wrap(errors.New(problem), coreerrors.CategoryStateConflict, coreerrors.CodeNotRevocable, "", false)
}

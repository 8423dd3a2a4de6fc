package overlay

import (
	"context"
	"crypto/ed25519"
	"errors"
	"fmt"

	coreerrors "github.com/davidahmann/govledger/core/errors"
	"github.com/davidahmann/govledger/core/hashchain"
	"github.com/davidahmann/govledger/core/ledger"
	"github.com/davidahmann/govledger/core/manifest"
	schemagov "github.com/davidahmann/govledger/core/schema/v1/governance"
)

type FindingKind string

const (
	FindingManifestMissing          FindingKind = "manifest_missing"
	FindingManifestHashMismatch     FindingKind = "manifest_hash_mismatch"
	FindingManifestUnreadable       FindingKind = "manifest_unreadable"
	FindingManifestSignatureInvalid FindingKind = "manifest_signature_invalid"
	FindingManifestReferenceInvalid FindingKind = "manifest_reference_invalid"
)

// Finding is one off-ledger problem, tied to the ledger entry that references
// the manifest.
type Finding struct {
	Kind           FindingKind `json:"kind"`
	SequenceNumber int64       `json:"sequence_number"`
	ManifestHash   string      `json:"manifest_hash,omitempty"`
	Detail         string      `json:"detail,omitempty"`
}

type OffLedgerResult struct {
	Valid            bool      `json:"valid"`
	ManifestsChecked int64     `json:"manifests_checked"`
	Findings         []Finding `json:"findings"`
}

// IntegrityReport holds both tiers. Each tier is always run.
type IntegrityReport struct {
	Valid     bool                   `json:"valid"`
	OnLedger  ledger.IntegrityResult `json:"on_ledger"`
	OffLedger OffLedgerResult        `json:"off_ledger"`
}

// VerifyAll checks the hash chain and then every manifest referenced by an
// INFERENCE_EXECUTED entry. The off-ledger tier runs even when the chain is
// broken. The error is reserved for context cancellation.
func (o *Overlay) VerifyAll(ctx context.Context) (IntegrityReport, error) {
	onLedger := o.ledger.VerifyIntegrity()
	offLedger, err := o.verifyManifests(ctx, o.ledger.Entries())
	if err != nil {
		return IntegrityReport{}, err
	}
	report := IntegrityReport{
		Valid:     onLedger.Valid && offLedger.Valid,
		OnLedger:  onLedger,
		OffLedger: offLedger,
	}
	if report.Valid {
		o.logger.Info("integrity verified", "entries", onLedger.EntriesChecked, "manifests", offLedger.ManifestsChecked)
	} else {
		o.logger.Error("integrity verification failed",
			"on_ledger_valid", onLedger.Valid,
			"on_ledger_failure", string(onLedger.Failure),
			"off_ledger_findings", len(offLedger.Findings),
		)
	}
	return report, nil
}

func (o *Overlay) verifyManifests(ctx context.Context, entries []schemagov.LedgerEntry) (OffLedgerResult, error) {
	result := OffLedgerResult{Valid: true, Findings: []Finding{}}
	for _, entry := range entries {
		if entry.EventType != schemagov.EventInferenceExecuted {
			continue
		}
		if err := ctx.Err(); err != nil {
			return OffLedgerResult{}, err
		}
		result.ManifestsChecked++
		if finding, ok := o.checkManifest(ctx, entry); !ok {
			result.Valid = false
			result.Findings = append(result.Findings, finding)
		}
	}
	return result, nil
}

func (o *Overlay) checkManifest(ctx context.Context, entry schemagov.LedgerEntry) (Finding, bool) {
	finding := Finding{SequenceNumber: entry.SequenceNumber}
	recorded, _ := entry.Payload["manifest_hash"].(string)
	finding.ManifestHash = recorded
	if !hashchain.IsHash(recorded) {
		finding.Kind = FindingManifestReferenceInvalid
		finding.Detail = "entry payload has no valid manifest_hash"
		return finding, false
	}
	stored, err := o.manifests.Get(ctx, recorded)
	if err != nil {
		finding.Kind = FindingManifestUnreadable
		if errors.Is(err, manifest.ErrNotFound) {
			finding.Kind = FindingManifestMissing
		}
		finding.Detail = err.Error()
		return finding, false
	}
	recomputed, err := manifest.ComputeHash(stored)
	if err != nil {
		finding.Kind = FindingManifestUnreadable
		finding.Detail = err.Error()
		return finding, false
	}
	if recomputed != recorded {
		finding.Kind = FindingManifestHashMismatch
		finding.Detail = fmt.Sprintf("stored manifest hashes to %s", recomputed)
		return finding, false
	}
	if o.verifyKey != nil {
		if err := manifest.VerifySignature(stored, o.verifyKey); err != nil {
			finding.Kind = FindingManifestSignatureInvalid
			finding.Detail = err.Error()
			return finding, false
		}
	}
	return Finding{}, true
}

// AttestHead signs the current ledger tail with the configured signing key.
func (o *Overlay) AttestHead(_ context.Context) (schemagov.HeadAttestation, error) {
	if o.signingKey == nil {
		return schemagov.HeadAttestation{}, coreerrors.New(coreerrors.CategoryStateConflict, coreerrors.CodeSigningUnavailable, "no signing key configured")
	}
	attestation, err := o.ledger.AttestHead(o.signingKey, o.clock.NowEpochMS())
	if err != nil {
		return schemagov.HeadAttestation{}, err
	}
	o.logger.Info("ledger head attested", "sequence", attestation.SequenceNumber, "entry_hash", attestation.EntryHash, "key_id", attestation.Signature.KeyID)
	return attestation, nil
}

func (o *Overlay) VerifyHeadAttestation(attestation schemagov.HeadAttestation) error {
	pub := o.verifyKey
	if pub == nil && o.signingKey != nil {
		pub = o.signingKey.Public().(ed25519.PublicKey)
	}
	if pub == nil {
		return coreerrors.New(coreerrors.CategoryStateConflict, coreerrors.CodeSigningUnavailable, "no verify key configured")
	}
	return o.ledger.VerifyHeadAttestation(pub, attestation)
}

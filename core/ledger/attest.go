package ledger

import (
	"crypto/ed25519"
	"fmt"

	coreerrors "github.com/davidahmann/govledger/core/errors"
	schemagov "github.com/davidahmann/govledger/core/schema/v1/governance"
	"github.com/davidahmann/govledger/core/sign"
)

const (
	HeadAttestationSchemaID      = "govledger.head_attestation"
	HeadAttestationSchemaVersion = "1.0.0"
)

type attestationBody struct {
	SchemaID       string `json:"schema_id"`
	SchemaVersion  string `json:"schema_version"`
	SequenceNumber int64  `json:"sequence_number"`
	EntryHash      string `json:"entry_hash"`
	AttestedAtMS   int64  `json:"attested_at_ms"`
}

func bodyOf(attestation schemagov.HeadAttestation) attestationBody {
	return attestationBody{
		SchemaID:       attestation.SchemaID,
		SchemaVersion:  attestation.SchemaVersion,
		SequenceNumber: attestation.SequenceNumber,
		EntryHash:      attestation.EntryHash,
		AttestedAtMS:   attestation.AttestedAtMS,
	}
}

// AttestHead signs the current tail. Publishing the attestation outside the
// ledger pins the chain: rewriting history and recomputing every hash still
// passes VerifyIntegrity but no longer matches an earlier attestation.
func (l *Ledger) AttestHead(key ed25519.PrivateKey, atMS int64) (schemagov.HeadAttestation, error) {
	head, ok := l.Head()
	if !ok {
		return schemagov.HeadAttestation{}, coreerrors.New(coreerrors.CategoryStateConflict, coreerrors.CodeLedgerEmpty, "ledger has no entries to attest")
	}
	attestation := schemagov.HeadAttestation{
		SchemaID:       HeadAttestationSchemaID,
		SchemaVersion:  HeadAttestationSchemaVersion,
		SequenceNumber: head.SequenceNumber,
		EntryHash:      head.EntryHash,
		AttestedAtMS:   atMS,
	}
	signature, err := sign.SignRecord(key, bodyOf(attestation))
	if err != nil {
		return schemagov.HeadAttestation{}, err
	}
	attestation.Signature = signature
	return attestation, nil
}

// VerifyHeadAttestation checks the signature and that the attested entry is
// still present, unchanged, at its sequence number.
func (l *Ledger) VerifyHeadAttestation(pub ed25519.PublicKey, attestation schemagov.HeadAttestation) error {
	if attestation.SchemaID != HeadAttestationSchemaID {
		return invalidAttestation(fmt.Errorf("unsupported schema_id %q", attestation.SchemaID))
	}
	ok, err := sign.VerifyRecord(pub, attestation.Signature, bodyOf(attestation))
	if err != nil {
		return invalidAttestation(err)
	}
	if !ok {
		return invalidAttestation(fmt.Errorf("signature does not verify"))
	}
	entry, found := l.Entry(attestation.SequenceNumber)
	if !found {
		return invalidAttestation(fmt.Errorf("ledger has no entry at sequence %d", attestation.SequenceNumber))
	}
	if entry.EntryHash != attestation.EntryHash {
		return invalidAttestation(fmt.Errorf("entry %d hash %s differs from attested %s", attestation.SequenceNumber, entry.EntryHash, attestation.EntryHash))
	}
	return nil
}

func invalidAttestation(cause error) error {
	return coreerrors.Wrap(cause, coreerrors.CategoryIntegrityViolation, coreerrors.CodeAttestationInvalid, "the ledger no longer matches the attested head", false)
}

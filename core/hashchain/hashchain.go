// Package hashchain computes and verifies the chained digests that bind each
// ledger entry to its predecessor.
//
// Hashes are SHA-256 over RFC 8785 canonical JSON, encoded as 64 lowercase hex
// characters. The first entry links to GenesisHash.
package hashchain

import (
	"fmt"

	coreerrors "github.com/davidahmann/govledger/core/errors"
	"github.com/davidahmann/govledger/core/jcs"
	schemagov "github.com/davidahmann/govledger/core/schema/v1/governance"
)

// GenesisHash is the prev_hash of sequence 0. It is part of the persisted
// format and must not change.
const GenesisHash = "0000000000000000000000000000000000000000000000000000000000000000"

const hashHexLength = 64

type FailureKind string

const (
	FailureNone              FailureKind = ""
	FailureSequenceGap       FailureKind = "sequence_gap"
	FailurePrevHashMismatch  FailureKind = "prev_hash_mismatch"
	FailureEntryHashMismatch FailureKind = "entry_hash_mismatch"
	FailureMalformedRecord   FailureKind = "malformed_record"
)

// Canonicalize returns the canonical bytes of record. A failure means the
// record holds a value JSON cannot represent, which is a caller bug.
func Canonicalize(record any) ([]byte, error) {
	canonical, err := jcs.CanonicalizeValue(record)
	if err != nil {
		return nil, coreerrors.Wrap(
			fmt.Errorf("canonicalize record: %w", err),
			coreerrors.CategoryInternalFailure,
			coreerrors.CodeCanonicalizationFailed,
			"payload values must be JSON serializable",
			false,
		)
	}
	return canonical, nil
}

func Digest(data []byte) string {
	return jcs.SHA256Hex(data)
}

// DigestRecord is Digest(Canonicalize(record)).
func DigestRecord(record any) (string, error) {
	canonical, err := Canonicalize(record)
	if err != nil {
		return "", err
	}
	return Digest(canonical), nil
}

type entryBody struct {
	SequenceNumber int64               `json:"sequence_number"`
	TimestampMS    int64               `json:"timestamp_ms"`
	EventType      schemagov.EventType `json:"event_type"`
	Payload        map[string]any      `json:"payload"`
}

// EntryHash computes Digest(prevHash || canonical(sequence, timestamp, type, payload)).
func EntryHash(prevHash string, sequence int64, timestampMS int64, eventType schemagov.EventType, payload map[string]any) (string, error) {
	if payload == nil {
		payload = map[string]any{}
	}
	canonical, err := Canonicalize(entryBody{
		SequenceNumber: sequence,
		TimestampMS:    timestampMS,
		EventType:      eventType,
		Payload:        payload,
	})
	if err != nil {
		return "", err
	}
	buffer := make([]byte, 0, len(prevHash)+len(canonical))
	buffer = append(buffer, prevHash...)
	buffer = append(buffer, canonical...)
	return Digest(buffer), nil
}

// Seal fills PrevHash and EntryHash on entry.
func Seal(entry *schemagov.LedgerEntry, prevHash string) error {
	hash, err := EntryHash(prevHash, entry.SequenceNumber, entry.TimestampMS, entry.EventType, entry.Payload)
	if err != nil {
		return err
	}
	entry.PrevHash = prevHash
	entry.EntryHash = hash
	return nil
}

func IsHash(value string) bool {
	if len(value) != hashHexLength {
		return false
	}
	for _, r := range value {
		if (r < '0' || r > '9') && (r < 'a' || r > 'f') {
			return false
		}
	}
	return true
}

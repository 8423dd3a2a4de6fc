package hashchain

import (
	"fmt"

	schemagov "github.com/davidahmann/govledger/core/schema/v1/governance"
)

// Result describes the outcome of walking a chain. FirstInvalidSequence is the
// position (expected sequence number) of the first entry that failed.
type Result struct {
	Valid                bool        `json:"valid"`
	EntriesChecked       int64       `json:"entries_checked"`
	FirstInvalidSequence *int64      `json:"first_invalid_sequence,omitempty"`
	Failure              FailureKind `json:"failure,omitempty"`
	Detail               string      `json:"detail,omitempty"`
	HeadHash             string      `json:"head_hash,omitempty"`
}

// Verifier checks a chain one entry at a time so callers can stream records
// without holding the whole ledger in memory. After the first failure every
// further call is ignored.
type Verifier struct {
	next     int64
	prevHash string
	failed   bool
	result   Result
}

func NewVerifier() *Verifier {
	return &Verifier{prevHash: GenesisHash}
}

// Next feeds one entry. It returns false once the chain has failed.
func (v *Verifier) Next(entry schemagov.LedgerEntry) bool {
	if v.failed {
		return false
	}
	position := v.next
	if entry.SequenceNumber != position {
		return v.fail(position, FailureSequenceGap, fmt.Sprintf("expected sequence %d, found %d", position, entry.SequenceNumber))
	}
	if entry.PrevHash != v.prevHash {
		return v.fail(position, FailurePrevHashMismatch, fmt.Sprintf("prev_hash %q does not match expected %q", entry.PrevHash, v.prevHash))
	}
	recomputed, err := EntryHash(v.prevHash, entry.SequenceNumber, entry.TimestampMS, entry.EventType, entry.Payload)
	if err != nil {
		return v.fail(position, FailureMalformedRecord, err.Error())
	}
	if entry.EntryHash != recomputed {
		return v.fail(position, FailureEntryHashMismatch, fmt.Sprintf("entry_hash %q does not match recomputed %q", entry.EntryHash, recomputed))
	}
	v.prevHash = recomputed
	v.next++
	return true
}

// Malformed records a failure for a record that could not be decoded.
func (v *Verifier) Malformed(detail string) {
	if v.failed {
		return
	}
	v.fail(v.next, FailureMalformedRecord, detail)
}

func (v *Verifier) Result() Result {
	if v.failed {
		return v.result
	}
	result := Result{Valid: true, EntriesChecked: v.next}
	if v.next > 0 {
		result.HeadHash = v.prevHash
	}
	return result
}

func (v *Verifier) fail(position int64, kind FailureKind, detail string) bool {
	v.failed = true
	sequence := position
	v.result = Result{
		Valid:                false,
		EntriesChecked:       position,
		FirstInvalidSequence: &sequence,
		Failure:              kind,
		Detail:               detail,
	}
	return false
}

// VerifyEntries walks an in-memory slice.
func VerifyEntries(entries []schemagov.LedgerEntry) Result {
	verifier := NewVerifier()
	for _, entry := range entries {
		if !verifier.Next(entry) {
			break
		}
	}
	return verifier.Result()
}

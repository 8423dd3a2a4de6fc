package ledger

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	coreerrors "github.com/davidahmann/govledger/core/errors"
	"github.com/davidahmann/govledger/core/hashchain"
	schemagov "github.com/davidahmann/govledger/core/schema/v1/governance"
	"github.com/davidahmann/govledger/core/sign"
)

func writeFileLedger(t *testing.T, path string, n int) {
	t.Helper()
	l, result, err := OpenFile(path)
	if err != nil {
		t.Fatalf("open ledger: %v", err)
	}
	if !result.Valid {
		t.Fatalf("fresh ledger should verify: %#v", result)
	}
	appendN(t, l, n)
	if err := l.Close(); err != nil {
		t.Fatalf("close ledger: %v", err)
	}
}

func TestFileLedgerReplaysAndContinues(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state", "ledger.jsonl")
	writeFileLedger(t, path, 3)

	l, result, err := OpenFile(path)
	if err != nil {
		t.Fatalf("reopen ledger: %v", err)
	}
	defer func() { _ = l.Close() }()
	if !result.Valid || result.EntriesChecked != 3 {
		t.Fatalf("expected valid replay of 3 entries, got %#v", result)
	}
	entry, err := l.Append(schemagov.EventConsentRevoked, map[string]any{"policy_id": "p-0", "revoked_at_ms": 1_700_000_100_000}, 1_700_000_100_000)
	if err != nil {
		t.Fatalf("append after replay: %v", err)
	}
	if entry.SequenceNumber != 3 {
		t.Fatalf("expected sequence 3 after replay, got %d", entry.SequenceNumber)
	}
	if verified := l.VerifyIntegrity(); !verified.Valid {
		t.Fatalf("replayed ledger with numeric payload must verify: %#v", verified)
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read ledger: %v", err)
	}
	if got := bytes.Count(raw, []byte("\n")); got != 4 {
		t.Fatalf("expected 4 lines, got %d", got)
	}
}

func TestOpenFileRefusesSecondWriter(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ledger.jsonl")
	first, _, err := OpenFile(path)
	if err != nil {
		t.Fatalf("open ledger: %v", err)
	}
	defer func() { _ = first.Close() }()
	if _, _, err := OpenFile(path); err == nil {
		t.Fatalf("expected lock contention for second writer")
	} else if coreerrors.CategoryOf(err) != coreerrors.CategoryCollaboratorFailure {
		t.Fatalf("unexpected category: %s", coreerrors.CategoryOf(err))
	}
}

func TestLongRunningWriterKeepsChainUnforked(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ledger.jsonl")
	first, _, err := OpenFile(path)
	if err != nil {
		t.Fatalf("open ledger: %v", err)
	}
	defer func() { _ = first.Close() }()
	old := time.Now().Add(-25 * time.Hour)
	if err := os.Chtimes(path+".lock", old, old); err != nil {
		t.Fatalf("age lock: %v", err)
	}
	if second, _, err := OpenFile(path); err == nil {
		_ = second.Close()
		t.Fatalf("a day-old lock held by a live writer must not admit a second writer")
	}
	appendN(t, first, 2)

	file, err := os.Open(path)
	if err != nil {
		t.Fatalf("open ledger file: %v", err)
	}
	defer func() { _ = file.Close() }()
	result, err := VerifyJSONL(file)
	if err != nil || !result.Valid || result.EntriesChecked != 2 {
		t.Fatalf("expected an unforked chain of 2 entries, got %#v err=%v", result, err)
	}
}

func TestByteFlipInPersistedLedgerIsDetected(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ledger.jsonl")
	writeFileLedger(t, path, 4)

	raw, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read ledger: %v", err)
	}
	lines := strings.Split(strings.TrimRight(string(raw), "\n"), "\n")
	lines[2] = strings.Replace(lines[2], `"p-2"`, `"p-9"`, 1)
	tampered := strings.Join(lines, "\n") + "\n"
	if tampered == string(raw) {
		t.Fatalf("fixture did not change")
	}
	if err := os.WriteFile(path, []byte(tampered), 0o600); err != nil {
		t.Fatalf("write tampered ledger: %v", err)
	}

	streamed, err := VerifyJSONL(strings.NewReader(tampered))
	if err != nil {
		t.Fatalf("verify jsonl: %v", err)
	}
	if streamed.Valid || streamed.FirstInvalidSequence == nil || *streamed.FirstInvalidSequence != 2 {
		t.Fatalf("expected streamed failure at 2, got %#v", streamed)
	}
	if streamed.Failure != hashchain.FailureEntryHashMismatch {
		t.Fatalf("expected entry hash mismatch, got %s", streamed.Failure)
	}

	l, result, err := OpenFile(path)
	if err != nil {
		t.Fatalf("open tampered ledger: %v", err)
	}
	defer func() { _ = l.Close() }()
	if result.Valid || *result.FirstInvalidSequence != 2 {
		t.Fatalf("expected replay failure at 2, got %#v", result)
	}
	if l.Len() != 4 {
		t.Fatalf("corrupt ledger should still expose decoded entries, got %d", l.Len())
	}
	if _, err := l.Append(schemagov.EventConsentCreated, map[string]any{}, 1); coreerrors.CodeOf(err) != coreerrors.CodeLedgerCorrupt {
		t.Fatalf("expected LEDGER_CORRUPT, got %v", err)
	}
}

func TestVerifyJSONLReportsMalformedLines(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ledger.jsonl")
	writeFileLedger(t, path, 2)
	raw, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read ledger: %v", err)
	}

	tests := []struct {
		name  string
		input string
	}{
		{name: "truncated_tail", input: string(raw) + `{"sequence_number":2,"timestamp_ms":`},
		{name: "unknown_field", input: string(raw) + `{"sequence_number":2,"timestamp_ms":1,"event_type":"DATA_ACCESSED","payload":{},"prev_hash":"` + hashchain.GenesisHash + `","entry_hash":"` + hashchain.GenesisHash + `","extra":true}` + "\n"},
		{name: "unknown_event", input: string(raw) + `{"sequence_number":2,"timestamp_ms":1,"event_type":"POLICY_DELETED","payload":{},"prev_hash":"` + hashchain.GenesisHash + `","entry_hash":"` + hashchain.GenesisHash + `"}` + "\n"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			result, err := VerifyJSONL(strings.NewReader(tc.input))
			if err != nil {
				t.Fatalf("verify jsonl: %v", err)
			}
			if result.Valid || result.Failure != hashchain.FailureMalformedRecord {
				t.Fatalf("expected malformed record, got %#v", result)
			}
			if *result.FirstInvalidSequence != 2 || result.EntriesChecked != 2 {
				t.Fatalf("expected failure at position 2, got %#v", result)
			}
		})
	}
}

func TestHeadAttestation(t *testing.T) {
	kp, err := sign.GenerateKeyPair()
	if err != nil {
		t.Fatalf("generate keypair: %v", err)
	}
	l := New(Options{})
	if _, err := l.AttestHead(kp.Private, 1); coreerrors.CodeOf(err) != coreerrors.CodeLedgerEmpty {
		t.Fatalf("expected LEDGER_EMPTY, got %v", err)
	}
	appendN(t, l, 3)
	attestation, err := l.AttestHead(kp.Private, 1_700_000_500_000)
	if err != nil {
		t.Fatalf("attest head: %v", err)
	}
	if attestation.SequenceNumber != 2 {
		t.Fatalf("expected attestation of sequence 2, got %d", attestation.SequenceNumber)
	}
	if err := l.VerifyHeadAttestation(kp.Public, attestation); err != nil {
		t.Fatalf("verify attestation: %v", err)
	}

	appendN(t, l, 1)
	if err := l.VerifyHeadAttestation(kp.Public, attestation); err != nil {
		t.Fatalf("older attestation must survive later appends: %v", err)
	}

	forged := attestation
	forged.AttestedAtMS++
	if err := l.VerifyHeadAttestation(kp.Public, forged); coreerrors.CodeOf(err) != coreerrors.CodeAttestationInvalid {
		t.Fatalf("expected forged attestation to fail, got %v", err)
	}

	other, err := sign.GenerateKeyPair()
	if err != nil {
		t.Fatalf("generate keypair: %v", err)
	}
	if err := l.VerifyHeadAttestation(other.Public, attestation); err == nil {
		t.Fatalf("expected foreign key to fail")
	}
}

func TestHeadAttestationCatchesRewrittenChain(t *testing.T) {
	kp, err := sign.GenerateKeyPair()
	if err != nil {
		t.Fatalf("generate keypair: %v", err)
	}
	original := New(Options{})
	appendN(t, original, 3)
	attestation, err := original.AttestHead(kp.Private, 5)
	if err != nil {
		t.Fatalf("attest head: %v", err)
	}

	rewritten := New(Options{})
	for i := 0; i < 3; i++ {
		if _, err := rewritten.Append(schemagov.EventConsentCreated, map[string]any{"policy_id": "forged"}, int64(i)); err != nil {
			t.Fatalf("append: %v", err)
		}
	}
	if result := rewritten.VerifyIntegrity(); !result.Valid {
		t.Fatalf("a fully recomputed chain verifies on its own: %#v", result)
	}
	if err := rewritten.VerifyHeadAttestation(kp.Public, attestation); coreerrors.CategoryOf(err) != coreerrors.CategoryIntegrityViolation {
		t.Fatalf("expected attestation mismatch on rewritten chain, got %v", err)
	}
}

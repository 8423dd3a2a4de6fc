// Package ledger is the append-only, hash-chained governance event log. It is
// the only writer path for governance events.
package ledger

import (
	"fmt"
	"maps"
	"sync"

	coreerrors "github.com/davidahmann/govledger/core/errors"
	"github.com/davidahmann/govledger/core/hashchain"
	schemagov "github.com/davidahmann/govledger/core/schema/v1/governance"
)

type IntegrityResult = hashchain.Result

// Sink persists entries as they are appended. Persist is called under the
// ledger write lock before the entry becomes visible; an error aborts the
// append.
type Sink interface {
	Persist(entry schemagov.LedgerEntry) error
}

type Options struct {
	Sink Sink
}

type Ledger struct {
	mu      sync.RWMutex
	entries []schemagov.LedgerEntry
	sink    Sink
	corrupt bool
	closed  bool
}

func New(opts Options) *Ledger {
	return &Ledger{sink: opts.Sink}
}

// Append assigns the next sequence number, links the entry to the current
// tail and persists it. Appends are refused once integrity verification has
// failed.
func (l *Ledger) Append(eventType schemagov.EventType, payload map[string]any, timestampMS int64) (schemagov.LedgerEntry, error) {
	if !eventType.Valid() {
		return schemagov.LedgerEntry{}, coreerrors.Wrap(
			fmt.Errorf("unsupported event type %q", eventType),
			coreerrors.CategoryInvalidInput,
			coreerrors.CodeValidationFailed,
			"",
			false,
		)
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return schemagov.LedgerEntry{}, coreerrors.New(coreerrors.CategoryStateConflict, coreerrors.CodeStoreFailure, "ledger is closed")
	}
	if l.corrupt {
		return schemagov.LedgerEntry{}, errCorrupt()
	}

	prevHash := hashchain.GenesisHash
	if n := len(l.entries); n > 0 {
		prevHash = l.entries[n-1].EntryHash
	}
	entry := schemagov.LedgerEntry{
		SequenceNumber: int64(len(l.entries)),
		TimestampMS:    timestampMS,
		EventType:      eventType,
		Payload:        clonePayload(payload),
	}
	if err := hashchain.Seal(&entry, prevHash); err != nil {
		return schemagov.LedgerEntry{}, err
	}
	if l.sink != nil {
		if err := l.sink.Persist(entry); err != nil {
			return schemagov.LedgerEntry{}, coreerrors.Wrap(
				fmt.Errorf("persist ledger entry %d: %w", entry.SequenceNumber, err),
				coreerrors.CategoryCollaboratorFailure,
				coreerrors.CodeStoreFailure,
				"ledger sink rejected the write; no entry was appended",
				false,
			)
		}
	}
	l.entries = append(l.entries, entry)
	return cloneEntry(entry), nil
}

// VerifyIntegrity recomputes the chain over a snapshot of the ledger. A
// failure marks the ledger corrupt so that later appends are refused.
func (l *Ledger) VerifyIntegrity() IntegrityResult {
	snapshot := l.snapshot()
	result := hashchain.VerifyEntries(snapshot)
	if !result.Valid {
		l.markCorrupt()
	}
	return result
}

func (l *Ledger) Corrupt() bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.corrupt
}

func (l *Ledger) Len() int64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return int64(len(l.entries))
}

// Head returns the tail entry; ok is false for an empty ledger.
func (l *Ledger) Head() (schemagov.LedgerEntry, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if len(l.entries) == 0 {
		return schemagov.LedgerEntry{}, false
	}
	return cloneEntry(l.entries[len(l.entries)-1]), true
}

func (l *Ledger) Entry(sequence int64) (schemagov.LedgerEntry, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if sequence < 0 || sequence >= int64(len(l.entries)) {
		return schemagov.LedgerEntry{}, false
	}
	return cloneEntry(l.entries[sequence]), true
}

// Entries returns copies of all entries in sequence order.
func (l *Ledger) Entries() []schemagov.LedgerEntry {
	snapshot := l.snapshot()
	out := make([]schemagov.LedgerEntry, len(snapshot))
	for index, entry := range snapshot {
		out[index] = cloneEntry(entry)
	}
	return out
}

// snapshot captures the entry slice header under a short read lock. Entries
// are never modified after append, so the backing array is safe to read
// without the lock.
func (l *Ledger) snapshot() []schemagov.LedgerEntry {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.entries[:len(l.entries):len(l.entries)]
}

func (l *Ledger) markCorrupt() {
	l.mu.Lock()
	l.corrupt = true
	l.mu.Unlock()
}

func errCorrupt() error {
	return coreerrors.New(coreerrors.CategoryLedgerCorrupt, coreerrors.CodeLedgerCorrupt, "ledger failed integrity verification; appends are refused")
}

func cloneEntry(entry schemagov.LedgerEntry) schemagov.LedgerEntry {
	entry.Payload = clonePayload(entry.Payload)
	return entry
}

func clonePayload(payload map[string]any) map[string]any {
	if payload == nil {
		return map[string]any{}
	}
	return maps.Clone(payload)
}

package ledger

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"

	coreerrors "github.com/davidahmann/govledger/core/errors"
	"github.com/davidahmann/govledger/core/fsx"
	"github.com/davidahmann/govledger/core/hashchain"
	schemagov "github.com/davidahmann/govledger/core/schema/v1/governance"
	"github.com/davidahmann/govledger/core/schema/validate"
)

// JSONLSink appends each entry as one canonical JSON line. It owns the
// file's writer lock until Close.
type JSONLSink struct {
	file *fsx.AppendFile
}

func OpenJSONLSink(path string) (*JSONLSink, error) {
	file, err := fsx.OpenAppendFile(path, 0o600)
	if err != nil {
		return nil, err
	}
	return &JSONLSink{file: file}, nil
}

func (s *JSONLSink) Persist(entry schemagov.LedgerEntry) error {
	line, err := hashchain.Canonicalize(entry)
	if err != nil {
		return err
	}
	return s.file.WriteLine(line)
}

func (s *JSONLSink) Path() string {
	return s.file.Path()
}

func (s *JSONLSink) Close() error {
	return s.file.Close()
}

// OpenFile takes the writer lock on path, replays every existing line and
// verifies the chain. The returned ledger appends to the same file. When the
// replay fails verification the ledger is returned anyway, already marked
// corrupt, together with the failing result.
func OpenFile(path string) (*Ledger, IntegrityResult, error) {
	sink, err := OpenJSONLSink(path)
	if err != nil {
		return nil, IntegrityResult{}, coreerrors.Wrap(
			err,
			coreerrors.CategoryCollaboratorFailure,
			coreerrors.CodeStoreFailure,
			"check that no other process holds the ledger lock",
			false,
		)
	}
	// #nosec G304 -- ledger path comes from operator config
	file, err := os.Open(sink.Path())
	if err != nil {
		_ = sink.Close()
		return nil, IntegrityResult{}, fmt.Errorf("open ledger: %w", err)
	}
	defer func() { _ = file.Close() }()

	entries, result, err := replay(file)
	if err != nil {
		_ = sink.Close()
		return nil, IntegrityResult{}, err
	}
	ledger := &Ledger{entries: entries, sink: sink, corrupt: !result.Valid}
	return ledger, result, nil
}

// VerifyJSONL streams a persisted ledger through the chain verifier without
// holding it in memory. The error is reserved for read failures; chain
// problems are reported in the result.
func VerifyJSONL(r io.Reader) (IntegrityResult, error) {
	verifier := hashchain.NewVerifier()
	err := fsx.ScanLines(r, func(lineNo int, line []byte) error {
		entry, decodeErr := decodeLine(lineNo, line)
		if decodeErr != nil {
			verifier.Malformed(decodeErr.Error())
			return errStopScan
		}
		if !verifier.Next(entry) {
			return errStopScan
		}
		return nil
	})
	if err != nil && !errors.Is(err, errStopScan) {
		return IntegrityResult{}, fmt.Errorf("read ledger: %w", err)
	}
	return verifier.Result(), nil
}

// Close releases the sink when it holds resources.
func (l *Ledger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return nil
	}
	l.closed = true
	if closer, ok := l.sink.(io.Closer); ok {
		return closer.Close()
	}
	return nil
}

var errStopScan = errors.New("stop scan")

// replay keeps every decodable entry, including those after a chain failure,
// so a corrupt ledger can still be inspected.
func replay(r io.Reader) ([]schemagov.LedgerEntry, IntegrityResult, error) {
	verifier := hashchain.NewVerifier()
	entries := []schemagov.LedgerEntry{}
	err := fsx.ScanLines(r, func(lineNo int, line []byte) error {
		entry, decodeErr := decodeLine(lineNo, line)
		if decodeErr != nil {
			verifier.Malformed(decodeErr.Error())
			return nil
		}
		verifier.Next(entry)
		entries = append(entries, entry)
		return nil
	})
	if err != nil {
		return nil, IntegrityResult{}, fmt.Errorf("read ledger: %w", err)
	}
	return entries, verifier.Result(), nil
}

func decodeLine(lineNo int, line []byte) (schemagov.LedgerEntry, error) {
	if err := validate.LedgerEntry(line); err != nil {
		return schemagov.LedgerEntry{}, fmt.Errorf("line %d: %w", lineNo, err)
	}
	var entry schemagov.LedgerEntry
	if err := json.Unmarshal(line, &entry); err != nil {
		return schemagov.LedgerEntry{}, fmt.Errorf("line %d: decode entry: %w", lineNo, err)
	}
	if entry.Payload == nil {
		entry.Payload = map[string]any{}
	}
	return entry, nil
}

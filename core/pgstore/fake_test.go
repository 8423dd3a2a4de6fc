package pgstore

import (
	"context"
	"strings"
	"sync"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// fakeDB keeps one document per key for each table and answers the handful of
// statements the stores issue.
type fakeDB struct {
	mu        sync.Mutex
	policies  map[string]string
	manifests map[string]string
	execs     []string
	execErr   error
}

func newFakeDB() *fakeDB {
	return &fakeDB{policies: map[string]string{}, manifests: map[string]string{}}
}

func (f *fakeDB) Exec(_ context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.execs = append(f.execs, sql)
	if f.execErr != nil {
		return pgconn.CommandTag{}, f.execErr
	}
	switch {
	case strings.Contains(sql, "INSERT INTO governance_consent_policies"):
		return insertOnce(f.policies, args[0].(string), args[4].(string)), nil
	case strings.Contains(sql, "UPDATE governance_consent_policies"):
		key := args[0].(string)
		if _, ok := f.policies[key]; !ok {
			return pgconn.NewCommandTag("UPDATE 0"), nil
		}
		f.policies[key] = args[4].(string)
		return pgconn.NewCommandTag("UPDATE 1"), nil
	case strings.Contains(sql, "INSERT INTO governance_manifests"):
		return insertOnce(f.manifests, args[0].(string), args[1].(string)), nil
	default:
		return pgconn.NewCommandTag("CREATE TABLE"), nil
	}
}

func insertOnce(table map[string]string, key, document string) pgconn.CommandTag {
	if _, ok := table[key]; ok {
		return pgconn.NewCommandTag("INSERT 0 0")
	}
	table[key] = document
	return pgconn.NewCommandTag("INSERT 0 1")
}

func (f *fakeDB) QueryRow(_ context.Context, sql string, args ...any) pgx.Row {
	f.mu.Lock()
	defer f.mu.Unlock()
	table := f.policies
	if strings.Contains(sql, "governance_manifests") {
		table = f.manifests
	}
	document, ok := table[args[0].(string)]
	return fakeRow{document: document, found: ok}
}

type fakeRow struct {
	document string
	found    bool
}

func (r fakeRow) Scan(dest ...any) error {
	if !r.found {
		return pgx.ErrNoRows
	}
	*dest[0].(*[]byte) = []byte(r.document)
	return nil
}

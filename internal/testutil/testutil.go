// Package testutil holds helpers shared by the CLI, scenario and end-to-end
// tests.
package testutil

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strings"
	"testing"

	schemagov "github.com/davidahmann/govledger/core/schema/v1/governance"
)

// BaseTimeMS is the fixed epoch used by fixtures.
const BaseTimeMS int64 = 1_700_000_000_000

func RepoRoot(t *testing.T) string {
	t.Helper()
	_, filename, _, ok := runtime.Caller(0)
	if !ok {
		t.Fatalf("unable to locate testutil source file")
	}
	return filepath.Clean(filepath.Join(filepath.Dir(filename), "..", ".."))
}

func BuildGovledgerBinary(t *testing.T, root string) string {
	t.Helper()
	binName := "govledger"
	if runtime.GOOS == "windows" {
		binName = "govledger.exe"
	}
	binPath := filepath.Join(t.TempDir(), binName)

	// #nosec G204 -- arguments are fixed and used only in test binaries.
	build := exec.Command("go", "build", "-o", binPath, "./cmd/govledger")
	build.Dir = root
	if out, err := build.CombinedOutput(); err != nil {
		t.Fatalf("build govledger binary: %v\n%s", err, string(out))
	}
	return binPath
}

func CommandExitCode(t *testing.T, err error) int {
	t.Helper()
	var exitErr *exec.ExitError
	if !errors.As(err, &exitErr) {
		t.Fatalf("expected command exit error, got: %v", err)
	}
	return exitErr.ExitCode()
}

func WriteFile(t *testing.T, path string, content []byte) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		t.Fatalf("create parent directory for %s: %v", path, err)
	}
	if err := os.WriteFile(path, content, 0o600); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
}

func MustReadFile(t *testing.T, path string) []byte {
	t.Helper()
	content, err := os.ReadFile(path) // #nosec G304 -- test helper for controlled paths.
	if err != nil {
		t.Fatalf("read %s: %v", path, err)
	}
	return content
}

// AssertGoldenJSON compares value, indented, with a fixture under the repo
// root. UPDATE_GOLDEN=1 rewrites the fixture instead.
func AssertGoldenJSON(t *testing.T, repoRelativePath string, value any) {
	t.Helper()
	encoded := indentJSON(t, value)
	goldenPath := filepath.Join(RepoRoot(t), filepath.FromSlash(repoRelativePath))
	if os.Getenv("UPDATE_GOLDEN") == "1" {
		WriteFile(t, goldenPath, encoded)
		return
	}

	expected := normalizeNewlines(MustReadFile(t, goldenPath))
	if bytes.Equal(expected, encoded) {
		return
	}
	t.Fatalf(
		"golden mismatch for %s\nexpected:\n%s\nactual:\n%s\nset UPDATE_GOLDEN=1 to refresh fixtures",
		goldenPath,
		string(expected),
		string(encoded),
	)
}

func indentJSON(t *testing.T, value any) []byte {
	t.Helper()
	encoded, err := json.MarshalIndent(value, "", "  ")
	if err != nil {
		t.Fatalf("marshal golden json: %v", err)
	}
	return append(encoded, '\n')
}

func normalizeNewlines(raw []byte) []byte {
	return bytes.ReplaceAll(raw, []byte("\r\n"), []byte("\n"))
}

func FormatJSON(raw []byte) string {
	var parsed any
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return string(raw)
	}
	encoded, err := json.MarshalIndent(parsed, "", "  ")
	if err != nil {
		return string(raw)
	}
	return fmt.Sprintf("%s\n", string(encoded))
}

// Hash returns a 64 character hex digest made of one repeated hex digit.
func Hash(digit rune) string {
	return strings.Repeat(string(digit), 64)
}

// DermPolicy is an open-ended revocable policy for clinical dermatology.
func DermPolicy(policyID string) schemagov.ConsentPolicy {
	return schemagov.ConsentPolicy{
		PolicyID:        policyID,
		SubjectID:       "subject-17",
		AllowedPurposes: []string{"clinical_care"},
		AllowedRoles:    []string{"dermatologist"},
		ValidFromMS:     BaseTimeMS,
		Revocable:       true,
	}
}

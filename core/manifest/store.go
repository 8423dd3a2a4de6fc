package manifest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"

	coreerrors "github.com/davidahmann/govledger/core/errors"
	"github.com/davidahmann/govledger/core/fsx"
	"github.com/davidahmann/govledger/core/hashchain"
	schemagov "github.com/davidahmann/govledger/core/schema/v1/governance"
	"github.com/davidahmann/govledger/core/schema/validate"
)

var (
	ErrNotFound = errors.New("manifest not found")
	// ErrUnreadable marks a stored object that exists but no longer decodes
	// as a manifest.
	ErrUnreadable = errors.New("manifest unreadable")
)

// Store is content addressed by manifest hash. Put is idempotent: storing
// content that is already present returns the same hash and changes nothing.
type Store interface {
	Put(ctx context.Context, manifest schemagov.ReproducibilityManifest) (string, error)
	Get(ctx context.Context, manifestHash string) (schemagov.ReproducibilityManifest, error)
}

// PrepareForPut recomputes the content hash and rejects a manifest whose
// declared hash disagrees with its content. The returned manifest carries the
// computed hash.
func PrepareForPut(manifest schemagov.ReproducibilityManifest) (schemagov.ReproducibilityManifest, error) {
	hash, err := ComputeHash(manifest)
	if err != nil {
		return schemagov.ReproducibilityManifest{}, err
	}
	if manifest.ManifestHash != "" && manifest.ManifestHash != hash {
		return schemagov.ReproducibilityManifest{}, invalidManifest(fmt.Sprintf("declared manifest_hash %s does not match content hash %s", manifest.ManifestHash, hash))
	}
	prepared := Clone(manifest)
	prepared.ManifestHash = hash
	return prepared, nil
}

// CheckExisting decides what a Put should do when an object is already stored
// under hash. Identical content is a no-op; anything else means the stored
// object was altered and is reported, never overwritten.
func CheckExisting(hash string, existing schemagov.ReproducibilityManifest) error {
	existingHash, err := ComputeHash(existing)
	if err != nil {
		return conflict(hash, err)
	}
	if existingHash != hash || existing.ManifestHash != hash {
		return conflict(hash, fmt.Errorf("stored object hashes to %s", existingHash))
	}
	return nil
}

func conflict(hash string, cause error) error {
	return coreerrors.Wrap(
		fmt.Errorf("manifest %s diverges from stored object: %w", hash, cause),
		coreerrors.CategoryIntegrityViolation,
		coreerrors.CodeManifestConflict,
		"the stored manifest was modified; run verify and investigate before writing",
		false,
	)
}

type MemoryStore struct {
	mu        sync.RWMutex
	manifests map[string]schemagov.ReproducibilityManifest
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{manifests: map[string]schemagov.ReproducibilityManifest{}}
}

func (s *MemoryStore) Put(_ context.Context, manifest schemagov.ReproducibilityManifest) (string, error) {
	prepared, err := PrepareForPut(manifest)
	if err != nil {
		return "", err
	}
	hash := prepared.ManifestHash
	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.manifests[hash]; ok {
		return hash, CheckExisting(hash, existing)
	}
	s.manifests[hash] = prepared
	return hash, nil
}

func (s *MemoryStore) Get(_ context.Context, manifestHash string) (schemagov.ReproducibilityManifest, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	manifest, ok := s.manifests[manifestHash]
	if !ok {
		return schemagov.ReproducibilityManifest{}, fmt.Errorf("%w: %s", ErrNotFound, manifestHash)
	}
	return Clone(manifest), nil
}

// FileStore writes each manifest to <Dir>/<manifest_hash>.json.
type FileStore struct {
	Dir string

	mu sync.Mutex
}

func NewFileStore(dir string) (*FileStore, error) {
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("create manifest store directory: %w", err)
	}
	return &FileStore{Dir: dir}, nil
}

func (s *FileStore) Put(ctx context.Context, manifest schemagov.ReproducibilityManifest) (string, error) {
	prepared, err := PrepareForPut(manifest)
	if err != nil {
		return "", err
	}
	hash := prepared.ManifestHash
	s.mu.Lock()
	defer s.mu.Unlock()
	existing, err := s.read(hash)
	switch {
	case err == nil:
		return hash, CheckExisting(hash, existing)
	case errors.Is(err, ErrUnreadable):
		return "", conflict(hash, err)
	case !errors.Is(err, ErrNotFound):
		return "", err
	}
	encoded, err := json.MarshalIndent(prepared, "", "  ")
	if err != nil {
		return "", fmt.Errorf("marshal manifest: %w", err)
	}
	encoded = append(encoded, '\n')
	if err := fsx.CreateFileAtomic(s.Path(hash), encoded, 0o600); err != nil {
		if !errors.Is(err, fs.ErrExist) {
			return "", fmt.Errorf("write manifest: %w", err)
		}
		raced, readErr := s.read(hash)
		if readErr != nil {
			return "", conflict(hash, readErr)
		}
		return hash, CheckExisting(hash, raced)
	}
	return hash, nil
}

// Get returns the stored document as written, without re-hashing it.
func (s *FileStore) Get(_ context.Context, manifestHash string) (schemagov.ReproducibilityManifest, error) {
	return s.read(manifestHash)
}

func (s *FileStore) Path(manifestHash string) string {
	return filepath.Join(s.Dir, manifestHash+".json")
}

func (s *FileStore) read(manifestHash string) (schemagov.ReproducibilityManifest, error) {
	if !hashchain.IsHash(manifestHash) {
		return schemagov.ReproducibilityManifest{}, fmt.Errorf("%w: %q is not a manifest hash", ErrNotFound, manifestHash)
	}
	// #nosec G304 -- path is derived from a validated hex hash under the store directory.
	content, err := os.ReadFile(s.Path(manifestHash))
	if err != nil {
		if os.IsNotExist(err) {
			return schemagov.ReproducibilityManifest{}, fmt.Errorf("%w: %s", ErrNotFound, manifestHash)
		}
		return schemagov.ReproducibilityManifest{}, fmt.Errorf("read manifest: %w", err)
	}
	if err := validate.Manifest(content); err != nil {
		return schemagov.ReproducibilityManifest{}, fmt.Errorf("%w: %s: %v", ErrUnreadable, manifestHash, err)
	}
	var manifest schemagov.ReproducibilityManifest
	if err := json.Unmarshal(content, &manifest); err != nil {
		return schemagov.ReproducibilityManifest{}, fmt.Errorf("%w: %s: %v", ErrUnreadable, manifestHash, err)
	}
	return manifest, nil
}

package consent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"sync"

	"github.com/davidahmann/govledger/core/fsx"
	schemagov "github.com/davidahmann/govledger/core/schema/v1/governance"
	"github.com/davidahmann/govledger/core/schema/validate"
)

var (
	ErrNotFound      = errors.New("consent policy not found")
	ErrAlreadyExists = errors.New("consent policy already exists")

	policyIDPattern = regexp.MustCompile(`^[A-Za-z0-9._:-]{1,160}$`)
)

// Store persists consent policies. Implementations return ErrNotFound and
// ErrAlreadyExists (possibly wrapped) so callers can branch with errors.Is.
type Store interface {
	Put(ctx context.Context, policy schemagov.ConsentPolicy) error
	Get(ctx context.Context, policyID string) (schemagov.ConsentPolicy, error)
	Update(ctx context.Context, policy schemagov.ConsentPolicy) error
}

type MemoryStore struct {
	mu       sync.RWMutex
	policies map[string]schemagov.ConsentPolicy
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{policies: map[string]schemagov.ConsentPolicy{}}
}

func (s *MemoryStore) Put(_ context.Context, policy schemagov.ConsentPolicy) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.policies[policy.PolicyID]; ok {
		return fmt.Errorf("%w: %s", ErrAlreadyExists, policy.PolicyID)
	}
	s.policies[policy.PolicyID] = policy.Clone()
	return nil
}

func (s *MemoryStore) Get(_ context.Context, policyID string) (schemagov.ConsentPolicy, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	policy, ok := s.policies[policyID]
	if !ok {
		return schemagov.ConsentPolicy{}, fmt.Errorf("%w: %s", ErrNotFound, policyID)
	}
	return policy.Clone(), nil
}

func (s *MemoryStore) Update(_ context.Context, policy schemagov.ConsentPolicy) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.policies[policy.PolicyID]; !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, policy.PolicyID)
	}
	s.policies[policy.PolicyID] = policy.Clone()
	return nil
}

// FileStore keeps one JSON document per policy under Dir.
type FileStore struct {
	Dir string

	mu sync.Mutex
}

func NewFileStore(dir string) (*FileStore, error) {
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("create policy store directory: %w", err)
	}
	return &FileStore{Dir: dir}, nil
}

func (s *FileStore) Put(_ context.Context, policy schemagov.ConsentPolicy) error {
	path, err := s.pathFor(policy.PolicyID)
	if err != nil {
		return err
	}
	encoded, err := encodePolicy(policy)
	if err != nil {
		return err
	}
	if err := fsx.CreateFileAtomic(path, encoded, 0o600); err != nil {
		if errors.Is(err, fs.ErrExist) {
			return fmt.Errorf("%w: %s", ErrAlreadyExists, policy.PolicyID)
		}
		return fmt.Errorf("write consent policy: %w", err)
	}
	return nil
}

func (s *FileStore) Get(_ context.Context, policyID string) (schemagov.ConsentPolicy, error) {
	path, err := s.pathFor(policyID)
	if err != nil {
		return schemagov.ConsentPolicy{}, err
	}
	// #nosec G304 -- path is derived from a validated policy id under the store directory.
	content, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return schemagov.ConsentPolicy{}, fmt.Errorf("%w: %s", ErrNotFound, policyID)
		}
		return schemagov.ConsentPolicy{}, fmt.Errorf("read consent policy: %w", err)
	}
	if err := validate.ConsentPolicy(content); err != nil {
		return schemagov.ConsentPolicy{}, fmt.Errorf("consent policy %s: %w", policyID, err)
	}
	var policy schemagov.ConsentPolicy
	if err := json.Unmarshal(content, &policy); err != nil {
		return schemagov.ConsentPolicy{}, fmt.Errorf("parse consent policy: %w", err)
	}
	return policy, nil
}

func (s *FileStore) Update(_ context.Context, policy schemagov.ConsentPolicy) error {
	path, err := s.pathFor(policy.PolicyID)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, statErr := os.Stat(path); statErr != nil {
		if os.IsNotExist(statErr) {
			return fmt.Errorf("%w: %s", ErrNotFound, policy.PolicyID)
		}
		return fmt.Errorf("stat consent policy: %w", statErr)
	}
	encoded, err := encodePolicy(policy)
	if err != nil {
		return err
	}
	return fsx.WriteFileAtomic(path, encoded, 0o600)
}

func (s *FileStore) pathFor(policyID string) (string, error) {
	if !policyIDPattern.MatchString(policyID) {
		return "", fmt.Errorf("policy_id %q is not a valid store key", policyID)
	}
	return filepath.Join(s.Dir, policyID+".json"), nil
}

func encodePolicy(policy schemagov.ConsentPolicy) ([]byte, error) {
	encoded, err := json.MarshalIndent(policy, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("marshal consent policy: %w", err)
	}
	return append(encoded, '\n'), nil
}

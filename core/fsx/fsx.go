package fsx

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"runtime"
)

// WriteFileAtomic replaces path with content. Readers see either the old
// document or the new one, never a partial write.
func WriteFileAtomic(path string, content []byte, mode os.FileMode) error {
	staged, err := stage(path, content, mode)
	if err != nil {
		return err
	}
	defer staged.discard()

	if err := os.Rename(staged.path, path); err != nil {
		if runtime.GOOS != "windows" {
			return fmt.Errorf("rename staged file: %w", err)
		}
		if removeErr := os.Remove(path); removeErr != nil && !os.IsNotExist(removeErr) {
			return fmt.Errorf("remove destination before rename: %w", removeErr)
		}
		if renameErr := os.Rename(staged.path, path); renameErr != nil {
			return fmt.Errorf("rename staged file after remove: %w", renameErr)
		}
	}
	staged.kept = true
	syncDirectory(filepath.Dir(path))
	return nil
}

// CreateFileAtomic publishes content at path only when nothing exists there
// yet. The returned error matches fs.ErrExist when another writer, in this
// process or another one, got there first.
func CreateFileAtomic(path string, content []byte, mode os.FileMode) error {
	staged, err := stage(path, content, mode)
	if err != nil {
		return err
	}
	defer staged.discard()

	if err := os.Link(staged.path, path); err != nil {
		if errors.Is(err, fs.ErrExist) {
			return fmt.Errorf("create %s: %w", filepath.Base(path), fs.ErrExist)
		}
		return fmt.Errorf("link staged file: %w", err)
	}
	syncDirectory(filepath.Dir(path))
	return nil
}

type stagedFile struct {
	path string
	kept bool
}

func (s *stagedFile) discard() {
	if !s.kept {
		_ = os.Remove(s.path)
	}
}

// stage writes content to a synced temp file beside path.
func stage(path string, content []byte, mode os.FileMode) (*stagedFile, error) {
	tempFile, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return nil, fmt.Errorf("create temp file: %w", err)
	}
	staged := &stagedFile{path: tempFile.Name()}
	if _, err := tempFile.Write(content); err != nil {
		_ = tempFile.Close()
		staged.discard()
		return nil, fmt.Errorf("write temp file: %w", err)
	}
	if err := tempFile.Chmod(mode); err != nil {
		_ = tempFile.Close()
		staged.discard()
		return nil, fmt.Errorf("chmod temp file: %w", err)
	}
	if err := tempFile.Sync(); err != nil {
		_ = tempFile.Close()
		staged.discard()
		return nil, fmt.Errorf("sync temp file: %w", err)
	}
	if err := tempFile.Close(); err != nil {
		staged.discard()
		return nil, fmt.Errorf("close temp file: %w", err)
	}
	return staged, nil
}

func syncDirectory(dir string) {
	// #nosec G304 -- directory of a caller-provided destination path.
	if dirHandle, err := os.Open(dir); err == nil {
		_ = dirHandle.Sync()
		_ = dirHandle.Close()
	}
}

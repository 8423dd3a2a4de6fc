package fsx

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"
)

const (
	writerLockTimeout = 5 * time.Second
	writerLockRetry   = 10 * time.Millisecond
	maxInt            = int(^uint(0) >> 1)
)

// errLockHeld is returned by tryLockFile when another open file holds the lock.
var errLockHeld = errors.New("lock held")

// AppendFile is an exclusively owned append-only file. Opening one takes an
// OS advisory lock on <path>.lock that is held until Close, so at most one
// writer extends the file at a time. The kernel drops the lock when the
// holder exits, so a crashed writer never leaves the file locked.
type AppendFile struct {
	mu     sync.Mutex
	path   string
	lock   *os.File
	file   *os.File
	closed bool
}

func OpenAppendFile(path string, mode os.FileMode) (*AppendFile, error) {
	cleanPath, err := validateLocalOrAbsolutePath(path)
	if err != nil {
		return nil, err
	}
	parent := filepath.Dir(cleanPath)
	if parent != "." && parent != "" {
		if err := os.MkdirAll(parent, 0o750); err != nil {
			return nil, fmt.Errorf("create append directory: %w", err)
		}
	}
	lock, err := acquireWriterLock(cleanPath + ".lock")
	if err != nil {
		return nil, err
	}
	// #nosec G304 -- append path is validated local relative or absolute.
	file, err := os.OpenFile(cleanPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, mode)
	if err != nil {
		releaseWriterLock(lock)
		return nil, fmt.Errorf("open append file: %w", err)
	}
	if parent != "." && parent != "" {
		syncDirectory(parent)
	}
	return &AppendFile{path: cleanPath, lock: lock, file: file}, nil
}

func (a *AppendFile) Path() string {
	return a.path
}

// WriteLine appends line plus a trailing newline and fsyncs before returning.
func (a *AppendFile) WriteLine(line []byte) error {
	payloadCapacity, err := appendPayloadCapacity(len(line))
	if err != nil {
		return err
	}
	payload := make([]byte, 0, payloadCapacity)
	payload = append(payload, line...)
	payload = append(payload, '\n')

	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return fmt.Errorf("append file %s is closed", a.path)
	}
	if _, err := a.file.Write(payload); err != nil {
		return fmt.Errorf("append file line: %w", err)
	}
	if err := a.file.Sync(); err != nil {
		return fmt.Errorf("sync append file: %w", err)
	}
	return nil
}

func (a *AppendFile) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return nil
	}
	a.closed = true
	closeErr := a.file.Close()
	// The lock file stays; deleting it would let a waiter on the old inode and
	// a newcomer on a fresh one both hold "the" lock.
	releaseWriterLock(a.lock)
	return closeErr
}

func appendPayloadCapacity(lineLength int) (int, error) {
	if lineLength < 0 {
		return 0, fmt.Errorf("line length must be >= 0")
	}
	if lineLength >= maxInt {
		return 0, fmt.Errorf("line length exceeds maximum supported size")
	}
	return lineLength + 1, nil
}

func acquireWriterLock(lockPath string) (*os.File, error) {
	// #nosec G304 -- lock path is derived from a validated append path.
	lock, err := os.OpenFile(lockPath, os.O_CREATE|os.O_RDWR, 0o600)
	if err != nil {
		return nil, fmt.Errorf("open writer lock: %w", err)
	}
	start := time.Now()
	for {
		err := tryLockFile(lock)
		if err == nil {
			break
		}
		if !errors.Is(err, errLockHeld) {
			_ = lock.Close()
			return nil, fmt.Errorf("acquire writer lock: %w", err)
		}
		if time.Since(start) >= writerLockTimeout {
			_ = lock.Close()
			return nil, fmt.Errorf("writer lock %s is held by another process%s", lockPath, lockHolder(lockPath))
		}
		time.Sleep(writerLockRetry)
	}
	// The pid is informational only; ownership is the kernel lock.
	if err := lock.Truncate(0); err == nil {
		_, _ = lock.WriteAt([]byte(strconv.Itoa(os.Getpid())+"\n"), 0)
	}
	return lock, nil
}

func releaseWriterLock(lock *os.File) {
	_ = unlockFile(lock)
	_ = lock.Close()
}

func lockHolder(lockPath string) string {
	// #nosec G304 -- lock path is derived from a validated append path.
	content, err := os.ReadFile(lockPath)
	if err != nil {
		return ""
	}
	pid := strings.TrimSpace(string(content))
	if _, err := strconv.Atoi(pid); err != nil {
		return ""
	}
	return " (pid " + pid + ")"
}

func validateLocalOrAbsolutePath(path string) (string, error) {
	cleanPath := filepath.Clean(path)
	if filepath.IsLocal(cleanPath) {
		return cleanPath, nil
	}
	if strings.HasPrefix(cleanPath, string(filepath.Separator)) {
		return cleanPath, nil
	}
	if volume := filepath.VolumeName(cleanPath); volume != "" && strings.HasPrefix(cleanPath, volume+string(filepath.Separator)) {
		return cleanPath, nil
	}
	return "", fmt.Errorf("path must be local relative or absolute")
}

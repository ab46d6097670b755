// Package lock keeps two local passes from writing into the same directory
// tree at once. Each tree maps to a flock(2)-held file in a lock directory
// outside the tree, so locking never adds entries to the tree itself.
package lock

import (
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/zeebo/blake3"
)

// ErrLocked reports that another process holds the tree.
var ErrLocked = errors.New("tree is locked")

// HeldError names the current holder of a lock.
type HeldError struct {
	Root   string
	Path   string
	Holder string
}

func (e *HeldError) Error() string {
	if e.Holder == "" {
		return fmt.Sprintf("%s: %v (lock %s)", e.Root, ErrLocked, e.Path)
	}
	return fmt.Sprintf("%s: %v by %s (lock %s)", e.Root, ErrLocked, e.Holder, e.Path)
}

func (e *HeldError) Unwrap() error { return ErrLocked }

type options struct {
	dir    string
	detect func(string) (string, error)
}

// Option configures Acquire.
type Option func(*options)

// WithDir places lock files in dir instead of DefaultDir.
func WithDir(dir string) Option {
	return func(o *options) {
		if dir != "" {
			o.dir = dir
		}
	}
}

// DefaultDir is the per-user lock directory.
func DefaultDir() string {
	if base, err := os.UserCacheDir(); err == nil {
		return filepath.Join(base, "cbrainctl", "locks")
	}
	return filepath.Join(os.TempDir(), "cbrainctl-locks")
}

// PathFor returns the lock file that guards root inside dir. Spellings of
// the same directory share one lock file.
func PathFor(dir, root string) (string, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return "", fmt.Errorf("resolve lock root: %w", err)
	}
	if resolved, err := filepath.EvalSymlinks(abs); err == nil {
		abs = resolved
	}
	sum := blake3.Sum256([]byte(abs))
	name := fmt.Sprintf("%s-%s.lock", labelFor(abs), hex.EncodeToString(sum[:8]))
	return filepath.Join(dir, name), nil
}

// labelFor keeps the tree's base name readable in the lock directory.
func labelFor(abs string) string {
	label := strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_', r == '.':
			return r
		}
		return '_'
	}, filepath.Base(abs))
	return strings.TrimLeft(label, ".")
}

// TreeLock is an exclusive lock on a directory tree.
type TreeLock struct {
	root string
	path string
	f    *os.File
}

// Acquire locks root without blocking. The lock file records the pid, the
// operation and the root so a refused caller can say who holds the tree.
// The lock directory must be on a local filesystem.
func Acquire(root, operation string, opts ...Option) (*TreeLock, error) {
	if root == "" {
		return nil, fmt.Errorf("lock root is empty")
	}
	o := options{dir: DefaultDir(), detect: filesystemType}
	for _, opt := range opts {
		opt(&o)
	}

	if err := os.MkdirAll(o.dir, 0o755); err != nil {
		return nil, fmt.Errorf("create lock directory: %w", err)
	}
	if err := requireLocal(o.dir, o.detect); err != nil {
		return nil, err
	}
	lockPath, err := PathFor(o.dir, root)
	if err != nil {
		return nil, err
	}

	f, err := os.OpenFile(lockPath, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open lock file: %w", err)
	}

	if err := syscall.Flock(int(f.Fd()), syscall.LOCK_EX|syscall.LOCK_NB); err != nil {
		_ = f.Close()
		if errors.Is(err, syscall.EWOULDBLOCK) {
			return nil, &HeldError{Root: root, Path: lockPath, Holder: readHolder(lockPath)}
		}
		return nil, fmt.Errorf("acquire lock: %w", err)
	}

	fail := func(step string, err error) (*TreeLock, error) {
		_ = syscall.Flock(int(f.Fd()), syscall.LOCK_UN)
		_ = f.Close()
		return nil, fmt.Errorf("%s lock file: %w", step, err)
	}
	if err := f.Truncate(0); err != nil {
		return fail("truncate", err)
	}
	if _, err := f.Seek(0, 0); err != nil {
		return fail("seek", err)
	}
	if _, err := fmt.Fprintf(f, "pid %d %s\n%s\n", os.Getpid(), operation, root); err != nil {
		return fail("write", err)
	}
	if err := f.Sync(); err != nil {
		return fail("sync", err)
	}

	return &TreeLock{root: root, path: lockPath, f: f}, nil
}

// readHolder returns the first line of a lock file.
func readHolder(path string) string {
	b, err := os.ReadFile(path)
	if err != nil {
		return ""
	}
	first, _, _ := strings.Cut(string(b), "\n")
	return strings.TrimSpace(first)
}

func (l *TreeLock) Path() string { return l.path }

func (l *TreeLock) Root() string { return l.root }

// Release unlocks the tree. The lock file stays in the lock directory for
// the next holder.
func (l *TreeLock) Release() error {
	if l == nil || l.f == nil {
		return nil
	}
	_ = syscall.Flock(int(l.f.Fd()), syscall.LOCK_UN)
	err := l.f.Close()
	l.f = nil
	return err
}

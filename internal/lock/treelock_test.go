package lock

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func withDetector(detect func(string) (string, error)) Option {
	return func(o *options) { o.detect = detect }
}

func localFS(string) (string, error) { return "ext4", nil }

func TestAcquireKeepsLockOutsideTree(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	dir := t.TempDir()
	l, err := Acquire(root, "download", WithDir(dir), withDetector(localFS))
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	t.Cleanup(func() { _ = l.Release() })

	entries, err := os.ReadDir(root)
	if err != nil {
		t.Fatalf("ReadDir: %v", err)
	}
	if len(entries) != 0 {
		t.Fatalf("expected locked tree to stay empty, found %d entries", len(entries))
	}
	if filepath.Dir(l.Path()) != dir {
		t.Fatalf("expected lock file in %s, got %s", dir, l.Path())
	}
	if !strings.HasPrefix(filepath.Base(l.Path()), filepath.Base(root)+"-") {
		t.Fatalf("expected lock file to carry the tree name, got %s", l.Path())
	}
	b, err := os.ReadFile(l.Path())
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if !strings.Contains(string(b), "download") || !strings.Contains(string(b), root) {
		t.Fatalf("expected operation and root in lock file, got %q", b)
	}
}

func TestAcquireRefusesSecondHolder(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	dir := t.TempDir()
	first, err := Acquire(root, "alias", WithDir(dir), withDetector(localFS))
	if err != nil {
		t.Fatalf("Acquire first: %v", err)
	}
	t.Cleanup(func() { _ = first.Release() })

	// flock locks belong to the open file description, so a second open in
	// the same process conflicts. A different spelling of the root maps to
	// the same lock file.
	_, err = Acquire(root+string(filepath.Separator)+".", "download", WithDir(dir), withDetector(localFS))
	if !errors.Is(err, ErrLocked) {
		t.Fatalf("expected ErrLocked, got %v", err)
	}
	var held *HeldError
	if !errors.As(err, &held) || !strings.Contains(held.Holder, "alias") {
		t.Fatalf("expected holder to name alias, got %v", err)
	}
	if held.Path != first.Path() {
		t.Fatalf("expected lock path %s, got %s", first.Path(), held.Path)
	}
}

func TestAcquireSeparateTrees(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	parent := t.TempDir()
	a, err := Acquire(filepath.Join(parent, "bids"), "alias", WithDir(dir), withDetector(localFS))
	if err != nil {
		t.Fatalf("Acquire a: %v", err)
	}
	t.Cleanup(func() { _ = a.Release() })
	b, err := Acquire(filepath.Join(parent, "derivatives"), "download", WithDir(dir), withDetector(localFS))
	if err != nil {
		t.Fatalf("Acquire b: %v", err)
	}
	t.Cleanup(func() { _ = b.Release() })
	if a.Path() == b.Path() {
		t.Fatalf("expected distinct lock files, both %s", a.Path())
	}
}

func TestReleaseAllowsReacquire(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	dir := t.TempDir()
	first, err := Acquire(root, "download", WithDir(dir), withDetector(localFS))
	if err != nil {
		t.Fatalf("Acquire first: %v", err)
	}
	if err := first.Release(); err != nil {
		t.Fatalf("Release: %v", err)
	}
	if err := first.Release(); err != nil {
		t.Fatalf("second Release: %v", err)
	}

	second, err := Acquire(root, "download", WithDir(dir), withDetector(localFS))
	if err != nil {
		t.Fatalf("Acquire after release: %v", err)
	}
	_ = second.Release()
}

func TestAcquireEmptyRoot(t *testing.T) {
	t.Parallel()

	if _, err := Acquire("", "download", WithDir(t.TempDir())); err == nil {
		t.Fatal("expected error for empty root")
	}
}

func TestAcquireRefusesNetworkLockDir(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	_, err := Acquire(t.TempDir(), "download", WithDir(dir), withDetector(func(string) (string, error) {
		return "nfs", nil
	}))
	if !errors.Is(err, ErrNetworkFilesystem) {
		t.Fatalf("expected ErrNetworkFilesystem, got %v", err)
	}
	var fsErr *FilesystemError
	if !errors.As(err, &fsErr) || fsErr.Type != "nfs" || fsErr.Path != dir {
		t.Fatalf("expected FilesystemError naming nfs and %s, got %v", dir, err)
	}
	entries, _ := os.ReadDir(dir)
	if len(entries) != 0 {
		t.Fatalf("expected no lock file on a refused directory, found %d", len(entries))
	}
}

func TestRequireLocalInspectsExistingAncestor(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	var inspected string
	err := requireLocal(filepath.Join(root, "state", "journal.db"), func(p string) (string, error) {
		inspected = p
		return "xfs", nil
	})
	if err != nil {
		t.Fatalf("requireLocal: %v", err)
	}
	if inspected != root {
		t.Fatalf("expected %s to be inspected, got %s", root, inspected)
	}

	err = requireLocal(root, func(string) (string, error) { return "", errors.New("statfs failed") })
	if err == nil || errors.Is(err, ErrNetworkFilesystem) {
		t.Fatalf("expected detection error, got %v", err)
	}
}

func TestIsNetwork(t *testing.T) {
	t.Parallel()

	cases := map[string]bool{
		"nfs":     true,
		" SMBFS ": true,
		"cifs":    true,
		"ext4":    false,
		"apfs":    false,
		"0x6969":  false,
		"":        false,
	}
	for fsType, want := range cases {
		if got := isNetwork(fsType); got != want {
			t.Fatalf("isNetwork(%q)=%v, want %v", fsType, got, want)
		}
	}
}

func TestPathForIsStable(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	root := t.TempDir()
	a, err := PathFor(dir, root)
	if err != nil {
		t.Fatalf("PathFor: %v", err)
	}
	b, err := PathFor(dir, filepath.Join(root, "sub", ".."))
	if err != nil {
		t.Fatalf("PathFor: %v", err)
	}
	if a != b {
		t.Fatalf("expected one lock file, got %s and %s", a, b)
	}
	if strings.HasPrefix(a, root) {
		t.Fatalf("lock file %s is inside the tree", a)
	}
}

package lock

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"slices"
	"strings"
)

// ErrNetworkFilesystem reports a path whose file locks cannot be trusted.
var ErrNetworkFilesystem = errors.New("network filesystem")

// FilesystemError names the network filesystem a path lives on.
type FilesystemError struct {
	Path string
	Type string
}

func (e *FilesystemError) Error() string {
	return fmt.Sprintf("%s is on %s (%v); flock and SQLite locking are unreliable there", e.Path, e.Type, ErrNetworkFilesystem)
}

func (e *FilesystemError) Unwrap() error { return ErrNetworkFilesystem }

var networkTypes = []string{"afpfs", "cifs", "nfs", "nfs4", "smb2", "smbfs", "webdav", "9p"}

// RequireLocal returns a *FilesystemError when path, or its nearest existing
// ancestor, is on a network filesystem.
func RequireLocal(path string) error {
	return requireLocal(path, filesystemType)
}

func requireLocal(path string, detect func(string) (string, error)) error {
	if path == "" {
		return fmt.Errorf("path is empty")
	}
	dir, err := existingAncestor(path)
	if err != nil {
		return err
	}
	fsType, err := detect(dir)
	if err != nil {
		return fmt.Errorf("detect filesystem of %s: %w", dir, err)
	}
	if isNetwork(fsType) {
		return &FilesystemError{Path: path, Type: fsType}
	}
	return nil
}

// existingAncestor walks up from path to the first entry that exists.
func existingAncestor(path string) (string, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", fmt.Errorf("resolve %s: %w", path, err)
	}
	for p := abs; ; p = filepath.Dir(p) {
		_, err := os.Stat(p)
		switch {
		case err == nil:
			return p, nil
		case !errors.Is(err, fs.ErrNotExist):
			return "", fmt.Errorf("stat %s: %w", p, err)
		case p == filepath.Dir(p):
			return "", fmt.Errorf("%s has no existing ancestor", abs)
		}
	}
}

func isNetwork(fsType string) bool {
	return slices.Contains(networkTypes, strings.ToLower(strings.TrimSpace(fsType)))
}

package results

import (
	"context"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/mattjoyce/cbrainctl/internal/cbrain"
)

// Transport lists and fetches the files of a result artifact.
// *cbrain.Client implements it over HTTP.
type Transport interface {
	ListFiles(ctx context.Context, artifactID int) ([]cbrain.FileEntry, error)
	FetchFile(ctx context.Context, artifactID int, rel string, w io.Writer) error
}

// Namer resolves an artifact id to its name.
type Namer interface {
	UserfileName(ctx context.Context, id int) (string, error)
}

// DirTransport reads artifacts from a locally mounted data provider
// directory, where each artifact is a file or directory named after it.
// Without a Namer the artifact id is used as the name.
type DirTransport struct {
	Root  string
	Names Namer
}

func (d DirTransport) artifactPath(ctx context.Context, id int) (string, error) {
	name := strconv.Itoa(id)
	if d.Names != nil {
		n, err := d.Names.UserfileName(ctx, id)
		if err != nil {
			return "", fmt.Errorf("name artifact %d: %w", id, err)
		}
		name = n
	}
	if name == "" || strings.ContainsAny(name, `/\`) || name == "." || name == ".." {
		return "", fmt.Errorf("artifact %d has unusable name %q", id, name)
	}
	return filepath.Join(d.Root, name), nil
}

// ListFiles walks the artifact. A single-file artifact lists as its own name.
func (d DirTransport) ListFiles(ctx context.Context, artifactID int) ([]cbrain.FileEntry, error) {
	base, err := d.artifactPath(ctx, artifactID)
	if err != nil {
		return nil, err
	}
	info, err := os.Stat(base)
	if err != nil {
		return nil, fmt.Errorf("stat artifact %d: %w", artifactID, err)
	}
	if !info.IsDir() {
		return []cbrain.FileEntry{{Path: info.Name(), Size: info.Size(), ModTime: info.ModTime()}}, nil
	}

	var out []cbrain.FileEntry
	err = filepath.WalkDir(base, func(p string, de fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if p == base || de.IsDir() {
			return nil
		}
		fi, err := de.Info()
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(base, p)
		if err != nil {
			return err
		}
		out = append(out, cbrain.FileEntry{Path: filepath.ToSlash(rel), Size: fi.Size(), ModTime: fi.ModTime()})
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("walk artifact %d: %w", artifactID, err)
	}
	return out, nil
}

// FetchFile copies one file of the artifact to w.
func (d DirTransport) FetchFile(ctx context.Context, artifactID int, rel string, w io.Writer) error {
	base, err := d.artifactPath(ctx, artifactID)
	if err != nil {
		return err
	}
	src := base
	if info, err := os.Stat(base); err == nil && info.IsDir() {
		clean := path.Clean("/" + rel)[1:]
		if clean == "" {
			return fmt.Errorf("artifact %d: empty file path", artifactID)
		}
		src = filepath.Join(base, filepath.FromSlash(clean))
	}
	f, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("open %s: %w", rel, err)
	}
	defer f.Close()
	if _, err := io.Copy(w, f); err != nil {
		return fmt.Errorf("copy %s: %w", rel, err)
	}
	return nil
}

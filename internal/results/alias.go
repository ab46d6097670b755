package results

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"slices"
	"strings"

	"github.com/zeebo/blake3"
)

// AliasMode selects how non-JSON files are aliased.
type AliasMode string

const (
	AliasLink AliasMode = "link"
	AliasCopy AliasMode = "copy"
)

var labelPattern = regexp.MustCompile(`^[A-Za-z0-9]+$`)

// AliasRule relabels task-<Old> as task-<New>. Subjects and Sessions, when
// set, limit the rule to files carrying one of those labels.
type AliasRule struct {
	Old      string
	New      string
	Subjects []string
	Sessions []string
	Mode     AliasMode
}

// ParseAliasRule reads "old=new". A leading "task-" on either label is
// accepted and dropped.
func ParseAliasRule(s string) (AliasRule, error) {
	oldLabel, newLabel, ok := strings.Cut(s, "=")
	if !ok {
		return AliasRule{}, fmt.Errorf("alias %q: want old=new", s)
	}
	oldLabel = strings.TrimPrefix(strings.TrimSpace(oldLabel), "task-")
	newLabel = strings.TrimPrefix(strings.TrimSpace(newLabel), "task-")
	for _, l := range []string{oldLabel, newLabel} {
		if !labelPattern.MatchString(l) {
			return AliasRule{}, fmt.Errorf("alias %q: label %q must be alphanumeric", s, l)
		}
	}
	if oldLabel == newLabel {
		return AliasRule{}, fmt.Errorf("alias %q: labels are identical", s)
	}
	return AliasRule{Old: oldLabel, New: newLabel, Mode: AliasLink}, nil
}

func (r AliasRule) String() string { return r.Old + "=" + r.New }

// rename returns the aliased file name for base, or false when the rule
// does not apply to it.
func (r AliasRule) rename(base string) (string, bool) {
	tokens := strings.Split(base, "_")
	hit := -1
	for i, tok := range tokens {
		name, ext := splitExt(tok)
		switch {
		case name == "task-"+r.Old:
			hit = i
			tokens[i] = "task-" + r.New + ext
		case strings.HasPrefix(name, "sub-"):
			if !labelAllowed(r.Subjects, strings.TrimPrefix(name, "sub-"), "sub-") {
				return "", false
			}
		case strings.HasPrefix(name, "ses-"):
			if !labelAllowed(r.Sessions, strings.TrimPrefix(name, "ses-"), "ses-") {
				return "", false
			}
		}
	}
	if hit < 0 {
		return "", false
	}
	if len(r.Sessions) > 0 && !strings.Contains(base, "ses-") {
		return "", false
	}
	if len(r.Subjects) > 0 && !strings.Contains(base, "sub-") {
		return "", false
	}
	return strings.Join(tokens, "_"), true
}

func splitExt(tok string) (string, string) {
	if i := strings.IndexByte(tok, '.'); i >= 0 {
		return tok[:i], tok[i:]
	}
	return tok, ""
}

func labelAllowed(allowed []string, label, prefix string) bool {
	if len(allowed) == 0 {
		return true
	}
	return slices.ContainsFunc(allowed, func(a string) bool {
		return strings.TrimPrefix(a, prefix) == label
	})
}

// AliasReport lists what an alias pass did, with paths relative to the root.
type AliasReport struct {
	Root      string
	Linked    []string
	Copied    []string
	Rewritten []string
	Skipped   []string
	Errors    []error
}

// OK reports whether every alias was written or already present.
func (r *AliasReport) OK() bool { return len(r.Errors) == 0 }

// Err joins every alias error.
func (r *AliasReport) Err() error { return errors.Join(r.Errors...) }

// Alias applies rules to the files under root. Originals are never changed.
// JSON sidecars become copies with every task-<old> replaced by task-<new>;
// other files are linked, or copied in AliasCopy mode. A target that already
// holds identical content is skipped; one that differs is an AliasError.
func (m *Materializer) Alias(ctx context.Context, root string, rules []AliasRule) (*AliasReport, error) {
	info, err := os.Stat(root)
	if err != nil {
		return nil, fmt.Errorf("alias root: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("alias root %s is not a directory", root)
	}

	l, err := m.lockTree(root, "alias")
	if err != nil {
		return nil, err
	}
	defer func() { _ = l.Release() }()

	candidates, err := collectFiles(root)
	if err != nil {
		return nil, err
	}

	report := &AliasReport{Root: root}
	for _, rule := range rules {
		for _, src := range candidates {
			if err := ctx.Err(); err != nil {
				return report, err
			}
			newBase, ok := rule.rename(filepath.Base(src))
			if !ok {
				continue
			}
			dst := filepath.Join(filepath.Dir(src), newBase)
			rel, _ := filepath.Rel(root, dst)

			var outcome *[]string
			switch {
			case strings.EqualFold(filepath.Ext(src), ".json"):
				err = rewriteSidecar(src, dst, rule)
				outcome = &report.Rewritten
			case rule.Mode == AliasCopy:
				err = copyFile(src, dst)
				outcome = &report.Copied
			default:
				err = linkFile(src, dst)
				outcome = &report.Linked
			}
			switch {
			case errors.Is(err, errIdentical):
				report.Skipped = append(report.Skipped, rel)
			case err != nil:
				report.Errors = append(report.Errors, &AliasError{Source: src, Target: dst, Err: err})
			default:
				*outcome = append(*outcome, rel)
			}
		}
	}

	m.logger.Info("alias finished", "root", root, "rules", len(rules),
		"linked", len(report.Linked), "copied", len(report.Copied), "rewritten", len(report.Rewritten),
		"skipped", len(report.Skipped), "errors", len(report.Errors))
	return report, nil
}

var errIdentical = errors.New("target already holds identical content")

func collectFiles(root string) ([]string, error) {
	var out []string
	err := filepath.WalkDir(root, func(p string, de fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if de.IsDir() {
			return nil
		}
		name := de.Name()
		if strings.HasSuffix(name, ".part") {
			return nil
		}
		out = append(out, p)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("walk %s: %w", root, err)
	}
	return out, nil
}

func rewriteSidecar(src, dst string, rule AliasRule) error {
	data, err := os.ReadFile(src)
	if err != nil {
		return err
	}
	data = bytes.ReplaceAll(data, []byte("task-"+rule.Old), []byte("task-"+rule.New))
	if _, err := os.Lstat(dst); err == nil {
		existing, err := hashFile(dst)
		if err != nil {
			return err
		}
		if existing == blake3.Sum256(data) {
			return errIdentical
		}
		return ErrAliasCollision
	}
	return writeExclusive(dst, bytes.NewReader(data))
}

func copyFile(src, dst string) error {
	if err := checkExisting(src, dst); err != nil {
		return err
	}
	f, err := os.Open(src)
	if err != nil {
		return err
	}
	defer f.Close()
	return writeExclusive(dst, f)
}

// linkFile creates a relative symbolic link next to src.
func linkFile(src, dst string) error {
	if err := checkExisting(src, dst); err != nil {
		return err
	}
	return os.Symlink(filepath.Base(src), dst)
}

// checkExisting returns nil when dst is absent, errIdentical when it already
// resolves to src or holds the same bytes, and ErrAliasCollision otherwise.
func checkExisting(src, dst string) error {
	if _, err := os.Lstat(dst); errors.Is(err, fs.ErrNotExist) {
		return nil
	} else if err != nil {
		return err
	}
	srcInfo, err := os.Stat(src)
	if err != nil {
		return err
	}
	if dstInfo, err := os.Stat(dst); err == nil && os.SameFile(srcInfo, dstInfo) {
		return errIdentical
	}
	a, err := hashFile(src)
	if err != nil {
		return err
	}
	b, err := hashFile(dst)
	if err != nil {
		return ErrAliasCollision
	}
	if a == b {
		return errIdentical
	}
	return ErrAliasCollision
}

func writeExclusive(dst string, r io.Reader) error {
	f, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return err
	}
	if _, err := io.Copy(f, r); err != nil {
		_ = f.Close()
		_ = os.Remove(dst)
		return err
	}
	return f.Close()
}

func hashFile(p string) ([32]byte, error) {
	var sum [32]byte
	f, err := os.Open(p)
	if err != nil {
		return sum, err
	}
	defer f.Close()
	h := blake3.New()
	if _, err := io.Copy(h, f); err != nil {
		return sum, err
	}
	copy(sum[:], h.Sum(nil))
	return sum, nil
}

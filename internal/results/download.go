// Package results downloads the outputs of completed tasks into a local
// tree and relabels task entities in already-local trees.
package results

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/mattjoyce/cbrainctl/internal/cbrain"
	"github.com/mattjoyce/cbrainctl/internal/lock"
	"github.com/mattjoyce/cbrainctl/internal/log"
	"github.com/mattjoyce/cbrainctl/internal/params"
	"github.com/mattjoyce/cbrainctl/internal/profile"
	"github.com/mattjoyce/cbrainctl/internal/status"
)

// OutputParamPrefix marks task parameters holding result artifact ids.
const OutputParamPrefix = "_cbrain_output_"

// Directory is the remote lookup surface used to select artifacts.
type Directory interface {
	ResolveGroup(ctx context.Context, name string) (int, error)
	ListTasks(ctx context.Context, groupID int) ([]cbrain.Task, error)
	GetUserfile(ctx context.Context, id int) (*cbrain.Userfile, error)
}

// Selector picks the artifacts to download: one artifact by id, or the
// outputs of every completed task of a tool in a group, optionally limited
// to one output type.
type Selector struct {
	ArtifactID int
	Tool       string
	OutputType string
	Group      string
}

func (s Selector) String() string {
	if s.ArtifactID > 0 {
		return "artifact " + strconv.Itoa(s.ArtifactID)
	}
	return fmt.Sprintf("tool %s type %q group %s", s.Tool, s.OutputType, s.Group)
}

// Options shape the local tree.
type Options struct {
	Root string
	// Flatten drops the result-container directory named after the artifact.
	Flatten bool
	// SkipDirs removes every subtree whose directory has one of these names,
	// at any depth.
	SkipDirs []string
	// OnlyDirs keeps files with a directory matching one of these globs.
	OnlyDirs []string
	// PathMap remaps local relative paths, exactly or by directory prefix.
	PathMap   map[string]string
	Normalize Normalize
}

// ArtifactResult describes what happened to one artifact.
type ArtifactResult struct {
	ID        int
	Name      string
	Written   []string
	Unchanged []string
	Filtered  int
	Errors    []error
}

// DownloadReport lists every artifact a download touched.
type DownloadReport struct {
	Root      string
	Artifacts []ArtifactResult
}

// OK reports whether every artifact downloaded cleanly.
func (r *DownloadReport) OK() bool { return r.Err() == nil }

// Err joins every artifact error.
func (r *DownloadReport) Err() error {
	var errs []error
	for _, a := range r.Artifacts {
		errs = append(errs, a.Errors...)
	}
	return errors.Join(errs...)
}

// Written counts files written across artifacts.
func (r *DownloadReport) Written() int {
	n := 0
	for _, a := range r.Artifacts {
		n += len(a.Written)
	}
	return n
}

// Materializer downloads and relabels results.
type Materializer struct {
	dir       Directory
	transport Transport
	registry  *profile.Registry
	logger    *slog.Logger
	lockDir   string
}

// Option configures a Materializer.
type Option func(*Materializer)

// WithRegistry enables tool selectors and seeds only_dirs from a tool's
// keep_dirs.
func WithRegistry(r *profile.Registry) Option {
	return func(m *Materializer) { m.registry = r }
}

// WithLockDir keeps tree locks in dir instead of lock.DefaultDir.
func WithLockDir(dir string) Option {
	return func(m *Materializer) { m.lockDir = dir }
}

// WithLogger replaces the materializer's logger.
func WithLogger(l *slog.Logger) Option {
	return func(m *Materializer) { m.logger = l }
}

// NewMaterializer returns a materializer selecting through dir and fetching
// through t.
func NewMaterializer(dir Directory, t Transport, opts ...Option) *Materializer {
	m := &Materializer{
		dir:       dir,
		transport: t,
		logger:    log.WithComponent("results"),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

func (m *Materializer) lockTree(root, operation string) (*lock.TreeLock, error) {
	return lock.Acquire(root, operation, lock.WithDir(m.lockDir))
}

type target struct {
	id   int
	name string
	err  error
}

// Download fetches the selected artifacts into opts.Root. A file whose local
// size and modification time match the remote entry is left alone; written
// files take the remote modification time. An artifact's failure is recorded
// in the report and never stops the others. The returned error is non-nil
// only when nothing could be attempted.
func (m *Materializer) Download(ctx context.Context, sel Selector, opts Options) (*DownloadReport, error) {
	if opts.Root == "" {
		return nil, errors.New("download root is required")
	}
	if _, err := ParseNormalize(string(opts.Normalize)); err != nil {
		return nil, err
	}

	ctx = cbrain.WithOperation(ctx)
	targets, keepDirs, err := m.resolve(ctx, sel)
	if err != nil {
		return nil, err
	}
	if len(opts.OnlyDirs) == 0 {
		opts.OnlyDirs = keepDirs
	}

	if err := os.MkdirAll(opts.Root, 0o755); err != nil {
		return nil, fmt.Errorf("create download root: %w", err)
	}
	l, err := m.lockTree(opts.Root, "download")
	if err != nil {
		return nil, err
	}
	defer func() { _ = l.Release() }()

	report := &DownloadReport{Root: opts.Root}
	for _, t := range targets {
		if err := ctx.Err(); err != nil {
			report.Artifacts = append(report.Artifacts, ArtifactResult{ID: t.id, Name: t.name, Errors: []error{&DownloadError{ArtifactID: t.id, Err: err}}})
			continue
		}
		res := ArtifactResult{ID: t.id, Name: t.name}
		if t.err != nil {
			res.Errors = append(res.Errors, &DownloadError{ArtifactID: t.id, Err: t.err})
		} else {
			m.downloadArtifact(ctx, t, opts, &res)
		}
		report.Artifacts = append(report.Artifacts, res)
	}

	m.logger.Info("download finished",
		"selector", sel.String(), "root", opts.Root, "artifacts", len(report.Artifacts),
		"written", report.Written(), "ok", report.OK())
	return report, nil
}

func (m *Materializer) downloadArtifact(ctx context.Context, t target, opts Options, res *ArtifactResult) {
	entries, err := m.transport.ListFiles(ctx, t.id)
	if err != nil {
		res.Errors = append(res.Errors, &DownloadError{ArtifactID: t.id, Err: err})
		return
	}
	for _, e := range entries {
		if e.IsDir {
			continue
		}
		local, ok := plan(e.Path, t.name, opts)
		if !ok {
			res.Filtered++
			continue
		}
		dst := filepath.Join(opts.Root, filepath.FromSlash(local))
		if upToDate(dst, e) {
			res.Unchanged = append(res.Unchanged, local)
			continue
		}
		if err := m.fetch(ctx, t.id, e, dst); err != nil {
			res.Errors = append(res.Errors, &DownloadError{ArtifactID: t.id, Path: e.Path, Err: err})
			continue
		}
		res.Written = append(res.Written, local)
	}
}

// plan maps a remote path to its local relative path, or reports that the
// filters drop it.
func plan(remote, container string, opts Options) (string, bool) {
	rel, ok := cleanRel(remote)
	if !ok {
		return "", false
	}
	if !selected(rel, opts.SkipDirs, opts.OnlyDirs) {
		return "", false
	}
	local := rel
	// A single-file artifact lists as its own name and needs no container.
	if !opts.Flatten && container != "" && rel != container {
		local = path.Join(container, rel)
	}
	local = normalizeName(mapPath(local, opts.PathMap), opts.Normalize)
	return cleanRel(local)
}

func upToDate(dst string, e cbrain.FileEntry) bool {
	info, err := os.Stat(dst)
	if err != nil || !info.Mode().IsRegular() {
		return false
	}
	if info.Size() != e.Size {
		return false
	}
	if e.ModTime.IsZero() {
		return true
	}
	return info.ModTime().Truncate(time.Second).Equal(e.ModTime.Truncate(time.Second))
}

// fetch writes one file through a temporary sibling so a failed transfer
// never leaves a truncated file behind.
func (m *Materializer) fetch(ctx context.Context, id int, e cbrain.FileEntry, dst string) error {
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return fmt.Errorf("create directory: %w", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(dst), "."+filepath.Base(dst)+".*.part")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	defer func() { _ = os.Remove(tmp.Name()) }()

	if err := m.transport.FetchFile(ctx, id, e.Path, tmp); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp file: %w", err)
	}
	if err := os.Rename(tmp.Name(), dst); err != nil {
		return fmt.Errorf("rename into place: %w", err)
	}
	if !e.ModTime.IsZero() {
		if err := os.Chtimes(dst, e.ModTime, e.ModTime); err != nil {
			return fmt.Errorf("set modification time: %w", err)
		}
	}
	return nil
}

// resolve turns a selector into artifacts. For a tool selector it also
// returns the tool's keep_dirs.
func (m *Materializer) resolve(ctx context.Context, sel Selector) ([]target, []string, error) {
	if sel.ArtifactID > 0 {
		uf, err := m.dir.GetUserfile(ctx, sel.ArtifactID)
		if err != nil {
			return nil, nil, fmt.Errorf("read artifact %d: %w", sel.ArtifactID, err)
		}
		return []target{{id: uf.ID, name: uf.Name}}, nil, nil
	}

	if sel.Tool == "" || sel.Group == "" {
		return nil, nil, errors.New("selector needs an artifact id or a tool and group")
	}
	if m.registry == nil {
		return nil, nil, errors.New("tool selectors need a tool registry")
	}
	prof, err := m.registry.Profile(sel.Tool)
	if err != nil {
		return nil, nil, err
	}
	groupID, err := m.groupID(ctx, sel.Group)
	if err != nil {
		return nil, nil, err
	}
	tasks, err := m.dir.ListTasks(ctx, groupID)
	if err != nil {
		return nil, nil, fmt.Errorf("list tasks of group %d: %w", groupID, err)
	}

	var ids []int
	for _, t := range tasks {
		if !strings.EqualFold(t.Type, prof.TaskType) || status.Classify(t.Status) != status.TerminalSuccess {
			continue
		}
		for _, id := range outputIDs(t) {
			if !slices.Contains(ids, id) {
				ids = append(ids, id)
			}
		}
	}

	var out []target
	for _, id := range ids {
		uf, err := m.dir.GetUserfile(ctx, id)
		if err != nil {
			out = append(out, target{id: id, err: err})
			continue
		}
		if sel.OutputType != "" && uf.Type != sel.OutputType {
			continue
		}
		out = append(out, target{id: uf.ID, name: uf.Name})
	}
	return out, prof.KeepDirs, nil
}

func (m *Materializer) groupID(ctx context.Context, ref string) (int, error) {
	if id, err := strconv.Atoi(strings.TrimSpace(ref)); err == nil {
		return id, nil
	}
	id, err := m.dir.ResolveGroup(ctx, ref)
	if err != nil {
		return 0, fmt.Errorf("resolve group %q: %w", ref, err)
	}
	return id, nil
}

// outputIDs reads result artifact ids from a task's output parameters, in
// key order.
func outputIDs(t cbrain.Task) []int {
	m := params.FromJSONObject(t.Params)
	var ids []int
	for _, key := range m.Keys() {
		if strings.HasPrefix(key, OutputParamPrefix) {
			ids = append(ids, m.IDs(key)...)
		}
	}
	return ids
}

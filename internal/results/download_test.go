package results_test

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"sort"
	"testing"
	"time"

	"github.com/mattjoyce/cbrainctl/internal/cbrain"
	"github.com/mattjoyce/cbrainctl/internal/lock"
	"github.com/mattjoyce/cbrainctl/internal/log"
	"github.com/mattjoyce/cbrainctl/internal/platformtest"
	"github.com/mattjoyce/cbrainctl/internal/profile"
	"github.com/mattjoyce/cbrainctl/internal/results"
)

func TestMain(m *testing.M) {
	log.Setup("ERROR", "text") // Suppress logs in tests
	os.Exit(m.Run())
}

// localDirectory serves userfile records for artifacts kept on disk.
type localDirectory struct {
	names map[int]string
}

func (d localDirectory) ResolveGroup(context.Context, string) (int, error) {
	return 0, cbrain.ErrNotFound
}

func (d localDirectory) ListTasks(context.Context, int) ([]cbrain.Task, error) {
	return nil, nil
}

func (d localDirectory) GetUserfile(_ context.Context, id int) (*cbrain.Userfile, error) {
	name, ok := d.names[id]
	if !ok {
		return nil, fmt.Errorf("userfile %d: %w", id, cbrain.ErrNotFound)
	}
	return &cbrain.Userfile{ID: id, Name: name}, nil
}

func (d localDirectory) UserfileName(ctx context.Context, id int) (string, error) {
	u, err := d.GetUserfile(ctx, id)
	if err != nil {
		return "", err
	}
	return u.Name, nil
}

func writeTree(t *testing.T, root string, files map[string]string) {
	t.Helper()
	for rel, content := range files {
		p := filepath.Join(root, filepath.FromSlash(rel))
		if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
			t.Fatalf("MkdirAll: %v", err)
		}
		if err := os.WriteFile(p, []byte(content), 0o644); err != nil {
			t.Fatalf("WriteFile: %v", err)
		}
	}
}

func topLevel(t *testing.T, root string) []string {
	t.Helper()
	entries, err := os.ReadDir(root)
	if err != nil {
		t.Fatalf("ReadDir: %v", err)
	}
	var names []string
	for _, e := range entries {
		names = append(names, e.Name())
	}
	sort.Strings(names)
	return names
}

func assertTopLevel(t *testing.T, root string, want ...string) {
	t.Helper()
	if got := topLevel(t, root); !reflect.DeepEqual(got, want) {
		t.Fatalf("top level of %s = %v, want %v", root, got, want)
	}
}

func assertFile(t *testing.T, path, content string) {
	t.Helper()
	got, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile %s: %v", path, err)
	}
	if content != "" && string(got) != content {
		t.Fatalf("%s holds %q, want %q", path, got, content)
	}
}

func assertAbsent(t *testing.T, path string) {
	t.Helper()
	if _, err := os.Lstat(path); !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("expected %s to be absent, got %v", path, err)
	}
}

type fixture struct {
	m        *results.Materializer
	provider string
	lockDir  string
}

func localFixture(t *testing.T) fixture {
	t.Helper()
	provider := t.TempDir()
	writeTree(t, filepath.Join(provider, "hippunfold-sub-001"), map[string]string{
		"config/snakebids.yml":                      "pipeline: hippunfold\n",
		"logs/sub-001.log":                          "ok\n",
		"work/sub-001/tmp.nii":                      "scratch",
		"sub-001/logs/sub-001_run.log":              "nested log",
		"sub-001/anat/sub-001_hemi-L_space-T1w.gii": "surface",
		"sub-001/anat/desc-subfields_dseg.nii.gz":   "labels",
	})
	dir := localDirectory{names: map[int]string{5: "hippunfold-sub-001"}}
	lockDir := t.TempDir()
	m := results.NewMaterializer(dir, results.DirTransport{Root: provider, Names: dir}, results.WithLockDir(lockDir))
	return fixture{m: m, provider: provider, lockDir: lockDir}
}

func TestDownloadSkipDirs(t *testing.T) {
	f := localFixture(t)
	root := t.TempDir()

	report, err := f.m.Download(context.Background(), results.Selector{ArtifactID: 5}, results.Options{
		Root:     root,
		Flatten:  true,
		SkipDirs: []string{"logs", "work"},
	})
	if err != nil {
		t.Fatalf("Download: %v", err)
	}
	if !report.OK() {
		t.Fatalf("expected a clean report, got %v", report.Err())
	}
	if len(report.Artifacts) != 1 {
		t.Fatalf("expected 1 artifact, got %d", len(report.Artifacts))
	}
	if report.Written() != 3 {
		t.Fatalf("expected 3 files written, got %d", report.Written())
	}
	if report.Artifacts[0].Filtered != 3 {
		t.Fatalf("expected 3 files filtered, got %d", report.Artifacts[0].Filtered)
	}

	// Nothing but the kept subtrees appears, lock files included.
	assertTopLevel(t, root, "config", "sub-001")
	assertAbsent(t, filepath.Join(root, "sub-001", "logs"))
	assertFile(t, filepath.Join(root, "sub-001", "anat", "sub-001_hemi-L_space-T1w.gii"), "surface")
}

func TestDownloadKeepsResultContainer(t *testing.T) {
	f := localFixture(t)
	root := t.TempDir()

	_, err := f.m.Download(context.Background(), results.Selector{ArtifactID: 5}, results.Options{
		Root:      root,
		OnlyDirs:  []string{"anat"},
		Normalize: results.NormalizeSubject,
	})
	if err != nil {
		t.Fatalf("Download: %v", err)
	}

	assertTopLevel(t, root, "hippunfold-sub-001")
	assertFile(t, filepath.Join(root, "hippunfold-sub-001", "sub-001", "anat", "sub-001_desc-subfields_dseg.nii.gz"), "labels")
	assertFile(t, filepath.Join(root, "hippunfold-sub-001", "sub-001", "anat", "sub-001_hemi-L_space-T1w.gii"), "surface")
	assertAbsent(t, filepath.Join(root, "hippunfold-sub-001", "config"))
}

func TestDownloadIsIdempotent(t *testing.T) {
	f := localFixture(t)
	root := filepath.Join(t.TempDir(), "derivatives")
	opts := results.Options{Root: root, Flatten: true, PathMap: map[string]string{"config": "cfg"}}

	first, err := f.m.Download(context.Background(), results.Selector{ArtifactID: 5}, opts)
	if err != nil {
		t.Fatalf("first Download: %v", err)
	}
	if first.Written() != 6 {
		t.Fatalf("expected 6 files written, got %d", first.Written())
	}
	assertFile(t, filepath.Join(root, "cfg", "snakebids.yml"), "pipeline: hippunfold\n")

	second, err := f.m.Download(context.Background(), results.Selector{ArtifactID: 5}, opts)
	if err != nil {
		t.Fatalf("second Download: %v", err)
	}
	if second.Written() != 0 || len(second.Artifacts[0].Unchanged) != 6 {
		t.Fatalf("expected nothing rewritten, got written=%d unchanged=%d", second.Written(), len(second.Artifacts[0].Unchanged))
	}

	changed := filepath.Join(f.provider, "hippunfold-sub-001", "logs", "sub-001.log")
	if err := os.WriteFile(changed, []byte("ok, rerun\n"), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	third, err := f.m.Download(context.Background(), results.Selector{ArtifactID: 5}, opts)
	if err != nil {
		t.Fatalf("third Download: %v", err)
	}
	if got := third.Artifacts[0].Written; !reflect.DeepEqual(got, []string{"logs/sub-001.log"}) {
		t.Fatalf("expected only the changed log rewritten, got %v", got)
	}
	assertFile(t, filepath.Join(root, "logs", "sub-001.log"), "ok, rerun\n")
}

func TestDownloadUnknownArtifact(t *testing.T) {
	f := localFixture(t)
	_, err := f.m.Download(context.Background(), results.Selector{ArtifactID: 99}, results.Options{Root: t.TempDir()})
	if !errors.Is(err, cbrain.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestDownloadRefusesLockedRoot(t *testing.T) {
	f := localFixture(t)
	root := t.TempDir()
	held, err := lock.Acquire(root, "alias", lock.WithDir(f.lockDir))
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	t.Cleanup(func() { _ = held.Release() })

	_, err = f.m.Download(context.Background(), results.Selector{ArtifactID: 5}, results.Options{Root: root})
	if !errors.Is(err, lock.ErrLocked) {
		t.Fatalf("expected ErrLocked, got %v", err)
	}
	assertTopLevel(t, root)
}

func TestDownloadValidatesOptions(t *testing.T) {
	f := localFixture(t)
	cases := []struct {
		name string
		sel  results.Selector
		opts results.Options
	}{
		{"no root", results.Selector{ArtifactID: 5}, results.Options{}},
		{"bad normalize", results.Selector{ArtifactID: 5}, results.Options{Root: t.TempDir(), Normalize: "run"}},
		{"tool without registry", results.Selector{Tool: "hippunfold"}, results.Options{Root: t.TempDir()}},
	}
	for _, tc := range cases {
		if _, err := f.m.Download(context.Background(), tc.sel, tc.opts); err == nil {
			t.Fatalf("%s: expected error", tc.name)
		}
	}
}

func TestDownloadToolOutputsFromPlatform(t *testing.T) {
	p := platformtest.New(t)
	g := p.AddGroup("hcp-pilot")
	out1 := p.AddUserfile(g.ID, "hippunfold-sub-001", "HippunfoldOutput")
	out2 := p.AddUserfile(g.ID, "hippunfold-sub-002", "HippunfoldOutput")
	qc := p.AddUserfile(g.ID, "qc-sub-001", "QCReport")
	failedOut := p.AddUserfile(g.ID, "hippunfold-sub-003", "HippunfoldOutput")

	mtime := time.Date(2025, 3, 14, 9, 26, 53, 0, time.UTC)
	p.AddFile(out1.ID, "sub-001/anat/sub-001_dseg.nii.gz", "one", mtime)
	p.AddFile(out1.ID, "logs/run.log", "log", mtime)
	p.AddFile(out2.ID, "sub-002/anat/sub-002_dseg.nii.gz", "two", mtime)
	p.AddFile(qc.ID, "qc.html", "<html/>", mtime)
	p.AddFile(failedOut.ID, "sub-003/anat/partial.nii.gz", "partial", mtime)

	base := cbrain.Task{Type: "BoutiquesTask::Hippunfold", GroupID: g.ID, BourreauID: 56, ToolConfigID: 5035}
	t1 := base
	t1.Status = "Completed"
	t1.Params = map[string]any{"_cbrain_output_hippunfold": []int{out1.ID}, "_cbrain_output_qc": qc.ID}
	p.AddTask(t1)
	t2 := base
	t2.Status = "Completed"
	t2.Params = map[string]any{"_cbrain_output_hippunfold": []int{out2.ID, 424242}}
	p.AddTask(t2)
	t3 := base
	t3.Status = "Failed"
	t3.Params = map[string]any{"_cbrain_output_hippunfold": []int{failedOut.ID}}
	p.AddTask(t3)

	reg, err := profile.NewRegistry(profile.ToolProfile{
		Name:           "hippunfold",
		TaskType:       "BoutiquesTask::Hippunfold",
		Clusters:       []profile.Cluster{{Name: "beluga", ToolConfigID: 5035, BourreauID: 56}},
		DefaultCluster: "beluga",
		KeepDirs:       []string{"sub-*"},
	})
	if err != nil {
		t.Fatalf("NewRegistry: %v", err)
	}

	client := p.Client(t)
	m := results.NewMaterializer(client, client, results.WithRegistry(reg), results.WithLockDir(t.TempDir()))
	root := t.TempDir()

	report, err := m.Download(context.Background(), results.Selector{
		Tool: "hippunfold", OutputType: "HippunfoldOutput", Group: "hcp-pilot",
	}, results.Options{Root: root, Flatten: true})
	if err != nil {
		t.Fatalf("Download: %v", err)
	}

	if len(report.Artifacts) != 3 {
		t.Fatalf("expected 3 artifacts, got %d", len(report.Artifacts))
	}
	if report.Artifacts[0].ID != out1.ID || report.Artifacts[1].ID != out2.ID {
		t.Fatalf("unexpected artifact order: %d, %d", report.Artifacts[0].ID, report.Artifacts[1].ID)
	}

	// The unknown output id fails on its own.
	missing := report.Artifacts[2]
	if missing.ID != 424242 || len(missing.Errors) != 1 {
		t.Fatalf("unexpected missing artifact result: %+v", missing)
	}
	var de *results.DownloadError
	if !errors.As(missing.Errors[0], &de) || de.ArtifactID != 424242 {
		t.Fatalf("expected DownloadError for 424242, got %v", missing.Errors[0])
	}
	if !errors.Is(report.Err(), results.ErrDownload) {
		t.Fatalf("expected ErrDownload, got %v", report.Err())
	}

	// keep_dirs narrowed the tree to subject folders.
	assertTopLevel(t, root, "sub-001", "sub-002")
	info, err := os.Stat(filepath.Join(root, "sub-001", "anat", "sub-001_dseg.nii.gz"))
	if err != nil {
		t.Fatalf("Stat: %v", err)
	}
	if !info.ModTime().Equal(mtime) || info.Size() != 3 {
		t.Fatalf("expected remote mtime and size, got %s %d", info.ModTime(), info.Size())
	}
}

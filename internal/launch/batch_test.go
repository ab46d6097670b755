package launch_test

import (
	"context"
	"errors"
	"testing"

	"github.com/mattjoyce/cbrainctl/internal/cbrain"
	"github.com/mattjoyce/cbrainctl/internal/launch"
	"github.com/mattjoyce/cbrainctl/internal/params"
)

func mustBuildBatch(t *testing.T, b *launch.Builder, in launch.Input, fileType string) *launch.BatchSpec {
	t.Helper()
	spec, err := b.BuildBatch(context.Background(), in, fileType)
	if err != nil {
		t.Fatalf("BuildBatch: %v", err)
	}
	return spec
}

func TestExpandSubstitutesAnchor(t *testing.T) {
	b := launch.NewBuilder(testRegistry(t), newFakeDirectory(), 0)
	spec := mustBuildBatch(t, b, launch.Input{
		Tool:     "hippunfold",
		Group:    "hcp-pilot",
		Params:   []string{"subject_dir=sub-001", "modality=T1w", "atlas_ref=55"},
		Template: "{subject_dir}_hippunfold",
	}, "BidsSubject")
	if spec.AnchorID != 55 || spec.AnchorKey != "subject_dir" || spec.GroupID != 7 {
		t.Fatalf("anchor %s=%d in group %d", spec.AnchorKey, spec.AnchorID, spec.GroupID)
	}
	if spec.Template.Frozen() {
		t.Fatal("expected the batch template to stay mutable")
	}

	reqs, err := spec.Expand([]cbrain.Userfile{
		{ID: 101, Name: "sub-101", Type: "BidsSubject"},
		{ID: 102, Name: "sub-102", Type: "BidsSubject"},
		{ID: 103, Name: "notes.txt", Type: "TextFile"},
	})
	if err != nil {
		t.Fatalf("Expand: %v", err)
	}
	if len(reqs) != 2 {
		t.Fatalf("expected 2 requests, got %d", len(reqs))
	}

	for i, want := range []struct {
		id   int
		name string
	}{{101, "sub-101"}, {102, "sub-102"}} {
		req := reqs[i]
		if !req.Frozen() {
			t.Fatalf("request %d is not frozen", i)
		}
		assertParam(t, req, "subject_dir", params.Int(int64(want.id)))
		// Any parameter holding the anchor id follows the instance.
		assertParam(t, req, "atlas_ref", params.Int(int64(want.id)))
		assertIDs(t, req, params.UserfileIDsKey, want.id)
		assertParam(t, req, "output_dir_name", params.String(want.name+"_hippunfold"))
	}

	// The template itself is not changed by expansion.
	assertParam(t, spec.Template, "subject_dir", params.Int(55))
}

func TestExpandWithoutAnchorValue(t *testing.T) {
	b := launch.NewBuilder(testRegistry(t), newFakeDirectory(), 0)
	spec := mustBuildBatch(t, b, launch.Input{
		Tool:   "hippunfold",
		Group:  "7",
		Params: []string{"modality=T1w"},
	}, "")
	if spec.AnchorID != 0 {
		t.Fatalf("anchor id = %d, want 0", spec.AnchorID)
	}

	reqs, err := spec.Expand([]cbrain.Userfile{
		{ID: 201, Name: "sub-201", Type: "BidsSubject"},
		{ID: 202, Name: "sub-202", Type: "FileCollection"},
	})
	if err != nil {
		t.Fatalf("Expand: %v", err)
	}
	if len(reqs) != 2 {
		t.Fatalf("expected 2 requests, got %d", len(reqs))
	}
	assertParam(t, reqs[1], "subject_dir", params.Int(202))
	assertIDs(t, reqs[1], params.UserfileIDsKey, 202)
}

func TestExpandEmptyGroup(t *testing.T) {
	b := launch.NewBuilder(testRegistry(t), newFakeDirectory(), 0)
	spec := mustBuildBatch(t, b, launch.Input{
		Tool: "hippunfold", Group: "7", Params: []string{"modality=T1w"},
	}, "BidsSubject")

	reqs, err := spec.Expand(nil)
	if err != nil {
		t.Fatalf("Expand: %v", err)
	}
	if len(reqs) != 0 {
		t.Fatalf("expected no requests, got %d", len(reqs))
	}
}

func TestBuildBatchSeparateSourceGroup(t *testing.T) {
	dir := newFakeDirectory()
	dir.groups["raw-data"] = 9
	b := launch.NewBuilder(testRegistry(t), dir, 0)

	spec := mustBuildBatch(t, b, launch.Input{
		Tool: "hippunfold", Group: "7", BatchGroup: "raw-data", Params: []string{"modality=T1w"},
	}, "BidsSubject")
	if spec.GroupID != 9 || spec.Template.GroupID != 7 {
		t.Fatalf("artifacts from group %d launched into group %d, want 9 and 7", spec.GroupID, spec.Template.GroupID)
	}
}

func TestBuildBatchRejectsMultipleAnchors(t *testing.T) {
	b := launch.NewBuilder(testRegistry(t), newFakeDirectory(), 0)
	_, err := b.BuildBatch(context.Background(), launch.Input{
		Tool: "hippunfold", Group: "7", Params: []string{"subject_dir=[55,56]", "modality=T1w"},
	}, "BidsSubject")
	if !errors.Is(err, launch.ErrMalformedParameter) {
		t.Fatalf("BuildBatch = %v, want ErrMalformedParameter", err)
	}
}

func TestBuildBatchNeedsAnchorKey(t *testing.T) {
	b := launch.NewBuilder(testRegistry(t), newFakeDirectory(), 0)
	_, err := b.BuildBatch(context.Background(), launch.Input{Tool: "fmriprep", Group: "7"}, "BidsSubject")
	if !errors.Is(err, launch.ErrRequestBuild) {
		t.Fatalf("BuildBatch = %v, want ErrRequestBuild", err)
	}
}

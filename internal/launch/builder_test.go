package launch_test

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"testing"

	"github.com/mattjoyce/cbrainctl/internal/cbrain"
	"github.com/mattjoyce/cbrainctl/internal/launch"
	"github.com/mattjoyce/cbrainctl/internal/params"
	"github.com/mattjoyce/cbrainctl/internal/profile"
)

type fakeDirectory struct {
	groups    map[string]int
	userfiles map[int]map[string]int
	names     map[int]string
	calls     []string
}

func newFakeDirectory() *fakeDirectory {
	return &fakeDirectory{
		groups:    map[string]int{"hcp-pilot": 7},
		userfiles: map[int]map[string]int{7: {"sub-001": 55, "sub-002": 56}},
		names:     map[int]string{55: "sub-001", 56: "sub-002", 90: "sub-090"},
	}
}

func (d *fakeDirectory) ResolveGroup(_ context.Context, name string) (int, error) {
	d.calls = append(d.calls, "group:"+name)
	if id, ok := d.groups[name]; ok {
		return id, nil
	}
	return 0, fmt.Errorf("group %q: %w", name, cbrain.ErrNotFound)
}

func (d *fakeDirectory) ResolveUserfile(_ context.Context, groupID int, name string) (int, error) {
	d.calls = append(d.calls, "userfile:"+name)
	if id, ok := d.userfiles[groupID][name]; ok {
		return id, nil
	}
	return 0, fmt.Errorf("userfile %q: %w", name, cbrain.ErrNotFound)
}

func (d *fakeDirectory) UserfileName(_ context.Context, id int) (string, error) {
	d.calls = append(d.calls, fmt.Sprintf("name:%d", id))
	if n, ok := d.names[id]; ok {
		return n, nil
	}
	return "", cbrain.ErrNotFound
}

func testRegistry(t *testing.T) *profile.Registry {
	t.Helper()
	reg, err := profile.NewRegistry(
		profile.ToolProfile{
			Name:     "hippunfold",
			TaskType: "BoutiquesTask::Hippunfold",
			Clusters: []profile.Cluster{
				{Name: "beluga", ToolConfigID: 5035, BourreauID: 56},
				{Name: "cedar", ToolConfigID: 5040, BourreauID: 23},
			},
			DefaultCluster: "beluga",
			RequiredParams: []string{"subject_dir", "modality"},
			FileParams:     []string{"subject_dir"},
			BatchParam:     "subject_dir",
			OutputParam:    "output_dir_name",
		},
		profile.ToolProfile{
			Name:           "fmriprep",
			TaskType:       "BoutiquesTask::FMRIprep",
			Clusters:       []profile.Cluster{{Name: "beluga", ToolConfigID: 4010, BourreauID: 56}},
			DefaultCluster: "beluga",
		},
	)
	if err != nil {
		t.Fatalf("NewRegistry: %v", err)
	}
	return reg
}

func mustBuild(t *testing.T, b *launch.Builder, in launch.Input) *launch.Request {
	t.Helper()
	req, err := b.Build(context.Background(), in)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	return req
}

func assertIDs(t *testing.T, req *launch.Request, key string, want ...int) {
	t.Helper()
	if got := req.Params.IDs(key); !reflect.DeepEqual(got, want) {
		t.Fatalf("%s ids = %v, want %v", key, got, want)
	}
}

func assertParam(t *testing.T, req *launch.Request, key string, want params.Value) {
	t.Helper()
	got, ok := req.Params.Get(key)
	if !ok {
		t.Fatalf("param %s missing", key)
	}
	if !got.Equal(want) {
		t.Fatalf("param %s = %v, want %v", key, got, want)
	}
}

func TestBuildResolvesNamesAndRendersTemplate(t *testing.T) {
	dir := newFakeDirectory()
	b := launch.NewBuilder(testRegistry(t), dir, 31)

	req := mustBuild(t, b, launch.Input{
		Tool:     "hippunfold",
		Group:    "hcp-pilot",
		Params:   []string{"subject_dir=sub-001", "modality=T1w", "anat_only=true"},
		Template: "{subject_dir}_{modality}_{task_id}",
	})

	if req.TaskType != "BoutiquesTask::Hippunfold" || req.Cluster != "beluga" {
		t.Fatalf("task type %q on cluster %q", req.TaskType, req.Cluster)
	}
	if req.ToolConfigID != 5035 || req.BourreauID != 56 {
		t.Fatalf("tool_config_id=%d bourreau_id=%d", req.ToolConfigID, req.BourreauID)
	}
	if req.GroupID != 7 || req.ResultsDataProviderID != 31 {
		t.Fatalf("group_id=%d results_data_provider_id=%d", req.GroupID, req.ResultsDataProviderID)
	}
	if !req.Frozen() {
		t.Fatal("expected a frozen request")
	}

	assertParam(t, req, "subject_dir", params.Int(55))
	assertIDs(t, req, params.UserfileIDsKey, 55)
	assertParam(t, req, "output_dir_name", params.String("sub-001_T1w_{task_id}"))
	assertParam(t, req, "anat_only", params.Bool(true))

	// The name was learned while resolving, so no reverse lookup happens.
	if want := []string{"group:hcp-pilot", "userfile:sub-001"}; !reflect.DeepEqual(dir.calls, want) {
		t.Fatalf("directory calls = %v, want %v", dir.calls, want)
	}
}

func TestBuildNumericReferences(t *testing.T) {
	dir := newFakeDirectory()
	b := launch.NewBuilder(testRegistry(t), dir, 0)

	req := mustBuild(t, b, launch.Input{
		Tool:                  "hippunfold",
		Cluster:               "cedar",
		Group:                 "7",
		Params:                []string{"subject_dir=90", "modality=T2w"},
		Template:              "{subject_dir}-out",
		ResultsDataProviderID: 12,
	})

	if req.ToolConfigID != 5040 || req.BourreauID != 23 || req.ResultsDataProviderID != 12 {
		t.Fatalf("tool_config_id=%d bourreau_id=%d results_data_provider_id=%d",
			req.ToolConfigID, req.BourreauID, req.ResultsDataProviderID)
	}
	assertParam(t, req, "output_dir_name", params.String("sub-090-out"))
	if want := []string{"name:90"}; !reflect.DeepEqual(dir.calls, want) {
		t.Fatalf("directory calls = %v, want %v", dir.calls, want)
	}
}

func TestBuildKeepsExistingUserfileIDs(t *testing.T) {
	b := launch.NewBuilder(testRegistry(t), newFakeDirectory(), 0)

	req := mustBuild(t, b, launch.Input{
		Tool:   "hippunfold",
		Group:  "7",
		Params: []string{"interface_userfile_ids=[12,55]", "subject_dir=55", "modality=T1w"},
	})
	assertIDs(t, req, params.UserfileIDsKey, 12, 55)
	if want := []string{params.UserfileIDsKey, "subject_dir", "modality"}; !reflect.DeepEqual(req.Params.Keys(), want) {
		t.Fatalf("keys = %v, want %v", req.Params.Keys(), want)
	}
}

func TestBuildToolConfigEscapeHatch(t *testing.T) {
	b := launch.NewBuilder(testRegistry(t), newFakeDirectory(), 0)

	req := mustBuild(t, b, launch.Input{
		Tool:         "fmriprep",
		ToolConfigID: 9999,
		BourreauID:   3,
		Group:        "7",
	})
	if req.ToolConfigID != 9999 || req.BourreauID != 3 || req.Cluster != "" {
		t.Fatalf("tool_config_id=%d bourreau_id=%d cluster=%q", req.ToolConfigID, req.BourreauID, req.Cluster)
	}
}

func TestBuildErrors(t *testing.T) {
	tests := []struct {
		name    string
		in      launch.Input
		wantErr error
	}{
		{
			name:    "unknown group name",
			in:      launch.Input{Tool: "hippunfold", Group: "nope", Params: []string{"subject_dir=1", "modality=x"}},
			wantErr: launch.ErrGroupNotFound,
		},
		{
			name:    "missing required parameter",
			in:      launch.Input{Tool: "hippunfold", Group: "7", Params: []string{"subject_dir=55"}},
			wantErr: launch.ErrMissingRequiredParameter,
		},
		{
			name:    "malformed assignment",
			in:      launch.Input{Tool: "hippunfold", Group: "7", Params: []string{"modality"}},
			wantErr: launch.ErrMalformedParameter,
		},
		{
			name:    "unknown artifact name",
			in:      launch.Input{Tool: "hippunfold", Group: "7", Params: []string{"subject_dir=sub-404", "modality=x"}},
			wantErr: launch.ErrArtifactNotFound,
		},
		{
			name:    "boolean file parameter",
			in:      launch.Input{Tool: "hippunfold", Group: "7", Params: []string{"subject_dir=true", "modality=x"}},
			wantErr: launch.ErrMalformedParameter,
		},
		{
			name:    "empty group",
			in:      launch.Input{Tool: "hippunfold", Params: []string{"subject_dir=55", "modality=x"}},
			wantErr: launch.ErrRequestBuild,
		},
		{
			name:    "unknown tool",
			in:      launch.Input{Tool: "freesurfer", Group: "7"},
			wantErr: profile.ErrUnknownTool,
		},
		{
			name:    "unknown cluster",
			in:      launch.Input{Tool: "hippunfold", Cluster: "graham", Group: "7"},
			wantErr: profile.ErrUnknownCluster,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := launch.NewBuilder(testRegistry(t), newFakeDirectory(), 0)
			_, err := b.Build(context.Background(), tt.in)
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("Build error = %v, want %v", err, tt.wantErr)
			}
		})
	}
}

func TestBuildErrorCarriesReference(t *testing.T) {
	b := launch.NewBuilder(testRegistry(t), newFakeDirectory(), 0)
	_, err := b.Build(context.Background(), launch.Input{Tool: "hippunfold", Group: "7", Params: []string{"subject_dir=55"}})

	var be *launch.RequestBuildError
	if !errors.As(err, &be) {
		t.Fatalf("expected a RequestBuildError, got %v", err)
	}
	if be.Tool != "hippunfold" || be.Ref != "modality" {
		t.Fatalf("error names tool %q ref %q", be.Tool, be.Ref)
	}
	if !errors.Is(err, launch.ErrRequestBuild) {
		t.Fatalf("expected ErrRequestBuild, got %v", err)
	}
}

func TestFrozenRequestRejectsMutation(t *testing.T) {
	b := launch.NewBuilder(testRegistry(t), newFakeDirectory(), 0)
	req := mustBuild(t, b, launch.Input{Tool: "hippunfold", Group: "7", Params: []string{"subject_dir=55", "modality=T1w"}})

	if err := req.Set("modality", params.String("T2w")); !errors.Is(err, launch.ErrFrozen) {
		t.Fatalf("Set on a frozen request = %v, want ErrFrozen", err)
	}

	cp := req.Clone()
	if cp.Frozen() {
		t.Fatal("expected the clone to be mutable")
	}
	if err := cp.Set("subject_dir", params.Int(56)); err != nil {
		t.Fatalf("Set on clone: %v", err)
	}
	if err := cp.Finalize(); err != nil {
		t.Fatalf("Finalize clone: %v", err)
	}
	assertIDs(t, cp, params.UserfileIDsKey, 55, 56)

	// The original is untouched.
	assertIDs(t, req, params.UserfileIDsKey, 55)
}

func TestValidateDetectsUnlistedArtifact(t *testing.T) {
	b := launch.NewBuilder(testRegistry(t), newFakeDirectory(), 0)
	req := mustBuild(t, b, launch.Input{Tool: "hippunfold", Group: "7", Params: []string{"subject_dir=55", "modality=T1w"}})

	req.Params.Set(params.UserfileIDsKey, params.Seq(params.Int(1)))
	if err := req.Validate(); !errors.Is(err, launch.ErrRequestBuild) {
		t.Fatalf("Validate = %v, want ErrRequestBuild", err)
	}
}

func TestNewTaskPayload(t *testing.T) {
	b := launch.NewBuilder(testRegistry(t), newFakeDirectory(), 31)
	req := mustBuild(t, b, launch.Input{
		Tool: "hippunfold", Group: "7", Description: "pilot",
		Params: []string{"subject_dir=55", "modality=T1w"},
	})

	nt := req.NewTask()
	if nt.Type != "BoutiquesTask::Hippunfold" || nt.ToolConfigID != 5035 || nt.BourreauID != 56 {
		t.Fatalf("unexpected payload identity: %+v", nt)
	}
	if nt.GroupID != 7 || nt.ResultsDataProviderID != 31 || nt.Description != "pilot" {
		t.Fatalf("unexpected payload placement: %+v", nt)
	}
	if !nt.Params.Equal(req.Params) {
		t.Fatalf("payload params %v, want %v", nt.Params, req.Params)
	}
	if nt.Params == req.Params {
		t.Fatal("expected the payload to carry a copy of the params")
	}
}

func TestPlanSelectsMode(t *testing.T) {
	b := launch.NewBuilder(testRegistry(t), newFakeDirectory(), 0)
	in := launch.Input{Tool: "hippunfold", Group: "7", Params: []string{"subject_dir=55", "modality=T1w"}}

	plan, err := b.Plan(context.Background(), in)
	if err != nil {
		t.Fatalf("Plan: %v", err)
	}
	if plan.Single == nil || plan.Batch != nil {
		t.Fatalf("expected a single plan, got %+v", plan)
	}

	in.Mode = launch.ModeBatch
	in.FileType = "BidsSubject"
	plan, err = b.Plan(context.Background(), in)
	if err != nil {
		t.Fatalf("Plan batch: %v", err)
	}
	if plan.Single != nil || plan.Batch == nil {
		t.Fatalf("expected a batch plan, got %+v", plan)
	}
	if plan.Batch.FileType != "BidsSubject" {
		t.Fatalf("file type = %q", plan.Batch.FileType)
	}
}

func TestFromTaskRebuildsLaunch(t *testing.T) {
	task := cbrain.Task{
		ID:                    4412,
		Type:                  "BoutiquesTask::Hippunfold",
		Status:                "Failed On Cluster",
		GroupID:               7,
		BourreauID:            56,
		ToolConfigID:          5035,
		BatchID:               4400,
		ResultsDataProviderID: 31,
		Params: map[string]any{
			"subject_dir":                 float64(55),
			"modality":                    "T1w",
			"interface_userfile_ids":      []any{"55"},
			"_cbrain_output_hippunfold":   []any{float64(900)},
			"_cbrain_preset_do_not_save":  true,
			"cbrain_enable_output_cache_": map[string]any{"x": 1},
		},
	}

	req, err := launch.FromTask(task, "hippunfold", []string{"subject_dir"})
	if err != nil {
		t.Fatalf("FromTask: %v", err)
	}
	if !req.Frozen() || req.Tool != "hippunfold" {
		t.Fatalf("expected a frozen hippunfold request, got tool %q frozen=%v", req.Tool, req.Frozen())
	}
	if req.ToolConfigID != 5035 || req.BourreauID != 56 || req.GroupID != 7 || req.ResultsDataProviderID != 31 {
		t.Fatalf("unexpected placement: %+v", req)
	}
	if req.BatchID != 0 {
		t.Fatalf("batch id = %d, want 0", req.BatchID)
	}
	if want := []string{"interface_userfile_ids", "modality", "subject_dir"}; !reflect.DeepEqual(req.Params.Keys(), want) {
		t.Fatalf("keys = %v, want %v", req.Params.Keys(), want)
	}
	assertIDs(t, req, params.UserfileIDsKey, 55)

	nt := req.NewTask()
	if nt.Type != "BoutiquesTask::Hippunfold" || nt.BatchID != 0 {
		t.Fatalf("unexpected payload: type %q batch %d", nt.Type, nt.BatchID)
	}
}

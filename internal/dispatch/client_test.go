package dispatch_test

import (
	"context"
	"errors"
	"net/http"
	"os"
	"reflect"
	"sync"
	"testing"
	"time"

	"github.com/mattjoyce/cbrainctl/internal/cbrain"
	"github.com/mattjoyce/cbrainctl/internal/dispatch"
	"github.com/mattjoyce/cbrainctl/internal/launch"
	"github.com/mattjoyce/cbrainctl/internal/log"
	"github.com/mattjoyce/cbrainctl/internal/platformtest"
	"github.com/mattjoyce/cbrainctl/internal/profile"
)

func TestMain(m *testing.M) {
	log.Setup("ERROR", "text") // Suppress logs in tests
	os.Exit(m.Run())
}

type fixture struct {
	platform *platformtest.Platform
	client   *cbrain.Client
	builder  *launch.Builder
	group    cbrain.Group
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	reg, err := profile.NewRegistry(profile.ToolProfile{
		Name:           "hippunfold",
		TaskType:       "BoutiquesTask::Hippunfold",
		Clusters:       []profile.Cluster{{Name: "beluga", ToolConfigID: 5035, BourreauID: 56}},
		DefaultCluster: "beluga",
		FileParams:     []string{"subject_dir"},
		BatchParam:     "subject_dir",
	})
	if err != nil {
		t.Fatalf("NewRegistry: %v", err)
	}

	p := platformtest.New(t)
	c := p.Client(t)
	return &fixture{
		platform: p,
		client:   c,
		builder:  launch.NewBuilder(reg, c, 0),
		group:    p.AddGroup("hcp-pilot"),
	}
}

func (f *fixture) build(t *testing.T, params ...string) *launch.Request {
	t.Helper()
	req, err := f.builder.Build(context.Background(), launch.Input{
		Tool: "hippunfold", Group: "hcp-pilot", Params: params,
	})
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	return req
}

func (f *fixture) buildBatch(t *testing.T, params ...string) *launch.BatchSpec {
	t.Helper()
	spec, err := f.builder.BuildBatch(context.Background(), launch.Input{
		Tool: "hippunfold", Group: "hcp-pilot", Params: params,
	}, "BidsSubject")
	if err != nil {
		t.Fatalf("BuildBatch: %v", err)
	}
	return spec
}

func countCalls(calls []string, want string) int {
	n := 0
	for _, c := range calls {
		if c == want {
			n++
		}
	}
	return n
}

// paramID reads an integer task parameter as decoded from JSON.
func paramID(t *testing.T, params map[string]any, key string) int {
	t.Helper()
	v, ok := params[key].(float64)
	if !ok {
		t.Fatalf("param %s = %#v, want a number", key, params[key])
	}
	return int(v)
}

func TestSubmitCreatesOneTask(t *testing.T) {
	f := newFixture(t)
	sub := f.platform.AddUserfile(f.group.ID, "sub-001", "BidsSubject")
	req := f.build(t, "subject_dir=sub-001", "modality=T1w")

	task, err := dispatch.New(f.client).Submit(context.Background(), req)
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if task.Status != "New" {
		t.Fatalf("status = %q, want New", task.Status)
	}

	stored, ok := f.platform.Task(task.ID)
	if !ok {
		t.Fatalf("task %d not stored", task.ID)
	}
	if stored.Type != "BoutiquesTask::Hippunfold" {
		t.Fatalf("type = %q", stored.Type)
	}
	if stored.ToolConfigID != 5035 || stored.BourreauID != 56 {
		t.Fatalf("tool_config_id=%d bourreau_id=%d, want 5035 and 56", stored.ToolConfigID, stored.BourreauID)
	}
	if stored.GroupID != f.group.ID {
		t.Fatalf("group_id = %d, want %d", stored.GroupID, f.group.ID)
	}
	if got := paramID(t, stored.Params, "subject_dir"); got != sub.ID {
		t.Fatalf("subject_dir = %d, want %d", got, sub.ID)
	}
	if got, want := stored.Params["interface_userfile_ids"], []any{float64(sub.ID)}; !reflect.DeepEqual(got, want) {
		t.Fatalf("interface_userfile_ids = %#v, want %#v", got, want)
	}
	if !req.Frozen() {
		t.Fatal("expected the submitted request to be frozen")
	}
}

func TestSubmitFailureIsNotRetried(t *testing.T) {
	f := newFixture(t)
	f.platform.CreateHook = func(map[string]any) int { return http.StatusInternalServerError }
	req := f.build(t, "subject_dir=77")

	task, err := dispatch.New(f.client).Submit(context.Background(), req)
	if task != nil {
		t.Fatalf("expected no task, got %+v", task)
	}
	if !errors.Is(err, dispatch.ErrSubmission) {
		t.Fatalf("expected ErrSubmission, got %v", err)
	}

	var se *dispatch.SubmissionError
	if !errors.As(err, &se) || se.Request != req {
		t.Fatalf("expected a SubmissionError carrying the request, got %v", err)
	}
	var apiErr *cbrain.APIError
	if !errors.As(err, &apiErr) || apiErr.StatusCode != http.StatusInternalServerError {
		t.Fatalf("expected an APIError with status 500, got %v", err)
	}

	if n := countCalls(f.platform.Calls(), "POST /tasks"); n != 1 {
		t.Fatalf("POST /tasks called %d times, want 1", n)
	}
	if n := len(f.platform.Tasks()); n != 0 {
		t.Fatalf("expected no stored tasks, got %d", n)
	}
}

func TestSubmitBatchLinksTasks(t *testing.T) {
	f := newFixture(t)
	var subs []cbrain.Userfile
	for _, name := range []string{"sub-001", "sub-002", "sub-003"} {
		subs = append(subs, f.platform.AddUserfile(f.group.ID, name, "BidsSubject"))
	}
	f.platform.AddUserfile(f.group.ID, "participants.tsv", "TextFile")
	spec := f.buildBatch(t, "modality=T1w")

	report, err := dispatch.New(f.client, dispatch.WithWorkers(2)).SubmitBatch(context.Background(), spec)
	if err != nil {
		t.Fatalf("SubmitBatch: %v", err)
	}
	if !report.OK() {
		t.Fatalf("expected every submission to succeed, failed: %v", report.Failed())
	}
	if len(report.Outcomes) != 3 {
		t.Fatalf("expected 3 outcomes, got %d", len(report.Outcomes))
	}

	tasks := report.Tasks()
	if len(tasks) != 3 {
		t.Fatalf("expected 3 tasks, got %d", len(tasks))
	}
	if report.BatchID != tasks[0].ID {
		t.Fatalf("batch id = %d, want the first task %d", report.BatchID, tasks[0].ID)
	}
	for i, o := range report.Outcomes {
		stored, ok := f.platform.Task(o.Task.ID)
		if !ok {
			t.Fatalf("task %d not stored", o.Task.ID)
		}
		if stored.BatchID != report.BatchID {
			t.Fatalf("task %d batch id = %d, want %d", stored.ID, stored.BatchID, report.BatchID)
		}
		if got := paramID(t, stored.Params, "subject_dir"); got != subs[i].ID {
			t.Fatalf("outcome %d subject_dir = %d, want %d", i, got, subs[i].ID)
		}
	}
}

func TestSubmitBatchIsolatesFailures(t *testing.T) {
	f := newFixture(t)
	first := f.platform.AddUserfile(f.group.ID, "sub-001", "BidsSubject")
	bad := f.platform.AddUserfile(f.group.ID, "sub-002", "BidsSubject")
	f.platform.AddUserfile(f.group.ID, "sub-003", "BidsSubject")

	var mu sync.Mutex
	attempts := map[int]int{}
	f.platform.CreateHook = func(body map[string]any) int {
		params, _ := body["params"].(map[string]any)
		id := int(params["subject_dir"].(float64))
		mu.Lock()
		attempts[id]++
		mu.Unlock()
		if id == bad.ID {
			return http.StatusUnprocessableEntity
		}
		return 0
	}
	spec := f.buildBatch(t)

	report, err := dispatch.New(f.client, dispatch.WithWorkers(4)).SubmitBatch(context.Background(), spec)
	if err != nil {
		t.Fatalf("SubmitBatch: %v", err)
	}
	if report.OK() {
		t.Fatal("expected a partial failure")
	}
	if n := len(report.Tasks()); n != 2 {
		t.Fatalf("expected 2 tasks, got %d", n)
	}

	failed := report.Failed()
	if len(failed) != 1 {
		t.Fatalf("expected 1 failure, got %d", len(failed))
	}
	var se *dispatch.SubmissionError
	if !errors.As(failed[0].Err, &se) {
		t.Fatalf("expected a SubmissionError, got %v", failed[0].Err)
	}
	if got := se.Request.Params.IDs("subject_dir"); !reflect.DeepEqual(got, []int{bad.ID}) {
		t.Fatalf("failed request subject_dir = %v, want [%d]", got, bad.ID)
	}
	if attempts[bad.ID] != 1 {
		t.Fatalf("rejected request attempted %d times, want 1", attempts[bad.ID])
	}

	stored, _ := f.platform.Task(report.Outcomes[0].Task.ID)
	if got := paramID(t, stored.Params, "subject_dir"); got != first.ID {
		t.Fatalf("first subject_dir = %d, want %d", got, first.ID)
	}
}

func TestSubmitBatchLeaderFallsThrough(t *testing.T) {
	f := newFixture(t)
	rejected := f.platform.AddUserfile(f.group.ID, "sub-001", "BidsSubject")
	f.platform.AddUserfile(f.group.ID, "sub-002", "BidsSubject")
	f.platform.AddUserfile(f.group.ID, "sub-003", "BidsSubject")
	f.platform.CreateHook = func(body map[string]any) int {
		params, _ := body["params"].(map[string]any)
		if int(params["subject_dir"].(float64)) == rejected.ID {
			return http.StatusServiceUnavailable
		}
		return 0
	}
	spec := f.buildBatch(t)

	report, err := dispatch.New(f.client).SubmitBatch(context.Background(), spec)
	if err != nil {
		t.Fatalf("SubmitBatch: %v", err)
	}
	if n := len(report.Failed()); n != 1 {
		t.Fatalf("expected 1 failure, got %d", n)
	}
	leader := report.Outcomes[1].Task
	if leader == nil {
		t.Fatal("expected the second submission to lead the batch")
	}
	if report.BatchID != leader.ID {
		t.Fatalf("batch id = %d, want %d", report.BatchID, leader.ID)
	}

	stored, _ := f.platform.Task(report.Outcomes[2].Task.ID)
	if stored.BatchID != report.BatchID {
		t.Fatalf("third task batch id = %d, want %d", stored.BatchID, report.BatchID)
	}
}

func TestSubmitBatchEmptyGroup(t *testing.T) {
	f := newFixture(t)
	spec := f.buildBatch(t)

	report, err := dispatch.New(f.client).SubmitBatch(context.Background(), spec)
	if err != nil {
		t.Fatalf("SubmitBatch: %v", err)
	}
	if len(report.Outcomes) != 0 || !report.OK() || report.BatchID != 0 {
		t.Fatalf("expected an empty clean report, got %+v", report)
	}
}

func TestSubmitBatchListingFailure(t *testing.T) {
	f := newFixture(t)
	spec := f.buildBatch(t)

	f.platform.RejectAuth(2)
	report, err := dispatch.New(f.client).SubmitBatch(context.Background(), spec)
	if report != nil {
		t.Fatalf("expected no report, got %+v", report)
	}
	if !errors.Is(err, cbrain.ErrAuth) {
		t.Fatalf("expected ErrAuth, got %v", err)
	}
	if n := countCalls(f.platform.Calls(), "POST /tasks"); n != 0 {
		t.Fatalf("POST /tasks called %d times, want 0", n)
	}
}

// expiredTokens hands out a rejected credential until Refresh is called.
type expiredTokens struct {
	mu        sync.Mutex
	valid     string
	refreshes int
}

func (e *expiredTokens) Token(context.Context) (string, error) { return "expired", nil }

func (e *expiredTokens) Refresh(context.Context) (string, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.refreshes++
	return e.valid, nil
}

func TestSubmitBatchRefreshesCredentialOnce(t *testing.T) {
	f := newFixture(t)
	for _, name := range []string{"sub-001", "sub-002", "sub-003"} {
		f.platform.AddUserfile(f.group.ID, name, "BidsSubject")
	}
	spec := f.buildBatch(t)

	tokens := &expiredTokens{valid: f.platform.Token}
	c, err := cbrain.New(f.platform.URL, tokens)
	if err != nil {
		t.Fatalf("cbrain.New: %v", err)
	}

	report, err := dispatch.New(c, dispatch.WithWorkers(2)).SubmitBatch(context.Background(), spec)
	if err != nil {
		t.Fatalf("SubmitBatch: %v", err)
	}
	if !report.OK() {
		t.Fatalf("expected every submission to succeed, failed: %v", report.Failed())
	}
	if tokens.refreshes != 1 {
		t.Fatalf("credential refreshed %d times for one batch, want 1", tokens.refreshes)
	}
}

type stalledPlatform struct{}

func (stalledPlatform) CreateTask(ctx context.Context, _ cbrain.NewTask) ([]cbrain.Task, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

func (stalledPlatform) ListUserfiles(context.Context, int, string) ([]cbrain.Userfile, error) {
	return nil, nil
}

func TestSubmitTimeout(t *testing.T) {
	f := newFixture(t)
	req := f.build(t, "subject_dir=77")

	c := dispatch.New(stalledPlatform{}, dispatch.WithTimeout(20*time.Millisecond))
	_, err := c.Submit(context.Background(), req)
	if !errors.Is(err, dispatch.ErrSubmission) || !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected a timed out submission, got %v", err)
	}
}

func TestSubmitRejectsInvalidRequest(t *testing.T) {
	f := newFixture(t)
	req := f.build(t, "subject_dir=77")
	req.GroupID = 0

	_, err := dispatch.New(f.client).Submit(context.Background(), req)
	if !errors.Is(err, launch.ErrRequestBuild) {
		t.Fatalf("expected ErrRequestBuild, got %v", err)
	}
	if errors.Is(err, dispatch.ErrSubmission) {
		t.Fatalf("an invalid request is not a submission failure: %v", err)
	}
	if n := countCalls(f.platform.Calls(), "POST /tasks"); n != 0 {
		t.Fatalf("POST /tasks called %d times, want 0", n)
	}
}

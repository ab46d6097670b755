// Package platformtest runs an in-memory stand-in for the remote execution
// platform behind an httptest server. Tests in several packages share it.
package platformtest

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sort"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/mattjoyce/cbrainctl/internal/cbrain"
)

// Platform is a fake platform. All exported methods are safe for concurrent use.
type Platform struct {
	URL   string
	Token string

	mu         sync.Mutex
	server     *httptest.Server
	groups     []cbrain.Group
	userfiles  map[int]*cbrain.Userfile
	files      map[int][]file
	tasks      map[int]*cbrain.Task
	nextID     int
	calls      []string
	rejectAuth int
	authHook   func(r *http.Request) bool

	// CreateHook, when set, may veto a task creation with an HTTP status.
	CreateHook func(body map[string]any) int
	// OperationHook, when set, may veto an operation on one task.
	OperationHook func(op string, taskID int) int
}

type file struct {
	path    string
	content []byte
	modTime time.Time
}

// New starts a fake platform that lives for the duration of t.
func New(t testing.TB) *Platform {
	t.Helper()
	p := &Platform{
		Token:     uuid.NewString(),
		userfiles: make(map[int]*cbrain.Userfile),
		files:     make(map[int][]file),
		tasks:     make(map[int]*cbrain.Task),
		nextID:    1000,
	}
	p.server = httptest.NewServer(p.routes())
	p.URL = p.server.URL
	t.Cleanup(p.server.Close)
	return p
}

// Client returns a platform client authenticated with the fake's token.
func (p *Platform) Client(t testing.TB, opts ...cbrain.Option) *cbrain.Client {
	t.Helper()
	c, err := cbrain.New(p.URL, cbrain.StaticToken(p.Token), opts...)
	if err != nil {
		t.Fatalf("cbrain.New: %v", err)
	}
	return c
}

func (p *Platform) routes() http.Handler {
	r := chi.NewRouter()
	r.Use(p.record)
	r.Use(p.authenticate)

	r.Post("/tasks", p.handleCreateTask)
	r.Get("/tasks", p.handleListTasks)
	r.Post("/tasks/operation", p.handleOperation)
	r.Get("/tasks/{id}", p.handleGetTask)
	r.Get("/groups", p.handleListGroups)
	r.Get("/userfiles", p.handleListUserfiles)
	r.Get("/userfiles/{id}", p.handleGetUserfile)
	r.Get("/userfiles/{id}/files", p.handleListFiles)
	r.Get("/userfiles/{id}/content", p.handleContent)
	return r
}

func (p *Platform) record(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		p.mu.Lock()
		p.calls = append(p.calls, r.Method+" "+r.URL.Path)
		p.mu.Unlock()
		next.ServeHTTP(w, r)
	})
}

func (p *Platform) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		p.mu.Lock()
		reject := p.rejectAuth > 0
		if reject {
			p.rejectAuth--
		}
		token := p.Token
		hook := p.authHook
		p.mu.Unlock()

		if hook != nil && hook(r) {
			reject = true
		}
		if reject || r.Header.Get("Authorization") != "Bearer "+token {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// RejectAuth makes the next n requests fail with 401.
func (p *Platform) RejectAuth(n int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.rejectAuth = n
}

// SetAuthHook installs a hook that rejects a request with 401 by returning
// true. A nil hook removes it.
func (p *Platform) SetAuthHook(hook func(r *http.Request) bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.authHook = hook
}

// Calls returns "METHOD /path" for every request seen so far.
func (p *Platform) Calls() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.calls...)
}

// AddGroup registers a group.
func (p *Platform) AddGroup(name string) cbrain.Group {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.nextID++
	g := cbrain.Group{ID: p.nextID, Name: name}
	p.groups = append(p.groups, g)
	return g
}

// AddUserfile registers an artifact.
func (p *Platform) AddUserfile(groupID int, name, fileType string) cbrain.Userfile {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.nextID++
	u := &cbrain.Userfile{
		ID:             p.nextID,
		Name:           name,
		Type:           fileType,
		GroupID:        groupID,
		DataProviderID: 1,
		UpdatedAt:      time.Now().UTC(),
	}
	p.userfiles[u.ID] = u
	return *u
}

// AddFile adds a file to a userfile collection.
func (p *Platform) AddFile(userfileID int, path, content string, modTime time.Time) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.files[userfileID] = append(p.files[userfileID], file{path: path, content: []byte(content), modTime: modTime.UTC()})
	if u, ok := p.userfiles[userfileID]; ok {
		u.Size += int64(len(content))
	}
}

// AddTask stores a task as-is, assigning an id when it has none.
func (p *Platform) AddTask(t cbrain.Task) cbrain.Task {
	p.mu.Lock()
	defer p.mu.Unlock()
	if t.ID == 0 {
		p.nextID++
		t.ID = p.nextID
	}
	if t.BatchID == 0 {
		t.BatchID = t.ID
	}
	now := time.Now().UTC()
	if t.CreatedAt.IsZero() {
		t.CreatedAt = now
	}
	t.UpdatedAt = now
	cp := t
	p.tasks[t.ID] = &cp
	return t
}

// SetStatus changes a task's status, as the remote scheduler would.
func (p *Platform) SetStatus(id int, status string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if t, ok := p.tasks[id]; ok {
		t.Status = status
		t.UpdatedAt = time.Now().UTC()
	}
}

// Task returns a copy of a stored task.
func (p *Platform) Task(id int) (cbrain.Task, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	t, ok := p.tasks[id]
	if !ok {
		return cbrain.Task{}, false
	}
	return *t, true
}

// Tasks returns copies of every stored task ordered by id.
func (p *Platform) Tasks() []cbrain.Task {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.sortedTasks(0)
}

func (p *Platform) sortedTasks(groupID int) []cbrain.Task {
	out := make([]cbrain.Task, 0, len(p.tasks))
	for _, t := range p.tasks {
		if groupID != 0 && t.GroupID != groupID {
			continue
		}
		out = append(out, *t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (p *Platform) handleCreateTask(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Task map[string]any `json:"cbrain_task"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.Task == nil {
		http.Error(w, "missing cbrain_task", http.StatusUnprocessableEntity)
		return
	}
	if p.CreateHook != nil {
		if code := p.CreateHook(body.Task); code != 0 {
			http.Error(w, "rejected by hook", code)
			return
		}
	}

	params, _ := body.Task["params"].(map[string]any)
	t := cbrain.Task{
		Type:                  stringField(body.Task, "type"),
		Status:                "New",
		Description:           stringField(body.Task, "description"),
		GroupID:               intField(body.Task, "group_id"),
		BourreauID:            intField(body.Task, "bourreau_id"),
		ToolConfigID:          intField(body.Task, "tool_config_id"),
		BatchID:               intField(body.Task, "batch_id"),
		ResultsDataProviderID: intField(body.Task, "results_data_provider_id"),
		Params:                params,
	}
	if t.Type == "" || t.ToolConfigID == 0 || t.GroupID == 0 {
		http.Error(w, "type, tool_config_id and group_id are required", http.StatusUnprocessableEntity)
		return
	}
	t = p.AddTask(t)
	writeJSON(w, http.StatusCreated, []cbrain.Task{t})
}

func (p *Platform) handleListTasks(w http.ResponseWriter, r *http.Request) {
	groupID, _ := strconv.Atoi(r.URL.Query().Get("group_id"))
	p.mu.Lock()
	tasks := p.sortedTasks(groupID)
	p.mu.Unlock()
	writeJSON(w, http.StatusOK, page(r, tasks))
}

func (p *Platform) handleGetTask(w http.ResponseWriter, r *http.Request) {
	id, _ := strconv.Atoi(chi.URLParam(r, "id"))
	t, ok := p.Task(id)
	if !ok {
		http.Error(w, "task not found", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, t)
}

func (p *Platform) handleOperation(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Operation string `json:"operation"`
		TaskList  []int  `json:"tasklist"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, "bad body", http.StatusBadRequest)
		return
	}
	if body.Operation != cbrain.OperationRecover && body.Operation != cbrain.OperationRestartSetup {
		http.Error(w, "unknown operation", http.StatusUnprocessableEntity)
		return
	}

	for _, id := range body.TaskList {
		if p.OperationHook != nil {
			if code := p.OperationHook(body.Operation, id); code != 0 {
				http.Error(w, "rejected by hook", code)
				return
			}
		}
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	for _, id := range body.TaskList {
		t, ok := p.tasks[id]
		if !ok {
			http.Error(w, "task not found", http.StatusNotFound)
			return
		}
		// recover handles failed stages; restart_setup reruns a terminated task.
		failed := strings.HasPrefix(t.Status, "Failed")
		if body.Operation == cbrain.OperationRecover && !failed ||
			body.Operation == cbrain.OperationRestartSetup && t.Status != "Terminated" {
			http.Error(w, "cannot "+body.Operation+" task "+strconv.Itoa(id)+": it is "+t.Status, http.StatusUnprocessableEntity)
			return
		}
		if failed {
			t.Status = "Recovering"
		} else {
			t.Status = "Restarting"
		}
		t.UpdatedAt = time.Now().UTC()
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})
}

func (p *Platform) handleListGroups(w http.ResponseWriter, r *http.Request) {
	p.mu.Lock()
	groups := append([]cbrain.Group(nil), p.groups...)
	p.mu.Unlock()
	writeJSON(w, http.StatusOK, page(r, groups))
}

func (p *Platform) handleListUserfiles(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	groupID, _ := strconv.Atoi(q.Get("group_id"))
	fileType := q.Get("type")

	p.mu.Lock()
	var out []cbrain.Userfile
	for _, u := range p.userfiles {
		if groupID != 0 && u.GroupID != groupID {
			continue
		}
		if fileType != "" && u.Type != fileType {
			continue
		}
		out = append(out, *u)
	}
	p.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	writeJSON(w, http.StatusOK, page(r, out))
}

func (p *Platform) handleGetUserfile(w http.ResponseWriter, r *http.Request) {
	id, _ := strconv.Atoi(chi.URLParam(r, "id"))
	p.mu.Lock()
	u, ok := p.userfiles[id]
	var cp cbrain.Userfile
	if ok {
		cp = *u
	}
	p.mu.Unlock()
	if !ok {
		http.Error(w, "userfile not found", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, cp)
}

func (p *Platform) handleListFiles(w http.ResponseWriter, r *http.Request) {
	id, _ := strconv.Atoi(chi.URLParam(r, "id"))
	p.mu.Lock()
	_, ok := p.userfiles[id]
	entries := make([]map[string]any, 0, len(p.files[id]))
	for _, f := range p.files[id] {
		entries = append(entries, map[string]any{
			"path": f.path,
			"size": len(f.content),
			// The real platform sends epoch seconds here.
			"mtime": f.modTime.Unix(),
		})
	}
	p.mu.Unlock()
	if !ok {
		http.Error(w, "userfile not found", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, entries)
}

func (p *Platform) handleContent(w http.ResponseWriter, r *http.Request) {
	id, _ := strconv.Atoi(chi.URLParam(r, "id"))
	path := r.URL.Query().Get("path")

	p.mu.Lock()
	var content []byte
	found := false
	for _, f := range p.files[id] {
		if f.path == path {
			content = f.content
			found = true
		}
	}
	p.mu.Unlock()
	if !found {
		http.Error(w, "file not found", http.StatusNotFound)
		return
	}
	w.Header().Set("Content-Type", "application/octet-stream")
	_, _ = w.Write(content)
}

func page[T any](r *http.Request, items []T) []T {
	q := r.URL.Query()
	n, err := strconv.Atoi(q.Get("page"))
	if err != nil || n < 1 {
		n = 1
	}
	per, err := strconv.Atoi(q.Get("per_page"))
	if err != nil || per < 1 {
		per = 25
	}
	start := (n - 1) * per
	if start >= len(items) {
		return []T{}
	}
	end := start + per
	if end > len(items) {
		end = len(items)
	}
	return items[start:end]
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func stringField(m map[string]any, key string) string {
	s, _ := m[key].(string)
	return s
}

func intField(m map[string]any, key string) int {
	switch v := m[key].(type) {
	case float64:
		return int(v)
	case string:
		n, _ := strconv.Atoi(v)
		return n
	}
	return 0
}

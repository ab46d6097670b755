// Package cbrain is a client for the remote execution platform's REST API.
//
// Every method is one blocking round trip bounded by the client timeout (list
// methods make one round trip per page). Nothing is retried here except a
// credential refresh after a 401, spent at most once per operation.
package cbrain

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/mitchellh/mapstructure"
)

const (
	// DefaultTimeout bounds a single network call.
	DefaultTimeout = 60 * time.Second

	defaultPageSize = 100
	maxErrorBody    = 512
)

// Client talks to one platform instance.
type Client struct {
	baseURL  *url.URL
	tokens   TokenSource
	http     *http.Client
	timeout  time.Duration
	pageSize int
	logger   *slog.Logger
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the underlying http.Client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.http = hc }
}

// WithTimeout sets the per-call timeout.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.timeout = d
		}
	}
}

// WithPageSize sets the page size used by list calls.
func WithPageSize(n int) Option {
	return func(c *Client) {
		if n > 0 {
			c.pageSize = n
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Client) { c.logger = l }
}

// New creates a client for baseURL.
func New(baseURL string, tokens TokenSource, opts ...Option) (*Client, error) {
	u, err := url.Parse(strings.TrimRight(baseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("parse base url: %w", err)
	}
	if u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("base url %q must be absolute", baseURL)
	}
	if tokens == nil {
		return nil, fmt.Errorf("token source is nil")
	}

	c := &Client{
		baseURL:  u,
		tokens:   tokens,
		http:     &http.Client{},
		timeout:  DefaultTimeout,
		pageSize: defaultPageSize,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Timeout returns the per-call timeout.
func (c *Client) Timeout() time.Duration { return c.timeout }

// CreateTask submits one task creation request. The platform answers with the
// created task, or with a list when the tool fans out on its own.
func (c *Client) CreateTask(ctx context.Context, nt NewTask) ([]Task, error) {
	body := map[string]any{"cbrain_task": nt}

	var raw any
	if err := c.do(ctx, http.MethodPost, "/tasks", nil, body, &raw); err != nil {
		return nil, err
	}

	var records []any
	switch x := raw.(type) {
	case []any:
		records = x
	case map[string]any:
		records = []any{x}
	default:
		return nil, fmt.Errorf("POST /tasks: unexpected response of type %T", raw)
	}

	tasks := make([]Task, 0, len(records))
	for i, rec := range records {
		var t Task
		if err := decode(rec, &t); err != nil {
			return nil, fmt.Errorf("POST /tasks: decode task[%d]: %w", i, err)
		}
		tasks = append(tasks, t)
	}
	return tasks, nil
}

// GetTask reads one task.
func (c *Client) GetTask(ctx context.Context, id int) (*Task, error) {
	var raw any
	if err := c.do(ctx, http.MethodGet, "/tasks/"+strconv.Itoa(id), nil, nil, &raw); err != nil {
		return nil, err
	}
	var t Task
	if err := decode(raw, &t); err != nil {
		return nil, fmt.Errorf("decode task %d: %w", id, err)
	}
	return &t, nil
}

// ListTasks returns every task owned by groupID.
func (c *Client) ListTasks(ctx context.Context, groupID int) ([]Task, error) {
	q := url.Values{}
	q.Set("group_id", strconv.Itoa(groupID))

	var out []Task
	err := c.paginate(ctx, "/tasks", q, func(rec any) error {
		var t Task
		if err := decode(rec, &t); err != nil {
			return err
		}
		out = append(out, t)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("list tasks of group %d: %w", groupID, err)
	}
	return out, nil
}

// TaskOperation asks the platform to apply operation to the listed tasks.
func (c *Client) TaskOperation(ctx context.Context, operation string, ids ...int) error {
	body := map[string]any{
		"operation": operation,
		"tasklist":  ids,
	}
	return c.do(ctx, http.MethodPost, "/tasks/operation", nil, body, nil)
}

// ListGroups returns the groups visible to the session.
func (c *Client) ListGroups(ctx context.Context) ([]Group, error) {
	var out []Group
	err := c.paginate(ctx, "/groups", url.Values{}, func(rec any) error {
		var g Group
		if err := decode(rec, &g); err != nil {
			return err
		}
		out = append(out, g)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("list groups: %w", err)
	}
	return out, nil
}

// ResolveGroup returns the id of the group called name.
func (c *Client) ResolveGroup(ctx context.Context, name string) (int, error) {
	groups, err := c.ListGroups(ctx)
	if err != nil {
		return 0, err
	}
	for _, g := range groups {
		if g.Name == name {
			return g.ID, nil
		}
	}
	return 0, fmt.Errorf("group %q: %w", name, ErrNotFound)
}

// ListUserfiles returns the userfiles of groupID. A non-empty fileType keeps
// only that type.
func (c *Client) ListUserfiles(ctx context.Context, groupID int, fileType string) ([]Userfile, error) {
	q := url.Values{}
	q.Set("group_id", strconv.Itoa(groupID))
	if fileType != "" {
		q.Set("type", fileType)
	}

	var out []Userfile
	err := c.paginate(ctx, "/userfiles", q, func(rec any) error {
		var u Userfile
		if err := decode(rec, &u); err != nil {
			return err
		}
		// Older platforms ignore the type filter.
		if fileType == "" || u.Type == fileType {
			out = append(out, u)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("list userfiles of group %d: %w", groupID, err)
	}
	return out, nil
}

// GetUserfile reads one userfile record.
func (c *Client) GetUserfile(ctx context.Context, id int) (*Userfile, error) {
	var raw any
	if err := c.do(ctx, http.MethodGet, "/userfiles/"+strconv.Itoa(id), nil, nil, &raw); err != nil {
		return nil, err
	}
	var u Userfile
	if err := decode(raw, &u); err != nil {
		return nil, fmt.Errorf("decode userfile %d: %w", id, err)
	}
	return &u, nil
}

// ResolveUserfile returns the id of the userfile called name in groupID.
func (c *Client) ResolveUserfile(ctx context.Context, groupID int, name string) (int, error) {
	files, err := c.ListUserfiles(ctx, groupID, "")
	if err != nil {
		return 0, err
	}
	id := 0
	for _, f := range files {
		if f.Name != name {
			continue
		}
		if id != 0 {
			return 0, fmt.Errorf("userfile %q is ambiguous in group %d (ids %d and %d)", name, groupID, id, f.ID)
		}
		id = f.ID
	}
	if id == 0 {
		return 0, fmt.Errorf("userfile %q in group %d: %w", name, groupID, ErrNotFound)
	}
	return id, nil
}

// UserfileName returns the name of userfile id.
func (c *Client) UserfileName(ctx context.Context, id int) (string, error) {
	u, err := c.GetUserfile(ctx, id)
	if err != nil {
		return "", err
	}
	return u.Name, nil
}

// ListFiles lists the files of a userfile collection.
func (c *Client) ListFiles(ctx context.Context, userfileID int) ([]FileEntry, error) {
	var raw []any
	path := "/userfiles/" + strconv.Itoa(userfileID) + "/files"
	if err := c.do(ctx, http.MethodGet, path, nil, nil, &raw); err != nil {
		return nil, err
	}
	out := make([]FileEntry, 0, len(raw))
	for i, rec := range raw {
		var fe FileEntry
		if err := decode(rec, &fe); err != nil {
			return nil, fmt.Errorf("decode file[%d] of userfile %d: %w", i, userfileID, err)
		}
		out = append(out, fe)
	}
	return out, nil
}

// FetchFile streams one file of a collection into w. An empty rel fetches a
// single-file userfile.
func (c *Client) FetchFile(ctx context.Context, userfileID int, rel string, w io.Writer) error {
	q := url.Values{}
	if rel != "" {
		q.Set("path", rel)
	}
	path := "/userfiles/" + strconv.Itoa(userfileID) + "/content"
	return c.do(ctx, http.MethodGet, path, q, nil, w)
}

// paginate walks page=1.. until a short page. All pages share one refresh.
func (c *Client) paginate(ctx context.Context, path string, q url.Values, fn func(any) error) error {
	ctx = WithOperation(ctx)
	for page := 1; ; page++ {
		pq := url.Values{}
		for k, v := range q {
			pq[k] = v
		}
		pq.Set("page", strconv.Itoa(page))
		pq.Set("per_page", strconv.Itoa(c.pageSize))

		var records []any
		if err := c.do(ctx, http.MethodGet, path, pq, nil, &records); err != nil {
			return err
		}
		for _, rec := range records {
			if err := fn(rec); err != nil {
				return err
			}
		}
		if len(records) < c.pageSize {
			return nil
		}
	}
}

// do performs one call. out may be nil (discard), an io.Writer (raw body), or
// a pointer for JSON decoding.
func (c *Client) do(ctx context.Context, method, path string, q url.Values, body any, out any) error {
	var payload []byte
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("%s %s: encode body: %w", method, path, err)
		}
		payload = b
	}

	token, err := c.tokens.Token(ctx)
	if err != nil {
		return fmt.Errorf("%s %s: get credential: %w", method, path, err)
	}

	err = c.send(ctx, method, path, q, payload, token, out)
	if !errors.Is(err, errUnauthorized) {
		return err
	}

	budget := budgetFrom(ctx)
	if budget == nil {
		budget = &refreshBudget{}
	}
	c.logger.Debug("credential rejected", "method", method, "path", path)
	token, ok, err := budget.renew(ctx, c.tokens, token)
	if err != nil {
		return fmt.Errorf("%s %s: refresh credential: %w", method, path, err)
	}
	if !ok {
		return &AuthError{Method: method, Path: path}
	}
	err = c.send(ctx, method, path, q, payload, token, out)
	if errors.Is(err, errUnauthorized) {
		return &AuthError{Method: method, Path: path}
	}
	return err
}

var errUnauthorized = errors.New("unauthorized")

func (c *Client) send(ctx context.Context, method, path string, q url.Values, payload []byte, token string, out any) error {
	callCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	u := *c.baseURL
	u.Path = c.baseURL.Path + path
	if len(q) > 0 {
		u.RawQuery = q.Encode()
	}

	var reader io.Reader
	if payload != nil {
		reader = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(callCtx, method, u.String(), reader)
	if err != nil {
		return fmt.Errorf("%s %s: build request: %w", method, path, err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Accept", "application/json")
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()
	c.logger.Debug("platform call", "method", method, "path", path, "status", resp.StatusCode, "duration", time.Since(start))

	if resp.StatusCode == http.StatusUnauthorized {
		_, _ = io.Copy(io.Discard, resp.Body)
		return errUnauthorized
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return &APIError{
			Method:     method,
			Path:       path,
			StatusCode: resp.StatusCode,
			Body:       strings.TrimSpace(string(snippet)),
		}
	}

	switch dst := out.(type) {
	case nil:
		_, _ = io.Copy(io.Discard, resp.Body)
	case io.Writer:
		if _, err := io.Copy(dst, resp.Body); err != nil {
			return fmt.Errorf("%s %s: read body: %w", method, path, err)
		}
	default:
		dec := json.NewDecoder(resp.Body)
		if err := dec.Decode(out); err != nil && !errors.Is(err, io.EOF) {
			return fmt.Errorf("%s %s: decode response: %w", method, path, err)
		}
	}
	return nil
}

// decode maps a loosely typed JSON record onto a struct. The platform is not
// consistent about quoting numbers, so decoding is weakly typed.
func decode(in any, out any) error {
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		TagName:          "json",
		WeaklyTypedInput: true,
		DecodeHook:       timeHook,
		Result:           out,
	})
	if err != nil {
		return err
	}
	return dec.Decode(in)
}

var timeType = reflect.TypeOf(time.Time{})

func timeHook(from reflect.Type, to reflect.Type, data any) (any, error) {
	if to != timeType {
		return data, nil
	}
	switch v := data.(type) {
	case string:
		if v == "" {
			return time.Time{}, nil
		}
		t, err := time.Parse(time.RFC3339Nano, v)
		if err != nil {
			return nil, fmt.Errorf("parse time %q: %w", v, err)
		}
		return t, nil
	case float64:
		return time.Unix(int64(v), 0).UTC(), nil
	}
	return data, nil
}

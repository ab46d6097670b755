// Package launch turns a tool name, a group reference and user supplied
// parameters into launch requests for the remote platform.
package launch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strconv"
	"strings"

	"github.com/mattjoyce/cbrainctl/internal/cbrain"
	"github.com/mattjoyce/cbrainctl/internal/log"
	"github.com/mattjoyce/cbrainctl/internal/params"
	"github.com/mattjoyce/cbrainctl/internal/profile"
)

// GroupDirectory resolves group names to ids.
type GroupDirectory interface {
	ResolveGroup(ctx context.Context, name string) (int, error)
}

// ArtifactDirectory resolves artifact names and ids within a group.
type ArtifactDirectory interface {
	ResolveUserfile(ctx context.Context, groupID int, name string) (int, error)
	UserfileName(ctx context.Context, id int) (string, error)
}

// Directory is the remote lookup surface the builder needs.
type Directory interface {
	GroupDirectory
	ArtifactDirectory
}

// Mode selects single or batch launch.
type Mode int

const (
	ModeSingle Mode = iota
	ModeBatch
)

// Input is what a caller supplies for one launch.
type Input struct {
	Tool    string
	Cluster string
	// ToolConfigID and BourreauID bypass cluster resolution when
	// ToolConfigID is set.
	ToolConfigID int
	BourreauID   int
	// Group is a numeric id or a group name.
	Group       string
	Params      []string
	Template    string
	Description string
	// ResultsDataProviderID overrides the builder default when set.
	ResultsDataProviderID int

	Mode Mode
	// FileType filters the artifacts a batch expands over.
	FileType string
	// BatchGroup is the group listed for batch artifacts. Defaults to Group.
	BatchGroup string
}

// Plan is the outcome of Builder.Plan: exactly one of Single or Batch is set.
type Plan struct {
	Single *Request
	Batch  *BatchSpec
}

// Builder assembles launch requests.
type Builder struct {
	registry  *profile.Registry
	dir       Directory
	resultsDP int
	logger    *slog.Logger
}

// NewBuilder returns a builder resolving tools through registry and remote
// names through dir. resultsDP is the default results data provider id.
func NewBuilder(registry *profile.Registry, dir Directory, resultsDP int) *Builder {
	return &Builder{
		registry:  registry,
		dir:       dir,
		resultsDP: resultsDP,
		logger:    log.WithComponent("launch"),
	}
}

// WithLogger replaces the builder's logger.
func (b *Builder) WithLogger(l *slog.Logger) *Builder {
	b.logger = l
	return b
}

// Plan builds a single request or a batch spec according to in.Mode.
func (b *Builder) Plan(ctx context.Context, in Input) (Plan, error) {
	ctx = cbrain.WithOperation(ctx)
	if in.Mode == ModeBatch {
		spec, err := b.BuildBatch(ctx, in, in.FileType)
		if err != nil {
			return Plan{}, err
		}
		return Plan{Batch: spec}, nil
	}
	req, err := b.Build(ctx, in)
	if err != nil {
		return Plan{}, err
	}
	return Plan{Single: req}, nil
}

// Build returns a finalized single-launch request.
func (b *Builder) Build(ctx context.Context, in Input) (*Request, error) {
	ctx = cbrain.WithOperation(ctx)
	req, prof, err := b.assemble(ctx, in)
	if err != nil {
		return nil, err
	}
	if err := checkRequired(req, prof.RequiredParams, ""); err != nil {
		return nil, err
	}
	b.nameFileArtifacts(ctx, req)
	if err := req.Finalize(); err != nil {
		return nil, err
	}
	b.logger.Debug("launch request built",
		"tool", req.Tool, "tool_config_id", req.ToolConfigID, "group_id", req.GroupID)
	return req, nil
}

// BuildBatch returns a batch spec whose template is anchored on the tool's
// batch parameter. Expanding it yields one request per artifact of fileType.
func (b *Builder) BuildBatch(ctx context.Context, in Input, fileType string) (*BatchSpec, error) {
	ctx = cbrain.WithOperation(ctx)
	req, prof, err := b.assemble(ctx, in)
	if err != nil {
		return nil, err
	}
	anchorKey := prof.BatchParam
	if anchorKey == "" && len(prof.FileParams) > 0 {
		anchorKey = prof.FileParams[0]
	}
	if anchorKey == "" {
		return nil, &RequestBuildError{Tool: in.Tool, Err: errors.New("tool profile names no batch or file parameter")}
	}
	if err := checkRequired(req, prof.RequiredParams, anchorKey); err != nil {
		return nil, err
	}
	b.nameFileArtifacts(ctx, req)

	spec := &BatchSpec{
		Template:  req,
		GroupID:   req.GroupID,
		FileType:  fileType,
		AnchorKey: anchorKey,
	}
	if ids := req.Params.IDs(anchorKey); len(ids) == 1 {
		spec.AnchorID = ids[0]
	} else if len(ids) > 1 {
		return nil, &RequestBuildError{Tool: in.Tool, Ref: anchorKey, Err: fmt.Errorf("%w: batch anchor must hold one artifact", ErrMalformedParameter)}
	}
	if in.BatchGroup != "" && in.BatchGroup != in.Group {
		gid, err := b.resolveGroup(ctx, in.Tool, in.BatchGroup)
		if err != nil {
			return nil, err
		}
		spec.GroupID = gid
	}
	if !slices.Contains(req.fileParams, anchorKey) {
		req.fileParams = append(req.fileParams, anchorKey)
	}
	return spec, nil
}

// assemble performs the steps shared by single and batch launches.
func (b *Builder) assemble(ctx context.Context, in Input) (*Request, profile.ToolProfile, error) {
	var (
		res profile.Resolution
		err error
	)
	if in.ToolConfigID > 0 {
		res, err = b.registry.ResolveToolConfig(in.Tool, in.ToolConfigID, in.BourreauID)
	} else {
		res, err = b.registry.Resolve(in.Tool, in.Cluster)
	}
	if err != nil {
		return nil, profile.ToolProfile{}, err
	}
	prof, err := b.registry.Profile(in.Tool)
	if err != nil {
		return nil, profile.ToolProfile{}, err
	}

	groupID, err := b.resolveGroup(ctx, in.Tool, in.Group)
	if err != nil {
		return nil, prof, err
	}

	m, err := params.ParseAssignments(in.Params)
	if err != nil {
		return nil, prof, &RequestBuildError{Tool: in.Tool, Err: fmt.Errorf("%w: %w", ErrMalformedParameter, err)}
	}

	dp := in.ResultsDataProviderID
	if dp == 0 {
		dp = b.resultsDP
	}
	req := &Request{
		Tool:                  in.Tool,
		TaskType:              res.TaskType,
		Cluster:               res.Cluster,
		ToolConfigID:          res.ToolConfigID,
		BourreauID:            res.BourreauID,
		GroupID:               groupID,
		Params:                m,
		ResultsDataProviderID: dp,
		OutputTemplate:        in.Template,
		OutputParam:           prof.OutputParam,
		Description:           in.Description,
		fileParams:            slices.Clone(prof.FileParams),
		names:                 make(map[int]string),
	}
	if err := b.resolveFileParams(ctx, req); err != nil {
		return nil, prof, err
	}
	return req, prof, nil
}

func (b *Builder) resolveGroup(ctx context.Context, tool, ref string) (int, error) {
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return 0, &RequestBuildError{Tool: tool, Err: errors.New("group is required")}
	}
	if id, err := strconv.Atoi(ref); err == nil {
		return id, nil
	}
	id, err := b.dir.ResolveGroup(ctx, ref)
	if err != nil {
		if errors.Is(err, cbrain.ErrNotFound) {
			return 0, &RequestBuildError{Tool: tool, Ref: ref, Err: ErrGroupNotFound}
		}
		return 0, &RequestBuildError{Tool: tool, Ref: ref, Err: err}
	}
	return id, nil
}

// resolveFileParams replaces artifact names held by file parameters with
// their ids.
func (b *Builder) resolveFileParams(ctx context.Context, req *Request) error {
	for _, key := range req.fileParams {
		v, ok := req.Params.Get(key)
		if !ok {
			continue
		}
		resolved, err := b.resolveArtifacts(ctx, req, key, v)
		if err != nil {
			return err
		}
		req.Params.Set(key, resolved)
	}
	return nil
}

func (b *Builder) resolveArtifacts(ctx context.Context, req *Request, key string, v params.Value) (params.Value, error) {
	switch v.Kind() {
	case params.KindSeq:
		items := v.Items()
		out := make([]params.Value, len(items))
		for i, item := range items {
			r, err := b.resolveArtifacts(ctx, req, key, item)
			if err != nil {
				return params.Value{}, err
			}
			out[i] = r
		}
		return params.Seq(out...), nil
	case params.KindString:
		name := v.Str()
		id, err := b.dir.ResolveUserfile(ctx, req.GroupID, name)
		if err != nil {
			if errors.Is(err, cbrain.ErrNotFound) {
				err = ErrArtifactNotFound
			}
			return params.Value{}, &RequestBuildError{Tool: req.Tool, Ref: key + "=" + name, Err: err}
		}
		req.names[id] = name
		return params.Int(int64(id)), nil
	case params.KindBool:
		return params.Value{}, &RequestBuildError{Tool: req.Tool, Ref: key, Err: fmt.Errorf("%w: file parameter holds a boolean", ErrMalformedParameter)}
	}
	return v, nil
}

// nameFileArtifacts looks up names for file parameter ids that the output
// template references and that were given numerically.
func (b *Builder) nameFileArtifacts(ctx context.Context, req *Request) {
	if req.OutputTemplate == "" {
		return
	}
	for _, ph := range params.Placeholders(req.OutputTemplate) {
		if !slices.Contains(req.fileParams, ph) {
			continue
		}
		for _, id := range req.Params.IDs(ph) {
			if _, ok := req.names[id]; ok {
				continue
			}
			name, err := b.dir.UserfileName(ctx, id)
			if err != nil {
				// The id stays in the rendered text.
				b.logger.Warn("artifact name lookup failed", "userfile_id", id, "error", err)
				continue
			}
			req.names[id] = name
		}
	}
}

func checkRequired(req *Request, required []string, anchorKey string) error {
	for _, key := range required {
		if key == anchorKey {
			continue
		}
		if !req.Params.Has(key) {
			return &RequestBuildError{Tool: req.Tool, Ref: key, Err: ErrMissingRequiredParameter}
		}
	}
	return nil
}

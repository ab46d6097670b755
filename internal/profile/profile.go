// Package profile resolves a tool name and optional cluster hint to the
// remote execution coordinates a launch needs.
package profile

import (
	"errors"
	"fmt"
	"slices"
	"sort"
	"strings"

	"github.com/mattjoyce/cbrainctl/internal/config"
)

// Cluster is one execution target for a tool.
type Cluster struct {
	Name         string
	ToolConfigID int
	BourreauID   int
}

// ToolProfile is the static description of a tool's execution configurations.
type ToolProfile struct {
	Name           string
	Version        string
	TaskType       string
	Clusters       []Cluster
	DefaultCluster string
	KeepDirs       []string
	RequiredParams []string
	FileParams     []string
	BatchParam     string
	OutputParam    string
}

// Resolution is the outcome of Resolve.
type Resolution struct {
	Tool         string
	TaskType     string
	Cluster      string
	ToolConfigID int
	BourreauID   int
	KeepDirs     []string
}

// Registry holds validated tool profiles. It is immutable once built; every
// accessor returns copies.
type Registry struct {
	profiles map[string]ToolProfile
}

// NewRegistry validates the given profiles and returns a registry.
func NewRegistry(profiles ...ToolProfile) (*Registry, error) {
	r := &Registry{profiles: make(map[string]ToolProfile, len(profiles))}
	for _, p := range profiles {
		if err := validateProfile(p); err != nil {
			return nil, err
		}
		if _, dup := r.profiles[p.Name]; dup {
			return nil, &ConfigurationError{Tool: p.Name, Err: errors.New("duplicate tool profile")}
		}
		r.profiles[p.Name] = cloneProfile(p)
	}
	return r, nil
}

// FromConfig builds a registry from the loaded configuration.
func FromConfig(cfg *config.Config) (*Registry, error) {
	names := make([]string, 0, len(cfg.Tools))
	for name := range cfg.Tools {
		names = append(names, name)
	}
	sort.Strings(names)

	profiles := make([]ToolProfile, 0, len(names))
	for _, name := range names {
		tc := cfg.Tools[name]
		p := ToolProfile{
			Name:           name,
			Version:        tc.Version,
			TaskType:       tc.TaskType,
			DefaultCluster: tc.DefaultCluster,
			KeepDirs:       tc.KeepDirs,
			RequiredParams: tc.RequiredParams,
			FileParams:     tc.FileParams,
			BatchParam:     tc.BatchParam,
			OutputParam:    tc.OutputParam,
		}
		for _, c := range tc.Clusters {
			p.Clusters = append(p.Clusters, Cluster{Name: c.Name, ToolConfigID: c.ToolConfigID, BourreauID: c.BourreauID})
		}
		profiles = append(profiles, p)
	}
	return NewRegistry(profiles...)
}

// Resolve maps a tool name and optional cluster override to execution
// coordinates. An empty override selects the profile's default cluster.
func (r *Registry) Resolve(tool, cluster string) (Resolution, error) {
	p, ok := r.profiles[tool]
	if !ok {
		return Resolution{}, &ConfigurationError{Tool: tool, Err: ErrUnknownTool}
	}

	name := cluster
	if name == "" {
		name = p.DefaultCluster
	}
	for _, c := range p.Clusters {
		if c.Name == name {
			return Resolution{
				Tool:         p.Name,
				TaskType:     p.TaskType,
				Cluster:      c.Name,
				ToolConfigID: c.ToolConfigID,
				BourreauID:   c.BourreauID,
				KeepDirs:     slices.Clone(p.KeepDirs),
			}, nil
		}
	}
	return Resolution{}, &ConfigurationError{Tool: tool, Cluster: cluster, Err: ErrUnknownCluster}
}

// ResolveToolConfig takes a numeric tool config id as given. It is never
// cross-checked against the profile's clusters. The tool must still be known
// so the launch has a task type and parameter metadata.
func (r *Registry) ResolveToolConfig(tool string, toolConfigID, bourreauID int) (Resolution, error) {
	p, ok := r.profiles[tool]
	if !ok {
		return Resolution{}, &ConfigurationError{Tool: tool, Err: ErrUnknownTool}
	}
	if toolConfigID <= 0 {
		return Resolution{}, &ConfigurationError{Tool: tool, Err: fmt.Errorf("tool config id must be positive, got %d", toolConfigID)}
	}
	return Resolution{
		Tool:         p.Name,
		TaskType:     p.TaskType,
		ToolConfigID: toolConfigID,
		BourreauID:   bourreauID,
		KeepDirs:     slices.Clone(p.KeepDirs),
	}, nil
}

// Profile returns a copy of the named profile.
func (r *Registry) Profile(tool string) (ToolProfile, error) {
	p, ok := r.profiles[tool]
	if !ok {
		return ToolProfile{}, &ConfigurationError{Tool: tool, Err: ErrUnknownTool}
	}
	return cloneProfile(p), nil
}

// Names returns the known tool names in sorted order.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.profiles))
	for name := range r.profiles {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// ByToolConfig finds the tool whose profile lists toolConfigID.
func (r *Registry) ByToolConfig(toolConfigID int) (ToolProfile, bool) {
	for _, name := range r.Names() {
		p := r.profiles[name]
		for _, c := range p.Clusters {
			if c.ToolConfigID == toolConfigID {
				return cloneProfile(p), true
			}
		}
	}
	return ToolProfile{}, false
}

func validateProfile(p ToolProfile) error {
	fail := func(format string, args ...any) error {
		return &ConfigurationError{Tool: p.Name, Err: fmt.Errorf(format, args...)}
	}

	if strings.TrimSpace(p.Name) == "" {
		return fail("tool name is empty")
	}
	if strings.TrimSpace(p.TaskType) == "" {
		return fail("task_type is required")
	}
	if len(p.Clusters) == 0 {
		return fail("no clusters defined")
	}

	type pair struct{ toolConfig, bourreau int }
	names := make(map[string]bool, len(p.Clusters))
	pairs := make(map[pair]string, len(p.Clusters))
	for i, c := range p.Clusters {
		if c.Name == "" {
			return fail("clusters[%d]: name is empty", i)
		}
		if c.ToolConfigID <= 0 || c.BourreauID <= 0 {
			return fail("cluster %q: tool_config_id and bourreau_id must be positive", c.Name)
		}
		if names[c.Name] {
			return fail("cluster %q defined twice", c.Name)
		}
		names[c.Name] = true
		key := pair{c.ToolConfigID, c.BourreauID}
		if other, dup := pairs[key]; dup {
			return fail("clusters %q and %q share tool_config_id %d / bourreau_id %d", other, c.Name, c.ToolConfigID, c.BourreauID)
		}
		pairs[key] = c.Name
	}

	if p.DefaultCluster == "" {
		return fail("default_cluster is required")
	}
	if !names[p.DefaultCluster] {
		return fail("default cluster %q is not in the cluster list", p.DefaultCluster)
	}
	return nil
}

func cloneProfile(p ToolProfile) ToolProfile {
	p.Clusters = slices.Clone(p.Clusters)
	p.KeepDirs = slices.Clone(p.KeepDirs)
	p.RequiredParams = slices.Clone(p.RequiredParams)
	p.FileParams = slices.Clone(p.FileParams)
	return p
}

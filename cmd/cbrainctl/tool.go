package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"strings"
)

type toolSummary struct {
	Name           string           `json:"name"`
	Version        string           `json:"version,omitempty"`
	TaskType       string           `json:"task_type"`
	DefaultCluster string           `json:"default_cluster"`
	Clusters       []clusterSummary `json:"clusters"`
}

type clusterSummary struct {
	Name         string `json:"name"`
	ToolConfigID int    `json:"tool_config_id"`
	BourreauID   int    `json:"bourreau_id"`
}

func runToolList(args []string) int {
	var g globalFlags
	fs := flag.NewFlagSet("list", flag.ContinueOnError)
	g.register(fs)
	if err := fs.Parse(args); err != nil {
		return failf("Flag error: %v", err)
	}

	a, err := loadApp(context.Background(), g)
	if err != nil {
		return failf("Load error: %v", err)
	}
	defer a.close()

	var out []toolSummary
	for _, name := range a.registry.Names() {
		p, err := a.registry.Profile(name)
		if err != nil {
			return failf("Error: %v", err)
		}
		s := toolSummary{Name: p.Name, Version: p.Version, TaskType: p.TaskType, DefaultCluster: p.DefaultCluster}
		for _, c := range p.Clusters {
			s.Clusters = append(s.Clusters, clusterSummary{Name: c.Name, ToolConfigID: c.ToolConfigID, BourreauID: c.BourreauID})
		}
		out = append(out, s)
	}

	if g.jsonOut {
		return printJSON(out)
	}
	if len(out) == 0 {
		fmt.Println("No tools configured.")
		return 0
	}
	for _, s := range out {
		names := make([]string, 0, len(s.Clusters))
		for _, c := range s.Clusters {
			label := c.Name
			if c.Name == s.DefaultCluster {
				label += "*"
			}
			names = append(names, label)
		}
		fmt.Printf("%-20s %-10s %s\n", s.Name, s.Version, strings.Join(names, " "))
	}
	return 0
}

func runToolResolve(args []string) int {
	var g globalFlags
	fs := flag.NewFlagSet("resolve", flag.ContinueOnError)
	g.register(fs)
	cluster := fs.String("cluster", "", "Cluster override")
	positional, err := parseInterspersed(fs, args)
	if err != nil {
		return failf("Flag error: %v", err)
	}
	if len(positional) != 1 {
		fmt.Fprintln(os.Stderr, "Usage: cbrainctl tool resolve <tool> [--cluster NAME]")
		return 1
	}

	a, err := loadApp(context.Background(), g)
	if err != nil {
		return failf("Load error: %v", err)
	}
	defer a.close()

	res, err := a.registry.Resolve(positional[0], *cluster)
	if err != nil {
		return failf("Error: %v", err)
	}
	if g.jsonOut {
		return printJSON(map[string]any{
			"tool":           res.Tool,
			"cluster":        res.Cluster,
			"tool_config_id": res.ToolConfigID,
			"bourreau_id":    res.BourreauID,
		})
	}
	fmt.Printf("tool: %s\ncluster: %s\ntool_config_id: %d\nbourreau_id: %d\n",
		res.Tool, res.Cluster, res.ToolConfigID, res.BourreauID)
	return 0
}

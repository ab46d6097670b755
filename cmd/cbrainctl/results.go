package main

import (
	"flag"
	"fmt"
	"os"
	"strings"

	"github.com/mattjoyce/cbrainctl/internal/journal"
	"github.com/mattjoyce/cbrainctl/internal/results"
)

func runResultsDownload(args []string) int {
	var (
		g                        globalFlags
		sel                      results.Selector
		opts                     results.Options
		skipDirs, onlyDirs, maps stringList
	)
	fs := flag.NewFlagSet("download", flag.ContinueOnError)
	g.register(fs)
	fs.IntVar(&sel.ArtifactID, "artifact", 0, "Result artifact id")
	fs.StringVar(&sel.Tool, "tool", "", "Download the outputs of this tool's completed tasks")
	fs.StringVar(&sel.Group, "group", "", "Group id or name for --tool")
	fs.StringVar(&sel.OutputType, "type", "", "Only artifacts of this type")
	fs.StringVar(&opts.Root, "root", "", "Local destination directory")
	fs.BoolVar(&opts.Flatten, "flatten", false, "Drop the directory named after each artifact")
	fs.Var(&skipDirs, "skip-dir", "Skip every directory with this name, at any depth (repeatable)")
	fs.Var(&onlyDirs, "only-dir", "Keep only files under a matching directory (repeatable)")
	fs.Var(&maps, "map", "Remap OLD=NEW local paths (repeatable)")
	normalize := fs.String("normalize", "", "subject or session")
	if err := fs.Parse(args); err != nil {
		return failf("Flag error: %v", err)
	}
	if opts.Root == "" || (sel.ArtifactID == 0 && sel.Tool == "") {
		return failf("Usage: cbrainctl results download --root DIR (--artifact N | --tool T --group G)")
	}

	mode, err := results.ParseNormalize(*normalize)
	if err != nil {
		return failf("Error: %v", err)
	}
	opts.Normalize = mode
	opts.SkipDirs = skipDirs
	opts.OnlyDirs = onlyDirs
	if len(maps) > 0 {
		opts.PathMap = make(map[string]string, len(maps))
		for _, m := range maps {
			from, to, ok := strings.Cut(m, "=")
			if !ok || from == "" {
				return failf("Error: --map %q: want OLD=NEW", m)
			}
			opts.PathMap[from] = to
		}
	}

	ctx, cancel := signalContext()
	defer cancel()
	a, err := loadApp(ctx, g)
	if err != nil {
		return failf("Load error: %v", err)
	}
	defer a.close()

	m := results.NewMaterializer(a.client, a.client, results.WithRegistry(a.registry), results.WithLockDir(a.lockDir()))
	report, err := m.Download(ctx, sel, opts)
	if err != nil {
		return failf("Error: %v", err)
	}
	a.record(ctx, journal.Download(sel, report))

	if g.jsonOut {
		printJSON(downloadSummary(report))
		return exitCode(report.OK())
	}
	fmt.Printf("Downloaded %s into %s\n", sel, report.Root)
	for _, art := range report.Artifacts {
		fmt.Printf("  %-8d %-32s written %d, unchanged %d, filtered %d\n",
			art.ID, art.Name, len(art.Written), len(art.Unchanged), art.Filtered)
		for _, err := range art.Errors {
			fmt.Printf("           FAILED  %v\n", err)
		}
	}
	return exitCode(report.OK())
}

type artifactSummary struct {
	ID        int      `json:"id"`
	Name      string   `json:"name,omitempty"`
	Written   []string `json:"written,omitempty"`
	Unchanged int      `json:"unchanged"`
	Filtered  int      `json:"filtered"`
	Errors    []string `json:"errors,omitempty"`
}

func downloadSummary(r *results.DownloadReport) map[string]any {
	arts := make([]artifactSummary, 0, len(r.Artifacts))
	for _, a := range r.Artifacts {
		s := artifactSummary{ID: a.ID, Name: a.Name, Written: a.Written, Unchanged: len(a.Unchanged), Filtered: a.Filtered}
		for _, err := range a.Errors {
			s.Errors = append(s.Errors, err.Error())
		}
		arts = append(arts, s)
	}
	return map[string]any{"root": r.Root, "ok": r.OK(), "artifacts": arts}
}

func runResultsAlias(args []string) int {
	var (
		g                  globalFlags
		subjects, sessions stringList
	)
	fs := flag.NewFlagSet("alias", flag.ContinueOnError)
	g.register(fs)
	root := fs.String("root", "", "Local tree to relabel")
	copyMode := fs.Bool("copy", false, "Copy non-JSON files instead of linking them")
	fs.Var(&subjects, "subject", "Limit to this subject (repeatable)")
	fs.Var(&sessions, "session", "Limit to this session (repeatable)")
	positional, err := parseInterspersed(fs, args)
	if err != nil {
		return failf("Flag error: %v", err)
	}
	if *root == "" || len(positional) == 0 {
		return failf("Usage: cbrainctl results alias --root DIR [--copy] [--subject S] [--session S] old=new...")
	}

	rules := make([]results.AliasRule, 0, len(positional))
	for _, p := range positional {
		rule, err := results.ParseAliasRule(p)
		if err != nil {
			return failf("Error: %v", err)
		}
		rule.Subjects = subjects
		rule.Sessions = sessions
		if *copyMode {
			rule.Mode = results.AliasCopy
		}
		rules = append(rules, rule)
	}

	ctx, cancel := signalContext()
	defer cancel()
	a, err := loadApp(ctx, g)
	if err != nil {
		return failf("Load error: %v", err)
	}
	defer a.close()

	m := results.NewMaterializer(a.client, a.client, results.WithLockDir(a.lockDir()))
	report, err := m.Alias(ctx, *root, rules)
	if err != nil {
		return failf("Error: %v", err)
	}
	a.record(ctx, journal.Alias(rules, report))
	return printAliasReport(report, g.jsonOut)
}

func printAliasReport(r *results.AliasReport, jsonOut bool) int {
	if jsonOut {
		var errs []string
		for _, err := range r.Errors {
			errs = append(errs, err.Error())
		}
		printJSON(map[string]any{
			"root":      r.Root,
			"linked":    r.Linked,
			"copied":    r.Copied,
			"rewritten": r.Rewritten,
			"skipped":   r.Skipped,
			"errors":    errs,
		})
		return exitCode(r.OK())
	}
	fmt.Printf("Aliased %s: %d linked, %d copied, %d rewritten, %d already present\n",
		r.Root, len(r.Linked), len(r.Copied), len(r.Rewritten), len(r.Skipped))
	for _, err := range r.Errors {
		fmt.Fprintf(os.Stderr, "  FAILED  %v\n", err)
	}
	return exitCode(r.OK())
}

package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"runtime/debug"
	"strings"
	"time"
)

var (
	version   = "0.1.0-dev"
	gitCommit = "unknown"
	buildDate = "unknown"
)

func main() {
	os.Exit(runCLI(os.Args[1:]))
}

func runCLI(cliArgs []string) int {
	if len(cliArgs) < 1 {
		printUsage(os.Stderr)
		return 1
	}

	cmd := cliArgs[0]
	args := cliArgs[1:]

	switch cmd {
	// --- NOUNS ---
	case "tool":
		return runToolNoun(args)
	case "task":
		return runTaskNoun(args)
	case "results":
		return runResultsNoun(args)
	case "history":
		if hasHelpFlag(args) {
			printHistoryHelp()
			return 0
		}
		return runHistory(args)

	case "--version", "version":
		return runVersion(args)
	case "help", "--help", "-h":
		printUsage(os.Stdout)
		return 0

	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", cmd)
		printUsage(os.Stderr)
		return 1
	}
}

type versionInfo struct {
	Version   string `json:"version"`
	Commit    string `json:"commit"`
	BuildTime string `json:"build_time"`
}

func runVersion(args []string) int {
	fs := flag.NewFlagSet("version", flag.ContinueOnError)
	jsonOut := fs.Bool("json", false, "Output version metadata as JSON")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}
	if fs.NArg() > 0 {
		fmt.Fprintln(os.Stderr, "Usage: cbrainctl version [--json]")
		return 1
	}

	info := currentVersionInfo()
	if *jsonOut {
		return printJSON(info)
	}

	fmt.Printf("cbrainctl %s\n", info.Version)
	fmt.Printf("commit: %s\n", info.Commit)
	fmt.Printf("built_at: %s\n", info.BuildTime)
	return 0
}

func currentVersionInfo() versionInfo {
	info := versionInfo{
		Version:   strings.TrimSpace(version),
		Commit:    "unknown",
		BuildTime: "unknown",
	}
	if info.Version == "" {
		info.Version = "0.0.0-dev"
	}

	commit := strings.TrimSpace(gitCommit)
	if commit == "" || commit == "unknown" {
		commit = readBuildSetting("vcs.revision")
	}
	if commit != "" {
		if len(commit) > 12 {
			commit = commit[:12]
		}
		info.Commit = commit
	}

	built := strings.TrimSpace(buildDate)
	if built == "" || built == "unknown" {
		built = readBuildSetting("vcs.time")
	}
	if t, err := time.Parse(time.RFC3339Nano, built); err == nil {
		info.BuildTime = t.UTC().Format(time.RFC3339)
	}
	return info
}

func readBuildSetting(key string) string {
	info, ok := debug.ReadBuildInfo()
	if !ok {
		return ""
	}
	for _, setting := range info.Settings {
		if setting.Key == key {
			return strings.TrimSpace(setting.Value)
		}
	}
	return ""
}

func printUsage(w io.Writer) {
	fmt.Fprint(w, `cbrainctl - launch, track and collect tasks on a CBRAIN platform

Usage:
  cbrainctl <noun> <action> [flags]

Resources (Nouns):
  tool      Configured tools and their execution targets
  task      Launch, inspect, retry and recover tasks
  results   Download task outputs and relabel local trees
  history   Show the local operation journal

Tool Commands:
  tool list                     Show configured tools and clusters
  tool resolve <tool>           Show the tool config and bourreau for a cluster

Task Commands:
  task launch <tool> k=v...     Launch one task, or one per artifact with --batch
  task status <id>...           Show the current status of tasks
  task wait <id>                Poll a task until it finishes
  task watch <id>...            Follow tasks, a group or a batch in a live table
  task retry <id>               Relaunch a failed task as a new task
  task recover <id>             Ask the platform to recover a failed task
  task retry-failed             Relaunch every failed task of a group
  task recover-failed           Recover every failed task of a group

Results Commands:
  results download              Download result artifacts into a local tree
  results alias old=new...      Relabel task entities in a local tree

General:
  --version         Show version information
  version           Show version information
  help              Show this help message

Global flags (every action): --config FILE, --journal FILE, --json

Use 'cbrainctl <noun> help' for resource-specific flags.
`)
}

// --- NOUN DISPATCHERS ---

func runToolNoun(args []string) int {
	if len(args) < 1 {
		printToolNounHelp(os.Stderr)
		return 1
	}
	if isHelpToken(args[0]) {
		printToolNounHelp(os.Stdout)
		return 0
	}

	action := args[0]
	actionArgs := args[1:]

	switch action {
	case "list":
		return runToolList(actionArgs)
	case "resolve":
		return runToolResolve(actionArgs)
	default:
		fmt.Fprintf(os.Stderr, "Unknown tool action: %s\n", action)
		return 1
	}
}

func runTaskNoun(args []string) int {
	if len(args) < 1 {
		printTaskNounHelp(os.Stderr)
		return 1
	}
	if isHelpToken(args[0]) {
		printTaskNounHelp(os.Stdout)
		return 0
	}

	action := args[0]
	actionArgs := args[1:]

	switch action {
	case "launch":
		if hasHelpFlag(actionArgs) {
			printTaskLaunchHelp()
			return 0
		}
		return runTaskLaunch(actionArgs)
	case "status":
		return runTaskStatus(actionArgs)
	case "wait":
		return runTaskWait(actionArgs)
	case "watch":
		if hasHelpFlag(actionArgs) {
			printTaskWatchHelp()
			return 0
		}
		return runTaskWatch(actionArgs)
	case "retry":
		return runTaskRetry(actionArgs)
	case "recover", "error-recover":
		return runTaskRecover(actionArgs)
	case "retry-failed":
		return runTaskBulk(actionArgs, bulkRetry)
	case "recover-failed", "error-recover-failed":
		return runTaskBulk(actionArgs, bulkRecover)
	default:
		fmt.Fprintf(os.Stderr, "Unknown task action: %s\n", action)
		return 1
	}
}

func runResultsNoun(args []string) int {
	if len(args) < 1 {
		printResultsNounHelp(os.Stderr)
		return 1
	}
	if isHelpToken(args[0]) {
		printResultsNounHelp(os.Stdout)
		return 0
	}

	action := args[0]
	actionArgs := args[1:]

	switch action {
	case "download":
		if hasHelpFlag(actionArgs) {
			printResultsDownloadHelp()
			return 0
		}
		return runResultsDownload(actionArgs)
	case "alias":
		return runResultsAlias(actionArgs)
	default:
		fmt.Fprintf(os.Stderr, "Unknown results action: %s\n", action)
		return 1
	}
}

func isHelpToken(token string) bool {
	return token == "help" || token == "--help" || token == "-h"
}

func hasHelpFlag(args []string) bool {
	for _, arg := range args {
		if arg == "--help" || arg == "-h" {
			return true
		}
	}
	return false
}

func printToolNounHelp(w io.Writer) {
	fmt.Fprintln(w, "Usage: cbrainctl tool <action>")
	fmt.Fprintln(w, "Actions: list, resolve")
}

func printTaskNounHelp(w io.Writer) {
	fmt.Fprintln(w, "Usage: cbrainctl task <action> [flags]")
	fmt.Fprintln(w, "Actions: launch, status, wait, watch, retry, recover, retry-failed, recover-failed")
}

func printResultsNounHelp(w io.Writer) {
	fmt.Fprintln(w, "Usage: cbrainctl results <action> [flags]")
	fmt.Fprintln(w, "Actions: download, alias")
}

func printTaskLaunchHelp() {
	fmt.Print(`Usage: cbrainctl task launch <tool> --group G [flags] key=value...

Flags:
  --cluster NAME          Cluster to run on (default: the tool's default cluster)
  --tool-config-id N      Use this tool config directly, skipping cluster lookup
  --bourreau-id N         Bourreau for --tool-config-id
  --template S            Output name template, e.g. {subject_dir}-{modality}
  --results-dp N          Results data provider id
  --description S         Task description
  --batch                 Launch one task per artifact of the group
  --file-type T           Artifact type a batch expands over
  --batch-group G         Group listed for batch artifacts (default: --group)
  --dry-run               Print the request without submitting

Values are typed: integers and true/false are recognized, and only a
bracketed list such as ids=[1,2,3] becomes a sequence. An unbracketed
value like 1,2,3 stays a string.
File parameters take artifact ids or names.
`)
}

func printTaskWatchHelp() {
	fmt.Print(`Usage: cbrainctl task watch (<id>... | --group G [--batch N] [--filter F]) [flags]

Flags:
  --group G               Follow every task of a group
  --batch N               Only tasks of this batch (needs --group)
  --filter F              Tool name, task type or tool config id
  --interval D            Time between refreshes (default: 30s)
  --exit-when-done        Quit once every task has finished
  --once                  Print one snapshot as text and exit

The table only reads status. Use task wait in scripts.
`)
}

func printResultsDownloadHelp() {
	fmt.Print(`Usage: cbrainctl results download --root DIR (--artifact N | --tool T --group G [--type X]) [flags]

Flags:
  --flatten               Drop the directory named after each artifact
  --skip-dir D            Skip every directory named D, at any depth (repeatable)
  --only-dir GLOB         Keep only files under a matching directory (repeatable)
  --map OLD=NEW           Remap a local path or directory prefix (repeatable)
  --normalize MODE        Prefix file names with subject (or subject and session) labels
`)
}

func printHistoryHelp() {
	fmt.Print(`Usage: cbrainctl history [--limit N] [--task ID] [--json]

Shows operations recorded in the local journal, newest first.
`)
}

func printJSON(v any) int {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to render JSON: %v\n", err)
		return 1
	}
	fmt.Println(string(data))
	return 0
}

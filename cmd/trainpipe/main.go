package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"runtime/debug"
	"strings"
	"time"

	"github.com/mattjoyce/trainpipe/internal/errs"
)

var (
	version   = "0.1.0-dev"
	gitCommit = "unknown"
	buildDate = "unknown"
)

// Exit codes.
const (
	exitOK      = 0
	exitFailure = 1
	// exitConfig is returned when the document is rejected before any
	// stage runs.
	exitConfig = 2
)

func main() {
	os.Exit(runCLI(os.Args[1:]))
}

func runCLI(cliArgs []string) int {
	if len(cliArgs) < 1 {
		printUsage()
		return exitFailure
	}

	cmd := cliArgs[0]
	args := cliArgs[1:]

	switch cmd {
	case "run":
		if hasHelpFlag(args) {
			printRunHelp()
			return exitOK
		}
		return runPipeline(args)
	case "config":
		return runConfigNoun(args)
	case "lock":
		return runLockNoun(args)
	case "runs":
		return runRunsNoun(args)
	case "workspace":
		return runWorkspaceNoun(args)
	case "components":
		return runComponents(args)
	case "version", "--version":
		return runVersion(args)
	case "help", "--help", "-h":
		printUsage()
		return exitOK
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", cmd)
		printUsage()
		return exitFailure
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
		return exitFailure
	}
	if fs.NArg() > 0 {
		fmt.Fprintln(os.Stderr, "Usage: trainpipe version [--json]")
		return exitFailure
	}

	info := currentVersionInfo()
	if *jsonOut {
		return printJSON(info)
	}

	fmt.Printf("trainpipe %s\n", info.Version)
	fmt.Printf("commit: %s\n", info.Commit)
	fmt.Printf("built_at: %s\n", info.BuildTime)
	return exitOK
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
		commit = strings.TrimSpace(readBuildSetting("vcs.revision"))
	}
	if commit != "" {
		info.Commit = shortenCommit(commit)
	}

	built := strings.TrimSpace(buildDate)
	if built == "" || built == "unknown" {
		built = strings.TrimSpace(readBuildSetting("vcs.time"))
	}
	if normalized, ok := normalizeBuildTimeUTC(built); ok {
		info.BuildTime = normalized
	}
	return info
}

func shortenCommit(commit string) string {
	if len(commit) <= 12 {
		return commit
	}
	return commit[:12]
}

func normalizeBuildTimeUTC(raw string) (string, bool) {
	if raw == "" || raw == "unknown" {
		return "", false
	}
	t, err := time.Parse(time.RFC3339Nano, raw)
	if err != nil {
		return "", false
	}
	return t.UTC().Format(time.RFC3339), true
}

func readBuildSetting(key string) string {
	info, ok := debug.ReadBuildInfo()
	if !ok {
		return ""
	}
	for _, setting := range info.Settings {
		if setting.Key == key {
			return setting.Value
		}
	}
	return ""
}

func printUsage() {
	fmt.Print(`trainpipe - declarative ML experiment pipelines

Usage:
  trainpipe <command> [flags]
  trainpipe <noun> <action> [flags]

Commands:
  run <pipeline>      Run train, eval or data_generation against a document
  components          List registered component targets by capability
  version             Show version information

Config Commands:
  config check        Validate a document against a pipeline
  config show         Print the interpolated document
  config get <path>   Print one value by dot path

Lock Commands:
  lock status         Show writer and reader state at a location
  lock force-delete   Remove a stale lock file

Runs Commands:
  runs list           List recorded runs from the ledger
  runs show <id>      Show one run with its stages
  runs serve          Serve the read-only status API

Workspace Commands:
  workspace verify    Check effective-config checksums of a workspace
  workspace cleanup   Remove workspaces older than a given age

Use 'trainpipe <noun> help' for action lists and '<action> --help' for flags.
`)
}

func printRunHelp() {
	fmt.Println("Usage: trainpipe run <train|eval|data_generation> --config FILE [--env-file FILE] [--ledger FILE] [--log-level LEVEL]")
	fmt.Println("Run a pipeline. Exit codes: 0 success, 1 stage failure, 2 document rejected before any stage ran.")
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

func printJSON(v any) int {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to render JSON: %v\n", err)
		return exitFailure
	}
	fmt.Println(string(data))
	return exitOK
}

// reportError prints err with its kind, when it has one.
func reportError(prefix string, err error) {
	if kind := errs.KindOf(err); kind != "" {
		fmt.Fprintf(os.Stderr, "%s [%s]: %v\n", prefix, kind, err)
		return
	}
	fmt.Fprintf(os.Stderr, "%s: %v\n", prefix, err)
}

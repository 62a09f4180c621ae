package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/mattjoyce/trainpipe/internal/config"
	"github.com/mattjoyce/trainpipe/internal/experiment"
	"github.com/mattjoyce/trainpipe/internal/fsys"
	"github.com/mattjoyce/trainpipe/internal/interp"
)

func runWorkspaceNoun(args []string) int {
	if len(args) < 1 {
		printWorkspaceNounHelp(os.Stderr)
		return exitFailure
	}
	if isHelpToken(args[0]) {
		printWorkspaceNounHelp(os.Stdout)
		return exitOK
	}

	action, actionArgs := args[0], args[1:]
	switch action {
	case "verify":
		if hasHelpFlag(actionArgs) {
			fmt.Println("Usage: trainpipe workspace verify --dir WORKSPACE [--json]")
			fmt.Println("Checks every configs/<stage> directory against its .checksums manifest.")
			return exitOK
		}
		return runWorkspaceVerify(actionArgs)
	case "cleanup":
		if hasHelpFlag(actionArgs) {
			fmt.Println("Usage: trainpipe workspace cleanup --output DIR --older-than DURATION")
			fmt.Println("Removes run workspaces whose run id is older than DURATION (e.g. 720h).")
			return exitOK
		}
		return runWorkspaceCleanup(actionArgs)
	default:
		fmt.Fprintf(os.Stderr, "Unknown workspace action: %s\n", action)
		return exitFailure
	}
}

func printWorkspaceNounHelp(w *os.File) {
	fmt.Fprintln(w, "Usage: trainpipe workspace <action> [flags]")
	fmt.Fprintln(w, "Actions: verify, cleanup")
}

type stageIntegrity struct {
	Stage    string   `json:"stage"`
	Passed   bool     `json:"passed"`
	Errors   []string `json:"errors,omitempty"`
	Warnings []string `json:"warnings,omitempty"`
}

func runWorkspaceVerify(args []string) int {
	fs := flag.NewFlagSet("verify", flag.ContinueOnError)
	dir := fs.String("dir", "", "Workspace directory (local path or s3://bucket/prefix)")
	jsonOut := fs.Bool("json", false, "Output in structured JSON format")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return exitFailure
	}
	if *dir == "" {
		fmt.Fprintln(os.Stderr, "--dir is required")
		return exitFailure
	}

	ctx := context.Background()
	env := interp.FromOS()
	store, path, err := fsys.Resolve(ctx, *dir, env.Lookup)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return exitFailure
	}
	wc, info, err := experiment.Open(ctx, store, path, env)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return exitFailure
	}

	entries, err := wc.List(ctx, experiment.ConfigsDir)
	if err != nil && !errors.Is(err, fsys.ErrNotExist) {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return exitFailure
	}

	passed := true
	var results []stageIntegrity
	for _, e := range entries {
		if !e.IsDir {
			continue
		}
		res, err := config.VerifyChecksums(ctx, store, wc.Path(experiment.ConfigsDir, e.Name))
		if err != nil {
			results = append(results, stageIntegrity{Stage: e.Name, Errors: []string{err.Error()}})
			passed = false
			continue
		}
		passed = passed && res.Passed
		results = append(results, stageIntegrity{Stage: e.Name, Passed: res.Passed, Errors: res.Errors, Warnings: res.Warnings})
	}

	if *jsonOut {
		if code := printJSON(map[string]any{"run_id": info.RunID, "passed": passed, "stages": results}); code != exitOK {
			return code
		}
	} else {
		fmt.Println(styleHeader.Render(fmt.Sprintf("workspace %s", info.RunID)))
		if len(results) == 0 {
			fmt.Println("No recorded stage configs.")
		}
		for _, r := range results {
			word := styleOK.Render("ok  ")
			if !r.Passed {
				word = styleFailed.Render("FAIL")
			}
			fmt.Printf("  %s %s\n", word, r.Stage)
			for _, e := range r.Errors {
				fmt.Printf("       %s\n", e)
			}
			for _, w := range r.Warnings {
				fmt.Printf("       %s\n", styleMuted.Render(w))
			}
		}
	}
	if !passed {
		return exitFailure
	}
	return exitOK
}

func runWorkspaceCleanup(args []string) int {
	fs := flag.NewFlagSet("cleanup", flag.ContinueOnError)
	output := fs.String("output", "", "Experiment output location holding run workspaces")
	olderThan := fs.Duration("older-than", 0, "Remove workspaces older than this (e.g. 720h)")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return exitFailure
	}
	if *output == "" || *olderThan <= 0 {
		fmt.Fprintln(os.Stderr, "--output and a positive --older-than are required")
		return exitFailure
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Minute)
	defer cancel()

	env := interp.FromOS()
	store, base, err := fsys.Resolve(ctx, *output, env.Lookup)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return exitFailure
	}
	mgr, err := experiment.NewManager(store, base, env)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return exitFailure
	}
	report, err := mgr.Cleanup(ctx, *olderThan)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return exitFailure
	}
	fmt.Printf("Removed %d workspace(s), kept %d\n", report.DeletedDirs, report.Kept)
	return exitOK
}

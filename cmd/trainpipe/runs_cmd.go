package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/mattjoyce/trainpipe/internal/api"
	"github.com/mattjoyce/trainpipe/internal/ledger"
	"github.com/mattjoyce/trainpipe/internal/log"
	"github.com/mattjoyce/trainpipe/internal/pidfile"
	"github.com/mattjoyce/trainpipe/internal/pipeline"
)

const apiKeyEnv = "TRAINPIPE_API_KEY"

func runRunsNoun(args []string) int {
	if len(args) < 1 {
		printRunsNounHelp(os.Stderr)
		return exitFailure
	}
	if isHelpToken(args[0]) {
		printRunsNounHelp(os.Stdout)
		return exitOK
	}

	action, actionArgs := args[0], args[1:]
	switch action {
	case "list":
		if hasHelpFlag(actionArgs) {
			fmt.Println("Usage: trainpipe runs list --ledger FILE [--limit N] [--json]")
			return exitOK
		}
		return runRunsList(actionArgs)
	case "show":
		if hasHelpFlag(actionArgs) {
			fmt.Println("Usage: trainpipe runs show --ledger FILE [--json] <id>")
			fmt.Println("<id> is the ledger id or the workspace run id.")
			return exitOK
		}
		return runRunsShow(actionArgs)
	case "serve":
		if hasHelpFlag(actionArgs) {
			fmt.Printf("Usage: trainpipe runs serve --ledger FILE [--listen ADDR] [--api-key KEY] [--pid-file FILE]\n")
			fmt.Printf("Without --api-key, %s is used; with neither the API is unauthenticated.\n", apiKeyEnv)
			return exitOK
		}
		return runRunsServe(actionArgs)
	default:
		fmt.Fprintf(os.Stderr, "Unknown runs action: %s\n", action)
		return exitFailure
	}
}

func printRunsNounHelp(w *os.File) {
	fmt.Fprintln(w, "Usage: trainpipe runs <action> [flags]")
	fmt.Fprintln(w, "Actions: list, show, serve")
}

func openStore(ctx context.Context, path string) (*ledger.Store, func(), error) {
	if path == "" {
		return nil, nil, errors.New("--ledger is required")
	}
	if _, err := os.Stat(path); err != nil {
		return nil, nil, fmt.Errorf("ledger %s: %w", path, err)
	}
	db, err := ledger.OpenSQLite(ctx, path)
	if err != nil {
		return nil, nil, err
	}
	return ledger.NewStore(db), func() { _ = db.Close() }, nil
}

func runRunsList(args []string) int {
	fs := flag.NewFlagSet("list", flag.ContinueOnError)
	path := fs.String("ledger", "", "SQLite ledger path")
	limit := fs.Int("limit", 20, "Maximum number of runs")
	jsonOut := fs.Bool("json", false, "Output in structured JSON format")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return exitFailure
	}
	if *limit <= 0 {
		fmt.Fprintln(os.Stderr, "--limit must be positive")
		return exitFailure
	}

	ctx := context.Background()
	store, closeFn, err := openStore(ctx, *path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return exitFailure
	}
	defer closeFn()

	runs, err := store.ListRuns(ctx, *limit)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return exitFailure
	}
	if *jsonOut {
		if runs == nil {
			runs = []ledger.Run{}
		}
		return printJSON(runs)
	}
	if len(runs) == 0 {
		fmt.Println("No runs recorded.")
		return exitOK
	}
	for _, r := range runs {
		id := r.RunID
		if id == "" {
			id = r.ID
		}
		fmt.Printf("%s %-16s %-28s %s\n", statusWord(r.Status), r.Pipeline, id,
			styleMuted.Render(r.StartedAt.Local().Format(time.DateTime)))
	}
	return exitOK
}

func runRunsShow(args []string) int {
	fs := flag.NewFlagSet("show", flag.ContinueOnError)
	path := fs.String("ledger", "", "SQLite ledger path")
	jsonOut := fs.Bool("json", false, "Output in structured JSON format")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return exitFailure
	}
	if fs.NArg() != 1 {
		fmt.Fprintln(os.Stderr, "Usage: trainpipe runs show --ledger FILE [--json] <id>")
		return exitFailure
	}

	ctx := context.Background()
	store, closeFn, err := openStore(ctx, *path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return exitFailure
	}
	defer closeFn()

	run, err := store.GetRun(ctx, fs.Arg(0))
	if errors.Is(err, ledger.ErrRunNotFound) {
		fmt.Fprintf(os.Stderr, "Run %s not found\n", fs.Arg(0))
		return exitFailure
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return exitFailure
	}
	if *jsonOut {
		return printJSON(run)
	}

	fmt.Println(styleHeader.Render(fmt.Sprintf("run %s", run.ID)))
	fmt.Printf("pipeline:    %s\n", run.Pipeline)
	fmt.Printf("status:      %s\n", statusWord(run.Status))
	fmt.Printf("fingerprint: %s\n", run.Fingerprint)
	if run.RunID != "" {
		fmt.Printf("run_id:      %s (%s)\n", run.RunID, run.ShortID)
		fmt.Printf("workspace:   %s\n", run.Workspace)
	}
	fmt.Printf("started:     %s\n", run.StartedAt.Local().Format(time.DateTime))
	if run.FinishedAt != nil {
		fmt.Printf("finished:    %s (%s)\n", run.FinishedAt.Local().Format(time.DateTime),
			run.FinishedAt.Sub(run.StartedAt).Round(time.Millisecond))
	}
	if run.LastError != "" {
		fmt.Printf("error:       [%s] %s\n", run.ErrorKind, run.LastError)
	}
	for _, st := range run.Stages {
		fmt.Printf("  %2d %s %s\n", st.Seq, statusWord(st.Status), st.Stage)
		if st.LastError != "" {
			fmt.Printf("       %s\n", styleFailed.Render(st.LastError))
		}
	}
	return exitOK
}

func runRunsServe(args []string) int {
	fs := flag.NewFlagSet("serve", flag.ContinueOnError)
	path := fs.String("ledger", "", "SQLite ledger path")
	listen := fs.String("listen", "127.0.0.1:8088", "Listen address")
	apiKey := fs.String("api-key", "", "Bearer token required by the API")
	pidPath := fs.String("pid-file", "", "Optional PID file keeping the server single-instance")
	logLevel := fs.String("log-level", "info", "Log level: debug, info, warn, error")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return exitFailure
	}
	log.Setup(*logLevel)
	logger := log.WithComponent("api")

	if *pidPath != "" {
		pf, err := pidfile.Acquire(*pidPath)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			return exitFailure
		}
		defer func() { _ = pf.Release() }()
	}

	key := *apiKey
	if key == "" {
		key = os.Getenv(apiKeyEnv)
	}
	if key == "" {
		logger.Warn("no API key configured, status API is unauthenticated")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, closeFn, err := openStore(ctx, *path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return exitFailure
	}
	defer closeFn()

	set, err := pipeline.Builtin()
	if err != nil {
		reportError("Pipelines", err)
		return exitFailure
	}

	srv := api.New(api.Config{Listen: *listen, APIKey: key}, store, set, logger)
	if err := srv.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return exitFailure
	}
	return exitOK
}

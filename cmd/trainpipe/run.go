package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/mattjoyce/trainpipe/internal/components"
	"github.com/mattjoyce/trainpipe/internal/config"
	"github.com/mattjoyce/trainpipe/internal/interp"
	"github.com/mattjoyce/trainpipe/internal/ledger"
	"github.com/mattjoyce/trainpipe/internal/log"
	"github.com/mattjoyce/trainpipe/internal/pipeline"
)

// docFlags are the flags every document-reading action shares.
type docFlags struct {
	configPath string
	envFile    string
}

func (f *docFlags) register(fs *flag.FlagSet) {
	fs.StringVar(&f.configPath, "config", "", "Path to the pipeline document (YAML)")
	fs.StringVar(&f.envFile, "env-file", "", "Optional .env file; process variables win")
}

func (f *docFlags) env() (interp.Env, error) {
	env := interp.FromOS()
	if f.envFile == "" {
		return env, nil
	}
	return env.WithDotEnv(f.envFile)
}

func (f *docFlags) load() (*config.Document, interp.Env, error) {
	if f.configPath == "" {
		return nil, interp.Env{}, errors.New("--config is required")
	}
	env, err := f.env()
	if err != nil {
		return nil, interp.Env{}, err
	}
	doc, err := config.Load(f.configPath, config.LoadOptions{Env: env, Logger: log.WithComponent("config")})
	if err != nil {
		return nil, interp.Env{}, err
	}
	return doc, env, nil
}

// runPipeline handles: trainpipe run <pipeline> --config FILE
func runPipeline(args []string) int {
	if len(args) < 1 || args[0] == "" || args[0][0] == '-' {
		printRunHelp()
		return exitFailure
	}
	name := args[0]

	var df docFlags
	fs := flag.NewFlagSet("run", flag.ContinueOnError)
	df.register(fs)
	ledgerPath := fs.String("ledger", "", "SQLite ledger path (overrides resources.ledger.path)")
	logLevel := fs.String("log-level", "info", "Log level: debug, info, warn, error")
	if err := fs.Parse(args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return exitFailure
	}

	log.Setup(*logLevel)
	logger := log.WithComponent("main")

	doc, env, err := df.load()
	if err != nil {
		reportError("Load error", err)
		return exitConfig
	}

	registry, err := components.New()
	if err != nil {
		reportError("Component registry", err)
		return exitFailure
	}
	set, err := pipeline.Builtin()
	if err != nil {
		reportError("Pipelines", err)
		return exitFailure
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	opts := pipeline.Options{Registry: registry, Env: env, Logger: logger}

	path := *ledgerPath
	if path == "" {
		configured, ok, err := doc.LedgerPath()
		if err != nil {
			reportError("Load error", err)
			return exitConfig
		}
		if ok {
			path = configured
		}
	}
	if path != "" {
		db, err := ledger.OpenSQLite(ctx, path)
		if err != nil {
			reportError("Ledger", err)
			return exitFailure
		}
		defer db.Close()
		opts.Recorder = ledger.NewStore(db)
		logger.Info("ledger opened", "path", path)
	}

	logger.Info("trainpipe starting", "version", version, "pipeline", name, "config", df.configPath)
	res, err := pipeline.NewRunner(set, opts).Run(ctx, name, doc)
	if res == nil {
		reportError("Rejected", err)
		return exitConfig
	}

	printResult(res)
	if err != nil {
		reportError("Run failed", err)
		return exitFailure
	}
	return exitOK
}

func printResult(res *pipeline.Result) {
	fmt.Println(styleHeader.Render(fmt.Sprintf("pipeline %s", res.Pipeline)))
	if res.RunID != "" {
		fmt.Printf("run_id:    %s (%s)\n", res.RunID, res.ShortID)
		fmt.Printf("workspace: %s\n", res.Workspace)
	}
	for _, st := range res.Stages {
		line := fmt.Sprintf("  %s %-22s", statusWord(st.Status), st.Stage)
		if st.Duration > 0 {
			line += styleMuted.Render(st.Duration.Round(1e6).String())
		}
		fmt.Println(line)
	}
}

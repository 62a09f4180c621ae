package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/mattjoyce/trainpipe/internal/filelock"
	"github.com/mattjoyce/trainpipe/internal/fsys"
	"github.com/mattjoyce/trainpipe/internal/interp"
)

func runLockNoun(args []string) int {
	if len(args) < 1 {
		printLockNounHelp(os.Stderr)
		return exitFailure
	}
	if isHelpToken(args[0]) {
		printLockNounHelp(os.Stdout)
		return exitOK
	}

	action, actionArgs := args[0], args[1:]
	switch action {
	case "status":
		if hasHelpFlag(actionArgs) {
			fmt.Println("Usage: trainpipe lock status --location DIR [--write-name NAME] [--read-name NAME] [--json]")
			return exitOK
		}
		return runLockStatus(actionArgs)
	case "force-delete":
		if hasHelpFlag(actionArgs) {
			fmt.Println("Usage: trainpipe lock force-delete --location DIR [--kind write|read] [--write-name NAME] [--read-name NAME]")
			fmt.Println("Removes the lock file whether or not its owner is still alive.")
			return exitOK
		}
		return runLockForceDelete(actionArgs)
	default:
		fmt.Fprintf(os.Stderr, "Unknown lock action: %s\n", action)
		return exitFailure
	}
}

func printLockNounHelp(w *os.File) {
	fmt.Fprintln(w, "Usage: trainpipe lock <action> [flags]")
	fmt.Fprintln(w, "Actions: status, force-delete")
}

type lockFlags struct {
	cfg     filelock.Config
	kind    string
	envFile string
}

func (f *lockFlags) register(fs *flag.FlagSet) {
	fs.StringVar(&f.cfg.Location, "location", "", "Lock directory (local path or s3://bucket/prefix)")
	fs.StringVar(&f.kind, "kind", string(filelock.KindWrite), "Lock kind: write or read")
	fs.StringVar(&f.cfg.WriteLockName, "write-name", filelock.DefaultWriteLockName, "Write lock file name")
	fs.StringVar(&f.cfg.ReadLockName, "read-name", filelock.DefaultReadLockName, "Read lock file name")
	fs.StringVar(&f.envFile, "env-file", "", "Optional .env file with object store settings")
}

func (f *lockFlags) open(ctx context.Context) (*filelock.Lock, error) {
	if f.cfg.Location == "" {
		return nil, fmt.Errorf("--location is required")
	}
	env := interp.FromOS()
	if f.envFile != "" {
		var err error
		if env, err = env.WithDotEnv(f.envFile); err != nil {
			return nil, err
		}
	}
	cfg := f.cfg
	cfg.Kind = filelock.Kind(f.kind)
	cfg = cfg.WithDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	fs, dir, err := fsys.Resolve(ctx, cfg.Location, env.Lookup)
	if err != nil {
		return nil, err
	}
	return filelock.New(fs, dir, cfg)
}

type lockStatus struct {
	Location    string `json:"location"`
	WriteHeld   bool   `json:"write_held"`
	ReadHolders int    `json:"read_holders"`
}

func runLockStatus(args []string) int {
	var lf lockFlags
	fs := flag.NewFlagSet("status", flag.ContinueOnError)
	lf.register(fs)
	jsonOut := fs.Bool("json", false, "Output in structured JSON format")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return exitFailure
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	lock, err := lf.open(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return exitFailure
	}
	held, err := lock.WriteHeld(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return exitFailure
	}
	readers, err := lock.ReadCount(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return exitFailure
	}

	st := lockStatus{Location: lf.cfg.Location, WriteHeld: held, ReadHolders: readers}
	if *jsonOut {
		return printJSON(st)
	}
	writer := styleOK.Render("free")
	if held {
		writer = styleFailed.Render("held")
	}
	fmt.Printf("location: %s\n", st.Location)
	fmt.Printf("writer:   %s\n", writer)
	fmt.Printf("readers:  %d\n", st.ReadHolders)
	return exitOK
}

func runLockForceDelete(args []string) int {
	var lf lockFlags
	fs := flag.NewFlagSet("force-delete", flag.ContinueOnError)
	lf.register(fs)
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return exitFailure
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	lock, err := lf.open(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return exitFailure
	}
	if err := lock.ForceDelete(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return exitFailure
	}
	fmt.Printf("Removed %s lock at %s\n", lock.Config().Kind, lf.cfg.Location)
	return exitOK
}

package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/mattjoyce/trainpipe/internal/components"
	"github.com/mattjoyce/trainpipe/internal/doctor"
	"github.com/mattjoyce/trainpipe/internal/initnode"
	"github.com/mattjoyce/trainpipe/internal/pipeline"
)

func runConfigNoun(args []string) int {
	if len(args) < 1 {
		printConfigNounHelp(os.Stderr)
		return exitFailure
	}
	if isHelpToken(args[0]) {
		printConfigNounHelp(os.Stdout)
		return exitOK
	}

	action, actionArgs := args[0], args[1:]
	switch action {
	case "check":
		if hasHelpFlag(actionArgs) {
			fmt.Println("Usage: trainpipe config check --config FILE [--pipeline NAME] [--env-file FILE] [--json]")
			fmt.Println("Validate stage parameters, locks, object store settings and resources without running anything.")
			return exitOK
		}
		return runConfigCheck(actionArgs)
	case "show":
		if hasHelpFlag(actionArgs) {
			fmt.Println("Usage: trainpipe config show --config FILE [--env-file FILE] [--json] [path]")
			return exitOK
		}
		return runConfigShow(actionArgs)
	case "get":
		if hasHelpFlag(actionArgs) {
			fmt.Println("Usage: trainpipe config get --config FILE [--json] <dot.path>")
			fmt.Println("Paths: ops.train.train_params.epochs, stage:prediction.datasets, resource:ledger.path")
			return exitOK
		}
		return runConfigGet(actionArgs)
	default:
		fmt.Fprintf(os.Stderr, "Unknown config action: %s\n", action)
		return exitFailure
	}
}

func printConfigNounHelp(w *os.File) {
	fmt.Fprintln(w, "Usage: trainpipe config <action> [flags]")
	fmt.Fprintln(w, "Actions: check, show, get")
}

func runConfigCheck(args []string) int {
	var df docFlags
	fs := flag.NewFlagSet("check", flag.ContinueOnError)
	df.register(fs)
	name := fs.String("pipeline", pipeline.Train, "Pipeline the document is meant for")
	jsonOut := fs.Bool("json", false, "Output in structured JSON format")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return exitFailure
	}

	doc, env, err := df.load()
	if err != nil {
		reportError("Load error", err)
		return exitFailure
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

	result := doctor.New(doc, set, registry, env).Validate(*name)
	if *jsonOut {
		out, err := doctor.FormatJSON(result)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			return exitFailure
		}
		fmt.Println(out)
	} else {
		fmt.Print(doctor.FormatHuman(result))
	}
	if !result.Valid {
		return exitFailure
	}
	return exitOK
}

func runConfigShow(args []string) int {
	var df docFlags
	fs := flag.NewFlagSet("show", flag.ContinueOnError)
	df.register(fs)
	jsonOut := fs.Bool("json", false, "Output in structured JSON format")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return exitFailure
	}

	doc, _, err := df.load()
	if err != nil {
		reportError("Load error", err)
		return exitFailure
	}

	if fs.NArg() == 0 && !*jsonOut {
		data, err := doc.Marshal()
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			return exitFailure
		}
		fmt.Print(string(data))
		return exitOK
	}

	path := ""
	if fs.NArg() > 0 {
		path = fs.Arg(0)
	}
	return printNode(doc.GetPath, path, *jsonOut)
}

func runConfigGet(args []string) int {
	var df docFlags
	fs := flag.NewFlagSet("get", flag.ContinueOnError)
	df.register(fs)
	jsonOut := fs.Bool("json", false, "Output in structured JSON format")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return exitFailure
	}
	if fs.NArg() != 1 {
		fmt.Fprintln(os.Stderr, "Usage: trainpipe config get --config FILE [--json] <dot.path>")
		return exitFailure
	}

	doc, _, err := df.load()
	if err != nil {
		reportError("Load error", err)
		return exitFailure
	}
	return printNode(doc.GetPath, fs.Arg(0), *jsonOut)
}

func printNode(get func(string) (initnode.Node, error), path string, jsonOut bool) int {
	n, err := get(path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return exitFailure
	}
	if jsonOut {
		return printJSON(initnode.Plain(n))
	}
	if s, ok := n.(*initnode.Scalar); ok {
		fmt.Printf("%v\n", s.Value)
		return exitOK
	}
	data, err := initnode.Marshal(n)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return exitFailure
	}
	fmt.Print(string(data))
	return exitOK
}

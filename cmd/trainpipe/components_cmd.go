package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/mattjoyce/trainpipe/internal/components"
)

type capabilityTargets struct {
	Capability string   `json:"capability"`
	Targets    []string `json:"targets"`
}

func runComponents(args []string) int {
	fs := flag.NewFlagSet("components", flag.ContinueOnError)
	jsonOut := fs.Bool("json", false, "Output in structured JSON format")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return exitFailure
	}

	registry, err := components.New()
	if err != nil {
		reportError("Component registry", err)
		return exitFailure
	}

	var out []capabilityTargets
	for _, c := range registry.Capabilities() {
		out = append(out, capabilityTargets{Capability: c, Targets: registry.TargetsOf(c)})
	}
	if *jsonOut {
		return printJSON(out)
	}
	for _, ct := range out {
		fmt.Println(styleHeader.Render(ct.Capability))
		for _, t := range ct.Targets {
			fmt.Printf("  %s\n", t)
		}
	}
	return exitOK
}

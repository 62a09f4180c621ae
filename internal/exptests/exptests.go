// Package exptests checks post-conditions on a finished experiment
// workspace and records the outcome in exp_tests.csv.
package exptests

import (
	"context"
	"errors"
	"fmt"

	"github.com/mattjoyce/trainpipe/internal/errs"
	"github.com/mattjoyce/trainpipe/internal/experiment"
	"github.com/mattjoyce/trainpipe/internal/fsys"
)

// Status is the outcome of one test.
type Status string

const (
	OK     Status = "OK"
	Failed Status = "FAILED"
)

// Result is one row of exp_tests.csv.
type Result struct {
	Status  Status
	Name    string
	Message string
}

// Header is the exp_tests.csv header.
var Header = []string{"status", "name", "message"}

// PostRunTest inspects the workspace at path.
type PostRunTest interface {
	Run(ctx context.Context, path string, fs fsys.FS) Result
}

func ok(name, format string, args ...any) Result {
	return Result{Status: OK, Name: name, Message: fmt.Sprintf(format, args...)}
}

func failed(name, format string, args ...any) Result {
	return Result{Status: Failed, Name: name, Message: fmt.Sprintf(format, args...)}
}

// ProcessArgs configure Process.
type ProcessArgs struct {
	Tests []PostRunTest `yaml:"tests"`
}

// Process runs every test, writes exp_tests.csv and fails with a
// post-run-failed error when any test failed.
type Process struct {
	args ProcessArgs
}

// NewProcess builds a Process.
func NewProcess(args ProcessArgs) (*Process, error) {
	return &Process{args: args}, nil
}

func (p *Process) InitArgs() any { return p.args }

// Run executes the tests against c and returns their results.
func (p *Process) Run(ctx context.Context, c *experiment.Context) ([]Result, error) {
	logger := c.Logger().With("component", "exptests")
	results := make([]Result, 0, len(p.args.Tests))
	var failures []string
	for _, t := range p.args.Tests {
		if err := ctx.Err(); err != nil {
			return results, err
		}
		r := t.Run(ctx, c.Dir, c.FS)
		results = append(results, r)
		if r.Status != OK {
			failures = append(failures, r.Name)
			logger.Warn("post-run test failed", "test", r.Name, "message", r.Message)
		} else {
			logger.Debug("post-run test passed", "test", r.Name)
		}
	}

	rows := make([][]string, len(results))
	for i, r := range results {
		rows[i] = []string{string(r.Status), r.Name, r.Message}
	}
	if err := c.WriteCSV(ctx, experiment.ExpTestsFile, Header, rows); err != nil {
		return results, fmt.Errorf("write %s: %w", experiment.ExpTestsFile, err)
	}
	if len(failures) > 0 {
		return results, errs.New(errs.PostRunFailed, "%d of %d post-run tests failed", len(failures), len(results)).
			WithDetail("failed", failures)
	}
	logger.Info("post-run tests passed", "count", len(results))
	return results, nil
}

// ReadResults reads exp_tests.csv back.
func ReadResults(ctx context.Context, c *experiment.Context) ([]Result, error) {
	header, rows, err := c.ReadCSV(ctx, experiment.ExpTestsFile)
	if err != nil {
		return nil, err
	}
	if len(header) != len(Header) {
		return nil, errors.New("unexpected exp_tests.csv header")
	}
	out := make([]Result, len(rows))
	for i, row := range rows {
		if len(row) != len(Header) {
			return nil, fmt.Errorf("exp_tests.csv row %d has %d fields", i+1, len(row))
		}
		out[i] = Result{Status: Status(row[0]), Name: row[1], Message: row[2]}
	}
	return out, nil
}

// Package doctor validates a pipeline document against a pipeline
// definition without running anything.
package doctor

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/mattjoyce/trainpipe/internal/config"
	"github.com/mattjoyce/trainpipe/internal/errs"
	"github.com/mattjoyce/trainpipe/internal/filelock"
	"github.com/mattjoyce/trainpipe/internal/fsys"
	"github.com/mattjoyce/trainpipe/internal/initnode"
	"github.com/mattjoyce/trainpipe/internal/interp"
	"github.com/mattjoyce/trainpipe/internal/pipeline"
	"github.com/mattjoyce/trainpipe/internal/stages"
)

// Result holds the outcome of a validation run.
type Result struct {
	Valid    bool    `json:"valid"`
	Pipeline string  `json:"pipeline"`
	Errors   []Issue `json:"errors,omitempty"`
	Warnings []Issue `json:"warnings,omitempty"`
}

// Issue describes a single validation error or warning.
type Issue struct {
	Category string `json:"category"`
	Message  string `json:"message"`
	Field    string `json:"field,omitempty"`
}

// Doctor checks a loaded document for one pipeline.
type Doctor struct {
	doc      *config.Document
	set      *pipeline.Set
	registry *initnode.Registry
	env      interp.Env
	stages   map[string]stages.Stage
}

// New creates a Doctor.
func New(doc *config.Document, set *pipeline.Set, registry *initnode.Registry, env interp.Env) *Doctor {
	return &Doctor{doc: doc, set: set, registry: registry, env: env, stages: stages.All()}
}

// Validate runs all checks for the named pipeline and returns a result.
func (d *Doctor) Validate(name string) *Result {
	r := &Result{Valid: true, Pipeline: name}

	p, ok := d.set.Pipelines[name]
	if !ok {
		d.addError(r, "pipeline", "", fmt.Sprintf("unknown pipeline %q (have %s)", name, strings.Join(d.set.Names(), ", ")))
		r.Valid = false
		return r
	}

	d.validateStages(r, p)
	d.validateLocks(r)
	d.validateObjectStore(r)
	d.validateResources(r)
	d.warnUnusedOps(r, p)
	d.warnUnusedGlobals(r)

	r.Valid = len(r.Errors) == 0
	return r
}

func (d *Doctor) addError(r *Result, category, field, msg string) {
	r.Errors = append(r.Errors, Issue{Category: category, Field: field, Message: msg})
}

func (d *Doctor) addWarning(r *Result, category, field, msg string) {
	r.Warnings = append(r.Warnings, Issue{Category: category, Field: field, Message: msg})
}

// validateStages checks every stage is configured and its parameters match
// the stage schema.
func (d *Doctor) validateStages(r *Result, p *pipeline.Pipeline) {
	for _, name := range p.Stages() {
		field := config.KeyOps + "." + name
		params, ok := d.doc.Stage(name)
		if !ok {
			if !pipeline.IsOptional(name) {
				d.addError(r, "stages", field, fmt.Sprintf("stage %q is required by pipeline %q", name, p.Name))
			}
			continue
		}
		st, ok := d.stages[name]
		if !ok {
			d.addError(r, "stages", field, fmt.Sprintf("no implementation for stage %q", name))
			continue
		}
		if err := st.Validate(d.registry, params); err != nil {
			category := "stages"
			if kind := errs.KindOf(err); kind != "" {
				category = string(kind)
			}
			d.addError(r, category, field, err.Error())
		}
	}
}

type lockSlot struct {
	Lock filelock.Config `yaml:"lock"`
}

// validateLocks checks acquire_locks entries: each config must be valid,
// and two write locks on one location would wait on each other until the
// timeout.
func (d *Doctor) validateLocks(r *Result) {
	params, ok := d.doc.Stage(stages.AcquireLocks)
	if !ok {
		return
	}
	if _, released := d.doc.Stage(stages.ReleaseLocks); !released {
		d.addWarning(r, "locks", config.KeyOps+"."+stages.ReleaseLocks,
			"locks are held until the pipeline exits; configure release_locks to free them before exptests")
	}

	seen := make(map[string]string)
	for _, e := range params.Entries {
		if e.Key == stages.RemoveKeysParam {
			continue
		}
		field := fmt.Sprintf("%s.%s.%s", config.KeyOps, stages.AcquireLocks, e.Key)
		var slot lockSlot
		wrapped := &initnode.Mapping{Entries: []initnode.Entry{{Key: "lock", Value: e.Value}}}
		if err := d.registry.DecodeArgs(context.Background(), wrapped, &slot); err != nil {
			// reported by validateStages
			continue
		}
		cfg := slot.Lock.WithDefaults()
		if err := cfg.Validate(); err != nil {
			d.addError(r, "locks", field, err.Error())
			continue
		}
		if cfg.RetryTime > cfg.Timeout {
			d.addWarning(r, "locks", field+".retry_time",
				fmt.Sprintf("retry_time %s exceeds timeout %s; the lock is tried once", cfg.RetryTime, cfg.Timeout))
		}
		if cfg.Timeout < time.Second {
			d.addWarning(r, "locks", field+".timeout", fmt.Sprintf("timeout %s is very short", cfg.Timeout))
		}
		if cfg.Kind != filelock.KindWrite {
			continue
		}
		key := strings.TrimSuffix(cfg.Location, "/") + "|" + cfg.WriteLockName
		if prev, dup := seen[key]; dup {
			d.addError(r, "locks", field,
				fmt.Sprintf("write lock on %q already taken by %s; the second acquire would time out", cfg.Location, prev))
			continue
		}
		seen[key] = e.Key
	}
}

// validateObjectStore checks S3 settings when any op names an s3:// URI.
func (d *Doctor) validateObjectStore(r *Result) {
	var fields []string
	walkStrings(d.doc.Ops, config.KeyOps, func(path, value string) {
		if strings.HasPrefix(value, string(fsys.KindObject)+"://") {
			fields = append(fields, path)
		}
	})
	if len(fields) == 0 {
		return
	}
	if _, err := fsys.ObjectStoreConfigFromLookup(d.env.Lookup); err != nil {
		d.addError(r, "filesystem", fields[0],
			fmt.Sprintf("%d s3:// location(s) configured but object store settings are unusable: %v", len(fields), err))
	}
}

// validateResources checks the resources block keys trainpipe reads.
func (d *Doctor) validateResources(r *Result) {
	if _, _, err := d.doc.LedgerPath(); err != nil {
		d.addError(r, "resources", config.KeyResources+"."+config.ResourceLedger, err.Error())
	}
}

// warnUnusedOps warns about ops entries the pipeline never runs.
func (d *Doctor) warnUnusedOps(r *Result, p *pipeline.Pipeline) {
	used := make(map[string]bool)
	for _, name := range p.Stages() {
		used[name] = true
	}
	for _, name := range d.doc.StageNames() {
		if !used[name] {
			d.addWarning(r, "unused", config.KeyOps+"."+name,
				fmt.Sprintf("stage %q is not part of pipeline %q", name, p.Name))
		}
	}
}

func (d *Doctor) warnUnusedGlobals(r *Result) {
	for _, g := range d.doc.UnusedGlobals {
		d.addWarning(r, "globals", g, "global defined but never referenced")
	}
}

func walkStrings(n initnode.Node, path string, fn func(path, value string)) {
	switch v := n.(type) {
	case *initnode.Scalar:
		if s, ok := v.Value.(string); ok {
			fn(path, s)
		}
	case *initnode.Sequence:
		for i, item := range v.Items {
			walkStrings(item, fmt.Sprintf("%s[%d]", path, i), fn)
		}
	case *initnode.Mapping:
		for _, e := range v.Entries {
			walkStrings(e.Value, path+"."+e.Key, fn)
		}
	case *initnode.Init:
		for _, e := range v.Args {
			walkStrings(e.Value, path+"."+e.Key, fn)
		}
	}
}

// FormatHuman returns a human-readable validation report.
func FormatHuman(r *Result) string {
	var b strings.Builder

	if r.Valid && len(r.Warnings) == 0 {
		fmt.Fprintf(&b, "Configuration valid for pipeline %s.\n", r.Pipeline)
		return b.String()
	}

	if r.Valid {
		fmt.Fprintf(&b, "Configuration valid for pipeline %s (%d warning(s))\n", r.Pipeline, len(r.Warnings))
	} else {
		fmt.Fprintf(&b, "Configuration invalid for pipeline %s (%d error(s), %d warning(s))\n", r.Pipeline, len(r.Errors), len(r.Warnings))
	}

	for _, e := range r.Errors {
		writeIssue(&b, "ERROR", e)
	}
	for _, w := range r.Warnings {
		writeIssue(&b, "WARN ", w)
	}
	return b.String()
}

func writeIssue(b *strings.Builder, level string, is Issue) {
	if is.Field != "" {
		fmt.Fprintf(b, "  %s [%s] %s: %s\n", level, is.Category, is.Field, is.Message)
		return
	}
	fmt.Fprintf(b, "  %s [%s] %s\n", level, is.Category, is.Message)
}

// FormatJSON returns the result as indented JSON.
func FormatJSON(r *Result) (string, error) {
	data, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// Package predict writes model predictions into the experiment workspace.
//
// A Handler is a scoped resource: Open binds it to a workspace and dataset
// name, Add receives every predicted batch together with the batch's info
// records, and Close writes whatever the handler buffered. One handler is
// reused for every dataset of a prediction run, so Open resets its state.
package predict

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"gonum.org/v1/gonum/mat"

	"github.com/mattjoyce/trainpipe/internal/data"
	"github.com/mattjoyce/trainpipe/internal/experiment"
)

// Handler receives predictions for one dataset at a time.
type Handler interface {
	Open(ctx context.Context, c *experiment.Context, name string) error
	Add(ctx context.Context, infos []data.DataInfo, pred *mat.Dense) error
	Close(ctx context.Context) error
}

// session is the per-dataset state shared by the handlers.
type session struct {
	c     *experiment.Context
	name  string
	added int
}

func (s *session) open(c *experiment.Context, name string) error {
	if c == nil {
		return errors.New("prediction handler needs an experiment context")
	}
	if name == "" {
		return errors.New("prediction handler needs a dataset name")
	}
	*s = session{c: c, name: name}
	return nil
}

func (s *session) check(infos []data.DataInfo, pred *mat.Dense) error {
	if s.c == nil {
		return errors.New("prediction handler is not open")
	}
	if pred == nil {
		return errors.New("nil prediction batch")
	}
	if r, _ := pred.Dims(); r != len(infos) {
		return fmt.Errorf("prediction batch has %d rows for %d info records", r, len(infos))
	}
	s.added += len(infos)
	return nil
}

// empty reports whether Close has nothing to write, logging the warning.
func (s *session) empty(component string) bool {
	if s.added > 0 {
		return false
	}
	s.c.Logger().Warn("no predictions added, nothing written", "component", component, "dataset", s.name)
	return true
}

// fileKey turns an item identifier into a single path element.
func fileKey(id string) string {
	r := strings.NewReplacer("/", "__", "\\", "__", ":", "_")
	return r.Replace(id)
}

// CombinationArgs configure CombinationHandler.
type CombinationArgs struct {
	Handlers []Handler `yaml:"handlers" validate:"required,min=1"`
}

// CombinationHandler forwards every call to its children in order.
type CombinationHandler struct {
	args CombinationArgs
}

// NewCombinationHandler builds a CombinationHandler.
func NewCombinationHandler(args CombinationArgs) (*CombinationHandler, error) {
	if len(args.Handlers) == 0 {
		return nil, errors.New("combination handler needs at least one handler")
	}
	return &CombinationHandler{args: args}, nil
}

func (h *CombinationHandler) InitArgs() any { return h.args }

func (h *CombinationHandler) Open(ctx context.Context, c *experiment.Context, name string) error {
	for i, child := range h.args.Handlers {
		if err := child.Open(ctx, c, name); err != nil {
			return fmt.Errorf("open handler %d (%T): %w", i, child, err)
		}
	}
	return nil
}

func (h *CombinationHandler) Add(ctx context.Context, infos []data.DataInfo, pred *mat.Dense) error {
	for i, child := range h.args.Handlers {
		if err := child.Add(ctx, infos, pred); err != nil {
			return fmt.Errorf("handler %d (%T): %w", i, child, err)
		}
	}
	return nil
}

// Close closes every child even when an earlier one fails.
func (h *CombinationHandler) Close(ctx context.Context) error {
	var errs []error
	for i, child := range h.args.Handlers {
		if err := child.Close(ctx); err != nil {
			errs = append(errs, fmt.Errorf("close handler %d (%T): %w", i, child, err))
		}
	}
	return errors.Join(errs...)
}

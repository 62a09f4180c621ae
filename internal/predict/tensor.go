package predict

import (
	"bytes"
	"context"
	"fmt"

	"github.com/sbinet/npyio"
	"github.com/sbinet/npyio/npz"
	"gonum.org/v1/gonum/mat"

	"github.com/mattjoyce/trainpipe/internal/data"
	"github.com/mattjoyce/trainpipe/internal/experiment"
)

// TensorArgs configure TensorHandler.
type TensorArgs struct {
	// Stream writes every prediction to its own .npy file as it arrives
	// instead of one .npz archive on close.
	Stream bool `yaml:"stream"`
}

// TensorHandler stores one array per item keyed by the item id.
type TensorHandler struct {
	args TensorArgs
	s    session

	keys   []string
	arrays map[string][]float64
}

// NewTensorHandler builds a TensorHandler.
func NewTensorHandler(args TensorArgs) (*TensorHandler, error) {
	return &TensorHandler{args: args}, nil
}

func (h *TensorHandler) InitArgs() any { return h.args }

// ArchivePath is the .npz archive for dataset name.
func ArchivePath(name string) string {
	return experiment.PredictionsDir + "/" + name + ".npz"
}

// StreamPath is the streamed .npy file of one item.
func StreamPath(name, id string) string {
	return experiment.PredictionsDir + "/" + name + "/" + fileKey(id) + ".npy"
}

func (h *TensorHandler) Open(_ context.Context, c *experiment.Context, name string) error {
	if err := h.s.open(c, name); err != nil {
		return err
	}
	h.keys = nil
	h.arrays = map[string][]float64{}
	return nil
}

func (h *TensorHandler) Add(ctx context.Context, infos []data.DataInfo, pred *mat.Dense) error {
	if err := h.s.check(infos, pred); err != nil {
		return err
	}
	for i, info := range infos {
		row := mat.Row(nil, i, pred)
		if h.args.Stream {
			var buf bytes.Buffer
			if err := npyio.Write(&buf, row); err != nil {
				return fmt.Errorf("encode prediction %s: %w", info.ID, err)
			}
			if err := h.s.c.WriteBytes(ctx, StreamPath(h.s.name, info.ID), buf.Bytes()); err != nil {
				return err
			}
			continue
		}
		key := fileKey(info.ID)
		if _, dup := h.arrays[key]; dup {
			return fmt.Errorf("duplicate prediction id %q", info.ID)
		}
		h.keys = append(h.keys, key)
		h.arrays[key] = row
	}
	return nil
}

func (h *TensorHandler) Close(ctx context.Context) error {
	if h.s.c == nil || h.s.empty("tensor_handler") || h.args.Stream {
		return nil
	}
	var buf bytes.Buffer
	zw := npz.NewWriter(&buf)
	for _, key := range h.keys {
		if err := zw.Write(key, h.arrays[key]); err != nil {
			return fmt.Errorf("encode prediction %s: %w", key, err)
		}
	}
	if err := zw.Close(); err != nil {
		return fmt.Errorf("finish npz archive: %w", err)
	}
	rel := ArchivePath(h.s.name)
	if err := h.s.c.WriteBytes(ctx, rel, buf.Bytes()); err != nil {
		return err
	}
	h.s.c.Logger().Info("predictions written", "path", rel, "arrays", len(h.keys))
	return nil
}

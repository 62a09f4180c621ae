package predict

import (
	"bytes"
	"context"
	"fmt"
	"math"

	"github.com/klauspost/compress/zstd"
	"github.com/sbinet/npyio"
	"gonum.org/v1/gonum/mat"

	"github.com/mattjoyce/trainpipe/internal/data"
	"github.com/mattjoyce/trainpipe/internal/experiment"
)

// Chunk store element types.
const (
	DtypeFloat64 = "float64"
	DtypeUint8   = "uint8"
)

const (
	chunkMetaFile = "meta.json"
	chunkExt      = ".npy.zst"
	quantScale    = 255
)

// ChunkMeta is the manifest of a chunk store.
type ChunkMeta struct {
	Dtype     string   `json:"dtype"`
	Shape     []int    `json:"shape"`
	Quantized bool     `json:"quantized"`
	IDs       []string `json:"ids"`
	Files     []string `json:"files"`
}

// ChunkDir is the store directory for dataset name.
func ChunkDir(name string) string {
	return experiment.PredictionsDir + "/" + name + ".chunks"
}

// ChunkedArgs configure ChunkedArrayHandler.
type ChunkedArgs struct {
	// Quantize stores values scaled by 255 as unsigned bytes. Values are
	// clamped to [0, 1] first.
	Quantize bool `yaml:"quantize"`
}

// ChunkedArrayHandler writes one zstd compressed .npy chunk per item into a
// directory store and a meta.json manifest on close.
type ChunkedArrayHandler struct {
	args ChunkedArgs
	s    session
	enc  *zstd.Encoder
	meta ChunkMeta
}

// NewChunkedArrayHandler builds a ChunkedArrayHandler.
func NewChunkedArrayHandler(args ChunkedArgs) (*ChunkedArrayHandler, error) {
	enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return nil, fmt.Errorf("create zstd encoder: %w", err)
	}
	return &ChunkedArrayHandler{args: args, enc: enc}, nil
}

func (h *ChunkedArrayHandler) InitArgs() any { return h.args }

func (h *ChunkedArrayHandler) Open(_ context.Context, c *experiment.Context, name string) error {
	if err := h.s.open(c, name); err != nil {
		return err
	}
	dtype := DtypeFloat64
	if h.args.Quantize {
		dtype = DtypeUint8
	}
	h.meta = ChunkMeta{Dtype: dtype, Quantized: h.args.Quantize}
	return nil
}

func (h *ChunkedArrayHandler) Add(ctx context.Context, infos []data.DataInfo, pred *mat.Dense) error {
	if err := h.s.check(infos, pred); err != nil {
		return err
	}
	_, k := pred.Dims()
	if h.meta.Shape == nil {
		h.meta.Shape = []int{k}
	} else if h.meta.Shape[0] != k {
		return fmt.Errorf("prediction width changed from %d to %d", h.meta.Shape[0], k)
	}
	for i, info := range infos {
		var buf bytes.Buffer
		if err := npyio.Write(&buf, h.encode(mat.Row(nil, i, pred))); err != nil {
			return fmt.Errorf("encode chunk %s: %w", info.ID, err)
		}
		file := fmt.Sprintf("%06d_%s%s", len(h.meta.IDs), fileKey(info.ID), chunkExt)
		rel := ChunkDir(h.s.name) + "/" + file
		if err := h.s.c.WriteBytes(ctx, rel, h.enc.EncodeAll(buf.Bytes(), nil)); err != nil {
			return err
		}
		h.meta.IDs = append(h.meta.IDs, info.ID)
		h.meta.Files = append(h.meta.Files, file)
	}
	return nil
}

func (h *ChunkedArrayHandler) encode(row []float64) any {
	if !h.args.Quantize {
		return row
	}
	q := make([]uint8, len(row))
	for i, v := range row {
		if math.IsNaN(v) {
			v = 0
		}
		q[i] = uint8(math.Round(min(max(v, 0), 1) * quantScale))
	}
	return q
}

func (h *ChunkedArrayHandler) Close(ctx context.Context) error {
	if h.s.c == nil || h.s.empty("chunked_array_handler") {
		return nil
	}
	rel := ChunkDir(h.s.name) + "/" + chunkMetaFile
	if err := h.s.c.WriteJSON(ctx, rel, h.meta); err != nil {
		return err
	}
	h.s.c.Logger().Info("prediction chunks written", "dir", ChunkDir(h.s.name), "chunks", len(h.meta.IDs))
	return nil
}

// ChunkStore reads a store written by ChunkedArrayHandler.
type ChunkStore struct {
	c    *experiment.Context
	dir  string
	meta ChunkMeta
	dec  *zstd.Decoder
}

// OpenChunks opens the chunk store of dataset name. A missing manifest is a
// missing-artifact error.
func OpenChunks(ctx context.Context, c *experiment.Context, name string) (*ChunkStore, error) {
	dir := ChunkDir(name)
	var meta ChunkMeta
	if err := c.ReadJSON(ctx, dir+"/"+chunkMetaFile, &meta); err != nil {
		return nil, err
	}
	if len(meta.IDs) != len(meta.Files) {
		return nil, fmt.Errorf("chunk store %s lists %d ids for %d files", dir, len(meta.IDs), len(meta.Files))
	}
	dec, err := zstd.NewReader(nil)
	if err != nil {
		return nil, fmt.Errorf("create zstd decoder: %w", err)
	}
	return &ChunkStore{c: c, dir: dir, meta: meta, dec: dec}, nil
}

// Meta returns the store manifest.
func (s *ChunkStore) Meta() ChunkMeta { return s.meta }

// Len is the number of chunks.
func (s *ChunkStore) Len() int { return len(s.meta.IDs) }

// Load returns chunk i and its id. Quantized chunks are scaled back to
// [0, 1].
func (s *ChunkStore) Load(ctx context.Context, i int) (string, []float64, error) {
	id := s.meta.IDs[i]
	raw, err := s.c.ReadBytes(ctx, s.dir+"/"+s.meta.Files[i])
	if err != nil {
		return id, nil, err
	}
	plain, err := s.dec.DecodeAll(raw, nil)
	if err != nil {
		return id, nil, fmt.Errorf("decompress chunk %s: %w", id, err)
	}
	if !s.meta.Quantized {
		var out []float64
		if err := npyio.Read(bytes.NewReader(plain), &out); err != nil {
			return id, nil, fmt.Errorf("decode chunk %s: %w", id, err)
		}
		return id, out, nil
	}
	var q []uint8
	if err := npyio.Read(bytes.NewReader(plain), &q); err != nil {
		return id, nil, fmt.Errorf("decode chunk %s: %w", id, err)
	}
	out := make([]float64, len(q))
	for j, v := range q {
		out[j] = float64(v) / quantScale
	}
	return id, out, nil
}

// Close releases the decoder.
func (s *ChunkStore) Close() {
	s.dec.Close()
}

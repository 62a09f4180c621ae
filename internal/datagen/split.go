package datagen

import (
	"context"
	"fmt"
	"math"
	"math/rand/v2"
	"slices"

	"github.com/mattjoyce/trainpipe/internal/fsys"
)

// Split names.
const (
	TrainSplit      = "train"
	ValidationSplit = "validation"
	TestSplit       = "test"
)

// SplitArgs configure Split. Ratios must sum to 1.
type SplitArgs struct {
	Train      float64 `yaml:"train" validate:"gte=0,lte=1"`
	Validation float64 `yaml:"validation" validate:"gte=0,lte=1"`
	Test       float64 `yaml:"test" validate:"gte=0,lte=1"`
	Seed       int64   `yaml:"seed"`
}

// Split divides the index at p into train.csv, validation.csv and test.csv
// next to it. Each label is split separately so class shares are kept; the
// test split takes the rounding remainder.
func Split(ctx context.Context, fs fsys.FS, p string, args SplitArgs) (map[string][]Entry, error) {
	if sum := args.Train + args.Validation + args.Test; math.Abs(sum-1) > 1e-6 {
		return nil, fmt.Errorf("split ratios sum to %g, want 1", sum)
	}
	entries, err := ReadIndex(ctx, fs, p)
	if err != nil {
		return nil, err
	}
	byLabel := map[string][]Entry{}
	var labels []string
	for _, e := range entries {
		if _, seen := byLabel[e.Label]; !seen {
			labels = append(labels, e.Label)
		}
		byLabel[e.Label] = append(byLabel[e.Label], e)
	}
	slices.Sort(labels)

	r := rand.New(rand.NewPCG(uint64(args.Seed), 0x73706c69))
	out := map[string][]Entry{TrainSplit: nil, ValidationSplit: nil, TestSplit: nil}
	for _, label := range labels {
		group := byLabel[label]
		r.Shuffle(len(group), func(i, j int) { group[i], group[j] = group[j], group[i] })
		nTrain := int(math.Round(float64(len(group)) * args.Train))
		nVal := min(int(math.Round(float64(len(group))*args.Validation)), len(group)-nTrain)
		out[TrainSplit] = append(out[TrainSplit], group[:nTrain]...)
		out[ValidationSplit] = append(out[ValidationSplit], group[nTrain:nTrain+nVal]...)
		out[TestSplit] = append(out[TestSplit], group[nTrain+nVal:]...)
	}

	dir := dirOf(fs, p)
	for _, name := range []string{TrainSplit, ValidationSplit, TestSplit} {
		if err := WriteIndex(ctx, fs, fs.Join(dir, name+".csv"), out[name]); err != nil {
			return nil, err
		}
	}
	return out, nil
}

package stages

import (
	"context"
	"fmt"

	"github.com/mattjoyce/trainpipe/internal/datagen"
	"github.com/mattjoyce/trainpipe/internal/fsys"
)

// Defaults for the synthetic digit data.
const (
	DefaultImageSize = 32
	DefaultCropSize  = 16
	DefaultThreshold = 64
)

// DataGenerationArgs configure data_generation.
type DataGenerationArgs struct {
	Output      string  `yaml:"output" validate:"required"`
	SampleCount int     `yaml:"sample_count" validate:"gt=0"`
	MaxNumber   int     `yaml:"max_number" validate:"gte=0"`
	Width       int     `yaml:"width" validate:"gte=0"`
	Height      int     `yaml:"height" validate:"gte=0"`
	Noise       float64 `yaml:"noise" validate:"gte=0,lte=1"`
	Seed        int64   `yaml:"seed"`
}

func dataGenerationStage() Stage {
	return argsStage[DataGenerationArgs]{name: DataGeneration, run: runDataGeneration}
}

func runDataGeneration(ctx context.Context, s *State, args *DataGenerationArgs) error {
	fs, dir, err := fsys.Resolve(ctx, args.Output, s.Env.Lookup)
	if err != nil {
		return fmt.Errorf("data output: %w", err)
	}
	entries, err := datagen.Generate(ctx, fs, dir, datagen.GenerateArgs{
		SampleCount: args.SampleCount,
		MaxNumber:   args.MaxNumber,
		Width:       orDefault(args.Width, DefaultImageSize),
		Height:      orDefault(args.Height, DefaultImageSize),
		Noise:       args.Noise,
		Seed:        args.Seed,
	})
	if err != nil {
		return err
	}
	s.Logger.Info("digits generated", "dir", dir, "samples", len(entries), "max_number", args.MaxNumber)
	return nil
}

// SplitDataArgs configure split_data. Index is the labels file written by
// data_generation.
type SplitDataArgs struct {
	Index      string   `yaml:"index" validate:"required"`
	Train      *float64 `yaml:"train" validate:"omitempty,gte=0,lte=1"`
	Validation *float64 `yaml:"validation" validate:"omitempty,gte=0,lte=1"`
	Test       *float64 `yaml:"test" validate:"omitempty,gte=0,lte=1"`
	Seed       int64    `yaml:"seed"`
}

func splitDataStage() Stage {
	return argsStage[SplitDataArgs]{name: SplitData, run: runSplitData}
}

func runSplitData(ctx context.Context, s *State, args *SplitDataArgs) error {
	fs, p, err := fsys.Resolve(ctx, args.Index, s.Env.Lookup)
	if err != nil {
		return fmt.Errorf("split index: %w", err)
	}
	splits, err := datagen.Split(ctx, fs, p, datagen.SplitArgs{
		Train:      ratio(args.Train, 0.7),
		Validation: ratio(args.Validation, 0.15),
		Test:       ratio(args.Test, 0.15),
		Seed:       args.Seed,
	})
	if err != nil {
		return err
	}
	s.Logger.Info("data split",
		datagen.TrainSplit, len(splits[datagen.TrainSplit]),
		datagen.ValidationSplit, len(splits[datagen.ValidationSplit]),
		datagen.TestSplit, len(splits[datagen.TestSplit]),
	)
	return nil
}

// CropNumbersArgs configure crop_numbers. Source is the directory holding
// the split indexes.
type CropNumbersArgs struct {
	Source    string   `yaml:"source" validate:"required"`
	Output    string   `yaml:"output" validate:"required"`
	Splits    []string `yaml:"splits"`
	Width     int      `yaml:"width" validate:"gte=0"`
	Height    int      `yaml:"height" validate:"gte=0"`
	Threshold *uint8   `yaml:"threshold"`
	Margin    int      `yaml:"margin" validate:"gte=0"`
}

func cropNumbersStage() Stage {
	return argsStage[CropNumbersArgs]{name: CropNumbers, run: runCropNumbers}
}

func runCropNumbers(ctx context.Context, s *State, args *CropNumbersArgs) error {
	fs, src, out, err := resolvePair(ctx, s, args.Source, args.Output)
	if err != nil {
		return err
	}
	threshold := uint8(DefaultThreshold)
	if args.Threshold != nil {
		threshold = *args.Threshold
	}
	crop := datagen.CropArgs{
		Width:     orDefault(args.Width, DefaultCropSize),
		Height:    orDefault(args.Height, DefaultCropSize),
		Threshold: threshold,
		Margin:    args.Margin,
	}
	for _, split := range splitNames(args.Splits) {
		entries, err := datagen.Crop(ctx, fs, fs.Join(src, split+".csv"), out, crop)
		if err != nil {
			return fmt.Errorf("crop %s: %w", split, err)
		}
		s.Logger.Info("numbers cropped", "split", split, "images", len(entries))
	}
	return nil
}

// ImageToTabularArgs configure image_to_tabular_data.
type ImageToTabularArgs struct {
	Source string   `yaml:"source" validate:"required"`
	Output string   `yaml:"output" validate:"required"`
	Splits []string `yaml:"splits"`
}

// TabularExt is the extension of the per-split feature tables.
const TabularExt = ".parq"

func imageToTabularStage() Stage {
	return argsStage[ImageToTabularArgs]{name: ImageToTabularData, run: runImageToTabular}
}

func runImageToTabular(ctx context.Context, s *State, args *ImageToTabularArgs) error {
	fs, src, out, err := resolvePair(ctx, s, args.Source, args.Output)
	if err != nil {
		return err
	}
	if err := fs.MkdirAll(ctx, out); err != nil {
		return err
	}
	for _, split := range splitNames(args.Splits) {
		t, err := datagen.ToTabular(ctx, fs, fs.Join(src, split+".csv"), fs.Join(out, split+TabularExt))
		if err != nil {
			return fmt.Errorf("tabulate %s: %w", split, err)
		}
		s.Logger.Info("tabular data written", "split", split, "rows", t.Len(), "columns", len(t.Names()))
	}
	return nil
}

// resolvePair resolves a source and output location that must live on the
// same filesystem.
func resolvePair(ctx context.Context, s *State, source, output string) (fsys.FS, string, string, error) {
	srcFS, src, err := fsys.Resolve(ctx, source, s.Env.Lookup)
	if err != nil {
		return nil, "", "", fmt.Errorf("source: %w", err)
	}
	outFS, out, err := fsys.Resolve(ctx, output, s.Env.Lookup)
	if err != nil {
		return nil, "", "", fmt.Errorf("output: %w", err)
	}
	if srcFS.Kind() != outFS.Kind() {
		return nil, "", "", fmt.Errorf("source %s and output %s are on different filesystems", source, output)
	}
	return srcFS, src, out, nil
}

func splitNames(configured []string) []string {
	if len(configured) > 0 {
		return configured
	}
	return []string{datagen.TrainSplit, datagen.ValidationSplit, datagen.TestSplit}
}

func orDefault(v, d int) int {
	if v == 0 {
		return d
	}
	return v
}

func ratio(v *float64, d float64) float64 {
	if v == nil {
		return d
	}
	return *v
}

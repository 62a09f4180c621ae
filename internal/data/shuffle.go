package data

import (
	"fmt"
	"math"
	"math/rand/v2"
)

// Shuffler produces the item order for one epoch. labels holds the class
// index of every item; the result indexes into it and may repeat items.
type Shuffler interface {
	Permutation(labels []int, epoch int) []int
}

// ShufflerArgs seed a shuffler. Equal seeds give equal orders.
type ShufflerArgs struct {
	Seed int64 `yaml:"seed"`
}

// DefaultShuffler is a uniform random permutation.
type DefaultShuffler struct {
	args ShufflerArgs
}

// NewDefaultShuffler builds a DefaultShuffler.
func NewDefaultShuffler(args ShufflerArgs) (*DefaultShuffler, error) {
	return &DefaultShuffler{args: args}, nil
}

func (s *DefaultShuffler) InitArgs() any { return s.args }

func (s *DefaultShuffler) Permutation(labels []int, epoch int) []int {
	return epochRand(s.args.Seed, epoch).Perm(len(labels))
}

// Uniform class modes: the per-class item count every class is brought to.
const (
	UniformMin = "min"
	UniformMax = "max"
	UniformAvg = "avg"
)

// UniformClassArgs configure UniformClassShuffler.
type UniformClassArgs struct {
	Mode string `yaml:"mode" validate:"oneof=min max avg"`
	Seed int64  `yaml:"seed"`
}

// UniformClassShuffler equalizes class representation per epoch. Classes
// below the mode's target count are oversampled with replacement; classes
// above it are undersampled.
type UniformClassShuffler struct {
	args UniformClassArgs
}

// NewUniformClassShuffler builds a UniformClassShuffler.
func NewUniformClassShuffler(args UniformClassArgs) (*UniformClassShuffler, error) {
	switch args.Mode {
	case UniformMin, UniformMax, UniformAvg:
	default:
		return nil, fmt.Errorf("unknown uniform class mode %q", args.Mode)
	}
	return &UniformClassShuffler{args: args}, nil
}

func (s *UniformClassShuffler) InitArgs() any { return s.args }

func (s *UniformClassShuffler) Permutation(labels []int, epoch int) []int {
	if len(labels) == 0 {
		return nil
	}
	r := epochRand(s.args.Seed, epoch)
	byClass := map[int][]int{}
	for i, l := range labels {
		byClass[l] = append(byClass[l], i)
	}
	target := s.target(byClass)

	var out []int
	for _, class := range sortedKeys(byClass) {
		items := byClass[class]
		r.Shuffle(len(items), func(i, j int) { items[i], items[j] = items[j], items[i] })
		if len(items) >= target {
			out = append(out, items[:target]...)
			continue
		}
		out = append(out, items...)
		for k := len(items); k < target; k++ {
			out = append(out, items[r.IntN(len(items))])
		}
	}
	r.Shuffle(len(out), func(i, j int) { out[i], out[j] = out[j], out[i] })
	return out
}

func (s *UniformClassShuffler) target(byClass map[int][]int) int {
	minN, maxN, sum := math.MaxInt, 0, 0
	for _, items := range byClass {
		n := len(items)
		minN = min(minN, n)
		maxN = max(maxN, n)
		sum += n
	}
	switch s.args.Mode {
	case UniformMin:
		return minN
	case UniformMax:
		return maxN
	default:
		return int(math.Round(float64(sum) / float64(len(byClass))))
	}
}

func epochRand(seed int64, epoch int) *rand.Rand {
	return rand.New(rand.NewPCG(uint64(seed), uint64(epoch)))
}

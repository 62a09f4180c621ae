package data

import (
	"fmt"
	"slices"
	"sync"
)

// sampler owns the epoch order of a dataset. The order is swapped under a
// lock at epoch ends; batch lookups take the read side.
type sampler struct {
	batchSize int
	shuffle   bool
	shuffler  Shuffler

	mu     sync.RWMutex
	labels []int
	order  []int
	epoch  int
}

func newSampler(batchSize int, shuffle bool, shuffler Shuffler) *sampler {
	if shuffle && shuffler == nil {
		shuffler = &DefaultShuffler{}
	}
	return &sampler{batchSize: batchSize, shuffle: shuffle, shuffler: shuffler}
}

func (s *sampler) reset(labels []int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.labels = slices.Clone(labels)
	s.epoch = 0
	s.order = s.permutation()
}

func (s *sampler) permutation() []int {
	if !s.shuffle {
		out := make([]int, len(s.labels))
		for i := range out {
			out[i] = i
		}
		return out
	}
	return s.shuffler.Permutation(s.labels, s.epoch)
}

func (s *sampler) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return batchCount(len(s.order), s.batchSize)
}

// batch returns the item indices of batch i.
func (s *sampler) batch(i int) ([]int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := batchCount(len(s.order), s.batchSize)
	if i < 0 || i >= n {
		return nil, fmt.Errorf("batch %d out of range [0, %d)", i, n)
	}
	lo := i * s.batchSize
	hi := min(lo+s.batchSize, len(s.order))
	return slices.Clone(s.order[lo:hi]), nil
}

func (s *sampler) OnEpochEnd() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.epoch++
	if s.shuffle {
		s.order = s.permutation()
	}
}

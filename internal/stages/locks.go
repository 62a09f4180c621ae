package stages

import (
	"context"
	"fmt"
	"reflect"

	"github.com/mattjoyce/trainpipe/internal/filelock"
	"github.com/mattjoyce/trainpipe/internal/fsys"
	"github.com/mattjoyce/trainpipe/internal/initnode"
)

// lockSlot wraps one lock entry so it decodes through the registry like any
// other stage argument.
type lockSlot struct {
	Lock filelock.Config `yaml:"lock"`
}

// acquireLocksStage takes a mapping of lock name to lock configuration and
// acquires them in document order.
type acquireLocksStage struct{}

func (acquireLocksStage) Name() string { return AcquireLocks }

func (acquireLocksStage) Validate(r *initnode.Registry, params *initnode.Mapping) error {
	for _, e := range withoutRemoveKeys(params).Entries {
		slot := &initnode.Mapping{Entries: []initnode.Entry{{Key: "lock", Value: e.Value}}}
		if err := r.ValidateArgs(slot, reflect.TypeFor[lockSlot]()); err != nil {
			return fmt.Errorf("lock %s: %w", e.Key, err)
		}
	}
	return nil
}

func (acquireLocksStage) Run(ctx context.Context, s *State, params *initnode.Mapping) error {
	for _, e := range withoutRemoveKeys(params).Entries {
		if err := acquireOne(ctx, s, e); err != nil {
			if rerr := s.ReleaseAll(ctx); rerr != nil {
				s.Logger.Warn("release after failed acquire", "error", rerr)
			}
			return err
		}
	}
	return nil
}

func acquireOne(ctx context.Context, s *State, e initnode.Entry) error {
	var slot lockSlot
	m := &initnode.Mapping{Entries: []initnode.Entry{{Key: "lock", Value: e.Value}}}
	if err := s.Registry.DecodeArgs(ctx, m, &slot); err != nil {
		return fmt.Errorf("lock %s: %w", e.Key, err)
	}
	fs, dir, err := fsys.Resolve(ctx, slot.Lock.Location, s.Env.Lookup)
	if err != nil {
		return fmt.Errorf("lock %s: %w", e.Key, err)
	}
	if err := fs.MkdirAll(ctx, dir); err != nil {
		return fmt.Errorf("lock %s: create %s: %w", e.Key, dir, err)
	}
	l, err := filelock.New(fs, dir, slot.Lock)
	if err != nil {
		return fmt.Errorf("lock %s: %w", e.Key, err)
	}
	if err := l.Acquire(ctx); err != nil {
		return fmt.Errorf("lock %s: %w", e.Key, err)
	}
	s.Locks = append(s.Locks, LockEntry{Name: e.Key, Lock: l})
	s.Logger.Info("lock acquired", "lock", e.Key, "location", slot.Lock.Location, "kind", string(l.Config().Kind))
	return nil
}

type releaseLocksArgs struct{}

func releaseLocksStage() Stage {
	return argsStage[releaseLocksArgs]{
		name: ReleaseLocks,
		run: func(ctx context.Context, s *State, _ *releaseLocksArgs) error {
			return s.ReleaseAll(ctx)
		},
	}
}

package filelock

import (
	"context"
	"log/slog"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/mattjoyce/trainpipe/internal/fsys"
)

// waiter sleeps between lock polls.
type waiter interface {
	Wait(ctx context.Context, d time.Duration) error
	Close()
}

func newWaiter(fs fsys.FS, dir string, logger *slog.Logger) waiter {
	if fs.Kind() != fsys.KindLocal {
		return timerWaiter{}
	}
	w, err := fsnotify.NewWatcher()
	if err != nil {
		logger.Debug("fsnotify unavailable, polling only", "error", err)
		return timerWaiter{}
	}
	if err := w.Add(dir); err != nil {
		_ = w.Close()
		logger.Debug("fsnotify watch failed, polling only", "error", err)
		return timerWaiter{}
	}
	return &notifyWaiter{watcher: w}
}

type timerWaiter struct{}

func (timerWaiter) Wait(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func (timerWaiter) Close() {}

// notifyWaiter returns early when a file in the lock directory is removed or
// renamed, which is how both lock files disappear.
type notifyWaiter struct {
	watcher *fsnotify.Watcher
}

func (n *notifyWaiter) Wait(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
			return nil
		case ev, ok := <-n.watcher.Events:
			if !ok {
				return timerWaiter{}.Wait(ctx, d)
			}
			if ev.Has(fsnotify.Remove) || ev.Has(fsnotify.Rename) || ev.Has(fsnotify.Write) {
				return nil
			}
		case _, ok := <-n.watcher.Errors:
			if !ok {
				return timerWaiter{}.Wait(ctx, d)
			}
		}
	}
}

func (n *notifyWaiter) Close() { _ = n.watcher.Close() }

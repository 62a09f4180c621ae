// Package filelock implements cooperative read/write locks on a filesystem
// directory shared by concurrent runs.
//
// A write lock is the existence of write.lock; a read lock is read.lock
// holding a usage count. A writer creates write.lock and then waits for
// read.lock to disappear; a reader increments read.lock and then re-checks
// write.lock, backing out if a writer arrived in between. Either way one of
// them sees the other's file, so a writer and a reader never both hold.
//
// Read count updates are read-modify-write and not atomic across
// processes. Two readers racing on the count can undercount; the last of
// them to release then removes read.lock while the other still reads, and
// a writer may enter during that remaining window. A handle only ever
// decrements what it incremented.
package filelock

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/mattjoyce/trainpipe/internal/errs"
	"github.com/mattjoyce/trainpipe/internal/fsys"
	"github.com/mattjoyce/trainpipe/internal/log"
)

// Kind selects the lock primitive.
type Kind string

const (
	KindRead  Kind = "read"
	KindWrite Kind = "write"
)

// State is the per-handle lifecycle position.
type State int

const (
	StateNew State = iota
	StateAcquired
	StateReleased
)

func (s State) String() string {
	switch s {
	case StateNew:
		return "new"
	case StateAcquired:
		return "acquired"
	case StateReleased:
		return "released"
	default:
		return "unknown"
	}
}

const (
	DefaultWriteLockName = "write.lock"
	DefaultReadLockName  = "read.lock"
	DefaultRetryTime     = time.Second
	DefaultTimeout       = 10 * time.Minute
)

// Config describes one lock.
type Config struct {
	Location      string        `yaml:"location" validate:"required"`
	Kind          Kind          `yaml:"kind" validate:"omitempty,oneof=read write"`
	RetryTime     time.Duration `yaml:"retry_time"`
	Timeout       time.Duration `yaml:"timeout"`
	WriteLockName string        `yaml:"write_lock_name"`
	ReadLockName  string        `yaml:"read_lock_name"`
}

// WithDefaults fills unset fields.
func (c Config) WithDefaults() Config {
	if c.Kind == "" {
		c.Kind = KindWrite
	}
	if c.RetryTime <= 0 {
		c.RetryTime = DefaultRetryTime
	}
	if c.Timeout <= 0 {
		c.Timeout = DefaultTimeout
	}
	if c.WriteLockName == "" {
		c.WriteLockName = DefaultWriteLockName
	}
	if c.ReadLockName == "" {
		c.ReadLockName = DefaultReadLockName
	}
	return c
}

// Validate checks a defaulted config.
func (c Config) Validate() error {
	if strings.TrimSpace(c.Location) == "" {
		return errors.New("lock location is required")
	}
	if c.Kind != KindRead && c.Kind != KindWrite {
		return fmt.Errorf("lock kind must be read or write (got %q)", c.Kind)
	}
	if c.WriteLockName == c.ReadLockName {
		return fmt.Errorf("write and read lock names must differ (both %q)", c.WriteLockName)
	}
	if strings.ContainsAny(c.WriteLockName+c.ReadLockName, `/\`) {
		return errors.New("lock names must not contain path separators")
	}
	return nil
}

// Lock is one handle on a lock directory. A handle is not safe for use by
// multiple goroutines acquiring concurrently; separate contenders use
// separate handles.
type Lock struct {
	mu     sync.Mutex
	fs     fsys.FS
	dir    string
	cfg    Config
	state  State
	owner  string
	logger *slog.Logger
	now    func() time.Time
}

// New creates a handle in state NEW. dir is the lock directory on fs.
func New(fs fsys.FS, dir string, cfg Config) (*Lock, error) {
	if fs == nil {
		return nil, errors.New("filesystem is required")
	}
	cfg = cfg.WithDefaults()
	if cfg.Location == "" {
		cfg.Location = dir
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Lock{
		fs:     fs,
		dir:    dir,
		cfg:    cfg,
		state:  StateNew,
		logger: log.WithComponent("filelock").With("location", cfg.Location, "kind", string(cfg.Kind)),
		now:    time.Now,
	}, nil
}

// Config returns the defaulted configuration.
func (l *Lock) Config() Config { return l.cfg }

// State returns the current handle state.
func (l *Lock) State() State {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state
}

func (l *Lock) writePath() string { return l.fs.Join(l.dir, l.cfg.WriteLockName) }
func (l *Lock) readPath() string  { return l.fs.Join(l.dir, l.cfg.ReadLockName) }

// Acquire blocks until the lock is held or Timeout elapses. Acquiring an
// already acquired handle is a no-op.
func (l *Lock) Acquire(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	switch l.state {
	case StateAcquired:
		return nil
	case StateReleased:
		return fmt.Errorf("lock %s at %q already released", l.cfg.Kind, l.cfg.Location)
	}

	if err := l.fs.MkdirAll(ctx, l.dir); err != nil {
		return fmt.Errorf("create lock directory: %w", err)
	}

	w := newWaiter(l.fs, l.dir, l.logger)
	defer w.Close()

	var err error
	if l.cfg.Kind == KindWrite {
		err = l.acquireWrite(ctx, w)
	} else {
		err = l.acquireRead(ctx, w)
	}
	if err != nil {
		return err
	}
	l.state = StateAcquired
	l.logger.Info("lock acquired")
	return nil
}

func (l *Lock) acquireWrite(ctx context.Context, w waiter) error {
	deadline := l.now().Add(l.cfg.Timeout)
	owner := uuid.NewString()

	for {
		err := l.fs.CreateExclusive(ctx, l.writePath(), []byte(owner+"\n"))
		if err == nil {
			break
		}
		if !errors.Is(err, fsys.ErrExist) {
			return fmt.Errorf("create write lock: %w", err)
		}
		if !l.now().Before(deadline) {
			return l.timeoutError("write lock held by another run")
		}
		l.logger.Debug("write lock busy, retrying", "retry_time", l.cfg.RetryTime)
		if err := w.Wait(ctx, l.cfg.RetryTime); err != nil {
			return err
		}
	}
	l.owner = owner

	// Holding write.lock keeps new readers out; wait for in-flight readers.
	for {
		busy, err := fsys.Exists(ctx, l.fs, l.readPath())
		if err != nil {
			l.dropWrite(ctx)
			return fmt.Errorf("check read lock: %w", err)
		}
		if !busy {
			return nil
		}
		if !l.now().Before(deadline) {
			l.dropWrite(ctx)
			return l.timeoutError("readers still hold the location")
		}
		l.logger.Debug("waiting for readers to drain", "retry_time", l.cfg.RetryTime)
		if err := w.Wait(ctx, l.cfg.RetryTime); err != nil {
			l.dropWrite(ctx)
			return err
		}
	}
}

func (l *Lock) acquireRead(ctx context.Context, w waiter) error {
	deadline := l.now().Add(l.cfg.Timeout)
	for {
		busy, err := fsys.Exists(ctx, l.fs, l.writePath())
		if err != nil {
			return fmt.Errorf("check write lock: %w", err)
		}
		if !busy {
			if err := l.incrementRead(ctx); err != nil {
				return err
			}
			// A writer may have created write.lock before seeing read.lock.
			busy, err = fsys.Exists(ctx, l.fs, l.writePath())
			if err != nil {
				_, _ = l.decrementRead(ctx)
				return fmt.Errorf("check write lock: %w", err)
			}
			if !busy {
				return nil
			}
			l.logger.Debug("writer arrived during read acquire, backing out")
			if _, err := l.decrementRead(ctx); err != nil {
				return err
			}
		}
		if !l.now().Before(deadline) {
			return l.timeoutError("write lock held by another run")
		}
		if err := w.Wait(ctx, l.cfg.RetryTime); err != nil {
			return err
		}
	}
}

func (l *Lock) incrementRead(ctx context.Context) error {
	count, err := l.readCount(ctx)
	if err != nil {
		return err
	}
	if err := l.fs.WriteFile(ctx, l.readPath(), []byte(strconv.Itoa(count+1)+"\n")); err != nil {
		return fmt.Errorf("increment read lock: %w", err)
	}
	return nil
}

// decrementRead removes one reader and deletes read.lock at zero. It
// returns the remaining count.
func (l *Lock) decrementRead(ctx context.Context) (int, error) {
	count, err := l.readCount(ctx)
	if err != nil {
		return 0, err
	}
	count--
	if count <= 0 {
		if err := l.fs.Remove(ctx, l.readPath()); err != nil && !errors.Is(err, fsys.ErrNotExist) {
			return 0, fmt.Errorf("remove read lock: %w", err)
		}
		return 0, nil
	}
	if err := l.fs.WriteFile(ctx, l.readPath(), []byte(strconv.Itoa(count)+"\n")); err != nil {
		return 0, fmt.Errorf("decrement read lock: %w", err)
	}
	return count, nil
}

// Release gives the lock back. Releasing a handle that is not acquired is a
// no-op, so every acquire is matched by at most one release.
func (l *Lock) Release(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.state != StateAcquired {
		return nil
	}
	l.state = StateReleased

	if l.cfg.Kind == KindWrite {
		return l.releaseWrite(ctx)
	}
	return l.releaseRead(ctx)
}

func (l *Lock) releaseWrite(ctx context.Context) error {
	data, err := l.fs.ReadFile(ctx, l.writePath())
	if errors.Is(err, fsys.ErrNotExist) {
		l.logger.Warn("write lock vanished before release")
		return nil
	}
	if err != nil {
		return fmt.Errorf("read write lock: %w", err)
	}
	if strings.TrimSpace(string(data)) != l.owner {
		l.logger.Warn("write lock now owned by another handle, leaving it in place")
		return nil
	}
	if err := l.fs.Remove(ctx, l.writePath()); err != nil && !errors.Is(err, fsys.ErrNotExist) {
		return fmt.Errorf("remove write lock: %w", err)
	}
	l.logger.Info("lock released")
	return nil
}

func (l *Lock) releaseRead(ctx context.Context) error {
	exists, err := fsys.Exists(ctx, l.fs, l.readPath())
	if err != nil {
		return fmt.Errorf("check read lock: %w", err)
	}
	if !exists {
		l.logger.Warn("read lock vanished before release")
		return nil
	}
	count, err := l.decrementRead(ctx)
	if err != nil {
		return err
	}
	l.logger.Info("lock released", "readers", count)
	return nil
}

// ForceDelete removes this handle's lock file unconditionally and resets the
// handle to NEW. It is the operator escape hatch for crashed runs.
func (l *Lock) ForceDelete(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	target := l.writePath()
	if l.cfg.Kind == KindRead {
		target = l.readPath()
	}
	if err := l.fs.Remove(ctx, target); err != nil && !errors.Is(err, fsys.ErrNotExist) {
		return fmt.Errorf("force delete %q: %w", target, err)
	}
	l.state = StateNew
	l.owner = ""
	l.logger.Warn("lock force deleted", "file", target)
	return nil
}

// ReadCount returns the current reader count at the location (0 if none).
func (l *Lock) ReadCount(ctx context.Context) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.readCount(ctx)
}

// WriteHeld reports whether any handle holds the write lock at the location.
func (l *Lock) WriteHeld(ctx context.Context) (bool, error) {
	return fsys.Exists(ctx, l.fs, l.writePath())
}

func (l *Lock) readCount(ctx context.Context) (int, error) {
	data, err := l.fs.ReadFile(ctx, l.readPath())
	if errors.Is(err, fsys.ErrNotExist) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("read read lock: %w", err)
	}
	n, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil || n < 0 {
		l.logger.Warn("read lock content is not a count, treating as zero", "content", string(data))
		return 0, nil
	}
	return n, nil
}

func (l *Lock) dropWrite(ctx context.Context) {
	// The caller's ctx may already be done; removal must still happen.
	cleanup, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	if err := l.fs.Remove(cleanup, l.writePath()); err != nil && !errors.Is(err, fsys.ErrNotExist) {
		l.logger.Error("failed to drop write lock", "error", err)
	}
	l.owner = ""
}

func (l *Lock) timeoutError(reason string) error {
	return errs.New(errs.LockTimeout, "%s lock at %q not acquired within %s: %s",
		l.cfg.Kind, l.cfg.Location, l.cfg.Timeout, reason).
		WithDetail("location", l.cfg.Location)
}

package tabsync

import (
	"context"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync/atomic"
	"time"

	"github.com/gofrs/flock"
)

// LockFileName is the leadership lock file inside the data directory.
const LockFileName = "localsync.lock"

// LeaderConfig holds leader election configuration.
type LeaderConfig struct {
	// LockPath is the lock file (default: <dir>/localsync.lock).
	LockPath string

	// RetryInterval between acquisition attempts (default: 1s).
	RetryInterval time.Duration

	// Logger (default: stderr logger)
	Logger *log.Logger
}

// Leader elects one process among those sharing a data directory.
type Leader struct {
	lock   *flock.Flock
	retry  time.Duration
	logger *log.Logger
	held   atomic.Bool
}

// NewLeader returns a leader for the data directory dir.
func NewLeader(dir string, config LeaderConfig) *Leader {
	if config.LockPath == "" {
		config.LockPath = filepath.Join(dir, LockFileName)
	}
	if config.RetryInterval <= 0 {
		config.RetryInterval = time.Second
	}
	if config.Logger == nil {
		config.Logger = log.New(os.Stderr, "[leader] ", log.LstdFlags)
	}
	return &Leader{
		lock:   flock.New(config.LockPath),
		retry:  config.RetryInterval,
		logger: config.Logger,
	}
}

// Path returns the lock file path.
func (l *Leader) Path() string {
	return l.lock.Path()
}

// IsLeader reports whether this process holds the lock.
func (l *Leader) IsLeader() bool {
	return l.held.Load()
}

// TryAcquire attempts to take the lock without waiting.
func (l *Leader) TryAcquire() (bool, error) {
	if l.held.Load() {
		return true, nil
	}
	if err := os.MkdirAll(filepath.Dir(l.lock.Path()), 0755); err != nil {
		return false, fmt.Errorf("failed to create lock directory: %w", err)
	}
	ok, err := l.lock.TryLock()
	if err != nil {
		return false, fmt.Errorf("failed to acquire lock %s: %w", l.lock.Path(), err)
	}
	if ok {
		l.held.Store(true)
		l.logger.Printf("Acquired sync leadership (%s)", l.lock.Path())
	}
	return ok, nil
}

// Acquire blocks until the lock is taken or ctx is done.
func (l *Leader) Acquire(ctx context.Context) error {
	if l.held.Load() {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(l.lock.Path()), 0755); err != nil {
		return fmt.Errorf("failed to create lock directory: %w", err)
	}
	ok, err := l.lock.TryLockContext(ctx, l.retry)
	if err != nil {
		return err
	}
	if !ok {
		return ctx.Err()
	}
	l.held.Store(true)
	l.logger.Printf("Acquired sync leadership (%s)", l.lock.Path())
	return nil
}

// Release gives up leadership. Releasing when not leader is a no-op.
func (l *Leader) Release() error {
	if !l.held.Swap(false) {
		return nil
	}
	if err := l.lock.Unlock(); err != nil {
		return fmt.Errorf("failed to release lock: %w", err)
	}
	l.logger.Println("Released sync leadership")
	return nil
}

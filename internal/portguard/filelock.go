// Package portguard serializes local port allocation across processes and
// scopes device port forwards to a single callback.
package portguard

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/standardbeagle/ctxdriver/internal/logging"
)

var (
	// ErrLockTimeout is returned when the lock could not be taken within the wait bound.
	ErrLockTimeout = errors.New("timed out waiting for port allocation lock")
)

const (
	// DefaultLockWait bounds how long Acquire waits for a competing holder.
	DefaultLockWait = 7 * time.Second
	// DefaultLockStale is the age after which a lock file is considered abandoned.
	DefaultLockStale = 30 * time.Second

	lockPollInterval = 50 * time.Millisecond
)

// DefaultLockPath is the lock file shared by every ctxdriver process on the host.
func DefaultLockPath() string {
	return filepath.Join(os.TempDir(), "ctxdriver_port_guard.lock")
}

// Clock abstracts time so lock waits can be tested without sleeping.
type Clock interface {
	Now() time.Time
	Sleep(ctx context.Context, d time.Duration) error
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

func (realClock) Sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// RealClock returns the wall clock.
func RealClock() Clock { return realClock{} }

// Locker is a cross-process mutual exclusion primitive.
type Locker interface {
	Acquire(ctx context.Context) (release func(), err error)
}

// FileLockConfig configures a FileLock.
type FileLockConfig struct {
	Path  string
	Wait  time.Duration
	Stale time.Duration
	Clock Clock
}

// FileLock is an advisory lock implemented as an exclusively created file
// holding the owner's token.
type FileLock struct {
	path  string
	wait  time.Duration
	stale time.Duration
	clock Clock
	log   *zap.Logger
}

// NewFileLock creates a lock; zero config fields take defaults.
func NewFileLock(cfg FileLockConfig, log *zap.Logger) *FileLock {
	if cfg.Path == "" {
		cfg.Path = DefaultLockPath()
	}
	if cfg.Wait <= 0 {
		cfg.Wait = DefaultLockWait
	}
	if cfg.Stale <= 0 {
		cfg.Stale = DefaultLockStale
	}
	if cfg.Clock == nil {
		cfg.Clock = RealClock()
	}
	return &FileLock{
		path:  cfg.Path,
		wait:  cfg.Wait,
		stale: cfg.Stale,
		clock: cfg.Clock,
		log:   logging.OrNop(log),
	}
}

// Path returns the lock file location.
func (l *FileLock) Path() string {
	return l.path
}

// Acquire blocks until the lock is held, the wait bound elapses, or ctx is done.
// A lock file older than the stale threshold is removed once per call.
func (l *FileLock) Acquire(ctx context.Context) (func(), error) {
	token := uuid.NewString()
	deadline := l.clock.Now().Add(l.wait)
	recovered := false

	for {
		err := l.tryCreate(token)
		if err == nil {
			return func() { l.release(token) }, nil
		}
		if !errors.Is(err, os.ErrExist) {
			return nil, fmt.Errorf("create lock file %s: %w", l.path, err)
		}

		if !recovered && l.isStale() {
			recovered = true
			l.log.Warn("removing stale port allocation lock", zap.String("path", l.path))
			if rmErr := os.Remove(l.path); rmErr != nil && !errors.Is(rmErr, os.ErrNotExist) {
				return nil, fmt.Errorf("remove stale lock %s: %w", l.path, rmErr)
			}
			continue
		}

		if !l.clock.Now().Before(deadline) {
			return nil, fmt.Errorf("%w: %s held for more than %s", ErrLockTimeout, l.path, l.wait)
		}
		if err := l.clock.Sleep(ctx, lockPollInterval); err != nil {
			return nil, err
		}
	}
}

func (l *FileLock) tryCreate(token string) error {
	f, err := os.OpenFile(l.path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	_, werr := f.WriteString(token)
	cerr := f.Close()
	if werr != nil {
		_ = os.Remove(l.path)
		return werr
	}
	if cerr != nil {
		_ = os.Remove(l.path)
		return cerr
	}
	return nil
}

func (l *FileLock) isStale() bool {
	info, err := os.Stat(l.path)
	if err != nil {
		return false
	}
	return l.clock.Now().Sub(info.ModTime()) > l.stale
}

// release removes the lock file only if it still carries our token, so a
// holder whose lock was recovered as stale cannot delete its successor's.
func (l *FileLock) release(token string) {
	data, err := os.ReadFile(l.path)
	if err != nil {
		return
	}
	if strings.TrimSpace(string(data)) != token {
		l.log.Warn("port allocation lock taken over by another owner", zap.String("path", l.path))
		return
	}
	if err := os.Remove(l.path); err != nil && !errors.Is(err, os.ErrNotExist) {
		l.log.Warn("failed to release port allocation lock", zap.String("path", l.path), zap.Error(err))
	}
}

// Package lock implements the per-asset backup lock.
//
// The lock is an flock(2) held on <dir>/<asset>.backupLock for the lifetime
// of a run. The holder's pid is written into the lock file and into a legacy
// shadow file <dir>/<asset>.lock that older tooling polls.
package lock

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/MacJediWizard/keldris-orchestrator/internal/fsutil"
	"github.com/juju/clock"
	"github.com/juju/retry"
	"github.com/rs/zerolog"
	"golang.org/x/sys/unix"
)

const (
	lockSuffix   = ".backupLock"
	legacySuffix = ".lock"

	// DefaultPollInterval is how often a blocked Acquire retries.
	DefaultPollInterval = 100 * time.Millisecond
)

var (
	// ErrLockTimeout is returned when the lock could not be acquired in time.
	ErrLockTimeout = errors.New("timed out waiting for backup lock")
	// ErrNoHolder is returned by HolderPID when no valid pid is recorded.
	ErrNoHolder = errors.New("backup lock has no valid holder pid")

	errBusy = errors.New("lock busy")
)

// Options configures a BackupLock.
type Options struct {
	// Dir holds the lock and legacy shadow files.
	Dir string
	// PollInterval between acquisition attempts. Defaults to DefaultPollInterval.
	PollInterval time.Duration
	// Clock drives the bounded wait. Defaults to the wall clock.
	Clock clock.Clock
}

// BackupLock is the mutual-exclusion handle for one asset.
type BackupLock struct {
	asset        string
	path         string
	legacyPath   string
	pollInterval time.Duration
	clock        clock.Clock
	logger       zerolog.Logger

	mu   sync.Mutex
	file *os.File
}

// New returns the lock handle for asset. No file is touched until Acquire.
func New(asset string, opts Options, logger zerolog.Logger) *BackupLock {
	if opts.PollInterval <= 0 {
		opts.PollInterval = DefaultPollInterval
	}
	if opts.Clock == nil {
		opts.Clock = clock.WallClock
	}
	return &BackupLock{
		asset:        asset,
		path:         filepath.Join(opts.Dir, asset+lockSuffix),
		legacyPath:   filepath.Join(opts.Dir, asset+legacySuffix),
		pollInterval: opts.PollInterval,
		clock:        opts.Clock,
		logger:       logger.With().Str("component", "backup_lock").Str("asset", asset).Logger(),
	}
}

// Path returns the lock file path.
func (l *BackupLock) Path() string {
	return l.path
}

// LegacyPath returns the legacy shadow file path.
func (l *BackupLock) LegacyPath() string {
	return l.legacyPath
}

// Asset returns the asset key this lock guards.
func (l *BackupLock) Asset() string {
	return l.asset
}

// Held reports whether this handle currently owns the lock.
func (l *BackupLock) Held() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.file != nil
}

// Acquire takes the lock, waiting up to wait for a current holder to release
// it. A wait of zero makes a single attempt. Acquiring a lock this handle
// already holds is a no-op.
func (l *BackupLock) Acquire(ctx context.Context, wait time.Duration) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.file != nil {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(l.path), 0o755); err != nil {
		return fmt.Errorf("create lock directory: %w", err)
	}

	var f *os.File
	attempt := func() error {
		var err error
		f, err = tryLock(l.path)
		return err
	}

	var err error
	if wait <= 0 {
		err = attempt()
	} else {
		err = retry.Call(retry.CallArgs{
			Func:         attempt,
			IsFatalError: func(err error) bool { return !errors.Is(err, errBusy) },
			Delay:        l.pollInterval,
			MaxDuration:  wait,
			Clock:        l.clock,
			Stop:         ctx.Done(),
		})
	}

	switch {
	case err == nil:
	case retry.IsRetryStopped(err):
		return fmt.Errorf("acquire backup lock: %w", ctx.Err())
	case errors.Is(err, errBusy), retry.IsDurationExceeded(err), retry.IsAttemptsExceeded(err):
		l.logger.Warn().Dur("wait", wait).Msg("backup lock is held by another process")
		return fmt.Errorf("%w: %s", ErrLockTimeout, l.asset)
	default:
		return fmt.Errorf("acquire backup lock: %w", err)
	}

	pid := []byte(strconv.Itoa(os.Getpid()))
	if err := writePID(f, pid); err != nil {
		unlock(f)
		return fmt.Errorf("write lock pid: %w", err)
	}
	if err := fsutil.WriteFileAtomic(l.legacyPath, pid, 0o644); err != nil {
		unlock(f)
		return fmt.Errorf("write legacy lock: %w", err)
	}

	l.file = f
	l.logger.Debug().Msg("backup lock acquired")
	return nil
}

// Release unlocks and deletes the lock and legacy shadow file. Releasing a
// lock that is not held is a no-op.
func (l *BackupLock) Release() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.file == nil {
		return nil
	}

	// Unlink while still holding the flock so a waiter that opened the old
	// inode notices the swap and retries against a fresh file.
	var errs []error
	if err := fsutil.RemoveIfExists(l.legacyPath); err != nil {
		errs = append(errs, fmt.Errorf("remove legacy lock: %w", err))
	}
	if err := fsutil.RemoveIfExists(l.path); err != nil {
		errs = append(errs, fmt.Errorf("remove lock file: %w", err))
	}
	unlock(l.file)
	l.file = nil

	l.logger.Debug().Msg("backup lock released")
	return errors.Join(errs...)
}

// IsLocked reports whether any process, including this one, holds the lock.
func (l *BackupLock) IsLocked() bool {
	if l.Held() {
		return true
	}

	f, err := os.Open(l.path)
	if err != nil {
		return false
	}
	defer f.Close()

	if err := unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
		return errors.Is(err, unix.EWOULDBLOCK)
	}
	_ = unix.Flock(int(f.Fd()), unix.LOCK_UN)
	return false
}

// HolderPID returns the pid recorded in the lock file.
func (l *BackupLock) HolderPID() (int, error) {
	data, err := os.ReadFile(l.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return 0, ErrNoHolder
		}
		return 0, fmt.Errorf("read lock file: %w", err)
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil || pid <= 0 {
		return 0, ErrNoHolder
	}
	return pid, nil
}

// Heal removes lock files left behind by a holder that no longer has the
// flock. It reports whether anything was removed. The files are unlinked while
// Heal holds the flock itself, so a run that takes the lock concurrently is
// either refused or ends up on a fresh file.
func (l *BackupLock) Heal() (bool, error) {
	if l.Held() {
		return false, nil
	}
	if !fsutil.Exists(l.path) && !fsutil.Exists(l.legacyPath) {
		return false, nil
	}

	f, err := tryLock(l.path)
	if errors.Is(err, errBusy) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("heal backup lock: %w", err)
	}
	defer unlock(f)

	if err := fsutil.RemoveIfExists(l.legacyPath); err != nil {
		return false, fmt.Errorf("remove legacy lock: %w", err)
	}
	if err := fsutil.RemoveIfExists(l.path); err != nil {
		return false, fmt.Errorf("remove lock file: %w", err)
	}
	l.logger.Info().Msg("removed stale backup lock")
	return true, nil
}

// tryLock opens path and takes a non-blocking exclusive flock. errBusy means
// another holder owns it or the file was replaced underneath us.
func tryLock(path string) (*os.File, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open lock file: %w", err)
	}
	if err := unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
		f.Close()
		if errors.Is(err, unix.EWOULDBLOCK) {
			return nil, errBusy
		}
		return nil, fmt.Errorf("flock: %w", err)
	}

	same, err := sameFile(f, path)
	if err != nil || !same {
		unlock(f)
		return nil, errBusy
	}
	return f, nil
}

func sameFile(f *os.File, path string) (bool, error) {
	var fst, pst unix.Stat_t
	if err := unix.Fstat(int(f.Fd()), &fst); err != nil {
		return false, err
	}
	if err := unix.Stat(path, &pst); err != nil {
		return false, err
	}
	return fst.Dev == pst.Dev && fst.Ino == pst.Ino, nil
}

func writePID(f *os.File, pid []byte) error {
	if err := f.Truncate(0); err != nil {
		return err
	}
	if _, err := f.WriteAt(pid, 0); err != nil {
		return err
	}
	return f.Sync()
}

func unlock(f *os.File) {
	_ = unix.Flock(int(f.Fd()), unix.LOCK_UN)
	_ = f.Close()
}

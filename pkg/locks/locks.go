// Package locks implements the slot lock manager (spec §4.2): creating,
// probing, acquiring and releasing the advisory file locks that coordinate
// concurrent hook processes over a shared state directory.
//
// The teacher has no flock code of its own (its locking concerns are all
// in-process, via go-deadlock), so this package is grounded directly on
// the flock(2) semantics spec.md §3-4 describe, using
// golang.org/x/sys/unix (already pulled into the module graph by the
// teacher's container stack) rather than hand-rolling a syscall wrapper.
package locks

import (
	"context"
	"os"
	"path/filepath"
	"time"

	"golang.org/x/sys/unix"

	"github.com/nix-community/nix-build-remote-hook/pkg/hookerr"
)

// Handle is an open, possibly-locked slot/main/upload lock file.
type Handle struct {
	file *os.File
	held bool
}

// Open creates the parent directory (mode 0777) if missing and
// opens-or-creates path (mode 0600). Creation is idempotent across
// processes: os.OpenFile with O_CREATE never errors if the file already
// exists (spec §4.2 Open).
func Open(path string) (*Handle, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o777); err != nil {
		return nil, hookerr.Wrap(hookerr.KindIOFatal, "create state dir", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o600)
	if err != nil {
		return nil, hookerr.Wrap(hookerr.KindIOFatal, "open lock file "+path, err)
	}
	return &Handle{file: f}, nil
}

// TryExclusive attempts a non-blocking exclusive lock. Returns false
// (not an error) when the lock is already held by someone else; that is
// the expected "slot busy" outcome, not a fault.
func (h *Handle) TryExclusive() (bool, error) {
	err := unix.Flock(int(h.file.Fd()), unix.LOCK_EX|unix.LOCK_NB)
	if err == nil {
		h.held = true
		return true, nil
	}
	if err == unix.EWOULDBLOCK || err == unix.EAGAIN {
		return false, nil
	}
	return false, hookerr.Wrap(hookerr.KindIOFatal, "flock "+h.file.Name(), err)
}

// AcquireBlocking blocks until the exclusive lock is obtained or ctx is
// canceled. flock(2) itself takes no timeout, so cancellation is
// implemented the way spec §4.5 documents for the upload-lock timeout:
// race the blocking syscall (on its own goroutine) against ctx.Done, and
// on cancellation stop waiting on the result — the blocked syscall is left
// to return on its own later against an fd this Handle no longer uses. The
// main lock (spec §4.3) is expected to be acquired without a deadline;
// callers pass context.Background() there.
func (h *Handle) AcquireBlocking(ctx context.Context) error {
	done := make(chan error, 1)
	go func() {
		done <- unix.Flock(int(h.file.Fd()), unix.LOCK_EX)
	}()

	select {
	case err := <-done:
		if err != nil {
			return hookerr.Wrap(hookerr.KindIOFatal, "flock "+h.file.Name(), err)
		}
		h.held = true
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Touch updates the lock file's mtime for observability (spec §3: "mtime
// is touched on acquisition").
func (h *Handle) Touch() error {
	now := time.Now()
	return os.Chtimes(h.file.Name(), now, now)
}

// Release drops the lock and closes the handle (spec §4.2 Release).
func (h *Handle) Release() error {
	if h.held {
		_ = unix.Flock(int(h.file.Fd()), unix.LOCK_UN)
		h.held = false
	}
	return h.file.Close()
}

// Unlink removes the backing file. Used by the upload-lock starvation
// recovery path (spec §4.5): unlink so a fresh file gets created by the
// next dispatcher, then proceed without holding anything.
func (h *Handle) Unlink() error {
	return os.Remove(h.file.Name())
}

// ProbeFree reports whether path's lock is currently free, by attempting
// and immediately releasing a non-blocking exclusive lock (spec §4.2
// "Probing a slot's busyness"). The handle used for the probe is not kept
// open past this call.
func ProbeFree(path string) (bool, error) {
	h, err := Open(path)
	if err != nil {
		return false, err
	}
	defer h.file.Close()

	free, err := h.TryExclusive()
	if err != nil {
		return false, err
	}
	if free {
		_ = unix.Flock(int(h.file.Fd()), unix.LOCK_UN)
	}
	return free, nil
}

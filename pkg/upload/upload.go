// Package upload implements the per-host upload serializer (spec §4.5):
// a closure push to a given host is exclusive per host so that multiple
// concurrent dispatchers never duplicate the same bandwidth- and
// disk-heavy transfer.
package upload

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/nix-community/nix-build-remote-hook/pkg/hookerr"
	"github.com/nix-community/nix-build-remote-hook/pkg/locks"
)

// Timeout is the bounded wait spec §4.5 mandates before giving up on
// coordination and proceeding unserialized.
const Timeout = 15 * time.Minute

// WithLock runs push under the per-host upload lock (spec §4.5). On a
// 15-minute timeout it logs the starvation, unlinks the lock file, and
// runs push anyway without holding anything — the documented hazard from
// spec §4.5/§9 (a crashed peer must not block forever; the next
// dispatcher gets a fresh lock file while this one finishes uncoordinated).
func WithLock(ctx context.Context, log *logrus.Entry, stateDir, hostName string, push func(context.Context) error) error {
	return withLock(ctx, log, stateDir, hostName, Timeout, push)
}

func withLock(ctx context.Context, log *logrus.Entry, stateDir, hostName string, timeout time.Duration, push func(context.Context) error) error {
	path := locks.UploadLockPath(stateDir, hostName)
	h, err := locks.Open(path)
	if err != nil {
		return err
	}

	lockCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	err = h.AcquireBlocking(lockCtx)
	if err == nil {
		defer h.Release()
		return push(ctx)
	}

	if ctx.Err() != nil {
		// The caller's own context ended this wait, not our timeout —
		// propagate it rather than treating it as starvation recovery.
		_ = h.Release()
		return hookerr.Wrap(hookerr.KindIOFatal, "acquire upload lock", ctx.Err())
	}

	log.WithField("host", hostName).Warn("upload lock held too long, unlinking and proceeding unserialized")
	if unlinkErr := h.Unlink(); unlinkErr != nil {
		log.WithField("host", hostName).WithError(unlinkErr).Warn("failed to unlink starved upload lock")
	}
	_ = h.Release()

	if pushErr := push(ctx); pushErr != nil {
		return hookerr.Wrap(hookerr.KindUploadLockStarved, "push after unlinking starved upload lock", pushErr)
	}
	return nil
}

// Package hookerr classifies the error kinds the hook can produce (see
// spec §7) so callers can branch on what happened instead of matching
// error strings.
package hookerr

import (
	"errors"
	"fmt"

	goerrors "github.com/go-errors/errors"
)

// Kind is one of the error kinds a hook run can end in.
type Kind int

const (
	// KindNone is the zero value; never attached to a real error.
	KindNone Kind = iota
	// KindConfigMissing means the machines file does not exist. Not fatal:
	// the registry is just empty.
	KindConfigMissing
	// KindConfigMalformed means a line in the machines file failed to
	// parse. Fatal: abort startup.
	KindConfigMalformed
	// KindPlacementIncapable means no machine matches the platform/feature
	// filters. Reply decline.
	KindPlacementIncapable
	// KindPlacementBusy means matching machines exist but are all at
	// capacity. Reply postpone.
	KindPlacementBusy
	// KindConnectFailed means the SSH connect to a selected host failed.
	// Recovered locally: disable the host, retry placement.
	KindConnectFailed
	// KindUploadLockStarved means the 15-minute upload lock wait expired.
	// Recovered locally: unlink the lock, proceed unserialized.
	KindUploadLockStarved
	// KindRemoteBuildFailed means the worker reported a nonzero build
	// status.
	KindRemoteBuildFailed
	// KindIOFatal covers lock syscall failures and short reads from the
	// worker. Abort the process.
	KindIOFatal
)

func (k Kind) String() string {
	switch k {
	case KindConfigMissing:
		return "ConfigMissing"
	case KindConfigMalformed:
		return "ConfigMalformed"
	case KindPlacementIncapable:
		return "PlacementIncapable"
	case KindPlacementBusy:
		return "PlacementBusy"
	case KindConnectFailed:
		return "ConnectFailed"
	case KindUploadLockStarved:
		return "UploadLockStarved"
	case KindRemoteBuildFailed:
		return "RemoteBuildFailed"
	case KindIOFatal:
		return "IOFatal"
	default:
		return "None"
	}
}

// hookError carries a Kind alongside the usual message, adapted from the
// teacher's ComplexError (error code + message) to the set of kinds §7
// enumerates.
type hookError struct {
	kind    Kind
	message string
	cause   error
}

func (e *hookError) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.kind, e.message, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.kind, e.message)
}

func (e *hookError) Unwrap() error { return e.cause }

// New builds a hookError of the given kind. Wrapped with go-errors so a
// stack trace is available if it ever reaches the fatal exit path.
func New(kind Kind, message string) error {
	return goerrors.Wrap(&hookError{kind: kind, message: message}, 0)
}

// Wrap attaches kind and message to an existing cause.
func Wrap(kind Kind, message string, cause error) error {
	if cause == nil {
		return nil
	}
	return goerrors.Wrap(&hookError{kind: kind, message: message, cause: cause}, 0)
}

// Is reports whether err (or anything it wraps) carries the given Kind.
func Is(err error, kind Kind) bool {
	return KindOf(err) == kind
}

// KindOf extracts the Kind carried by err, or KindNone if it carries none.
func KindOf(err error) Kind {
	var he *hookError
	if errors.As(err, &he) {
		return he.kind
	}
	return KindNone
}

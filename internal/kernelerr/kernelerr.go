// Package kernelerr defines the sentinel error kinds shared by the
// hypervisor core's system-call-style operations, and helpers to wrap
// and recover them.
//
// The vocabulary mirrors the negative errno-style returns threaded
// through the original hypervisor's core/vmsa.c and os/core/*.c:
// EINVAL for malformed arguments, ENOMEM for allocator exhaustion,
// EPERM for operations attempted in the wrong context or with
// dependents present, ENOSPC for full mailboxes/queues, TimeoutErr and
// AbortErr for the two non-OK pend-status outcomes event.c's
// event_task_wait callers can receive, and Panic for the fatal
// invariant violations the source handles by halting outright.
package kernelerr

import "github.com/pkg/errors"

// Sentinel kernel error kinds. Compare with errors.Cause(err) == kernelerr.ENOMEM.
var (
	EINVAL     = errors.New("invalid argument")
	ENOMEM     = errors.New("out of memory")
	EPERM      = errors.New("operation not permitted")
	ENOSPC     = errors.New("no space left")
	TimeoutErr = errors.New("operation timed out")
	AbortErr   = errors.New("wait aborted")
)

// Wrap attaches operation context to a sentinel kind, preserving the
// sentinel as the wrapped cause.
func Wrap(kind error, context string) error {
	return errors.Wrap(kind, context)
}

// Wrapf attaches formatted operation context to a sentinel kind.
func Wrapf(kind error, format string, args ...interface{}) error {
	return errors.Wrapf(kind, format, args...)
}

// Is reports whether err's cause, after unwrapping any Wrap/Wrapf
// layers, is the given sentinel kind.
func Is(err, kind error) bool {
	return errors.Cause(err) == kind
}

// Panic is used for fatal invariant violations that the C source
// handles by halting: unsupported list-register counts, unmappable
// control registers, missing required device-tree nodes. Kernel
// operations that hit these call this instead of returning an error.
func Panic(reason string) {
	panic(reason)
}

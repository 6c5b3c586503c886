// Package errno normalizes the remote SDK's signed-status convention into
// host errno semantics. SDK calls return a non-negative value on success and
// a negative value -E on failure, where E is the host errno. Every remote
// call boundary passes its status through this package so that a stale error
// from an earlier call can never leak into a successful one.
package errno

import (
	"golang.org/x/sys/unix"
)

// Sentinel is the conventional failure return value of the native calls this
// layer stands in for.
const Sentinel = -1

// Int translates an int status. On success it returns the status unchanged
// with a nil error; on failure it returns the sentinel and the errno carried
// by the status.
func Int(status int) (int, error) {
	if status < 0 {
		return Sentinel, unix.Errno(-status)
	}
	return status, nil
}

// Size translates a size-typed (int64) status under the same convention.
func Size(status int64) (int64, error) {
	if status < 0 {
		return Sentinel, unix.Errno(-status)
	}
	return status, nil
}

// Value extracts the numeric errno from an error produced by this package.
// Errors that did not originate from a remote status report EIO.
func Value(err error) int {
	if err == nil {
		return 0
	}
	if e, ok := err.(unix.Errno); ok {
		return int(e)
	}
	return int(unix.EIO)
}

// Error builds an errno-valued error directly, for failures local to this
// layer's own bookkeeping (bad descriptor, table exhaustion, failed join).
func Error(e unix.Errno) error {
	return e
}

// Package profile holds the status taxonomy shared by the sampling and
// memory profilers.
package profile

import (
	"errors"
	"fmt"

	"golang.org/x/sys/unix"
)

// The profiler error taxonomy. The engines and the public facade return
// these sentinels (possibly wrapped with extra context); callers match with
// errors.Is.
var (
	// ErrMisuse: invalid configuration, an operation issued in the wrong
	// state, or against the wrong VM.
	ErrMisuse = errors.New("profiler misuse")
	// ErrRunning: start or configure attempted while a profiler is active.
	ErrRunning = errors.New("profiler is running already")
	// ErrNotRunning: stop attempted while no profiler is active.
	ErrNotRunning = errors.New("profiler is not running")
	// ErrIO: the stream writer failed, the on-stop callback reported
	// failure, or the output sink could not be opened.
	ErrIO = errors.New("profiler stream I/O error")
)

// IOError wraps ErrIO with the errno captured from the failed stream so the
// binding layer can surface the numeric code.
func IOError(errno unix.Errno) error {
	if errno == 0 {
		return ErrIO
	}
	return fmt.Errorf("%w: %w", ErrIO, errno)
}

// Errno extracts the errno carried by an error chain, or 0 if none.
func Errno(err error) unix.Errno {
	var errno unix.Errno
	if errors.As(err, &errno) {
		return errno
	}
	return 0
}

package sysprof

import (
	"runtime"
	"time"
)

// sampleTimer delivers periodic sampling ticks to a handler. The handler
// receives the number of ticks that were missed since the previous
// delivery (overruns).
type sampleTimer interface {
	start(intervalMsec uint64, handler func(overruns uint64)) error
	stop()
}

// newSampleTimer builds the platform timer. Tests substitute a manually
// pulsed implementation.
var newSampleTimer = newPlatformTimer

// overrunsSince derives the overrun count from wall-clock drift: a tick
// arriving n intervals after the previous one means n-1 ticks were
// coalesced or dropped while the handler was still busy.
func overrunsSince(prev, now time.Time, interval time.Duration) uint64 {
	if prev.IsZero() {
		return 0
	}
	elapsed := now.Sub(prev)
	if elapsed <= interval {
		return 0
	}
	return uint64(elapsed/interval) - 1
}

// defaultBacktracer captures the host stack with runtime.Callers. The
// buffer is caller-preallocated, so the capture itself does not allocate.
func defaultBacktracer(buf []uintptr, max int) int {
	if max > len(buf) {
		max = len(buf)
	}
	return runtime.Callers(0, buf[:max])
}

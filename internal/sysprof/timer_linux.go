//go:build linux

package sysprof

import (
	"os"
	"os/signal"
	"time"

	"golang.org/x/sys/unix"
)

// itimer drives sampling off the POSIX per-process interval timer:
// ITIMER_PROF counts down in process CPU time and raises SIGPROF on
// expiry. Signal delivery is fanned into a channel; the drain goroutine
// is the sampler's "handler context".
type itimer struct {
	interval time.Duration
	sigCh    chan os.Signal
	done     chan struct{}
}

func newPlatformTimer() sampleTimer {
	return &itimer{}
}

func (t *itimer) start(intervalMsec uint64, handler func(overruns uint64)) error {
	t.interval = time.Duration(intervalMsec) * time.Millisecond
	// Capacity one: a tick arriving while the previous one is still
	// pending coalesces; the overrun count estimates such ticks from the
	// wall-clock gap between deliveries (see overrunsSince).
	t.sigCh = make(chan os.Signal, 1)
	t.done = make(chan struct{})
	signal.Notify(t.sigCh, unix.SIGPROF)

	it := unix.Itimerval{
		Interval: unix.NsecToTimeval(int64(t.interval)),
		Value:    unix.NsecToTimeval(int64(t.interval)),
	}
	if _, err := unix.Setitimer(unix.ITIMER_PROF, it); err != nil {
		signal.Stop(t.sigCh)
		close(t.done)
		return err
	}

	go t.drain(handler)
	return nil
}

func (t *itimer) drain(handler func(overruns uint64)) {
	defer close(t.done)
	var prev time.Time
	for range t.sigCh {
		now := time.Now()
		handler(overrunsSince(prev, now, t.interval))
		prev = now
	}
}

func (t *itimer) stop() {
	_, _ = unix.Setitimer(unix.ITIMER_PROF, unix.Itimerval{})
	signal.Stop(t.sigCh)
	close(t.sigCh)
	<-t.done
}

// threadID identifies the thread the profiled VM ran on at start.
func threadID() int {
	return unix.Gettid()
}

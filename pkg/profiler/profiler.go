// Package profiler is the public surface of vmprof: it configures, starts,
// stops and reports the in-process sampling profiler, and starts and stops
// the memory-event profiler, for a VM implementing the vm.VM contract.
//
// Exactly one profiler of each kind runs per process. The package arbitrates
// that singleton and shields callers from the sampler-context concerns of
// the engines underneath.
package profiler

import (
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sys/unix"

	"github.com/coral-mesh/vmprof/internal/memprof"
	"github.com/coral-mesh/vmprof/internal/profile"
	"github.com/coral-mesh/vmprof/internal/sysprof"
	"github.com/coral-mesh/vmprof/pkg/vm"
)

// The profiler error taxonomy. Match with errors.Is; I/O failures carry
// the stream errno, retrievable with Errno.
var (
	ErrMisuse     = profile.ErrMisuse
	ErrRunning    = profile.ErrRunning
	ErrNotRunning = profile.ErrNotRunning
	ErrIO         = profile.ErrIO
)

// Sampling profiler configuration and report types.
type (
	Mode       = sysprof.Mode
	Config     = sysprof.Config
	Counters   = sysprof.Counters
	Backtracer = sysprof.Backtracer
	OnStopFunc = sysprof.OnStopFunc
)

// Sampling modes.
const (
	ModeDefault   = sysprof.ModeDefault
	ModeLeaf      = sysprof.ModeLeaf
	ModeCallgraph = sysprof.ModeCallgraph
)

// DefaultIntervalMsec is the sampling interval applied when the
// configuration leaves it zero.
const DefaultIntervalMsec = sysprof.DefaultIntervalMsec

// MemProfOptions configures a memory-profiling run.
type MemProfOptions = memprof.Options

var logger = zerolog.Nop()

// SetLogger installs the logger used by the lifecycle paths. The sampler
// and the allocator hook never log regardless.
func SetLogger(l zerolog.Logger) {
	logger = l.With().Str("component", "profiler").Logger()
}

// Errno extracts the errno carried by an I/O error, or 0 if none.
func Errno(err error) unix.Errno {
	return profile.Errno(err)
}

// Configure validates and installs the sampling configuration. Legal
// before the first start or between runs.
func Configure(cfg Config) error {
	if err := sysprof.Configure(cfg); err != nil {
		return err
	}
	logger.Debug().
		Uint8("mode", uint8(cfg.Mode)).
		Uint64("interval_msec", cfg.IntervalMsec).
		Msg("Sampling profiler configured")
	return nil
}

// Start begins sampling the given VM. ctx is handed through to the writer
// and the on-stop callback.
func Start(g vm.VM, ctx any) error {
	session := uuid.NewString()
	if err := sysprof.Start(g, ctx); err != nil {
		logger.Debug().Err(err).Msg("Sampling profiler failed to start")
		return err
	}
	logger.Info().Str("session", session).Msg("Sampling profiler started")
	return nil
}

// Stop ends the sampling run and finalizes the stream.
func Stop(g vm.VM) error {
	if err := sysprof.Stop(g); err != nil {
		logger.Debug().Err(err).Msg("Sampling profiler stopped with error")
		return err
	}
	logger.Info().Msg("Sampling profiler stopped")
	return nil
}

// Report copies the counters collected by the last sampling run. Legal
// only while the profiler is idle.
func Report(c *Counters) error {
	return sysprof.Report(c)
}

// StartMemProf begins recording allocator events of the given VM.
func StartMemProf(g vm.VM, opt MemProfOptions) error {
	if err := memprof.Start(g, opt); err != nil {
		logger.Debug().Err(err).Msg("Memory profiler failed to start")
		return err
	}
	logger.Info().Str("session", uuid.NewString()).Msg("Memory profiler started")
	return nil
}

// StopMemProf ends the memory-profiling run and finalizes the stream.
func StopMemProf(g vm.VM) error {
	if err := memprof.Stop(g); err != nil {
		logger.Debug().Err(err).Msg("Memory profiler stopped with error")
		return err
	}
	logger.Info().Msg("Memory profiler stopped")
	return nil
}

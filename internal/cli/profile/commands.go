package profile

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/shirou/gopsutil/v4/process"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	cerrors "github.com/coral-mesh/vmprof/internal/errors"
	"github.com/coral-mesh/vmprof/internal/logging"
	"github.com/coral-mesh/vmprof/internal/testvm"
	"github.com/coral-mesh/vmprof/pkg/profiler"
	"github.com/coral-mesh/vmprof/pkg/vm"
)

// renderError is the command-line form of the binding's error triple:
// the human message plus the numeric errno when one was captured.
func renderError(err error) error {
	if errno := profiler.Errno(err); errno != 0 {
		return fmt.Errorf("%v (errno %d)", err, int(errno))
	}
	return err
}

// sysprofFlags collects the sysprof command options before defaults are
// layered in.
type sysprofFlags struct {
	mode     modeFlag
	interval int
	duration time.Duration
	out      string
	defaults string
	logLevel string
}

// NewSysprofCmd builds the sysprof command: it runs the demo workload
// under the sampling profiler, streams to the output file and prints the
// counters report.
func NewSysprofCmd() *cobra.Command {
	flags := sysprofFlags{mode: modeFlag{mode: profiler.ModeCallgraph}}

	cmd := &cobra.Command{
		Use:   "sysprof",
		Short: "Run the demo workload under the sampling profiler",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runSysprof(cmd, cmd.Flags(), &flags)
		},
	}

	cmd.Flags().VarP(&flags.mode, "mode", "m", "profiling mode: D (counters), L (leaf), C (callgraph)")
	cmd.Flags().IntVarP(&flags.interval, "interval", "i", profiler.DefaultIntervalMsec,
		"sampling interval in milliseconds")
	cmd.Flags().DurationVarP(&flags.duration, "duration", "d", 500*time.Millisecond,
		"how long to run the workload")
	cmd.Flags().StringVarP(&flags.out, "out", "o", "", "output path (default "+DefaultOutputPath+")")
	cmd.Flags().StringVar(&flags.defaults, "defaults", "vmprof.yaml", "defaults file")
	cmd.Flags().StringVar(&flags.logLevel, "log-level", "info", "log level (debug, info, warn, error)")
	return cmd
}

func runSysprof(cmd *cobra.Command, fs *pflag.FlagSet, flags *sysprofFlags) error {
	logger := logging.NewWithComponent(logging.Config{Level: flags.logLevel, Pretty: true}, "cli")
	profiler.SetLogger(logger)

	defaults, err := LoadDefaults(flags.defaults)
	if err != nil {
		return renderError(err)
	}

	// Explicit flags win over the defaults file, which wins over the
	// built-in defaults.
	mode := flags.mode.mode
	if !fs.Changed("mode") && defaults.Mode != "" {
		if mode, err = ParseMode(defaults.Mode); err != nil {
			return renderError(err)
		}
	}
	intervalFlag := flags.interval
	if !fs.Changed("interval") && defaults.Interval != 0 {
		intervalFlag = defaults.Interval
	}
	interval, err := ValidateInterval(intervalFlag)
	if err != nil {
		return renderError(err)
	}
	out := flags.out
	if out == "" {
		out = defaults.Out
	}
	if out == "" {
		out = DefaultOutputPath
	}

	cfg := profiler.Config{Mode: mode, IntervalMsec: interval}
	var sink *FileSink
	if mode != profiler.ModeDefault {
		if sink, err = NewFileSink(out); err != nil {
			return renderError(err)
		}
		cfg.Writer = sink.Writer()
		cfg.OnStop = sink.OnStop
		cfg.Buf = make([]byte, StreamBufferSize)
	}

	// Until start hands the stream to the engine, the sink is ours to
	// close on failure; afterwards the on-stop callback owns it.
	closeSink := func() {
		if sink != nil {
			cerrors.DeferClose(logger, sink.f, "closing unused sink failed")
		}
	}

	if err := profiler.Configure(cfg); err != nil {
		closeSink()
		return renderError(err)
	}

	machine := testvm.New()
	if err := profiler.Start(machine, nil); err != nil {
		if errors.Is(err, profiler.ErrMisuse) || errors.Is(err, profiler.ErrRunning) {
			closeSink()
		}
		return renderError(err)
	}

	machine.RunWorkload(flags.duration)

	if err := profiler.Stop(machine); err != nil {
		return renderError(err)
	}

	if mode != profiler.ModeDefault {
		logger.Info().Str("path", out).Msg("Profile stream written")
	}
	return printReport(cmd, machine.Metrics())
}

// printReport renders the counters, the VM metrics snapshot and the
// process statistics.
func printReport(cmd *cobra.Command, metrics vm.Metrics) error {
	var c profiler.Counters
	if err := profiler.Report(&c); err != nil {
		return renderError(err)
	}

	cmd.Printf("samples:  %d\n", c.Samples)
	cmd.Printf("overruns: %d\n", c.Overruns)
	cmd.Println("vmstate:")
	names := []struct {
		name  string
		count uint64
	}{
		{"INTERP", c.Interp()}, {"LFUNC", c.LFunc()}, {"FFUNC", c.FFunc()},
		{"CFUNC", c.CFunc()}, {"GC", c.GC()}, {"EXIT", c.Exit()},
		{"RECORD", c.Record()}, {"OPT", c.Opt()}, {"ASM", c.Asm()},
		{"TRACE", c.Trace()},
	}
	for _, e := range names {
		cmd.Printf("  %-6s %d\n", e.name, e.count)
	}

	cmd.Printf("gc_allocated: %d\n", metrics.GCAllocated)
	cmd.Printf("gc_freed:     %d\n", metrics.GCFreed)
	cmd.Printf("gc_total:     %d\n", metrics.GCTotal)

	printProcessStats(cmd)
	return nil
}

// printProcessStats appends the host-process view; it is best-effort and
// silent on failure.
func printProcessStats(cmd *cobra.Command) {
	proc, err := process.NewProcess(int32(os.Getpid()))
	if err != nil {
		return
	}
	if mi, err := proc.MemoryInfo(); err == nil {
		cmd.Printf("process_rss:  %d\n", mi.RSS)
	}
	if cp, err := proc.CPUPercent(); err == nil {
		cmd.Printf("process_cpu:  %.1f%%\n", cp)
	}
}

// NewMemprofCmd builds the memprof command: it runs the demo workload
// under the memory profiler and streams allocator events to the output
// file.
func NewMemprofCmd() *cobra.Command {
	var (
		duration time.Duration
		out      string
		logLevel string
	)

	cmd := &cobra.Command{
		Use:   "memprof",
		Short: "Run the demo workload under the memory profiler",
		RunE: func(cmd *cobra.Command, _ []string) error {
			logger := logging.NewWithComponent(logging.Config{Level: logLevel, Pretty: true}, "cli")
			profiler.SetLogger(logger)

			sink, err := NewFileSink(out)
			if err != nil {
				return renderError(err)
			}

			machine := testvm.New()
			opt := profiler.MemProfOptions{
				Buf:    make([]byte, StreamBufferSize),
				Writer: sink.Writer(),
				OnStop: sink.OnStop,
			}
			if err := profiler.StartMemProf(machine, opt); err != nil {
				if errors.Is(err, profiler.ErrMisuse) || errors.Is(err, profiler.ErrRunning) {
					// The sink never reached the engine's
					// on-stop; close it here.
					cerrors.DeferClose(logger, sink.f, "closing unused sink failed")
				}
				return renderError(err)
			}

			machine.RunWorkload(duration)

			if err := profiler.StopMemProf(machine); err != nil {
				return renderError(err)
			}
			logger.Info().Str("path", out).Msg("Allocation stream written")
			return nil
		},
	}

	cmd.Flags().DurationVarP(&duration, "duration", "d", 500*time.Millisecond,
		"how long to run the workload")
	cmd.Flags().StringVarP(&out, "out", "o", DefaultMemOutputPath, "output path")
	cmd.Flags().StringVar(&logLevel, "log-level", "info", "log level (debug, info, warn, error)")
	return cmd
}

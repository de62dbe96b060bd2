// Package sysprof implements the sampling profiler engine: a periodic
// timer drives a sampler that reads the VM state, walks the guest and host
// stacks and streams sample records, while a fixed counter array tallies
// every observed state.
//
// Event stream format:
//
//	stream          := symtab sysprof
//	sysprof         := prologue sample* epilogue
//	prologue        := 'l' 'j' 'p' version reserved
//	sample          := sample-guest | sample-host | sample-trace
//	sample-guest    := sample-header stack-lua stack-host
//	sample-host     := sample-header stack-host
//	sample-trace    := sample-header traceno sym-addr line-no
//	sample-header   := <BYTE>
//	stack-lua       := frame-lua* frame-lua-last
//	stack-host      := frame-host* frame-host-last
//	frame-lua       := frame-lfunc | frame-cfunc | frame-ffunc
//	frame-lfunc     := frame-header sym-addr line-no
//	frame-cfunc     := frame-header exec-addr
//	frame-ffunc     := frame-header ffid
//	frame-lua-last  := frame-header
//	frame-host      := exec-addr
//	frame-host-last := <ULEB128> zero
//	epilogue        := sample-header with the final bit set
//
// The sample header carries the vmstate in its low four bits; the frame
// header carries the frame kind in its low two bits; the high bit of
// either marks a final record. All integers are ULEB128.
//
// Exactly one sampling profiler runs per process. The engine is a static
// singleton because the sampling tick carries no user data; the facade and
// the sampler bridge through it. Profiling several VMs at once is
// unsupported. Ticks are delivered to the sampler one at a time: a tick
// raised while a sample is still being emitted coalesces into the overrun
// count instead of re-entering the sampler.
package sysprof

import (
	"sync/atomic"
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/coral-mesh/vmprof/internal/profile"
	"github.com/coral-mesh/vmprof/internal/symtab"
	"github.com/coral-mesh/vmprof/internal/wbuf"
	"github.com/coral-mesh/vmprof/pkg/vm"
)

// FormatVersion is the sysprof stream dialect emitted by this engine.
const FormatVersion = 0x1

// Stream byte constants.
const (
	// vmstateMask bounds the sample-header state bits.
	vmstateMask = 1<<4 - 1
	// frameLuaLast terminates a guest stack.
	frameLuaLast byte = 0x80
	// epilogueByte closes the sample stream.
	epilogueByte byte = 0x80
)

// Mode selects how much each sample carries.
type Mode uint8

const (
	// ModeDefault: counters only, no stream.
	ModeDefault Mode = iota
	// ModeLeaf: counters plus the top guest frame and a one-frame host
	// stack per sample.
	ModeLeaf
	// ModeCallgraph: counters plus full guest and host stacks per sample.
	ModeCallgraph
)

// DefaultIntervalMsec is the sampling interval used when the
// configuration leaves it zero.
const DefaultIntervalMsec = 11

// handlerStackDepth is the number of sampler-internal host frames on top
// of every backtrace: runtime.Callers itself, the default backtracer and
// the sampler's record path. Stripping them keeps the handler out of the
// dumped stacks. Recalibrate when the sampler call chain changes.
const handlerStackDepth = 3

// backtraceBufSize bounds a full host backtrace in callgraph mode.
const backtraceBufSize = 512

// Backtracer fills buf with host instruction pointers, newest first, up to
// max entries, and returns the number written. It runs on the sample path
// and must not allocate or take locks. The first handlerStackDepth entries
// are treated as sampler frames and are not streamed.
type Backtracer func(buf []uintptr, max int) int

// OnStopFunc is called exactly once per successful start, at stop or at a
// start that fails after configuration completed. It receives the writer
// context and the stream buffer and owns any cleanup of the context.
// A nonzero return is treated as an I/O failure.
type OnStopFunc func(ctx any, buf []byte) int

// Config carries the profiler configuration. For any mode other than
// ModeDefault the stream fields (Writer, OnStop, Buf) are mandatory.
type Config struct {
	Mode Mode
	// IntervalMsec is the sampling interval; zero selects
	// DefaultIntervalMsec.
	IntervalMsec uint64
	Writer       wbuf.Writer
	OnStop       OnStopFunc
	// Buf is the caller-owned staging buffer for the stream.
	Buf []byte
	// Backtracer overrides the built-in host backtracer.
	Backtracer Backtracer
}

// Counters is the sampling report. The counter array is indexed by
// vm.State; its layout is load-bearing because the sampler increments
// counters[vmstate] by direct indexing.
type Counters struct {
	VMState  [vm.NumStates]uint64
	Samples  uint64
	Overruns uint64
}

// The counter array must sit at the start of the struct and cover the
// whole vmstate enumeration.
var _ [1]struct{} = [unsafe.Offsetof(Counters{}.VMState) + 1]struct{}{}
var _ = eventStreamers[vm.NumStates-1]

// Named accessors for the per-state slots.
func (c *Counters) Interp() uint64 { return c.VMState[vm.StInterp] }
func (c *Counters) LFunc() uint64  { return c.VMState[vm.StLFunc] }
func (c *Counters) FFunc() uint64  { return c.VMState[vm.StFFunc] }
func (c *Counters) CFunc() uint64  { return c.VMState[vm.StCFunc] }
func (c *Counters) GC() uint64     { return c.VMState[vm.StGC] }
func (c *Counters) Exit() uint64   { return c.VMState[vm.StExit] }
func (c *Counters) Record() uint64 { return c.VMState[vm.StRecord] }
func (c *Counters) Opt() uint64    { return c.VMState[vm.StOpt] }
func (c *Counters) Asm() uint64    { return c.VMState[vm.StAsm] }
func (c *Counters) Trace() uint64  { return c.VMState[vm.StTrace] }

// Profiler lifecycle states.
const (
	stUnconfigured int32 = iota
	stIdle
	stProfile
	// stHalt: the stream failed inside the sampler; stop reports the
	// saved errno and returns the engine to idle.
	stHalt
)

type sysprof struct {
	g   vm.VM
	ctx any
	// tid is the thread the VM ran on when profiling started,
	// informational in this runtime model.
	tid int
	// state is stored with release ordering by the lifecycle paths and
	// loaded with acquire ordering by the sampler; the sampler is the
	// only writer of the stProfile->stHalt transition.
	state      atomic.Int32
	out        wbuf.WBuf
	counters   Counters
	cfg        Config
	timer      sampleTimer
	savedErrno unix.Errno
	libCnt     uint32
	// backtraceBuf is preallocated: the sample path must not allocate.
	backtraceBuf [backtraceBufSize]uintptr
}

// The static profiler state. Multiple VMs may exist in the process, but
// only one is sampled at a time.
var sp sysprof

var ljpHeader = []byte{'l', 'j', 'p', FormatVersion, 0x0, 0x0, 0x0}

func (s *sysprof) streamNeeded() bool {
	return s.cfg.Mode != ModeDefault
}

// Configure validates and installs a configuration. Legal from the
// unconfigured and idle states only.
func Configure(cfg Config) error {
	switch sp.state.Load() {
	case stUnconfigured, stIdle:
	default:
		return profile.ErrRunning
	}
	if err := validate(&cfg); err != nil {
		return err
	}
	if cfg.IntervalMsec == 0 {
		cfg.IntervalMsec = DefaultIntervalMsec
	}
	if cfg.Backtracer == nil {
		cfg.Backtracer = defaultBacktracer
	}
	sp.cfg = cfg
	sp.state.Store(stIdle)
	return nil
}

func validate(cfg *Config) error {
	if cfg.Mode > ModeCallgraph {
		return profile.ErrMisuse
	}
	if cfg.Mode != ModeDefault &&
		(len(cfg.Buf) == 0 || cfg.Writer == nil || cfg.OnStop == nil) {
		return profile.ErrMisuse
	}
	return nil
}

// Start begins sampling the given VM. Legal from idle only; an
// unconfigured profiler reports misuse, any other state reports running.
func Start(g vm.VM, ctx any) error {
	switch sp.state.Load() {
	case stUnconfigured:
		return profile.ErrMisuse
	case stIdle:
	default:
		return profile.ErrRunning
	}

	sp.g = g
	sp.ctx = ctx
	sp.tid = threadID()
	sp.counters = Counters{}
	sp.savedErrno = 0
	sp.libCnt = 0
	if sp.streamNeeded() {
		sp.out.Init(sp.cfg.Writer, ctx, sp.cfg.Buf)
	}

	sp.state.Store(stProfile)

	if sp.streamNeeded() {
		streamPrologue(&sp)
		if sp.out.TestFlag(wbuf.FlagErrIO | wbuf.FlagStop) {
			// The on-stop callback may clobber the stream errno.
			savedErrno := sp.out.Errno()
			sp.cfg.OnStop(ctx, sp.out.Buf())
			sp.out.Terminate()
			sp.state.Store(stIdle)
			return profile.IOError(savedErrno)
		}
	}

	sp.timer = newSampleTimer()
	if err := sp.timer.start(sp.cfg.IntervalMsec, signalHandler); err != nil {
		if sp.streamNeeded() {
			sp.cfg.OnStop(ctx, sp.out.Buf())
			sp.out.Terminate()
		}
		sp.state.Store(stIdle)
		return err
	}
	return nil
}

// Stop ends sampling. Legal from profile and halt; idle reports
// not-running and a VM other than the profiled one reports misuse.
func Stop(g vm.VM) error {
	switch sp.state.Load() {
	case stIdle, stUnconfigured:
		return profile.ErrNotRunning
	}
	if g != sp.g {
		return profile.ErrMisuse
	}

	sp.timer.stop()
	sp.timer = nil

	if sp.state.Load() == stHalt {
		err := profile.IOError(sp.savedErrno)
		sp.savedErrno = 0
		sp.state.Store(stIdle)
		// The stream was terminated when the failure latched; the
		// on-stop callback still owns the context cleanup. Its status
		// cannot improve on the error being returned.
		sp.cfg.OnStop(sp.ctx, sp.out.Buf())
		return err
	}

	sp.state.Store(stIdle)

	if sp.streamNeeded() {
		streamEpilogue(&sp)
		sp.out.Flush()

		cbStatus := sp.cfg.OnStop(sp.ctx, sp.out.Buf())
		if sp.out.TestFlag(wbuf.FlagErrIO|wbuf.FlagStop) || cbStatus != 0 {
			errno := sp.out.Errno()
			sp.out.Terminate()
			return profile.IOError(errno)
		}
		sp.out.Terminate()
	}
	return nil
}

// Report copies the counters collected by the last run. Legal from idle
// only; intermediate reads while profiling are undefined and rejected.
func Report(c *Counters) error {
	if sp.state.Load() != stIdle {
		return profile.ErrMisuse
	}
	*c = sp.counters
	return nil
}

// signalHandler is the sampling tick entry point. It dispatches on the
// lifecycle state: only stProfile samples; idle and halt ticks are
// silent no-ops (a stale tick after stop, or a stream that already
// failed).
func signalHandler(overruns uint64) {
	switch sp.state.Load() {
	case stProfile:
		recordSample(&sp, overruns)
	case stIdle, stHalt:
	default:
		panic("sysprof: sampling tick in unconfigured state")
	}
}

// recordSample runs on the sample path: no allocation, no locks, no
// logging. It tallies the observed state and, when streaming, emits one
// sample record; a stream failure latches stHalt.
func recordSample(s *sysprof, overruns uint64) {
	vmst := vm.DecodeStateWord(s.g.StateWord())

	s.counters.VMState[vmst]++
	s.counters.Samples++
	s.counters.Overruns += overruns

	if !s.streamNeeded() {
		return
	}

	streamEvent(s, vmst)
	if s.out.TestFlag(wbuf.FlagErrIO | wbuf.FlagStop) {
		s.savedErrno = s.out.Errno()
		s.out.Terminate()
		s.state.Store(stHalt)
	}
}

type eventStreamer func(s *sysprof)

// Indexed by vm.State; the order is load-bearing.
var eventStreamers = [vm.NumStates]eventStreamer{
	streamBacktraceHost, // StInterp
	streamGuest,         // StLFunc
	streamGuest,         // StFFunc
	streamGuest,         // StCFunc
	streamBacktraceHost, // StGC
	streamBacktraceHost, // StExit
	streamBacktraceHost, // StRecord
	streamBacktraceHost, // StOpt
	streamBacktraceHost, // StAsm
	streamTrace,         // StTrace
}

func streamEvent(s *sysprof, vmst vm.State) {
	s.out.AddByte(byte(vmst) & vmstateMask)
	eventStreamers[vmst](s)
}

func streamPrologue(s *sysprof) {
	symtab.Dump(&s.out, s.g, &s.libCnt)
	s.out.AddN(ljpHeader)
}

func streamEpilogue(s *sysprof) {
	s.out.AddByte(epilogueByte)
}

func streamGuest(s *sysprof) {
	streamBacktraceLua(s)
	streamBacktraceHost(s)
}

func streamTrace(s *sysprof) {
	traceno := s.g.TraceNo()
	info, _ := s.g.TraceInfo(traceno)
	s.out.AddU64(uint64(traceno))
	s.out.AddU64(info.ProtoAddr)
	s.out.AddU64(info.Line)
}

// streamBacktraceLua walks the guest frame chain newest to oldest,
// skipping dummy error-marker frames, and terminates with the guest-last
// marker. Leaf mode stops after the top real frame.
func streamBacktraceLua(s *sysprof) {
	maxFrames := -1
	if s.cfg.Mode == ModeLeaf {
		maxFrames = 1
	}

	emitted := 0
	if coro := s.g.CurrentCoro(); coro != nil {
		for fr := coro.TopFrame(); fr != nil; fr = fr.Prev() {
			if emitted == maxFrames {
				break
			}
			if fr.Dummy() {
				continue
			}
			streamFrameLua(s, fr)
			emitted++
		}
	}
	s.out.AddByte(frameLuaLast)
}

func streamFrameLua(s *sysprof, fr vm.Frame) {
	kind := fr.Kind()
	s.out.AddByte(byte(kind))
	switch kind {
	case vm.FrameLua:
		s.out.AddU64(fr.ProtoAddr())
		s.out.AddU64(fr.FirstLine())
	case vm.FrameC:
		s.out.AddU64(fr.CodeAddr())
	case vm.FrameFast:
		s.out.AddU64(fr.FastID())
	}
}

// streamBacktraceHost dumps the host stack minus the sampler's own frames
// and terminates with a zero word.
func streamBacktraceHost(s *sysprof) {
	maxDepth := backtraceBufSize
	if s.cfg.Mode == ModeLeaf {
		maxDepth = handlerStackDepth + 1
	}

	depth := s.cfg.Backtracer(s.backtraceBuf[:], maxDepth)
	for i := handlerStackDepth; i < depth; i++ {
		s.out.AddU64(uint64(s.backtraceBuf[i]))
	}
	s.out.AddU64(0)
}

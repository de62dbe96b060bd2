// Package memprof implements the memory-event profiler: every allocation,
// reallocation and free passing through the VM allocator is recorded as a
// compact event attributed to its source context.
//
// Event stream format:
//
//	stream         := symtab memprof
//	memprof        := prologue event* epilogue
//	prologue       := 'l' 'j' 'm' version reserved
//	event          := event-alloc | event-realloc | event-free
//	event-alloc    := event-header loc? naddr nsize
//	event-realloc  := event-header loc? oaddr osize naddr nsize
//	event-free     := event-header loc? oaddr osize
//	event-header   := <BYTE>
//	loc            := loc-lua | loc-c
//	loc-lua        := sym-addr line-no
//	loc-c          := sym-addr
//	epilogue       := event-header with the final bit set
//
// The event header (hi -> lo) is [FUUUSSEE]: EE is the event type, SS the
// allocation source, the middle bits are unused and F marks the final
// epilogue header. All integers are ULEB128.
package memprof

import (
	"sync/atomic"

	"golang.org/x/sys/unix"

	"github.com/coral-mesh/vmprof/internal/profile"
	"github.com/coral-mesh/vmprof/internal/symtab"
	"github.com/coral-mesh/vmprof/internal/wbuf"
	"github.com/coral-mesh/vmprof/pkg/vm"
)

// FormatVersion is the memprof stream dialect emitted by this engine.
const FormatVersion = 0x1

// Allocation event types (low two header bits). A reallocation is the
// union of an allocation and a free.
const (
	evAlloc   byte = 1
	evFree    byte = 2
	evRealloc byte = evAlloc | evFree
)

// Allocation sources (next two header bits).
const (
	srcInt   byte = 1 << 2
	srcLFunc byte = 2 << 2
	srcCFunc byte = 3 << 2
)

// epilogueHeader closes the event stream.
const epilogueHeader byte = 0x80

var ljmHeader = []byte{'l', 'j', 'm', FormatVersion, 0x0, 0x0, 0x0}

// Options configures a profiling run. Buf, Writer and OnStop are
// mandatory; Ctx may be nil.
type Options struct {
	// Ctx is handed to the writer and the on-stop callback.
	Ctx any
	// Buf is the caller-owned staging buffer for the stream.
	Buf    []byte
	Writer wbuf.Writer
	// OnStop runs once when profiling stops; it owns cleanup of Ctx.
	// A nonzero return is treated as an I/O failure.
	OnStop func(ctx any, buf []byte) int
}

// Profiler lifecycle states.
const (
	stIdle int32 = iota
	stRunning
	// stHalted: the stream failed inside the allocator hook; stop
	// reports the saved errno.
	stHalted
)

type memprof struct {
	g          vm.VM
	state      atomic.Int32
	out        wbuf.WBuf
	opt        Options
	savedErrno unix.Errno
}

// One memory profiler per process; profiling several VMs at once is
// unsupported.
var mp memprof

// Start validates the options, installs the allocator hook and writes the
// stream prologue (symbol table plus memprof header). A stream failure
// during the prologue reports I/O failure after running the on-stop
// callback.
func Start(g vm.VM, opt Options) error {
	if len(opt.Buf) == 0 || opt.Writer == nil || opt.OnStop == nil {
		return profile.ErrMisuse
	}
	if mp.state.Load() != stIdle {
		return profile.ErrRunning
	}

	mp.g = g
	mp.opt = opt
	mp.savedErrno = 0
	mp.out.Init(opt.Writer, opt.Ctx, opt.Buf)

	symtab.Dump(&mp.out, g, nil)
	mp.out.AddN(ljmHeader)
	if mp.out.TestFlag(wbuf.FlagErrIO | wbuf.FlagStop) {
		savedErrno := mp.out.Errno()
		opt.OnStop(opt.Ctx, mp.out.Buf())
		mp.out.Terminate()
		return profile.IOError(savedErrno)
	}

	mp.state.Store(stRunning)
	g.SetAllocHook(hook)
	return nil
}

// Stop uninstalls the hook, writes the epilogue and finalizes the stream.
func Stop(g vm.VM) error {
	if mp.state.Load() == stIdle {
		return profile.ErrNotRunning
	}
	if g != mp.g {
		return profile.ErrMisuse
	}

	mp.g.SetAllocHook(nil)

	if mp.state.Load() == stHalted {
		err := profile.IOError(mp.savedErrno)
		mp.savedErrno = 0
		mp.state.Store(stIdle)
		// The stream was terminated when the failure latched; the
		// on-stop callback still owns the context cleanup.
		mp.opt.OnStop(mp.opt.Ctx, mp.out.Buf())
		return err
	}

	mp.state.Store(stIdle)

	mp.out.AddByte(epilogueHeader)
	mp.out.Flush()

	cbStatus := mp.opt.OnStop(mp.opt.Ctx, mp.out.Buf())
	if mp.out.TestFlag(wbuf.FlagErrIO|wbuf.FlagStop) || cbStatus != 0 {
		errno := mp.out.Errno()
		mp.out.Terminate()
		return profile.IOError(errno)
	}
	mp.out.Terminate()
	return nil
}

// hook observes one allocator event. It runs on the allocation path: no
// allocation, no locks, no logging.
func hook(oaddr uintptr, osize uint64, naddr uintptr, nsize uint64) {
	if mp.state.Load() != stRunning {
		return
	}

	var ev byte
	switch {
	case oaddr == 0:
		ev = evAlloc
	case naddr == 0:
		ev = evFree
	default:
		ev = evRealloc
	}

	writeHeaderLoc(&mp, ev)
	switch ev {
	case evAlloc:
		mp.out.AddU64(uint64(naddr))
		mp.out.AddU64(nsize)
	case evFree:
		mp.out.AddU64(uint64(oaddr))
		mp.out.AddU64(osize)
	case evRealloc:
		mp.out.AddU64(uint64(oaddr))
		mp.out.AddU64(osize)
		mp.out.AddU64(uint64(naddr))
		mp.out.AddU64(nsize)
	}

	if mp.out.TestFlag(wbuf.FlagErrIO | wbuf.FlagStop) {
		mp.savedErrno = mp.out.Errno()
		mp.out.Terminate()
		mp.state.Store(stHalted)
	}
}

// writeHeaderLoc classifies the event source from the top real guest
// frame and writes the header byte plus the source location. Events with
// no guest context, including ones from builtin functions, attribute to
// the runtime itself and carry no location.
func writeHeaderLoc(p *memprof, ev byte) {
	var top vm.Frame
	if coro := p.g.CurrentCoro(); coro != nil {
		for fr := coro.TopFrame(); fr != nil; fr = fr.Prev() {
			if !fr.Dummy() {
				top = fr
				break
			}
		}
	}

	switch {
	case top != nil && top.Kind() == vm.FrameLua:
		p.out.AddByte(srcLFunc | ev)
		p.out.AddU64(top.ProtoAddr())
		p.out.AddU64(top.CurLine())
	case top != nil && top.Kind() == vm.FrameC:
		p.out.AddByte(srcCFunc | ev)
		p.out.AddU64(top.CodeAddr())
	default:
		p.out.AddByte(srcInt | ev)
	}
}

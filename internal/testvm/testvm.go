// Package testvm implements a miniature interpreter satisfying the vm.VM
// contract. It stands in for the real runtime in tests and in the demo
// binary: it keeps a guest frame chain, a proto registry, a fake trace
// table and an instrumented allocator, and lets callers drive the vmstate
// word through a workload.
package testvm

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/coral-mesh/vmprof/pkg/vm"
)

// Proto is an interpreted function registered with the test VM.
type Proto struct {
	Addr      uint64
	ChunkName string
	FirstLine uint64
}

// frame is one immutable link of the guest chain. Pushes create new nodes,
// so a stack walk started from a snapshot head never observes mutation.
type frame struct {
	prev     *frame
	kind     vm.FrameKind
	proto    *Proto
	curLine  uint64
	codeAddr uint64
	fastID   uint64
	dummy    bool
}

func (f *frame) Prev() vm.Frame {
	if f.prev == nil {
		return nil
	}
	return f.prev
}

func (f *frame) Dummy() bool        { return f.dummy }
func (f *frame) Kind() vm.FrameKind { return f.kind }
func (f *frame) ProtoAddr() uint64  { return f.proto.Addr }
func (f *frame) FirstLine() uint64  { return f.proto.FirstLine }
func (f *frame) CurLine() uint64    { return f.curLine }
func (f *frame) CodeAddr() uint64   { return f.codeAddr }
func (f *frame) FastID() uint64     { return f.fastID }

type coro struct {
	m *VM
}

func (c *coro) TopFrame() vm.Frame {
	f := c.m.head.Load()
	if f == nil {
		return nil
	}
	return f
}

// VM is the test runtime. The vmstate word and the frame-chain head are
// updated atomically so a concurrent sampler always observes a consistent
// snapshot.
type VM struct {
	stateWord atomic.Int32
	head      atomic.Pointer[frame]
	coro      *coro

	mu       sync.Mutex
	protos   []*Proto
	traces   []vm.TraceSym
	traceTab map[uint32]vm.TraceInfo
	hook     vm.AllocFunc
	blocks   map[uintptr]uint64
	nextAddr uintptr

	gcAllocated atomic.Uint64
	gcFreed     atomic.Uint64
}

// New creates an idle test VM in the interpreter state.
func New() *VM {
	m := &VM{
		traceTab: make(map[uint32]vm.TraceInfo),
		blocks:   make(map[uintptr]uint64),
		nextAddr: 0x7f0000000000,
	}
	m.coro = &coro{m: m}
	m.SetState(vm.StInterp)
	return m
}

// SetState moves the VM into a plain (non-trace) state.
func (m *VM) SetState(s vm.State) {
	m.stateWord.Store(int32(^uint32(s)))
}

// EnterTrace moves the VM into compiled code for the given trace.
func (m *VM) EnterTrace(traceno uint32) {
	m.stateWord.Store(int32(traceno))
}

func (m *VM) StateWord() int32 { return m.stateWord.Load() }

func (m *VM) TraceNo() uint32 { return uint32(m.stateWord.Load()) }

func (m *VM) CurrentCoro() vm.Coro { return m.coro }

// NewProto registers an interpreted function and adds it to the GC roots.
func (m *VM) NewProto(chunkName string, firstLine uint64) *Proto {
	m.mu.Lock()
	defer m.mu.Unlock()
	p := &Proto{
		Addr:      0x10000 + uint64(len(m.protos))*0x100,
		ChunkName: chunkName,
		FirstLine: firstLine,
	}
	m.protos = append(m.protos, p)
	return p
}

// RegisterTrace adds a compiled trace to both the GC roots and the trace
// table the sampler resolves trace numbers through.
func (m *VM) RegisterTrace(traceno uint32, mcodeAddr uint64, start *Proto, line uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.traces = append(m.traces, vm.TraceSym{
		TraceNo:        uint64(traceno),
		MCodeAddr:      mcodeAddr,
		StartProtoAddr: start.Addr,
		StartLine:      line,
	})
	m.traceTab[traceno] = vm.TraceInfo{
		TraceNo:   traceno,
		ProtoAddr: start.Addr,
		Line:      line,
	}
}

func (m *VM) TraceInfo(traceno uint32) (vm.TraceInfo, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ti, ok := m.traceTab[traceno]
	return ti, ok
}

type rootIter struct {
	roots []vm.Root
	pos   int
}

func (it *rootIter) Next() (vm.Root, bool) {
	if it.pos >= len(it.roots) {
		return vm.Root{}, false
	}
	r := it.roots[it.pos]
	it.pos++
	return r, true
}

// GCRoots walks the registered protos and traces. The snapshot is taken
// under the registry lock; the walk itself borrows it lock-free.
func (m *VM) GCRoots() vm.RootIter {
	m.mu.Lock()
	defer m.mu.Unlock()
	roots := make([]vm.Root, 0, len(m.protos)+len(m.traces))
	for _, p := range m.protos {
		roots = append(roots, vm.Root{
			Kind: vm.RootProto,
			Proto: vm.ProtoInfo{
				Addr:      p.Addr,
				ChunkName: p.ChunkName,
				FirstLine: p.FirstLine,
			},
		})
	}
	for _, t := range m.traces {
		roots = append(roots, vm.Root{Kind: vm.RootTrace, Trace: t})
	}
	return &rootIter{roots: roots}
}

func (m *VM) push(f *frame) {
	f.prev = m.head.Load()
	m.head.Store(f)
}

// PushLua enters an interpreted function frame.
func (m *VM) PushLua(p *Proto, curLine uint64) {
	m.push(&frame{kind: vm.FrameLua, proto: p, curLine: curLine})
	m.SetState(vm.StLFunc)
}

// PushC enters a native function frame.
func (m *VM) PushC(codeAddr uint64) {
	m.push(&frame{kind: vm.FrameC, codeAddr: codeAddr})
	m.SetState(vm.StCFunc)
}

// PushFast enters a builtin function frame.
func (m *VM) PushFast(fastID uint64) {
	m.push(&frame{kind: vm.FrameFast, fastID: fastID})
	m.SetState(vm.StFFunc)
}

// PushDummy pushes an internal error-marker frame. Stack walks skip it.
func (m *VM) PushDummy() {
	m.push(&frame{kind: vm.FrameLua, proto: &Proto{}, dummy: true})
}

// Pop leaves the newest frame.
func (m *VM) Pop() {
	if f := m.head.Load(); f != nil {
		m.head.Store(f.prev)
	}
}

func (m *VM) SetAllocHook(hook vm.AllocFunc) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.hook = hook
}

// Alloc simulates a heap allocation of size bytes and reports it to the
// installed hook.
func (m *VM) Alloc(size uint64) uintptr {
	m.mu.Lock()
	addr := m.nextAddr
	m.nextAddr += uintptr(size) + 16
	m.blocks[addr] = size
	hook := m.hook
	m.mu.Unlock()

	m.gcAllocated.Add(size)
	if hook != nil {
		hook(0, 0, addr, size)
	}
	return addr
}

// Realloc resizes a block, reporting the old and new extents.
func (m *VM) Realloc(addr uintptr, nsize uint64) uintptr {
	m.mu.Lock()
	osize := m.blocks[addr]
	delete(m.blocks, addr)
	naddr := m.nextAddr
	m.nextAddr += uintptr(nsize) + 16
	m.blocks[naddr] = nsize
	hook := m.hook
	m.mu.Unlock()

	m.gcFreed.Add(osize)
	m.gcAllocated.Add(nsize)
	if hook != nil {
		hook(addr, osize, naddr, nsize)
	}
	return naddr
}

// Free releases a block, reporting its extent.
func (m *VM) Free(addr uintptr) {
	m.mu.Lock()
	osize := m.blocks[addr]
	delete(m.blocks, addr)
	hook := m.hook
	m.mu.Unlock()

	m.gcFreed.Add(osize)
	if hook != nil {
		hook(addr, osize, 0, 0)
	}
}

func (m *VM) Metrics() vm.Metrics {
	m.mu.Lock()
	protos := uint64(len(m.protos))
	traces := uint64(len(m.traces))
	live := uint64(0)
	for _, sz := range m.blocks {
		live += sz
	}
	m.mu.Unlock()

	allocated := m.gcAllocated.Load()
	freed := m.gcFreed.Load()
	return vm.Metrics{
		GCTotal:     live,
		GCAllocated: allocated,
		GCFreed:     freed,
		GCStrNum:    protos,
		JITTraceNum: traces,
	}
}

// Fib interprets the naive Fibonacci recursion, pushing a guest frame per
// call. It burns CPU in guest states, which is what sampling workloads
// need.
func (m *VM) Fib(p *Proto, n uint64) uint64 {
	m.PushLua(p, p.FirstLine+n%7)
	defer m.Pop()
	if n < 2 {
		return n
	}
	return m.Fib(p, n-1) + m.Fib(p, n-2)
}

// RunWorkload alternates guest, native and GC activity for roughly the
// given duration, allocating as it goes. The demo binary drives it under
// both profilers.
func (m *VM) RunWorkload(d time.Duration) {
	fib := m.NewProto("@workload.lua", 1)
	helper := m.NewProto("@workload.lua", 40)
	deadline := time.Now().Add(d)
	for time.Now().Before(deadline) {
		m.Fib(fib, 21)

		m.PushLua(helper, 42)
		addr := m.Alloc(256)
		addr = m.Realloc(addr, 1024)
		m.Free(addr)
		m.Pop()

		m.PushC(0xc0de60)
		m.Alloc(64)
		m.Pop()

		m.SetState(vm.StGC)
		m.SetState(vm.StInterp)
	}
}

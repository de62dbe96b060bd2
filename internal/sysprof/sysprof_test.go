package sysprof

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"

	"github.com/coral-mesh/vmprof/internal/profile"
	"github.com/coral-mesh/vmprof/internal/symtab"
	"github.com/coral-mesh/vmprof/internal/testvm"
	"github.com/coral-mesh/vmprof/internal/wbuf"
	"github.com/coral-mesh/vmprof/pkg/vm"
)

// fakeTimer lets tests pulse the sampler deterministically instead of
// arming the platform interval timer.
type fakeTimer struct {
	handler func(overruns uint64)
	stopped bool
}

func (f *fakeTimer) start(_ uint64, handler func(overruns uint64)) error {
	f.handler = handler
	return nil
}

func (f *fakeTimer) stop() { f.stopped = true }

// pulse delivers one sampling tick.
func (f *fakeTimer) pulse(overruns uint64) { f.handler(overruns) }

// installFakeTimer swaps the timer factory and resets the engine
// singleton for an isolated lifecycle.
func installFakeTimer(t *testing.T) *fakeTimer {
	t.Helper()
	ft := &fakeTimer{}
	prev := newSampleTimer
	newSampleTimer = func() sampleTimer { return ft }
	t.Cleanup(func() { newSampleTimer = prev })
	resetEngine()
	t.Cleanup(resetEngine)
	return ft
}

func resetEngine() {
	sp.g = nil
	sp.ctx = nil
	sp.tid = 0
	sp.cfg = Config{}
	sp.counters = Counters{}
	sp.timer = nil
	sp.savedErrno = 0
	sp.libCnt = 0
	sp.state.Store(stUnconfigured)
}

func capturingWriter(sink *bytes.Buffer) wbuf.Writer {
	return func(data *[]byte, _ any) (int, error) {
		sink.Write(*data)
		return len(*data), nil
	}
}

func noopOnStop(_ any, _ []byte) int { return 0 }

// fixedBacktracer returns a predictable host stack: three frames standing
// in for the sampler internals that get stripped, then two payload
// addresses.
func fixedBacktracer(buf []uintptr, max int) int {
	addrs := []uintptr{0xdead1, 0xdead2, 0xdead3, 0xbeef1, 0xbeef2}
	n := 0
	for i := 0; i < max && i < len(addrs); i++ {
		buf[i] = addrs[i]
		n++
	}
	return n
}

func TestLifecycleValidation(t *testing.T) {
	installFakeTimer(t)
	m := testvm.New()

	assert.ErrorIs(t, Start(m, nil), profile.ErrMisuse, "start before configure")
	assert.ErrorIs(t, Configure(Config{Mode: Mode(0x42)}), profile.ErrMisuse, "unknown mode")
	assert.ErrorIs(t, Configure(Config{Mode: ModeCallgraph}), profile.ErrMisuse,
		"streaming mode without stream fields")

	require.NoError(t, Configure(Config{Mode: ModeDefault, IntervalMsec: 11}))
	require.NoError(t, Start(m, nil))
	assert.ErrorIs(t, Start(m, nil), profile.ErrRunning, "second start")
	assert.ErrorIs(t, Configure(Config{Mode: ModeDefault}), profile.ErrRunning,
		"configure while running")
	require.NoError(t, Stop(m))
	assert.ErrorIs(t, Stop(m), profile.ErrNotRunning, "second stop")
}

func TestStopWrongVM(t *testing.T) {
	installFakeTimer(t)
	m := testvm.New()
	require.NoError(t, Configure(Config{Mode: ModeDefault}))
	require.NoError(t, Start(m, nil))
	assert.ErrorIs(t, Stop(testvm.New()), profile.ErrMisuse)
	require.NoError(t, Stop(m))
}

func TestIntervalDefaulted(t *testing.T) {
	installFakeTimer(t)
	require.NoError(t, Configure(Config{Mode: ModeDefault, IntervalMsec: 0}))
	assert.Equal(t, uint64(DefaultIntervalMsec), sp.cfg.IntervalMsec)
}

func TestDefaultModeCounts(t *testing.T) {
	ft := installFakeTimer(t)
	m := testvm.New()

	require.NoError(t, Configure(Config{Mode: ModeDefault}))
	require.NoError(t, Start(m, nil))

	assert.ErrorIs(t, Report(&Counters{}), profile.ErrMisuse, "report while profiling")

	states := []vm.State{
		vm.StInterp, vm.StLFunc, vm.StLFunc, vm.StCFunc, vm.StGC,
		vm.StInterp, vm.StFFunc, vm.StLFunc,
	}
	for _, s := range states {
		m.SetState(s)
		ft.pulse(0)
	}
	m.EnterTrace(4)
	ft.pulse(2)

	require.NoError(t, Stop(m))
	assert.True(t, ft.stopped)

	var c Counters
	require.NoError(t, Report(&c))

	var sum uint64
	for _, n := range c.VMState {
		sum += n
	}
	assert.GreaterOrEqual(t, c.Samples, uint64(1))
	assert.Equal(t, c.Samples, sum, "samples equals the sum of the state counters")
	assert.Equal(t, uint64(9), c.Samples)
	assert.Equal(t, uint64(2), c.Overruns)
	assert.Equal(t, uint64(2), c.Interp())
	assert.Equal(t, uint64(3), c.LFunc())
	assert.Equal(t, uint64(1), c.FFunc())
	assert.Equal(t, uint64(1), c.CFunc())
	assert.Equal(t, uint64(1), c.GC())
	assert.Equal(t, uint64(1), c.Trace())
}

func TestCountersResetBetweenRuns(t *testing.T) {
	ft := installFakeTimer(t)
	m := testvm.New()

	require.NoError(t, Configure(Config{Mode: ModeDefault}))
	require.NoError(t, Start(m, nil))
	ft.pulse(0)
	require.NoError(t, Stop(m))

	require.NoError(t, Start(m, nil))
	require.NoError(t, Stop(m))

	var c Counters
	require.NoError(t, Report(&c))
	assert.Zero(t, c.Samples, "a fresh run starts from zeroed counters")
}

// skipSymtab consumes a complete symbol stream and returns what follows
// its final sentinel.
func skipSymtab(t *testing.T, data []byte) []byte {
	t.Helper()
	require.GreaterOrEqual(t, len(data), 8)
	require.Equal(t, []byte{'l', 'j', 's', 0x02, 0, 0, 0}, data[:7])
	data = data[7:]
	for {
		require.NotEmpty(t, data)
		hdr := data[0]
		data = data[1:]
		if hdr == symtab.SymFinal {
			return data
		}
		switch hdr {
		case symtab.SymLFunc:
			data = skipULEB(t, data)   // addr
			data = skipString(t, data) // chunk name
			data = skipULEB(t, data)   // first line
		case symtab.SymCFunc:
			data = skipULEB(t, data)   // addr
			data = skipString(t, data) // name
		case symtab.SymTrace:
			for i := 0; i < 4; i++ {
				data = skipULEB(t, data)
			}
		default:
			t.Fatalf("unknown symtab header %#x", hdr)
		}
	}
}

func skipULEB(t *testing.T, data []byte) []byte {
	t.Helper()
	_, n := wbuf.DecodeU64(data)
	require.Positive(t, n)
	return data[n:]
}

func readULEB(t *testing.T, data []byte) (uint64, []byte) {
	t.Helper()
	v, n := wbuf.DecodeU64(data)
	require.Positive(t, n)
	return v, data[n:]
}

func skipString(t *testing.T, data []byte) []byte {
	t.Helper()
	length, rest := readULEB(t, data)
	require.LessOrEqual(t, length, uint64(len(rest)))
	return rest[length:]
}

func TestCallgraphStream(t *testing.T) {
	ft := installFakeTimer(t)
	m := testvm.New()
	p := m.NewProto("@main.lua", 3)

	var sink bytes.Buffer
	require.NoError(t, Configure(Config{
		Mode:       ModeCallgraph,
		Writer:     capturingWriter(&sink),
		OnStop:     noopOnStop,
		Buf:        make([]byte, 1<<20),
		Backtracer: fixedBacktracer,
	}))
	require.NoError(t, Start(m, nil))

	m.PushLua(p, 5)
	m.PushC(0xc0ffee)
	ft.pulse(0)
	require.NoError(t, Stop(m))

	got := sink.Bytes()
	require.True(t, bytes.HasPrefix(got, []byte{0x6C, 0x6A, 0x73, 0x02, 0x00, 0x00, 0x00}),
		"stream begins with the symtab prologue")
	require.True(t, bytes.Contains(got, []byte{0x6C, 0x6A, 0x70, 0x01, 0x00, 0x00, 0x00}),
		"stream carries the sysprof prologue")
	assert.NotZero(t, got[len(got)-1]&0x80, "stream ends with a final header byte")

	rest := skipSymtab(t, got)
	require.Equal(t, ljpHeader, rest[:len(ljpHeader)])
	rest = rest[len(ljpHeader):]

	// One guest-state sample: header, guest stack (C frame then Lua
	// frame), guest-last, host stack, zero terminator.
	require.Equal(t, byte(vm.StCFunc), rest[0])
	rest = rest[1:]

	require.Equal(t, byte(vm.FrameC), rest[0])
	addr, rest := readULEB(t, rest[1:])
	assert.Equal(t, uint64(0xc0ffee), addr)

	require.Equal(t, byte(vm.FrameLua), rest[0])
	addr, rest = readULEB(t, rest[1:])
	assert.Equal(t, p.Addr, addr)
	line, rest := readULEB(t, rest)
	assert.Equal(t, uint64(3), line)

	require.Equal(t, frameLuaLast, rest[0])
	rest = rest[1:]

	var host []uint64
	for {
		var v uint64
		v, rest = readULEB(t, rest)
		if v == 0 {
			break
		}
		host = append(host, v)
	}
	assert.Equal(t, []uint64{0xbeef1, 0xbeef2}, host,
		"handler frames are stripped from the host stack")

	require.Equal(t, []byte{epilogueByte}, rest)
}

func TestLeafSample(t *testing.T) {
	ft := installFakeTimer(t)
	m := testvm.New()
	p := m.NewProto("@leaf.lua", 9)

	var sink bytes.Buffer
	require.NoError(t, Configure(Config{
		Mode:       ModeLeaf,
		Writer:     capturingWriter(&sink),
		OnStop:     noopOnStop,
		Buf:        make([]byte, 1<<20),
		Backtracer: fixedBacktracer,
	}))
	require.NoError(t, Start(m, nil))

	m.PushLua(p, 11)
	m.PushDummy()
	m.SetState(vm.StLFunc)
	ft.pulse(0)
	require.NoError(t, Stop(m))

	rest := skipSymtab(t, sink.Bytes())
	rest = rest[len(ljpHeader):]

	require.Equal(t, byte(vm.StLFunc), rest[0])
	rest = rest[1:]

	// The dummy frame is skipped; only the top real guest frame streams.
	require.Equal(t, byte(vm.FrameLua), rest[0])
	addr, rest := readULEB(t, rest[1:])
	assert.Equal(t, p.Addr, addr)
	_, rest = readULEB(t, rest) // first line

	require.Equal(t, frameLuaLast, rest[0])
	rest = rest[1:]

	// Leaf host stack: exactly one frame past the stripped handler
	// frames, then the terminator.
	v, rest := readULEB(t, rest)
	assert.Equal(t, uint64(0xbeef1), v)
	v, rest = readULEB(t, rest)
	assert.Zero(t, v)

	require.Equal(t, []byte{epilogueByte}, rest)
}

func TestTraceSample(t *testing.T) {
	ft := installFakeTimer(t)
	m := testvm.New()
	p := m.NewProto("@hot.lua", 2)
	m.RegisterTrace(7, 0xabc000, p, 21)

	var sink bytes.Buffer
	require.NoError(t, Configure(Config{
		Mode:       ModeCallgraph,
		Writer:     capturingWriter(&sink),
		OnStop:     noopOnStop,
		Buf:        make([]byte, 1<<20),
		Backtracer: fixedBacktracer,
	}))
	require.NoError(t, Start(m, nil))

	m.EnterTrace(7)
	ft.pulse(0)
	require.NoError(t, Stop(m))

	rest := skipSymtab(t, sink.Bytes())
	rest = rest[len(ljpHeader):]

	require.Equal(t, byte(vm.StTrace), rest[0])
	traceno, rest := readULEB(t, rest[1:])
	assert.Equal(t, uint64(7), traceno)
	protoAddr, rest := readULEB(t, rest)
	assert.Equal(t, p.Addr, protoAddr)
	line, rest := readULEB(t, rest)
	assert.Equal(t, uint64(21), line)

	require.Equal(t, []byte{epilogueByte}, rest)
}

func TestWriterFailureAtPrologue(t *testing.T) {
	installFakeTimer(t)
	m := testvm.New()
	m.NewProto("@big.lua", 1)

	onStopCalls := 0
	// A buffer smaller than the prologue forces a flush during start.
	require.NoError(t, Configure(Config{
		Mode:   ModeCallgraph,
		Writer: func(_ *[]byte, _ any) (int, error) { return 0, unix.ENOSPC },
		OnStop: func(_ any, _ []byte) int { onStopCalls++; return 0 },
		Buf:    make([]byte, 8),
	}))

	err := Start(m, nil)
	require.ErrorIs(t, err, profile.ErrIO)
	assert.Equal(t, unix.ENOSPC, profile.Errno(err))
	assert.Equal(t, 1, onStopCalls, "on-stop runs once on start failure")

	// The failure returned the engine to idle: a fresh start is legal.
	assert.ErrorIs(t, Stop(m), profile.ErrNotRunning)
}

func TestWriterFailureHaltsSampler(t *testing.T) {
	ft := installFakeTimer(t)
	m := testvm.New()

	writerCalls := 0
	onStopCalls := 0
	require.NoError(t, Configure(Config{
		Mode: ModeCallgraph,
		Writer: func(_ *[]byte, _ any) (int, error) {
			writerCalls++
			return 0, unix.EPIPE
		},
		OnStop:     func(_ any, _ []byte) int { onStopCalls++; return 0 },
		Buf:        make([]byte, 64),
		Backtracer: fixedBacktracer,
	}))
	// An empty symtab fits the buffer, so start succeeds unflushed.
	require.NoError(t, Start(m, nil))
	require.Zero(t, writerCalls)

	// Samples eventually overflow the buffer; the flush fails and the
	// sampler latches halt.
	for i := 0; i < 16; i++ {
		ft.pulse(0)
	}
	require.Equal(t, stHalt, sp.state.Load())
	failedAt := writerCalls

	// Further ticks are silent no-ops: no stream activity at all.
	ft.pulse(0)
	ft.pulse(0)
	assert.Equal(t, failedAt, writerCalls)

	err := Stop(m)
	require.ErrorIs(t, err, profile.ErrIO)
	assert.Equal(t, unix.EPIPE, profile.Errno(err))
	assert.Equal(t, 1, onStopCalls)

	// Halt drains back to idle; the engine is reusable.
	var c Counters
	require.NoError(t, Report(&c))
	assert.NotZero(t, c.Samples, "counts taken before the halt are kept")
}

func TestWriterStopEndsStream(t *testing.T) {
	ft := installFakeTimer(t)
	m := testvm.New()

	writerCalls := 0
	require.NoError(t, Configure(Config{
		Mode: ModeCallgraph,
		Writer: func(data *[]byte, _ any) (int, error) {
			writerCalls++
			*data = nil
			return 0, nil
		},
		OnStop:     noopOnStop,
		Buf:        make([]byte, 64),
		Backtracer: fixedBacktracer,
	}))
	require.NoError(t, Start(m, nil))

	for i := 0; i < 16; i++ {
		ft.pulse(0)
	}
	require.Equal(t, stHalt, sp.state.Load())
	require.Equal(t, 1, writerCalls, "no writer call after end-of-stream")

	err := Stop(m)
	require.ErrorIs(t, err, profile.ErrIO)
}

func TestOnStopFailureIsIOError(t *testing.T) {
	installFakeTimer(t)
	m := testvm.New()

	var sink bytes.Buffer
	require.NoError(t, Configure(Config{
		Mode:       ModeCallgraph,
		Writer:     capturingWriter(&sink),
		OnStop:     func(_ any, _ []byte) int { return -1 },
		Buf:        make([]byte, 1<<20),
		Backtracer: fixedBacktracer,
	}))
	require.NoError(t, Start(m, nil))
	assert.ErrorIs(t, Stop(m), profile.ErrIO)
}

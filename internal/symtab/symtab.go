// Package symtab emits the symbol-table stream both profilers prepend to
// their event streams. Consumers rely on the prologue/terminator bracketing
// byte-for-byte.
//
// symtab format:
//
//	symtab         := prologue sym*
//	prologue       := 'l' 'j' 's' version reserved
//	version        := <BYTE>
//	reserved       := <BYTE> <BYTE> <BYTE>
//	sym            := sym-lua | sym-cfunc | sym-trace | sym-final
//	sym-lua        := sym-header sym-addr sym-chunk sym-line
//	sym-cfunc      := sym-header sym-addr sym-name
//	sym-trace      := sym-header trace-no mcode-addr proto-addr sym-line
//	sym-final      := sym-header
//	sym-header     := <BYTE>
//	sym-addr       := <ULEB128>
//	sym-chunk      := string
//	sym-name       := string
//	string         := string-len string-payload
//	string-len     := <ULEB128>
//	string-payload := <BYTE> {string-len}
//
// sym-header (hi -> lo) is [FUUUUUTT]: TT is the symbol kind, the upper
// bits are reserved, and F marks the final sentinel.
package symtab

import (
	"github.com/coral-mesh/vmprof/internal/wbuf"
	"github.com/coral-mesh/vmprof/pkg/vm"
)

// CurrentVersion is the symtab stream dialect emitted by Dump.
const CurrentVersion = 0x2

// Symbol kinds and the final sentinel.
const (
	SymLFunc byte = 0
	SymCFunc byte = 1
	SymTrace byte = 2
	SymFinal byte = 0x80
)

var header = []byte{'l', 'j', 's', CurrentVersion, 0x0, 0x0, 0x0}

// Dump writes a complete symbol stream for the VM into out: the prologue,
// one record per function prototype and per JIT trace on the GC root chain
// (in chain order), the exported symbols of each loaded shared object when
// libCnt is non-nil, and the final sentinel.
//
// libCnt selects the host-library dialect and carries the monotonically
// increasing count of libraries dumped on previous passes; libraries below
// it are skipped so an incremental re-dump emits only newly loaded ones.
func Dump(out *wbuf.WBuf, g vm.VM, libCnt *uint32) {
	out.AddN(header)

	iter := g.GCRoots()
	for {
		root, ok := iter.Next()
		if !ok {
			break
		}
		switch root.Kind {
		case vm.RootProto:
			out.AddByte(SymLFunc)
			out.AddU64(root.Proto.Addr)
			out.AddString(root.Proto.ChunkName)
			out.AddU64(root.Proto.FirstLine)
		case vm.RootTrace:
			out.AddByte(SymTrace)
			out.AddU64(root.Trace.TraceNo)
			out.AddU64(root.Trace.MCodeAddr)
			out.AddU64(root.Trace.StartProtoAddr)
			out.AddU64(root.Trace.StartLine)
		}
	}

	if libCnt != nil {
		dumpLibraries(out, libCnt)
	}

	out.AddByte(SymFinal)
}

// cfunc emits one C-function record. Shared by the per-platform library
// sweeps.
func cfunc(out *wbuf.WBuf, addr uint64, name string) {
	out.AddByte(SymCFunc)
	out.AddU64(addr)
	out.AddString(name)
}

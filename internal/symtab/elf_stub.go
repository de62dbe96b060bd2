//go:build !linux

package symtab

import "github.com/coral-mesh/vmprof/internal/wbuf"

// Host-library symbol resolution relies on ELF dynamic sections and is only
// wired up on Linux. Elsewhere the sweep contributes nothing; the guest
// records and the final sentinel are unaffected.
func dumpLibraries(_ *wbuf.WBuf, _ *uint32) {}

//go:build linux

package symtab

import (
	"bufio"
	"debug/elf"
	"encoding/binary"
	"os"
	"strconv"
	"strings"

	"github.com/coral-mesh/vmprof/internal/wbuf"
)

// loadedObject is one shared object mapped into the process, discovered
// from /proc/self/maps.
type loadedObject struct {
	path string
	base uint64
}

// dumpLibraries walks the loaded shared objects in load order and emits a
// C-function record per exported function symbol. Objects already dumped
// on a previous pass (the first *libCnt of them) are skipped, and *libCnt
// is advanced past everything dumped now. The VDSO pseudo-library carries
// no backing file and never appears in the discovered set.
func dumpLibraries(out *wbuf.WBuf, libCnt *uint32) {
	objs, err := loadedObjects("/proc/self/maps")
	if err != nil {
		return
	}
	skip := int(*libCnt)
	for i, obj := range objs {
		if i < skip {
			continue
		}
		dumpObject(out, obj)
	}
	if len(objs) > skip {
		*libCnt = uint32(len(objs))
	}
}

// loadedObjects parses a maps file into file-backed mappings, keeping the
// lowest mapped address per path as the load base. Pseudo-entries such as
// [vdso], [stack] and anonymous mappings have no absolute path and are
// dropped.
func loadedObjects(mapsPath string) ([]loadedObject, error) {
	f, err := os.Open(mapsPath)
	if err != nil {
		return nil, err
	}
	defer f.Close() // nolint:errcheck

	var objs []loadedObject
	seen := make(map[string]int)

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		if len(fields) < 6 || !strings.HasPrefix(fields[5], "/") {
			continue
		}
		path := fields[5]
		start, err := strconv.ParseUint(strings.SplitN(fields[0], "-", 2)[0], 16, 64)
		if err != nil {
			continue
		}
		if idx, ok := seen[path]; ok {
			if start < objs[idx].base {
				objs[idx].base = start
			}
			continue
		}
		seen[path] = len(objs)
		objs = append(objs, loadedObject{path: path, base: start})
	}
	return objs, scanner.Err()
}

// dumpObject emits the exported function symbols of one shared object.
// Objects whose symbol tables cannot be sized through a hash section are
// skipped entirely rather than emitted partially.
func dumpObject(out *wbuf.WBuf, obj loadedObject) {
	f, err := elf.Open(obj.path)
	if err != nil {
		return
	}
	defer f.Close() // nolint:errcheck

	if dynSymCount(f) == 0 {
		return
	}
	syms, err := f.DynamicSymbols()
	if err != nil {
		return
	}

	// Executables are mapped at their link address; only ET_DYN objects
	// get rebased.
	base := obj.base
	if f.Type == elf.ET_EXEC {
		base = 0
	}

	for _, sym := range syms {
		if elf.ST_TYPE(sym.Info) != elf.STT_FUNC || sym.Value == 0 ||
			sym.Section == elf.SHN_UNDEF || sym.Name == "" {
			continue
		}
		cfunc(out, sym.Value+base, sym.Name)
	}
}

// dynSymCount sizes the dynamic symbol table from the object's hash
// section: the SysV table states the count outright (nchain), while the
// GNU table must be walked — find the maximum chain start across all
// buckets, then follow that chain until an entry with the low bit set.
// That walk is the only portable way to size a GNU hash symbol table.
func dynSymCount(f *elf.File) uint32 {
	if s := f.Section(".hash"); s != nil {
		if data, err := s.Data(); err == nil {
			if n := sysvHashSymCount(data, f.ByteOrder); n > 0 {
				return n
			}
		}
	}
	if s := f.Section(".gnu.hash"); s != nil {
		if data, err := s.Data(); err == nil {
			return gnuHashSymCount(data, f.ByteOrder, f.Class)
		}
	}
	return 0
}

func sysvHashSymCount(data []byte, bo binary.ByteOrder) uint32 {
	if len(data) < 8 {
		return 0
	}
	// Layout: nbucket, nchain, buckets..., chains... nchain equals the
	// number of dynsym entries.
	return bo.Uint32(data[4:])
}

func gnuHashSymCount(data []byte, bo binary.ByteOrder, class elf.Class) uint32 {
	if len(data) < 16 {
		return 0
	}
	nbuckets := bo.Uint32(data[0:])
	symOffset := bo.Uint32(data[4:])
	bloomSize := bo.Uint32(data[8:])

	bloomWord := uint32(8)
	if class == elf.ELFCLASS32 {
		bloomWord = 4
	}
	bucketsOff := 16 + bloomSize*bloomWord
	chainsOff := bucketsOff + nbuckets*4
	if uint64(chainsOff) > uint64(len(data)) {
		return 0
	}

	// The highest chain start bounds the table from below...
	var maxSym uint32
	for i := uint32(0); i < nbuckets; i++ {
		if b := bo.Uint32(data[bucketsOff+i*4:]); b > maxSym {
			maxSym = b
		}
	}
	if maxSym < symOffset {
		return symOffset
	}

	// ...and walking its chain to the terminator yields the exact count.
	for {
		entryOff := chainsOff + (maxSym-symOffset)*4
		if uint64(entryOff)+4 > uint64(len(data)) {
			return 0
		}
		entry := bo.Uint32(data[entryOff:])
		maxSym++
		if entry&1 != 0 {
			return maxSym
		}
	}
}

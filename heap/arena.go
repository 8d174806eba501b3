package heap

import (
	"encoding/binary"
	"fmt"
	"unsafe"

	"github.com/dolthub/swiss"
)

// arenaMagic is stamped into the reserved header bytes at the start of every
// region the heap owns. A mismatch on a later lookup means a stray write or a
// pointer that never came from this heap.
const arenaMagic uint32 = 0x9f2dc47b

type arenaKind uint8

const (
	// arenaSubdivided is a single page carved into size-class blocks.
	arenaSubdivided arenaKind = iota
	// arenaRawPages is a contiguous multi-page region handed to one caller
	// whole. It is never subdivided.
	arenaRawPages
)

var arenaKindMapping = map[arenaKind]string{
	arenaSubdivided: "Subdivided",
	arenaRawPages:   "RawPages",
}

func (k arenaKind) String() string {
	return arenaKindMapping[k]
}

// arena describes one page-aligned region obtained from the page source. For
// subdivided arenas the allocated map records the class index of every block
// currently held by a caller, keyed by byte offset; raw arenas have exactly
// one caller-held region and a non-zero pageCount instead.
type arena struct {
	kind   arenaKind
	memory []byte
	base   uintptr

	pageCount  int
	liveBlocks int
	allocated  *swiss.Map[int, int]
}

func newArena(kind arenaKind, memory []byte, pageCount int) *arena {
	a := &arena{
		kind:      kind,
		memory:    memory,
		base:      uintptr(unsafe.Pointer(&memory[0])),
		pageCount: pageCount,
	}
	if kind == arenaSubdivided {
		a.allocated = swiss.NewMap[int, int](42)
	}

	binary.LittleEndian.PutUint32(a.memory[:4], arenaMagic)
	return a
}

// checkMagic verifies the header stamp before the arena is trusted. Corruption
// here is fatal: it means a caller scribbled past its block or freed memory it
// never owned.
func (a *arena) checkMagic() {
	stamp := binary.LittleEndian.Uint32(a.memory[:4])
	if stamp != arenaMagic {
		panic(fmt.Sprintf("arena at %#x has a corrupt header stamp %#x", a.base, stamp))
	}
}

func (a *arena) clearMagic() {
	binary.LittleEndian.PutUint32(a.memory[:4], 0)
}

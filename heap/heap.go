// Package heap implements a general-purpose byte allocator on top of a
// page-granularity source. Requests are rounded up to a fixed ladder of
// power-of-two size classes; misses are served by splitting a block borrowed
// from a larger class or a fresh page, and frees coalesce buddy blocks back
// up the ladder so whole pages can be returned to the source.
package heap

import (
	"sync"
	"unsafe"

	cerrors "github.com/cockroachdb/errors"
	"github.com/dolthub/swiss"
	"github.com/pkg/errors"
	"golang.org/x/exp/slog"

	"github.com/memharbor/pagebuddy"
	"github.com/memharbor/pagebuddy/pagesource"
)

// CreateOptions adjusts heap construction.
type CreateOptions struct {
	// MinBlockSize is the block size of the smallest size class. It must be a
	// power of two no smaller than 8 and no larger than half the source's
	// page size. 0 selects DefaultMinBlockSize.
	MinBlockSize int
}

// Heap carves page-granularity memory from a pagesource.Source into blocks of
// arbitrary byte counts. All methods are safe for concurrent use; a single
// heap-wide mutex serializes every operation, so the multi-step split and
// coalesce walks are atomic with respect to one another.
type Heap struct {
	mutex  sync.Mutex
	logger *slog.Logger

	source     pagesource.Source
	pageSize   int
	headerSize int

	classes []sizeClass
	arenas  *swiss.Map[uintptr, *arena]
}

// New creates a Heap that draws pages from source. The size-class ladder and
// arena registry are built here, exactly once; the heap is ready for
// concurrent use as soon as New returns.
func New(logger *slog.Logger, source pagesource.Source, options CreateOptions) (*Heap, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if source == nil {
		return nil, errors.New("a page source is required")
	}

	pageSize := source.PageSize()
	err := pagebuddy.CheckPow2(uint(pageSize), "page size")
	if err != nil {
		return nil, err
	}

	minBlockSize := options.MinBlockSize
	if minBlockSize == 0 {
		minBlockSize = DefaultMinBlockSize
	}
	err = pagebuddy.CheckPow2(uint(minBlockSize), "MinBlockSize")
	if err != nil {
		return nil, err
	}
	if minBlockSize < 8 {
		return nil, errors.Errorf("MinBlockSize is %d, but the arena header needs at least 8 bytes", minBlockSize)
	}
	if minBlockSize > pageSize/2 {
		return nil, errors.Errorf("MinBlockSize %d exceeds half the page size %d", minBlockSize, pageSize)
	}

	classes := buildSizeClasses(minBlockSize, pageSize)
	if len(classes) > MaxSizeClasses {
		return nil, errors.Errorf("a ladder from %d to %d requires %d size classes, but only %d are supported",
			minBlockSize, pageSize/2, len(classes), MaxSizeClasses)
	}

	return &Heap{
		logger:     logger,
		source:     source,
		pageSize:   pageSize,
		headerSize: minBlockSize,
		classes:    classes,
		arenas:     swiss.NewMap[uintptr, *arena](42),
	}, nil
}

// PageSize returns the page size of the underlying source.
func (h *Heap) PageSize() int {
	return h.pageSize
}

// HeaderSize returns the number of bytes reserved at the start of every
// region the heap owns.
func (h *Heap) HeaderSize() int {
	return h.headerSize
}

// Alloc returns a block of at least size bytes, or nil when size is not
// positive or the page source is exhausted. The returned slice has length
// size; its capacity extends to the end of the underlying block. The bytes
// are not zeroed.
func (h *Heap) Alloc(size int) []byte {
	if size <= 0 {
		return nil
	}

	pagebuddy.DebugValidate(h)

	h.mutex.Lock()
	defer h.mutex.Unlock()

	classIndex, ok := h.classify(size)
	if !ok {
		return h.allocRawPages(size)
	}

	if a, offset, ok := h.classes[classIndex].pop(); ok {
		return h.commitBlock(a, offset, classIndex, size)
	}

	// Borrow from the nearest larger class and halve the block down,
	// free-listing the upper half shed at each step.
	for larger := classIndex + 1; larger < len(h.classes); larger++ {
		a, offset, ok := h.classes[larger].pop()
		if !ok {
			continue
		}

		for step := larger - 1; step >= classIndex; step-- {
			h.classes[step].push(a, offset+h.classes[step].blockSize)
		}
		return h.commitBlock(a, offset, classIndex, size)
	}

	return h.allocFromFreshPage(classIndex, size)
}

// AllocZero returns a zeroed block of count*size bytes, or nil when the
// product overflows, either operand is not positive, or memory is exhausted.
func (h *Heap) AllocZero(count, size int) []byte {
	if count <= 0 || size <= 0 {
		return nil
	}

	total := count * size
	if total < count || total < size {
		return nil
	}

	p := h.Alloc(total)
	for i := range p {
		p[i] = 0
	}
	return p
}

// Realloc resizes the block p to newSize bytes, moving it in the process. A
// nil p behaves as Alloc(newSize); a zero newSize behaves as Free(p) and
// returns nil. On success the first min(old block size, newSize) bytes are
// preserved; on allocation failure nil is returned and p is left untouched.
func (h *Heap) Realloc(p []byte, newSize int) []byte {
	if newSize == 0 {
		h.Free(p)
		return nil
	}
	if len(p) == 0 {
		return h.Alloc(newSize)
	}

	newBlock := h.Alloc(newSize)
	if newBlock == nil {
		return nil
	}

	h.mutex.Lock()
	a, offset := h.arenaForPointer(p)
	copy(newBlock, h.blockRegion(a, offset))
	h.mutex.Unlock()

	h.Free(p)
	return newBlock
}

// Free returns the block p to the heap. A nil p is a no-op. Passing a pointer
// that did not come from Alloc, AllocZero, or Realloc, or freeing the same
// block twice, panics.
func (h *Heap) Free(p []byte) {
	if len(p) == 0 {
		return
	}

	pagebuddy.DebugValidate(h)

	h.mutex.Lock()
	defer h.mutex.Unlock()

	a, offset := h.arenaForPointer(p)

	if a.kind == arenaRawPages {
		a.clearMagic()
		h.arenas.Delete(a.base)
		h.source.FreePages(a.memory, a.pageCount)
		h.logger.Debug("returned raw region to page source",
			slog.Int("pages", a.pageCount))
		return
	}

	classIndex, ok := a.allocated.Get(offset)
	if !ok {
		panic(cerrors.Newf("freed a block at offset %d that is not live in its arena", offset))
	}
	a.allocated.Delete(offset)
	a.liveBlocks--

	h.coalesce(a, offset, classIndex)
}

// allocRawPages serves a request too big for any size class by handing a
// whole contiguous multi-page region to the caller.
func (h *Heap) allocRawPages(size int) []byte {
	pageCount := pagebuddy.DivideRoundingUp(size+h.headerSize, h.pageSize)
	region := h.source.GetPages(pageCount)
	if region == nil {
		h.logger.Debug("page source could not supply raw region",
			slog.Int("pages", pageCount))
		return nil
	}

	a := newArena(arenaRawPages, region, pageCount)
	h.arenas.Put(a.base, a)

	end := h.headerSize + size
	return region[h.headerSize:end:len(region)]
}

// allocFromFreshPage obtains one page, registers it as a subdivided arena,
// and carves it: one free block of every class except the target is pushed at
// the offset equal to its own block size, the reserved header keeps the
// min-class block at offset 0, and the target-class block at the offset equal
// to its block size goes to the caller. This is the fixpoint of repeatedly
// halving the page and shedding upper halves.
func (h *Heap) allocFromFreshPage(classIndex, size int) []byte {
	region := h.source.GetPages(1)
	if region == nil {
		h.logger.Debug("could not obtain a fresh page",
			slog.Int("class_size", h.classes[classIndex].blockSize),
			slog.Any("reason", pagebuddy.ExhaustedError))
		return nil
	}

	a := newArena(arenaSubdivided, region, 0)
	h.arenas.Put(a.base, a)
	h.logger.Debug("obtained fresh page", slog.Int("page_size", h.pageSize))

	for i := range h.classes {
		if i == classIndex {
			continue
		}
		h.classes[i].push(a, h.classes[i].blockSize)
	}

	return h.commitBlock(a, h.classes[classIndex].blockSize, classIndex, size)
}

// commitBlock hands the block at offset to the caller. From here until a
// matching Free, the bytes are caller-owned and the heap only remembers the
// block through the arena's allocated map.
func (h *Heap) commitBlock(a *arena, offset, classIndex, size int) []byte {
	a.allocated.Put(offset, classIndex)
	a.liveBlocks++

	end := offset + size
	capEnd := offset + h.classes[classIndex].blockSize
	return a.memory[offset:end:capEnd]
}

// coalesce merges the freed block with its buddy repeatedly up the ladder.
// The buddy index is recomputed at every class: two blocks are buddies only
// if toggling the low bit of the block's index within the current class maps
// one offset to the other.
func (h *Heap) coalesce(a *arena, offset, classIndex int) {
	c := classIndex
	for {
		blockSize := h.classes[c].blockSize
		buddyOffset := ((offset / blockSize) ^ 1) * blockSize

		if !h.classes[c].takeBuddy(a, buddyOffset) {
			h.classes[c].push(a, offset)
			break
		}

		if buddyOffset < offset {
			offset = buddyOffset
		}

		c++
		if c == len(h.classes) {
			// The whole page recombined into a single unit.
			h.reclaimArena(a)
			return
		}
	}

	if a.liveBlocks == 0 {
		h.reclaimArena(a)
	}
}

// reclaimArena removes every remaining free block of a subdivided arena from
// the class free lists and returns its page to the source.
func (h *Heap) reclaimArena(a *arena) {
	for i := range h.classes {
		h.classes[i].dropArena(a)
	}

	a.clearMagic()
	h.arenas.Delete(a.base)
	h.source.FreePages(a.memory, 1)
	h.logger.Debug("returned empty page to page source")
}

// arenaForPointer resolves the arena owning p by rounding p's address down to
// its page boundary and consulting the registry. The caller must hold the
// heap mutex. Unknown addresses and corrupt header stamps panic.
func (h *Heap) arenaForPointer(p []byte) (*arena, int) {
	addr := uintptr(unsafe.Pointer(&p[0]))
	pageBase := addr &^ uintptr(h.pageSize-1)

	a, ok := h.arenas.Get(pageBase)
	if !ok {
		panic(cerrors.Newf("pointer %#x does not reference memory owned by this heap", addr))
	}
	a.checkMagic()

	offset := int(addr - a.base)
	if a.kind == arenaRawPages && offset != h.headerSize {
		panic(cerrors.Newf("pointer %#x does not reference the start of its raw region", addr))
	}

	return a, offset
}

// blockRegion returns the full byte range of the live block at offset,
// regardless of how many bytes the caller originally requested.
func (h *Heap) blockRegion(a *arena, offset int) []byte {
	if a.kind == arenaRawPages {
		return a.memory[h.headerSize:]
	}

	classIndex, ok := a.allocated.Get(offset)
	if !ok {
		panic(cerrors.Newf("offset %d is not live in its arena", offset))
	}
	return a.memory[offset : offset+h.classes[classIndex].blockSize]
}

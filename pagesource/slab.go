package pagesource

import (
	"fmt"
	"unsafe"

	"github.com/pkg/errors"

	"github.com/memharbor/pagebuddy"
)

// Slab is an in-process Source backed by a single heap-allocated buffer. The
// buffer is over-allocated by one page so the usable region can be sliced at a
// page-aligned boundary. Page ownership is tracked with a bitmap and
// contiguous requests are satisfied first-fit.
type Slab struct {
	pageSize  int
	pageCount int

	memory []byte
	base   uintptr

	used  []uint64
	inUse int
}

var _ Source = &Slab{}

// NewSlab creates a Slab holding pageCount pages of pageSize bytes each.
// pageSize must be a power of two.
func NewSlab(pageSize, pageCount int) (*Slab, error) {
	err := pagebuddy.CheckPow2(uint(pageSize), "pageSize")
	if err != nil {
		return nil, err
	}
	if pageCount < 1 {
		return nil, errors.Errorf("pageCount must be at least 1, but was %d", pageCount)
	}

	backing := make([]byte, (pageCount+1)*pageSize)
	addr := uintptr(unsafe.Pointer(&backing[0]))
	offset := pagebuddy.AlignUp(int(addr), uint(pageSize)) - int(addr)
	end := offset + pageCount*pageSize
	memory := backing[offset:end:end]

	return &Slab{
		pageSize:  pageSize,
		pageCount: pageCount,
		memory:    memory,
		base:      uintptr(unsafe.Pointer(&memory[0])),
		used:      make([]uint64, (pageCount+63)/64),
	}, nil
}

func (s *Slab) PageSize() int {
	return s.pageSize
}

// PageCount returns the total number of pages the Slab holds.
func (s *Slab) PageCount() int {
	return s.pageCount
}

// PagesInUse returns the number of pages currently handed out.
func (s *Slab) PagesInUse() int {
	return s.inUse
}

func (s *Slab) isUsed(page int) bool {
	return s.used[page/64]&(1<<(uint(page)%64)) != 0
}

func (s *Slab) markUsed(page int) {
	s.used[page/64] |= 1 << (uint(page) % 64)
}

func (s *Slab) markFree(page int) {
	s.used[page/64] &^= 1 << (uint(page) % 64)
}

func (s *Slab) GetPages(pageCount int) []byte {
	if pageCount < 1 || pageCount > s.pageCount {
		return nil
	}

	run := 0
	for page := 0; page < s.pageCount; page++ {
		if s.isUsed(page) {
			run = 0
			continue
		}

		run++
		if run < pageCount {
			continue
		}

		first := page - pageCount + 1
		for i := first; i <= page; i++ {
			s.markUsed(i)
		}
		s.inUse += pageCount

		start := first * s.pageSize
		end := start + pageCount*s.pageSize
		return s.memory[start:end:end]
	}

	return nil
}

func (s *Slab) FreePages(region []byte, pageCount int) {
	if len(region) == 0 {
		panic("freed an empty region")
	}
	if len(region) != pageCount*s.pageSize {
		panic(fmt.Sprintf("freed a region of %d bytes as %d pages", len(region), pageCount))
	}

	addr := uintptr(unsafe.Pointer(&region[0]))
	if addr < s.base || addr >= s.base+uintptr(s.pageCount*s.pageSize) {
		panic("freed a region that does not belong to this slab")
	}

	byteOffset := int(addr - s.base)
	if byteOffset%s.pageSize != 0 {
		panic(fmt.Sprintf("freed a region at byte offset %d, which is not page-aligned", byteOffset))
	}

	first := byteOffset / s.pageSize
	for page := first; page < first+pageCount; page++ {
		if !s.isUsed(page) {
			panic(fmt.Sprintf("page %d was freed but is not in use", page))
		}
		s.markFree(page)
	}
	s.inUse -= pageCount
}

//go:build unix

package pagesource

import (
	"os"

	"golang.org/x/sys/unix"
)

// Mmap is a Source backed by anonymous memory mappings. Every GetPages call
// creates one mapping and FreePages unmaps it, so regions are always aligned
// to the operating system page size and the source never runs out before the
// process does.
type Mmap struct {
	pageSize int
}

var _ Source = &Mmap{}

// NewMmap creates an Mmap source using the operating system page size.
func NewMmap() *Mmap {
	return &Mmap{
		pageSize: os.Getpagesize(),
	}
}

func (m *Mmap) PageSize() int {
	return m.pageSize
}

func (m *Mmap) GetPages(pageCount int) []byte {
	if pageCount < 1 {
		return nil
	}

	region, err := unix.Mmap(
		-1, 0, pageCount*m.pageSize,
		unix.PROT_READ|unix.PROT_WRITE,
		unix.MAP_PRIVATE|unix.MAP_ANON,
	)
	if err != nil {
		return nil
	}

	return region
}

func (m *Mmap) FreePages(region []byte, pageCount int) {
	if len(region) != pageCount*m.pageSize {
		panic("freed region does not span the stated page count")
	}

	err := unix.Munmap(region)
	if err != nil {
		panic(err)
	}
}

package heap

import (
	"encoding/binary"

	"github.com/pkg/errors"
)

// Validate performs internal consistency checks across every size class and
// arena. These checks walk the full free lists and allocated maps, so they
// are expensive; they back the DebugValidate hooks and the test suite. When
// the heap is functioning correctly this method cannot return an error.
func (h *Heap) Validate() error {
	h.mutex.Lock()
	defer h.mutex.Unlock()
	return h.validateLocked()
}

func (h *Heap) validateLocked() error {
	freeBytes := make(map[*arena]int)

	for i := range h.classes {
		c := &h.classes[i]

		count := 0
		for b := c.freeHead; b != nil; b = b.nextFree {
			count++

			if b.size != c.blockSize {
				return errors.Errorf("block of size %d is in the free list of the %d-byte class", b.size, c.blockSize)
			}
			if b.prevFree == nil && c.freeHead != b {
				return errors.Errorf("block at offset %d has no previous block but is not the list head", b.offset)
			}
			if b.nextFree != nil && b.nextFree.prevFree != b {
				return errors.Errorf("block at offset %d lists a next block whose reverse reference is broken", b.offset)
			}

			a := b.arena
			if a == nil {
				return errors.Errorf("free block at offset %d has no owning arena", b.offset)
			}
			if a.kind != arenaSubdivided {
				return errors.Errorf("free block at offset %d belongs to a raw arena", b.offset)
			}
			registered, ok := h.arenas.Get(a.base)
			if !ok || registered != a {
				return errors.Errorf("free block at offset %d belongs to an unregistered arena", b.offset)
			}

			if b.offset%c.blockSize != 0 {
				return errors.Errorf("free block at offset %d is not aligned to its class size %d", b.offset, c.blockSize)
			}
			if b.offset <= 0 || b.offset+c.blockSize > h.pageSize {
				return errors.Errorf("free block at offset %d of size %d falls outside its page", b.offset, c.blockSize)
			}

			if _, live := a.allocated.Get(b.offset); live {
				return errors.Errorf("block at offset %d is free-listed but also recorded as live", b.offset)
			}

			buddyOffset := ((b.offset / c.blockSize) ^ 1) * c.blockSize
			for other := c.freeHead; other != nil; other = other.nextFree {
				if other != b && other.arena == a && other.offset == buddyOffset {
					return errors.Errorf("buddies at offsets %d and %d are both free at class size %d but were not coalesced",
						b.offset, buddyOffset, c.blockSize)
				}
			}

			freeBytes[a] += c.blockSize
		}

		if count != c.freeCount {
			return errors.Errorf("the %d-byte class records %d free blocks but its list holds %d", c.blockSize, c.freeCount, count)
		}
	}

	var err error
	h.arenas.Iter(func(base uintptr, a *arena) bool {
		if a.base != base {
			err = errors.Errorf("arena at %#x is registered under base %#x", a.base, base)
			return true
		}
		if stamp := binary.LittleEndian.Uint32(a.memory[:4]); stamp != arenaMagic {
			err = errors.Errorf("arena at %#x has a corrupt header stamp %#x", a.base, stamp)
			return true
		}

		switch a.kind {
		case arenaRawPages:
			if a.pageCount <= 0 {
				err = errors.Errorf("raw arena at %#x has page count %d", a.base, a.pageCount)
			} else if len(a.memory) != a.pageCount*h.pageSize {
				err = errors.Errorf("raw arena at %#x spans %d bytes but records %d pages", a.base, len(a.memory), a.pageCount)
			} else if freeBytes[a] != 0 {
				err = errors.Errorf("raw arena at %#x has free-listed blocks", a.base)
			}
		case arenaSubdivided:
			if a.pageCount != 0 {
				err = errors.Errorf("subdivided arena at %#x carries page count %d", a.base, a.pageCount)
				return true
			}
			if len(a.memory) != h.pageSize {
				err = errors.Errorf("subdivided arena at %#x spans %d bytes", a.base, len(a.memory))
				return true
			}

			allocBytes := 0
			allocCount := 0
			a.allocated.Iter(func(offset, classIndex int) bool {
				allocCount++
				if classIndex < 0 || classIndex >= len(h.classes) {
					err = errors.Errorf("live block at offset %d records class index %d", offset, classIndex)
					return true
				}
				blockSize := h.classes[classIndex].blockSize
				if offset%blockSize != 0 {
					err = errors.Errorf("live block at offset %d is not aligned to its class size %d", offset, blockSize)
					return true
				}
				if offset < h.headerSize || offset+blockSize > h.pageSize {
					err = errors.Errorf("live block at offset %d of size %d falls outside its page", offset, blockSize)
					return true
				}
				allocBytes += blockSize
				return false
			})
			if err != nil {
				return true
			}

			if a.liveBlocks != allocCount {
				err = errors.Errorf("arena at %#x records %d live blocks but holds %d", a.base, a.liveBlocks, allocCount)
				return true
			}
			if h.headerSize+freeBytes[a]+allocBytes != h.pageSize {
				err = errors.Errorf("arena at %#x accounts for %d bytes of a %d-byte page",
					a.base, h.headerSize+freeBytes[a]+allocBytes, h.pageSize)
				return true
			}
		}

		return err != nil
	})

	return err
}

package heap

import "sync"

var freeBlockNodes = sync.Pool{
	New: func() any {
		return &freeBlock{}
	},
}

// freeBlock is a free-list node describing one free block of memory. The node
// exists only while the block is free; once the bytes are handed to a caller
// the node is recycled and the block is tracked through its arena's allocated
// map instead.
type freeBlock struct {
	arena  *arena
	offset int
	size   int

	prevFree *freeBlock
	nextFree *freeBlock
}

func (c *sizeClass) push(a *arena, offset int) {
	b := freeBlockNodes.Get().(*freeBlock)
	b.arena = a
	b.offset = offset
	b.size = c.blockSize
	b.prevFree = nil
	b.nextFree = c.freeHead

	if c.freeHead != nil {
		c.freeHead.prevFree = b
	}
	c.freeHead = b
	c.freeCount++
}

// pop removes the block at the head of the free list. It returns false when
// the list is empty.
func (c *sizeClass) pop() (*arena, int, bool) {
	b := c.freeHead
	if b == nil {
		return nil, 0, false
	}

	c.unlink(b)
	a, offset := b.arena, b.offset
	b.arena = nil
	freeBlockNodes.Put(b)
	return a, offset, true
}

// takeBuddy searches the free list for the block at offset within arena a and
// removes it if present.
func (c *sizeClass) takeBuddy(a *arena, offset int) bool {
	for b := c.freeHead; b != nil; b = b.nextFree {
		if b.arena != a || b.offset != offset {
			continue
		}

		c.unlink(b)
		b.arena = nil
		freeBlockNodes.Put(b)
		return true
	}
	return false
}

func (c *sizeClass) unlink(b *freeBlock) {
	if b.prevFree != nil {
		b.prevFree.nextFree = b.nextFree
	} else {
		if c.freeHead != b {
			panic("block was not in the free list at the expected location")
		}
		c.freeHead = b.nextFree
	}
	if b.nextFree != nil {
		b.nextFree.prevFree = b.prevFree
	}

	b.prevFree = nil
	b.nextFree = nil
	c.freeCount--
}

// dropArena unlinks every free block that belongs to arena a. Used when an
// arena's page is handed back to the page source.
func (c *sizeClass) dropArena(a *arena) {
	b := c.freeHead
	for b != nil {
		next := b.nextFree
		if b.arena == a {
			c.unlink(b)
			b.arena = nil
			freeBlockNodes.Put(b)
		}
		b = next
	}
}

package heap

const (
	// MaxSizeClasses is the fixed capacity of the size-class ladder. A ladder
	// built from a 16-byte minimum block tops out below this bound for any
	// page size up to 1MB.
	MaxSizeClasses = 16

	// DefaultMinBlockSize is the block size of the smallest size class when
	// CreateOptions does not override it.
	DefaultMinBlockSize = 16
)

// sizeClass owns the free list for a single power-of-two block size. Classes
// are built once at heap creation and never destroyed.
type sizeClass struct {
	blockSize int
	freeHead  *freeBlock
	freeCount int
}

func buildSizeClasses(minBlockSize, pageSize int) []sizeClass {
	classes := make([]sizeClass, 0, MaxSizeClasses)
	for blockSize := minBlockSize; blockSize <= pageSize/2; blockSize *= 2 {
		classes = append(classes, sizeClass{blockSize: blockSize})
	}
	return classes
}

// classify returns the index of the smallest size class whose blocks can hold
// size bytes. The second return is false when size is larger than the biggest
// class and must be served as a raw multi-page region.
func (h *Heap) classify(size int) (int, bool) {
	for i := 0; i < len(h.classes); i++ {
		if h.classes[i].blockSize >= size {
			return i, true
		}
	}
	return 0, false
}

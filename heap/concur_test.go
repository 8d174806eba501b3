package heap

import (
	"math/rand"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

// Hammers the heap from several goroutines at once. Every block is filled
// with a goroutine-specific pattern and verified before release, so crossed
// wires between concurrent split and coalesce walks show up as corruption.
func TestConcurrentAllocFree(t *testing.T) {
	h, source := newTestHeap(t, 256)

	const (
		workers    = 8
		iterations = 400
	)

	var wg sync.WaitGroup
	for worker := 0; worker < workers; worker++ {
		wg.Add(1)
		go func(worker int) {
			defer wg.Done()

			rng := rand.New(rand.NewSource(int64(worker) + 1))
			pattern := byte(worker + 1)
			held := make([][]byte, 0, 16)

			for i := 0; i < iterations; i++ {
				switch {
				case len(held) > 0 && rng.Intn(3) == 0:
					at := rng.Intn(len(held))
					p := held[at]
					for _, b := range p {
						if b != pattern {
							panic("block content changed while held")
						}
					}
					h.Free(p)
					held = append(held[:at], held[at+1:]...)

				case len(held) > 0 && rng.Intn(5) == 0:
					at := rng.Intn(len(held))
					newSize := 1 + rng.Intn(3000)
					p := h.Realloc(held[at], newSize)
					if p == nil {
						continue
					}
					for i := range p {
						p[i] = pattern
					}
					held[at] = p

				default:
					size := 1 + rng.Intn(5000)
					p := h.Alloc(size)
					if p == nil {
						continue
					}
					for i := range p {
						p[i] = pattern
					}
					held = append(held, p)
				}
			}

			for _, p := range held {
				h.Free(p)
			}
		}(worker)
	}
	wg.Wait()

	require.NoError(t, h.Validate())
	require.Zero(t, source.slab.PagesInUse())
	require.Zero(t, h.arenas.Count())
}

package heap

import (
	"strconv"

	"github.com/launchdarkly/go-jsonstream/v3/jwriter"
	"golang.org/x/exp/slices"
	"golang.org/x/exp/slog"

	"github.com/memharbor/pagebuddy"
)

// region is one contiguous stretch of an arena as seen by diagnostics: the
// reserved header, a live block, or a free block.
type region struct {
	offset int
	size   int
	free   bool
}

type arenaSnapshot struct {
	base    uintptr
	kind    arenaKind
	pages   int
	regions []region
}

// AddStatistics sums the heap's allocation statistics into stats.
func (h *Heap) AddStatistics(stats *pagebuddy.Statistics) {
	h.mutex.Lock()
	defer h.mutex.Unlock()

	h.arenas.Iter(func(_ uintptr, a *arena) bool {
		stats.ArenaCount++
		stats.ArenaBytes += len(a.memory)

		if a.kind == arenaRawPages {
			stats.AllocationCount++
			stats.AllocationBytes += len(a.memory) - h.headerSize
		} else {
			stats.AllocationCount += a.liveBlocks
			a.allocated.Iter(func(_, classIndex int) bool {
				stats.AllocationBytes += h.classes[classIndex].blockSize
				return false
			})
		}
		return false
	})
}

// AddDetailedStatistics sums the heap's allocation statistics, free-block
// counts, and size extremes into stats. This walks every free list.
func (h *Heap) AddDetailedStatistics(stats *pagebuddy.DetailedStatistics) {
	h.mutex.Lock()
	defer h.mutex.Unlock()
	h.addDetailedStatisticsLocked(stats)
}

func (h *Heap) addDetailedStatisticsLocked(stats *pagebuddy.DetailedStatistics) {
	h.arenas.Iter(func(_ uintptr, a *arena) bool {
		stats.ArenaCount++
		stats.ArenaBytes += len(a.memory)

		if a.kind == arenaRawPages {
			stats.AddAllocation(len(a.memory) - h.headerSize)
		} else {
			a.allocated.Iter(func(_, classIndex int) bool {
				stats.AddAllocation(h.classes[classIndex].blockSize)
				return false
			})
		}
		return false
	})

	for i := range h.classes {
		c := &h.classes[i]
		for b := c.freeHead; b != nil; b = b.nextFree {
			stats.AddFreeBlock(c.blockSize)
		}
	}
}

func (h *Heap) snapshotArenasLocked() []arenaSnapshot {
	snapshots := make([]arenaSnapshot, 0, h.arenas.Count())
	index := make(map[*arena]int)

	h.arenas.Iter(func(_ uintptr, a *arena) bool {
		snapshot := arenaSnapshot{
			base:    a.base,
			kind:    a.kind,
			pages:   a.pageCount,
			regions: []region{{offset: 0, size: h.headerSize}},
		}

		if a.kind == arenaRawPages {
			snapshot.regions = append(snapshot.regions, region{
				offset: h.headerSize,
				size:   len(a.memory) - h.headerSize,
			})
		} else {
			snapshot.pages = 1
			a.allocated.Iter(func(offset, classIndex int) bool {
				snapshot.regions = append(snapshot.regions, region{
					offset: offset,
					size:   h.classes[classIndex].blockSize,
				})
				return false
			})
		}

		index[a] = len(snapshots)
		snapshots = append(snapshots, snapshot)
		return false
	})

	for i := range h.classes {
		for b := h.classes[i].freeHead; b != nil; b = b.nextFree {
			at := index[b.arena]
			snapshots[at].regions = append(snapshots[at].regions, region{
				offset: b.offset,
				size:   b.size,
				free:   true,
			})
		}
	}

	slices.SortFunc(snapshots, func(a, b arenaSnapshot) bool {
		return a.base < b.base
	})
	for i := range snapshots {
		slices.SortFunc(snapshots[i].regions, func(a, b region) bool {
			return a.offset < b.offset
		})
	}

	return snapshots
}

// VisitAllRegions calls visit once for every region of every live arena, in
// ascending arena and offset order. The reserved header at offset 0 is
// reported as a non-free region. Depending on heap size this can be slow and
// should generally only be done for diagnostic purposes.
func (h *Heap) VisitAllRegions(visit func(arenaBase uintptr, offset, size int, free bool) error) error {
	h.mutex.Lock()
	snapshots := h.snapshotArenasLocked()
	h.mutex.Unlock()

	for _, snapshot := range snapshots {
		for _, r := range snapshot.regions {
			err := visit(snapshot.base, r.offset, r.size, r.free)
			if err != nil {
				return err
			}
		}
	}

	return nil
}

// DebugLogAllAllocations logs every caller-held block through logFunc.
func (h *Heap) DebugLogAllAllocations(logger *slog.Logger, logFunc func(log *slog.Logger, offset int, size int)) {
	h.mutex.Lock()
	snapshots := h.snapshotArenasLocked()
	h.mutex.Unlock()

	for _, snapshot := range snapshots {
		for _, r := range snapshot.regions {
			if !r.free && r.offset != 0 {
				logFunc(logger, r.offset, r.size)
			}
		}
	}
}

// BuildStatsString produces a JSON description of the heap: totals, per-class
// free-list population, and the full region map of every arena.
func (h *Heap) BuildStatsString() string {
	h.mutex.Lock()
	var stats pagebuddy.DetailedStatistics
	stats.Clear()
	h.addDetailedStatisticsLocked(&stats)

	type classCount struct {
		blockSize int
		freeCount int
	}
	classCounts := make([]classCount, len(h.classes))
	for i := range h.classes {
		classCounts[i] = classCount{h.classes[i].blockSize, h.classes[i].freeCount}
	}

	snapshots := h.snapshotArenasLocked()
	h.mutex.Unlock()

	writer := jwriter.NewWriter()
	root := writer.Object()

	general := root.Name("General").Object()
	general.Name("PageSize").Int(h.pageSize)
	general.Name("HeaderSize").Int(h.headerSize)
	general.Name("SizeClasses").Int(len(h.classes))
	general.End()

	total := root.Name("Total").Object()
	total.Name("ArenaCount").Int(stats.ArenaCount)
	total.Name("ArenaBytes").Int(stats.ArenaBytes)
	total.Name("AllocationCount").Int(stats.AllocationCount)
	total.Name("AllocationBytes").Int(stats.AllocationBytes)
	total.Name("FreeBlockCount").Int(stats.FreeBlockCount)
	total.End()

	freeLists := root.Name("FreeLists").Object()
	for _, c := range classCounts {
		classObj := freeLists.Name(strconv.Itoa(c.blockSize)).Object()
		classObj.Name("FreeBlocks").Int(c.freeCount)
		classObj.Name("FreeBytes").Int(c.freeCount * c.blockSize)
		classObj.End()
	}
	freeLists.End()

	arenas := root.Name("Arenas").Object()
	for i, snapshot := range snapshots {
		arenaObj := arenas.Name(strconv.Itoa(i)).Object()
		arenaObj.Name("Kind").String(snapshot.kind.String())
		arenaObj.Name("Pages").Int(snapshot.pages)
		arenaObj.Name("TotalBytes").Int(snapshot.pages * h.pageSize)

		regions := arenaObj.Name("Regions").Array()
		for _, r := range snapshot.regions {
			regionObj := regions.Object()
			regionObj.Name("Offset").Int(r.offset)
			regionObj.Name("Size").Int(r.size)
			regionObj.Name("Free").Bool(r.free)
			regionObj.End()
		}
		regions.End()

		arenaObj.End()
	}
	arenas.End()

	root.End()
	return string(writer.Bytes())
}

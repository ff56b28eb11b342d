// Package memmap builds normalized memory maps for simulated machines. The
// resulting map can be fed to the physical memory manager in place of the
// multiboot memory map.
package memmap

import (
	"math"

	"github.com/CodeStix/kokos-sub000/kernel/hal/multiboot"
	"github.com/google/btree"
)

const btreeDegree = 8

// Region is a half-open physical address range [Start, End).
type Region struct {
	Start uint64
	End   uint64
	Type  multiboot.MemoryEntryType
}

// Length returns the region size in bytes.
func (r Region) Length() uint64 {
	return r.End - r.Start
}

// Map is an ordered set of non-overlapping regions. Adjacent regions of the
// same type are always merged. The zero value is not usable; use New.
type Map struct {
	tree *btree.BTreeG[Region]
}

// New returns an empty memory map.
func New() *Map {
	return &Map{
		tree: btree.NewG(btreeDegree, func(a, b Region) bool { return a.Start < b.Start }),
	}
}

// priority decides which type survives when two regions overlap. Available
// memory always loses.
func priority(t multiboot.MemoryEntryType) int {
	switch t {
	case multiboot.MemAvailable:
		return 0
	case multiboot.MemAcpiReclaimable:
		return 1
	case multiboot.MemNvs:
		return 2
	default:
		return 3
	}
}

// Add inserts the region [start, start+length). Parts that overlap an
// existing region take the type with the higher priority, so a reserved
// range punches a hole into available memory regardless of the order in
// which the two are added. Types other than the ones known to multiboot are
// stored as multiboot.MemReserved.
func (m *Map) Add(start, length uint64, typ multiboot.MemoryEntryType) {
	if length == 0 {
		return
	}

	if priority(typ) == 3 {
		typ = multiboot.MemReserved
	}

	end := start + length
	if end < start {
		end = math.MaxUint64
	}

	overlapping := m.overlapping(start, end)
	for _, r := range overlapping {
		m.tree.Delete(r)
	}

	var pieces []Region
	cursor := start
	for _, r := range overlapping {
		if r.Start < start {
			pieces = append(pieces, Region{r.Start, start, r.Type})
		}

		ovStart, ovEnd := max(r.Start, start), min(r.End, end)
		if cursor < ovStart {
			pieces = append(pieces, Region{cursor, ovStart, typ})
		}

		winner := typ
		if priority(r.Type) > priority(typ) {
			winner = r.Type
		}
		pieces = append(pieces, Region{ovStart, ovEnd, winner})
		cursor = ovEnd

		if r.End > end {
			pieces = append(pieces, Region{end, r.End, r.Type})
		}
	}

	if cursor < end {
		pieces = append(pieces, Region{cursor, end, typ})
	}

	for _, piece := range pieces {
		m.insert(piece)
	}
}

// overlapping returns the regions that intersect [start, end) in address
// order.
func (m *Map) overlapping(start, end uint64) []Region {
	var regions []Region

	m.tree.DescendLessOrEqual(Region{Start: start}, func(r Region) bool {
		if r.Start < start && r.End > start {
			regions = append(regions, r)
		}
		return false
	})

	m.tree.AscendGreaterOrEqual(Region{Start: start}, func(r Region) bool {
		if r.Start >= end {
			return false
		}
		regions = append(regions, r)
		return true
	})

	return regions
}

// insert adds a region that does not overlap any stored region and merges it
// with same-typed neighbors that touch it.
func (m *Map) insert(r Region) {
	if prev, ok := m.before(r.Start); ok && prev.End == r.Start && prev.Type == r.Type {
		m.tree.Delete(prev)
		r.Start = prev.Start
	}

	if next, ok := m.tree.Get(Region{Start: r.End}); ok && next.Type == r.Type {
		m.tree.Delete(next)
		r.End = next.End
	}

	m.tree.ReplaceOrInsert(r)
}

// before returns the region with the highest start address below addr.
func (m *Map) before(addr uint64) (Region, bool) {
	var (
		found Region
		ok    bool
	)

	m.tree.DescendLessOrEqual(Region{Start: addr}, func(r Region) bool {
		if r.Start == addr {
			return true
		}
		found, ok = r, true
		return false
	})

	return found, ok
}

// Regions returns a copy of the stored regions in address order.
func (m *Map) Regions() []Region {
	regions := make([]Region, 0, m.tree.Len())
	m.tree.Ascend(func(r Region) bool {
		regions = append(regions, r)
		return true
	})
	return regions
}

// Visit invokes visitor for every region in address order until it returns
// false. Its signature matches multiboot.VisitMemRegions.
func (m *Map) Visit(visitor multiboot.MemRegionVisitor) {
	m.tree.Ascend(func(r Region) bool {
		return visitor(&multiboot.MemoryMapEntry{
			PhysAddress: r.Start,
			Length:      r.Length(),
			Type:        r.Type,
		})
	})
}

// TotalAvailable returns the number of bytes in available regions.
func (m *Map) TotalAvailable() uint64 {
	var total uint64
	m.tree.Ascend(func(r Region) bool {
		if r.Type == multiboot.MemAvailable {
			total += r.Length()
		}
		return true
	})
	return total
}

// Highest returns the end address of the highest available region or 0 if
// the map contains no available memory.
func (m *Map) Highest() uint64 {
	var highest uint64
	m.tree.Descend(func(r Region) bool {
		if r.Type == multiboot.MemAvailable {
			highest = r.End
			return false
		}
		return true
	})
	return highest
}

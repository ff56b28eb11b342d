package memmap

import (
	"testing"

	"github.com/CodeStix/kokos-sub000/kernel/hal/multiboot"
	"github.com/google/go-cmp/cmp"
)

type addOp struct {
	start, length uint64
	typ           multiboot.MemoryEntryType
}

const (
	avail    = multiboot.MemAvailable
	reserved = multiboot.MemReserved
	acpi     = multiboot.MemAcpiReclaimable
)

func TestAdd(t *testing.T) {
	specs := []struct {
		name string
		ops  []addOp
		exp  []Region
	}{
		{
			"disjoint regions are kept in address order",
			[]addOp{{0x100000, 0x1000, avail}, {0, 0x9fc00, avail}},
			[]Region{{0, 0x9fc00, avail}, {0x100000, 0x101000, avail}},
		},
		{
			"adjacent regions of the same type merge",
			[]addOp{{0, 0x1000, avail}, {0x2000, 0x1000, avail}, {0x1000, 0x1000, avail}},
			[]Region{{0, 0x3000, avail}},
		},
		{
			"adjacent regions of different types stay apart",
			[]addOp{{0, 0x1000, avail}, {0x1000, 0x1000, reserved}},
			[]Region{{0, 0x1000, avail}, {0x1000, 0x2000, reserved}},
		},
		{
			"reserved punches a hole into available",
			[]addOp{{0, 0x10000, avail}, {0x4000, 0x2000, reserved}},
			[]Region{{0, 0x4000, avail}, {0x4000, 0x6000, reserved}, {0x6000, 0x10000, avail}},
		},
		{
			"available does not override reserved",
			[]addOp{{0x4000, 0x2000, reserved}, {0, 0x10000, avail}},
			[]Region{{0, 0x4000, avail}, {0x4000, 0x6000, reserved}, {0x6000, 0x10000, avail}},
		},
		{
			"overlap spanning several regions",
			[]addOp{
				{0x1000, 0x1000, acpi},
				{0x3000, 0x1000, reserved},
				{0x5000, 0x1000, avail},
				{0, 0x8000, avail},
			},
			[]Region{{0, 0x1000, avail}, {0x1000, 0x2000, acpi}, {0x2000, 0x3000, avail}, {0x3000, 0x4000, reserved}, {0x4000, 0x8000, avail}},
		},
		{
			"reserved overrides ACPI",
			[]addOp{{0, 0x2000, acpi}, {0x1000, 0x2000, reserved}},
			[]Region{{0, 0x1000, acpi}, {0x1000, 0x3000, reserved}},
		},
		{
			"unknown types are stored as reserved",
			[]addOp{{0, 0x1000, multiboot.MemoryEntryType(42)}, {0x1000, 0x1000, reserved}},
			[]Region{{0, 0x2000, reserved}},
		},
		{
			"empty regions are ignored",
			[]addOp{{0x1000, 0, avail}},
			[]Region{},
		},
	}

	for _, spec := range specs {
		t.Run(spec.name, func(t *testing.T) {
			m := New()
			for _, op := range spec.ops {
				m.Add(op.start, op.length, op.typ)
			}

			if diff := cmp.Diff(spec.exp, m.Regions()); diff != "" {
				t.Fatalf("unexpected regions (-want +got):\n%s", diff)
			}
		})
	}
}

func TestVisit(t *testing.T) {
	m := New()
	m.Add(0, 0x9fc00, avail)
	m.Add(0x9fc00, 0x400, reserved)
	m.Add(0x100000, 0x7ee0000, avail)

	var got []multiboot.MemoryMapEntry
	m.Visit(func(entry *multiboot.MemoryMapEntry) bool {
		got = append(got, *entry)
		return true
	})

	exp := []multiboot.MemoryMapEntry{
		{PhysAddress: 0, Length: 0x9fc00, Type: avail},
		{PhysAddress: 0x9fc00, Length: 0x400, Type: reserved},
		{PhysAddress: 0x100000, Length: 0x7ee0000, Type: avail},
	}
	if diff := cmp.Diff(exp, got); diff != "" {
		t.Fatalf("unexpected entries (-want +got):\n%s", diff)
	}

	var visited int
	m.Visit(func(*multiboot.MemoryMapEntry) bool {
		visited++
		return false
	})

	if visited != 1 {
		t.Fatalf("expected visitor to be able to abort the scan; got %d calls", visited)
	}

	if exp, got := uint64(0x9fc00+0x7ee0000), m.TotalAvailable(); got != exp {
		t.Fatalf("expected TotalAvailable to return 0x%x; got 0x%x", exp, got)
	}

	if exp, got := uint64(0x7fe0000), m.Highest(); got != exp {
		t.Fatalf("expected Highest to return 0x%x; got 0x%x", exp, got)
	}

	m.Add(0x8000000, 0x40000, reserved)
	if exp, got := uint64(0x7fe0000), m.Highest(); got != exp {
		t.Fatalf("expected Highest to skip reserved regions and return 0x%x; got 0x%x", exp, got)
	}

	if got := New().Highest(); got != 0 {
		t.Fatalf("expected Highest of an empty map to return 0; got 0x%x", got)
	}
}

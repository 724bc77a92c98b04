package stage2

import (
	"testing"

	"armvisor/internal/memregion"
	"armvisor/internal/pagealloc"
	"armvisor/internal/platform"
)

func newTestAlloc(t *testing.T) (*pagealloc.Allocator, platform.GranuleLayout) {
	t.Helper()
	layout, err := platform.Granule4K.Layout()
	if err != nil {
		t.Fatalf("Layout: %v", err)
	}
	// enough pages for a handful of L1/L2 tables in these small tests
	return pagealloc.New(0, layout.PageSize, 4096), layout
}

// S1: 4 KiB granule, NORMAL [0x8000_0000, 0x8800_0000), IO
// [0x0900_0000, 0x0900_1000). After AllocAndMapVM, the L2 entry for
// 0x8000_0000 is a block descriptor with output 0x8000_0000, RW,
// inner-shareable, AF set, normal-WB memattr; the entry for
// 0x0900_0000 is device-nGnRnE.
func TestScenarioS1(t *testing.T) {
	alloc, layout := newTestAlloc(t)
	regions := []*memregion.Region{
		{Name: "ram", PhyBase: 0x8000_0000, Size: 0x0800_0000, Type: memregion.Normal},
		{Name: "uart", PhyBase: 0x0900_0000, Size: 0x1000, Type: memregion.IO},
	}

	table, err := AllocAndMapVM(alloc, layout, 1<<32, regions)
	if err != nil {
		t.Fatalf("AllocAndMapVM: %v", err)
	}

	normalDesc, err := table.ReadBlockDescriptor(0x8000_0000)
	if err != nil {
		t.Fatalf("ReadBlockDescriptor(normal): %v", err)
	}
	if normalDesc&outputAddrMask != 0x8000_0000 {
		t.Errorf("normal output addr = %#x, want %#x", normalDesc&outputAddrMask, 0x8000_0000)
	}
	if normalDesc&s2apRW == 0 || normalDesc&shInner == 0 || normalDesc&afSet == 0 {
		t.Errorf("normal descriptor missing RW/SH/AF bits: %#x", normalDesc)
	}
	if normalDesc&(0b1111<<memAttrPos) != memAttrNormalWB {
		t.Errorf("normal descriptor memattr = %#x, want normal-WB", normalDesc&(0b1111<<memAttrPos))
	}

	ioDesc, err := table.ReadBlockDescriptor(0x0900_0000)
	if err != nil {
		t.Fatalf("ReadBlockDescriptor(io): %v", err)
	}
	if ioDesc&(0b1111<<memAttrPos) != memAttrDeviceNGnRnE {
		t.Errorf("io descriptor memattr = %#x, want device-nGnRnE", ioDesc&(0b1111<<memAttrPos))
	}
}

// P1 (identity mapping): the output address of any mapped IPA equals
// the input IPA.
func TestMapRegionIdentityMapping(t *testing.T) {
	alloc, layout := newTestAlloc(t)
	table, err := newTable(alloc, layout, 1<<32)
	if err != nil {
		t.Fatalf("newTable: %v", err)
	}
	if err := table.MapRegion(0x4000_0000, layout.L2BlockSize*3, memregion.Normal); err != nil {
		t.Fatalf("MapRegion: %v", err)
	}
	for i := uint64(0); i < 3; i++ {
		ipa := 0x4000_0000 + i*layout.L2BlockSize
		desc, err := table.ReadBlockDescriptor(ipa)
		if err != nil {
			t.Fatalf("ReadBlockDescriptor: %v", err)
		}
		if desc&outputAddrMask != ipa {
			t.Errorf("IPA %#x: output addr %#x, want identity", ipa, desc&outputAddrMask)
		}
	}
}

// P2: repeated MapRegion calls whose L1 slots overlap do not allocate
// additional level-2 tables for already-populated slots.
func TestMapRegionReusesL1Slot(t *testing.T) {
	alloc, layout := newTestAlloc(t)
	table, err := newTable(alloc, layout, 1<<32)
	if err != nil {
		t.Fatalf("newTable: %v", err)
	}

	// Both ranges fall within the same 1 GiB L1 slot (4K granule).
	if err := table.MapRegion(0x4000_0000, layout.L2BlockSize, memregion.Normal); err != nil {
		t.Fatalf("MapRegion #1: %v", err)
	}
	before := alloc.AllocCalls()
	if err := table.MapRegion(0x4000_0000+layout.L2BlockSize, layout.L2BlockSize, memregion.Normal); err != nil {
		t.Fatalf("MapRegion #2: %v", err)
	}
	after := alloc.AllocCalls()
	if after != before {
		t.Errorf("expected no new allocations reusing the same L1 slot, alloc calls went %d -> %d", before, after)
	}
}

// P3: newly installed level-2 tables contain no stale non-zero words
// beyond the entries just written.
func TestNewL2TableIsZeroedElsewhere(t *testing.T) {
	alloc, layout := newTestAlloc(t)
	table, err := newTable(alloc, layout, 1<<32)
	if err != nil {
		t.Fatalf("newTable: %v", err)
	}
	if err := table.MapRegion(0x4000_0000, layout.L2BlockSize, memregion.Normal); err != nil {
		t.Fatalf("MapRegion: %v", err)
	}

	// A neighboring, unmapped IPA within the same L1 slot must still
	// read back as an absent (all-zero) level-2 entry.
	neighbor := 0x4000_0000 + layout.L2BlockSize*5
	desc, err := table.ReadBlockDescriptor(neighbor)
	if err != nil {
		t.Fatalf("ReadBlockDescriptor(neighbor): %v", err)
	}
	if desc != 0 {
		t.Errorf("unmapped neighbor entry = %#x, want 0", desc)
	}
}

func TestMapMemoryRegionListRejectsEmpty(t *testing.T) {
	alloc, layout := newTestAlloc(t)
	table, err := newTable(alloc, layout, 1<<32)
	if err != nil {
		t.Fatalf("newTable: %v", err)
	}
	if err := table.MapMemoryRegionList(nil); err == nil {
		t.Fatal("expected EINVAL for an empty region list")
	}
}

func TestMapRegionSplitsAcrossL1Boundary(t *testing.T) {
	alloc, layout := newTestAlloc(t)
	table, err := newTable(alloc, layout, 1<<33)
	if err != nil {
		t.Fatalf("newTable: %v", err)
	}

	// Starts just before a 1 GiB boundary and runs past it.
	base := layout.L1Span - layout.L2BlockSize
	size := layout.L2BlockSize * 2
	if err := table.MapRegion(base, size, memregion.Normal); err != nil {
		t.Fatalf("MapRegion across boundary: %v", err)
	}

	first, err := table.ReadBlockDescriptor(base)
	if err != nil {
		t.Fatalf("ReadBlockDescriptor(first): %v", err)
	}
	second, err := table.ReadBlockDescriptor(base + layout.L2BlockSize)
	if err != nil {
		t.Fatalf("ReadBlockDescriptor(second): %v", err)
	}
	if first&outputAddrMask != base || second&outputAddrMask != base+layout.L2BlockSize {
		t.Errorf("boundary-crossing map produced wrong output addresses: %#x, %#x", first, second)
	}
}

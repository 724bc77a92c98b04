// Package stage2 implements the Stage-2 (guest-physical to
// machine-physical) MMU manager spec.md §4.1 describes: two-level,
// granule-aware translation tables built per VM (and one for the
// hypervisor's own EL2 mapping), with repeated mapping calls reusing
// already-populated level-1 slots.
//
// Grounded on original_source/core/vmsa.c's mmu_map_mem (here,
// MapRegion), mmu_map_memory_region_list (MapMemoryRegionList),
// mmu_map_vm_memory (AllocAndMapVM) and get_tt_description (the
// attribute encoding in attrsFor). The level-1/level-2 index
// arithmetic follows the teacher kernel's mmu.go in spirit (shift/mask
// helpers, a table-descriptor/block-descriptor split) even though the
// teacher's own mmu.go implements a four-level Stage-1 walk rather
// than this two-level Stage-2 design.
package stage2

import (
	"armvisor/internal/kernelerr"
	"armvisor/internal/memregion"
	"armvisor/internal/pagealloc"
	"armvisor/internal/platform"
)

// Translation-table descriptor bits. Layout follows the ARMv8-A
// stage-2 block/table descriptor shape closely enough to exercise the
// same attribute semantics spec.md names, without claiming bit-exact
// compatibility with any specific hardware revision.
const (
	descValid = 1 << 0
	descTable = 1 << 1 // set at level 1 only: valid+table = "points at a level-2 table"

	s2apRW     = 0b11 << 6 // AP[1:0]: read-write
	shInner    = 0b11 << 8 // SH[1:0]: inner shareable
	afSet      = 1 << 10   // access flag
	memAttrPos = 2

	memAttrNormalWB     = 0b1111 << memAttrPos // write-back, inner+outer
	memAttrDeviceNGnRnE = 0b0000 << memAttrPos // device, non-gathering/reordering/early-ack
)

// outputAddrMask clears the low attribute bits of a block descriptor,
// leaving the output address field.
const outputAddrMask = ^uint64(0xFFF)

// Table is one two-level Stage-2 translation table (or the
// hypervisor's own EL2 mapping table, built the same way).
type Table struct {
	alloc      *pagealloc.Allocator
	granule    platform.GranuleLayout
	pgdBase    pagealloc.Addr
	l1Entries  uint64
	pgdPages   uint64
}

// newTable allocates and zeroes a level-1 table sized to cover
// maxPhysicalSize, per mmu_map_vm_memory's L1-table sizing.
func newTable(alloc *pagealloc.Allocator, granule platform.GranuleLayout, maxPhysicalSize uint64) (*Table, error) {
	l1Entries := ceilDiv(maxPhysicalSize, granule.L1Span)
	tableBytes := l1Entries * 8
	pages := ceilDiv(tableBytes, granule.PageSize)
	if pages == 0 {
		pages = 1
	}

	pgd, err := alloc.AllocPages(pages)
	if err != nil {
		// The source panics here ("alloc_and_map_vm" cannot recover
		// from a failed top-level table allocation); a test-hosted
		// allocator reports it as ENOMEM instead of halting the process.
		return nil, kernelerr.Wrap(err, "stage2: allocating level-1 table")
	}

	return &Table{
		alloc:     alloc,
		granule:   granule,
		pgdBase:   pgd,
		l1Entries: l1Entries,
		pgdPages:  pages,
	}, nil
}

// PGDBase returns the table's top-level physical base, the value
// installed into VTTBR_EL2 for a VM or TTBR0_EL2 for the host table.
func (t *Table) PGDBase() pagealloc.Addr { return t.pgdBase }

// MapRegion maps the guest-physical range [base, base+size) as
// output-identical machine-physical addresses, attributed per rtype.
// base and size are rounded to the granule's level-2 block size; a
// range crossing a level-1 boundary is split into per-slot sub-calls.
func (t *Table) MapRegion(base, size uint64, rtype memregion.Type) error {
	if size == 0 {
		return kernelerr.Wrap(kernelerr.EINVAL, "stage2: MapRegion size 0")
	}

	l2Block := t.granule.L2BlockSize
	l1Span := t.granule.L1Span

	alignedBase := alignDown(base, l2Block)
	alignedEnd := alignUp(base+size, l2Block)

	for cur := alignedBase; cur < alignedEnd; {
		l1SlotEnd := alignDown(cur, l1Span) + l1Span
		remainder := l1SlotEnd - cur
		chunk := remainder
		if alignedEnd-cur < chunk {
			chunk = alignedEnd - cur
		}
		if err := t.mapWithinL1Slot(cur, chunk, rtype); err != nil {
			return err
		}
		cur += chunk
	}
	return nil
}

func (t *Table) mapWithinL1Slot(base, size uint64, rtype memregion.Type) error {
	l1Span := t.granule.L1Span
	l2Block := t.granule.L2BlockSize

	l1Index := base / l1Span
	if l1Index >= t.l1Entries {
		return kernelerr.Wrapf(kernelerr.EINVAL, "stage2: IPA %#x beyond configured max physical size", base)
	}

	l2Table, err := t.getOrAllocL2Table(l1Index)
	if err != nil {
		return err
	}

	slotBase := l1Index * l1Span
	attrs := attrsFor(rtype)

	for addr := base; addr < base+size; addr += l2Block {
		l2Index := (addr - slotBase) / l2Block
		desc := (addr &^ uint64(l2Block-1) & outputAddrMask) | attrs | descValid
		if err := t.alloc.WriteWord(l2Table, l2Index*8, desc); err != nil {
			return kernelerr.Wrap(err, "stage2: writing level-2 block descriptor")
		}
	}
	return nil
}

// getOrAllocL2Table returns the level-2 table backing l1Index,
// allocating and installing a new zeroed one only if the level-1 slot
// is currently absent (zero), and reusing the existing table
// otherwise — spec.md §3's "once a level-2 page has been installed
// for a level-1 slot, subsequent maps in the same slot reuse it."
func (t *Table) getOrAllocL2Table(l1Index uint64) (pagealloc.Addr, error) {
	word, err := t.alloc.ReadWord(t.pgdBase, l1Index*8)
	if err != nil {
		return 0, kernelerr.Wrap(err, "stage2: reading level-1 entry")
	}
	if word != 0 {
		return pagealloc.Addr(word & outputAddrMask), nil
	}

	l2, err := t.alloc.AllocPages(t.granule.L2TablePages)
	if err != nil {
		return 0, kernelerr.Wrap(err, "stage2: allocating level-2 table")
	}

	desc := (uint64(l2) & outputAddrMask) | descTable | descValid
	if err := t.alloc.WriteWord(t.pgdBase, l1Index*8, desc); err != nil {
		return 0, kernelerr.Wrap(err, "stage2: writing level-1 table descriptor")
	}
	return l2, nil
}

// MapMemoryRegionList applies MapRegion to every region in the list.
// Fails with EINVAL if the list is nil or empty.
func (t *Table) MapMemoryRegionList(regions []*memregion.Region) error {
	if len(regions) == 0 {
		return kernelerr.Wrap(kernelerr.EINVAL, "stage2: empty region list")
	}
	for _, r := range regions {
		if err := t.MapRegion(r.PhyBase, r.Size, r.Type); err != nil {
			return err
		}
	}
	return nil
}

// ReadBlockDescriptor returns the raw level-2 descriptor word covering
// ipa, used by tests asserting on output address and attribute bits
// (spec.md §8 P1, S1).
func (t *Table) ReadBlockDescriptor(ipa uint64) (uint64, error) {
	l1Span := t.granule.L1Span
	l2Block := t.granule.L2BlockSize

	l1Index := ipa / l1Span
	word, err := t.alloc.ReadWord(t.pgdBase, l1Index*8)
	if err != nil {
		return 0, err
	}
	if word == 0 {
		return 0, kernelerr.Wrapf(kernelerr.EINVAL, "stage2: IPA %#x has no level-1 mapping", ipa)
	}
	l2Table := pagealloc.Addr(word & outputAddrMask)

	slotBase := l1Index * l1Span
	l2Index := (ipa - slotBase) / l2Block
	return t.alloc.ReadWord(l2Table, l2Index*8)
}

// AllocAndMapVM allocates a top-level table sized for maxPhysicalSize
// and maps every region in regions into it.
func AllocAndMapVM(alloc *pagealloc.Allocator, granule platform.GranuleLayout, maxPhysicalSize uint64, regions []*memregion.Region) (*Table, error) {
	table, err := newTable(alloc, granule, maxPhysicalSize)
	if err != nil {
		return nil, err
	}
	if err := table.MapMemoryRegionList(regions); err != nil {
		return nil, err
	}
	return table, nil
}

// NewHostTable builds the separate top-level table the hypervisor
// itself uses (spec.md §4.1 "Host (EL2) mapping"), mapping every
// NORMAL region in block-size units.
func NewHostTable(alloc *pagealloc.Allocator, granule platform.GranuleLayout, maxPhysicalSize uint64, normalRegions []*memregion.Region) (*Table, error) {
	table, err := newTable(alloc, granule, maxPhysicalSize)
	if err != nil {
		return nil, err
	}
	for _, r := range normalRegions {
		if err := table.MapRegion(r.PhyBase, r.Size, memregion.Normal); err != nil {
			return nil, err
		}
	}
	return table, nil
}

func attrsFor(rtype memregion.Type) uint64 {
	if rtype == memregion.IO {
		return memAttrDeviceNGnRnE
	}
	return s2apRW | shInner | afSet | memAttrNormalWB
}

func alignDown(v, align uint64) uint64 { return v &^ (align - 1) }
func alignUp(v, align uint64) uint64   { return (v + align - 1) &^ (align - 1) }
func ceilDiv(a, b uint64) uint64       { return (a + b - 1) / b }

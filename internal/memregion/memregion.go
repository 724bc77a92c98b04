// Package memregion implements the memory-region registry spec.md §3
// and §6 describe: declared physical regions tagged NORMAL, IO or
// SHARED, tracked per owning VM (or in a shared list for SHARED
// regions), read by Stage-2 MMU bring-up.
//
// Grounded on original_source/hypervisor/minos/vmm.c's
// register_memory_region: vir_base is derived from the region's type
// rather than copied from phy_base, SHARED regions are normalized to
// NORMAL type and filed in a shared list, and tags naming the host
// VMID are never registered as guest regions.
package memregion

import (
	"sync"

	"armvisor/internal/kernelerr"
)

// Type classifies a memory region's backing.
type Type int

const (
	Normal Type = iota
	IO
	Shared
)

// VMIDHost marks a device-tree tag that belongs to the hypervisor
// itself rather than any guest; such tags are never registered here.
const VMIDHost = 0

// VMIDAny is the VMID recorded for SHARED regions, visible to every VM.
const VMIDAny = -1

// Guest-visible IPA window bases a region's vir_base is computed
// relative to, mirroring CONFIG_PLATFORM_IO_BASE/GUEST_IO_MEM_START
// and CONFIG_PLATFORM_DRAM_BASE/GUEST_NORMAL_MEM_START in the source.
const (
	PlatformIOBase      = 0x0800_0000
	GuestIOMemStart     = 0x0800_0000
	PlatformDRAMBase    = 0x4000_0000
	GuestNormalMemStart = 0x4000_0000
)

// VM0's IPA mmap window, a view onto other VMs' memory (see
// SPEC_FULL.md "Supplemented features" / DESIGN.md "Open Questions" —
// deliberately not bit-exact with the source's PUD-copy mechanism).
const (
	VM0MmapIPABase = 0xC000_0000
	VMMmapSliceSize = 64 * 1024 * 1024
)

// Region is one declared memory region.
type Region struct {
	Name    string
	PhyBase uint64
	VirBase uint64
	Size    uint64
	Type    Type
	VMID    int
}

// Tag is the external device-tree-shaped input spec.md §6 names:
// {name, mem_base, mem_end, type, vmid, enable}.
type Tag struct {
	Name    string
	MemBase uint64
	MemEnd  uint64
	Type    Type
	VMID    int
	Enable  bool
}

// Registry tracks per-VM and shared region lists.
type Registry struct {
	mu     sync.Mutex
	perVM  map[int][]*Region
	shared []*Region
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{perVM: make(map[int][]*Region)}
}

// Register validates and files one device-tree tag. Disabled tags are
// skipped; tags naming the host VMID are not registered as guest
// regions (spec.md §6).
func (r *Registry) Register(tag Tag) error {
	if !tag.Enable {
		return nil
	}
	if tag.VMID == VMIDHost {
		return nil
	}
	if tag.MemEnd < tag.MemBase {
		return kernelerr.Wrapf(kernelerr.EINVAL, "memregion: tag %q has inverted range", tag.Name)
	}

	// mem_end is inclusive, matching register_memory_region's
	// `mem_end - mem_base + 1` (a tag naming a single address has
	// mem_end == mem_base and a size of one).
	size := tag.MemEnd - tag.MemBase + 1
	region := &Region{
		Name:    tag.Name,
		PhyBase: tag.MemBase,
		Size:    size,
		Type:    tag.Type,
		VMID:    tag.VMID,
	}
	region.VirBase = virBase(region.Type, region.PhyBase)

	r.mu.Lock()
	defer r.mu.Unlock()

	if tag.Type == Shared {
		region.Type = Normal
		region.VMID = VMIDAny
		r.shared = append([]*Region{region}, r.shared...) // list_add: head insert
		return nil
	}
	r.perVM[tag.VMID] = append(r.perVM[tag.VMID], region) // list_add_tail: append
	return nil
}

func virBase(t Type, phyBase uint64) uint64 {
	if t == IO {
		return GuestIOMemStart + (phyBase - PlatformIOBase)
	}
	return GuestNormalMemStart + (phyBase - PlatformDRAMBase)
}

// RegionsFor returns every region a VM should map: its own regions
// plus every shared region, mirroring vm_mm_init's two-pass walk over
// mem_list (filtered by vmid) and shared_mem_list (unconditional).
func (r *Registry) RegionsFor(vmid int) []*Region {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]*Region, 0, len(r.perVM[vmid])+len(r.shared))
	out = append(out, r.perVM[vmid]...)
	out = append(out, r.shared...)
	return out
}

// NormalRegions returns every NORMAL, non-host region across every
// VM, used to populate the host EL2 mapping table (spec.md §4.1).
func (r *Registry) NormalRegions() []*Region {
	r.mu.Lock()
	defer r.mu.Unlock()

	var out []*Region
	for _, regions := range r.perVM {
		for _, reg := range regions {
			if reg.Type == Normal {
				out = append(out, reg)
			}
		}
	}
	for _, reg := range r.shared {
		if reg.Type == Normal {
			out = append(out, reg)
		}
	}
	return out
}

// MMapWindow returns the IPA base and size of the slice of VM0's IPA
// space reserved as a window onto vmid's memory.
func MMapWindow(vmid int) (ipaBase uint64, size uint64) {
	return VM0MmapIPABase + uint64(vmid)*VMMmapSliceSize, VMMmapSliceSize
}

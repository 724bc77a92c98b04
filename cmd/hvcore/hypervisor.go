// Command hvcore wires two of the core subsystems — the Stage-2 MMU
// manager and the VGIC core — into the bring-up sequence spec.md §2
// describes. The wait primitives are not used by this command.
//
// Grounded on original_source/minos/minos.c's boot_main (the
// mm_init → hooks_init → virt_init → device_init ordering this
// package's Boot mirrors) and virt/hypervisor.c's hypervisor_init (the
// per-VM stage-2-then-vgic bring-up loop).
package main

import (
	"sort"

	"github.com/sirupsen/logrus"

	"armvisor/internal/hooks"
	"armvisor/internal/kernelerr"
	"armvisor/internal/logging"
	"armvisor/internal/memregion"
	"armvisor/internal/pagealloc"
	"armvisor/internal/platform"
	"armvisor/internal/stage2"
	"armvisor/internal/vgic"
)

// simArenaPages sizes the host-simulated page arena Boot allocates
// pagealloc.Allocator over. This stands in for the real 1<<40-ish
// machine-physical address space cfg.MaxPhysicalSize describes — a
// hosted test binary has no such RAM to back it, only enough arena to
// exercise the translation-table bring-up paths that actually touch
// memory (PGD/L2 table allocation), so it is sized independently of
// MaxPhysicalSize rather than to match it.
const simArenaPages = 4096

// VM is one guest's bring-up state: its Stage-2 table and its
// per-vCPU VGIC banks (one per vcpu, spec.md §3's "vIRQ bank
// (per-vCPU)").
type VM struct {
	ID    int
	Table *stage2.Table
	VCPUs []*vgic.Bank
}

// Hypervisor is the fully wired-up result of Boot: the host's own
// Stage-2 mapping, the physical GIC driver, and every guest VM's
// Stage-2 table and VGIC banks.
type Hypervisor struct {
	Config    platform.Config
	Alloc     *pagealloc.Allocator
	Registry  *memregion.Registry
	HostTable *stage2.Table
	Physical  *vgic.PhysicalDriver
	VMs       map[int]*VM
}

// VMSpec is the caller-supplied shape of one guest to bring up: its
// VMID (memregion.VMIDHost, 0, is reserved for the hypervisor's own
// mapping and must not be reused by a guest), its region tags
// (spec.md §6's device-tree tag shape) and how many vCPUs it has.
type VMSpec struct {
	VMID    int
	Regions []memregion.Tag
	VCPUs   int
}

// Boot implements spec.md §2's control-flow order: register every
// memory region, bring up the host's own Stage-2 mapping, bring up
// each VM's Stage-2 table and VGIC banks, then fire the CreateVM hook
// for each. It mirrors boot_main's mm_init/hooks_init/virt_init/
// device_init sequence collapsed into one function since this package
// has no secondary-cpu bring-up or scheduler to interleave it with.
func Boot(cfg platform.Config, specs []VMSpec) (*Hypervisor, error) {
	logging.SetLevel(levelFor(cfg))
	hooks.Reset()

	layout, err := cfg.Granule.Layout()
	if err != nil {
		return nil, kernelerr.Wrap(err, "hvcore: resolving granule layout")
	}

	alloc := pagealloc.New(0, layout.PageSize, simArenaPages)
	registry := memregion.NewRegistry()

	for _, spec := range specs {
		if spec.VMID == memregion.VMIDHost {
			return nil, kernelerr.Wrapf(kernelerr.EINVAL, "hvcore: vmid %d is reserved for the host", spec.VMID)
		}
		for _, tag := range spec.Regions {
			if err := registry.Register(tag); err != nil {
				return nil, kernelerr.Wrapf(err, "hvcore: registering region for vm %d", spec.VMID)
			}
		}
	}

	hostTable, err := stage2.NewHostTable(alloc, layout, cfg.MaxPhysicalSize, registry.NormalRegions())
	if err != nil {
		return nil, kernelerr.Wrap(err, "hvcore: bringing up host stage-2 table")
	}

	physical := vgic.NewPhysicalDriver()
	if err := physical.Init(cfg.NRCPUs); err != nil {
		return nil, kernelerr.Wrap(err, "hvcore: initializing physical gic driver")
	}

	hv := &Hypervisor{
		Config:    cfg,
		Alloc:     alloc,
		Registry:  registry,
		HostTable: hostTable,
		Physical:  physical,
		VMs:       make(map[int]*VM),
	}

	ordered := make([]VMSpec, len(specs))
	copy(ordered, specs)
	sort.Slice(ordered, func(i, j int) bool { return ordered[i].VMID < ordered[j].VMID })

	for _, spec := range ordered {
		vmid := spec.VMID
		table, err := stage2.AllocAndMapVM(alloc, layout, cfg.MaxPhysicalSize, registry.RegionsFor(vmid))
		if err != nil {
			return nil, kernelerr.Wrapf(err, "hvcore: bringing up stage-2 table for vm %d", vmid)
		}

		vcpuCount := spec.VCPUs
		if vcpuCount <= 0 {
			vcpuCount = 1
		}
		banks := make([]*vgic.Bank, vcpuCount)
		for i := range banks {
			banks[i] = vgic.NewBank(i, numListRegisters(cfg), numPriorityBits, physical)
		}

		hv.VMs[vmid] = &VM{ID: vmid, Table: table, VCPUs: banks}
		hooks.Run(hooks.CreateVM, -1)
		logging.VM(vmid).WithField("vcpus", vcpuCount).Info("vm brought up")
	}

	return hv, nil
}

// numPriorityBits is the active-priority register count (M) this
// module assumes absent a real ICH_VTR_EL2 to decode; 5 is the
// GICv3 architectural minimum.
const numPriorityBits = 5

func numListRegisters(cfg platform.Config) uint8 {
	n := cfg.VCPUMaxActiveIRQs
	if n <= 0 {
		n = platform.DefaultVCPUMaxActiveIRQs
	}
	if n > 16 {
		n = 16
	}
	return uint8(n)
}

func levelFor(cfg platform.Config) logrus.Level {
	if cfg.Debug {
		return logrus.DebugLevel
	}
	return logrus.InfoLevel
}

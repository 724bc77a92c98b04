package vgic

import (
	"sync"

	"armvisor/internal/kernelerr"
)

// SGIMode selects the targeting mode of a software-generated
// interrupt, mirroring gicv3_send_sgi_list's SGI_TO_SELF/OTHERS/LIST.
type SGIMode int

const (
	SGISelf SGIMode = iota
	SGIOthers
	SGIList
)

// IRQChip is the capability set spec.md §6 names: a single vtable the
// GIC driver implements and injection paths receive by reference
// (spec.md §9 "Dynamic dispatch"), grounded on gicv3.c's gicv3_chip
// struct literal.
type IRQChip interface {
	Mask(irq uint32) error
	Unmask(irq uint32) error
	EOI(irq uint32) error
	Dir(irq uint32) error
	SetType(irq uint32, level bool) error
	SetAffinity(irq uint32, cpuMask uint32) error
	SendSGI(mode SGIMode, sgiID uint8, cpuMask uint32) error
	GetPendingIRQ() (uint32, bool)
	SetPriority(irq uint32, priority uint8) error
	GetVirqState(v *VIRQ) State
	SendVirq(b *Bank, v *VIRQ) error
	UpdateVirq(b *Bank, v *VIRQ, action Action) error
	Init(nrCPUs int) error
	SecondaryInit(cpuID int) error
}

// irqState is the physical-side bookkeeping for one interrupt line:
// mask, pending and priority bits, and which cpu(s) it is routed to.
// This stands in for the GICD_*/GICR_* register file gic_qemu.go pokes
// over MMIO; a hosted test binary has no such registers to poke, so
// this module keeps the same per-line state in memory instead.
type irqState struct {
	masked   bool
	pending  bool
	level    bool
	priority uint8
	affinity uint32
}

// PhysicalDriver is the physical GIC driver implementing IRQChip.
// Grounded on the teacher kernel's gic_qemu.go (register offsets,
// enable/disable/ack/eoi shape) generalized from a fixed GICv2
// register layout to the per-line state irqState tracks, and on
// gicv3.c for the virtualization-specific operations
// (SendSGI/SendVirq/UpdateVirq/GetVirqState).
type PhysicalDriver struct {
	mu       sync.Mutex
	lines    map[uint32]*irqState
	nrCPUs   int
	lastSGI  uint64 // last encoded SGI distribution write, for tests
}

// NewPhysicalDriver returns a driver with no lines configured; lines
// are created lazily on first touch, mirroring the source's
// fixed-size-but-sparsely-used GICD_* register banks.
func NewPhysicalDriver() *PhysicalDriver {
	return &PhysicalDriver{lines: make(map[uint32]*irqState)}
}

func (d *PhysicalDriver) lineLocked(irq uint32) *irqState {
	s, ok := d.lines[irq]
	if !ok {
		s = &irqState{priority: 0x80}
		d.lines[irq] = s
	}
	return s
}

func (d *PhysicalDriver) Mask(irq uint32) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.lineLocked(irq).masked = true
	return nil
}

func (d *PhysicalDriver) Unmask(irq uint32) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.lineLocked(irq).masked = false
	return nil
}

func (d *PhysicalDriver) EOI(irq uint32) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.lineLocked(irq).pending = false
	return nil
}

func (d *PhysicalDriver) Dir(irq uint32) error {
	// Deactivate: a no-op on this simulated line beyond EOI bookkeeping
	// already covers, kept as a distinct entry point to match the
	// irq_chip vtable's separate eoi/dir split (EOIMode 1 support).
	return nil
}

func (d *PhysicalDriver) SetType(irq uint32, level bool) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.lineLocked(irq).level = level
	return nil
}

func (d *PhysicalDriver) SetAffinity(irq uint32, cpuMask uint32) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.lineLocked(irq).affinity = cpuMask
	return nil
}

func (d *PhysicalDriver) SetPriority(irq uint32, priority uint8) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.lineLocked(irq).priority = priority
	return nil
}

func (d *PhysicalDriver) GetPendingIRQ() (uint32, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for irq, s := range d.lines {
		if s.pending && !s.masked {
			return irq, true
		}
	}
	return 0, false
}

// ClearPendingPhysical implements PhysicalIRQClearer, the one
// operation Bank.Retire/Update need on the physical side.
func (d *PhysicalDriver) ClearPendingPhysical(hIntno uint32) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.lineLocked(hIntno).pending = false
	return nil
}

// SendSGI encodes mode/sgiID/cpuMask into the simulated distribution
// register, matching gicv3_send_sgi_list. Cluster affinity beyond the
// first cluster is not supported; callers must keep cpuMask within
// the driver's configured cpu count (spec.md §4.2).
func (d *PhysicalDriver) SendSGI(mode SGIMode, sgiID uint8, cpuMask uint32) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if mode == SGIList {
		if cpuMask == 0 {
			return kernelerr.Wrap(kernelerr.EINVAL, "vgic: SendSGI(LIST) with empty cpu mask")
		}
		if d.nrCPUs > 0 && cpuMask>>uint(d.nrCPUs) != 0 {
			return kernelerr.Wrap(kernelerr.EINVAL, "vgic: SendSGI target mask reaches beyond the first cluster")
		}
	}

	encoded := uint64(sgiID)&0xF | uint64(mode)<<4 | uint64(cpuMask)<<8
	d.lastSGI = encoded
	return nil
}

// LastSGI exposes the most recently encoded SGI distribution write,
// for tests asserting on SendSGI's effect.
func (d *PhysicalDriver) LastSGI() uint64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.lastSGI
}

func (d *PhysicalDriver) GetVirqState(v *VIRQ) State {
	return v.State
}

func (d *PhysicalDriver) SendVirq(b *Bank, v *VIRQ) error {
	return b.Inject(v)
}

func (d *PhysicalDriver) UpdateVirq(b *Bank, v *VIRQ, action Action) error {
	return b.Update(v, action)
}

// Init configures the driver for nrCPUs physical cpus, matching
// gicv3_init's ICH_VTR_EL2 decode (folded here into NewBank's n/m
// arguments rather than re-derived here, since this driver has no
// real ICH_VTR_EL2 to read).
func (d *PhysicalDriver) Init(nrCPUs int) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.nrCPUs = nrCPUs
	return nil
}

func (d *PhysicalDriver) SecondaryInit(cpuID int) error {
	return nil
}

// Package vgic implements the virtual interrupt controller core
// spec.md §4.2 describes: a per-vCPU list-register bank, vIRQ
// injection/retirement/update, SGI distribution, and save/restore
// across vCPU context switches.
//
// Grounded on original_source/hypervisor/arch/aarch64/gicv3.c
// (gicv3_send_virq → Inject, gicv3_update_virq → Update,
// gicv3_save_lrs/restore_lrs/save_aprn/restore_aprn → SaveContext/
// RestoreContext, gicv3_init's ICH_VTR_EL2 decode → NewBank's N/M
// validation, the gicv3_chip vtable literal → the IRQChip interface)
// and include/virt/virq.h (the VIRQ/Bank field set).
package vgic

import (
	"armvisor/internal/bitfield"
	"armvisor/internal/kernelerr"
)

// State is a vIRQ's position in the architectural state machine.
type State uint8

const (
	Inactive State = iota
	Pending
	Active
	ActiveAndPending
	Offline
)

// CapacityDefault is CONFIG_VCPU_MAX_ACTIVE_IRQS's documented default
// (spec.md §6). Bank keeps no vIRQ record pool, so nothing in this
// package is sized by it.
const CapacityDefault = 16

// LocalIRQsMax is VCPU_MAX_LOCAL_IRQS, fixed regardless of platform.
const LocalIRQsMax = 32

// VIRQ is one virtual interrupt record (spec.md §3 "vIRQ record").
type VIRQ struct {
	HIntno uint32
	VIntno uint32
	HW     bool
	PR     uint8
	State  State
	ID     uint16 // index of the list register holding this vIRQ, if assigned
}

// lrEncoding mirrors gicv3.c's gic_lr bitfield struct: the fields
// packed into one hardware list-register word.
type lrEncoding struct {
	VIntID   uint32 `bitfield:",10"`
	PIntID   uint32 `bitfield:",10"`
	Priority uint8  `bitfield:",8"`
	HW       bool   `bitfield:",1"`
	Group    bool   `bitfield:",1"`
	State    uint8  `bitfield:",3"`
}

func encodeLR(v *VIRQ) (uint64, error) {
	return bitfield.Pack(lrEncoding{
		VIntID:   v.VIntno,
		PIntID:   v.HIntno,
		Priority: v.PR,
		HW:       v.HW,
		Group:    true,
		State:    uint8(v.State),
	}, nil)
}

func decodeLR(word uint64) (lrEncoding, error) {
	var out lrEncoding
	err := bitfield.Unpack(word, &out)
	return out, err
}

// Action is one of the update actions spec.md §4.2 names.
type Action int

const (
	ActionRemove Action = iota
	ActionAdd
	ActionClear
)

// PhysicalIRQClearer clears a physical IRQ's pending bit, the one
// physical-GIC side effect the vIRQ state machine needs (REMOVE on an
// hw vIRQ). Implemented by the physical driver in gic.go.
type PhysicalIRQClearer interface {
	ClearPendingPhysical(hIntno uint32) error
}

func validateNM(n, m uint8) error {
	if n < 1 || n > 16 {
		kernelerr.Panic("vgic: unsupported list register count")
	}
	if m < 5 || m > 7 {
		kernelerr.Panic("vgic: invalid number of priority bits")
	}
	return nil
}

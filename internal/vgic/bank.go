package vgic

import (
	"sync"

	"armvisor/internal/hooks"
	"armvisor/internal/kernelerr"
)

// Bank is the per-vCPU vIRQ bank (spec.md §3 "vIRQ bank (per-vCPU)"):
// the simulated list registers, a bitmap of which list registers are
// occupied, and a FIFO of records waiting for a free register. The
// bank keeps no pool of vIRQ records of its own: callers own each
// VIRQ, and the bank holds pointers only to the queued ones.
type Bank struct {
	mu sync.Mutex

	vcpuID int // identifies this bank to hooks.Run's enter/exit dispatch

	n uint8 // number of list registers this cpu implements, N ∈ [1,16]
	m uint8 // number of active-priority registers, M ∈ [5,7]

	lrs  [16]uint64 // simulated ICH_LR0..15_EL2 contents
	ap0r [7]uint32  // simulated ICH_AP0Rn_EL2, first m entries significant
	ap1r [7]uint32  // simulated ICH_AP1Rn_EL2, first m entries significant
	sre  uint32
	vmcr uint32
	hcr  uint32

	lrBitmap     uint32 // bit i set iff list register i is occupied
	activeCount  uint32 // == popcount(lrBitmap)
	pendingCount uint32
	pendingList  []*VIRQ // FIFO

	clearer PhysicalIRQClearer
}

// Context is the GIC portion of a vCPU's saved state, mirroring
// vmm_vcpu_context's ich_*/icv_* fields in include/core/vcpu.h.
type Context struct {
	LRs  [16]uint64
	AP0R [7]uint32
	AP1R [7]uint32
	SRE  uint32
	VMCR uint32
	HCR  uint32
}

// Control register values State init installs, matching
// gicv3_gicc_init/gicv3_hyp_init: SRE enabled, group-1 interrupts
// unmasked at maximum priority, the virtual interface enabled.
const (
	sreEnabled   = 0x7
	vmcrGroup1   = 1 << 0
	vmcrPriority = 0xff << 24
	hcrEnable    = 1 << 0
)

// NewBank constructs a bank for vcpuID, whose physical CPU implements
// n list registers and m active-priority registers, as read from
// ICH_VTR_EL2 at init. Panics (matching the source's fatal checks) if
// n is outside [1,16] or m outside [5,7].
func NewBank(vcpuID int, n, m uint8, clearer PhysicalIRQClearer) *Bank {
	_ = validateNM(n, m)
	b := &Bank{vcpuID: vcpuID, n: n, m: m, clearer: clearer}
	b.InitContext()
	return b
}

// InitContext resets the control registers to their post-reset state
// (gicv3_state_init): SRE=0x7, VMCR enabling group 1 at the maximum
// priority mask, HCR enabling the virtual interface.
func (b *Bank) InitContext() {
	b.sre = sreEnabled
	b.vmcr = vmcrGroup1 | vmcrPriority
	b.hcr = hcrEnable
}

// ActiveCount and PendingCount expose the bank's bookkeeping counters
// for tests asserting spec.md §3's invariants directly.
func (b *Bank) ActiveCount() uint32 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.activeCount
}

func (b *Bank) PendingCount() uint32 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.pendingCount
}

func (b *Bank) LRBitmap() uint32 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.lrBitmap
}

// Inject implements spec.md §4.2 "Injection": if a list register is
// free, the vIRQ is written there immediately (state PENDING);
// otherwise it is queued on the pending list for the next retirement.
func (b *Bank) Inject(v *VIRQ) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.injectLocked(v)
}

func (b *Bank) injectLocked(v *VIRQ) error {
	if i, ok := b.lowestFreeBit(); ok {
		v.ID = uint16(i)
		v.State = Pending
		if err := b.writeLR(i, v); err != nil {
			return err
		}
		b.lrBitmap |= 1 << i
		b.activeCount++
		return nil
	}
	b.pendingList = append(b.pendingList, v)
	b.pendingCount++
	return nil
}

func (b *Bank) lowestFreeBit() (uint8, bool) {
	for i := uint8(0); i < b.n; i++ {
		if b.lrBitmap&(1<<i) == 0 {
			return i, true
		}
	}
	return 0, false
}

func (b *Bank) writeLR(i uint8, v *VIRQ) error {
	word, err := encodeLR(v)
	if err != nil {
		return kernelerr.Wrap(err, "vgic: encoding list register")
	}
	b.lrs[i] = word
	return nil
}

// Retire implements spec.md §4.2 "Retirement": on guest EOI of the
// vIRQ assigned to list register id, the entry transitions ACTIVE to
// INACTIVE; an hw vIRQ's physical pending bit is cleared; the
// register and bitmap bit are freed; the head of the pending list (if
// any) is moved into the freed slot.
func (b *Bank) Retire(id uint16) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if id >= uint16(b.n) {
		return kernelerr.Wrapf(kernelerr.EINVAL, "vgic: Retire: list register %d out of range", id)
	}
	if b.lrBitmap&(1<<id) == 0 {
		return kernelerr.Wrapf(kernelerr.EINVAL, "vgic: Retire: list register %d not occupied", id)
	}

	lr, err := decodeLR(b.lrs[id])
	if err != nil {
		return kernelerr.Wrap(err, "vgic: decoding list register on retire")
	}
	if lr.HW {
		if b.clearer == nil {
			return kernelerr.Wrap(kernelerr.EPERM, "vgic: Retire: hw vIRQ but no physical IRQ clearer configured")
		}
		if err := b.clearer.ClearPendingPhysical(lr.PIntID); err != nil {
			return kernelerr.Wrap(err, "vgic: clearing physical pending bit")
		}
	}

	b.lrs[id] = 0
	b.lrBitmap &^= 1 << id
	b.activeCount--

	if len(b.pendingList) > 0 {
		next := b.pendingList[0]
		b.pendingList = b.pendingList[1:]
		b.pendingCount--
		next.ID = id
		next.State = Pending
		if err := b.writeLR(uint8(id), next); err != nil {
			return err
		}
		b.lrBitmap |= 1 << id
		b.activeCount++
	}
	return nil
}

// Update implements spec.md §4.2 "Update actions". It operates
// directly on the list register identified by v.ID, the narrower,
// register-level primitive gicv3_update_virq exposes beneath the
// Inject/Retire bookkeeping above.
func (b *Bank) Update(v *VIRQ, action Action) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch action {
	case ActionRemove:
		if v.HW {
			if b.clearer == nil {
				return kernelerr.Wrap(kernelerr.EPERM, "vgic: Update(REMOVE): hw vIRQ but no physical IRQ clearer configured")
			}
			if err := b.clearer.ClearPendingPhysical(v.HIntno); err != nil {
				return kernelerr.Wrap(err, "vgic: clearing physical pending bit")
			}
		}
		fallthrough
	case ActionClear:
		if v.ID < uint16(b.n) {
			b.lrs[v.ID] = 0
		}
		return nil
	case ActionAdd:
		return b.injectLocked(v)
	default:
		return kernelerr.Wrapf(kernelerr.EINVAL, "vgic: unknown update action %d", action)
	}
}

// SaveContext saves the first N list registers, the first M AP0/AP1
// registers, and the guest-visible SRE/VMCR/HCR control registers,
// mirroring gicv3_save_lrs/gicv3_save_aprn's vCPU-swap-out sequence,
// then fires the ExitFromGuest hook (exit_from_guest's do_hooks call)
// now that the bank's state reflects what the guest left behind.
func (b *Bank) SaveContext() Context {
	b.mu.Lock()

	var ctx Context
	for i := uint8(0); i < b.n; i++ {
		ctx.LRs[i] = b.lrs[i]
	}
	for i := uint8(0); i < b.m; i++ {
		ctx.AP0R[i] = b.ap0r[i]
		ctx.AP1R[i] = b.ap1r[i]
	}
	ctx.SRE = b.sre
	ctx.VMCR = b.vmcr
	ctx.HCR = b.hcr
	vcpuID := b.vcpuID
	b.mu.Unlock()

	hooks.Run(hooks.ExitFromGuest, vcpuID)
	return ctx
}

// RestoreContext restores a previously saved context in reverse
// order: control registers first, then priority registers, then list
// registers, mirroring the vCPU-swap-in sequence, then fires the
// EnterToGuest hook (enter_to_guest's do_hooks call) now that the
// bank is primed for the guest it is about to run.
func (b *Bank) RestoreContext(ctx Context) {
	b.mu.Lock()

	b.hcr = ctx.HCR
	b.vmcr = ctx.VMCR
	b.sre = ctx.SRE
	for i := uint8(0); i < b.m; i++ {
		b.ap0r[i] = ctx.AP0R[i]
		b.ap1r[i] = ctx.AP1R[i]
	}
	for i := uint8(0); i < b.n; i++ {
		b.lrs[i] = ctx.LRs[i]
	}
	vcpuID := b.vcpuID
	b.mu.Unlock()

	hooks.Run(hooks.EnterToGuest, vcpuID)
}

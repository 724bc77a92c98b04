package wait

import (
	"time"

	"armvisor/internal/kernelerr"
)

// FlagMode selects how a FlagGroup.Pend call matches its mask against
// the group's current bits (spec.md §4.3 "flag group").
type FlagMode int

const (
	SetAll FlagMode = iota
	SetAny
	ClearAll
	ClearAny
)

func (m FlagMode) matches(bits, mask uint32) bool {
	switch m {
	case SetAll:
		return bits&mask == mask
	case SetAny:
		return bits&mask != 0
	case ClearAll:
		return bits&mask == 0
	case ClearAny:
		return bits&mask != mask
	default:
		return false
	}
}

// FlagGroup is a group of up to 32 event bits (spec.md §4.3 "flag
// group"): Post sets or clears bits and wakes every waiter whose mode
// and mask are now satisfied; Pend blocks until the calling task's own
// condition is met, optionally consuming (clearing) the matched bits
// on the way out.
//
// Grounded on original_source/os/core/flag.c's flag_create/flag_post/
// flag_pend, reimplemented past two bugs spec.md calls out: an
// inverted success check on the group's zalloc call (it would only
// proceed down the "allocation failed" branch), and flag_post's
// wait-list walk returning as soon as it satisfies one waiter instead
// of continuing to check the rest — fixed here via Event.wakeMatching,
// which always walks to completion.
type FlagGroup struct {
	event *Event
	bits  uint32
}

// NewFlagGroup returns a flag group with all bits initially clear.
func NewFlagGroup(name string) *FlagGroup {
	return &FlagGroup{event: NewEvent(KindFlagGroup, name)}
}

// Bits returns the group's current bit pattern.
func (g *FlagGroup) Bits() uint32 {
	g.event.mu.Lock()
	defer g.event.mu.Unlock()
	return g.bits
}

// Post implements flag_post: applies set (ORed in) and clear (ANDed
// out) masks — set is applied before clear, so a bit named in both
// ends clear — then wakes every waiter whose mode/mask pair the
// resulting bits now satisfy (P9).
func (g *FlagGroup) Post(setMask, clearMask uint32) {
	g.event.mu.Lock()
	g.bits = (g.bits | setMask) &^ clearMask
	bits := g.bits

	woken := g.event.wakeMatching(func(t *Task) bool {
		return t.flagMode.matches(bits, t.flagMask)
	})

	// CONSUME clears exactly the bits each woken waiter matched on,
	// applied once per waiter in wake order so an overlapping pair of
	// CONSUME waiters each only claims the bits named in its own mask.
	for _, t := range woken {
		if t.flagConsume {
			g.bits &^= t.flagMask
		}
	}
	final := g.bits
	g.event.mu.Unlock()

	for _, t := range woken {
		t.deliver(final, PendOK)
	}
}

// PostAbort wakes every current waiter with PendAbort, leaving the
// group's bits untouched.
func (g *FlagGroup) PostAbort() int {
	g.event.mu.Lock()
	woken := g.event.wakeAll(PendAbort)
	g.event.mu.Unlock()
	for _, t := range woken {
		t.deliver(nil, PendAbort)
	}
	return len(woken)
}

// Del implements flag_del: DelNoPend fails with EPERM if a task is
// currently waiting; DelAlways wakes every waiter with PendAbort
// regardless. Either way the caller discards the group afterward;
// flag_del's free(grp) has no Go equivalent to model here.
func (g *FlagGroup) Del(opt DelOpt) error {
	woken, err := g.event.del(opt)
	if err != nil {
		return err
	}
	for _, t := range woken {
		t.deliver(nil, PendAbort)
	}
	return nil
}

// Pend implements flag_pend: returns immediately if the group's
// current bits already satisfy (mask, mode); otherwise blocks
// (optionally bounded by timeout, <= 0 meaning forever) until a Post
// satisfies it or PostAbort fires. On a successful wait with consume
// set, the matched bits are cleared before returning.
func (g *FlagGroup) Pend(t *Task, mask uint32, mode FlagMode, consume bool, timeout time.Duration) (uint32, error) {
	if err := requireNonNegative(timeout); err != nil {
		return 0, err
	}
	if mask == 0 {
		return 0, kernelerr.Wrap(kernelerr.EINVAL, "wait: flag group pend with empty mask")
	}

	g.event.mu.Lock()
	if mode.matches(g.bits, mask) {
		if consume {
			g.bits &^= mask
		}
		bits := g.bits
		g.event.mu.Unlock()
		return bits, nil
	}
	t.flagMask = mask
	t.flagMode = mode
	t.flagConsume = consume
	g.event.mu.Unlock()

	result, status := g.event.pend(t, timeout)
	switch status {
	case PendOK:
		return result.(uint32), nil
	case PendTimeout:
		return 0, kernelerr.Wrap(kernelerr.TimeoutErr, "wait: flag group pend timed out")
	default:
		return 0, kernelerr.Wrap(kernelerr.AbortErr, "wait: flag group pend aborted")
	}
}

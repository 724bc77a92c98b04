// Package wait implements the event base and the four wait-aware
// primitives spec.md §4.3 builds on it: mailbox, queue, flag group,
// semaphore, sharing one priority-aware wake-up engine.
//
// Grounded on original_source/os/core/event.c (event base),
// os/core/{mbox,queue,flag,sem}.c (the four primitives) and
// os/include/minos/task.h (task predicates and the realtime/regular
// locking split). Several of those source files contain literal bugs
// — a stray backtick and an `evnet` typo in event.c, an undeclared
// `msg` reference in mbox_accept, queue.c's queue_post_abort calling
// invalid_sem(sem) on an undefined variable, flag.c's inverted
// zalloc-success check and a missing break in flag_post's wait-list
// walk that would abort the walk after the first CLR_ANY match, and
// sem.c's sem_pend referencing an undefined pmsg — all reimplemented
// here from the documented semantics in spec.md §4.3 rather than
// transliterated.
//
// The source's cooperative sched() model is expressed with goroutines
// and channels (spec.md §9's option (b)): a blocked task waits on its
// own wake channel, optionally raced against a timer for the pend
// timeout, rather than a hand-rolled ready/suspended queue scheduler.
package wait

import (
	"sync"

	"armvisor/internal/cpu"
)

// Priority is a task's scheduling priority; lower numbers run first.
type Priority int

// LowestRealtimePriority is OS_LOWEST_PRIO: priorities at or below
// this value are realtime and recorded in an event's bitmap for O(1)
// highest-priority lookup; priorities above it are FIFO-queued.
const LowestRealtimePriority Priority = 63

// PendStatus is the reason a blocked pend call returned.
type PendStatus int

const (
	PendOK PendStatus = iota
	PendTimeout
	PendAbort
)

// realtimeKernelLock is the single kernel-wide lock realtime-priority
// tasks serialize through, mirroring task.h's task_lock macro routing
// realtime tasks to kernel_lock() while regular tasks use their own
// per-task spinlock (see DESIGN.md "Open Questions").
var realtimeKernelLock sync.Mutex

// Task is the minimal scheduling-relevant view of a kernel task the
// wait package needs: its priority class, its current wait state, and
// a channel it blocks on while suspended.
type Task struct {
	mu sync.Mutex

	ID       int
	Priority Priority

	waitEvent  *Event
	msg        interface{}
	pendStatus PendStatus
	wakeCh     chan struct{}

	// flagMask/flagMode/flagConsume describe what this task is
	// waiting for while blocked in FlagGroup.Pend; unused by the
	// other three primitives.
	flagMask    uint32
	flagMode    FlagMode
	flagConsume bool
}

// NewTask creates a task at the given priority, ready to pend on any
// of the four primitives.
func NewTask(id int, priority Priority) *Task {
	return &Task{ID: id, Priority: priority}
}

// IsRealtime reports whether the task's priority falls in the
// realtime range (task.h's is_realtime_task).
func (t *Task) IsRealtime() bool {
	return t.Priority <= LowestRealtimePriority
}

// regularLocksFallBackToKernelLock reports whether a regular-priority
// task should serialize through the single kernel-wide lock instead of
// its own per-task lock. Without LSE atomics (ARMv8.1's CASAL/SWPAL),
// a per-task spinlock is no cheaper than the shared one on this
// platform, so task.h's split collapses to a single lock everywhere —
// mirroring how the teacher's cpu.ARM64.HasATOMICS gate picks between
// an exclusive-access retry loop and a plain atomic op elsewhere in
// the source.
func regularLocksFallBackToKernelLock() bool {
	return !cpu.ARM64.HasATOMICS
}

func (t *Task) lock() {
	if t.IsRealtime() || regularLocksFallBackToKernelLock() {
		realtimeKernelLock.Lock()
		return
	}
	t.mu.Lock()
}

func (t *Task) unlock() {
	if t.IsRealtime() || regularLocksFallBackToKernelLock() {
		realtimeKernelLock.Unlock()
		return
	}
	t.mu.Unlock()
}

// deliver implements event_task_ready: it stores the delivered
// message, sets the final pend-status, clears the back-reference to
// the event, and wakes the task.
func (t *Task) deliver(msg interface{}, status PendStatus) {
	t.lock()
	t.msg = msg
	t.pendStatus = status
	t.waitEvent = nil
	ch := t.wakeCh
	t.unlock()

	if ch != nil {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}

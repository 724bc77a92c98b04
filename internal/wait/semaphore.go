package wait

import (
	"math"
	"time"

	"armvisor/internal/kernelerr"
)

// Semaphore is a counting semaphore (spec.md §4.3 "semaphore"): Post
// hands the resource directly to a waiter when one exists, otherwise
// increments the count; Pend takes a unit from the count if available,
// otherwise blocks.
//
// Grounded on original_source/os/core/sem.c's sem_post/sem_pend/
// sem_pend_abort, reimplemented past sem_pend's reference to an
// undeclared pmsg local — a copy-paste leftover from the mailbox
// primitive sem.c was adapted from; a semaphore pend has no payload to
// deliver, only a pend-status.
type Semaphore struct {
	event *Event
	count uint32
}

// NewSemaphore returns a semaphore with the given initial count.
func NewSemaphore(name string, initial uint32) *Semaphore {
	return &Semaphore{event: NewEvent(KindSemaphore, name), count: initial}
}

// Count returns the semaphore's current count.
func (s *Semaphore) Count() uint32 {
	s.event.mu.Lock()
	defer s.event.mu.Unlock()
	return s.count
}

// Post implements sem_post: wakes the highest-priority waiter directly
// (S6) if one exists, leaving the count unchanged; otherwise
// increments the count. Returns ENOMEM if the count is already at its
// maximum (the count must not wrap).
func (s *Semaphore) Post() error {
	s.event.mu.Lock()
	if t, ok := s.event.wakeOne(); ok {
		s.event.mu.Unlock()
		t.deliver(nil, PendOK)
		return nil
	}
	if s.count == math.MaxUint32 {
		s.event.mu.Unlock()
		return kernelerr.Wrap(kernelerr.ENOMEM, "wait: semaphore count would wrap")
	}
	s.count++
	s.event.mu.Unlock()
	return nil
}

// PostAbort wakes every current waiter with PendAbort, leaving the
// count untouched.
func (s *Semaphore) PostAbort() int {
	s.event.mu.Lock()
	woken := s.event.wakeAll(PendAbort)
	s.event.mu.Unlock()
	for _, t := range woken {
		t.deliver(nil, PendAbort)
	}
	return len(woken)
}

// Del implements sem_del: DelNoPend fails with EPERM if a task is
// currently waiting; DelAlways wakes every waiter with PendAbort
// regardless. Either way the caller discards the semaphore afterward;
// sem_del's free(sem) has no Go equivalent to model here.
func (s *Semaphore) Del(opt DelOpt) error {
	woken, err := s.event.del(opt)
	if err != nil {
		return err
	}
	for _, t := range woken {
		t.deliver(nil, PendAbort)
	}
	return nil
}

// Pend implements sem_pend: takes one unit from the count if
// available, otherwise blocks (optionally bounded by timeout, <= 0
// meaning forever) until a Post or PostAbort.
func (s *Semaphore) Pend(t *Task, timeout time.Duration) error {
	if err := requireNonNegative(timeout); err != nil {
		return err
	}

	s.event.mu.Lock()
	if s.count > 0 {
		s.count--
		s.event.mu.Unlock()
		return nil
	}
	s.event.mu.Unlock()

	_, status := s.event.pend(t, timeout)
	switch status {
	case PendOK:
		return nil
	case PendTimeout:
		return kernelerr.Wrap(kernelerr.TimeoutErr, "wait: semaphore pend timed out")
	default:
		return kernelerr.Wrap(kernelerr.AbortErr, "wait: semaphore pend aborted")
	}
}

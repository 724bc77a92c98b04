package wait

import (
	"time"

	"armvisor/internal/kernelerr"
)

// Mailbox is a single-pointer-payload rendezvous (spec.md §4.3
// "mailbox"): at most one message is ever held pending, and Post
// hands it directly to a waiter instead of storing it whenever a
// waiter is available to take it (P7).
//
// Grounded on original_source/os/core/mbox.c's mbox_post/mbox_pend/
// mbox_accept, reimplemented past mbox_accept's reference to an
// undeclared `msg` local (it meant the mailbox's own pending-message
// field).
type Mailbox struct {
	event   *Event
	pending interface{}
	hasMsg  bool
}

// NewMailbox returns an empty mailbox.
func NewMailbox(name string) *Mailbox {
	return &Mailbox{event: NewEvent(KindMbox, name)}
}

// Post implements mbox_post: if a task is already waiting, the
// message is delivered straight to it and never touches pending (P7);
// otherwise it is stored for the next Pend/Accept. Posting into a
// mailbox that already holds an unclaimed message is rejected with
// ENOSPC rather than silently overwriting it.
func (m *Mailbox) Post(msg interface{}) error {
	m.event.mu.Lock()
	if t, ok := m.event.wakeOne(); ok {
		m.event.mu.Unlock()
		t.deliver(msg, PendOK)
		return nil
	}
	if m.hasMsg {
		m.event.mu.Unlock()
		return kernelerr.Wrap(kernelerr.ENOSPC, "wait: mailbox already holds an unclaimed message")
	}
	m.pending = msg
	m.hasMsg = true
	m.event.mu.Unlock()
	return nil
}

// PostAbort wakes every waiter with PendAbort instead of delivering a
// message, matching mbox_pend_abort's ABORT delivery semantics.
func (m *Mailbox) PostAbort() int {
	m.event.mu.Lock()
	woken := m.event.wakeAll(PendAbort)
	m.event.mu.Unlock()
	for _, t := range woken {
		t.deliver(nil, PendAbort)
	}
	return len(woken)
}

// Pend implements mbox_pend: returns the pending message immediately
// if one is already stored, otherwise blocks (optionally bounded by
// timeout, <= 0 meaning forever) until Post or PostAbort.
func (m *Mailbox) Pend(t *Task, timeout time.Duration) (interface{}, error) {
	if err := requireNonNegative(timeout); err != nil {
		return nil, err
	}

	m.event.mu.Lock()
	if m.hasMsg {
		msg := m.pending
		m.pending = nil
		m.hasMsg = false
		m.event.mu.Unlock()
		return msg, nil
	}
	m.event.mu.Unlock()

	msg, status := m.event.pend(t, timeout)
	switch status {
	case PendOK:
		return msg, nil
	case PendTimeout:
		return nil, kernelerr.Wrap(kernelerr.TimeoutErr, "wait: mailbox pend timed out")
	default:
		return nil, kernelerr.Wrap(kernelerr.AbortErr, "wait: mailbox pend aborted")
	}
}

// Del implements mbox_del: DelNoPend fails with EPERM if a task is
// currently waiting; DelAlways wakes every waiter with PendAbort
// regardless. Either way the caller discards the mailbox afterward;
// mbox_del's free(m) has no Go equivalent to model here.
func (m *Mailbox) Del(opt DelOpt) error {
	woken, err := m.event.del(opt)
	if err != nil {
		return err
	}
	for _, t := range woken {
		t.deliver(nil, PendAbort)
	}
	return nil
}

// Accept implements mbox_accept: a non-blocking poll that returns the
// pending message if present, without ever registering as a waiter.
func (m *Mailbox) Accept() (interface{}, bool) {
	m.event.mu.Lock()
	defer m.event.mu.Unlock()
	if !m.hasMsg {
		return nil, false
	}
	msg := m.pending
	m.pending = nil
	m.hasMsg = false
	return msg, true
}

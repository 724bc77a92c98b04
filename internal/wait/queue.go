package wait

import (
	"time"

	"armvisor/internal/kernelerr"
)

// Queue is a fixed-capacity circular FIFO of messages (spec.md §4.3
// "queue"), supporting tail-post, front-post (priority insertion) and
// broadcast delivery to every current waiter.
//
// Grounded on original_source/os/core/queue.c's queue_post/
// queue_post_front/queue_pend, with queue_post_abort rebuilt from
// scratch: the source's version mixes sem and queue naming (it calls
// invalid_sem on a variable queue_post_abort never declares, meaning
// it cannot have been compiled as checked in) and spec.md flags it
// explicitly as not to be transliterated. The shape used here —
// wake every waiter with an ABORT status, touch no buffered message —
// is lifted from sem.c's sem_pend_abort, the primitive's one other
// "wake everyone without delivering a value" operation.
type Queue struct {
	event *Event

	buf   []interface{}
	head  int
	count int
}

// NewQueue returns an empty queue with the given fixed capacity.
func NewQueue(name string, capacity int) *Queue {
	return &Queue{
		event: NewEvent(KindQueue, name),
		buf:   make([]interface{}, capacity),
	}
}

func (q *Queue) tailIndex() int {
	return (q.head + q.count) % len(q.buf)
}

// Post implements queue_post: delivers directly to the
// highest-priority waiter if one exists, otherwise appends to the
// tail of the buffer. Returns ENOSPC if the buffer is full and nobody
// is waiting.
func (q *Queue) Post(msg interface{}) error {
	q.event.mu.Lock()
	if t, ok := q.event.wakeOne(); ok {
		q.event.mu.Unlock()
		t.deliver(msg, PendOK)
		return nil
	}
	if q.count == len(q.buf) {
		q.event.mu.Unlock()
		return kernelerr.Wrap(kernelerr.ENOSPC, "wait: queue is full")
	}
	q.buf[q.tailIndex()] = msg
	q.count++
	q.event.mu.Unlock()
	return nil
}

// PostFront implements queue_post_front: like Post, but a message that
// cannot be delivered directly is inserted at the head of the buffer
// rather than the tail, so it is the next one a pending task receives.
func (q *Queue) PostFront(msg interface{}) error {
	q.event.mu.Lock()
	if t, ok := q.event.wakeOne(); ok {
		q.event.mu.Unlock()
		t.deliver(msg, PendOK)
		return nil
	}
	if q.count == len(q.buf) {
		q.event.mu.Unlock()
		return kernelerr.Wrap(kernelerr.ENOSPC, "wait: queue is full")
	}
	q.head = (q.head - 1 + len(q.buf)) % len(q.buf)
	q.buf[q.head] = msg
	q.count++
	q.event.mu.Unlock()
	return nil
}

// Broadcast delivers msg to every task currently waiting on the
// queue, without touching the buffer. It returns the number of tasks
// woken.
func (q *Queue) Broadcast(msg interface{}) int {
	q.event.mu.Lock()
	woken := q.event.wakeAll(PendOK)
	q.event.mu.Unlock()
	for _, t := range woken {
		t.deliver(msg, PendOK)
	}
	return len(woken)
}

// PostAbort wakes every current waiter with PendAbort and leaves the
// buffer untouched, for queue teardown.
func (q *Queue) PostAbort() int {
	q.event.mu.Lock()
	woken := q.event.wakeAll(PendAbort)
	q.event.mu.Unlock()
	for _, t := range woken {
		t.deliver(nil, PendAbort)
	}
	return len(woken)
}

// Pend implements queue_pend: pops the head message if the buffer is
// non-empty, otherwise blocks (optionally bounded by timeout, <= 0
// meaning forever) until a Post, PostFront, Broadcast or PostAbort.
func (q *Queue) Pend(t *Task, timeout time.Duration) (interface{}, error) {
	if err := requireNonNegative(timeout); err != nil {
		return nil, err
	}

	q.event.mu.Lock()
	if q.count > 0 {
		msg := q.buf[q.head]
		q.buf[q.head] = nil
		q.head = (q.head + 1) % len(q.buf)
		q.count--
		q.event.mu.Unlock()
		return msg, nil
	}
	q.event.mu.Unlock()

	msg, status := q.event.pend(t, timeout)
	switch status {
	case PendOK:
		return msg, nil
	case PendTimeout:
		return nil, kernelerr.Wrap(kernelerr.TimeoutErr, "wait: queue pend timed out")
	default:
		return nil, kernelerr.Wrap(kernelerr.AbortErr, "wait: queue pend aborted")
	}
}

// Del implements queue_del: DelNoPend fails with EPERM if a task is
// currently waiting; DelAlways wakes every waiter with PendAbort
// regardless. Either way the caller discards the queue afterward;
// queue_del's queue_free has no Go equivalent to model here.
func (q *Queue) Del(opt DelOpt) error {
	woken, err := q.event.del(opt)
	if err != nil {
		return err
	}
	for _, t := range woken {
		t.deliver(nil, PendAbort)
	}
	return nil
}

// Len reports how many messages are currently buffered.
func (q *Queue) Len() int {
	q.event.mu.Lock()
	defer q.event.mu.Unlock()
	return q.count
}

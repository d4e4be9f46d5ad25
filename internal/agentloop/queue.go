package agentloop

import (
	"context"
	"sync"
)

// ItemStatus is a QueueItem's lifecycle state.
type ItemStatus int

const (
	StatusPending ItemStatus = iota
	StatusRunning
	StatusCancelled
)

// QueueItem is one user-submitted input waiting to become a Turn. Grounded
// on the teacher's original Python MessageQueue.QueueItem
// (ui/shell/queue.py), translated from asyncio.Lock+deque to a
// sync.Mutex-guarded slice.
type QueueItem struct {
	ID     int
	Input  string
	Status ItemStatus
}

// Queue is the Agent Loop's FIFO input queue (spec §4.G): users can submit
// new input while a Turn is still running; Enqueue/Dequeue/Promote/Cancel/
// Clear/PendingCount give the Slash-Command Layer and UI the same control
// surface the teacher's MessageQueue exposes.
type Queue struct {
	mu        sync.Mutex
	items     []*QueueItem
	idCounter int
	notify    chan struct{}
}

// NewQueue returns an empty Queue.
func NewQueue() *Queue {
	return &Queue{notify: make(chan struct{})}
}

// Enqueue appends a new pending item and returns it.
func (q *Queue) Enqueue(input string) *QueueItem {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.idCounter++
	item := &QueueItem{ID: q.idCounter, Input: input, Status: StatusPending}
	q.items = append(q.items, item)
	close(q.notify)
	q.notify = make(chan struct{})
	return item
}

// Dequeue removes and returns the first pending item, skipping any
// cancelled items in front of it, marking it Running. Returns nil if no
// pending item remains.
func (q *Queue) Dequeue() *QueueItem {
	q.mu.Lock()
	defer q.mu.Unlock()
	for len(q.items) > 0 {
		item := q.items[0]
		q.items = q.items[1:]
		if item.Status == StatusPending {
			item.Status = StatusRunning
			return item
		}
	}
	return nil
}

// Promote moves the pending item with the given id to the front of the
// queue. Returns false if no such pending item exists.
func (q *Queue) Promote(id int) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	for i, item := range q.items {
		if item.ID == id && item.Status == StatusPending {
			q.items = append(q.items[:i], q.items[i+1:]...)
			q.items = append([]*QueueItem{item}, q.items...)
			return true
		}
	}
	return false
}

// Cancel marks the pending item with the given id Cancelled in place (it
// stays in the queue until a subsequent Dequeue skips and drops it). Returns false if no
// such pending item exists.
func (q *Queue) Cancel(id int) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, item := range q.items {
		if item.ID == id && item.Status == StatusPending {
			item.Status = StatusCancelled
			return true
		}
	}
	return false
}

// Clear cancels every pending item and returns how many were cancelled.
func (q *Queue) Clear() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	n := 0
	for _, item := range q.items {
		if item.Status == StatusPending {
			item.Status = StatusCancelled
			n++
		}
	}
	q.items = nil
	return n
}

// PendingCount returns the number of pending (not yet dequeued, not
// cancelled) items.
func (q *Queue) PendingCount() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	n := 0
	for _, item := range q.items {
		if item.Status == StatusPending {
			n++
		}
	}
	return n
}

// WaitForNewItem blocks until Enqueue is called at least once after this
// call started, or ctx is cancelled. It never blocks on an item already
// pending when called — callers should Dequeue first and only wait on an
// empty result.
func (q *Queue) WaitForNewItem(ctx context.Context) error {
	q.mu.Lock()
	ch := q.notify
	q.mu.Unlock()
	select {
	case <-ch:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

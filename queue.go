package msgnet

import "sync"

// Queue is a mutex-guarded double-ended queue.
// Push operations wake any goroutine blocked in Wait.
//
// A Queue must not be copied after first use.
type Queue[E any] struct {
	mu   sync.Mutex
	cond *sync.Cond

	buf  []E // ring buffer, len(buf) is the capacity
	head int
	n    int
}

const minQueueCap = 16

func (q *Queue[E]) lazyInit() {
	if q.cond == nil {
		q.cond = sync.NewCond(&q.mu)
	}
}

// grow doubles the ring, unwrapping it so head becomes 0.
// Caller holds q.mu.
func (q *Queue[E]) grow() {
	size := max(len(q.buf)*2, minQueueCap)
	buf := make([]E, size)
	for i := 0; i < q.n; i++ {
		buf[i] = q.buf[(q.head+i)%len(q.buf)]
	}
	q.buf = buf
	q.head = 0
}

// PushBack adds item to the back of the queue.
func (q *Queue[E]) PushBack(item E) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.lazyInit()

	if q.n == len(q.buf) {
		q.grow()
	}
	q.buf[(q.head+q.n)%len(q.buf)] = item
	q.n++

	q.cond.Broadcast()
}

// PushFront adds item to the front of the queue.
func (q *Queue[E]) PushFront(item E) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.lazyInit()

	if q.n == len(q.buf) {
		q.grow()
	}
	q.head = (q.head - 1 + len(q.buf)) % len(q.buf)
	q.buf[q.head] = item
	q.n++

	q.cond.Broadcast()
}

// PopFront removes and returns the front item.
// ok is false if the queue is empty.
func (q *Queue[E]) PopFront() (item E, ok bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.n == 0 {
		return item, false
	}

	var zero E
	item = q.buf[q.head]
	q.buf[q.head] = zero
	q.head = (q.head + 1) % len(q.buf)
	q.n--
	return item, true
}

// PopBack removes and returns the back item.
// ok is false if the queue is empty.
func (q *Queue[E]) PopBack() (item E, ok bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.n == 0 {
		return item, false
	}

	var zero E
	i := (q.head + q.n - 1) % len(q.buf)
	item = q.buf[i]
	q.buf[i] = zero
	q.n--
	return item, true
}

// Front returns the front item without removing it.
func (q *Queue[E]) Front() (item E, ok bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.n == 0 {
		return item, false
	}
	return q.buf[q.head], true
}

// Back returns the back item without removing it.
func (q *Queue[E]) Back() (item E, ok bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.n == 0 {
		return item, false
	}
	return q.buf[(q.head+q.n-1)%len(q.buf)], true
}

// Empty reports whether the queue holds no items.
func (q *Queue[E]) Empty() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.n == 0
}

// Count returns the number of queued items.
func (q *Queue[E]) Count() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.n
}

// Clear drops every queued item.
func (q *Queue[E]) Clear() {
	q.mu.Lock()
	defer q.mu.Unlock()

	clear(q.buf)
	q.head = 0
	q.n = 0
}

// Wait blocks until the queue is non-empty.
func (q *Queue[E]) Wait() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.lazyInit()

	for q.n == 0 {
		q.cond.Wait()
	}
}

// pushBackIfEmpty appends item and reports whether the queue was empty
// beforehand, as one atomic step.
func (q *Queue[E]) pushBackIfEmpty(item E) (wasEmpty bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.lazyInit()

	wasEmpty = q.n == 0
	if q.n == len(q.buf) {
		q.grow()
	}
	q.buf[(q.head+q.n)%len(q.buf)] = item
	q.n++

	q.cond.Broadcast()
	return wasEmpty
}

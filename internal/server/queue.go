package server

import (
	"sync"
)

// frameQueue is an unbounded FIFO of outbound frames. The read loop
// pushes, the session's write loop pops; the ring doubles when it
// reaches 70% of capacity so a slow reader never blocks the producer.
type frameQueue struct {
	mu       sync.Mutex
	cond     *sync.Cond
	buf      [][]byte
	head     int
	tail     int
	count    int
	capacity int
	closed   bool
}

func newFrameQueue(initialCapacity int) *frameQueue {
	if initialCapacity < 1 {
		initialCapacity = 1
	}
	q := &frameQueue{
		buf:      make([][]byte, initialCapacity),
		capacity: initialCapacity,
	}
	q.cond = sync.NewCond(&q.mu)
	return q
}

// push appends a frame. Returns false once the queue is closed.
func (q *frameQueue) push(frame []byte) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return false
	}

	threshold := (q.capacity * 70) / 100
	if threshold < 1 {
		threshold = 1
	}
	if q.count+1 >= threshold {
		q.grow()
	}

	q.buf[q.tail] = frame
	q.tail = (q.tail + 1) % q.capacity
	q.count++

	q.cond.Signal()
	return true
}

// pop blocks until a frame is available or the queue is closed and
// drained. Returns nil, false on the latter.
func (q *frameQueue) pop() ([]byte, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	for q.count == 0 && !q.closed {
		q.cond.Wait()
	}

	if q.count == 0 && q.closed {
		return nil, false
	}

	frame := q.buf[q.head]
	q.buf[q.head] = nil
	q.head = (q.head + 1) % q.capacity
	q.count--

	return frame, true
}

// close stops further pushes and wakes any blocked pop. Frames already
// queued can still be drained.
func (q *frameQueue) close() {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.closed = true
	q.cond.Broadcast()
}

func (q *frameQueue) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.count
}

// grow doubles the capacity. Caller holds q.mu.
func (q *frameQueue) grow() {
	newCapacity := q.capacity * 2
	newBuf := make([][]byte, newCapacity)

	if q.count > 0 {
		if q.head < q.tail {
			copy(newBuf, q.buf[q.head:q.tail])
		} else {
			n := copy(newBuf, q.buf[q.head:])
			copy(newBuf[n:], q.buf[:q.tail])
		}
	}

	q.buf = newBuf
	q.head = 0
	q.tail = q.count
	q.capacity = newCapacity
}

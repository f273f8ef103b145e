package sqsh

import (
	"runtime"
	"sync"
)

// writeQueue hands pending writes from the client to the writer goroutine.
// push blocks while the queue is full, pop blocks while it is empty and
// reports false once finish has been called and the queue drained. Items
// are popped in push order so payloads reach the image in enqueue order.
type writeQueue struct {
	ch   chan pendingWrite
	once sync.Once
}

func newWriteQueue() *writeQueue {
	capacity := runtime.NumCPU() + 2
	if capacity < 6 {
		capacity = 6
	}
	return &writeQueue{ch: make(chan pendingWrite, capacity)}
}

func (q *writeQueue) push(p pendingWrite) {
	q.ch <- p
}

func (q *writeQueue) pop() (pendingWrite, bool) {
	p, ok := <-q.ch
	return p, ok
}

// finish marks the end of input. Idempotent.
func (q *writeQueue) finish() {
	q.once.Do(func() { close(q.ch) })
}

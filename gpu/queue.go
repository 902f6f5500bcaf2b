package gpu

import (
	"sync"

	"github.com/cockroachdb/errors"
)

// ErrClosed is returned when submitting to a stopped queue or renderer.
var ErrClosed = errors.New("render queue closed")

// Queue is a bounded multi-producer single-consumer command queue.
// Commands pushed by one producer are popped in the order they were
// pushed.
type Queue struct {
	ch        chan Command
	done      chan struct{}
	closeOnce sync.Once
}

// NewQueue creates a queue holding at most capacity commands.
func NewQueue(capacity int) *Queue {
	if capacity <= 0 {
		capacity = 1
	}
	return &Queue{
		ch:   make(chan Command, capacity),
		done: make(chan struct{}),
	}
}

// Push appends cmd, blocking while the queue is full. A command pushed
// concurrently with Close may be dropped.
func (q *Queue) Push(cmd Command) error {
	select {
	case <-q.done:
		return ErrClosed
	default:
	}

	select {
	case q.ch <- cmd:
		return nil
	case <-q.done:
		return ErrClosed
	}
}

// PopBatch blocks until at least one command is available, then fills buf
// with as many queued commands as fit without blocking again. It returns 0
// once the queue is closed and drained.
func (q *Queue) PopBatch(buf []Command) int {
	if len(buf) == 0 {
		return 0
	}

	select {
	case buf[0] = <-q.ch:
	case <-q.done:
		return q.drain(buf)
	}

	n := 1
	for n < len(buf) {
		select {
		case buf[n] = <-q.ch:
			n++
		default:
			return n
		}
	}
	return n
}

func (q *Queue) drain(buf []Command) int {
	n := 0
	for n < len(buf) {
		select {
		case buf[n] = <-q.ch:
			n++
		default:
			return n
		}
	}
	return n
}

// Close stops accepting commands. Queued commands can still be popped.
func (q *Queue) Close() {
	q.closeOnce.Do(func() {
		close(q.done)
	})
}

// Len returns the number of queued commands.
func (q *Queue) Len() int {
	return len(q.ch)
}

// Cap returns the capacity.
func (q *Queue) Cap() int {
	return cap(q.ch)
}

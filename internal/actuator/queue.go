package actuator

import (
	"context"
	"sync"
)

type commandKind int

const (
	commandOpen commandKind = iota
	commandQuery
)

type commandResult struct {
	on  bool
	err error
}

type command struct {
	kind   commandKind
	ctx    context.Context
	req    Request
	result chan commandResult
}

// commandQueue is a depth-bounded FIFO with a single consumer.
type commandQueue struct {
	mu       sync.Mutex
	notEmpty *sync.Cond
	closed   bool

	maxDepth int
	items    []*command
}

func newCommandQueue(maxDepth int) *commandQueue {
	q := &commandQueue{maxDepth: maxDepth}
	q.notEmpty = sync.NewCond(&q.mu)
	return q
}

// Enqueue appends cmd without blocking.
func (q *commandQueue) Enqueue(cmd *command) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return ErrClosed
	}
	if q.maxDepth > 0 && len(q.items) >= q.maxDepth {
		return ErrQueueFull
	}
	q.items = append(q.items, cmd)
	q.notEmpty.Signal()
	return nil
}

// Dequeue blocks until a command is available or the queue is closed and
// drained.
func (q *commandQueue) Dequeue() (*command, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for len(q.items) == 0 && !q.closed {
		q.notEmpty.Wait()
	}
	if len(q.items) == 0 {
		return nil, false
	}
	cmd := q.items[0]
	q.items[0] = nil
	q.items = q.items[1:]
	return cmd, true
}

func (q *commandQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Close rejects further commands and fails the ones still queued.
func (q *commandQueue) Close() {
	q.mu.Lock()
	q.closed = true
	pending := q.items
	q.items = nil
	q.mu.Unlock()
	q.notEmpty.Broadcast()

	for _, cmd := range pending {
		cmd.result <- commandResult{err: ErrClosed}
	}
}

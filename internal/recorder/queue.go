package recorder

import "sync"

// opQueue is a bounded FIFO feeding the writer goroutine. Overflow removes
// the oldest droppable record; flight open/close and flush ops are never
// discarded, they may exceed the bound briefly.
type opQueue struct {
	mu     sync.Mutex
	cond   *sync.Cond
	ops    []writeOp
	depth  int
	closed bool
}

func newOpQueue(depth int) *opQueue {
	if depth <= 0 {
		depth = 128
	}
	q := &opQueue{depth: depth}
	q.cond = sync.NewCond(&q.mu)
	return q
}

// push appends op and returns how many records were dropped to make room.
func (q *opQueue) push(op writeOp) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		if op.flush != nil {
			close(op.flush)
		}
		return 0
	}
	dropped := 0
	if len(q.ops) >= q.depth {
		for i, old := range q.ops {
			if old.droppable() {
				q.ops = append(q.ops[:i], q.ops[i+1:]...)
				dropped = 1
				break
			}
		}
	}
	q.ops = append(q.ops, op)
	q.cond.Signal()
	return dropped
}

// pop blocks until an op is available. It returns false once the queue is
// shut down and fully drained.
func (q *opQueue) pop() (writeOp, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for len(q.ops) == 0 && !q.closed {
		q.cond.Wait()
	}
	if len(q.ops) == 0 {
		return writeOp{}, false
	}
	op := q.ops[0]
	q.ops = q.ops[1:]
	return op, true
}

// shutdown stops accepting ops; pending ones remain poppable.
func (q *opQueue) shutdown() {
	q.mu.Lock()
	q.closed = true
	q.cond.Broadcast()
	q.mu.Unlock()
}

func (q *opQueue) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.ops)
}

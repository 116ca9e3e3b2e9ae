package fiber

// Queue is the fiber-ready queue: a FIFO of zero-argument thunks
// produced by SpawnFiber and drained one at a time by the memoizer's
// stir loop.
type Queue struct {
	ready []func()
}

// NewQueue returns an empty fiber-ready queue.
func NewQueue() *Queue { return &Queue{} }

// SpawnFiber enqueues k to run the next time the stir loop drains a
// fiber.
func (q *Queue) SpawnFiber(k func()) {
	q.ready = append(q.ready, k)
}

// RunOne runs and removes the oldest queued fiber, reporting whether
// there was one to run.
func (q *Queue) RunOne() bool {
	if len(q.ready) == 0 {
		return false
	}
	k := q.ready[0]
	q.ready[0] = nil
	q.ready = q.ready[1:]
	k()
	return true
}

// Idle reports whether the queue is empty.
func (q *Queue) Idle() bool { return len(q.ready) == 0 }

// Len reports the number of fibers currently queued.
func (q *Queue) Len() int { return len(q.ready) }

package walletlink

// readyQueue holds continuations waiting for a readiness condition
// (connected, linked). Continuations run in registration order once the
// condition holds; none is ever replaced or dropped. Teardown runs them
// with an error instead. Not safe for concurrent use; the Connection
// mutex guards it.
type readyQueue struct {
	ready    bool
	draining bool
	waiters  []func(error)
}

// add registers fn and reports whether the caller should run it now.
// While a drain is in progress fn is queued behind earlier waiters.
func (q *readyQueue) add(fn func(error)) bool {
	if q.ready && !q.draining {
		return true
	}

	q.waiters = append(q.waiters, fn)

	return false
}

// open marks the condition true and starts a drain.
func (q *readyQueue) open() {
	q.ready = true
	q.draining = true
}

// close marks the condition false. Queued waiters stay queued.
func (q *readyQueue) close() {
	q.ready = false
}

// take returns the next batch to run, ending the drain when empty or
// when the condition no longer holds.
func (q *readyQueue) take() []func(error) {
	if !q.ready {
		q.draining = false
		return nil
	}

	w := q.waiters
	q.waiters = nil

	if len(w) == 0 {
		q.draining = false
	}

	return w
}

// fail empties the queue for teardown.
func (q *readyQueue) fail() []func(error) {
	w := q.waiters
	q.waiters = nil
	q.ready = false
	q.draining = false

	return w
}

func (q *readyQueue) len() int {
	return len(q.waiters)
}

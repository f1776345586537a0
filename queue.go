package sshchan

import "sync"

// serialQueue runs submitted operations one at a time, first-in first-out. It is the execution
// context of a session: every channel read burst and write runs on the session's queue, so I/O on
// one session never interleaves mid-operation.
//
// A queue may be suspended; operations submitted while suspended wait until resume. Once closed,
// a queue runs whatever is still pending (so completions fire and observe the closed state) and
// rejects further submissions.
type serialQueue struct {
	mu        sync.Mutex
	ops       []func()
	suspended bool
	closed    bool
	running   bool
}

func newSerialQueue(suspended bool) *serialQueue {
	return &serialQueue{suspended: suspended}
}

// submit enqueues op. Returns false if the queue is closed, in which case op will never run.
func (q *serialQueue) submit(op func()) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return false
	}
	q.ops = append(q.ops, op)
	q.kick()
	return true
}

func (q *serialQueue) resume() {
	q.mu.Lock()
	q.suspended = false
	q.kick()
	q.mu.Unlock()
}

// close drains the queue and rejects future submissions. It is safe to call close multiple times
// and from within a running operation.
func (q *serialQueue) close() {
	q.mu.Lock()
	q.closed, q.suspended = true, false
	q.kick()
	q.mu.Unlock()
}

// kick starts the worker routine if there is work and none is running. Must be called with q.mu
// held.
func (q *serialQueue) kick() {
	if q.running || q.suspended || len(q.ops) == 0 {
		return
	}
	q.running = true
	go q.work()
}

func (q *serialQueue) work() {
	for {
		q.mu.Lock()
		if q.suspended || len(q.ops) == 0 {
			q.running = false
			q.mu.Unlock()
			return
		}
		op := q.ops[0]
		q.ops[0] = nil
		q.ops = q.ops[1:]
		q.mu.Unlock()

		op()
	}
}

package proc

import "sort"

// thread is the tracer's view of one traced thread.
type thread struct {
	// stopped is true while the thread waits to be resumed.
	stopped bool
	// sig is delivered on the next resume.
	sig int
	// fresh is true until the initial SIGSTOP of a new thread is seen.
	fresh bool
}

// ThreadSet is the set of threads alive and traced.
type ThreadSet struct {
	m      map[int]*thread
	parked map[int]bool
	peak   int
}

func newThreadSet(pid int) *ThreadSet {
	ts := &ThreadSet{m: make(map[int]*thread), parked: make(map[int]bool)}
	ts.m[pid] = &thread{stopped: true}
	ts.peak = 1
	return ts
}

// Len returns the number of threads in the set.
func (ts *ThreadSet) Len() int {
	return len(ts.m)
}

// Peak returns the largest size the set reached.
func (ts *ThreadSet) Peak() int {
	return ts.peak
}

// Contains returns true if tid is traced.
func (ts *ThreadSet) Contains(tid int) bool {
	_, ok := ts.m[tid]
	return ok
}

// Tids returns the traced thread ids in ascending order.
func (ts *ThreadSet) Tids() []int {
	r := make([]int, 0, len(ts.m))
	for tid := range ts.m {
		r = append(r, tid)
	}
	sort.Ints(r)
	return r
}

// seed tracks a thread that is already stopped, like the other threads of
// an attached process.
func (ts *ThreadSet) seed(tid int) {
	if _, ok := ts.m[tid]; ok {
		return
	}
	ts.m[tid] = &thread{stopped: true}
	if len(ts.m) > ts.peak {
		ts.peak = len(ts.m)
	}
}

// add tracks a thread announced by a clone event. If its initial stop was
// already parked the thread is ready to be resumed.
func (ts *ThreadSet) add(tid int) {
	th := &thread{fresh: true}
	if ts.parked[tid] {
		delete(ts.parked, tid)
		th.fresh = false
		th.stopped = true
	}
	ts.m[tid] = th
	if len(ts.m) > ts.peak {
		ts.peak = len(ts.m)
	}
}

func (ts *ThreadSet) remove(tid int) {
	delete(ts.m, tid)
}

func (ts *ThreadSet) get(tid int) *thread {
	return ts.m[tid]
}

// park records the initial stop of a thread whose clone event has not been
// seen yet.
func (ts *ThreadSet) park(tid int) {
	ts.parked[tid] = true
}

func (ts *ThreadSet) stop(tid, sig int) {
	if th := ts.m[tid]; th != nil {
		th.stopped = true
		th.sig = sig
	}
}

// stoppedTids returns the threads waiting to be resumed in ascending order.
func (ts *ThreadSet) stoppedTids() []int {
	var r []int
	for _, tid := range ts.Tids() {
		if ts.m[tid].stopped {
			r = append(r, tid)
		}
	}
	return r
}

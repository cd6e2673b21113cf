package opengse

import (
	"sync"
	"time"
)

// Timer is a pending callback owned by a timerQueue.
//
// Timers are ordered by (when, seq); seq only breaks ties between timers
// that share a deadline, so the earlier Schedule call always fires first.
type Timer struct {
	when int64
	seq  uint64
	fn   func()
	// conn is closed by the reactor when fn panics.
	conn *Conn
	// index in timerQueue.items, -1 once fired or cancelled.
	index int
}

// Deadline returns the wall clock time the timer fires at.
func (t *Timer) Deadline() time.Time {
	return absoluteToUTC(t.when)
}

func (t *Timer) less(o *Timer) bool {
	if t.when != o.when {
		return t.when < o.when
	}
	return t.seq < o.seq
}

// timerQueue is a 4-ary min-heap of timers.
type timerQueue struct {
	mu    sync.Mutex
	items []*Timer
	seq   uint64
}

func badTimerHeap() {
	panic("BUG: timer heap corruption")
}

// push inserts a timer firing at when and reports whether it became the earliest.
func (q *timerQueue) push(when int64, fn func(), c *Conn) (t *Timer, first bool) {
	q.mu.Lock()
	q.seq++
	t = &Timer{when: when, seq: q.seq, fn: fn, conn: c, index: len(q.items)}
	q.items = append(q.items, t)
	q.siftUp(t.index)
	first = q.items[0] == t
	q.mu.Unlock()
	return
}

// remove cancels t; it is a no-op for timers that already fired.
func (q *timerQueue) remove(t *Timer) bool {
	if t == nil {
		return false
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	i := t.index
	if i < 0 || i >= len(q.items) || q.items[i] != t {
		return false
	}
	q.deleteAt(i)
	return true
}

// next returns the earliest deadline, or ok=false for an empty queue.
func (q *timerQueue) next() (when int64, ok bool) {
	q.mu.Lock()
	if len(q.items) > 0 {
		when, ok = q.items[0].when, true
	}
	q.mu.Unlock()
	return
}

// popExpired appends every timer whose deadline is not after now to dst,
// earliest first, and removes them from the queue.
func (q *timerQueue) popExpired(dst []*Timer, now int64) []*Timer {
	q.mu.Lock()
	for len(q.items) > 0 && q.items[0].when <= now {
		t := q.items[0]
		q.deleteAt(0)
		dst = append(dst, t)
	}
	q.mu.Unlock()
	return dst
}

func (q *timerQueue) len() int {
	q.mu.Lock()
	n := len(q.items)
	q.mu.Unlock()
	return n
}

func (q *timerQueue) deleteAt(i int) {
	last := len(q.items) - 1
	t := q.items[i]
	if i != last {
		q.items[i] = q.items[last]
		q.items[i].index = i
	}
	q.items[last] = nil
	q.items = q.items[:last]
	t.index = -1
	if i < last {
		q.siftDown(q.siftUp(i))
	}
}

func (q *timerQueue) siftUp(i int) int {
	items := q.items
	if i >= len(items) {
		badTimerHeap()
	}
	tmp := items[i]
	for i > 0 {
		p := (i - 1) / 4 // parent
		if !tmp.less(items[p]) {
			break
		}
		items[i] = items[p]
		items[i].index = i
		i = p
	}
	items[i] = tmp
	tmp.index = i
	return i
}

func (q *timerQueue) siftDown(i int) {
	items := q.items
	n := len(items)
	if i >= n {
		badTimerHeap()
	}
	tmp := items[i]
	for {
		c := i*4 + 1 // left child
		if c >= n {
			break
		}
		m := c
		for j := c + 1; j < c+4 && j < n; j++ {
			if items[j].less(items[m]) {
				m = j
			}
		}
		if !items[m].less(tmp) {
			break
		}
		items[i] = items[m]
		items[i].index = i
		i = m
	}
	items[i] = tmp
	tmp.index = i
}

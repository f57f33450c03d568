package eventloop

import (
	"container/heap"
	"time"
)

// Timer is a delayed task created by Loop.AfterFunc.
type Timer struct {
	loop  *Loop
	when  time.Time
	fn    func()
	index int
}

// Stop cancels the timer. It reports whether the timer was still pending;
// false means it already fired or was stopped before.
func (t *Timer) Stop() bool {
	if t == nil {
		return false
	}

	l := t.loop
	l.mu.Lock()
	defer l.mu.Unlock()

	if t.index < 0 {
		return false
	}
	heap.Remove(&l.timers, t.index)
	return true
}

// timerHeap orders timers by deadline.
type timerHeap []*Timer

func (h timerHeap) Len() int           { return len(h) }
func (h timerHeap) Less(i, j int) bool { return h[i].when.Before(h[j].when) }

func (h timerHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *timerHeap) Push(x any) {
	t := x.(*Timer)
	t.index = len(*h)
	*h = append(*h, t)
}

func (h *timerHeap) Pop() any {
	old := *h
	n := len(old)
	t := old[n-1]
	old[n-1] = nil
	t.index = -1
	*h = old[:n-1]
	return t
}

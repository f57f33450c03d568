// Package eventloop provides a cooperative, caller-driven event loop.
//
// A Loop never runs application code on its own goroutine. Tasks queued with
// Post, delayed tasks scheduled with AfterFunc and the completions of blocking
// work started with Go are all executed by whichever goroutine calls Poll or
// Run. Blocking work itself (a socket read, a DNS lookup) runs on a helper
// goroutine that only hands its result back to the loop.
//
//	l := eventloop.New()
//	l.AfterFunc(time.Second, func() { fmt.Println("tick") })
//	l.Run() // returns once the timer has fired and nothing else is pending
package eventloop

import (
	"container/heap"
	"sync"
	"time"

	"github.com/eapache/queue"
)

// Loop is a single-consumer task scheduler. Post, Go, AfterFunc and Stop are
// safe to call from any goroutine; Poll and Run must be called from one
// goroutine at a time.
type Loop struct {
	mu       sync.Mutex
	ready    *queue.Queue
	timers   timerHeap
	inflight int
	stopReq  bool
	wake     chan struct{}
}

// New returns an empty loop.
func New() *Loop {
	return &Loop{
		ready: queue.New(),
		wake:  make(chan struct{}, 1),
	}
}

// Post queues fn to run on the loop goroutine during the next Poll or Run.
func (l *Loop) Post(fn func()) {
	if fn == nil {
		return
	}
	l.mu.Lock()
	l.ready.Add(fn)
	l.mu.Unlock()
	l.signal()
}

// Go runs work on a helper goroutine. The function returned by work, if not
// nil, is queued on the loop as the completion. Pending work counts as
// outstanding, so Run keeps blocking until it has completed.
func (l *Loop) Go(work func() func()) {
	l.mu.Lock()
	l.inflight++
	l.mu.Unlock()

	go func() {
		done := work()

		l.mu.Lock()
		l.inflight--
		if done != nil {
			l.ready.Add(done)
		}
		l.mu.Unlock()
		l.signal()
	}()
}

// AfterFunc schedules fn to run on the loop goroutine once d has elapsed.
func (l *Loop) AfterFunc(d time.Duration, fn func()) *Timer {
	t := &Timer{
		loop:  l,
		when:  time.Now().Add(d),
		fn:    fn,
		index: -1,
	}

	l.mu.Lock()
	heap.Push(&l.timers, t)
	l.mu.Unlock()
	l.signal()

	return t
}

// Poll runs every task that is ready now, including due timers, without
// blocking. It returns the number of tasks executed.
func (l *Loop) Poll() int {
	return l.runReady()
}

// Run executes tasks until Stop is called or no work is left: no queued tasks,
// no pending timers and no outstanding Go work. It returns the number of tasks
// executed.
func (l *Loop) Run() int {
	n := 0
	for {
		n += l.runReady()

		l.mu.Lock()
		if l.stopReq || l.idleLocked() {
			l.mu.Unlock()
			return n
		}

		var (
			timer *time.Timer
			due   <-chan time.Time
		)
		if len(l.timers) > 0 {
			timer = time.NewTimer(time.Until(l.timers[0].when))
			due = timer.C
		}
		l.mu.Unlock()

		select {
		case <-l.wake:
		case <-due:
		}
		if timer != nil {
			timer.Stop()
		}
	}
}

// Stop makes Run return as soon as the current task finishes. Subsequent Poll
// and Run calls return immediately until Restart is called.
func (l *Loop) Stop() {
	l.mu.Lock()
	l.stopReq = true
	l.mu.Unlock()
	l.signal()
}

// Restart clears a previous Stop.
func (l *Loop) Restart() {
	l.mu.Lock()
	l.stopReq = false
	l.mu.Unlock()
}

// Stopped reports whether Stop was called or the loop has run out of work.
func (l *Loop) Stopped() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.stopReq || l.idleLocked()
}

func (l *Loop) runReady() int {
	n := 0
	for {
		fn := l.next(time.Now())
		if fn == nil {
			return n
		}
		fn()
		n++
	}
}

// next pops the next runnable task: queued tasks first, then due timers.
func (l *Loop) next(now time.Time) func() {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.stopReq {
		return nil
	}
	if l.ready.Length() > 0 {
		return l.ready.Remove().(func())
	}
	if len(l.timers) > 0 && !l.timers[0].when.After(now) {
		t := heap.Pop(&l.timers).(*Timer)
		return t.fn
	}
	return nil
}

func (l *Loop) idleLocked() bool {
	return l.ready.Length() == 0 && len(l.timers) == 0 && l.inflight == 0
}

func (l *Loop) signal() {
	select {
	case l.wake <- struct{}{}:
	default:
	}
}

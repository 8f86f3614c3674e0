// Copyright 2018 Johan Lindh. All rights reserved.
// Use of this source code is governed by the MIT license, see the LICENSE file.

package frontdoor

import (
	"fmt"
	"runtime"
	"sync"
	"sync/atomic"
)

// Loop is a cooperative single-goroutine executor. Every object belonging
// to a connection is only touched from tasks running on its Loop.
type Loop struct {
	ID      int
	mu      sync.Mutex // guards queue and closed
	queue   []func()
	closed  bool
	wake    chan struct{}
	done    chan struct{}
	running int32
}

// NewLoop returns a Loop that is not yet running.
func NewLoop(id int) *Loop {
	return &Loop{
		ID:   id,
		wake: make(chan struct{}, 1),
		done: make(chan struct{}),
	}
}

func (l *Loop) String() string {
	return fmt.Sprintf("[Loop %d]", l.ID)
}

// Post schedules fn to run on the Loop. It never blocks and may be called
// from any goroutine, including from a task on the Loop itself. It returns
// false if the Loop has been closed.
func (l *Loop) Post(fn func()) bool {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return false
	}
	l.queue = append(l.queue, fn)
	l.mu.Unlock()
	select {
	case l.wake <- struct{}{}:
	default:
	}
	return true
}

// Sync runs fn on the Loop and waits for it to finish.
// It must not be called from the Loop itself.
func (l *Loop) Sync(fn func()) bool {
	ch := make(chan struct{})
	if !l.Post(func() {
		defer close(ch)
		fn()
	}) {
		return false
	}
	<-ch
	return true
}

// Run executes posted tasks in order until Close is called and the
// queue has drained.
func (l *Loop) Run() {
	if !atomic.CompareAndSwapInt32(&l.running, 0, 1) {
		panic(fmt.Sprint("loop already running: ", l))
	}
	defer close(l.done)
	var batch []func()
	for {
		l.mu.Lock()
		batch, l.queue = l.queue, batch[:0]
		closed := l.closed
		l.mu.Unlock()
		if len(batch) == 0 {
			if closed {
				return
			}
			<-l.wake
			continue
		}
		for i, fn := range batch {
			batch[i] = nil
			fn()
		}
	}
}

// Start runs the Loop on a new goroutine.
func (l *Loop) Start() {
	go l.Run()
}

// Close stops accepting new tasks. Already queued tasks still run.
func (l *Loop) Close() {
	l.mu.Lock()
	l.closed = true
	l.mu.Unlock()
	select {
	case l.wake <- struct{}{}:
	default:
	}
}

// Done returns a channel closed when Run has returned.
func (l *Loop) Done() <-chan struct{} {
	return l.done
}

// LoopPool is a fixed set of Loops. Connections are spread over them.
type LoopPool struct {
	loops []*Loop
	next  uint32
}

// NewLoopPool creates and starts n Loops. If n < 1, GOMAXPROCS is used.
func NewLoopPool(n int) *LoopPool {
	if n < 1 {
		n = runtime.GOMAXPROCS(0)
	}
	lp := &LoopPool{loops: make([]*Loop, n)}
	for i := range lp.loops {
		lp.loops[i] = NewLoop(i)
		lp.loops[i].Start()
	}
	return lp
}

// Len returns the number of Loops.
func (lp *LoopPool) Len() int {
	return len(lp.loops)
}

// Loop returns the i'th Loop.
func (lp *LoopPool) Loop(i int) *Loop {
	return lp.loops[i%len(lp.loops)]
}

// Next returns Loops in round-robin order.
func (lp *LoopPool) Next() *Loop {
	n := atomic.AddUint32(&lp.next, 1)
	return lp.loops[int(n-1)%len(lp.loops)]
}

// Close closes all Loops and waits for them to drain.
func (lp *LoopPool) Close() {
	for _, l := range lp.loops {
		l.Close()
	}
	for _, l := range lp.loops {
		<-l.Done()
	}
}

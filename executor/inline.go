package executor

import (
	"sync"
	"sync/atomic"
)

// Inline is a single-threaded Executor: exactly one worker goroutine drains
// a FIFO task queue, so completions never run concurrently with one another.
// Dispatch called from that worker goroutine runs inline; called from any
// other goroutine it behaves like Post.
type Inline struct {
	tasks   chan Task
	runnerID atomic.Uint64
	closed  chan struct{}
	once    sync.Once
	wg      sync.WaitGroup
}

// NewInline creates and starts a single-threaded Executor.
func NewInline() *Inline {
	e := &Inline{
		tasks:  make(chan Task, 256),
		closed: make(chan struct{}),
	}
	e.wg.Add(1)
	go e.run()
	return e
}

func (e *Inline) run() {
	defer e.wg.Done()
	e.runnerID.Store(goroutineID())
	for {
		select {
		case t := <-e.tasks:
			t()
		case <-e.closed:
			// Drain whatever is already queued before exiting.
			for {
				select {
				case t := <-e.tasks:
					t()
				default:
					return
				}
			}
		}
	}
}

func (e *Inline) Post(task Task) {
	select {
	case e.tasks <- task:
	case <-e.closed:
	}
}

func (e *Inline) Dispatch(task Task) {
	if e.runnerID.Load() == goroutineID() {
		task()
		return
	}
	e.Post(task)
}

func (e *Inline) IsMultithreaded() bool { return false }

// MakeStrand returns a passthrough Strand: the Inline executor already
// serializes everything, so the strand adds no further synchronization.
func (e *Inline) MakeStrand() *Strand {
	return newPassthroughStrand(e)
}

func (e *Inline) Close() {
	e.once.Do(func() { close(e.closed) })
	e.wg.Wait()
}

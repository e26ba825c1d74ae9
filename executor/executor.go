// Package executor abstracts the asynchronous completion driver that the
// session package runs on. It models exactly the two primitives spec.md
// requires: Post (always defer) and Dispatch (run inline if already on the
// target serializer, else defer), plus a factory for Strands that serialize
// access for a multithreaded Executor.
package executor

// Task is a unit of work submitted to an Executor or Strand.
type Task func()

// Executor drives asynchronous completions. It may be multithreaded (tasks
// may run concurrently on different goroutines) or single-threaded (tasks
// never run concurrently with one another).
type Executor interface {
	// Post always defers task to run later, never inline with the caller.
	Post(task Task)

	// Dispatch runs task inline if the calling goroutine is already "on"
	// this executor (for single-threaded executors, that is always true
	// once the executor's run loop has started the call; multithreaded
	// executors never consider any goroutine to be "on" the executor
	// itself — only a Strand tracks that), otherwise it behaves like Post.
	Dispatch(task Task)

	// IsMultithreaded reports whether completions may run concurrently on
	// more than one goroutine.
	IsMultithreaded() bool

	// MakeStrand returns a serializer appropriate for this executor: a real
	// FIFO strand for a multithreaded executor, or a passthrough wrapper for
	// a single-threaded one (the executor already serializes everything).
	MakeStrand() *Strand

	// Close stops accepting new Post/Dispatch calls and waits for
	// already-submitted tasks to finish running.
	Close()
}

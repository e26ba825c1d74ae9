package session

import "github.com/brightforge/netcore/executor"

// Serializer is whatever guarantees per-session mutual exclusion of
// callbacks and scheduler-routed tasks (spec.md §4.1, GLOSSARY). Both
// *executor.Strand and any executor.Executor satisfy it; a session is
// constructed with a strand when its server's executor is multithreaded,
// and with the bare executor when it is single-threaded (spec.md §4.1: "if
// single-threaded, the executor itself serves as the serializer").
type Serializer interface {
	Post(executor.Task)
	Dispatch(executor.Task)
}

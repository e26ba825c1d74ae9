// Package shutdown provides a base for objects with a clean, exactly-once,
// asynchronous teardown sequence: server.Server and server.Client embed a
// Helper rather than re-implement this bookkeeping. Sessions do not embed
// it; they run their own disconnect sequence on their serializer.
package shutdown

import (
	"context"
	"sync"

	"github.com/brightforge/netcore/internal/xlog"
)

// OnceShutdownHandler is implemented by the object a Helper manages.
type OnceShutdownHandler interface {
	// HandleOnceShutdown is called exactly once, in its own goroutine, to
	// perform the actual teardown. completionErr is an advisory completion
	// value; the returned error becomes the final completion status.
	HandleOnceShutdown(completionErr error) error
}

// AsyncShutdowner is the public async-shutdown contract objects expose.
type AsyncShutdowner interface {
	StartShutdown(completionErr error)
	ShutdownDoneChan() <-chan struct{}
	IsDoneShutdown() bool
	WaitShutdown() error
}

// Helper implements AsyncShutdowner and the activate/pause/resume protocol
// used to avoid racing shutdown against in-progress construction.
type Helper struct {
	Logger xlog.Logger

	mu sync.Mutex

	handler OnceShutdownHandler

	pauseCount  int
	activated   bool
	scheduled   bool
	started     bool
	done        bool
	err         error

	startedChan       chan struct{}
	handlerDoneChan   chan struct{}
	doneChan          chan struct{}

	wg sync.WaitGroup
}

// Init initializes a Helper in place. Must be called before any other method.
func (h *Helper) Init(logger xlog.Logger, handler OnceShutdownHandler) {
	h.Logger = logger
	h.handler = handler
	h.startedChan = make(chan struct{})
	h.handlerDoneChan = make(chan struct{})
	h.doneChan = make(chan struct{})
}

func (h *Helper) asyncRun() {
	close(h.startedChan)
	go func() {
		h.err = h.handler.HandleOnceShutdown(h.err)
		close(h.handlerDoneChan)
		h.wg.Wait()
		h.mu.Lock()
		h.done = true
		h.mu.Unlock()
		close(h.doneChan)
	}()
}

// PauseShutdown increments the pause count, delaying the start of shutdown
// even after it has been scheduled. Returns an error if shutdown already
// started. Every successful PauseShutdown must be matched by ResumeShutdown.
func (h *Helper) PauseShutdown() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.started {
		return h.Logger.Errorf("shutdown already started; cannot pause")
	}
	h.pauseCount++
	return nil
}

// ResumeShutdown decrements the pause count, starting shutdown if it has
// already been scheduled and the count reaches zero.
func (h *Helper) ResumeShutdown() {
	h.mu.Lock()
	if h.pauseCount < 1 {
		h.mu.Unlock()
		panic("ResumeShutdown called without a matching PauseShutdown")
	}
	h.pauseCount--
	run := h.pauseCount == 0 && h.scheduled && !h.started
	if run {
		h.started = true
	}
	h.mu.Unlock()
	if run {
		h.asyncRun()
	}
}

// Activate marks the object as activated. No-op if already activated; fails
// if shutdown has already started.
func (h *Helper) Activate() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.activated {
		return nil
	}
	if h.started {
		return h.Logger.Errorf("cannot activate; shutdown already initiated")
	}
	h.activated = true
	return nil
}

// DoOnceActivate pauses shutdown, invokes activate, then resumes shutdown. If
// activate returns an error, shutdown is started with that error instead of
// activating.
func (h *Helper) DoOnceActivate(activate func() error) error {
	h.mu.Lock()
	if h.activated {
		h.mu.Unlock()
		return nil
	}
	if h.started {
		h.mu.Unlock()
		return h.Logger.Errorf("shutdown already started; cannot activate")
	}
	h.pauseCount++
	h.mu.Unlock()

	err := activate()
	if err == nil {
		err = h.Activate()
	}
	if err != nil {
		h.StartShutdown(err)
	}
	h.ResumeShutdown()
	return err
}

// ShutdownOnContext begins shutting down with ctx.Err() if ctx completes
// before shutdown otherwise starts.
func (h *Helper) ShutdownOnContext(ctx context.Context) {
	go func() {
		select {
		case <-h.startedChan:
		case <-ctx.Done():
			h.StartShutdown(ctx.Err())
		}
	}()
}

// StartShutdown schedules shutdown; a no-op if already scheduled.
func (h *Helper) StartShutdown(completionErr error) {
	var run bool
	h.mu.Lock()
	if !h.scheduled {
		h.err = completionErr
		h.scheduled = true
		run = h.pauseCount == 0
		h.started = run
	}
	h.mu.Unlock()
	if run {
		h.asyncRun()
	}
}

// ShutdownDoneChan returns a channel closed once shutdown is fully complete.
func (h *Helper) ShutdownDoneChan() <-chan struct{} { return h.doneChan }

// ShutdownStartedChan returns a channel closed once shutdown has begun.
func (h *Helper) ShutdownStartedChan() <-chan struct{} { return h.startedChan }

// ShutdownHandlerDoneChan returns a channel closed once HandleOnceShutdown
// has returned, before children are waited on.
func (h *Helper) ShutdownHandlerDoneChan() <-chan struct{} { return h.handlerDoneChan }

// IsDoneShutdown reports whether shutdown has fully completed.
func (h *Helper) IsDoneShutdown() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.done
}

// IsStartedShutdown reports whether shutdown has begun.
func (h *Helper) IsStartedShutdown() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.started
}

// WaitShutdown blocks until shutdown completes and returns the final status.
func (h *Helper) WaitShutdown() error {
	<-h.doneChan
	return h.err
}

// Shutdown starts shutdown (if not already started) and waits for it.
func (h *Helper) Shutdown(completionErr error) error {
	h.StartShutdown(completionErr)
	return h.WaitShutdown()
}

// ShutdownWG exposes a WaitGroup callers can Add to, delaying completion of
// shutdown until the added work calls Done.
func (h *Helper) ShutdownWG() *sync.WaitGroup { return &h.wg }

// AddShutdownChild arranges for child to be shut down once this Helper's own
// HandleOnceShutdown has returned, and waits for the child before this
// Helper's own shutdown is considered complete.
func (h *Helper) AddShutdownChild(child AsyncShutdowner) {
	h.wg.Add(1)
	go func() {
		select {
		case <-child.ShutdownDoneChan():
		case <-h.handlerDoneChan:
			child.StartShutdown(h.err)
			child.WaitShutdown()
		}
		h.wg.Done()
	}()
}

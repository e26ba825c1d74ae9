package httpclient

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"
)

// Result is the outcome SendRequest resolves a pending request with.
type Result struct {
	Response *http.Response
	Err      error
}

// ErrRequestInFlight is returned when SendRequest is called while a
// previous request on the same ClientEx has not yet resolved: the "Ex"
// variant ties exactly one in-flight request to its result slot (spec.md
// §4.5).
var ErrRequestInFlight = fmt.Errorf("httpclient: a request is already in flight")

// ClientEx wraps Client and ties a single in-flight request to a result
// slot with a deadline timer: on a matching response, resolve with the
// response; on timer expiry or disconnect, resolve with an error and
// disconnect the session (spec.md §4.5, exactly).
type ClientEx struct {
	*Client

	mu       sync.Mutex
	resultCh chan Result
	timer    *time.Timer
}

// NewClientEx constructs a ClientEx. If parser is nil, a StdParser is used.
func NewClientEx(parser ResponseParser) *ClientEx {
	c := &ClientEx{Client: NewClient(parser)}
	c.Client.ResponseHandler = c.onResponse
	c.Client.DisconnectedHandler = c.onDisconnected
	c.Client.ErrorHandler = c.onError
	return c
}

// SendRequest serializes and sends req, then blocks until a response
// arrives, the deadline elapses, or the session disconnects — whichever
// happens first. timeout <= 0 means no deadline.
func (c *ClientEx) SendRequest(req *http.Request, timeout time.Duration) (*http.Response, error) {
	c.mu.Lock()
	if c.resultCh != nil {
		c.mu.Unlock()
		return nil, ErrRequestInFlight
	}
	resultCh := make(chan Result, 1)
	c.resultCh = resultCh
	if timeout > 0 {
		c.timer = time.AfterFunc(timeout, func() {
			c.resolve(Result{Err: context.DeadlineExceeded})
			c.sess.Disconnect(true)
		})
	}
	c.mu.Unlock()

	if _, err := c.Client.SendRequest(req); err != nil {
		c.resolve(Result{Err: err})
	}

	res := <-resultCh
	c.mu.Lock()
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
	c.mu.Unlock()
	return res.Response, res.Err
}

func (c *ClientEx) onResponse(resp *http.Response) {
	c.resolve(Result{Response: resp})
}

func (c *ClientEx) onDisconnected() {
	c.resolve(Result{Err: fmt.Errorf("httpclient: session disconnected before response")})
}

func (c *ClientEx) onError(err error) {
	c.resolve(Result{Err: err})
}

// resolve delivers r to the currently pending request, if any. A second
// resolve (e.g. OnError immediately followed by OnDisconnected) is a no-op.
func (c *ClientEx) resolve(r Result) {
	c.mu.Lock()
	ch := c.resultCh
	c.resultCh = nil
	c.mu.Unlock()
	if ch != nil {
		ch <- r
	}
}

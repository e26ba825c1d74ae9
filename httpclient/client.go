// Package httpclient implements the HTTP/HTTPS client shim of spec.md
// §4.5: a thin layer over a TCP or TLS session that serializes requests and
// feeds received bytes through a pluggable response parser.
package httpclient

import (
	"bytes"
	"net/http"

	"github.com/brightforge/netcore/session"
)

// StreamSession is the subset of *session.TCPSession / *session.TLSSession
// Client needs. Both satisfy it directly; a Client is agnostic to which one
// it is wrapping, matching spec.md §4.5's "wraps a TCP or TLS session."
type StreamSession interface {
	ID() session.ID
	IsHandshaked() bool
	Send(buf []byte) int
	SendAsync(buf []byte) bool
	Disconnect(dispatch bool) bool
}

// Client is a session.Handler that turns a raw session into an HTTP
// request/response shim. Construct it, set the callback fields, then pass
// it as the Handler when constructing the underlying session, and call
// Attach once the session exists.
type Client struct {
	session.NopHandler

	sess   StreamSession
	parser ResponseParser

	// ConnectedHandler, ResponseHeaderHandler, ResponseHandler, ErrorHandler
	// and DisconnectedHandler are optional user callbacks. ConnectedHandler,
	// DisconnectedHandler, and ErrorHandler for session errors and Feed
	// failures run on the session's serializer. ResponseHeaderHandler runs
	// on the default parser's background goroutine, and ResponseHandler (and
	// ErrorHandler for a terminal parse error) run on the Client's
	// drainResponses goroutine, not on the serializer.
	ConnectedHandler      func()
	ResponseHeaderHandler func(*http.Response)
	ResponseHandler       func(*http.Response)
	ErrorHandler          func(error)
	DisconnectedHandler   func()
}

// NewClient constructs a Client. If parser is nil, a StdParser is used.
func NewClient(parser ResponseParser) *Client {
	c := &Client{}
	if parser == nil {
		parser = NewStdParser(func(resp *http.Response) {
			if c.ResponseHeaderHandler != nil {
				c.ResponseHeaderHandler(resp)
			}
		})
	}
	c.parser = parser
	go c.drainResponses()
	return c
}

// drainResponses runs for the lifetime of the Client, delivering each
// response the parser completes to ResponseHandler as soon as it is ready
// — decoupled from whichever OnReceived call supplied the bytes that
// completed it, since a response's body may finish arriving well after
// the Feed call that started it.
func (c *Client) drainResponses() {
	for pr := range c.parser.Responses() {
		if pr.Err != nil {
			if c.ErrorHandler != nil {
				c.ErrorHandler(pr.Err)
			}
			return
		}
		if c.ResponseHandler != nil {
			c.ResponseHandler(pr.Resp)
		}
	}
}

// Attach binds the session this Client shims. Call before sess.Connect().
func (c *Client) Attach(sess StreamSession) { c.sess = sess }

// SendRequest synchronously serializes req and appends it to the session's
// send-main buffer (spec.md §4.5: "synchronously writes the request's
// serialized byte cache"). Returns the resulting send-main size.
func (c *Client) SendRequest(req *http.Request) (int, error) {
	var buf bytes.Buffer
	if err := req.Write(&buf); err != nil {
		return 0, err
	}
	return c.sess.Send(buf.Bytes()), nil
}

// SendRequestAsync is SendRequest but always posts rather than dispatching
// inline (spec.md §4.5: "SendRequestAsync enqueues it").
func (c *Client) SendRequestAsync(req *http.Request) (bool, error) {
	var buf bytes.Buffer
	if err := req.Write(&buf); err != nil {
		return false, err
	}
	return c.sess.SendAsync(buf.Bytes()), nil
}

func (c *Client) OnConnected() {
	if c.ConnectedHandler != nil {
		c.ConnectedHandler()
	}
}

func (c *Client) OnReceived(p []byte) {
	if err := c.parser.Feed(p); err != nil && c.ErrorHandler != nil {
		c.ErrorHandler(err)
	}
}

func (c *Client) OnDisconnected() {
	if c.DisconnectedHandler != nil {
		c.DisconnectedHandler()
	}
}

func (c *Client) OnError(err error) {
	if c.ErrorHandler != nil {
		c.ErrorHandler(err)
	}
}

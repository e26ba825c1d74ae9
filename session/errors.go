package session

import (
	"crypto/tls"
	"errors"
	"io"
	"net"
	"strings"
	"syscall"
)

// classification is the error taxonomy from spec.md §7.
type classification int

const (
	// classBenign errors trigger shutdown silently: no onError callback.
	classBenign classification = iota
	// classFatal errors trigger shutdown and are reported via onError,
	// unless they also match the suppression list in spec.md §6.
	classFatal
)

// suppressedSubstrings holds the exact suppression set named in spec.md §6:
// "transport connection-aborted/refused/reset, end-of-stream,
// operation-aborted, TLS stream-truncated, and the TLS reason codes
// 'decryption failed or bad record MAC', 'protocol is shutdown', 'wrong
// version number'". These are matched against the error's message because
// Go's net and crypto/tls packages do not expose all of them as distinct
// sentinel values.
var suppressedSubstrings = []string{
	"connection reset",
	"connection aborted",
	"connection refused",
	"use of closed network connection",
	"broken pipe",
	"decryption failed or bad record mac",
	"protocol is shutdown",
	"wrong version number",
}

// classify decides whether err should terminate the session silently
// (classBenign) or be surfaced via onError before shutdown (classFatal).
func classify(err error) classification {
	if err == nil {
		return classBenign
	}
	// io.ErrUnexpectedEOF is what crypto/tls's atLeastReader.Read returns
	// when a peer closes the underlying TCP connection without sending a
	// TLS close_notify first — the actual "TLS stream-truncated" case
	// spec.md §6 names as benign.
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, net.ErrClosed) {
		return classBenign
	}
	if errors.Is(err, syscall.ECONNRESET) || errors.Is(err, syscall.ECONNABORTED) ||
		errors.Is(err, syscall.ECONNREFUSED) || errors.Is(err, syscall.EPIPE) {
		return classBenign
	}
	// tls.RecordHeaderError is a different failure mode (a malformed record
	// header encountered while parsing, not a truncated stream) but is
	// still transport/TLS-protocol-benign per spec.md §6.
	var tlsTrunc tls.RecordHeaderError
	if errors.As(err, &tlsTrunc) {
		return classBenign
	}
	msg := strings.ToLower(err.Error())
	for _, s := range suppressedSubstrings {
		if strings.Contains(msg, s) {
			return classBenign
		}
	}
	return classFatal
}

// isOperationAborted reports whether err is the "operation was cancelled
// because the socket was closed out from under it" case spec.md §5 and §7
// describe: it must never reach onError and must not trigger any further
// I/O to be scheduled.
func isOperationAborted(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, net.ErrClosed) {
		return true
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return errors.Is(opErr.Err, net.ErrClosed)
	}
	return false
}

// ErrNotHandshaked is returned by UDPEndpoint.Send/SendTo when the endpoint
// is not connected. TCPSession/TLSSession.Send do not return an error in
// that case; they return 0 without queueing anything.
var ErrNotHandshaked = errors.New("session: not handshaked")

// ErrClosed names the condition of a session that has transitioned to
// Closed. None of this package's operations return it.
var ErrClosed = errors.New("session: closed")

// ErrEmptyBuffer names the argument error spec.md §7 describes for a null
// buffer or zero-size Send. The Send variants reject such a buffer
// synchronously with no state change but do not return this value:
// TCPSession/TLSSession.Send returns 0, SendAsync returns false, and
// UDPEndpoint.SendTo returns (0, nil).
var ErrEmptyBuffer = errors.New("session: empty buffer")

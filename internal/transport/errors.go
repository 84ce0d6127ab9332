package transport

import "errors"

// ErrNotConnected indicates an operation was attempted without an
// established connection. Callers must re-check connection state after any
// failed operation before reusing the transport.
var ErrNotConnected = errors.New("transport not connected")

// ErrCancelled indicates an in-flight streaming operation was cancelled at
// a chunk boundary. Cancellation is cooperative, not an error condition the
// user needs to see.
var ErrCancelled = errors.New("transfer cancelled")

// ErrProtocol indicates a malformed response from the peer. Protocol errors
// are not retryable: the peer is speaking something we do not understand.
var ErrProtocol = errors.New("protocol error")

// ErrLocalIO indicates the local filesystem failed while a stream was in
// flight. The connection may have been torn down to discard the unread
// remainder, but the fault is the local disk, not the link.
var ErrLocalIO = errors.New("local i/o error")

// IsCancelled reports whether err is (or wraps) a cancellation.
func IsCancelled(err error) bool {
	return errors.Is(err, ErrCancelled)
}

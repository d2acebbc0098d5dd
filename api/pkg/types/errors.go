package types

import (
	"errors"
	"fmt"
	"time"
)

// ErrNotSupported is the sentinel behind NotSupportedError so callers can use
// errors.Is without caring which backend produced the error.
var ErrNotSupported = errors.New("not supported by this backend")

// ErrNoBackend is returned by the facade layers when no backend is attached.
var ErrNoBackend = errors.New("no backend attached")

// ConnectionError means the transport itself is down: connect refused, socket
// closed mid-request. Callers may disconnect and rebuild the client.
type ConnectionError struct {
	Op  string
	Err error
}

func (e *ConnectionError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: connection error: %s", e.Op, e.Err)
	}
	return fmt.Sprintf("%s: connection error", e.Op)
}

func (e *ConnectionError) Unwrap() error { return e.Err }

// ProtocolError means the wire reply was well-formed but indicates failure:
// a GDB "E.." reply, a QMP error object, a bad greeting. Not retryable.
type ProtocolError struct {
	Op    string
	Class string
	Desc  string
}

func (e *ProtocolError) Error() string {
	if e.Class != "" {
		return fmt.Sprintf("%s: protocol error %s: %s", e.Op, e.Class, e.Desc)
	}
	return fmt.Sprintf("%s: protocol error: %s", e.Op, e.Desc)
}

// TimeoutError means the wire stayed silent past the deadline. The transport
// is left intact; the caller decides whether to disconnect.
type TimeoutError struct {
	Op      string
	Timeout time.Duration
}

func (e *TimeoutError) Error() string {
	if e.Timeout > 0 {
		return fmt.Sprintf("%s: timed out after %s", e.Op, e.Timeout)
	}
	return fmt.Sprintf("%s: timed out", e.Op)
}

// NotSupportedError names a primitive the selected backend cannot serve.
type NotSupportedError struct {
	Backend string
	Op      string
}

func (e *NotSupportedError) Error() string {
	return fmt.Sprintf("%s: not supported by the %s backend", e.Op, e.Backend)
}

func (e *NotSupportedError) Is(target error) bool { return target == ErrNotSupported }

// ArgumentError covers bad address literals, missing config fields and bad
// request bodies. Mapped to 400 over HTTP and to the error frame over
// WebSocket.
type ArgumentError struct {
	Field  string
	Reason string
}

func (e *ArgumentError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("bad argument %s: %s", e.Field, e.Reason)
	}
	return fmt.Sprintf("bad argument: %s", e.Reason)
}

// Package tlsengine defines the wrap/unwrap TLS engine driven by the TLS
// filter, and a provider backed by crypto/tls.
package tlsengine

import (
	"crypto/tls"
	"fmt"
)

// Status is the outcome of a single Wrap or Unwrap.
type Status int

const (
	StatusOK Status = iota
	// StatusBufferUnderflow means the input did not hold a complete record.
	StatusBufferUnderflow
	// StatusBufferOverflow means the output could not hold the result.
	StatusBufferOverflow
	// StatusClosed means the engine will not produce more data in that direction.
	StatusClosed
)

func (s Status) String() string {
	switch s {
	case StatusOK:
		return "OK"
	case StatusBufferUnderflow:
		return "BUFFER_UNDERFLOW"
	case StatusBufferOverflow:
		return "BUFFER_OVERFLOW"
	case StatusClosed:
		return "CLOSED"
	}
	return fmt.Sprintf("Status(%d)", int(s))
}

// HandshakeStatus tells the driver what the engine needs next.
type HandshakeStatus int

const (
	NotHandshaking HandshakeStatus = iota
	NeedWrap
	NeedUnwrap
	NeedTask
	Finished
)

func (s HandshakeStatus) String() string {
	switch s {
	case NotHandshaking:
		return "NOT_HANDSHAKING"
	case NeedWrap:
		return "NEED_WRAP"
	case NeedUnwrap:
		return "NEED_UNWRAP"
	case NeedTask:
		return "NEED_TASK"
	case Finished:
		return "FINISHED"
	}
	return fmt.Sprintf("HandshakeStatus(%d)", int(s))
}

// Result describes a Wrap or Unwrap call.
type Result struct {
	Status          Status
	HandshakeStatus HandshakeStatus
	Consumed        int
	Produced        int
}

// Engine is a client-side TLS state machine with no I/O of its own.
//
// Wrap turns plaintext (or nothing, during a handshake) into records to send.
// Unwrap consumes received records and returns any plaintext they carried.
// Bytes not consumed by Unwrap must be presented again with more data.
type Engine interface {
	BeginHandshake() error
	HandshakeStatus() HandshakeStatus
	Wrap(src []byte) ([]byte, Result, error)
	Unwrap(src []byte) ([]byte, Result, error)
	// RunTask performs delegated work. It reports a handshake failure if
	// one occurred.
	RunTask() error
	// CloseOutbound queues a close_notify; the next Wrap returns it.
	CloseOutbound()
	ConnectionState() tls.ConnectionState
	// Close releases the engine. It does not produce any output.
	Close()
}

// Provider creates an engine per connection.
type Provider interface {
	NewEngine(host string, port int) (Engine, error)
}

// HostnameVerifier decides whether the peer of a completed handshake is
// acceptable for host.
type HostnameVerifier func(host string, state tls.ConnectionState) bool

package transport

import "context"

// Conn is a blocking byte connection. Read and Write may be called from
// different goroutines; Close unblocks both.
type Conn interface {
	// Connect establishes a connection to the specified host and port
	Connect(host string, port int) error

	// Write sends data over the connection
	// Returns the number of bytes written
	Write(buf []byte) (int, error)

	// Read receives data from the connection
	// Returns the number of bytes read
	Read(buf []byte) (int, error)

	// Close closes the connection and releases its resources
	Close() error
}

// ContextConnector is implemented by conns whose connect can be abandoned
// through a context.
type ContextConnector interface {
	ConnectContext(ctx context.Context, host string, port int) error
}

// Dialer creates a fresh, unconnected Conn.
type Dialer func() (Conn, error)

// Handler receives the events of a Transport. Callbacks arrive on transport
// goroutines; implementations hand them off rather than doing work inline.
type Handler interface {
	OnConnect()
	OnData(p []byte)
	OnClosed()
	OnError(err error)
}

// Transport is the non-blocking byte transport underneath a connection.
//
// At most one Write is outstanding at a time. done is invoked exactly once
// per Write. After Close no further Handler callbacks are made.
type Transport interface {
	Connect(ctx context.Context, host string, port int, h Handler)
	Write(p []byte, done func(error))
	Close() error
}

// Factory creates one Transport per connection.
type Factory func() Transport

package transport

import (
	"bytes"
	"context"
	"errors"
	"sync"

	"github.com/hashicorp/go-hclog"

	httperrors "github.com/PetrJanouch/jersey/errors"
)

const defaultReadBufferSize = 2048

// StreamTransport turns a blocking Conn into a Transport. The connect runs on
// its own goroutine, which then becomes the read loop; each Write runs on a
// goroutine of its own.
type StreamTransport struct {
	dial    Dialer
	bufSize int
	logger  hclog.Logger

	mu      sync.Mutex
	conn    Conn
	handler Handler
	started bool
	closed  bool
}

// NewStreamTransport creates a transport that obtains its Conn from dial and
// reads with a buffer of bufSize bytes.
func NewStreamTransport(dial Dialer, bufSize int, logger hclog.Logger) *StreamTransport {
	if bufSize <= 0 {
		bufSize = defaultReadBufferSize
	}
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	return &StreamTransport{dial: dial, bufSize: bufSize, logger: logger}
}

// Connect starts connecting to host:port. Exactly one of h.OnConnect or
// h.OnError follows, unless the transport is closed first.
func (t *StreamTransport) Connect(ctx context.Context, host string, port int, h Handler) {
	t.mu.Lock()
	if t.started || t.closed {
		t.mu.Unlock()
		h.OnError(httperrors.NewIllegalStateError("transport already used"))
		return
	}
	t.started = true
	t.handler = h
	t.mu.Unlock()

	go t.run(ctx, host, port)
}

func (t *StreamTransport) run(ctx context.Context, host string, port int) {
	conn, err := t.connect(ctx, host, port)

	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		if conn != nil {
			conn.Close()
		}
		return
	}
	if err != nil {
		t.mu.Unlock()
		t.logger.Debug("connect failed", "host", host, "port", port, "error", err)
		t.handler.OnError(err)
		return
	}
	t.conn = conn
	t.mu.Unlock()

	t.handler.OnConnect()
	t.readLoop(conn)
}

func (t *StreamTransport) connect(ctx context.Context, host string, port int) (Conn, error) {
	conn, err := t.dial()
	if err != nil {
		return nil, err
	}

	if cc, ok := conn.(ContextConnector); ok {
		err = cc.ConnectContext(ctx, host, port)
	} else {
		err = conn.Connect(host, port)
	}
	if err == nil && ctx.Err() != nil {
		err = httperrors.NewTransportError(httperrors.TransportErrorSocketConnectFailure, "connect abandoned", ctx.Err())
	}
	if err != nil {
		conn.Close()
		return nil, err
	}
	return conn, nil
}

func (t *StreamTransport) readLoop(conn Conn) {
	buf := make([]byte, t.bufSize)
	for {
		n, err := conn.Read(buf)
		if n > 0 && t.open() {
			t.handler.OnData(bytes.Clone(buf[:n]))
		}
		if err == nil {
			continue
		}
		if !t.open() {
			return
		}
		if errors.Is(err, httperrors.ErrConnectionClosed) {
			t.handler.OnClosed()
		} else {
			t.handler.OnError(err)
		}
		return
	}
}

func (t *StreamTransport) open() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return !t.closed
}

// Write sends p in full and then calls done.
func (t *StreamTransport) Write(p []byte, done func(error)) {
	t.mu.Lock()
	conn, closed := t.conn, t.closed
	t.mu.Unlock()

	if closed {
		done(httperrors.NewTransportError(httperrors.TransportErrorConnectionClosed, "transport closed", nil))
		return
	}
	if conn == nil {
		done(httperrors.NewTransportError(httperrors.TransportErrorSocketWriteFailure, "not connected", nil))
		return
	}

	go func() {
		_, err := conn.Write(p)
		done(err)
	}()
}

// Close releases the connection. Handler callbacks stop immediately.
func (t *StreamTransport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	conn := t.conn
	t.mu.Unlock()

	if conn == nil {
		return nil
	}
	return conn.Close()
}

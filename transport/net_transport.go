package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"sync"
	"syscall"

	httperrors "github.com/PetrJanouch/jersey/errors"
)

// NetConn implements Conn on top of the net package, over TCP or a Unix
// domain socket.
type NetConn struct {
	network string
	path    string

	mu   sync.Mutex
	conn net.Conn
}

// NewTcpConn creates a NetConn that dials TCP
func NewTcpConn() *NetConn {
	return &NetConn{network: "tcp"}
}

// NewUnixConn creates a NetConn that dials the Unix socket at path. The host
// and port passed to Connect are ignored.
func NewUnixConn(path string) *NetConn {
	return &NetConn{network: "unix", path: path}
}

// Connect establishes the connection
func (t *NetConn) Connect(host string, port int) error {
	return t.ConnectContext(context.Background(), host, port)
}

// ConnectContext establishes the connection, giving up when ctx is done.
func (t *NetConn) ConnectContext(ctx context.Context, host string, port int) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.conn != nil {
		return httperrors.NewTransportError(httperrors.TransportErrorSocketConnectFailure, "already connected", nil)
	}

	addr := t.path
	if t.network == "tcp" {
		addr = net.JoinHostPort(host, strconv.Itoa(port))
	}

	var d net.Dialer
	conn, err := d.DialContext(ctx, t.network, addr)
	if err != nil {
		return classifyDialError(addr, err)
	}

	// Set TCP_NODELAY to disable Nagle's algorithm for lower latency
	if tcpConn, ok := conn.(*net.TCPConn); ok {
		if err := tcpConn.SetNoDelay(true); err != nil {
			conn.Close()
			return httperrors.NewTransportError(httperrors.TransportErrorSocketCreateFailure, "failed to set TCP_NODELAY", err)
		}
	}

	t.conn = conn
	return nil
}

func (t *NetConn) current() net.Conn {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.conn
}

// Write sends data over the connection
func (t *NetConn) Write(buf []byte) (int, error) {
	conn := t.current()
	if conn == nil {
		return 0, httperrors.NewTransportError(httperrors.TransportErrorSocketWriteFailure, "not connected", nil)
	}

	n, err := conn.Write(buf)
	if err != nil {
		if isClosedError(err) {
			return n, httperrors.NewTransportError(httperrors.TransportErrorConnectionClosed, "connection closed during write", err)
		}
		return n, httperrors.NewTransportError(httperrors.TransportErrorSocketWriteFailure, "write failed", err)
	}
	return n, nil
}

// Read receives data from the connection
func (t *NetConn) Read(buf []byte) (int, error) {
	conn := t.current()
	if conn == nil {
		return 0, httperrors.NewTransportError(httperrors.TransportErrorSocketReadFailure, "not connected", nil)
	}

	n, err := conn.Read(buf)
	if err != nil {
		if errors.Is(err, io.EOF) || isClosedError(err) {
			return n, httperrors.NewTransportError(httperrors.TransportErrorConnectionClosed, "connection closed by peer", err)
		}
		return n, httperrors.NewTransportError(httperrors.TransportErrorSocketReadFailure, "read failed", err)
	}
	return n, nil
}

// Close closes the connection. It is idempotent.
func (t *NetConn) Close() error {
	t.mu.Lock()
	conn := t.conn
	t.conn = nil
	t.mu.Unlock()

	if conn == nil {
		return nil
	}
	if err := conn.Close(); err != nil {
		return httperrors.NewTransportError(httperrors.TransportErrorConnectionClosed, "failed to close socket", err)
	}
	return nil
}

func classifyDialError(addr string, err error) error {
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return httperrors.NewTransportError(httperrors.TransportErrorDnsFailure, fmt.Sprintf("failed to resolve %s", addr), err)
	}
	return httperrors.NewTransportError(httperrors.TransportErrorSocketConnectFailure, fmt.Sprintf("failed to connect to %s", addr), err)
}

func isClosedError(err error) bool {
	return errors.Is(err, syscall.EPIPE) ||
		errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, net.ErrClosed)
}

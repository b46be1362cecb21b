//go:build linux

package transport

import (
	"fmt"
	"net"
	"strconv"
	"sync"
	"syscall"

	"github.com/iceber/iouring-go"

	"github.com/PetrJanouch/jersey/errors"
)

const ringEntries = 32

// UringConn implements Conn with io_uring via iceber/iouring-go. Connect,
// send and recv are all submitted to the ring.
type UringConn struct {
	iour *iouring.IOURing
	path string

	mu       sync.Mutex
	fd       int
	closed   bool
	inflight sync.WaitGroup
}

// NewUringConn creates a TCP conn backed by its own io_uring instance
func NewUringConn() (*UringConn, error) {
	iour, err := iouring.New(ringEntries)
	if err != nil {
		return nil, errors.NewTransportError(
			errors.TransportErrorIoUringInit,
			"failed to initialize io_uring",
			err,
		)
	}

	return &UringConn{
		iour: iour,
		fd:   -1,
	}, nil
}

// Connect establishes the connection using io_uring
func (t *UringConn) Connect(host string, port int) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return errors.NewTransportError(errors.TransportErrorConnectionClosed, "connection closed", nil)
	}
	if t.fd >= 0 {
		return errors.NewTransportError(
			errors.TransportErrorSocketConnectFailure,
			"already connected",
			nil,
		)
	}

	var (
		fd  int
		sa  syscall.Sockaddr
		err error
	)
	if t.path != "" {
		fd, sa, err = unixSocket(t.path)
	} else {
		fd, sa, err = tcpSocket(host, port)
	}
	if err != nil {
		return err
	}

	ch := make(chan iouring.Result, 1)
	req, err := iouring.Connect(fd, sa)
	if err == nil {
		_, err = t.iour.SubmitRequest(req, ch)
	}
	if err != nil {
		syscall.Close(fd)
		return errors.NewTransportError(
			errors.TransportErrorIoUringSubmit,
			"failed to submit connect request",
			err,
		)
	}

	result := <-ch
	if err := result.Err(); err != nil {
		syscall.Close(fd)
		return errors.NewTransportError(
			errors.TransportErrorSocketConnectFailure,
			fmt.Sprintf("failed to connect to %s", sockaddrString(host, port, t.path)),
			err,
		)
	}

	t.fd = fd
	return nil
}

// acquire registers an operation so Close can wait for it.
func (t *UringConn) acquire(code errors.TransportError) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return -1, errors.NewTransportError(errors.TransportErrorConnectionClosed, "connection closed", nil)
	}
	if t.fd < 0 {
		return -1, errors.NewTransportError(code, "not connected", nil)
	}
	t.inflight.Add(1)
	return t.fd, nil
}

// Write sends data over the connection using io_uring
func (t *UringConn) Write(buf []byte) (int, error) {
	fd, err := t.acquire(errors.TransportErrorSocketWriteFailure)
	if err != nil {
		return 0, err
	}
	defer t.inflight.Done()

	totalWritten := 0
	for totalWritten < len(buf) {
		ch := make(chan iouring.Result, 1)
		if _, err := t.iour.SubmitRequest(iouring.Send(fd, buf[totalWritten:], syscall.MSG_NOSIGNAL), ch); err != nil {
			return totalWritten, errors.NewTransportError(
				errors.TransportErrorIoUringSubmit,
				"failed to submit write request",
				err,
			)
		}

		result := <-ch
		n, err := result.ReturnInt()
		if err != nil {
			return totalWritten, classifyErrno(errors.TransportErrorSocketWriteFailure, "write failed", err)
		}
		if n <= 0 {
			return totalWritten, errors.NewTransportError(
				errors.TransportErrorConnectionClosed,
				"connection closed during write",
				nil,
			)
		}

		totalWritten += n
	}

	return totalWritten, nil
}

// Read receives data from the connection using io_uring
func (t *UringConn) Read(buf []byte) (int, error) {
	fd, err := t.acquire(errors.TransportErrorSocketReadFailure)
	if err != nil {
		return 0, err
	}
	defer t.inflight.Done()

	ch := make(chan iouring.Result, 1)
	if _, err := t.iour.SubmitRequest(iouring.Recv(fd, buf, 0), ch); err != nil {
		return 0, errors.NewTransportError(
			errors.TransportErrorIoUringSubmit,
			"failed to submit read request",
			err,
		)
	}

	result := <-ch
	n, err := result.ReturnInt()
	if err != nil {
		return 0, classifyErrno(errors.TransportErrorSocketReadFailure, "read failed", err)
	}
	if n == 0 && len(buf) > 0 {
		return 0, errors.NewTransportError(
			errors.TransportErrorConnectionClosed,
			"connection closed by peer",
			nil,
		)
	}

	return n, nil
}

// Close shuts the socket down, waits for submitted operations to complete and
// then releases the socket and the ring.
func (t *UringConn) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	fd := t.fd
	t.fd = -1
	t.mu.Unlock()

	var err error
	if fd >= 0 {
		// A pending recv holds its own file reference; shutdown is what wakes it.
		syscall.Shutdown(fd, syscall.SHUT_RDWR)
		t.inflight.Wait()
		if cerr := syscall.Close(fd); cerr != nil {
			err = errors.NewTransportError(
				errors.TransportErrorConnectionClosed,
				"failed to close socket",
				cerr,
			)
		}
	}
	t.iour.Close()
	return err
}

// tcpSocket resolves host and creates a TCP socket of the matching family.
func tcpSocket(host string, port int) (int, syscall.Sockaddr, error) {
	addr := net.JoinHostPort(host, strconv.Itoa(port))
	tcpAddr, err := net.ResolveTCPAddr("tcp", addr)
	if err != nil {
		return -1, nil, errors.NewTransportError(
			errors.TransportErrorDnsFailure,
			fmt.Sprintf("failed to resolve %s", addr),
			err,
		)
	}

	family := syscall.AF_INET6
	var sa syscall.Sockaddr
	if ip4 := tcpAddr.IP.To4(); ip4 != nil {
		family = syscall.AF_INET
		sa4 := &syscall.SockaddrInet4{Port: tcpAddr.Port}
		copy(sa4.Addr[:], ip4)
		sa = sa4
	} else {
		sa6 := &syscall.SockaddrInet6{Port: tcpAddr.Port}
		copy(sa6.Addr[:], tcpAddr.IP)
		sa = sa6
	}

	fd, err := syscall.Socket(family, syscall.SOCK_STREAM|syscall.SOCK_CLOEXEC, 0)
	if err != nil {
		return -1, nil, errors.NewTransportError(
			errors.TransportErrorSocketCreateFailure,
			"failed to create socket",
			err,
		)
	}

	if err := syscall.SetsockoptInt(fd, syscall.IPPROTO_TCP, syscall.TCP_NODELAY, 1); err != nil {
		syscall.Close(fd)
		return -1, nil, errors.NewTransportError(
			errors.TransportErrorSocketCreateFailure,
			"failed to set TCP_NODELAY",
			err,
		)
	}

	return fd, sa, nil
}

func classifyErrno(code errors.TransportError, message string, err error) error {
	if err == syscall.EPIPE || err == syscall.ECONNRESET {
		return errors.NewTransportError(errors.TransportErrorConnectionClosed, message, err)
	}
	return errors.NewTransportError(code, message, err)
}

func sockaddrString(host string, port int, path string) string {
	if path != "" {
		return path
	}
	return net.JoinHostPort(host, strconv.Itoa(port))
}

//go:build linux

package transport

import (
	"fmt"
	"os"
	"sync"
	"syscall"

	"github.com/godzie44/go-uring/uring"

	"github.com/PetrJanouch/jersey/errors"
)

// RingConn implements Conn using godzie44/go-uring. The connect is a plain
// blocking syscall; reads and writes go through two rings so the read loop
// and a writer never reap each other's completions.
type RingConn struct {
	readRing  *uring.Ring
	writeRing *uring.Ring
	path      string

	rmu sync.Mutex
	wmu sync.Mutex

	mu       sync.Mutex
	file     *os.File
	fd       uintptr
	closed   bool
	inflight sync.WaitGroup
}

// NewRingConn creates a TCP conn backed by go-uring rings
func NewRingConn() (*RingConn, error) {
	readRing, err := uring.New(ringEntries)
	if err != nil {
		return nil, errors.NewTransportError(
			errors.TransportErrorIoUringInit,
			"failed to initialize io_uring",
			err,
		)
	}
	writeRing, err := uring.New(ringEntries)
	if err != nil {
		readRing.Close()
		return nil, errors.NewTransportError(
			errors.TransportErrorIoUringInit,
			"failed to initialize io_uring",
			err,
		)
	}

	return &RingConn{readRing: readRing, writeRing: writeRing}, nil
}

// NewRingUnixConn creates a RingConn for the Unix domain socket at path
func NewRingUnixConn(path string) (*RingConn, error) {
	t, err := NewRingConn()
	if err != nil {
		return nil, err
	}
	t.path = path
	return t, nil
}

// Connect establishes the connection
func (t *RingConn) Connect(host string, port int) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return errors.NewTransportError(errors.TransportErrorConnectionClosed, "connection closed", nil)
	}
	if t.file != nil {
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

	// Blocking connect; the caller runs it off the event path.
	if err := syscall.Connect(fd, sa); err != nil {
		syscall.Close(fd)
		return errors.NewTransportError(
			errors.TransportErrorSocketConnectFailure,
			fmt.Sprintf("failed to connect to %s", sockaddrString(host, port, t.path)),
			err,
		)
	}

	t.file = os.NewFile(uintptr(fd), "socket")
	t.fd = uintptr(fd)
	return nil
}

func (t *RingConn) acquire(code errors.TransportError) (uintptr, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return 0, errors.NewTransportError(errors.TransportErrorConnectionClosed, "connection closed", nil)
	}
	if t.file == nil {
		return 0, errors.NewTransportError(code, "not connected", nil)
	}
	t.inflight.Add(1)
	return t.fd, nil
}

// complete queues sqe on ring, submits it and waits for its result.
func complete(ring *uring.Ring, sqe uring.Operation, code errors.TransportError, what string) (int, error) {
	if err := ring.QueueSQE(sqe, 0, 0); err != nil {
		return 0, errors.NewTransportError(
			errors.TransportErrorIoUringSubmit,
			"failed to queue "+what+" request",
			err,
		)
	}

	if _, err := ring.Submit(); err != nil {
		return 0, errors.NewTransportError(
			errors.TransportErrorIoUringSubmit,
			"failed to submit "+what+" request",
			err,
		)
	}

	cqe, err := ring.WaitCQEvents(1)
	if err != nil {
		return 0, errors.NewTransportError(
			code,
			"failed to wait for "+what+" completion",
			err,
		)
	}

	if err := cqe.Error(); err != nil {
		ring.SeenCQE(cqe)
		return 0, classifyErrno(code, what+" operation failed", err)
	}

	n := int(cqe.Res)
	ring.SeenCQE(cqe)
	return n, nil
}

// Write sends data over the connection using io_uring
func (t *RingConn) Write(buf []byte) (int, error) {
	fd, err := t.acquire(errors.TransportErrorSocketWriteFailure)
	if err != nil {
		return 0, err
	}
	defer t.inflight.Done()

	t.wmu.Lock()
	defer t.wmu.Unlock()

	totalWritten := 0
	for totalWritten < len(buf) {
		n, err := complete(t.writeRing, uring.Write(fd, buf[totalWritten:], 0), errors.TransportErrorSocketWriteFailure, "write")
		if err != nil {
			return totalWritten, err
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
func (t *RingConn) Read(buf []byte) (int, error) {
	fd, err := t.acquire(errors.TransportErrorSocketReadFailure)
	if err != nil {
		return 0, err
	}
	defer t.inflight.Done()

	t.rmu.Lock()
	defer t.rmu.Unlock()

	n, err := complete(t.readRing, uring.Read(fd, buf, 0), errors.TransportErrorSocketReadFailure, "read")
	if err != nil {
		return 0, err
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

// Close shuts the socket down, waits for outstanding operations and releases
// the socket and both rings.
func (t *RingConn) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	file, fd := t.file, t.fd
	t.file = nil
	t.mu.Unlock()

	if file != nil {
		syscall.Shutdown(int(fd), syscall.SHUT_RDWR)
		t.inflight.Wait()
		file.Close()
	}
	t.readRing.Close()
	t.writeRing.Close()
	return nil
}

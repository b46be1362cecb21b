//go:build linux

package transport

import (
	"syscall"

	"github.com/PetrJanouch/jersey/errors"
)

// NewUringUnixConn creates a UringConn for the Unix domain socket at path.
// The host and port passed to Connect are ignored.
func NewUringUnixConn(path string) (*UringConn, error) {
	t, err := NewUringConn()
	if err != nil {
		return nil, err
	}
	t.path = path
	return t, nil
}

// unixSocket creates a Unix stream socket addressed at path
func unixSocket(path string) (int, syscall.Sockaddr, error) {
	fd, err := syscall.Socket(syscall.AF_UNIX, syscall.SOCK_STREAM|syscall.SOCK_CLOEXEC, 0)
	if err != nil {
		return -1, nil, errors.NewTransportError(
			errors.TransportErrorSocketCreateFailure,
			"failed to create socket",
			err,
		)
	}
	return fd, &syscall.SockaddrUnix{Name: path}, nil
}

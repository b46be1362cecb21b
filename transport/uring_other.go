//go:build !linux

package transport

import "github.com/PetrJanouch/jersey/errors"

func errNoUring() error {
	return errors.NewTransportError(errors.TransportErrorUnsupported, "io_uring requires linux", nil)
}

func NewUringConn() (Conn, error)                { return nil, errNoUring() }
func NewUringUnixConn(path string) (Conn, error) { return nil, errNoUring() }
func NewRingConn() (Conn, error)                 { return nil, errNoUring() }
func NewRingUnixConn(path string) (Conn, error)  { return nil, errNoUring() }

package transport

import (
	"fmt"

	"github.com/PetrJanouch/jersey/errors"
)

// Kinds of Conn a Dialer can produce.
const (
	KindNet     = "net"
	KindIoUring = "iouring"
	KindGoUring = "gouring"
)

// NewDialer returns a Dialer for the named kind. When unixSocket is set every
// conn dials that socket instead of the requested host.
func NewDialer(kind, unixSocket string) (Dialer, error) {
	switch kind {
	case "", KindNet:
		if unixSocket != "" {
			return func() (Conn, error) { return NewUnixConn(unixSocket), nil }, nil
		}
		return func() (Conn, error) { return NewTcpConn(), nil }, nil
	case KindIoUring:
		if unixSocket != "" {
			return func() (Conn, error) { return NewUringUnixConn(unixSocket) }, nil
		}
		return func() (Conn, error) { return NewUringConn() }, nil
	case KindGoUring:
		if unixSocket != "" {
			return func() (Conn, error) { return NewRingUnixConn(unixSocket) }, nil
		}
		return func() (Conn, error) { return NewRingConn() }, nil
	default:
		return nil, errors.NewInvalidArgumentError(fmt.Sprintf("unknown transport %q", kind))
	}
}

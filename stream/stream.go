// Package stream holds the request and response body streams. Both kinds can
// be used either blocking, through the io.Reader / io.Writer methods, or
// event-driven, through a registered listener. The first operation on a stream
// fixes its mode.
package stream

import (
	"github.com/PetrJanouch/jersey/errors"
)

type mode int

const (
	modeUndecided mode = iota
	modeBlocking
	modeEventDriven
)

func (m mode) String() string {
	switch m {
	case modeBlocking:
		return "blocking"
	case modeEventDriven:
		return "event-driven"
	default:
		return "undecided"
	}
}

var (
	// ErrNotReady is returned by non-blocking calls on an event-driven stream
	// that cannot make progress. The listener is called once the stream is
	// ready again.
	ErrNotReady = errors.NewIllegalStateError("stream is not ready")

	// ErrClosed is returned by operations on a stream that has been closed
	ErrClosed = errors.NewIllegalStateError("stream is closed")
)

// WriteFunc hands encoded body bytes to the layer below. done is called
// exactly once when the bytes have been written or the write failed.
type WriteFunc func(p []byte, done func(error))

package stream

import (
	"bytes"
	"fmt"
	"sync"

	"github.com/PetrJanouch/jersey/errors"
)

// WriteListener receives notifications for an event-driven Output
type WriteListener interface {
	OnWritePossible()
	OnError(err error)
}

// Output is a request body written by the caller while the request is being
// sent. Bytes are collected into a buffer of a fixed size and each full buffer
// is framed and handed to the connection as one write.
type Output struct {
	mu   sync.Mutex
	cond *sync.Cond

	mode    mode
	bufSize int
	buf     []byte
	frame   func([]byte) []byte
	last    []byte

	declared int64
	written  int64

	write   WriteFunc
	onClose func(error)

	listener     WriteListener
	callListener bool
	inFlight     bool
	closed       bool
	err          error

	// failed is closed by Fail and releases a writer waiting on a flush
	failed     chan struct{}
	failedOnce sync.Once
}

// NewChunked creates a body that is sent with chunked transfer coding. Every
// full buffer of chunkSize bytes is passed through frame, and last is written
// when the stream is closed.
func NewChunked(chunkSize int, frame func([]byte) []byte, last []byte) *Output {
	if chunkSize <= 0 {
		panic(fmt.Sprintf("stream: invalid chunk size %d", chunkSize))
	}
	return newOutput(chunkSize, -1, frame, last)
}

// NewFixedLength creates a body of exactly length bytes, sent as is
func NewFixedLength(length int64, bufSize int) *Output {
	if length < 0 {
		panic(fmt.Sprintf("stream: invalid content length %d", length))
	}
	if bufSize <= 0 {
		bufSize = 4096
	}
	return newOutput(bufSize, length, bytes.Clone, nil)
}

func newOutput(bufSize int, declared int64, frame func([]byte) []byte, last []byte) *Output {
	o := &Output{
		bufSize:  bufSize,
		buf:      make([]byte, 0, bufSize),
		frame:    frame,
		last:     last,
		declared: declared,
		failed:   make(chan struct{}),
	}
	o.cond = sync.NewCond(&o.mu)
	return o
}

// Open connects the stream to the connection. It is called by the framing
// layer once the request header has been written; until then blocking writes
// wait and an event-driven writer is not told that writing is possible.
// onClose is called once the final bytes have been written, or with the error
// that prevented it.
func (o *Output) Open(write WriteFunc, onClose func(error)) {
	o.mu.Lock()
	if o.write != nil {
		o.mu.Unlock()
		panic("stream: output opened twice")
	}
	o.write = write
	o.onClose = onClose
	o.cond.Broadcast()
	if o.err != nil {
		err := o.err
		o.onClose = nil
		o.mu.Unlock()
		onClose(err)
		return
	}
	notify := o.writePossible()
	o.mu.Unlock()

	if notify != nil {
		notify()
	}
}

// Write implements io.Writer. On a blocking stream it returns once the data is
// buffered or written. On an event-driven stream it returns ErrNotReady while a
// previous write is still in flight; the listener is then called once the
// stream accepts data again.
func (o *Output) Write(p []byte) (int, error) {
	o.mu.Lock()
	if o.mode == modeUndecided {
		o.mode = modeBlocking
	}
	if err := o.checkWritable(len(p)); err != nil {
		o.mu.Unlock()
		return 0, err
	}

	if o.mode == modeEventDriven {
		if o.write == nil || o.inFlight {
			o.callListener = true
			o.mu.Unlock()
			return 0, ErrNotReady
		}
		o.written += int64(len(p))
		o.buf = append(o.buf, p...)
		if len(o.buf) < o.bufSize {
			o.mu.Unlock()
			return len(p), nil
		}
		// Every full buffer becomes its own frame; they go down as one write.
		var data []byte
		rest := o.buf
		for len(rest) >= o.bufSize {
			data = append(data, o.frame(rest[:o.bufSize])...)
			rest = rest[o.bufSize:]
		}
		o.buf = append(make([]byte, 0, o.bufSize), rest...)
		start := o.flushAsync(data, nil)
		o.mu.Unlock()
		start()
		return len(p), nil
	}

	total := 0
	for len(p) > 0 {
		n := o.bufSize - len(o.buf)
		if n > len(p) {
			n = len(p)
		}
		o.buf = append(o.buf, p[:n]...)
		o.written += int64(n)
		p = p[n:]
		total += n

		if len(o.buf) == o.bufSize {
			data := o.frame(o.buf)
			o.buf = o.buf[:0]
			if err := o.flushBlocking(data); err != nil {
				o.mu.Unlock()
				return total, err
			}
		}
	}
	o.mu.Unlock()
	return total, nil
}

func (o *Output) checkWritable(n int) error {
	if o.closed {
		return ErrClosed
	}
	if o.err != nil {
		return o.err
	}
	if o.declared >= 0 && o.written+int64(n) > o.declared {
		return errors.NewInvalidArgumentError(fmt.Sprintf("body exceeds declared length of %d bytes", o.declared))
	}
	return nil
}

// flushBlocking writes data and waits for the write to complete. It is
// entered and left with o.mu held.
func (o *Output) flushBlocking(data []byte) error {
	for o.write == nil && o.err == nil {
		o.cond.Wait()
	}
	if o.err != nil {
		return o.err
	}

	o.inFlight = true
	write := o.write
	o.mu.Unlock()

	done := make(chan error, 1)
	write(data, func(err error) { done <- err })
	var err error
	select {
	case err = <-done:
	case <-o.failed:
	}

	o.mu.Lock()
	o.inFlight = false
	if err == nil {
		err = o.err
	} else if o.err == nil {
		o.err = err
	}
	return err
}

// flushAsync marks a write in flight and returns the function that starts it,
// to be called once o.mu is released. then, if set, runs after the write
// completes and before the listener is told it may write again.
func (o *Output) flushAsync(data []byte, then func()) func() {
	o.inFlight = true
	write := o.write
	return func() {
		write(data, func(err error) { o.flushed(err, then) })
	}
}

func (o *Output) flushed(err error, then func()) {
	o.mu.Lock()
	o.inFlight = false
	l := o.listener
	if err != nil {
		if o.err == nil {
			o.err = err
		}
		o.mu.Unlock()
		if then != nil {
			then()
		}
		if l != nil {
			l.OnError(err)
		}
		return
	}
	notify := o.writePossible()
	o.mu.Unlock()

	if then != nil {
		then()
	}
	if notify != nil {
		notify()
	}
}

func (o *Output) writePossible() func() {
	if o.listener == nil || !o.callListener || o.write == nil || o.inFlight || o.closed || o.err != nil {
		return nil
	}
	o.callListener = false
	return o.listener.OnWritePossible
}

// IsReady reports whether Write would accept data right now. When it returns
// false the listener is called once that changes.
func (o *Output) IsReady() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.mode == modeBlocking {
		panic("stream: IsReady called on a blocking output stream")
	}
	if o.write != nil && !o.inFlight && !o.closed && o.err == nil {
		return true
	}
	o.callListener = true
	return false
}

// SetWriteListener switches the stream to event-driven mode. If the stream is
// already open, l is told right away that it may write.
func (o *Output) SetWriteListener(l WriteListener) {
	if l == nil {
		panic("stream: nil write listener")
	}

	o.mu.Lock()
	if o.listener != nil {
		o.mu.Unlock()
		panic("stream: write listener already set")
	}
	if o.mode == modeBlocking {
		o.mu.Unlock()
		panic("stream: write listener set on a blocking output stream")
	}
	o.mode = modeEventDriven
	o.listener = l
	o.callListener = true
	notify := o.writePossible()
	o.mu.Unlock()

	if notify != nil {
		notify()
	}
}

// Close writes out what is buffered, terminates the body and completes the
// request. A fixed-length body closed before all declared bytes were written
// fails with an invalid argument error.
func (o *Output) Close() error {
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return nil
	}
	if o.mode == modeUndecided {
		o.mode = modeBlocking
	}
	if o.err != nil {
		err := o.err
		o.closed = true
		o.mu.Unlock()
		return err
	}
	if o.mode == modeEventDriven && (o.write == nil || o.inFlight) {
		o.callListener = true
		o.mu.Unlock()
		return ErrNotReady
	}
	o.closed = true

	if o.declared >= 0 && o.written != o.declared {
		err := errors.NewInvalidArgumentError(fmt.Sprintf("body closed after %d of %d declared bytes", o.written, o.declared))
		o.err = err
		o.mu.Unlock()
		o.closeWith(err)
		return err
	}

	var data []byte
	if len(o.buf) > 0 {
		data = o.frame(o.buf)
		o.buf = nil
	}
	data = append(data, o.last...)

	if o.mode == modeEventDriven {
		if len(data) == 0 {
			o.mu.Unlock()
			o.closeWith(nil)
			return nil
		}
		start := o.flushAsync(data, func() { o.closeWith(o.Err()) })
		o.mu.Unlock()
		start()
		return nil
	}

	var err error
	if len(data) > 0 {
		err = o.flushBlocking(data)
	} else {
		for o.write == nil && o.err == nil {
			o.cond.Wait()
		}
		err = o.err
	}
	o.mu.Unlock()
	o.closeWith(err)
	return err
}

func (o *Output) closeWith(err error) {
	o.mu.Lock()
	onClose := o.onClose
	o.onClose = nil
	o.mu.Unlock()
	if onClose != nil {
		onClose(err)
	}
}

// Fail aborts the body from the connection side, for example when the
// connection broke while the request was being sent. Blocked writers return
// err and an event-driven writer is notified.
func (o *Output) Fail(err error) {
	o.mu.Lock()
	if o.err != nil {
		o.mu.Unlock()
		return
	}
	o.err = err
	o.onClose = nil
	l := o.listener
	o.cond.Broadcast()
	o.mu.Unlock()
	o.failedOnce.Do(func() { close(o.failed) })

	if l != nil {
		l.OnError(err)
	}
}

// Err returns the error that broke the stream, if any
func (o *Output) Err() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.err
}

// DeclaredLength returns the fixed body length, or -1 for a chunked body
func (o *Output) DeclaredLength() int64 {
	return o.declared
}

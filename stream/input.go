package stream

import (
	"io"
	"sync"
)

// ReadListener receives notifications for an event-driven Input.
// OnAllDataRead and OnError are terminal and mutually exclusive; after one of
// them no further callbacks are made.
type ReadListener interface {
	OnDataAvailable()
	OnAllDataRead()
	OnError(err error)
}

// Input is a response body. The connection feeds it with OnData,
// OnAllDataRead and OnError as bytes are decoded; the caller consumes it.
type Input struct {
	mu   sync.Mutex
	cond *sync.Cond

	mode     mode
	chunks   [][]byte
	eof      bool
	err      error
	closed   bool
	finished bool

	listener          ReadListener
	callListener      bool
	terminalDelivered bool

	observers []func(error)
}

// NewInput creates an empty response body
func NewInput() *Input {
	in := &Input{}
	in.cond = sync.NewCond(&in.mu)
	return in
}

// Read implements io.Reader. On a blocking stream it waits until data, end of
// body or an error is available. On an event-driven stream it never blocks and
// returns ErrNotReady when nothing is buffered.
func (in *Input) Read(p []byte) (int, error) {
	in.mu.Lock()
	defer in.mu.Unlock()

	if in.mode == modeUndecided {
		in.mode = modeBlocking
	}
	if len(p) == 0 {
		return 0, nil
	}

	if in.mode == modeBlocking {
		for len(in.chunks) == 0 && !in.eof && in.err == nil && !in.closed {
			in.cond.Wait()
		}
	}

	switch {
	case in.closed:
		return 0, ErrClosed
	case len(in.chunks) > 0:
		return in.take(p), nil
	case in.err != nil:
		return 0, in.err
	case in.eof:
		return 0, io.EOF
	}

	in.callListener = true
	return 0, ErrNotReady
}

func (in *Input) take(p []byte) int {
	n := 0
	for n < len(p) && len(in.chunks) > 0 {
		c := copy(p[n:], in.chunks[0])
		n += c
		if c == len(in.chunks[0]) {
			in.chunks[0] = nil
			in.chunks = in.chunks[1:]
		} else {
			in.chunks[0] = in.chunks[0][c:]
		}
	}
	return n
}

// IsReady reports whether Read would return data without blocking. When it
// returns false the listener is armed and will be called on the next event.
// End of body and errors that are already queued are delivered from here.
func (in *Input) IsReady() bool {
	in.mu.Lock()
	if in.mode == modeBlocking {
		in.mu.Unlock()
		panic("stream: IsReady called on a blocking input stream")
	}
	if len(in.chunks) > 0 {
		in.mu.Unlock()
		return true
	}
	in.callListener = true
	notify := in.pendingNotification()
	in.mu.Unlock()

	if notify != nil {
		notify()
	}
	return false
}

// SetReadListener switches the stream to event-driven mode. Data buffered
// before the call is announced right away.
func (in *Input) SetReadListener(l ReadListener) {
	if l == nil {
		panic("stream: nil read listener")
	}

	in.mu.Lock()
	if in.listener != nil {
		in.mu.Unlock()
		panic("stream: read listener already set")
	}
	if in.mode == modeBlocking {
		in.mu.Unlock()
		panic("stream: read listener set on a blocking input stream")
	}
	in.mode = modeEventDriven
	in.listener = l
	in.callListener = true
	notify := in.pendingNotification()
	in.mu.Unlock()

	if notify != nil {
		notify()
	}
}

// Close discards buffered and future data. It does not affect the connection
// the body arrives on.
func (in *Input) Close() error {
	in.mu.Lock()
	in.closed = true
	in.chunks = nil
	in.cond.Broadcast()
	in.mu.Unlock()
	return nil
}

// OnData appends a decoded body fragment. The slice is retained.
func (in *Input) OnData(p []byte) {
	if len(p) == 0 {
		return
	}

	in.mu.Lock()
	if in.finished || in.closed {
		in.mu.Unlock()
		return
	}
	in.chunks = append(in.chunks, p)
	in.cond.Broadcast()
	notify := in.pendingNotification()
	in.mu.Unlock()

	if notify != nil {
		notify()
	}
}

// OnAllDataRead marks the end of the body
func (in *Input) OnAllDataRead() {
	in.finish(nil)
}

// OnError terminates the body with err. It is ignored once the body has
// already ended.
func (in *Input) OnError(err error) {
	in.finish(err)
}

func (in *Input) finish(err error) {
	in.mu.Lock()
	if in.finished {
		in.mu.Unlock()
		return
	}
	in.finished = true
	if err != nil {
		in.err = err
	} else {
		in.eof = true
	}
	in.cond.Broadcast()
	notify := in.pendingNotification()
	observers := in.observers
	in.observers = nil
	in.mu.Unlock()

	if notify != nil {
		notify()
	}
	for _, fn := range observers {
		fn(err)
	}
}

// Finished reports whether the feeding side has ended the body
func (in *Input) Finished() bool {
	in.mu.Lock()
	defer in.mu.Unlock()
	return in.finished
}

// NotifyComplete registers fn to be called once when the feeding side ends
// the body, with the error that ended it or nil. It fires independently of
// how, or whether, the caller consumes the data. If the body has already
// ended fn is called immediately.
func (in *Input) NotifyComplete(fn func(error)) {
	in.mu.Lock()
	if in.finished {
		err := in.err
		in.mu.Unlock()
		fn(err)
		return
	}
	in.observers = append(in.observers, fn)
	in.mu.Unlock()
}

// pendingNotification picks the listener call owed to the consumer, if any.
// Data is always announced before a queued end of body or error.
func (in *Input) pendingNotification() func() {
	l := in.listener
	if l == nil || !in.callListener || in.terminalDelivered || in.closed {
		return nil
	}

	switch {
	case len(in.chunks) > 0:
		in.callListener = false
		return l.OnDataAvailable
	case in.err != nil:
		in.callListener = false
		in.terminalDelivered = true
		err := in.err
		return func() { l.OnError(err) }
	case in.eof:
		in.callListener = false
		in.terminalDelivered = true
		return l.OnAllDataRead
	}
	return nil
}

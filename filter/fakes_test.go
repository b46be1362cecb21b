package filter

import (
	"bytes"
	"crypto/tls"
	"fmt"
	"sync"

	"github.com/PetrJanouch/jersey/tlsengine"
)

// fakeDown is a byte layer that records writes. Writes complete when the test
// calls complete, or immediately in auto mode.
type fakeDown struct {
	mu       sync.Mutex
	up       Handler[[]byte]
	host     string
	port     int
	writes   [][]byte
	pending  []func(error)
	auto     bool
	inFlight bool
	startTLS int
	closed   bool
}

func (d *fakeDown) Connect(host string, port int, up Handler[[]byte]) {
	d.mu.Lock()
	d.up, d.host, d.port = up, host, port
	d.mu.Unlock()
}

func (d *fakeDown) Write(p []byte, done func(error)) {
	d.mu.Lock()
	if d.inFlight {
		d.mu.Unlock()
		panic("fakeDown: overlapping writes")
	}
	d.writes = append(d.writes, bytes.Clone(p))
	d.inFlight = true
	finish := func(err error) {
		d.mu.Lock()
		d.inFlight = false
		d.mu.Unlock()
		done(err)
	}
	if d.auto {
		d.mu.Unlock()
		finish(nil)
		return
	}
	d.pending = append(d.pending, finish)
	d.mu.Unlock()
}

// complete finishes the oldest outstanding write
func (d *fakeDown) complete(err error) {
	d.mu.Lock()
	if len(d.pending) == 0 {
		d.mu.Unlock()
		panic("fakeDown: no write to complete")
	}
	finish := d.pending[0]
	d.pending = d.pending[1:]
	d.mu.Unlock()
	finish(err)
}

func (d *fakeDown) StartTLS() {
	d.mu.Lock()
	d.startTLS++
	up := d.up
	d.mu.Unlock()
	up.OnHandshakeCompleted()
}

func (d *fakeDown) Close() {
	d.mu.Lock()
	d.closed = true
	d.mu.Unlock()
}

func (d *fakeDown) written() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]string, len(d.writes))
	for i, w := range d.writes {
		out[i] = string(w)
	}
	return out
}

func (d *fakeDown) isClosed() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.closed
}

// recorder is an upstream handler that logs every event in order.
type recorder[R any] struct {
	mu     sync.Mutex
	events []string
	reads  []R
	errs   []error
}

func (r *recorder[R]) add(ev string) {
	r.mu.Lock()
	r.events = append(r.events, ev)
	r.mu.Unlock()
}

func (r *recorder[R]) OnConnect() { r.add("connect") }
func (r *recorder[R]) OnClosed()  { r.add("closed") }
func (r *recorder[R]) OnHandshakeCompleted() {
	r.add("handshake")
}

func (r *recorder[R]) OnRead(msg R) {
	r.mu.Lock()
	r.events = append(r.events, "read")
	r.reads = append(r.reads, msg)
	r.mu.Unlock()
}

func (r *recorder[R]) OnError(err error) {
	r.mu.Lock()
	r.events = append(r.events, "error")
	r.errs = append(r.errs, err)
	r.mu.Unlock()
}

func (r *recorder[R]) snapshot() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.events...)
}

// scriptedEngine plays a fixed handshake: it sends "hello", waits for
// "server-hello", runs one task and sends "finished". Application records
// are the plaintext in brackets. Receiving "reneg" starts a renegotiation
// that lasts until "reneg-done" arrives.
type scriptedEngine struct {
	phase          int
	taskErr        error
	reneg          int
	outboundClosed bool
	closed         int
}

const serverHello = "server-hello"

func (e *scriptedEngine) BeginHandshake() error {
	e.phase = 1
	return nil
}

func (e *scriptedEngine) HandshakeStatus() tlsengine.HandshakeStatus {
	switch e.reneg {
	case 1:
		return tlsengine.NeedWrap
	case 2:
		return tlsengine.NeedUnwrap
	}
	switch e.phase {
	case 1, 4:
		return tlsengine.NeedWrap
	case 2:
		return tlsengine.NeedUnwrap
	case 3:
		return tlsengine.NeedTask
	}
	return tlsengine.NotHandshaking
}

func (e *scriptedEngine) Wrap(src []byte) ([]byte, tlsengine.Result, error) {
	res := tlsengine.Result{Status: tlsengine.StatusOK}
	var out []byte
	switch {
	case e.reneg == 1:
		out, e.reneg = []byte("renegotiating"), 2
	case e.phase == 1:
		out, e.phase = []byte("hello"), 2
	case e.phase == 4:
		out, e.phase = []byte("finished"), 5
	case e.outboundClosed && len(src) == 0:
		out = []byte("bye")
	case string(src) == "overflow":
		res.Status = tlsengine.StatusBufferOverflow
		return nil, res, nil
	case len(src) > 0:
		out = []byte(fmt.Sprintf("[%s]", src))
		res.Consumed = len(src)
	}
	res.Produced = len(out)
	res.HandshakeStatus = e.HandshakeStatus()
	return out, res, nil
}

func (e *scriptedEngine) Unwrap(src []byte) ([]byte, tlsengine.Result, error) {
	res := tlsengine.Result{Status: tlsengine.StatusOK}
	switch e.phase {
	case 2:
		if len(src) < len(serverHello) {
			res.Status = tlsengine.StatusBufferUnderflow
			return nil, res, nil
		}
		if string(src[:len(serverHello)]) != serverHello {
			return nil, res, fmt.Errorf("unexpected handshake record %q", src)
		}
		e.phase = 3
		res.Consumed = len(serverHello)
		return nil, res, nil
	case 5:
		switch string(src) {
		case "reneg":
			e.reneg = 1
			res.Consumed = len(src)
			return nil, res, nil
		case "reneg-done":
			e.reneg = 0
			res.Consumed = len(src)
			return nil, res, nil
		}
		res.Consumed = len(src)
		res.Produced = len(src)
		return bytes.Clone(src), res, nil
	}
	return nil, res, nil
}

func (e *scriptedEngine) RunTask() error {
	if e.taskErr != nil {
		return e.taskErr
	}
	e.phase = 4
	return nil
}

func (e *scriptedEngine) CloseOutbound() { e.outboundClosed = true }

func (e *scriptedEngine) ConnectionState() (state tls.ConnectionState) {
	state.HandshakeComplete = e.phase == 5
	return state
}

func (e *scriptedEngine) Close() { e.closed++ }
